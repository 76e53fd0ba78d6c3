package edgestore

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"strato/internal/domain/edge"
	"strato/internal/logging"
)

const tenantEnvTable = "tenant_environment_settings"

// PostgresTenantEnvStore reads per-tenant configuration settings such as the
// execution mode.
type PostgresTenantEnvStore struct {
	db     DB
	logger logging.Logger
}

// NewPostgresTenantEnvStore constructs a Postgres-backed tenant-env store.
func NewPostgresTenantEnvStore(db DB) *PostgresTenantEnvStore {
	return &PostgresTenantEnvStore{
		db:     db,
		logger: logging.NewComponentLogger("TenantEnvStore"),
	}
}

// EnsureSchema creates the settings table if it does not exist.
func (s *PostgresTenantEnvStore) EnsureSchema(ctx context.Context) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("tenant env store not initialized")
	}
	_, err := s.db.Exec(ctx, `CREATE TABLE IF NOT EXISTS `+tenantEnvTable+` (
    tenant_id UUID NOT NULL,
    key TEXT NOT NULL,
    value TEXT NOT NULL,
    updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
    PRIMARY KEY (tenant_id, key)
);`)
	if err != nil {
		return fmt.Errorf("ensure tenant env schema: %w", err)
	}
	return nil
}

func (s *PostgresTenantEnvStore) GetSetting(ctx context.Context, tenantID uuid.UUID, key string) (string, error) {
	if s == nil || s.db == nil {
		return "", fmt.Errorf("tenant env store not initialized")
	}
	var value string
	err := s.db.QueryRow(ctx, `
SELECT value FROM `+tenantEnvTable+` WHERE tenant_id = $1 AND key = $2
`, tenantID, key).Scan(&value)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", edge.ErrSettingNotFound
	}
	if err != nil {
		return "", fmt.Errorf("get tenant setting: %w", err)
	}
	return value, nil
}
