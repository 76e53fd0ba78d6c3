package edgestore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"strato/internal/domain/edge"
	"strato/internal/logging"
)

const (
	runtimeTable           = "ep_runtime_instances"
	registrationTokenTable = "ep_runtime_registration_tokens"
)

// PostgresRegistryStore persists runtimes and registration tokens.
type PostgresRegistryStore struct {
	db     DB
	logger logging.Logger
}

// NewPostgresRegistryStore constructs a Postgres-backed registry store.
func NewPostgresRegistryStore(db DB) *PostgresRegistryStore {
	return &PostgresRegistryStore{
		db:     db,
		logger: logging.NewComponentLogger("RegistryStore"),
	}
}

// EnsureSchema creates the registry tables if they do not exist.
func (s *PostgresRegistryStore) EnsureSchema(ctx context.Context) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("registry store not initialized")
	}
	statements := []string{
		`CREATE TABLE IF NOT EXISTS ` + runtimeTable + ` (
    id UUID PRIMARY KEY,
    tenant_id UUID NOT NULL,
    display_name TEXT NOT NULL DEFAULT '',
    tags JSONB NOT NULL DEFAULT '[]',
    capabilities JSONB NOT NULL DEFAULT '{}',
    metadata JSONB NOT NULL DEFAULT '{}',
    status TEXT NOT NULL DEFAULT 'active',
    last_seen_at TIMESTAMPTZ,
    registered_at TIMESTAMPTZ NOT NULL DEFAULT now(),
    created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
    updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);`,
		`CREATE INDEX IF NOT EXISTS idx_` + runtimeTable + `_tenant_status_seen ON ` + runtimeTable + ` (tenant_id, status, last_seen_at DESC NULLS LAST);`,
		`CREATE TABLE IF NOT EXISTS ` + registrationTokenTable + ` (
    id UUID PRIMARY KEY,
    tenant_id UUID NOT NULL,
    token_hash TEXT NOT NULL UNIQUE,
    expires_at TIMESTAMPTZ NOT NULL,
    used_at TIMESTAMPTZ,
    runtime_id UUID,
    created_by_user_id TEXT NOT NULL DEFAULT '',
    created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);`,
	}
	for _, stmt := range statements {
		if _, err := s.db.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("ensure registry schema: %w", err)
		}
	}
	return nil
}

func (s *PostgresRegistryStore) InsertRegistrationToken(ctx context.Context, token *edge.RegistrationToken) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("registry store not initialized")
	}
	_, err := s.db.Exec(ctx, `
INSERT INTO `+registrationTokenTable+` (id, tenant_id, token_hash, expires_at, created_by_user_id, created_at)
VALUES ($1, $2, $3, $4, $5, $6)
`, token.ID, token.TenantID, token.TokenHash, token.ExpiresAt, token.CreatedByUserID, token.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert registration token: %w", err)
	}
	return nil
}

func (s *PostgresRegistryStore) Register(ctx context.Context, tokenHash string, runtime *edge.Runtime, now time.Time) (*edge.RegistrationToken, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("registry store not initialized")
	}
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin register: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	// The conditional UPDATE is the single-use claim: exactly one concurrent
	// registration can flip used_at from NULL.
	tok := edge.RegistrationToken{TokenHash: tokenHash}
	usedAt := now
	runtimeID := runtime.ID
	err = tx.QueryRow(ctx, `
UPDATE `+registrationTokenTable+`
SET used_at = $2, runtime_id = $3
WHERE token_hash = $1 AND used_at IS NULL AND expires_at > $2
RETURNING id, tenant_id, expires_at, created_by_user_id, created_at
`, tokenHash, now, runtime.ID).Scan(&tok.ID, &tok.TenantID, &tok.ExpiresAt, &tok.CreatedByUserID, &tok.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, s.classifyTokenFailure(ctx, tokenHash, now)
	}
	if err != nil {
		return nil, fmt.Errorf("consume registration token: %w", err)
	}
	tok.UsedAt = &usedAt
	tok.RuntimeID = &runtimeID

	runtime.TenantID = tok.TenantID
	tagsJSON, capsJSON, metaJSON, err := marshalRuntimeJSON(runtime)
	if err != nil {
		return nil, err
	}
	_, err = tx.Exec(ctx, `
INSERT INTO `+runtimeTable+` (id, tenant_id, display_name, tags, capabilities, metadata, status, last_seen_at, registered_at, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
`, runtime.ID, runtime.TenantID, runtime.DisplayName, tagsJSON, capsJSON, metaJSON,
		string(runtime.Status), runtime.LastSeenAt, runtime.RegisteredAt, runtime.CreatedAt, runtime.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("insert runtime: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit register: %w", err)
	}
	return &tok, nil
}

// classifyTokenFailure distinguishes missing, used and expired tokens after
// the atomic claim found nothing to update.
func (s *PostgresRegistryStore) classifyTokenFailure(ctx context.Context, tokenHash string, now time.Time) error {
	var usedAt *time.Time
	var expiresAt time.Time
	err := s.db.QueryRow(ctx, `
SELECT used_at, expires_at FROM `+registrationTokenTable+` WHERE token_hash = $1
`, tokenHash).Scan(&usedAt, &expiresAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return edge.ErrRegistrationTokenInvalid
	}
	if err != nil {
		return fmt.Errorf("inspect registration token: %w", err)
	}
	if usedAt != nil {
		return edge.ErrRegistrationTokenUsed
	}
	if !expiresAt.After(now) {
		return edge.ErrRegistrationTokenExpired
	}
	return edge.ErrRegistrationTokenInvalid
}

const runtimeColumns = `id, tenant_id, display_name, tags, capabilities, metadata, status, last_seen_at, registered_at, created_at, updated_at`

func (s *PostgresRegistryStore) GetRuntime(ctx context.Context, tenantID, runtimeID uuid.UUID) (*edge.Runtime, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("registry store not initialized")
	}
	row := s.db.QueryRow(ctx, `
SELECT `+runtimeColumns+` FROM `+runtimeTable+` WHERE id = $1 AND tenant_id = $2
`, runtimeID, tenantID)
	rt, err := scanRuntime(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, edge.ErrRuntimeNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get runtime: %w", err)
	}
	return rt, nil
}

func (s *PostgresRegistryStore) UpdateHeartbeat(ctx context.Context, tenantID, runtimeID uuid.UUID, status *edge.RuntimeStatus, metadata map[string]string, now time.Time) (*edge.Runtime, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("registry store not initialized")
	}
	metaJSON, err := json.Marshal(metadata)
	if err != nil {
		return nil, fmt.Errorf("marshal heartbeat metadata: %w", err)
	}
	var statusValue *string
	if status != nil {
		v := string(*status)
		statusValue = &v
	}
	row := s.db.QueryRow(ctx, `
UPDATE `+runtimeTable+`
SET last_seen_at = $3,
    updated_at = $3,
    status = COALESCE($4, status),
    metadata = metadata || $5::jsonb
WHERE id = $1 AND tenant_id = $2
RETURNING `+runtimeColumns+`
`, runtimeID, tenantID, now, statusValue, metaJSON)
	rt, err := scanRuntime(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, edge.ErrRuntimeNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("update heartbeat: %w", err)
	}
	return rt, nil
}

func (s *PostgresRegistryStore) ReplaceCapabilities(ctx context.Context, tenantID, runtimeID uuid.UUID, tags []string, capabilities edge.Capabilities, now time.Time) (*edge.Runtime, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("registry store not initialized")
	}
	tagsJSON, err := json.Marshal(tags)
	if err != nil {
		return nil, fmt.Errorf("marshal tags: %w", err)
	}
	capsJSON, err := json.Marshal(capabilities)
	if err != nil {
		return nil, fmt.Errorf("marshal capabilities: %w", err)
	}
	row := s.db.QueryRow(ctx, `
UPDATE `+runtimeTable+`
SET tags = $3, capabilities = $4, last_seen_at = $5, updated_at = $5
WHERE id = $1 AND tenant_id = $2
RETURNING `+runtimeColumns+`
`, runtimeID, tenantID, tagsJSON, capsJSON, now)
	rt, err := scanRuntime(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, edge.ErrRuntimeNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("replace capabilities: %w", err)
	}
	return rt, nil
}

func (s *PostgresRegistryStore) ListByTenant(ctx context.Context, tenantID uuid.UUID) ([]*edge.Runtime, error) {
	return s.listByTenant(ctx, tenantID, false)
}

func (s *PostgresRegistryStore) ListActiveByTenant(ctx context.Context, tenantID uuid.UUID) ([]*edge.Runtime, error) {
	return s.listByTenant(ctx, tenantID, true)
}

func (s *PostgresRegistryStore) listByTenant(ctx context.Context, tenantID uuid.UUID, activeOnly bool) ([]*edge.Runtime, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("registry store not initialized")
	}
	query := `SELECT ` + runtimeColumns + ` FROM ` + runtimeTable + ` WHERE tenant_id = $1`
	args := []any{tenantID}
	if activeOnly {
		query += ` AND status = $2`
		args = append(args, string(edge.RuntimeStatusActive))
	}
	query += ` ORDER BY last_seen_at DESC NULLS LAST, id`
	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list runtimes: %w", err)
	}
	defer rows.Close()

	out := make([]*edge.Runtime, 0)
	for rows.Next() {
		rt, err := scanRuntime(rows)
		if err != nil {
			return nil, fmt.Errorf("scan runtime: %w", err)
		}
		out = append(out, rt)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list runtimes: %w", err)
	}
	return out, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRuntime(row rowScanner) (*edge.Runtime, error) {
	var rt edge.Runtime
	var tagsJSON, capsJSON, metaJSON []byte
	var status string
	err := row.Scan(&rt.ID, &rt.TenantID, &rt.DisplayName, &tagsJSON, &capsJSON, &metaJSON,
		&status, &rt.LastSeenAt, &rt.RegisteredAt, &rt.CreatedAt, &rt.UpdatedAt)
	if err != nil {
		return nil, err
	}
	rt.Status = edge.RuntimeStatus(status)
	if len(tagsJSON) > 0 {
		if err := json.Unmarshal(tagsJSON, &rt.Tags); err != nil {
			return nil, fmt.Errorf("decode tags: %w", err)
		}
	}
	if len(capsJSON) > 0 {
		if err := json.Unmarshal(capsJSON, &rt.Capabilities); err != nil {
			return nil, fmt.Errorf("decode capabilities: %w", err)
		}
	}
	if len(metaJSON) > 0 {
		if err := json.Unmarshal(metaJSON, &rt.Metadata); err != nil {
			return nil, fmt.Errorf("decode metadata: %w", err)
		}
	}
	return &rt, nil
}

func marshalRuntimeJSON(rt *edge.Runtime) (tags, caps, meta []byte, err error) {
	if tags, err = json.Marshal(orEmptySlice(rt.Tags)); err != nil {
		return nil, nil, nil, fmt.Errorf("marshal tags: %w", err)
	}
	if caps, err = json.Marshal(rt.Capabilities); err != nil {
		return nil, nil, nil, fmt.Errorf("marshal capabilities: %w", err)
	}
	metadata := rt.Metadata
	if metadata == nil {
		metadata = map[string]string{}
	}
	if meta, err = json.Marshal(metadata); err != nil {
		return nil, nil, nil, fmt.Errorf("marshal metadata: %w", err)
	}
	return tags, caps, meta, nil
}

func orEmptySlice(in []string) []string {
	if in == nil {
		return []string{}
	}
	return in
}
