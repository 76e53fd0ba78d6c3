package edgestore

import (
	"context"
	"encoding/json"
	"fmt"

	"strato/internal/domain/edge"
	"strato/internal/logging"
)

const outboxTable = "edge_outbox_records"

// PostgresOutboxStore writes hosted-path hand-off records. The in-cluster
// worker pool consumes this table; this subsystem only inserts.
type PostgresOutboxStore struct {
	db     DB
	logger logging.Logger
}

// NewPostgresOutboxStore constructs a Postgres-backed outbox store.
func NewPostgresOutboxStore(db DB) *PostgresOutboxStore {
	return &PostgresOutboxStore{
		db:     db,
		logger: logging.NewComponentLogger("OutboxStore"),
	}
}

// EnsureSchema creates the outbox table if it does not exist.
func (s *PostgresOutboxStore) EnsureSchema(ctx context.Context) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("outbox store not initialized")
	}
	_, err := s.db.Exec(ctx, `CREATE TABLE IF NOT EXISTS `+outboxTable+` (
    id UUID PRIMARY KEY,
    tenant_id UUID NOT NULL,
    message_type TEXT NOT NULL,
    message_payload JSONB NOT NULL,
    created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);`)
	if err != nil {
		return fmt.Errorf("ensure outbox schema: %w", err)
	}
	return nil
}

func (s *PostgresOutboxStore) InsertOutbox(ctx context.Context, record *edge.OutboxRecord) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("outbox store not initialized")
	}
	envelopeJSON, err := json.Marshal(record.Envelope)
	if err != nil {
		return fmt.Errorf("marshal outbox envelope: %w", err)
	}
	_, err = s.db.Exec(ctx, `
INSERT INTO `+outboxTable+` (id, tenant_id, message_type, message_payload, created_at)
VALUES ($1, $2, $3, $4, $5)
`, record.ID, record.TenantID, record.MessageType, envelopeJSON, record.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert outbox record: %w", err)
	}
	return nil
}
