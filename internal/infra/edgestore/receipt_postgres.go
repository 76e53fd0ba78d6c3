package edgestore

import (
	"context"
	"fmt"

	"strato/internal/domain/edge"
	"strato/internal/logging"
)

const receiptTable = "edge_result_receipts"

// PostgresReceiptStore is the deduplication ledger for result ingestion.
type PostgresReceiptStore struct {
	db     DB
	logger logging.Logger
}

// NewPostgresReceiptStore constructs a Postgres-backed receipt store.
func NewPostgresReceiptStore(db DB) *PostgresReceiptStore {
	return &PostgresReceiptStore{
		db:     db,
		logger: logging.NewComponentLogger("ReceiptStore"),
	}
}

// EnsureSchema creates the receipt table if it does not exist.
func (s *PostgresReceiptStore) EnsureSchema(ctx context.Context) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("receipt store not initialized")
	}
	statements := []string{
		`CREATE TABLE IF NOT EXISTS ` + receiptTable + ` (
    id UUID PRIMARY KEY,
    tenant_id UUID NOT NULL,
    runtime_id UUID NOT NULL,
    request_id TEXT NOT NULL,
    task_id UUID,
    payload_hash TEXT,
    created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_` + receiptTable + `_dedup ON ` + receiptTable + ` (tenant_id, runtime_id, request_id);`,
	}
	for _, stmt := range statements {
		if _, err := s.db.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("ensure receipt schema: %w", err)
		}
	}
	return nil
}

func (s *PostgresReceiptStore) InsertReceipt(ctx context.Context, receipt *edge.ResultReceipt) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("receipt store not initialized")
	}
	_, err := s.db.Exec(ctx, `
INSERT INTO `+receiptTable+` (id, tenant_id, runtime_id, request_id, task_id, payload_hash, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7)
`, receipt.ID, receipt.TenantID, receipt.RuntimeID, receipt.RequestID, receipt.TaskID, receipt.PayloadHash, receipt.CreatedAt)
	if isUniqueViolation(err) {
		return edge.ErrReceiptExists
	}
	if err != nil {
		return fmt.Errorf("insert receipt: %w", err)
	}
	return nil
}
