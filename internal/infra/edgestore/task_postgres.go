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

const taskTable = "edge_task_records"

// PostgresTaskStore is the durable system of record for edge tasks.
type PostgresTaskStore struct {
	db     DB
	logger logging.Logger
}

// NewPostgresTaskStore constructs a Postgres-backed task store.
func NewPostgresTaskStore(db DB) *PostgresTaskStore {
	return &PostgresTaskStore{
		db:     db,
		logger: logging.NewComponentLogger("TaskStore"),
	}
}

// EnsureSchema creates the task table if it does not exist.
func (s *PostgresTaskStore) EnsureSchema(ctx context.Context) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("task store not initialized")
	}
	statements := []string{
		`CREATE TABLE IF NOT EXISTS ` + taskTable + ` (
    id UUID PRIMARY KEY,
    tenant_id UUID NOT NULL,
    message_type TEXT NOT NULL,
    message_payload JSONB NOT NULL,
    status TEXT NOT NULL DEFAULT 'queued',
    target_runtime_id UUID NOT NULL,
    lease_id TEXT,
    lease_expires_at TIMESTAMPTZ,
    leased_to_runtime_id UUID,
    attempt_count INTEGER NOT NULL DEFAULT 0,
    max_attempts INTEGER NOT NULL DEFAULT 5,
    last_error TEXT,
    enqueued_at TIMESTAMPTZ NOT NULL DEFAULT now(),
    acked_at TIMESTAMPTZ,
    failed_at TIMESTAMPTZ,
    updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);`,
		`CREATE INDEX IF NOT EXISTS idx_` + taskTable + `_tenant_status_target ON ` + taskTable + ` (tenant_id, status, target_runtime_id);`,
	}
	for _, stmt := range statements {
		if _, err := s.db.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("ensure task schema: %w", err)
		}
	}
	return nil
}

func (s *PostgresTaskStore) InsertTask(ctx context.Context, task *edge.EdgeTask) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("task store not initialized")
	}
	envelopeJSON, err := json.Marshal(task.Envelope)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}
	_, err = s.db.Exec(ctx, `
INSERT INTO `+taskTable+` (id, tenant_id, message_type, message_payload, status, target_runtime_id, attempt_count, max_attempts, enqueued_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
`, task.ID, task.TenantID, task.MessageType, envelopeJSON, string(task.Status),
		task.TargetRuntimeID, task.AttemptCount, task.MaxAttempts, task.EnqueuedAt, task.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert task: %w", err)
	}
	return nil
}

const taskColumns = `id, tenant_id, message_type, message_payload, status, target_runtime_id, lease_id, lease_expires_at, leased_to_runtime_id, attempt_count, max_attempts, last_error, enqueued_at, acked_at, failed_at, updated_at`

func (s *PostgresTaskStore) GetTask(ctx context.Context, tenantID, taskID uuid.UUID) (*edge.EdgeTask, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("task store not initialized")
	}
	row := s.db.QueryRow(ctx, `
SELECT `+taskColumns+` FROM `+taskTable+` WHERE id = $1 AND tenant_id = $2
`, taskID, tenantID)
	task, err := scanTask(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, edge.ErrTaskNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get task: %w", err)
	}
	return task, nil
}

func (s *PostgresTaskStore) MarkLeased(ctx context.Context, tenantID, taskID uuid.UUID, leaseID string, leaseExpiresAt time.Time, runtimeID uuid.UUID, attemptCount int, now time.Time) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("task store not initialized")
	}
	tag, err := s.db.Exec(ctx, `
UPDATE `+taskTable+`
SET status = 'leased', lease_id = $3, lease_expires_at = $4, leased_to_runtime_id = $5, attempt_count = $6, updated_at = $7
WHERE id = $1 AND tenant_id = $2
`, taskID, tenantID, leaseID, leaseExpiresAt, runtimeID, attemptCount, now)
	if err != nil {
		return fmt.Errorf("mark leased: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return edge.ErrTaskNotFound
	}
	return nil
}

func (s *PostgresTaskStore) MarkAcked(ctx context.Context, tenantID, taskID uuid.UUID, now time.Time) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("task store not initialized")
	}
	tag, err := s.db.Exec(ctx, `
UPDATE `+taskTable+`
SET status = 'acked', lease_id = NULL, lease_expires_at = NULL, leased_to_runtime_id = NULL, acked_at = $3, updated_at = $3
WHERE id = $1 AND tenant_id = $2
`, taskID, tenantID, now)
	if err != nil {
		return fmt.Errorf("mark acked: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return edge.ErrTaskNotFound
	}
	return nil
}

func (s *PostgresTaskStore) MarkQueued(ctx context.Context, tenantID, taskID uuid.UUID, lastError *string, now time.Time) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("task store not initialized")
	}
	tag, err := s.db.Exec(ctx, `
UPDATE `+taskTable+`
SET status = 'queued', lease_id = NULL, lease_expires_at = NULL, leased_to_runtime_id = NULL, last_error = COALESCE($3, last_error), updated_at = $4
WHERE id = $1 AND tenant_id = $2
`, taskID, tenantID, lastError, now)
	if err != nil {
		return fmt.Errorf("mark queued: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return edge.ErrTaskNotFound
	}
	return nil
}

func (s *PostgresTaskStore) MarkDeadLetter(ctx context.Context, tenantID, taskID uuid.UUID, lastError *string, now time.Time) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("task store not initialized")
	}
	tag, err := s.db.Exec(ctx, `
UPDATE `+taskTable+`
SET status = 'dead_letter', lease_id = NULL, lease_expires_at = NULL, leased_to_runtime_id = NULL, last_error = COALESCE($3, last_error), failed_at = $4, updated_at = $4
WHERE id = $1 AND tenant_id = $2
`, taskID, tenantID, lastError, now)
	if err != nil {
		return fmt.Errorf("mark dead letter: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return edge.ErrTaskNotFound
	}
	return nil
}

func (s *PostgresTaskStore) ListUnsettled(ctx context.Context) ([]*edge.EdgeTask, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("task store not initialized")
	}
	rows, err := s.db.Query(ctx, `
SELECT `+taskColumns+` FROM `+taskTable+` WHERE status IN ('queued', 'leased') ORDER BY enqueued_at
`)
	if err != nil {
		return nil, fmt.Errorf("list unsettled tasks: %w", err)
	}
	defer rows.Close()

	out := make([]*edge.EdgeTask, 0)
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		out = append(out, task)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list unsettled tasks: %w", err)
	}
	return out, nil
}

func scanTask(row rowScanner) (*edge.EdgeTask, error) {
	var task edge.EdgeTask
	var envelopeJSON []byte
	var status string
	err := row.Scan(&task.ID, &task.TenantID, &task.MessageType, &envelopeJSON, &status,
		&task.TargetRuntimeID, &task.LeaseID, &task.LeaseExpiresAt, &task.LeasedToRuntimeID,
		&task.AttemptCount, &task.MaxAttempts, &task.LastError,
		&task.EnqueuedAt, &task.AckedAt, &task.FailedAt, &task.UpdatedAt)
	if err != nil {
		return nil, err
	}
	task.Status = edge.TaskStatus(status)
	if len(envelopeJSON) > 0 {
		if err := json.Unmarshal(envelopeJSON, &task.Envelope); err != nil {
			return nil, fmt.Errorf("decode envelope: %w", err)
		}
	}
	return &task, nil
}
