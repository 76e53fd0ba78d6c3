package edge

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// RegistryStore persists runtime identities and registration tokens.
type RegistryStore interface {
	// InsertRegistrationToken persists a freshly minted one-shot token.
	InsertRegistrationToken(ctx context.Context, token *RegistrationToken) error

	// Register atomically consumes the registration token identified by
	// tokenHash and inserts the runtime row. The runtime's TenantID is taken
	// from the token row. A concurrent registration that wins the consume
	// forces the loser to fail with ErrRegistrationTokenUsed. Other failures:
	// ErrRegistrationTokenInvalid, ErrRegistrationTokenExpired.
	Register(ctx context.Context, tokenHash string, runtime *Runtime, now time.Time) (*RegistrationToken, error)

	// GetRuntime loads a runtime by (tenant, ep_id). ErrRuntimeNotFound when
	// absent or tenant mismatch.
	GetRuntime(ctx context.Context, tenantID, runtimeID uuid.UUID) (*Runtime, error)

	// UpdateHeartbeat bumps last_seen_at, optionally sets status, and
	// shallow-merges metadata. Returns the updated runtime.
	UpdateHeartbeat(ctx context.Context, tenantID, runtimeID uuid.UUID, status *RuntimeStatus, metadata map[string]string, now time.Time) (*Runtime, error)

	// ReplaceCapabilities atomically replaces tags and capabilities and bumps
	// last_seen_at.
	ReplaceCapabilities(ctx context.Context, tenantID, runtimeID uuid.UUID, tags []string, capabilities Capabilities, now time.Time) (*Runtime, error)

	// ListByTenant returns every runtime of the tenant, freshest heartbeat
	// first (nulls last).
	ListByTenant(ctx context.Context, tenantID uuid.UUID) ([]*Runtime, error)

	// ListActiveByTenant returns active runtimes of the tenant, freshest
	// heartbeat first (nulls last).
	ListActiveByTenant(ctx context.Context, tenantID uuid.UUID) ([]*Runtime, error)
}

// TaskStore is the durable system of record for edge tasks. State
// transitions are enforced by the gateway; the store offers transactional
// mutation of one row at a time.
type TaskStore interface {
	InsertTask(ctx context.Context, task *EdgeTask) error

	// GetTask returns ErrTaskNotFound when absent or tenant mismatch.
	GetTask(ctx context.Context, tenantID, taskID uuid.UUID) (*EdgeTask, error)

	// MarkLeased persists the queued→leased transition.
	MarkLeased(ctx context.Context, tenantID, taskID uuid.UUID, leaseID string, leaseExpiresAt time.Time, runtimeID uuid.UUID, attemptCount int, now time.Time) error

	// MarkAcked persists the leased→acked transition and clears the lease
	// triple.
	MarkAcked(ctx context.Context, tenantID, taskID uuid.UUID, now time.Time) error

	// MarkQueued persists a return to queued (failure with remaining
	// attempts, or lease expiry) and clears the lease triple.
	MarkQueued(ctx context.Context, tenantID, taskID uuid.UUID, lastError *string, now time.Time) error

	// MarkDeadLetter persists the terminal dead_letter transition.
	MarkDeadLetter(ctx context.Context, tenantID, taskID uuid.UUID, lastError *string, now time.Time) error

	// ListUnsettled returns every queued and leased task across tenants, for
	// lease-index reconstruction on startup.
	ListUnsettled(ctx context.Context) ([]*EdgeTask, error)
}

// ReceiptStore is the deduplication ledger for result ingestion.
type ReceiptStore interface {
	// InsertReceipt records the receipt, returning ErrReceiptExists when the
	// (tenant, runtime, request_id) triple is already present.
	InsertReceipt(ctx context.Context, receipt *ResultReceipt) error
}

// OutboxStore is the hosted-path hand-off written by the dispatcher.
type OutboxStore interface {
	InsertOutbox(ctx context.Context, record *OutboxRecord) error
}

// TenantEnvStore reads per-tenant configuration settings.
type TenantEnvStore interface {
	// GetSetting returns ErrSettingNotFound for an unset key.
	GetSetting(ctx context.Context, tenantID uuid.UUID, key string) (string, error)
}

// QueueKey addresses one per-runtime queue.
type QueueKey struct {
	TenantID  uuid.UUID
	RuntimeID uuid.UUID
}

// TaskRecord is the lease index's per-task soft-state record, giving O(1)
// lookup during claim/ack/fail/expiry. Rebuildable from the TaskStore.
type TaskRecord struct {
	TaskID         uuid.UUID
	Status         TaskStatus
	AttemptCount   int
	MaxAttempts    int
	LeaseID        string
	LeaseExpiresAt time.Time
	LeasedTo       uuid.UUID
	MessageType    string
	Envelope       json.RawMessage
}

// ReapedLease reports one expired lease processed by ReapExpired and the
// status the task moved to (queued or dead_letter).
type ReapedLease struct {
	TaskID uuid.UUID
	Status TaskStatus
}

// LeaseIndex is the fast per-runtime pending queue and lease-expiry index.
// It is authoritative for which task is claimable right now; the TaskStore
// remains authoritative for durable state after each transition. Member
// mutations are atomic: whoever removes a pending member wins the claim.
type LeaseIndex interface {
	// Enqueue writes the per-task record and adds the task to the pending
	// set with the given visibility time.
	Enqueue(ctx context.Context, q QueueKey, rec *TaskRecord, visibleAt time.Time) error

	// RestoreLease reinstates a still-live lease during index rebuild. The
	// record must carry the lease triple.
	RestoreLease(ctx context.Context, q QueueKey, rec *TaskRecord) error

	// Claim atomically pops the oldest pending member whose visibility time
	// is at or before now, bumps its attempt count, writes the lease fields
	// and adds it to the lease set. ok is false when no member is eligible
	// or a sibling claimer won the race.
	Claim(ctx context.Context, q QueueKey, now time.Time, leaseID string, leaseExpiresAt time.Time) (rec *TaskRecord, ok bool, err error)

	// Ack atomically verifies the lease (id and holder) and discards the
	// record. ok is false when the precondition fails; the record is then
	// left untouched.
	Ack(ctx context.Context, q QueueKey, taskID uuid.UUID, leaseID string, runtimeID uuid.UUID) (ok bool, err error)

	// Fail atomically verifies the lease and either re-queues the task with
	// the given visibility time or, when the attempt budget is exhausted,
	// drops it as dead_letter. The returned status reports which.
	Fail(ctx context.Context, q QueueKey, taskID uuid.UUID, leaseID string, runtimeID uuid.UUID, visibleAt time.Time) (status TaskStatus, ok bool, err error)

	// ReapExpired processes up to limit leases whose expiry is at or before
	// now: each is re-queued with visibleAt=now, or dead-lettered when out
	// of attempts.
	ReapExpired(ctx context.Context, q QueueKey, now time.Time, limit int) ([]ReapedLease, error)

	// Queues lists every queue the index has seen, for the background
	// sweeper.
	Queues(ctx context.Context) ([]QueueKey, error)
}

// ResultPublisher re-emits accepted result envelopes onto internal streams.
type ResultPublisher interface {
	// PublishResult appends the envelope to the stream mapped from its
	// message type. published is false when the type is unmapped.
	PublishResult(ctx context.Context, tenantID uuid.UUID, envelope MessageEnvelope) (published bool, err error)
}
