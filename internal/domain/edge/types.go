// Package edge defines the domain model and store ports of the edge task
// dispatch plane: customer-operated runtimes, the tasks targeted at them,
// visibility leases, result receipts and the per-tenant execution mode.
package edge

import (
	"time"

	"github.com/google/uuid"
)

// RuntimeStatus represents the lifecycle state of a registered runtime.
type RuntimeStatus string

const (
	RuntimeStatusActive   RuntimeStatus = "active"
	RuntimeStatusDraining RuntimeStatus = "draining"
	RuntimeStatusOffline  RuntimeStatus = "offline"
)

// IsValid reports whether s is one of the known runtime statuses.
func (s RuntimeStatus) IsValid() bool {
	switch s {
	case RuntimeStatusActive, RuntimeStatusDraining, RuntimeStatusOffline:
		return true
	default:
		return false
	}
}

// Capabilities describes what a runtime is able to execute. An empty
// MessageTypes list means the runtime accepts every message type.
type Capabilities struct {
	MessageTypes []string `json:"message_types,omitempty"`
}

// Supports reports whether the capability set admits the given message type.
func (c Capabilities) Supports(messageType string) bool {
	if len(c.MessageTypes) == 0 {
		return true
	}
	for _, mt := range c.MessageTypes {
		if mt == messageType {
			return true
		}
	}
	return false
}

// Runtime is one customer-operated worker process, scoped to a tenant.
// Runtimes are never deleted; they are tombstoned via status=offline.
type Runtime struct {
	ID           uuid.UUID         `json:"ep_id"`
	TenantID     uuid.UUID         `json:"tenant_id"`
	DisplayName  string            `json:"display_name,omitempty"`
	Tags         []string          `json:"tags,omitempty"`
	Capabilities Capabilities      `json:"capabilities"`
	Metadata     map[string]string `json:"metadata,omitempty"`
	Status       RuntimeStatus     `json:"status"`
	LastSeenAt   *time.Time        `json:"last_seen_at,omitempty"`
	RegisteredAt time.Time         `json:"registered_at"`
	CreatedAt    time.Time         `json:"created_at"`
	UpdatedAt    time.Time         `json:"updated_at"`
}

// HasTags reports whether the runtime's tag set is a superset of required.
func (r *Runtime) HasTags(required []string) bool {
	if len(required) == 0 {
		return true
	}
	have := make(map[string]struct{}, len(r.Tags))
	for _, tag := range r.Tags {
		have[tag] = struct{}{}
	}
	for _, tag := range required {
		if _, ok := have[tag]; !ok {
			return false
		}
	}
	return true
}

// RegistrationToken is a one-shot credential exchanged for a runtime
// identity. Only the SHA-256 hash of the raw token is stored.
type RegistrationToken struct {
	ID              uuid.UUID  `json:"id"`
	TenantID        uuid.UUID  `json:"tenant_id"`
	TokenHash       string     `json:"-"`
	ExpiresAt       time.Time  `json:"expires_at"`
	UsedAt          *time.Time `json:"used_at,omitempty"`
	RuntimeID       *uuid.UUID `json:"runtime_id,omitempty"`
	CreatedByUserID string     `json:"created_by_user_id,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
}

// TaskStatus represents the delivery lifecycle state of an edge task.
type TaskStatus string

const (
	TaskStatusQueued     TaskStatus = "queued"
	TaskStatusLeased     TaskStatus = "leased"
	TaskStatusAcked      TaskStatus = "acked"
	TaskStatusDeadLetter TaskStatus = "dead_letter"
)

// IsTerminal reports whether the status is a final state.
func (s TaskStatus) IsTerminal() bool {
	switch s {
	case TaskStatusAcked, TaskStatusDeadLetter:
		return true
	default:
		return false
	}
}

// DefaultMaxAttempts applies when the enqueued envelope does not carry a
// max_attempts header.
const DefaultMaxAttempts = 5

// EdgeTask is the durable record of one unit of work targeted at a runtime.
//
// Invariant: the lease triple (LeaseID, LeaseExpiresAt, LeasedToRuntimeID)
// is fully populated exactly when Status == leased and fully nil otherwise.
// AttemptCount never decreases.
type EdgeTask struct {
	ID                uuid.UUID       `json:"id"`
	TenantID          uuid.UUID       `json:"tenant_id"`
	TargetRuntimeID   uuid.UUID       `json:"target_runtime_id"`
	MessageType       string          `json:"message_type"`
	Envelope          MessageEnvelope `json:"envelope"`
	Status            TaskStatus      `json:"status"`
	AttemptCount      int             `json:"attempt_count"`
	MaxAttempts       int             `json:"max_attempts"`
	LeaseID           *string         `json:"lease_id,omitempty"`
	LeaseExpiresAt    *time.Time      `json:"lease_expires_at,omitempty"`
	LeasedToRuntimeID *uuid.UUID      `json:"leased_to_runtime_id,omitempty"`
	LastError         *string         `json:"last_error,omitempty"`
	EnqueuedAt        time.Time       `json:"enqueued_at"`
	AckedAt           *time.Time      `json:"acked_at,omitempty"`
	FailedAt          *time.Time      `json:"failed_at,omitempty"`
	UpdatedAt         time.Time       `json:"updated_at"`
}

// TaskLease is what a pull returns to a runtime: the claim on one task.
type TaskLease struct {
	TaskID          uuid.UUID       `json:"task_id"`
	LeaseID         string          `json:"lease_id"`
	DeliveryAttempt int             `json:"delivery_attempt"`
	Envelope        MessageEnvelope `json:"envelope"`
}

// ResultReceipt is the idempotency record for one result-ingestion call,
// unique per (tenant, runtime, request_id).
type ResultReceipt struct {
	ID          uuid.UUID  `json:"id"`
	TenantID    uuid.UUID  `json:"tenant_id"`
	RuntimeID   uuid.UUID  `json:"runtime_id"`
	RequestID   string     `json:"request_id"`
	TaskID      *uuid.UUID `json:"task_id,omitempty"`
	PayloadHash string     `json:"payload_hash,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
}

// ExecutionMode selects where a tenant's analytic jobs run.
type ExecutionMode string

const (
	ExecutionModeHosted          ExecutionMode = "hosted"
	ExecutionModeCustomerRuntime ExecutionMode = "customer_runtime"
)

// ParseExecutionMode maps a stored setting to an ExecutionMode. Unknown
// values collapse to hosted.
func ParseExecutionMode(s string) ExecutionMode {
	if ExecutionMode(s) == ExecutionModeCustomerRuntime {
		return ExecutionModeCustomerRuntime
	}
	return ExecutionModeHosted
}

// OutboxRecord is the hosted-path hand-off row consumed by the in-cluster
// worker pool. Insert-only from this subsystem's point of view.
type OutboxRecord struct {
	ID          uuid.UUID       `json:"id"`
	TenantID    uuid.UUID       `json:"tenant_id"`
	MessageType string          `json:"message_type"`
	Envelope    MessageEnvelope `json:"envelope"`
	CreatedAt   time.Time       `json:"created_at"`
}
