package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"strato/internal/domain/edge"
	"strato/internal/logging"
	"strato/internal/metrics"
)

// DispatchPath names where a message ended up.
type DispatchPath string

const (
	// PathEdge means the message was enqueued for a customer runtime.
	PathEdge DispatchPath = "edge"
	// PathHosted means the message went to the hosted worker pool.
	PathHosted DispatchPath = "hosted"
)

// RuntimeSelector picks the runtime a message should go to.
type RuntimeSelector interface {
	SelectForDispatch(ctx context.Context, tenantID uuid.UUID, messageType string, requiredTags []string) (*edge.Runtime, error)
}

// TaskEnqueuer places a task on a runtime's queue.
type TaskEnqueuer interface {
	EnqueueForRuntime(ctx context.Context, tenantID, runtimeID uuid.UUID, envelope edge.MessageEnvelope) (*edge.EdgeTask, error)
}

// Result reports one dispatch decision.
type Result struct {
	Path      DispatchPath `json:"path"`
	Mode      string       `json:"execution_mode"`
	RuntimeID *uuid.UUID   `json:"runtime_id,omitempty"`
	TaskID    *uuid.UUID   `json:"task_id,omitempty"`
	OutboxID  *uuid.UUID   `json:"outbox_id,omitempty"`
}

// Dispatcher routes internal messages per tenant execution mode. Messages
// whose type is not edge-eligible always take the hosted path, whatever the
// tenant's mode.
type Dispatcher struct {
	router   *ExecutionRouter
	selector RuntimeSelector
	enqueuer TaskEnqueuer
	outbox   edge.OutboxStore
	eligible map[string]struct{}
	logger   logging.Logger
	now      func() time.Time
}

// NewDispatcher constructs the dispatcher with the set of edge-eligible
// message types.
func NewDispatcher(router *ExecutionRouter, selector RuntimeSelector, enqueuer TaskEnqueuer, outbox edge.OutboxStore, eligibleTypes []string) *Dispatcher {
	eligible := make(map[string]struct{}, len(eligibleTypes))
	for _, t := range eligibleTypes {
		eligible[t] = struct{}{}
	}
	return &Dispatcher{
		router:   router,
		selector: selector,
		enqueuer: enqueuer,
		outbox:   outbox,
		eligible: eligible,
		logger:   logging.NewComponentLogger("Dispatcher"),
		now:      time.Now,
	}
}

// WithClock overrides the dispatcher clock, for tests.
func (d *Dispatcher) WithClock(now func() time.Time) *Dispatcher {
	d.now = now
	return d
}

// Dispatch routes one message for the tenant. requiredTags constrains edge
// runtime selection; it is ignored on the hosted path.
func (d *Dispatcher) Dispatch(ctx context.Context, tenantID uuid.UUID, envelope edge.MessageEnvelope, requiredTags []string) (*Result, error) {
	if tenantID == uuid.Nil {
		return nil, fmt.Errorf("%w: tenant_id required", edge.ErrValidation)
	}
	if err := envelope.Validate(); err != nil {
		return nil, err
	}
	d.stampHeaders(ctx, tenantID, &envelope)

	mode := d.router.Resolve(ctx, tenantID)
	if mode == edge.ExecutionModeCustomerRuntime {
		if _, ok := d.eligible[envelope.MessageType]; ok {
			return d.dispatchEdge(ctx, tenantID, envelope, requiredTags)
		}
		d.logger.Debug("message type %s not edge-eligible, tenant %s falls back to hosted", envelope.MessageType, tenantID)
	}
	return d.dispatchHosted(ctx, tenantID, envelope, PathHosted, string(mode))
}

func (d *Dispatcher) dispatchEdge(ctx context.Context, tenantID uuid.UUID, envelope edge.MessageEnvelope, requiredTags []string) (*Result, error) {
	runtime, err := d.selector.SelectForDispatch(ctx, tenantID, envelope.MessageType, requiredTags)
	if errors.Is(err, edge.ErrNoEligibleRuntime) {
		logging.FromContext(ctx, d.logger).Warn("no eligible runtime for tenant %s type %s", tenantID, envelope.MessageType)
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("select runtime: %w", err)
	}
	task, err := d.enqueuer.EnqueueForRuntime(ctx, tenantID, runtime.ID, envelope)
	if err != nil {
		return nil, fmt.Errorf("enqueue for runtime %s: %w", runtime.ID, err)
	}
	metrics.DispatchOutcomes.WithLabelValues(string(PathEdge)).Inc()
	runtimeID := runtime.ID
	taskID := task.ID
	return &Result{
		Path:      PathEdge,
		Mode:      string(edge.ExecutionModeCustomerRuntime),
		RuntimeID: &runtimeID,
		TaskID:    &taskID,
	}, nil
}

func (d *Dispatcher) dispatchHosted(ctx context.Context, tenantID uuid.UUID, envelope edge.MessageEnvelope, path DispatchPath, mode string) (*Result, error) {
	record := &edge.OutboxRecord{
		ID:          uuid.New(),
		TenantID:    tenantID,
		MessageType: envelope.MessageType,
		Envelope:    envelope,
		CreatedAt:   d.now().UTC(),
	}
	if err := d.outbox.InsertOutbox(ctx, record); err != nil {
		return nil, fmt.Errorf("write outbox record: %w", err)
	}
	metrics.DispatchOutcomes.WithLabelValues(string(path)).Inc()
	outboxID := record.ID
	return &Result{Path: path, Mode: mode, OutboxID: &outboxID}, nil
}

// stampHeaders fills the envelope fields the dispatch boundary owns.
func (d *Dispatcher) stampHeaders(ctx context.Context, tenantID uuid.UUID, envelope *edge.MessageEnvelope) {
	if envelope.ID == "" {
		envelope.ID = uuid.NewString()
	}
	if envelope.Headers.OrganisationID == "" {
		envelope.Headers.OrganisationID = tenantID.String()
	}
	if envelope.Headers.CorrelationID == "" {
		if logID := logging.LogIDFromContext(ctx); logID != "" {
			envelope.Headers.CorrelationID = logID
		} else {
			envelope.Headers.CorrelationID = uuid.NewString()
		}
	}
	if envelope.CreatedAt.IsZero() {
		envelope.CreatedAt = d.now().UTC()
	}
}
