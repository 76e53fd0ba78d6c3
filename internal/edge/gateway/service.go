// Package gateway implements the task-facing edge operations: enqueueing
// onto per-runtime queues, long-poll pulls with visibility leases, ack/fail
// settlement, idempotent result ingestion and lease-expiry sweeping.
package gateway

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/segmentio/ksuid"

	"strato/internal/domain/edge"
	"strato/internal/logging"
	"strato/internal/metrics"
)

const (
	maxTasksLimit          = 10
	longPollLimitSeconds   = 60
	visibilityMinSeconds   = 10
	visibilityMaxSeconds   = 600
	retryDelayMaxSeconds   = 600
	defaultPollInterval    = 500 * time.Millisecond
	reapBatchLimit         = 100
	leaseExpiredErrMessage = "lease expired"
)

// Service coordinates the lease index (fast path) with the task store
// (durable record). The index decides every claim race; the store is updated
// after the index transition commits.
type Service struct {
	tasks    edge.TaskStore
	index    edge.LeaseIndex
	receipts edge.ReceiptStore
	results  edge.ResultPublisher

	visibilityTimeout time.Duration
	retryDelay        time.Duration
	pollInterval      time.Duration

	logger logging.Logger
	now    func() time.Time
}

// NewService constructs the gateway with the configured defaults for
// visibility timeout and retry delay.
func NewService(tasks edge.TaskStore, index edge.LeaseIndex, receipts edge.ReceiptStore, results edge.ResultPublisher, visibilityTimeout, retryDelay time.Duration) *Service {
	if visibilityTimeout <= 0 {
		visibilityTimeout = 60 * time.Second
	}
	if retryDelay < 0 {
		retryDelay = 5 * time.Second
	}
	return &Service{
		tasks:             tasks,
		index:             index,
		receipts:          receipts,
		results:           results,
		visibilityTimeout: visibilityTimeout,
		retryDelay:        retryDelay,
		pollInterval:      defaultPollInterval,
		logger:            logging.NewComponentLogger("Gateway"),
		now:               time.Now,
	}
}

// WithClock overrides the service clock, for tests.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// WithPollInterval overrides the long-poll recheck interval, for tests.
func (s *Service) WithPollInterval(d time.Duration) *Service {
	if d > 0 {
		s.pollInterval = d
	}
	return s
}

// EnqueueForRuntime persists a task targeted at one runtime and makes it
// immediately claimable.
func (s *Service) EnqueueForRuntime(ctx context.Context, tenantID, runtimeID uuid.UUID, envelope edge.MessageEnvelope) (*edge.EdgeTask, error) {
	if err := envelope.Validate(); err != nil {
		return nil, err
	}
	if envelope.ID == "" {
		envelope.ID = uuid.NewString()
	}
	now := s.now().UTC()
	task := &edge.EdgeTask{
		ID:              uuid.New(),
		TenantID:        tenantID,
		TargetRuntimeID: runtimeID,
		MessageType:     envelope.MessageType,
		Envelope:        envelope,
		Status:          edge.TaskStatusQueued,
		MaxAttempts:     envelope.EffectiveMaxAttempts(),
		EnqueuedAt:      now,
		UpdatedAt:       now,
	}
	if err := s.tasks.InsertTask(ctx, task); err != nil {
		return nil, fmt.Errorf("persist task: %w", err)
	}

	rec, err := taskRecord(task)
	if err != nil {
		return nil, err
	}
	q := edge.QueueKey{TenantID: tenantID, RuntimeID: runtimeID}
	if err := s.index.Enqueue(ctx, q, rec, now); err != nil {
		return nil, fmt.Errorf("index task: %w", err)
	}
	metrics.TasksEnqueued.Inc()
	s.logger.Debug("enqueued task %s (%s) for runtime %s", task.ID, task.MessageType, runtimeID)
	return task, nil
}

// PullRequest is the worker-side pull call. Zero values select the server
// defaults; out-of-range values are rejected, not clamped.
type PullRequest struct {
	MaxTasks                 int `json:"max_tasks"`
	LongPollSeconds          int `json:"long_poll_seconds"`
	VisibilityTimeoutSeconds int `json:"visibility_timeout_seconds"`
}

// PullResponse carries the granted leases. Tasks is empty, never null, when
// the long poll times out.
type PullResponse struct {
	Tasks      []edge.TaskLease `json:"tasks"`
	ServerTime time.Time        `json:"server_time"`
}

func (s *Service) validatePull(req PullRequest) (maxTasks int, longPoll, visibility time.Duration, err error) {
	maxTasks = req.MaxTasks
	if maxTasks == 0 {
		maxTasks = 1
	}
	if maxTasks < 1 || maxTasks > maxTasksLimit {
		return 0, 0, 0, fmt.Errorf("%w: max_tasks must be between 1 and %d", edge.ErrValidation, maxTasksLimit)
	}
	if req.LongPollSeconds < 0 || req.LongPollSeconds > longPollLimitSeconds {
		return 0, 0, 0, fmt.Errorf("%w: long_poll_seconds must be between 0 and %d", edge.ErrValidation, longPollLimitSeconds)
	}
	longPoll = time.Duration(req.LongPollSeconds) * time.Second

	visibility = s.visibilityTimeout
	if req.VisibilityTimeoutSeconds != 0 {
		if req.VisibilityTimeoutSeconds < visibilityMinSeconds || req.VisibilityTimeoutSeconds > visibilityMaxSeconds {
			return 0, 0, 0, fmt.Errorf("%w: visibility_timeout_seconds must be between %d and %d", edge.ErrValidation, visibilityMinSeconds, visibilityMaxSeconds)
		}
		visibility = time.Duration(req.VisibilityTimeoutSeconds) * time.Second
	}
	return maxTasks, longPoll, visibility, nil
}

// PullTasks claims up to max_tasks queued tasks for the runtime, long-polling
// until the deadline when the queue is empty. Expired leases on the same
// queue are reclaimed before each claim round, so a stuck task becomes
// claimable without waiting for the background sweeper.
func (s *Service) PullTasks(ctx context.Context, tenantID, runtimeID uuid.UUID, req PullRequest) (*PullResponse, error) {
	maxTasks, longPoll, visibility, err := s.validatePull(req)
	if err != nil {
		return nil, err
	}
	started := s.now()
	defer func() {
		metrics.PullLatency.Observe(s.now().Sub(started).Seconds())
	}()

	q := edge.QueueKey{TenantID: tenantID, RuntimeID: runtimeID}
	deadline := started.Add(longPoll)
	for {
		now := s.now().UTC()
		if err := s.reapQueue(ctx, q, now); err != nil {
			s.logger.Warn("reap before claim failed for runtime %s: %v", runtimeID, err)
		}

		leases, err := s.claimBatch(ctx, q, maxTasks, visibility)
		if err != nil {
			return nil, err
		}
		if len(leases) > 0 {
			return &PullResponse{Tasks: leases, ServerTime: s.now().UTC()}, nil
		}
		if !s.now().Before(deadline) {
			return &PullResponse{Tasks: []edge.TaskLease{}, ServerTime: s.now().UTC()}, nil
		}

		wait := s.pollInterval
		if remaining := deadline.Sub(s.now()); remaining < wait {
			wait = remaining
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
}

func (s *Service) claimBatch(ctx context.Context, q edge.QueueKey, maxTasks int, visibility time.Duration) ([]edge.TaskLease, error) {
	leases := make([]edge.TaskLease, 0, maxTasks)
	for len(leases) < maxTasks {
		now := s.now().UTC()
		leaseID := ksuid.New().String()
		rec, ok, err := s.index.Claim(ctx, q, now, leaseID, now.Add(visibility))
		if err != nil {
			return nil, fmt.Errorf("claim task: %w", err)
		}
		if !ok {
			break
		}
		if err := s.tasks.MarkLeased(ctx, q.TenantID, rec.TaskID, rec.LeaseID, rec.LeaseExpiresAt, q.RuntimeID, rec.AttemptCount, now); err != nil {
			s.logger.Error("persist lease for task %s failed: %v", rec.TaskID, err)
			return nil, fmt.Errorf("persist lease: %w", err)
		}
		var envelope edge.MessageEnvelope
		if err := json.Unmarshal(rec.Envelope, &envelope); err != nil {
			return nil, fmt.Errorf("decode envelope of task %s: %w", rec.TaskID, err)
		}
		metrics.TasksClaimed.Inc()
		leases = append(leases, edge.TaskLease{
			TaskID:          rec.TaskID,
			LeaseID:         rec.LeaseID,
			DeliveryAttempt: rec.AttemptCount,
			Envelope:        envelope,
		})
	}
	return leases, nil
}

// AckTask settles a leased task as completed. The lease triple must match
// the current claim; a stale or foreign ack returns ErrTaskLeaseInvalid and
// mutates nothing.
func (s *Service) AckTask(ctx context.Context, tenantID, runtimeID, taskID uuid.UUID, leaseID string) error {
	if leaseID == "" {
		return fmt.Errorf("%w: lease_id required", edge.ErrValidation)
	}
	q := edge.QueueKey{TenantID: tenantID, RuntimeID: runtimeID}
	ok, err := s.index.Ack(ctx, q, taskID, leaseID, runtimeID)
	if err != nil {
		return fmt.Errorf("ack task: %w", err)
	}
	if !ok {
		return edge.ErrTaskLeaseInvalid
	}
	if err := s.tasks.MarkAcked(ctx, tenantID, taskID, s.now().UTC()); err != nil {
		return fmt.Errorf("persist ack: %w", err)
	}
	metrics.TasksAcked.Inc()
	return nil
}

// FailTask reports a failed delivery. With attempts remaining the task
// returns to its queue after the retry delay; otherwise it dead-letters.
// RetryDelaySeconds nil selects the server default; out-of-range values are
// rejected.
func (s *Service) FailTask(ctx context.Context, tenantID, runtimeID, taskID uuid.UUID, leaseID, errorMessage string, retryDelaySeconds *int) (edge.TaskStatus, error) {
	if leaseID == "" {
		return "", fmt.Errorf("%w: lease_id required", edge.ErrValidation)
	}
	delay := s.retryDelay
	if retryDelaySeconds != nil {
		if *retryDelaySeconds < 0 || *retryDelaySeconds > retryDelayMaxSeconds {
			return "", fmt.Errorf("%w: retry_delay_seconds must be between 0 and %d", edge.ErrValidation, retryDelayMaxSeconds)
		}
		delay = time.Duration(*retryDelaySeconds) * time.Second
	}

	q := edge.QueueKey{TenantID: tenantID, RuntimeID: runtimeID}
	now := s.now().UTC()
	status, ok, err := s.index.Fail(ctx, q, taskID, leaseID, runtimeID, now.Add(delay))
	if err != nil {
		return "", fmt.Errorf("fail task: %w", err)
	}
	if !ok {
		return "", edge.ErrTaskLeaseInvalid
	}

	var lastError *string
	if errorMessage != "" {
		lastError = &errorMessage
	}
	switch status {
	case edge.TaskStatusQueued:
		if err := s.tasks.MarkQueued(ctx, tenantID, taskID, lastError, now); err != nil {
			return "", fmt.Errorf("persist requeue: %w", err)
		}
		metrics.TasksFailed.Inc()
	case edge.TaskStatusDeadLetter:
		if err := s.tasks.MarkDeadLetter(ctx, tenantID, taskID, lastError, now); err != nil {
			return "", fmt.Errorf("persist dead letter: %w", err)
		}
		metrics.TasksDeadLettered.Inc()
		s.logger.Warn("task %s dead-lettered after exhausting attempts", taskID)
	}
	return status, nil
}

// ResultRequest is one result-ingestion call. RequestID is the idempotency
// key, unique per (tenant, runtime). TaskID and LeaseID are advisory; result
// acceptance does not settle the lease.
type ResultRequest struct {
	RequestID string                 `json:"request_id"`
	TaskID    *uuid.UUID             `json:"task_id,omitempty"`
	LeaseID   string                 `json:"lease_id,omitempty"`
	Envelopes []edge.MessageEnvelope `json:"envelopes"`
}

// ResultResponse reports the ingestion outcome. Duplicate submissions are
// accepted without re-publishing.
type ResultResponse struct {
	Accepted  bool `json:"accepted"`
	Duplicate bool `json:"duplicate"`
	Published int  `json:"published"`
}

// IngestResult records the submission receipt and, first time only, fans the
// result envelopes out to the internal streams in submission order.
func (s *Service) IngestResult(ctx context.Context, tenantID, runtimeID uuid.UUID, req ResultRequest) (*ResultResponse, error) {
	if req.RequestID == "" {
		return nil, fmt.Errorf("%w: request_id required", edge.ErrValidation)
	}
	for i := range req.Envelopes {
		if err := req.Envelopes[i].Validate(); err != nil {
			return nil, fmt.Errorf("result %d: %w", i, err)
		}
	}

	receipt := &edge.ResultReceipt{
		ID:          uuid.New(),
		TenantID:    tenantID,
		RuntimeID:   runtimeID,
		RequestID:   req.RequestID,
		TaskID:      req.TaskID,
		PayloadHash: payloadHash(req.Envelopes),
		CreatedAt:   s.now().UTC(),
	}
	err := s.receipts.InsertReceipt(ctx, receipt)
	if errors.Is(err, edge.ErrReceiptExists) {
		metrics.ResultsDuplicate.Inc()
		return &ResultResponse{Accepted: true, Duplicate: true}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("record receipt: %w", err)
	}

	published := 0
	for i := range req.Envelopes {
		ok, err := s.results.PublishResult(ctx, tenantID, req.Envelopes[i])
		if err != nil {
			// The receipt already exists, so the runtime must not retry with
			// the same request_id. Surface the partial publish.
			return nil, fmt.Errorf("publish result %d of request %s: %w", i, req.RequestID, err)
		}
		if ok {
			published++
		}
	}
	metrics.ResultsAccepted.Inc()
	return &ResultResponse{Accepted: true, Published: published}, nil
}

// RebuildIndex reconstructs the lease index from the task store: queued
// tasks become immediately claimable, live leases are reinstated, and leases
// that expired while the index was away are returned to queued.
func (s *Service) RebuildIndex(ctx context.Context) error {
	tasks, err := s.tasks.ListUnsettled(ctx)
	if err != nil {
		return fmt.Errorf("list unsettled tasks: %w", err)
	}
	now := s.now().UTC()
	restored, requeued := 0, 0
	for _, task := range tasks {
		q := edge.QueueKey{TenantID: task.TenantID, RuntimeID: task.TargetRuntimeID}
		rec, err := taskRecord(task)
		if err != nil {
			return err
		}
		switch {
		case task.Status == edge.TaskStatusLeased && task.LeaseID != nil && task.LeasedToRuntimeID != nil &&
			task.LeaseExpiresAt != nil && task.LeaseExpiresAt.After(now):
			rec.Status = edge.TaskStatusLeased
			rec.LeaseID = *task.LeaseID
			rec.LeaseExpiresAt = *task.LeaseExpiresAt
			rec.LeasedTo = *task.LeasedToRuntimeID
			if err := s.index.RestoreLease(ctx, q, rec); err != nil {
				return fmt.Errorf("restore lease for task %s: %w", task.ID, err)
			}
			restored++
		case task.Status == edge.TaskStatusLeased:
			msg := leaseExpiredErrMessage
			if err := s.tasks.MarkQueued(ctx, task.TenantID, task.ID, &msg, now); err != nil {
				return fmt.Errorf("requeue expired task %s: %w", task.ID, err)
			}
			if err := s.index.Enqueue(ctx, q, rec, now); err != nil {
				return fmt.Errorf("index task %s: %w", task.ID, err)
			}
			requeued++
		default:
			if err := s.index.Enqueue(ctx, q, rec, now); err != nil {
				return fmt.Errorf("index task %s: %w", task.ID, err)
			}
		}
	}
	s.logger.Info("rebuilt lease index: %d unsettled tasks, %d live leases restored, %d expired leases requeued",
		len(tasks), restored, requeued)
	return nil
}

// Sweep reclaims expired leases across every known queue. Called on a timer;
// pulls also reclaim lazily on their own queue.
func (s *Service) Sweep(ctx context.Context) error {
	queues, err := s.index.Queues(ctx)
	if err != nil {
		return fmt.Errorf("list queues: %w", err)
	}
	now := s.now().UTC()
	for _, q := range queues {
		if err := s.reapQueue(ctx, q, now); err != nil {
			s.logger.Error("sweep of queue %s/%s failed: %v", q.TenantID, q.RuntimeID, err)
		}
	}
	return nil
}

func (s *Service) reapQueue(ctx context.Context, q edge.QueueKey, now time.Time) error {
	reaped, err := s.index.ReapExpired(ctx, q, now, reapBatchLimit)
	if err != nil {
		return err
	}
	for _, r := range reaped {
		metrics.LeasesExpired.Inc()
		msg := leaseExpiredErrMessage
		switch r.Status {
		case edge.TaskStatusQueued:
			if err := s.tasks.MarkQueued(ctx, q.TenantID, r.TaskID, &msg, now); err != nil {
				return fmt.Errorf("persist expiry requeue of task %s: %w", r.TaskID, err)
			}
		case edge.TaskStatusDeadLetter:
			metrics.TasksDeadLettered.Inc()
			if err := s.tasks.MarkDeadLetter(ctx, q.TenantID, r.TaskID, &msg, now); err != nil {
				return fmt.Errorf("persist expiry dead letter of task %s: %w", r.TaskID, err)
			}
		}
	}
	return nil
}

// GetTask exposes the durable task record for inspection endpoints.
func (s *Service) GetTask(ctx context.Context, tenantID, taskID uuid.UUID) (*edge.EdgeTask, error) {
	return s.tasks.GetTask(ctx, tenantID, taskID)
}

// Ping round-trips the lease index so health checks report index
// reachability rather than bare process liveness.
func (s *Service) Ping(ctx context.Context) error {
	if _, err := s.index.Queues(ctx); err != nil {
		return fmt.Errorf("lease index unreachable: %w", err)
	}
	return nil
}

func taskRecord(task *edge.EdgeTask) (*edge.TaskRecord, error) {
	envelopeJSON, err := json.Marshal(task.Envelope)
	if err != nil {
		return nil, fmt.Errorf("marshal envelope of task %s: %w", task.ID, err)
	}
	return &edge.TaskRecord{
		TaskID:       task.ID,
		Status:       task.Status,
		AttemptCount: task.AttemptCount,
		MaxAttempts:  task.MaxAttempts,
		MessageType:  task.MessageType,
		Envelope:     envelopeJSON,
	}, nil
}

// payloadHash fingerprints the submitted result set so replays with the same
// request_id but different content remain observable.
func payloadHash(results []edge.MessageEnvelope) string {
	data, err := json.Marshal(results)
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
