package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"strato/internal/domain/edge"
	"strato/internal/infra/edgestore"
	"strato/internal/infra/fanout"
	"strato/internal/infra/leaseindex"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Now().UTC().Truncate(time.Millisecond)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type testGateway struct {
	svc      *Service
	tasks    *edgestore.MemoryTaskStore
	receipts *edgestore.MemoryReceiptStore
	index    *leaseindex.Memory
	results  *fanout.MemoryPublisher
	clock    *testClock
}

func newTestGateway(t *testing.T) *testGateway {
	t.Helper()
	tg := &testGateway{
		tasks:    edgestore.NewMemoryTaskStore(),
		receipts: edgestore.NewMemoryReceiptStore(),
		index:    leaseindex.NewMemory(),
		results: fanout.NewMemoryPublisher(map[string]string{
			"semantic_query_result": "internal.semantic-query-results",
		}),
		clock: newTestClock(),
	}
	tg.svc = NewService(tg.tasks, tg.index, tg.receipts, tg.results, 60*time.Second, 5*time.Second).
		WithClock(tg.clock.Now).
		WithPollInterval(time.Millisecond)
	return tg
}

func queryEnvelope() edge.MessageEnvelope {
	return edge.MessageEnvelope{
		ID:          uuid.NewString(),
		MessageType: "semantic_query_request",
		Payload:     json.RawMessage(`{"sql":"SELECT count(*) FROM orders"}`),
		Headers:     edge.EnvelopeHeaders{CorrelationID: uuid.NewString()},
	}
}

func (tg *testGateway) enqueue(t *testing.T, tenantID, runtimeID uuid.UUID) *edge.EdgeTask {
	t.Helper()
	task, err := tg.svc.EnqueueForRuntime(context.Background(), tenantID, runtimeID, queryEnvelope())
	require.NoError(t, err)
	return task
}

func (tg *testGateway) pullOne(t *testing.T, tenantID, runtimeID uuid.UUID) edge.TaskLease {
	t.Helper()
	resp, err := tg.svc.PullTasks(context.Background(), tenantID, runtimeID, PullRequest{})
	require.NoError(t, err)
	require.Len(t, resp.Tasks, 1)
	return resp.Tasks[0]
}

func TestEnqueuePullAckLifecycle(t *testing.T) {
	tg := newTestGateway(t)
	ctx := context.Background()
	tenantID, runtimeID := uuid.New(), uuid.New()

	task := tg.enqueue(t, tenantID, runtimeID)
	assert.Equal(t, edge.TaskStatusQueued, task.Status)
	assert.Equal(t, edge.DefaultMaxAttempts, task.MaxAttempts)

	lease := tg.pullOne(t, tenantID, runtimeID)
	assert.Equal(t, task.ID, lease.TaskID)
	assert.NotEmpty(t, lease.LeaseID)
	assert.Equal(t, 1, lease.DeliveryAttempt)
	assert.Equal(t, task.Envelope.ID, lease.Envelope.ID)
	assert.JSONEq(t, string(task.Envelope.Payload), string(lease.Envelope.Payload))

	// Durable record reflects the lease triple.
	stored, err := tg.svc.GetTask(ctx, tenantID, task.ID)
	require.NoError(t, err)
	assert.Equal(t, edge.TaskStatusLeased, stored.Status)
	require.NotNil(t, stored.LeaseID)
	assert.Equal(t, lease.LeaseID, *stored.LeaseID)
	require.NotNil(t, stored.LeasedToRuntimeID)
	assert.Equal(t, runtimeID, *stored.LeasedToRuntimeID)
	assert.NotNil(t, stored.LeaseExpiresAt)

	require.NoError(t, tg.svc.AckTask(ctx, tenantID, runtimeID, task.ID, lease.LeaseID))
	stored, err = tg.svc.GetTask(ctx, tenantID, task.ID)
	require.NoError(t, err)
	assert.Equal(t, edge.TaskStatusAcked, stored.Status)
	assert.Nil(t, stored.LeaseID)
	assert.Nil(t, stored.LeaseExpiresAt)
	assert.Nil(t, stored.LeasedToRuntimeID)
	assert.NotNil(t, stored.AckedAt)
}

func TestPullOrdersByVisibility(t *testing.T) {
	tg := newTestGateway(t)
	tenantID, runtimeID := uuid.New(), uuid.New()

	first := tg.enqueue(t, tenantID, runtimeID)
	tg.clock.Advance(time.Second)
	second := tg.enqueue(t, tenantID, runtimeID)
	tg.clock.Advance(time.Second)

	resp, err := tg.svc.PullTasks(context.Background(), tenantID, runtimeID, PullRequest{MaxTasks: 10})
	require.NoError(t, err)
	require.Len(t, resp.Tasks, 2)
	assert.Equal(t, first.ID, resp.Tasks[0].TaskID)
	assert.Equal(t, second.ID, resp.Tasks[1].TaskID)
}

func TestPullEmptyQueueReturnsEmptyList(t *testing.T) {
	tg := newTestGateway(t)
	resp, err := tg.svc.PullTasks(context.Background(), uuid.New(), uuid.New(), PullRequest{})
	require.NoError(t, err)
	assert.NotNil(t, resp.Tasks)
	assert.Empty(t, resp.Tasks)
}

func TestPullValidationRejectsOutOfRange(t *testing.T) {
	tg := newTestGateway(t)
	ctx := context.Background()
	tenantID, runtimeID := uuid.New(), uuid.New()

	cases := []PullRequest{
		{MaxTasks: -1},
		{MaxTasks: 11},
		{LongPollSeconds: -1},
		{LongPollSeconds: 61},
		{VisibilityTimeoutSeconds: 9},
		{VisibilityTimeoutSeconds: 601},
	}
	for _, req := range cases {
		_, err := tg.svc.PullTasks(ctx, tenantID, runtimeID, req)
		assert.True(t, errors.Is(err, edge.ErrValidation), "request %+v must be rejected", req)
	}
}

func TestExpiredLeaseIsReclaimedOnNextPull(t *testing.T) {
	tg := newTestGateway(t)
	ctx := context.Background()
	tenantID, runtimeID := uuid.New(), uuid.New()

	task := tg.enqueue(t, tenantID, runtimeID)
	first := tg.pullOne(t, tenantID, runtimeID)
	assert.Equal(t, 1, first.DeliveryAttempt)

	// Past the visibility timeout the task is claimable again, by any lease.
	tg.clock.Advance(61 * time.Second)
	second := tg.pullOne(t, tenantID, runtimeID)
	assert.Equal(t, task.ID, second.TaskID)
	assert.Equal(t, 2, second.DeliveryAttempt, "attempt count never decreases")
	assert.NotEqual(t, first.LeaseID, second.LeaseID)

	// The original lease is dead: its ack must not settle the task.
	err := tg.svc.AckTask(ctx, tenantID, runtimeID, task.ID, first.LeaseID)
	assert.True(t, errors.Is(err, edge.ErrTaskLeaseInvalid))

	require.NoError(t, tg.svc.AckTask(ctx, tenantID, runtimeID, task.ID, second.LeaseID))
}

func TestStaleAckMutatesNothing(t *testing.T) {
	tg := newTestGateway(t)
	ctx := context.Background()
	tenantID, runtimeID := uuid.New(), uuid.New()

	task := tg.enqueue(t, tenantID, runtimeID)
	lease := tg.pullOne(t, tenantID, runtimeID)

	err := tg.svc.AckTask(ctx, tenantID, runtimeID, task.ID, "not-the-lease")
	assert.True(t, errors.Is(err, edge.ErrTaskLeaseInvalid))
	err = tg.svc.AckTask(ctx, tenantID, uuid.New(), task.ID, lease.LeaseID)
	assert.True(t, errors.Is(err, edge.ErrTaskLeaseInvalid))

	stored, err := tg.svc.GetTask(ctx, tenantID, task.ID)
	require.NoError(t, err)
	assert.Equal(t, edge.TaskStatusLeased, stored.Status, "failed acks leave the lease intact")
	require.NotNil(t, stored.LeaseID)
	assert.Equal(t, lease.LeaseID, *stored.LeaseID)
}

func TestFailRequeuesAfterRetryDelay(t *testing.T) {
	tg := newTestGateway(t)
	ctx := context.Background()
	tenantID, runtimeID := uuid.New(), uuid.New()

	task := tg.enqueue(t, tenantID, runtimeID)
	lease := tg.pullOne(t, tenantID, runtimeID)

	delay := 30
	status, err := tg.svc.FailTask(ctx, tenantID, runtimeID, task.ID, lease.LeaseID, "connector timeout", &delay)
	require.NoError(t, err)
	assert.Equal(t, edge.TaskStatusQueued, status)

	stored, err := tg.svc.GetTask(ctx, tenantID, task.ID)
	require.NoError(t, err)
	assert.Equal(t, edge.TaskStatusQueued, stored.Status)
	require.NotNil(t, stored.LastError)
	assert.Equal(t, "connector timeout", *stored.LastError)
	assert.Nil(t, stored.LeaseID)

	// Held back until the retry delay elapses.
	resp, err := tg.svc.PullTasks(ctx, tenantID, runtimeID, PullRequest{})
	require.NoError(t, err)
	assert.Empty(t, resp.Tasks)

	tg.clock.Advance(31 * time.Second)
	again := tg.pullOne(t, tenantID, runtimeID)
	assert.Equal(t, task.ID, again.TaskID)
	assert.Equal(t, 2, again.DeliveryAttempt)
}

func TestFailDeadLettersAfterMaxAttempts(t *testing.T) {
	tg := newTestGateway(t)
	ctx := context.Background()
	tenantID, runtimeID := uuid.New(), uuid.New()

	envelope := queryEnvelope()
	maxAttempts := 2
	envelope.Headers.MaxAttempts = &maxAttempts
	task, err := tg.svc.EnqueueForRuntime(ctx, tenantID, runtimeID, envelope)
	require.NoError(t, err)
	assert.Equal(t, 2, task.MaxAttempts)

	noDelay := 0
	for attempt := 1; attempt <= 2; attempt++ {
		lease := tg.pullOne(t, tenantID, runtimeID)
		assert.Equal(t, attempt, lease.DeliveryAttempt)
		status, err := tg.svc.FailTask(ctx, tenantID, runtimeID, task.ID, lease.LeaseID, "boom", &noDelay)
		require.NoError(t, err)
		if attempt < 2 {
			assert.Equal(t, edge.TaskStatusQueued, status)
		} else {
			assert.Equal(t, edge.TaskStatusDeadLetter, status)
		}
	}

	stored, err := tg.svc.GetTask(ctx, tenantID, task.ID)
	require.NoError(t, err)
	assert.Equal(t, edge.TaskStatusDeadLetter, stored.Status)
	assert.NotNil(t, stored.FailedAt)

	resp, err := tg.svc.PullTasks(ctx, tenantID, runtimeID, PullRequest{})
	require.NoError(t, err)
	assert.Empty(t, resp.Tasks, "dead-lettered task must never be delivered again")
}

func TestFailValidatesRetryDelay(t *testing.T) {
	tg := newTestGateway(t)
	ctx := context.Background()
	tenantID, runtimeID := uuid.New(), uuid.New()
	task := tg.enqueue(t, tenantID, runtimeID)
	lease := tg.pullOne(t, tenantID, runtimeID)

	for _, delay := range []int{-1, 601} {
		d := delay
		_, err := tg.svc.FailTask(ctx, tenantID, runtimeID, task.ID, lease.LeaseID, "", &d)
		assert.True(t, errors.Is(err, edge.ErrValidation), "delay %d must be rejected", delay)
	}
}

func TestIngestResultDeduplicatesByRequestID(t *testing.T) {
	tg := newTestGateway(t)
	ctx := context.Background()
	tenantID, runtimeID := uuid.New(), uuid.New()

	result := edge.MessageEnvelope{
		ID:          uuid.NewString(),
		MessageType: "semantic_query_result",
		Payload:     json.RawMessage(`{"rows":[[42]]}`),
	}
	req := ResultRequest{RequestID: uuid.NewString(), Envelopes: []edge.MessageEnvelope{result}}

	resp, err := tg.svc.IngestResult(ctx, tenantID, runtimeID, req)
	require.NoError(t, err)
	assert.True(t, resp.Accepted)
	assert.False(t, resp.Duplicate)
	assert.Equal(t, 1, resp.Published)

	// The retry is accepted but publishes nothing.
	resp, err = tg.svc.IngestResult(ctx, tenantID, runtimeID, req)
	require.NoError(t, err)
	assert.True(t, resp.Accepted)
	assert.True(t, resp.Duplicate)
	assert.Equal(t, 0, resp.Published)

	published := tg.results.Results()
	require.Len(t, published, 1)
	assert.Equal(t, result.ID, published[0].Envelope.ID)
	assert.Equal(t, tenantID, published[0].TenantID)
}

func TestIngestResultSameRequestIDDifferentRuntime(t *testing.T) {
	tg := newTestGateway(t)
	ctx := context.Background()
	tenantID := uuid.New()
	requestID := uuid.NewString()

	result := edge.MessageEnvelope{MessageType: "semantic_query_result", Payload: json.RawMessage(`{}`)}
	req := ResultRequest{RequestID: requestID, Envelopes: []edge.MessageEnvelope{result}}

	resp, err := tg.svc.IngestResult(ctx, tenantID, uuid.New(), req)
	require.NoError(t, err)
	assert.False(t, resp.Duplicate)

	// request_id is scoped per runtime, so a second runtime is not a replay.
	resp, err = tg.svc.IngestResult(ctx, tenantID, uuid.New(), req)
	require.NoError(t, err)
	assert.False(t, resp.Duplicate)
}

func TestIngestResultPreservesEnvelopeOrder(t *testing.T) {
	tg := newTestGateway(t)
	ctx := context.Background()

	envelopes := make([]edge.MessageEnvelope, 3)
	for i := range envelopes {
		envelopes[i] = edge.MessageEnvelope{
			ID:          uuid.NewString(),
			MessageType: "semantic_query_result",
			Payload:     json.RawMessage(`{}`),
		}
	}
	_, err := tg.svc.IngestResult(ctx, uuid.New(), uuid.New(), ResultRequest{
		RequestID: uuid.NewString(),
		Envelopes: envelopes,
	})
	require.NoError(t, err)

	published := tg.results.Results()
	require.Len(t, published, 3)
	for i := range envelopes {
		assert.Equal(t, envelopes[i].ID, published[i].Envelope.ID)
	}
}

func TestIngestResultSkipsUnmappedTypes(t *testing.T) {
	tg := newTestGateway(t)
	resp, err := tg.svc.IngestResult(context.Background(), uuid.New(), uuid.New(), ResultRequest{
		RequestID: uuid.NewString(),
		Envelopes: []edge.MessageEnvelope{{MessageType: "unmapped_result", Payload: json.RawMessage(`{}`)}},
	})
	require.NoError(t, err)
	assert.True(t, resp.Accepted)
	assert.Equal(t, 0, resp.Published)
}

func TestIngestResultRequiresRequestID(t *testing.T) {
	tg := newTestGateway(t)
	_, err := tg.svc.IngestResult(context.Background(), uuid.New(), uuid.New(), ResultRequest{})
	assert.True(t, errors.Is(err, edge.ErrValidation))
}

func TestSweepReclaimsAcrossQueues(t *testing.T) {
	tg := newTestGateway(t)
	ctx := context.Background()
	tenantID := uuid.New()
	runtimeA, runtimeB := uuid.New(), uuid.New()

	taskA := tg.enqueue(t, tenantID, runtimeA)
	taskB := tg.enqueue(t, tenantID, runtimeB)
	tg.pullOne(t, tenantID, runtimeA)
	tg.pullOne(t, tenantID, runtimeB)

	tg.clock.Advance(61 * time.Second)
	require.NoError(t, tg.svc.Sweep(ctx))

	for _, taskID := range []uuid.UUID{taskA.ID, taskB.ID} {
		stored, err := tg.svc.GetTask(ctx, tenantID, taskID)
		require.NoError(t, err)
		assert.Equal(t, edge.TaskStatusQueued, stored.Status)
		require.NotNil(t, stored.LastError)
		assert.Equal(t, "lease expired", *stored.LastError)
	}
}

func TestRebuildIndexRestoresQueuedAndLeased(t *testing.T) {
	tg := newTestGateway(t)
	ctx := context.Background()
	tenantID, runtimeID := uuid.New(), uuid.New()

	queued := tg.enqueue(t, tenantID, runtimeID)
	live := tg.enqueue(t, tenantID, runtimeID)
	expired := tg.enqueue(t, tenantID, runtimeID)

	// Lease two of them directly in the store, one live and one expired.
	now := tg.clock.Now()
	require.NoError(t, tg.tasks.MarkLeased(ctx, tenantID, live.ID, "lease-live", now.Add(time.Minute), runtimeID, 1, now))
	require.NoError(t, tg.tasks.MarkLeased(ctx, tenantID, expired.ID, "lease-expired", now.Add(-time.Minute), runtimeID, 1, now))

	// Fresh index, as after a restart.
	rebuilt := newTestGateway(t)
	rebuilt.clock = tg.clock
	svc := NewService(tg.tasks, rebuilt.index, tg.receipts, tg.results, 60*time.Second, 5*time.Second).
		WithClock(tg.clock.Now).
		WithPollInterval(time.Millisecond)
	require.NoError(t, svc.RebuildIndex(ctx))

	resp, err := svc.PullTasks(ctx, tenantID, runtimeID, PullRequest{MaxTasks: 10})
	require.NoError(t, err)
	claimed := map[uuid.UUID]int{}
	for _, lease := range resp.Tasks {
		claimed[lease.TaskID] = lease.DeliveryAttempt
	}
	assert.Len(t, claimed, 2)
	assert.Equal(t, 1, claimed[queued.ID], "queued task claimable at first attempt")
	assert.Equal(t, 2, claimed[expired.ID], "expired lease requeued with its attempt count intact")
	assert.NotContains(t, claimed, live.ID, "live lease must stay leased")

	// The live lease still acks with its original id.
	require.NoError(t, svc.AckTask(ctx, tenantID, runtimeID, live.ID, "lease-live"))
}

func TestLongPollWaitsForArrival(t *testing.T) {
	tg := newTestGateway(t)
	// Real clock here: the long poll deadline interacts with the timer.
	tg.svc.WithClock(time.Now)
	ctx := context.Background()
	tenantID, runtimeID := uuid.New(), uuid.New()

	done := make(chan *PullResponse, 1)
	go func() {
		resp, err := tg.svc.PullTasks(ctx, tenantID, runtimeID, PullRequest{LongPollSeconds: 5})
		if err == nil {
			done <- resp
		}
		close(done)
	}()

	time.Sleep(20 * time.Millisecond)
	task, err := tg.svc.EnqueueForRuntime(ctx, tenantID, runtimeID, queryEnvelope())
	require.NoError(t, err)

	select {
	case resp := <-done:
		require.NotNil(t, resp)
		require.Len(t, resp.Tasks, 1)
		assert.Equal(t, task.ID, resp.Tasks[0].TaskID)
	case <-time.After(3 * time.Second):
		t.Fatal("long poll did not pick up the enqueued task")
	}
}

func TestPullHonorsContextCancellation(t *testing.T) {
	tg := newTestGateway(t)
	tg.svc.WithClock(time.Now)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() {
		_, err := tg.svc.PullTasks(ctx, uuid.New(), uuid.New(), PullRequest{LongPollSeconds: 60})
		done <- err
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.True(t, errors.Is(err, context.Canceled))
	case <-time.After(3 * time.Second):
		t.Fatal("pull did not return after cancellation")
	}
}
