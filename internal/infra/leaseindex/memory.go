// Package leaseindex implements the per-runtime pending-queue and
// lease-expiry index: a redis sorted-set backend for production and an
// in-process equivalent with identical semantics for tests and single-node
// development. The index is soft state, rebuildable from the task store.
package leaseindex

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"strato/internal/domain/edge"
)

type memQueue struct {
	pending map[uuid.UUID]time.Time
	leases  map[uuid.UUID]time.Time
	records map[uuid.UUID]*edge.TaskRecord
}

func newMemQueue() *memQueue {
	return &memQueue{
		pending: map[uuid.UUID]time.Time{},
		leases:  map[uuid.UUID]time.Time{},
		records: map[uuid.UUID]*edge.TaskRecord{},
	}
}

// Memory is the in-process lease index. All member mutations happen under
// one mutex, which makes claims trivially linearizable.
type Memory struct {
	mu     sync.Mutex
	queues map[edge.QueueKey]*memQueue
}

// NewMemory creates an empty in-process lease index.
func NewMemory() *Memory {
	return &Memory{queues: map[edge.QueueKey]*memQueue{}}
}

func (m *Memory) queue(q edge.QueueKey) *memQueue {
	mq, ok := m.queues[q]
	if !ok {
		mq = newMemQueue()
		m.queues[q] = mq
	}
	return mq
}

func (m *Memory) Enqueue(_ context.Context, q edge.QueueKey, rec *edge.TaskRecord, visibleAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	mq := m.queue(q)
	cp := cloneRecord(rec)
	cp.Status = edge.TaskStatusQueued
	cp.LeaseID = ""
	cp.LeaseExpiresAt = time.Time{}
	cp.LeasedTo = uuid.Nil
	mq.records[rec.TaskID] = cp
	mq.pending[rec.TaskID] = visibleAt
	return nil
}

func (m *Memory) RestoreLease(_ context.Context, q edge.QueueKey, rec *edge.TaskRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	mq := m.queue(q)
	cp := cloneRecord(rec)
	cp.Status = edge.TaskStatusLeased
	mq.records[rec.TaskID] = cp
	mq.leases[rec.TaskID] = rec.LeaseExpiresAt
	return nil
}

func (m *Memory) Claim(_ context.Context, q edge.QueueKey, now time.Time, leaseID string, leaseExpiresAt time.Time) (*edge.TaskRecord, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	mq := m.queue(q)

	// Oldest eligible member first; ties break by task id, matching the
	// lexicographic member order of the redis backend.
	var bestID uuid.UUID
	var bestAt time.Time
	found := false
	for id, visibleAt := range mq.pending {
		if visibleAt.After(now) {
			continue
		}
		if !found || visibleAt.Before(bestAt) || (visibleAt.Equal(bestAt) && id.String() < bestID.String()) {
			bestID, bestAt, found = id, visibleAt, true
		}
	}
	if !found {
		return nil, false, nil
	}
	delete(mq.pending, bestID)

	rec, ok := mq.records[bestID]
	if !ok {
		return nil, false, edge.ErrTaskPayloadMissing
	}
	rec.AttemptCount++
	rec.Status = edge.TaskStatusLeased
	rec.LeaseID = leaseID
	rec.LeaseExpiresAt = leaseExpiresAt
	rec.LeasedTo = q.RuntimeID
	mq.leases[bestID] = leaseExpiresAt
	return cloneRecord(rec), true, nil
}

func (m *Memory) Ack(_ context.Context, q edge.QueueKey, taskID uuid.UUID, leaseID string, runtimeID uuid.UUID) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	mq := m.queue(q)
	rec, ok := mq.records[taskID]
	if !ok || rec.Status != edge.TaskStatusLeased || rec.LeaseID != leaseID || rec.LeasedTo != runtimeID {
		return false, nil
	}
	delete(mq.leases, taskID)
	delete(mq.records, taskID)
	return true, nil
}

func (m *Memory) Fail(_ context.Context, q edge.QueueKey, taskID uuid.UUID, leaseID string, runtimeID uuid.UUID, visibleAt time.Time) (edge.TaskStatus, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	mq := m.queue(q)
	rec, ok := mq.records[taskID]
	if !ok || rec.Status != edge.TaskStatusLeased || rec.LeaseID != leaseID || rec.LeasedTo != runtimeID {
		return "", false, nil
	}
	delete(mq.leases, taskID)
	if rec.AttemptCount >= rec.MaxAttempts {
		delete(mq.records, taskID)
		return edge.TaskStatusDeadLetter, true, nil
	}
	rec.Status = edge.TaskStatusQueued
	rec.LeaseID = ""
	rec.LeaseExpiresAt = time.Time{}
	rec.LeasedTo = uuid.Nil
	mq.pending[taskID] = visibleAt
	return edge.TaskStatusQueued, true, nil
}

func (m *Memory) ReapExpired(_ context.Context, q edge.QueueKey, now time.Time, limit int) ([]edge.ReapedLease, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	mq := m.queue(q)

	type expired struct {
		id uuid.UUID
		at time.Time
	}
	candidates := make([]expired, 0)
	for id, expiresAt := range mq.leases {
		if !expiresAt.After(now) {
			candidates = append(candidates, expired{id, expiresAt})
		}
	}
	sort.Slice(candidates, func(i, j int) bool {
		if !candidates[i].at.Equal(candidates[j].at) {
			return candidates[i].at.Before(candidates[j].at)
		}
		return candidates[i].id.String() < candidates[j].id.String()
	})
	if limit > 0 && len(candidates) > limit {
		candidates = candidates[:limit]
	}

	out := make([]edge.ReapedLease, 0, len(candidates))
	for _, c := range candidates {
		delete(mq.leases, c.id)
		rec, ok := mq.records[c.id]
		if !ok || rec.Status != edge.TaskStatusLeased {
			continue
		}
		if rec.AttemptCount >= rec.MaxAttempts {
			delete(mq.records, c.id)
			out = append(out, edge.ReapedLease{TaskID: c.id, Status: edge.TaskStatusDeadLetter})
			continue
		}
		rec.Status = edge.TaskStatusQueued
		rec.LeaseID = ""
		rec.LeaseExpiresAt = time.Time{}
		rec.LeasedTo = uuid.Nil
		mq.pending[c.id] = now
		out = append(out, edge.ReapedLease{TaskID: c.id, Status: edge.TaskStatusQueued})
	}
	return out, nil
}

func (m *Memory) Queues(_ context.Context) ([]edge.QueueKey, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]edge.QueueKey, 0, len(m.queues))
	for q := range m.queues {
		out = append(out, q)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].TenantID != out[j].TenantID {
			return out[i].TenantID.String() < out[j].TenantID.String()
		}
		return out[i].RuntimeID.String() < out[j].RuntimeID.String()
	})
	return out, nil
}

func cloneRecord(rec *edge.TaskRecord) *edge.TaskRecord {
	cp := *rec
	cp.Envelope = append([]byte(nil), rec.Envelope...)
	return &cp
}
