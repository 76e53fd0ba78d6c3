// Package edgestore provides the persistence adapters of the edge dispatch
// plane: Postgres implementations backed by pgx, and in-memory equivalents
// with identical semantics for tests and database-less development.
package edgestore

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"strato/internal/domain/edge"
)

// MemoryRegistryStore keeps runtimes and registration tokens in maps.
type MemoryRegistryStore struct {
	mu       sync.RWMutex
	runtimes map[uuid.UUID]*edge.Runtime
	tokens   map[string]*edge.RegistrationToken
}

// NewMemoryRegistryStore creates an empty in-memory registry store.
func NewMemoryRegistryStore() *MemoryRegistryStore {
	return &MemoryRegistryStore{
		runtimes: map[uuid.UUID]*edge.Runtime{},
		tokens:   map[string]*edge.RegistrationToken{},
	}
}

func (s *MemoryRegistryStore) InsertRegistrationToken(_ context.Context, token *edge.RegistrationToken) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *token
	s.tokens[token.TokenHash] = &cp
	return nil
}

func (s *MemoryRegistryStore) Register(_ context.Context, tokenHash string, runtime *edge.Runtime, now time.Time) (*edge.RegistrationToken, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tok, ok := s.tokens[tokenHash]
	if !ok {
		return nil, edge.ErrRegistrationTokenInvalid
	}
	if tok.UsedAt != nil {
		return nil, edge.ErrRegistrationTokenUsed
	}
	if !tok.ExpiresAt.After(now) {
		return nil, edge.ErrRegistrationTokenExpired
	}
	runtime.TenantID = tok.TenantID
	usedAt := now
	tok.UsedAt = &usedAt
	runtimeID := runtime.ID
	tok.RuntimeID = &runtimeID

	cp := cloneRuntime(runtime)
	s.runtimes[runtime.ID] = cp
	tokCopy := *tok
	return &tokCopy, nil
}

func (s *MemoryRegistryStore) GetRuntime(_ context.Context, tenantID, runtimeID uuid.UUID) (*edge.Runtime, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rt, ok := s.runtimes[runtimeID]
	if !ok || rt.TenantID != tenantID {
		return nil, edge.ErrRuntimeNotFound
	}
	return cloneRuntime(rt), nil
}

func (s *MemoryRegistryStore) UpdateHeartbeat(_ context.Context, tenantID, runtimeID uuid.UUID, status *edge.RuntimeStatus, metadata map[string]string, now time.Time) (*edge.Runtime, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rt, ok := s.runtimes[runtimeID]
	if !ok || rt.TenantID != tenantID {
		return nil, edge.ErrRuntimeNotFound
	}
	seen := now
	rt.LastSeenAt = &seen
	rt.UpdatedAt = now
	if status != nil {
		rt.Status = *status
	}
	if len(metadata) > 0 {
		if rt.Metadata == nil {
			rt.Metadata = map[string]string{}
		}
		for k, v := range metadata {
			rt.Metadata[k] = v
		}
	}
	return cloneRuntime(rt), nil
}

func (s *MemoryRegistryStore) ReplaceCapabilities(_ context.Context, tenantID, runtimeID uuid.UUID, tags []string, capabilities edge.Capabilities, now time.Time) (*edge.Runtime, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rt, ok := s.runtimes[runtimeID]
	if !ok || rt.TenantID != tenantID {
		return nil, edge.ErrRuntimeNotFound
	}
	rt.Tags = append([]string(nil), tags...)
	rt.Capabilities = edge.Capabilities{MessageTypes: append([]string(nil), capabilities.MessageTypes...)}
	seen := now
	rt.LastSeenAt = &seen
	rt.UpdatedAt = now
	return cloneRuntime(rt), nil
}

func (s *MemoryRegistryStore) ListByTenant(_ context.Context, tenantID uuid.UUID) ([]*edge.Runtime, error) {
	return s.list(tenantID, false), nil
}

func (s *MemoryRegistryStore) ListActiveByTenant(_ context.Context, tenantID uuid.UUID) ([]*edge.Runtime, error) {
	return s.list(tenantID, true), nil
}

func (s *MemoryRegistryStore) list(tenantID uuid.UUID, activeOnly bool) []*edge.Runtime {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*edge.Runtime, 0)
	for _, rt := range s.runtimes {
		if rt.TenantID != tenantID {
			continue
		}
		if activeOnly && rt.Status != edge.RuntimeStatusActive {
			continue
		}
		out = append(out, cloneRuntime(rt))
	}
	// Freshest heartbeat first, nulls last; id as a stable tie-break.
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i].LastSeenAt, out[j].LastSeenAt
		switch {
		case a == nil && b == nil:
			return out[i].ID.String() < out[j].ID.String()
		case a == nil:
			return false
		case b == nil:
			return true
		case !a.Equal(*b):
			return a.After(*b)
		default:
			return out[i].ID.String() < out[j].ID.String()
		}
	})
	return out
}

func cloneRuntime(rt *edge.Runtime) *edge.Runtime {
	cp := *rt
	cp.Tags = append([]string(nil), rt.Tags...)
	cp.Capabilities = edge.Capabilities{MessageTypes: append([]string(nil), rt.Capabilities.MessageTypes...)}
	if rt.Metadata != nil {
		cp.Metadata = make(map[string]string, len(rt.Metadata))
		for k, v := range rt.Metadata {
			cp.Metadata[k] = v
		}
	}
	if rt.LastSeenAt != nil {
		seen := *rt.LastSeenAt
		cp.LastSeenAt = &seen
	}
	return &cp
}

// MemoryTaskStore keeps edge task rows in a map.
type MemoryTaskStore struct {
	mu    sync.RWMutex
	tasks map[uuid.UUID]*edge.EdgeTask
}

// NewMemoryTaskStore creates an empty in-memory task store.
func NewMemoryTaskStore() *MemoryTaskStore {
	return &MemoryTaskStore{tasks: map[uuid.UUID]*edge.EdgeTask{}}
}

func (s *MemoryTaskStore) InsertTask(_ context.Context, task *edge.EdgeTask) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *task
	s.tasks[task.ID] = &cp
	return nil
}

func (s *MemoryTaskStore) GetTask(_ context.Context, tenantID, taskID uuid.UUID) (*edge.EdgeTask, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	task, ok := s.tasks[taskID]
	if !ok || task.TenantID != tenantID {
		return nil, edge.ErrTaskNotFound
	}
	cp := *task
	return &cp, nil
}

func (s *MemoryTaskStore) MarkLeased(_ context.Context, tenantID, taskID uuid.UUID, leaseID string, leaseExpiresAt time.Time, runtimeID uuid.UUID, attemptCount int, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	task, ok := s.tasks[taskID]
	if !ok || task.TenantID != tenantID {
		return edge.ErrTaskNotFound
	}
	task.Status = edge.TaskStatusLeased
	task.LeaseID = &leaseID
	expires := leaseExpiresAt
	task.LeaseExpiresAt = &expires
	leasedTo := runtimeID
	task.LeasedToRuntimeID = &leasedTo
	task.AttemptCount = attemptCount
	task.UpdatedAt = now
	return nil
}

func (s *MemoryTaskStore) MarkAcked(_ context.Context, tenantID, taskID uuid.UUID, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	task, ok := s.tasks[taskID]
	if !ok || task.TenantID != tenantID {
		return edge.ErrTaskNotFound
	}
	task.Status = edge.TaskStatusAcked
	task.LeaseID = nil
	task.LeaseExpiresAt = nil
	task.LeasedToRuntimeID = nil
	acked := now
	task.AckedAt = &acked
	task.UpdatedAt = now
	return nil
}

func (s *MemoryTaskStore) MarkQueued(_ context.Context, tenantID, taskID uuid.UUID, lastError *string, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	task, ok := s.tasks[taskID]
	if !ok || task.TenantID != tenantID {
		return edge.ErrTaskNotFound
	}
	task.Status = edge.TaskStatusQueued
	task.LeaseID = nil
	task.LeaseExpiresAt = nil
	task.LeasedToRuntimeID = nil
	if lastError != nil {
		task.LastError = lastError
	}
	task.UpdatedAt = now
	return nil
}

func (s *MemoryTaskStore) MarkDeadLetter(_ context.Context, tenantID, taskID uuid.UUID, lastError *string, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	task, ok := s.tasks[taskID]
	if !ok || task.TenantID != tenantID {
		return edge.ErrTaskNotFound
	}
	task.Status = edge.TaskStatusDeadLetter
	task.LeaseID = nil
	task.LeaseExpiresAt = nil
	task.LeasedToRuntimeID = nil
	if lastError != nil {
		task.LastError = lastError
	}
	failed := now
	task.FailedAt = &failed
	task.UpdatedAt = now
	return nil
}

func (s *MemoryTaskStore) ListUnsettled(_ context.Context) ([]*edge.EdgeTask, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*edge.EdgeTask, 0)
	for _, task := range s.tasks {
		if task.Status == edge.TaskStatusQueued || task.Status == edge.TaskStatusLeased {
			cp := *task
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].EnqueuedAt.Before(out[j].EnqueuedAt) })
	return out, nil
}

// MemoryReceiptStore keeps result receipts keyed by their unique triple.
type MemoryReceiptStore struct {
	mu       sync.Mutex
	receipts map[receiptKey]*edge.ResultReceipt
}

type receiptKey struct {
	tenantID  uuid.UUID
	runtimeID uuid.UUID
	requestID string
}

// NewMemoryReceiptStore creates an empty in-memory receipt store.
func NewMemoryReceiptStore() *MemoryReceiptStore {
	return &MemoryReceiptStore{receipts: map[receiptKey]*edge.ResultReceipt{}}
}

func (s *MemoryReceiptStore) InsertReceipt(_ context.Context, receipt *edge.ResultReceipt) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := receiptKey{receipt.TenantID, receipt.RuntimeID, receipt.RequestID}
	if _, exists := s.receipts[key]; exists {
		return edge.ErrReceiptExists
	}
	cp := *receipt
	s.receipts[key] = &cp
	return nil
}

// MemoryOutboxStore records hosted-path hand-offs in a slice.
type MemoryOutboxStore struct {
	mu      sync.Mutex
	records []*edge.OutboxRecord
}

// NewMemoryOutboxStore creates an empty in-memory outbox.
func NewMemoryOutboxStore() *MemoryOutboxStore {
	return &MemoryOutboxStore{}
}

func (s *MemoryOutboxStore) InsertOutbox(_ context.Context, record *edge.OutboxRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *record
	s.records = append(s.records, &cp)
	return nil
}

// Records returns a snapshot of the stored records. Tests only.
func (s *MemoryOutboxStore) Records() []*edge.OutboxRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*edge.OutboxRecord, len(s.records))
	copy(out, s.records)
	return out
}

// MemoryTenantEnvStore keeps per-tenant settings in a map.
type MemoryTenantEnvStore struct {
	mu       sync.RWMutex
	settings map[uuid.UUID]map[string]string
}

// NewMemoryTenantEnvStore creates an empty in-memory tenant-env store.
func NewMemoryTenantEnvStore() *MemoryTenantEnvStore {
	return &MemoryTenantEnvStore{settings: map[uuid.UUID]map[string]string{}}
}

// SetSetting stores one tenant setting.
func (s *MemoryTenantEnvStore) SetSetting(tenantID uuid.UUID, key, value string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.settings[tenantID] == nil {
		s.settings[tenantID] = map[string]string{}
	}
	s.settings[tenantID][key] = value
}

func (s *MemoryTenantEnvStore) GetSetting(_ context.Context, tenantID uuid.UUID, key string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if values, ok := s.settings[tenantID]; ok {
		if v, ok := values[key]; ok {
			return v, nil
		}
	}
	return "", edge.ErrSettingNotFound
}
