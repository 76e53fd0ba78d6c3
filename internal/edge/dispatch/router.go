// Package dispatch decides where a tenant's analytic work runs: the hosted
// worker pool via the outbox, or a customer runtime via the edge gateway.
package dispatch

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2/expirable"

	"strato/internal/domain/edge"
	"strato/internal/logging"
)

// ExecutionModeSettingKey is the tenant-env key holding the execution mode.
const ExecutionModeSettingKey = "execution_mode"

const (
	routerCacheSize = 4096
	routerCacheTTL  = 30 * time.Second
)

// ExecutionRouter resolves a tenant's execution mode with a short-lived
// cache in front of the tenant-env store. Resolution never fails: lookup
// errors and unknown values collapse to the default mode.
type ExecutionRouter struct {
	settings    edge.TenantEnvStore
	cache       *lru.LRU[uuid.UUID, edge.ExecutionMode]
	defaultMode edge.ExecutionMode
	logger      logging.Logger
}

// NewExecutionRouter constructs a router with the given fallback mode.
func NewExecutionRouter(settings edge.TenantEnvStore, defaultMode edge.ExecutionMode) *ExecutionRouter {
	return &ExecutionRouter{
		settings:    settings,
		cache:       lru.NewLRU[uuid.UUID, edge.ExecutionMode](routerCacheSize, nil, routerCacheTTL),
		defaultMode: defaultMode,
		logger:      logging.NewComponentLogger("ExecutionRouter"),
	}
}

// Resolve returns the tenant's execution mode.
func (r *ExecutionRouter) Resolve(ctx context.Context, tenantID uuid.UUID) edge.ExecutionMode {
	if mode, ok := r.cache.Get(tenantID); ok {
		return mode
	}
	value, err := r.settings.GetSetting(ctx, tenantID, ExecutionModeSettingKey)
	if err != nil {
		if !errors.Is(err, edge.ErrSettingNotFound) {
			r.logger.Warn("execution mode lookup for tenant %s failed, using %s: %v", tenantID, r.defaultMode, err)
			return r.defaultMode
		}
		r.cache.Add(tenantID, r.defaultMode)
		return r.defaultMode
	}
	mode := edge.ParseExecutionMode(value)
	r.cache.Add(tenantID, mode)
	return mode
}

// Invalidate drops the cached mode for one tenant, forcing a fresh read.
func (r *ExecutionRouter) Invalidate(tenantID uuid.UUID) {
	r.cache.Remove(tenantID)
}
