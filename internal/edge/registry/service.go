// Package registry manages the lifecycle of customer-operated runtimes:
// one-shot registration tokens, registration, heartbeats, capability updates
// and dispatch-time runtime selection.
package registry

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"strato/internal/domain/edge"
	"strato/internal/edge/token"
	"strato/internal/logging"
)

// Service implements runtime registry operations over a RegistryStore.
type Service struct {
	store           edge.RegistryStore
	tokens          *token.Service
	registrationTTL time.Duration
	logger          logging.Logger
	now             func() time.Time
}

// NewService constructs the registry service.
func NewService(store edge.RegistryStore, tokens *token.Service, registrationTTL time.Duration) *Service {
	if registrationTTL <= 0 {
		registrationTTL = 15 * time.Minute
	}
	return &Service{
		store:           store,
		tokens:          tokens,
		registrationTTL: registrationTTL,
		logger:          logging.NewComponentLogger("Registry"),
		now:             time.Now,
	}
}

// WithClock overrides the service clock, for tests.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// CreatedToken is the response of CreateRegistrationToken. RawToken is shown
// exactly once; only its hash is stored.
type CreatedToken struct {
	RawToken  string    `json:"registration_token"`
	TokenID   uuid.UUID `json:"token_id"`
	ExpiresAt time.Time `json:"expires_at"`
}

// CreateRegistrationToken mints a one-shot registration token for the tenant.
func (s *Service) CreateRegistrationToken(ctx context.Context, tenantID uuid.UUID, createdByUserID string) (*CreatedToken, error) {
	if tenantID == uuid.Nil {
		return nil, fmt.Errorf("%w: tenant_id required", edge.ErrValidation)
	}
	raw, hash, err := s.tokens.MintRegistrationToken()
	if err != nil {
		return nil, fmt.Errorf("mint registration token: %w", err)
	}
	now := s.now().UTC()
	record := &edge.RegistrationToken{
		ID:              uuid.New(),
		TenantID:        tenantID,
		TokenHash:       hash,
		ExpiresAt:       now.Add(s.registrationTTL),
		CreatedByUserID: createdByUserID,
		CreatedAt:       now,
	}
	if err := s.store.InsertRegistrationToken(ctx, record); err != nil {
		return nil, fmt.Errorf("store registration token: %w", err)
	}
	s.logger.Info("issued registration token %s for tenant %s", record.ID, tenantID)
	return &CreatedToken{RawToken: raw, TokenID: record.ID, ExpiresAt: record.ExpiresAt}, nil
}

// RegisterRequest carries the self-description a runtime presents alongside
// its registration token.
type RegisterRequest struct {
	DisplayName  string            `json:"display_name"`
	Tags         []string          `json:"tags"`
	Capabilities edge.Capabilities `json:"capabilities"`
	Metadata     map[string]string `json:"metadata"`
}

// Registered is the response of Register: the new identity plus its first
// access token. RuntimeID and TenantID are flattened alongside the full
// runtime record for clients that only parse the identity fields.
type Registered struct {
	RuntimeID      uuid.UUID     `json:"ep_id"`
	TenantID       uuid.UUID     `json:"tenant_id"`
	Runtime        *edge.Runtime `json:"runtime"`
	AccessToken    string        `json:"access_token"`
	TokenType      string        `json:"token_type"`
	TokenExpiresAt time.Time     `json:"expires_at"`
}

// Register exchanges a one-shot registration token for a runtime identity.
// The token is consumed atomically: of two concurrent calls with the same
// token exactly one succeeds.
func (s *Service) Register(ctx context.Context, rawToken string, req RegisterRequest) (*Registered, error) {
	if rawToken == "" {
		return nil, fmt.Errorf("%w: registration_token required", edge.ErrValidation)
	}
	now := s.now().UTC()
	runtime := &edge.Runtime{
		ID:           uuid.New(),
		DisplayName:  req.DisplayName,
		Tags:         req.Tags,
		Capabilities: req.Capabilities,
		Metadata:     req.Metadata,
		Status:       edge.RuntimeStatusActive,
		LastSeenAt:   &now,
		RegisteredAt: now,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if _, err := s.store.Register(ctx, token.HashRegistrationToken(rawToken), runtime, now); err != nil {
		return nil, err
	}

	signed, expiresAt, err := s.tokens.IssueAccessToken(runtime.TenantID, runtime.ID)
	if err != nil {
		return nil, fmt.Errorf("issue access token: %w", err)
	}
	s.logger.Info("registered runtime %s for tenant %s", runtime.ID, runtime.TenantID)
	return &Registered{
		RuntimeID:      runtime.ID,
		TenantID:       runtime.TenantID,
		Runtime:        runtime,
		AccessToken:    signed,
		TokenType:      "bearer",
		TokenExpiresAt: expiresAt,
	}, nil
}

// HeartbeatResult is the response of Heartbeat. Every heartbeat carries a
// fresh access token; the previous token stays valid until its own expiry.
type HeartbeatResult struct {
	Accepted       bool          `json:"accepted"`
	Runtime        *edge.Runtime `json:"runtime"`
	AccessToken    string        `json:"access_token"`
	TokenExpiresAt time.Time     `json:"expires_at"`
	ServerTime     time.Time     `json:"server_time"`
}

// Heartbeat bumps the runtime's last_seen_at, optionally updates its status,
// shallow-merges metadata and rotates the access token.
func (s *Service) Heartbeat(ctx context.Context, tenantID, runtimeID uuid.UUID, status *edge.RuntimeStatus, metadata map[string]string) (*HeartbeatResult, error) {
	if status != nil && !status.IsValid() {
		return nil, fmt.Errorf("%w: unknown runtime status %q", edge.ErrValidation, *status)
	}
	now := s.now().UTC()
	runtime, err := s.store.UpdateHeartbeat(ctx, tenantID, runtimeID, status, metadata, now)
	if err != nil {
		return nil, err
	}
	signed, expiresAt, err := s.tokens.IssueAccessToken(tenantID, runtimeID)
	if err != nil {
		return nil, fmt.Errorf("issue access token: %w", err)
	}
	return &HeartbeatResult{Accepted: true, Runtime: runtime, AccessToken: signed, TokenExpiresAt: expiresAt, ServerTime: now}, nil
}

// UpdateCapabilities replaces the runtime's tags and capability set.
func (s *Service) UpdateCapabilities(ctx context.Context, tenantID, runtimeID uuid.UUID, tags []string, capabilities edge.Capabilities) (*edge.Runtime, error) {
	return s.store.ReplaceCapabilities(ctx, tenantID, runtimeID, tags, capabilities, s.now().UTC())
}

// ListInstances returns every runtime of the tenant, freshest heartbeat
// first.
func (s *Service) ListInstances(ctx context.Context, tenantID uuid.UUID) ([]*edge.Runtime, error) {
	return s.store.ListByTenant(ctx, tenantID)
}

// GetRuntime loads one runtime, tenant-scoped.
func (s *Service) GetRuntime(ctx context.Context, tenantID, runtimeID uuid.UUID) (*edge.Runtime, error) {
	return s.store.GetRuntime(ctx, tenantID, runtimeID)
}

// SelectForDispatch picks the eligible runtime with the freshest heartbeat:
// active status, tag set covering requiredTags, capabilities admitting the
// message type. ErrNoEligibleRuntime when none qualifies.
func (s *Service) SelectForDispatch(ctx context.Context, tenantID uuid.UUID, messageType string, requiredTags []string) (*edge.Runtime, error) {
	candidates, err := s.store.ListActiveByTenant(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	for _, candidate := range candidates {
		if !candidate.HasTags(requiredTags) {
			continue
		}
		if !candidate.Capabilities.Supports(messageType) {
			continue
		}
		return candidate, nil
	}
	return nil, edge.ErrNoEligibleRuntime
}
