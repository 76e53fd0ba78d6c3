package registry

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"strato/internal/domain/edge"
	"strato/internal/edge/token"
	"strato/internal/infra/edgestore"
)

func newTestRegistry(t *testing.T) (*Service, *edgestore.MemoryRegistryStore) {
	t.Helper()
	tokens, err := token.NewService("test-secret", "HS256", time.Hour)
	require.NoError(t, err)
	store := edgestore.NewMemoryRegistryStore()
	return NewService(store, tokens, 15*time.Minute), store
}

func registerRuntime(t *testing.T, svc *Service, tenantID uuid.UUID, req RegisterRequest) *Registered {
	t.Helper()
	ctx := context.Background()
	created, err := svc.CreateRegistrationToken(ctx, tenantID, "user-1")
	require.NoError(t, err)
	registered, err := svc.Register(ctx, created.RawToken, req)
	require.NoError(t, err)
	return registered
}

func TestCreateRegistrationTokenRequiresTenant(t *testing.T) {
	svc, _ := newTestRegistry(t)
	_, err := svc.CreateRegistrationToken(context.Background(), uuid.Nil, "")
	assert.True(t, errors.Is(err, edge.ErrValidation))
}

func TestRegisterExchangesTokenForIdentity(t *testing.T) {
	svc, _ := newTestRegistry(t)
	tenantID := uuid.New()

	registered := registerRuntime(t, svc, tenantID, RegisterRequest{
		DisplayName:  "worker-eu-1",
		Tags:         []string{"eu-west", "gpu"},
		Capabilities: edge.Capabilities{MessageTypes: []string{"semantic_query_request"}},
	})

	assert.Equal(t, tenantID, registered.Runtime.TenantID, "tenant comes from the token, not the request")
	assert.Equal(t, edge.RuntimeStatusActive, registered.Runtime.Status)
	assert.Equal(t, "worker-eu-1", registered.Runtime.DisplayName)
	assert.NotEmpty(t, registered.AccessToken)

	tokens, err := token.NewService("test-secret", "HS256", time.Hour)
	require.NoError(t, err)
	claims, err := tokens.VerifyAccessToken(registered.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, tenantID, claims.TenantID)
	assert.Equal(t, registered.Runtime.ID, claims.RuntimeID)
}

func TestRegisterSetsLastSeenImmediately(t *testing.T) {
	base := time.Now().UTC()
	svc, _ := newTestRegistry(t)
	svc.WithClock(func() time.Time { return base })
	tenantID := uuid.New()

	older := registerRuntime(t, svc, tenantID, RegisterRequest{DisplayName: "older"})
	require.NotNil(t, older.Runtime.LastSeenAt)
	assert.Equal(t, base, *older.Runtime.LastSeenAt)

	// A just-registered runtime counts as freshly seen, so it outranks one
	// whose last heartbeat is older.
	svc.WithClock(func() time.Time { return base.Add(time.Minute) })
	newer := registerRuntime(t, svc, tenantID, RegisterRequest{DisplayName: "newer"})

	picked, err := svc.SelectForDispatch(context.Background(), tenantID, "semantic_query_request", nil)
	require.NoError(t, err)
	assert.Equal(t, newer.Runtime.ID, picked.ID)
}

func TestRegistrationTokenIsSingleUse(t *testing.T) {
	svc, _ := newTestRegistry(t)
	ctx := context.Background()
	created, err := svc.CreateRegistrationToken(ctx, uuid.New(), "")
	require.NoError(t, err)

	_, err = svc.Register(ctx, created.RawToken, RegisterRequest{})
	require.NoError(t, err)

	_, err = svc.Register(ctx, created.RawToken, RegisterRequest{})
	assert.True(t, errors.Is(err, edge.ErrRegistrationTokenUsed))
}

func TestConcurrentRegistrationsOneWinner(t *testing.T) {
	svc, _ := newTestRegistry(t)
	ctx := context.Background()
	created, err := svc.CreateRegistrationToken(ctx, uuid.New(), "")
	require.NoError(t, err)

	const attempts = 8
	var wg sync.WaitGroup
	errs := make([]error, attempts)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = svc.Register(ctx, created.RawToken, RegisterRequest{})
		}(i)
	}
	wg.Wait()

	winners := 0
	for _, err := range errs {
		if err == nil {
			winners++
		} else {
			assert.True(t, errors.Is(err, edge.ErrRegistrationTokenUsed))
		}
	}
	assert.Equal(t, 1, winners)
}

func TestRegisterRejectsUnknownToken(t *testing.T) {
	svc, _ := newTestRegistry(t)
	_, err := svc.Register(context.Background(), "no-such-token", RegisterRequest{})
	assert.True(t, errors.Is(err, edge.ErrRegistrationTokenInvalid))
}

func TestRegisterRejectsTokenAtExactExpiry(t *testing.T) {
	base := time.Now().UTC()
	svc, _ := newTestRegistry(t)
	svc.WithClock(func() time.Time { return base })
	ctx := context.Background()

	created, err := svc.CreateRegistrationToken(ctx, uuid.New(), "")
	require.NoError(t, err)

	// expires_at itself is already too late.
	svc.WithClock(func() time.Time { return created.ExpiresAt })
	_, err = svc.Register(ctx, created.RawToken, RegisterRequest{})
	assert.True(t, errors.Is(err, edge.ErrRegistrationTokenExpired))
}

func TestHeartbeatBumpsLastSeenAndRotatesToken(t *testing.T) {
	base := time.Now().UTC()
	svc, _ := newTestRegistry(t)
	svc.WithClock(func() time.Time { return base })
	tenantID := uuid.New()
	registered := registerRuntime(t, svc, tenantID, RegisterRequest{})
	ctx := context.Background()

	svc.WithClock(func() time.Time { return base.Add(30 * time.Second) })
	result, err := svc.Heartbeat(ctx, tenantID, registered.Runtime.ID, nil, map[string]string{"version": "1.4.2"})
	require.NoError(t, err)
	require.NotNil(t, result.Runtime.LastSeenAt)
	assert.Equal(t, base.Add(30*time.Second), *result.Runtime.LastSeenAt)
	assert.Equal(t, base.Add(30*time.Second), result.ServerTime)
	assert.Equal(t, "1.4.2", result.Runtime.Metadata["version"])
	assert.NotEmpty(t, result.AccessToken)
	assert.Equal(t, edge.RuntimeStatusActive, result.Runtime.Status, "nil status leaves status untouched")

	// Status change and metadata merge on a later heartbeat.
	svc.WithClock(func() time.Time { return base.Add(60 * time.Second) })
	draining := edge.RuntimeStatusDraining
	result, err = svc.Heartbeat(ctx, tenantID, registered.Runtime.ID, &draining, map[string]string{"region": "eu"})
	require.NoError(t, err)
	assert.Equal(t, edge.RuntimeStatusDraining, result.Runtime.Status)
	assert.Equal(t, "1.4.2", result.Runtime.Metadata["version"], "metadata merges, not replaces")
	assert.Equal(t, "eu", result.Runtime.Metadata["region"])
}

func TestHeartbeatRejectsUnknownStatus(t *testing.T) {
	svc, _ := newTestRegistry(t)
	bad := edge.RuntimeStatus("sleeping")
	_, err := svc.Heartbeat(context.Background(), uuid.New(), uuid.New(), &bad, nil)
	assert.True(t, errors.Is(err, edge.ErrValidation))
}

func TestHeartbeatUnknownRuntime(t *testing.T) {
	svc, _ := newTestRegistry(t)
	_, err := svc.Heartbeat(context.Background(), uuid.New(), uuid.New(), nil, nil)
	assert.True(t, errors.Is(err, edge.ErrRuntimeNotFound))
}

func TestUpdateCapabilitiesReplacesTagsAndTypes(t *testing.T) {
	svc, _ := newTestRegistry(t)
	tenantID := uuid.New()
	registered := registerRuntime(t, svc, tenantID, RegisterRequest{
		Tags:         []string{"old"},
		Capabilities: edge.Capabilities{MessageTypes: []string{"semantic_query_request"}},
	})

	updated, err := svc.UpdateCapabilities(context.Background(), tenantID, registered.Runtime.ID,
		[]string{"eu-west"}, edge.Capabilities{MessageTypes: []string{"agent_chat_request"}})
	require.NoError(t, err)
	assert.Equal(t, []string{"eu-west"}, updated.Tags)
	assert.Equal(t, []string{"agent_chat_request"}, updated.Capabilities.MessageTypes)
	assert.NotNil(t, updated.LastSeenAt)
}

func TestSelectForDispatchPrefersFreshestEligible(t *testing.T) {
	base := time.Now().UTC()
	svc, _ := newTestRegistry(t)
	svc.WithClock(func() time.Time { return base })
	tenantID := uuid.New()
	ctx := context.Background()

	stale := registerRuntime(t, svc, tenantID, RegisterRequest{DisplayName: "stale"})
	fresh := registerRuntime(t, svc, tenantID, RegisterRequest{DisplayName: "fresh"})
	offline := registerRuntime(t, svc, tenantID, RegisterRequest{DisplayName: "offline"})

	_, err := svc.Heartbeat(ctx, tenantID, stale.Runtime.ID, nil, nil)
	require.NoError(t, err)
	svc.WithClock(func() time.Time { return base.Add(time.Minute) })
	_, err = svc.Heartbeat(ctx, tenantID, fresh.Runtime.ID, nil, nil)
	require.NoError(t, err)
	offlineStatus := edge.RuntimeStatusOffline
	_, err = svc.Heartbeat(ctx, tenantID, offline.Runtime.ID, &offlineStatus, nil)
	require.NoError(t, err)

	picked, err := svc.SelectForDispatch(ctx, tenantID, "semantic_query_request", nil)
	require.NoError(t, err)
	assert.Equal(t, fresh.Runtime.ID, picked.ID)
}

func TestSelectForDispatchFiltersTagsAndCapabilities(t *testing.T) {
	svc, _ := newTestRegistry(t)
	tenantID := uuid.New()
	ctx := context.Background()

	tagged := registerRuntime(t, svc, tenantID, RegisterRequest{
		Tags:         []string{"eu-west", "gpu"},
		Capabilities: edge.Capabilities{MessageTypes: []string{"semantic_query_request"}},
	})
	registerRuntime(t, svc, tenantID, RegisterRequest{
		Tags:         []string{"us-east"},
		Capabilities: edge.Capabilities{MessageTypes: []string{"agent_chat_request"}},
	})

	picked, err := svc.SelectForDispatch(ctx, tenantID, "semantic_query_request", []string{"eu-west"})
	require.NoError(t, err)
	assert.Equal(t, tagged.Runtime.ID, picked.ID)

	_, err = svc.SelectForDispatch(ctx, tenantID, "semantic_query_request", []string{"ap-south"})
	assert.True(t, errors.Is(err, edge.ErrNoEligibleRuntime))

	_, err = svc.SelectForDispatch(ctx, tenantID, "copilot_dashboard_request", []string{"eu-west"})
	assert.True(t, errors.Is(err, edge.ErrNoEligibleRuntime), "capability list filters message types")
}

func TestSelectForDispatchEmptyCapabilitiesAcceptAll(t *testing.T) {
	svc, _ := newTestRegistry(t)
	tenantID := uuid.New()

	registered := registerRuntime(t, svc, tenantID, RegisterRequest{})
	picked, err := svc.SelectForDispatch(context.Background(), tenantID, "anything_at_all", nil)
	require.NoError(t, err)
	assert.Equal(t, registered.Runtime.ID, picked.ID)
}

func TestListInstancesScopedToTenant(t *testing.T) {
	svc, _ := newTestRegistry(t)
	tenantA := uuid.New()
	tenantB := uuid.New()
	registerRuntime(t, svc, tenantA, RegisterRequest{})
	registerRuntime(t, svc, tenantA, RegisterRequest{})
	registerRuntime(t, svc, tenantB, RegisterRequest{})

	instances, err := svc.ListInstances(context.Background(), tenantA)
	require.NoError(t, err)
	assert.Len(t, instances, 2)
	for _, rt := range instances {
		assert.Equal(t, tenantA, rt.TenantID)
	}
}
