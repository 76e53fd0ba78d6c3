package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mapLookup(values map[string]string) EnvLookup {
	return func(key string) (string, bool) {
		v, ok := values[key]
		return v, ok
	}
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(WithEnvLookup(mapLookup(nil)))
	require.NoError(t, err)

	assert.Equal(t, ":8089", cfg.ListenAddr)
	assert.Equal(t, "edge", cfg.RedisPrefix)
	assert.Equal(t, "HS256", cfg.JWTAlg)
	assert.Equal(t, time.Hour, cfg.AccessTokenTTL)
	assert.Equal(t, 15*time.Minute, cfg.RegistrationTokenTTL)
	assert.Equal(t, "hosted", cfg.DefaultExecutionMode)
	assert.Equal(t, []string{"semantic_query_request"}, cfg.EdgeEligibleMessageTypes)
	assert.Equal(t, DefaultResultStreams, cfg.ResultStreams)
}

func TestLoadJWTSecretFallback(t *testing.T) {
	cfg, err := Load(WithEnvLookup(mapLookup(map[string]string{
		"JWT_SECRET": "general",
	})))
	require.NoError(t, err)
	assert.Equal(t, "general", cfg.JWTSecret)

	cfg, err = Load(WithEnvLookup(mapLookup(map[string]string{
		"JWT_SECRET":              "general",
		"EDGE_RUNTIME_JWT_SECRET": "edge-specific",
	})))
	require.NoError(t, err)
	assert.Equal(t, "edge-specific", cfg.JWTSecret)
}

func TestLoadTTLClamps(t *testing.T) {
	cfg, err := Load(WithEnvLookup(mapLookup(map[string]string{
		"EDGE_RUNTIME_TOKEN_TTL_SECONDS":              "10",
		"EDGE_RUNTIME_REGISTRATION_TOKEN_TTL_MINUTES": "0",
	})))
	require.NoError(t, err)
	assert.Equal(t, 60*time.Second, cfg.AccessTokenTTL, "access token TTL clamps to 60s")
	assert.Equal(t, 15*time.Minute, cfg.RegistrationTokenTTL, "zero keeps the default")

	cfg, err = Load(WithEnvLookup(mapLookup(map[string]string{
		"EDGE_RUNTIME_TOKEN_TTL_SECONDS":              "7200",
		"EDGE_RUNTIME_REGISTRATION_TOKEN_TTL_MINUTES": "5",
	})))
	require.NoError(t, err)
	assert.Equal(t, 2*time.Hour, cfg.AccessTokenTTL)
	assert.Equal(t, 5*time.Minute, cfg.RegistrationTokenTTL)
}

func TestLoadInvalidInt(t *testing.T) {
	_, err := Load(WithEnvLookup(mapLookup(map[string]string{
		"EDGE_RUNTIME_TOKEN_TTL_SECONDS": "not-a-number",
	})))
	require.Error(t, err)
}

func TestLoadRetryDelayZeroIsRespected(t *testing.T) {
	cfg, err := Load(WithEnvLookup(mapLookup(map[string]string{
		"EDGE_RETRY_DELAY_SECONDS": "0",
	})))
	require.NoError(t, err)
	assert.Equal(t, time.Duration(0), cfg.RetryDelay)
}

func TestLoadStreamMap(t *testing.T) {
	cfg, err := Load(WithEnvLookup(mapLookup(map[string]string{
		"EDGE_RESULT_STREAMS": "semantic_query_result=streams.sq, audit_event=streams.audit",
	})))
	require.NoError(t, err)
	assert.Equal(t, map[string]string{
		"semantic_query_result": "streams.sq",
		"audit_event":           "streams.audit",
	}, cfg.ResultStreams)

	_, err = Load(WithEnvLookup(mapLookup(map[string]string{
		"EDGE_RESULT_STREAMS": "missing-equals",
	})))
	require.Error(t, err)
}

func TestLoadEligibleTypes(t *testing.T) {
	cfg, err := Load(WithEnvLookup(mapLookup(map[string]string{
		"EDGE_ELIGIBLE_MESSAGE_TYPES": "semantic_query_request, agent_chat_request",
	})))
	require.NoError(t, err)
	assert.Equal(t, []string{"semantic_query_request", "agent_chat_request"}, cfg.EdgeEligibleMessageTypes)
}
