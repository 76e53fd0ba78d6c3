// Package config loads process configuration from the environment with an
// injectable lookup for tests. Values are normalized and clamped to their
// documented minimums at load time.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds every recognized option of the edge dispatch server.
type Config struct {
	// ListenAddr is the HTTP bind address.
	ListenAddr string

	// LogLevel selects the minimum log level (debug/info/warn/error).
	LogLevel string

	// DatabaseURL enables the Postgres stores; memory stores back the
	// process when empty.
	DatabaseURL string

	// DatabasePoolMaxConns caps the pgx pool size.
	DatabasePoolMaxConns int

	// RedisURL enables the redis lease index and stream fanout; the
	// in-process index backs the process when empty.
	RedisURL string

	// RedisPrefix namespaces every lease-index key (EDGE_REDIS_PREFIX).
	RedisPrefix string

	// JWTSecret signs runtime access tokens. EDGE_RUNTIME_JWT_SECRET falls
	// back to JWT_SECRET when unset.
	JWTSecret string

	// JWTAlg is the signing algorithm identifier (JWT_ALG), default HS256.
	JWTAlg string

	// AccessTokenTTL is the runtime access-token lifetime, minimum 60s.
	AccessTokenTTL time.Duration

	// RegistrationTokenTTL is the one-shot registration-token lifetime,
	// minimum 1 minute.
	RegistrationTokenTTL time.Duration

	// DefaultExecutionMode is the ExecutionRouter fallback.
	DefaultExecutionMode string

	// VisibilityTimeout is the worker-side default for pull.
	VisibilityTimeout time.Duration

	// RetryDelay is the worker-side default for fail.
	RetryDelay time.Duration

	// LeaseSweepInterval schedules the background expired-lease sweeper.
	LeaseSweepInterval time.Duration

	// EdgeEligibleMessageTypes lists the message types the dispatcher may
	// route to customer runtimes.
	EdgeEligibleMessageTypes []string

	// ResultStreams maps result message types to internal stream names,
	// parsed from "type=stream" pairs.
	ResultStreams map[string]string

	// AdminToken guards control-plane endpoints when set.
	AdminToken string
}

const (
	defaultListenAddr           = ":8089"
	defaultRedisPrefix          = "edge"
	defaultAccessTokenTTL       = time.Hour
	minAccessTokenTTL           = 60 * time.Second
	defaultRegistrationTokenTTL = 15 * time.Minute
	minRegistrationTokenTTL     = time.Minute
	defaultVisibilityTimeout    = 60 * time.Second
	defaultRetryDelay           = 5 * time.Second
	defaultLeaseSweepInterval   = 30 * time.Second
)

// DefaultResultStreams is the static message_type → stream mapping applied
// when EDGE_RESULT_STREAMS is unset.
var DefaultResultStreams = map[string]string{
	"semantic_query_result":    "internal.semantic-query-results",
	"agent_chat_message":       "internal.agent-chat-messages",
	"copilot_dashboard_result": "internal.copilot-dashboard-results",
}

// EnvLookup resolves one environment variable.
type EnvLookup func(key string) (string, bool)

// DefaultEnvLookup reads the process environment.
func DefaultEnvLookup(key string) (string, bool) {
	return os.LookupEnv(key)
}

type loadOptions struct {
	envLookup EnvLookup
}

// Option customises Load.
type Option func(*loadOptions)

// WithEnvLookup overrides the environment source; tests inject maps here.
func WithEnvLookup(lookup EnvLookup) Option {
	return func(o *loadOptions) { o.envLookup = lookup }
}

// Load builds the Config from the environment, applying defaults and
// minimum clamps.
func Load(opts ...Option) (Config, error) {
	options := loadOptions{envLookup: DefaultEnvLookup}
	for _, opt := range opts {
		opt(&options)
	}
	env := options.envLookup

	cfg := Config{
		ListenAddr:           defaultListenAddr,
		LogLevel:             "info",
		RedisPrefix:          defaultRedisPrefix,
		JWTAlg:               "HS256",
		AccessTokenTTL:       defaultAccessTokenTTL,
		RegistrationTokenTTL: defaultRegistrationTokenTTL,
		DefaultExecutionMode: "hosted",
		VisibilityTimeout:    defaultVisibilityTimeout,
		RetryDelay:           defaultRetryDelay,
		LeaseSweepInterval:   defaultLeaseSweepInterval,
		EdgeEligibleMessageTypes: []string{
			"semantic_query_request",
		},
		ResultStreams: DefaultResultStreams,
	}

	if v, ok := env("LISTEN_ADDR"); ok && strings.TrimSpace(v) != "" {
		cfg.ListenAddr = strings.TrimSpace(v)
	}
	if v, ok := env("LOG_LEVEL"); ok {
		cfg.LogLevel = strings.TrimSpace(v)
	}
	if v, ok := env("DATABASE_URL"); ok {
		cfg.DatabaseURL = strings.TrimSpace(v)
	}
	if n, err := intFromEnv(env, "DATABASE_POOL_MAX_CONNS"); err != nil {
		return Config{}, err
	} else if n > 0 {
		cfg.DatabasePoolMaxConns = n
	}
	if v, ok := env("REDIS_URL"); ok {
		cfg.RedisURL = strings.TrimSpace(v)
	}
	if v, ok := env("EDGE_REDIS_PREFIX"); ok && strings.TrimSpace(v) != "" {
		cfg.RedisPrefix = strings.TrimSpace(v)
	}

	// The edge-specific secret wins; the general secret is the fallback.
	if v, ok := env("EDGE_RUNTIME_JWT_SECRET"); ok && strings.TrimSpace(v) != "" {
		cfg.JWTSecret = strings.TrimSpace(v)
	} else if v, ok := env("JWT_SECRET"); ok {
		cfg.JWTSecret = strings.TrimSpace(v)
	}
	if v, ok := env("JWT_ALG"); ok && strings.TrimSpace(v) != "" {
		cfg.JWTAlg = strings.ToUpper(strings.TrimSpace(v))
	}

	if n, err := intFromEnv(env, "EDGE_RUNTIME_TOKEN_TTL_SECONDS"); err != nil {
		return Config{}, err
	} else if n > 0 {
		cfg.AccessTokenTTL = time.Duration(n) * time.Second
	}
	if cfg.AccessTokenTTL < minAccessTokenTTL {
		cfg.AccessTokenTTL = minAccessTokenTTL
	}

	if n, err := intFromEnv(env, "EDGE_RUNTIME_REGISTRATION_TOKEN_TTL_MINUTES"); err != nil {
		return Config{}, err
	} else if n > 0 {
		cfg.RegistrationTokenTTL = time.Duration(n) * time.Minute
	}
	if cfg.RegistrationTokenTTL < minRegistrationTokenTTL {
		cfg.RegistrationTokenTTL = minRegistrationTokenTTL
	}

	if v, ok := env("DEFAULT_EXECUTION_MODE"); ok && strings.TrimSpace(v) != "" {
		cfg.DefaultExecutionMode = strings.TrimSpace(v)
	}
	if n, err := intFromEnv(env, "EDGE_VISIBILITY_TIMEOUT_SECONDS"); err != nil {
		return Config{}, err
	} else if n > 0 {
		cfg.VisibilityTimeout = time.Duration(n) * time.Second
	}
	if n, err := intFromEnv(env, "EDGE_RETRY_DELAY_SECONDS"); err != nil {
		return Config{}, err
	} else if n >= 0 {
		if _, ok := env("EDGE_RETRY_DELAY_SECONDS"); ok {
			cfg.RetryDelay = time.Duration(n) * time.Second
		}
	}
	if n, err := intFromEnv(env, "EDGE_LEASE_SWEEP_SECONDS"); err != nil {
		return Config{}, err
	} else if n > 0 {
		cfg.LeaseSweepInterval = time.Duration(n) * time.Second
	}

	if v, ok := env("EDGE_ELIGIBLE_MESSAGE_TYPES"); ok && strings.TrimSpace(v) != "" {
		cfg.EdgeEligibleMessageTypes = splitList(v)
	}
	if v, ok := env("EDGE_RESULT_STREAMS"); ok && strings.TrimSpace(v) != "" {
		streams, err := parseStreamMap(v)
		if err != nil {
			return Config{}, err
		}
		cfg.ResultStreams = streams
	}
	if v, ok := env("ADMIN_TOKEN"); ok {
		cfg.AdminToken = strings.TrimSpace(v)
	}

	return cfg, nil
}

func intFromEnv(env EnvLookup, key string) (int, error) {
	v, ok := env(key)
	if !ok || strings.TrimSpace(v) == "" {
		return -1, nil
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		return 0, fmt.Errorf("invalid %s value %q: %w", key, v, err)
	}
	return n, nil
}

func splitList(v string) []string {
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func parseStreamMap(v string) (map[string]string, error) {
	out := make(map[string]string)
	for _, pair := range splitList(v) {
		key, value, found := strings.Cut(pair, "=")
		key, value = strings.TrimSpace(key), strings.TrimSpace(value)
		if !found || key == "" || value == "" {
			return nil, fmt.Errorf("invalid EDGE_RESULT_STREAMS entry %q (want type=stream)", pair)
		}
		out[key] = value
	}
	return out, nil
}
