// strato-edge is the edge task dispatch server: runtime registry, per-runtime
// task queues with visibility leases, result ingestion and execution routing.
package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/robfig/cron/v3"

	"strato/internal/async"
	"strato/internal/config"
	"strato/internal/domain/edge"
	"strato/internal/edge/dispatch"
	"strato/internal/edge/gateway"
	"strato/internal/edge/registry"
	"strato/internal/edge/token"
	"strato/internal/infra/edgestore"
	"strato/internal/infra/fanout"
	"strato/internal/infra/leaseindex"
	"strato/internal/logging"
	serverHTTP "strato/internal/server/http"
)

func main() {
	logger := logging.NewComponentLogger("Main")

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	logging.SetDefaultLevel(logging.ParseLevel(cfg.LogLevel))
	logger.Info("Starting strato-edge on %s", cfg.ListenAddr)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	deps, cleanup, err := buildDependencies(ctx, cfg)
	if err != nil {
		log.Fatalf("Failed to initialize: %v", err)
	}
	defer cleanup()

	if err := deps.gateway.RebuildIndex(ctx); err != nil {
		log.Fatalf("Failed to rebuild lease index: %v", err)
	}

	scheduler := cron.New()
	sweepSpec := fmt.Sprintf("@every %s", cfg.LeaseSweepInterval)
	if _, err := scheduler.AddFunc(sweepSpec, func() {
		async.Go(logger, "lease-sweep", func() {
			sweepCtx, cancel := context.WithTimeout(context.Background(), cfg.LeaseSweepInterval)
			defer cancel()
			if err := deps.gateway.Sweep(sweepCtx); err != nil {
				logger.Error("Lease sweep failed: %v", err)
			}
		})
	}); err != nil {
		log.Fatalf("Failed to schedule lease sweeper: %v", err)
	}
	scheduler.Start()
	defer scheduler.Stop()

	router := serverHTTP.NewRouter(serverHTTP.RouterDeps{
		Registry:   deps.registry,
		Gateway:    deps.gateway,
		Dispatcher: deps.dispatcher,
		Tokens:     deps.tokens,
	}, serverHTTP.RouterConfig{AdminToken: cfg.AdminToken})

	srv := &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 90 * time.Second, // must outlast the 60s long-poll cap
		IdleTimeout:  120 * time.Second,
		ErrorLog:     logging.StdLogger(logger),
	}

	go func() {
		logger.Info("Server listening on %s", cfg.ListenAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server error: %v", err)
		}
	}()

	<-ctx.Done()
	logger.Info("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Fatalf("Server forced to shutdown: %v", err)
	}
	logger.Info("Server stopped")
}

type dependencies struct {
	registry   *registry.Service
	gateway    *gateway.Service
	dispatcher *dispatch.Dispatcher
	tokens     *token.Service
}

// buildDependencies wires the store, index and fanout backends. Postgres and
// redis are each optional: without DATABASE_URL the in-memory stores serve,
// without REDIS_URL the in-process index and publisher do.
func buildDependencies(ctx context.Context, cfg config.Config) (*dependencies, func(), error) {
	logger := logging.NewComponentLogger("Bootstrap")
	cleanups := make([]func(), 0, 2)
	cleanup := func() {
		for i := len(cleanups) - 1; i >= 0; i-- {
			cleanups[i]()
		}
	}

	tokens, err := token.NewService(cfg.JWTSecret, cfg.JWTAlg, cfg.AccessTokenTTL)
	if err != nil {
		return nil, cleanup, fmt.Errorf("token service: %w", err)
	}

	var (
		registryStore edge.RegistryStore
		taskStore     edge.TaskStore
		receiptStore  edge.ReceiptStore
		outboxStore   edge.OutboxStore
		settingsStore edge.TenantEnvStore
	)
	if cfg.DatabaseURL != "" {
		poolCfg, err := pgxpool.ParseConfig(cfg.DatabaseURL)
		if err != nil {
			return nil, cleanup, fmt.Errorf("parse DATABASE_URL: %w", err)
		}
		if cfg.DatabasePoolMaxConns > 0 {
			poolCfg.MaxConns = int32(cfg.DatabasePoolMaxConns)
		}
		pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
		if err != nil {
			return nil, cleanup, fmt.Errorf("connect postgres: %w", err)
		}
		cleanups = append(cleanups, pool.Close)

		pgRegistry := edgestore.NewPostgresRegistryStore(pool)
		pgTasks := edgestore.NewPostgresTaskStore(pool)
		pgReceipts := edgestore.NewPostgresReceiptStore(pool)
		pgOutbox := edgestore.NewPostgresOutboxStore(pool)
		pgSettings := edgestore.NewPostgresTenantEnvStore(pool)
		for _, ensure := range []func(context.Context) error{
			pgRegistry.EnsureSchema,
			pgTasks.EnsureSchema,
			pgReceipts.EnsureSchema,
			pgOutbox.EnsureSchema,
			pgSettings.EnsureSchema,
		} {
			if err := ensure(ctx); err != nil {
				return nil, cleanup, err
			}
		}
		registryStore, taskStore, receiptStore, outboxStore, settingsStore =
			pgRegistry, pgTasks, pgReceipts, pgOutbox, pgSettings
		logger.Info("Using postgres stores")
	} else {
		registryStore = edgestore.NewMemoryRegistryStore()
		taskStore = edgestore.NewMemoryTaskStore()
		receiptStore = edgestore.NewMemoryReceiptStore()
		outboxStore = edgestore.NewMemoryOutboxStore()
		settingsStore = edgestore.NewMemoryTenantEnvStore()
		logger.Warn("DATABASE_URL not set, using in-memory stores (state is lost on restart)")
	}

	var (
		index     edge.LeaseIndex
		publisher edge.ResultPublisher
	)
	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return nil, cleanup, fmt.Errorf("parse REDIS_URL: %w", err)
		}
		client := redis.NewClient(opts)
		if err := client.Ping(ctx).Err(); err != nil {
			return nil, cleanup, fmt.Errorf("connect redis: %w", err)
		}
		cleanups = append(cleanups, func() { _ = client.Close() })
		index = leaseindex.NewRedis(client, cfg.RedisPrefix)
		publisher = fanout.NewRedisPublisher(client, cfg.ResultStreams)
		logger.Info("Using redis lease index and stream fanout (prefix %s)", cfg.RedisPrefix)
	} else {
		index = leaseindex.NewMemory()
		publisher = fanout.NewMemoryPublisher(cfg.ResultStreams)
		logger.Warn("REDIS_URL not set, using in-process lease index and fanout")
	}

	reg := registry.NewService(registryStore, tokens, cfg.RegistrationTokenTTL)
	gw := gateway.NewService(taskStore, index, receiptStore, publisher, cfg.VisibilityTimeout, cfg.RetryDelay)
	router := dispatch.NewExecutionRouter(settingsStore, edge.ParseExecutionMode(cfg.DefaultExecutionMode))
	dispatcher := dispatch.NewDispatcher(router, reg, gw, outboxStore, cfg.EdgeEligibleMessageTypes)

	return &dependencies{
		registry:   reg,
		gateway:    gw,
		dispatcher: dispatcher,
		tokens:     tokens,
	}, cleanup, nil
}
