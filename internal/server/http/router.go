package http

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"strato/internal/edge/dispatch"
	"strato/internal/edge/gateway"
	"strato/internal/edge/registry"
	"strato/internal/edge/token"
	"strato/internal/logging"
)

// RouterDeps carries the services the router wires to handlers.
type RouterDeps struct {
	Registry   *registry.Service
	Gateway    *gateway.Service
	Dispatcher *dispatch.Dispatcher
	Tokens     *token.Service
}

// RouterConfig carries the delivery-layer settings.
type RouterConfig struct {
	// AdminToken guards control-plane endpoints when non-empty.
	AdminToken string
}

// NewRouter creates the HTTP router with all endpoints.
func NewRouter(deps RouterDeps, cfg RouterConfig) http.Handler {
	logger := logging.NewComponentLogger("Router")

	runtimeHandler := NewRuntimeHandler(deps.Registry)
	taskHandler := NewTaskHandler(deps.Gateway, deps.Dispatcher)

	runtimeAuth := RuntimeAuthMiddleware(deps.Tokens)
	adminAuth := AdminAuthMiddleware(cfg.AdminToken)

	mux := http.NewServeMux()

	// ── Runtime lifecycle ──

	mux.Handle("POST /api/v1/runtimes/{tenant_id}/tokens", adminAuth(http.HandlerFunc(runtimeHandler.HandleCreateToken)))
	mux.Handle("POST /api/v1/runtimes/register", http.HandlerFunc(runtimeHandler.HandleRegister))
	mux.Handle("POST /api/v1/runtimes/heartbeat", runtimeAuth(http.HandlerFunc(runtimeHandler.HandleHeartbeat)))
	mux.Handle("POST /api/v1/runtimes/capabilities", runtimeAuth(http.HandlerFunc(runtimeHandler.HandleUpdateCapabilities)))
	mux.Handle("GET /api/v1/runtimes/{tenant_id}/instances", adminAuth(http.HandlerFunc(runtimeHandler.HandleListInstances)))

	// ── Worker task surface ──

	mux.Handle("POST /api/v1/edge/tasks/pull", runtimeAuth(http.HandlerFunc(taskHandler.HandlePull)))
	mux.Handle("POST /api/v1/edge/tasks/ack", runtimeAuth(http.HandlerFunc(taskHandler.HandleAck)))
	mux.Handle("POST /api/v1/edge/tasks/fail", runtimeAuth(http.HandlerFunc(taskHandler.HandleFail)))
	mux.Handle("POST /api/v1/edge/tasks/result", runtimeAuth(http.HandlerFunc(taskHandler.HandleResult)))

	// ── Control plane ──

	mux.Handle("GET /api/v1/edge/tasks/{tenant_id}/{task_id}", adminAuth(http.HandlerFunc(taskHandler.HandleGetTask)))
	mux.Handle("POST /api/v1/internal/dispatch", adminAuth(http.HandlerFunc(taskHandler.HandleDispatch)))

	// ── Operational ──

	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		if deps.Gateway != nil {
			if err := deps.Gateway.Ping(r.Context()); err != nil {
				logger.Error("Health check failed: %v", err)
				writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
				return
			}
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	mux.Handle("GET /metrics", promhttp.Handler())

	return LoggingMiddleware(logger)(mux)
}
