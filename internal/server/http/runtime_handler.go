package http

import (
	"net/http"
	"time"

	"strato/internal/domain/edge"
	"strato/internal/edge/registry"
	"strato/internal/logging"
)

// RuntimeHandler serves registration-token issuance, registration,
// heartbeats, capability updates and instance listing.
type RuntimeHandler struct {
	registry *registry.Service
	logger   logging.Logger
}

// NewRuntimeHandler constructs the runtime lifecycle handler.
func NewRuntimeHandler(reg *registry.Service) *RuntimeHandler {
	return &RuntimeHandler{
		registry: reg,
		logger:   logging.NewComponentLogger("RuntimeHandler"),
	}
}

type createTokenRequest struct {
	CreatedByUserID string `json:"created_by_user_id"`
}

// HandleCreateToken mints a one-shot registration token for the tenant.
// POST /api/v1/runtimes/{tenant_id}/tokens
func (h *RuntimeHandler) HandleCreateToken(w http.ResponseWriter, r *http.Request) {
	tenantID, err := pathUUID(r, "tenant_id")
	if err != nil {
		writeMappedError(w, err)
		return
	}
	var req createTokenRequest
	if r.ContentLength > 0 {
		if err := decodeJSON(r, &req); err != nil {
			writeMappedError(w, err)
			return
		}
	}
	created, err := h.registry.CreateRegistrationToken(r.Context(), tenantID, req.CreatedByUserID)
	if err != nil {
		writeMappedError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

type registerRequest struct {
	RegistrationToken string `json:"registration_token"`
	registry.RegisterRequest
}

// HandleRegister exchanges a registration token for a runtime identity.
// POST /api/v1/runtimes/register
func (h *RuntimeHandler) HandleRegister(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := decodeJSON(r, &req); err != nil {
		writeMappedError(w, err)
		return
	}
	registered, err := h.registry.Register(r.Context(), req.RegistrationToken, req.RegisterRequest)
	if err != nil {
		writeMappedError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, registered)
}

type heartbeatRequest struct {
	Status   *edge.RuntimeStatus `json:"status,omitempty"`
	Metadata map[string]string   `json:"metadata,omitempty"`
}

// HandleHeartbeat bumps last_seen_at and rotates the access token. The
// runtime identity comes from the verified token claims.
// POST /api/v1/runtimes/heartbeat
func (h *RuntimeHandler) HandleHeartbeat(w http.ResponseWriter, r *http.Request) {
	claims, ok := claimsFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "missing access token")
		return
	}
	var req heartbeatRequest
	if r.ContentLength > 0 {
		if err := decodeJSON(r, &req); err != nil {
			writeMappedError(w, err)
			return
		}
	}
	result, err := h.registry.Heartbeat(r.Context(), claims.TenantID, claims.RuntimeID, req.Status, req.Metadata)
	if err != nil {
		writeMappedError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

type capabilitiesRequest struct {
	Tags         []string          `json:"tags"`
	Capabilities edge.Capabilities `json:"capabilities"`
}

type capabilitiesResponse struct {
	Accepted  bool      `json:"accepted"`
	UpdatedAt time.Time `json:"updated_at"`
}

// HandleUpdateCapabilities replaces the runtime's tags and capability set.
// POST /api/v1/runtimes/capabilities
func (h *RuntimeHandler) HandleUpdateCapabilities(w http.ResponseWriter, r *http.Request) {
	claims, ok := claimsFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "missing access token")
		return
	}
	var req capabilitiesRequest
	if err := decodeJSON(r, &req); err != nil {
		writeMappedError(w, err)
		return
	}
	runtime, err := h.registry.UpdateCapabilities(r.Context(), claims.TenantID, claims.RuntimeID, req.Tags, req.Capabilities)
	if err != nil {
		writeMappedError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, capabilitiesResponse{Accepted: true, UpdatedAt: runtime.UpdatedAt})
}

type instancesResponse struct {
	Instances []*edge.Runtime `json:"instances"`
}

// HandleListInstances lists the tenant's runtimes, freshest heartbeat first.
// GET /api/v1/runtimes/{tenant_id}/instances
func (h *RuntimeHandler) HandleListInstances(w http.ResponseWriter, r *http.Request) {
	tenantID, err := pathUUID(r, "tenant_id")
	if err != nil {
		writeMappedError(w, err)
		return
	}
	instances, err := h.registry.ListInstances(r.Context(), tenantID)
	if err != nil {
		writeMappedError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, instancesResponse{Instances: instances})
}
