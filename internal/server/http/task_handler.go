package http

import (
	"net/http"

	"github.com/google/uuid"

	"strato/internal/domain/edge"
	"strato/internal/edge/dispatch"
	"strato/internal/edge/gateway"
	"strato/internal/logging"
)

// TaskHandler serves the worker task surface (pull/ack/fail/result), the
// internal dispatch entry point and task inspection.
type TaskHandler struct {
	gateway    *gateway.Service
	dispatcher *dispatch.Dispatcher
	logger     logging.Logger
}

// NewTaskHandler constructs the task surface handler.
func NewTaskHandler(gw *gateway.Service, dispatcher *dispatch.Dispatcher) *TaskHandler {
	return &TaskHandler{
		gateway:    gw,
		dispatcher: dispatcher,
		logger:     logging.NewComponentLogger("TaskHandler"),
	}
}

// HandlePull long-polls for tasks and grants visibility leases.
// POST /api/v1/edge/tasks/pull
func (h *TaskHandler) HandlePull(w http.ResponseWriter, r *http.Request) {
	claims, ok := claimsFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "missing access token")
		return
	}
	var req gateway.PullRequest
	if r.ContentLength > 0 {
		if err := decodeJSON(r, &req); err != nil {
			writeMappedError(w, err)
			return
		}
	}
	resp, err := h.gateway.PullTasks(r.Context(), claims.TenantID, claims.RuntimeID, req)
	if err != nil {
		if r.Context().Err() != nil {
			// Client went away mid long-poll; nothing useful to write.
			return
		}
		writeMappedError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

type ackRequest struct {
	TaskID  uuid.UUID `json:"task_id"`
	LeaseID string    `json:"lease_id"`
}

type settleResponse struct {
	Accepted bool            `json:"accepted"`
	Status   edge.TaskStatus `json:"status"`
}

// HandleAck settles a leased task as completed.
// POST /api/v1/edge/tasks/ack
func (h *TaskHandler) HandleAck(w http.ResponseWriter, r *http.Request) {
	claims, ok := claimsFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "missing access token")
		return
	}
	var req ackRequest
	if err := decodeJSON(r, &req); err != nil {
		writeMappedError(w, err)
		return
	}
	if err := h.gateway.AckTask(r.Context(), claims.TenantID, claims.RuntimeID, req.TaskID, req.LeaseID); err != nil {
		writeMappedError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, settleResponse{Accepted: true, Status: edge.TaskStatusAcked})
}

type failRequest struct {
	TaskID            uuid.UUID `json:"task_id"`
	LeaseID           string    `json:"lease_id"`
	Error             string    `json:"error,omitempty"`
	RetryDelaySeconds *int      `json:"retry_delay_seconds,omitempty"`
}

// HandleFail reports a failed delivery; the task re-queues or dead-letters.
// POST /api/v1/edge/tasks/fail
func (h *TaskHandler) HandleFail(w http.ResponseWriter, r *http.Request) {
	claims, ok := claimsFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "missing access token")
		return
	}
	var req failRequest
	if err := decodeJSON(r, &req); err != nil {
		writeMappedError(w, err)
		return
	}
	status, err := h.gateway.FailTask(r.Context(), claims.TenantID, claims.RuntimeID, req.TaskID, req.LeaseID, req.Error, req.RetryDelaySeconds)
	if err != nil {
		writeMappedError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, settleResponse{Accepted: true, Status: status})
}

// HandleResult ingests a result submission idempotently by request_id.
// POST /api/v1/edge/tasks/result
func (h *TaskHandler) HandleResult(w http.ResponseWriter, r *http.Request) {
	claims, ok := claimsFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "missing access token")
		return
	}
	var req gateway.ResultRequest
	if err := decodeJSON(r, &req); err != nil {
		writeMappedError(w, err)
		return
	}
	resp, err := h.gateway.IngestResult(r.Context(), claims.TenantID, claims.RuntimeID, req)
	if err != nil {
		writeMappedError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// HandleGetTask exposes the durable task record for inspection.
// GET /api/v1/edge/tasks/{tenant_id}/{task_id}
func (h *TaskHandler) HandleGetTask(w http.ResponseWriter, r *http.Request) {
	tenantID, err := pathUUID(r, "tenant_id")
	if err != nil {
		writeMappedError(w, err)
		return
	}
	taskID, err := pathUUID(r, "task_id")
	if err != nil {
		writeMappedError(w, err)
		return
	}
	task, err := h.gateway.GetTask(r.Context(), tenantID, taskID)
	if err != nil {
		writeMappedError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

type dispatchRequest struct {
	TenantID     uuid.UUID            `json:"tenant_id"`
	Envelope     edge.MessageEnvelope `json:"envelope"`
	RequiredTags []string             `json:"required_tags,omitempty"`
}

// HandleDispatch routes an internal message per the tenant's execution mode.
// POST /api/v1/internal/dispatch
func (h *TaskHandler) HandleDispatch(w http.ResponseWriter, r *http.Request) {
	var req dispatchRequest
	if err := decodeJSON(r, &req); err != nil {
		writeMappedError(w, err)
		return
	}
	result, err := h.dispatcher.Dispatch(r.Context(), req.TenantID, req.Envelope, req.RequiredTags)
	if err != nil {
		writeMappedError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}
