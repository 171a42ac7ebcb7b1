package orchestration

// Polling API for background runs:
//   - POST /api/v1/flows                   start a run
//   - GET  /api/v1/flows/{id}              job snapshot
//   - GET  /api/v1/flows/{id}/events?since job events with seq > since

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/itsneelabh/agentloop/core"
	"github.com/itsneelabh/agentloop/telemetry"
)

const flowsPath = "/api/v1/flows"

// FlowService is the job store surface used by the HTTP handlers.
type FlowService interface {
	StartFlow(ctx context.Context, req RunRequest) (*FlowHandle, error)
	GetJob(ctx context.Context, flowID string) (*PollingJob, error)
	GetEvents(ctx context.Context, flowID string, since int64) (*EventPage, error)
}

// FlowAPIHandler provides HTTP handlers for polling clients.
type FlowAPIHandler struct {
	flows  FlowService
	logger core.Logger
}

// NewFlowAPIHandler creates a new flow API handler.
func NewFlowAPIHandler(flows FlowService, logger core.Logger) *FlowAPIHandler {
	return &FlowAPIHandler{
		flows:  flows,
		logger: core.ComponentLogger(logger, "agentloop/orchestration"),
	}
}

// FlowStartRequest is the request body for starting a run.
type FlowStartRequest struct {
	Message      string         `json:"message"`
	UserID       string         `json:"user_id,omitempty"`
	SystemPrompt string         `json:"system_prompt,omitempty"`
	History      []core.Message `json:"history,omitempty"`
}

// FlowStartResponse is returned with 202 Accepted.
type FlowStartResponse struct {
	FlowID    string    `json:"flow_id"`
	MessageID string    `json:"message_id"`
	Status    JobStatus `json:"status"`
	StatusURL string    `json:"status_url"`
	EventsURL string    `json:"events_url"`
}

// ErrorResponse is a standard error response.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

// HandleStart handles POST /api/v1/flows.
func (h *FlowAPIHandler) HandleStart(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req FlowStartRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid request body", "INVALID_REQUEST")
		return
	}
	if strings.TrimSpace(req.Message) == "" {
		h.writeError(w, http.StatusBadRequest, "message is required", "MISSING_MESSAGE")
		return
	}

	handle, err := h.flows.StartFlow(ctx, RunRequest{
		Question:     req.Message,
		UserID:       req.UserID,
		History:      req.History,
		SystemPrompt: req.SystemPrompt,
	})
	if err != nil {
		h.logger.ErrorWithContext(ctx, "Failed to start flow", map[string]interface{}{
			"operation": "flow_start",
			"error":     err.Error(),
		})
		h.writeError(w, http.StatusInternalServerError, "failed to start flow", "STORE_ERROR")
		return
	}

	tc := telemetry.GetTraceContext(ctx)
	h.logger.InfoWithContext(ctx, "Flow accepted", map[string]interface{}{
		"operation": "flow_start",
		"flow_id":   handle.FlowID,
		"user_id":   req.UserID,
		"trace_id":  tc.TraceID,
	})

	h.writeJSON(ctx, w, http.StatusAccepted, FlowStartResponse{
		FlowID:    handle.FlowID,
		MessageID: handle.MessageID,
		Status:    JobPending,
		StatusURL: fmt.Sprintf("%s/%s", flowsPath, handle.FlowID),
		EventsURL: fmt.Sprintf("%s/%s/events", flowsPath, handle.FlowID),
	})
}

// HandleGetFlow handles GET /api/v1/flows/{id}.
func (h *FlowAPIHandler) HandleGetFlow(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	flowID := extractFlowID(r.URL.Path)
	if flowID == "" {
		h.writeError(w, http.StatusBadRequest, "flow ID is required", "MISSING_FLOW_ID")
		return
	}

	job, err := h.flows.GetJob(ctx, flowID)
	if err != nil {
		h.storeError(ctx, w, flowID, err)
		return
	}
	h.writeJSON(ctx, w, http.StatusOK, job)
}

// HandleGetEvents handles GET /api/v1/flows/{id}/events?since=N.
func (h *FlowAPIHandler) HandleGetEvents(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	flowID := extractFlowID(r.URL.Path)
	if flowID == "" {
		h.writeError(w, http.StatusBadRequest, "flow ID is required", "MISSING_FLOW_ID")
		return
	}

	var since int64
	if raw := r.URL.Query().Get("since"); raw != "" {
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || n < 0 {
			h.writeError(w, http.StatusBadRequest, "since must be a non-negative integer", "INVALID_SINCE")
			return
		}
		since = n
	}

	page, err := h.flows.GetEvents(ctx, flowID, since)
	if err != nil {
		h.storeError(ctx, w, flowID, err)
		return
	}
	h.writeJSON(ctx, w, http.StatusOK, page)
}

// HandleHealth reports liveness.
func (h *FlowAPIHandler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(r.Context(), w, http.StatusOK, map[string]string{"status": "healthy"})
}

// RegisterRoutes registers the polling routes and /health with mux.
func (h *FlowAPIHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc(flowsPath, func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			h.HandleStart(w, r)
			return
		}
		h.writeError(w, http.StatusMethodNotAllowed, "method not allowed", "METHOD_NOT_ALLOWED")
	})

	mux.HandleFunc(flowsPath+"/", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			h.writeError(w, http.StatusMethodNotAllowed, "method not allowed", "METHOD_NOT_ALLOWED")
			return
		}
		if strings.HasSuffix(strings.TrimSuffix(r.URL.Path, "/"), "/events") {
			h.HandleGetEvents(w, r)
			return
		}
		h.HandleGetFlow(w, r)
	})

	mux.HandleFunc("/health", h.HandleHealth)
}

// extractFlowID returns the segment after /api/v1/flows/.
func extractFlowID(path string) string {
	prefix := flowsPath + "/"
	if !strings.HasPrefix(path, prefix) {
		return ""
	}
	id := strings.TrimPrefix(path, prefix)
	if idx := strings.Index(id, "/"); idx >= 0 {
		id = id[:idx]
	}
	return id
}

func (h *FlowAPIHandler) storeError(ctx context.Context, w http.ResponseWriter, flowID string, err error) {
	if errors.Is(err, core.ErrJobNotFound) {
		h.writeError(w, http.StatusNotFound, "flow not found", "FLOW_NOT_FOUND")
		return
	}
	h.logger.ErrorWithContext(ctx, "Failed to read flow", map[string]interface{}{
		"operation": "flow_read",
		"flow_id":   flowID,
		"error":     err.Error(),
	})
	h.writeError(w, http.StatusInternalServerError, "failed to read flow", "STORE_ERROR")
}

func (h *FlowAPIHandler) writeJSON(ctx context.Context, w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		h.logger.ErrorWithContext(ctx, "Failed to encode response", map[string]interface{}{
			"operation": "flow_response",
			"error":     err.Error(),
		})
	}
}

// writeError writes a JSON error response.
func (h *FlowAPIHandler) writeError(w http.ResponseWriter, status int, message, code string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(ErrorResponse{Error: message, Code: code})
}
