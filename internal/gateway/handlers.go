package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/haasonsaas/strand/internal/agent"
	"github.com/haasonsaas/strand/internal/bus"
	"github.com/haasonsaas/strand/internal/dispatch"
	"github.com/haasonsaas/strand/internal/runs"
	"github.com/haasonsaas/strand/internal/state"
	"github.com/haasonsaas/strand/internal/stream"
	"github.com/haasonsaas/strand/pkg/models"
)

// maxRequestBody caps inbound request envelopes at 4 MiB.
const maxRequestBody = 4 << 20

// defaultListLimit applies when a list request does not set one.
const defaultListLimit = 50

// handleAgents routes /v1/agents/{id}/... calls.
func (s *Server) handleAgents(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/v1/agents/")
	parts := strings.Split(path, "/")
	agentID := parts[0]
	if agentID == "" {
		s.jsonError(w, "agent id required", http.StatusBadRequest)
		return
	}

	switch {
	case len(parts) == 2 && parts[1] == "stream":
		if r.Method != http.MethodPost {
			s.jsonError(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		s.handleAgentStream(w, r, agentID)
	case len(parts) == 3 && parts[1] == "chat" && parts[2] == "completions":
		if r.Method != http.MethodPost {
			s.jsonError(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		s.handleChatCompletions(w, r, agentID)
	default:
		s.jsonError(w, "not found", http.StatusNotFound)
	}
}

// handleAgentStream starts a run and streams it back as native SSE.
func (s *Server) handleAgentStream(w http.ResponseWriter, r *http.Request, agentID string) {
	req, err := decodeStreamRequest(r)
	if err != nil {
		s.jsonError(w, err.Error(), http.StatusBadRequest)
		return
	}

	run, frames, err := s.dispatcher.CreateAgentStream(r.Context(), agentID, actorFrom(r), req, dispatch.RunTypeStream)
	if err != nil {
		s.dispatchError(w, r, err)
		return
	}
	s.serveSSE(w, r, run, frames)
}

// handleChatCompletions starts a run and streams it back as OpenAI
// chat.completion.chunk frames. The request envelope is the native one;
// only the output format changes.
func (s *Server) handleChatCompletions(w http.ResponseWriter, r *http.Request, agentID string) {
	req, err := decodeStreamRequest(r)
	if err != nil {
		s.jsonError(w, err.Error(), http.StatusBadRequest)
		return
	}

	run, frames, err := s.dispatcher.CreateAgentStreamOpenAI(r.Context(), agentID, actorFrom(r), req)
	if err != nil {
		s.dispatchError(w, r, err)
		return
	}
	s.serveSSE(w, r, run, frames)
}

// handleRunList handles GET /v1/runs?agent_id=.
func (s *Server) handleRunList(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.jsonError(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	agentID := r.URL.Query().Get("agent_id")
	if agentID == "" {
		s.jsonError(w, "agent_id is required", http.StatusBadRequest)
		return
	}
	limit := parseIntParam(r, "limit", defaultListLimit)

	records, err := s.runs.ListByAgent(r.Context(), agentID, limit)
	if err != nil {
		s.dispatchError(w, r, err)
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]any{"runs": records})
}

// handleRuns routes /v1/runs/{id}/... calls.
func (s *Server) handleRuns(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/v1/runs/")
	parts := strings.Split(path, "/")
	runID := parts[0]
	if runID == "" {
		s.jsonError(w, "run id required", http.StatusBadRequest)
		return
	}

	switch {
	case len(parts) == 1:
		if r.Method != http.MethodGet {
			s.jsonError(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		s.handleRunGet(w, r, runID)
	case len(parts) == 2 && parts[1] == "stream":
		if r.Method != http.MethodGet {
			s.jsonError(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		s.handleRunAttach(w, r, runID)
	case len(parts) == 2 && parts[1] == "ws":
		if r.Method != http.MethodGet {
			s.jsonError(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		s.handleRunWS(w, r, runID)
	case len(parts) == 2 && parts[1] == "cancel":
		if r.Method != http.MethodPost {
			s.jsonError(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		s.handleRunCancel(w, r, runID)
	default:
		s.jsonError(w, "not found", http.StatusNotFound)
	}
}

// handleRunGet returns one run record.
func (s *Server) handleRunGet(w http.ResponseWriter, r *http.Request, runID string) {
	run, err := s.runs.Get(r.Context(), runID)
	if err != nil {
		s.dispatchError(w, r, err)
		return
	}
	s.respondJSON(w, http.StatusOK, run)
}

// handleRunAttach replays a background run's stream as SSE. Foreground
// runs have no bus history and yield an immediately-closed stream.
func (s *Server) handleRunAttach(w http.ResponseWriter, r *http.Request, runID string) {
	run, frames, err := s.dispatcher.AttachRun(r.Context(), runID)
	if err != nil {
		s.dispatchError(w, r, err)
		return
	}
	s.serveSSE(w, r, run, frames)
}

// handleRunCancel requests out-of-band cancellation. The response is the
// run as observed after the request; a running run may still be running
// until the loop reaches its next suspension point.
func (s *Server) handleRunCancel(w http.ResponseWriter, r *http.Request, runID string) {
	var body struct {
		Reason string `json:"reason"`
	}
	if r.Body != nil {
		_ = json.NewDecoder(io.LimitReader(r.Body, maxRequestBody)).Decode(&body)
	}
	if body.Reason == "" {
		body.Reason = "api_request"
	}

	run, err := s.runs.Cancel(r.Context(), runID, body.Reason)
	if err != nil {
		s.dispatchError(w, r, err)
		return
	}
	s.respondJSON(w, http.StatusOK, run)
}

// serveSSE drains a frame channel into the response. The run id rides the
// X-Run-ID header so clients can cancel or re-attach mid-stream.
func (s *Server) serveSSE(w http.ResponseWriter, r *http.Request, run *models.Run, frames <-chan bus.Frame) {
	w.Header().Set("X-Run-ID", run.ID)
	writer, err := stream.NewWriter(w)
	if err != nil {
		s.jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if err := writer.Drain(r.Context(), frames); err != nil {
		s.logger.Debug(r.Context(), "stream ended early",
			"run_id", run.ID, "error", err)
	}
}

// decodeStreamRequest parses the client request envelope.
func decodeStreamRequest(r *http.Request) (*models.StreamRequest, error) {
	var req models.StreamRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxRequestBody)).Decode(&req); err != nil {
		return nil, fmt.Errorf("invalid request body: %w", err)
	}
	return &req, nil
}

// actorFrom identifies the caller for message attribution. Static bearer
// auth carries no identity, so the actor is whatever the client declares.
func actorFrom(r *http.Request) string {
	return strings.TrimSpace(r.Header.Get("X-Actor"))
}

// dispatchError maps pipeline errors onto HTTP statuses.
func (s *Server) dispatchError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, agent.ErrNoMessages):
		s.jsonError(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, agent.ErrPendingApproval):
		s.jsonError(w, err.Error(), http.StatusConflict)
	case errors.Is(err, state.ErrNotFound), errors.Is(err, runs.ErrNotFound):
		s.jsonError(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, dispatch.ErrBusUnavailable):
		s.jsonError(w, err.Error(), http.StatusServiceUnavailable)
	default:
		s.logger.Error(r.Context(), "request failed", "path", r.URL.Path, "error", err)
		s.jsonError(w, err.Error(), http.StatusInternalServerError)
	}
}

// respondJSON sends a JSON response.
func (s *Server) respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// jsonError writes a JSON error response.
func (s *Server) jsonError(w http.ResponseWriter, message string, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": message})
}

// parseIntParam reads an integer query parameter with a default.
func parseIntParam(r *http.Request, name string, fallback int) int {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 {
		return fallback
	}
	return n
}
