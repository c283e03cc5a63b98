package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/kelgrand/agentstream/internal/agents"
	"github.com/kelgrand/agentstream/internal/hub"
	"github.com/kelgrand/agentstream/internal/metrics"
	"github.com/kelgrand/agentstream/internal/state"
)

type Server struct {
	Store     *state.Store
	Hub       *hub.Hub
	Agents    *agents.Manager
	StartedAt time.Time
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/api/health", s.handleHealth)
	mux.HandleFunc("/api/agents", s.handleAgents)
	mux.HandleFunc("/api/agents/", s.handleAgentItem)
	mux.HandleFunc("/api/ws", s.handleWS)
	mux.Handle("/metrics", metrics.Handler())

	return mux
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":        "ok",
		"time":          time.Now().UTC(),
		"active_agents": s.Agents.ActiveCount(),
	})
}

func (s *Server) handleAgents(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		limit := parseInt(r.URL.Query().Get("limit"), 50)
		items, err := s.Store.ListAgents(r.Context(), limit)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		writeJSON(w, http.StatusOK, items)
	case http.MethodPost:
		var spec agents.StartSpec
		if err := decodeJSON(r.Body, &spec); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		agent, err := s.Agents.Start(r.Context(), spec)
		if err != nil {
			writeError(w, statusFor(err, http.StatusBadRequest), err)
			return
		}
		writeJSON(w, http.StatusCreated, agent)
	default:
		writeMethodNotAllowed(w)
	}
}

func (s *Server) handleAgentItem(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/api/agents/")
	segments := strings.Split(strings.Trim(path, "/"), "/")
	if len(segments) == 0 || segments[0] == "" {
		writeError(w, http.StatusNotFound, errNotFound("agent"))
		return
	}
	agentID := segments[0]

	if len(segments) == 1 {
		switch r.Method {
		case http.MethodGet:
			agent, err := s.Store.GetAgent(r.Context(), agentID)
			if err != nil {
				writeError(w, statusFor(err, http.StatusInternalServerError), err)
				return
			}
			writeJSON(w, http.StatusOK, agent)
		case http.MethodDelete:
			if err := s.Agents.Delete(r.Context(), agentID); err != nil {
				writeError(w, statusFor(err, http.StatusInternalServerError), err)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		default:
			writeMethodNotAllowed(w)
		}
		return
	}

	switch segments[1] {
	case "terminate":
		s.handleTerminate(w, r, agentID)
	case "messages":
		s.handleMessages(w, r, agentID)
	default:
		writeError(w, http.StatusNotFound, errNotFound("agent action"))
	}
}

func (s *Server) handleTerminate(w http.ResponseWriter, r *http.Request, agentID string) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w)
		return
	}
	if err := s.Agents.Terminate(r.Context(), agentID); err != nil {
		writeError(w, statusFor(err, http.StatusInternalServerError), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "terminated", "agent_id": agentID})
}

// handleMessages serves the persisted log. This is the same store the engine
// broadcasts from, so what clients fetch here and what they saw streamed is
// one source of truth.
func (s *Server) handleMessages(w http.ResponseWriter, r *http.Request, agentID string) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w)
		return
	}
	if _, err := s.Store.GetAgent(r.Context(), agentID); err != nil {
		writeError(w, statusFor(err, http.StatusInternalServerError), err)
		return
	}
	since := parseInt(r.URL.Query().Get("since"), 0)
	msgs, err := s.Store.ListMessagesSince(r.Context(), agentID, int64(since))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if msgs == nil {
		msgs = []state.Message{}
	}
	writeJSON(w, http.StatusOK, msgs)
}

func statusFor(err error, fallback int) int {
	switch {
	case errors.Is(err, state.ErrAgentNotFound):
		return http.StatusNotFound
	case errors.Is(err, state.ErrInvalidTransition):
		return http.StatusConflict
	case errors.Is(err, agents.ErrTooManyAgents):
		return http.StatusTooManyRequests
	}
	return fallback
}

func decodeJSON(body io.Reader, dest any) error {
	dec := json.NewDecoder(body)
	dec.DisallowUnknownFields()
	return dec.Decode(dest)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]any{"error": err.Error()})
}

func writeMethodNotAllowed(w http.ResponseWriter) {
	writeJSON(w, http.StatusMethodNotAllowed, map[string]any{"error": "method not allowed"})
}

func parseInt(value string, fallback int) int {
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return parsed
}

type notFoundError struct {
	msg string
}

func (e notFoundError) Error() string { return e.msg }

func errNotFound(target string) error {
	return notFoundError{msg: target + " not found"}
}
