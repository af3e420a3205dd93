package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/openclaw/sentinel/internal/action"
	"github.com/openclaw/sentinel/internal/executor"
	"github.com/openclaw/sentinel/internal/pipeline"
)

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]string{"error": code, "message": message})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status": "ok",
		"uptime": time.Since(s.startTime).String(),
	})
}

type actionSubmitRequest struct {
	SessionKey   string `json:"session_key"`
	Kind         string `json:"kind"`
	Channel      string `json:"channel,omitempty"`
	Actor        string `json:"actor,omitempty"`
	Payload      string `json:"payload"`
	ToolName     string `json:"tool_name,omitempty"`
	Provider     string `json:"provider,omitempty"`
	Model        string `json:"model,omitempty"`
	ChatType     string `json:"chat_type,omitempty"`
	WasMentioned bool   `json:"was_mentioned,omitempty"`
	DedupeKey    string `json:"dedupe_key,omitempty"`
	Wait         *bool  `json:"wait,omitempty"`
}

type actionSubmitResponse struct {
	ActionID  string           `json:"action_id"`
	Admission string           `json:"admission"`
	Decision  *action.Decision `json:"decision,omitempty"`
}

func (s *Server) handleActionSubmit(w http.ResponseWriter, r *http.Request) {
	var req actionSubmitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid JSON: "+err.Error())
		return
	}

	if s.limiter != nil && !s.limiter.Allow(req.Channel) {
		w.Header().Set("Retry-After", "1")
		writeError(w, http.StatusTooManyRequests, "rate_limit_exceeded", "ingestion rate limit exceeded")
		return
	}

	key, err := action.ParseSessionKey(req.SessionKey)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	act := &action.Action{
		ID:           uuid.NewString(),
		SessionKey:   key,
		Kind:         action.Kind(req.Kind),
		Channel:      req.Channel,
		Actor:        req.Actor,
		Payload:      req.Payload,
		ToolName:     req.ToolName,
		Provider:     req.Provider,
		Model:        req.Model,
		ChatType:     action.NormalizeChatType(req.ChatType),
		WasMentioned: req.WasMentioned,
		DedupeKey:    req.DedupeKey,
		ReceivedAt:   time.Now().UTC(),
	}

	wait := req.Wait == nil || *req.Wait

	if !wait {
		admission, err := s.pipe.Submit(r.Context(), act)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
			return
		}
		writeJSON(w, http.StatusAccepted, actionSubmitResponse{ActionID: act.ID, Admission: string(admission)})
		return
	}

	dec, admission, err := s.pipe.SubmitAndWait(r.Context(), act)
	switch {
	case errors.Is(err, executor.ErrCapacity):
		w.Header().Set("Retry-After", "1")
		writeError(w, http.StatusTooManyRequests, "capacity", "evaluation capacity exhausted")
		return
	case errors.Is(err, pipeline.ErrSuperseded):
		writeJSON(w, http.StatusConflict, actionSubmitResponse{ActionID: act.ID, Admission: "superseded"})
		return
	case errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled):
		writeError(w, http.StatusGatewayTimeout, "timeout", "request deadline exceeded awaiting decision")
		return
	case err != nil:
		writeError(w, http.StatusBadRequest, "submit_failed", err.Error())
		return
	}

	writeJSON(w, http.StatusOK, actionSubmitResponse{
		ActionID:  act.ID,
		Admission: string(admission),
		Decision:  dec,
	})
}

func (s *Server) handleSessionsList(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{"sessions": s.sched.Sessions()})
}

func (s *Server) handleSessionReset(w http.ResponseWriter, r *http.Request) {
	var req struct {
		SessionKey string `json:"session_key"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid JSON: "+err.Error())
		return
	}
	key, err := action.ParseSessionKey(req.SessionKey)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	s.pipe.ResetSession(key)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleDecisionsList(w http.ResponseWriter, r *http.Request) {
	limit := parseIntParam(r, "limit", 50)
	writeJSON(w, http.StatusOK, map[string]interface{}{"decisions": s.pipe.Recent(limit)})
}

func (s *Server) handleQuarantineList(w http.ResponseWriter, r *http.Request) {
	if s.ledger == nil {
		writeError(w, http.StatusServiceUnavailable, "unavailable", "quarantine ledger disabled")
		return
	}
	var from, to time.Time
	if v := r.URL.Query().Get("from"); v != "" {
		from, _ = time.Parse(time.RFC3339, v)
	}
	if v := r.URL.Query().Get("to"); v != "" {
		to, _ = time.Parse(time.RFC3339, v)
	}
	records, err := s.ledger.List(r.Context(),
		r.URL.Query().Get("session"),
		r.URL.Query().Get("channel"),
		from, to,
		parseIntParam(r, "limit", 100),
	)
	if err != nil {
		log.Error().Err(err).Msg("listing quarantine records")
		writeError(w, http.StatusInternalServerError, "internal", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"records": records})
}

func (s *Server) handleQuarantineGet(w http.ResponseWriter, r *http.Request) {
	if s.ledger == nil {
		writeError(w, http.StatusServiceUnavailable, "unavailable", "quarantine ledger disabled")
		return
	}
	rec, err := s.ledger.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusNotFound, "not_found", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleQuarantineVerify(w http.ResponseWriter, r *http.Request) {
	if s.ledger == nil {
		writeError(w, http.StatusServiceUnavailable, "unavailable", "quarantine ledger disabled")
		return
	}
	id := chi.URLParam(r, "id")
	ok, err := s.ledger.Verify(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusNotFound, "not_found", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"id": id, "valid": ok})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	pol := s.policies.Current()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"version":          s.version,
		"uptime":           time.Since(s.startTime).String(),
		"audit_only":       pol.AuditOnly,
		"review_threshold": pol.ReviewThreshold,
		"block_threshold":  pol.BlockThreshold,
		"sessions":         len(s.sched.Sessions()),
	})
}

func (s *Server) handlePolicyReload(w http.ResponseWriter, r *http.Request) {
	if s.bundleLoader == nil || s.bundlePath == "" {
		writeError(w, http.StatusServiceUnavailable, "unavailable", "no policy bundle configured")
		return
	}
	pol, err := s.bundleLoader.Load(s.bundlePath)
	if err != nil {
		// Keep serving on the last verified policy.
		log.Error().Err(err).Str("path", s.bundlePath).Msg("policy bundle reload failed")
		writeError(w, http.StatusUnprocessableEntity, "bundle_rejected", err.Error())
		return
	}
	s.policies.Replace(pol)
	writeJSON(w, http.StatusOK, map[string]string{"status": "reloaded"})
}

func parseIntParam(r *http.Request, name string, fallback int) int {
	v := r.URL.Query().Get(name)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return fallback
	}
	return n
}
