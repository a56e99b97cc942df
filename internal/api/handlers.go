package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"sync"

	"github.com/go-chi/chi/v5"

	"github.com/clawdbot/kiki/internal/agent"
	"github.com/clawdbot/kiki/internal/events"
	"github.com/clawdbot/kiki/internal/memory"
)

// Platform is the conversation-log platform name for API turns.
const Platform = "api"

// Governor controls

func (s *Server) handleUsage(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.gov.Usage(), s.logger)
}

func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	s.gov.Pause()
	s.events.Emit(events.SourceGovernor, events.KindPaused, map[string]any{"via": Platform})
	s.logger.Info("paused via api")
	writeJSON(w, s.gov.Usage(), s.logger)
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	s.gov.Resume()
	s.events.Emit(events.SourceGovernor, events.KindResumed, map[string]any{"via": Platform})
	s.logger.Info("resumed via api")
	writeJSON(w, s.gov.Usage(), s.logger)
}

// LimitRequest sets the daily model-call limit.
type LimitRequest struct {
	Limit *int `json:"limit"`
}

func (s *Server) handleLimit(w http.ResponseWriter, r *http.Request) {
	var req LimitRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBodySize)).Decode(&req); err != nil {
		s.errorResponse(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Limit == nil || *req.Limit < 0 {
		s.errorResponse(w, http.StatusBadRequest, "limit must be a non-negative integer")
		return
	}
	s.gov.SetLimit(*req.Limit)
	s.events.Emit(events.SourceGovernor, events.KindLimitChanged, map[string]any{"via": Platform, "limit": *req.Limit})
	s.logger.Info("daily limit changed via api", "limit", *req.Limit)
	writeJSON(w, s.gov.Usage(), s.logger)
}

// Brain

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	st, err := s.store.GetStats(r.Context())
	if err != nil {
		s.storeError(w, "stats", err)
		return
	}
	writeJSON(w, st, s.logger)
}

// handleMemories lists recent memories, or those matching q.
// GET /v1/memories?q=milk&type=preference&limit=10
func (s *Server) handleMemories(w http.ResponseWriter, r *http.Request) {
	q := strings.TrimSpace(r.URL.Query().Get("q"))
	typ := r.URL.Query().Get("type")
	limit := parseIntParam(r, "limit", 20)

	var (
		ms  []memory.Memory
		err error
	)
	if q == "" && typ == "" {
		ms, err = s.store.RecentMemories(r.Context(), limit)
	} else {
		ms, err = s.store.SearchMemories(r.Context(), q, memory.SearchOptions{Type: typ, Limit: limit})
	}
	if err != nil {
		s.storeError(w, "list memories", err)
		return
	}
	if ms == nil {
		ms = []memory.Memory{}
	}
	writeJSON(w, map[string]any{"memories": ms, "count": len(ms)}, s.logger)
}

// Capability gaps

func (s *Server) handleGapList(w http.ResponseWriter, r *http.Request) {
	status := r.URL.Query().Get("status")
	var (
		gaps []memory.CapabilityGap
		err  error
	)
	switch {
	case status == "" || status == memory.GapOpen:
		gaps, err = s.store.GetOpenGaps(r.Context())
	case status == "all":
		gaps, err = s.store.ListGaps(r.Context(), "")
	case memory.ValidGapStatus(status):
		gaps, err = s.store.ListGaps(r.Context(), status)
	default:
		s.errorResponse(w, http.StatusBadRequest, "unknown status "+strconv.Quote(status))
		return
	}
	if err != nil {
		s.storeError(w, "list gaps", err)
		return
	}
	if gaps == nil {
		gaps = []memory.CapabilityGap{}
	}
	writeJSON(w, map[string]any{"gaps": gaps, "count": len(gaps)}, s.logger)
}

// pathID parses the positive {id} path parameter.
func pathID(r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	return id, err == nil && id > 0
}

func (s *Server) handleGapGet(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r)
	if !ok {
		s.errorResponse(w, http.StatusBadRequest, "invalid gap id")
		return
	}
	gap, err := s.store.GetGap(r.Context(), id)
	if err != nil {
		s.storeError(w, "get gap", err)
		return
	}
	writeJSON(w, gap, s.logger)
}

// GapUpdateRequest moves a gap to a new status.
type GapUpdateRequest struct {
	Status     string `json:"status"`
	Resolution string `json:"resolution,omitempty"`
}

func (s *Server) handleGapUpdate(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r)
	if !ok {
		s.errorResponse(w, http.StatusBadRequest, "invalid gap id")
		return
	}
	var req GapUpdateRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBodySize)).Decode(&req); err != nil {
		s.errorResponse(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := s.store.UpdateGapStatus(r.Context(), id, req.Status, req.Resolution); err != nil {
		s.storeError(w, "update gap", err)
		return
	}
	gap, err := s.store.GetGap(r.Context(), id)
	if err != nil {
		s.storeError(w, "get gap", err)
		return
	}
	writeJSON(w, gap, s.logger)
}

func (s *Server) handleGapDelete(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r)
	if !ok {
		s.errorResponse(w, http.StatusBadRequest, "invalid gap id")
		return
	}
	if err := s.store.DeleteGap(r.Context(), id); err != nil {
		s.storeError(w, "delete gap", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Tool errors

// handleErrorList lists recorded tool failures, newest first.
// GET /v1/errors?tool=web_fetch&limit=10
func (s *Server) handleErrorList(w http.ResponseWriter, r *http.Request) {
	var (
		recs []memory.ErrorRecord
		err  error
	)
	if tool := strings.TrimSpace(r.URL.Query().Get("tool")); tool != "" {
		recs, err = s.store.GetErrorsForTool(r.Context(), tool)
	} else {
		recs, err = s.store.GetRecentErrors(r.Context(), parseIntParam(r, "limit", 10))
	}
	if err != nil {
		s.storeError(w, "list errors", err)
		return
	}
	if recs == nil {
		recs = []memory.ErrorRecord{}
	}
	writeJSON(w, map[string]any{"errors": recs, "count": len(recs)}, s.logger)
}

// ErrorResolveRequest attaches an operator's note to a tool error.
type ErrorResolveRequest struct {
	Resolution string `json:"resolution"`
}

func (s *Server) handleErrorResolve(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r)
	if !ok {
		s.errorResponse(w, http.StatusBadRequest, "invalid error id")
		return
	}
	var req ErrorResolveRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBodySize)).Decode(&req); err != nil {
		s.errorResponse(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if strings.TrimSpace(req.Resolution) == "" {
		s.errorResponse(w, http.StatusBadRequest, "resolution is required")
		return
	}
	if err := s.store.ResolveError(r.Context(), id, req.Resolution); err != nil {
		s.storeError(w, "resolve error", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Turns

// TurnRequest runs one message through the agent loop.
type TurnRequest struct {
	Message        string `json:"message"`
	UserID         string `json:"user_id,omitempty"`
	UserName       string `json:"user_name,omitempty"`
	ConversationID string `json:"conversation_id,omitempty"`
}

// TurnResponse reports a finished turn. Messages holds everything the
// loop sent to the user, in order; Reply is the last of them.
type TurnResponse struct {
	RequestID      string   `json:"request_id"`
	ConversationID string   `json:"conversation_id"`
	State          string   `json:"state"`
	Reply          string   `json:"reply"`
	Messages       []string `json:"messages"`
	Iterations     int      `json:"iterations"`
	ToolCalls      int      `json:"tool_calls"`
	ElapsedMS      int64    `json:"elapsed_ms"`
}

// handleTurn runs a turn synchronously.
// POST /v1/turn {"message": "what's on my calendar?"}
func (s *Server) handleTurn(w http.ResponseWriter, r *http.Request) {
	var req TurnRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBodySize)).Decode(&req); err != nil {
		s.errorResponse(w, http.StatusBadRequest, "invalid request body")
		return
	}
	req.Message = strings.TrimSpace(req.Message)
	if req.Message == "" {
		s.errorResponse(w, http.StatusBadRequest, "message is required")
		return
	}

	userID := req.UserID
	if userID == "" {
		userID = Platform + ":operator"
	}
	tc := agent.TurnContext{
		Platform:       Platform,
		UserID:         userID,
		UserName:       req.UserName,
		ConversationID: req.ConversationID,
	}
	if tc.ConversationID == "" {
		tc.ConversationID = Platform + ":" + userID
	}

	var (
		mu       sync.Mutex
		messages []string
	)
	reply := func(text string) {
		mu.Lock()
		messages = append(messages, text)
		mu.Unlock()
	}

	out, err := s.runner.RunTurn(r.Context(), req.Message, reply, tc)
	if err != nil {
		s.logger.Error("agent turn failed", "request_id", out.RequestID, "error", err)
		switch {
		case errors.Is(err, memory.ErrStorage):
			if s.onFatal != nil {
				s.onFatal(err)
			}
			s.errorResponse(w, http.StatusInternalServerError, "storage failure")
		case errors.Is(err, agent.ErrModelCall):
			s.errorResponse(w, http.StatusBadGateway, err.Error())
		default:
			s.errorResponse(w, http.StatusInternalServerError, err.Error())
		}
		return
	}

	mu.Lock()
	defer mu.Unlock()
	if messages == nil {
		messages = []string{}
	}
	writeJSON(w, TurnResponse{
		RequestID:      out.RequestID,
		ConversationID: tc.ConversationID,
		State:          string(out.State),
		Reply:          out.Text,
		Messages:       messages,
		Iterations:     out.Iterations,
		ToolCalls:      out.ToolCalls,
		ElapsedMS:      out.Elapsed.Milliseconds(),
	}, s.logger)
}
