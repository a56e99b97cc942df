// Package api implements the operator HTTP API: health, governor
// controls, brain statistics, capability gaps, a synchronous turn
// endpoint for testing, and a WebSocket event stream. The Twilio
// webhooks are mounted on the same listener.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"runtime/debug"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/clawdbot/kiki/internal/agent"
	"github.com/clawdbot/kiki/internal/buildinfo"
	"github.com/clawdbot/kiki/internal/connwatch"
	"github.com/clawdbot/kiki/internal/events"
	"github.com/clawdbot/kiki/internal/governor"
	"github.com/clawdbot/kiki/internal/memory"
	"github.com/clawdbot/kiki/internal/telephony"
)

const maxRequestBodySize = 1 << 20 // 1MB

// writeJSON encodes v as JSON to w, logging any errors at debug level.
// Errors here typically mean the client disconnected mid-response.
func writeJSON(w http.ResponseWriter, v any, logger *slog.Logger) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Debug("failed to write JSON response", "error", err)
	}
}

// Runner abstracts the agent loop for testability. The real
// implementation is *agent.Loop.
type Runner interface {
	RunTurn(ctx context.Context, userMessage string, reply func(string), tc agent.TurnContext) (agent.Outcome, error)
}

// Store is the part of the memory store the API exposes.
type Store interface {
	GetStats(ctx context.Context) (*memory.Stats, error)
	GetOpenGaps(ctx context.Context) ([]memory.CapabilityGap, error)
	ListGaps(ctx context.Context, status string) ([]memory.CapabilityGap, error)
	GetGap(ctx context.Context, id int64) (*memory.CapabilityGap, error)
	UpdateGapStatus(ctx context.Context, id int64, status, resolution string) error
	DeleteGap(ctx context.Context, id int64) error
	RecentMemories(ctx context.Context, limit int) ([]memory.Memory, error)
	SearchMemories(ctx context.Context, query string, opts memory.SearchOptions) ([]memory.Memory, error)
	GetRecentErrors(ctx context.Context, limit int) ([]memory.ErrorRecord, error)
	GetErrorsForTool(ctx context.Context, tool string) ([]memory.ErrorRecord, error)
	ResolveError(ctx context.Context, id int64, resolution string) error
}

// Config configures the listener.
type Config struct {
	Address string
	Port    int
	// Token, when set, is required as a bearer token on /v1 routes.
	Token string
}

// Deps are the collaborators the handlers use. Telephony and Services
// may be nil.
type Deps struct {
	Runner    Runner
	Governor  *governor.Governor
	Store     Store
	Events    *events.Bus
	Telephony *telephony.Handler
	Services  *connwatch.Manager
	Logger    *slog.Logger

	// OnFatal is called when a storage failure makes continuing unsafe.
	OnFatal func(error)
}

// Server is the HTTP API server.
type Server struct {
	cfg       Config
	runner    Runner
	gov       *governor.Governor
	store     Store
	events    *events.Bus
	telephony *telephony.Handler
	services  *connwatch.Manager
	logger    *slog.Logger
	onFatal   func(error)
	server    *http.Server
}

// NewServer creates an API server.
func NewServer(cfg Config, deps Deps) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		cfg:       cfg,
		runner:    deps.Runner,
		gov:       deps.Governor,
		store:     deps.Store,
		events:    deps.Events,
		telephony: deps.Telephony,
		services:  deps.Services,
		logger:    logger.With("component", "api"),
		onFatal:   deps.OnFatal,
	}
}

// Handler returns the fully routed handler.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(s.withRecovery, s.withLogging)

	r.Get("/", s.handleRoot)
	r.Get("/health", s.handleHealth)

	r.Route("/v1", func(r chi.Router) {
		if s.cfg.Token != "" {
			r.Use(BearerAuth(s.cfg.Token))
		}
		r.Get("/version", s.handleVersion)

		r.Get("/usage", s.handleUsage)
		r.Post("/pause", s.handlePause)
		r.Post("/resume", s.handleResume)
		r.Post("/limit", s.handleLimit)

		r.Get("/stats", s.handleStats)
		r.Get("/memories", s.handleMemories)
		r.Get("/gaps", s.handleGapList)
		r.Get("/gaps/{id}", s.handleGapGet)
		r.Patch("/gaps/{id}", s.handleGapUpdate)
		r.Delete("/gaps/{id}", s.handleGapDelete)
		r.Get("/errors", s.handleErrorList)
		r.Patch("/errors/{id}", s.handleErrorResolve)

		r.Post("/turn", s.handleTurn)
		r.Get("/events", s.handleEvents)
	})

	if s.telephony != nil {
		r.Mount(telephony.RoutePrefix, s.telephony.Routes())
	}
	return r
}

// Start serves HTTP until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:              net.JoinHostPort(s.cfg.Address, strconv.Itoa(s.cfg.Port)),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		// Turns may run for minutes; /v1/events stays open indefinitely
		// and manages its own write deadlines.
		WriteTimeout: 0,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("starting API server", "addr", s.server.Addr, "telephony", s.telephony != nil)
		errCh <- s.server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return s.Shutdown(shutdownCtx)
	}
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Info("request",
			"method", r.Method,
			"path", r.URL.Path,
			"duration", time.Since(start),
		)
	})
}

func (s *Server) withRecovery(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if p := recover(); p != nil {
				if p == http.ErrAbortHandler {
					panic(p)
				}
				s.logger.Error("handler panicked", "path", r.URL.Path, "panic", p, "stack", string(debug.Stack()))
				s.errorResponse(w, http.StatusInternalServerError, "internal error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]string{
		"name":    "kiki",
		"version": buildinfo.Version,
		"status":  "ok",
	}, s.logger)
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, buildinfo.Info(), s.logger)
}

// handleHealth always answers 200 while the process serves requests; an
// unreachable upstream only degrades the reported status.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := "healthy"
	if !s.services.Healthy() {
		status = "degraded"
	}
	resp := map[string]any{"status": status}
	if svcs := s.services.Status(); len(svcs) > 0 {
		resp["services"] = svcs
	}
	writeJSON(w, resp, s.logger)
}

func (s *Server) errorResponse(w http.ResponseWriter, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{
			"message": message,
			"code":    code,
		},
	}); err != nil {
		s.logger.Debug("failed to write JSON response", "error", err)
	}
}

// storeError maps a memory store error to a response, escalating
// storage failures.
func (s *Server) storeError(w http.ResponseWriter, op string, err error) {
	switch {
	case errors.Is(err, memory.ErrNotFound):
		s.errorResponse(w, http.StatusNotFound, err.Error())
	case errors.Is(err, memory.ErrInvalidStatus):
		s.errorResponse(w, http.StatusBadRequest, err.Error())
	default:
		s.logger.Error("store operation failed", "op", op, "error", err)
		if errors.Is(err, memory.ErrStorage) && s.onFatal != nil {
			s.onFatal(err)
		}
		s.errorResponse(w, http.StatusInternalServerError, op+" failed")
	}
}

func parseIntParam(r *http.Request, name string, defaultVal int) int {
	s := r.URL.Query().Get(name)
	if s == "" {
		return defaultVal
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		return defaultVal
	}
	return n
}
