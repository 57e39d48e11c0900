// Package api exposes the assistant over HTTP. Identity is established
// by the platform gateway upstream; this server trusts its identity
// header and materializes the principal from the firm directory.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/keelhq/keel-assist/internal/agent"
	"github.com/keelhq/keel-assist/internal/buildinfo"
	"github.com/keelhq/keel-assist/internal/channel"
	"github.com/keelhq/keel-assist/internal/directory"
	"github.com/keelhq/keel-assist/internal/usage"
)

// Runner executes assistant runs. Satisfied by *agent.Orchestrator.
type Runner interface {
	Run(ctx context.Context, req agent.Request, callback agent.StreamCallback) (*agent.Response, error)
}

// History is the channel access the HTTP surface needs.
type History interface {
	EnsureChannel(ctx context.Context, p directory.Principal) (string, error)
	RecentTurns(ctx context.Context, channelID string, limit int) ([]channel.Turn, error)
	AllTurns(ctx context.Context, channelID string) ([]channel.Turn, error)
	Clear(ctx context.Context, channelID string) error
}

// Analytics is the usage reporting the HTTP surface needs.
type Analytics interface {
	Analytics(ctx context.Context, firmID string, since time.Time) (*usage.Report, error)
}

// Server is the HTTP API server.
type Server struct {
	logger    *slog.Logger
	dir       *directory.Store
	runner    Runner
	history   History
	analytics Analytics
}

// NewServer wires the HTTP surface.
func NewServer(logger *slog.Logger, dir *directory.Store, runner Runner, history History, analytics Analytics) *Server {
	return &Server{
		logger:    logger,
		dir:       dir,
		runner:    runner,
		history:   history,
		analytics: analytics,
	}
}

// Routes builds the router.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)

	r.Get("/health", s.handleHealth)

	r.Route("/v1", func(r chi.Router) {
		r.Get("/version", s.handleVersion)

		r.Group(func(r chi.Router) {
			r.Use(s.principalMiddleware)

			r.Post("/chat", s.handleChat)
			r.Post("/chat/stream", s.handleChatStream)
			r.Get("/chat/ws", s.handleChatWS)

			r.Get("/history", s.handleHistory)
			r.Delete("/history", s.handleClearHistory)
			r.Get("/history/export", s.handleExport)

			r.Get("/usage/analytics", s.handleAnalytics)
		})
	})

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"uptime": buildinfo.Uptime().Round(time.Second).String(),
	})
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, buildinfo.Info())
}

// ChatRequest is the body of POST /v1/chat and /v1/chat/stream.
type ChatRequest struct {
	Message     string   `json:"message"`
	Continuity  bool     `json:"continuity"`
	Attachments []string `json:"attachments,omitempty"`
}

// ChatResponse is the body of a completed non-streaming chat.
type ChatResponse struct {
	Response     string `json:"response"`
	Status       string `json:"status"`
	Iterations   int    `json:"iterations"`
	ToolsInvoked int    `json:"tools_invoked"`
	Model        string `json:"model,omitempty"`
	ElapsedMs    int64  `json:"elapsed_ms"`
}

func chatResponse(resp *agent.Response) ChatResponse {
	return ChatResponse{
		Response:     resp.Content,
		Status:       resp.Status,
		Iterations:   resp.Iterations,
		ToolsInvoked: len(resp.Invocations),
		Model:        resp.Model,
		ElapsedMs:    resp.ElapsedMs,
	}
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	p, ok := principalFrom(r.Context())
	if !ok {
		s.writeError(w, http.StatusUnauthorized, "validation_error", "no principal")
		return
	}

	var req ChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "validation_error", "invalid request body")
		return
	}

	resp, err := s.runner.Run(r.Context(), agent.Request{
		Principal:   p,
		Message:     req.Message,
		Continuity:  req.Continuity,
		Attachments: req.Attachments,
	}, nil)
	if err != nil {
		s.writeRunError(w, err)
		return
	}

	s.writeJSON(w, http.StatusOK, chatResponse(resp))
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	p, _ := principalFrom(r.Context())

	limit := 50
	if l := r.URL.Query().Get("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			limit = parsed
		}
	}

	channelID, err := s.history.EnsureChannel(r.Context(), p)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "upstream_failure", "history unavailable")
		return
	}
	turns, err := s.history.RecentTurns(r.Context(), channelID, limit)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "upstream_failure", "history unavailable")
		return
	}
	if turns == nil {
		turns = []channel.Turn{}
	}

	s.writeJSON(w, http.StatusOK, map[string]any{
		"channel_id": channelID,
		"turns":      turns,
	})
}

func (s *Server) handleClearHistory(w http.ResponseWriter, r *http.Request) {
	p, _ := principalFrom(r.Context())

	channelID, err := s.history.EnsureChannel(r.Context(), p)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "upstream_failure", "history unavailable")
		return
	}
	if err := s.history.Clear(r.Context(), channelID); err != nil {
		s.writeError(w, http.StatusInternalServerError, "upstream_failure", "clear failed")
		return
	}

	s.logger.Info("history cleared", "principal", p.ID, "channel", channelID)
	s.writeJSON(w, http.StatusOK, map[string]any{"cleared": true})
}

func (s *Server) handleAnalytics(w http.ResponseWriter, r *http.Request) {
	p, _ := principalFrom(r.Context())

	// Analytics is an administrative surface. Everyone else gets an
	// explicit denial rather than an empty report.
	if !p.Role.Administrative() {
		s.writeError(w, http.StatusForbidden, "scope_denied", "usage analytics requires owner or admin role")
		return
	}

	since, err := parseWindow(r.URL.Query().Get("window"))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "validation_error", err.Error())
		return
	}

	report, err := s.analytics.Analytics(r.Context(), p.FirmID, since)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "upstream_failure", "analytics unavailable")
		return
	}

	s.writeJSON(w, http.StatusOK, report)
}

// parseWindow maps a named window onto its start time; zero means all
// time.
func parseWindow(window string) (time.Time, error) {
	now := time.Now()
	switch strings.ToLower(strings.TrimSpace(window)) {
	case "", "all":
		return time.Time{}, nil
	case "day":
		return now.AddDate(0, 0, -1), nil
	case "week":
		return now.AddDate(0, 0, -7), nil
	case "month":
		return now.AddDate(0, -1, 0), nil
	case "quarter":
		return now.AddDate(0, -3, 0), nil
	case "year":
		return now.AddDate(-1, 0, 0), nil
	}
	return time.Time{}, fmt.Errorf("unknown window %q", window)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Debug("write response failed", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, kind, message string) {
	s.writeJSON(w, status, map[string]any{
		"error": map[string]any{
			"kind":    kind,
			"message": message,
		},
	})
}

// writeRunError maps classified run failures onto HTTP statuses.
func (s *Server) writeRunError(w http.ResponseWriter, err error) {
	kind := agent.KindOf(err)

	status := http.StatusInternalServerError
	switch kind {
	case agent.KindValidation:
		status = http.StatusBadRequest
	case agent.KindScopeDenied:
		status = http.StatusForbidden
	case agent.KindConfiguration:
		status = http.StatusServiceUnavailable
	case agent.KindUpstreamFailure:
		status = http.StatusBadGateway
	}

	s.logger.Warn("run failed", "kind", kind, "error", err)
	s.writeError(w, status, string(kind), callerMessage(err))
}

// callerMessage renders a run failure for the caller. Validation and
// scope messages describe the caller's own request and are safe to
// echo; upstream and configuration failures carry internal diagnostics
// (gateway response bodies, connection targets) that stay in the logs.
func callerMessage(err error) string {
	switch agent.KindOf(err) {
	case agent.KindUpstreamFailure:
		return "the assistant is temporarily unavailable, please retry"
	case agent.KindConfiguration:
		return "the assistant is not configured for this environment"
	}

	var re *agent.RunError
	if errors.As(err, &re) && re.Err != nil {
		return re.Err.Error()
	}
	return "run failed"
}
