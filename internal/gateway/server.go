package gateway

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
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"github.com/MEKXH/quorum/internal/approval"
	"github.com/MEKXH/quorum/internal/bus"
	"github.com/MEKXH/quorum/internal/config"
	"github.com/MEKXH/quorum/internal/version"
)

const (
	defaultHistoryLimit = 50
	maxBodyBytes        = 1 << 20
)

// Approvals is the engine surface served over HTTP.
type Approvals interface {
	Create(ctx context.Context, in approval.CreateInput) (*approval.Request, error)
	SubmitDecision(ctx context.Context, in approval.DecisionInput) (*approval.Request, error)
	Cancel(ctx context.Context, requestID, reason string) (*approval.Request, error)
	Get(ctx context.Context, requestID string) (*approval.Request, error)
	ListActive(ctx context.Context) ([]*approval.Request, error)
	ListHistory(ctx context.Context, limit int) ([]*approval.Request, error)
}

type Server struct {
	cfg        config.GatewayConfig
	approvals  Approvals
	httpServer *http.Server
}

func New(cfg config.GatewayConfig, approvals Approvals) *Server {
	host := strings.TrimSpace(cfg.Host)
	if host == "" {
		host = "0.0.0.0"
	}
	port := cfg.Port
	if port <= 0 {
		port = 18790
	}

	cfg.Host = host
	cfg.Port = port
	return &Server{
		cfg:       cfg,
		approvals: approvals,
	}
}

func (s *Server) Addr() string {
	return fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
}

func (s *Server) Start() error {
	s.httpServer = &http.Server{
		Addr:              s.Addr(),
		Handler:           NewHandler(s.cfg.Token, s.approvals),
		ReadHeaderTimeout: 5 * time.Second,
	}
	slog.Info("gateway listening", "addr", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

type createBody struct {
	Type        string         `json:"type"`
	Environment string         `json:"environment"`
	Title       string         `json:"title"`
	Description string         `json:"description"`
	Requester   string         `json:"requester"`
	Metadata    map[string]any `json:"metadata"`
	Emergency   bool           `json:"emergency"`
}

type decisionBody struct {
	ApproverID string `json:"approver_id"`
	Verdict    string `json:"verdict"`
	Comment    string `json:"comment"`
}

type cancelBody struct {
	Reason string `json:"reason"`
}

// NewHandler builds the HTTP routes. A non-empty token guards /approvals.
func NewHandler(token string, approvals Approvals) http.Handler {
	h := &handler{approvals: approvals}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(middleware.Recoverer)
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
	})
	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, http.StatusNotFound, "not_found", "route not found")
	})

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"status":     "ok",
			"request_id": requestID(r),
		})
	})
	r.Get("/version", func(w http.ResponseWriter, r *http.Request) {
		body := map[string]any{"request_id": requestID(r)}
		for k, v := range version.Info() {
			body[k] = v
		}
		writeJSON(w, http.StatusOK, body)
	})

	r.Route("/approvals", func(r chi.Router) {
		r.Use(bearerAuth(token))
		r.Post("/", h.create)
		r.Get("/", h.listActive)
		r.Get("/history", h.listHistory)
		r.Get("/{id}", h.get)
		r.Post("/{id}/decisions", h.decide)
		r.Post("/{id}/cancel", h.cancel)
	})
	return r
}

type handler struct {
	approvals Approvals
}

func (h *handler) ready(w http.ResponseWriter, r *http.Request) bool {
	if h.approvals == nil {
		writeError(w, r, http.StatusInternalServerError, "internal_error", "approval engine is not configured")
		return false
	}
	return true
}

func (h *handler) create(w http.ResponseWriter, r *http.Request) {
	if !h.ready(w, r) {
		return
	}
	var body createBody
	if !decodeBody(w, r, &body) {
		return
	}
	req, err := h.approvals.Create(r.Context(), approval.CreateInput{
		Type:        body.Type,
		Environment: body.Environment,
		Title:       body.Title,
		Description: body.Description,
		Requester:   body.Requester,
		Metadata:    body.Metadata,
		Emergency:   body.Emergency,
	})
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"request":    req,
		"request_id": requestID(r),
	})
}

func (h *handler) listActive(w http.ResponseWriter, r *http.Request) {
	if !h.ready(w, r) {
		return
	}
	reqs, err := h.approvals.ListActive(r.Context())
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	writeList(w, r, reqs)
}

func (h *handler) listHistory(w http.ResponseWriter, r *http.Request) {
	if !h.ready(w, r) {
		return
	}
	limit := defaultHistoryLimit
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeError(w, r, http.StatusBadRequest, "bad_request", "limit must be a positive integer")
			return
		}
		limit = n
	}
	reqs, err := h.approvals.ListHistory(r.Context(), limit)
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	writeList(w, r, reqs)
}

func (h *handler) get(w http.ResponseWriter, r *http.Request) {
	if !h.ready(w, r) {
		return
	}
	req, err := h.approvals.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"request":    req,
		"request_id": requestID(r),
	})
}

func (h *handler) decide(w http.ResponseWriter, r *http.Request) {
	if !h.ready(w, r) {
		return
	}
	var body decisionBody
	if !decodeBody(w, r, &body) {
		return
	}
	req, err := h.approvals.SubmitDecision(r.Context(), approval.DecisionInput{
		RequestID:  chi.URLParam(r, "id"),
		ApproverID: strings.TrimSpace(body.ApproverID),
		Verdict:    approval.Verdict(strings.ToLower(strings.TrimSpace(body.Verdict))),
		Comment:    body.Comment,
	})
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"request":    req,
		"request_id": requestID(r),
	})
}

func (h *handler) cancel(w http.ResponseWriter, r *http.Request) {
	if !h.ready(w, r) {
		return
	}
	var body cancelBody
	if r.ContentLength != 0 && !decodeBody(w, r, &body) {
		return
	}
	req, err := h.approvals.Cancel(r.Context(), chi.URLParam(r, "id"), body.Reason)
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"request":    req,
		"request_id": requestID(r),
	})
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		writeError(w, r, http.StatusBadRequest, "bad_request", "invalid json request")
		return false
	}
	return true
}

func writeList(w http.ResponseWriter, r *http.Request, reqs []*approval.Request) {
	if reqs == nil {
		reqs = []*approval.Request{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"requests":   reqs,
		"count":      len(reqs),
		"request_id": requestID(r),
	})
}

// errorStatus maps engine error kinds to HTTP statuses and error codes.
func errorStatus(err error) (int, string) {
	switch {
	case errors.Is(err, approval.ErrInvalidInput):
		return http.StatusBadRequest, "bad_request"
	case errors.Is(err, approval.ErrNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, approval.ErrExpired):
		return http.StatusConflict, "expired"
	case errors.Is(err, approval.ErrNotPending):
		return http.StatusConflict, "not_pending"
	case errors.Is(err, approval.ErrDuplicateDecision):
		return http.StatusConflict, "duplicate_decision"
	case errors.Is(err, approval.ErrUnauthorized):
		return http.StatusForbidden, "unauthorized_approver"
	case errors.Is(err, approval.ErrUnknownApprover):
		return http.StatusForbidden, "unknown_approver"
	case errors.Is(err, approval.ErrConfiguration):
		return http.StatusUnprocessableEntity, "configuration_error"
	default:
		return http.StatusInternalServerError, "internal_error"
	}
}

func writeEngineError(w http.ResponseWriter, r *http.Request, err error) {
	status, code := errorStatus(err)
	message := err.Error()
	if status == http.StatusInternalServerError {
		slog.Error("gateway request failed", "request_id", requestID(r), "path", r.URL.Path, "error", err)
		message = "internal error"
	}
	body := map[string]any{
		"code":       code,
		"message":    message,
		"request_id": requestID(r),
	}
	if req, ok := approval.TerminalRequest(err); ok {
		body["request"] = req
	}
	writeJSON(w, status, body)
}

func bearerAuth(token string) func(http.Handler) http.Handler {
	token = strings.TrimSpace(token)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if token != "" && !isAuthorized(r, token) {
				writeError(w, r, http.StatusUnauthorized, "unauthorized", "missing or invalid bearer token")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func isAuthorized(r *http.Request, expected string) bool {
	got := strings.TrimSpace(r.Header.Get("Authorization"))
	if got == "" {
		return false
	}
	const prefix = "Bearer "
	if !strings.HasPrefix(got, prefix) {
		return false
	}
	token := strings.TrimSpace(strings.TrimPrefix(got, prefix))
	return token == expected
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rid := strings.TrimSpace(r.Header.Get("X-Request-ID"))
		if rid == "" {
			rid = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", rid)
		next.ServeHTTP(w, r.WithContext(bus.WithRequestID(r.Context(), rid)))
	})
}

func requestID(r *http.Request) string {
	return bus.RequestIDFromContext(r.Context())
}

func writeError(w http.ResponseWriter, r *http.Request, status int, code, message string) {
	writeJSON(w, status, map[string]any{
		"code":       code,
		"message":    message,
		"request_id": requestID(r),
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
