package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/kalambet/crucible/internal/conversation"
	"github.com/kalambet/crucible/internal/metrics"
	"github.com/kalambet/crucible/internal/pipeline"
	"github.com/kalambet/crucible/internal/storage"
)

const maxRequestBodySize = 1 << 20 // 1MB

// Chatter runs messages on conversations. *pipeline.Executor implements it.
type Chatter interface {
	ProcessWithHistory(ctx context.Context, conversationID, message string, history []conversation.Message) *pipeline.Run
	Conversation(id string) (*conversation.Buffer, bool)
}

// ExecutionLister reads the persisted execution log.
type ExecutionLister interface {
	RecentExecutions(ctx context.Context, pipelineID string, limit int) ([]storage.Execution, error)
}

// Deps holds the collaborators of the HTTP API.
type Deps struct {
	Chat      Chatter
	Pipelines pipeline.AdminStore
	// Summary serves /v1/metrics/summary; nil answers with an empty summary.
	Summary *metrics.Aggregator
	// Executions is optional; without it /v1/executions answers 404.
	Executions ExecutionLister
	// Gatherer defaults to prometheus.DefaultGatherer.
	Gatherer prometheus.Gatherer
	Token    string
	// RequestsPerMinute limits the message route per client; zero disables.
	RequestsPerMinute int64
	Logger            *slog.Logger
}

// MessageRequest is the body of POST /v1/conversations/{id}/messages.
type MessageRequest struct {
	Message string           `json:"message" validate:"required"`
	History []HistoryMessage `json:"history,omitempty" validate:"dive"`
	// Stream defaults to true.
	Stream *bool `json:"stream,omitempty"`
}

// HistoryMessage is a caller-supplied prior turn.
type HistoryMessage struct {
	Role    string `json:"role" validate:"required,oneof=user assistant system tool"`
	Content string `json:"content"`
}

// MessageResponse is the non-streaming answer to a message.
type MessageResponse struct {
	RunID   string               `json:"run_id"`
	Content string               `json:"content"`
	Events  []pipeline.WireEvent `json:"events"`
}

// ConversationResponse is the body of GET /v1/conversations/{id}.
type ConversationResponse struct {
	ID       string                 `json:"id"`
	Messages []conversation.Message `json:"messages"`
}

type handler struct {
	deps     Deps
	validate *validator.Validate
	logger   *slog.Logger
}

// NewHandler returns the HTTP API. /health and /metrics are open; every
// /v1 route requires the bearer token.
func NewHandler(deps Deps) http.Handler {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Gatherer == nil {
		deps.Gatherer = prometheus.DefaultGatherer
	}
	h := &handler{deps: deps, validate: validator.New(), logger: deps.Logger}

	r := chi.NewRouter()
	r.Get("/health", handleHealth)
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(deps.Gatherer, promhttp.HandlerOpts{}))

	r.Route("/v1", func(r chi.Router) {
		r.Use(BearerAuth(deps.Token))

		r.With(RateLimit(deps.RequestsPerMinute)).Post("/conversations/{id}/messages", h.postMessage)
		r.Get("/conversations/{id}", h.getConversation)

		r.Get("/pipelines", h.listPipelines)
		r.Get("/pipelines/{id}", h.getPipeline)
		r.Post("/pipelines/{id}/activate", h.setStatus(pipeline.StatusActive))
		r.Post("/pipelines/{id}/archive", h.setStatus(pipeline.StatusArchived))
		r.Post("/pipelines/{id}/primary", h.setPrimary)

		r.Get("/metrics/summary", h.metricsSummary)
		r.Get("/executions", h.listExecutions)
	})
	return r
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"ok"}`))
}

func (h *handler) postMessage(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
	defer r.Body.Close()

	var req MessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
		return
	}

	id := chi.URLParam(r, "id")
	history := make([]conversation.Message, 0, len(req.History))
	for _, m := range req.History {
		history = append(history, conversation.Message{Role: conversation.Role(m.Role), Content: m.Content})
	}

	run := h.deps.Chat.ProcessWithHistory(r.Context(), id, req.Message, history)
	if req.Stream == nil || *req.Stream {
		streamRun(w, run, h.logger)
		return
	}

	events, err := run.Collect()
	if err != nil {
		httpError(w, runErrorStatus(err), "api_error", "pipeline run failed: %v", err)
		return
	}
	resp := MessageResponse{RunID: run.ID(), Events: make([]pipeline.WireEvent, 0, len(events))}
	for _, o := range events {
		if c, ok := o.(pipeline.Complete); ok {
			resp.Content = c.Content
		}
		resp.Events = append(resp.Events, pipeline.Encode(o))
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *handler) getConversation(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	buf, ok := h.deps.Chat.Conversation(id)
	if !ok {
		httpError(w, http.StatusNotFound, "not_found", "conversation not found")
		return
	}
	writeJSON(w, http.StatusOK, ConversationResponse{ID: id, Messages: buf.Messages()})
}

func (h *handler) listPipelines(w http.ResponseWriter, r *http.Request) {
	defs, err := h.deps.Pipelines.ListPipelines(r.Context())
	if err != nil {
		httpError(w, http.StatusInternalServerError, "api_error", "failed to list pipelines: %v", err)
		return
	}
	if defs == nil {
		defs = []pipeline.Definition{}
	}
	writeJSON(w, http.StatusOK, defs)
}

func (h *handler) getPipeline(w http.ResponseWriter, r *http.Request) {
	d, err := h.deps.Pipelines.GetPipeline(r.Context(), chi.URLParam(r, "id"))
	if errors.Is(err, pipeline.ErrNotFound) {
		httpError(w, http.StatusNotFound, "not_found", "pipeline not found")
		return
	}
	if err != nil {
		httpError(w, http.StatusInternalServerError, "api_error", "failed to get pipeline: %v", err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

func (h *handler) setStatus(st pipeline.Status) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		h.changePipeline(w, r, id, h.deps.Pipelines.SetStatus(r.Context(), id, st))
	}
}

func (h *handler) setPrimary(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	h.changePipeline(w, r, id, h.deps.Pipelines.SetPrimary(r.Context(), id))
}

// changePipeline answers an admin change with the updated definition.
func (h *handler) changePipeline(w http.ResponseWriter, r *http.Request, id string, err error) {
	switch {
	case errors.Is(err, pipeline.ErrNotFound):
		httpError(w, http.StatusNotFound, "not_found", "pipeline not found")
		return
	case errors.Is(err, pipeline.ErrNotActive):
		httpError(w, http.StatusConflict, "invalid_request_error", "pipeline %s is not active", id)
		return
	case err != nil:
		httpError(w, http.StatusInternalServerError, "api_error", "failed to update pipeline: %v", err)
		return
	}
	h.logger.Info("pipeline updated", "pipeline", id, "route", r.URL.Path)
	h.getPipeline(w, r)
}

func (h *handler) metricsSummary(w http.ResponseWriter, r *http.Request) {
	window := time.Duration(0)
	if s := r.URL.Query().Get("window"); s != "" {
		d, err := time.ParseDuration(s)
		if err != nil || d < 0 {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid window %q", s)
			return
		}
		window = d
	}
	var sum metrics.Summary
	if h.deps.Summary != nil {
		sum = h.deps.Summary.Summary(window)
	} else {
		sum.Window = window
	}
	if sum.Pipelines == nil {
		sum.Pipelines = []metrics.PipelineSummary{}
	}
	writeJSON(w, http.StatusOK, sum)
}

func (h *handler) listExecutions(w http.ResponseWriter, r *http.Request) {
	if h.deps.Executions == nil {
		httpError(w, http.StatusNotFound, "not_found", "execution log is not enabled")
		return
	}
	limit := parseIntParam(r, "limit", 50, 500)
	execs, err := h.deps.Executions.RecentExecutions(r.Context(), r.URL.Query().Get("pipeline"), limit)
	if err != nil {
		httpError(w, http.StatusInternalServerError, "api_error", "failed to list executions: %v", err)
		return
	}
	if execs == nil {
		execs = []storage.Execution{}
	}
	writeJSON(w, http.StatusOK, execs)
}

func runErrorStatus(err error) int {
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.Is(err, pipeline.ErrNotFound):
		return http.StatusNotFound
	default:
		return http.StatusBadGateway
	}
}

func parseIntParam(r *http.Request, key string, defaultVal, maxVal int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return defaultVal
	}
	v, err := strconv.Atoi(s)
	if err != nil || v <= 0 {
		return defaultVal
	}
	if maxVal > 0 && v > maxVal {
		return maxVal
	}
	return v
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func httpError(w http.ResponseWriter, code int, errType string, format string, args ...any) {
	writeJSON(w, code, map[string]any{
		"error": map[string]any{
			"message": fmt.Sprintf(format, args...),
			"type":    errType,
		},
	})
}
