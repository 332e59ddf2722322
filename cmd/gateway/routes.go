package main

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/finlit/explainer-gateway/internal/metrics"
	"github.com/finlit/explainer-gateway/internal/pipeline"
	"github.com/finlit/explainer-gateway/internal/prompts"
	"github.com/finlit/explainer-gateway/internal/trace"
)

// explainer is the slice of the pipeline the HTTP layer needs. Satisfied by
// *pipeline.Pipeline.
type explainer interface {
	Explain(ctx context.Context, req pipeline.ExplainRequest) (*pipeline.ExplainResult, error)
	Chat(ctx context.Context, req pipeline.ChatRequest) (*pipeline.ChatResult, error)
	Feedback(ctx context.Context, req pipeline.FeedbackRequest) error
}

type server struct {
	pipe  explainer
	store *trace.Store
	ws    http.Handler
}

func newRouter(s *server) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	// No request timeout middleware: explain fans out to three model calls
	// and the backend client carries its own deadline.
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	r.Get("/health", s.handleHealth)
	r.Handle("/metrics", promhttp.Handler())

	r.Post("/explain", s.handleExplain)
	r.Post("/chat", s.handleChat)
	r.Post("/feedback", s.handleFeedback)

	r.Get("/api/traces", s.handleListTraces)
	r.Get("/api/traces/{id}", s.handleGetTrace)

	if s.ws != nil {
		r.Handle("/ws/chat", s.ws)
	}

	return r
}

func (s *server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *server) handleExplain(w http.ResponseWriter, r *http.Request) {
	metrics.RequestsTotal.WithLabelValues("explain").Inc()

	var req pipeline.ExplainRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	result, err := s.pipe.Explain(r.Context(), req)
	if err != nil {
		var verr *pipeline.ValidationError
		if errors.As(err, &verr) {
			writeError(w, http.StatusBadRequest, verr.Error())
			return
		}
		slog.Error("explain failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"explanation": prompts.ExplainFallback,
		})
		return
	}

	writeJSON(w, http.StatusOK, result)
}

func (s *server) handleChat(w http.ResponseWriter, r *http.Request) {
	metrics.RequestsTotal.WithLabelValues("chat").Inc()

	var req pipeline.ChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	result, err := s.pipe.Chat(r.Context(), req)
	if err != nil {
		var verr *pipeline.ValidationError
		if errors.As(err, &verr) {
			writeError(w, http.StatusBadRequest, verr.Error())
			return
		}
		slog.Error("chat failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"reply": prompts.ChatFallback,
		})
		return
	}

	writeJSON(w, http.StatusOK, result)
}

func (s *server) handleFeedback(w http.ResponseWriter, r *http.Request) {
	metrics.RequestsTotal.WithLabelValues("feedback").Inc()

	var req pipeline.FeedbackRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	if err := s.pipe.Feedback(r.Context(), req); err != nil {
		var verr *pipeline.ValidationError
		if errors.As(err, &verr) {
			writeError(w, http.StatusBadRequest, verr.Error())
			return
		}
		// Delivery failure, not caller error: acknowledge with ok=false.
		writeJSON(w, http.StatusOK, map[string]bool{"ok": false})
		return
	}

	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *server) handleListTraces(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		writeError(w, http.StatusNotFound, "trace store disabled")
		return
	}

	limit := queryInt(r, "limit", 50)
	offset := queryInt(r, "offset", 0)
	if limit < 1 || limit > 500 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}

	traces, total, err := s.store.ListTraces(r.Context(), limit, offset)
	if err != nil {
		slog.Error("list traces failed", "error", err)
		writeError(w, http.StatusInternalServerError, "trace store unavailable")
		return
	}
	if traces == nil {
		traces = []trace.TraceSummary{}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"traces": traces,
		"total":  total,
		"limit":  limit,
		"offset": offset,
	})
}

func (s *server) handleGetTrace(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		writeError(w, http.StatusNotFound, "trace store disabled")
		return
	}

	id := chi.URLParam(r, "id")
	data, err := s.store.GetTrace(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusNotFound, "trace not found")
		return
	}
	writeJSON(w, http.StatusOK, data)
}

func queryInt(r *http.Request, key string, fallback int) int {
	val := r.URL.Query().Get(key)
	if val == "" {
		return fallback
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		return fallback
	}
	return n
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("write response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
