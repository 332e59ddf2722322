// Package ws provides a WebSocket transport for the chat pipeline: the
// sidebar keeps one connection open and sends each message as a JSON text
// frame instead of a separate POST.
package ws

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/gorilla/websocket"

	"github.com/finlit/explainer-gateway/internal/metrics"
	"github.com/finlit/explainer-gateway/internal/pipeline"
	"github.com/finlit/explainer-gateway/internal/prompts"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Chatter runs one vetted chat turn. Satisfied by *pipeline.Pipeline.
type Chatter interface {
	Chat(ctx context.Context, req pipeline.ChatRequest) (*pipeline.ChatResult, error)
}

// Handler manages WebSocket chat sessions with admission control.
type Handler struct {
	pipe Chatter
	sem  chan struct{}
}

// NewHandler creates a WebSocket handler with a concurrency limit.
func NewHandler(pipe Chatter, maxConcurrent int) *Handler {
	if maxConcurrent <= 0 {
		maxConcurrent = 100
	}
	return &Handler{
		pipe: pipe,
		sem:  make(chan struct{}, maxConcurrent),
	}
}

// chatFrame is one inbound text frame: a new message plus the full prior
// history (the server holds no session state, same as the POST route).
type chatFrame struct {
	Message string          `json:"message"`
	History []pipeline.Turn `json:"history,omitempty"`
}

// event is one outbound frame.
type event struct {
	Type      string            `json:"type"` // "reply" or "error"
	Reply     string            `json:"reply,omitempty"`
	TraceID   string            `json:"trace_id,omitempty"`
	Guardrail *pipeline.Verdict `json:"guardrail,omitempty"`
	Error     string            `json:"error,omitempty"`
}

// ServeHTTP upgrades the connection and serves chat frames until the
// client disconnects. Returns 503 at max capacity.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	select {
	case h.sem <- struct{}{}:
		defer func() { <-h.sem }()
	default:
		http.Error(w, "at capacity", http.StatusServiceUnavailable)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	metrics.WSSessionsActive.Inc()
	metrics.WSSessionsTotal.Inc()
	defer metrics.WSSessionsActive.Dec()

	h.runSession(r.Context(), conn)
}

func (h *Handler) runSession(ctx context.Context, conn *websocket.Conn) {
	slog.Info("ws chat session started", "remote", conn.RemoteAddr().String())

	for {
		var frame chatFrame
		if err := conn.ReadJSON(&frame); err != nil {
			slog.Info("ws chat session closed", "error", err)
			return
		}

		result, err := h.pipe.Chat(ctx, pipeline.ChatRequest{
			Message: frame.Message,
			History: frame.History,
		})
		if err != nil {
			writeEvent(conn, errorEvent(err))
			continue
		}

		writeEvent(conn, event{
			Type:      "reply",
			Reply:     result.Reply,
			TraceID:   result.TraceID,
			Guardrail: &result.Guardrail,
		})
	}
}

func errorEvent(err error) event {
	var verr *pipeline.ValidationError
	if errors.As(err, &verr) {
		return event{Type: "error", Error: verr.Error()}
	}
	// Same fixed fallback the POST route returns on upstream failure.
	return event{Type: "error", Error: prompts.ChatFallback}
}

func writeEvent(conn *websocket.Conn, ev event) {
	if err := conn.WriteJSON(ev); err != nil {
		slog.Error("ws write event", "error", err)
	}
}
