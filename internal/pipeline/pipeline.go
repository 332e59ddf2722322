// Package pipeline implements the request-processing pipeline that turns an
// inbound explain/chat/feedback request into a vetted, scored, traced
// response.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/finlit/explainer-gateway/internal/metrics"
	"github.com/finlit/explainer-gateway/internal/prompts"
	"github.com/finlit/explainer-gateway/internal/trace"
)

// ValidationError marks malformed caller input. The HTTP layer maps it to
// 400; it produces no trace side effects.
type ValidationError struct {
	msg string
}

func (e *ValidationError) Error() string { return e.msg }

// NewValidationError creates a caller-input error with the given message.
func NewValidationError(msg string) *ValidationError {
	return &ValidationError{msg: msg}
}

// ExplainRequest asks for an explanation of selected text.
type ExplainRequest struct {
	Text    string `json:"text"`
	Context string `json:"context,omitempty"`
	UserID  string `json:"user_id,omitempty"`
}

// ExplainResult is the vetted response for one explain request.
type ExplainResult struct {
	Explanation  string  `json:"explanation"`
	TraceID      string  `json:"traceId"`
	Guardrail    Verdict `json:"guardrail"`
	ClarityScore float64 `json:"clarityScore"`
}

// ChatRequest carries a new chat message plus the full prior history; the
// server holds no session state between calls.
type ChatRequest struct {
	Message string `json:"message"`
	History []Turn `json:"history,omitempty"`
}

// ChatResult is the vetted response for one chat turn.
type ChatResult struct {
	Reply     string  `json:"reply"`
	TraceID   string  `json:"traceId"`
	Guardrail Verdict `json:"guardrail"`
}

// FeedbackRequest correlates a user vote to an earlier trace.
type FeedbackRequest struct {
	TraceID string `json:"traceId"`
	Vote    string `json:"vote"`
	Source  string `json:"source,omitempty"`
}

// FeedbackRecorder appends a feedback score to a trace's permanent record
// in the external store. Best-effort: a single delivery attempt.
type FeedbackRecorder interface {
	RecordFeedback(ctx context.Context, traceID string, score trace.Score, source string) error
}

// chatTemperature is the fixed sampling temperature for chat turns.
const chatTemperature = 0.7

var voteValues = map[string]float64{
	"up":   1,
	"down": -1,
}

// Config holds the pipeline's injected service handles.
type Config struct {
	LLM      GenerationClient
	Tracer   *trace.Tracer
	Feedback FeedbackRecorder
}

// Pipeline sequences generation, guardrail, clarity scoring, tracing and
// feedback delivery per request. One instance serves all requests; each
// request owns its own trace.
type Pipeline struct {
	cfg       Config
	guardrail *Guardrail
	clarity   *ClarityScorer
}

// New creates a pipeline from the injected clients.
func New(cfg Config) *Pipeline {
	return &Pipeline{
		cfg:       cfg,
		guardrail: NewGuardrail(cfg.LLM),
		clarity:   NewClarityScorer(cfg.LLM),
	}
}

// Explain generates, vets and scores an explanation of the selected text.
// Validation failures return a ValidationError without creating a trace;
// any later failure is recorded on the trace and wrapped for the HTTP
// layer to map to the fixed fallback response.
func (p *Pipeline) Explain(ctx context.Context, req ExplainRequest) (*ExplainResult, error) {
	if strings.TrimSpace(req.Text) == "" {
		return nil, &ValidationError{msg: "text is required"}
	}

	userID := req.UserID
	if userID == "" {
		userID = "anonymous"
	}

	start := time.Now()
	tr := p.cfg.Tracer.StartTrace(
		"explain_financial_term",
		req,
		[]string{"extension-backend", "finance", "explain"},
		map[string]any{"user_id": userID},
	)

	result, err := p.explain(ctx, req, tr)
	if err != nil {
		metrics.Errors.WithLabelValues("explain", "pipeline").Inc()
		tr.Fail(err)
		tr.Flush()
		return nil, fmt.Errorf("explain pipeline: %w", err)
	}

	tr.Flush()
	metrics.E2EDuration.Observe(time.Since(start).Seconds())
	slog.Info("explain_done",
		"trace_id", result.TraceID,
		"flagged", result.Guardrail.IsAdvice,
		"clarity", result.ClarityScore,
		"e2e_ms", time.Since(start).Milliseconds(),
	)
	return result, nil
}

func (p *Pipeline) explain(ctx context.Context, req ExplainRequest, tr *trace.Trace) (*ExplainResult, error) {
	prompt := prompts.Explain(req.Text, strings.TrimSpace(req.Context))

	span := tr.StartSpan("generate_explanation", "content-generation")
	res, err := p.cfg.LLM.Generate(ctx, GenerationRequest{Prompt: prompt})
	if err != nil {
		span.End(prompt, nil, p.cfg.LLM.Model(), err)
		return nil, err
	}
	span.End(prompt, res.Text, p.cfg.LLM.Model(), nil)

	explanation := res.Text
	if explanation == "" {
		explanation = prompts.EmptyExplanation
	}

	verdict := p.guardrail.Classify(ctx, explanation, tr)
	tr.SetMetadata("guardrail", verdict)
	if verdict.IsAdvice {
		// The refusal goes to the caller; the raw text stays on the
		// trace for audit.
		tr.SetMetadata("raw_explanation", explanation)
		explanation = prompts.Refusal
	}

	clarity := p.clarity.Score(ctx, req.Text, explanation, tr)
	tr.AddScore("clarity_metric", clarity, "Automated LLM-as-a-judge rubric")

	tr.End(map[string]any{"explanation": explanation, "clarityScore": clarity})

	return &ExplainResult{
		Explanation:  strings.TrimSpace(explanation),
		TraceID:      tr.ID(),
		Guardrail:    verdict,
		ClarityScore: clarity,
	}, nil
}

// Chat answers one chat turn against the caller-supplied history. The
// pipeline is stateless between calls: the caller resends the full history
// each turn and no pruning or token budgeting happens here.
func (p *Pipeline) Chat(ctx context.Context, req ChatRequest) (*ChatResult, error) {
	if strings.TrimSpace(req.Message) == "" {
		return nil, &ValidationError{msg: "message is required"}
	}

	start := time.Now()
	tr := p.cfg.Tracer.StartTrace(
		"finance_chat",
		req,
		[]string{"extension-backend", "finance", "chat"},
		nil,
	)

	result, err := p.chat(ctx, req, tr)
	if err != nil {
		metrics.Errors.WithLabelValues("chat", "pipeline").Inc()
		tr.Fail(err)
		tr.Flush()
		return nil, fmt.Errorf("chat pipeline: %w", err)
	}

	tr.Flush()
	metrics.E2EDuration.Observe(time.Since(start).Seconds())
	slog.Info("chat_done",
		"trace_id", result.TraceID,
		"flagged", result.Guardrail.IsAdvice,
		"history_len", len(req.History),
		"e2e_ms", time.Since(start).Milliseconds(),
	)
	return result, nil
}

func (p *Pipeline) chat(ctx context.Context, req ChatRequest, tr *trace.Trace) (*ChatResult, error) {
	turns := make([]Turn, 0, len(req.History)+1)
	turns = append(turns, req.History...)
	turns = append(turns, Turn{Role: RoleUser, Content: req.Message})

	temp := chatTemperature
	span := tr.StartSpan("chat_turn")
	res, err := p.cfg.LLM.Generate(ctx, GenerationRequest{Turns: turns, Temperature: &temp})
	if err != nil {
		span.End(turns, nil, p.cfg.LLM.Model(), err)
		return nil, err
	}
	span.End(turns, res.Text, p.cfg.LLM.Model(), nil)

	reply := res.Text
	if reply == "" {
		reply = prompts.EmptyReply
	}

	verdict := p.guardrail.Classify(ctx, reply, tr)
	tr.SetMetadata("guardrail", verdict)
	if verdict.IsAdvice {
		tr.SetMetadata("raw_reply", reply)
		reply = prompts.Refusal
	}

	tr.End(map[string]any{"reply": reply})

	return &ChatResult{
		Reply:     strings.TrimSpace(reply),
		TraceID:   tr.ID(),
		Guardrail: verdict,
	}, nil
}

// Feedback validates and forwards one user vote to the external trace
// store, keyed by trace id. Votes are append-only and deliberately not
// deduplicated. A delivery failure is returned for the HTTP layer to map
// to an {ok:false} acknowledgement; it never carries store internals.
func (p *Pipeline) Feedback(ctx context.Context, req FeedbackRequest) error {
	if req.TraceID == "" {
		return &ValidationError{msg: "traceId is required"}
	}
	value, ok := voteValues[req.Vote]
	if !ok {
		return &ValidationError{msg: `vote must be "up" or "down"`}
	}

	source := req.Source
	if source != "overlay" && source != "sidebar" {
		source = "overlay"
	}

	metrics.FeedbackVotes.WithLabelValues(req.Vote).Inc()

	score := trace.Score{
		Name:   "user_feedback",
		Value:  value,
		Reason: fmt.Sprintf("User %s-vote from %s", req.Vote, source),
	}
	if err := p.cfg.Feedback.RecordFeedback(ctx, req.TraceID, score, source); err != nil {
		metrics.Errors.WithLabelValues("feedback", "delivery").Inc()
		slog.Warn("feedback delivery failed", "trace_id", req.TraceID, "error", err)
		return fmt.Errorf("feedback delivery: %w", err)
	}

	slog.Info("feedback_recorded", "trace_id", req.TraceID, "vote", req.Vote, "source", source)
	return nil
}
