package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/finlit/explainer-gateway/internal/metrics"
	"github.com/finlit/explainer-gateway/internal/prompts"
	"github.com/finlit/explainer-gateway/internal/trace"
)

// fakeLLM answers each call through the supplied function.
type fakeLLM struct {
	model    string
	generate func(ctx context.Context, req GenerationRequest) (*GenerationResult, error)
}

func (f *fakeLLM) Generate(ctx context.Context, req GenerationRequest) (*GenerationResult, error) {
	return f.generate(ctx, req)
}

func (f *fakeLLM) Model() string {
	if f.model == "" {
		return "fake-model"
	}
	return f.model
}

// scriptedLLM routes by which prompt template the call came from, so one
// fake serves the generate, guardrail and clarity stages of a full request.
func scriptedLLM(explanation, guardrailJSON, clarity string) *fakeLLM {
	return &fakeLLM{generate: func(_ context.Context, req GenerationRequest) (*GenerationResult, error) {
		switch {
		case strings.Contains(req.Prompt, "compliance reviewer"):
			return &GenerationResult{Text: guardrailJSON}, nil
		case strings.Contains(req.Prompt, "Rate the following"):
			return &GenerationResult{Text: clarity}, nil
		default:
			return &GenerationResult{Text: explanation}, nil
		}
	}}
}

// captureExporter records every exported trace tree.
type captureExporter struct {
	mu     sync.Mutex
	traces []*trace.Data
}

func (c *captureExporter) ExportTrace(_ context.Context, data *trace.Data) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.traces = append(c.traces, data)
	return nil
}

func (c *captureExporter) last(t *testing.T) *trace.Data {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	require.NotEmpty(t, c.traces)
	return c.traces[len(c.traces)-1]
}

// captureFeedback records RecordFeedback calls.
type captureFeedback struct {
	calls []trace.Score
	ids   []string
	err   error
}

func (c *captureFeedback) RecordFeedback(_ context.Context, traceID string, score trace.Score, _ string) error {
	c.calls = append(c.calls, score)
	c.ids = append(c.ids, traceID)
	return c.err
}

func newTestPipeline(llm GenerationClient) (*Pipeline, *captureExporter, *trace.Tracer) {
	exp := &captureExporter{}
	tracer := trace.NewTracer(exp)
	return New(Config{LLM: llm, Tracer: tracer, Feedback: &captureFeedback{}}), exp, tracer
}

func TestExplainHappyPath(t *testing.T) {
	llm := scriptedLLM(
		"A stock is a small ownership share in a company.",
		`{"is_advice": false, "reason": "Educational explanation"}`,
		"0.9",
	)
	p, exp, tracer := newTestPipeline(llm)
	defer tracer.Close()

	result, err := p.Explain(context.Background(), ExplainRequest{Text: "stock", Context: "investing article"})
	require.NoError(t, err)

	assert.Equal(t, "A stock is a small ownership share in a company.", result.Explanation)
	assert.False(t, result.Guardrail.IsAdvice)
	assert.Equal(t, 0.9, result.ClarityScore)
	assert.NotEmpty(t, result.TraceID)

	data := exp.last(t)
	assert.Equal(t, result.TraceID, data.ID)
	assert.Equal(t, "explain_financial_term", data.Name)
	assert.Equal(t, []string{"extension-backend", "finance", "explain"}, data.Tags)
	assert.Equal(t, "anonymous", data.Metadata["user_id"])

	spanNames := make([]string, 0, len(data.Spans))
	for _, sp := range data.Spans {
		spanNames = append(spanNames, sp.Name)
	}
	assert.Equal(t, []string{"generate_explanation", "financial_advice_guardrail", "clarity_evaluation"}, spanNames)

	scoreNames := make([]string, 0, len(data.Scores))
	for _, sc := range data.Scores {
		scoreNames = append(scoreNames, sc.Name)
	}
	assert.Equal(t, []string{"guardrail_financial_advice", "clarity_metric"}, scoreNames)
	assert.Equal(t, 1.0, data.Scores[0].Value)
	assert.Equal(t, 0.9, data.Scores[1].Value)

	assert.Equal(t, "A stock is a small ownership share in a company.", data.Output["explanation"])
	assert.Nil(t, data.Error)
}

func TestStageDurationsObserved(t *testing.T) {
	llm := scriptedLLM(
		"An index fund tracks a market index.",
		`{"is_advice": false, "reason": "Educational"}`,
		"0.8",
	)
	p, _, tracer := newTestPipeline(llm)
	defer tracer.Close()

	_, err := p.Explain(context.Background(), ExplainRequest{Text: "index fund"})
	require.NoError(t, err)

	// The guardrail and clarity stages each get their own series; the
	// generate series comes from the real backend clients.
	assert.GreaterOrEqual(t, testutil.CollectAndCount(metrics.StageDuration), 2)
}

func TestExplainFlaggedGetsRefusal(t *testing.T) {
	llm := scriptedLLM(
		"You should invest in index funds today.",
		`{"is_advice": true, "reason": "Tells the reader to invest"}`,
		"0.8",
	)
	p, exp, tracer := newTestPipeline(llm)
	defer tracer.Close()

	result, err := p.Explain(context.Background(), ExplainRequest{Text: "index fund"})
	require.NoError(t, err)

	assert.Equal(t, prompts.Refusal, result.Explanation)
	assert.True(t, result.Guardrail.IsAdvice)

	data := exp.last(t)
	assert.Equal(t, "You should invest in index funds today.", data.Metadata["raw_explanation"])
	assert.Equal(t, -1.0, data.Scores[0].Value)
	assert.Equal(t, prompts.Refusal, data.Output["explanation"])
}

func TestExplainShouldIBuyTesla(t *testing.T) {
	// Non-JSON guardrail answer forces the keyword heuristic, which must
	// still flag an imperative "buy" in the candidate.
	llm := scriptedLLM(
		"Yes, you should buy Tesla stock right now, it only goes up.",
		"I think this is definitely advice.",
		"0.7",
	)
	p, _, tracer := newTestPipeline(llm)
	defer tracer.Close()

	result, err := p.Explain(context.Background(), ExplainRequest{Text: "Should I buy Tesla stock right now?"})
	require.NoError(t, err)

	assert.True(t, result.Guardrail.IsAdvice)
	assert.Equal(t, prompts.Refusal, result.Explanation)
}

func TestExplainEmptyTextIsValidationError(t *testing.T) {
	p, exp, tracer := newTestPipeline(scriptedLLM("x", "{}", "1"))

	_, err := p.Explain(context.Background(), ExplainRequest{Text: "   "})
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)

	tracer.Close()
	assert.Empty(t, exp.traces, "validation failure must not create a trace")
}

func TestExplainEmptyModelAnswer(t *testing.T) {
	llm := scriptedLLM("", `{"is_advice": false, "reason": "ok"}`, "0.2")
	p, _, tracer := newTestPipeline(llm)
	defer tracer.Close()

	result, err := p.Explain(context.Background(), ExplainRequest{Text: "ETF"})
	require.NoError(t, err)
	assert.Equal(t, prompts.EmptyExplanation, result.Explanation)
}

func TestExplainGenerateFailureIsTraced(t *testing.T) {
	llm := &fakeLLM{generate: func(context.Context, GenerationRequest) (*GenerationResult, error) {
		return nil, errors.New("upstream 500")
	}}
	p, exp, tracer := newTestPipeline(llm)

	_, err := p.Explain(context.Background(), ExplainRequest{Text: "bond"})
	require.Error(t, err)
	var verr *ValidationError
	assert.False(t, errors.As(err, &verr))

	tracer.Close()
	data := exp.last(t)
	require.NotNil(t, data.Error)
	assert.Contains(t, data.Error.Message, "upstream 500")
	require.Len(t, data.Spans, 1)
	assert.Equal(t, "error", data.Spans[0].Status)
}

func TestChatHappyPath(t *testing.T) {
	var gotReq GenerationRequest
	llm := &fakeLLM{generate: func(_ context.Context, req GenerationRequest) (*GenerationResult, error) {
		if strings.Contains(req.Prompt, "compliance reviewer") {
			return &GenerationResult{Text: `{"is_advice": false, "reason": "neutral"}`}, nil
		}
		gotReq = req
		return &GenerationResult{Text: "Diversification spreads risk across assets."}, nil
	}}
	p, exp, tracer := newTestPipeline(llm)
	defer tracer.Close()

	history := []Turn{
		{Role: RoleUser, Content: "What is risk?"},
		{Role: RoleModel, Content: "Risk is the chance of losing money."},
	}
	result, err := p.Chat(context.Background(), ChatRequest{Message: "And diversification?", History: history})
	require.NoError(t, err)

	assert.Equal(t, "Diversification spreads risk across assets.", result.Reply)
	require.Len(t, gotReq.Turns, 3)
	assert.Equal(t, "And diversification?", gotReq.Turns[2].Content)
	require.NotNil(t, gotReq.Temperature)
	assert.Equal(t, 0.7, *gotReq.Temperature)

	data := exp.last(t)
	assert.Equal(t, "finance_chat", data.Name)
	assert.Equal(t, []string{"extension-backend", "finance", "chat"}, data.Tags)
	require.Len(t, data.Spans, 2)
	assert.Equal(t, "chat_turn", data.Spans[0].Name)

	// The span input is everything the model saw, not just the new message.
	spanTurns, ok := data.Spans[0].Input.([]Turn)
	require.True(t, ok)
	require.Len(t, spanTurns, 3)
	assert.Equal(t, "And diversification?", spanTurns[2].Content)

	assert.Equal(t, "Diversification spreads risk across assets.", data.Output["reply"])
}

func TestChatEmptyMessageIsValidationError(t *testing.T) {
	p, exp, tracer := newTestPipeline(scriptedLLM("x", "{}", "1"))

	_, err := p.Chat(context.Background(), ChatRequest{Message: ""})
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)

	tracer.Close()
	assert.Empty(t, exp.traces)
}

func TestChatEmptyReplyFallback(t *testing.T) {
	llm := scriptedLLM("", `{"is_advice": false, "reason": "ok"}`, "1")
	p, _, tracer := newTestPipeline(llm)
	defer tracer.Close()

	result, err := p.Chat(context.Background(), ChatRequest{Message: "hi"})
	require.NoError(t, err)
	assert.Equal(t, prompts.EmptyReply, result.Reply)
}

func TestFeedbackVotes(t *testing.T) {
	rec := &captureFeedback{}
	p := New(Config{LLM: &fakeLLM{generate: nil}, Feedback: rec})

	err := p.Feedback(context.Background(), FeedbackRequest{TraceID: "t-1", Vote: "up", Source: "sidebar"})
	require.NoError(t, err)
	err = p.Feedback(context.Background(), FeedbackRequest{TraceID: "t-1", Vote: "down"})
	require.NoError(t, err)

	require.Len(t, rec.calls, 2, "votes are append-only, never deduplicated")
	assert.Equal(t, "user_feedback", rec.calls[0].Name)
	assert.Equal(t, 1.0, rec.calls[0].Value)
	assert.Equal(t, "User up-vote from sidebar", rec.calls[0].Reason)
	assert.Equal(t, -1.0, rec.calls[1].Value)
	assert.Equal(t, "User down-vote from overlay", rec.calls[1].Reason)
	assert.Equal(t, []string{"t-1", "t-1"}, rec.ids)
}

func TestFeedbackValidation(t *testing.T) {
	rec := &captureFeedback{}
	p := New(Config{LLM: &fakeLLM{generate: nil}, Feedback: rec})

	cases := []FeedbackRequest{
		{TraceID: "", Vote: "up"},
		{TraceID: "t-1", Vote: "sideways"},
		{TraceID: "t-1", Vote: ""},
	}
	for _, req := range cases {
		err := p.Feedback(context.Background(), req)
		var verr *ValidationError
		assert.ErrorAs(t, err, &verr, fmt.Sprintf("%+v", req))
	}
	assert.Empty(t, rec.calls, "invalid requests must never reach the recorder")
}

func TestFeedbackDeliveryFailure(t *testing.T) {
	rec := &captureFeedback{err: errors.New("store down")}
	p := New(Config{LLM: &fakeLLM{generate: nil}, Feedback: rec})

	err := p.Feedback(context.Background(), FeedbackRequest{TraceID: "t-1", Vote: "up"})
	require.Error(t, err)
	var verr *ValidationError
	assert.False(t, errors.As(err, &verr))
}
