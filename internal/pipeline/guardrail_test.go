package pipeline

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/finlit/explainer-gateway/internal/trace"
)

// classify runs one guardrail call against a throwaway trace and returns the
// verdict plus the exported trace tree for score inspection.
func classify(t *testing.T, llm GenerationClient, candidate string) (Verdict, *trace.Data) {
	t.Helper()
	exp := &captureExporter{}
	tracer := trace.NewTracer(exp)

	tr := tracer.StartTrace("test", nil, nil, nil)
	verdict := NewGuardrail(llm).Classify(context.Background(), candidate, tr)
	tr.End(nil)
	tr.Flush()
	tracer.Close()

	return verdict, exp.last(t)
}

func TestClassifyStructuredVerdict(t *testing.T) {
	llm := &fakeLLM{generate: func(context.Context, GenerationRequest) (*GenerationResult, error) {
		return &GenerationResult{Text: `{"is_advice": true, "reason": "Tells the reader to buy"}`}, nil
	}}

	verdict, data := classify(t, llm, "Buy low, sell high.")
	assert.True(t, verdict.IsAdvice)
	assert.Equal(t, "Tells the reader to buy", verdict.Reason)

	require.Len(t, data.Scores, 1)
	assert.Equal(t, "guardrail_financial_advice", data.Scores[0].Name)
	assert.Equal(t, -1.0, data.Scores[0].Value)
}

func TestClassifySafeVerdictScoresPositive(t *testing.T) {
	llm := &fakeLLM{generate: func(context.Context, GenerationRequest) (*GenerationResult, error) {
		return &GenerationResult{Text: `{"is_advice": false, "reason": "Neutral explanation"}`}, nil
	}}

	verdict, data := classify(t, llm, "A bond is a loan to a company or government.")
	assert.False(t, verdict.IsAdvice)
	require.Len(t, data.Scores, 1)
	assert.Equal(t, 1.0, data.Scores[0].Value)
}

func TestClassifyFencedJSON(t *testing.T) {
	llm := &fakeLLM{generate: func(context.Context, GenerationRequest) (*GenerationResult, error) {
		return &GenerationResult{Text: "```json\n{\"is_advice\": false, \"reason\": \"ok\"}\n```"}, nil
	}}

	verdict, _ := classify(t, llm, "anything")
	assert.False(t, verdict.IsAdvice)
	assert.Equal(t, "ok", verdict.Reason)
}

func TestClassifyHeuristicFallback(t *testing.T) {
	llm := &fakeLLM{generate: func(context.Context, GenerationRequest) (*GenerationResult, error) {
		return &GenerationResult{Text: "hmm, hard to say"}, nil
	}}

	cases := []struct {
		candidate string
		flagged   bool
	}{
		{"buy bitcoin now", true},
		{"You should sell your shares immediately.", true},
		{"you should invest everything in gold", true},
		{"Load up on tech stocks before earnings.", true},
		{"A dividend is a payment a company makes to shareholders.", false},
		// "buyback" has no trailing space after "buy", so it must not match.
		{"A buyback reduces the number of outstanding shares.", false},
	}
	for _, tc := range cases {
		verdict, _ := classify(t, llm, tc.candidate)
		assert.Equal(t, tc.flagged, verdict.IsAdvice, tc.candidate)
	}
}

func TestClassifyMissingFieldUsesHeuristic(t *testing.T) {
	// Valid JSON but no is_advice field: the strict parse must reject it.
	llm := &fakeLLM{generate: func(context.Context, GenerationRequest) (*GenerationResult, error) {
		return &GenerationResult{Text: `{"reason": "looks fine"}`}, nil
	}}

	verdict, _ := classify(t, llm, "buy the dip")
	assert.True(t, verdict.IsAdvice)
}

func TestClassifyFailsOpen(t *testing.T) {
	llm := &fakeLLM{generate: func(context.Context, GenerationRequest) (*GenerationResult, error) {
		return nil, errors.New("model unavailable")
	}}

	verdict, data := classify(t, llm, "buy everything")
	assert.False(t, verdict.IsAdvice, "hard failure must not block the response")
	assert.Equal(t, "Guardrail error", verdict.Reason)
	assert.Empty(t, data.Scores, "failed classification records no score")

	require.Len(t, data.Spans, 1)
	assert.Equal(t, "financial_advice_guardrail", data.Spans[0].Name)
	assert.Equal(t, "error", data.Spans[0].Status)
}
