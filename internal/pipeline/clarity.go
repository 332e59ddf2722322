package pipeline

import (
	"context"
	"log/slog"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/finlit/explainer-gateway/internal/metrics"
	"github.com/finlit/explainer-gateway/internal/prompts"
	"github.com/finlit/explainer-gateway/internal/trace"
)

// clarityParseDefault is returned when the model answers with something
// that is not a number. Distinct from the hard-failure value: a garbled
// answer scores neutral, a failed call scores worst-case.
const clarityParseDefault = 0.5

// ClarityScorer rates how beginner-friendly an explanation is via a second
// model call (LLM-as-a-judge).
type ClarityScorer struct {
	llm GenerationClient
}

// NewClarityScorer creates a scorer backed by the given model client.
func NewClarityScorer(llm GenerationClient) *ClarityScorer {
	return &ClarityScorer{llm: llm}
}

// Score runs the rubric as a child span of tr and returns a value in
// [0.0, 1.0]: the parsed rating clamped, 0.5 on parse failure, 0.0 on call
// failure. The caller is responsible for attaching the score to the trace.
func (c *ClarityScorer) Score(ctx context.Context, term, explanation string, tr *trace.Trace) float64 {
	start := time.Now()
	span := tr.StartSpan("clarity_evaluation", "evaluation")

	res, err := c.llm.Generate(ctx, GenerationRequest{Prompt: prompts.Clarity(term, explanation)})
	if err != nil {
		span.End(term, nil, c.llm.Model(), err)
		slog.Warn("clarity evaluation failed", "error", err)
		return 0.0
	}
	span.End(term, res.Text, c.llm.Model(), nil)
	metrics.StageDuration.WithLabelValues("clarity").Observe(time.Since(start).Seconds())

	score, err := strconv.ParseFloat(strings.TrimSpace(res.Text), 64)
	if err != nil || math.IsNaN(score) {
		slog.Debug("clarity answer not numeric, using neutral default", "raw", res.Text)
		return clarityParseDefault
	}
	return math.Min(1.0, math.Max(0.0, score))
}
