package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/finlit/explainer-gateway/internal/metrics"
	"github.com/finlit/explainer-gateway/internal/prompts"
	"github.com/finlit/explainer-gateway/internal/trace"
)

// Verdict is the guardrail's decision for one candidate answer.
type Verdict struct {
	IsAdvice bool   `json:"isAdvice"`
	Reason   string `json:"reason"`
}

// guardrailScore is the score name appended to the parent trace.
const guardrailScore = "guardrail_financial_advice"

// advicePhrases are imperative investment phrases matched by the fallback
// heuristic when the structured verdict cannot be parsed. Matching is a
// case-insensitive substring check.
var advicePhrases = []string{
	"buy ",
	"sell ",
	"you should invest",
	"load up on",
}

// Guardrail classifies candidate answers for actionable investment advice.
type Guardrail struct {
	llm GenerationClient
}

// NewGuardrail creates a guardrail backed by the given model client.
func NewGuardrail(llm GenerationClient) *Guardrail {
	return &Guardrail{llm: llm}
}

// Classify runs the classifier as a child span of tr and appends a
// guardrail score to it: +1 safe, -1 flagged. On a hard model failure the
// guardrail fails open (not advice, no score) so it never blocks a response.
func (g *Guardrail) Classify(ctx context.Context, candidate string, tr *trace.Trace) Verdict {
	start := time.Now()
	span := tr.StartSpan("financial_advice_guardrail", "guardrail")

	res, err := g.llm.Generate(ctx, GenerationRequest{Prompt: prompts.Guardrail(candidate)})
	if err != nil {
		span.End(candidate, nil, g.llm.Model(), err)
		metrics.GuardrailErrors.Inc()
		slog.Warn("guardrail classification failed, failing open", "error", err)
		return Verdict{IsAdvice: false, Reason: "Guardrail error"}
	}

	verdict, parsed := parseVerdict(res.Text)
	if !parsed {
		// Designed degradation, not a request failure.
		slog.Debug("guardrail structured parse failed, using keyword heuristic", "raw", res.Text)
		verdict = heuristicVerdict(candidate)
	}
	span.End(candidate, res.Text, g.llm.Model(), nil)
	metrics.StageDuration.WithLabelValues("guardrail").Observe(time.Since(start).Seconds())

	if verdict.IsAdvice {
		metrics.GuardrailFlags.Inc()
	}
	value := 1.0
	if verdict.IsAdvice {
		value = -1.0
	}
	tr.AddScore(guardrailScore, value, verdict.Reason)

	return verdict
}

// parseVerdict attempts the strict structured parse of the model's raw
// answer. Both fields must be present for the parse to count.
func parseVerdict(raw string) (Verdict, bool) {
	var body struct {
		IsAdvice *bool  `json:"is_advice"`
		Reason   string `json:"reason"`
	}
	cleaned := stripCodeFence(raw)
	if err := json.Unmarshal([]byte(cleaned), &body); err != nil || body.IsAdvice == nil {
		return Verdict{}, false
	}
	return Verdict{IsAdvice: *body.IsAdvice, Reason: body.Reason}, true
}

// heuristicVerdict is the classifier of last resort: flag if any
// enumerated phrase is a substring of the lower-cased candidate.
func heuristicVerdict(candidate string) Verdict {
	lower := strings.ToLower(candidate)
	for _, phrase := range advicePhrases {
		if strings.Contains(lower, phrase) {
			return Verdict{
				IsAdvice: true,
				Reason:   fmt.Sprintf("Matched imperative investment phrase %q", strings.TrimSpace(phrase)),
			}
		}
	}
	return Verdict{IsAdvice: false, Reason: "No advice phrasing detected"}
}

// stripCodeFence unwraps a ```json ... ``` fenced block if the model added one.
func stripCodeFence(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}
