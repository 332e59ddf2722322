package trace

import "time"

// Score is one named metric attached to a trace (guardrail verdicts,
// clarity ratings, user feedback votes).
type Score struct {
	Name   string  `json:"name"`
	Value  float64 `json:"value"`
	Reason string  `json:"reason,omitempty"`
}

// ErrorInfo is the terminal error of a failed trace.
type ErrorInfo struct {
	Message string `json:"message"`
}

// Span records one outbound model call, nested under its trace.
type Span struct {
	ID           string    `json:"id"`
	TraceID      string    `json:"trace_id"`
	ParentSpanID string    `json:"parent_span_id,omitempty"`
	Name         string    `json:"name"`
	StartTime    time.Time `json:"start_time"`
	EndTime      time.Time `json:"end_time"`
	LatencyMs    float64   `json:"latency_ms"`
	Input        any       `json:"input,omitempty"`
	Output       any       `json:"output,omitempty"`
	Model        string    `json:"model,omitempty"`
	Tags         []string  `json:"tags,omitempty"`
	Status       string    `json:"status"` // "ok" or "error"
	Error        string    `json:"error,omitempty"`
}

// Data is the complete record of one end-to-end request: the trace itself
// plus its child spans and scores. Exporters receive it only after the
// owning request has finalized the trace.
type Data struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	StartTime time.Time      `json:"start_time"`
	EndTime   time.Time      `json:"end_time"`
	Input     any            `json:"input,omitempty"`
	Output    map[string]any `json:"output,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	Tags      []string       `json:"tags,omitempty"`
	Error     *ErrorInfo     `json:"error,omitempty"`
	Scores    []Score        `json:"scores,omitempty"`
	Spans     []Span         `json:"spans,omitempty"`
}
