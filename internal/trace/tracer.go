package trace

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Exporter delivers a finalized trace tree to a trace store.
// Exporter failures are observability failures, never request failures:
// the tracer logs and swallows them.
type Exporter interface {
	ExportTrace(ctx context.Context, data *Data) error
}

type traceMsg struct {
	data *Data
	ack  chan struct{}
}

// Tracer ships finalized traces to its exporters asynchronously via a
// buffered channel. All methods are nil-safe (no-op on nil receiver).
type Tracer struct {
	exporters []Exporter
	ch        chan traceMsg
	done      chan struct{}

	mu     sync.RWMutex
	closed bool
}

// NewTracer creates a tracer writing to the given exporters.
// Must call Close when done.
func NewTracer(exporters ...Exporter) *Tracer {
	t := &Tracer{
		exporters: exporters,
		ch:        make(chan traceMsg, 64),
		done:      make(chan struct{}),
	}
	go t.drain()
	return t
}

func (t *Tracer) drain() {
	defer close(t.done)
	for msg := range t.ch {
		t.export(msg.data)
		if msg.ack != nil {
			close(msg.ack)
		}
	}
}

func (t *Tracer) export(data *Data) {
	ctx := context.Background()
	for _, exp := range t.exporters {
		if err := exp.ExportTrace(ctx, data); err != nil {
			slog.Warn("trace export failed", "trace_id", data.ID, "error", err)
		}
	}
}

// StartTrace opens a new request-owned trace. The returned handle must only
// be used by the request that created it.
func (t *Tracer) StartTrace(name string, input any, tags []string, metadata map[string]any) *Trace {
	if metadata == nil {
		metadata = map[string]any{}
	}
	return &Trace{
		tracer: t,
		data: Data{
			ID:        uuid.NewString(),
			Name:      name,
			StartTime: time.Now().UTC(),
			Input:     input,
			Tags:      tags,
			Metadata:  metadata,
		},
	}
}

// Close drains pending exports and shuts down the background goroutine.
// Flushes arriving after Close drop their trace with a warning; in-flight
// requests (hijacked WebSocket sessions outlive server shutdown) must never
// crash on the hand-off.
func (t *Tracer) Close() {
	if t == nil {
		return
	}
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.closed = true
	close(t.ch)
	t.mu.Unlock()
	<-t.done
}

// Trace is the durable record of one end-to-end request. It is owned by a
// single request goroutine, so no locking is needed; the tracer only sees
// it after Flush.
type Trace struct {
	tracer  *Tracer
	data    Data
	ended   bool
	flushed bool
}

// ID returns the stable trace identifier assigned at creation.
func (t *Trace) ID() string {
	if t == nil {
		return ""
	}
	return t.data.ID
}

// SetMetadata merges one key into the trace metadata.
func (t *Trace) SetMetadata(key string, value any) {
	if t == nil {
		return
	}
	t.data.Metadata[key] = value
}

// AddScore appends a named score. Scores are append-only.
func (t *Trace) AddScore(name string, value float64, reason string) {
	if t == nil {
		return
	}
	t.data.Scores = append(t.data.Scores, Score{Name: name, Value: value, Reason: reason})
}

// StartSpan opens a child span wrapping exactly one outbound model call.
func (t *Trace) StartSpan(name string, tags ...string) *SpanHandle {
	if t == nil {
		return nil
	}
	return &SpanHandle{
		trace: t,
		span: Span{
			ID:        uuid.NewString(),
			TraceID:   t.data.ID,
			Name:      name,
			StartTime: time.Now().UTC(),
			Tags:      tags,
		},
	}
}

// End finalizes the trace with output. A trace has exactly one terminal
// state; later End/Fail calls are ignored.
func (t *Trace) End(output map[string]any) {
	if t == nil || t.ended {
		return
	}
	t.ended = true
	t.data.Output = output
	t.data.EndTime = time.Now().UTC()
}

// Fail finalizes the trace with an error.
func (t *Trace) Fail(err error) {
	if t == nil || t.ended {
		return
	}
	t.ended = true
	t.data.Error = &ErrorInfo{Message: err.Error()}
	t.data.EndTime = time.Now().UTC()
}

// Flush hands the finalized trace tree to the exporters and blocks until
// the hand-off is complete, so all spans and scores are durably on their
// way before the HTTP response is sent. Flushing twice is a no-op.
func (t *Trace) Flush() {
	if t == nil || t.flushed || t.tracer == nil {
		return
	}
	if !t.ended {
		slog.Warn("trace flushed before finalize", "trace_id", t.data.ID, "name", t.data.Name)
		t.data.EndTime = time.Now().UTC()
		t.ended = true
	}
	t.flushed = true

	data := t.data
	ack := make(chan struct{})

	t.tracer.mu.RLock()
	if t.tracer.closed {
		t.tracer.mu.RUnlock()
		slog.Warn("tracer closed, dropping trace", "trace_id", t.data.ID, "name", t.data.Name)
		return
	}
	t.tracer.ch <- traceMsg{data: &data, ack: ack}
	t.tracer.mu.RUnlock()
	<-ack
}

// SpanHandle accumulates one span until its model call returns.
type SpanHandle struct {
	trace *Trace
	span  Span
	done  bool
}

// End closes the span with the call's input/output and attaches it to the
// parent trace. A nil err marks the span ok.
func (s *SpanHandle) End(input, output any, model string, err error) {
	if s == nil || s.done {
		return
	}
	s.done = true
	s.span.EndTime = time.Now().UTC()
	s.span.LatencyMs = float64(s.span.EndTime.Sub(s.span.StartTime).Milliseconds())
	s.span.Input = input
	s.span.Output = output
	s.span.Model = model
	s.span.Status = "ok"
	if err != nil {
		s.span.Status = "error"
		s.span.Error = err.Error()
	}
	s.trace.data.Spans = append(s.trace.data.Spans, s.span)
}
