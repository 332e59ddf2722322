package trace

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"
)

// DefaultOpikBaseURL is the public cloud endpoint used when no override is set.
const DefaultOpikBaseURL = "https://www.comet.com/opik/api"

// OpikClient ships traces, spans and feedback scores to an Opik-compatible
// trace store over its private REST API. With no API key configured the
// client is disabled and every call is a no-op.
type OpikClient struct {
	baseURL   string
	apiKey    string
	workspace string
	project   string
	client    *http.Client
}

// NewOpikClient creates a client for the trace store at baseURL. An empty
// baseURL falls back to the public cloud endpoint.
func NewOpikClient(baseURL, apiKey, workspace, project string) *OpikClient {
	if baseURL == "" {
		baseURL = DefaultOpikBaseURL
	}
	return &OpikClient{
		baseURL:   baseURL,
		apiKey:    apiKey,
		workspace: workspace,
		project:   project,
		client: &http.Client{
			Timeout: 30 * time.Second,
			Transport: &http.Transport{
				MaxIdleConns:        10,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
				ForceAttemptHTTP2:   true,
			},
		},
	}
}

// Enabled reports whether the client has credentials to deliver anything.
func (c *OpikClient) Enabled() bool {
	return c != nil && c.apiKey != ""
}

type opikTraceBody struct {
	ID          string         `json:"id"`
	ProjectName string         `json:"project_name,omitempty"`
	Name        string         `json:"name"`
	StartTime   time.Time      `json:"start_time"`
	EndTime     time.Time      `json:"end_time"`
	Input       any            `json:"input,omitempty"`
	Output      map[string]any `json:"output,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	Tags        []string       `json:"tags,omitempty"`
	ErrorInfo   *ErrorInfo     `json:"error_info,omitempty"`
}

type opikSpanBody struct {
	ID           string    `json:"id"`
	TraceID      string    `json:"trace_id"`
	ParentSpanID string    `json:"parent_span_id,omitempty"`
	ProjectName  string    `json:"project_name,omitempty"`
	Name         string    `json:"name"`
	Type         string    `json:"type"`
	StartTime    time.Time `json:"start_time"`
	EndTime      time.Time `json:"end_time"`
	Input        any       `json:"input,omitempty"`
	Output       any       `json:"output,omitempty"`
	Model        string    `json:"model,omitempty"`
	Tags         []string  `json:"tags,omitempty"`
	ErrorInfo    *ErrorInfo `json:"error_info,omitempty"`
}

type opikFeedbackBody struct {
	Name         string  `json:"name"`
	Value        float64 `json:"value"`
	Source       string  `json:"source"`
	CategoryName string  `json:"category_name,omitempty"`
	Reason       string  `json:"reason,omitempty"`
}

// ExportTrace delivers one finalized trace tree: the trace record, its
// spans, and its scores. Children are shipped before the score records so
// the store resolves the full tree under a stable trace id.
func (c *OpikClient) ExportTrace(ctx context.Context, data *Data) error {
	if !c.Enabled() {
		return nil
	}

	body := opikTraceBody{
		ID:          data.ID,
		ProjectName: c.project,
		Name:        data.Name,
		StartTime:   data.StartTime,
		EndTime:     data.EndTime,
		Input:       data.Input,
		Output:      data.Output,
		Metadata:    data.Metadata,
		Tags:        data.Tags,
		ErrorInfo:   data.Error,
	}
	if err := c.post(ctx, "/v1/private/traces", body); err != nil {
		return fmt.Errorf("export trace: %w", err)
	}

	for _, sp := range data.Spans {
		spanBody := opikSpanBody{
			ID:           sp.ID,
			TraceID:      sp.TraceID,
			ParentSpanID: sp.ParentSpanID,
			ProjectName:  c.project,
			Name:         sp.Name,
			Type:         "llm",
			StartTime:    sp.StartTime,
			EndTime:      sp.EndTime,
			Input:        sp.Input,
			Output:       sp.Output,
			Model:        sp.Model,
			Tags:         sp.Tags,
		}
		if sp.Error != "" {
			spanBody.ErrorInfo = &ErrorInfo{Message: sp.Error}
		}
		if err := c.post(ctx, "/v1/private/spans", spanBody); err != nil {
			return fmt.Errorf("export span %s: %w", sp.Name, err)
		}
	}

	for _, sc := range data.Scores {
		if err := c.RecordFeedback(ctx, data.ID, sc, "sdk"); err != nil {
			return fmt.Errorf("export score %s: %w", sc.Name, err)
		}
	}
	return nil
}

// RecordFeedback appends one feedback score to the trace's permanent
// record, keyed by trace id. Single delivery attempt, no retry, no queue.
// With no credentials configured it degrades to a logged no-op.
func (c *OpikClient) RecordFeedback(ctx context.Context, traceID string, score Score, source string) error {
	if !c.Enabled() {
		slog.Warn("trace store credentials missing, dropping feedback score", "trace_id", traceID, "name", score.Name)
		return nil
	}
	body := opikFeedbackBody{
		Name:         score.Name,
		Value:        score.Value,
		Source:       source,
		CategoryName: score.Name,
		Reason:       score.Reason,
	}
	return c.post(ctx, "/v1/private/traces/"+traceID+"/feedback_scores", body)
}

func (c *OpikClient) post(ctx context.Context, path string, body any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	if c.workspace != "" {
		req.Header.Set("Comet-Workspace", c.workspace)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("trace store request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		errBody, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("trace store status %d: %s", resp.StatusCode, errBody)
	}
	return nil
}
