package pipeline

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/openai/openai-go/v2"
	"github.com/openai/openai-go/v2/option"

	"github.com/finlit/explainer-gateway/internal/metrics"
)

// OpenAIClient generates completions from an OpenAI-compatible chat
// completions endpoint.
type OpenAIClient struct {
	client openai.Client
	model  string
}

// NewOpenAIClient creates a client for the given API key and model. An
// empty baseURL uses the public OpenAI endpoint.
func NewOpenAIClient(apiKey, baseURL, model string) *OpenAIClient {
	opts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	return &OpenAIClient{client: openai.NewClient(opts...), model: model}
}

// Model returns the fixed model identifier.
func (c *OpenAIClient) Model() string {
	return c.model
}

// Generate sends one non-streaming chat completion request.
func (c *OpenAIClient) Generate(ctx context.Context, req GenerationRequest) (*GenerationResult, error) {
	start := time.Now()

	var messages []openai.ChatCompletionMessageParamUnion
	if req.System != "" {
		messages = append(messages, openai.SystemMessage(req.System))
	}
	if req.Prompt != "" {
		messages = append(messages, openai.UserMessage(req.Prompt))
	} else {
		for _, t := range req.Turns {
			if t.Role == RoleModel {
				messages = append(messages, openai.AssistantMessage(t.Content))
			} else {
				messages = append(messages, openai.UserMessage(t.Content))
			}
		}
	}

	params := openai.ChatCompletionNewParams{
		Model:    openai.ChatModel(c.model),
		Messages: messages,
	}
	if req.Temperature != nil {
		params.Temperature = openai.Float(*req.Temperature)
	}

	resp, err := c.client.Chat.Completions.New(ctx, params)
	if err != nil {
		metrics.Errors.WithLabelValues("generate", "upstream").Inc()
		return nil, fmt.Errorf("openai generate: %w", err)
	}
	if len(resp.Choices) == 0 {
		metrics.Errors.WithLabelValues("generate", "empty").Inc()
		return nil, fmt.Errorf("openai generate: no choices returned")
	}

	latency := time.Since(start)
	metrics.StageDuration.WithLabelValues("generate").Observe(latency.Seconds())

	return &GenerationResult{
		Text:      strings.TrimSpace(resp.Choices[0].Message.Content),
		LatencyMs: float64(latency.Milliseconds()),
		TokensIn:  int(resp.Usage.PromptTokens),
		TokensOut: int(resp.Usage.CompletionTokens),
	}, nil
}
