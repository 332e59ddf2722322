package pipeline

import (
	"context"
	"fmt"
	"strings"
	"time"

	"google.golang.org/genai"

	"github.com/finlit/explainer-gateway/internal/metrics"
)

// GeminiClient generates completions from the Gemini API with a fixed model.
type GeminiClient struct {
	client *genai.Client
	model  string
}

// NewGeminiClient creates a Gemini client. The API key is required.
func NewGeminiClient(ctx context.Context, apiKey, model string) (*GeminiClient, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("gemini api key is required")
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("create gemini client: %w", err)
	}
	return &GeminiClient{client: client, model: model}, nil
}

// Model returns the fixed model identifier.
func (c *GeminiClient) Model() string {
	return c.model
}

// Generate sends one completion request to Gemini.
func (c *GeminiClient) Generate(ctx context.Context, req GenerationRequest) (*GenerationResult, error) {
	start := time.Now()

	var contents []*genai.Content
	if req.Prompt != "" {
		contents = []*genai.Content{genai.NewContentFromText(req.Prompt, genai.RoleUser)}
	} else {
		contents = make([]*genai.Content, 0, len(req.Turns))
		for _, t := range req.Turns {
			role := genai.Role(genai.RoleUser)
			if t.Role == RoleModel {
				role = genai.RoleModel
			}
			contents = append(contents, genai.NewContentFromText(t.Content, role))
		}
	}

	var cfg *genai.GenerateContentConfig
	if req.Temperature != nil || req.System != "" {
		cfg = &genai.GenerateContentConfig{}
		if req.Temperature != nil {
			cfg.Temperature = genai.Ptr(float32(*req.Temperature))
		}
		if req.System != "" {
			cfg.SystemInstruction = genai.NewContentFromText(req.System, genai.RoleUser)
		}
	}

	resp, err := c.client.Models.GenerateContent(ctx, c.model, contents, cfg)
	if err != nil {
		metrics.Errors.WithLabelValues("generate", "upstream").Inc()
		return nil, fmt.Errorf("gemini generate: %w", err)
	}

	latency := time.Since(start)
	metrics.StageDuration.WithLabelValues("generate").Observe(latency.Seconds())

	result := &GenerationResult{
		Text:      strings.TrimSpace(resp.Text()),
		LatencyMs: float64(latency.Milliseconds()),
	}
	if usage := resp.UsageMetadata; usage != nil {
		result.TokensIn = int(usage.PromptTokenCount)
		result.TokensOut = int(usage.CandidatesTokenCount)
	}
	return result, nil
}
