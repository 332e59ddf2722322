package pipeline

import (
	"context"
	"fmt"
)

// Chat turn roles. Gemini's convention ("user"/"model") is the wire format;
// backends that use other role names map internally.
const (
	RoleUser  = "user"
	RoleModel = "model"
)

// Turn is one message of a chat history, oldest first.
type Turn struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// GenerationRequest describes one model invocation. Prompt and Turns are
// mutually exclusive: single-shot calls (explain, guardrail, clarity) set
// Prompt; chat calls set Turns.
type GenerationRequest struct {
	Prompt      string
	Turns       []Turn
	System      string
	Temperature *float64
}

// GenerationResult holds the complete model response with timing.
type GenerationResult struct {
	Text      string
	LatencyMs float64
	TokensIn  int
	TokensOut int
}

// GenerationClient produces a completion from a hosted language model.
type GenerationClient interface {
	Generate(ctx context.Context, req GenerationRequest) (*GenerationResult, error)
	Model() string
}

// GenerationRouter maps engine names to backends with a fallback default.
type GenerationRouter struct {
	backends map[string]GenerationClient
	fallback string
}

// NewGenerationRouter creates a router over the given backends.
func NewGenerationRouter(backends map[string]GenerationClient, fallback string) *GenerationRouter {
	return &GenerationRouter{backends: backends, fallback: fallback}
}

// Route returns the backend for the given engine name, falling back to the default.
func (r *GenerationRouter) Route(engine string) (GenerationClient, error) {
	if backend, ok := r.backends[engine]; ok {
		return backend, nil
	}
	if backend, ok := r.backends[r.fallback]; ok {
		return backend, nil
	}
	return nil, fmt.Errorf("no generation backend for engine %q", engine)
}

// Engines returns the names of all registered backends.
func (r *GenerationRouter) Engines() []string {
	names := make([]string, 0, len(r.backends))
	for k := range r.backends {
		names = append(names, k)
	}
	return names
}
