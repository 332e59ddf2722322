package main

import (
	"os"
	"strconv"

	"github.com/finlit/explainer-gateway/internal/trace"
)

type config struct {
	port            string
	geminiAPIKey    string
	modelName       string
	llmEngine       string
	openaiAPIKey    string
	openaiBaseURL   string
	openaiModel     string
	opikAPIKey      string
	opikBaseURL     string
	opikWorkspace   string
	opikProject     string
	traceDBURL      string
	maxConcurrentWS int
}

func loadConfig() config {
	return config{
		port:            envStr("PORT", "3000"),
		geminiAPIKey:    envStr("GEMINI_API_KEY", ""),
		modelName:       envStr("MODEL_NAME", "gemini-2.5-flash"),
		llmEngine:       envStr("LLM_ENGINE", "gemini"),
		openaiAPIKey:    envStr("OPENAI_API_KEY", ""),
		openaiBaseURL:   envStr("OPENAI_BASE_URL", ""),
		openaiModel:     envStr("OPENAI_MODEL", "gpt-4o-mini"),
		opikAPIKey:      envStr("OPIK_API_KEY", ""),
		opikBaseURL:     envStr("OPIK_URL_OVERRIDE", trace.DefaultOpikBaseURL),
		opikWorkspace:   envStr("OPIK_WORKSPACE", ""),
		opikProject:     envStr("OPIK_PROJECT_NAME", "finlit-extension"),
		traceDBURL:      envStr("TRACE_DB_URL", ""),
		maxConcurrentWS: envInt("MAX_CONCURRENT_WS", 100),
	}
}

func envStr(key, fallback string) string {
	val := os.Getenv(key)
	if val == "" {
		return fallback
	}
	return val
}

func envInt(key string, fallback int) int {
	val := os.Getenv(key)
	if val == "" {
		return fallback
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		return fallback
	}
	return n
}
