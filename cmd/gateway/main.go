package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/finlit/explainer-gateway/internal/pipeline"
	"github.com/finlit/explainer-gateway/internal/trace"
	"github.com/finlit/explainer-gateway/internal/ws"
)

func main() {
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, nil)))

	// Local development convenience; absent .env is not an error.
	_ = godotenv.Load()

	cfg := loadConfig()
	if cfg.geminiAPIKey == "" {
		slog.Error("GEMINI_API_KEY is required")
		os.Exit(1)
	}

	ctx := context.Background()

	gemini, err := pipeline.NewGeminiClient(ctx, cfg.geminiAPIKey, cfg.modelName)
	if err != nil {
		slog.Error("gemini client init failed", "error", err)
		os.Exit(1)
	}

	backends := map[string]pipeline.GenerationClient{"gemini": gemini}
	if cfg.openaiAPIKey != "" {
		backends["openai"] = pipeline.NewOpenAIClient(cfg.openaiAPIKey, cfg.openaiBaseURL, cfg.openaiModel)
	}
	router := pipeline.NewGenerationRouter(backends, "gemini")

	llm, err := router.Route(cfg.llmEngine)
	if err != nil {
		slog.Error("no usable generation backend", "engine", cfg.llmEngine, "error", err)
		os.Exit(1)
	}
	slog.Info("generation backend selected", "engine", cfg.llmEngine, "model", llm.Model(), "available", router.Engines())

	opik := trace.NewOpikClient(cfg.opikBaseURL, cfg.opikAPIKey, cfg.opikWorkspace, cfg.opikProject)
	if !opik.Enabled() {
		slog.Warn("OPIK_API_KEY not set, traces will not leave the process")
	}

	exporters := []trace.Exporter{opik}
	var store *trace.Store
	if cfg.traceDBURL != "" {
		store, err = trace.OpenStore(cfg.traceDBURL)
		if err != nil {
			slog.Error("trace store init failed", "error", err)
			os.Exit(1)
		}
		defer store.Close()
		exporters = append(exporters, store)
		slog.Info("local trace store enabled")
	}

	tracer := trace.NewTracer(exporters...)

	pipe := pipeline.New(pipeline.Config{
		LLM:      llm,
		Tracer:   tracer,
		Feedback: opik,
	})

	srv := &server{
		pipe:  pipe,
		store: store,
		ws:    ws.NewHandler(pipe, cfg.maxConcurrentWS),
	}

	httpServer := &http.Server{
		Addr:              ":" + cfg.port,
		Handler:           newRouter(srv),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		slog.Info("gateway listening", "addr", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server failed", "error", err)
			os.Exit(1)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	slog.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "error", err)
	}
	tracer.Close()
	slog.Info("goodbye")
}
