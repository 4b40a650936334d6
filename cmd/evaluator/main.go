// Command evaluator runs the copywriting evaluation pipeline: it loads
// configuration, wires the sentence/rule stores, the per-stage LLM clients,
// the error circuit, the performance recorder, and the scheduler into an
// internal/app.App, then serves the HTTP API until an interrupt signal
// arrives.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	anyllmlib "github.com/mozilla-ai/any-llm-go"
	"go.opentelemetry.io/otel"

	"github.com/merlin-platform/copywriting-evaluator/internal/api"
	"github.com/merlin-platform/copywriting-evaluator/internal/app"
	"github.com/merlin-platform/copywriting-evaluator/internal/config"
	"github.com/merlin-platform/copywriting-evaluator/internal/health"
	"github.com/merlin-platform/copywriting-evaluator/internal/observe"
	llmprovider "github.com/merlin-platform/copywriting-evaluator/pkg/provider/llm"
	"github.com/merlin-platform/copywriting-evaluator/pkg/provider/llm/anyllm"
	"github.com/merlin-platform/copywriting-evaluator/pkg/provider/llm/openai"
)

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	flag.Parse()

	// ── Load configuration ───────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "evaluator: config file %q not found — pass -config with the path to a YAML config file\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "evaluator: %v\n", err)
		}
		return 1
	}

	// ── Logger ───────────────────────────────────────────────────────────────
	logger := newLogger(cfg.Server.LogLevel)
	slog.SetDefault(logger)

	slog.Info("evaluator starting",
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
		"mode", cfg.Pipeline.Mode,
	)

	if cfg.Server.AuthToken == "" {
		slog.Warn("no auth_token configured — the HTTP API is unauthenticated")
	}

	// ── Observability ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownObserve, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName:    "copywriting-evaluator",
		ServiceVersion: "dev",
	})
	if err != nil {
		slog.Error("failed to init observability provider", "err", err)
		return 1
	}
	defer func() {
		if err := shutdownObserve(context.Background()); err != nil {
			slog.Warn("observability shutdown error", "err", err)
		}
	}()

	metrics := observe.DefaultMetrics()

	// ── Provider registry ─────────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltinProviders(reg)

	providerFactory := func(entry config.ProviderEntry) (llmprovider.Provider, error) {
		return reg.CreateLLM(entry)
	}

	// ── Application wiring ────────────────────────────────────────────────────
	application, err := app.New(ctx, cfg, providerFactory, otel.GetMeterProvider())
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}

	// ── HTTP server: API + health ──────────────────────────────────────────
	mux := http.NewServeMux()
	api.New(application, cfg.Server.AuthToken).Register(mux)
	health.New(
		health.Checker{Name: "database", Check: func(ctx context.Context) error {
			return application.Pool().Ping(ctx)
		}},
	).Register(mux)

	addr := cfg.Server.ListenAddr
	if addr == "" {
		addr = ":8080"
	}
	srv := &http.Server{
		Addr:    addr,
		Handler: observe.Middleware(metrics)(mux),
	}

	serveErrCh := make(chan error, 1)
	go func() {
		slog.Info("http server listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErrCh <- err
			return
		}
		serveErrCh <- nil
	}()

	slog.Info("evaluator ready — press Ctrl+C to shut down")

	runErrCh := make(chan error, 1)
	go func() { runErrCh <- application.Run(ctx) }()

	select {
	case err := <-serveErrCh:
		if err != nil {
			slog.Error("http server error", "err", err)
		}
	case err := <-runErrCh:
		if err != nil && !errors.Is(err, context.Canceled) {
			slog.Error("run error", "err", err)
		}
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	slog.Info("shutdown signal received, stopping…")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Warn("http server shutdown error", "err", err)
	}
	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// ── Provider wiring ──────────────────────────────────────────────────────────

// registerBuiltinProviders registers a factory for every LLM provider name
// the config accepts, backed by pkg/provider/llm/anyllm (for the providers
// any-llm-go supports) and pkg/provider/llm/openai (as a direct alternative
// backend for "openai").
func registerBuiltinProviders(reg *config.Registry) {
	reg.RegisterLLM("openai", func(e config.ProviderEntry) (llmprovider.Provider, error) {
		return openai.New(e.APIKey, e.Model, openai.WithBaseURL(e.BaseURL))
	})
	reg.RegisterLLM("anthropic", func(e config.ProviderEntry) (llmprovider.Provider, error) {
		return anyllm.NewAnthropic(e.Model, anyllmOpts(e)...)
	})
	reg.RegisterLLM("gemini", func(e config.ProviderEntry) (llmprovider.Provider, error) {
		return anyllm.NewGemini(e.Model, anyllmOpts(e)...)
	})
	reg.RegisterLLM("ollama", func(e config.ProviderEntry) (llmprovider.Provider, error) {
		return anyllm.NewOllama(e.Model, anyllmOpts(e)...)
	})
	reg.RegisterLLM("deepseek", func(e config.ProviderEntry) (llmprovider.Provider, error) {
		return anyllm.NewDeepSeek(e.Model, anyllmOpts(e)...)
	})
	reg.RegisterLLM("mistral", func(e config.ProviderEntry) (llmprovider.Provider, error) {
		return anyllm.NewMistral(e.Model, anyllmOpts(e)...)
	})
	reg.RegisterLLM("groq", func(e config.ProviderEntry) (llmprovider.Provider, error) {
		return anyllm.NewGroq(e.Model, anyllmOpts(e)...)
	})
	reg.RegisterLLM("llamacpp", func(e config.ProviderEntry) (llmprovider.Provider, error) {
		return anyllm.NewLlamaCpp(e.Model, anyllmOpts(e)...)
	})
	reg.RegisterLLM("llamafile", func(e config.ProviderEntry) (llmprovider.Provider, error) {
		return anyllm.NewLlamaFile(e.Model, anyllmOpts(e)...)
	})
}

// anyllmOpts translates a config.ProviderEntry into any-llm-go options.
func anyllmOpts(e config.ProviderEntry) []anyllmlib.Option {
	var opts []anyllmlib.Option
	if e.APIKey != "" {
		opts = append(opts, anyllmlib.WithAPIKey(e.APIKey))
	}
	if e.BaseURL != "" {
		opts = append(opts, anyllmlib.WithBaseURL(e.BaseURL))
	}
	return opts
}

// ── Logger ───────────────────────────────────────────────────────────────────

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}
