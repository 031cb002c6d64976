// Command agentd serves the per-user agent API: authenticated chat, the
// sandboxed tool endpoint, SVG export and signed artifact retrieval.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/siderealhq/agentd/pkg/agent"
	"github.com/siderealhq/agentd/pkg/artifacts"
	"github.com/siderealhq/agentd/pkg/auth"
	"github.com/siderealhq/agentd/pkg/config"
	"github.com/siderealhq/agentd/pkg/gateway"
	"github.com/siderealhq/agentd/pkg/limits"
	"github.com/siderealhq/agentd/pkg/llm"
	"github.com/siderealhq/agentd/pkg/memory"
	"github.com/siderealhq/agentd/pkg/observability"
	"github.com/siderealhq/agentd/pkg/store"
	"github.com/siderealhq/agentd/pkg/tools"
	"github.com/siderealhq/agentd/pkg/vector"
)

func main() {
	if err := run(); err != nil {
		slog.Error("agentd exited", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg := config.Load()
	configureLogging(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	obs, err := observability.New(ctx, &observability.Config{
		ServiceName:    "agentd",
		ServiceVersion: "1.0.0",
		Environment:    cfg.Env,
		OTLPEndpoint:   cfg.OTLPEndpoint,
		SampleRate:     1.0,
		BatchTimeout:   5 * time.Second,
		Insecure:       !cfg.IsProduction(),
	})
	if err != nil {
		return err
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = obs.Shutdown(sctx)
	}()

	var st *store.Store
	if cfg.DatabaseURL != "" {
		st, err = store.Open(cfg.DatabaseURL)
		if err != nil {
			return err
		}
		defer func() { _ = st.Close() }()
	} else if cfg.IsProduction() {
		slog.Warn("no DATABASE_URL configured; chat and tool requests will fail")
	} else {
		slog.Info("running without persistence; memory features disabled")
	}

	authenticator, err := auth.New(auth.Options{
		PublicKeyPEM:  cfg.AuthPublicKeyPEM,
		SharedSecret:  cfg.AuthSharedSecret,
		Issuer:        cfg.AuthIssuer,
		Audience:      cfg.AuthAudience,
		DevAdminToken: cfg.DevAdminToken,
	})
	if err != nil {
		return err
	}

	chat := llm.NewOpenAIClient(cfg.LLMBaseURL, cfg.LLMAPIKey, cfg.ChatModel)
	embedder := llm.NewOpenAIEmbedder(cfg.LLMBaseURL, cfg.LLMAPIKey, cfg.EmbedModel)

	var index vector.Index
	if cfg.VectorIndexURL != "" {
		index = vector.NewHTTPIndex(cfg.VectorIndexURL, cfg.VectorAPIKey)
	}

	var mem *memory.Service
	if st != nil {
		mem = &memory.Service{Store: st, Embedder: embedder, Index: index}
	}

	artifactStore, err := artifacts.NewStoreFromEnv(ctx)
	if err != nil {
		return err
	}

	var limiter limits.Limiter
	if cfg.RedisAddr != "" {
		limiter = limits.NewRedisLimiter(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		slog.Info("rate limiting backed by redis", "addr", cfg.RedisAddr)
	} else {
		limiter = limits.NewMemoryLimiter()
	}

	registry := agent.NewRegistry(&agent.Deps{
		Store:     st,
		LLM:       chat,
		Memory:    mem,
		Tools:     tools.NewRunner(cfg.BackendURL),
		ChatModel: cfg.ChatModel,
	})

	gw := gateway.New(gateway.Options{
		Config:        cfg,
		Authenticator: authenticator,
		Limiter:       limiter,
		Concurrency:   limits.NewConcurrencyLimiter(),
		Registry:      registry,
		Artifacts:     artifactStore,
		StoreBound:    st != nil,
	})

	server := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           obs.Middleware(gw.Handler()),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("agentd listening", "port", cfg.Port, "env", cfg.Env)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	slog.Info("shutting down")
	sctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return server.Shutdown(sctx)
}

func configureLogging(level string) {
	var lvl slog.Level
	switch strings.ToUpper(level) {
	case "DEBUG":
		lvl = slog.LevelDebug
	case "WARN":
		lvl = slog.LevelWarn
	case "ERROR":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})))
}
