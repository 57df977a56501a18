package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/emberfell/scribeOS/internal/adapters/duckdb"
	"github.com/emberfell/scribeOS/internal/adapters/providers"
	appconfig "github.com/emberfell/scribeOS/internal/config"
	"github.com/emberfell/scribeOS/internal/core/domain"
	"github.com/emberfell/scribeOS/internal/core/services"
	"github.com/emberfell/scribeOS/pkg/kernel"
	"github.com/rs/cors"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	logger.Info("starting scribeOS kernel")

	if err := run(logger); err != nil {
		logger.Error("kernel startup failed", "error", err)
		os.Exit(1)
	}
}

func run(logger *slog.Logger) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle signals
	go func() {
		sig := make(chan os.Signal, 1)
		signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
		<-sig
		logger.Info("shutting down")
		cancel()
	}()

	dbPath := os.Getenv("SCRIBE_DB_PATH")
	if dbPath == "" {
		dbPath = "scribe.db"
	}

	repo, err := duckdb.NewRepository(dbPath)
	if err != nil {
		return fmt.Errorf("failed to init repository: %w", err)
	}
	defer repo.Close()

	if os.Getenv("SCRIBE_SEED_DEMO") == "1" {
		if err := repo.SeedDemo(ctx); err != nil {
			return fmt.Errorf("failed to seed demo data: %w", err)
		}
		logger.Info("demo data seeded")
	}

	// Initialize encryption for API key storage
	secretKey, err := appconfig.NewSecretKey()
	if err != nil {
		return fmt.Errorf("failed to init secret key: %w", err)
	}

	// Settings store: loads persisted config from DuckDB with encrypted secrets
	settingsStore, err := appconfig.NewSettingsStore(logger, repo, secretKey)
	if err != nil {
		return fmt.Errorf("failed to init settings store: %w", err)
	}

	config := settingsStore.GetConfig()

	llmProvider, err := providers.Build(config)
	if err != nil {
		return fmt.Errorf("failed to build llm provider from config: %w", err)
	}
	switchable := providers.NewSwitchable(llmProvider)

	// Hot-reload: when settings change, rebuild the provider and swap it in.
	// Agent tunables apply to runs started after the next restart.
	settingsStore.OnChange(func(cfg *domain.AppConfig) {
		if err := switchable.Rebuild(cfg); err != nil {
			logger.Error("failed to rebuild llm provider on settings change", "error", err)
			return
		}
		logger.Info("llm provider hot-reloaded from settings change")
	})

	// Tool Registry - register the data tools over the live store
	toolRegistry := domain.NewToolRegistry()
	if err := services.RegisterDataTools(toolRegistry, repo); err != nil {
		return fmt.Errorf("failed to register data tools: %w", err)
	}

	eventBus := services.NewEventBus(logger)
	tracer := services.NewTraceCollector(logger, eventBus, repo)

	loop := services.NewAgentLoop(logger, switchable, toolRegistry, tracer, config.Agent)

	// Conversation Store - in-memory cache backed by DuckDB (64 conversations cached)
	convStore := services.NewConversationStore(repo, 64)

	orchestrator := services.NewOrchestrator(logger, loop, convStore, repo, repo, toolRegistry, eventBus, config.Agent, "")

	// Model Discovery - detect installed Ollama models on startup
	discovery := services.NewModelDiscovery(logger)
	ollamaURL := config.Providers.LLM.LocalURL
	if ollamaURL == "" {
		ollamaURL = "http://localhost:11434"
	}
	if discovered, err := discovery.DiscoverOllama(ctx, ollamaURL); err == nil && len(discovered) > 0 {
		logger.Info("ollama models discovered", "count", len(discovered))
	} else if err != nil {
		logger.Warn("ollama model discovery failed (non-fatal)", "error", err)
	}

	// Initialize Kernel API Server
	apiServer := kernel.NewServer(logger, orchestrator, eventBus, settingsStore, discovery, tracer, repo)

	// CORS Configuration
	c := cors.New(cors.Options{
		AllowedOrigins:   []string{"http://localhost:5173", "http://localhost:5174"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		AllowCredentials: true,
	})

	handler := c.Handler(apiServer.Handler())

	addr := os.Getenv("SCRIBE_ADDR")
	if addr == "" {
		addr = ":8080"
	}
	httpServer := &http.Server{
		Addr:    addr,
		Handler: handler,
	}

	g, gCtx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("starting user api server", "addr", addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("api server failed: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gCtx.Done()
		logger.Info("shutting down api server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	return g.Wait()
}
