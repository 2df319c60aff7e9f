// Package main is the entry point for the relaybot broker. It wires the
// stores, the worktree provider, the cleanup scheduler, the dispatch
// pipeline and the chat platform adapters, then serves the HTTP API.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jmoiron/sqlx"
	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/relaybot/relaybot/internal/cleanup"
	"github.com/relaybot/relaybot/internal/codebase"
	"github.com/relaybot/relaybot/internal/commands"
	"github.com/relaybot/relaybot/internal/common/config"
	"github.com/relaybot/relaybot/internal/common/constants"
	"github.com/relaybot/relaybot/internal/common/httpmw"
	"github.com/relaybot/relaybot/internal/common/logger"
	"github.com/relaybot/relaybot/internal/common/tracing"
	"github.com/relaybot/relaybot/internal/conversation"
	"github.com/relaybot/relaybot/internal/db"
	"github.com/relaybot/relaybot/internal/events"
	"github.com/relaybot/relaybot/internal/git"
	"github.com/relaybot/relaybot/internal/httpapi"
	"github.com/relaybot/relaybot/internal/isolation"
	"github.com/relaybot/relaybot/internal/isolation/worktree"
	"github.com/relaybot/relaybot/internal/locks"
	"github.com/relaybot/relaybot/internal/metrics"
	"github.com/relaybot/relaybot/internal/orchestrator"
	"github.com/relaybot/relaybot/internal/platform"
	"github.com/relaybot/relaybot/internal/platform/discord"
	"github.com/relaybot/relaybot/internal/platform/github"
	"github.com/relaybot/relaybot/internal/platform/slack"
	"github.com/relaybot/relaybot/internal/platform/telegram"
	"github.com/relaybot/relaybot/internal/platform/testadapter"
	"github.com/relaybot/relaybot/internal/repoclone"
	"github.com/relaybot/relaybot/internal/streaming"
	"github.com/relaybot/relaybot/internal/template"
	"github.com/relaybot/relaybot/pkg/ai"

	// Assistant providers register themselves with pkg/ai.
	_ "github.com/relaybot/relaybot/pkg/ai/claudecode"
	_ "github.com/relaybot/relaybot/pkg/ai/codex"
	_ "github.com/relaybot/relaybot/pkg/ai/opencode"
)

func main() {
	// 1. Load .env (optional) and configuration
	_ = godotenv.Load()
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// 2. Initialize logger
	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()
	logger.SetDefault(log)

	log.Info("Starting relaybot broker...")

	// 3. Create context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 4. Open the database
	pool, err := openDatabase(cfg)
	if err != nil {
		log.Fatal("Failed to open database", zap.Error(err))
	}
	defer func() { _ = pool.Close() }()
	log.Info("Database ready", zap.String("driver", cfg.Database.Driver))

	// 5. Connect the event bus (NATS when configured, in-memory otherwise)
	providedBus, busCleanup, err := events.Provide(cfg, log)
	if err != nil {
		log.Fatal("Failed to connect event bus", zap.Error(err))
	}
	defer func() { _ = busCleanup() }()
	eventBus := providedBus.Bus

	// 6. Stores
	convStore, err := conversation.NewStore(pool.Writer(), pool.Reader())
	if err != nil {
		log.Fatal("Failed to initialize conversation store", zap.Error(err))
	}
	cbStore, err := codebase.NewStore(pool.Writer(), pool.Reader())
	if err != nil {
		log.Fatal("Failed to initialize codebase store", zap.Error(err))
	}
	envStore, err := isolation.NewStore(pool.Writer(), pool.Reader())
	if err != nil {
		log.Fatal("Failed to initialize isolation store", zap.Error(err))
	}
	tplStore, err := template.NewStore(pool.Writer(), pool.Reader())
	if err != nil {
		log.Fatal("Failed to initialize template store", zap.Error(err))
	}

	// 7. Git plumbing, worktree provider, cloner
	gitExec := git.NewExecutor()
	provider := worktree.NewProvider(envStore, gitExec, convStore,
		worktree.NewCodebaseResolver(cbStore), eventBus,
		worktree.Config{BaseDir: cfg.Workspace.WorktreeBase}, log)
	cloner := repoclone.NewCloner(repoclone.Config{
		WorkspacePath:    cfg.Workspace.Path,
		DefaultAssistant: cfg.Orchestrator.DefaultAssistant,
	}, gitExec, cbStore, log)

	// 8. Cleanup service and scheduler
	exporter := metrics.NewExporter(metrics.Config{})
	cleanupSvc := cleanup.NewService(envStore, provider, convStore, gitExec, eventBus,
		cleanup.Config{
			MaxWorktreesPerCodebase: cfg.Workspace.MaxWorktreesPerCodebase,
			StaleThresholdDays:      cfg.Workspace.StaleThresholdDays,
		}, log)
	cleanupSvc.SetMetrics(exporter)
	scheduler := cleanup.NewScheduler(cleanupSvc, cbStore, cfg.Workspace.CleanupInterval(), log)
	scheduler.Start()

	// 9. Command templates
	registry := template.NewRegistry(tplStore, log)
	if cfg.Templates.LoadBuiltins {
		source := template.BuiltinSource()
		if cfg.Templates.Dir != "" {
			source = template.SeedSource(cfg.Templates.Dir)
		}
		seeded, err := registry.Seed(ctx, source)
		if err != nil {
			log.Error("Failed to seed command templates", zap.Error(err))
		} else {
			log.Info("Command templates seeded", zap.Int("count", seeded))
		}
	}

	// 10. Dispatch pipeline
	lockManager := locks.NewManager(cfg.Orchestrator.MaxConcurrentConversations)
	adapters := platform.NewRegistry()
	cmdHandler := commands.NewHandler(convStore, cbStore, envStore, provider,
		tplStore, registry, cleanupSvc, cloner, gitExec, log)
	svc := orchestrator.NewService(convStore, cbStore, provider, registry,
		cmdHandler, cleanupSvc, lockManager, adapters, clientFactory(cfg), eventBus,
		orchestrator.Config{DefaultAssistant: cfg.Orchestrator.DefaultAssistant}, log)
	svc.SetMetrics(exporter)

	// 11. Platform adapters (token-gated)
	testAdapter := startAdapters(ctx, cfg, adapters, svc, log)

	// 12. Streaming hub
	hub := streaming.NewHub(log)
	if err := hub.Attach(eventBus); err != nil {
		log.Fatal("Failed to attach streaming hub", zap.Error(err))
	}
	go hub.Run(ctx)
	wsHandler := streaming.NewHandler(hub, log)

	// 13. HTTP server with Gin
	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(httpmw.RequestLogger(log, "relaybot"))
	router.Use(httpmw.OtelTracing("relaybot"))
	router.Use(gin.Recovery())

	api := httpapi.New(convStore, cbStore, tplStore, cleanupSvc, lockManager,
		adapters, exporter, wsHandler, log)
	api.RegisterRoutes(router)
	if testAdapter != nil {
		testAdapter.RegisterRoutes(router)
	}

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeoutDuration(),
		WriteTimeout: cfg.Server.WriteTimeoutDuration(),
	}

	go func() {
		log.Info("HTTP server listening", zap.Int("port", cfg.Server.Port))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("Failed to start HTTP server", zap.Error(err))
		}
	}()

	// 14. Wait for shutdown signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down relaybot broker...")

	cancel()
	scheduler.Stop()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), constants.ShutdownTimeout)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP server shutdown error", zap.Error(err))
	}
	if err := tracing.Shutdown(shutdownCtx); err != nil {
		log.Error("Tracing shutdown error", zap.Error(err))
	}

	log.Info("Relaybot broker stopped")
}

// openDatabase opens the configured database and wraps it in a
// reader/writer pool. SQLite gets a dedicated read connection; postgres
// shares one pool for both roles.
func openDatabase(cfg *config.Config) (*db.Pool, error) {
	switch cfg.Database.Driver {
	case "postgres":
		conn, err := db.OpenPostgres(cfg.Database.DSN(), cfg.Database.MaxConns, 0)
		if err != nil {
			return nil, err
		}
		sqlxDB := sqlx.NewDb(conn, "pgx")
		return db.NewPool(sqlxDB, sqlxDB), nil
	default:
		writer, err := db.OpenSQLite(cfg.Database.Path)
		if err != nil {
			return nil, err
		}
		reader, err := db.OpenSQLiteReader(cfg.Database.Path)
		if err != nil {
			_ = writer.Close()
			return nil, err
		}
		return db.NewPool(sqlx.NewDb(writer, "sqlite3"), sqlx.NewDb(reader, "sqlite3")), nil
	}
}

// clientFactory builds AI clients with per-assistant CLI path overrides.
func clientFactory(cfg *config.Config) orchestrator.ClientFactory {
	paths := map[ai.AssistantType]string{
		ai.AssistantClaude:   cfg.Assistants.ClaudePath,
		ai.AssistantCodex:    cfg.Assistants.CodexPath,
		ai.AssistantOpenCode: cfg.Assistants.OpenCodePath,
	}
	return func(assistantType string) (ai.Client, error) {
		typ := ai.AssistantType(assistantType)
		return ai.NewClient(typ, ai.Config{
			CLIPath: paths[typ],
			Timeout: constants.AIQueryTimeout,
		})
	}
}

// startAdapters registers every configured platform adapter and starts
// the ones that poll. Returns the test adapter when enabled so its HTTP
// routes can be mounted.
func startAdapters(ctx context.Context, cfg *config.Config, adapters *platform.Registry, handler platform.Handler, log *logger.Logger) *testadapter.Adapter {
	var testAdapter *testadapter.Adapter
	if cfg.Platforms.Test.Enabled {
		testAdapter = testadapter.New(handler, log)
		adapters.Register(testAdapter)
	}

	if token := cfg.Platforms.Discord.BotToken; token != "" {
		adapters.Register(discord.New(token, config.SplitList(cfg.Platforms.Discord.AllowedUserIDs), log))
		log.Info("Discord adapter registered")
	}

	if token := cfg.Platforms.Slack.BotToken; token != "" {
		adapters.Register(slack.New(token, config.SplitList(cfg.Platforms.Slack.AllowedUsers), log))
		log.Info("Slack adapter registered")
	}

	if token := cfg.Platforms.Telegram.BotToken; token != "" {
		tg, err := telegram.New(token, config.SplitList(cfg.Platforms.Telegram.AllowedUserIDs), handler, log)
		if err != nil {
			log.Error("Failed to start Telegram adapter", zap.Error(err))
		} else {
			adapters.Register(tg)
			tg.Start(ctx)
		}
	}

	if token := cfg.Platforms.GitHub.Token; token != "" {
		client := github.NewClient(token)
		ghAdapter := github.NewAdapter(client, config.SplitList(cfg.Platforms.GitHub.AllowedUsers), log)
		adapters.Register(ghAdapter)

		if repos := config.SplitList(cfg.Platforms.GitHub.Repos); len(repos) > 0 {
			interval := time.Duration(cfg.Platforms.GitHub.PollIntervalSeconds) * time.Second
			poller := github.NewPoller(client, ghAdapter, handler, repos, interval, log)
			poller.Start(ctx)
		}
	}

	return testAdapter
}
