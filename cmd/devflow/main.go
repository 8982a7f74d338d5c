// Package main is the entry point for the Devflow orchestrator. The single
// binary runs the scheduler, the HTTP API, and the WebSocket gateway with
// shared infrastructure.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/devflow/devflow/internal/common/config"
	"github.com/devflow/devflow/internal/common/logger"
	"github.com/devflow/devflow/internal/events"
	gateways "github.com/devflow/devflow/internal/gateway/websocket"
	"github.com/devflow/devflow/internal/orchestrator"
	"github.com/devflow/devflow/internal/orchestrator/agent"
	"github.com/devflow/devflow/internal/orchestrator/api"
	"github.com/devflow/devflow/internal/orchestrator/lock"
	"github.com/devflow/devflow/internal/persistence"
	"github.com/devflow/devflow/internal/tracing"
	"github.com/devflow/devflow/internal/workflow/models"
	"github.com/devflow/devflow/internal/workflow/store"
	"github.com/devflow/devflow/internal/workspace"
)

func main() {
	// 1. Load configuration
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
	defer log.Sync()
	logger.SetDefault(log)

	log.Info("Starting Devflow...")

	// 3. Create context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 4. Initialize database pool and workflow store
	pool, closeDB, err := persistence.Provide(cfg, log)
	if err != nil {
		log.Error("Failed to initialize database", zap.Error(err))
		os.Exit(1)
	}
	defer closeDB()

	st, err := store.New(pool)
	if err != nil {
		log.Error("Failed to initialize workflow store", zap.Error(err))
		os.Exit(1)
	}

	treeLocks, err := lock.NewDBTreeLock(pool)
	if err != nil {
		log.Error("Failed to initialize tree locks", zap.Error(err))
		os.Exit(1)
	}

	// 5. Initialize event bus (in-memory unless NATS is configured)
	provided, closeBus, err := events.Provide(cfg, log)
	if err != nil {
		log.Error("Failed to initialize event bus", zap.Error(err))
		os.Exit(1)
	}
	defer closeBus()
	eventBus := provided.Bus
	if provided.NATS != nil {
		log.Info("Connected to NATS event bus", zap.String("url", cfg.NATS.URL))
	} else {
		log.Info("Using in-memory event bus")
	}

	// 6. Populate the agent registry from configuration
	registry := buildAgentRegistry(cfg.Agents, log)
	log.Info("Agent registry populated", zap.Int("agent_types", len(registry.Types())))

	// 7. Initialize workspace manager
	workspaces := workspace.NewManager(cfg.Workspace, workspace.NewGitSCM(), log)

	// 8. Initialize and start the orchestrator
	svc := orchestrator.New(st, treeLocks, eventBus, registry, workspaces, cfg, log)
	if err := svc.Start(ctx); err != nil {
		log.Error("Failed to start orchestrator", zap.Error(err))
		os.Exit(1)
	}

	// 9. HTTP API + WebSocket gateway
	router := api.NewRouter(svc, log)

	gateway := gateways.NewGateway(log)
	gateway.Start(ctx, eventBus)
	gateway.SetupRoutes(router)

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeoutDuration(),
		WriteTimeout: cfg.Server.WriteTimeoutDuration(),
	}

	go func() {
		log.Info("HTTP server listening",
			zap.String("host", cfg.Server.Host),
			zap.Int("port", cfg.Server.Port))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("Failed to start server", zap.Error(err))
		}
	}()

	// 10. Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down Devflow...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP server shutdown error", zap.Error(err))
	}

	svc.Stop()

	if err := tracing.Shutdown(shutdownCtx); err != nil {
		log.Error("Tracing shutdown error", zap.Error(err))
	}

	log.Info("Devflow stopped")
}

// buildAgentRegistry binds every agent type to an executable. Explicit
// registry entries override the default command.
func buildAgentRegistry(cfg config.AgentsConfig, log *logger.Logger) *agent.Registry {
	registry := agent.NewRegistry()

	allTypes := []models.AgentType{
		models.AgentPlan,
		models.AgentCode,
		models.AgentTest,
		models.AgentReview,
		models.AgentDocument,
		models.AgentSecurityLint,
		models.AgentScaffold,
		models.AgentModuleImport,
	}

	if cfg.DefaultCommand != "" {
		fallback := agent.NewExecAgent(cfg.DefaultCommand, cfg.DefaultArgs, log)
		for _, t := range allTypes {
			registry.Register(t, fallback)
		}
	}

	for _, binding := range cfg.Registry {
		if binding.Command == "" {
			log.Warn("skipping agent binding without command", zap.String("agent_type", binding.Type))
			continue
		}
		registry.Register(models.AgentType(binding.Type), agent.NewExecAgent(binding.Command, binding.Args, log))
	}

	return registry
}
