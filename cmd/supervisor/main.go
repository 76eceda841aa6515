// iSPEC - Lab Assistant Supervisor
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/ashureev/ispec/internal/config"
	"github.com/ashureev/ispec/internal/provider"
	"github.com/ashureev/ispec/internal/store"
	"github.com/ashureev/ispec/internal/supervisor"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := godotenv.Load(); err != nil {
		slog.Info("No .env file found, using environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	slog.Info("Starting supervisor", "agent_id", cfg.Supervisor.AgentID, "interval", cfg.Supervisor.Interval)

	agentStore, err := store.NewAgentSQLite(cfg.AgentDBPath)
	if err != nil {
		slog.Error("Failed to initialize agent database", "error", err)
		os.Exit(1)
	}
	defer func() {
		if closeErr := agentStore.Close(); closeErr != nil {
			slog.Error("Failed to close agent store", "error", closeErr)
		}
	}()

	assistantStore, err := store.NewAssistantSQLite(cfg.AssistantDBPath)
	if err != nil {
		slog.Error("Failed to initialize assistant database", "error", err)
		os.Exit(1)
	}
	defer func() {
		if closeErr := assistantStore.Close(); closeErr != nil {
			slog.Error("Failed to close assistant store", "error", closeErr)
		}
	}()

	if err := agentStore.Ping(context.Background()); err != nil {
		slog.Error("Database health check failed", "db", "agent", "error", err)
		os.Exit(1)
	}
	if err := assistantStore.Ping(context.Background()); err != nil {
		slog.Error("Database health check failed", "db", "assistant", "error", err)
		os.Exit(1)
	}
	slog.Info("Databases connected")

	llm := provider.NewOpenAI(cfg.Provider)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	sup := supervisor.New(cfg.Supervisor, agentStore, assistantStore, llm)
	if err := sup.Run(ctx); err != nil {
		slog.Error("Supervisor failed", "error", err)
		os.Exit(1)
	}

	slog.Info("Supervisor stopped successfully")
}
