// iSPEC - Lab Assistant API Server
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

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"

	"github.com/ashureev/ispec/internal/api"
	"github.com/ashureev/ispec/internal/assistant"
	"github.com/ashureev/ispec/internal/config"
	"github.com/ashureev/ispec/internal/identity"
	"github.com/ashureev/ispec/internal/middleware"
	"github.com/ashureev/ispec/internal/provider"
	"github.com/ashureev/ispec/internal/store"
	"github.com/ashureev/ispec/internal/tools"
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

	slog.Info("Starting server", "port", cfg.Port, "protocol", cfg.Chat.Protocol, "compare", cfg.Chat.CompareMode)

	// Initialize stores.
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

	domainStore, err := store.NewDomainSQLite(cfg.DomainDBPath)
	if err != nil {
		slog.Error("Failed to initialize domain database", "error", err)
		os.Exit(1)
	}
	defer func() {
		if closeErr := domainStore.Close(); closeErr != nil {
			slog.Error("Failed to close domain store", "error", closeErr)
		}
	}()

	for name, st := range map[string]api.Pinger{"assistant": assistantStore, "core": domainStore} {
		if err := st.Ping(context.Background()); err != nil {
			slog.Error("Database health check failed", "db", name, "error", err)
			os.Exit(1)
		}
	}
	slog.Info("Databases connected")

	// The API schema document backs the search_api_schema tool; the tool
	// degrades to empty results when no document is configured.
	apiSchemaJSON := ""
	if cfg.Chat.APISchemaPath != "" {
		raw, err := os.ReadFile(cfg.Chat.APISchemaPath)
		if err != nil {
			slog.Warn("Failed to read API schema document", "path", cfg.Chat.APISchemaPath, "error", err)
		} else {
			apiSchemaJSON = string(raw)
		}
	}

	// Initialize services.
	registry := tools.NewRegistry(domainStore, assistantStore, apiSchemaJSON, cfg.Chat)
	llm := provider.NewOpenAI(cfg.Provider)
	service := assistant.NewService(cfg.Chat, assistantStore, domainStore, registry, llm)

	// Initialize handlers.
	chatHandler := assistant.NewHandler(service)

	// Setup router.
	r := chi.NewRouter()

	// Global middleware.
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Heartbeat("/ping"))
	r.Use(middleware.CORS(corsOrigins(cfg)))
	r.Use(identity.Middleware())

	r.Get("/health", api.Health(map[string]api.Pinger{
		"assistant": assistantStore,
		"core":      domainStore,
	}))
	chatHandler.RegisterRoutes(r)

	// No WriteTimeout: a chat turn holds the response open for the full
	// provider round trip, which can exceed a minute with tool rounds.
	srv := &http.Server{
		Addr:        ":" + cfg.Port,
		Handler:     r,
		ReadTimeout: 30 * time.Second,
		IdleTimeout: 120 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Start server.
	go func() {
		slog.Info("Server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Server failed", "error", err)
			os.Exit(1)
		}
	}()

	// Wait for shutdown signal.
	<-ctx.Done()
	stop()

	slog.Info("Shutting down gracefully...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("Server forced to shutdown", "error", err)
		os.Exit(1)
	}

	slog.Info("Server stopped successfully")
}

func corsOrigins(cfg *config.Config) []string {
	if cfg.FrontendURL != "" {
		return []string{cfg.FrontendURL}
	}
	return []string{"*"}
}
