// Change Assistant API server.
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

	"github.com/ashureev/change-assist/internal/api"
	"github.com/ashureev/change-assist/internal/assistant"
	"github.com/ashureev/change-assist/internal/backend"
	"github.com/ashureev/change-assist/internal/config"
	"github.com/ashureev/change-assist/internal/conversation"
	"github.com/ashureev/change-assist/internal/convlog"
	"github.com/ashureev/change-assist/internal/identity"
	"github.com/ashureev/change-assist/internal/middleware"
	"github.com/ashureev/change-assist/internal/orchestrator"
	"github.com/ashureev/change-assist/internal/store"
	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"
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
	isDev := cfg.IsDevelopment()

	slog.Info("Starting server", "port", cfg.Port, "dev", isDev)

	// Initialize dependencies.
	repo, err := store.NewSQLite(cfg.DBPath)
	if err != nil {
		slog.Error("Failed to initialize database", "error", err)
		os.Exit(1)
	}
	defer func() {
		if closeErr := repo.Close(); closeErr != nil {
			slog.Error("Failed to close repository", "error", closeErr)
		}
	}()

	if err := repo.Ping(context.Background()); err != nil {
		slog.Error("Database health check failed", "error", err)
		os.Exit(1)
	}
	slog.Info("Database connected")

	client := backend.NewClient(backend.ClientConfig{
		APIBaseURL:          cfg.APIBaseURL,
		IntegrationsBaseURL: cfg.IntegrationsBaseURL,
		Timeout:             cfg.ServiceTimeout,
	}, logger)

	// Chat goes over gRPC when configured; HTTP remains the fallback.
	var chat assistant.ChatService = client
	if cfg.ChatGRPCAddr != "" {
		slog.Info("Attempting to connect to chat service via gRPC", "address", cfg.ChatGRPCAddr)
		grpcCfg := backend.DefaultGRPCChatConfig(cfg.ChatGRPCAddr)
		grpcCfg.RequestTimeout = cfg.ServiceTimeout
		grpcChat, err := backend.NewGRPCChat(grpcCfg, logger)
		if err != nil {
			slog.Warn("Failed to connect to gRPC chat, falling back to HTTP", "error", err)
		} else {
			defer grpcChat.Close()
			chat = grpcChat
		}
	}

	finalizer := orchestrator.New(client, client, client, cfg.DefaultJiraProjectKey, logger)

	convLogger, err := convlog.New(convlog.Config{
		Enabled:       cfg.ConversationLog.Enabled,
		Dir:           cfg.ConversationLog.Dir,
		GlobalEnabled: cfg.ConversationLog.GlobalEnabled,
		GlobalPath:    cfg.ConversationLog.GlobalPath,
		QueueSize:     cfg.ConversationLog.QueueSize,
	}, logger)
	if err != nil {
		slog.Error("Failed to initialize conversation logger", "error", err)
		os.Exit(1)
	}
	defer func() {
		if closeErr := convLogger.Close(); closeErr != nil {
			slog.Error("Failed to close conversation logger", "error", closeErr)
		}
	}()

	services := assistant.Services{
		Chat:      chat,
		Tools:     client,
		Directory: client,
		Feedback:  client,
		Finalizer: finalizer,
	}
	registry := assistant.NewRegistry(
		func(userID, sessionID string) *assistant.Dispatcher {
			return assistant.New(services,
				assistant.WithLogger(logger.With("user_id", userID, "session_id", sessionID)),
				assistant.WithOwner(userID),
				assistant.WithFeedbackRecorder(repo),
				assistant.WithObserver(conversation.Observers{
					convlog.Observer(convLogger, userID, sessionID, "assistant"),
					store.NewTranscript(repo, userID, sessionID, logger),
				}),
			)
		},
		func(userID, sessionID string, d *assistant.Dispatcher) {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			state := d.State()
			err := repo.CloseConversation(ctx, state.ConversationID, state.Mode.String(), time.Now())
			if err != nil && !errors.Is(err, store.ErrNotFound) {
				slog.Warn("Failed to close conversation",
					"user_id", userID,
					"session_id", sessionID,
					"conversation_id", state.ConversationID,
					"error", err)
				return
			}
			slog.Info("Assistant closed", "user_id", userID, "session_id", sessionID, "turns", len(state.Turns))
		},
	)

	limiter := api.NewRateLimiter(cfg.RateLimit.RequestsPerWindow, cfg.RateLimit.WindowDuration)
	defer limiter.Stop()

	// Initialize handlers.
	assistantHandler := api.NewAssistantHandler(registry, limiter, cfg.MaxRequestBodySize)
	healthHandler := api.NewHealthHandler(repo, registry.Len)
	wsHandler := api.NewWebSocketHandler(registry, limiter, cfg.OriginPatterns(), isDev)

	// Setup router.
	r := chi.NewRouter()

	// Global middleware.
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Heartbeat("/health"))
	r.Use(middleware.CORS(cfg.AllowedOrigins(), identity.SessionHeaderName))
	r.Use(identity.Middleware(repo, isDev))

	healthHandler.RegisterHealth(r)
	assistantHandler.RegisterRoutes(r)
	r.Get("/ws/assistant", wsHandler.ServeHTTP)

	// WriteTimeout stays 0 so websocket connections are not cut off.
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0,
		IdleTimeout:  120 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	registry.StartSweeper(ctx, cfg.AssistantIdleTTL, 0)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("Server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		return store.RunRetention(gctx, repo, cfg.TranscriptRetention, 0)
	})
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("Shutting down gracefully...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		err := srv.Shutdown(shutdownCtx)
		registry.CloseAll()
		return err
	})

	if err := g.Wait(); err != nil {
		slog.Error("Server stopped with error", "error", err)
		os.Exit(1)
	}

	slog.Info("Server stopped successfully")
}
