// fastfollow - conversational answers with precomputed follow-ups
package main

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ashureev/fastfollow/internal/api"
	"github.com/ashureev/fastfollow/internal/chat"
	"github.com/ashureev/fastfollow/internal/config"
	"github.com/ashureev/fastfollow/internal/followup"
	"github.com/ashureev/fastfollow/internal/generator"
	"github.com/ashureev/fastfollow/internal/health"
	"github.com/ashureev/fastfollow/internal/identity"
	"github.com/ashureev/fastfollow/internal/middleware"
	"github.com/ashureev/fastfollow/internal/store"
	"github.com/ashureev/fastfollow/internal/telegram"
	"github.com/ashureev/fastfollow/internal/wschat"
	"github.com/ashureev/fastfollow/web"
	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"
)

func main() {
	if err := godotenv.Load(); err != nil {
		slog.Info("No .env file found, using environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	level := slog.LevelInfo
	if cfg.LogDebug {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)

	slog.Info("Starting server", "port", cfg.Port, "dev", cfg.IsDevelopment(), "menu_size", cfg.Followup.MenuSize)

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

	gen, err := generator.NewOpenAI(generator.Config{
		APIKey:  cfg.OpenAI.APIKey,
		BaseURL: cfg.OpenAI.BaseURL,
		Model:   cfg.OpenAI.Model,
		Timeout: cfg.OpenAI.Timeout,
	}, logger)
	if err != nil {
		slog.Error("Failed to initialize generator", "error", err)
		os.Exit(1)
	}
	slog.Info("Generator ready", "model", cfg.OpenAI.Model, "base_url", cfg.OpenAI.BaseURL)

	parser := followup.NewMenuParser(cfg.Followup.HeaderPhrases)
	sessions := chat.NewManager(func() *followup.Conversation {
		return followup.New(gen,
			followup.WithMenuSize(cfg.Followup.MenuSize),
			followup.WithParser(parser),
			followup.WithConcurrency(cfg.Followup.Concurrency),
			followup.WithLogger(logger),
		)
	}, repo, logger)

	// Initialize handlers.
	apiHandler := api.NewHandler(repo, sessions, cfg)
	wsHandler := wschat.NewHandler(repo, sessions, wschat.NewConnRegistry(), cfg.FrontendURL, cfg.IsDevelopment())

	// Setup router.
	r := chi.NewRouter()

	// Global middleware.
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Heartbeat("/health"))
	r.Use(middleware.CORS(allowedOrigins(cfg)))
	r.Use(identity.Middleware(repo, cfg.IsDevelopment()))

	r.Route("/api", apiHandler.RegisterRoutes)
	r.Get("/ws/chat", wsHandler.ServeHTTP)

	// Serve embedded frontend (SPA catch-all).
	r.Handle("/*", web.SPAHandler())

	// SSE responses stay open for the whole generation, so there is no WriteTimeout.
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0,
		IdleTimeout:  120 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	chat.StartJanitor(ctx, sessions, chat.JanitorConfig{
		SessionTTL: cfg.SessionTTL,
		Retention:  cfg.HistoryRetention,
		Cleaner:    repo,
	})
	apiHandler.RateLimiter().StartEviction(ctx)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		slog.Info("Server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	if cfg.GRPCHealthAddr != "" {
		lis, err := net.Listen("tcp", cfg.GRPCHealthAddr)
		if err != nil {
			slog.Error("Failed to listen for gRPC health", "addr", cfg.GRPCHealthAddr, "error", err)
			os.Exit(1)
		}
		healthSrv := health.NewServer(logger)
		healthSrv.Monitor(gctx, 30*time.Second, repo.Ping, gen.Ping)
		g.Go(func() error { return healthSrv.Serve(lis) })
		g.Go(func() error {
			<-gctx.Done()
			healthSrv.Stop()
			return nil
		})
	}

	if cfg.TelegramToken != "" {
		bot := telegram.New(sessions, repo, logger)
		g.Go(func() error {
			// The web UI keeps working without the bot.
			if err := bot.Run(gctx, cfg.TelegramToken); err != nil {
				slog.Error("Telegram bot failed", "error", err)
			}
			return nil
		})
	} else {
		slog.Info("Telegram bot disabled (TELEGRAM_BOT_TOKEN not set)")
	}

	// Wait for shutdown signal or a failed component.
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("Shutting down gracefully...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		slog.Error("Server stopped with error", "error", err)
		os.Exit(1)
	}

	slog.Info("Server stopped successfully")
}

func allowedOrigins(cfg *config.Config) []string {
	if cfg.FrontendURL == "" || cfg.IsDevelopment() {
		return []string{"*"}
	}
	return []string{cfg.FrontendURL}
}
