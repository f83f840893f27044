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

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/caseforge/agent-engine/internal/approval"
	"github.com/caseforge/agent-engine/internal/auth"
	"github.com/caseforge/agent-engine/internal/engine"
	"github.com/caseforge/agent-engine/internal/executor/testgen"
	"github.com/caseforge/agent-engine/internal/llm"
	"github.com/caseforge/agent-engine/internal/notify"
	"github.com/caseforge/agent-engine/internal/runapi"
	"github.com/caseforge/agent-engine/internal/store"
	"github.com/caseforge/agent-engine/pkg/config"
)

// approvalChannel carries cross-instance ticket resolutions.
const approvalChannel = "caseforge:approvals:resolved"

func main() {
	// --- Config ---
	cfg, err := config.Load("config.yaml")
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	initLogger(cfg.Log.Level)
	slog.Info("config loaded", "port", cfg.Server.Port)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// --- Database ---
	pool, err := pgxpool.New(ctx, cfg.Database.DSN)
	if err != nil {
		slog.Error("failed to create db pool", "error", err)
		os.Exit(1)
	}
	defer pool.Close()

	if err := pool.Ping(ctx); err != nil {
		slog.Error("failed to ping database", "error", err)
		os.Exit(1)
	}
	slog.Info("database connected")

	st := store.NewStore(pool)
	if err := st.EnsureSchema(ctx); err != nil {
		slog.Error("failed to apply schema", "error", err)
		os.Exit(1)
	}

	// --- Redis ---
	redisOpts, err := redis.ParseURL(cfg.Redis.URL)
	if err != nil {
		slog.Error("failed to parse redis url", "error", err)
		os.Exit(1)
	}
	rdb := redis.NewClient(redisOpts)
	defer rdb.Close()

	if err := rdb.Ping(ctx).Err(); err != nil {
		slog.Error("failed to ping redis", "error", err)
		os.Exit(1)
	}
	slog.Info("redis connected")

	// --- Engine ---
	gate := approval.NewGate(st, rdb, approvalChannel)
	go gate.Listen(ctx)

	notifier := notify.New(rdb, cfg.Notify)
	orch := engine.New(st, gate, notifier, cfg.Engine)

	// --- Router ---
	r := newRouter(st, rdb, orch, gate, cfg)

	// --- HTTP Server ---
	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Graceful shutdown
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh
		slog.Info("shutting down server...")
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Error("server shutdown error", "error", err)
		}
		orch.Shutdown(shutdownCtx)
		cancel()
	}()

	slog.Info("server starting", "addr", srv.Addr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		slog.Error("server error", "error", err)
		os.Exit(1)
	}
	slog.Info("server stopped")
}

func newRouter(st *store.Store, rdb *redis.Client, orch *engine.Orchestrator, gate *approval.Gate, cfg *config.Config) *chi.Mux {
	r := chi.NewRouter()

	// Standard middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	// Health check
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"ok"}`))
	})

	// --- Auth ---
	authSvc := auth.NewService(rdb, cfg.Auth.JWTSecret, cfg.Auth.Clients)
	authHandler := auth.NewHandler(authSvc)

	// --- Runs ---
	runSvc := runapi.NewService(orch, st, st, gate)
	runSvc.RegisterExecutor("test_generation", testgen.New(
		llm.NewOpenAIClient(cfg.LLM),
		cfg.LLM.PricePer1KTokensCents,
	))
	runHandler := runapi.NewHandler(runSvc)

	// API routes
	r.Route("/api", func(r chi.Router) {
		// Public auth endpoints
		r.Mount("/auth", authHandler.Routes())

		// Protected routes (require JWT)
		r.Group(func(r chi.Router) {
			r.Use(authSvc.JWTMiddleware)
			r.Mount("/runs", runHandler.RunRoutes())
			r.Mount("/approvals", runHandler.ApprovalRoutes())
		})
	})

	return r
}

func initLogger(level string) {
	var logLevel slog.Level
	switch level {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}
	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})
	slog.SetDefault(slog.New(handler))
}
