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

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ech0r/blend/internal/app/migrate"
	httpx "github.com/ech0r/blend/internal/http"
	"github.com/ech0r/blend/internal/orchestrator"
	"github.com/ech0r/blend/internal/repository/postgres"
	"github.com/ech0r/blend/internal/runner"
	"github.com/ech0r/blend/internal/scheduler"
	"github.com/ech0r/blend/internal/service/auth"
	"github.com/ech0r/blend/internal/service/client"
	"github.com/ech0r/blend/internal/service/release"
	"github.com/ech0r/blend/internal/ws"
	"github.com/ech0r/blend/pkg/config"
	"github.com/ech0r/blend/pkg/logger"
)

func main() {
	cfg := config.Load()
	log := logger.New("blend", slog.LevelInfo)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}

	migrator, err := migrate.New(pool, cfg.DatabaseURL, cfg.MigrationsDir, log)
	if err != nil {
		log.Error("failed to configure migrations", "error", err)
		os.Exit(1)
	}
	defer migrator.Close()
	if err := migrator.Ping(ctx); err != nil {
		log.Error("database ping failed", "error", err)
		os.Exit(1)
	}
	if err := migrator.Ensure(ctx); err != nil {
		log.Error("migrations failed", "error", err)
		os.Exit(1)
	}

	repo := postgres.New(pool)
	hub := ws.NewHub(log)
	defer hub.Close()

	authSvc := auth.New(repo, repo, cfg.JWTSecret, cfg.SessionTTL, log)
	if err := authSvc.Bootstrap(ctx, cfg.UsersFile); err != nil {
		log.Error("failed to load users", "error", err)
		os.Exit(1)
	}

	releaseSvc := release.New(repo, repo, hub, log)
	clientSvc := client.New(repo, log)

	itemRunner := runner.New(runner.Config{
		ScriptDir: cfg.ScriptDir,
		LineDelay: cfg.LineDelay,
		Timeout:   cfg.ItemTimeout,
	}, hub, log)
	orch := orchestrator.New(repo, itemRunner, hub, log)
	sched := scheduler.New(repo, orch, hub, cfg.SchedulerInterval, cfg.SessionIdleTimeout, log)
	go sched.Run(ctx)

	var limiter httpx.RateLimiter
	if addr := strings.TrimSpace(cfg.RateLimitRedisAddr); addr != "" {
		limiter, err = httpx.NewRedisRateLimiter(addr, cfg.RateLimitRedisPass, cfg.RateLimitRedisDB, log)
		if err != nil {
			log.Warn("redis rate limiter unavailable, falling back to memory", "error", err)
		}
	}
	if limiter == nil {
		limiter = httpx.NewMemoryRateLimiter()
	}

	router := httpx.NewRouter(log, authSvc, releaseSvc, clientSvc, hub, limiter, pool.Ping)
	defer router.Close()

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errorCh := make(chan error, 1)
	go func() {
		log.Info("blend server starting", "addr", cfg.Addr)
		errorCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error("graceful shutdown failed", "error", err)
		}
		log.Info("blend server stopped")
	case err := <-errorCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("server error", "error", err)
			os.Exit(1)
		}
	}
}
