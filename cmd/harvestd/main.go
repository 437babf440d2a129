package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"oaiharvest/internal/app"
	"oaiharvest/internal/auth"
	"oaiharvest/internal/config"
	"oaiharvest/internal/harvest"
	"oaiharvest/internal/httpx"
	"oaiharvest/internal/platform/logging"
)

const maxRequestBytes = 1 << 20

func main() {
	configPath := flag.String("config", "", "path to config file (default $HARVEST_CONFIG)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	logger, err := logging.New(logging.Config{Level: cfg.Log.Level, Format: cfg.Log.Format, Output: cfg.Log.Output})
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	if err := cfg.RequireJWT(); err != nil {
		logger.Fatal("admin API cannot start", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("failed to start", zap.Error(err))
	}

	var wg sync.WaitGroup
	if cfg.Scheduler.Enabled {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := a.Scheduler.Run(ctx); err != nil {
				logger.Error("scheduler stopped", zap.Error(err))
			}
		}()
	}

	server := &http.Server{
		Addr:         cfg.HTTP.Addr,
		Handler:      newRouter(ctx, a),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	go func() {
		logger.Info("starting admin server", zap.String("addr", cfg.HTTP.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server error", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("server shutdown", zap.Error(err))
	}
	wg.Wait()
	a.Close(shutdownCtx)
	logger.Info("stopped")
}

// newRouter mounts the probes and the admin API. Cycles started over HTTP
// run under base and stop with the process.
func newRouter(base context.Context, a *app.App) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("GET /readyz", func(w http.ResponseWriter, r *http.Request) {
		if err := a.Ready(r.Context()); err != nil {
			http.Error(w, "db not ready", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
	})

	var scheduler *harvest.Scheduler
	if a.Config.Scheduler.Enabled {
		scheduler = a.Scheduler
	}
	handler := harvest.NewHTTPHandler(base, a.Admin, scheduler, a.Logger)
	handler.Register(mux, httpx.AuthMiddleware(a.Config.JWT.Secret, auth.RoleAdmin))

	limiter := httpx.NewRateLimitMiddleware(a.Config.HTTP.RateLimitRPS, a.Config.HTTP.RateLimitBurst)
	return httpx.Chain(mux,
		httpx.RequestIDMiddleware,
		httpx.RecoveryMiddleware(a.Logger),
		httpx.AccessLogMiddleware(a.Logger),
		httpx.SecurityHeadersMiddleware,
		httpx.RequestSizeLimitMiddleware(maxRequestBytes),
		limiter.Middleware,
	)
}
