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

	"callsignal/internal/auth"
	"callsignal/internal/bootstrap"
	"callsignal/internal/config"
	"callsignal/internal/httpapi"
	"callsignal/pkg/logger"
	"callsignal/pkg/utils"

	"github.com/gin-gonic/gin"
)

func main() {
	// Root context that cancels on shutdown
	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", "err", err)
		os.Exit(1)
	}

	log := logger.New(cfg.App.Env)
	slog.SetDefault(log)

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	authManager, err := auth.NewManager(cfg.Auth)
	if err != nil {
		log.Error("auth init failed", "err", err)
		os.Exit(1)
	}

	core, err := bootstrap.Open(rootCtx, cfg, log)
	if err != nil {
		log.Error("backend init failed", "err", err)
		os.Exit(1)
	}
	defer core.Close()

	// every replica sweeps; a lapsed call is ended by whichever wins its transition.
	if cfg.Calls.ExpiryInterval > 0 {
		go core.Calls.RunExpiry(rootCtx, cfg.Calls.ExpiryInterval)
	}

	h := httpapi.Handlers{
		Auth:           authManager,
		Calls:          core.Calls,
		History:        core.Recorder,
		Reports:        core.Reports,
		Directory:      core.Directory,
		AllowedOrigins: cfg.HTTP.CORSOrigins,
	}
	health := func(ctx context.Context) error {
		if err := utils.HealthCheck(ctx, core.DB, 2*time.Second); err != nil {
			return err
		}
		return core.Redis.Ping(ctx).Err()
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(logger.Middleware(log))
	registerRoutes(r, routeDeps{
		Handlers: h,
		AuthMW:   auth.RequireAccessToken(authManager),
		Health:   health,
		Origins:  cfg.HTTP.CORSOrigins,
		DevLogin: !cfg.IsProduction(),
	})

	// WriteTimeout stays zero: /events and /incoming are long-lived upgrades.
	srv := &http.Server{
		Addr:              cfg.HTTPAddr(),
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Info("api listening", "addr", srv.Addr, "env", cfg.App.Env)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("http server failed", "err", err)
			stop()
		}
	}()

	<-rootCtx.Done()
	log.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("http shutdown failed", "err", err)
	}
}
