// Package bootstrap opens the shared backends and assembles the call core
// the API server and callctl both run on.
package bootstrap

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"callsignal/internal/audit"
	"callsignal/internal/config"
	"callsignal/internal/directory"
	"callsignal/internal/history"
	"callsignal/internal/lifecycle"
	"callsignal/internal/reporting"
	"callsignal/internal/store"
	"callsignal/pkg/utils"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/redis/go-redis/v9"
)

type Core struct {
	DB    *sql.DB
	Redis *redis.Client

	Store     store.CallStore
	Directory directory.Directory
	History   *history.PostgresRepo
	Recorder  *history.Recorder
	Audit     *audit.Service
	Calls     *lifecycle.Service
	Reports   *reporting.Service
}

// Open connects to Postgres and Redis, applies schemas and wires the services.
func Open(ctx context.Context, cfg config.Config, log *slog.Logger) (*Core, error) {
	db, err := utils.OpenPostgres(ctx, "pgx", cfg.PostgresDSN(), utils.PostgresPoolConfig{})
	if err != nil {
		return nil, fmt.Errorf("postgres: %w", err)
	}
	rdb, err := utils.OpenRedis(ctx, utils.RedisConfig{
		Addr:     cfg.RedisAddr(),
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("redis: %w", err)
	}

	c := &Core{DB: db, Redis: rdb}
	if err := c.wire(ctx, cfg, log); err != nil {
		_ = c.Close()
		return nil, err
	}
	return c, nil
}

func (c *Core) wire(ctx context.Context, cfg config.Config, log *slog.Logger) error {
	hist := history.NewPostgresRepo(c.DB)
	dir := directory.NewPostgresDirectory(c.DB)
	auditRepo := audit.NewPostgresRepo(c.DB)
	for name, m := range map[string]interface{ Migrate(context.Context) error }{
		"call_history":      hist,
		"users":             dir,
		"call_audit_events": auditRepo,
	} {
		if err := m.Migrate(ctx); err != nil {
			return fmt.Errorf("migrate %s: %w", name, err)
		}
	}

	c.Store = store.NewRedisStore(c.Redis, store.RedisStoreOptions{Resync: cfg.Calls.ResyncInterval, Logger: log})
	c.Directory = dir
	c.History = hist
	c.Recorder = history.NewRecorder(hist, c.Store, dir, log)
	c.Audit = audit.NewService(auditRepo).WithLogger(log)
	c.Calls = lifecycle.NewService(c.Store, c.Recorder, lifecycle.Options{
		RecordTTL: cfg.Calls.RecordTTL,
		Audit:     c.Audit,
		Logger:    log,
	})
	c.Reports = reporting.NewService(hist)
	return nil
}

func (c *Core) Close() error {
	var errs []error
	if c.Redis != nil {
		errs = append(errs, c.Redis.Close())
	}
	if c.DB != nil {
		errs = append(errs, c.DB.Close())
	}
	return errors.Join(errs...)
}
