package main

import (
	"context"
	"database/sql"
	"time"

	"github.com/cenkalti/backoff/v4"
	_ "github.com/lib/pq"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/nexus-im/kindred/internal/config"
)

// openDB opens the pool and waits for the database to accept connections.
func openDB(ctx context.Context, cfg config.Database, logger *zap.Logger) (*sql.DB, error) {
	db, err := sql.Open("postgres", cfg.DSN)
	if err != nil {
		return nil, errors.Wrap(err, "sql.Open")
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxOpenConns / 2)
	db.SetConnMaxIdleTime(5 * time.Minute)

	policy := backoff.NewExponentialBackOff()
	policy.MaxElapsedTime = 30 * time.Second
	ping := func() error { return db.PingContext(ctx) }
	notify := func(err error, wait time.Duration) {
		logger.Warn("database not ready", zap.Duration("retry_in", wait), zap.Error(err))
	}
	if err := backoff.RetryNotify(ping, backoff.WithContext(policy, ctx), notify); err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "db.Ping")
	}
	return db, nil
}
