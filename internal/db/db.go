package db

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	defaultMaxConns    = 4
	defaultPingTimeout = 5 * time.Second
)

type options struct {
	maxConns    int32
	pingTimeout time.Duration
}

// Option tunes Connect.
type Option func(*options)

func WithMaxConns(n int32) Option {
	return func(o *options) {
		if n > 0 {
			o.maxConns = n
		}
	}
}

func WithPingTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.pingTimeout = d
		}
	}
}

// Connect opens a pool and pings it before returning.
func Connect(ctx context.Context, dsn string, opts ...Option) (*pgxpool.Pool, error) {
	o := options{maxConns: defaultMaxConns, pingTimeout: defaultPingTimeout}
	for _, opt := range opts {
		opt(&o)
	}

	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse dsn: %w", err)
	}
	cfg.MaxConns = o.maxConns
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, err
	}

	ctxPing, cancel := context.WithTimeout(ctx, o.pingTimeout)
	defer cancel()
	if err := pool.Ping(ctxPing); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return pool, nil
}

// Execer is the subset of a pool or connection needed to apply the schema.
type Execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// Schema holds payloads awaiting redelivery. seq orders each kind FIFO.
const Schema = `
CREATE SCHEMA IF NOT EXISTS harborrelay;
CREATE TABLE IF NOT EXISTS harborrelay.undelivered_payloads (
  seq         BIGSERIAL PRIMARY KEY,
  id          TEXT NOT NULL UNIQUE,
  kind        TEXT NOT NULL,
  url         TEXT NOT NULL,
  method      TEXT NOT NULL,
  headers     JSONB NOT NULL DEFAULT '[]'::jsonb,
  body        BYTEA NOT NULL,
  created_at  TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS undelivered_payloads_kind_seq
  ON harborrelay.undelivered_payloads (kind, seq);
`

// EnsureSchema creates the relay tables if they do not exist.
func EnsureSchema(ctx context.Context, db Execer) error {
	if _, err := db.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}
