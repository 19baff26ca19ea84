// Package pgstate is the PostgreSQL backend for runs and their event logs.
// It shares semantics with the SQLite store and additionally publishes a
// NOTIFY per appended event so streams in other processes wake promptly.
package pgstate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// EventsChannel carries the run id of every appended event.
const EventsChannel = "runhub_events"

type DB struct {
	pool   *pgxpool.Pool
	dsn    string
	logger *slog.Logger
}

// Open connects a pool to dsn and verifies it with a ping.
func Open(ctx context.Context, dsn string, logger *slog.Logger) (*DB, error) {
	if logger == nil {
		logger = slog.Default()
	}
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("pgstate: parse dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("pgstate: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pgstate: ping: %w", err)
	}
	return &DB{pool: pool, dsn: dsn, logger: logger}, nil
}

func (db *DB) Pool() *pgxpool.Pool {
	return db.pool
}

func (db *DB) Ping(ctx context.Context) error {
	return db.pool.Ping(ctx)
}

func (db *DB) Close() {
	db.pool.Close()
}

// Migrate applies the schema. Statements are idempotent.
func (db *DB) Migrate(ctx context.Context) error {
	for _, raw := range strings.Split(schemaSQL, ";") {
		stmt := strings.TrimSpace(raw)
		if stmt == "" {
			continue
		}
		if _, err := db.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("pgstate: migrate: %w (statement=%q)", err, stmt)
		}
	}
	return nil
}

// withTx runs fn in a transaction, retrying serialization failures and
// deadlocks with jittered exponential backoff.
func (db *DB) withTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	const maxRetries = 5
	delay := 10 * time.Millisecond
	var err error
	for attempt := range maxRetries + 1 {
		err = pgx.BeginFunc(ctx, db.pool, fn)
		if err == nil || !isRetriable(err) || attempt == maxRetries {
			return err
		}
		jitter := time.Duration(rand.Int64N(int64(delay)))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay + jitter):
		}
		delay *= 2
	}
	return err
}

func isRetriable(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	switch pgErr.Code {
	case "40001", "40P01":
		return true
	default:
		return false
	}
}
