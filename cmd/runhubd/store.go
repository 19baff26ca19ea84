package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/flitsinc/runhub/internal/config"
	"github.com/flitsinc/runhub/internal/eventlog"
	"github.com/flitsinc/runhub/internal/pgstate"
	"github.com/flitsinc/runhub/internal/rules"
	"github.com/flitsinc/runhub/internal/runs"
	"github.com/flitsinc/runhub/internal/state"
)

// backend is an opened run store plus what the daemon needs around it.
type backend struct {
	name  string
	store runs.Store
	// listen forwards cross-process append notifications, when supported.
	listen func(ctx context.Context, n *eventlog.Notifier) error
	close  func()
}

// openBackend opens PostgreSQL when DatabaseURL is set, SQLite otherwise,
// and applies the schema.
func openBackend(ctx context.Context, cfg config.Config, logger *slog.Logger) (*backend, error) {
	if cfg.DatabaseURL != "" {
		db, err := pgstate.Open(ctx, cfg.DatabaseURL, logger)
		if err != nil {
			return nil, err
		}
		if err := db.Migrate(ctx); err != nil {
			db.Close()
			return nil, err
		}
		return &backend{
			name:  "postgres",
			store: pgstate.NewStore(db),
			listen: func(ctx context.Context, n *eventlog.Notifier) error {
				return db.Listener(n).Run(ctx)
			},
			close: db.Close,
		}, nil
	}

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	db, err := state.Open(cfg.DBPath)
	if err != nil {
		return nil, err
	}
	return &backend{
		name:  "sqlite",
		store: state.NewStore(db),
		close: func() { _ = db.Close() },
	}, nil
}

// loadRules returns the rules file's contents, or the built-in defaults
// when no file is configured.
func loadRules(cfg config.Config) ([]rules.Rule, error) {
	if cfg.RulesFile == "" {
		return rules.Defaults(), nil
	}
	initial, err := rules.LoadFile(cfg.RulesFile)
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("rules file %s does not exist", cfg.RulesFile)
	}
	return initial, err
}
