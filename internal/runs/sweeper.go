package runs

import (
	"context"
	"log/slog"
	"time"
)

// Sweeper periodically expires lapsed leases. It is the only mechanism that
// detects crashed workers, so one should run per deployment.
type Sweeper struct {
	engine   *Engine
	interval time.Duration
	logger   *slog.Logger
}

func NewSweeper(engine *Engine, interval time.Duration, logger *slog.Logger) *Sweeper {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Sweeper{engine: engine, interval: interval, logger: logger}
}

// Run sweeps until ctx is canceled.
func (s *Sweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		if _, err := s.engine.SweepExpired(ctx); err != nil && ctx.Err() == nil {
			s.logger.Warn("lease sweep failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}
