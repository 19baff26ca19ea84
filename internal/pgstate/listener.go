package pgstate

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/flitsinc/runhub/internal/eventlog"
)

const (
	listenRetryMin = 250 * time.Millisecond
	listenRetryMax = 10 * time.Second
)

// Listener forwards EventsChannel notifications into a local Notifier so
// streams served by this process wake for appends made by any process.
type Listener struct {
	DSN      string
	Notifier *eventlog.Notifier
	Logger   *slog.Logger

	// ready, when set, is closed once the first LISTEN succeeds.
	ready chan struct{}
}

func (db *DB) Listener(n *eventlog.Notifier) *Listener {
	return &Listener{DSN: db.dsn, Notifier: n, Logger: db.logger}
}

func (l *Listener) logger() *slog.Logger {
	if l.Logger != nil {
		return l.Logger
	}
	return slog.Default()
}

// Run listens until ctx ends, reconnecting with backoff after failures.
// Missed notifications are harmless: streams also poll.
func (l *Listener) Run(ctx context.Context) error {
	delay := listenRetryMin
	for {
		connected, err := l.listen(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if connected {
			delay = listenRetryMin
		}
		l.logger().Warn("event listener disconnected", "error", err, "retry_in", delay)
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(delay):
		}
		delay = min(delay*2, listenRetryMax)
	}
}

func (l *Listener) listen(ctx context.Context) (bool, error) {
	conn, err := pgx.Connect(ctx, l.DSN)
	if err != nil {
		return false, fmt.Errorf("connect: %w", err)
	}
	defer conn.Close(context.WithoutCancel(ctx))

	if _, err := conn.Exec(ctx, "LISTEN "+pgx.Identifier{EventsChannel}.Sanitize()); err != nil {
		return false, fmt.Errorf("listen: %w", err)
	}
	l.logger().Debug("event listener connected", "channel", EventsChannel)
	if l.ready != nil {
		close(l.ready)
		l.ready = nil
	}
	for {
		notification, err := conn.WaitForNotification(ctx)
		if err != nil {
			return true, fmt.Errorf("wait for notification: %w", err)
		}
		l.Notifier.Publish(notification.Payload)
	}
}
