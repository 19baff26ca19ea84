package eventlog

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Log is the append/read facade over a Store. It stamps drafts, validates
// them and wakes local stream readers after successful appends.
type Log struct {
	store    Store
	notifier *Notifier
	logger   *slog.Logger
	nowFn    func() time.Time

	appended metric.Int64Counter
}

type Option func(*Log)

func WithNotifier(n *Notifier) Option {
	return func(l *Log) {
		if n != nil {
			l.notifier = n
		}
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(l *Log) {
		if logger != nil {
			l.logger = logger
		}
	}
}

func WithClock(nowFn func() time.Time) Option {
	return func(l *Log) {
		if nowFn != nil {
			l.nowFn = nowFn
		}
	}
}

func NewLog(store Store, opts ...Option) *Log {
	l := &Log{
		store:    store,
		notifier: NewNotifier(),
		logger:   slog.Default(),
		nowFn:    func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		if opt != nil {
			opt(l)
		}
	}
	appended, err := otel.Meter("github.com/flitsinc/runhub/internal/eventlog").Int64Counter(
		"runhub.events.appended",
		metric.WithDescription("Events appended to run logs"),
		metric.WithUnit("{event}"),
	)
	if err != nil {
		l.logger.Warn("eventlog: create appended counter", "error", err)
	}
	l.appended = appended
	return l
}

func (l *Log) Notifier() *Notifier {
	return l.notifier
}

// Stamp fills CreatedAt on a draft that does not carry one yet.
func (l *Log) Stamp(d Draft) Draft {
	if d.CreatedAt.IsZero() {
		d.CreatedAt = l.nowFn().UTC()
	}
	return d
}

// Append persists one event. A repeated DedupeKey for the same run returns
// the originally stored event.
func (l *Log) Append(ctx context.Context, d Draft) (Event, error) {
	if err := d.Validate(); err != nil {
		return Event{}, err
	}
	evt, deduped, err := l.store.AppendEvent(ctx, l.Stamp(d))
	if err != nil {
		return Event{}, fmt.Errorf("append event: %w", err)
	}
	if l.appended != nil {
		l.appended.Add(ctx, 1, metric.WithAttributes(
			attribute.String("event_type", evt.EventType),
			attribute.Bool("deduped", deduped),
		))
	}
	if !deduped {
		l.notifier.Publish(evt.RunID)
	}
	return evt, nil
}

// Announce wakes readers for events that were written by another path,
// such as the run engine's transactional transitions.
func (l *Log) Announce(events ...Event) {
	seen := map[string]struct{}{}
	for _, evt := range events {
		if _, ok := seen[evt.RunID]; ok {
			continue
		}
		seen[evt.RunID] = struct{}{}
		l.notifier.Publish(evt.RunID)
	}
	if l.appended != nil {
		for _, evt := range events {
			l.appended.Add(context.Background(), 1, metric.WithAttributes(
				attribute.String("event_type", evt.EventType),
				attribute.Bool("deduped", false),
			))
		}
	}
}

// ListAfter returns events with EventSeq > afterEventSeq in ascending order.
func (l *Log) ListAfter(ctx context.Context, runID string, afterEventSeq int64, limit int) ([]Event, error) {
	if runID == "" {
		return nil, fmt.Errorf("%w: runId is required", ErrInvalidDraft)
	}
	if afterEventSeq < 0 {
		afterEventSeq = 0
	}
	events, err := l.store.ListEventsAfter(ctx, runID, afterEventSeq, ClampLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	return events, nil
}

// Page lists one page and reports whether more events follow it.
func (l *Log) Page(ctx context.Context, runID string, afterEventSeq int64, limit int) (Page, error) {
	limit = ClampLimit(limit)
	if afterEventSeq < 0 {
		afterEventSeq = 0
	}
	events, err := l.store.ListEventsAfter(ctx, runID, afterEventSeq, limit+1)
	if err != nil {
		return Page{}, fmt.Errorf("list events: %w", err)
	}
	page := Page{Events: events, LastEventSeq: afterEventSeq}
	if len(events) > limit {
		page.Events = events[:limit]
		page.HasMore = true
	}
	if page.Events == nil {
		page.Events = []Event{}
	}
	if n := len(page.Events); n > 0 {
		page.LastEventSeq = page.Events[n-1].EventSeq
	}
	return page, nil
}
