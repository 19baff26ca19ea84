package runs

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

type engineMetrics struct {
	runsCreated metric.Int64Counter
	claims      metric.Int64Counter
	transitions metric.Int64Counter
	sweeps      metric.Int64Counter
}

func newEngineMetrics(logger *slog.Logger) *engineMetrics {
	meter := otel.Meter("github.com/flitsinc/runhub/internal/runs")
	m := &engineMetrics{}
	var err error
	if m.runsCreated, err = meter.Int64Counter("runhub.runs.created",
		metric.WithDescription("Task runs created"),
		metric.WithUnit("{run}"),
	); err != nil {
		logger.Warn("runs: create counter", "name", "runhub.runs.created", "error", err)
	}
	if m.claims, err = meter.Int64Counter("runhub.runs.claims",
		metric.WithDescription("Lease claim attempts by outcome"),
		metric.WithUnit("{claim}"),
	); err != nil {
		logger.Warn("runs: create counter", "name", "runhub.runs.claims", "error", err)
	}
	if m.transitions, err = meter.Int64Counter("runhub.runs.transitions",
		metric.WithDescription("Run state transitions"),
		metric.WithUnit("{transition}"),
	); err != nil {
		logger.Warn("runs: create counter", "name", "runhub.runs.transitions", "error", err)
	}
	if m.sweeps, err = meter.Int64Counter("runhub.runs.swept",
		metric.WithDescription("Runs moved by the lease sweeper"),
		metric.WithUnit("{run}"),
	); err != nil {
		logger.Warn("runs: create counter", "name", "runhub.runs.swept", "error", err)
	}
	return m
}

func (m *engineMetrics) created(ctx context.Context, mode RuntimeMode) {
	if m == nil || m.runsCreated == nil {
		return
	}
	m.runsCreated.Add(ctx, 1, metric.WithAttributes(attribute.String("runtime_mode", string(mode))))
}

func (m *engineMetrics) claimed(ctx context.Context, err error) {
	if m == nil || m.claims == nil {
		return
	}
	outcome := "ok"
	switch {
	case err == nil:
	case IsConflict(err):
		outcome = "conflict"
	default:
		outcome = "error"
	}
	m.claims.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

func (m *engineMetrics) transitioned(ctx context.Context, from, to State) {
	if m == nil || m.transitions == nil {
		return
	}
	m.transitions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("from", string(from)),
		attribute.String("to", string(to)),
	))
}

func (m *engineMetrics) swept(ctx context.Context, result SweepResult) {
	if m == nil || m.sweeps == nil {
		return
	}
	for state, n := range map[string]int{"stale": result.Stale, "dead": result.Dead, "canceled": result.Canceled} {
		if n > 0 {
			m.sweeps.Add(ctx, int64(n), metric.WithAttributes(attribute.String("to", state)))
		}
	}
}
