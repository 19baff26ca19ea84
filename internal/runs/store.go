package runs

import (
	"context"
	"time"

	"github.com/flitsinc/runhub/internal/eventlog"
)

// Store persists runs together with their event logs. Every method that
// takes event drafts must write the run row and the events in a single
// transaction.
type Store interface {
	eventlog.Store

	// CreateRun inserts run and appends created. When a run with the same
	// (TaskSessionID, ClientRequestKey) exists, it is returned with
	// existing=true and nothing is written.
	CreateRun(ctx context.Context, run TaskRun, created eventlog.Draft) (out TaskRun, events []eventlog.Event, existing bool, err error)

	GetRun(ctx context.Context, runID string) (TaskRun, error)
	FindByRequestKey(ctx context.Context, taskSessionID, clientRequestKey string) (TaskRun, error)
	ListRuns(ctx context.Context, filter ListFilter) ([]TaskRun, error)

	// ListClaimable returns queued and stale runs, oldest first.
	ListClaimable(ctx context.Context, modes []RuntimeMode, limit int) ([]TaskRun, error)
	// ListExpired returns leased runs whose lease expired at or before now.
	ListExpired(ctx context.Context, now time.Time, limit int) ([]TaskRun, error)

	// UpdateRun writes run if the stored version still equals
	// expectedVersion, then appends events. It returns ErrVersionConflict on
	// a lost race and ErrNotFound when the run does not exist.
	UpdateRun(ctx context.Context, run TaskRun, expectedVersion int64, events ...eventlog.Draft) (TaskRun, []eventlog.Event, error)
}
