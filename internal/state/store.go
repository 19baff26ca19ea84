package state

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/flitsinc/runhub/internal/eventlog"
	"github.com/flitsinc/runhub/internal/idgen"
	"github.com/flitsinc/runhub/internal/runs"
)

// Store is the SQLite backend for runs and their event logs.
type Store struct {
	db         *sql.DB
	newEventID func() string
}

type StoreOption func(*Store)

func WithEventIDGenerator(fn func() string) StoreOption {
	return func(s *Store) {
		if fn != nil {
			s.newEventID = fn
		}
	}
}

func NewStore(db *sql.DB, opts ...StoreOption) *Store {
	s := &Store{db: db, newEventID: idgen.Sortable}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

var (
	_ runs.Store     = (*Store)(nil)
	_ eventlog.Store = (*Store)(nil)
)

const runColumns = `run_id, task_session_id, runtime_mode, client_request_key, state, attempt, max_attempts,
	lease_owner, lease_expires_at, last_heartbeat_at, cancel_requested_at, canceled_at,
	error_code, error_message, input, metadata, result,
	queued_at, started_at, finished_at, created_at, updated_at, version, last_event_seq`

func scanRun(scanFn func(dest ...any) error) (runs.TaskRun, error) {
	var run runs.TaskRun
	var mode, state string
	var requestKey, leaseOwner, errorCode, errorMessage sql.NullString
	var leaseExpires, heartbeat, cancelRequested, canceled, started, finished sql.NullString
	var input, metadata, result sql.NullString
	var queuedAt, createdAt, updatedAt string
	if err := scanFn(
		&run.RunID, &run.TaskSessionID, &mode, &requestKey, &state, &run.Attempt, &run.MaxAttempts,
		&leaseOwner, &leaseExpires, &heartbeat, &cancelRequested, &canceled,
		&errorCode, &errorMessage, &input, &metadata, &result,
		&queuedAt, &started, &finished, &createdAt, &updatedAt, &run.Version, &run.LastEventSeq,
	); err != nil {
		return runs.TaskRun{}, err
	}
	run.RuntimeMode = runs.RuntimeMode(mode)
	run.State = runs.State(state)
	run.ClientRequestKey = requestKey.String
	run.LeaseOwner = leaseOwner.String
	run.LeaseExpiresAt = timePtr(leaseExpires)
	run.LastHeartbeatAt = timePtr(heartbeat)
	run.CancelRequestedAt = timePtr(cancelRequested)
	run.CanceledAt = timePtr(canceled)
	run.ErrorCode = errorCode.String
	run.ErrorMessage = errorMessage.String
	run.Input = decodeJSONMap(input.String)
	run.Metadata = decodeJSONMap(metadata.String)
	run.Result = decodeJSONMap(result.String)
	run.QueuedAt = parseTime(queuedAt)
	run.StartedAt = timePtr(started)
	run.FinishedAt = timePtr(finished)
	run.CreatedAt = parseTime(createdAt)
	run.UpdatedAt = parseTime(updatedAt)
	return run, nil
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func getRun(ctx context.Context, q queryer, runID string) (runs.TaskRun, error) {
	run, err := scanRun(q.QueryRowContext(ctx, `SELECT `+runColumns+` FROM task_runs WHERE run_id = ?`, runID).Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return runs.TaskRun{}, runs.ErrNotFound
	}
	if err != nil {
		return runs.TaskRun{}, fmt.Errorf("load run: %w", err)
	}
	return run, nil
}

func (s *Store) GetRun(ctx context.Context, runID string) (runs.TaskRun, error) {
	return getRun(ctx, s.db, runID)
}

func (s *Store) FindByRequestKey(ctx context.Context, taskSessionID, clientRequestKey string) (runs.TaskRun, error) {
	run, err := scanRun(s.db.QueryRowContext(ctx,
		`SELECT `+runColumns+` FROM task_runs WHERE task_session_id = ? AND client_request_key = ?`,
		taskSessionID, clientRequestKey).Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return runs.TaskRun{}, runs.ErrNotFound
	}
	if err != nil {
		return runs.TaskRun{}, fmt.Errorf("load run by request key: %w", err)
	}
	return run, nil
}

func (s *Store) CreateRun(ctx context.Context, run runs.TaskRun, created eventlog.Draft) (runs.TaskRun, []eventlog.Event, bool, error) {
	input, err := encodeJSON(run.Input)
	if err != nil {
		return runs.TaskRun{}, nil, false, fmt.Errorf("encode input: %w", err)
	}
	metadata, err := encodeJSON(run.Metadata)
	if err != nil {
		return runs.TaskRun{}, nil, false, fmt.Errorf("encode metadata: %w", err)
	}

	var out runs.TaskRun
	var events []eventlog.Event
	var existing bool
	err = s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			INSERT INTO task_runs (run_id, task_session_id, runtime_mode, client_request_key, state, attempt, max_attempts,
				input, metadata, queued_at, created_at, updated_at, version, last_event_seq)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 1, 0)
			ON CONFLICT DO NOTHING
		`, run.RunID, run.TaskSessionID, string(run.RuntimeMode), nullString(run.ClientRequestKey), string(run.State),
			run.Attempt, run.MaxAttempts, input, metadata,
			formatTime(run.QueuedAt), formatTime(run.CreatedAt), formatTime(run.UpdatedAt))
		if err != nil {
			return fmt.Errorf("insert run: %w", err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("insert run rows affected: %w", err)
		}
		if affected == 0 {
			if run.ClientRequestKey == "" {
				return fmt.Errorf("insert run: duplicate run id %s", run.RunID)
			}
			prior, err := scanRun(tx.QueryRowContext(ctx,
				`SELECT `+runColumns+` FROM task_runs WHERE task_session_id = ? AND client_request_key = ?`,
				run.TaskSessionID, run.ClientRequestKey).Scan)
			if err != nil {
				return fmt.Errorf("load existing run: %w", err)
			}
			out, existing = prior, true
			return nil
		}
		evt, _, err := s.appendTx(ctx, tx, created)
		if err != nil {
			return err
		}
		events = append(events, evt)
		out, err = getRun(ctx, tx, run.RunID)
		return err
	})
	if err != nil {
		return runs.TaskRun{}, nil, false, err
	}
	return out, events, existing, nil
}

func (s *Store) UpdateRun(ctx context.Context, run runs.TaskRun, expectedVersion int64, drafts ...eventlog.Draft) (runs.TaskRun, []eventlog.Event, error) {
	metadata, err := encodeJSON(run.Metadata)
	if err != nil {
		return runs.TaskRun{}, nil, fmt.Errorf("encode metadata: %w", err)
	}
	result, err := encodeJSON(run.Result)
	if err != nil {
		return runs.TaskRun{}, nil, fmt.Errorf("encode result: %w", err)
	}

	var out runs.TaskRun
	var events []eventlog.Event
	err = s.withTx(ctx, func(tx *sql.Tx) error {
		events = events[:0]
		res, err := tx.ExecContext(ctx, `
			UPDATE task_runs SET
				state = ?, attempt = ?, max_attempts = ?,
				lease_owner = ?, lease_expires_at = ?, last_heartbeat_at = ?,
				cancel_requested_at = ?, canceled_at = ?,
				error_code = ?, error_message = ?, metadata = ?, result = ?,
				started_at = ?, finished_at = ?, updated_at = ?,
				version = version + 1
			WHERE run_id = ? AND version = ?
		`, string(run.State), run.Attempt, run.MaxAttempts,
			nullString(run.LeaseOwner), nullTime(run.LeaseExpiresAt), nullTime(run.LastHeartbeatAt),
			nullTime(run.CancelRequestedAt), nullTime(run.CanceledAt),
			nullString(run.ErrorCode), nullString(run.ErrorMessage), metadata, result,
			nullTime(run.StartedAt), nullTime(run.FinishedAt), formatTime(run.UpdatedAt),
			run.RunID, expectedVersion)
		if err != nil {
			return fmt.Errorf("update run: %w", err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("update run rows affected: %w", err)
		}
		if affected == 0 {
			var one int
			err := tx.QueryRowContext(ctx, `SELECT 1 FROM task_runs WHERE run_id = ?`, run.RunID).Scan(&one)
			if errors.Is(err, sql.ErrNoRows) {
				return runs.ErrNotFound
			}
			if err != nil {
				return fmt.Errorf("check run: %w", err)
			}
			return runs.ErrVersionConflict
		}
		for _, d := range drafts {
			evt, _, err := s.appendTx(ctx, tx, d)
			if err != nil {
				return err
			}
			events = append(events, evt)
		}
		out, err = getRun(ctx, tx, run.RunID)
		return err
	})
	if err != nil {
		return runs.TaskRun{}, nil, err
	}
	return out, events, nil
}

func (s *Store) ListRuns(ctx context.Context, filter runs.ListFilter) ([]runs.TaskRun, error) {
	query := `SELECT ` + runColumns + ` FROM task_runs`
	var clauses []string
	var args []any
	if filter.TaskSessionID != "" {
		clauses = append(clauses, "task_session_id = ?")
		args = append(args, filter.TaskSessionID)
	}
	if filter.State != "" {
		clauses = append(clauses, "state = ?")
		args = append(args, string(filter.State))
	}
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	limit := filter.Limit
	if limit <= 0 {
		limit = runs.DefaultListLimit
	}
	query += " ORDER BY created_at DESC, run_id DESC LIMIT ?"
	args = append(args, limit)
	return s.queryRuns(ctx, query, args...)
}

func (s *Store) ListClaimable(ctx context.Context, modes []runs.RuntimeMode, limit int) ([]runs.TaskRun, error) {
	query := `SELECT ` + runColumns + ` FROM task_runs WHERE state IN (?, ?)`
	args := []any{string(runs.StateQueued), string(runs.StateStale)}
	if len(modes) > 0 {
		query += " AND runtime_mode IN (" + placeholders(len(modes)) + ")"
		for _, mode := range modes {
			args = append(args, string(mode))
		}
	}
	if limit <= 0 {
		limit = 1
	}
	query += " ORDER BY queued_at ASC, run_id ASC LIMIT ?"
	args = append(args, limit)
	return s.queryRuns(ctx, query, args...)
}

func (s *Store) ListExpired(ctx context.Context, now time.Time, limit int) ([]runs.TaskRun, error) {
	if limit <= 0 {
		limit = 100
	}
	return s.queryRuns(ctx, `SELECT `+runColumns+` FROM task_runs
		WHERE state IN (?, ?) AND lease_expires_at IS NOT NULL AND lease_expires_at <= ?
		ORDER BY lease_expires_at ASC LIMIT ?`,
		string(runs.StateRunning), string(runs.StateCancelRequested), formatTime(now), limit)
}

func (s *Store) queryRuns(ctx context.Context, query string, args ...any) ([]runs.TaskRun, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var out []runs.TaskRun
	for rows.Next() {
		run, err := scanRun(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		out = append(out, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate runs: %w", err)
	}
	return out, nil
}

func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	return retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		if err := fn(tx); err != nil {
			_ = tx.Rollback()
			return err
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit tx: %w", err)
		}
		return nil
	})
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}
