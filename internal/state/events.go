package state

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/flitsinc/runhub/internal/eventlog"
)

const eventColumns = `event_id, run_id, task_session_id, event_seq, event_type, dedupe_key, payload, created_at`

func scanEvent(scanFn func(dest ...any) error) (eventlog.Event, error) {
	var evt eventlog.Event
	var dedupe, payload sql.NullString
	var createdAt string
	if err := scanFn(&evt.EventID, &evt.RunID, &evt.TaskSessionID, &evt.EventSeq, &evt.EventType, &dedupe, &payload, &createdAt); err != nil {
		return eventlog.Event{}, err
	}
	evt.DedupeKey = dedupe.String
	evt.Payload = decodeJSONMap(payload.String)
	evt.CreatedAt = parseTime(createdAt)
	return evt, nil
}

func (s *Store) AppendEvent(ctx context.Context, d eventlog.Draft) (eventlog.Event, bool, error) {
	var evt eventlog.Event
	var deduped bool
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var err error
		evt, deduped, err = s.appendTx(ctx, tx, d)
		return err
	})
	if err != nil {
		return eventlog.Event{}, false, err
	}
	return evt, deduped, nil
}

// appendTx allocates the run's next sequence number and inserts the event.
// A dedupe hit returns the stored event before any sequence is consumed.
func (s *Store) appendTx(ctx context.Context, tx *sql.Tx, d eventlog.Draft) (eventlog.Event, bool, error) {
	if d.DedupeKey != "" {
		prior, err := scanEvent(tx.QueryRowContext(ctx,
			`SELECT `+eventColumns+` FROM run_events WHERE run_id = ? AND dedupe_key = ?`,
			d.RunID, d.DedupeKey).Scan)
		if err == nil {
			return prior, true, nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return eventlog.Event{}, false, fmt.Errorf("lookup dedupe key: %w", err)
		}
	}

	var seq int64
	var sessionID string
	err := tx.QueryRowContext(ctx, `
		UPDATE task_runs SET last_event_seq = last_event_seq + 1
		WHERE run_id = ?
		RETURNING last_event_seq, task_session_id
	`, d.RunID).Scan(&seq, &sessionID)
	if errors.Is(err, sql.ErrNoRows) {
		return eventlog.Event{}, false, eventlog.ErrUnknownRun
	}
	if err != nil {
		return eventlog.Event{}, false, fmt.Errorf("allocate event seq: %w", err)
	}
	if d.TaskSessionID != "" && d.TaskSessionID != sessionID {
		return eventlog.Event{}, false, eventlog.ErrSessionMismatch
	}

	payload, err := encodeJSON(d.Payload)
	if err != nil {
		return eventlog.Event{}, false, fmt.Errorf("encode payload: %w", err)
	}
	evt := eventlog.Event{
		EventID:       s.newEventID(),
		RunID:         d.RunID,
		TaskSessionID: sessionID,
		EventSeq:      seq,
		EventType:     d.EventType,
		DedupeKey:     d.DedupeKey,
		Payload:       d.Payload,
		CreatedAt:     d.CreatedAt.UTC(),
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO run_events (`+eventColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, evt.EventID, evt.RunID, evt.TaskSessionID, evt.EventSeq, evt.EventType,
		nullString(evt.DedupeKey), payload, formatTime(evt.CreatedAt)); err != nil {
		return eventlog.Event{}, false, fmt.Errorf("insert event: %w", err)
	}
	return evt, false, nil
}

func (s *Store) ListEventsAfter(ctx context.Context, runID string, afterEventSeq int64, limit int) ([]eventlog.Event, error) {
	if limit <= 0 {
		limit = eventlog.DefaultPageSize
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+eventColumns+` FROM run_events
		WHERE run_id = ? AND event_seq > ?
		ORDER BY event_seq ASC
		LIMIT ?
	`, runID, afterEventSeq, limit)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer rows.Close()

	var out []eventlog.Event
	for rows.Next() {
		evt, err := scanEvent(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		out = append(out, evt)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate events: %w", err)
	}
	return out, nil
}
