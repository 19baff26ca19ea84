package runs

import (
	"context"
	"strings"
)

// SessionStatus is the coarse status of a session, derived from its most
// recently created run.
type SessionStatus string

const (
	SessionIdle  SessionStatus = "idle"
	SessionBusy  SessionStatus = "busy"
	SessionRetry SessionStatus = "retry"
	SessionError SessionStatus = "error"
)

type SessionView struct {
	TaskSessionID string        `json:"taskSessionId"`
	Status        SessionStatus `json:"status"`
	RunID         string        `json:"runId,omitempty"`
	RunState      State         `json:"runState,omitempty"`
	Attempt       int           `json:"attempt,omitempty"`
}

// StatusForState maps a run state onto the session status it implies.
func StatusForState(state State) SessionStatus {
	switch state {
	case StateQueued, StateRunning, StateCancelRequested:
		return SessionBusy
	case StateStale:
		return SessionRetry
	case StateFailed, StateDead:
		return SessionError
	default:
		return SessionIdle
	}
}

func (e *Engine) SessionStatus(ctx context.Context, taskSessionID string) (SessionView, error) {
	taskSessionID = strings.TrimSpace(taskSessionID)
	if taskSessionID == "" {
		return SessionView{}, &ValidationError{Field: "taskSessionId", Message: "is required"}
	}
	view := SessionView{TaskSessionID: taskSessionID, Status: SessionIdle}
	latest, err := e.store.ListRuns(ctx, ListFilter{TaskSessionID: taskSessionID, Limit: 1})
	if err != nil {
		return SessionView{}, err
	}
	if len(latest) == 0 {
		return view, nil
	}
	run := latest[0]
	view.RunID = run.RunID
	view.RunState = run.State
	view.Attempt = run.Attempt
	view.Status = StatusForState(run.State)
	return view, nil
}
