package runs

import (
	"strings"
	"time"
)

type State string

const (
	StateQueued          State = "queued"
	StateRunning         State = "running"
	StateCancelRequested State = "cancel_requested"
	StateStale           State = "stale"
	StateCompleted       State = "completed"
	StateFailed          State = "failed"
	StateCanceled        State = "canceled"
	StateDead            State = "dead"
)

// Terminal reports whether no further transition can leave the state.
func (s State) Terminal() bool {
	switch s {
	case StateCompleted, StateFailed, StateCanceled, StateDead:
		return true
	}
	return false
}

// Claimable reports whether a worker may take a lease on a run in this state.
func (s State) Claimable() bool {
	return s == StateQueued || s == StateStale
}

// Leased reports whether a run in this state must carry a lease owner.
func (s State) Leased() bool {
	return s == StateRunning || s == StateCancelRequested || s == StateStale
}

func (s State) Valid() bool {
	switch s {
	case StateQueued, StateRunning, StateCancelRequested, StateStale,
		StateCompleted, StateFailed, StateCanceled, StateDead:
		return true
	}
	return false
}

// RuntimeMode selects the agent pipeline that executes a run.
type RuntimeMode string

const (
	ModeIntake RuntimeMode = "intake"
	ModePlan   RuntimeMode = "plan"
	ModeBuild  RuntimeMode = "build"
)

var RuntimeModes = []RuntimeMode{ModeIntake, ModePlan, ModeBuild}

func (m RuntimeMode) Valid() bool {
	switch m {
	case ModeIntake, ModePlan, ModeBuild:
		return true
	}
	return false
}

func ParseRuntimeMode(raw string) (RuntimeMode, error) {
	mode := RuntimeMode(strings.ToLower(strings.TrimSpace(raw)))
	if !mode.Valid() {
		return "", &ValidationError{Field: "runtimeMode", Message: "must be one of intake, plan, build"}
	}
	return mode, nil
}

// TaskRun is one attempt-tracked unit of work. Optional timestamps are nil
// until the corresponding lifecycle step happens. LeaseOwner is empty exactly
// when the state does not carry a lease.
type TaskRun struct {
	RunID            string      `json:"runId"`
	TaskSessionID    string      `json:"taskSessionId"`
	RuntimeMode      RuntimeMode `json:"runtimeMode"`
	ClientRequestKey string      `json:"clientRequestKey,omitempty"`

	State       State `json:"state"`
	Attempt     int   `json:"attempt"`
	MaxAttempts int   `json:"maxAttempts"`

	LeaseOwner      string     `json:"leaseOwner,omitempty"`
	LeaseExpiresAt  *time.Time `json:"leaseExpiresAt,omitempty"`
	LastHeartbeatAt *time.Time `json:"lastHeartbeatAt,omitempty"`

	CancelRequestedAt *time.Time `json:"cancelRequestedAt,omitempty"`
	CanceledAt        *time.Time `json:"canceledAt,omitempty"`

	ErrorCode    string `json:"errorCode,omitempty"`
	ErrorMessage string `json:"errorMessage,omitempty"`

	Input    map[string]any `json:"input,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
	Result   map[string]any `json:"result,omitempty"`

	QueuedAt   time.Time  `json:"queuedAt"`
	StartedAt  *time.Time `json:"startedAt,omitempty"`
	FinishedAt *time.Time `json:"finishedAt,omitempty"`
	CreatedAt  time.Time  `json:"createdAt"`
	UpdatedAt  time.Time  `json:"updatedAt"`

	Version      int64 `json:"version"`
	LastEventSeq int64 `json:"lastEventSeq"`
}

// LeaseExpired reports whether the run's lease has lapsed at now.
func (r TaskRun) LeaseExpired(now time.Time) bool {
	return r.LeaseExpiresAt != nil && !now.Before(*r.LeaseExpiresAt)
}

// CreateRequest is the input to Engine.Create.
type CreateRequest struct {
	TaskSessionID    string         `json:"taskSessionId"`
	RuntimeMode      RuntimeMode    `json:"runtimeMode"`
	ClientRequestKey string         `json:"clientRequestKey,omitempty"`
	Input            map[string]any `json:"input,omitempty"`
	Metadata         map[string]any `json:"metadata,omitempty"`
	MaxAttempts      int            `json:"maxAttempts,omitempty"`
}

// ClaimRequest asks for the oldest claimable run.
type ClaimRequest struct {
	WorkerID      string
	LeaseDuration time.Duration
	Modes         []RuntimeMode
}

type ListFilter struct {
	TaskSessionID string
	State         State
	Limit         int
}

// SweepResult counts transitions applied by one sweep.
type SweepResult struct {
	Stale    int `json:"stale"`
	Dead     int `json:"dead"`
	Canceled int `json:"canceled"`
}

func (r SweepResult) Total() int {
	return r.Stale + r.Dead + r.Canceled
}

// Lifecycle event types.
const (
	EventCreated         = "run.created"
	EventStarted         = "run.started"
	EventCancelRequested = "run.cancel_requested"
	EventCompleted       = "run.completed"
	EventFailed          = "run.failed"
	EventCanceled        = "run.canceled"
	EventStale           = "run.stale"
	EventDead            = "run.dead"
)

const (
	DefaultMaxAttempts   = 3
	MaxMaxAttempts       = 100
	DefaultLeaseDuration = 30 * time.Second
	DefaultListLimit     = 50
	MaxListLimit         = 500

	ErrorCodeLeaseExpired = "lease_expired"
)
