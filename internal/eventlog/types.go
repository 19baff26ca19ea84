package eventlog

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode"

	"github.com/flitsinc/runhub/internal/idgen"
)

// Event is one immutable fact about a run. EventSeq is the only ordering
// guarantee; CreatedAt is advisory.
type Event struct {
	EventID       string         `json:"eventId"`
	RunID         string         `json:"runId"`
	TaskSessionID string         `json:"taskSessionId"`
	EventSeq      int64          `json:"eventSeq"`
	EventType     string         `json:"eventType"`
	DedupeKey     string         `json:"dedupeKey,omitempty"`
	Payload       map[string]any `json:"payload,omitempty"`
	CreatedAt     time.Time      `json:"createdAt"`
}

// Draft is an event that has not been sequenced yet. The store assigns
// EventID and EventSeq. An empty TaskSessionID is filled from the run.
type Draft struct {
	RunID         string
	TaskSessionID string
	EventType     string
	DedupeKey     string
	Payload       map[string]any
	CreatedAt     time.Time
}

// Page is the pull-listing response shape.
type Page struct {
	Events       []Event `json:"events"`
	LastEventSeq int64   `json:"lastEventSeq"`
	HasMore      bool    `json:"hasMore"`
}

// Store is the durable append-only backend. AppendEvent must allocate the
// next sequence number for the run under a serializing write path and
// return the original event (deduped=true) when DedupeKey was already used
// for the run, without consuming a sequence number.
type Store interface {
	AppendEvent(ctx context.Context, draft Draft) (evt Event, deduped bool, err error)
	ListEventsAfter(ctx context.Context, runID string, afterEventSeq int64, limit int) ([]Event, error)
}

const (
	DefaultPageSize = 200
	MaxPageSize     = 1000
	maxTypeLength   = 128
)

var (
	ErrUnknownRun      = errors.New("eventlog: unknown run")
	ErrSessionMismatch = errors.New("eventlog: run belongs to a different session")
	ErrInvalidDraft    = errors.New("eventlog: invalid event")
)

// Validate reports whether the draft can be appended.
func (d Draft) Validate() error {
	if strings.TrimSpace(d.RunID) == "" {
		return fmt.Errorf("%w: runId is required", ErrInvalidDraft)
	}
	if err := validateType(d.EventType); err != nil {
		return err
	}
	if d.DedupeKey != "" {
		if err := idgen.ValidateKey(d.DedupeKey); err != nil {
			return fmt.Errorf("%w: dedupeKey: %v", ErrInvalidDraft, err)
		}
	}
	return nil
}

func validateType(eventType string) error {
	if eventType == "" {
		return fmt.Errorf("%w: eventType is required", ErrInvalidDraft)
	}
	if len(eventType) > maxTypeLength {
		return fmt.Errorf("%w: eventType too long", ErrInvalidDraft)
	}
	for _, r := range eventType {
		if unicode.IsSpace(r) || unicode.IsControl(r) {
			return fmt.Errorf("%w: eventType %q contains whitespace", ErrInvalidDraft, eventType)
		}
	}
	return nil
}

// ClampLimit normalizes a caller-supplied page size.
func ClampLimit(limit int) int {
	if limit <= 0 {
		return DefaultPageSize
	}
	if limit > MaxPageSize {
		return MaxPageSize
	}
	return limit
}
