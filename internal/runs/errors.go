package runs

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound   = errors.New("run not found")
	ErrConflict   = errors.New("run conflict")
	ErrValidation = errors.New("invalid run request")
	// ErrVersionConflict is returned by stores when a compare-and-swap
	// update lost to a concurrent writer. The engine retries on it.
	ErrVersionConflict = errors.New("run version conflict")
)

// ConflictError reports an operation that is not allowed in the run's
// current state or by the calling worker. No state was changed.
type ConflictError struct {
	RunID  string
	Op     string
	State  State
	Reason string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("%s %s: %s (state=%s)", e.Op, e.RunID, e.Reason, e.State)
}

func (e *ConflictError) Unwrap() error {
	return ErrConflict
}

type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

func (e *ValidationError) Unwrap() error {
	return ErrValidation
}

func IsConflict(err error) bool {
	return errors.Is(err, ErrConflict)
}

func AsConflict(err error) (*ConflictError, bool) {
	var conflict *ConflictError
	if errors.As(err, &conflict) {
		return conflict, true
	}
	return nil, false
}
