package pending

import (
	"errors"
	"fmt"
	"time"
)

type Kind string

const (
	KindPermission Kind = "permission"
	KindQuestion   Kind = "question"
)

// ToolRef identifies the tool call a permission request gates.
type ToolRef struct {
	CallID    string `json:"callId"`
	MessageID string `json:"messageId,omitempty"`
}

type Option struct {
	Label       string `json:"label"`
	Description string `json:"description,omitempty"`
}

// Question is one multiple-choice prompt in a clarification ask.
type Question struct {
	Header   string   `json:"header,omitempty"`
	Question string   `json:"question"`
	Options  []Option `json:"options,omitempty"`
	Multiple bool     `json:"multiple,omitempty"`
}

// Request is an outstanding ask. Permission asks carry Permission,
// Patterns and usually Tool; question asks carry Questions.
type Request struct {
	ID         string         `json:"id"`
	SessionID  string         `json:"sessionId"`
	RunID      string         `json:"runId,omitempty"`
	Kind       Kind           `json:"kind"`
	Tool       *ToolRef       `json:"tool,omitempty"`
	Permission string         `json:"permission,omitempty"`
	Patterns   []string       `json:"patterns,omitempty"`
	Always     []string       `json:"always,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	Questions  []Question     `json:"questions,omitempty"`
	CreatedAt  time.Time      `json:"createdAt"`
}

type Decision string

const (
	// Once approves only the request being answered.
	Once Decision = "once"
	// Always approves the request and records its Always patterns.
	Always Decision = "always"
	Reject Decision = "reject"
)

func (d Decision) Valid() bool {
	return d == Once || d == Always || d == Reject
}

// Reply resolves a request. Permission replies use Decision; question
// replies carry one answer list per question.
type Reply struct {
	Decision Decision   `json:"reply,omitempty"`
	Answers  [][]string `json:"answers,omitempty"`
	Message  string     `json:"message,omitempty"`
}

var (
	ErrRejected = errors.New("request rejected")
	ErrTimeout  = errors.New("request timed out")
	ErrInvalid  = errors.New("invalid request")
)

// RejectedError is returned to the asker when a human or a session
// teardown declines the request.
type RejectedError struct {
	ID     string
	Reason string
}

func (e *RejectedError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("request %s rejected", e.ID)
	}
	return fmt.Sprintf("request %s rejected: %s", e.ID, e.Reason)
}

func (e *RejectedError) Unwrap() error {
	return ErrRejected
}

func IsRejected(err error) bool {
	return errors.Is(err, ErrRejected)
}
