// Package permission gates agent tool calls behind the rule engine and,
// when the rules say ask, behind a human reply.
package permission

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/flitsinc/runhub/internal/eventlog"
	"github.com/flitsinc/runhub/internal/pending"
	"github.com/flitsinc/runhub/internal/rules"
)

const (
	EventPermissionAsked   = "permission.asked"
	EventPermissionReplied = "permission.replied"
	EventQuestionAsked     = "question.asked"
	EventQuestionReplied   = "question.replied"
)

var ErrDenied = errors.New("permission denied")

// DeniedError reports a request the rules denied outright.
type DeniedError struct {
	Permission rules.Permission
	Patterns   []string
}

func (e *DeniedError) Error() string {
	return fmt.Sprintf("permission denied: %s %s", e.Permission, strings.Join(e.Patterns, ", "))
}

func (e *DeniedError) Unwrap() error {
	return ErrDenied
}

// Appender records events against a run. *runs.Engine satisfies it.
type Appender interface {
	Append(ctx context.Context, runID string, d eventlog.Draft) (eventlog.Event, error)
}

// ToolRequest describes one gated action. Patterns are the concrete
// targets (paths, commands) the action touches; Always are the patterns an
// "always" reply should allow from now on, defaulting to Patterns.
type ToolRequest struct {
	SessionID  string           `json:"sessionId"`
	RunID      string           `json:"runId,omitempty"`
	Permission rules.Permission `json:"permission"`
	Patterns   []string         `json:"patterns"`
	Always     []string         `json:"always,omitempty"`
	Tool       *pending.ToolRef `json:"tool,omitempty"`
	Metadata   map[string]any   `json:"metadata,omitempty"`
}

// Decision reports how an allowed request was resolved.
type Decision struct {
	Action    rules.Action     `json:"action"`
	Asked     bool             `json:"asked"`
	RequestID string           `json:"requestId,omitempty"`
	Reply     pending.Decision `json:"reply,omitempty"`
}

type Gate struct {
	rules    *rules.Ruleset
	bridge   *pending.Bridge
	appender Appender
	logger   *slog.Logger
}

type Option func(*Gate)

func WithAppender(a Appender) Option {
	return func(g *Gate) {
		g.appender = a
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(g *Gate) {
		if logger != nil {
			g.logger = logger
		}
	}
}

func NewGate(rs *rules.Ruleset, bridge *pending.Bridge, opts ...Option) *Gate {
	g := &Gate{rules: rs, bridge: bridge, logger: slog.Default()}
	for _, opt := range opts {
		if opt != nil {
			opt(g)
		}
	}
	return g
}

func (g *Gate) Rules() *rules.Ruleset {
	return g.rules
}

func (g *Gate) Bridge() *pending.Bridge {
	return g.bridge
}

// Check resolves req. Rule verdicts return without suspending: deny as a
// DeniedError, allow as a Decision. Only an ask verdict registers a pending
// request and blocks until it is answered, rejected or ctx ends.
func (g *Gate) Check(ctx context.Context, req ToolRequest) (Decision, error) {
	if !req.Permission.Valid() {
		return Decision{}, fmt.Errorf("%w: unknown permission %q", pending.ErrInvalid, req.Permission)
	}
	if len(req.Patterns) == 0 {
		return Decision{}, fmt.Errorf("%w: at least one pattern is required", pending.ErrInvalid)
	}
	switch g.rules.EvaluateAll(req.Permission, req.Patterns) {
	case rules.Deny:
		g.logger.Info("permission denied by rule", "session_id", req.SessionID, "permission", req.Permission, "patterns", req.Patterns)
		return Decision{}, &DeniedError{Permission: req.Permission, Patterns: req.Patterns}
	case rules.Allow:
		return Decision{Action: rules.Allow}, nil
	}

	always := req.Always
	if len(always) == 0 {
		always = req.Patterns
	}
	registered, wait, err := g.bridge.Register(pending.Request{
		SessionID:  req.SessionID,
		RunID:      req.RunID,
		Kind:       pending.KindPermission,
		Tool:       req.Tool,
		Permission: string(req.Permission),
		Patterns:   req.Patterns,
		Always:     always,
		Metadata:   req.Metadata,
	})
	if err != nil {
		return Decision{}, err
	}
	g.record(ctx, registered.RunID, EventPermissionAsked, registered.ID, map[string]any{
		"requestId":  registered.ID,
		"permission": registered.Permission,
		"patterns":   registered.Patterns,
		"tool":       registered.Tool,
	})

	reply, err := wait(ctx)
	if err != nil {
		payload := map[string]any{"requestId": registered.ID, "reply": string(pending.Reject)}
		var rejected *pending.RejectedError
		if errors.As(err, &rejected) && rejected.Reason != "" {
			payload["message"] = rejected.Reason
		}
		if errors.Is(err, pending.ErrTimeout) {
			payload["reply"] = "timeout"
		}
		if ctx.Err() == nil {
			g.record(ctx, registered.RunID, EventPermissionReplied, registered.ID+":reply", payload)
		}
		return Decision{}, err
	}
	g.record(ctx, registered.RunID, EventPermissionReplied, registered.ID+":reply", map[string]any{
		"requestId": registered.ID,
		"reply":     string(reply.Decision),
	})
	return Decision{Action: rules.Allow, Asked: true, RequestID: registered.ID, Reply: reply.Decision}, nil
}

// Reply answers a pending permission or question request. An "always"
// reply to a permission request records allow rules for its Always
// patterns and then resolves other requests of the same session that the
// new rules allow. Unknown ids report false. A question reply must carry
// one answer list per question; otherwise it fails with ErrInvalid and the
// request stays pending.
func (g *Gate) Reply(id string, reply pending.Reply) (bool, error) {
	req, ok := g.bridge.Get(id)
	if !ok {
		return false, nil
	}
	if reply.Decision == "" && req.Kind == pending.KindPermission {
		reply.Decision = pending.Once
	}
	if req.Kind == pending.KindQuestion && reply.Decision != pending.Reject && len(reply.Answers) != len(req.Questions) {
		return false, fmt.Errorf("%w: expected %d answers, got %d", pending.ErrInvalid, len(req.Questions), len(reply.Answers))
	}
	if !g.bridge.Reply(id, reply) {
		return false, nil
	}
	if reply.Decision != pending.Always || req.Kind != pending.KindPermission {
		return true, nil
	}

	perm := rules.Permission(req.Permission)
	added := make([]rules.Rule, 0, len(req.Always))
	for _, pattern := range req.Always {
		added = append(added, rules.Rule{Permission: perm, Pattern: pattern, Action: rules.Allow})
	}
	if err := g.rules.Prepend(added...); err != nil {
		g.logger.Warn("record always rules", "request_id", id, "error", err)
		return true, nil
	}
	for _, other := range g.bridge.Pending(pending.Filter{SessionID: req.SessionID, Kind: pending.KindPermission}) {
		if g.rules.EvaluateAll(rules.Permission(other.Permission), other.Patterns) == rules.Allow {
			g.bridge.Reply(other.ID, pending.Reply{Decision: pending.Always})
		}
	}
	return true, nil
}

// Reject declines a pending request. Unknown ids report false.
func (g *Gate) Reject(id, reason string) bool {
	return g.bridge.Reject(id, reason)
}

// QuestionRequest is a clarification ask raised by an agent.
type QuestionRequest struct {
	SessionID string             `json:"sessionId"`
	RunID     string             `json:"runId,omitempty"`
	Tool      *pending.ToolRef   `json:"tool,omitempty"`
	Questions []pending.Question `json:"questions"`
}

// AskQuestions blocks until every question is answered and returns one
// answer list per question.
func (g *Gate) AskQuestions(ctx context.Context, req QuestionRequest) ([][]string, error) {
	registered, wait, err := g.bridge.Register(pending.Request{
		SessionID: req.SessionID,
		RunID:     req.RunID,
		Kind:      pending.KindQuestion,
		Tool:      req.Tool,
		Questions: req.Questions,
	})
	if err != nil {
		return nil, err
	}
	g.record(ctx, registered.RunID, EventQuestionAsked, registered.ID, map[string]any{
		"requestId": registered.ID,
		"questions": registered.Questions,
	})
	reply, err := wait(ctx)
	if err != nil {
		if ctx.Err() == nil {
			g.record(ctx, registered.RunID, EventQuestionReplied, registered.ID+":reply", map[string]any{
				"requestId": registered.ID,
				"rejected":  true,
			})
		}
		return nil, err
	}
	if len(reply.Answers) != len(req.Questions) {
		return nil, fmt.Errorf("%w: expected %d answers, got %d", pending.ErrInvalid, len(req.Questions), len(reply.Answers))
	}
	g.record(ctx, registered.RunID, EventQuestionReplied, registered.ID+":reply", map[string]any{
		"requestId": registered.ID,
		"answers":   reply.Answers,
	})
	return reply.Answers, nil
}

func (g *Gate) record(ctx context.Context, runID, eventType, dedupeKey string, payload map[string]any) {
	if g.appender == nil || runID == "" {
		return
	}
	if _, err := g.appender.Append(context.WithoutCancel(ctx), runID, eventlog.Draft{
		EventType: eventType,
		DedupeKey: dedupeKey,
		Payload:   payload,
	}); err != nil {
		g.logger.Warn("record pending event", "run_id", runID, "event_type", eventType, "error", err)
	}
}
