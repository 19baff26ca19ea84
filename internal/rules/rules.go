// Package rules evaluates declarative permission rules. A rule maps a
// (permission, pattern) pair to allow, deny or ask; requests that no rule
// covers fall back to ask.
package rules

import (
	"errors"
	"fmt"
	"strings"
)

type Permission string

const (
	PermRead              Permission = "read"
	PermEdit              Permission = "edit"
	PermBash              Permission = "bash"
	PermExternalDirectory Permission = "external_directory"
	PermModeSwitch        Permission = "mode_switch"
)

// Permissions lists every permission in canonical order.
var Permissions = []Permission{PermRead, PermEdit, PermBash, PermExternalDirectory, PermModeSwitch}

func (p Permission) Valid() bool {
	switch p {
	case PermRead, PermEdit, PermBash, PermExternalDirectory, PermModeSwitch:
		return true
	}
	return false
}

// pathLike reports whether patterns for p are matched as slash-separated
// paths, where a single * stops at a separator.
func (p Permission) pathLike() bool {
	return p == PermRead || p == PermEdit || p == PermExternalDirectory
}

type Action string

const (
	Allow Action = "allow"
	Deny  Action = "deny"
	Ask   Action = "ask"
)

func (a Action) Valid() bool {
	return a == Allow || a == Deny || a == Ask
}

var ErrInvalidRule = errors.New("invalid rule")

type Rule struct {
	Permission Permission `json:"permission" yaml:"permission"`
	Pattern    string     `json:"pattern" yaml:"pattern"`
	Action     Action     `json:"action" yaml:"action"`
}

func (r Rule) Validate() error {
	if !r.Permission.Valid() {
		return fmt.Errorf("%w: unknown permission %q", ErrInvalidRule, r.Permission)
	}
	if strings.TrimSpace(r.Pattern) == "" {
		return fmt.Errorf("%w: pattern is required", ErrInvalidRule)
	}
	if !r.Action.Valid() {
		return fmt.Errorf("%w: unknown action %q", ErrInvalidRule, r.Action)
	}
	return nil
}

// Literal reports whether the pattern contains no wildcards.
func (r Rule) Literal() bool {
	return !strings.ContainsAny(r.Pattern, "*?")
}

// CatchAll reports whether the pattern matches every target.
func (r Rule) CatchAll() bool {
	return strings.Trim(r.Pattern, "*") == ""
}

// Evaluate returns the action for target under rules. Exact literal rules
// win over wildcard rules; among each group the first declared match wins.
func Evaluate(permission Permission, target string, rules []Rule) Action {
	for _, r := range rules {
		if r.Permission == permission && r.Literal() && r.Pattern == target {
			return r.Action
		}
	}
	for _, r := range rules {
		if r.Permission != permission || r.Literal() {
			continue
		}
		if Match(permission, r.Pattern, target) {
			return r.Action
		}
	}
	return Ask
}

// EvaluateAll folds the verdicts for several targets of one request: any
// deny denies, all allow allows, anything else asks.
func EvaluateAll(permission Permission, targets []string, rules []Rule) Action {
	if len(targets) == 0 {
		return Ask
	}
	verdict := Allow
	for _, target := range targets {
		switch Evaluate(permission, target, rules) {
		case Deny:
			return Deny
		case Ask:
			verdict = Ask
		}
	}
	return verdict
}
