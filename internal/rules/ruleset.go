package rules

import (
	"fmt"
	"slices"
	"sync"
)

// Ruleset is a mutable, concurrency-safe rule list.
type Ruleset struct {
	mu       sync.RWMutex
	rules    []Rule
	defaults []Rule
}

// NewRuleset starts from initial, or from Defaults when initial is nil.
func NewRuleset(initial []Rule) (*Ruleset, error) {
	s := &Ruleset{defaults: Defaults()}
	if initial == nil {
		s.rules = Defaults()
		return s, nil
	}
	if err := validateAll(initial); err != nil {
		return nil, err
	}
	s.rules = slices.Clone(initial)
	return s, nil
}

func (s *Ruleset) List() []Rule {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.rules)
}

// Set replaces all rules.
func (s *Ruleset) Set(rules []Rule) error {
	if err := validateAll(rules); err != nil {
		return err
	}
	s.mu.Lock()
	s.rules = slices.Clone(rules)
	s.mu.Unlock()
	return nil
}

// Add appends rules after the existing ones, except that a rule lands ahead
// of the first catch-all ("*", "**") of its permission. Otherwise a wildcard
// rule added behind a catch-all could never match.
func (s *Ruleset) Add(rules ...Rule) error {
	if err := validateAll(rules); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range rules {
		at := slices.IndexFunc(s.rules, func(existing Rule) bool {
			return existing.Permission == r.Permission && existing.CatchAll()
		})
		if at < 0 {
			s.rules = append(s.rules, r)
			continue
		}
		s.rules = slices.Insert(s.rules, at, r)
	}
	return nil
}

// Prepend inserts rules ahead of the existing ones so they take priority
// within their literal/wildcard group.
func (s *Ruleset) Prepend(rules ...Rule) error {
	if err := validateAll(rules); err != nil {
		return err
	}
	s.mu.Lock()
	s.rules = append(slices.Clone(rules), s.rules...)
	s.mu.Unlock()
	return nil
}

// Reset restores the built-in defaults.
func (s *Ruleset) Reset() {
	s.mu.Lock()
	s.rules = slices.Clone(s.defaults)
	s.mu.Unlock()
}

// Clear removes every rule, so every request asks.
func (s *Ruleset) Clear() {
	s.mu.Lock()
	s.rules = nil
	s.mu.Unlock()
}

func (s *Ruleset) Evaluate(permission Permission, target string) Action {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Evaluate(permission, target, s.rules)
}

func (s *Ruleset) EvaluateAll(permission Permission, targets []string) Action {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return EvaluateAll(permission, targets, s.rules)
}

// Config flattens the rules into the per-permission map form. Later rules
// for the same (permission, pattern) are shadowed by earlier ones.
func (s *Ruleset) Config() Config {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return ToConfig(s.rules)
}

func (s *Ruleset) SetConfig(cfg Config) error {
	rules, err := cfg.Rules()
	if err != nil {
		return err
	}
	return s.Set(rules)
}

func validateAll(rules []Rule) error {
	for i, r := range rules {
		if err := r.Validate(); err != nil {
			return fmt.Errorf("rule %d: %w", i, err)
		}
	}
	return nil
}
