package rules

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config is the compact form {permission: {pattern: action}}. A bare
// action in place of the pattern map is shorthand for the permission's
// match-all pattern.
type Config map[Permission]map[string]Action

func matchAll(p Permission) string {
	if p.pathLike() {
		return "**"
	}
	return "*"
}

// ToConfig flattens rules. The first rule for a (permission, pattern)
// pair wins, mirroring evaluation order.
func ToConfig(rules []Rule) Config {
	cfg := Config{}
	for _, r := range rules {
		patterns, ok := cfg[r.Permission]
		if !ok {
			patterns = map[string]Action{}
			cfg[r.Permission] = patterns
		}
		if _, seen := patterns[r.Pattern]; !seen {
			patterns[r.Pattern] = r.Action
		}
	}
	return cfg
}

// Rules expands the map into an ordered rule list. Maps carry no order, so
// within each permission literals come first and wildcards are ordered
// most specific first (more literal characters, then lexically).
func (c Config) Rules() ([]Rule, error) {
	var out []Rule
	for _, perm := range sortedPermissions(c) {
		var literals, wildcards []Rule
		for pattern, action := range c[perm] {
			r := Rule{Permission: perm, Pattern: pattern, Action: action}
			if err := r.Validate(); err != nil {
				return nil, err
			}
			if r.Literal() {
				literals = append(literals, r)
			} else {
				wildcards = append(wildcards, r)
			}
		}
		sort.Slice(literals, func(i, j int) bool { return literals[i].Pattern < literals[j].Pattern })
		sort.Slice(wildcards, func(i, j int) bool {
			si, sj := specificity(wildcards[i].Pattern), specificity(wildcards[j].Pattern)
			if si != sj {
				return si > sj
			}
			return wildcards[i].Pattern < wildcards[j].Pattern
		})
		out = append(out, literals...)
		out = append(out, wildcards...)
	}
	return out, nil
}

func sortedPermissions(c Config) []Permission {
	var perms []Permission
	for _, p := range Permissions {
		if _, ok := c[p]; ok {
			perms = append(perms, p)
		}
	}
	var unknown []Permission
	for p := range c {
		if !p.Valid() {
			unknown = append(unknown, p)
		}
	}
	sort.Slice(unknown, func(i, j int) bool { return unknown[i] < unknown[j] })
	return append(perms, unknown...)
}

func specificity(pattern string) int {
	return len(pattern) - strings.Count(pattern, "*") - strings.Count(pattern, "?")
}

func (c *Config) UnmarshalJSON(data []byte) error {
	var raw map[Permission]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	out := Config{}
	for perm, value := range raw {
		var action Action
		if err := json.Unmarshal(value, &action); err == nil {
			out[perm] = map[string]Action{matchAll(perm): action}
			continue
		}
		var patterns map[string]Action
		if err := json.Unmarshal(value, &patterns); err != nil {
			return fmt.Errorf("%w: %s must be an action or a pattern map", ErrInvalidRule, perm)
		}
		out[perm] = patterns
	}
	*c = out
	return nil
}

// ParseYAML reads rules from a YAML document in the Config shape. Unlike
// Config.Rules, it keeps the document's declaration order.
func ParseYAML(data []byte) ([]Rule, error) {
	var doc yaml.Node
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse rules: %w", err)
	}
	if len(doc.Content) == 0 {
		return nil, nil
	}
	root := doc.Content[0]
	if root.Kind != yaml.MappingNode {
		return nil, fmt.Errorf("%w: rules document must be a mapping", ErrInvalidRule)
	}
	var out []Rule
	for i := 0; i+1 < len(root.Content); i += 2 {
		perm := Permission(root.Content[i].Value)
		value := root.Content[i+1]
		switch value.Kind {
		case yaml.ScalarNode:
			out = append(out, Rule{Permission: perm, Pattern: matchAll(perm), Action: Action(value.Value)})
		case yaml.MappingNode:
			for j := 0; j+1 < len(value.Content); j += 2 {
				out = append(out, Rule{
					Permission: perm,
					Pattern:    value.Content[j].Value,
					Action:     Action(value.Content[j+1].Value),
				})
			}
		default:
			return nil, fmt.Errorf("%w: %s must be an action or a pattern map (line %d)", ErrInvalidRule, perm, value.Line)
		}
	}
	if err := validateAll(out); err != nil {
		return nil, err
	}
	return out, nil
}

// LoadFile reads a YAML rules file.
func LoadFile(path string) ([]Rule, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read rules file: %w", err)
	}
	return ParseYAML(data)
}

// MarshalYAML renders rules in Config shape, keeping rule order.
func MarshalYAML(rules []Rule) ([]byte, error) {
	root := &yaml.Node{Kind: yaml.MappingNode}
	index := map[Permission]*yaml.Node{}
	seen := map[Rule]bool{}
	for _, r := range rules {
		key := Rule{Permission: r.Permission, Pattern: r.Pattern}
		if seen[key] {
			continue
		}
		seen[key] = true
		patterns, ok := index[r.Permission]
		if !ok {
			patterns = &yaml.Node{Kind: yaml.MappingNode}
			index[r.Permission] = patterns
			root.Content = append(root.Content,
				&yaml.Node{Kind: yaml.ScalarNode, Value: string(r.Permission)},
				patterns)
		}
		patterns.Content = append(patterns.Content,
			&yaml.Node{Kind: yaml.ScalarNode, Value: r.Pattern, Style: yaml.DoubleQuotedStyle},
			&yaml.Node{Kind: yaml.ScalarNode, Value: string(r.Action)})
	}
	return yaml.Marshal(root)
}
