package pattern

import (
	"fmt"
	"strings"
)

// Matcher evaluates an ordered rule table. It is pure and safe for
// concurrent use after construction.
type Matcher struct {
	rules []Rule
}

// NewMatcher compiles the rules in order. An invalid rule fails
// construction rather than being skipped silently.
func NewMatcher(rules []Rule) (*Matcher, error) {
	compiled := make([]Rule, len(rules))
	copy(compiled, rules)
	for i := range compiled {
		if err := compiled[i].compile(); err != nil {
			return nil, fmt.Errorf("compile rule table: %w", err)
		}
	}
	return &Matcher{rules: compiled}, nil
}

// MustDefault returns a matcher over the built-in table.
func MustDefault() *Matcher {
	m, err := NewMatcher(DefaultRules())
	if err != nil {
		panic(err)
	}
	return m
}

// Match classifies errorText against the table, first match wins. Returns
// nil when no rule matches; the caller reports category "unknown" and must
// not retry.
func (m *Matcher) Match(errorText string) *Rule {
	if strings.TrimSpace(errorText) == "" {
		return nil
	}
	lowered := strings.ToLower(errorText)
	for i := range m.rules {
		if m.rules[i].matches(lowered) {
			rule := m.rules[i]
			return &rule
		}
	}
	return nil
}

// Rules returns a copy of the table for reporting.
func (m *Matcher) Rules() []Rule {
	out := make([]Rule, len(m.rules))
	copy(out, m.rules)
	return out
}
