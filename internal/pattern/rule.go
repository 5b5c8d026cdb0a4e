// Package pattern classifies failure text against an ordered table of known
// error signatures. Matching is deterministic: the table is an explicit
// slice evaluated first-match-wins, never a map, so identical input always
// yields the same rule.
package pattern

import (
	"fmt"
	"regexp"
	"strings"
)

// Action is the remediation template kind a rule prescribes.
type Action string

const (
	// ActionRetry re-invokes execution unchanged.
	ActionRetry Action = "retry"
	// ActionPathHint re-invokes execution with a path/environment hint
	// passed to the executor.
	ActionPathHint Action = "path_hint"
)

// CategoryUnknown is reported when no rule matches. Unmatched failures are
// never retried blindly.
const CategoryUnknown = "unknown"

// Rule is one entry of the signature table. A rule matches when every
// Contains fragment appears in the text (case-insensitive), or when Regexp
// matches. Exactly one of Contains / Regexp should be set.
type Rule struct {
	Name     string   `yaml:"name"`
	Category string   `yaml:"category"`
	Contains []string `yaml:"contains,omitempty"`
	Regexp   string   `yaml:"regexp,omitempty"`
	Action   Action   `yaml:"action"`
	Hint     string   `yaml:"hint,omitempty"`

	re *regexp.Regexp
}

func (r *Rule) compile() error {
	if len(r.Contains) == 0 && r.Regexp == "" {
		return fmt.Errorf("rule %q: needs contains or regexp", r.Name)
	}
	if r.Action != ActionRetry && r.Action != ActionPathHint {
		return fmt.Errorf("rule %q: unknown action %q", r.Name, r.Action)
	}
	if r.Regexp != "" {
		re, err := regexp.Compile("(?i)" + r.Regexp)
		if err != nil {
			return fmt.Errorf("rule %q: %w", r.Name, err)
		}
		r.re = re
	}
	return nil
}

func (r *Rule) matches(lowered string) bool {
	if len(r.Contains) > 0 {
		for _, frag := range r.Contains {
			if !strings.Contains(lowered, strings.ToLower(frag)) {
				return false
			}
		}
		return true
	}
	return r.re != nil && r.re.MatchString(lowered)
}

// DefaultRules is the built-in table. Ordering is deliberate and part of
// the contract: more specific signatures come before generic fallbacks, so
// an error text matching several rules classifies by the earliest entry.
//
//  1. path_not_found: runner binary missing from PATH
//  2. permission_denied: filesystem or exec permission failures
//  3. timeout: execution exceeded its deadline
//  4. rate_limit: upstream throttling, safe to retry
//  5. network: transient connectivity failures
func DefaultRules() []Rule {
	return []Rule{
		{
			Name:     "runner-missing",
			Category: "path_not_found",
			Contains: []string{"claude", "not"},
			Action:   ActionPathHint,
			Hint:     "/usr/local/bin",
		},
		{
			Name:     "permission",
			Category: "permission_denied",
			Contains: []string{"permission"},
			Action:   ActionRetry,
			Hint:     "check file ownership and mode in the working directory",
		},
		{
			Name:     "timeout",
			Category: "timeout",
			Regexp:   `timed? ?out|deadline exceeded`,
			Action:   ActionRetry,
		},
		{
			Name:     "rate-limit",
			Category: "rate_limit",
			Regexp:   `rate.?limit|too many requests|429`,
			Action:   ActionRetry,
		},
		{
			Name:     "network",
			Category: "network",
			Regexp:   `connection refused|connection reset|no such host|network is unreachable`,
			Action:   ActionRetry,
		},
	}
}
