// Package skiplist decides which request paths bypass authentication.
package skiplist

import (
	"fmt"

	"github.com/wudi/authgate/internal/pathmatch"
)

// defaultPatterns are always bypassed: credential issuance, captcha and
// oauth callbacks must be reachable without a token.
var defaultPatterns = [...]string{"/token/**", "/captcha/**", "/oauth/**"}

// DefaultPatterns returns a copy of the built-in bypass patterns.
func DefaultPatterns() []string {
	out := make([]string, len(defaultPatterns))
	copy(out, defaultPatterns[:])
	return out
}

// Resolver is an immutable union of the built-in and configured bypass lists.
// It is safe for concurrent use.
type Resolver struct {
	builtin    []pathmatch.Pattern
	configured []pathmatch.Pattern
}

// New compiles the configured patterns. Order is preserved for reporting;
// it has no effect on the decision.
func New(configured []string) (*Resolver, error) {
	r := &Resolver{
		builtin:    make([]pathmatch.Pattern, 0, len(defaultPatterns)),
		configured: make([]pathmatch.Pattern, 0, len(configured)),
	}
	for _, p := range defaultPatterns {
		r.builtin = append(r.builtin, pathmatch.MustCompile(p))
	}
	for i, p := range configured {
		cp, err := pathmatch.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("skip_urls[%d]: %w", i, err)
		}
		r.configured = append(r.configured, cp)
	}
	return r, nil
}

// ShouldSkip reports whether path matches any built-in or configured pattern.
func (r *Resolver) ShouldSkip(path string) bool {
	return matchAny(r.builtin, path) || matchAny(r.configured, path)
}

func matchAny(patterns []pathmatch.Pattern, path string) bool {
	for _, p := range patterns {
		if p.Match(path) {
			return true
		}
	}
	return false
}

// Patterns returns the built-in and configured pattern strings.
func (r *Resolver) Patterns() (builtin, configured []string) {
	builtin = make([]string, len(r.builtin))
	for i, p := range r.builtin {
		builtin[i] = p.String()
	}
	configured = make([]string, len(r.configured))
	for i, p := range r.configured {
		configured[i] = p.String()
	}
	return builtin, configured
}

// Len returns the total number of patterns.
func (r *Resolver) Len() int {
	return len(r.builtin) + len(r.configured)
}
