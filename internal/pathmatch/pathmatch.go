// Package pathmatch implements ant-style path patterns.
//
// A pattern is a slash separated list of segments. Inside a segment, `*`
// matches any run of characters and `?` a single character. A segment that
// is exactly `**` matches zero or more whole path segments. Empty segments
// (duplicate or trailing slashes) are ignored on both sides, so `/a//b/` and
// `/a/b` are the same path. Patterns always match the full path.
package pathmatch

import (
	"fmt"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

const recursive = "**"

// Pattern is a pre-split path pattern.
type Pattern struct {
	raw      string
	segments []string
}

// Compile validates pattern and splits it into segments.
func Compile(pattern string) (Pattern, error) {
	if err := Validate(pattern); err != nil {
		return Pattern{}, err
	}
	return Pattern{raw: pattern, segments: split(pattern)}, nil
}

// MustCompile is like Compile but panics on an invalid pattern.
func MustCompile(pattern string) Pattern {
	p, err := Compile(pattern)
	if err != nil {
		panic(err)
	}
	return p
}

// Validate reports whether pattern is usable as a path pattern.
func Validate(pattern string) error {
	if !strings.HasPrefix(pattern, "/") {
		return fmt.Errorf("pattern %q must start with /", pattern)
	}
	for _, seg := range split(pattern) {
		if seg == recursive {
			continue
		}
		if !doublestar.ValidatePattern(seg) {
			return fmt.Errorf("pattern %q: invalid segment %q", pattern, seg)
		}
	}
	return nil
}

// String returns the pattern as it was written.
func (p Pattern) String() string {
	return p.raw
}

// Match reports whether path matches the compiled pattern.
func (p Pattern) Match(path string) bool {
	return matchSegments(p.segments, split(path))
}

// Match reports whether path matches pattern. A malformed segment never
// matches; use Validate or Compile to reject such patterns up front.
func Match(pattern, path string) bool {
	return matchSegments(split(pattern), split(path))
}

// matchSegments walks both lists once, remembering only the latest `**`.
// On a mismatch the path position after that `**` advances by one segment,
// which keeps matching linear in the pattern times the path length.
func matchSegments(pattern, path []string) bool {
	pi, si := 0, 0
	starPi, starSi := -1, 0
	for si < len(path) {
		switch {
		case pi < len(pattern) && pattern[pi] == recursive:
			starPi, starSi = pi, si
			pi++
		case pi < len(pattern) && matchSegment(pattern[pi], path[si]):
			pi++
			si++
		case starPi >= 0:
			starSi++
			pi, si = starPi+1, starSi
		default:
			return false
		}
	}
	for pi < len(pattern) && pattern[pi] == recursive {
		pi++
	}
	return pi == len(pattern)
}

func matchSegment(pattern, segment string) bool {
	if !hasMeta(pattern) {
		return pattern == segment
	}
	ok, err := doublestar.Match(pattern, segment)
	return err == nil && ok
}

func hasMeta(s string) bool {
	return strings.ContainsAny(s, `*?[{\`)
}

func split(p string) []string {
	parts := strings.Split(p, "/")
	out := parts[:0]
	for _, s := range parts {
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}
