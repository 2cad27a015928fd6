package routing

import (
	"fmt"
	"net/url"
	"strings"
	"unicode/utf8"
)

type segment struct {
	literal string
	capture string
}

// Pattern is an ordered list of literal and capture segments, written as
// "/modules/{moduleId}/genid/{genId}". A capture matches one non-empty path
// segment and is percent-decoded before it is handed to the handler.
type Pattern struct {
	raw      string
	segments []segment
}

// Parse builds a Pattern. Capture names must be unique within the pattern.
func Parse(pattern string) (Pattern, error) {
	if !strings.HasPrefix(pattern, "/") {
		return Pattern{}, fmt.Errorf("pattern %q must start with '/'", pattern)
	}

	seen := make(map[string]struct{})
	parts := strings.Split(pattern[1:], "/")
	segments := make([]segment, 0, len(parts))
	for _, part := range parts {
		if strings.HasPrefix(part, "{") && strings.HasSuffix(part, "}") {
			name := part[1 : len(part)-1]
			if name == "" || strings.ContainsAny(name, "{}") {
				return Pattern{}, fmt.Errorf("pattern %q has an invalid capture %q", pattern, part)
			}
			if _, dup := seen[name]; dup {
				return Pattern{}, fmt.Errorf("pattern %q captures %q twice", pattern, name)
			}
			seen[name] = struct{}{}
			segments = append(segments, segment{capture: name})
			continue
		}
		if strings.ContainsAny(part, "{}") {
			return Pattern{}, fmt.Errorf("pattern %q has a malformed segment %q", pattern, part)
		}
		segments = append(segments, segment{literal: part})
	}

	return Pattern{raw: pattern, segments: segments}, nil
}

// MustParse is like Parse but panics on error. Intended for route tables that
// are fixed at build time.
func MustParse(pattern string) Pattern {
	p, err := Parse(pattern)
	if err != nil {
		panic(err)
	}
	return p
}

// String returns the pattern as written.
func (p Pattern) String() string {
	return p.raw
}

// Match tests an escaped request path against the pattern. Captured segments are
// percent-decoded and must be valid UTF-8, otherwise the path does not match.
func (p Pattern) Match(escapedPath string) (Captures, bool) {
	if !strings.HasPrefix(escapedPath, "/") {
		return nil, false
	}

	parts := strings.Split(escapedPath[1:], "/")
	if len(parts) != len(p.segments) {
		return nil, false
	}

	var captures Captures
	for i, seg := range p.segments {
		part := parts[i]
		if seg.capture == "" {
			if part != seg.literal {
				return nil, false
			}
			continue
		}

		if part == "" {
			return nil, false
		}
		decoded, err := url.PathUnescape(part)
		if err != nil || !utf8.ValidString(decoded) {
			return nil, false
		}
		if captures == nil {
			captures = make(Captures)
		}
		captures[seg.capture] = decoded
	}

	return captures, true
}

// Captures maps capture names to their decoded values.
type Captures map[string]string

// Get returns the named capture, or "" when absent.
func (c Captures) Get(name string) string {
	return c[name]
}
