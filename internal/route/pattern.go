package route

import (
	"fmt"
	"strings"

	"storefront-edge/internal/model"
)

type segmentKind int

const (
	segmentLiteral segmentKind = iota
	segmentCapture
	segmentOptional
	segmentRest
)

type segment struct {
	kind  segmentKind
	value string
}

// Pattern is a compiled path rule. The zero value matches only "/".
type Pattern struct {
	raw      string
	segments []segment
}

func CompilePattern(raw string) (Pattern, error) {
	raw = strings.TrimSpace(raw)
	if !strings.HasPrefix(raw, "/") {
		return Pattern{}, fmt.Errorf("%w: %q must start with /", model.ErrInvalidRule, raw)
	}

	p := Pattern{raw: raw}
	trimmed := strings.Trim(raw, "/")
	if trimmed == "" {
		return p, nil
	}

	parts := strings.Split(trimmed, "/")
	for i, part := range parts {
		last := i == len(parts)-1
		switch {
		case part == "":
			return Pattern{}, fmt.Errorf("%w: %q has an empty segment", model.ErrInvalidRule, raw)
		case part == "**":
			if !last {
				return Pattern{}, fmt.Errorf("%w: %q uses ** before the last segment", model.ErrInvalidRule, raw)
			}
			p.segments = append(p.segments, segment{kind: segmentRest})
		case strings.HasPrefix(part, "{") && strings.HasSuffix(part, "?}"):
			name := strings.TrimSuffix(strings.TrimPrefix(part, "{"), "?}")
			restFollows := i == len(parts)-2 && parts[len(parts)-1] == "**"
			if !last && !restFollows {
				return Pattern{}, fmt.Errorf("%w: %q has an optional capture that is not trailing", model.ErrInvalidRule, raw)
			}
			if name == "" {
				return Pattern{}, fmt.Errorf("%w: %q has an unnamed capture", model.ErrInvalidRule, raw)
			}
			p.segments = append(p.segments, segment{kind: segmentOptional, value: name})
		case strings.HasPrefix(part, "{") && strings.HasSuffix(part, "}"):
			name := part[1 : len(part)-1]
			if name == "" {
				return Pattern{}, fmt.Errorf("%w: %q has an unnamed capture", model.ErrInvalidRule, raw)
			}
			p.segments = append(p.segments, segment{kind: segmentCapture, value: name})
		default:
			p.segments = append(p.segments, segment{kind: segmentLiteral, value: part})
		}
	}

	return p, nil
}

func (p Pattern) String() string {
	return p.raw
}

// Captures reports whether the pattern binds the named capture.
func (p Pattern) Captures(name string) bool {
	for _, s := range p.segments {
		if (s.kind == segmentCapture || s.kind == segmentOptional) && s.value == name {
			return true
		}
	}
	return false
}

// Match tests already split path segments. Captured values are returned only
// for captures that bound a segment.
func (p Pattern) Match(path []string) (map[string]string, bool) {
	var captures map[string]string
	bind := func(name, value string) {
		if captures == nil {
			captures = map[string]string{}
		}
		captures[name] = value
	}

	j := 0
	for _, s := range p.segments {
		switch s.kind {
		case segmentRest:
			return captures, true
		case segmentOptional:
			if j < len(path) {
				bind(s.value, path[j])
				j++
			}
		case segmentCapture:
			if j >= len(path) {
				return nil, false
			}
			bind(s.value, path[j])
			j++
		case segmentLiteral:
			if j >= len(path) || path[j] != s.value {
				return nil, false
			}
			j++
		}
	}

	if j != len(path) {
		return nil, false
	}
	return captures, true
}

// splitPath breaks a request path into segments. Paths that a router could
// resolve differently than a literal reading (dot segments, doubled slashes,
// control characters) are rejected.
func splitPath(p string) ([]string, bool) {
	if !strings.HasPrefix(p, "/") || strings.Contains(p, "//") {
		return nil, false
	}
	for _, r := range p {
		if r < 0x20 || r == 0x7f || r == '\\' {
			return nil, false
		}
	}

	trimmed := strings.TrimPrefix(p, "/")
	trimmed = strings.TrimSuffix(trimmed, "/")
	if trimmed == "" {
		return nil, true
	}

	parts := strings.Split(trimmed, "/")
	for _, part := range parts {
		if part == "" || part == "." || part == ".." {
			return nil, false
		}
	}
	return parts, true
}
