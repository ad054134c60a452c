// Package pattern implements the typed path patterns that targets
// delegations use to decide which role owns a given target path: exact
// segments, single-segment wildcards ("*"), and any-depth wildcards
// ("**"). Match testing uses github.com/bmatcuk/doublestar/v4 for glob
// matching; doublestar has no notion of captures, so positional-capture
// extraction is implemented here directly over the parsed segment list.
package pattern

import (
	"fmt"
	"strings"

	doublestar "github.com/bmatcuk/doublestar/v4"
)

type segmentKind int

const (
	exact segmentKind = iota
	single
	anyDepth
)

type segment struct {
	kind segmentKind
	lit  string
}

// Pattern is a compiled path pattern, e.g. "package/*/preferred-versions"
// or "package/**".
type Pattern struct {
	raw      string
	glob     string
	segments []segment
}

// Compile parses raw into a Pattern. raw is a '/'-separated sequence of
// segments; "*" matches exactly one segment, "**" matches zero or more
// segments, anything else is matched literally. "**" may appear at most
// once and only as a whole segment.
func Compile(raw string) (*Pattern, error) {
	if raw == "" {
		return nil, fmt.Errorf("pattern: empty pattern")
	}
	parts := strings.Split(raw, "/")
	segs := make([]segment, 0, len(parts))
	seenAnyDepth := false
	for _, part := range parts {
		switch part {
		case "**":
			if seenAnyDepth {
				return nil, fmt.Errorf("pattern: %q: \"**\" may appear at most once", raw)
			}
			seenAnyDepth = true
			segs = append(segs, segment{kind: anyDepth})
		case "*":
			segs = append(segs, segment{kind: single})
		case "":
			return nil, fmt.Errorf("pattern: %q: empty segment", raw)
		default:
			if strings.Contains(part, "*") {
				return nil, fmt.Errorf("pattern: %q: \"*\" must be a whole segment", raw)
			}
			segs = append(segs, segment{kind: exact, lit: part})
		}
	}
	// Literal segments contain no "*" once the check above passes, but may
	// still hold other doublestar metacharacters; escape those so the glob
	// matches the segment literally.
	escapeLit := strings.NewReplacer(`\`, `\\`, "?", `\?`, "[", `\[`, "]", `\]`, "{", `\{`, "}", `\}`)
	globParts := make([]string, 0, len(segs))
	for _, s := range segs {
		switch s.kind {
		case anyDepth:
			globParts = append(globParts, "**")
		case single:
			globParts = append(globParts, "*")
		default:
			globParts = append(globParts, escapeLit.Replace(s.lit))
		}
	}
	return &Pattern{raw: raw, glob: strings.Join(globParts, "/"), segments: segs}, nil
}

// String returns the original pattern text.
func (p *Pattern) String() string { return p.raw }

// Match reports whether path satisfies the pattern.
func (p *Pattern) Match(path string) (bool, error) {
	return doublestar.Match(p.glob, path)
}

// Captures matches path against the pattern and, on success, returns the
// substrings bound to each wildcard segment in left-to-right order: one
// entry per "*", and one entry (the full matched suffix, '/'-joined) for
// "**". Returns ok=false if path does not match.
func (p *Pattern) Captures(path string) (captures []string, ok bool) {
	pathParts := strings.Split(path, "/")
	caps, matched := matchSegments(p.segments, pathParts)
	if !matched {
		return nil, false
	}
	return caps, true
}

func matchSegments(segs []segment, path []string) ([]string, bool) {
	if len(segs) == 0 {
		if len(path) == 0 {
			return nil, true
		}
		return nil, false
	}
	head, rest := segs[0], segs[1:]
	switch head.kind {
	case exact:
		if len(path) == 0 || path[0] != head.lit {
			return nil, false
		}
		return matchSegments(rest, path[1:])
	case single:
		if len(path) == 0 {
			return nil, false
		}
		tail, ok := matchSegments(rest, path[1:])
		if !ok {
			return nil, false
		}
		return append([]string{path[0]}, tail...), true
	case anyDepth:
		// "**" is greedy but must still allow the remaining segments to
		// match, so try every split point from longest to shortest.
		for i := len(path); i >= 0; i-- {
			tail, ok := matchSegments(rest, path[i:])
			if ok {
				return append([]string{strings.Join(path[:i], "/")}, tail...), true
			}
		}
		return nil, false
	default:
		return nil, false
	}
}
