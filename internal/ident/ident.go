// Package ident implements the identifier and key algebra: parsing
// `namespace.name@revision` identities, deriving the canonical key used to
// dedupe graph nodes, and the suffix-preserving prefix match used by
// ref-only and product dependency resolution.
package ident

import (
	"fmt"
	"regexp"
	"strings"
)

// tokenPattern matches a single dot-separated path segment.
var tokenPattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// Identity is a parsed `namespace.name@revision` reference, e.g.
// "arm.gcc@r2". Namespace may itself contain dots ("arm.embedded.gcc@r2").
type Identity struct {
	// Path is the full dotted path before '@' (namespace + name), e.g.
	// "arm.gcc". Path always has at least one segment.
	Path []string
	// Revision is the opaque, non-empty token after '@'.
	Revision string
}

// ParseError reports a malformed identity string.
type ParseError struct {
	Input  string
	Reason string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse identity %q: %s", e.Input, e.Reason)
}

// Parse parses a `namespace.name@revision` string into an Identity.
func Parse(s string) (Identity, error) {
	at := strings.LastIndexByte(s, '@')
	if at < 0 {
		return Identity{}, &ParseError{Input: s, Reason: "missing '@revision'"}
	}

	dotted, revision := s[:at], s[at+1:]
	if revision == "" {
		return Identity{}, &ParseError{Input: s, Reason: "empty revision"}
	}
	if dotted == "" {
		return Identity{}, &ParseError{Input: s, Reason: "empty namespace.name"}
	}

	segments := strings.Split(dotted, ".")
	for _, seg := range segments {
		if !tokenPattern.MatchString(seg) {
			return Identity{}, &ParseError{
				Input:  s,
				Reason: fmt.Sprintf("invalid path segment %q", seg),
			}
		}
	}

	return Identity{Path: segments, Revision: revision}, nil
}

// String renders the Identity back to its canonical `namespace.name@revision`
// form.
func (i Identity) String() string {
	return strings.Join(i.Path, ".") + "@" + i.Revision
}

// matches reports whether the candidate identity string matches pattern:
// equal, or pattern equals the identity after stripping a leading dotted
// prefix ("gcc@r2" matches "arm.gcc@r2").
func matches(candidate, pattern string) bool {
	if candidate == pattern {
		return true
	}

	at := strings.LastIndexByte(candidate, '@')
	patAt := strings.LastIndexByte(pattern, '@')
	if at < 0 || patAt < 0 {
		return false
	}
	if candidate[at:] != pattern[patAt:] {
		return false // revisions differ
	}

	candPath := candidate[:at]
	patPath := pattern[:patAt]
	if patPath == candPath {
		return true
	}
	// patPath must be a dot-delimited suffix of candPath.
	suffix := "." + patPath
	return strings.HasSuffix(candPath, suffix)
}

// Matches reports whether id matches the given pattern string (which may
// itself be a bare "name@revision" or a fuller dotted path).
func (i Identity) Matches(pattern string) bool {
	return matches(i.String(), pattern)
}

// FormatKey computes the canonical key for a (identity, serialized_options)
// pair: the identity alone if options are empty, otherwise
// "identity?serialized_options". serializedOptions must already be in
// canonical form (see SerializeOptions).
func FormatKey(id Identity, serializedOptions string) string {
	if serializedOptions == "" {
		return id.String()
	}
	return id.String() + "?" + serializedOptions
}
