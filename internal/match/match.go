// Package match implements the three string-pattern matcher families shared
// by the frontend rule engine's criteria and the dispatcher's limits
// registry: glob, regexp and diff.
package match

import (
	"fmt"
	"regexp"

	"github.com/gobwas/glob"
)

// Matcher tests a single string value against a set of patterns.
type Matcher interface {
	Match(value string) bool
}

// Glob matches if any of one or more shell-style glob patterns matches the
// whole input string (OR-combined).
type Glob struct {
	globs []glob.Glob
}

// NewGlob compiles one or more glob patterns.
func NewGlob(patterns ...string) (*Glob, error) {
	if len(patterns) == 0 {
		return nil, fmt.Errorf("match: glob requires at least one pattern")
	}
	compiled := make([]glob.Glob, 0, len(patterns))
	for _, p := range patterns {
		g, err := glob.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("match: compile glob %q: %w", p, err)
		}
		compiled = append(compiled, g)
	}
	return &Glob{globs: compiled}, nil
}

// Match reports whether value matches any of the compiled globs.
func (g *Glob) Match(value string) bool {
	for _, p := range g.globs {
		if p.Match(value) {
			return true
		}
	}
	return false
}

// Regexp matches if any of one or more regular expressions, anchored at the
// start of the string, matches the input (OR-combined).
type Regexp struct {
	exprs []*regexp.Regexp
}

// NewRegexp compiles one or more regular expressions. Patterns are anchored
// at the start (a leading "^" is added if not already present) per the
// spec's "anchored by match" requirement.
func NewRegexp(patterns ...string) (*Regexp, error) {
	if len(patterns) == 0 {
		return nil, fmt.Errorf("match: regexp requires at least one pattern")
	}
	compiled := make([]*regexp.Regexp, 0, len(patterns))
	for _, p := range patterns {
		anchored := p
		if len(anchored) == 0 || anchored[0] != '^' {
			anchored = "^(?:" + anchored + ")"
		}
		re, err := regexp.Compile(anchored)
		if err != nil {
			return nil, fmt.Errorf("match: compile regexp %q: %w", p, err)
		}
		compiled = append(compiled, re)
	}
	return &Regexp{exprs: compiled}, nil
}

// Match reports whether value matches any of the compiled expressions.
func (r *Regexp) Match(value string) bool {
	for _, re := range r.exprs {
		if re.MatchString(value) {
			return true
		}
	}
	return false
}

// Diff matches when the input equals none of the given patterns (negation).
type Diff struct {
	values map[string]struct{}
}

// NewDiff builds a Diff matcher over one or more literal values.
func NewDiff(values ...string) (*Diff, error) {
	if len(values) == 0 {
		return nil, fmt.Errorf("match: diff requires at least one value")
	}
	set := make(map[string]struct{}, len(values))
	for _, v := range values {
		set[v] = struct{}{}
	}
	return &Diff{values: set}, nil
}

// Match reports whether value equals none of the Diff's values.
func (d *Diff) Match(value string) bool {
	_, found := d.values[value]
	return !found
}

// Literal is an equality matcher, used when a criterion is a plain string
// rather than one of the glob/regexp/diff families.
type Literal string

// Match reports string equality.
func (l Literal) Match(value string) bool {
	return string(l) == value
}

// Sequence passes if any element matches; used when a criterion is a list
// of literal values (e.g. Criteria{Method: []string{"GET", "POST"}}).
type Sequence []string

// Match reports whether value equals any element of the sequence.
func (s Sequence) Match(value string) bool {
	for _, v := range s {
		if v == value {
			return true
		}
	}
	return false
}
