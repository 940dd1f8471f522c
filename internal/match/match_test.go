package match

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGlobMatchesAnyOfMultiplePatterns(t *testing.T) {
	g, err := NewGlob("10.0.0.*", "192.168.*.1")
	require.NoError(t, err)
	assert.True(t, g.Match("10.0.0.7"))
	assert.True(t, g.Match("192.168.5.1"))
	assert.False(t, g.Match("10.0.1.7"))
}

func TestRegexpAnchoredAtStart(t *testing.T) {
	r, err := NewRegexp("^/foo")
	require.NoError(t, err)
	assert.True(t, r.Match("/foo/x"))
	assert.False(t, r.Match("/bar/foo"))
}

func TestRegexpAutoAnchorsUnanchoredPattern(t *testing.T) {
	r, err := NewRegexp("foo")
	require.NoError(t, err)
	assert.True(t, r.Match("foobar"))
	assert.False(t, r.Match("barfoo"))
}

func TestDiffMatchesWhenEqualToNone(t *testing.T) {
	d, err := NewDiff("a", "b")
	require.NoError(t, err)
	assert.True(t, d.Match("c"))
	assert.False(t, d.Match("a"))
	assert.False(t, d.Match("b"))
}

func TestSequenceShortCircuitsOr(t *testing.T) {
	s := Sequence{"GET", "POST"}
	assert.True(t, s.Match("GET"))
	assert.True(t, s.Match("POST"))
	assert.False(t, s.Match("DELETE"))
}
