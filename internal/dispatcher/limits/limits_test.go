package limits

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jorviizheng/thr/internal/dispatcher/counter"
	"github.com/jorviizheng/thr/internal/match"
	"github.com/jorviizheng/thr/internal/wire"
)

func headerHash(name string) HashFunc {
	return func(req *wire.Request) (string, bool) {
		for _, h := range req.Headers {
			if h.Name == name {
				return h.Value, true
			}
		}
		return "", false
	}
}

func TestRegistryRejectsDuplicateAndReservedNames(t *testing.T) {
	r := NewRegistry()
	l1, err := NewPerValue("lim", headerHash("X-Tag"), 2, true)
	require.NoError(t, err)
	require.NoError(t, r.Register(l1))

	l2, err := NewPerValue("lim", headerHash("X-Tag"), 2, true)
	require.NoError(t, err)
	assert.Error(t, r.Register(l2))

	_, err = NewPerValue("bad==name", headerHash("X-Tag"), 1, true)
	assert.Error(t, err)
}

func TestPerValueLimitProducesOneCounterPerHashValue(t *testing.T) {
	r := NewRegistry()
	l, err := NewPerValue("lim", headerHash("X-Tag"), 2, true)
	require.NoError(t, err)
	require.NoError(t, r.Register(l))

	reqBar := &wire.Request{Headers: []wire.Header{{Name: "X-Tag", Value: "bar"}}}
	reqBaz := &wire.Request{Headers: []wire.Header{{Name: "X-Tag", Value: "baz"}}}

	tbl := counter.NewTable()

	conds := r.Conditions(reqBar)
	require.Len(t, conds, 1)
	assert.Equal(t, "lim==bar", conds[0].Name)
	ok, _ := tbl.ConditionalIncrement(conds)
	assert.True(t, ok)

	conds = r.Conditions(reqBar)
	ok, _ = tbl.ConditionalIncrement(conds)
	assert.True(t, ok, "second distinct 'bar' request still within max=2")

	conds = r.Conditions(reqBaz)
	ok, _ = tbl.ConditionalIncrement(conds)
	assert.True(t, ok, "'baz' has its own independent counter")

	conds = r.Conditions(reqBar)
	ok, blocked := tbl.ConditionalIncrement(conds)
	assert.False(t, ok, "third 'bar' request blocks on lim==bar")
	assert.Equal(t, []string{"lim==bar"}, blocked)
}

func TestPatternLimitSkipsWhenHashAbsent(t *testing.T) {
	r := NewRegistry()
	g, err := match.NewGlob("10.0.0.*")
	require.NoError(t, err)
	l, err := New("ip-limit", func(req *wire.Request) (string, bool) {
		if req.Host == "" {
			return "", false
		}
		return req.Host, true
	}, g, 1, true)
	require.NoError(t, err)
	require.NoError(t, r.Register(l))

	conds := r.Conditions(&wire.Request{})
	assert.Empty(t, conds)

	conds = r.Conditions(&wire.Request{Host: "10.0.0.5"})
	require.Len(t, conds, 1)
	assert.Equal(t, "ip-limit", conds[0].Name)

	conds = r.Conditions(&wire.Request{Host: "192.168.0.5"})
	assert.Empty(t, conds, "hash present but pattern does not match")
}

func TestConditionsMemoizesHashFnAcrossLimits(t *testing.T) {
	r := NewRegistry()
	calls := 0
	shared := func(req *wire.Request) (string, bool) {
		calls++
		return "v", true
	}
	g, err := match.NewGlob("v")
	require.NoError(t, err)
	l1, err := New("a", shared, g, 1, true)
	require.NoError(t, err)
	l2, err := New("b", shared, g, 1, true)
	require.NoError(t, err)
	require.NoError(t, r.Register(l1))
	require.NoError(t, r.Register(l2))

	conds := r.Conditions(&wire.Request{})
	assert.Len(t, conds, 2)
	assert.Equal(t, 1, calls, "hash function shared by two limits must be computed once")
}
