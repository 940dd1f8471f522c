package rules

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeExchange is a minimal stand-in for HTTPExchange used only to exercise
// the generic engine in isolation.
type fakeExchange struct {
	method string
	path   string
	header string
}

func newTestEngine() *Engine[*fakeExchange] {
	getters := []GetterEntry[*fakeExchange]{
		{Name: "method", Fn: func(ex *fakeExchange) string { return ex.method }},
		{Name: "path", Fn: func(ex *fakeExchange) string { return ex.path }},
	}
	mutators := []MutatorEntry[*fakeExchange]{
		{Name: "set_header", Fn: func(ex *fakeExchange, v interface{}) { ex.header = v.(string) }},
	}
	return NewEngine(getters, mutators)
}

func TestRuleOrderingLastWriteWins(t *testing.T) {
	eng := newTestEngine()
	criteria := NewCriteria[*fakeExchange]().With("path", "/foo")
	eng.AddRule(&Rule[*fakeExchange]{Criteria: criteria, Actions: NewActions[*fakeExchange]().With("set_header", "A")})
	eng.AddRule(&Rule[*fakeExchange]{Criteria: criteria, Actions: NewActions[*fakeExchange]().With("set_header", "B")})

	ex := &fakeExchange{path: "/foo"}
	eng.ExecuteInput(ex)
	assert.Equal(t, "B", ex.header)
}

func TestRuleStopHaltsWalk(t *testing.T) {
	eng := newTestEngine()
	criteria := NewCriteria[*fakeExchange]().With("path", "/foo")
	eng.AddRule(&Rule[*fakeExchange]{Criteria: criteria, Actions: NewActions[*fakeExchange]().With("set_header", "A"), Stop: true})
	eng.AddRule(&Rule[*fakeExchange]{Criteria: criteria, Actions: NewActions[*fakeExchange]().With("set_header", "B")})

	ex := &fakeExchange{path: "/foo"}
	eng.ExecuteInput(ex)
	assert.Equal(t, "A", ex.header)
}

func TestCriteriaANDNess(t *testing.T) {
	eng := newTestEngine()
	criteria := NewCriteria[*fakeExchange]().With("method", "GET").With("path", AttrCriterionFunc(func(v string) (bool, <-chan bool) {
		return len(v) >= 4 && v[:4] == "/foo", nil
	}))
	eng.AddRule(&Rule[*fakeExchange]{Criteria: criteria, Actions: NewActions[*fakeExchange]().With("set_header", "matched")})

	match := &fakeExchange{method: "GET", path: "/foo/x"}
	eng.ExecuteInput(match)
	assert.Equal(t, "matched", match.header)

	wrongMethod := &fakeExchange{method: "POST", path: "/foo/x"}
	eng.ExecuteInput(wrongMethod)
	assert.Empty(t, wrongMethod.header)

	wrongPath := &fakeExchange{method: "GET", path: "/bar"}
	eng.ExecuteInput(wrongPath)
	assert.Empty(t, wrongPath.header)
}

func TestCriteriaSequenceMatchesAny(t *testing.T) {
	eng := newTestEngine()
	criteria := NewCriteria[*fakeExchange]().With("method", []string{"GET", "POST"})
	eng.AddRule(&Rule[*fakeExchange]{Criteria: criteria, Actions: NewActions[*fakeExchange]().With("set_header", "hit")})

	get := &fakeExchange{method: "GET"}
	eng.ExecuteInput(get)
	assert.Equal(t, "hit", get.header)

	post := &fakeExchange{method: "POST"}
	eng.ExecuteInput(post)
	assert.Equal(t, "hit", post.header)

	del := &fakeExchange{method: "DELETE"}
	eng.ExecuteInput(del)
	assert.Empty(t, del.header)
}

func TestCustomCriterionDeferredSuppressesOrAdmits(t *testing.T) {
	eng := newTestEngine()

	deferredFalse := func(ex *fakeExchange) (bool, <-chan bool) {
		ch := make(chan bool, 1)
		go func() {
			time.Sleep(time.Millisecond)
			ch <- false
		}()
		return false, ch
	}
	criteriaSuppress := NewCriteria[*fakeExchange]().WithCustom(deferredFalse)
	eng.AddRule(&Rule[*fakeExchange]{Criteria: criteriaSuppress, Actions: NewActions[*fakeExchange]().With("set_header", "should-not-apply")})

	ex := &fakeExchange{}
	eng.ExecuteInput(ex)
	assert.Empty(t, ex.header)

	deferredTrue := func(ex *fakeExchange) (bool, <-chan bool) {
		ch := make(chan bool, 1)
		go func() {
			time.Sleep(time.Millisecond)
			ch <- true
		}()
		return false, ch
	}
	eng2 := newTestEngine()
	criteriaAdmit := NewCriteria[*fakeExchange]().WithCustom(deferredTrue)
	eng2.AddRule(&Rule[*fakeExchange]{Criteria: criteriaAdmit, Actions: NewActions[*fakeExchange]().With("set_header", "admitted")})
	eng2.ExecuteInput(ex)
	assert.Equal(t, "admitted", ex.header)
}

func TestOutputPhaseRunsOnlyMemoizedSubset(t *testing.T) {
	eng := newTestEngine()
	getters := []GetterEntry[*fakeExchange]{
		{Name: "path", Fn: func(ex *fakeExchange) string { return ex.path }},
	}
	mutators := []MutatorEntry[*fakeExchange]{
		{Name: "set_output_header", Fn: func(ex *fakeExchange, v interface{}) { ex.header = v.(string) }},
	}
	eng = NewEngine(getters, mutators)

	criteria := NewCriteria[*fakeExchange]().With("path", "/foo")
	eng.AddRule(&Rule[*fakeExchange]{Criteria: criteria, Actions: NewActions[*fakeExchange]().With("set_output_header", "out")})

	ex := &fakeExchange{path: "/foo"}
	matched := eng.ExecuteInput(ex)
	require.Len(t, matched, 1)
	assert.Empty(t, ex.header, "output-phase action must not run during ExecuteInput")

	eng.ExecuteOutput(ex, matched)
	assert.Equal(t, "out", ex.header)
}

func TestPhaseOfClassification(t *testing.T) {
	assert.Equal(t, PhaseInput, phaseOf("set_input_header"))
	assert.Equal(t, PhaseOutput, phaseOf("set_output_header"))
	assert.Equal(t, PhaseInput, phaseOf("custom_input"))
	assert.Equal(t, PhaseOutput, phaseOf("custom_output"))
	assert.Equal(t, PhaseInput, phaseOf("set_redis_queue"))
	assert.Equal(t, PhaseOutput, phaseOf("set_status_code_output"))
}
