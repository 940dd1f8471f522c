// Package limits implements the dispatcher's ordered limits registry: an
// ordered mapping from limit name to a hash function, a match pattern over
// that hash, a maximum, and a stats-visibility flag.
package limits

import (
	"fmt"
	"reflect"
	"strings"

	"github.com/jorviizheng/thr/internal/dispatcher/counter"
	"github.com/jorviizheng/thr/internal/match"
	"github.com/jorviizheng/thr/internal/wire"
)

// counterSeparator joins a limit name to a per-hash-value suffix. Limit
// names containing it are rejected at registration time.
const counterSeparator = "=="

// HashFunc computes the hash value a limit's pattern is matched against for
// a given request. Returning ("", false) means the limit does not apply to
// this request.
type HashFunc func(req *wire.Request) (string, bool)

// Limit is a single registered concurrency limit.
type Limit struct {
	Name        string
	HashFn      HashFunc
	Max         int
	ShowInStats bool

	// PerValue is true when the limit was registered with a pattern-less
	// "one counter per distinct hash value" semantics (the hash_pattern ==
	// hash_fn sentinel in the Python original). See NewPerValue.
	PerValue bool
	pattern  match.Matcher
}

// New registers a limit whose hash value must match pattern.
func New(name string, hashFn HashFunc, pattern match.Matcher, max int, showInStats bool) (*Limit, error) {
	if err := validateName(name); err != nil {
		return nil, err
	}
	if pattern == nil {
		return nil, fmt.Errorf("limits: %q: pattern must not be nil", name)
	}
	return &Limit{Name: name, HashFn: hashFn, Max: max, ShowInStats: showInStats, pattern: pattern}, nil
}

// NewPerValue registers a limit with "one counter per distinct hash value"
// semantics: the sentinel case where hash_pattern equals hash_fn itself in
// the original design. Every distinct hash value produced by hashFn gets
// its own independently bounded counter named "<name>==<hash>".
func NewPerValue(name string, hashFn HashFunc, max int, showInStats bool) (*Limit, error) {
	if err := validateName(name); err != nil {
		return nil, err
	}
	return &Limit{Name: name, HashFn: hashFn, Max: max, ShowInStats: showInStats, PerValue: true}, nil
}

func validateName(name string) error {
	if name == "" {
		return fmt.Errorf("limits: name must not be empty")
	}
	if strings.Contains(name, counterSeparator) {
		return fmt.Errorf("limits: name %q must not contain %q (reserved as counter-name separator)", name, counterSeparator)
	}
	return nil
}

// counterName returns the counter name a given hash value resolves to.
func (l *Limit) counterName(hash string) string {
	if l.PerValue {
		return l.Name + counterSeparator + hash
	}
	return l.Name
}

// matches reports whether hash satisfies this limit's pattern. Per-value
// limits always match (every distinct value gets a counter); others defer
// to the compiled pattern.
func (l *Limit) matches(hash string) bool {
	if l.PerValue {
		return true
	}
	return l.pattern.Match(hash)
}

// Registry is the dispatcher's ordered limits table.
type Registry struct {
	limits []*Limit
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// Register adds a limit to the registry, in registration order. Names must
// be unique across the registry.
func (r *Registry) Register(l *Limit) error {
	for _, existing := range r.limits {
		if existing.Name == l.Name {
			return fmt.Errorf("limits: duplicate limit name %q", l.Name)
		}
	}
	r.limits = append(r.limits, l)
	return nil
}

// Limits returns the registered limits in registration order.
func (r *Registry) Limits() []*Limit {
	return r.limits
}

// Conditions computes, for req, the list of (counter_name, max) conditions
// it must satisfy to be admitted. Hash functions are memoized per call so a
// limit sharing a hash function with another only computes it once.
func (r *Registry) Conditions(req *wire.Request) []counter.Condition {
	type hashResult struct {
		value string
		ok    bool
	}
	hashCache := make(map[uintptr]hashResult)

	var out []counter.Condition
	for _, l := range r.limits {
		key := reflect.ValueOf(l.HashFn).Pointer()
		result, seen := hashCache[key]
		if !seen {
			value, ok := l.HashFn(req)
			result = hashResult{value, ok}
			hashCache[key] = result
		}
		if !result.ok {
			continue
		}
		if !l.matches(result.value) {
			continue
		}
		out = append(out, counter.Condition{Name: l.counterName(result.value), Max: l.Max})
	}
	return out
}
