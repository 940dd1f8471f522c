// Package counter implements the dispatcher's process-local counter maps
// and the conditional batch increment primitive that the admission path
// relies on.
//
// Table is intentionally not safe for concurrent use from multiple
// goroutines: the scheduler core (internal/dispatcher) confines all counter
// mutation to a single goroutine, which is what makes ConditionalIncrement
// atomic across an arbitrary number of counter names without locking. If a
// caller needs cross-goroutine access, it must serialize access itself
// (e.g. by routing through the scheduler's command channel).
package counter

// Condition pairs a counter name with the maximum value it must stay below
// to admit a request.
type Condition struct {
	Name string
	Max  int
}

// Table holds the live counter values and per-counter block counts.
type Table struct {
	values map[string]int
	blocks map[string]int
}

// NewTable returns an empty counter table.
func NewTable() *Table {
	return &Table{
		values: make(map[string]int),
		blocks: make(map[string]int),
	}
}

// Get returns the current value of a counter (0 if unset).
func (t *Table) Get(name string) int {
	return t.values[name]
}

// Set forces a counter to a specific value.
func (t *Table) Set(name string, value int) {
	if value <= 0 {
		delete(t.values, name)
		return
	}
	t.values[name] = value
}

// Del removes a counter entirely, regardless of its value.
func (t *Table) Del(name string) {
	delete(t.values, name)
}

// GetBlockCount returns how many times a counter has refused an admission.
func (t *Table) GetBlockCount(name string) int {
	return t.blocks[name]
}

// Decrement decrements every counter in the list by one. A counter that
// reaches zero is deleted, bounding the table's memory to the set of
// currently in-flight counters.
func (t *Table) Decrement(names []string) {
	for _, name := range names {
		v, ok := t.values[name]
		if !ok {
			continue
		}
		v--
		if v <= 0 {
			delete(t.values, name)
		} else {
			t.values[name] = v
		}
	}
}

// ForEachValue calls fn once per live counter with a positive value, in
// unspecified order. Used by the stats writer to aggregate per-value limit
// families (counter names of the form "name==hash").
func (t *Table) ForEachValue(fn func(name string, value int)) {
	for name, value := range t.values {
		fn(name, value)
	}
}

// ForEachBlockCount calls fn once per counter that has ever recorded a
// block, in unspecified order.
func (t *Table) ForEachBlockCount(fn func(name string, blocks int)) {
	for name, blocks := range t.blocks {
		fn(name, blocks)
	}
}

// ConditionalIncrement is the scheduler's single admission primitive: given
// an ordered list of (counter name, max) conditions, it either
//
//   - increments every counter by one and returns (true, names), or
//   - increments none of them and returns (false, blockedNames)
//
// A counter is "blocked" iff its current value is already >= its max. Every
// blocked counter's block count is incremented once per failed attempt,
// regardless of whether other counters in the same batch were also blocked.
func (t *Table) ConditionalIncrement(conditions []Condition) (bool, []string) {
	var blocked []string
	for _, c := range conditions {
		if t.values[c.Name] >= c.Max {
			blocked = append(blocked, c.Name)
			t.blocks[c.Name]++
		}
	}
	if len(blocked) > 0 {
		return false, blocked
	}
	names := make([]string, len(conditions))
	for i, c := range conditions {
		names[i] = c.Name
		t.values[c.Name]++
	}
	return true, names
}
