package harness

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleTrace() []TraceEvent {
	r := NewResult()
	r.AddStepTrace(1, "a", "save", map[string]any{"key": "doc1"}, OutcomeCommitted, map[string]any{"revision": uint64(1)})
	r.AddStatusTrace(2, "a", "syncing", map[string]any{"key": "doc1", "from": "none"})
	r.AddStatusTrace(3, "a", "synced", map[string]any{"key": "doc1", "from": "syncing", "revision": uint64(1)})
	r.AddStepTrace(4, "b", "save", map[string]any{"key": "doc1"}, OutcomeConflict, nil)
	r.AddStatusTrace(5, "b", "syncing", map[string]any{"key": "doc1", "from": "none"})
	r.AddStatusTrace(6, "b", "conflict", map[string]any{"key": "doc1", "from": "syncing"})
	return r.Trace
}

func TestAssertTraceContains(t *testing.T) {
	trace := sampleTrace()
	tests := []struct {
		name string
		a    Assertion
		ok   bool
	}{
		{"action only", Assertion{Action: "status/conflict"}, true},
		{"subset args", Assertion{Action: "status/synced", Args: map[string]any{"revision": 1}}, true},
		{"wrong args", Assertion{Action: "status/synced", Args: map[string]any{"revision": 2}}, false},
		{"missing arg", Assertion{Action: "save", Args: map[string]any{"content": map[string]any{}}}, false},
		{"tab filter", Assertion{Action: "status/conflict", Tab: "a"}, false},
		{"absent", Assertion{Action: "drain"}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := assertTraceContains(trace, tt.a)
			if tt.ok {
				assert.NoError(t, err)
				return
			}
			var ae *AssertionError
			require.ErrorAs(t, err, &ae)
			assert.Equal(t, AssertTraceContains, ae.Type)
		})
	}
}

func TestAssertTraceOrder(t *testing.T) {
	trace := sampleTrace()

	assert.NoError(t, assertTraceOrder(trace, Assertion{Actions: []string{"save", "status/synced", "status/conflict"}}))
	// Repeated actions are matched in sequence.
	assert.NoError(t, assertTraceOrder(trace, Assertion{Actions: []string{"save", "status/syncing", "save", "status/syncing"}}))
	assert.NoError(t, assertTraceOrder(trace, Assertion{Tab: "b", Actions: []string{"save", "status/conflict"}}))

	err := assertTraceOrder(trace, Assertion{Actions: []string{"status/conflict", "status/synced"}})
	var ae *AssertionError
	require.ErrorAs(t, err, &ae)
	assert.Contains(t, ae.Actual, "no status/synced after [status/conflict]")

	err = assertTraceOrder(trace, Assertion{Actions: []string{"save", "drain"}})
	assert.Error(t, err)
}

func TestAssertTraceCount(t *testing.T) {
	trace := sampleTrace()

	assert.NoError(t, assertTraceCount(trace, Assertion{Action: "save", Count: 2}))
	assert.NoError(t, assertTraceCount(trace, Assertion{Action: "save", Tab: "b", Count: 1}))
	assert.NoError(t, assertTraceCount(trace, Assertion{Action: "status/syncing", Args: map[string]any{"from": "none"}, Count: 2}))
	assert.NoError(t, assertTraceCount(trace, Assertion{Action: "drain", Count: 0}))

	err := assertTraceCount(trace, Assertion{Action: "save", Count: 3})
	var ae *AssertionError
	require.ErrorAs(t, err, &ae)
	assert.Equal(t, "2 occurrences", ae.Actual)
}

func TestMatchSubset(t *testing.T) {
	actual := map[string]any{
		"key":      "doc1",
		"revision": uint64(3),
		"fields":   []string{"title"},
		"content":  map[string]any{"n": json.Number("1.5")},
	}

	_, ok := matchSubset(actual, nil)
	assert.True(t, ok)
	_, ok = matchSubset(actual, map[string]any{"key": "doc1", "revision": 3})
	assert.True(t, ok)
	_, ok = matchSubset(actual, map[string]any{"fields": []any{"title"}})
	assert.True(t, ok)
	_, ok = matchSubset(actual, map[string]any{"content": map[string]any{"n": 1.5}})
	assert.True(t, ok)

	field, ok := matchSubset(actual, map[string]any{"key": "doc1", "revision": 4})
	assert.False(t, ok)
	assert.Equal(t, "revision", field)

	field, ok = matchSubset(actual, map[string]any{"missing": true})
	assert.False(t, ok)
	assert.Equal(t, "missing", field)
}

func TestValuesEqual(t *testing.T) {
	assert.True(t, valuesEqual(nil, nil))
	assert.True(t, valuesEqual(uint64(2), 2))
	assert.True(t, valuesEqual(json.Number("2"), 2.0))
	assert.False(t, valuesEqual("2", 2))
	assert.False(t, valuesEqual(nil, 0))
	assert.False(t, valuesEqual(map[string]any{"a": 1}, map[string]any{"a": 1, "b": 2}))
}

func TestAssertFinalState(t *testing.T) {
	rows := []map[string]any{
		{"key": "doc1", "state": "synced", "revision": 2.0},
		{"key": "doc2", "state": "error", "revision": 1.0},
		{"key": "doc3", "state": "error", "revision": 1.0},
	}

	assert.NoError(t, assertFinalState(rows, Assertion{
		Table: TableStatus, Where: map[string]any{"key": "doc1"}, Expect: map[string]any{"state": "synced", "revision": 2},
	}))

	tests := []struct {
		name   string
		a      Assertion
		actual string
	}{
		{"not found", Assertion{Table: TableStatus, Where: map[string]any{"key": "doc9"}, Expect: map[string]any{"state": "synced"}}, "row not found among 3 rows"},
		{"ambiguous", Assertion{Table: TableStatus, Where: map[string]any{"state": "error"}, Expect: map[string]any{"revision": 1}}, "2 rows matched"},
		{"mismatch", Assertion{Table: TableStatus, Where: map[string]any{"key": "doc1"}, Expect: map[string]any{"state": "error"}}, `field "state" = synced`},
		{"missing field", Assertion{Table: TableStatus, Where: map[string]any{"key": "doc1"}, Expect: map[string]any{"conflict_id": "x"}}, `field "conflict_id" not present`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := assertFinalState(rows, tt.a)
			var ae *AssertionError
			require.ErrorAs(t, err, &ae)
			assert.Contains(t, ae.Actual, tt.actual)
		})
	}
}

func TestFormatWhere(t *testing.T) {
	assert.Equal(t, "(no conditions)", formatWhere(nil))
	assert.Equal(t, "key=doc1 AND state=synced", formatWhere(map[string]any{"state": "synced", "key": "doc1"}))
}

func TestAssertionError_ErrorFormat(t *testing.T) {
	err := &AssertionError{
		Type:     AssertTraceContains,
		Expected: "action drain",
		Actual:   "not found in trace",
		Trace:    sampleTrace()[:2],
	}
	msg := err.Error()
	assert.Contains(t, msg, "Assertion failed: trace_contains")
	assert.Contains(t, msg, "Expected: action drain")
	assert.Contains(t, msg, "Actual: not found in trace")
	assert.Contains(t, msg, "[1] a save")
	assert.Contains(t, msg, "-> committed")
	assert.Contains(t, msg, "[2] a status/syncing")
}
