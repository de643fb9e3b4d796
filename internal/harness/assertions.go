package harness

import (
	"context"
	"encoding/json"
	"fmt"
	"reflect"
	"sort"
	"strings"

	"github.com/roach88/docsync/internal/doc"
)

// AssertionError is returned when an assertion fails.
// It includes detailed context to help debug the failure.
type AssertionError struct {
	Type     string       // Assertion type for categorization
	Expected string       // Human-readable expected outcome
	Actual   string       // Human-readable actual outcome
	Trace    []TraceEvent // Full trace for debugging context
}

// Error implements the error interface.
func (e *AssertionError) Error() string {
	var buf strings.Builder

	fmt.Fprintf(&buf, "Assertion failed: %s\n", e.Type)
	fmt.Fprintf(&buf, "  Expected: %s\n", e.Expected)
	fmt.Fprintf(&buf, "  Actual: %s\n", e.Actual)

	if len(e.Trace) > 0 {
		fmt.Fprintf(&buf, "\nFull trace:\n")
		for _, event := range e.Trace {
			if event.Type == EventStep {
				fmt.Fprintf(&buf, "  [%d] %s %s %v -> %s\n", event.Seq, event.Tab, event.Action, event.Args, event.Outcome)
			} else {
				fmt.Fprintf(&buf, "  [%d] %s %s %v\n", event.Seq, event.Tab, event.Action, event.Args)
			}
		}
	}
	return buf.String()
}

// assertTraceContains checks if the trace contains an event matching
// the specified action and args (subset match).
func assertTraceContains(trace []TraceEvent, assertion Assertion) error {
	for _, event := range trace {
		if event.Action != assertion.Action {
			continue
		}
		if assertion.Tab != "" && event.Tab != assertion.Tab {
			continue
		}
		if _, ok := matchSubset(event.Args, assertion.Args); ok {
			return nil
		}
	}

	return &AssertionError{
		Type:     AssertTraceContains,
		Expected: fmt.Sprintf("action %s with args %v", assertion.Action, assertion.Args),
		Actual:   "not found in trace",
		Trace:    trace,
	}
}

// assertTraceOrder checks if actions appear in the specified order.
// Actions don't need to be consecutive (intervening events are allowed).
// Each action is matched after the previous one, so repeated actions work.
func assertTraceOrder(trace []TraceEvent, assertion Assertion) error {
	pos := 0
	for i, action := range assertion.Actions {
		found := false
		for pos < len(trace) {
			event := trace[pos]
			pos++
			if event.Action == action && (assertion.Tab == "" || event.Tab == assertion.Tab) {
				found = true
				break
			}
		}
		if !found {
			return &AssertionError{
				Type:     AssertTraceOrder,
				Expected: fmt.Sprintf("actions in order: %v", assertion.Actions),
				Actual:   fmt.Sprintf("no %s after %v", action, assertion.Actions[:i]),
				Trace:    trace,
			}
		}
	}
	return nil
}

// assertTraceCount checks if the action appears exactly the specified number of times.
func assertTraceCount(trace []TraceEvent, assertion Assertion) error {
	count := 0
	for _, event := range trace {
		if event.Action != assertion.Action {
			continue
		}
		if assertion.Tab != "" && event.Tab != assertion.Tab {
			continue
		}
		if _, ok := matchSubset(event.Args, assertion.Args); ok {
			count++
		}
	}

	if count != assertion.Count {
		return &AssertionError{
			Type:     AssertTraceCount,
			Expected: fmt.Sprintf("%d occurrences of %s", assertion.Count, assertion.Action),
			Actual:   fmt.Sprintf("%d occurrences", count),
			Trace:    trace,
		}
	}
	return nil
}

// assertFinalState checks that exactly one row of the table matches where,
// and that it holds the expected values (subset semantics).
func assertFinalState(rows []map[string]any, assertion Assertion) error {
	var matched []map[string]any
	for _, row := range rows {
		if _, ok := matchSubset(row, assertion.Where); ok {
			matched = append(matched, row)
		}
	}

	whereDesc := formatWhere(assertion.Where)
	switch len(matched) {
	case 0:
		return &AssertionError{
			Type:     AssertFinalState,
			Expected: fmt.Sprintf("row in %s where %s", assertion.Table, whereDesc),
			Actual:   fmt.Sprintf("row not found among %d rows", len(rows)),
		}
	case 1:
	default:
		return &AssertionError{
			Type:     AssertFinalState,
			Expected: fmt.Sprintf("exactly one row in %s where %s", assertion.Table, whereDesc),
			Actual:   fmt.Sprintf("%d rows matched (assertion is ambiguous)", len(matched)),
		}
	}

	row := matched[0]
	if field, ok := matchSubset(row, assertion.Expect); !ok {
		actual, exists := row[field]
		if !exists {
			return &AssertionError{
				Type:     AssertFinalState,
				Expected: fmt.Sprintf("field %q to exist", field),
				Actual:   fmt.Sprintf("field %q not present in row %v", field, row),
			}
		}
		return &AssertionError{
			Type:     AssertFinalState,
			Expected: fmt.Sprintf("field %q = %v", field, assertion.Expect[field]),
			Actual:   fmt.Sprintf("field %q = %v", field, actual),
		}
	}
	return nil
}

// formatWhere creates a human-readable description of row conditions.
func formatWhere(where map[string]any) string {
	if len(where) == 0 {
		return "(no conditions)"
	}
	keys := sortedKeys(where)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%v", k, where[k]))
	}
	return strings.Join(parts, " AND ")
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// matchSubset reports whether actual holds every expected field with an equal
// value. Extra fields in actual are ignored. On mismatch it returns the first
// differing field in key order.
func matchSubset(actual, expected map[string]any) (string, bool) {
	for _, key := range sortedKeys(expected) {
		got, ok := actual[key]
		if !ok || !valuesEqual(got, expected[key]) {
			return key, false
		}
	}
	return "", true
}

// valuesEqual compares two values after normalizing both to their JSON form,
// so YAML ints, uint64 revisions and JSON numbers compare by value.
func valuesEqual(actual, expected any) bool {
	return reflect.DeepEqual(normalize(actual), normalize(expected))
}

func normalize(v any) any {
	data, err := json.Marshal(v)
	if err != nil {
		return v
	}
	var out any
	if err := json.Unmarshal(data, &out); err != nil {
		return v
	}
	return out
}

// rows returns a table of a tab's final state, each row in its JSON form.
func (h *Harness) rows(ctx context.Context, t *tab, table string) ([]map[string]any, error) {
	var records []any
	switch table {
	case TableStatus:
		list, err := t.eng.ListStatus(ctx)
		if err != nil {
			return nil, err
		}
		for _, s := range list {
			records = append(records, s)
		}
	case TableQueue:
		ops, err := t.eng.Queue().List(ctx)
		if err != nil {
			return nil, err
		}
		for _, op := range ops {
			records = append(records, op)
		}
	case TableDeadLetters:
		ops, err := t.eng.Queue().DeadLetters(ctx)
		if err != nil {
			return nil, err
		}
		for _, op := range ops {
			records = append(records, op)
		}
	case TableConflicts:
		list, err := t.eng.Conflicts(ctx)
		if err != nil {
			return nil, err
		}
		for _, c := range list {
			records = append(records, c)
		}
	case TableRemote:
		return h.remoteRows()
	default:
		return nil, fmt.Errorf("unknown table %q", table)
	}

	out := make([]map[string]any, 0, len(records))
	for _, r := range records {
		row, ok := normalize(r).(map[string]any)
		if !ok {
			return nil, fmt.Errorf("%s: row is not an object", table)
		}
		out = append(out, row)
	}
	return out, nil
}

// remoteRows lists the shared remote's records with their decoded content.
func (h *Harness) remoteRows() ([]map[string]any, error) {
	var out []map[string]any
	for _, d := range h.remote.Records() {
		row, ok := normalize(d).(map[string]any)
		if !ok {
			return nil, fmt.Errorf("remote %s: row is not an object", d.Key)
		}
		if data, ok := h.remote.Blob(d.BlobPath); ok {
			if content, err := doc.ParseContent(data); err == nil {
				row["content"] = normalize(content)
			}
		}
		out = append(out, row)
	}
	return out, nil
}

// evaluateAssertions evaluates all assertions against the trace and each
// tab's final state. Returns one message per failed assertion.
func (h *Harness) evaluateAssertions(ctx context.Context, result *Result, assertions []Assertion) []string {
	var errs []string

	for i, assertion := range assertions {
		var err error

		switch assertion.Type {
		case AssertTraceContains:
			err = assertTraceContains(result.Trace, assertion)
		case AssertTraceOrder:
			err = assertTraceOrder(result.Trace, assertion)
		case AssertTraceCount:
			err = assertTraceCount(result.Trace, assertion)
		case AssertFinalState:
			var rows []map[string]any
			rows, err = h.rows(ctx, h.tab(assertion.Tab), assertion.Table)
			if err == nil {
				err = assertFinalState(rows, assertion)
			}
		default:
			err = fmt.Errorf("unknown assertion type %q", assertion.Type)
		}

		if err != nil {
			errs = append(errs, fmt.Sprintf("assertions[%d]: %v", i, err))
		}
	}
	return errs
}
