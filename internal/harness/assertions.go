package harness

import (
	"fmt"
	"slices"
	"strings"

	"github.com/roach88/wolfpack/internal/entity"
	"github.com/roach88/wolfpack/internal/overlay"
	"github.com/roach88/wolfpack/internal/store"
)

// AssertionError is returned when an assertion fails.
type AssertionError struct {
	Type     string
	Expected string
	Actual   string
	Trace    []TraceEvent
}

// Error implements the error interface. The trace is included so a failure
// can be read without rerunning the scenario.
func (e *AssertionError) Error() string {
	var buf strings.Builder
	fmt.Fprintf(&buf, "Assertion failed: %s\n", e.Type)
	fmt.Fprintf(&buf, "  Expected: %s\n", e.Expected)
	fmt.Fprintf(&buf, "  Actual: %s\n", e.Actual)
	if len(e.Trace) > 0 {
		fmt.Fprintf(&buf, "\nFull trace:\n")
		for _, event := range e.Trace {
			fmt.Fprintf(&buf, "  %s\n", event)
		}
	}
	return buf.String()
}

// EvaluateAssertions checks every assertion against the final store and
// overlay state and the trace. It returns one message per failure.
func EvaluateAssertions(r *Result, assertions []Assertion, st *store.Store, ov *overlay.Overlay) []string {
	var failures []string
	for i, a := range assertions {
		var err error
		switch a.Type {
		case AssertView:
			err = assertView(st, a)
		case AssertAbsent:
			err = assertAbsent(st, a)
		case AssertPending:
			if n := ov.Len(); n != a.Count {
				err = &AssertionError{
					Type:     AssertPending,
					Expected: fmt.Sprintf("%d outstanding optimistic entries", a.Count),
					Actual:   fmt.Sprintf("%d", n),
				}
			}
		case AssertTraceContains:
			err = assertTraceContains(r.Trace, a)
		case AssertTraceCount:
			err = assertTraceCount(r.Trace, a)
		case AssertTraceOrder:
			err = assertTraceOrder(r.Trace, a)
		default:
			err = fmt.Errorf("unknown assertion type %q", a.Type)
		}
		if err != nil {
			failures = append(failures, fmt.Sprintf("assertion %d: %v", i, err))
		}
	}
	return failures
}

func assertView(st *store.Store, a Assertion) error {
	kind, err := entity.ParseKind(string(a.Kind))
	if err != nil {
		return err
	}
	key := entity.Key{Kind: kind, ID: a.ID}
	e, ok := st.Get(kind, a.ID)
	if !ok {
		return &AssertionError{Type: AssertView, Expected: key.String() + " displayed", Actual: "absent"}
	}
	for _, name := range sortedNames(a.Expect) {
		want := a.Expect[name]
		var got, expected string
		switch name {
		case "version":
			got, expected = fmt.Sprint(e.Version), fmt.Sprint(want)
		case entity.StatusField:
			got, expected = string(e.Status), fmt.Sprint(want)
		case "pending":
			got, expected = fmt.Sprint(e.Pending), fmt.Sprint(want)
		default:
			wantValue, err := entity.FromAny(want)
			if err != nil {
				return fmt.Errorf("view %s expect %s: %w", key, name, err)
			}
			gotValue, present := e.Fields[name]
			if present && entity.ValueEqual(gotValue, wantValue) {
				continue
			}
			got, expected = renderValue(gotValue, present), renderValue(wantValue, true)
		}
		if got != expected {
			return &AssertionError{
				Type:     AssertView,
				Expected: fmt.Sprintf("%s %s=%s", key, name, expected),
				Actual:   fmt.Sprintf("%s=%s", name, got),
			}
		}
	}
	return nil
}

func assertAbsent(st *store.Store, a Assertion) error {
	kind, err := entity.ParseKind(string(a.Kind))
	if err != nil {
		return err
	}
	if e, ok := st.Get(kind, a.ID); ok {
		return &AssertionError{
			Type:     AssertAbsent,
			Expected: entity.Key{Kind: kind, ID: a.ID}.String() + " absent",
			Actual:   fmt.Sprintf("displayed at version %d", e.Version),
		}
	}
	return nil
}

// assertTraceContains checks that some event matches.
func assertTraceContains(trace []TraceEvent, a Assertion) error {
	for _, event := range trace {
		if event.Matches(a.Event, a.Match) {
			return nil
		}
	}
	return &AssertionError{
		Type:     AssertTraceContains,
		Expected: fmt.Sprintf("%s event matching %v", a.Event, a.Match),
		Actual:   "not found in trace",
		Trace:    trace,
	}
}

// assertTraceCount checks the exact number of matching events.
func assertTraceCount(trace []TraceEvent, a Assertion) error {
	count := 0
	for _, event := range trace {
		if event.Matches(a.Event, a.Match) {
			count++
		}
	}
	if count != a.Count {
		return &AssertionError{
			Type:     AssertTraceCount,
			Expected: fmt.Sprintf("%d %s events matching %v", a.Count, a.Event, a.Match),
			Actual:   fmt.Sprintf("%d", count),
			Trace:    trace,
		}
	}
	return nil
}

// assertTraceOrder checks that each matcher is satisfied by an event after
// the one satisfying the previous matcher. Events need not be consecutive.
func assertTraceOrder(trace []TraceEvent, a Assertion) error {
	pos := 0
	for i, m := range a.Sequence {
		found := false
		for pos < len(trace) {
			event := trace[pos]
			pos++
			if event.Matches(m.Event, m.Match) {
				found = true
				break
			}
		}
		if !found {
			return &AssertionError{
				Type:     AssertTraceOrder,
				Expected: fmt.Sprintf("%d events in order", len(a.Sequence)),
				Actual:   fmt.Sprintf("sequence[%d]: no %s event matching %v in order", i, m.Event, m.Match),
				Trace:    trace,
			}
		}
	}
	return nil
}

func renderValue(v entity.Value, present bool) string {
	if !present {
		return "<unset>"
	}
	data, err := entity.MarshalCanonical(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(data)
}

func sortedNames(m map[string]any) []string {
	names := make([]string, 0, len(m))
	for k := range m {
		names = append(names, k)
	}
	slices.Sort(names)
	return names
}
