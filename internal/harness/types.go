package harness

import (
	"fmt"
	"slices"
	"strings"
)

// Trace event types.
const (
	EventStep       = "step"
	EventView       = "view"
	EventTransition = "transition"
	EventFailure    = "failure"
	EventConfirmed  = "confirmed"
	EventExpired    = "expired"
	EventRejected   = "rejected"
	EventDropped    = "dropped"
)

// TraceEvent is one observation made while a scenario ran.
type TraceEvent struct {
	Seq   int               `json:"seq"`
	Type  string            `json:"type"`
	Key   string            `json:"key,omitempty"`
	Attrs map[string]string `json:"attrs,omitempty"`
}

// String renders the event on one line with attrs in key order.
func (e TraceEvent) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%d %s", e.Seq, e.Type)
	if e.Key != "" {
		b.WriteString(" " + e.Key)
	}
	keys := make([]string, 0, len(e.Attrs))
	for k := range e.Attrs {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	for _, k := range keys {
		fmt.Fprintf(&b, " %s=%s", k, e.Attrs[k])
	}
	return b.String()
}

// Matches reports whether the event has the given type and every pair in
// match. The pseudo-attr "key" matches the event key.
func (e TraceEvent) Matches(event string, match map[string]string) bool {
	if e.Type != event {
		return false
	}
	for k, want := range match {
		got, ok := e.Attrs[k]
		if k == "key" {
			got, ok = e.Key, true
		}
		if !ok || got != want {
			return false
		}
	}
	return true
}

// Result is the outcome of a scenario run.
type Result struct {
	// Pass is true when every assertion held.
	Pass bool `json:"pass"`

	// Trace holds every observation in order.
	Trace []TraceEvent `json:"trace"`

	// Errors holds assertion failures.
	Errors []string `json:"errors,omitempty"`
}

// NewResult creates a new passing result.
func NewResult() *Result {
	return &Result{
		Pass:   true,
		Trace:  []TraceEvent{},
		Errors: []string{},
	}
}

// AddError adds a validation error and marks the result as failed.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}

func (r *Result) record(typ, key string, attrs map[string]string) {
	r.Trace = append(r.Trace, TraceEvent{
		Seq:   len(r.Trace) + 1,
		Type:  typ,
		Key:   key,
		Attrs: attrs,
	})
}
