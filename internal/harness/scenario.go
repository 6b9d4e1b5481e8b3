package harness

import (
	"bytes"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/roach88/wolfpack/internal/entity"
)

// Scenario is a scripted sequence of server data and user mutations run
// against the synchronization core.
type Scenario struct {
	// Name identifies the scenario and names its golden file.
	Name string `yaml:"name"`

	// Description explains what the scenario validates.
	Description string `yaml:"description"`

	// Start is the initial clock time. Defaults to 2026-01-01T00:00:00Z.
	Start time.Time `yaml:"start,omitempty"`

	// TTL bounds unconfirmed optimistic entries. Defaults to the overlay
	// default.
	TTL time.Duration `yaml:"ttl,omitempty"`

	// Setup holds server entities present before the first step. Setup is
	// not traced.
	Setup []EntitySpec `yaml:"setup,omitempty"`

	// Steps run in order.
	Steps []Step `yaml:"steps"`

	// Assertions are checked after the last step.
	Assertions []Assertion `yaml:"assertions"`
}

// EntitySpec is an entity as written in a scenario.
type EntitySpec struct {
	Kind      entity.Kind    `yaml:"kind"`
	ID        string         `yaml:"id"`
	Version   int64          `yaml:"version"`
	Status    entity.Status  `yaml:"status,omitempty"`
	CreatedAt time.Time      `yaml:"created_at,omitempty"`
	UpdatedAt time.Time      `yaml:"updated_at,omitempty"`
	Fields    map[string]any `yaml:"fields,omitempty"`
}

// Entity builds the described entity.
func (s EntitySpec) Entity() (entity.Entity, error) {
	kind, err := entity.ParseKind(string(s.Kind))
	if err != nil {
		return entity.Entity{}, err
	}
	fields, err := entity.FieldsFromMap(s.Fields)
	if err != nil {
		return entity.Entity{}, fmt.Errorf("%s/%s: %w", s.Kind, s.ID, err)
	}
	return entity.Entity{
		Kind:      kind,
		ID:        s.ID,
		Version:   s.Version,
		Status:    s.Status,
		CreatedAt: s.CreatedAt,
		UpdatedAt: s.UpdatedAt,
		Fields:    fields,
	}, nil
}

// Step is one scenario action. Exactly one field is set.
type Step struct {
	// Mutate applies an optimistic mutation.
	Mutate *MutateStep `yaml:"mutate,omitempty"`
	// Push delivers a change event as the push channel would.
	Push *PushStep `yaml:"push,omitempty"`
	// Respond delivers the server's response to a mutation.
	Respond *RespondStep `yaml:"respond,omitempty"`
	// Fail reports a terminal mutation failure.
	Fail *FailStep `yaml:"fail,omitempty"`
	// Poll delivers a page of poll results.
	Poll []EntitySpec `yaml:"poll,omitempty"`
	// Resync delivers a full fetch of one feed.
	Resync *ResyncStep `yaml:"resync,omitempty"`
	// Advance moves the clock and expires stale optimistic entries.
	Advance time.Duration `yaml:"advance,omitempty"`
}

// Action names the step kind.
func (s Step) Action() string {
	var names []string
	if s.Mutate != nil {
		names = append(names, "mutate")
	}
	if s.Push != nil {
		names = append(names, "push")
	}
	if s.Respond != nil {
		names = append(names, "respond")
	}
	if s.Fail != nil {
		names = append(names, "fail")
	}
	if s.Poll != nil {
		names = append(names, "poll")
	}
	if s.Resync != nil {
		names = append(names, "resync")
	}
	if s.Advance != 0 {
		names = append(names, "advance")
	}
	if len(names) != 1 {
		return ""
	}
	return names[0]
}

// MutateStep is an optimistic mutation.
type MutateStep struct {
	ID     string      `yaml:"id"`
	Kind   entity.Kind `yaml:"kind"`
	Entity string      `yaml:"entity"`
	Op     string      `yaml:"op"`
	Ops    []OpSpec    `yaml:"ops,omitempty"`
	Create *EntitySpec `yaml:"create,omitempty"`
	Remove bool        `yaml:"remove,omitempty"`
}

// OpSpec is one field change. Exactly one of Set, Incr or Unset names the
// field.
type OpSpec struct {
	Set   string `yaml:"set,omitempty"`
	Value any    `yaml:"value,omitempty"`
	Incr  string `yaml:"incr,omitempty"`
	By    int64  `yaml:"by,omitempty"`
	Unset string `yaml:"unset,omitempty"`
}

// Delta converts the mutation into an overlay delta.
func (m MutateStep) Delta() (entity.Delta, error) {
	d := entity.Delta{Remove: m.Remove}
	if m.Create != nil {
		e, err := m.Create.Entity()
		if err != nil {
			return entity.Delta{}, err
		}
		d.Create = &e
	}
	for i, op := range m.Ops {
		switch {
		case op.Set != "":
			v, err := entity.FromAny(op.Value)
			if err != nil {
				return entity.Delta{}, fmt.Errorf("ops[%d]: %w", i, err)
			}
			d.Ops = append(d.Ops, entity.Set(op.Set, v))
		case op.Incr != "":
			d.Ops = append(d.Ops, entity.Incr(op.Incr, op.By))
		case op.Unset != "":
			d.Ops = append(d.Ops, entity.Unset(op.Unset))
		default:
			return entity.Delta{}, fmt.Errorf("ops[%d]: one of set, incr or unset is required", i)
		}
	}
	return d, nil
}

// PushStep is a change event.
type PushStep struct {
	Op         entity.Op   `yaml:"op"`
	MutationID string      `yaml:"mutation_id,omitempty"`
	After      *EntitySpec `yaml:"after,omitempty"`
	Before     *EntitySpec `yaml:"before,omitempty"`
}

// Event converts the step into a change event.
func (p PushStep) Event(at time.Time) (entity.ChangeEvent, error) {
	ev := entity.ChangeEvent{Op: p.Op, MutationID: p.MutationID, ServerTimestamp: at}
	for _, side := range []struct {
		spec *EntitySpec
		dst  **entity.Entity
	}{{p.After, &ev.After}, {p.Before, &ev.Before}} {
		if side.spec == nil {
			continue
		}
		e, err := side.spec.Entity()
		if err != nil {
			return entity.ChangeEvent{}, err
		}
		ev.Kind = e.Kind
		*side.dst = &e
	}
	return ev, nil
}

// RespondStep is a successful mutation response.
type RespondStep struct {
	MutationID string     `yaml:"mutation_id"`
	Entity     EntitySpec `yaml:"entity"`
}

// FailStep is a terminal mutation failure.
type FailStep struct {
	MutationID string `yaml:"mutation_id"`
	Code       string `yaml:"code"`
	Message    string `yaml:"message,omitempty"`
}

// ResyncStep is a full fetch of (kind, filter).
type ResyncStep struct {
	Kind     entity.Kind       `yaml:"kind"`
	Filter   map[string]string `yaml:"filter,omitempty"`
	Complete bool              `yaml:"complete"`
	Items    []EntitySpec      `yaml:"items"`
}

// Assertion checks the final view or the trace.
type Assertion struct {
	// Type is one of view, absent, pending, trace_contains, trace_count
	// and trace_order.
	Type string `yaml:"type"`

	// Kind and ID select the entity for view and absent.
	Kind entity.Kind `yaml:"kind,omitempty"`
	ID   string      `yaml:"id,omitempty"`

	// Expect is a subset match on the displayed view: version, status,
	// pending or any field name.
	Expect map[string]any `yaml:"expect,omitempty"`

	// Event and Match select trace events for trace_contains and
	// trace_count. Match is a subset match on the event key and attrs.
	Event string            `yaml:"event,omitempty"`
	Match map[string]string `yaml:"match,omitempty"`

	// Count is the expected number of matches (trace_count) or
	// outstanding optimistic entries (pending).
	Count int `yaml:"count,omitempty"`

	// Sequence lists matchers that must appear in order (trace_order).
	Sequence []EventMatch `yaml:"sequence,omitempty"`
}

// EventMatch selects trace events.
type EventMatch struct {
	Event string            `yaml:"event"`
	Match map[string]string `yaml:"match,omitempty"`
}

// Assertion types.
const (
	AssertView          = "view"
	AssertAbsent        = "absent"
	AssertPending       = "pending"
	AssertTraceContains = "trace_contains"
	AssertTraceCount    = "trace_count"
	AssertTraceOrder    = "trace_order"
)

// LoadScenario reads and validates a scenario file. Unknown fields are
// rejected.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}
	return ParseScenario(data)
}

// ParseScenario decodes and validates a scenario.
func ParseScenario(data []byte) (*Scenario, error) {
	var scenario Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&scenario); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}
	if err := validateScenario(&scenario); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	return &scenario, nil
}

func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	if s.Description == "" {
		return fmt.Errorf("description is required")
	}
	if len(s.Steps) == 0 {
		return fmt.Errorf("steps list is required and must be non-empty")
	}
	if len(s.Assertions) == 0 {
		return fmt.Errorf("assertions list is required and must be non-empty")
	}

	for i, e := range s.Setup {
		if err := validateEntity(e); err != nil {
			return fmt.Errorf("setup[%d]: %w", i, err)
		}
	}
	for i, step := range s.Steps {
		if err := validateStep(step); err != nil {
			return fmt.Errorf("steps[%d]: %w", i, err)
		}
	}
	for i, a := range s.Assertions {
		if err := validateAssertion(a); err != nil {
			return fmt.Errorf("assertions[%d]: %w", i, err)
		}
	}
	return nil
}

func validateEntity(e EntitySpec) error {
	if _, err := entity.ParseKind(string(e.Kind)); err != nil {
		return err
	}
	if e.ID == "" {
		return fmt.Errorf("id is required")
	}
	return nil
}

func validateStep(s Step) error {
	switch s.Action() {
	case "":
		return fmt.Errorf("exactly one action is required")
	case "mutate":
		m := s.Mutate
		if m.ID == "" || m.Entity == "" || m.Op == "" {
			return fmt.Errorf("mutate: id, entity and op are required")
		}
		if _, err := entity.ParseKind(string(m.Kind)); err != nil {
			return fmt.Errorf("mutate: %w", err)
		}
	case "push":
		p := s.Push
		switch p.Op {
		case entity.OpInsert, entity.OpUpdate:
			if p.After == nil {
				return fmt.Errorf("push %s: after is required", p.Op)
			}
		case entity.OpDelete:
			if p.Before == nil {
				return fmt.Errorf("push delete: before is required")
			}
		default:
			return fmt.Errorf("push: unknown op %q", p.Op)
		}
	case "respond":
		if s.Respond.MutationID == "" {
			return fmt.Errorf("respond: mutation_id is required")
		}
		return validateEntity(s.Respond.Entity)
	case "fail":
		if s.Fail.MutationID == "" || s.Fail.Code == "" {
			return fmt.Errorf("fail: mutation_id and code are required")
		}
	case "resync":
		if _, err := entity.ParseKind(string(s.Resync.Kind)); err != nil {
			return fmt.Errorf("resync: %w", err)
		}
	case "advance":
		if s.Advance < 0 {
			return fmt.Errorf("advance must be positive")
		}
	}
	return nil
}

func validateAssertion(a Assertion) error {
	switch a.Type {
	case AssertView:
		if a.Kind == "" || a.ID == "" || len(a.Expect) == 0 {
			return fmt.Errorf("view: kind, id and expect are required")
		}
	case AssertAbsent:
		if a.Kind == "" || a.ID == "" {
			return fmt.Errorf("absent: kind and id are required")
		}
	case AssertPending:
		if a.Count < 0 {
			return fmt.Errorf("pending: count must be non-negative")
		}
	case AssertTraceContains:
		if a.Event == "" {
			return fmt.Errorf("trace_contains: event is required")
		}
	case AssertTraceCount:
		if a.Event == "" || a.Count < 0 {
			return fmt.Errorf("trace_count: event and a non-negative count are required")
		}
	case AssertTraceOrder:
		if len(a.Sequence) < 2 {
			return fmt.Errorf("trace_order: sequence needs at least two events")
		}
	case "":
		return fmt.Errorf("type is required")
	default:
		return fmt.Errorf("unknown assertion type %q", a.Type)
	}
	return nil
}
