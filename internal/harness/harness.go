package harness

import (
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"time"

	"github.com/roach88/wolfpack/internal/clock"
	"github.com/roach88/wolfpack/internal/entity"
	"github.com/roach88/wolfpack/internal/merge"
	"github.com/roach88/wolfpack/internal/notify"
	"github.com/roach88/wolfpack/internal/overlay"
	"github.com/roach88/wolfpack/internal/persist"
	"github.com/roach88/wolfpack/internal/store"
	"github.com/roach88/wolfpack/internal/testutil"
)

// DefaultStart is the clock time of scenarios that do not set one.
var DefaultStart = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

// Harness holds the components of one scenario run.
type Harness struct {
	clock      *clock.Fake
	store      *store.Store
	overlay    *overlay.Overlay
	merger     *merge.Merger
	dispatcher *notify.Dispatcher
	result     *Result
}

// Run executes a scenario and returns the result. Each run starts from
// empty components. An error means the scenario could not be executed;
// failed assertions are reported in the result.
func Run(s *Scenario) (*Result, error) {
	return RunWithLogger(s, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

// RunWithLogger is Run with component logging sent to logger.
func RunWithLogger(s *Scenario, logger *slog.Logger) (*Result, error) {
	start := s.Start
	if start.IsZero() {
		start = DefaultStart
	}
	h := &Harness{
		clock:      clock.NewFake(start),
		store:      store.New(),
		dispatcher: notify.NewDispatcher(notify.WithLogger(logger)),
		result:     NewResult(),
	}
	opts := []overlay.Option{
		overlay.WithReporter(h.dispatcher),
		overlay.WithClock(h.clock),
		overlay.WithIDs(testutil.NewSequentialGenerator("mutation")),
		overlay.WithLogger(logger),
	}
	if s.TTL > 0 {
		opts = append(opts, overlay.WithTTL(s.TTL))
	}
	h.overlay = overlay.New(h.store, opts...)
	h.store.SetProjector(h.overlay)
	h.merger = merge.New(h.store, h.overlay,
		merge.WithNotifier(h.dispatcher),
		merge.WithClock(h.clock),
		merge.WithLogger(logger),
	)
	defer h.merger.Close()

	seed, err := entities(s.Setup)
	if err != nil {
		return nil, fmt.Errorf("setup: %w", err)
	}
	if n := h.merger.ApplyPoll(seed); n != len(seed) {
		return nil, fmt.Errorf("setup: %d of %d entities rejected", len(seed)-n, len(seed))
	}

	h.observe()
	for i, step := range s.Steps {
		if err := h.step(step); err != nil {
			return nil, fmt.Errorf("steps[%d] %s: %w", i, step.Action(), err)
		}
	}

	for _, msg := range EvaluateAssertions(h.result, s.Assertions, h.store, h.overlay) {
		h.result.AddError(msg)
	}
	return h.result, nil
}

// observe records view changes, transitions and failures from here on.
// The merger subscribed to the store first, so a transition is recorded
// before the view change that caused it.
func (h *Harness) observe() {
	h.store.Subscribe(func(c store.Change) {
		h.result.record(EventView, entity.Key{Kind: c.Kind, ID: c.ID}.String(), viewAttrs(c.After))
	})
	h.dispatcher.OnTransition(func(n notify.TransitionNotice) {
		t := n.Transition
		h.result.record(EventTransition, entity.Key{Kind: t.Kind, ID: t.EntityID}.String(), map[string]string{
			"from":     string(t.From),
			"to":       string(t.To),
			"version":  strconv.FormatInt(t.Version, 10),
			"legal":    strconv.FormatBool(t.Legal),
			"salience": n.Alert.Salience.String(),
		})
	})
	h.dispatcher.OnMutationFailure(func(f notify.MutationFailure) {
		h.result.record(EventFailure, entity.Key{Kind: f.Kind, ID: f.EntityID}.String(), map[string]string{
			"mutation_id": f.MutationID,
			"op":          f.OpKind,
			"code":        f.Code,
		})
	})
}

func (h *Harness) step(s Step) error {
	switch s.Action() {
	case "mutate":
		return h.mutate(*s.Mutate)
	case "push":
		return h.push(*s.Push)
	case "respond":
		e, err := s.Respond.Entity.Entity()
		if err != nil {
			return err
		}
		h.result.record(EventStep, e.Key().String(), map[string]string{
			"action":      "respond",
			"mutation_id": s.Respond.MutationID,
			"version":     strconv.FormatInt(e.Version, 10),
		})
		h.confirmed(e.Key().String(), h.merger.Confirm(s.Respond.MutationID, e))
	case "fail":
		f := *s.Fail
		h.result.record(EventStep, "", map[string]string{"action": "fail", "mutation_id": f.MutationID, "code": f.Code})
		msg := f.Message
		if msg == "" {
			msg = "rejected by server"
		}
		if !h.merger.Rollback(f.MutationID, persist.Errorf(persist.ErrorCode(f.Code), "%s", msg)) {
			h.result.record(EventRejected, "", map[string]string{"mutation_id": f.MutationID, "error": "no pending mutation"})
		}
	case "poll":
		items, err := entities(s.Poll)
		if err != nil {
			return err
		}
		h.result.record(EventStep, "", map[string]string{"action": "poll", "items": strconv.Itoa(len(items))})
		h.merger.ApplyPoll(items)
	case "resync":
		r := *s.Resync
		items, err := entities(r.Items)
		if err != nil {
			return err
		}
		kind, _ := entity.ParseKind(string(r.Kind))
		filter := entity.Filter(r.Filter)
		h.result.record(EventStep, "", map[string]string{
			"action":   "resync",
			"feed":     entity.FeedKey(kind, filter),
			"items":    strconv.Itoa(len(items)),
			"complete": strconv.FormatBool(r.Complete),
		})
		h.merger.ApplyResync(kind, filter, items, h.store.Watermark(), r.Complete)
	case "advance":
		h.result.record(EventStep, "", map[string]string{"action": "advance", "by": s.Advance.String()})
		h.clock.Advance(s.Advance)
		for _, e := range h.merger.Expire(h.clock.Now()) {
			h.result.record(EventExpired, e.Key().String(), map[string]string{"mutation_id": e.MutationID, "op": e.OpKind})
		}
	default:
		return fmt.Errorf("exactly one action is required")
	}
	return nil
}

func (h *Harness) mutate(m MutateStep) error {
	kind, err := entity.ParseKind(string(m.Kind))
	if err != nil {
		return err
	}
	delta, err := m.Delta()
	if err != nil {
		return err
	}
	key := entity.Key{Kind: kind, ID: m.Entity}.String()
	h.result.record(EventStep, key, map[string]string{"action": "mutate", "mutation_id": m.ID, "op": m.Op})
	if _, err := h.overlay.ApplyWithID(m.ID, kind, m.Entity, m.Op, delta, entity.Delta{}); err != nil {
		h.result.record(EventRejected, key, map[string]string{"mutation_id": m.ID, "error": err.Error()})
	}
	return nil
}

func (h *Harness) push(p PushStep) error {
	ev, err := p.Event(h.clock.Now())
	if err != nil {
		return err
	}
	attrs := map[string]string{"action": "push", "op": string(ev.Op)}
	if ev.MutationID != "" {
		attrs["mutation_id"] = ev.MutationID
	}
	key := ""
	if subject := ev.Subject(); subject != nil {
		key = subject.Key().String()
		attrs["version"] = strconv.FormatInt(subject.Version, 10)
	}
	h.result.record(EventStep, key, attrs)

	out := h.merger.ApplyEvent(ev)
	if out.Dropped {
		h.result.record(EventDropped, key, nil)
	}
	h.confirmed(key, out)
	return nil
}

func (h *Harness) confirmed(key string, out merge.Outcome) {
	for _, id := range out.Confirmed {
		h.result.record(EventConfirmed, key, map[string]string{"mutation_id": id})
	}
}

func entities(specs []EntitySpec) ([]entity.Entity, error) {
	out := make([]entity.Entity, 0, len(specs))
	for _, spec := range specs {
		e, err := spec.Entity()
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, nil
}

// viewAttrs describes a displayed view. A nil view is gone.
func viewAttrs(e *entity.Entity) map[string]string {
	if e == nil {
		return map[string]string{"gone": "true"}
	}
	attrs := map[string]string{
		"version": strconv.FormatInt(e.Version, 10),
		"pending": strconv.FormatBool(e.Pending),
	}
	if e.Status != "" {
		attrs["status"] = string(e.Status)
	}
	if len(e.Fields) > 0 {
		data, err := entity.MarshalCanonical(entity.Object(e.Fields))
		if err != nil {
			data = []byte(err.Error())
		}
		attrs["fields"] = string(data)
	}
	return attrs
}
