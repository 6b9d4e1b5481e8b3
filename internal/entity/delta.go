package entity

// FieldAction is the kind of change a FieldOp makes.
type FieldAction int

const (
	// FieldSet assigns Value to the field.
	FieldSet FieldAction = iota + 1
	// FieldIncr adds By to an Int field (missing fields count as zero).
	FieldIncr
	// FieldUnset removes the field.
	FieldUnset
)

// StatusField addresses Entity.Status from a FieldOp.
const StatusField = "status"

// FieldOp is a single field change.
type FieldOp struct {
	Field  string
	Action FieldAction
	Value  Value
	By     int64
}

// Set returns an op assigning v to field.
func Set(field string, v Value) FieldOp {
	return FieldOp{Field: field, Action: FieldSet, Value: v}
}

// Incr returns an op adding n to an integer field.
func Incr(field string, n int64) FieldOp {
	return FieldOp{Field: field, Action: FieldIncr, By: n}
}

// Unset returns an op removing field.
func Unset(field string) FieldOp {
	return FieldOp{Field: field, Action: FieldUnset}
}

// SetStatus returns an op assigning the entity status.
func SetStatus(s Status) FieldOp {
	return Set(StatusField, String(s))
}

// Delta is a composable change to one entity.
//
// Create inserts an entity when none exists (an optimistic insert). When the
// entity already exists the Create payload is ignored and only Ops apply, so
// a create delta composed over the server's copy is a no-op.
// Remove hides the entity entirely.
type Delta struct {
	Create *Entity
	Remove bool
	Ops    []FieldOp
}

// IsZero reports whether the delta changes nothing.
func (d Delta) IsZero() bool {
	return d.Create == nil && !d.Remove && len(d.Ops) == 0
}

// Touches reports whether the delta writes the named field.
func (d Delta) Touches(field string) bool {
	for _, op := range d.Ops {
		if op.Field == field {
			return true
		}
	}
	return false
}

// Apply composes the delta onto base and returns the result. A nil result
// means the entity does not exist after the delta. base is never modified.
func (d Delta) Apply(base *Entity) *Entity {
	if d.Remove {
		return nil
	}
	var out Entity
	switch {
	case base != nil:
		out = base.Clone()
	case d.Create != nil:
		out = d.Create.Clone()
	default:
		return nil
	}
	for _, op := range d.Ops {
		applyOp(&out, op)
	}
	return &out
}

func applyOp(e *Entity, op FieldOp) {
	if op.Field == StatusField {
		switch op.Action {
		case FieldSet:
			if s, ok := op.Value.(String); ok {
				e.Status = Status(s)
			}
		case FieldUnset:
			e.Status = ""
		}
		return
	}
	if e.Fields == nil {
		e.Fields = Fields{}
	}
	switch op.Action {
	case FieldSet:
		e.Fields[op.Field] = CloneValue(op.Value)
	case FieldIncr:
		cur, _ := e.Fields.Int(op.Field)
		e.Fields[op.Field] = Int(cur + op.By)
	case FieldUnset:
		delete(e.Fields, op.Field)
	}
}

// Invert derives the delta that undoes d when applied to the result of
// d.Apply(before). Ops are inverted in reverse order.
func (d Delta) Invert(before *Entity) Delta {
	if d.Remove {
		if before == nil {
			return Delta{}
		}
		return Delta{Create: ptr(before.Clone())}
	}
	if before == nil {
		if d.Create != nil {
			return Delta{Remove: true}
		}
		return Delta{}
	}
	inv := Delta{Ops: make([]FieldOp, 0, len(d.Ops))}
	// Track the value each field had just before each op ran.
	cur := before.Clone()
	prior := make([]FieldOp, len(d.Ops))
	for i, op := range d.Ops {
		prior[i] = undoOp(cur, op)
		applyOp(&cur, op)
	}
	for i := len(prior) - 1; i >= 0; i-- {
		inv.Ops = append(inv.Ops, prior[i])
	}
	return inv
}

func undoOp(before Entity, op FieldOp) FieldOp {
	if op.Field == StatusField {
		return SetStatus(before.Status)
	}
	if op.Action == FieldIncr {
		return Incr(op.Field, -op.By)
	}
	if old, ok := before.Fields[op.Field]; ok {
		return Set(op.Field, CloneValue(old))
	}
	return Unset(op.Field)
}
