package entity

import (
	"fmt"
	"strings"
)

// Filter selects entities by field equality. All pairs must match.
// The pseudo-fields "id" and "status" address the entity envelope.
type Filter map[string]string

// ParseFilter parses "field=value" pairs separated by commas or ampersands.
func ParseFilter(s string) (Filter, error) {
	f := Filter{}
	s = strings.TrimSpace(s)
	if s == "" {
		return f, nil
	}
	for _, part := range strings.FieldsFunc(s, func(r rune) bool { return r == ',' || r == '&' }) {
		k, v, ok := strings.Cut(part, "=")
		k = strings.TrimSpace(k)
		if !ok || k == "" {
			return nil, fmt.Errorf("invalid filter term %q: expected field=value", part)
		}
		f[k] = strings.TrimSpace(v)
	}
	return f, nil
}

// Key returns a canonical string for the filter, stable across map order.
func (f Filter) Key() string {
	if len(f) == 0 {
		return ""
	}
	keys := sortedKeys(f)
	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = k + "=" + f[k]
	}
	return strings.Join(parts, "&")
}

// FeedKey identifies a (kind, filter) pair, the unit of subscription.
func FeedKey(kind Kind, f Filter) string {
	if k := f.Key(); k != "" {
		return string(kind) + "?" + k
	}
	return string(kind)
}

// Match reports whether e satisfies every term of the filter.
func (f Filter) Match(e Entity) bool {
	for field, want := range f {
		var got string
		switch field {
		case "id":
			got = e.ID
		case StatusField:
			got = string(e.Status)
		default:
			v, ok := e.Fields.String(field)
			if !ok {
				return false
			}
			got = v
		}
		if got != want {
			return false
		}
	}
	return true
}

// Clone returns a copy of the filter.
func (f Filter) Clone() Filter {
	out := make(Filter, len(f))
	for k, v := range f {
		out[k] = v
	}
	return out
}
