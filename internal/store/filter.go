// ABOUTME: Query filters and the in-process matcher used by every backend
// ABOUTME: Supports equality, dotted paths, $ne/$in/$nin/$exists, $or and $and

package store

import (
	"strings"

	"golang.org/x/text/cases"
)

// Filter selects documents. Keys are field paths combined with AND, or the
// logical operators "$or" / "$and" holding []Filter. A value is either a
// literal (equality; for array fields, membership) or an operator map such as
// {"$ne": v}, {"$in": []any{...}}, {"$nin": []any{...}}, {"$exists": bool}.
type Filter map[string]any

// Or combines filters with logical OR.
func Or(filters ...Filter) Filter {
	return Filter{"$or": filters}
}

// ObjectID returns the objectId constrained by equality at the top level, or "".
func (f Filter) ObjectID() string {
	s, _ := f["objectId"].(string)
	return s
}

// Clone returns a shallow copy of the filter.
func (f Filter) Clone() Filter {
	out := make(Filter, len(f))
	for k, v := range f {
		out[k] = v
	}
	return out
}

// matcher evaluates filters against records. String equality on the fields
// in foldFields uses Unicode case folding; every other field compares exactly.
type matcher struct {
	foldFields map[string]bool
	fold       cases.Caser
}

func newMatcher(foldFields ...string) *matcher {
	m := &matcher{fold: cases.Fold()}
	if len(foldFields) > 0 {
		m.foldFields = make(map[string]bool, len(foldFields))
		for _, f := range foldFields {
			m.foldFields[f] = true
		}
	}
	return m
}

// Matches reports whether the record satisfies the filter.
func Matches(r Record, f Filter) bool {
	return newMatcher().match(r, f)
}

func (m *matcher) match(r Record, f Filter) bool {
	for key, cond := range f {
		switch key {
		case "$or":
			subs := toFilters(cond)
			if len(subs) == 0 {
				return false
			}
			matched := false
			for _, sub := range subs {
				if m.match(r, sub) {
					matched = true
					break
				}
			}
			if !matched {
				return false
			}
		case "$and":
			for _, sub := range toFilters(cond) {
				if !m.match(r, sub) {
					return false
				}
			}
		default:
			val, present := lookup(r, key)
			if !m.matchField(key, val, present, cond) {
				return false
			}
		}
	}
	return true
}

func (m *matcher) matchField(key string, val any, present bool, cond any) bool {
	folded := m.foldFields[key]
	ops, isOps := operatorMap(cond)
	if !isOps {
		return present && m.equalOrContains(folded, val, cond)
	}
	for op, arg := range ops {
		switch op {
		case "$ne":
			if present && m.equalOrContains(folded, val, arg) {
				return false
			}
		case "$in":
			list, _ := arg.([]any)
			found := false
			for _, item := range list {
				if present && m.equalOrContains(folded, val, item) {
					found = true
					break
				}
			}
			if !found {
				return false
			}
		case "$nin":
			list, _ := arg.([]any)
			for _, item := range list {
				if present && m.equalOrContains(folded, val, item) {
					return false
				}
			}
		case "$exists":
			want, _ := arg.(bool)
			exists := present && val != nil
			if exists != want {
				return false
			}
		default:
			return false
		}
	}
	return true
}

func (m *matcher) equalOrContains(folded bool, val, want any) bool {
	if m.equal(folded, val, want) {
		return true
	}
	if list, ok := val.([]any); ok {
		for _, item := range list {
			if m.equal(folded, item, want) {
				return true
			}
		}
	}
	// Pointer fields match a bare objectId and vice versa.
	if IsPointer(val) && IsPointer(want) {
		return PointerID(val) == PointerID(want)
	}
	return false
}

func (m *matcher) equal(folded bool, a, b any) bool {
	if folded {
		sa, okA := a.(string)
		sb, okB := b.(string)
		if okA && okB {
			return m.fold.String(sa) == m.fold.String(sb)
		}
	}
	return Equal(a, b)
}

// operatorMap reports whether cond is an operator map (all keys start with "$").
func operatorMap(cond any) (map[string]any, bool) {
	mp, ok := asMap(cond)
	if !ok || len(mp) == 0 {
		return nil, false
	}
	for k := range mp {
		if !strings.HasPrefix(k, "$") {
			return nil, false
		}
	}
	return mp, true
}

func toFilters(v any) []Filter {
	switch t := v.(type) {
	case []Filter:
		return t
	case []any:
		out := make([]Filter, 0, len(t))
		for _, item := range t {
			switch f := item.(type) {
			case Filter:
				out = append(out, f)
			case map[string]any:
				out = append(out, Filter(f))
			}
		}
		return out
	default:
		return nil
	}
}
