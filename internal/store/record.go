// ABOUTME: Document model shared by every storage backend
// ABOUTME: Records are JSON-shaped maps; Op values describe field mutations applied at write time

package store

import (
	"encoding/json"
	"fmt"
	"reflect"
	"sort"
	"strings"
)

// Record is a stored document. Values are JSON-compatible (string, float64,
// bool, []any, map[string]any, nil) or Op values inside write data.
type Record map[string]any

// Clone returns a deep copy of the record.
func (r Record) Clone() Record {
	if r == nil {
		return nil
	}
	out := make(Record, len(r))
	for k, v := range r {
		out[k] = cloneValue(v)
	}
	return out
}

// String returns the string value of a field, or "" when absent or not a string.
func (r Record) String(field string) string {
	s, _ := r[field].(string)
	return s
}

// ObjectID returns the record's objectId.
func (r Record) ObjectID() string {
	return r.String("objectId")
}

// Has reports whether the field is present (possibly with a nil value).
func (r Record) Has(field string) bool {
	_, ok := r[field]
	return ok
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, vv := range t {
			out[k] = cloneValue(vv)
		}
		return out
	case Record:
		return t.Clone()
	case []any:
		out := make([]any, len(t))
		for i, vv := range t {
			out[i] = cloneValue(vv)
		}
		return out
	case []string:
		return append([]string(nil), t...)
	case Op:
		t.Objects = append([]any(nil), t.Objects...)
		return t
	default:
		return v
	}
}

// OpKind names a field operation.
type OpKind string

// Supported field operations.
const (
	OpDelete    OpKind = "Delete"
	OpIncrement OpKind = "Increment"
	OpAdd       OpKind = "Add"
	OpAddUnique OpKind = "AddUnique"
	OpRemove    OpKind = "Remove"
)

// Op is a field mutation carried in write data instead of a literal value.
type Op struct {
	Kind    OpKind
	Amount  float64
	Objects []any
}

// DeleteOp returns the "remove this field" marker.
func DeleteOp() Op {
	return Op{Kind: OpDelete}
}

// IsDelete reports whether v is a delete marker.
func IsDelete(v any) bool {
	op, ok := v.(Op)
	return ok && op.Kind == OpDelete
}

// IsOp reports whether v is any field operation.
func IsOp(v any) bool {
	_, ok := v.(Op)
	return ok
}

// MarshalJSON renders the op in its wire form, e.g. {"__op":"Delete"}.
func (o Op) MarshalJSON() ([]byte, error) {
	m := map[string]any{"__op": string(o.Kind)}
	switch o.Kind {
	case OpIncrement:
		m["amount"] = o.Amount
	case OpAdd, OpAddUnique, OpRemove:
		m["objects"] = o.Objects
	}
	return json.Marshal(m)
}

// DecodeOps converts wire-form operations ({"__op": ...}) found at the top
// level of data into Op values. Unknown operations are rejected.
func DecodeOps(data Record) (Record, error) {
	out := make(Record, len(data))
	for k, v := range data {
		m, ok := v.(map[string]any)
		if !ok {
			out[k] = v
			continue
		}
		name, ok := m["__op"].(string)
		if !ok {
			out[k] = v
			continue
		}
		switch OpKind(name) {
		case OpDelete:
			out[k] = DeleteOp()
		case OpIncrement:
			amount, ok := toFloat(m["amount"])
			if !ok {
				return nil, fmt.Errorf("field %q: Increment amount must be a number", k)
			}
			out[k] = Op{Kind: OpIncrement, Amount: amount}
		case OpAdd, OpAddUnique, OpRemove:
			objs, ok := m["objects"].([]any)
			if !ok {
				return nil, fmt.Errorf("field %q: %s objects must be an array", k, name)
			}
			out[k] = Op{Kind: OpKind(name), Objects: objs}
		default:
			return nil, fmt.Errorf("field %q: unsupported operation %q", k, name)
		}
	}
	return out, nil
}

// Apply returns existing with data applied: literal values replace, ops mutate.
func Apply(existing, data Record) Record {
	out := existing.Clone()
	if out == nil {
		out = Record{}
	}
	for k, v := range data {
		op, ok := v.(Op)
		if !ok {
			out[k] = cloneValue(v)
			continue
		}
		switch op.Kind {
		case OpDelete:
			delete(out, k)
		case OpIncrement:
			cur, _ := toFloat(out[k])
			out[k] = cur + op.Amount
		case OpAdd:
			cur, _ := out[k].([]any)
			out[k] = append(append([]any(nil), cur...), op.Objects...)
		case OpAddUnique:
			cur, _ := out[k].([]any)
			next := append([]any(nil), cur...)
			for _, obj := range op.Objects {
				if !containsValue(next, obj) {
					next = append(next, obj)
				}
			}
			out[k] = next
		case OpRemove:
			cur, _ := out[k].([]any)
			next := make([]any, 0, len(cur))
			for _, item := range cur {
				if !containsValue(op.Objects, item) {
					next = append(next, item)
				}
			}
			out[k] = next
		}
	}
	return out
}

// Pointer builds a pointer value to an object of the given class.
func Pointer(className, objectID string) map[string]any {
	return map[string]any{"__type": "Pointer", "className": className, "objectId": objectID}
}

// PointerID returns the objectId of a pointer value, or "".
func PointerID(v any) string {
	m, ok := v.(map[string]any)
	if !ok {
		return ""
	}
	id, _ := m["objectId"].(string)
	return id
}

// IsPointer reports whether v is a pointer value.
func IsPointer(v any) bool {
	m, ok := v.(map[string]any)
	return ok && m["__type"] == "Pointer"
}

// Equal compares two JSON-shaped values, treating all numeric types alike.
func Equal(a, b any) bool {
	return reflect.DeepEqual(normalize(a), normalize(b))
}

func normalize(v any) any {
	if f, ok := toFloat(v); ok {
		return f
	}
	switch t := v.(type) {
	case Record:
		return normalize(map[string]any(t))
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, vv := range t {
			out[k] = normalize(vv)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, vv := range t {
			out[i] = normalize(vv)
		}
		return out
	case []string:
		out := make([]any, len(t))
		for i, s := range t {
			out[i] = s
		}
		return out
	default:
		return v
	}
}

func containsValue(list []any, v any) bool {
	for _, item := range list {
		if Equal(item, v) {
			return true
		}
	}
	return false
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}

// lookup resolves a dotted path ("authData.twitter.id") inside a record.
func lookup(r Record, path string) (any, bool) {
	parts := strings.Split(path, ".")
	var cur any = map[string]any(r)
	for _, p := range parts {
		m, ok := asMap(cur)
		if !ok {
			return nil, false
		}
		cur, ok = m[p]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

func asMap(v any) (map[string]any, bool) {
	switch t := v.(type) {
	case map[string]any:
		return t, true
	case Record:
		return map[string]any(t), true
	default:
		return nil, false
	}
}

// sortRecords orders records by createdAt then objectId for stable results.
func sortRecords(records []Record) {
	sort.SliceStable(records, func(i, j int) bool {
		ci, cj := records[i].String("createdAt"), records[j].String("createdAt")
		if ci != cj {
			return ci < cj
		}
		return records[i].ObjectID() < records[j].ObjectID()
	})
}
