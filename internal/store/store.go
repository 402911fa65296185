// ABOUTME: Storage interface consumed by the write pipeline, plus shared errors and options
// ABOUTME: Backends (memory, SQLite) enforce ACL roots and unique fields the same way

package store

import (
	"context"
	"errors"
	"fmt"
)

// ErrNotFound is returned when no document matches an update or destroy.
var ErrNotFound = errors.New("not found")

// ErrMissingObjectID is returned when a document is created without an objectId.
var ErrMissingObjectID = errors.New("objectId is required")

// DuplicateError is returned when a write collides with a unique field.
type DuplicateError struct {
	Kind  string
	Field string
}

func (e *DuplicateError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("duplicate value in %s", e.Kind)
	}
	return fmt.Sprintf("duplicate value for %s.%s", e.Kind, e.Field)
}

// FindOptions narrow a find.
type FindOptions struct {
	// ACL is the caller's ACL root set; nil means unrestricted (master).
	ACL []string
	// Limit caps the number of results; 0 means no limit.
	Limit int
	// Keys restricts returned fields; objectId is always returned.
	Keys []string
	// FoldFields lists the field paths whose string equality uses Unicode
	// case folding. Other fields, objectId included, compare exactly.
	FoldFields []string
}

// WriteOptions control create, update and destroy.
type WriteOptions struct {
	// ACL is the caller's ACL root set; nil means unrestricted (master).
	ACL []string
	// ValidateOnly checks that the write would be permitted without applying it.
	ValidateOnly bool
	// Many allows an update to touch every matching document.
	Many bool
}

// Storage is the document store used by the write pipeline.
type Storage interface {
	Find(ctx context.Context, kind string, filter Filter, opts FindOptions) ([]Record, error)
	Create(ctx context.Context, kind string, data Record, opts WriteOptions) (Record, error)
	Update(ctx context.Context, kind string, filter Filter, data Record, opts WriteOptions) (Record, error)
	Destroy(ctx context.Context, kind string, filter Filter, opts WriteOptions) (int, error)
	LoadSchema(ctx context.Context) (*Schema, error)
	ValidateObject(ctx context.Context, kind string, data Record, filter Filter, opts WriteOptions) error
	Close() error
}

// uniqueFields lists fields that must be unique per class.
var uniqueFields = map[string][]string{
	ClassUser:    {"username", "email"},
	ClassSession: {"sessionToken"},
	ClassRole:    {"name"},
}

// CanRead reports whether the ACL roots grant read access to the record.
func CanRead(r Record, roots []string) bool {
	return permitted(r, roots, "read")
}

// CanWrite reports whether the ACL roots grant write access to the record.
func CanWrite(r Record, roots []string) bool {
	return permitted(r, roots, "write")
}

func permitted(r Record, roots []string, perm string) bool {
	if roots == nil {
		return true
	}
	acl, ok := asMap(r["ACL"])
	if !ok {
		return true
	}
	for _, root := range roots {
		entry, ok := asMap(acl[root])
		if !ok {
			continue
		}
		if granted, _ := entry[perm].(bool); granted {
			return true
		}
	}
	return false
}

// project returns a copy of r restricted to keys (objectId always included).
func project(r Record, keys []string) Record {
	if len(keys) == 0 {
		return r.Clone()
	}
	out := Record{"objectId": r["objectId"]}
	for _, k := range keys {
		if v, ok := r[k]; ok {
			out[k] = cloneValue(v)
		}
	}
	return out
}

// resolveCreate applies create data to an empty record so ops become literal values.
func resolveCreate(data Record) Record {
	return Apply(nil, data)
}

// findDuplicate reports the first unique field of candidate already held by
// another record in existing.
func findDuplicate(kind string, candidate Record, existing []Record) *DuplicateError {
	for _, field := range uniqueFields[kind] {
		v, ok := candidate[field].(string)
		if !ok || v == "" {
			continue
		}
		for _, other := range existing {
			if other.ObjectID() == candidate.ObjectID() {
				continue
			}
			if ov, _ := other[field].(string); ov == v {
				return &DuplicateError{Kind: kind, Field: field}
			}
		}
	}
	return nil
}
