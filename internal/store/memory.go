// ABOUTME: In-memory Storage implementation for tests and ephemeral runs
// ABOUTME: Same filter, ACL and uniqueness semantics as the SQLite backend

package store

import (
	"context"
	"sync"
)

// MemoryStore is an in-memory Storage implementation.
type MemoryStore struct {
	mu     sync.RWMutex
	docs   map[string]map[string]Record // kind -> objectId -> record
	schema *SchemaController
}

// Ensure MemoryStore implements Storage.
var _ Storage = (*MemoryStore)(nil)

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		docs:   make(map[string]map[string]Record),
		schema: NewSchemaController(nil),
	}
}

// Schema exposes the controller so tests can declare classes.
func (m *MemoryStore) Schema() *SchemaController {
	return m.schema
}

// Put stores a record directly, bypassing validation. Intended for test fixtures.
func (m *MemoryStore) Put(kind string, r Record) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.kindLocked(kind)[r.ObjectID()] = r.Clone()
}

// Get returns a copy of a record by objectId, or nil.
func (m *MemoryStore) Get(kind, objectID string) Record {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.docs[kind][objectID]
	if !ok {
		return nil
	}
	return r.Clone()
}

// Count returns the number of records of a kind.
func (m *MemoryStore) Count(kind string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.docs[kind])
}

func (m *MemoryStore) kindLocked(kind string) map[string]Record {
	docs, ok := m.docs[kind]
	if !ok {
		docs = make(map[string]Record)
		m.docs[kind] = docs
	}
	return docs
}

func (m *MemoryStore) allLocked(kind string) []Record {
	docs := m.docs[kind]
	out := make([]Record, 0, len(docs))
	for _, r := range docs {
		out = append(out, r)
	}
	sortRecords(out)
	return out
}

// Find returns copies of readable records matching the filter.
func (m *MemoryStore) Find(ctx context.Context, kind string, filter Filter, opts FindOptions) ([]Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	mt := newMatcher(opts.FoldFields...)
	var out []Record
	for _, r := range m.allLocked(kind) {
		if !CanRead(r, opts.ACL) || !mt.match(r, filter) {
			continue
		}
		out = append(out, project(r, opts.Keys))
		if opts.Limit > 0 && len(out) >= opts.Limit {
			break
		}
	}
	return out, nil
}

// Create stores a new record. With ValidateOnly nothing is written.
func (m *MemoryStore) Create(ctx context.Context, kind string, data Record, opts WriteOptions) (Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if opts.ValidateOnly {
		return Record{}, nil
	}
	rec := resolveCreate(data)
	if rec.ObjectID() == "" {
		return nil, ErrMissingObjectID
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	docs := m.kindLocked(kind)
	if _, exists := docs[rec.ObjectID()]; exists {
		return nil, &DuplicateError{Kind: kind, Field: "objectId"}
	}
	if dup := findDuplicate(kind, rec, m.allLocked(kind)); dup != nil {
		return nil, dup
	}
	docs[rec.ObjectID()] = rec
	return rec.Clone(), nil
}

// Update applies data to the first writable record matching the filter (every
// match when opts.Many is set) and returns the updated record.
func (m *MemoryStore) Update(ctx context.Context, kind string, filter Filter, data Record, opts WriteOptions) (Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	mt := newMatcher()
	var targets []Record
	for _, r := range m.allLocked(kind) {
		if CanWrite(r, opts.ACL) && mt.match(r, filter) {
			targets = append(targets, r)
			if !opts.Many {
				break
			}
		}
	}
	if len(targets) == 0 {
		return nil, ErrNotFound
	}
	if opts.ValidateOnly {
		return targets[0].Clone(), nil
	}

	all := m.allLocked(kind)
	updated := make([]Record, 0, len(targets))
	for _, r := range targets {
		next := Apply(r, data)
		next["objectId"] = r.ObjectID()
		if dup := findDuplicate(kind, next, all); dup != nil {
			return nil, dup
		}
		updated = append(updated, next)
	}
	docs := m.kindLocked(kind)
	for _, r := range updated {
		docs[r.ObjectID()] = r
	}
	return updated[0].Clone(), nil
}

// Destroy removes every writable record matching the filter.
func (m *MemoryStore) Destroy(ctx context.Context, kind string, filter Filter, opts WriteOptions) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	mt := newMatcher()
	docs := m.kindLocked(kind)
	n := 0
	for _, r := range m.allLocked(kind) {
		if CanWrite(r, opts.ACL) && mt.match(r, filter) {
			if !opts.ValidateOnly {
				delete(docs, r.ObjectID())
			}
			n++
		}
	}
	if n == 0 {
		return 0, ErrNotFound
	}
	return n, nil
}

// LoadSchema returns a snapshot of the schema.
func (m *MemoryStore) LoadSchema(ctx context.Context) (*Schema, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return m.schema.Snapshot(), nil
}

// ValidateObject checks data against the class schema.
func (m *MemoryStore) ValidateObject(ctx context.Context, kind string, data Record, filter Filter, opts WriteOptions) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return m.schema.Validate(kind, data)
}

// Close is a no-op.
func (m *MemoryStore) Close() error {
	return nil
}
