// Package store provides document storage for the write pipeline.
//
// # Architecture
//
// Storage is the single interface the pipeline writes through. Two backends
// implement it with identical semantics:
//
//   - MemoryStore: maps guarded by a mutex, used by tests and the "memory" driver
//   - SQLiteStore: one JSON row per document on modernc.org/sqlite
//
// Filters are evaluated in-process by the same matcher in both backends, so
// dotted paths, $ne/$in/$nin/$exists, $or and $and behave the same everywhere.
//
// # Data Model
//
//   - Record: a document as a JSON-shaped map
//   - Op: a field mutation (Delete, Increment, Add, AddUnique, Remove)
//   - Filter: a query over records
//   - Schema/Class/Field: the per-class field registry
//
// # Access Control
//
// Reads and writes carry the caller's ACL roots ("*", "role:<name>", user id).
// A nil root set means master access. A record without an ACL field is open.
//
// # Uniqueness
//
// _User.username, _User.email, _Session.sessionToken and _Role.name are
// unique per class. Collisions are reported as *DuplicateError naming the field.
//
// # Errors
//
//   - ErrNotFound: no writable document matched an update or destroy
//   - ErrMissingObjectID: a create carried no objectId
//   - *DuplicateError: a unique field collision
//
// All methods accept context.Context for cancellation support.
package store
