// ABOUTME: Behavioural tests shared by every Storage backend
// ABOUTME: Each test runs against MemoryStore and a temporary SQLiteStore

package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
)

type backend struct {
	name string
	open func(t *testing.T) Storage
}

func backends() []backend {
	return []backend{
		{"memory", func(t *testing.T) Storage { return NewMemoryStore() }},
		{"sqlite", func(t *testing.T) Storage {
			s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "docs.db"))
			if err != nil {
				t.Fatalf("NewSQLiteStore failed: %v", err)
			}
			return s
		}},
	}
}

func eachBackend(t *testing.T, fn func(t *testing.T, s Storage)) {
	for _, b := range backends() {
		t.Run(b.name, func(t *testing.T) {
			s := b.open(t)
			defer s.Close()
			fn(t, s)
		})
	}
}

func mustCreate(t *testing.T, s Storage, kind string, r Record) Record {
	t.Helper()
	out, err := s.Create(context.Background(), kind, r, WriteOptions{})
	if err != nil {
		t.Fatalf("Create(%s) failed: %v", kind, err)
	}
	return out
}

func TestStorage_CreateAndFind(t *testing.T) {
	eachBackend(t, func(t *testing.T, s Storage) {
		ctx := context.Background()
		mustCreate(t, s, "Item", Record{"objectId": "a", "title": "first", "createdAt": "2026-01-01T00:00:00.000Z"})
		mustCreate(t, s, "Item", Record{"objectId": "b", "title": "second", "createdAt": "2026-01-02T00:00:00.000Z"})

		got, err := s.Find(ctx, "Item", Filter{}, FindOptions{})
		if err != nil {
			t.Fatalf("Find failed: %v", err)
		}
		if len(got) != 2 || got[0].ObjectID() != "a" || got[1].ObjectID() != "b" {
			t.Fatalf("Find returned %v, want a then b", got)
		}

		got, err = s.Find(ctx, "Item", Filter{"title": "second"}, FindOptions{})
		if err != nil {
			t.Fatalf("Find failed: %v", err)
		}
		if len(got) != 1 || got[0].ObjectID() != "b" {
			t.Errorf("Find(title=second) = %v", got)
		}

		got, err = s.Find(ctx, "Item", Filter{}, FindOptions{Limit: 1, Keys: []string{"title"}})
		if err != nil {
			t.Fatalf("Find failed: %v", err)
		}
		if len(got) != 1 {
			t.Fatalf("Limit 1 returned %d records", len(got))
		}
		if _, ok := got[0]["createdAt"]; ok {
			t.Error("Keys projection should drop createdAt")
		}
		if got[0].ObjectID() != "a" || got[0].String("title") != "first" {
			t.Errorf("projected record = %v", got[0])
		}
	})
}

func TestStorage_CreateRequiresObjectID(t *testing.T) {
	eachBackend(t, func(t *testing.T, s Storage) {
		_, err := s.Create(context.Background(), "Item", Record{"title": "x"}, WriteOptions{})
		if !errors.Is(err, ErrMissingObjectID) {
			t.Errorf("Create without objectId error = %v, want ErrMissingObjectID", err)
		}
	})
}

func TestStorage_CreateValidateOnlyWritesNothing(t *testing.T) {
	eachBackend(t, func(t *testing.T, s Storage) {
		ctx := context.Background()
		if _, err := s.Create(ctx, "Item", Record{"objectId": "a"}, WriteOptions{ValidateOnly: true}); err != nil {
			t.Fatalf("validate-only Create failed: %v", err)
		}
		got, _ := s.Find(ctx, "Item", Filter{}, FindOptions{})
		if len(got) != 0 {
			t.Errorf("validate-only Create stored %v", got)
		}
	})
}

func TestStorage_UniqueFields(t *testing.T) {
	eachBackend(t, func(t *testing.T, s Storage) {
		ctx := context.Background()
		mustCreate(t, s, ClassUser, Record{"objectId": "u1", "username": "alice", "email": "a@example.com"})

		_, err := s.Create(ctx, ClassUser, Record{"objectId": "u2", "username": "alice"}, WriteOptions{})
		var dup *DuplicateError
		if !errors.As(err, &dup) || dup.Field != "username" {
			t.Fatalf("duplicate username error = %v", err)
		}

		mustCreate(t, s, ClassUser, Record{"objectId": "u2", "username": "bob"})
		_, err = s.Update(ctx, ClassUser, Filter{"objectId": "u2"}, Record{"email": "a@example.com"}, WriteOptions{})
		if !errors.As(err, &dup) || dup.Field != "email" {
			t.Fatalf("duplicate email on update error = %v", err)
		}

		_, err = s.Create(ctx, ClassUser, Record{"objectId": "u1", "username": "carol"}, WriteOptions{})
		if !errors.As(err, &dup) || dup.Field != "objectId" {
			t.Errorf("duplicate objectId error = %v", err)
		}

		// Rewriting a record's own unique value is not a collision.
		if _, err := s.Update(ctx, ClassUser, Filter{"objectId": "u1"}, Record{"username": "alice"}, WriteOptions{}); err != nil {
			t.Errorf("self update failed: %v", err)
		}
	})
}

func TestStorage_UpdateAppliesOps(t *testing.T) {
	eachBackend(t, func(t *testing.T, s Storage) {
		ctx := context.Background()
		mustCreate(t, s, "Item", Record{"objectId": "a", "n": 1, "tags": []any{"x"}, "gone": true})

		got, err := s.Update(ctx, "Item", Filter{"objectId": "a"}, Record{
			"n":    Op{Kind: OpIncrement, Amount: 2},
			"tags": Op{Kind: OpAddUnique, Objects: []any{"x", "y"}},
			"gone": DeleteOp(),
		}, WriteOptions{})
		if err != nil {
			t.Fatalf("Update failed: %v", err)
		}
		if !Equal(got["n"], 3) {
			t.Errorf("n = %v, want 3", got["n"])
		}
		if !Equal(got["tags"], []any{"x", "y"}) {
			t.Errorf("tags = %v, want [x y]", got["tags"])
		}
		if got.Has("gone") {
			t.Error("gone should be deleted")
		}

		stored, _ := s.Find(ctx, "Item", Filter{"objectId": "a"}, FindOptions{})
		if len(stored) != 1 || !Equal(stored[0]["n"], 3) {
			t.Errorf("stored = %v", stored)
		}
	})
}

func TestStorage_UpdateNotFound(t *testing.T) {
	eachBackend(t, func(t *testing.T, s Storage) {
		_, err := s.Update(context.Background(), "Item", Filter{"objectId": "missing"}, Record{"n": 1}, WriteOptions{})
		if !errors.Is(err, ErrNotFound) {
			t.Errorf("Update error = %v, want ErrNotFound", err)
		}
	})
}

func TestStorage_UpdateMany(t *testing.T) {
	eachBackend(t, func(t *testing.T, s Storage) {
		ctx := context.Background()
		mustCreate(t, s, "Item", Record{"objectId": "a", "group": "g"})
		mustCreate(t, s, "Item", Record{"objectId": "b", "group": "g"})

		if _, err := s.Update(ctx, "Item", Filter{"group": "g"}, Record{"seen": true}, WriteOptions{}); err != nil {
			t.Fatalf("Update failed: %v", err)
		}
		seen, _ := s.Find(ctx, "Item", Filter{"seen": true}, FindOptions{})
		if len(seen) != 1 {
			t.Errorf("single update touched %d records, want 1", len(seen))
		}

		if _, err := s.Update(ctx, "Item", Filter{"group": "g"}, Record{"seen": true}, WriteOptions{Many: true}); err != nil {
			t.Fatalf("Update(Many) failed: %v", err)
		}
		seen, _ = s.Find(ctx, "Item", Filter{"seen": true}, FindOptions{})
		if len(seen) != 2 {
			t.Errorf("Many update touched %d records, want 2", len(seen))
		}
	})
}

func TestStorage_ACL(t *testing.T) {
	eachBackend(t, func(t *testing.T, s Storage) {
		ctx := context.Background()
		mustCreate(t, s, "Note", Record{
			"objectId": "n1",
			"ACL": map[string]any{
				"*":  map[string]any{"read": true},
				"u1": map[string]any{"read": true, "write": true},
			},
		})
		mustCreate(t, s, "Note", Record{
			"objectId": "n2",
			"ACL":      map[string]any{"role:admin": map[string]any{"read": true}},
		})

		public, _ := s.Find(ctx, "Note", Filter{}, FindOptions{ACL: []string{"*"}})
		if len(public) != 1 || public[0].ObjectID() != "n1" {
			t.Errorf("public read = %v, want only n1", public)
		}
		admin, _ := s.Find(ctx, "Note", Filter{}, FindOptions{ACL: []string{"*", "role:admin"}})
		if len(admin) != 2 {
			t.Errorf("admin read returned %d notes, want 2", len(admin))
		}

		_, err := s.Update(ctx, "Note", Filter{"objectId": "n1"}, Record{"body": "x"}, WriteOptions{ACL: []string{"*"}})
		if !errors.Is(err, ErrNotFound) {
			t.Errorf("public write error = %v, want ErrNotFound", err)
		}
		if _, err := s.Update(ctx, "Note", Filter{"objectId": "n1"}, Record{"body": "x"}, WriteOptions{ACL: []string{"*", "u1"}}); err != nil {
			t.Errorf("owner write failed: %v", err)
		}
		if _, err := s.Update(ctx, "Note", Filter{"objectId": "n2"}, Record{"body": "x"}, WriteOptions{}); err != nil {
			t.Errorf("master write failed: %v", err)
		}
	})
}

func TestStorage_Destroy(t *testing.T) {
	eachBackend(t, func(t *testing.T, s Storage) {
		ctx := context.Background()
		mustCreate(t, s, "Item", Record{"objectId": "a", "group": "g"})
		mustCreate(t, s, "Item", Record{"objectId": "b", "group": "g"})
		mustCreate(t, s, "Item", Record{"objectId": "c", "group": "h"})

		n, err := s.Destroy(ctx, "Item", Filter{"group": "g"}, WriteOptions{ValidateOnly: true})
		if err != nil || n != 2 {
			t.Fatalf("validate-only Destroy = %d, %v", n, err)
		}
		n, err = s.Destroy(ctx, "Item", Filter{"group": "g"}, WriteOptions{})
		if err != nil || n != 2 {
			t.Fatalf("Destroy = %d, %v", n, err)
		}
		left, _ := s.Find(ctx, "Item", Filter{}, FindOptions{})
		if len(left) != 1 || left[0].ObjectID() != "c" {
			t.Errorf("remaining = %v, want c", left)
		}

		_, err = s.Destroy(ctx, "Item", Filter{"group": "g"}, WriteOptions{})
		if !errors.Is(err, ErrNotFound) {
			t.Errorf("second Destroy error = %v, want ErrNotFound", err)
		}
	})
}

func TestStorage_FoldFieldsFind(t *testing.T) {
	eachBackend(t, func(t *testing.T, s Storage) {
		ctx := context.Background()
		mustCreate(t, s, ClassUser, Record{"objectId": "u1", "username": "Straße", "nick": "Amy"})
		folded := FindOptions{FoldFields: []string{"username"}}

		got, _ := s.Find(ctx, ClassUser, Filter{"username": "STRASSE"}, folded)
		if len(got) != 1 {
			t.Errorf("folded find returned %d users, want 1", len(got))
		}
		got, _ = s.Find(ctx, ClassUser, Filter{"username": "STRASSE"}, FindOptions{})
		if len(got) != 0 {
			t.Errorf("exact find returned %d users, want 0", len(got))
		}
		got, _ = s.Find(ctx, ClassUser, Filter{"nick": "AMY"}, folded)
		if len(got) != 0 {
			t.Errorf("find on an unfolded field returned %d users, want 0", len(got))
		}

		// The objectId guard of a uniqueness lookup compares exactly.
		got, _ = s.Find(ctx, ClassUser,
			Filter{"username": "strasse", "objectId": map[string]any{"$ne": "U1"}}, folded)
		if len(got) != 1 {
			t.Errorf("find excluding objectId U1 returned %d users, want 1", len(got))
		}
		got, _ = s.Find(ctx, ClassUser,
			Filter{"username": "strasse", "objectId": map[string]any{"$ne": "u1"}}, folded)
		if len(got) != 0 {
			t.Errorf("find excluding objectId u1 returned %d users, want 0", len(got))
		}
	})
}

func TestStorage_ValidateObjectExtendsSchema(t *testing.T) {
	eachBackend(t, func(t *testing.T, s Storage) {
		ctx := context.Background()
		if err := s.ValidateObject(ctx, "Item", Record{"title": "x", "count": 2}, nil, WriteOptions{}); err != nil {
			t.Fatalf("ValidateObject failed: %v", err)
		}
		schema, err := s.LoadSchema(ctx)
		if err != nil {
			t.Fatalf("LoadSchema failed: %v", err)
		}
		cls := schema.Class("Item")
		if cls == nil {
			t.Fatal("Item class was not created")
		}
		if cls.Fields["title"].Type != TypeString || cls.Fields["count"].Type != TypeNumber {
			t.Errorf("fields = %+v", cls.Fields)
		}
		if err := s.ValidateObject(ctx, "Item", Record{"title": 3}, nil, WriteOptions{}); err == nil {
			t.Error("type mismatch should be rejected")
		}
	})
}

func TestStorage_CancelledContext(t *testing.T) {
	s := NewMemoryStore()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := s.Find(ctx, "Item", Filter{}, FindOptions{}); !errors.Is(err, context.Canceled) {
		t.Errorf("Find error = %v, want context.Canceled", err)
	}
}

func TestCanReadWrite(t *testing.T) {
	open := Record{"objectId": "a"}
	if !CanRead(open, []string{"*"}) || !CanWrite(open, []string{"*"}) {
		t.Error("a record without ACL is open to everyone")
	}
	locked := Record{"objectId": "b", "ACL": map[string]any{}}
	if CanRead(locked, []string{"*"}) {
		t.Error("an empty ACL grants nothing")
	}
	if !CanWrite(locked, nil) {
		t.Error("nil roots means master access")
	}
}
