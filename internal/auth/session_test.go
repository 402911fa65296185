package auth

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/docwrite/internal/apierr"
	"github.com/2389/docwrite/internal/cache"
	"github.com/2389/docwrite/internal/store"
)

var sessionNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func dateAt(t time.Time) map[string]any {
	return map[string]any{"__type": "Date", "iso": t.Format(time.RFC3339Nano)}
}

func seedSession(m *store.MemoryStore, token string, expiresAt time.Time) {
	m.Put(store.ClassUser, store.Record{
		"objectId":          "u1",
		"username":          "alice",
		"_hashed_password":  "digest",
		"_password_history": []any{"older"},
	})
	m.Put(store.ClassSession, store.Record{
		"objectId":     "s-" + token,
		"sessionToken": token,
		"user":         store.Pointer(store.ClassUser, "u1"),
		"expiresAt":    dateAt(expiresAt),
	})
}

func newTestResolver(f Finder, c *cache.AuthCache) *SessionResolver {
	r := NewSessionResolver(f, c)
	r.now = func() time.Time { return sessionNow }
	return r
}

func TestSessionResolver_ForSessionToken(t *testing.T) {
	m := store.NewMemoryStore()
	seedSession(m, "r:good", sessionNow.Add(time.Hour))
	r := newTestResolver(m, nil)

	c, err := r.ForSessionToken(context.Background(), "r:good", "inst-1")
	require.NoError(t, err)
	assert.Equal(t, "u1", c.UserID())
	assert.Equal(t, "r:good", c.SessionToken)
	assert.Equal(t, "inst-1", c.InstallationID)
	assert.False(t, c.Privileged())
	assert.NotContains(t, c.User, "_hashed_password")
	assert.NotContains(t, c.User, "_password_history")
}

func TestSessionResolver_Rejects(t *testing.T) {
	m := store.NewMemoryStore()
	seedSession(m, "r:old", sessionNow.Add(-time.Minute))
	m.Put(store.ClassSession, store.Record{
		"objectId":     "orphan",
		"sessionToken": "r:orphan",
		"user":         store.Pointer(store.ClassUser, "gone"),
	})
	r := newTestResolver(m, nil)

	for _, token := range []string{"r:missing", "r:old", "r:orphan"} {
		t.Run(token, func(t *testing.T) {
			_, err := r.ForSessionToken(context.Background(), token, "")
			assert.Equal(t, apierr.InvalidSessionToken, apierr.CodeOf(err))
		})
	}
}

func TestSessionResolver_UsesCache(t *testing.T) {
	m := store.NewMemoryStore()
	seedSession(m, "r:good", sessionNow.Add(time.Hour))
	f := &countingFinder{Finder: m}
	c := cache.NewAuthCache(time.Minute, 10, nil)
	defer c.Close()
	r := newTestResolver(f, c)

	_, err := r.ForSessionToken(context.Background(), "r:good", "")
	require.NoError(t, err)
	calls := f.calls

	caller, err := r.ForSessionToken(context.Background(), "r:good", "inst-2")
	require.NoError(t, err)
	assert.Equal(t, calls, f.calls)
	assert.Equal(t, "inst-2", caller.InstallationID)

	c.InvalidateSessionToken("r:good")
	_, err = r.ForSessionToken(context.Background(), "r:good", "")
	require.NoError(t, err)
	assert.Greater(t, f.calls, calls)
}

func TestExpired(t *testing.T) {
	assert.True(t, expired(dateAt(sessionNow.Add(-time.Second)), sessionNow))
	assert.False(t, expired(dateAt(sessionNow.Add(time.Second)), sessionNow))
	assert.False(t, expired(nil, sessionNow), "sessions without expiry never expire")
	assert.False(t, expired(map[string]any{"iso": "garbage"}, sessionNow))
}
