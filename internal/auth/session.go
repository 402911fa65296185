// ABOUTME: Resolves a session token into a Caller via the _Session and _User classes
// ABOUTME: Resolved users are cached by token until the token is invalidated

package auth

import (
	"context"
	"fmt"
	"time"

	"github.com/2389/docwrite/internal/apierr"
	"github.com/2389/docwrite/internal/cache"
	"github.com/2389/docwrite/internal/store"
)

// SessionResolver turns session tokens into callers.
type SessionResolver struct {
	finder Finder
	cache  *cache.AuthCache
	now    func() time.Time
}

// NewSessionResolver creates a SessionResolver. cache may be nil.
func NewSessionResolver(finder Finder, c *cache.AuthCache) *SessionResolver {
	return &SessionResolver{finder: finder, cache: c, now: time.Now}
}

// ForSessionToken returns the caller owning sessionToken.
func (r *SessionResolver) ForSessionToken(ctx context.Context, sessionToken, installationID string) (*Caller, error) {
	if r.cache != nil {
		if user, ok := r.cache.User(sessionToken); ok {
			return ForUser(user, sessionToken, installationID), nil
		}
	}

	sessions, err := r.finder.Find(ctx, store.ClassSession,
		store.Filter{"sessionToken": sessionToken}, store.FindOptions{Limit: 1})
	if err != nil {
		return nil, fmt.Errorf("loading session: %w", err)
	}
	if len(sessions) == 0 {
		return nil, apierr.New(apierr.InvalidSessionToken, "Invalid session token")
	}
	session := sessions[0]
	if expired(session["expiresAt"], r.now()) {
		return nil, apierr.New(apierr.InvalidSessionToken, "Session token is expired.")
	}

	userID := store.PointerID(session["user"])
	users, err := r.finder.Find(ctx, store.ClassUser, store.Filter{"objectId": userID}, store.FindOptions{Limit: 1})
	if err != nil {
		return nil, fmt.Errorf("loading session user: %w", err)
	}
	if len(users) == 0 {
		return nil, apierr.New(apierr.InvalidSessionToken, "Invalid session token")
	}
	user := users[0]
	delete(user, "_hashed_password")
	delete(user, "_password_history")

	if r.cache != nil {
		r.cache.PutUser(sessionToken, user)
	}
	return ForUser(user, sessionToken, installationID), nil
}

// expired reports whether a {"__type":"Date","iso":...} value lies in the past.
func expired(v any, now time.Time) bool {
	m, ok := v.(map[string]any)
	if !ok {
		return false
	}
	iso, _ := m["iso"].(string)
	t, err := time.Parse(time.RFC3339Nano, iso)
	if err != nil {
		return false
	}
	return t.Before(now)
}
