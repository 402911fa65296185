// ABOUTME: Auth-facing cache facade: users by session token, roles by user id
// ABOUTME: The write pipeline invalidates entries when passwords change or roles are written

package cache

import (
	"log/slog"
	"time"

	"github.com/2389/docwrite/internal/store"
)

// AuthCache groups the caches consulted when resolving callers.
type AuthCache struct {
	users  *Cache[store.Record]
	roles  *Cache[[]string]
	logger *slog.Logger
}

// NewAuthCache creates an AuthCache. Pass nil logger for default.
func NewAuthCache(ttl time.Duration, maxSize int, logger *slog.Logger) *AuthCache {
	if logger == nil {
		logger = slog.Default()
	}
	return &AuthCache{
		users:  New[store.Record](ttl, maxSize),
		roles:  New[[]string](ttl, maxSize),
		logger: logger.With("component", "auth_cache"),
	}
}

// User returns the cached user for a session token.
func (a *AuthCache) User(sessionToken string) (store.Record, bool) {
	u, ok := a.users.Get(sessionToken)
	if !ok {
		return nil, false
	}
	return u.Clone(), true
}

// PutUser caches the user resolved from a session token.
func (a *AuthCache) PutUser(sessionToken string, user store.Record) {
	a.users.Put(sessionToken, user.Clone())
}

// InvalidateSessionToken drops the cached user for a session token.
func (a *AuthCache) InvalidateSessionToken(sessionToken string) {
	a.users.Delete(sessionToken)
	a.logger.Debug("session token invalidated")
}

// Roles returns the cached role names for a user.
func (a *AuthCache) Roles(userID string) ([]string, bool) {
	r, ok := a.roles.Get(userID)
	if !ok {
		return nil, false
	}
	return append([]string(nil), r...), true
}

// PutRoles caches the role names of a user.
func (a *AuthCache) PutRoles(userID string, roles []string) {
	a.roles.Put(userID, append([]string(nil), roles...))
}

// ClearRoles drops every cached role set.
func (a *AuthCache) ClearRoles() {
	a.roles.Clear()
	a.logger.Debug("role cache cleared")
}

// Close stops the background cleanup goroutines.
func (a *AuthCache) Close() {
	a.users.Close()
	a.roles.Close()
}
