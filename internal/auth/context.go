// ABOUTME: Caller identity for a write: anonymous, authenticated user, master or maintenance
// ABOUTME: Provides WithCaller/FromContext for propagating the caller via context

package auth

import (
	"context"

	"github.com/2389/docwrite/internal/store"
)

// CloudInstallationID marks a privileged non-interactive context (server-side
// code acting for a user); no session tokens are minted for it.
const CloudInstallationID = "cloud"

// Caller holds the identity a write is performed as.
type Caller struct {
	IsMaster       bool
	IsMaintenance  bool
	User           store.Record // nil when anonymous
	SessionToken   string
	InstallationID string
}

// Master returns a caller with master privileges.
func Master() *Caller {
	return &Caller{IsMaster: true}
}

// Maintenance returns a caller with maintenance privileges.
func Maintenance() *Caller {
	return &Caller{IsMaintenance: true}
}

// Anonymous returns an unauthenticated caller.
func Anonymous(installationID string) *Caller {
	return &Caller{InstallationID: installationID}
}

// ForUser returns a caller authenticated as user via sessionToken.
func ForUser(user store.Record, sessionToken, installationID string) *Caller {
	return &Caller{User: user, SessionToken: sessionToken, InstallationID: installationID}
}

// UserID returns the authenticated user's objectId, or "".
func (c *Caller) UserID() string {
	if c == nil || c.User == nil {
		return ""
	}
	return c.User.ObjectID()
}

// Privileged reports whether the caller bypasses ACLs and restricted-field checks.
func (c *Caller) Privileged() bool {
	return c != nil && (c.IsMaster || c.IsMaintenance)
}

// Unauthenticated reports whether the caller is neither privileged nor a user.
func (c *Caller) Unauthenticated() bool {
	return !c.Privileged() && c.UserID() == ""
}

// callerContextKey is the key type for storing Caller in context.Context.
type callerContextKey struct{}

// WithCaller returns a new context with the Caller attached.
func WithCaller(ctx context.Context, c *Caller) context.Context {
	return context.WithValue(ctx, callerContextKey{}, c)
}

// FromContext retrieves the Caller from the context, returning nil if not present.
func FromContext(ctx context.Context) *Caller {
	c, _ := ctx.Value(callerContextKey{}).(*Caller)
	return c
}
