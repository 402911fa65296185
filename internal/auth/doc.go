// Package auth resolves who a write runs as.
//
// # Callers
//
// Every write carries a Caller:
//
//   - Master(): bypasses ACLs and restricted-field checks
//   - Maintenance(): privileged like master, used by background jobs
//   - ForUser(user, sessionToken, installationID): an authenticated user
//   - Anonymous(installationID): no session
//
// CloudInstallationID marks server-side code acting for a user; no session
// tokens are minted for it.
//
// # Sessions
//
// SessionResolver turns a session token into a Caller by loading the _Session
// and its _User. Expired sessions are rejected with InvalidSessionToken.
// Resolved users are cached by token in a cache.AuthCache.
//
// # Roles
//
// RoleResolver computes the "role:<name>" ACL roots a user holds. A role's
// "users" field lists its members and its "roles" field lists child roles
// whose users inherit it:
//
//	roles, err := resolver.UserRoles(ctx, userID)
//
// # Identity Providers
//
// Providers is the registry of authData validators. The anonymous provider is
// always installed. JWTProvider accepts {"id", "id_token"} where id_token is an
// HS256 JWT whose subject equals id:
//
//	providers := auth.NewProviders()
//	providers.Register("acme", auth.NewJWTProvider(secret, "docwrite"))
package auth
