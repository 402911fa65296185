// Package cache provides the TTL caches shared across requests: resolved users
// keyed by session token, and role names keyed by user id.
package cache
