// ABOUTME: Resolves the role names a user holds, following role inheritance
// ABOUTME: Results are cached per user; role writes clear the cache

package auth

import (
	"context"
	"fmt"
	"sort"

	"github.com/2389/docwrite/internal/cache"
	"github.com/2389/docwrite/internal/store"
)

// Finder is the read side of the document store.
type Finder interface {
	Find(ctx context.Context, kind string, filter store.Filter, opts store.FindOptions) ([]store.Record, error)
}

// RoleResolver loads "role:<name>" ACL roots for users.
type RoleResolver struct {
	finder Finder
	cache  *cache.AuthCache
}

// NewRoleResolver creates a RoleResolver. cache may be nil.
func NewRoleResolver(finder Finder, c *cache.AuthCache) *RoleResolver {
	return &RoleResolver{finder: finder, cache: c}
}

// UserRoles returns the sorted ACL role roots for userID. A role grants its
// permissions to the users of every role listed in its "roles" field.
func (r *RoleResolver) UserRoles(ctx context.Context, userID string) ([]string, error) {
	if userID == "" {
		return nil, nil
	}
	if r.cache != nil {
		if roles, ok := r.cache.Roles(userID); ok {
			return roles, nil
		}
	}

	direct, err := r.finder.Find(ctx, store.ClassRole, store.Filter{"users": userID}, store.FindOptions{})
	if err != nil {
		return nil, fmt.Errorf("loading roles: %w", err)
	}

	seen := make(map[string]string) // role id -> name
	frontier := make([]any, 0, len(direct))
	for _, role := range direct {
		if _, ok := seen[role.ObjectID()]; ok {
			continue
		}
		seen[role.ObjectID()] = role.String("name")
		frontier = append(frontier, role.ObjectID())
	}

	for len(frontier) > 0 {
		parents, err := r.finder.Find(ctx, store.ClassRole,
			store.Filter{"roles": map[string]any{"$in": frontier}}, store.FindOptions{})
		if err != nil {
			return nil, fmt.Errorf("loading parent roles: %w", err)
		}
		var next []any
		for _, role := range parents {
			if _, ok := seen[role.ObjectID()]; ok {
				continue
			}
			seen[role.ObjectID()] = role.String("name")
			next = append(next, role.ObjectID())
		}
		frontier = next
	}

	roles := make([]string, 0, len(seen))
	for _, name := range seen {
		if name != "" {
			roles = append(roles, "role:"+name)
		}
	}
	sort.Strings(roles)

	if r.cache != nil {
		r.cache.PutRoles(userID, roles)
	}
	return roles, nil
}
