// Package cache holds the permission→roles membership cache backends.
package cache

import (
	"context"
	"time"
)

const (
	// DefaultTTL bounds how stale a cached role set may be.
	DefaultTTL = 450 * time.Second
	// DefaultSize is the entry limit of the in-memory backend.
	DefaultSize = 500

	keyPrefix = "ts_auth:perm_roles:"
)

// Membership caches the set of role UUIDs associated with a permission.
// A stored empty set is a hit, distinct from a miss.
type Membership interface {
	Get(ctx context.Context, key string) (roles []string, ok bool, err error)
	Set(ctx context.Context, key string, roles []string, ttl time.Duration) error
}

// Key returns the cache key for a permission UUID. Keys are namespaced so a
// shared backend never hands back another permission's or service's entry.
func Key(permissionUUID string) string {
	return keyPrefix + permissionUUID
}
