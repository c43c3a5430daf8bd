package cache

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"
)

// EntityCache caches resolved entity field values keyed by (type name,
// key field values), so a field already fetched for an entity in one
// part of the response tree doesn't need to be re-fetched for the same
// entity appearing elsewhere.
type EntityCache struct {
	store Store
	ttl   time.Duration
}

// NewEntityCache wraps a Store with the entity cache's key scheme.
func NewEntityCache(store Store, ttl time.Duration) *EntityCache {
	return &EntityCache{store: store, ttl: ttl}
}

// EntityKey builds the cache key for a typed entity identified by its
// @key field values. Key field values are sorted by field name so the
// key is independent of representation field ordering.
func EntityKey(typeName string, keyFields map[string]interface{}) string {
	names := make([]string, 0, len(keyFields))
	for k := range keyFields {
		names = append(names, k)
	}
	sort.Strings(names)

	var sb strings.Builder
	sb.WriteString(typeName)
	for _, name := range names {
		fmt.Fprintf(&sb, "|%s=%v", name, keyFields[name])
	}
	return sb.String()
}

// Get returns the cached JSON-encoded field values for an entity, if any.
func (c *EntityCache) Get(ctx context.Context, typeName string, keyFields map[string]interface{}, out interface{}) (bool, error) {
	data, ok, err := c.store.Get(ctx, EntityKey(typeName, keyFields))
	if err != nil || !ok {
		return false, err
	}
	if err := unmarshalJSON(data, out); err != nil {
		return false, err
	}
	return true, nil
}

// Set caches the resolved field values for an entity.
func (c *EntityCache) Set(ctx context.Context, typeName string, keyFields map[string]interface{}, fields interface{}) error {
	data, err := marshalJSON(fields)
	if err != nil {
		return err
	}
	return c.store.Set(ctx, EntityKey(typeName, keyFields), data, c.ttl)
}

// Invalidate drops a cached entity, used when a mutation is known to
// have modified it.
func (c *EntityCache) Invalidate(ctx context.Context, typeName string, keyFields map[string]interface{}) error {
	return c.store.Delete(ctx, EntityKey(typeName, keyFields))
}
