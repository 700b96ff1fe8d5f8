package restkit

import (
	"encoding/json"
	"fmt"
	"sync"

	rkerrors "github.com/diwise/restkit/pkg/restkit/errors"
)

// Alias is an alternate cache key: either a canonical path (Field left
// empty) or a (field, value) pair. Aliases are many-to-one onto the primary
// key, so each resource keeps a single canonical in-process identity no
// matter how it was reached.
type Alias struct {
	Field string
	Value string
}

func PathAlias(path string) Alias {
	return Alias{Value: path}
}

func FieldValueAlias(field string, value any) Alias {
	return Alias{Field: field, Value: keyString(value)}
}

// Cache is the per-resource-type instance store. It is internally
// synchronized: "at most one canonical instance per key" must hold even when
// a connection is shared between goroutines.
type Cache struct {
	mu        sync.RWMutex
	instances map[string]*Resource
	aliases   map[Alias]string
}

func NewCache() *Cache {
	return &Cache{
		instances: map[string]*Resource{},
		aliases:   map[Alias]string{},
	}
}

// resolve maps a key or alias onto the primary key string it designates.
// The caller must hold at least a read lock.
func (c *Cache) resolve(key any) string {
	if alias, ok := key.(Alias); ok {
		if primary, found := c.aliases[alias]; found {
			return primary
		}
		// A (field, value) alias that was never registered cannot name an
		// instance directly.
		if alias.Field != "" {
			return ""
		}
		return alias.Value
	}

	stringified := keyString(key)
	if primary, found := c.aliases[Alias{Value: stringified}]; found {
		return primary
	}

	return stringified
}

func (c *Cache) Has(key any) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	_, found := c.instances[c.resolve(key)]
	return found
}

// Get returns the canonical instance for the given key or alias, or
// ErrNotFoundInCache. Stale aliases left behind by eviction simply miss.
func (c *Cache) Get(key any) (*Resource, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	instance, found := c.instances[c.resolve(key)]
	if !found {
		return nil, rkerrors.NewNotFoundInCacheError(fmt.Sprintf("%v", key))
	}

	return instance, nil
}

// Put stores the resource under its primary key and registers its canonical
// path, its type-declared cache-key fields, and any caller-supplied aliases.
// When an instance already exists for the key it absorbs the new data and
// keeps its identity; the canonical instance is returned either way.
func (c *Cache) Put(resource *Resource, aliases ...Alias) *Resource {
	primary := resource.CacheKey()

	c.mu.Lock()
	defer c.mu.Unlock()

	canonical, exists := c.instances[primary]
	if exists && canonical != resource {
		canonical.absorb(resource)
		resource = canonical
	} else {
		c.instances[primary] = resource
	}

	c.aliases[Alias{Value: resource.Path()}] = primary

	for _, field := range resource.typ.CacheKeys {
		if value, ok := resource.peek(field); ok {
			c.aliases[Alias{Field: field, Value: keyString(value)}] = primary
		}
	}

	for _, alias := range aliases {
		c.aliases[alias] = primary
	}

	return resource
}

// Evict removes the primary-key entry for the given resource or key and
// returns the removed instance, if any. Aliases are not pruned; they dangle
// and fail lookup. A resource is always evicted by its own primary key,
// never by an arbitrary alias.
func (c *Cache) Evict(resourceOrKey any) *Resource {
	var primary string
	if resource, ok := resourceOrKey.(*Resource); ok {
		primary = resource.CacheKey()
	} else {
		primary = keyString(resourceOrKey)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	evicted := c.instances[primary]
	delete(c.instances, primary)

	return evicted
}

// keyString stringifies heterogeneous key types (integers, UUIDs, numbers
// from decoded JSON) so they compare consistently as cache keys and URL
// segments.
func keyString(key any) string {
	switch typed := key.(type) {
	case string:
		return typed
	case json.Number:
		return typed.String()
	default:
		return fmt.Sprintf("%v", typed)
	}
}
