package restkit

import (
	"context"
	"fmt"
	"reflect"
	"sync"

	rkerrors "github.com/diwise/restkit/pkg/restkit/errors"
)

// Resource represents one remote entity. Instances are created by a
// ResourceManager, either from a payload or synthesized from just a key as a
// lazy reference. A partial instance completes itself exactly once: the
// first read of a missing field loads the canonical path and replaces the
// data wholesale. The transition is one-directional; there is no way back
// to partial.
type Resource struct {
	typ     *ResourceType
	manager *ResourceManager
	path    string
	parent  *Resource

	mu      sync.Mutex
	data    map[string]any
	partial bool

	relations      map[string]any
	nestedManagers map[string]*ResourceManager
}

func newResource(manager *ResourceManager, data map[string]any, partial bool, path string, parent *Resource) *Resource {
	r := &Resource{
		typ:            manager.typ,
		manager:        manager,
		parent:         parent,
		data:           data,
		partial:        partial,
		relations:      map[string]any{},
		nestedManagers: map[string]*ResourceManager{},
	}

	if r.parent == nil {
		r.parent = manager.parent
	}

	r.path = path
	if r.path == "" {
		if key, ok := r.PrimaryKey(); ok {
			r.path = manager.PrepareURL(key, "")
		} else {
			r.path = manager.PrepareURL(nil, "")
		}
	}

	return r
}

func (r *Resource) Type() *ResourceType {
	return r.typ
}

// Path returns the canonical URL for this instance.
func (r *Resource) Path() string {
	return r.path
}

func (r *Resource) Parent() *Resource {
	return r.parent
}

func (r *Resource) Manager() *ResourceManager {
	return r.manager
}

func (r *Resource) IsPartial() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.partial
}

// Data returns an independent snapshot of the current data. It never
// triggers a fetch.
func (r *Resource) Data() map[string]any {
	r.mu.Lock()
	defer r.mu.Unlock()
	return deepCopyMap(r.data)
}

// PrimaryKey returns the value of the configured primary-key field. The
// second return is false for unmanaged resources or payloads that lack the
// field. A resource never changes its primary key after construction.
func (r *Resource) PrimaryKey() (any, bool) {
	return r.peek(r.typ.PrimaryKeyField)
}

// CacheKey is the stringified primary key, used as the canonical cache key.
func (r *Resource) CacheKey() string {
	key, ok := r.PrimaryKey()
	if !ok {
		return ""
	}
	return keyString(key)
}

// peek reads a field without ever triggering a lazy load.
func (r *Resource) peek(name string) (any, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	value, ok := r.data[r.typ.aliasFor(name)]
	return value, ok
}

// Field returns the value of the named field, translating the name through
// the type's alias table first. While the instance is partial, a read of an
// absent field loads the canonical path through the manager (cache-aware:
// if another code path already completed the same primary key, no request
// is sent) and the instance becomes complete. A field that is still absent
// after completion is ErrMissingField, never another fetch.
func (r *Resource) Field(ctx context.Context, name string) (any, error) {
	field := r.typ.aliasFor(name)

	r.mu.Lock()
	defer r.mu.Unlock()

	if value, ok := r.data[field]; ok {
		return value, nil
	}

	if r.partial {
		loaded, err := r.manager.load(ctx, r.path, false)
		if err != nil {
			return nil, err
		}

		r.data = deepCopyMap(loaded.snapshot())
		r.partial = false

		if value, ok := r.data[field]; ok {
			return value, nil
		}
	}

	// Error messages reference the requested name, not the translated one.
	return nil, rkerrors.NewMissingFieldError(name)
}

// absorb replaces this instance's data with that of another, freshly built
// instance for the same key. Only complete payloads reach the cache, so the
// receiver is complete afterwards.
func (r *Resource) absorb(other *Resource) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.data = deepCopyMap(other.snapshot())
	r.partial = false
}

// snapshot returns the raw data map, guarding against self-loads: when the
// lazy load resolved to this very instance from the cache, the caller
// already holds the lock.
func (r *Resource) snapshot() map[string]any {
	if r.mu.TryLock() {
		defer r.mu.Unlock()
	}
	return r.data
}

// Equal reports whether the other resource is of the same type with an
// identical data snapshot.
func (r *Resource) Equal(other *Resource) bool {
	if other == nil || r.typ != other.typ {
		return false
	}
	return reflect.DeepEqual(r.Data(), other.Data())
}

// Update applies the given parameters through the owning manager and
// returns the fully loaded result.
func (r *Resource) Update(ctx context.Context, params map[string]any) (*Resource, error) {
	return r.manager.Update(ctx, r, params)
}

// Delete removes this resource through the owning manager.
func (r *Resource) Delete(ctx context.Context) error {
	return r.manager.Delete(ctx, r)
}

// Action executes the named action on this resource through the owning
// manager.
func (r *Resource) Action(ctx context.Context, action string, params map[string]any) error {
	return r.manager.Action(ctx, r, action, params)
}

// Nested returns the manager for the named nested relation, parented under
// this instance. The manager is computed once per instance.
func (r *Resource) Nested(name string) (*ResourceManager, error) {
	rel, ok := r.typ.relation(name)
	if !ok || rel.Kind != RelationNested {
		return nil, rkerrors.NewResolutionError(fmt.Sprintf("type %q declares no nested relation named %q", r.typ.Name, name))
	}

	target, err := r.manager.connection.registry.Lookup(rel.Target)
	if err != nil {
		return nil, err
	}

	return r.nestedManagerFor(target), nil
}

// nestedManagerFor returns the manager for the first nested relation whose
// target is the given type, or nil. Results are memoized per instance.
func (r *Resource) nestedManagerFor(t *ResourceType) *ResourceManager {
	r.mu.Lock()
	defer r.mu.Unlock()

	if manager, ok := r.nestedManagers[t.Name]; ok {
		return manager
	}

	for _, rel := range r.typ.relations {
		if rel.Kind != RelationNested {
			continue
		}

		target, err := r.manager.connection.registry.Lookup(rel.Target)
		if err != nil || target != t {
			continue
		}

		connection := r.manager.connection
		manager := newResourceManager(t, connection, connection.ResourceCache(t), r)
		r.nestedManagers[t.Name] = manager
		return manager
	}

	r.nestedManagers[t.Name] = nil
	return nil
}

func deepCopyMap(source map[string]any) map[string]any {
	if source == nil {
		return nil
	}

	copied := make(map[string]any, len(source))
	for key, value := range source {
		copied[key] = deepCopyValue(value)
	}

	return copied
}

func deepCopyValue(value any) any {
	switch typed := value.(type) {
	case map[string]any:
		return deepCopyMap(typed)
	case []any:
		copied := make([]any, len(typed))
		for i, item := range typed {
			copied[i] = deepCopyValue(item)
		}
		return copied
	default:
		return typed
	}
}
