package restkit

import (
	"context"
	"errors"
	"fmt"
	"strings"

	rkerrors "github.com/diwise/restkit/pkg/restkit/errors"
	"github.com/diwise/service-chassis/pkg/infrastructure/o11y/tracing"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const (
	TraceAttributeResourceType string = "resource-type"
	TraceAttributeResourceKey  string = "resource-key"
)

var tracer = otel.Tracer("restkit/resource-manager")

// ResourceManager executes the operations for one resource type over one
// connection. Any number of managers may exist for a (connection, type)
// pair - one per parent instance for nested types - but they all share the
// connection's single cache for the type, so every access path yields the
// same canonical instances.
type ResourceManager struct {
	typ        *ResourceType
	connection *Connection
	cache      *Cache
	parent     *Resource
}

func newResourceManager(t *ResourceType, connection *Connection, cache *Cache, parent *Resource) *ResourceManager {
	return &ResourceManager{
		typ:        t,
		connection: connection,
		cache:      cache,
		parent:     parent,
	}
}

func (m *ResourceManager) Type() *ResourceType {
	return m.typ
}

func (m *ResourceManager) Connection() *Connection {
	return m.connection
}

func (m *ResourceManager) Parent() *Resource {
	return m.parent
}

// PrepareURL composes the URL for the given resource, key, or the base
// collection. A Resource argument short-circuits to its stored canonical
// path. Otherwise the path is parent path + type endpoint + key + action,
// and a trailing slash on the composed base (parent path or endpoint) is
// carried onto the final path.
func (m *ResourceManager) PrepareURL(resourceOrKey any, action string) string {
	endpoint := ""
	trailing := false

	if resource, ok := resourceOrKey.(*Resource); ok {
		endpoint = resource.Path()
		trailing = strings.HasSuffix(endpoint, "/")
	} else {
		parentPath := ""
		if m.parent != nil {
			parentPath = m.parent.Path()
		}

		endpoint = strings.TrimRight(parentPath, "/") + m.typ.Endpoint
		trailing = strings.HasSuffix(m.typ.Endpoint, "/") || strings.HasSuffix(parentPath, "/")

		if resourceOrKey != nil {
			endpoint = strings.TrimRight(endpoint, "/") + "/" + keyString(resourceOrKey)
		}
	}

	path := strings.TrimRight(endpoint, "/")
	if action != "" {
		path = path + "/" + action
	}
	if trailing {
		path = path + "/"
	}

	return path
}

// MakeInstance builds a resource instance from a payload. Construction is
// delegated to the root manager when one exists, so instances fetched via
// nested paths land in the canonical root cache. Partial instances are
// never cached.
func (m *ResourceManager) MakeInstance(data map[string]any, partial bool, aliases ...Alias) *Resource {
	manager := m
	if root := m.connection.RootManager(m.typ); root != nil {
		manager = root
	}

	resource := newResource(manager, data, partial, "", nil)

	if partial || manager.typ.Unmanaged || manager.cache == nil {
		return resource
	}

	return manager.cache.Put(resource, aliases...)
}

// All returns a lazy iterator over every instance matching the given query
// parameters. Each page is fetched with one blocking request as iteration
// reaches it; iteration ends when the extractor reports no further cursor.
// The iterator cannot be restarted - call All again instead.
func (m *ResourceManager) All(params map[string]string) *ResourceIterator {
	return &ResourceIterator{
		manager: m,
		params:  params,
		partial: m.typ.ListPartial,
		nextURL: m.PrepareURL(nil, ""),
	}
}

// Get returns an instance for the given primary key. Unless forced, a cache
// miss does not hit the network: a partial instance carrying only the key
// is returned, so call chains can traverse to nested resources or actions
// without an eager fetch. Forcing always fetches.
func (m *ResourceManager) Get(ctx context.Context, key any, force bool) (*Resource, error) {
	if force {
		return m.load(ctx, m.PrepareURL(key, ""), true)
	}

	if m.cache != nil {
		if resource, err := m.cache.Get(key); err == nil {
			return resource, nil
		}
	}

	return m.MakeInstance(map[string]any{m.typ.PrimaryKeyField: key}, true), nil
}

// load fetches a single instance from the given path, consulting the cache
// first so a path that another code path already completed never causes a
// second request. The fetched path is registered as a cache alias, which
// matters when it differs from the canonical path.
func (m *ResourceManager) load(ctx context.Context, path string, force bool) (*Resource, error) {
	if !force && m.cache != nil {
		if resource, err := m.cache.Get(PathAlias(path)); err == nil {
			return resource, nil
		}
	}

	var err error

	ctx, span := tracer.Start(ctx, "retrieve-resource",
		trace.WithAttributes(attribute.String(TraceAttributeResourceType, m.typ.Name)),
	)
	defer func() { tracing.RecordAnyErrorAndEndSpan(err, span) }()

	response, err := m.connection.Get(ctx, path, nil)
	if err != nil {
		return nil, err
	}

	data, err := m.typ.extractOne(response)
	if err != nil {
		return nil, err
	}

	return m.MakeInstance(data, false, PathAlias(path)), nil
}

// Create POSTs the given parameters to the collection URL. Parameter names
// are translated through the alias table first. The result is a partial
// instance: some APIs return incomplete payloads on create.
func (m *ResourceManager) Create(ctx context.Context, params map[string]any) (*Resource, error) {
	var err error

	ctx, span := tracer.Start(ctx, "create-resource",
		trace.WithAttributes(attribute.String(TraceAttributeResourceType, m.typ.Name)),
	)
	defer func() { tracing.RecordAnyErrorAndEndSpan(err, span) }()

	response, err := m.connection.Post(ctx, m.PrepareURL(nil, ""), m.prepareParams(params))
	if err != nil {
		return nil, err
	}

	data, err := m.typ.extractOne(response)
	if err != nil {
		return nil, err
	}

	return m.MakeInstance(data, true), nil
}

// Update applies the given parameters with the type's configured HTTP verb
// (PATCH unless overridden) and returns a fully loaded instance from the
// response.
func (m *ResourceManager) Update(ctx context.Context, resourceOrKey any, params map[string]any) (*Resource, error) {
	var err error

	ctx, span := tracer.Start(ctx, "update-resource",
		trace.WithAttributes(
			attribute.String(TraceAttributeResourceType, m.typ.Name),
			attribute.String(TraceAttributeResourceKey, m.keyFor(resourceOrKey)),
		),
	)
	defer func() { tracing.RecordAnyErrorAndEndSpan(err, span) }()

	response, err := m.connection.Do(ctx, m.typ.UpdateVerb, m.PrepareURL(resourceOrKey, ""), nil, m.prepareParams(params))
	if err != nil {
		return nil, err
	}

	data, err := m.typ.extractOne(response)
	if err != nil {
		return nil, err
	}

	return m.MakeInstance(data, false), nil
}

// Delete removes the resource remotely, then evicts it from the cache. The
// instance may still be held by callers but is no longer reachable by key.
func (m *ResourceManager) Delete(ctx context.Context, resourceOrKey any) error {
	var err error

	ctx, span := tracer.Start(ctx, "delete-resource",
		trace.WithAttributes(
			attribute.String(TraceAttributeResourceType, m.typ.Name),
			attribute.String(TraceAttributeResourceKey, m.keyFor(resourceOrKey)),
		),
	)
	defer func() { tracing.RecordAnyErrorAndEndSpan(err, span) }()

	_, err = m.connection.Delete(ctx, m.PrepareURL(resourceOrKey, ""))
	if err != nil {
		return err
	}

	if m.cache != nil {
		m.cache.Evict(resourceOrKey)
	}

	return nil
}

// Action POSTs to the action sub-path. Action endpoints are not restful and
// cannot be relied upon to return a resource representation, so the response
// body is ignored and the resource is evicted: whatever was cached is stale
// now.
func (m *ResourceManager) Action(ctx context.Context, resourceOrKey any, action string, params map[string]any) error {
	var err error

	ctx, span := tracer.Start(ctx, "resource-action",
		trace.WithAttributes(
			attribute.String(TraceAttributeResourceType, m.typ.Name),
			attribute.String(TraceAttributeResourceKey, m.keyFor(resourceOrKey)),
			attribute.String("resource-action", action),
		),
	)
	defer func() { tracing.RecordAnyErrorAndEndSpan(err, span) }()

	var body Value
	if params != nil {
		body = params
	}

	_, err = m.connection.Post(ctx, m.PrepareURL(resourceOrKey, action), body)
	if err != nil {
		return err
	}

	if m.cache != nil {
		m.cache.Evict(resourceOrKey)
	}

	return nil
}

type findConfig struct {
	force    bool
	asParams bool
}

type FindOption func(*findConfig)

// Force bypasses the cache lookup in FindBy.
func Force() FindOption {
	return func(cfg *findConfig) {
		cfg.force = true
	}
}

// WithoutParams lists without asking the server to filter, for attributes
// the API does not accept as query parameters.
func WithoutParams() FindOption {
	return func(cfg *findConfig) {
		cfg.asParams = false
	}
}

// FindBy returns the first instance whose attribute equals the given value,
// or nil if none matches. The cache is tried first under the (attr, value)
// alias. On a miss the attribute is passed as a filter parameter, but the
// results are still filtered client-side: some APIs silently ignore filter
// parameters they do not recognize. A match is cached under the alias.
func (m *ResourceManager) FindBy(ctx context.Context, attr string, value any, options ...FindOption) (*Resource, error) {
	cfg := findConfig{asParams: true}
	for _, option := range options {
		option(&cfg)
	}

	alias := FieldValueAlias(attr, value)

	if !cfg.force && m.cache != nil {
		if resource, err := m.cache.Get(alias); err == nil {
			return resource, nil
		}
	}

	var err error

	ctx, span := tracer.Start(ctx, "find-resource",
		trace.WithAttributes(
			attribute.String(TraceAttributeResourceType, m.typ.Name),
			attribute.String("resource-attribute", attr),
		),
	)
	defer func() { tracing.RecordAnyErrorAndEndSpan(err, span) }()

	params := map[string]string{}
	if cfg.asParams {
		params[m.typ.aliasFor(attr)] = keyString(value)
	}

	wanted := keyString(value)
	iterator := m.All(params)

	for iterator.Next(ctx) {
		candidate := iterator.Resource()

		got, fieldErr := candidate.Field(ctx, attr)
		if fieldErr != nil {
			if errors.Is(fieldErr, rkerrors.ErrMissingField) {
				continue
			}
			err = fieldErr
			return nil, err
		}

		if keyString(got) == wanted {
			if m.cache != nil {
				return m.cache.Put(candidate, alias), nil
			}
			return candidate, nil
		}
	}

	if err = iterator.Err(); err != nil {
		return nil, err
	}

	return nil, nil
}

// RelatedManager locates a manager for the named type: the connection's
// root manager when one is declared, otherwise the first matching nested
// binding found walking up the chain of parent resources.
func (m *ResourceManager) RelatedManager(typeName string) (*ResourceManager, error) {
	t, err := m.connection.registry.Lookup(typeName)
	if err != nil {
		return nil, err
	}

	manager := m.relatedManagerForType(t)
	if manager == nil {
		return nil, rkerrors.NewResolutionError(fmt.Sprintf("no manager for type %q is reachable from type %q", t.Name, m.typ.Name))
	}

	return manager, nil
}

func (m *ResourceManager) relatedManagerForType(t *ResourceType) *ResourceManager {
	if root := m.connection.RootManager(t); root != nil {
		return root
	}

	for parent := m.parent; parent != nil; parent = parent.parent {
		if nested := parent.nestedManagerFor(t); nested != nil {
			return nested
		}
	}

	return nil
}

// prepareParams de-references attribute aliases in parameter names.
func (m *ResourceManager) prepareParams(params map[string]any) map[string]any {
	if params == nil {
		return nil
	}

	prepared := make(map[string]any, len(params))
	for name, value := range params {
		prepared[m.typ.aliasFor(name)] = value
	}

	return prepared
}

func (m *ResourceManager) keyFor(resourceOrKey any) string {
	if resource, ok := resourceOrKey.(*Resource); ok {
		return resource.CacheKey()
	}
	return keyString(resourceOrKey)
}

// ResourceIterator steps through a listing one instance at a time, fetching
// the next page only when iteration reaches it.
type ResourceIterator struct {
	manager *ResourceManager
	params  map[string]string
	partial bool

	nextURL   string
	page      []*Resource
	index     int
	current   *Resource
	err       error
	exhausted bool
}

// Next advances the iterator, performing one blocking request whenever the
// current page is spent and a further page exists. It returns false at the
// end of the listing or on error; check Err afterwards.
func (it *ResourceIterator) Next(ctx context.Context) bool {
	if it.err != nil {
		return false
	}

	for {
		if it.index < len(it.page) {
			it.current = it.page[it.index]
			it.index++
			return true
		}

		if it.exhausted {
			return false
		}

		if !it.fetchPage(ctx) {
			return false
		}
	}
}

func (it *ResourceIterator) Resource() *Resource {
	return it.current
}

func (it *ResourceIterator) Err() error {
	return it.err
}

func (it *ResourceIterator) fetchPage(ctx context.Context) bool {
	var err error

	ctx, span := tracer.Start(ctx, "list-resources",
		trace.WithAttributes(attribute.String(TraceAttributeResourceType, it.manager.typ.Name)),
	)
	defer func() { tracing.RecordAnyErrorAndEndSpan(err, span) }()

	response, err := it.manager.connection.Get(ctx, it.nextURL, it.params)
	if err != nil {
		it.err = err
		it.exhausted = true
		return false
	}

	items, next, err := it.manager.typ.extractList(response)
	if err != nil {
		it.err = err
		it.exhausted = true
		return false
	}

	page := make([]*Resource, 0, len(items))
	for _, item := range items {
		page = append(page, it.manager.MakeInstance(item, it.partial))
	}

	it.page = page
	it.index = 0
	it.nextURL = next
	if next == "" {
		it.exhausted = true
	}

	return true
}
