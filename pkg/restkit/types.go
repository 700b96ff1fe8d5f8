package restkit

import (
	"fmt"
	"net/http"
	"strings"
	"sync"

	rkerrors "github.com/diwise/restkit/pkg/restkit/errors"
)

// Value is any JSON-like value: objects decode to map[string]any, arrays to
// []any, numbers to json.Number.
type Value = any

// ListExtractor pulls the item payloads and the next page cursor out of a
// list response. An empty cursor ends the iteration.
type ListExtractor func(*Response) (items []map[string]any, next string, err error)

// OneExtractor pulls a single resource payload out of a response.
type OneExtractor func(*Response) (map[string]any, error)

// ResourceType describes one remote resource type: where it lives, which
// field identifies it, and how its payloads relate to other types. Types are
// declared up front and wired into a Registry before any connection uses
// them; relations refer to their target type by name so that mutually
// referencing types can be declared in any order.
type ResourceType struct {
	Name            string
	Endpoint        string
	PrimaryKeyField string
	FieldAliases    map[string]string
	CacheKeys       []string
	UpdateVerb      string
	ListPartial     bool
	Root            bool
	Unmanaged       bool

	relations   map[string]Relation
	extractList ListExtractor
	extractOne  OneExtractor
}

type TypeOption func(*ResourceType)

func NewType(name, endpoint string, options ...TypeOption) *ResourceType {
	t := &ResourceType{
		Name:            name,
		Endpoint:        endpoint,
		PrimaryKeyField: "id",
		FieldAliases:    map[string]string{},
		UpdateVerb:      http.MethodPatch,
		relations:       map[string]Relation{},
	}

	for _, option := range options {
		option(t)
	}

	if t.extractList == nil {
		t.extractList = DefaultListExtractor
	}
	if t.extractOne == nil {
		t.extractOne = DefaultOneExtractor
	}

	return t
}

// PrimaryKey overrides the field used as primary key (default "id").
func PrimaryKey(field string) TypeOption {
	return func(t *ResourceType) {
		t.PrimaryKeyField = field
	}
}

// FieldAlias maps a logical attribute name onto the wire field that backs it.
// Lookups always translate through the alias table before touching the data.
func FieldAlias(name, field string) TypeOption {
	return func(t *ResourceType) {
		t.FieldAliases[name] = field
	}
}

// CacheKeys declares extra unique fields that are registered as cache
// aliases whenever an instance of the type is cached.
func CacheKeys(fields ...string) TypeOption {
	return func(t *ResourceType) {
		t.CacheKeys = append(t.CacheKeys, fields...)
	}
}

// UpdateVerb sets the HTTP method used by update operations (default PATCH).
func UpdateVerb(verb string) TypeOption {
	return func(t *ResourceType) {
		t.UpdateVerb = strings.ToUpper(verb)
	}
}

// ListPartial marks listing responses as incomplete, so listed instances are
// lazily completed on first access to a missing field.
func ListPartial() TypeOption {
	return func(t *ResourceType) {
		t.ListPartial = true
	}
}

// Root makes the type reachable directly from the connection base URL.
func Root() TypeOption {
	return func(t *ResourceType) {
		t.Root = true
	}
}

// Unmanaged declares a type without REST identity semantics: no primary key,
// no caching. Used for singleton or action-style sub-resources.
func Unmanaged() TypeOption {
	return func(t *ResourceType) {
		t.Unmanaged = true
	}
}

func WithListExtractor(extract ListExtractor) TypeOption {
	return func(t *ResourceType) {
		t.extractList = extract
	}
}

func WithOneExtractor(extract OneExtractor) TypeOption {
	return func(t *ResourceType) {
		t.extractOne = extract
	}
}

func (t *ResourceType) aliasFor(name string) string {
	if field, ok := t.FieldAliases[name]; ok {
		return field
	}
	return name
}

func (t *ResourceType) relation(name string) (Relation, bool) {
	rel, ok := t.relations[name]
	return rel, ok
}

// Registry holds the declared resource types for an API, queried by name.
// Deferred relation targets resolve against it on first use.
type Registry struct {
	mu    sync.RWMutex
	types map[string]*ResourceType
}

func NewRegistry(types ...*ResourceType) (*Registry, error) {
	r := &Registry{types: map[string]*ResourceType{}}

	for _, t := range types {
		if err := r.Add(t); err != nil {
			return nil, err
		}
	}

	return r, nil
}

func (r *Registry) Add(t *ResourceType) error {
	if t.Name == "" {
		return fmt.Errorf("resource type must have a name")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.types[t.Name]; exists {
		return fmt.Errorf("resource type %q is already registered", t.Name)
	}

	r.types[t.Name] = t
	return nil
}

func (r *Registry) Lookup(name string) (*ResourceType, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	t, ok := r.types[name]
	if !ok {
		return nil, rkerrors.NewResolutionError(fmt.Sprintf("no resource type named %q is registered", name))
	}

	return t, nil
}

func (r *Registry) Types() []*ResourceType {
	r.mu.RLock()
	defer r.mu.RUnlock()

	all := make([]*ResourceType, 0, len(r.types))
	for _, t := range r.types {
		all = append(all, t)
	}

	return all
}

// DefaultListExtractor accepts either a bare JSON array of objects or an
// envelope of the form {"items": [...], "next": "cursor"}.
func DefaultListExtractor(response *Response) ([]map[string]any, string, error) {
	body, err := response.JSON()
	if err != nil {
		return nil, "", err
	}

	next := ""
	items, ok := body.([]any)

	if !ok {
		envelope, isObject := body.(map[string]any)
		if !isObject {
			return nil, "", fmt.Errorf("list response is neither an array nor an envelope object")
		}

		items, ok = envelope["items"].([]any)
		if !ok {
			return nil, "", fmt.Errorf("list envelope has no \"items\" array")
		}

		if cursor, isString := envelope["next"].(string); isString {
			next = cursor
		}
	}

	results := make([]map[string]any, 0, len(items))
	for _, item := range items {
		object, isObject := item.(map[string]any)
		if !isObject {
			return nil, "", fmt.Errorf("list item is not an object")
		}
		results = append(results, object)
	}

	return results, next, nil
}

// DefaultOneExtractor expects the response body to be a single JSON object.
func DefaultOneExtractor(response *Response) (map[string]any, error) {
	body, err := response.JSON()
	if err != nil {
		return nil, err
	}

	object, ok := body.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("response body is not an object")
	}

	return object, nil
}
