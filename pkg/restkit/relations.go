package restkit

import (
	"context"
	"fmt"
	"strings"

	rkerrors "github.com/diwise/restkit/pkg/restkit/errors"
)

type RelationKind int

const (
	// RelationNested binds a manager for the target type under a specific
	// instance of the owning type: /owners/<id>/<target endpoint>.
	RelationNested RelationKind = iota + 1
	// RelationRelatedByID materializes a lazy reference from a scalar
	// foreign-key field on the owner.
	RelationRelatedByID
	// RelationRelatedByIDList does the same for a list of foreign keys.
	RelationRelatedByIDList
	// RelationEmbedded wraps a sub-object already present in the owner's
	// payload.
	RelationEmbedded
	// RelationEmbeddedList wraps a list of such sub-objects.
	RelationEmbeddedList
	// RelationEndpoint attaches an identity-less singleton sub-resource,
	// computing its path by concatenation.
	RelationEndpoint
)

// Relation declares how a related resource or manager is obtained from an
// owning instance. Target names the related type; it is resolved against
// the registry on first use, never at declaration time, so mutually
// referencing types cannot form a declaration cycle.
type Relation struct {
	Kind   RelationKind
	Name   string
	Field  string
	Target string
}

func withRelation(rel Relation) TypeOption {
	return func(t *ResourceType) {
		if rel.Field == "" {
			rel.Field = rel.Name
		}
		t.relations[rel.Name] = rel
	}
}

// Nested declares a nested resource collection reachable under instances of
// this type.
func Nested(name, target string) TypeOption {
	return withRelation(Relation{Kind: RelationNested, Name: name, Target: target})
}

// RelatedByID declares a single related resource referenced by id from the
// given field.
func RelatedByID(name, field, target string) TypeOption {
	return withRelation(Relation{Kind: RelationRelatedByID, Name: name, Field: field, Target: target})
}

// RelatedByIDList declares a list of related resources referenced by id.
func RelatedByIDList(name, field, target string) TypeOption {
	return withRelation(Relation{Kind: RelationRelatedByIDList, Name: name, Field: field, Target: target})
}

// Embedded declares a sub-object of the payload as a resource of the target
// type. The source field defaults to the relation name.
func Embedded(name, field, target string) TypeOption {
	return withRelation(Relation{Kind: RelationEmbedded, Name: name, Field: field, Target: target})
}

// EmbeddedList declares a list of embedded sub-objects.
func EmbeddedList(name, field, target string) TypeOption {
	return withRelation(Relation{Kind: RelationEmbeddedList, Name: name, Field: field, Target: target})
}

// SubEndpoint attaches an unmanaged singleton sub-resource below instances
// of this type.
func SubEndpoint(name, target string) TypeOption {
	return withRelation(Relation{Kind: RelationEndpoint, Name: name, Target: target})
}

// Related resolves the named single-valued relation (related-by-id,
// embedded, or endpoint). The result is computed once per instance and
// memoized for its lifetime.
func (r *Resource) Related(ctx context.Context, name string) (*Resource, error) {
	if memoized, ok := r.memoizedRelation(name); ok {
		related, _ := memoized.(*Resource)
		return related, nil
	}

	rel, ok := r.typ.relation(name)
	if !ok {
		return nil, rkerrors.NewResolutionError(fmt.Sprintf("type %q declares no relation named %q", r.typ.Name, name))
	}

	var related *Resource
	var err error

	switch rel.Kind {
	case RelationRelatedByID:
		related, err = r.resolveRelatedByID(ctx, rel)
	case RelationEmbedded:
		related, err = r.resolveEmbedded(ctx, rel)
	case RelationEndpoint:
		related, err = r.resolveEndpoint(rel)
	default:
		return nil, rkerrors.NewResolutionError(fmt.Sprintf("relation %q on type %q is not single-valued", name, r.typ.Name))
	}

	if err != nil {
		return nil, err
	}

	r.memoizeRelation(name, related)
	return related, nil
}

// RelatedList resolves the named list-valued relation (related-by-id list
// or embedded list), memoized once per instance.
func (r *Resource) RelatedList(ctx context.Context, name string) ([]*Resource, error) {
	if memoized, ok := r.memoizedRelation(name); ok {
		related, _ := memoized.([]*Resource)
		return related, nil
	}

	rel, ok := r.typ.relation(name)
	if !ok {
		return nil, rkerrors.NewResolutionError(fmt.Sprintf("type %q declares no relation named %q", r.typ.Name, name))
	}

	var related []*Resource
	var err error

	switch rel.Kind {
	case RelationRelatedByIDList:
		related, err = r.resolveRelatedByIDList(ctx, rel)
	case RelationEmbeddedList:
		related, err = r.resolveEmbeddedList(ctx, rel)
	default:
		return nil, rkerrors.NewResolutionError(fmt.Sprintf("relation %q on type %q is not list-valued", name, r.typ.Name))
	}

	if err != nil {
		return nil, err
	}

	r.memoizeRelation(name, related)
	return related, nil
}

func (r *Resource) memoizedRelation(name string) (any, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	memoized, ok := r.relations[name]
	return memoized, ok
}

func (r *Resource) memoizeRelation(name string, value any) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.relations[name]; !ok {
		r.relations[name] = value
	}
}

func (r *Resource) resolveRelatedByID(ctx context.Context, rel Relation) (*Resource, error) {
	manager, err := r.relationManager(rel)
	if err != nil {
		return nil, err
	}

	key, err := r.Field(ctx, rel.Field)
	if err != nil {
		return nil, err
	}
	if key == nil {
		return nil, nil
	}

	// A synthetic partial reference carrying only the primary key; the
	// target completes itself lazily like any other partial instance.
	return manager.MakeInstance(map[string]any{manager.typ.PrimaryKeyField: key}, true), nil
}

func (r *Resource) resolveRelatedByIDList(ctx context.Context, rel Relation) ([]*Resource, error) {
	manager, err := r.relationManager(rel)
	if err != nil {
		return nil, err
	}

	value, err := r.Field(ctx, rel.Field)
	if err != nil {
		return nil, err
	}
	if value == nil {
		return nil, nil
	}

	keys, ok := value.([]any)
	if !ok {
		return nil, fmt.Errorf("field %q of type %q does not hold a list of keys", rel.Field, r.typ.Name)
	}

	related := make([]*Resource, 0, len(keys))
	for _, key := range keys {
		related = append(related, manager.MakeInstance(map[string]any{manager.typ.PrimaryKeyField: key}, true))
	}

	return related, nil
}

func (r *Resource) resolveEmbedded(ctx context.Context, rel Relation) (*Resource, error) {
	value, err := r.Field(ctx, rel.Field)
	if err != nil {
		return nil, err
	}
	if value == nil {
		return nil, nil
	}

	data, ok := value.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("field %q of type %q does not hold an embedded object", rel.Field, r.typ.Name)
	}

	return r.wrapEmbedded(rel, data)
}

func (r *Resource) resolveEmbeddedList(ctx context.Context, rel Relation) ([]*Resource, error) {
	value, err := r.Field(ctx, rel.Field)
	if err != nil {
		return nil, err
	}
	if value == nil {
		return nil, nil
	}

	items, ok := value.([]any)
	if !ok {
		return nil, fmt.Errorf("field %q of type %q does not hold an embedded list", rel.Field, r.typ.Name)
	}

	related := make([]*Resource, 0, len(items))
	for _, item := range items {
		data, isObject := item.(map[string]any)
		if !isObject {
			return nil, fmt.Errorf("field %q of type %q contains a non-object item", rel.Field, r.typ.Name)
		}

		wrapped, err := r.wrapEmbedded(rel, data)
		if err != nil {
			return nil, err
		}
		related = append(related, wrapped)
	}

	return related, nil
}

// wrapEmbedded turns an embedded payload into an instance: through the
// related manager when the target is cache-managed, or as a standalone
// instance against the connection when it has no REST identity semantics.
func (r *Resource) wrapEmbedded(rel Relation, data map[string]any) (*Resource, error) {
	target, err := r.manager.connection.registry.Lookup(rel.Target)
	if err != nil {
		return nil, err
	}

	if target.Unmanaged {
		manager := newResourceManager(target, r.manager.connection, nil, r)
		return newResource(manager, data, true, joinEndpointPath(r.path, target.Endpoint), r), nil
	}

	manager, err := r.relationManager(rel)
	if err != nil {
		return nil, err
	}

	return manager.MakeInstance(data, true), nil
}

func (r *Resource) resolveEndpoint(rel Relation) (*Resource, error) {
	target, err := r.manager.connection.registry.Lookup(rel.Target)
	if err != nil {
		return nil, err
	}

	if !target.Unmanaged {
		return nil, rkerrors.NewResolutionError(fmt.Sprintf("endpoint relation %q on type %q must target an unmanaged type", rel.Name, r.typ.Name))
	}

	manager := newResourceManager(target, r.manager.connection, nil, r)
	return newResource(manager, map[string]any{}, true, joinEndpointPath(r.path, target.Endpoint), r), nil
}

func (r *Resource) relationManager(rel Relation) (*ResourceManager, error) {
	target, err := r.manager.connection.registry.Lookup(rel.Target)
	if err != nil {
		return nil, err
	}

	manager := r.manager.relatedManagerForType(target)
	if manager == nil {
		return nil, rkerrors.NewResolutionError(fmt.Sprintf("no manager for type %q is reachable from type %q", target.Name, r.typ.Name))
	}

	return manager, nil
}

func joinEndpointPath(base, endpoint string) string {
	return strings.TrimRight(base, "/") + endpoint
}
