package restkit

import (
	"fmt"
	"io"

	yaml "gopkg.in/yaml.v2"
)

// RelationDeclaration is one relation entry of a catalog file. Kind is one
// of nested, related, relatedList, embedded, embeddedList, or endpoint.
type RelationDeclaration struct {
	Kind   string `yaml:"kind"`
	Name   string `yaml:"name"`
	Field  string `yaml:"field"`
	Target string `yaml:"target"`
}

// TypeDeclaration is one resource type entry of a catalog file.
type TypeDeclaration struct {
	Name        string                `yaml:"name"`
	Endpoint    string                `yaml:"endpoint"`
	Root        bool                  `yaml:"root"`
	Unmanaged   bool                  `yaml:"unmanaged"`
	PrimaryKey  string                `yaml:"primaryKey"`
	Aliases     map[string]string     `yaml:"aliases"`
	CacheKeys   []string              `yaml:"cacheKeys"`
	UpdateVerb  string                `yaml:"updateVerb"`
	ListPartial bool                  `yaml:"listPartial"`
	Relations   []RelationDeclaration `yaml:"relations"`
}

type Catalog struct {
	Types []TypeDeclaration `yaml:"types"`
}

// LoadCatalog reads a YAML catalog of resource type declarations and builds
// a registry from it. Catalogs cover the declarative subset; types that need
// custom extractors are declared in code with NewType instead.
func LoadCatalog(data io.Reader) (*Registry, error) {

	buf, err := io.ReadAll(data)
	if err != nil {
		return nil, err
	}

	catalog := &Catalog{}
	if err = yaml.Unmarshal(buf, catalog); err != nil {
		return nil, err
	}

	registry, err := NewRegistry()
	if err != nil {
		return nil, err
	}

	for _, declaration := range catalog.Types {
		t, err := declaration.toType()
		if err != nil {
			return nil, err
		}

		if err = registry.Add(t); err != nil {
			return nil, err
		}
	}

	return registry, nil
}

func (d TypeDeclaration) toType() (*ResourceType, error) {
	options := []TypeOption{}

	if d.Root {
		options = append(options, Root())
	}
	if d.Unmanaged {
		options = append(options, Unmanaged())
	}
	if d.PrimaryKey != "" {
		options = append(options, PrimaryKey(d.PrimaryKey))
	}
	for name, field := range d.Aliases {
		options = append(options, FieldAlias(name, field))
	}
	if len(d.CacheKeys) > 0 {
		options = append(options, CacheKeys(d.CacheKeys...))
	}
	if d.UpdateVerb != "" {
		options = append(options, UpdateVerb(d.UpdateVerb))
	}
	if d.ListPartial {
		options = append(options, ListPartial())
	}

	for _, rel := range d.Relations {
		option, err := rel.toOption(d.Name)
		if err != nil {
			return nil, err
		}
		options = append(options, option)
	}

	return NewType(d.Name, d.Endpoint, options...), nil
}

func (d RelationDeclaration) toOption(owner string) (TypeOption, error) {
	switch d.Kind {
	case "nested":
		return Nested(d.Name, d.Target), nil
	case "related":
		return RelatedByID(d.Name, d.Field, d.Target), nil
	case "relatedList":
		return RelatedByIDList(d.Name, d.Field, d.Target), nil
	case "embedded":
		return Embedded(d.Name, d.Field, d.Target), nil
	case "embeddedList":
		return EmbeddedList(d.Name, d.Field, d.Target), nil
	case "endpoint":
		return SubEndpoint(d.Name, d.Target), nil
	}

	return nil, fmt.Errorf("relation %q on type %q has unknown kind %q", d.Name, owner, d.Kind)
}
