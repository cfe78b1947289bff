// Package schema describes content types. The engine never reflects over Go
// structs; everything it knows about a type comes from a Model registered
// here: which attributes exist, which are localized, whether the type keeps
// separate draft and published versions.
package schema

import "fmt"

// AttrType tells the engine how to treat an attribute value.
type AttrType string

const (
	TypeString      AttrType = "string"
	TypeText        AttrType = "text"
	TypeInteger     AttrType = "integer"
	TypeFloat       AttrType = "float"
	TypeBoolean     AttrType = "boolean"
	TypeDate        AttrType = "date"
	TypeDatetime    AttrType = "datetime"
	TypeJSON        AttrType = "json"
	TypeEnumeration AttrType = "enumeration"
	TypeRelation    AttrType = "relation"
	TypeMedia       AttrType = "media"
	TypeComponent   AttrType = "component"
	TypeDynamicZone AttrType = "dynamiczone"
)

// Attribute describes one field of a content type.
type Attribute struct {
	Type AttrType

	// Target is the kind a relation or media attribute points at. Empty for
	// polymorphic relations.
	Target string
	// Inverse names the attribute on Target holding the opposite side of a
	// two-way relation. Empty for one-way relations.
	Inverse string
	// Morph marks a polymorphic relation, one without a fixed target kind.
	Morph bool
	// Component names the component schema backing component attributes.
	Component string
	// Components lists the component schemas a dynamic zone accepts.
	Components []string

	// Multiple marks to-many relations and repeatable components.
	Multiple bool
	// Localized attributes hold a distinct value per locale. Non-localized
	// attributes are copied across locales on fan-out.
	Localized bool
	// Private attributes are never selectable, filterable or sortable
	// through the engine.
	Private  bool
	Required bool
}

// IsRelational reports whether values of the attribute are stored as links
// to other entries rather than inline.
func (a Attribute) IsRelational() bool {
	return a.Type == TypeRelation || a.Type == TypeMedia
}

// Model is the registered description of one content type.
type Model struct {
	// Kind is the unique content-type identifier, e.g. "api::article.article".
	Kind string
	// Collection is a storage hint for adapters that keep kinds apart.
	Collection string
	// Singular types hold at most one document.
	Singular bool
	// DraftAndPublish keeps an independent draft and published version per
	// locale. Without it every entry is published on write.
	DraftAndPublish bool
	// Localized types materialize one entry per locale. Non-localized types
	// store a single entry with a null locale.
	Localized bool

	Attributes map[string]Attribute
}

// Attribute returns the named attribute and whether it exists.
func (m *Model) Attribute(name string) (Attribute, bool) {
	a, ok := m.Attributes[name]
	return a, ok
}

// reserved core fields every entry carries regardless of its model.
var coreFields = map[string]struct{}{
	"id":               {},
	"documentId":       {},
	"locale":           {},
	"publishedAt":      {},
	"firstPublishedAt": {},
	"createdAt":        {},
	"updatedAt":        {},
}

// IsCoreField reports whether name is an engine-managed field rather than a
// model attribute.
func IsCoreField(name string) bool {
	_, ok := coreFields[name]
	return ok
}

func (m *Model) validate() error {
	if m.Kind == "" {
		return fmt.Errorf("schema: model without kind")
	}
	for name, attr := range m.Attributes {
		if IsCoreField(name) {
			return fmt.Errorf("schema: %s: attribute %q shadows a core field", m.Kind, name)
		}
		switch attr.Type {
		case TypeRelation:
			if attr.Target == "" && !attr.Morph {
				return fmt.Errorf("schema: %s.%s: relation without target", m.Kind, name)
			}
		case TypeMedia:
			if attr.Target == "" {
				return fmt.Errorf("schema: %s.%s: media without target kind", m.Kind, name)
			}
		case TypeComponent:
			if attr.Component == "" {
				return fmt.Errorf("schema: %s.%s: component attribute without component", m.Kind, name)
			}
		case TypeDynamicZone:
			if len(attr.Components) == 0 {
				return fmt.Errorf("schema: %s.%s: dynamic zone without components", m.Kind, name)
			}
		}
	}
	return nil
}
