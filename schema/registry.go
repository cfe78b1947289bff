package schema

import (
	"errors"
	"fmt"
	"sort"
	"sync"
)

// ErrUnknownKind is returned when a content-type identifier has no
// registered model.
var ErrUnknownKind = errors.New("unknown content type")

// Registry resolves content-type identifiers to models. Implementations must
// be safe for concurrent use.
type Registry interface {
	// Get returns the model registered for kind.
	Get(kind string) (*Model, error)
	// Inverse resolves the opposite side of a two-way relation attribute.
	// It reports false for one-way relations and unknown attributes.
	Inverse(kind, attribute string) (targetKind, targetAttr string, ok bool)
}

// StaticRegistry is a Registry backed by an in-memory model set. Models are
// registered once at startup; lookups afterwards take a read lock only.
type StaticRegistry struct {
	mu     sync.RWMutex
	models map[string]*Model
}

// NewRegistry builds a registry from the given models. It fails on the first
// invalid or duplicated model.
func NewRegistry(models ...*Model) (*StaticRegistry, error) {
	r := &StaticRegistry{models: make(map[string]*Model, len(models))}
	for _, m := range models {
		if err := r.Register(m); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// MustRegistry is NewRegistry for statically known model sets.
func MustRegistry(models ...*Model) *StaticRegistry {
	r, err := NewRegistry(models...)
	if err != nil {
		panic(err)
	}
	return r
}

// Register adds one model. Registering the same kind twice is an error.
func (r *StaticRegistry) Register(m *Model) error {
	if err := m.validate(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.models[m.Kind]; dup {
		return fmt.Errorf("schema: kind %q registered twice", m.Kind)
	}
	if m.Collection == "" {
		m.Collection = m.Kind
	}
	r.models[m.Kind] = m
	return nil
}

func (r *StaticRegistry) Get(kind string) (*Model, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.models[kind]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}
	return m, nil
}

// Inverse finds the attribute on the relation's target that mirrors the
// given attribute. Either side may declare the pairing: the owning side
// names its counterpart in Inverse, so both the declared direction and the
// reverse scan are checked.
func (r *StaticRegistry) Inverse(kind, attribute string) (string, string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	m, ok := r.models[kind]
	if !ok {
		return "", "", false
	}
	attr, ok := m.Attributes[attribute]
	if !ok || attr.Type != TypeRelation || attr.Morph {
		return "", "", false
	}
	if attr.Inverse != "" {
		return attr.Target, attr.Inverse, true
	}
	target, ok := r.models[attr.Target]
	if !ok {
		return "", "", false
	}
	// Deterministic scan order so ambiguous schemas resolve stably.
	names := make([]string, 0, len(target.Attributes))
	for name := range target.Attributes {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		ta := target.Attributes[name]
		if ta.Type == TypeRelation && ta.Target == kind && ta.Inverse == attribute {
			return attr.Target, name, true
		}
	}
	return "", "", false
}

// Kinds returns all registered kinds in lexical order.
func (r *StaticRegistry) Kinds() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	kinds := make([]string, 0, len(r.models))
	for k := range r.models {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	return kinds
}
