// Package rowstore defines the persistence contract the document engine
// runs on. A store keeps entries (the physical rows behind documents) and
// the relation links between them, and can run a function inside one
// transaction. Adapters live in subpackages.
package rowstore

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned by FindOne when no row matches.
	ErrNotFound = errors.New("rowstore: entry not found")
	// ErrConflict is returned when a write violates a uniqueness constraint.
	ErrConflict = errors.New("rowstore: conflict")
)

// Entry is one stored version of a document: a (documentId, locale, status)
// cell. Drafts have a nil PublishedAt.
type Entry struct {
	ID         uint64  `json:"id"`
	DocumentID string  `json:"documentId"`
	Kind       string  `json:"-"`
	Locale     *string `json:"locale"`

	PublishedAt      *time.Time `json:"publishedAt"`
	FirstPublishedAt *time.Time `json:"firstPublishedAt,omitempty"`
	CreatedAt        time.Time  `json:"createdAt"`
	UpdatedAt        time.Time  `json:"updatedAt"`

	// Fields holds the model attributes, components and dynamic zones
	// inline. Relational attributes are never stored here.
	Fields map[string]any `json:"fields"`

	// Relations carries populated relation targets, keyed by attribute
	// path. Filled only when a query asks for it; never persisted.
	Relations map[string][]*Entry `json:"relations,omitempty"`
}

// IsPublished reports whether the entry is a published version.
func (e *Entry) IsPublished() bool {
	return e.PublishedAt != nil
}

// LocaleString returns the locale or "" for entries without one.
func (e *Entry) LocaleString() string {
	if e.Locale == nil {
		return ""
	}
	return *e.Locale
}

// Clone returns a deep copy. Populated relations are carried over as a
// shallow slice copy; the targets themselves are shared.
func (e *Entry) Clone() *Entry {
	if e == nil {
		return nil
	}
	dup := *e
	dup.Locale = copyPtr(e.Locale)
	dup.PublishedAt = copyPtr(e.PublishedAt)
	dup.FirstPublishedAt = copyPtr(e.FirstPublishedAt)
	dup.Fields = CopyFields(e.Fields)
	if e.Relations != nil {
		dup.Relations = make(map[string][]*Entry, len(e.Relations))
		for k, v := range e.Relations {
			dup.Relations[k] = append([]*Entry(nil), v...)
		}
	}
	return &dup
}

func copyPtr[T any](p *T) *T {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

// CopyFields deep-copies a field map, including nested maps and slices.
func CopyFields(fields map[string]any) map[string]any {
	if fields == nil {
		return nil
	}
	return CopyValue(fields).(map[string]any)
}

// CopyValue deep-copies a field value of JSON shape.
func CopyValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, e := range t {
			out[k] = CopyValue(e)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = CopyValue(e)
		}
		return out
	default:
		return v
	}
}

// Relation is one directed link between two entries. Source and Target are
// entry row ids, not document ids. Path is the attribute holding the link;
// for links owned by a nested component it is the dotted path down to the
// relational attribute, e.g. "hero.cta".
type Relation struct {
	ID         uint64 `json:"id"`
	SourceID   uint64 `json:"sourceId"`
	SourceKind string `json:"sourceKind"`
	TargetID   uint64 `json:"targetId"`
	TargetKind string `json:"targetKind"`
	Path       string `json:"path"`
	// Order keeps to-many links stable.
	Order int `json:"order"`
}

// RootAttribute returns the first segment of Path: the model attribute the
// link hangs off, even when the link itself is owned by a nested component.
func (r *Relation) RootAttribute() string {
	for i := 0; i < len(r.Path); i++ {
		if r.Path[i] == '.' {
			return r.Path[:i]
		}
	}
	return r.Path
}

// Entries is the per-kind row access contract.
type Entries interface {
	// FindMany returns the rows matching q in query order.
	FindMany(ctx context.Context, q *Query) ([]*Entry, error)
	// FindOne returns the first row matching q, or ErrNotFound.
	FindOne(ctx context.Context, q *Query) (*Entry, error)
	// Count returns how many rows match q, ignoring pagination.
	Count(ctx context.Context, q *Query) (int64, error)
	// Create inserts the entry and returns it with storage fields assigned.
	Create(ctx context.Context, e *Entry) (*Entry, error)
	// Update applies changes to the row with the given id and returns the
	// updated row. Keys naming core fields update those; any other key
	// updates the field of that name.
	Update(ctx context.Context, id uint64, changes map[string]any) (*Entry, error)
	// Delete removes every row matching q and returns the removed rows.
	// Relation links touching a removed row are removed with it, in both
	// directions.
	Delete(ctx context.Context, q *Query) ([]*Entry, error)
}

// Relations is the relation-link access contract.
type Relations interface {
	// FindBySources returns links whose source is any of the given entry
	// ids, ordered by (source, path, order).
	FindBySources(ctx context.Context, ids []uint64) ([]*Relation, error)
	// FindByTargets returns links pointing at any of the given entry ids,
	// ordered by (source, path, order).
	FindByTargets(ctx context.Context, ids []uint64) ([]*Relation, error)
	// Create inserts one link and returns it with its id assigned.
	Create(ctx context.Context, r *Relation) (*Relation, error)
	// Delete removes the links with the given ids. Missing ids are ignored.
	Delete(ctx context.Context, ids []uint64) error
}

// Store is the root persistence handle.
type Store interface {
	Entries(kind string) Entries
	Relations() Relations
	// InTransaction runs fn within one transaction and commits when fn
	// returns nil. A nil error from fn after a failed commit still returns
	// the commit error. Nested calls join the enclosing transaction.
	InTransaction(ctx context.Context, fn func(tx Store) error) error
}
