// Package memstore is an in-memory rowstore.Store. It backs tests and
// small single-process setups; the semantics here are the reference for
// other adapters, including how FilterEach and populate interact.
package memstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/verso-cms/core/rowstore"
)

// Store keeps all rows in process memory. A transaction takes the write
// lock for its whole duration, so readers never observe a half-applied
// transaction.
type Store struct {
	mu   sync.RWMutex
	d    *data
	inTx bool
}

type data struct {
	nextEntryID uint64
	nextRelID   uint64
	entries     map[uint64]*rowstore.Entry
	relations   map[uint64]*rowstore.Relation
}

// New returns an empty store.
func New() *Store {
	return &Store{d: &data{
		entries:   make(map[uint64]*rowstore.Entry),
		relations: make(map[uint64]*rowstore.Relation),
	}}
}

func (s *Store) Entries(kind string) rowstore.Entries { return entrySet{s: s, kind: kind} }
func (s *Store) Relations() rowstore.Relations        { return relSet{s: s} }

// InTransaction snapshots the data, runs fn against a handle sharing the
// live maps and restores the snapshot when fn fails or panics. Nested calls
// join the enclosing transaction.
func (s *Store) InTransaction(ctx context.Context, fn func(tx rowstore.Store) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s.inTx {
		return fn(s)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := s.d.clone()
	tx := &Store{d: s.d, inTx: true}
	defer func() {
		if r := recover(); r != nil {
			*s.d = *snap
			panic(r)
		}
	}()
	if err := fn(tx); err != nil {
		*s.d = *snap
		return err
	}
	return nil
}

func (d *data) clone() *data {
	out := &data{
		nextEntryID: d.nextEntryID,
		nextRelID:   d.nextRelID,
		entries:     make(map[uint64]*rowstore.Entry, len(d.entries)),
		relations:   make(map[uint64]*rowstore.Relation, len(d.relations)),
	}
	for id, e := range d.entries {
		out.entries[id] = e.Clone()
	}
	for id, r := range d.relations {
		dup := *r
		out.relations[id] = &dup
	}
	return out
}

type entrySet struct {
	s    *Store
	kind string
}

func (es entrySet) FindMany(ctx context.Context, q *rowstore.Query) ([]*rowstore.Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	es.s.mu.RLock()
	defer es.s.mu.RUnlock()
	return es.s.d.findMany(es.kind, q)
}

func (es entrySet) FindOne(ctx context.Context, q *rowstore.Query) (*rowstore.Entry, error) {
	one := rowstore.Query{}
	if q != nil {
		one = *q
	}
	one.Limit = 1
	rows, err := es.FindMany(ctx, &one)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, rowstore.ErrNotFound
	}
	return rows[0], nil
}

func (es entrySet) Count(ctx context.Context, q *rowstore.Query) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	es.s.mu.RLock()
	defer es.s.mu.RUnlock()

	var hook rowstore.FilterHook
	if q != nil {
		hook = q.FilterEach
	}
	where := rowstore.EffectiveWhere(q, es.kind, hook)
	var n int64
	for _, e := range es.s.d.entries {
		if e.Kind == es.kind && es.s.d.eval(e, where) {
			n++
		}
	}
	return n, nil
}

func (es entrySet) Create(ctx context.Context, e *rowstore.Entry) (*rowstore.Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	es.s.mu.Lock()
	defer es.s.mu.Unlock()

	d := es.s.d
	row := e.Clone()
	d.nextEntryID++
	row.ID = d.nextEntryID
	row.Kind = es.kind
	if row.DocumentID == "" {
		row.DocumentID = uuid.NewString()
	}
	now := time.Now()
	if row.CreatedAt.IsZero() {
		row.CreatedAt = now
	}
	if row.UpdatedAt.IsZero() {
		row.UpdatedAt = now
	}
	row.Relations = nil
	if row.Fields == nil {
		row.Fields = map[string]any{}
	}
	d.entries[row.ID] = row
	return row.Clone(), nil
}

func (es entrySet) Update(ctx context.Context, id uint64, changes map[string]any) (*rowstore.Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	es.s.mu.Lock()
	defer es.s.mu.Unlock()

	row, ok := es.s.d.entries[id]
	if !ok || row.Kind != es.kind {
		return nil, rowstore.ErrNotFound
	}
	touchedUpdatedAt := false
	for key, val := range changes {
		switch key {
		case rowstore.FieldDocumentID:
			if s, ok := val.(string); ok {
				row.DocumentID = s
			}
		case rowstore.FieldLocale:
			row.Locale = toStringPtr(val)
		case rowstore.FieldPublishedAt:
			row.PublishedAt = toTimePtr(val)
		case rowstore.FieldFirstPublishedAt:
			row.FirstPublishedAt = toTimePtr(val)
		case rowstore.FieldUpdatedAt:
			if t := toTimePtr(val); t != nil {
				row.UpdatedAt = *t
				touchedUpdatedAt = true
			}
		case rowstore.FieldID, rowstore.FieldCreatedAt:
			// immutable
		default:
			if row.Fields == nil {
				row.Fields = map[string]any{}
			}
			row.Fields[key] = rowstore.CopyValue(val)
		}
	}
	if !touchedUpdatedAt {
		row.UpdatedAt = time.Now()
	}
	return row.Clone(), nil
}

func (es entrySet) Delete(ctx context.Context, q *rowstore.Query) ([]*rowstore.Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	es.s.mu.Lock()
	defer es.s.mu.Unlock()

	d := es.s.d
	var hook rowstore.FilterHook
	if q != nil {
		hook = q.FilterEach
	}
	where := rowstore.EffectiveWhere(q, es.kind, hook)

	var removed []*rowstore.Entry
	gone := map[uint64]struct{}{}
	for id, e := range d.entries {
		if e.Kind == es.kind && d.eval(e, where) {
			removed = append(removed, e.Clone())
			gone[id] = struct{}{}
		}
	}
	for id := range gone {
		delete(d.entries, id)
	}
	// Links die with the rows they touch, on either end.
	for id, r := range d.relations {
		if _, ok := gone[r.SourceID]; ok {
			delete(d.relations, id)
			continue
		}
		if _, ok := gone[r.TargetID]; ok {
			delete(d.relations, id)
		}
	}
	sort.Slice(removed, func(i, j int) bool { return removed[i].ID < removed[j].ID })
	return removed, nil
}

type relSet struct{ s *Store }

func (rs relSet) FindBySources(ctx context.Context, ids []uint64) ([]*rowstore.Relation, error) {
	return rs.find(ctx, ids, func(r *rowstore.Relation) uint64 { return r.SourceID })
}

func (rs relSet) FindByTargets(ctx context.Context, ids []uint64) ([]*rowstore.Relation, error) {
	return rs.find(ctx, ids, func(r *rowstore.Relation) uint64 { return r.TargetID })
}

func (rs relSet) find(ctx context.Context, ids []uint64, key func(*rowstore.Relation) uint64) ([]*rowstore.Relation, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	rs.s.mu.RLock()
	defer rs.s.mu.RUnlock()

	want := make(map[uint64]struct{}, len(ids))
	for _, id := range ids {
		want[id] = struct{}{}
	}
	var out []*rowstore.Relation
	for _, r := range rs.s.d.relations {
		if _, ok := want[key(r)]; ok {
			dup := *r
			out = append(out, &dup)
		}
	}
	sortRelations(out)
	return out, nil
}

func (rs relSet) Create(ctx context.Context, r *rowstore.Relation) (*rowstore.Relation, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	rs.s.mu.Lock()
	defer rs.s.mu.Unlock()

	d := rs.s.d
	dup := *r
	d.nextRelID++
	dup.ID = d.nextRelID
	d.relations[dup.ID] = &dup
	out := dup
	return &out, nil
}

func (rs relSet) Delete(ctx context.Context, ids []uint64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	rs.s.mu.Lock()
	defer rs.s.mu.Unlock()

	for _, id := range ids {
		delete(rs.s.d.relations, id)
	}
	return nil
}

func sortRelations(rels []*rowstore.Relation) {
	sort.Slice(rels, func(i, j int) bool {
		a, b := rels[i], rels[j]
		if a.SourceID != b.SourceID {
			return a.SourceID < b.SourceID
		}
		if a.Path != b.Path {
			return a.Path < b.Path
		}
		if a.Order != b.Order {
			return a.Order < b.Order
		}
		return a.ID < b.ID
	})
}

func toStringPtr(v any) *string {
	switch t := v.(type) {
	case nil:
		return nil
	case string:
		return &t
	case *string:
		return t
	}
	return nil
}

func toTimePtr(v any) *time.Time {
	switch t := v.(type) {
	case nil:
		return nil
	case time.Time:
		return &t
	case *time.Time:
		return t
	}
	return nil
}
