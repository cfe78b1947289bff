package memstore

import (
	"sort"
	"strings"
	"time"

	"github.com/verso-cms/core/rowstore"
)

func (d *data) findMany(kind string, q *rowstore.Query) ([]*rowstore.Entry, error) {
	var hook rowstore.FilterHook
	if q != nil {
		hook = q.FilterEach
	}
	where := rowstore.EffectiveWhere(q, kind, hook)

	var rows []*rowstore.Entry
	for _, e := range d.entries {
		if e.Kind == kind && d.eval(e, where) {
			rows = append(rows, e)
		}
	}

	var orderBy []rowstore.Order
	var offset, limit int64
	var sel []string
	var populate map[string]*rowstore.Query
	if q != nil {
		orderBy, offset, limit = q.OrderBy, q.Offset, q.Limit
		sel, populate = q.Select, q.Populate
	}
	d.sortEntries(rows, orderBy)
	rows = slicePage(rows, offset, limit)

	out := make([]*rowstore.Entry, len(rows))
	for i, e := range rows {
		out[i] = project(e, sel)
	}
	if err := d.populate(out, populate, hook); err != nil {
		return nil, err
	}
	return out, nil
}

func slicePage(rows []*rowstore.Entry, offset, limit int64) []*rowstore.Entry {
	if offset > 0 {
		if offset >= int64(len(rows)) {
			return nil
		}
		rows = rows[offset:]
	}
	if limit > 0 && limit < int64(len(rows)) {
		rows = rows[:limit]
	}
	return rows
}

// project clones e, trimming Fields to the selection. Core fields always
// survive projection.
func project(e *rowstore.Entry, sel []string) *rowstore.Entry {
	out := e.Clone()
	if len(sel) == 0 {
		return out
	}
	kept := make(map[string]any, len(sel))
	for _, name := range sel {
		if v, ok := out.Fields[name]; ok {
			kept[name] = v
		}
	}
	out.Fields = kept
	return out
}

// populate attaches relation targets to rows, one attribute path at a time.
// The hook of the outermost query applies at every level.
func (d *data) populate(rows []*rowstore.Entry, populate map[string]*rowstore.Query, hook rowstore.FilterHook) error {
	if len(populate) == 0 || len(rows) == 0 {
		return nil
	}
	byID := make(map[uint64]*rowstore.Entry, len(rows))
	for _, e := range rows {
		byID[e.ID] = e
	}

	paths := make([]string, 0, len(populate))
	for p := range populate {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	for _, path := range paths {
		sub := populate[path]
		grouped := map[uint64][]*rowstore.Relation{}
		for _, r := range d.relations {
			if r.Path != path {
				continue
			}
			if _, ok := byID[r.SourceID]; ok {
				grouped[r.SourceID] = append(grouped[r.SourceID], r)
			}
		}
		for srcID, rels := range grouped {
			sortRelations(rels)
			targets, err := d.resolveTargets(rels, sub, hook)
			if err != nil {
				return err
			}
			src := byID[srcID]
			if src.Relations == nil {
				src.Relations = map[string][]*rowstore.Entry{}
			}
			src.Relations[path] = targets
		}
	}
	return nil
}

func (d *data) resolveTargets(rels []*rowstore.Relation, sub *rowstore.Query, hook rowstore.FilterHook) ([]*rowstore.Entry, error) {
	var picked []*rowstore.Entry
	for _, r := range rels {
		t, ok := d.entries[r.TargetID]
		if !ok {
			continue
		}
		where := rowstore.EffectiveWhere(sub, t.Kind, hook)
		if d.eval(t, where) {
			picked = append(picked, t)
		}
	}
	var sel []string
	var nested map[string]*rowstore.Query
	if sub != nil {
		if len(sub.OrderBy) > 0 {
			d.sortEntries(picked, sub.OrderBy)
		}
		picked = slicePage(picked, sub.Offset, sub.Limit)
		sel, nested = sub.Select, sub.Populate
	}
	out := make([]*rowstore.Entry, len(picked))
	for i, t := range picked {
		out[i] = project(t, sel)
	}
	if err := d.populate(out, nested, hook); err != nil {
		return nil, err
	}
	return out, nil
}

func (d *data) eval(e *rowstore.Entry, c rowstore.Condition) bool {
	switch t := c.(type) {
	case nil:
		return true
	case rowstore.Eq:
		return valueEq(fieldValue(e, t.Field), t.Value)
	case rowstore.Ne:
		return !valueEq(fieldValue(e, t.Field), t.Value)
	case rowstore.Gt:
		cmp, ok := valueCmp(fieldValue(e, t.Field), t.Value)
		return ok && cmp > 0
	case rowstore.Gte:
		cmp, ok := valueCmp(fieldValue(e, t.Field), t.Value)
		return ok && cmp >= 0
	case rowstore.Lt:
		cmp, ok := valueCmp(fieldValue(e, t.Field), t.Value)
		return ok && cmp < 0
	case rowstore.Lte:
		cmp, ok := valueCmp(fieldValue(e, t.Field), t.Value)
		return ok && cmp <= 0
	case rowstore.In:
		v := fieldValue(e, t.Field)
		for _, w := range t.Values {
			if valueEq(v, w) {
				return true
			}
		}
		return false
	case rowstore.NotIn:
		v := fieldValue(e, t.Field)
		for _, w := range t.Values {
			if valueEq(v, w) {
				return false
			}
		}
		return true
	case rowstore.Contains:
		s, ok := fieldValue(e, t.Field).(string)
		return ok && strings.Contains(s, t.Value)
	case rowstore.NotContains:
		s, ok := fieldValue(e, t.Field).(string)
		return ok && !strings.Contains(s, t.Value)
	case rowstore.Null:
		return (fieldValue(e, t.Field) == nil) == t.IsNull
	case rowstore.And:
		for _, sub := range t.Conds {
			if !d.eval(e, sub) {
				return false
			}
		}
		return true
	case rowstore.Or:
		for _, sub := range t.Conds {
			if d.eval(e, sub) {
				return true
			}
		}
		return false
	case rowstore.Not:
		return !d.eval(e, t.Cond)
	case rowstore.Related:
		return d.evalRelated(e, t)
	case rowstore.HasPublishedVersion:
		return d.hasPublished(t.Kind, e.DocumentID) == t.Want
	default:
		return false
	}
}

func (d *data) evalRelated(e *rowstore.Entry, c rowstore.Related) bool {
	for _, r := range d.relations {
		if r.SourceID != e.ID || r.Path != c.Attribute {
			continue
		}
		if c.Kind != "" && r.TargetKind != c.Kind {
			continue
		}
		t, ok := d.entries[r.TargetID]
		if !ok {
			continue
		}
		if d.eval(t, c.Cond) {
			return true
		}
	}
	return false
}

func (d *data) hasPublished(kind, documentID string) bool {
	for _, e := range d.entries {
		if e.Kind == kind && e.DocumentID == documentID && e.PublishedAt != nil {
			return true
		}
	}
	return false
}

// fieldValue resolves a condition or sort field against an entry. Dotted
// names walk into nested component maps.
func fieldValue(e *rowstore.Entry, field string) any {
	switch field {
	case rowstore.FieldID:
		return e.ID
	case rowstore.FieldDocumentID:
		return e.DocumentID
	case rowstore.FieldLocale:
		if e.Locale == nil {
			return nil
		}
		return *e.Locale
	case rowstore.FieldPublishedAt:
		if e.PublishedAt == nil {
			return nil
		}
		return *e.PublishedAt
	case rowstore.FieldFirstPublishedAt:
		if e.FirstPublishedAt == nil {
			return nil
		}
		return *e.FirstPublishedAt
	case rowstore.FieldCreatedAt:
		return e.CreatedAt
	case rowstore.FieldUpdatedAt:
		return e.UpdatedAt
	}
	if i := strings.IndexByte(field, '.'); i >= 0 {
		return nestedValue(e.Fields, field)
	}
	return e.Fields[field]
}

func nestedValue(fields map[string]any, path string) any {
	var cur any = fields
	for _, seg := range strings.Split(path, ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil
		}
		cur = m[seg]
	}
	return cur
}

func valueEq(a, b any) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	if af, aok := toFloat(a); aok {
		bf, bok := toFloat(b)
		return bok && af == bf
	}
	if at, aok := a.(time.Time); aok {
		bt, bok := b.(time.Time)
		return bok && at.Equal(bt)
	}
	return a == b
}

// valueCmp orders two values of compatible types. The second result is
// false when they cannot be ordered.
func valueCmp(a, b any) (int, bool) {
	if a == nil || b == nil {
		return 0, false
	}
	if af, aok := toFloat(a); aok {
		bf, bok := toFloat(b)
		if !bok {
			return 0, false
		}
		switch {
		case af < bf:
			return -1, true
		case af > bf:
			return 1, true
		default:
			return 0, true
		}
	}
	if as, aok := a.(string); aok {
		bs, bok := b.(string)
		if !bok {
			return 0, false
		}
		return strings.Compare(as, bs), true
	}
	if at, aok := a.(time.Time); aok {
		bt, bok := b.(time.Time)
		if !bok {
			return 0, false
		}
		switch {
		case at.Before(bt):
			return -1, true
		case at.After(bt):
			return 1, true
		default:
			return 0, true
		}
	}
	return 0, false
}

func toFloat(v any) (float64, bool) {
	switch t := v.(type) {
	case int:
		return float64(t), true
	case int32:
		return float64(t), true
	case int64:
		return float64(t), true
	case uint64:
		return float64(t), true
	case float32:
		return float64(t), true
	case float64:
		return t, true
	}
	return 0, false
}

// sortEntries orders rows by the given keys, ties broken by id so results
// are deterministic. Nulls sort after values.
func (d *data) sortEntries(rows []*rowstore.Entry, orderBy []rowstore.Order) {
	sort.SliceStable(rows, func(i, j int) bool {
		a, b := rows[i], rows[j]
		for _, o := range orderBy {
			va, vb := fieldValue(a, o.Field), fieldValue(b, o.Field)
			if va == nil && vb == nil {
				continue
			}
			if va == nil {
				return false
			}
			if vb == nil {
				return true
			}
			cmp, ok := valueCmp(va, vb)
			if !ok || cmp == 0 {
				continue
			}
			if o.Desc {
				return cmp > 0
			}
			return cmp < 0
		}
		return a.ID < b.ID
	})
}
