package documents

import (
	"sort"
	"strings"

	"github.com/verso-cms/core/rowstore"
	"github.com/verso-cms/core/schema"
)

// Pagination defaults, shared with the reference stores.
const (
	DefaultPage     = 1
	DefaultPageSize = 10
	MaxPageSize     = 100
)

// Pagination is the page metadata findMany returns for page-mode requests
// and for withCount.
type Pagination struct {
	Total       int64 `json:"total"`
	CurrentPage int   `json:"currentPage"`
	TotalPage   int   `json:"totalPage"`
	Size        int   `json:"size"`
	HasNextPage bool  `json:"hasNextPage"`
}

func paginationMeta(total int64, page, size int) *Pagination {
	if size < 1 {
		size = DefaultPageSize
	}
	totalPage := int((total + int64(size) - 1) / int64(size))
	return &Pagination{
		Total:       total,
		CurrentPage: page,
		TotalPage:   totalPage,
		Size:        size,
		HasNextPage: page < totalPage,
	}
}

// queryKeys is the subset of parameters the query builder consumes. The
// normalized set is restricted to it before conversion so nothing else can
// leak into the storage layer.
var queryKeys = map[string]struct{}{
	"filters":             {},
	"sort":                {},
	"fields":              {},
	"populate":            {},
	"page":                {},
	"pageSize":            {},
	"start":               {},
	"limit":               {},
	"withCount":           {},
	"hasPublishedVersion": {},
	lookupKey:             {},
}

// toQuery converts a validated, transformed parameter set into the row
// store's query shape. The internal lookup condition and caller filters are
// combined as a conjunction; neither overrides the other. When the caller
// resolved hasPublishedVersion, a filter hook is installed so every query
// context, root or nested populate, conjoins the condition for its own
// kind.
func (s *Service) toQuery(model *schema.Model, p Params) (*rowstore.Query, error) {
	restricted := make(Params, len(p))
	for k, v := range p {
		if _, ok := queryKeys[k]; ok {
			restricted[k] = v
		}
	}
	p = restricted

	q := &rowstore.Query{}

	var filterCond rowstore.Condition
	if raw, ok := p["filters"]; ok && raw != nil {
		cond, err := s.convertFilters(model, "filters", raw)
		if err != nil {
			return nil, err
		}
		filterCond = cond
	}
	q.Where = rowstore.AndOf(filterCond, p.lookup())

	if raw, ok := p["sort"]; ok && raw != nil {
		orders, err := convertSort(raw)
		if err != nil {
			return nil, err
		}
		q.OrderBy = orders
	}

	if raw, ok := p["fields"]; ok && raw != nil {
		sel, err := fieldNames("fields", raw)
		if err != nil {
			return nil, err
		}
		q.Select = dropStar(sel)
	}

	if raw, ok := p["populate"]; ok && raw != nil {
		pop, err := s.convertPopulate(model, raw)
		if err != nil {
			return nil, err
		}
		q.Populate = pop
	}

	applyPageParams(q, p)

	want, set, err := parseHasPublishedVersion(p["hasPublishedVersion"])
	if err != nil {
		return nil, err
	}
	if set {
		prev := q.FilterEach
		reg := s.registry
		q.FilterEach = func(kind string, where rowstore.Condition) rowstore.Condition {
			if prev != nil {
				where = prev(kind, where)
			}
			return rowstore.AndOf(where, hasPublishedVersionCondition(reg, kind, want))
		}
	}
	return q, nil
}

// applyPageParams folds both pagination modes into offset and limit. Values
// that did not pass through strict normalization are coerced best-effort
// and ignored when malformed; strict mode has already rejected those.
func applyPageParams(q *rowstore.Query, p Params) {
	page, hasPage := coerceInt(p["page"])
	size, hasSize := coerceInt(p["pageSize"])
	if hasPage || hasSize {
		if !hasPage || page < 1 {
			page = DefaultPage
		}
		if !hasSize || size < 1 {
			size = DefaultPageSize
		}
		if size > MaxPageSize {
			size = MaxPageSize
		}
		q.Offset = (page - 1) * size
		q.Limit = size
		return
	}
	if start, ok := coerceInt(p["start"]); ok && start > 0 {
		q.Offset = start
	}
	if limit, ok := coerceInt(p["limit"]); ok && limit > 0 {
		q.Limit = limit
	}
}

// pageInfo reports the page-mode numbers a request resolved to, for the
// pagination metadata.
func pageInfo(p Params) (page, size int, paged bool) {
	pg, hasPage := coerceInt(p["page"])
	sz, hasSize := coerceInt(p["pageSize"])
	if !hasPage && !hasSize {
		return 0, 0, false
	}
	if !hasPage || pg < 1 {
		pg = DefaultPage
	}
	if !hasSize || sz < 1 {
		sz = DefaultPageSize
	}
	if sz > MaxPageSize {
		sz = MaxPageSize
	}
	return int(pg), int(sz), true
}

func wantsCount(p Params) bool {
	b, _ := coerceBool(p["withCount"])
	return b
}

// convertFilters turns the caller's filter tree into a condition tree.
// Attribute names resolve against the model; relation attributes become
// Related sub-conditions against their target kind, components flatten
// into dotted field paths.
func (s *Service) convertFilters(model *schema.Model, path string, raw any) (rowstore.Condition, error) {
	m, ok := raw.(map[string]any)
	if !ok {
		return nil, validationErr(path, raw, "filters must be an object")
	}
	conds := make([]rowstore.Condition, 0, len(m))

	// Deterministic order keeps generated queries stable.
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, key := range keys {
		val := m[key]
		keyPath := path + "." + key
		switch key {
		case "$and", "$or":
			items, ok := val.([]any)
			if !ok {
				return nil, validationErr(keyPath, val, "expects an array of filter objects")
			}
			subs := make([]rowstore.Condition, 0, len(items))
			for _, item := range items {
				sub, err := s.convertFilters(model, keyPath, item)
				if err != nil {
					return nil, err
				}
				if sub != nil {
					subs = append(subs, sub)
				}
			}
			if key == "$and" {
				conds = append(conds, rowstore.AndOf(subs...))
			} else {
				conds = append(conds, rowstore.OrOf(subs...))
			}
		case "$not":
			sub, err := s.convertFilters(model, keyPath, val)
			if err != nil {
				return nil, err
			}
			if sub != nil {
				conds = append(conds, rowstore.Not{Cond: sub})
			}
		default:
			cond, err := s.convertFilterField(model, keyPath, key, "", val)
			if err != nil {
				return nil, err
			}
			if cond != nil {
				conds = append(conds, cond)
			}
		}
	}
	return rowstore.AndOf(conds...), nil
}

// convertFilterField resolves one attribute key. prefix carries the dotted
// component path accumulated so far.
func (s *Service) convertFilterField(model *schema.Model, path, name, prefix string, val any) (rowstore.Condition, error) {
	field := name
	if prefix != "" {
		field = prefix + "." + name
	}
	if schema.IsCoreField(name) && prefix == "" {
		return convertComparison(path, field, val)
	}
	attr, ok := model.Attribute(name)
	if !ok {
		return nil, validationErr(path, nil, "unknown attribute")
	}
	switch attr.Type {
	case schema.TypeRelation, schema.TypeMedia:
		nested, ok := val.(map[string]any)
		if !ok {
			return nil, validationErr(path, val, "relation filters must be an object")
		}
		target, err := s.registry.Get(attr.Target)
		if err != nil {
			return nil, validationErr(path, attr.Target, "unknown relation target")
		}
		sub, err := s.convertFilters(target, path, nested)
		if err != nil {
			return nil, err
		}
		return rowstore.Related{Attribute: field, Kind: target.Kind, Cond: sub}, nil
	case schema.TypeComponent:
		nested, ok := val.(map[string]any)
		if !ok {
			return nil, validationErr(path, val, "component filters must be an object")
		}
		comp, err := s.registry.Get(attr.Component)
		if err != nil {
			return nil, validationErr(path, attr.Component, "unknown component")
		}
		conds := make([]rowstore.Condition, 0, len(nested))
		keys := make([]string, 0, len(nested))
		for k := range nested {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			cond, err := s.convertFilterField(comp, path+"."+k, k, field, nested[k])
			if err != nil {
				return nil, err
			}
			if cond != nil {
				conds = append(conds, cond)
			}
		}
		return rowstore.AndOf(conds...), nil
	default:
		return convertComparison(path, field, val)
	}
}

func convertComparison(path, field string, val any) (rowstore.Condition, error) {
	m, ok := val.(map[string]any)
	if !ok {
		return rowstore.Eq{Field: field, Value: val}, nil
	}
	conds := make([]rowstore.Condition, 0, len(m))
	ops := make([]string, 0, len(m))
	for op := range m {
		ops = append(ops, op)
	}
	sort.Strings(ops)
	for _, op := range ops {
		inner := m[op]
		opPath := path + "." + op
		switch op {
		case "$eq":
			conds = append(conds, rowstore.Eq{Field: field, Value: inner})
		case "$ne":
			conds = append(conds, rowstore.Ne{Field: field, Value: inner})
		case "$gt":
			conds = append(conds, rowstore.Gt{Field: field, Value: inner})
		case "$gte":
			conds = append(conds, rowstore.Gte{Field: field, Value: inner})
		case "$lt":
			conds = append(conds, rowstore.Lt{Field: field, Value: inner})
		case "$lte":
			conds = append(conds, rowstore.Lte{Field: field, Value: inner})
		case "$in", "$notIn":
			items, ok := inner.([]any)
			if !ok {
				return nil, validationErr(opPath, inner, "expects an array")
			}
			if op == "$in" {
				conds = append(conds, rowstore.In{Field: field, Values: items})
			} else {
				conds = append(conds, rowstore.NotIn{Field: field, Values: items})
			}
		case "$contains", "$notContains":
			str, ok := inner.(string)
			if !ok {
				return nil, validationErr(opPath, inner, "expects a string")
			}
			if op == "$contains" {
				conds = append(conds, rowstore.Contains{Field: field, Value: str})
			} else {
				conds = append(conds, rowstore.NotContains{Field: field, Value: str})
			}
		case "$null", "$notNull":
			isNull, ok := coerceBool(inner)
			if !ok {
				return nil, validationErr(opPath, inner, "expects a boolean")
			}
			if op == "$notNull" {
				isNull = !isNull
			}
			conds = append(conds, rowstore.Null{Field: field, IsNull: isNull})
		default:
			return nil, validationErr(opPath, nil, "unknown operator")
		}
	}
	return rowstore.AndOf(conds...), nil
}

func convertSort(raw any) ([]rowstore.Order, error) {
	keys, err := sortKeys("sort", raw)
	if err != nil {
		return nil, err
	}
	orders := make([]rowstore.Order, 0, len(keys))
	for _, key := range keys {
		field, desc := key, false
		if i := strings.IndexByte(key, ':'); i >= 0 {
			field = key[:i]
			desc = strings.EqualFold(key[i+1:], "desc")
		}
		orders = append(orders, rowstore.Order{Field: field, Desc: desc})
	}
	return orders, nil
}

func dropStar(sel []string) []string {
	for _, s := range sel {
		if s == "*" {
			return nil
		}
	}
	return sel
}

// convertPopulate expands the populate parameter into per-path sub-queries.
// true and "*" expand to every relation path of the model, including those
// owned by nested components.
func (s *Service) convertPopulate(model *schema.Model, raw any) (map[string]*rowstore.Query, error) {
	switch t := raw.(type) {
	case bool:
		if !t {
			return nil, nil
		}
		return s.populateAll(model)
	case string:
		if t == "*" {
			return s.populateAll(model)
		}
		return s.populatePaths([]string{t})
	case []string:
		return s.populatePaths(t)
	case []any:
		names := make([]string, 0, len(t))
		for _, e := range t {
			name, ok := e.(string)
			if !ok {
				return nil, validationErr("populate", e, "populate entries must be strings")
			}
			names = append(names, name)
		}
		return s.populatePaths(names)
	case map[string]any:
		out := make(map[string]*rowstore.Query, len(t))
		for name, sub := range t {
			switch v := sub.(type) {
			case nil:
				out[name] = nil
			case bool:
				if v {
					out[name] = nil
				}
			case map[string]any:
				target, err := s.populateTarget(model, name)
				if err != nil {
					return nil, err
				}
				subQ, err := s.toSubQuery(target, v)
				if err != nil {
					return nil, err
				}
				out[name] = subQ
			default:
				return nil, validationErr("populate."+name, sub, "populate sub-query must be a boolean or object")
			}
		}
		return out, nil
	default:
		return nil, validationErr("populate", raw, "must be a boolean, string, array or object")
	}
}

func (s *Service) populatePaths(names []string) (map[string]*rowstore.Query, error) {
	out := make(map[string]*rowstore.Query, len(names))
	for _, name := range names {
		out[name] = nil
	}
	return out, nil
}

// toSubQuery converts a nested populate object, reusing the top-level
// converters against the target model.
func (s *Service) toSubQuery(target *schema.Model, m map[string]any) (*rowstore.Query, error) {
	q := &rowstore.Query{}
	if raw, ok := m["filters"]; ok && raw != nil {
		cond, err := s.convertFilters(target, "filters", raw)
		if err != nil {
			return nil, err
		}
		q.Where = cond
	}
	if raw, ok := m["sort"]; ok && raw != nil {
		orders, err := convertSort(raw)
		if err != nil {
			return nil, err
		}
		q.OrderBy = orders
	}
	if raw, ok := m["fields"]; ok && raw != nil {
		sel, err := fieldNames("fields", raw)
		if err != nil {
			return nil, err
		}
		q.Select = dropStar(sel)
	}
	if raw, ok := m["populate"]; ok && raw != nil {
		pop, err := s.convertPopulate(target, raw)
		if err != nil {
			return nil, err
		}
		q.Populate = pop
	}
	applyPageParams(q, Params(m))
	return q, nil
}

// populateTarget resolves the model a populate path lands on, walking
// dotted component paths down to the relation.
func (s *Service) populateTarget(model *schema.Model, path string) (*schema.Model, error) {
	cur := model
	segs := strings.Split(path, ".")
	for i, seg := range segs {
		attr, ok := cur.Attribute(seg)
		if !ok {
			return nil, validationErr("populate."+path, nil, "unknown attribute")
		}
		switch attr.Type {
		case schema.TypeRelation, schema.TypeMedia:
			if i != len(segs)-1 {
				return nil, validationErr("populate."+path, nil, "populate paths end at a relation")
			}
			if attr.Morph {
				return nil, validationErr("populate."+path, nil, "polymorphic relations cannot take a populate sub-query")
			}
			target, err := s.registry.Get(attr.Target)
			if err != nil {
				return nil, validationErr("populate."+path, attr.Target, "unknown relation target")
			}
			return target, nil
		case schema.TypeComponent:
			comp, err := s.registry.Get(attr.Component)
			if err != nil {
				return nil, validationErr("populate."+path, attr.Component, "unknown component")
			}
			cur = comp
		default:
			return nil, validationErr("populate."+path, nil, "attribute cannot be populated")
		}
	}
	return nil, validationErr("populate."+path, nil, "attribute cannot be populated")
}

// populateAll expands to every relation and media path reachable on the
// model, walking into components and dynamic zone members so deep copies
// see component-owned relations too.
func (s *Service) populateAll(model *schema.Model) (map[string]*rowstore.Query, error) {
	paths, err := s.relationPaths(model, "", map[string]struct{}{})
	if err != nil {
		return nil, err
	}
	if len(paths) == 0 {
		return nil, nil
	}
	out := make(map[string]*rowstore.Query, len(paths))
	for _, p := range paths {
		out[p] = nil
	}
	return out, nil
}

func (s *Service) relationPaths(model *schema.Model, prefix string, seen map[string]struct{}) ([]string, error) {
	if _, dup := seen[model.Kind]; dup {
		return nil, nil
	}
	seen[model.Kind] = struct{}{}
	defer delete(seen, model.Kind)

	names := make([]string, 0, len(model.Attributes))
	for name := range model.Attributes {
		names = append(names, name)
	}
	sort.Strings(names)

	var paths []string
	for _, name := range names {
		attr := model.Attributes[name]
		full := name
		if prefix != "" {
			full = prefix + "." + name
		}
		switch attr.Type {
		case schema.TypeRelation, schema.TypeMedia:
			paths = append(paths, full)
		case schema.TypeComponent:
			comp, err := s.registry.Get(attr.Component)
			if err != nil {
				return nil, err
			}
			nested, err := s.relationPaths(comp, full, seen)
			if err != nil {
				return nil, err
			}
			paths = append(paths, nested...)
		case schema.TypeDynamicZone:
			for _, kind := range attr.Components {
				comp, err := s.registry.Get(kind)
				if err != nil {
					return nil, err
				}
				nested, err := s.relationPaths(comp, full, seen)
				if err != nil {
					return nil, err
				}
				paths = append(paths, nested...)
			}
		}
	}
	return paths, nil
}
