package documents

import (
	"context"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/verso-cms/core/schema"
)

// Checker validates the schema-aware request parameters against a model's
// attribute graph. Each method returns nil or a ValidationError; a nil or
// absent value always passes. Implementations resolve nested models through
// the given registry, which the engine wraps in a per-request cache.
type Checker interface {
	Filters(ctx context.Context, reg schema.Registry, model *schema.Model, filters any) error
	Sort(ctx context.Context, reg schema.Registry, model *schema.Model, sort any) error
	Fields(ctx context.Context, reg schema.Registry, model *schema.Model, fields any) error
	Populate(ctx context.Context, reg schema.Registry, model *schema.Model, populate any) error
}

// runCheckers dispatches the four schema-aware checks concurrently. The
// reported error is the one a sequential filters, sort, fields, populate
// pass would have hit first: every check runs to completion into its own
// slot and the first non-nil slot wins, so timing never changes the result.
func runCheckers(ctx context.Context, c Checker, reg schema.Registry, model *schema.Model, p Params) error {
	checks := []func() error{
		func() error { return c.Filters(ctx, reg, model, p["filters"]) },
		func() error { return c.Sort(ctx, reg, model, p["sort"]) },
		func() error { return c.Fields(ctx, reg, model, p["fields"]) },
		func() error { return c.Populate(ctx, reg, model, p["populate"]) },
	}
	results := make([]error, len(checks))
	var g errgroup.Group
	for i, check := range checks {
		i, check := i, check
		g.Go(func() error {
			results[i] = check()
			return nil
		})
	}
	_ = g.Wait()
	for _, err := range results {
		if err != nil {
			return err
		}
	}
	return nil
}

// modelCache memoizes registry lookups for the duration of one validation
// pass. Deep populate graphs hit the same models over and over; the cache
// is built per request, shared by the concurrent checks and discarded once
// validation ends.
type modelCache struct {
	reg    schema.Registry
	mu     sync.Mutex
	models map[string]*schema.Model
}

func newModelCache(reg schema.Registry) *modelCache {
	return &modelCache{reg: reg, models: make(map[string]*schema.Model)}
}

func (c *modelCache) Get(kind string) (*schema.Model, error) {
	c.mu.Lock()
	if m, ok := c.models[kind]; ok {
		c.mu.Unlock()
		return m, nil
	}
	c.mu.Unlock()

	m, err := c.reg.Get(kind)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	c.models[kind] = m
	c.mu.Unlock()
	return m, nil
}

func (c *modelCache) Inverse(kind, attribute string) (string, string, bool) {
	return c.reg.Inverse(kind, attribute)
}

// clear releases the memoized models so a deep populate graph does not pin
// memory past its request.
func (c *modelCache) clear() {
	c.mu.Lock()
	c.models = nil
	c.mu.Unlock()
}

// filter operators the engine accepts, including the logical connectives
// usable at any level of the tree.
var filterOperators = map[string]struct{}{
	"$eq":          {},
	"$ne":          {},
	"$gt":          {},
	"$gte":         {},
	"$lt":          {},
	"$lte":         {},
	"$in":          {},
	"$notIn":       {},
	"$contains":    {},
	"$notContains": {},
	"$null":        {},
	"$notNull":     {},
	"$and":         {},
	"$or":          {},
	"$not":         {},
}

// schemaChecker is the default Checker. It walks the attribute graph,
// rejecting unknown attributes, private attributes, disallowed operators
// and filter or sort paths through polymorphic relations and dynamic zones.
type schemaChecker struct{}

// NewChecker returns the default schema-aware checker.
func NewChecker() Checker {
	return schemaChecker{}
}

func (schemaChecker) Filters(ctx context.Context, reg schema.Registry, model *schema.Model, filters any) error {
	if filters == nil {
		return nil
	}
	return checkFilterValue(ctx, reg, model, "filters", filters)
}

func checkFilterValue(ctx context.Context, reg schema.Registry, model *schema.Model, path string, v any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m, ok := v.(map[string]any)
	if !ok {
		return validationErr(path, v, "filters must be an object")
	}
	for key, val := range m {
		keyPath := path + "." + key
		if strings.HasPrefix(key, "$") {
			if _, ok := filterOperators[key]; !ok {
				return validationErr(keyPath, nil, "unknown operator")
			}
			switch key {
			case "$and", "$or":
				items, ok := val.([]any)
				if !ok {
					return validationErr(keyPath, val, "expects an array of filter objects")
				}
				for _, item := range items {
					if err := checkFilterValue(ctx, reg, model, keyPath, item); err != nil {
						return err
					}
				}
			case "$not":
				if err := checkFilterValue(ctx, reg, model, keyPath, val); err != nil {
					return err
				}
			}
			// Comparison operators at attribute level are handled below.
			continue
		}
		if err := checkFilterAttribute(ctx, reg, model, keyPath, key, val); err != nil {
			return err
		}
	}
	return nil
}

func checkFilterAttribute(ctx context.Context, reg schema.Registry, model *schema.Model, path, name string, val any) error {
	if schema.IsCoreField(name) {
		return checkComparison(path, val)
	}
	attr, ok := model.Attribute(name)
	if !ok {
		return validationErr(path, nil, "unknown attribute")
	}
	if attr.Private {
		return validationErr(path, nil, "attribute is private")
	}
	switch attr.Type {
	case schema.TypeDynamicZone:
		return validationErr(path, nil, "cannot filter on a dynamic zone")
	case schema.TypeRelation, schema.TypeMedia:
		if attr.Morph {
			return validationErr(path, nil, "cannot filter on a polymorphic relation")
		}
		nested, ok := val.(map[string]any)
		if !ok {
			return validationErr(path, val, "relation filters must be an object")
		}
		target, err := reg.Get(attr.Target)
		if err != nil {
			return validationErr(path, attr.Target, "unknown relation target")
		}
		return checkFilterValue(ctx, reg, target, path, nested)
	case schema.TypeComponent:
		nested, ok := val.(map[string]any)
		if !ok {
			return validationErr(path, val, "component filters must be an object")
		}
		comp, err := reg.Get(attr.Component)
		if err != nil {
			return validationErr(path, attr.Component, "unknown component")
		}
		return checkFilterValue(ctx, reg, comp, path, nested)
	default:
		return checkComparison(path, val)
	}
}

// checkComparison validates the value side of a scalar filter: either a
// bare value (implicit equality) or an operator map.
func checkComparison(path string, val any) error {
	m, ok := val.(map[string]any)
	if !ok {
		return nil
	}
	for op, inner := range m {
		if !strings.HasPrefix(op, "$") {
			return validationErr(path+"."+op, nil, "nested attribute filters are only valid on relations and components")
		}
		if _, ok := filterOperators[op]; !ok {
			return validationErr(path+"."+op, nil, "unknown operator")
		}
		switch op {
		case "$and", "$or", "$not":
			return validationErr(path+"."+op, nil, "logical operators are not valid inside a comparison")
		case "$in", "$notIn":
			if _, ok := inner.([]any); !ok {
				return validationErr(path+"."+op, inner, "expects an array")
			}
		}
	}
	return nil
}

func (schemaChecker) Sort(ctx context.Context, reg schema.Registry, model *schema.Model, sort any) error {
	return checkSortValue(ctx, reg, model, "sort", sort)
}

func checkSortValue(ctx context.Context, reg schema.Registry, model *schema.Model, path string, sort any) error {
	if sort == nil {
		return nil
	}
	keys, err := sortKeys(path, sort)
	if err != nil {
		return err
	}
	for _, key := range keys {
		if err := checkSortPath(ctx, reg, model, path, key); err != nil {
			return err
		}
	}
	return nil
}

func sortKeys(path string, sort any) ([]string, error) {
	switch v := sort.(type) {
	case string:
		parts := strings.Split(v, ",")
		out := make([]string, 0, len(parts))
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				out = append(out, p)
			}
		}
		return out, nil
	case []string:
		return v, nil
	case []any:
		out := make([]string, 0, len(v))
		for _, e := range v {
			s, ok := e.(string)
			if !ok {
				return nil, validationErr(path, e, "sort entries must be strings")
			}
			out = append(out, s)
		}
		return out, nil
	default:
		return nil, validationErr(path, sort, "must be a string or array of strings")
	}
}

func checkSortPath(ctx context.Context, reg schema.Registry, model *schema.Model, base, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	name := key
	if i := strings.IndexByte(name, ':'); i >= 0 {
		dir := strings.ToLower(name[i+1:])
		if dir != "asc" && dir != "desc" {
			return validationErr(base+"."+key, nil, "direction must be asc or desc")
		}
		name = name[:i]
	}

	cur := model
	segs := strings.Split(name, ".")
	for i, seg := range segs {
		path := base + "." + strings.Join(segs[:i+1], ".")
		if schema.IsCoreField(seg) {
			if i != len(segs)-1 {
				return validationErr(path, nil, "cannot sort through a core field")
			}
			return nil
		}
		attr, ok := cur.Attribute(seg)
		if !ok {
			return validationErr(path, nil, "unknown attribute")
		}
		if attr.Private {
			return validationErr(path, nil, "attribute is private")
		}
		switch attr.Type {
		case schema.TypeDynamicZone:
			return validationErr(path, nil, "cannot sort on a dynamic zone")
		case schema.TypeRelation, schema.TypeMedia:
			return validationErr(path, nil, "cannot sort on a relation")
		case schema.TypeComponent:
			if i == len(segs)-1 {
				return validationErr(path, nil, "cannot sort on a component; sort on one of its fields")
			}
			comp, err := reg.Get(attr.Component)
			if err != nil {
				return validationErr(path, attr.Component, "unknown component")
			}
			cur = comp
		default:
			if i != len(segs)-1 {
				return validationErr(path, nil, "cannot sort through a scalar attribute")
			}
		}
	}
	return nil
}

func (schemaChecker) Fields(ctx context.Context, reg schema.Registry, model *schema.Model, fields any) error {
	return checkFieldsValue(ctx, model, "fields", fields)
}

func checkFieldsValue(ctx context.Context, model *schema.Model, path string, fields any) error {
	if fields == nil {
		return nil
	}
	names, err := fieldNames(path, fields)
	if err != nil {
		return err
	}
	for _, name := range names {
		if err := ctx.Err(); err != nil {
			return err
		}
		if name == "*" || schema.IsCoreField(name) {
			continue
		}
		attr, ok := model.Attribute(name)
		if !ok {
			return validationErr(path+"."+name, nil, "unknown attribute")
		}
		if attr.Private {
			return validationErr(path+"."+name, nil, "attribute is private")
		}
		if attr.IsRelational() {
			return validationErr(path+"."+name, nil, "relations are selected with populate, not fields")
		}
	}
	return nil
}

func fieldNames(path string, fields any) ([]string, error) {
	switch v := fields.(type) {
	case string:
		parts := strings.Split(v, ",")
		out := make([]string, 0, len(parts))
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				out = append(out, p)
			}
		}
		return out, nil
	case []string:
		return v, nil
	case []any:
		out := make([]string, 0, len(v))
		for _, e := range v {
			s, ok := e.(string)
			if !ok {
				return nil, validationErr(path, e, "field entries must be strings")
			}
			out = append(out, s)
		}
		return out, nil
	default:
		return nil, validationErr(path, fields, "must be a string or array of strings")
	}
}

func (schemaChecker) Populate(ctx context.Context, reg schema.Registry, model *schema.Model, populate any) error {
	if populate == nil {
		return nil
	}
	return checkPopulateValue(ctx, reg, model, "populate", populate)
}

func checkPopulateValue(ctx context.Context, reg schema.Registry, model *schema.Model, path string, v any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	switch t := v.(type) {
	case bool, nil:
		return nil
	case string:
		if t == "*" {
			return nil
		}
		return checkPopulateAttr(ctx, reg, model, path+"."+t, t, nil)
	case []string:
		for _, name := range t {
			if err := checkPopulateAttr(ctx, reg, model, path+"."+name, name, nil); err != nil {
				return err
			}
		}
		return nil
	case []any:
		for _, e := range t {
			name, ok := e.(string)
			if !ok {
				return validationErr(path, e, "populate entries must be strings")
			}
			if err := checkPopulateAttr(ctx, reg, model, path+"."+name, name, nil); err != nil {
				return err
			}
		}
		return nil
	case map[string]any:
		for name, sub := range t {
			if err := checkPopulateAttr(ctx, reg, model, path+"."+name, name, sub); err != nil {
				return err
			}
		}
		return nil
	default:
		return validationErr(path, v, "must be a boolean, string, array or object")
	}
}

func checkPopulateAttr(ctx context.Context, reg schema.Registry, model *schema.Model, path, name string, sub any) error {
	// Dotted paths reach relations owned by nested components.
	rest := ""
	if i := strings.IndexByte(name, '.'); i >= 0 {
		name, rest = name[:i], name[i+1:]
	}
	attr, ok := model.Attribute(name)
	if !ok {
		return validationErr(path, nil, "unknown attribute")
	}
	if attr.Private {
		return validationErr(path, nil, "attribute is private")
	}
	switch attr.Type {
	case schema.TypeRelation, schema.TypeMedia:
		if rest != "" {
			return validationErr(path, nil, "populate paths end at a relation")
		}
		if attr.Morph {
			// Polymorphic targets have no single schema to validate a
			// sub-query against.
			if sub != nil {
				if _, isBool := sub.(bool); !isBool {
					return validationErr(path, nil, "polymorphic relations cannot take a populate sub-query")
				}
			}
			return nil
		}
		target, err := reg.Get(attr.Target)
		if err != nil {
			return validationErr(path, attr.Target, "unknown relation target")
		}
		return checkPopulateSub(ctx, reg, target, path, sub)
	case schema.TypeComponent:
		comp, err := reg.Get(attr.Component)
		if err != nil {
			return validationErr(path, attr.Component, "unknown component")
		}
		if rest != "" {
			return checkPopulateAttr(ctx, reg, comp, path, rest, sub)
		}
		// Component values are stored inline; only the relations they own
		// are populated, addressed by dotted paths.
		if sub != nil {
			if _, isBool := sub.(bool); !isBool {
				return validationErr(path, nil, "components cannot take a populate sub-query; populate their relations with dotted paths")
			}
		}
		return nil
	case schema.TypeDynamicZone:
		if rest != "" {
			return validationErr(path, nil, "cannot address inside a dynamic zone; populate the zone itself")
		}
		if sub != nil {
			if _, isBool := sub.(bool); !isBool {
				return validationErr(path, nil, "dynamic zones cannot take a populate sub-query")
			}
		}
		return nil
	default:
		return validationErr(path, nil, "attribute cannot be populated")
	}
}

// checkPopulateSub validates the sub-query of one populate level against
// the target model: nested filters, sort, fields and populate.
func checkPopulateSub(ctx context.Context, reg schema.Registry, target *schema.Model, path string, sub any) error {
	if sub == nil {
		return nil
	}
	switch t := sub.(type) {
	case bool:
		return nil
	case map[string]any:
		if f, ok := t["filters"]; ok {
			if err := checkFilterValue(ctx, reg, target, path+".filters", f); err != nil {
				return err
			}
		}
		if s, ok := t["sort"]; ok {
			if err := checkSortValue(ctx, reg, target, path+".sort", s); err != nil {
				return err
			}
		}
		if f, ok := t["fields"]; ok {
			if err := checkFieldsValue(ctx, target, path+".fields", f); err != nil {
				return err
			}
		}
		if pp, ok := t["populate"]; ok {
			if err := checkPopulateValue(ctx, reg, target, path+".populate", pp); err != nil {
				return err
			}
		}
		return nil
	default:
		return validationErr(path, sub, "populate sub-query must be a boolean or object")
	}
}
