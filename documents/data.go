package documents

import (
	"context"
	"sort"
	"strings"

	"github.com/verso-cms/core/rowstore"
	"github.com/verso-cms/core/schema"
)

// relTarget is one end of a relational assignment. Polymorphic relations
// carry the kind per value; everything else inherits it from the attribute.
type relTarget struct {
	id   uint64
	kind string
}

// relWrite is one relational assignment extracted from a write payload:
// the attribute path (dotted for component-owned relations) and the
// desired link state.
type relWrite struct {
	path string
	// set replaces the path's links with exactly these targets, in order.
	set []relTarget
	// connect and disconnect adjust links without replacing the set.
	connect    []relTarget
	disconnect []relTarget
	replace    bool
	// prefix widens a replace to every dotted path under path. Component
	// and zone values are replaced whole, so their owned links go too.
	prefix bool
}

// splitData separates a write payload into storable fields and relational
// assignments. Relation values never land in the fields column; they are
// materialized as relation rows. Engine-managed fields are dropped: ids,
// document ids and timestamps cannot be written through data.
func (s *Service) splitData(model *schema.Model, data map[string]any) (map[string]any, []relWrite, error) {
	if data == nil {
		return nil, nil, nil
	}
	fields := make(map[string]any, len(data))
	var rels []relWrite

	names := make([]string, 0, len(data))
	for name := range data {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		val := data[name]
		if schema.IsCoreField(name) {
			continue
		}
		attr, ok := model.Attribute(name)
		if !ok {
			// Unknown keys pass through untouched; whether callers may send
			// them is the sanitizer's call, not ours.
			fields[name] = rowstore.CopyValue(val)
			continue
		}
		switch attr.Type {
		case schema.TypeRelation, schema.TypeMedia:
			w, err := parseRelValue(name, attr, val)
			if err != nil {
				return nil, nil, err
			}
			rels = append(rels, w)
		case schema.TypeComponent:
			cleaned, nested, err := s.splitComponent(attr, name, val)
			if err != nil {
				return nil, nil, err
			}
			fields[name] = cleaned
			rels = append(rels, nested...)
		case schema.TypeDynamicZone:
			cleaned, nested, err := s.splitDynamicZone(attr, name, val)
			if err != nil {
				return nil, nil, err
			}
			fields[name] = cleaned
			rels = append(rels, nested...)
		default:
			fields[name] = rowstore.CopyValue(val)
		}
	}
	return fields, rels, nil
}

func (s *Service) splitComponent(attr schema.Attribute, path string, val any) (any, []relWrite, error) {
	comp, err := s.registry.Get(attr.Component)
	if err != nil {
		return nil, nil, validationErr("data."+path, attr.Component, "unknown component")
	}
	wipe := relWrite{path: path, replace: true, prefix: true}
	switch v := val.(type) {
	case nil:
		return nil, []relWrite{wipe}, nil
	case map[string]any:
		cleaned, rels, err := s.splitData(comp, v)
		if err != nil {
			return nil, nil, err
		}
		return cleaned, append([]relWrite{wipe}, prefixRelWrites(path, rels)...), nil
	case []any:
		if !attr.Multiple {
			return nil, nil, validationErr("data."+path, val, "component is not repeatable")
		}
		out := make([]any, 0, len(v))
		var all []relWrite
		for _, item := range v {
			m, ok := item.(map[string]any)
			if !ok {
				return nil, nil, validationErr("data."+path, item, "component entries must be objects")
			}
			cleaned, rels, err := s.splitData(comp, m)
			if err != nil {
				return nil, nil, err
			}
			out = append(out, cleaned)
			all = append(all, rels...)
		}
		return out, append([]relWrite{wipe}, prefixRelWrites(path, mergeRelWrites(all))...), nil
	default:
		return nil, nil, validationErr("data."+path, val, "component values must be objects")
	}
}

// splitDynamicZone walks zone items, resolving each item's component by its
// __component discriminator.
func (s *Service) splitDynamicZone(attr schema.Attribute, path string, val any) (any, []relWrite, error) {
	wipe := relWrite{path: path, replace: true, prefix: true}
	switch v := val.(type) {
	case nil:
		return nil, []relWrite{wipe}, nil
	case []any:
		allowed := make(map[string]struct{}, len(attr.Components))
		for _, c := range attr.Components {
			allowed[c] = struct{}{}
		}
		out := make([]any, 0, len(v))
		var all []relWrite
		for _, item := range v {
			m, ok := item.(map[string]any)
			if !ok {
				return nil, nil, validationErr("data."+path, item, "dynamic zone entries must be objects")
			}
			kind, _ := m["__component"].(string)
			if _, ok := allowed[kind]; !ok {
				return nil, nil, validationErr("data."+path+".__component", kind, "component not accepted by this zone")
			}
			comp, err := s.registry.Get(kind)
			if err != nil {
				return nil, nil, validationErr("data."+path, kind, "unknown component")
			}
			cleaned, rels, err := s.splitData(comp, m)
			if err != nil {
				return nil, nil, err
			}
			cleaned["__component"] = kind
			out = append(out, cleaned)
			all = append(all, rels...)
		}
		return out, append([]relWrite{wipe}, prefixRelWrites(path, mergeRelWrites(all))...), nil
	default:
		return nil, nil, validationErr("data."+path, val, "dynamic zone values must be arrays")
	}
}

func prefixRelWrites(prefix string, rels []relWrite) []relWrite {
	for i := range rels {
		rels[i].path = prefix + "." + rels[i].path
	}
	return rels
}

// mergeRelWrites folds writes to the same path from repeated component
// items into one ordered set.
func mergeRelWrites(rels []relWrite) []relWrite {
	byPath := make(map[string]*relWrite)
	var order []string
	for _, w := range rels {
		cur, ok := byPath[w.path]
		if !ok {
			dup := w
			byPath[w.path] = &dup
			order = append(order, w.path)
			continue
		}
		cur.set = append(cur.set, w.set...)
		cur.connect = append(cur.connect, w.connect...)
		cur.disconnect = append(cur.disconnect, w.disconnect...)
		cur.replace = cur.replace || w.replace
	}
	out := make([]relWrite, 0, len(order))
	for _, p := range order {
		out = append(out, *byPath[p])
	}
	return out
}

// parseRelValue reads the accepted relation value shapes: a bare id, an
// array of ids (both meaning "replace the set"), or an object with set,
// connect and disconnect id lists. Polymorphic values must be objects
// carrying __type next to the id.
func parseRelValue(name string, attr schema.Attribute, val any) (relWrite, error) {
	w := relWrite{path: name}
	switch v := val.(type) {
	case nil:
		w.replace = true
		return w, nil
	case map[string]any:
		if isBareTargetObject(v) {
			break
		}
		touched := false
		if raw, ok := v["set"]; ok {
			ts, err := relTargets("data."+name+".set", attr, raw)
			if err != nil {
				return w, err
			}
			w.set, w.replace, touched = ts, true, true
		}
		if raw, ok := v["connect"]; ok {
			ts, err := relTargets("data."+name+".connect", attr, raw)
			if err != nil {
				return w, err
			}
			w.connect, touched = ts, true
		}
		if raw, ok := v["disconnect"]; ok {
			ts, err := relTargets("data."+name+".disconnect", attr, raw)
			if err != nil {
				return w, err
			}
			w.disconnect, touched = ts, true
		}
		if !touched {
			return w, validationErr("data."+name, val, "relation objects take set, connect or disconnect")
		}
		return w, nil
	}
	ts, err := relTargets("data."+name, attr, val)
	if err != nil {
		return w, err
	}
	if !attr.Multiple && len(ts) > 1 {
		return w, validationErr("data."+name, val, "relation holds a single entry")
	}
	w.set, w.replace = ts, true
	return w, nil
}

// isBareTargetObject distinguishes the {id: 1} shorthand from the
// set/connect/disconnect form.
func isBareTargetObject(m map[string]any) bool {
	if _, ok := m["id"]; !ok {
		return false
	}
	for _, k := range []string{"set", "connect", "disconnect"} {
		if _, ok := m[k]; ok {
			return false
		}
	}
	return true
}

// relTargets coerces a relation value into targets. Accepts one id, an
// array of ids, or objects carrying an id field.
func relTargets(path string, attr schema.Attribute, raw any) ([]relTarget, error) {
	switch v := raw.(type) {
	case nil:
		return nil, nil
	case []any:
		out := make([]relTarget, 0, len(v))
		for _, e := range v {
			t, err := oneRelTarget(path, attr, e)
			if err != nil {
				return nil, err
			}
			out = append(out, t)
		}
		return out, nil
	default:
		t, err := oneRelTarget(path, attr, raw)
		if err != nil {
			return nil, err
		}
		return []relTarget{t}, nil
	}
}

func oneRelTarget(path string, attr schema.Attribute, v any) (relTarget, error) {
	kind := attr.Target
	if m, ok := v.(map[string]any); ok {
		if t, ok := m["__type"].(string); ok && t != "" {
			kind = t
		}
		v = m["id"]
	}
	if attr.Morph && kind == "" {
		return relTarget{}, validationErr(path, v, "polymorphic values need a __type")
	}
	n, ok := coerceInt(v)
	if !ok || n <= 0 {
		return relTarget{}, validationErr(path, v, "not an entry id")
	}
	return relTarget{id: uint64(n), kind: kind}, nil
}

// applyRelWrites materializes relational assignments as relation rows for
// one entry. Two-way relations keep a mirror row on the target so both
// sides populate; set semantics remove the previous rows of the path, and
// their mirrors, first.
func (s *Service) applyRelWrites(ctx context.Context, tx rowstore.Store, model *schema.Model, entry *rowstore.Entry, rels []relWrite) error {
	if len(rels) == 0 {
		return nil
	}
	existing, err := tx.Relations().FindBySources(ctx, []uint64{entry.ID})
	if err != nil {
		return err
	}
	for _, w := range rels {
		current := relsForPath(existing, w.path, w.prefix)
		keep := current
		if w.replace {
			if err := s.removeRelRows(ctx, tx, model, entry.ID, current); err != nil {
				return err
			}
			existing = withoutRels(existing, current)
			keep = nil
		} else if len(w.disconnect) > 0 {
			drop := make(map[uint64]struct{}, len(w.disconnect))
			for _, t := range w.disconnect {
				drop[t.id] = struct{}{}
			}
			var removed, kept []*rowstore.Relation
			for _, r := range current {
				if _, ok := drop[r.TargetID]; ok {
					removed = append(removed, r)
				} else {
					kept = append(kept, r)
				}
			}
			if err := s.removeRelRows(ctx, tx, model, entry.ID, removed); err != nil {
				return err
			}
			existing = withoutRels(existing, removed)
			keep = kept
		}
		if w.prefix {
			// Pure subtree clear; the nested writes that follow recreate.
			continue
		}

		inverseKind, inverseAttr, twoWay := s.inverseForPath(model, w.path)

		linked := make(map[uint64]struct{}, len(keep))
		nextOrder := 0
		for _, r := range keep {
			linked[r.TargetID] = struct{}{}
			if r.Order >= nextOrder {
				nextOrder = r.Order + 1
			}
		}

		targets := append(append([]relTarget{}, w.set...), w.connect...)
		for _, t := range targets {
			if _, dup := linked[t.id]; dup {
				continue
			}
			linked[t.id] = struct{}{}
			if _, err := tx.Relations().Create(ctx, &rowstore.Relation{
				SourceID:   entry.ID,
				SourceKind: model.Kind,
				TargetID:   t.id,
				TargetKind: t.kind,
				Path:       w.path,
				Order:      nextOrder,
			}); err != nil {
				return err
			}
			if twoWay {
				if _, err := tx.Relations().Create(ctx, &rowstore.Relation{
					SourceID:   t.id,
					SourceKind: inverseKind,
					TargetID:   entry.ID,
					TargetKind: model.Kind,
					Path:       inverseAttr,
					Order:      nextOrder,
				}); err != nil {
					return err
				}
			}
			nextOrder++
		}
	}
	return nil
}

// removeRelRows deletes relation rows and, for two-way ones, the mirror
// rows living on the old targets. Rows may span attribute paths; mirrors
// resolve per path.
func (s *Service) removeRelRows(ctx context.Context, tx rowstore.Store, model *schema.Model, sourceID uint64, rows []*rowstore.Relation) error {
	if len(rows) == 0 {
		return nil
	}
	type mirrorKey struct {
		path   string
		source uint64
	}
	ids := make([]uint64, 0, len(rows))
	mirrors := make(map[mirrorKey]struct{})
	for _, r := range rows {
		ids = append(ids, r.ID)
		if _, invAttr, ok := s.inverseForPath(model, r.Path); ok {
			mirrors[mirrorKey{invAttr, r.TargetID}] = struct{}{}
		}
	}
	if len(mirrors) > 0 {
		incoming, err := tx.Relations().FindByTargets(ctx, []uint64{sourceID})
		if err != nil {
			return err
		}
		for _, r := range incoming {
			if _, ok := mirrors[mirrorKey{r.Path, r.SourceID}]; ok {
				ids = append(ids, r.ID)
			}
		}
	}
	return tx.Relations().Delete(ctx, ids)
}

func relsForPath(rels []*rowstore.Relation, path string, prefix bool) []*rowstore.Relation {
	var out []*rowstore.Relation
	dotted := path + "."
	for _, r := range rels {
		if r.Path == path || (prefix && strings.HasPrefix(r.Path, dotted)) {
			out = append(out, r)
		}
	}
	return out
}

func withoutRels(rels, removed []*rowstore.Relation) []*rowstore.Relation {
	if len(removed) == 0 {
		return rels
	}
	gone := make(map[uint64]struct{}, len(removed))
	for _, r := range removed {
		gone[r.ID] = struct{}{}
	}
	out := rels[:0]
	for _, r := range rels {
		if _, ok := gone[r.ID]; !ok {
			out = append(out, r)
		}
	}
	return out
}

// inverseForPath resolves the two-way counterpart of an attribute path.
// Component-owned relations (dotted paths) resolve through the component's
// schema; the mirror still lives on the target's own attribute.
func (s *Service) inverseForPath(model *schema.Model, path string) (kind, attr string, ok bool) {
	ownerKind := model.Kind
	name := path
	if i := strings.LastIndexByte(path, '.'); i >= 0 {
		owner, err := s.componentAtPath(model, path[:i])
		if err != nil || owner == nil {
			return "", "", false
		}
		ownerKind = owner.Kind
		name = path[i+1:]
	}
	return s.registry.Inverse(ownerKind, name)
}

// componentAtPath walks a dotted path of component attributes and returns
// the schema of the final component.
func (s *Service) componentAtPath(model *schema.Model, path string) (*schema.Model, error) {
	cur := model
	for _, seg := range strings.Split(path, ".") {
		attr, ok := cur.Attribute(seg)
		if !ok {
			return nil, nil
		}
		switch attr.Type {
		case schema.TypeComponent:
			comp, err := s.registry.Get(attr.Component)
			if err != nil {
				return nil, err
			}
			cur = comp
		default:
			// Zone-owned relations resolve per item kind, not per path.
			return nil, nil
		}
	}
	return cur, nil
}

// forwardRelation reports whether a relation row is the owning side of its
// link. Mirror rows of two-way relations are regenerated from the owning
// side and never copied or re-pointed on their own.
func (s *Service) forwardRelation(r *rowstore.Relation) bool {
	kind, name, ok := s.relOwner(r)
	if !ok {
		return true
	}
	m, err := s.registry.Get(kind)
	if err != nil {
		return true
	}
	attr, ok := m.Attribute(name)
	if !ok || !attr.IsRelational() {
		return true
	}
	if attr.Inverse != "" {
		return true
	}
	// Two-way with the pairing declared on the other side: mirror row.
	if _, _, ok := s.registry.Inverse(kind, name); ok {
		return false
	}
	return true
}

// copyNonLocalizedFields is the default localization fan-out policy: every
// attribute not marked Localized is carried into the new locale's draft.
func copyNonLocalizedFields(model *schema.Model, source map[string]any) map[string]any {
	out := make(map[string]any, len(source))
	for name, val := range source {
		attr, ok := model.Attribute(name)
		if !ok || attr.Localized {
			continue
		}
		out[name] = rowstore.CopyValue(val)
	}
	return out
}
