package gormstore

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/verso-cms/core/rowstore"
)

// condBuilder translates a condition tree into MySQL. Core fields map to
// columns, everything else to JSON_EXTRACT over the fields column. The
// counter keeps subquery aliases unique within one statement.
type condBuilder struct {
	n int
}

func (b *condBuilder) build(c rowstore.Condition, alias string) (string, []any, error) {
	switch t := c.(type) {
	case nil:
		return "1 = 1", nil, nil
	case rowstore.Eq:
		return b.cmp(alias, t.Field, "=", t.Value)
	case rowstore.Ne:
		// Null-safe negation: rows without the field count as different.
		expr, isJSON, err := fieldExpr(alias, t.Field)
		if err != nil {
			return "", nil, err
		}
		return fmt.Sprintf("NOT (%s <=> %s)", expr, placeholder(isJSON)), []any{argOf(isJSON, t.Value)}, nil
	case rowstore.Gt:
		return b.cmp(alias, t.Field, ">", t.Value)
	case rowstore.Gte:
		return b.cmp(alias, t.Field, ">=", t.Value)
	case rowstore.Lt:
		return b.cmp(alias, t.Field, "<", t.Value)
	case rowstore.Lte:
		return b.cmp(alias, t.Field, "<=", t.Value)
	case rowstore.In:
		return b.oneOf(alias, t.Field, t.Values, false)
	case rowstore.NotIn:
		return b.oneOf(alias, t.Field, t.Values, true)
	case rowstore.Contains:
		return b.like(alias, t.Field, t.Value, false)
	case rowstore.NotContains:
		return b.like(alias, t.Field, t.Value, true)
	case rowstore.Null:
		return b.null(alias, t.Field, t.IsNull)
	case rowstore.And:
		return b.group(alias, t.Conds, " AND ", "1 = 1")
	case rowstore.Or:
		return b.group(alias, t.Conds, " OR ", "1 = 0")
	case rowstore.Not:
		sql, args, err := b.build(t.Cond, alias)
		if err != nil {
			return "", nil, err
		}
		return "NOT (" + sql + ")", args, nil
	case rowstore.Related:
		return b.related(alias, t)
	case rowstore.HasPublishedVersion:
		return b.hasPublished(alias, t)
	default:
		return "", nil, fmt.Errorf("gormstore: unsupported condition %T", c)
	}
}

func (b *condBuilder) cmp(alias, field, op string, value any) (string, []any, error) {
	expr, isJSON, err := fieldExpr(alias, field)
	if err != nil {
		return "", nil, err
	}
	return fmt.Sprintf("%s %s %s", expr, op, placeholder(isJSON)), []any{argOf(isJSON, value)}, nil
}

func (b *condBuilder) oneOf(alias, field string, values []any, negate bool) (string, []any, error) {
	if len(values) == 0 {
		if negate {
			return "1 = 1", nil, nil
		}
		return "1 = 0", nil, nil
	}
	expr, isJSON, err := fieldExpr(alias, field)
	if err != nil {
		return "", nil, err
	}
	marks := make([]string, len(values))
	args := make([]any, len(values))
	for i, v := range values {
		marks[i] = placeholder(isJSON)
		args[i] = argOf(isJSON, v)
	}
	list := strings.Join(marks, ", ")
	if negate {
		// Rows without the field count as not-in.
		return fmt.Sprintf("(%s IS NULL OR %s NOT IN (%s))", expr, expr, list), args, nil
	}
	return fmt.Sprintf("%s IN (%s)", expr, list), args, nil
}

func (b *condBuilder) like(alias, field, value string, negate bool) (string, []any, error) {
	expr, isJSON, err := fieldExpr(alias, field)
	if err != nil {
		return "", nil, err
	}
	pattern := "%" + escapeLike(value) + "%"
	op := "LIKE"
	if negate {
		op = "NOT LIKE"
	}
	if isJSON {
		// Substring matching applies to string values only.
		return fmt.Sprintf("(JSON_TYPE(%s) = 'STRING' AND JSON_UNQUOTE(%s) %s ?)", expr, expr, op),
			[]any{pattern}, nil
	}
	return fmt.Sprintf("%s %s ?", expr, op), []any{pattern}, nil
}

func (b *condBuilder) null(alias, field string, isNull bool) (string, []any, error) {
	expr, isJSON, err := fieldExpr(alias, field)
	if err != nil {
		return "", nil, err
	}
	if !isJSON {
		if isNull {
			return expr + " IS NULL", nil, nil
		}
		return expr + " IS NOT NULL", nil, nil
	}
	// A missing key extracts to SQL NULL, an explicit null to JSON null.
	if isNull {
		return fmt.Sprintf("(%s IS NULL OR JSON_TYPE(%s) = 'NULL')", expr, expr), nil, nil
	}
	return fmt.Sprintf("(%s IS NOT NULL AND JSON_TYPE(%s) <> 'NULL')", expr, expr), nil, nil
}

func (b *condBuilder) group(alias string, conds []rowstore.Condition, sep, empty string) (string, []any, error) {
	if len(conds) == 0 {
		return empty, nil, nil
	}
	parts := make([]string, 0, len(conds))
	var args []any
	for _, c := range conds {
		sql, a, err := b.build(c, alias)
		if err != nil {
			return "", nil, err
		}
		parts = append(parts, sql)
		args = append(args, a...)
	}
	return "(" + strings.Join(parts, sep) + ")", args, nil
}

func (b *condBuilder) related(alias string, c rowstore.Related) (string, []any, error) {
	b.n++
	r := fmt.Sprintf("r%d", b.n)
	e := fmt.Sprintf("e%d", b.n)

	var sb strings.Builder
	fmt.Fprintf(&sb,
		"EXISTS (SELECT 1 FROM `relations` `%s` JOIN `entries` `%s` ON `%s`.`id` = `%s`.`target_id`"+
			" WHERE `%s`.`source_id` = `%s`.`id` AND `%s`.`path` = ?",
		r, e, e, r, r, alias, r)
	args := []any{c.Attribute}
	if c.Kind != "" {
		fmt.Fprintf(&sb, " AND `%s`.`target_kind` = ?", r)
		args = append(args, c.Kind)
	}
	if c.Cond != nil {
		sub, subArgs, err := b.build(c.Cond, e)
		if err != nil {
			return "", nil, err
		}
		sb.WriteString(" AND " + sub)
		args = append(args, subArgs...)
	}
	sb.WriteString(")")
	return sb.String(), args, nil
}

func (b *condBuilder) hasPublished(alias string, c rowstore.HasPublishedVersion) (string, []any, error) {
	b.n++
	p := fmt.Sprintf("p%d", b.n)
	sql := fmt.Sprintf(
		"EXISTS (SELECT 1 FROM `entries` `%s` WHERE `%s`.`kind` = ?"+
			" AND `%s`.`document_id` = `%s`.`document_id` AND `%s`.`published_at` IS NOT NULL)",
		p, p, p, alias, p)
	if !c.Want {
		sql = "NOT " + sql
	}
	return sql, []any{c.Kind}, nil
}

// placeholder returns the bind expression for a comparison operand. JSON
// operands are bound as their JSON encoding so numbers, booleans and strings
// compare by JSON type rules.
func placeholder(isJSON bool) string {
	if isJSON {
		return "CAST(? AS JSON)"
	}
	return "?"
}

func argOf(isJSON bool, v any) any {
	if !isJSON {
		return v
	}
	b, err := json.Marshal(v)
	if err != nil {
		return "null"
	}
	return string(b)
}

// fieldExpr resolves a condition or sort field to a SQL expression against
// the aliased entries table. The second result reports a JSON expression.
func fieldExpr(alias, field string) (string, bool, error) {
	switch field {
	case rowstore.FieldID:
		return fmt.Sprintf("`%s`.`id`", alias), false, nil
	case rowstore.FieldDocumentID:
		return fmt.Sprintf("`%s`.`document_id`", alias), false, nil
	case rowstore.FieldLocale:
		return fmt.Sprintf("`%s`.`locale`", alias), false, nil
	case rowstore.FieldPublishedAt:
		return fmt.Sprintf("`%s`.`published_at`", alias), false, nil
	case rowstore.FieldFirstPublishedAt:
		return fmt.Sprintf("`%s`.`first_published_at`", alias), false, nil
	case rowstore.FieldCreatedAt:
		return fmt.Sprintf("`%s`.`created_at`", alias), false, nil
	case rowstore.FieldUpdatedAt:
		return fmt.Sprintf("`%s`.`updated_at`", alias), false, nil
	}
	path, err := jsonPath(field)
	if err != nil {
		return "", false, err
	}
	return fmt.Sprintf("JSON_EXTRACT(`%s`.`fields`, '%s')", alias, path), true, nil
}

// jsonPath builds a quoted JSON path for a dotted field name. The segments
// are embedded in the statement, so anything that could break out of the
// path literal is rejected.
func jsonPath(field string) (string, error) {
	var sb strings.Builder
	sb.WriteString("$")
	for _, seg := range strings.Split(field, ".") {
		if seg == "" || strings.ContainsAny(seg, "\"'\\`\x00") {
			return "", fmt.Errorf("gormstore: invalid field name %q", field)
		}
		fmt.Fprintf(&sb, ".\"%s\"", seg)
	}
	return sb.String(), nil
}

func escapeLike(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, `%`, `\%`)
	return strings.ReplaceAll(s, `_`, `\_`)
}

// buildOrder renders sort keys, nulls after values on both directions and
// id as the final tie break.
func buildOrder(orderBy []rowstore.Order) (string, error) {
	var parts []string
	for _, o := range orderBy {
		expr, _, err := fieldExpr("entries", o.Field)
		if err != nil {
			return "", err
		}
		if o.Desc {
			parts = append(parts, expr+" DESC")
		} else {
			parts = append(parts, fmt.Sprintf("(%s IS NULL) ASC, %s ASC", expr, expr))
		}
	}
	parts = append(parts, "`entries`.`id` ASC")
	return strings.Join(parts, ", "), nil
}

// populate attaches relation targets to rows, one attribute path at a time,
// mirroring the memstore reference: the hook of the outermost query applies
// at every level, sub-query conditions are evaluated against each target's
// own kind, and ordering, offset and limit apply per parent.
func (s *Store) populate(ctx context.Context, rows []*rowstore.Entry, populate map[string]*rowstore.Query, hook rowstore.FilterHook) error {
	if len(populate) == 0 || len(rows) == 0 {
		return nil
	}
	byID := make(map[uint64]*rowstore.Entry, len(rows))
	ids := make([]uint64, 0, len(rows))
	for _, e := range rows {
		byID[e.ID] = e
		ids = append(ids, e.ID)
	}

	paths := make([]string, 0, len(populate))
	for p := range populate {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	for _, path := range paths {
		sub := populate[path]
		var rels []relationRow
		err := s.handle(ctx).
			Where("`source_id` IN ? AND `path` = ?", ids, path).
			Order("`source_id` ASC, `ord` ASC, `id` ASC").
			Find(&rels).Error
		if err != nil {
			return mapErr(err)
		}
		if len(rels) == 0 {
			continue
		}
		attached, err := s.attachTargets(ctx, byID, path, rels, sub, hook)
		if err != nil {
			return err
		}
		if sub != nil && len(sub.Populate) > 0 {
			if err := s.populate(ctx, attached, sub.Populate, hook); err != nil {
				return err
			}
		}
	}
	return nil
}

func (s *Store) attachTargets(ctx context.Context, byID map[uint64]*rowstore.Entry, path string, rels []relationRow, sub *rowstore.Query, hook rowstore.FilterHook) ([]*rowstore.Entry, error) {
	targetIDs := make([]uint64, 0, len(rels))
	seen := make(map[uint64]struct{}, len(rels))
	for _, r := range rels {
		if _, ok := seen[r.TargetID]; ok {
			continue
		}
		seen[r.TargetID] = struct{}{}
		targetIDs = append(targetIDs, r.TargetID)
	}

	var rows []entryRow
	if err := s.handle(ctx).Where("`id` IN ?", targetIDs).Find(&rows).Error; err != nil {
		return nil, mapErr(err)
	}
	targets := make(map[uint64]*rowstore.Entry, len(rows))
	byKind := map[string][]uint64{}
	for i := range rows {
		targets[rows[i].ID] = rowToEntry(&rows[i])
		byKind[rows[i].Kind] = append(byKind[rows[i].Kind], rows[i].ID)
	}

	ordered := sub != nil && len(sub.OrderBy) > 0
	allowed, rank, err := s.filterTargets(ctx, byKind, sub, hook, ordered)
	if err != nil {
		return nil, err
	}

	var sel []string
	var offset, limit int64
	if sub != nil {
		sel, offset, limit = sub.Select, sub.Offset, sub.Limit
	}

	perParent := map[uint64][]uint64{}
	parents := make([]uint64, 0, len(byID))
	for _, r := range rels {
		if _, ok := byID[r.SourceID]; !ok {
			continue
		}
		if _, ok := perParent[r.SourceID]; !ok {
			perParent[r.SourceID] = nil
			parents = append(parents, r.SourceID)
		}
		if _, ok := targets[r.TargetID]; !ok || !allowed[r.TargetID] {
			continue
		}
		perParent[r.SourceID] = append(perParent[r.SourceID], r.TargetID)
	}

	var attached []*rowstore.Entry
	for _, parentID := range parents {
		picked := perParent[parentID]
		if ordered {
			sort.SliceStable(picked, func(i, j int) bool { return rank[picked[i]] < rank[picked[j]] })
		}
		picked = slicePage(picked, offset, limit)
		list := make([]*rowstore.Entry, len(picked))
		for i, tid := range picked {
			list[i] = project(targets[tid], sel)
		}
		parent := byID[parentID]
		if parent.Relations == nil {
			parent.Relations = map[string][]*rowstore.Entry{}
		}
		parent.Relations[path] = list
		attached = append(attached, list...)
	}
	return attached, nil
}

// filterTargets resolves which candidate targets survive the sub-query
// condition, evaluated per target kind. When the sub-query sorts, survivors
// also get a rank; targets of mixed kinds rank within their kind group.
func (s *Store) filterTargets(ctx context.Context, byKind map[string][]uint64, sub *rowstore.Query, hook rowstore.FilterHook, ordered bool) (map[uint64]bool, map[uint64]int, error) {
	allowed := map[uint64]bool{}
	rank := map[uint64]int{}

	kinds := make([]string, 0, len(byKind))
	for k := range byKind {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)

	for _, kind := range kinds {
		kindIDs := byKind[kind]
		where := rowstore.EffectiveWhere(sub, kind, hook)
		if where == nil && !ordered {
			for _, id := range kindIDs {
				allowed[id] = true
			}
			continue
		}

		q := s.handle(ctx).Model(&entryRow{}).Where("`entries`.`id` IN ?", kindIDs)
		if where != nil {
			b := &condBuilder{}
			sql, args, err := b.build(where, "entries")
			if err != nil {
				return nil, nil, err
			}
			q = q.Where(sql, args...)
		}
		if ordered {
			order, err := buildOrder(sub.OrderBy)
			if err != nil {
				return nil, nil, err
			}
			q = q.Order(order)
		}
		var got []uint64
		if err := q.Pluck("id", &got).Error; err != nil {
			return nil, nil, mapErr(err)
		}
		for _, id := range got {
			allowed[id] = true
			if ordered {
				rank[id] = len(rank)
			}
		}
	}
	return allowed, rank, nil
}

func slicePage(ids []uint64, offset, limit int64) []uint64 {
	if offset > 0 {
		if offset >= int64(len(ids)) {
			return nil
		}
		ids = ids[offset:]
	}
	if limit > 0 && limit < int64(len(ids)) {
		ids = ids[:limit]
	}
	return ids
}
