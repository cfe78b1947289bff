package rowstore

// Condition is one node of a query filter tree. Adapters translate the tree
// into their native predicate form. Field names refer to model attributes or
// to the core fields (FieldID, FieldDocumentID, ...).
type Condition interface {
	cond()
}

// Core field names usable in conditions, sorts and selections.
const (
	FieldID               = "id"
	FieldDocumentID       = "documentId"
	FieldLocale           = "locale"
	FieldPublishedAt      = "publishedAt"
	FieldFirstPublishedAt = "firstPublishedAt"
	FieldCreatedAt        = "createdAt"
	FieldUpdatedAt        = "updatedAt"
)

type (
	// Eq matches rows whose field equals Value.
	Eq struct {
		Field string
		Value any
	}
	// Ne matches rows whose field differs from Value.
	Ne struct {
		Field string
		Value any
	}
	// Gt, Gte, Lt, Lte compare ordered values.
	Gt struct {
		Field string
		Value any
	}
	Gte struct {
		Field string
		Value any
	}
	Lt struct {
		Field string
		Value any
	}
	Lte struct {
		Field string
		Value any
	}
	// In matches rows whose field equals any of Values.
	In struct {
		Field  string
		Values []any
	}
	// NotIn matches rows whose field equals none of Values.
	NotIn struct {
		Field  string
		Values []any
	}
	// Contains matches string fields holding Value as a substring.
	Contains struct {
		Field string
		Value string
	}
	// NotContains is the negation of Contains.
	NotContains struct {
		Field string
		Value string
	}
	// Null matches rows whose field is null (IsNull true) or set.
	Null struct {
		Field  string
		IsNull bool
	}
	// And matches rows satisfying every operand.
	And struct {
		Conds []Condition
	}
	// Or matches rows satisfying at least one operand.
	Or struct {
		Conds []Condition
	}
	// Not negates its operand.
	Not struct {
		Cond Condition
	}
	// Related matches rows linked through the named attribute path to at
	// least one row of the target kind satisfying Cond. The path matches
	// Relation.Path exactly; component-owned links use their dotted path.
	// A nil Cond matches rows with any link on the path.
	Related struct {
		Attribute string
		Kind      string
		Cond      Condition
	}
	// HasPublishedVersion matches rows whose document has (Want true) or
	// lacks (Want false) at least one published version in any locale.
	HasPublishedVersion struct {
		Kind string
		Want bool
	}
)

func (Eq) cond()                  {}
func (Ne) cond()                  {}
func (Gt) cond()                  {}
func (Gte) cond()                 {}
func (Lt) cond()                  {}
func (Lte) cond()                 {}
func (In) cond()                  {}
func (NotIn) cond()               {}
func (Contains) cond()            {}
func (NotContains) cond()         {}
func (Null) cond()                {}
func (And) cond()                 {}
func (Or) cond()                  {}
func (Not) cond()                 {}
func (Related) cond()             {}
func (HasPublishedVersion) cond() {}

// AndOf combines conditions, dropping nil operands. It returns nil when
// nothing remains and the sole operand itself when only one does, so
// callers can stack optional constraints without nesting empty groups.
func AndOf(conds ...Condition) Condition {
	kept := make([]Condition, 0, len(conds))
	for _, c := range conds {
		if c == nil {
			continue
		}
		if and, ok := c.(And); ok && len(and.Conds) == 0 {
			continue
		}
		kept = append(kept, c)
	}
	switch len(kept) {
	case 0:
		return nil
	case 1:
		return kept[0]
	default:
		return And{Conds: kept}
	}
}

// OrOf is AndOf for disjunctions.
func OrOf(conds ...Condition) Condition {
	kept := make([]Condition, 0, len(conds))
	for _, c := range conds {
		if c == nil {
			continue
		}
		if or, ok := c.(Or); ok && len(or.Conds) == 0 {
			continue
		}
		kept = append(kept, c)
	}
	switch len(kept) {
	case 0:
		return nil
	case 1:
		return kept[0]
	default:
		return Or{Conds: kept}
	}
}

// Order is one sort key.
type Order struct {
	Field string
	Desc  bool
}

// FilterHook rewrites the where condition of one query context. It receives
// the kind being queried and the condition built so far and returns the
// condition to use instead.
type FilterHook func(kind string, where Condition) Condition

// Query describes one read, count or delete against a kind.
type Query struct {
	Where Condition
	// Select limits the returned model fields. Core fields always come
	// back. Empty means all fields.
	Select []string
	// Populate loads relation targets per attribute path. A nil sub-query
	// loads targets unfiltered.
	Populate map[string]*Query
	OrderBy  []Order
	Offset   int64
	// Limit caps the result; 0 means no cap.
	Limit int64

	// FilterEach, when set on the outermost query, is applied by adapters
	// to the root condition and to the condition of every populate level,
	// each with that level's kind. Sub-queries inherit the hook of the
	// query they hang off.
	FilterEach FilterHook
}

// EffectiveWhere resolves the condition for a query level of the given kind,
// honoring hook. A nil q stands for an unconstrained sub-query.
func EffectiveWhere(q *Query, kind string, hook FilterHook) Condition {
	var where Condition
	if q != nil {
		where = q.Where
	}
	if hook != nil {
		return hook(kind, where)
	}
	return where
}
