package documents

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/verso-cms/core/rowstore"
)

// Params is the caller-facing request shape: decoded JSON or query values
// keyed by parameter name. Recognized keys are status, locale, filters,
// sort, fields, populate, page, pageSize, start, limit, withCount,
// hasPublishedVersion and data. The lookup key is reserved for the engine
// and rejected when it arrives from a caller.
type Params map[string]any

// lookupKey carries the condition derived from status and locale through
// the transform pipeline. Internal only.
const lookupKey = "lookup"

var rootParamKeys = []string{
	"status",
	"locale",
	"filters",
	"sort",
	"fields",
	"populate",
	"page",
	"pageSize",
	"start",
	"limit",
	"withCount",
	"hasPublishedVersion",
	"data",
}

// Clone copies the parameter map one level deep. Transform steps operate on
// a clone so caller maps are never mutated.
func (p Params) Clone() Params {
	if p == nil {
		return Params{}
	}
	out := make(Params, len(p))
	for k, v := range p {
		out[k] = v
	}
	return out
}

func (p Params) status() string {
	s, _ := p["status"].(string)
	return s
}

func (p Params) data() map[string]any {
	d, _ := p["data"].(map[string]any)
	return d
}

func (p Params) lookup() rowstore.Condition {
	c, _ := p[lookupKey].(rowstore.Condition)
	return c
}

// mergeLookup conjoins cond into the pipeline's internal lookup condition.
func (p Params) mergeLookup(cond rowstore.Condition) {
	if cond == nil {
		return
	}
	p[lookupKey] = rowstore.AndOf(p.lookup(), cond)
}

// transform is one step of the parameter pipeline. Steps receive the
// current value and return the value the next step sees; they may mutate
// the map they are given, the pipeline owns it.
type transform func(p Params) (Params, error)

// applyTransforms runs steps in order over a clone of p.
func applyTransforms(p Params, steps ...transform) (Params, error) {
	cur := p.Clone()
	var err error
	for _, step := range steps {
		cur, err = step(cur)
		if err != nil {
			return nil, err
		}
	}
	return cur, nil
}

// resolveStrict interprets the configured strict-params value: unset means
// off, a bool means itself, anything else is a configuration mistake
// surfaced as a validation error.
func resolveStrict(raw any) (bool, error) {
	switch v := raw.(type) {
	case nil:
		return false, nil
	case bool:
		return v, nil
	default:
		return false, validationErr("config.documents.strict_params", raw, "must be a boolean")
	}
}

// rejectLookup fails when the caller supplied the reserved lookup key. This
// check runs in both modes; lookup is derived state, never input.
func rejectLookup(p Params) (Params, error) {
	if _, ok := p[lookupKey]; ok {
		return nil, validationErr(lookupKey, nil, "reserved parameter")
	}
	return p, nil
}

// restrictRootKeys strips keys outside the allowed set. extra holds keys
// registered by collaborators for specific routes.
func restrictRootKeys(extra []string) transform {
	return func(p Params) (Params, error) {
		allowed := make(map[string]struct{}, len(rootParamKeys)+len(extra))
		for _, k := range rootParamKeys {
			allowed[k] = struct{}{}
		}
		for _, k := range extra {
			allowed[k] = struct{}{}
		}
		for k := range p {
			if _, ok := allowed[k]; !ok {
				delete(p, k)
			}
		}
		return p, nil
	}
}

// normalizeStatus drops empty status values and rejects anything besides
// draft and published.
func normalizeStatus(p Params) (Params, error) {
	raw, ok := p["status"]
	if !ok {
		return p, nil
	}
	if isEmptyParam(raw) {
		delete(p, "status")
		return p, nil
	}
	s, ok := raw.(string)
	if !ok || (s != StatusDraft && s != StatusPublished) {
		return nil, validationErr("status", raw, "must be 'draft' or 'published'")
	}
	return p, nil
}

// localePattern is a bounded BCP-47 shape: a 2-3 letter primary subtag plus
// optional alphanumeric subtags. The full value is also capped at 35 bytes
// so hostile input cannot smuggle arbitrary strings into queries.
var localePattern = regexp.MustCompile(`^[A-Za-z]{2,3}(-[A-Za-z0-9]+)*$`)

const maxLocaleLen = 35

func validLocaleString(s string) bool {
	if s == LocaleAll {
		return true
	}
	return len(s) <= maxLocaleLen && localePattern.MatchString(s)
}

// normalizeLocale drops empty locales, validates strings against the
// bounded locale pattern and collapses empty arrays to absent.
func normalizeLocale(p Params) (Params, error) {
	raw, ok := p["locale"]
	if !ok {
		return p, nil
	}
	if isEmptyParam(raw) {
		delete(p, "locale")
		return p, nil
	}
	switch v := raw.(type) {
	case string:
		if !validLocaleString(v) {
			return nil, validationErr("locale", v, "not a valid locale")
		}
	case []string:
		kept := make([]string, 0, len(v))
		for _, s := range v {
			if s == "" {
				continue
			}
			if !validLocaleString(s) {
				return nil, validationErr("locale", s, "not a valid locale")
			}
			kept = append(kept, s)
		}
		if len(kept) == 0 {
			delete(p, "locale")
		} else {
			p["locale"] = kept
		}
	case []any:
		kept := make([]string, 0, len(v))
		for _, e := range v {
			if isEmptyParam(e) {
				continue
			}
			s, ok := e.(string)
			if !ok || !validLocaleString(s) {
				return nil, validationErr("locale", e, "not a valid locale")
			}
			kept = append(kept, s)
		}
		if len(kept) == 0 {
			delete(p, "locale")
		} else {
			p["locale"] = kept
		}
	default:
		return nil, validationErr("locale", raw, "must be a locale string or array of locale strings")
	}
	return p, nil
}

// normalizePagination validates the two pagination modes and rejects mixing
// them in one request.
func normalizePagination(p Params) (Params, error) {
	for _, key := range []string{"page", "pageSize", "start", "limit", "withCount"} {
		if raw, ok := p[key]; ok && isEmptyParam(raw) {
			delete(p, key)
		}
	}

	_, hasPage := p["page"]
	_, hasPageSize := p["pageSize"]
	_, hasStart := p["start"]
	_, hasLimit := p["limit"]
	if (hasPage || hasPageSize) && (hasStart || hasLimit) {
		return nil, validationErr("pagination", nil,
			"cannot mix page-based (page, pageSize) and offset-based (start, limit) pagination")
	}

	if err := checkPageField(p, "page", 1, false); err != nil {
		return nil, err
	}
	if err := checkPageField(p, "pageSize", 1, false); err != nil {
		return nil, err
	}
	if err := checkPageField(p, "start", 0, false); err != nil {
		return nil, err
	}
	if err := checkPageField(p, "limit", 1, true); err != nil {
		return nil, err
	}

	if raw, ok := p["withCount"]; ok {
		b, ok := coerceBool(raw)
		if !ok {
			return nil, validationErr("withCount", raw, "must be a boolean")
		}
		p["withCount"] = b
	}
	return p, nil
}

// checkPageField validates one numeric pagination field against its floor.
// allowUnlimited admits the sentinel -1.
func checkPageField(p Params, key string, floor int64, allowUnlimited bool) error {
	raw, ok := p[key]
	if !ok {
		return nil
	}
	n, ok := coerceInt(raw)
	if !ok {
		return validationErr(key, raw, "must be an integer")
	}
	if n < floor {
		if allowUnlimited && n == -1 {
			p[key] = n
			return nil
		}
		return validationErr(key, raw, "must be at least "+strconv.FormatInt(floor, 10))
	}
	p[key] = n
	return nil
}

// isEmptyParam reports values the normalizer treats as absent.
func isEmptyParam(v any) bool {
	switch t := v.(type) {
	case nil:
		return true
	case string:
		return t == ""
	}
	return false
}

// coerceInt accepts the integer shapes JSON, YAML and query strings
// produce. Fractional values do not coerce.
func coerceInt(v any) (int64, bool) {
	switch t := v.(type) {
	case int:
		return int64(t), true
	case int8:
		return int64(t), true
	case int16:
		return int64(t), true
	case int32:
		return int64(t), true
	case int64:
		return t, true
	case uint:
		return int64(t), true
	case uint32:
		return int64(t), true
	case uint64:
		return int64(t), true
	case float32:
		return wholeFloat(float64(t))
	case float64:
		return wholeFloat(t)
	case string:
		n, err := strconv.ParseInt(strings.TrimSpace(t), 10, 64)
		if err != nil {
			return 0, false
		}
		return n, true
	}
	return 0, false
}

func wholeFloat(f float64) (int64, bool) {
	n := int64(f)
	if float64(n) != f {
		return 0, false
	}
	return n, true
}

// coerceBool accepts booleans and their string forms.
func coerceBool(v any) (bool, bool) {
	switch t := v.(type) {
	case bool:
		return t, true
	case string:
		switch t {
		case "true":
			return true, true
		case "false":
			return false, true
		}
	}
	return false, false
}
