package documents

import (
	"github.com/verso-cms/core/rowstore"
	"github.com/verso-cms/core/schema"
)

// LocaleAll selects every locale of a document.
const LocaleAll = "*"

// defaultLocale fills in the configured locale when a localized type is
// queried or written without one. Non-localized types never carry a locale.
func defaultLocale(model *schema.Model, fallback string) transform {
	return func(p Params) (Params, error) {
		if !model.Localized {
			delete(p, "locale")
			return p, nil
		}
		if _, ok := p["locale"]; !ok {
			p["locale"] = fallback
		}
		return p, nil
	}
}

// allLocales widens an absent locale to the wildcard. Document-scope
// operations (delete, clone, publish, unpublish, discardDraft) address the
// whole document unless the caller narrows them.
func allLocales(model *schema.Model) transform {
	return func(p Params) (Params, error) {
		if !model.Localized {
			delete(p, "locale")
			return p, nil
		}
		if _, ok := p["locale"]; !ok {
			p["locale"] = LocaleAll
		}
		return p, nil
	}
}

// singleLocale rejects wildcard and list locales. Writes target exactly one
// locale slot.
func singleLocale(p Params) (Params, error) {
	switch v := p["locale"].(type) {
	case nil:
		return p, nil
	case string:
		if v == LocaleAll {
			return nil, validationErr("locale", v, "wildcard locale is not allowed here")
		}
		return p, nil
	default:
		return nil, validationErr("locale", v, "must be a single locale")
	}
}

// localeToLookup resolves the locale intent into a lookup condition:
// equality for one locale, a set match for several, no constraint for the
// wildcard. Non-localized types always match their single null-locale row.
func localeToLookup(model *schema.Model) transform {
	return func(p Params) (Params, error) {
		if !model.Localized {
			p.mergeLookup(rowstore.Null{Field: rowstore.FieldLocale, IsNull: true})
			return p, nil
		}
		switch v := p["locale"].(type) {
		case nil:
		case string:
			if v != LocaleAll {
				p.mergeLookup(rowstore.Eq{Field: rowstore.FieldLocale, Value: v})
			}
		case []string:
			vals := make([]any, len(v))
			for i, s := range v {
				vals[i] = s
			}
			p.mergeLookup(rowstore.In{Field: rowstore.FieldLocale, Values: vals})
		}
		return p, nil
	}
}

// localeToData resolves the write-time locale value for one entry.
func localeToData(model *schema.Model, p Params) *string {
	if !model.Localized {
		return nil
	}
	if s, ok := p["locale"].(string); ok && s != LocaleAll {
		return &s
	}
	return nil
}
