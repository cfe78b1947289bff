package documents

import (
	"time"

	"github.com/verso-cms/core/rowstore"
	"github.com/verso-cms/core/schema"
)

// Status values of a document version. A draft has no publication
// timestamp; a published version carries one.
const (
	StatusDraft     = "draft"
	StatusPublished = "published"
)

// setStatusToDraft forces writes onto the draft slot. Types without draft
// and publish keep an explicitly supplied status untouched so the later
// transforms can ignore it as a whole.
func setStatusToDraft(model *schema.Model) transform {
	return func(p Params) (Params, error) {
		if !model.DraftAndPublish {
			if _, ok := p["status"]; ok {
				return p, nil
			}
		}
		p["status"] = StatusDraft
		return p, nil
	}
}

// defaultStatus fills in draft when the caller did not ask for published.
// Pass-through for types without draft and publish; their single version
// behaves as published everywhere else.
func defaultStatus(model *schema.Model) transform {
	return func(p Params) (Params, error) {
		if !model.DraftAndPublish {
			return p, nil
		}
		return defaultToDraft(p)
	}
}

// defaultToDraft is the capability-blind half of defaultStatus.
func defaultToDraft(p Params) (Params, error) {
	if p.status() != StatusPublished {
		p["status"] = StatusDraft
	}
	return p, nil
}

// filterDataPublishedAt drops publication timestamps from write payloads.
// They are system-managed; a caller-supplied value is ignored, not an error.
func filterDataPublishedAt(p Params) (Params, error) {
	if data := p.data(); data != nil {
		delete(data, rowstore.FieldPublishedAt)
	}
	return p, nil
}

// filterDataFirstPublishedAt additionally guards the first-publication
// stamp on update payloads. It is set once by publish and never rewritten.
func filterDataFirstPublishedAt(p Params) (Params, error) {
	if data := p.data(); data != nil {
		delete(data, rowstore.FieldFirstPublishedAt)
	}
	return p, nil
}

// statusToLookup resolves the status intent into a condition on the
// publication timestamp. No-op for types without draft and publish.
func statusToLookup(model *schema.Model) transform {
	return func(p Params) (Params, error) {
		if !model.DraftAndPublish {
			return p, nil
		}
		switch p.status() {
		case StatusPublished:
			p.mergeLookup(rowstore.Null{Field: rowstore.FieldPublishedAt, IsNull: false})
		case StatusDraft:
			p.mergeLookup(rowstore.Null{Field: rowstore.FieldPublishedAt, IsNull: true})
		}
		return p, nil
	}
}

// statusToData resolves the write-time publication timestamp: types without
// draft and publish are always published, drafts of capable types are not.
func statusToData(model *schema.Model, status string, now time.Time) *time.Time {
	if !model.DraftAndPublish {
		return &now
	}
	if status == StatusPublished {
		return &now
	}
	return nil
}

// parseHasPublishedVersion reads the hasPublishedVersion parameter. The
// second result reports whether it was set at all.
func parseHasPublishedVersion(raw any) (want bool, set bool, err error) {
	if raw == nil {
		return false, false, nil
	}
	b, ok := coerceBool(raw)
	if !ok {
		return false, false, validationErr("hasPublishedVersion", raw, "must be a boolean")
	}
	return b, true, nil
}

// hasPublishedVersionCondition builds the per-kind document condition:
// the documentId is (or is not) among those with at least one published
// version. Nil for kinds without draft and publish, where the condition is
// meaningless, and for unknown kinds, which an earlier check has already
// rejected everywhere it matters.
func hasPublishedVersionCondition(reg schema.Registry, kind string, want bool) rowstore.Condition {
	model, err := reg.Get(kind)
	if err != nil || !model.DraftAndPublish {
		return nil
	}
	return rowstore.HasPublishedVersion{Kind: kind, Want: want}
}
