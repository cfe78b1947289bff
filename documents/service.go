package documents

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/verso-cms/core/events"
	"github.com/verso-cms/core/rowstore"
	"github.com/verso-cms/core/schema"
)

// coreOnly trims content fields from rows used only for identity math.
var coreOnly = []string{rowstore.FieldDocumentID}

// FindMany returns the entries matching the request. Pagination metadata
// comes back for page-mode requests and when withCount was asked for.
func (s *Service) FindMany(ctx context.Context, kind string, p Params) ([]*rowstore.Entry, *Pagination, error) {
	model, p, err := s.prepare(ctx, kind, p)
	if err != nil {
		return nil, nil, err
	}
	p, err = applyTransforms(p,
		defaultStatus(model),
		defaultLocale(model, s.defaultLocale),
		statusToLookup(model),
		localeToLookup(model),
	)
	if err != nil {
		return nil, nil, err
	}
	q, err := s.toQuery(model, p)
	if err != nil {
		return nil, nil, err
	}
	var entries []*rowstore.Entry
	var meta *Pagination
	err = s.store.InTransaction(ctx, func(tx rowstore.Store) error {
		var err error
		entries, err = tx.Entries(kind).FindMany(ctx, q)
		if err != nil {
			return err
		}
		page, size, paged := pageInfo(p)
		if !paged && !wantsCount(p) {
			return nil
		}
		total, err := tx.Entries(kind).Count(ctx, q)
		if err != nil {
			return err
		}
		if !paged {
			page, size = DefaultPage, DefaultPageSize
			if q.Limit > 0 {
				size = int(q.Limit)
			}
		}
		meta = paginationMeta(total, page, size)
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return entries, meta, nil
}

// FindFirst returns the first entry matching the request, or nil when
// nothing does.
func (s *Service) FindFirst(ctx context.Context, kind string, p Params) (*rowstore.Entry, error) {
	model, p, err := s.prepare(ctx, kind, p)
	if err != nil {
		return nil, err
	}
	p, err = applyTransforms(p,
		defaultStatus(model),
		defaultLocale(model, s.defaultLocale),
		statusToLookup(model),
		localeToLookup(model),
	)
	if err != nil {
		return nil, err
	}
	q, err := s.toQuery(model, p)
	if err != nil {
		return nil, err
	}
	return s.findOne(ctx, kind, q)
}

// FindOne returns the document's entry for the resolved status and locale,
// or nil when that version does not exist.
func (s *Service) FindOne(ctx context.Context, kind, documentID string, p Params) (*rowstore.Entry, error) {
	model, p, err := s.prepare(ctx, kind, p)
	if err != nil {
		return nil, err
	}
	p, err = applyTransforms(p,
		defaultStatus(model),
		defaultLocale(model, s.defaultLocale),
		statusToLookup(model),
		localeToLookup(model),
	)
	if err != nil {
		return nil, err
	}
	q, err := s.toQuery(model, p)
	if err != nil {
		return nil, err
	}
	q.Where = rowstore.AndOf(q.Where, rowstore.Eq{Field: rowstore.FieldDocumentID, Value: documentID})
	return s.findOne(ctx, kind, q)
}

func (s *Service) findOne(ctx context.Context, kind string, q *rowstore.Query) (*rowstore.Entry, error) {
	var entry *rowstore.Entry
	err := s.store.InTransaction(ctx, func(tx rowstore.Store) error {
		e, err := tx.Entries(kind).FindOne(ctx, q)
		if err != nil {
			if errors.Is(err, rowstore.ErrNotFound) {
				return nil
			}
			return err
		}
		entry = e
		return nil
	})
	if err != nil {
		return nil, err
	}
	return entry, nil
}

// Count returns how many entries match the request.
func (s *Service) Count(ctx context.Context, kind string, p Params) (int64, error) {
	model, p, err := s.prepare(ctx, kind, p)
	if err != nil {
		return 0, err
	}
	p, err = applyTransforms(p,
		defaultStatus(model),
		defaultLocale(model, s.defaultLocale),
		statusToLookup(model),
		localeToLookup(model),
	)
	if err != nil {
		return 0, err
	}
	q, err := s.toQuery(model, p)
	if err != nil {
		return 0, err
	}
	var total int64
	err = s.store.InTransaction(ctx, func(tx rowstore.Store) error {
		var err error
		total, err = tx.Entries(kind).Count(ctx, q)
		return err
	})
	return total, err
}

// Create inserts a fresh document: one draft entry, published immediately
// for kinds without draft and publish. A requested status of published
// publishes the new document right after and returns the published entry.
func (s *Service) Create(ctx context.Context, kind string, p Params) (*rowstore.Entry, error) {
	model, p, err := s.prepare(ctx, kind, p)
	if err != nil {
		return nil, err
	}
	wantPublish := p.status() == StatusPublished
	p, err = applyTransforms(p,
		filterDataPublishedAt,
		filterDataFirstPublishedAt,
		setStatusToDraft(model),
		defaultLocale(model, s.defaultLocale),
		singleLocale,
	)
	if err != nil {
		return nil, err
	}
	fields, relWrites, err := s.splitData(model, p.data())
	if err != nil {
		return nil, err
	}

	now := time.Now()
	entry := &rowstore.Entry{
		DocumentID:  uuid.NewString(),
		Kind:        kind,
		Locale:      localeToData(model, p),
		PublishedAt: statusToData(model, p.status(), now),
		Fields:      fields,
	}
	if entry.PublishedAt != nil {
		entry.FirstPublishedAt = entry.PublishedAt
	}

	pend := &pending{}
	var created *rowstore.Entry
	err = s.store.InTransaction(ctx, func(tx rowstore.Store) error {
		e, err := tx.Entries(kind).Create(ctx, entry)
		if err != nil {
			return err
		}
		if err := s.applyRelWrites(ctx, tx, model, e, relWrites); err != nil {
			return err
		}
		if e, err = s.refetch(ctx, tx, model, p, e); err != nil {
			return err
		}
		created = e
		pend.add(events.EntryCreate, e)
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.flush(ctx, pend)
	s.logger.Debug("document created",
		zap.String("kind", kind), zap.String("documentId", created.DocumentID))

	if wantPublish && model.DraftAndPublish {
		res, err := s.Publish(ctx, kind, created.DocumentID, scopeParams(p))
		if err != nil {
			return nil, err
		}
		if len(res.Entries) > 0 {
			return res.Entries[0], nil
		}
	}
	return created, nil
}

// Update mutates the draft of one locale, synthesizing it from the newest
// existing version when that locale has no draft yet. Returns nil when the
// document does not exist at all.
func (s *Service) Update(ctx context.Context, kind, documentID string, p Params) (*rowstore.Entry, error) {
	model, p, err := s.prepare(ctx, kind, p)
	if err != nil {
		return nil, err
	}
	wantPublish := p.status() == StatusPublished
	p, err = applyTransforms(p,
		filterDataPublishedAt,
		filterDataFirstPublishedAt,
		setStatusToDraft(model),
		defaultLocale(model, s.defaultLocale),
		singleLocale,
		statusToLookup(model),
		localeToLookup(model),
	)
	if err != nil {
		return nil, err
	}
	fields, relWrites, err := s.splitData(model, p.data())
	if err != nil {
		return nil, err
	}
	scope := rowstore.AndOf(p.lookup(), rowstore.Eq{Field: rowstore.FieldDocumentID, Value: documentID})

	pend := &pending{}
	var updated *rowstore.Entry
	err = s.store.InTransaction(ctx, func(tx rowstore.Store) error {
		target, err := tx.Entries(kind).FindOne(ctx, &rowstore.Query{Where: scope})
		if err != nil && !errors.Is(err, rowstore.ErrNotFound) {
			return err
		}

		var e *rowstore.Entry
		if err == nil {
			e = target
			if len(fields) > 0 {
				changes := make(map[string]any, len(fields))
				for k, v := range fields {
					changes[k] = v
				}
				if e, err = tx.Entries(kind).Update(ctx, target.ID, changes); err != nil {
					return err
				}
			}
			if err := s.applyRelWrites(ctx, tx, model, e, relWrites); err != nil {
				return err
			}
		} else {
			if e, err = s.synthesizeDraft(ctx, tx, model, documentID, p, fields, relWrites); err != nil || e == nil {
				return err
			}
		}
		if e, err = s.refetch(ctx, tx, model, p, e); err != nil {
			return err
		}
		updated = e
		pend.add(events.EntryUpdate, e)
		return nil
	})
	if err != nil {
		return nil, err
	}
	if updated == nil {
		return nil, nil
	}
	s.flush(ctx, pend)

	if wantPublish && model.DraftAndPublish {
		res, err := s.Publish(ctx, kind, documentID, scopeParams(p))
		if err != nil {
			return nil, err
		}
		if len(res.Entries) > 0 {
			return res.Entries[0], nil
		}
	}
	return updated, nil
}

// synthesizeDraft creates the draft for a locale that has no version yet,
// seeding it with the document's non-localized fields and relations taken
// from the newest existing entry. Returns nil when the document has no
// entries at all.
func (s *Service) synthesizeDraft(ctx context.Context, tx rowstore.Store, model *schema.Model, documentID string, p Params, fields map[string]any, relWrites []relWrite) (*rowstore.Entry, error) {
	src, err := tx.Entries(model.Kind).FindOne(ctx, &rowstore.Query{
		Where:   rowstore.Eq{Field: rowstore.FieldDocumentID, Value: documentID},
		OrderBy: []rowstore.Order{{Field: rowstore.FieldUpdatedAt, Desc: true}},
	})
	if err != nil {
		if errors.Is(err, rowstore.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}

	now := time.Now()
	seeded := s.copyNonLocalized(model, src.Fields)
	if seeded == nil {
		seeded = map[string]any{}
	}
	for k, v := range fields {
		seeded[k] = v
	}
	entry := &rowstore.Entry{
		DocumentID:  documentID,
		Kind:        model.Kind,
		Locale:      localeToData(model, p),
		PublishedAt: statusToData(model, p.status(), now),
		Fields:      seeded,
	}
	if entry.PublishedAt != nil {
		entry.FirstPublishedAt = entry.PublishedAt
	}
	created, err := tx.Entries(model.Kind).Create(ctx, entry)
	if err != nil {
		return nil, err
	}
	if err := s.copyOutgoing(ctx, tx, src, created, nonLocalizedRelation(model)); err != nil {
		return nil, err
	}
	if err := s.applyRelWrites(ctx, tx, model, created, relWrites); err != nil {
		return nil, err
	}
	return created, nil
}

// Delete removes every entry of the document in scope, across locales
// unless the caller narrows them. Draft versions of draft-and-publish
// kinds cannot be deleted directly.
func (s *Service) Delete(ctx context.Context, kind, documentID string, p Params) (*Result, error) {
	model, p, err := s.prepare(ctx, kind, p)
	if err != nil {
		return nil, err
	}
	if model.DraftAndPublish && p.status() == StatusDraft {
		return nil, ErrDraftNotDeletable
	}
	p, err = applyTransforms(p,
		allLocales(model),
		statusToLookup(model),
		localeToLookup(model),
	)
	if err != nil {
		return nil, err
	}
	scope := rowstore.AndOf(p.lookup(), rowstore.Eq{Field: rowstore.FieldDocumentID, Value: documentID})

	pend := &pending{}
	var deleted []*rowstore.Entry
	err = s.store.InTransaction(ctx, func(tx rowstore.Store) error {
		var err error
		deleted, err = tx.Entries(kind).Delete(ctx, &rowstore.Query{Where: scope})
		if err != nil {
			return err
		}
		for _, e := range deleted {
			pend.add(events.EntryDelete, e)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.flush(ctx, pend)
	return &Result{DocumentID: documentID, Entries: deleted}, nil
}

// Clone copies a document into a fresh documentId: one new draft per
// resolved locale, caller data merged over every copy, relations carried
// from the copied rows. The source keeps both its versions; clones start
// as drafts regardless of what they were copied from.
func (s *Service) Clone(ctx context.Context, kind, documentID string, p Params) (*Result, error) {
	model, p, err := s.prepare(ctx, kind, p)
	if err != nil {
		return nil, err
	}
	p, err = applyTransforms(p,
		filterDataPublishedAt,
		filterDataFirstPublishedAt,
		allLocales(model),
		localeToLookup(model),
	)
	if err != nil {
		return nil, err
	}
	overrides, relWrites, err := s.splitData(model, p.data())
	if err != nil {
		return nil, err
	}
	scope := rowstore.AndOf(p.lookup(), rowstore.Eq{Field: rowstore.FieldDocumentID, Value: documentID})
	newDoc := uuid.NewString()

	pend := &pending{}
	var created []*rowstore.Entry
	err = s.store.InTransaction(ctx, func(tx rowstore.Store) error {
		sources, err := tx.Entries(kind).FindMany(ctx, &rowstore.Query{Where: scope})
		if err != nil {
			return err
		}
		if len(sources) == 0 {
			return ErrDocumentNotFound
		}

		byLocale := make(map[string]*rowstore.Entry, len(sources))
		locales := make([]string, 0, len(sources))
		for _, e := range sources {
			key := e.LocaleString()
			cur, ok := byLocale[key]
			if !ok {
				byLocale[key] = e
				locales = append(locales, key)
				continue
			}
			// Both versions exist for the locale: copy the draft.
			if cur.IsPublished() && !e.IsPublished() {
				byLocale[key] = e
			}
		}
		sort.Strings(locales)

		now := time.Now()
		for _, loc := range locales {
			src := byLocale[loc]
			fields := rowstore.CopyFields(src.Fields)
			if fields == nil {
				fields = map[string]any{}
			}
			for k, v := range overrides {
				fields[k] = rowstore.CopyValue(v)
			}
			dup := &rowstore.Entry{
				DocumentID:  newDoc,
				Kind:        kind,
				Locale:      copyLocale(src.Locale),
				PublishedAt: statusToData(model, StatusDraft, now),
				Fields:      fields,
			}
			if dup.PublishedAt != nil {
				dup.FirstPublishedAt = dup.PublishedAt
			}
			e, err := tx.Entries(kind).Create(ctx, dup)
			if err != nil {
				return err
			}
			if err := s.copyOutgoing(ctx, tx, src, e, nil); err != nil {
				return err
			}
			if err := s.applyRelWrites(ctx, tx, model, e, relWrites); err != nil {
				return err
			}
			created = append(created, e)
			pend.add(events.EntryCreate, e)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.flush(ctx, pend)
	return &Result{DocumentID: newDoc, Entries: created}, nil
}

// Publish replaces the published versions in scope with copies of the
// current drafts. Links that pointed at the replaced rows are re-pointed
// at their successors before the transaction commits.
func (s *Service) Publish(ctx context.Context, kind, documentID string, p Params) (*Result, error) {
	model, p, err := s.prepare(ctx, kind, p)
	if err != nil {
		return nil, err
	}
	if !model.DraftAndPublish {
		return nil, ErrDraftAndPublishDisabled
	}
	p, err = applyTransforms(p, allLocales(model), localeToLookup(model))
	if err != nil {
		return nil, err
	}
	scope := rowstore.AndOf(p.lookup(), rowstore.Eq{Field: rowstore.FieldDocumentID, Value: documentID})

	pend := &pending{}
	var published []*rowstore.Entry
	err = s.store.InTransaction(ctx, func(tx rowstore.Store) error {
		drafts, oldPublished, err := s.readVersions(ctx, tx, kind, scope, nil, coreOnly)
		if err != nil {
			return err
		}
		if len(drafts) == 0 {
			return ErrDocumentNotFound
		}

		// Plans must be complete before anything is deleted.
		uni, err := s.loadOneWayPlan(ctx, tx, oldPublished)
		if err != nil {
			return err
		}
		bi, err := s.loadTwoWayPlan(ctx, tx, oldPublished)
		if err != nil {
			return err
		}

		if len(oldPublished) > 0 {
			if _, err := tx.Entries(kind).Delete(ctx, &rowstore.Query{
				Where: rowstore.AndOf(scope, rowstore.Null{Field: rowstore.FieldPublishedAt, IsNull: false}),
			}); err != nil {
				return err
			}
		}

		now := time.Now()
		for _, d := range drafts {
			first := d.FirstPublishedAt
			if first == nil {
				first = &now
				if _, err := tx.Entries(kind).Update(ctx, d.ID, map[string]any{
					rowstore.FieldFirstPublishedAt: now,
				}); err != nil {
					return err
				}
			}
			e, err := tx.Entries(kind).Create(ctx, &rowstore.Entry{
				DocumentID:       d.DocumentID,
				Kind:             kind,
				Locale:           copyLocale(d.Locale),
				PublishedAt:      &now,
				FirstPublishedAt: first,
				Fields:           rowstore.CopyFields(d.Fields),
			})
			if err != nil {
				return err
			}
			if err := s.copyOutgoing(ctx, tx, d, e, nil); err != nil {
				return err
			}
			published = append(published, e)
			pend.add(events.EntryPublish, e)
		}
		return s.syncPlans(ctx, tx, []*relPlan{uni, bi}, published)
	})
	if err != nil {
		return nil, err
	}
	s.flush(ctx, pend)
	s.logger.Debug("document published",
		zap.String("kind", kind), zap.String("documentId", documentID), zap.Int("entries", len(published)))
	return &Result{DocumentID: documentID, Entries: published}, nil
}

// Unpublish removes the published versions in scope and leaves the drafts
// alone.
func (s *Service) Unpublish(ctx context.Context, kind, documentID string, p Params) (*Result, error) {
	model, p, err := s.prepare(ctx, kind, p)
	if err != nil {
		return nil, err
	}
	if !model.DraftAndPublish {
		return nil, ErrDraftAndPublishDisabled
	}
	p, err = applyTransforms(p, allLocales(model), localeToLookup(model))
	if err != nil {
		return nil, err
	}
	scope := rowstore.AndOf(p.lookup(), rowstore.Eq{Field: rowstore.FieldDocumentID, Value: documentID})

	pend := &pending{}
	var removed []*rowstore.Entry
	err = s.store.InTransaction(ctx, func(tx rowstore.Store) error {
		var err error
		removed, err = tx.Entries(kind).Delete(ctx, &rowstore.Query{
			Where: rowstore.AndOf(scope, rowstore.Null{Field: rowstore.FieldPublishedAt, IsNull: false}),
		})
		if err != nil {
			return err
		}
		if len(removed) == 0 {
			// Nothing was published; only a missing document is an error.
			if _, err := tx.Entries(kind).FindOne(ctx, &rowstore.Query{Where: scope}); err != nil {
				if errors.Is(err, rowstore.ErrNotFound) {
					return ErrDocumentNotFound
				}
				return err
			}
			return nil
		}
		for _, e := range removed {
			pend.add(events.EntryUnpublish, e)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.flush(ctx, pend)
	return &Result{DocumentID: documentID, Entries: removed}, nil
}

// DiscardDraft replaces the draft versions in scope with copies of the
// published versions, dropping unpublished edits. Links that pointed at
// the old drafts move to the recreated ones.
func (s *Service) DiscardDraft(ctx context.Context, kind, documentID string, p Params) (*Result, error) {
	model, p, err := s.prepare(ctx, kind, p)
	if err != nil {
		return nil, err
	}
	if !model.DraftAndPublish {
		return nil, ErrDraftAndPublishDisabled
	}
	p, err = applyTransforms(p, allLocales(model), localeToLookup(model))
	if err != nil {
		return nil, err
	}
	scope := rowstore.AndOf(p.lookup(), rowstore.Eq{Field: rowstore.FieldDocumentID, Value: documentID})

	pend := &pending{}
	var drafts []*rowstore.Entry
	err = s.store.InTransaction(ctx, func(tx rowstore.Store) error {
		oldDrafts, published, err := s.readVersions(ctx, tx, kind, scope, coreOnly, nil)
		if err != nil {
			return err
		}
		if len(published) == 0 {
			return ErrDocumentNotFound
		}

		uni, err := s.loadOneWayPlan(ctx, tx, oldDrafts)
		if err != nil {
			return err
		}
		bi, err := s.loadTwoWayPlan(ctx, tx, oldDrafts)
		if err != nil {
			return err
		}

		if len(oldDrafts) > 0 {
			if _, err := tx.Entries(kind).Delete(ctx, &rowstore.Query{
				Where: rowstore.AndOf(scope, rowstore.Null{Field: rowstore.FieldPublishedAt, IsNull: true}),
			}); err != nil {
				return err
			}
		}

		for _, pub := range published {
			e, err := tx.Entries(kind).Create(ctx, &rowstore.Entry{
				DocumentID:       pub.DocumentID,
				Kind:             kind,
				Locale:           copyLocale(pub.Locale),
				FirstPublishedAt: pub.FirstPublishedAt,
				Fields:           rowstore.CopyFields(pub.Fields),
			})
			if err != nil {
				return err
			}
			if err := s.copyOutgoing(ctx, tx, pub, e, nil); err != nil {
				return err
			}
			drafts = append(drafts, e)
			pend.add(events.EntryDraftDiscard, e)
		}
		return s.syncPlans(ctx, tx, []*relPlan{uni, bi}, drafts)
	})
	if err != nil {
		return nil, err
	}
	s.flush(ctx, pend)
	s.logger.Debug("draft discarded",
		zap.String("kind", kind), zap.String("documentId", documentID), zap.Int("entries", len(drafts)))
	return &Result{DocumentID: documentID, Entries: drafts}, nil
}

// readVersions loads the draft and published rows of a scope. The two reads
// run sequentially on purpose: tx is one transaction, hence one connection,
// and the MySQL protocol cannot carry a second query while a result set is
// pending. Selects trim the side that is only needed for identity math.
func (s *Service) readVersions(ctx context.Context, tx rowstore.Store, kind string, scope rowstore.Condition, draftSel, pubSel []string) (drafts, published []*rowstore.Entry, err error) {
	drafts, err = tx.Entries(kind).FindMany(ctx, &rowstore.Query{
		Where:  rowstore.AndOf(scope, rowstore.Null{Field: rowstore.FieldPublishedAt, IsNull: true}),
		Select: draftSel,
	})
	if err != nil {
		return nil, nil, err
	}
	published, err = tx.Entries(kind).FindMany(ctx, &rowstore.Query{
		Where:  rowstore.AndOf(scope, rowstore.Null{Field: rowstore.FieldPublishedAt, IsNull: false}),
		Select: pubSel,
	})
	if err != nil {
		return nil, nil, err
	}
	return drafts, published, nil
}

// refetch reloads a written entry when the request asked for populate or a
// field selection, so the response carries the requested shape.
func (s *Service) refetch(ctx context.Context, tx rowstore.Store, model *schema.Model, p Params, e *rowstore.Entry) (*rowstore.Entry, error) {
	rawPop, hasPop := p["populate"]
	rawFields, hasFields := p["fields"]
	if (!hasPop || rawPop == nil) && (!hasFields || rawFields == nil) {
		return e, nil
	}
	q := &rowstore.Query{Where: rowstore.Eq{Field: rowstore.FieldID, Value: e.ID}}
	if hasFields && rawFields != nil {
		names, err := fieldNames("fields", rawFields)
		if err != nil {
			return nil, err
		}
		q.Select = dropStar(names)
	}
	if hasPop && rawPop != nil {
		pop, err := s.convertPopulate(model, rawPop)
		if err != nil {
			return nil, err
		}
		q.Populate = pop
	}
	out, err := tx.Entries(model.Kind).FindOne(ctx, q)
	if err != nil {
		if errors.Is(err, rowstore.ErrNotFound) {
			return e, nil
		}
		return nil, err
	}
	return out, nil
}

// scopeParams narrows a follow-up operation to the locale the caller
// addressed.
func scopeParams(p Params) Params {
	out := Params{}
	if loc, ok := p["locale"]; ok {
		out["locale"] = loc
	}
	return out
}

func copyLocale(l *string) *string {
	if l == nil {
		return nil
	}
	v := *l
	return &v
}
