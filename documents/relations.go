package documents

import (
	"context"
	"strings"

	"github.com/verso-cms/core/rowstore"
	"github.com/verso-cms/core/schema"
)

// ShouldPropagate decides whether an incoming link is re-pointed when the
// rows it targets are replaced. Links excluded here stay deleted.
type ShouldPropagate func(r *rowstore.Relation) bool

// plannedRel is one captured link plus the identity of the version it
// pointed at, so it can be matched to that version's replacement.
type plannedRel struct {
	row    rowstore.Relation
	docID  string
	locale string

	inverseAttr string
	twoWay      bool
}

// relPlan captures the links that will be severed when a set of entry rows
// is replaced. Loaded strictly before the old rows are deleted; applied
// strictly after the new rows exist.
type relPlan struct {
	rows []plannedRel
}

type verKey struct {
	docID  string
	locale string
}

func versionKey(e *rowstore.Entry) verKey {
	return verKey{docID: e.DocumentID, locale: e.LocaleString()}
}

// loadOneWayPlan captures incoming one-way links of the rows about to be
// replaced. Links whose source is itself being replaced are skipped: those
// die with their row and are rebuilt by the version copy. Mirror rows are
// skipped too; they are regenerated from their owning side.
func (s *Service) loadOneWayPlan(ctx context.Context, tx rowstore.Store, old []*rowstore.Entry) (*relPlan, error) {
	return s.loadPlan(ctx, tx, old, false)
}

// loadTwoWayPlan captures incoming owning-side links of two-way relations,
// recording the inverse attribute so the mirror can be rebuilt on the
// replacement row.
func (s *Service) loadTwoWayPlan(ctx context.Context, tx rowstore.Store, old []*rowstore.Entry) (*relPlan, error) {
	return s.loadPlan(ctx, tx, old, true)
}

func (s *Service) loadPlan(ctx context.Context, tx rowstore.Store, old []*rowstore.Entry, twoWay bool) (*relPlan, error) {
	plan := &relPlan{}
	if len(old) == 0 {
		return plan, nil
	}
	oldByID := make(map[uint64]*rowstore.Entry, len(old))
	ids := make([]uint64, 0, len(old))
	for _, e := range old {
		oldByID[e.ID] = e
		ids = append(ids, e.ID)
	}
	incoming, err := tx.Relations().FindByTargets(ctx, ids)
	if err != nil {
		return nil, err
	}
	for _, r := range incoming {
		if _, dying := oldByID[r.SourceID]; dying {
			continue
		}
		if !s.forwardRelation(r) {
			continue
		}
		invAttr, paired := s.inverseOfRelRow(r)
		if paired != twoWay {
			continue
		}
		// The propagation filter scopes one-way links only; owning sides of
		// two-way relations are always re-pointed so the mirror stays whole.
		if !twoWay && s.shouldPropagate != nil && !s.shouldPropagate(r) {
			continue
		}
		target := oldByID[r.TargetID]
		plan.rows = append(plan.rows, plannedRel{
			row:         *r,
			docID:       target.DocumentID,
			locale:      target.LocaleString(),
			inverseAttr: invAttr,
			twoWay:      paired,
		})
	}
	return plan, nil
}

// syncPlans re-points every captured link at the replacement row sharing
// the old target's (documentId, locale). Links with no replacement stay
// deleted. Two-way links get their mirror row rebuilt on the replacement.
func (s *Service) syncPlans(ctx context.Context, tx rowstore.Store, plans []*relPlan, replacements []*rowstore.Entry) error {
	if len(plans) == 0 || len(replacements) == 0 {
		return nil
	}
	byKey := make(map[verKey]*rowstore.Entry, len(replacements))
	for _, e := range replacements {
		byKey[versionKey(e)] = e
	}
	for _, plan := range plans {
		for _, p := range plan.rows {
			next, ok := byKey[verKey{docID: p.docID, locale: p.locale}]
			if !ok {
				continue
			}
			if _, err := tx.Relations().Create(ctx, &rowstore.Relation{
				SourceID:   p.row.SourceID,
				SourceKind: p.row.SourceKind,
				TargetID:   next.ID,
				TargetKind: next.Kind,
				Path:       p.row.Path,
				Order:      p.row.Order,
			}); err != nil {
				return err
			}
			if p.twoWay {
				if _, err := tx.Relations().Create(ctx, &rowstore.Relation{
					SourceID:   next.ID,
					SourceKind: next.Kind,
					TargetID:   p.row.SourceID,
					TargetKind: p.row.SourceKind,
					Path:       p.inverseAttr,
					Order:      p.row.Order,
				}); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

// copyOutgoing duplicates source's owning-side links onto dest, keeping
// target ids and ordering. Two-way links get a fresh mirror row on their
// target. keep filters which links travel; nil keeps all.
func (s *Service) copyOutgoing(ctx context.Context, tx rowstore.Store, source, dest *rowstore.Entry, keep func(*rowstore.Relation) bool) error {
	rows, err := tx.Relations().FindBySources(ctx, []uint64{source.ID})
	if err != nil {
		return err
	}
	for _, r := range rows {
		if !s.forwardRelation(r) {
			continue
		}
		if keep != nil && !keep(r) {
			continue
		}
		if _, err := tx.Relations().Create(ctx, &rowstore.Relation{
			SourceID:   dest.ID,
			SourceKind: dest.Kind,
			TargetID:   r.TargetID,
			TargetKind: r.TargetKind,
			Path:       r.Path,
			Order:      r.Order,
		}); err != nil {
			return err
		}
		if invAttr, ok := s.inverseOfRelRow(r); ok {
			if _, err := tx.Relations().Create(ctx, &rowstore.Relation{
				SourceID:   r.TargetID,
				SourceKind: r.TargetKind,
				TargetID:   dest.ID,
				TargetKind: dest.Kind,
				Path:       invAttr,
				Order:      r.Order,
			}); err != nil {
				return err
			}
		}
	}
	return nil
}

// inverseOfRelRow resolves the mirror attribute of an owning-side link,
// reporting false for one-way links.
func (s *Service) inverseOfRelRow(r *rowstore.Relation) (string, bool) {
	kind, name, ok := s.relOwner(r)
	if !ok {
		return "", false
	}
	_, invAttr, paired := s.registry.Inverse(kind, name)
	return invAttr, paired
}

// relOwner resolves the schema location of a link's attribute: the model
// or component kind holding it and the attribute name. Component-owned
// links (dotted paths) walk down the component chain.
func (s *Service) relOwner(r *rowstore.Relation) (kind, name string, ok bool) {
	kind = r.SourceKind
	name = r.Path
	if i := strings.LastIndexByte(r.Path, '.'); i >= 0 {
		m, err := s.registry.Get(kind)
		if err != nil {
			return "", "", false
		}
		owner, err := s.componentAtPath(m, r.Path[:i])
		if err != nil || owner == nil {
			return "", "", false
		}
		kind = owner.Kind
		name = r.Path[i+1:]
	}
	return kind, name, true
}

// nonLocalizedRelation keeps links whose root attribute is not localized,
// for use as a copyOutgoing filter during localization fan-out.
func nonLocalizedRelation(model *schema.Model) func(*rowstore.Relation) bool {
	return func(r *rowstore.Relation) bool {
		attr, ok := model.Attribute(r.RootAttribute())
		if !ok {
			return false
		}
		return !attr.Localized
	}
}
