package memstore

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/verso-cms/core/rowstore"
)

const (
	articleKind = "api::article.article"
	authorKind  = "api::author.author"
)

func strPtr(s string) *string { return &s }

func seedArticle(t *testing.T, s *Store, docID, locale string, published bool, fields map[string]any) *rowstore.Entry {
	t.Helper()
	e := &rowstore.Entry{DocumentID: docID, Locale: strPtr(locale), Fields: fields}
	if published {
		now := time.Now()
		e.PublishedAt = &now
	}
	created, err := s.Entries(articleKind).Create(context.Background(), e)
	require.NoError(t, err)
	return created
}

func TestCreateAssignsStorageFields(t *testing.T) {
	s := New()
	e, err := s.Entries(articleKind).Create(context.Background(), &rowstore.Entry{
		Fields: map[string]any{"title": "hello"},
	})
	require.NoError(t, err)
	require.NotZero(t, e.ID)
	require.NotEmpty(t, e.DocumentID)
	require.Equal(t, articleKind, e.Kind)
	require.False(t, e.CreatedAt.IsZero())
}

func TestCreateDoesNotAliasCallerFields(t *testing.T) {
	s := New()
	fields := map[string]any{"title": "original"}
	e, err := s.Entries(articleKind).Create(context.Background(), &rowstore.Entry{Fields: fields})
	require.NoError(t, err)

	fields["title"] = "mutated"
	got, err := s.Entries(articleKind).FindOne(context.Background(), &rowstore.Query{
		Where: rowstore.Eq{Field: rowstore.FieldID, Value: e.ID},
	})
	require.NoError(t, err)
	require.Equal(t, "original", got.Fields["title"])
}

func TestFindManyFiltersAndSorts(t *testing.T) {
	s := New()
	seedArticle(t, s, "d1", "en", true, map[string]any{"title": "bravo", "views": 10})
	seedArticle(t, s, "d2", "en", true, map[string]any{"title": "alpha", "views": 30})
	seedArticle(t, s, "d3", "en", false, map[string]any{"title": "charlie", "views": 20})

	rows, err := s.Entries(articleKind).FindMany(context.Background(), &rowstore.Query{
		Where:   rowstore.Gt{Field: "views", Value: 15},
		OrderBy: []rowstore.Order{{Field: "title"}},
	})
	require.NoError(t, err)
	require.Len(t, rows, 2)
	require.Equal(t, "alpha", rows[0].Fields["title"])
	require.Equal(t, "charlie", rows[1].Fields["title"])
}

func TestFindManyPagination(t *testing.T) {
	s := New()
	for _, title := range []string{"a", "b", "c", "d"} {
		seedArticle(t, s, "doc-"+title, "en", false, map[string]any{"title": title})
	}
	rows, err := s.Entries(articleKind).FindMany(context.Background(), &rowstore.Query{
		OrderBy: []rowstore.Order{{Field: "title"}},
		Offset:  1,
		Limit:   2,
	})
	require.NoError(t, err)
	require.Len(t, rows, 2)
	require.Equal(t, "b", rows[0].Fields["title"])
	require.Equal(t, "c", rows[1].Fields["title"])
}

func TestFindOneNotFound(t *testing.T) {
	s := New()
	_, err := s.Entries(articleKind).FindOne(context.Background(), &rowstore.Query{
		Where: rowstore.Eq{Field: rowstore.FieldDocumentID, Value: "nope"},
	})
	require.ErrorIs(t, err, rowstore.ErrNotFound)
}

func TestConditionOperators(t *testing.T) {
	s := New()
	seedArticle(t, s, "d1", "en", false, map[string]any{"title": "go rules", "views": 5})
	seedArticle(t, s, "d2", "fr", true, map[string]any{"title": "bonjour", "views": 9})

	ctx := context.Background()
	es := s.Entries(articleKind)

	n, err := es.Count(ctx, &rowstore.Query{Where: rowstore.Contains{Field: "title", Value: "rules"}})
	require.NoError(t, err)
	require.EqualValues(t, 1, n)

	n, err = es.Count(ctx, &rowstore.Query{Where: rowstore.Null{Field: rowstore.FieldPublishedAt, IsNull: true}})
	require.NoError(t, err)
	require.EqualValues(t, 1, n)

	n, err = es.Count(ctx, &rowstore.Query{Where: rowstore.In{Field: rowstore.FieldLocale, Values: []any{"en", "fr"}}})
	require.NoError(t, err)
	require.EqualValues(t, 2, n)

	n, err = es.Count(ctx, &rowstore.Query{Where: rowstore.Or{Conds: []rowstore.Condition{
		rowstore.Eq{Field: "views", Value: 5},
		rowstore.Eq{Field: "views", Value: 9},
	}}})
	require.NoError(t, err)
	require.EqualValues(t, 2, n)
}

func TestSelectKeepsCoreFields(t *testing.T) {
	s := New()
	seedArticle(t, s, "d1", "en", false, map[string]any{"title": "kept", "body": "dropped"})

	row, err := s.Entries(articleKind).FindOne(context.Background(), &rowstore.Query{
		Select: []string{"title"},
	})
	require.NoError(t, err)
	require.Equal(t, "kept", row.Fields["title"])
	require.NotContains(t, row.Fields, "body")
	require.Equal(t, "d1", row.DocumentID)
}

func TestPopulateFollowsRelationOrder(t *testing.T) {
	s := New()
	ctx := context.Background()
	art := seedArticle(t, s, "d1", "en", false, map[string]any{"title": "t"})

	var authors []*rowstore.Entry
	for _, name := range []string{"zoe", "amy"} {
		a, err := s.Entries(authorKind).Create(ctx, &rowstore.Entry{Fields: map[string]any{"name": name}})
		require.NoError(t, err)
		authors = append(authors, a)
	}
	for i, a := range authors {
		_, err := s.Relations().Create(ctx, &rowstore.Relation{
			SourceID: art.ID, SourceKind: articleKind,
			TargetID: a.ID, TargetKind: authorKind,
			Path: "authors", Order: i,
		})
		require.NoError(t, err)
	}

	row, err := s.Entries(articleKind).FindOne(ctx, &rowstore.Query{
		Populate: map[string]*rowstore.Query{"authors": nil},
	})
	require.NoError(t, err)
	require.Len(t, row.Relations["authors"], 2)
	require.Equal(t, "zoe", row.Relations["authors"][0].Fields["name"])
	require.Equal(t, "amy", row.Relations["authors"][1].Fields["name"])
}

func TestPopulateSubQueryFiltersTargets(t *testing.T) {
	s := New()
	ctx := context.Background()
	art := seedArticle(t, s, "d1", "en", false, nil)

	for _, name := range []string{"amy", "bob"} {
		a, err := s.Entries(authorKind).Create(ctx, &rowstore.Entry{Fields: map[string]any{"name": name}})
		require.NoError(t, err)
		_, err = s.Relations().Create(ctx, &rowstore.Relation{
			SourceID: art.ID, SourceKind: articleKind,
			TargetID: a.ID, TargetKind: authorKind, Path: "authors",
		})
		require.NoError(t, err)
	}

	row, err := s.Entries(articleKind).FindOne(ctx, &rowstore.Query{
		Populate: map[string]*rowstore.Query{
			"authors": {Where: rowstore.Eq{Field: "name", Value: "bob"}},
		},
	})
	require.NoError(t, err)
	require.Len(t, row.Relations["authors"], 1)
	require.Equal(t, "bob", row.Relations["authors"][0].Fields["name"])
}

func TestFilterEachAppliesAtEveryLevel(t *testing.T) {
	s := New()
	ctx := context.Background()
	art := seedArticle(t, s, "d1", "en", true, nil)

	pub, err := s.Entries(authorKind).Create(ctx, &rowstore.Entry{
		DocumentID: "a-pub", Fields: map[string]any{"name": "pub"},
		PublishedAt: timePtr(time.Now()),
	})
	require.NoError(t, err)
	draft, err := s.Entries(authorKind).Create(ctx, &rowstore.Entry{
		DocumentID: "a-draft", Fields: map[string]any{"name": "draft"},
	})
	require.NoError(t, err)
	for _, target := range []*rowstore.Entry{pub, draft} {
		_, err = s.Relations().Create(ctx, &rowstore.Relation{
			SourceID: art.ID, SourceKind: articleKind,
			TargetID: target.ID, TargetKind: authorKind, Path: "authors",
		})
		require.NoError(t, err)
	}

	// The hook keeps published rows only, whatever the level's kind.
	hook := func(kind string, where rowstore.Condition) rowstore.Condition {
		return rowstore.AndOf(where, rowstore.Null{Field: rowstore.FieldPublishedAt, IsNull: false})
	}

	rows, err := s.Entries(articleKind).FindMany(ctx, &rowstore.Query{
		Populate:   map[string]*rowstore.Query{"authors": nil},
		FilterEach: hook,
	})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.Len(t, rows[0].Relations["authors"], 1)
	require.Equal(t, "a-pub", rows[0].Relations["authors"][0].DocumentID)
}

func TestHasPublishedVersionCondition(t *testing.T) {
	s := New()
	seedArticle(t, s, "live", "en", false, nil)
	seedArticle(t, s, "live", "en", true, nil)
	seedArticle(t, s, "draft-only", "en", false, nil)

	rows, err := s.Entries(articleKind).FindMany(context.Background(), &rowstore.Query{
		Where: rowstore.AndOf(
			rowstore.Null{Field: rowstore.FieldPublishedAt, IsNull: true},
			rowstore.HasPublishedVersion{Kind: articleKind, Want: true},
		),
	})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.Equal(t, "live", rows[0].DocumentID)
}

func TestRelatedCondition(t *testing.T) {
	s := New()
	ctx := context.Background()
	art := seedArticle(t, s, "d1", "en", false, nil)
	seedArticle(t, s, "d2", "en", false, nil)

	a, err := s.Entries(authorKind).Create(ctx, &rowstore.Entry{Fields: map[string]any{"name": "amy"}})
	require.NoError(t, err)
	_, err = s.Relations().Create(ctx, &rowstore.Relation{
		SourceID: art.ID, SourceKind: articleKind,
		TargetID: a.ID, TargetKind: authorKind, Path: "authors",
	})
	require.NoError(t, err)

	rows, err := s.Entries(articleKind).FindMany(ctx, &rowstore.Query{
		Where: rowstore.Related{
			Attribute: "authors",
			Kind:      authorKind,
			Cond:      rowstore.Eq{Field: "name", Value: "amy"},
		},
	})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.Equal(t, "d1", rows[0].DocumentID)
}

func TestDeleteRemovesRelationsBothDirections(t *testing.T) {
	s := New()
	ctx := context.Background()
	art := seedArticle(t, s, "d1", "en", false, nil)
	a, err := s.Entries(authorKind).Create(ctx, &rowstore.Entry{Fields: map[string]any{"name": "amy"}})
	require.NoError(t, err)

	_, err = s.Relations().Create(ctx, &rowstore.Relation{
		SourceID: art.ID, SourceKind: articleKind,
		TargetID: a.ID, TargetKind: authorKind, Path: "authors",
	})
	require.NoError(t, err)
	_, err = s.Relations().Create(ctx, &rowstore.Relation{
		SourceID: a.ID, SourceKind: authorKind,
		TargetID: art.ID, TargetKind: articleKind, Path: "featured",
	})
	require.NoError(t, err)

	removed, err := s.Entries(articleKind).Delete(ctx, &rowstore.Query{
		Where: rowstore.Eq{Field: rowstore.FieldDocumentID, Value: "d1"},
	})
	require.NoError(t, err)
	require.Len(t, removed, 1)

	bySource, err := s.Relations().FindBySources(ctx, []uint64{art.ID, a.ID})
	require.NoError(t, err)
	require.Empty(t, bySource)
}

func TestUpdateCoreAndModelFields(t *testing.T) {
	s := New()
	ctx := context.Background()
	e := seedArticle(t, s, "d1", "en", false, map[string]any{"title": "old"})

	now := time.Now()
	got, err := s.Entries(articleKind).Update(ctx, e.ID, map[string]any{
		"title":                   "new",
		rowstore.FieldPublishedAt: now,
		rowstore.FieldLocale:      "fr",
		rowstore.FieldDocumentID:  "d1",
		rowstore.FieldCreatedAt:   now.Add(time.Hour),
	})
	require.NoError(t, err)
	require.Equal(t, "new", got.Fields["title"])
	require.NotNil(t, got.PublishedAt)
	require.Equal(t, "fr", *got.Locale)
	require.Equal(t, e.CreatedAt.Unix(), got.CreatedAt.Unix())
}

func TestUpdateUnknownIDFails(t *testing.T) {
	s := New()
	_, err := s.Entries(articleKind).Update(context.Background(), 42, map[string]any{"title": "x"})
	require.ErrorIs(t, err, rowstore.ErrNotFound)
}

func TestTransactionRollsBackOnError(t *testing.T) {
	s := New()
	ctx := context.Background()
	seedArticle(t, s, "keep", "en", false, nil)

	boom := errors.New("boom")
	err := s.InTransaction(ctx, func(tx rowstore.Store) error {
		_, err := tx.Entries(articleKind).Create(ctx, &rowstore.Entry{DocumentID: "gone"})
		require.NoError(t, err)
		_, err = tx.Entries(articleKind).Delete(ctx, &rowstore.Query{
			Where: rowstore.Eq{Field: rowstore.FieldDocumentID, Value: "keep"},
		})
		require.NoError(t, err)
		return boom
	})
	require.ErrorIs(t, err, boom)

	n, err := s.Entries(articleKind).Count(ctx, nil)
	require.NoError(t, err)
	require.EqualValues(t, 1, n)

	row, err := s.Entries(articleKind).FindOne(ctx, nil)
	require.NoError(t, err)
	require.Equal(t, "keep", row.DocumentID)
}

func TestTransactionCommitsOnNil(t *testing.T) {
	s := New()
	ctx := context.Background()
	err := s.InTransaction(ctx, func(tx rowstore.Store) error {
		_, err := tx.Entries(articleKind).Create(ctx, &rowstore.Entry{DocumentID: "committed"})
		return err
	})
	require.NoError(t, err)

	row, err := s.Entries(articleKind).FindOne(ctx, nil)
	require.NoError(t, err)
	require.Equal(t, "committed", row.DocumentID)
}

func TestNestedTransactionJoins(t *testing.T) {
	s := New()
	ctx := context.Background()
	boom := errors.New("boom")

	err := s.InTransaction(ctx, func(tx rowstore.Store) error {
		if err := tx.InTransaction(ctx, func(inner rowstore.Store) error {
			_, err := inner.Entries(articleKind).Create(ctx, &rowstore.Entry{DocumentID: "inner"})
			return err
		}); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	// The inner write rolled back with the outer transaction.
	n, err := s.Entries(articleKind).Count(ctx, nil)
	require.NoError(t, err)
	require.EqualValues(t, 0, n)
}

func timePtr(t time.Time) *time.Time { return &t }
