package documents

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/verso-cms/core/schema"
)

func checkerFixture(t *testing.T) (Checker, schema.Registry, *schema.Model) {
	t.Helper()
	reg := testRegistry()
	model, err := reg.Get(articleKind)
	require.NoError(t, err)
	return NewChecker(), reg, model
}

func TestCheckerFiltersAccepts(t *testing.T) {
	c, reg, model := checkerFixture(t)
	ctx := context.Background()

	for _, filters := range []any{
		nil,
		map[string]any{"title": "go"},
		map[string]any{"title": map[string]any{"$contains": "go"}},
		map[string]any{"views": map[string]any{"$in": []any{1, 2}}},
		map[string]any{"documentId": "abc", "id": map[string]any{"$gt": 10}},
		map[string]any{"author": map[string]any{"name": "amy"}},
		map[string]any{"meta": map[string]any{"caption": "x"}},
		map[string]any{"$or": []any{
			map[string]any{"views": map[string]any{"$gte": 10}},
			map[string]any{"title": "go"},
		}},
		map[string]any{"$not": map[string]any{"title": "go"}},
	} {
		require.NoError(t, c.Filters(ctx, reg, model, filters), "%v", filters)
	}
}

func TestCheckerFiltersRejects(t *testing.T) {
	c, reg, model := checkerFixture(t)
	ctx := context.Background()

	cases := []struct {
		filters any
		path    string
		reason  string
	}{
		{5, "filters", "filters must be an object"},
		{map[string]any{"bogus": 1}, "filters.bogus", "unknown attribute"},
		{map[string]any{"secret": "x"}, "filters.secret", "attribute is private"},
		{map[string]any{"$xor": []any{}}, "filters.$xor", "unknown operator"},
		{map[string]any{"title": map[string]any{"$like": "x"}}, "filters.title.$like", "unknown operator"},
		{map[string]any{"blocks": map[string]any{"heading": "x"}}, "filters.blocks", "cannot filter on a dynamic zone"},
		{map[string]any{"mentions": map[string]any{"id": 1}}, "filters.mentions", "cannot filter on a polymorphic relation"},
		{map[string]any{"author": 5}, "filters.author", "relation filters must be an object"},
		{map[string]any{"author": map[string]any{"email": "x"}}, "filters.author.email", "attribute is private"},
		{map[string]any{"meta": map[string]any{"nope": 1}}, "filters.meta.nope", "unknown attribute"},
		{map[string]any{"title": map[string]any{"name": "x"}}, "filters.title.name", "nested attribute filters are only valid on relations and components"},
		{map[string]any{"views": map[string]any{"$or": []any{}}}, "filters.views.$or", "logical operators are not valid inside a comparison"},
		{map[string]any{"views": map[string]any{"$in": 5}}, "filters.views.$in", "expects an array"},
		{map[string]any{"$and": map[string]any{"title": "x"}}, "filters.$and", "expects an array of filter objects"},
	}
	for _, tc := range cases {
		err := c.Filters(ctx, reg, model, tc.filters)
		ve := requireInvalidParam(t, err, tc.path)
		require.Equal(t, tc.reason, ve.Reason)
	}
}

func TestCheckerSort(t *testing.T) {
	c, reg, model := checkerFixture(t)
	ctx := context.Background()

	for _, sort := range []any{
		nil,
		"title",
		"views:desc",
		"title:ASC",
		"title, views:desc",
		"meta.caption",
		"createdAt",
		[]string{"title", "views:desc"},
		[]any{"title"},
	} {
		require.NoError(t, c.Sort(ctx, reg, model, sort), "%v", sort)
	}

	cases := []struct {
		sort   any
		path   string
		reason string
	}{
		{42, "sort", "must be a string or array of strings"},
		{[]any{5}, "sort", "sort entries must be strings"},
		{"title:up", "sort.title:up", "direction must be asc or desc"},
		{"bogus", "sort.bogus", "unknown attribute"},
		{"secret", "sort.secret", "attribute is private"},
		{"author", "sort.author", "cannot sort on a relation"},
		{"cover", "sort.cover", "cannot sort on a relation"},
		{"blocks", "sort.blocks", "cannot sort on a dynamic zone"},
		{"meta", "sort.meta", "cannot sort on a component; sort on one of its fields"},
		{"title.x", "sort.title", "cannot sort through a scalar attribute"},
		{"createdAt.x", "sort.createdAt", "cannot sort through a core field"},
	}
	for _, tc := range cases {
		err := c.Sort(ctx, reg, model, tc.sort)
		ve := requireInvalidParam(t, err, tc.path)
		require.Equal(t, tc.reason, ve.Reason)
	}
}

func TestCheckerFields(t *testing.T) {
	c, reg, model := checkerFixture(t)
	ctx := context.Background()

	for _, fields := range []any{
		nil,
		"title,views",
		"*",
		"documentId",
		[]string{"title"},
		[]any{"title", "body"},
	} {
		require.NoError(t, c.Fields(ctx, reg, model, fields), "%v", fields)
	}

	cases := []struct {
		fields any
		path   string
		reason string
	}{
		{42, "fields", "must be a string or array of strings"},
		{[]any{5}, "fields", "field entries must be strings"},
		{"bogus", "fields.bogus", "unknown attribute"},
		{"secret", "fields.secret", "attribute is private"},
		{"author", "fields.author", "relations are selected with populate, not fields"},
		{"cover", "fields.cover", "relations are selected with populate, not fields"},
	}
	for _, tc := range cases {
		err := c.Fields(ctx, reg, model, tc.fields)
		ve := requireInvalidParam(t, err, tc.path)
		require.Equal(t, tc.reason, ve.Reason)
	}
}

func TestCheckerPopulate(t *testing.T) {
	c, reg, model := checkerFixture(t)
	ctx := context.Background()

	for _, populate := range []any{
		nil,
		true,
		"*",
		"author",
		"meta.image",
		[]string{"author", "tags"},
		[]any{"categories"},
		map[string]any{"mentions": true, "blocks": true},
		map[string]any{"author": map[string]any{
			"filters":  map[string]any{"name": "amy"},
			"sort":     "name:desc",
			"fields":   []any{"name"},
			"populate": nil,
		}},
		map[string]any{"meta": true},
	} {
		require.NoError(t, c.Populate(ctx, reg, model, populate), "%v", populate)
	}

	cases := []struct {
		populate any
		path     string
		reason   string
	}{
		{42, "populate", "must be a boolean, string, array or object"},
		{[]any{5}, "populate", "populate entries must be strings"},
		{"bogus", "populate.bogus", "unknown attribute"},
		{"secret", "populate.secret", "attribute is private"},
		{"title", "populate.title", "attribute cannot be populated"},
		{"author.name", "populate.author.name", "populate paths end at a relation"},
		{"blocks.hero", "populate.blocks.hero", "cannot address inside a dynamic zone; populate the zone itself"},
		{map[string]any{"mentions": map[string]any{"fields": []any{"title"}}}, "populate.mentions", "polymorphic relations cannot take a populate sub-query"},
		{map[string]any{"meta": map[string]any{"populate": "image"}}, "populate.meta", "components cannot take a populate sub-query; populate their relations with dotted paths"},
		{map[string]any{"blocks": map[string]any{"populate": "*"}}, "populate.blocks", "dynamic zones cannot take a populate sub-query"},
		{map[string]any{"author": 5}, "populate.author", "populate sub-query must be a boolean or object"},
		{map[string]any{"author": map[string]any{"filters": map[string]any{"bogus": 1}}}, "populate.author.filters.bogus", "unknown attribute"},
		{map[string]any{"author": map[string]any{"populate": "bogus"}}, "populate.author.populate.bogus", "unknown attribute"},
		{map[string]any{"author": map[string]any{"sort": "email"}}, "populate.author.sort.email", "attribute is private"},
		{map[string]any{"author": map[string]any{"fields": []any{"bogus"}}}, "populate.author.fields.bogus", "unknown attribute"},
	}
	for _, tc := range cases {
		err := c.Populate(ctx, reg, model, tc.populate)
		ve := requireInvalidParam(t, err, tc.path)
		require.Equal(t, tc.reason, ve.Reason)
	}
}

func TestModelCacheMemoizes(t *testing.T) {
	cache := newModelCache(testRegistry())

	a, err := cache.Get(articleKind)
	require.NoError(t, err)
	b, err := cache.Get(articleKind)
	require.NoError(t, err)
	require.Same(t, a, b)

	_, err = cache.Get("api::missing.missing")
	require.ErrorIs(t, err, schema.ErrUnknownKind)

	kind, attr, ok := cache.Inverse(articleKind, "categories")
	require.True(t, ok)
	require.Equal(t, categoryKind, kind)
	require.Equal(t, "articles", attr)
}

// delayedChecker slows down selected checks to prove timing does not pick
// the reported error.
type delayedChecker struct {
	inner    Checker
	filters  time.Duration
	sort     time.Duration
	fields   time.Duration
	populate time.Duration
}

func (c delayedChecker) Filters(ctx context.Context, reg schema.Registry, m *schema.Model, v any) error {
	time.Sleep(c.filters)
	return c.inner.Filters(ctx, reg, m, v)
}

func (c delayedChecker) Sort(ctx context.Context, reg schema.Registry, m *schema.Model, v any) error {
	time.Sleep(c.sort)
	return c.inner.Sort(ctx, reg, m, v)
}

func (c delayedChecker) Fields(ctx context.Context, reg schema.Registry, m *schema.Model, v any) error {
	time.Sleep(c.fields)
	return c.inner.Fields(ctx, reg, m, v)
}

func (c delayedChecker) Populate(ctx context.Context, reg schema.Registry, m *schema.Model, v any) error {
	time.Sleep(c.populate)
	return c.inner.Populate(ctx, reg, m, v)
}

func TestRunCheckersReportsFirstErrorRegardlessOfTiming(t *testing.T) {
	reg := testRegistry()
	model, err := reg.Get(articleKind)
	require.NoError(t, err)
	ctx := context.Background()

	// Both filters and sort are invalid. Whichever check is slowed, the
	// filters error is the one reported.
	p := Params{
		"filters": map[string]any{"bogus": 1},
		"sort":    "alsoBogus",
	}
	for _, c := range []delayedChecker{
		{inner: NewChecker(), filters: 30 * time.Millisecond},
		{inner: NewChecker(), sort: 30 * time.Millisecond},
	} {
		err := runCheckers(ctx, c, reg, model, p)
		requireInvalidParam(t, err, "filters.bogus")
	}

	// Only sort is invalid; a slow filters check must not suppress it.
	p = Params{
		"filters": map[string]any{"title": "ok"},
		"sort":    "bogus",
	}
	err = runCheckers(ctx, delayedChecker{inner: NewChecker(), filters: 30 * time.Millisecond}, reg, model, p)
	requireInvalidParam(t, err, "sort.bogus")

	// All four checks clean.
	p = Params{
		"filters":  map[string]any{"title": "ok"},
		"sort":     "views:desc",
		"fields":   "title",
		"populate": "author",
	}
	require.NoError(t, runCheckers(ctx, delayedChecker{inner: NewChecker(), populate: 10 * time.Millisecond}, reg, model, p))
}
