package documents

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/verso-cms/core/events"
	"github.com/verso-cms/core/rowstore"
	"github.com/verso-cms/core/rowstore/memstore"
	"github.com/verso-cms/core/schema"
)

const (
	articleKind  = "api::article.article"
	authorKind   = "api::author.author"
	categoryKind = "api::category.category"
	tagKind      = "api::tag.tag"
	fileKind     = "plugin::upload.file"
	settingsKind = "api::settings.settings"
	metaComp     = "shared.meta"
	heroComp     = "blocks.hero"
	quoteComp    = "blocks.quote"
)

func testRegistry() *schema.StaticRegistry {
	return schema.MustRegistry(
		&schema.Model{
			Kind:            articleKind,
			DraftAndPublish: true,
			Localized:       true,
			Attributes: map[string]schema.Attribute{
				"title":      {Type: schema.TypeString, Localized: true},
				"body":       {Type: schema.TypeText, Localized: true},
				"views":      {Type: schema.TypeInteger},
				"secret":     {Type: schema.TypeString, Private: true},
				"author":     {Type: schema.TypeRelation, Target: authorKind},
				"tags":       {Type: schema.TypeRelation, Target: tagKind, Multiple: true, Localized: true},
				"categories": {Type: schema.TypeRelation, Target: categoryKind, Multiple: true, Inverse: "articles"},
				"promotedBy": {Type: schema.TypeRelation, Target: categoryKind, Multiple: true},
				"mentions":   {Type: schema.TypeRelation, Morph: true, Multiple: true},
				"cover":      {Type: schema.TypeMedia, Target: fileKind},
				"meta":       {Type: schema.TypeComponent, Component: metaComp},
				"blocks":     {Type: schema.TypeDynamicZone, Components: []string{heroComp, quoteComp}},
			},
		},
		&schema.Model{
			Kind:            authorKind,
			DraftAndPublish: true,
			Attributes: map[string]schema.Attribute{
				"name":  {Type: schema.TypeString},
				"email": {Type: schema.TypeString, Private: true},
			},
		},
		&schema.Model{
			Kind: categoryKind,
			Attributes: map[string]schema.Attribute{
				"name":     {Type: schema.TypeString},
				"articles": {Type: schema.TypeRelation, Target: articleKind, Multiple: true},
				"featured": {Type: schema.TypeRelation, Target: articleKind, Inverse: "promotedBy"},
			},
		},
		&schema.Model{
			Kind:       tagKind,
			Attributes: map[string]schema.Attribute{"label": {Type: schema.TypeString}},
		},
		&schema.Model{
			Kind:       fileKind,
			Attributes: map[string]schema.Attribute{"url": {Type: schema.TypeString}},
		},
		&schema.Model{
			Kind:       settingsKind,
			Singular:   true,
			Attributes: map[string]schema.Attribute{"siteName": {Type: schema.TypeString}},
		},
		&schema.Model{
			Kind: metaComp,
			Attributes: map[string]schema.Attribute{
				"caption": {Type: schema.TypeString},
				"image":   {Type: schema.TypeMedia, Target: fileKind},
			},
		},
		&schema.Model{
			Kind: heroComp,
			Attributes: map[string]schema.Attribute{
				"heading": {Type: schema.TypeString},
				"hero":    {Type: schema.TypeMedia, Target: fileKind},
			},
		},
		&schema.Model{
			Kind:       quoteComp,
			Attributes: map[string]schema.Attribute{"text": {Type: schema.TypeString}},
		},
	)
}

func newTestService(t *testing.T, opts ...Option) (*Service, *memstore.Store) {
	t.Helper()
	store := memstore.New()
	base := []Option{WithStrictParams(true)}
	return New(store, testRegistry(), append(base, opts...)...), store
}

func mustModel(t *testing.T, s *Service, kind string) *schema.Model {
	t.Helper()
	m, err := s.registry.Get(kind)
	require.NoError(t, err)
	return m
}

// recordingEmitter keeps emitted events in order for assertions.
type recordingEmitter struct {
	mu     sync.Mutex
	events []events.Event
}

func (r *recordingEmitter) Emit(_ context.Context, ev events.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recordingEmitter) names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.events))
	for i, ev := range r.events {
		out[i] = ev.Name
	}
	return out
}

func (r *recordingEmitter) reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = nil
}

func docEntries(t *testing.T, s rowstore.Store, kind, docID string) []*rowstore.Entry {
	t.Helper()
	rows, err := s.Entries(kind).FindMany(context.Background(), &rowstore.Query{
		Where: rowstore.Eq{Field: rowstore.FieldDocumentID, Value: docID},
	})
	require.NoError(t, err)
	return rows
}

// assertVersionInvariant checks that no (locale, status) cell of a document
// holds more than one entry.
func assertVersionInvariant(t *testing.T, s rowstore.Store, kind, docID string) {
	t.Helper()
	type cell struct {
		locale    string
		published bool
	}
	seen := map[cell]int{}
	for _, e := range docEntries(t, s, kind, docID) {
		seen[cell{e.LocaleString(), e.IsPublished()}]++
	}
	for c, n := range seen {
		require.LessOrEqual(t, n, 1, "locale %q published=%v has %d entries", c.locale, c.published, n)
	}
}
