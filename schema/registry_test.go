package schema

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func articleModel() *Model {
	return &Model{
		Kind:            "api::article.article",
		DraftAndPublish: true,
		Localized:       true,
		Attributes: map[string]Attribute{
			"title":    {Type: TypeString, Localized: true},
			"views":    {Type: TypeInteger},
			"secret":   {Type: TypeString, Private: true},
			"author":   {Type: TypeRelation, Target: "api::author.author", Inverse: "articles"},
			"cover":    {Type: TypeMedia, Target: "plugin::upload.file"},
			"sections": {Type: TypeDynamicZone, Components: []string{"blocks.hero"}},
		},
	}
}

func authorModel() *Model {
	return &Model{
		Kind: "api::author.author",
		Attributes: map[string]Attribute{
			"name":     {Type: TypeString},
			"articles": {Type: TypeRelation, Target: "api::article.article", Multiple: true},
		},
	}
}

func TestRegistryGet(t *testing.T) {
	reg, err := NewRegistry(articleModel(), authorModel())
	require.NoError(t, err)

	m, err := reg.Get("api::article.article")
	require.NoError(t, err)
	require.True(t, m.DraftAndPublish)

	_, err = reg.Get("api::missing.missing")
	require.ErrorIs(t, err, ErrUnknownKind)
}

func TestRegistryRejectsDuplicateKind(t *testing.T) {
	_, err := NewRegistry(articleModel(), articleModel())
	require.Error(t, err)
}

func TestRegistryRejectsCoreFieldShadowing(t *testing.T) {
	bad := &Model{
		Kind:       "api::bad.bad",
		Attributes: map[string]Attribute{"documentId": {Type: TypeString}},
	}
	_, err := NewRegistry(bad)
	require.Error(t, err)
}

func TestInverseDeclaredOnOwningSide(t *testing.T) {
	reg := MustRegistry(articleModel(), authorModel())

	kind, attr, ok := reg.Inverse("api::article.article", "author")
	require.True(t, ok)
	require.Equal(t, "api::author.author", kind)
	require.Equal(t, "articles", attr)
}

func TestInverseResolvedByReverseScan(t *testing.T) {
	reg := MustRegistry(articleModel(), authorModel())

	// "articles" does not name its counterpart itself; the article side does.
	kind, attr, ok := reg.Inverse("api::author.author", "articles")
	require.True(t, ok)
	require.Equal(t, "api::article.article", kind)
	require.Equal(t, "author", attr)
}

func TestInverseOneWayRelation(t *testing.T) {
	oneWay := &Model{
		Kind: "api::tag.tag",
		Attributes: map[string]Attribute{
			"articles": {Type: TypeRelation, Target: "api::article.article", Multiple: true},
		},
	}
	reg := MustRegistry(articleModel(), authorModel(), oneWay)

	_, _, ok := reg.Inverse("api::tag.tag", "articles")
	require.False(t, ok)

	_, _, ok = reg.Inverse("api::article.article", "cover")
	require.False(t, ok)
}

func TestIsCoreField(t *testing.T) {
	require.True(t, IsCoreField("documentId"))
	require.True(t, IsCoreField("publishedAt"))
	require.False(t, IsCoreField("title"))
}
