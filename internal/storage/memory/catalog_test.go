package memory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/media-scraper/internal/crawler"
)

func record(pageURL string, sources ...string) crawler.MediaRecord {
	rec := crawler.MediaRecord{
		Name:         "Title",
		Description:  "Desc",
		ThumbnailURL: "https://cdn.example/t.jpg",
		PageURL:      pageURL,
		Cast:         []crawler.CastMember{{Name: "Jane Roe"}},
	}
	for _, s := range sources {
		rec.Sources = append(rec.Sources, crawler.SourceLink{Label: "mirror", URL: s})
	}
	return rec
}

func TestCatalogUpsertIsIdempotentOnPageURL(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	c := NewCatalog()

	first, err := c.UpsertMedia(ctx, record("https://site.example/a", "https://h.example/1"))
	require.NoError(t, err)
	updated := record("https://site.example/a", "https://h.example/2", "https://h.example/3")
	updated.Name = "Renamed"
	second, err := c.UpsertMedia(ctx, updated)
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, 1, c.MediaCount())
	assert.Equal(t, 2, c.SourceCount())
	stored, ok := c.MediaByPage("https://site.example/a")
	require.True(t, ok)
	assert.Equal(t, "Renamed", stored.Name)

	existing, err := c.ExistingLinks(ctx, []string{"https://site.example/a", "https://site.example/b"})
	require.NoError(t, err)
	assert.Equal(t, map[string]bool{"https://site.example/a": true}, existing)
}

func TestCatalogCastLookup(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	c := NewCatalog()

	missing, err := c.FindCastByName(ctx, "Jane Roe")
	require.NoError(t, err)
	assert.Nil(t, missing)

	rec := record("https://site.example/a", "https://h.example/1")
	rec.Cast = []crawler.CastMember{{Name: "Jane Roe", ImageURL: "https://img.example/jane.jpg"}}
	_, err = c.UpsertMedia(ctx, rec)
	require.NoError(t, err)

	// A later upsert without an image keeps the known one.
	_, err = c.UpsertMedia(ctx, record("https://site.example/b", "https://h.example/2"))
	require.NoError(t, err)

	member, err := c.FindCastByName(ctx, "jane roe")
	require.NoError(t, err)
	require.NotNil(t, member)
	assert.Equal(t, "https://img.example/jane.jpg", member.ImageURL)
	assert.NotEmpty(t, member.ID)
}

func TestCatalogSourcePagingAndDeletes(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	c := NewCatalog()
	a, err := c.UpsertMedia(ctx, record("https://site.example/a", "https://h.example/1", "https://h.example/2"))
	require.NoError(t, err)
	_, err = c.UpsertMedia(ctx, record("https://site.example/b", "https://h.example/3"))
	require.NoError(t, err)

	page, err := c.ListSourcesPage(ctx, 0, 2)
	require.NoError(t, err)
	assert.Equal(t, 3, page.Total)
	require.Len(t, page.Items, 2)
	assert.Equal(t, "https://h.example/1", page.Items[0].URL)
	assert.Equal(t, a.ID, page.Items[0].MediaID)

	rest, err := c.ListSourcesPage(ctx, 2, 2)
	require.NoError(t, err)
	require.Len(t, rest.Items, 1)
	assert.Equal(t, "https://h.example/3", rest.Items[0].URL)

	require.NoError(t, c.DeleteSource(ctx, page.Items[0].ID))
	count, err := c.CountSourcesForMedia(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, count)
	stored, _ := c.MediaByPage("https://site.example/a")
	assert.Len(t, stored.Sources, 1)

	require.ErrorIs(t, c.DeleteSource(ctx, page.Items[0].ID), crawler.ErrNotFound)

	require.NoError(t, c.DeleteMedia(ctx, a.ID))
	assert.Equal(t, 1, c.MediaCount())
	assert.Equal(t, 1, c.SourceCount())
	require.ErrorIs(t, c.DeleteMedia(ctx, a.ID), crawler.ErrNotFound)
}

func TestCatalogReadsAreCopies(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	c := NewCatalog()
	rec := record("https://site.example/a", "https://h.example/1", "https://h.example/2", "https://h.example/3")
	rec.Categories = []string{"Drama"}
	_, err := c.UpsertMedia(ctx, rec)
	require.NoError(t, err)

	before, ok := c.MediaByPage("https://site.example/a")
	require.True(t, ok)
	require.Len(t, before.Sources, 3)

	page, err := c.ListSourcesPage(ctx, 0, 10)
	require.NoError(t, err)
	require.NoError(t, c.DeleteSource(ctx, page.Items[0].ID))

	assert.Equal(t, "https://h.example/1", before.Sources[0].URL)
	assert.Equal(t, "https://h.example/3", before.Sources[2].URL)

	before.Categories[0] = "Changed"
	before.Cast[0].Name = "Someone Else"
	after, ok := c.MediaByPage("https://site.example/a")
	require.True(t, ok)
	assert.Equal(t, []string{"Drama"}, after.Categories)
	assert.Equal(t, "Jane Roe", after.Cast[0].Name)
	require.Len(t, after.Sources, 2)
	assert.Equal(t, "https://h.example/2", after.Sources[0].URL)
}
