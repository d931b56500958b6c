package orchestrator

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/media-scraper/internal/crawler"
)

const mediaURL = base + "/the-film/"

func candidate() crawler.MediaCandidate {
	return crawler.MediaCandidate{ID: "c1", MediaURL: mediaURL, BaseURL: base}
}

func TestMediaRejectsItemWithoutLiveSources(t *testing.T) {
	h := newHarness(t)
	h.fetcher.set(mediaURL, fakePage{body: detailHTML("The Film", []string{"http://dead.example"})})
	h.validator.dead("http://dead.example")

	outcome, err := h.media.Run(context.Background(), candidate())
	require.NoError(t, err)
	assert.False(t, outcome.Success)
	assert.Equal(t, crawler.ReasonNoValidSources, outcome.Reason)
	assert.Equal(t, 1, outcome.Dropped)
	assert.Zero(t, h.catalog.upsertCount())
}

func TestMediaUpsertIsIdempotent(t *testing.T) {
	h := newHarness(t)
	h.fetcher.set(mediaURL, fakePage{body: detailHTML("The Film", []string{"https://host.example/1"})})

	first, err := h.media.Run(context.Background(), candidate())
	require.NoError(t, err)
	second, err := h.media.Run(context.Background(), candidate())
	require.NoError(t, err)

	assert.True(t, first.Success)
	assert.Equal(t, first.MediaID, second.MediaID)
	assert.Equal(t, 2, h.catalog.upsertCount())
	assert.Equal(t, 1, h.catalog.MediaCount())
	assert.Equal(t, 1, h.catalog.SourceCount())
}

func TestMediaRejectsMissingRequiredFields(t *testing.T) {
	h := newHarness(t)
	h.fetcher.set(mediaURL, fakePage{body: `<html><body><h1 class="entry-title">No Body</h1>
<div class="sources"><a href="https://host.example/1">A</a></div></body></html>`})

	outcome, err := h.media.Run(context.Background(), candidate())
	require.NoError(t, err)
	assert.Equal(t, crawler.ReasonValidationFailed, outcome.Reason)
	assert.Zero(t, h.catalog.upsertCount())
	assert.Empty(t, h.validator.calls, "sources are not checked for invalid pages")
}

func TestMediaNotMediaPage(t *testing.T) {
	h := newHarness(t)
	h.fetcher.set(mediaURL, fakePage{body: `<html><body><p>About us</p></body></html>`})

	outcome, err := h.media.Run(context.Background(), candidate())
	require.NoError(t, err)
	assert.Equal(t, crawler.ReasonNotMediaPage, outcome.Reason)
}

func TestMediaDropsDeadAndUnvalidatableSources(t *testing.T) {
	h := newHarness(t)
	live, dead, flaky := "https://host.example/live", "https://host.example/dead", "https://host.example/flaky"
	h.fetcher.set(mediaURL, fakePage{body: detailHTML("The Film", []string{live, dead, flaky, live})})
	h.validator.dead(dead)
	h.validator.results[flaky] = verdictResult{err: errBoom}

	outcome, err := h.media.Run(context.Background(), candidate())
	require.NoError(t, err)
	assert.True(t, outcome.Success)
	assert.Equal(t, 1, outcome.Sources)
	assert.Equal(t, 2, outcome.Dropped)
	assert.Equal(t, 1, h.validator.calls[live], "duplicate sources are validated once")

	stored, ok := h.catalog.MediaByPage(mediaURL)
	require.True(t, ok)
	require.Len(t, stored.Sources, 1)
	assert.Equal(t, live, stored.Sources[0].URL)
}

func TestMediaCastEnrichmentIsBestEffort(t *testing.T) {
	h := newHarness(t)
	_, err := h.catalog.Catalog.UpsertMedia(context.Background(), crawler.MediaRecord{
		PageURL: base + "/older/",
		Cast:    []crawler.CastMember{{Name: "Jane Roe", ImageURL: "https://img.example/jane.jpg"}, {Name: "No Image"}},
	})
	require.NoError(t, err)
	h.castImgs.images["John Doe"] = "https://img.example/john.jpg"
	h.castImgs.images["No Image"] = "https://img.example/found.jpg"
	h.castImgs.errs["Bad Actor"] = errBoom
	h.fetcher.set(mediaURL, fakePage{body: detailHTML("The Film", []string{"https://host.example/1"},
		"Jane Roe", "John Doe", "No Image", "Bad Actor")})

	outcome, err := h.media.Run(context.Background(), candidate())
	require.NoError(t, err)
	require.True(t, outcome.Success)

	assert.NotContains(t, h.castImgs.asked, "Jane Roe")
	assert.ElementsMatch(t, []string{"John Doe", "No Image", "Bad Actor"}, h.castImgs.asked)

	images := map[string]string{}
	stored, _ := h.catalog.MediaByPage(mediaURL)
	for _, member := range stored.Cast {
		images[member.Name] = member.ImageURL
	}
	assert.Equal(t, map[string]string{
		"Jane Roe":  "https://img.example/jane.jpg",
		"John Doe":  "https://img.example/john.jpg",
		"No Image":  "https://img.example/found.jpg",
		"Bad Actor": "",
	}, images)
}

func TestMediaPersistenceFailurePropagates(t *testing.T) {
	h := newHarness(t)
	h.fetcher.set(mediaURL, fakePage{body: detailHTML("The Film", []string{"https://host.example/1"})})
	h.catalog.upsertErr = errBoom

	_, err := h.media.Run(context.Background(), candidate())
	require.ErrorIs(t, err, errBoom)
}

func TestMediaFetchFailurePropagates(t *testing.T) {
	h := newHarness(t)

	_, err := h.media.Run(context.Background(), candidate())
	var fetchErr *crawler.FetchError
	require.ErrorAs(t, err, &fetchErr)
	assert.Equal(t, 404, fetchErr.Status)
}
