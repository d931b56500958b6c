package crawler

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeURL(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		in   string
		want string
	}{
		{"lowercases host", "https://Example.COM/Item", "https://example.com/Item"},
		{"drops default port", "http://example.com:80/a", "http://example.com/a"},
		{"drops fragment", "https://example.com/a#comments", "https://example.com/a"},
		{"sorts query", "https://example.com/a?b=2&a=1", "https://example.com/a?a=1&b=2"},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, err := NormalizeURL(tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	_, err := NormalizeURL("/relative/path")
	require.Error(t, err)
}

func TestMaxPageIndex(t *testing.T) {
	t.Parallel()

	links := []string{
		"https://example.com/page/1/",
		"https://example.com/page/7/",
		"https://example.com/page/3/",
		"https://example.com/real-item",
	}
	assert.Equal(t, 7, MaxPageIndex(links))
	assert.Equal(t, 1, MaxPageIndex(nil))
	assert.Equal(t, 1, MaxPageIndex([]string{"https://example.com/page/zero/"}))
}

func TestListingPageURL(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "https://example.com/", ListingPageURL("https://example.com", 1))
	assert.Equal(t, "https://example.com/page/4/", ListingPageURL("https://example.com/", 4))
}

func TestExcludedPath(t *testing.T) {
	t.Parallel()

	assert.True(t, ExcludedPath("/category/drama", DefaultExcludedPaths))
	assert.True(t, ExcludedPath("/Contact-Us/", DefaultExcludedPaths))
	assert.False(t, ExcludedPath("/real-item", DefaultExcludedPaths))
}

func TestRunStatusPredicates(t *testing.T) {
	t.Parallel()

	assert.True(t, RunStatusQueued.Active())
	assert.True(t, RunStatusRunning.Active())
	assert.False(t, RunStatusTerminated.Active())
	assert.True(t, RunStatusTerminated.Terminal())
	assert.False(t, RunStatusRunning.Terminal())

	filter := ActiveFilter(RunKindScrape)
	assert.True(t, filter.Matches(Run{Kind: RunKindScrape, Status: RunStatusRunning}))
	assert.False(t, filter.Matches(Run{Kind: RunKindCleanup, Status: RunStatusRunning}))
	assert.False(t, filter.Matches(Run{Kind: RunKindScrape, Status: RunStatusSucceeded}))
}
