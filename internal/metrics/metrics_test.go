package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestSanitizeSite(t *testing.T) {
	testCases := []struct {
		name     string
		input    string
		expected string
	}{
		{"standard http", "http://example.com/path", "example.com"},
		{"standard https", "https://Example.com/path", "example.com"},
		{"no scheme", "example.com/path", "example.com"},
		{"host with port", "example.com:8080", "example.com"},
		{"invalid url", "http://%", "unknown"},
		{"empty string", "", "unknown"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.expected, SanitizeSite(tc.input))
		})
	}
}

func TestDomainCounters(t *testing.T) {
	before := testutil.ToFloat64(mediaTotal.WithLabelValues("no_valid_sources"))
	ObserveMedia("no_valid_sources")
	assert.Equal(t, before+1, testutil.ToFloat64(mediaTotal.WithLabelValues("no_valid_sources")))

	before = testutil.ToFloat64(cleanupDeletionsTotal.WithLabelValues("media"))
	ObserveCleanupDeletion("media")
	assert.Equal(t, before+1, testutil.ToFloat64(cleanupDeletionsTotal.WithLabelValues("media")))

	before = testutil.ToFloat64(runsTotal.WithLabelValues("cleanup", "succeeded"))
	ObserveRun("cleanup", "succeeded")
	assert.Equal(t, before+1, testutil.ToFloat64(runsTotal.WithLabelValues("cleanup", "succeeded")))

	SetTrackedSites("https://metrics.example")
	before = testutil.ToFloat64(fetchBytesTotal.WithLabelValues("metrics.example"))
	ObserveFetch("https://metrics.example/a", 0)
	ObserveFetch("https://metrics.example/a", 42)
	assert.Equal(t, before+42, testutil.ToFloat64(fetchBytesTotal.WithLabelValues("metrics.example")))

	IncActiveWorkers()
	assert.Equal(t, float64(1), testutil.ToFloat64(activeWorkers))
	DecActiveWorkers()
	assert.Equal(t, float64(0), testutil.ToFloat64(activeWorkers))

	ObserveRateLimitDelay("metrics.example", 200*time.Millisecond)
	assert.Positive(t, testutil.CollectAndCount(rateLimitDelaySeconds))
}

func TestSiteLabelBucketsUntrackedHosts(t *testing.T) {
	SetTrackedSites("https://Site.Example/videos", "")
	defer SetTrackedSites()

	assert.Equal(t, "site.example", SiteLabel("https://site.example/page/2/"))
	assert.Equal(t, "site.example", SiteLabel("site.example"))
	assert.Equal(t, ExternalSite, SiteLabel("https://host-123.example/embed"))
	assert.Equal(t, ExternalSite, SiteLabel("https://other.example/x"))

	before := testutil.ToFloat64(fetchBytesTotal.WithLabelValues(ExternalSite))
	ObserveFetch("https://random-1.example/a", 5)
	ObserveFetch("https://random-2.example/b", 7)
	assert.Equal(t, before+12, testutil.ToFloat64(fetchBytesTotal.WithLabelValues(ExternalSite)))
}

// Fuzz test for SanitizeSite.
func FuzzSanitizeSite(f *testing.F) {
	testcases := []string{"http://example.com", "https://google.com", "ftp://example.com"}
	for _, tc := range testcases {
		f.Add(tc)
	}
	f.Fuzz(func(t *testing.T, orig string) {
		if SanitizeSite(orig) == "" {
			t.Errorf("SanitizeSite(%q) returned an empty string", orig)
		}
	})
}
