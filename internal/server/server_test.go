package server

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/media-scraper/internal/config"
	"github.com/JakeFAU/media-scraper/internal/crawler"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg, err := config.Load("")
	require.NoError(t, err)
	cfg.Storage.Snapshots = config.SnapshotMemory
	cfg.Cleanup.PauseMs = 0
	return &cfg
}

func TestBuildWiresMemoryBackends(t *testing.T) {
	cfg := testConfig(t)
	app, err := build(context.Background(), cfg, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, app.Close(context.Background())) })

	runs, err := app.dispatch.ActiveRuns(context.Background())
	require.NoError(t, err)
	assert.Empty(t, runs)
	assert.Nil(t, app.scheduler)

	rec := httptest.NewRecorder()
	app.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	app.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestBuildWithSQLiteAndScheduler(t *testing.T) {
	cfg := testConfig(t)
	cfg.Storage.Catalog = config.BackendSQLite
	cfg.DB.SQLitePath = t.TempDir() + "/catalog.db"
	cfg.Schedule.Enabled = true
	cfg.Storage.Snapshots = config.SnapshotLocal
	cfg.Storage.LocalDir = t.TempDir()

	app, err := build(context.Background(), cfg, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, app.Close(context.Background())) })

	require.NotNil(t, app.scheduler)
	assert.Equal(t, 2, app.scheduler.Entries())
	require.NotNil(t, app.ready)
	require.NoError(t, app.ready(context.Background()))
}

func TestCleanupOnEmptyCatalog(t *testing.T) {
	cfg := testConfig(t)
	app, err := build(context.Background(), cfg, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, app.Close(context.Background())) })

	summary, err := app.Cleanup(context.Background())
	require.NoError(t, err)
	assert.Equal(t, crawler.CleanupSummary{}, summary)
}

func TestScrapeSeedWithoutPagination(t *testing.T) {
	site := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte(`<html><body><p>nothing listed</p></body></html>`))
	}))
	t.Cleanup(site.Close)

	cfg := testConfig(t)
	app, err := build(context.Background(), cfg, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, app.Close(context.Background())) })

	summary, err := app.Scrape(context.Background(), crawler.RunParams{BaseURL: site.URL})
	require.NoError(t, err)
	assert.Equal(t, 1, summary.DiscoveredPages)
	assert.Equal(t, 1, summary.Counters.PagesSucceeded)
	assert.Equal(t, crawler.RunStatusSucceeded, summary.Status)
}
