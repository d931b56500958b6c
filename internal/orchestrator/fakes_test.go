package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/media-scraper/internal/crawler"
	"github.com/JakeFAU/media-scraper/internal/extract"
	"github.com/JakeFAU/media-scraper/internal/hash/sha256"
	"github.com/JakeFAU/media-scraper/internal/storage/memory"
)

const base = "https://site.example"

var fastRetry = crawler.RetryPolicy{MaxAttempts: 2, InitialDelay: time.Millisecond, MaxDelay: time.Millisecond}

type fakePage struct {
	status int
	body   string
	err    error
}

type fakeFetcher struct {
	mu    sync.Mutex
	pages map[string]fakePage
	calls map[string]int
}

func newFakeFetcher() *fakeFetcher {
	return &fakeFetcher{pages: make(map[string]fakePage), calls: make(map[string]int)}
}

func (f *fakeFetcher) set(url string, page fakePage) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pages[url] = page
}

func (f *fakeFetcher) callCount(url string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[url]
}

func (f *fakeFetcher) Fetch(_ context.Context, req crawler.FetchRequest) (crawler.FetchResponse, error) {
	f.mu.Lock()
	f.calls[req.URL]++
	page, ok := f.pages[req.URL]
	f.mu.Unlock()
	if !ok {
		return crawler.FetchResponse{URL: req.URL, StatusCode: 404}, nil
	}
	if page.err != nil {
		return crawler.FetchResponse{}, page.err
	}
	status := page.status
	if status == 0 {
		status = 200
	}
	return crawler.FetchResponse{URL: req.URL, StatusCode: status, Body: []byte(page.body)}, nil
}

type verdictResult struct {
	alive bool
	err   error
}

// fakeValidator reports every unknown URL as alive.
type fakeValidator struct {
	mu      sync.Mutex
	results map[string]verdictResult
	calls   map[string]int
}

func newFakeValidator() *fakeValidator {
	return &fakeValidator{results: make(map[string]verdictResult), calls: make(map[string]int)}
}

func (v *fakeValidator) dead(urls ...string) {
	for _, u := range urls {
		v.results[u] = verdictResult{alive: false}
	}
}

func (v *fakeValidator) Validate(_ context.Context, url string) (bool, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.calls[url]++
	result, ok := v.results[url]
	if !ok {
		return true, nil
	}
	return result.alive, result.err
}

type fakeCastImages struct {
	mu     sync.Mutex
	images map[string]string
	errs   map[string]error
	asked  []string
}

func (f *fakeCastImages) DiscoverCastImage(_ context.Context, name string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.asked = append(f.asked, name)
	if err := f.errs[name]; err != nil {
		return "", err
	}
	return f.images[name], nil
}

// spyCatalog counts upserts and source page requests on top of the memory catalog.
type spyCatalog struct {
	*memory.Catalog
	mu        sync.Mutex
	upserts   int
	upsertErr error
	offsets   []int
}

func newSpyCatalog() *spyCatalog {
	return &spyCatalog{Catalog: memory.NewCatalog()}
}

func (s *spyCatalog) UpsertMedia(ctx context.Context, record crawler.MediaRecord) (crawler.MediaRecord, error) {
	s.mu.Lock()
	s.upserts++
	err := s.upsertErr
	s.mu.Unlock()
	if err != nil {
		return crawler.MediaRecord{}, err
	}
	return s.Catalog.UpsertMedia(ctx, record)
}

func (s *spyCatalog) ListSourcesPage(ctx context.Context, offset, limit int) (crawler.SourcePage, error) {
	s.mu.Lock()
	s.offsets = append(s.offsets, offset)
	s.mu.Unlock()
	return s.Catalog.ListSourcesPage(ctx, offset, limit)
}

func (s *spyCatalog) upsertCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.upserts
}

type fixedClock struct{ now time.Time }

func (c fixedClock) Now() time.Time { return c.now }

func listingHTML(links ...string) string {
	var b strings.Builder
	b.WriteString("<html><body>")
	for _, link := range links {
		fmt.Fprintf(&b, `<a href="%s">link</a>`, link)
	}
	b.WriteString("</body></html>")
	return b.String()
}

func detailHTML(name string, sources []string, cast ...string) string {
	var b strings.Builder
	b.WriteString(`<html><head><meta property="og:image" content="https://cdn.example/thumb.jpg"></head><body>`)
	fmt.Fprintf(&b, `<h1 class="entry-title">%s</h1><div class="entry-content"><p>About %s.</p></div>`, name, name)
	b.WriteString(`<div class="sources">`)
	for i, source := range sources {
		fmt.Fprintf(&b, `<a href="%s">Mirror %d</a>`, source, i+1)
	}
	b.WriteString(`</div><div class="cast">`)
	for _, member := range cast {
		fmt.Fprintf(&b, `<a href="/cast/x">%s</a>`, member)
	}
	b.WriteString(`</div></body></html>`)
	return b.String()
}

type harness struct {
	fetcher   *fakeFetcher
	validator *fakeValidator
	catalog   *spyCatalog
	castImgs  *fakeCastImages
	snapshots *memory.BlobStore
	media     *Media
	page      *Page
	scrape    *Scrape
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		fetcher:   newFakeFetcher(),
		validator: newFakeValidator(),
		catalog:   newSpyCatalog(),
		castImgs:  &fakeCastImages{images: map[string]string{}, errs: map[string]error{}},
		snapshots: memory.NewBlobStore(),
	}
	var err error
	h.media, err = NewMedia(MediaDeps{
		Fetcher:    h.fetcher,
		Parser:     extract.NewMediaParser(extract.Selectors{}),
		Validator:  h.validator,
		Catalog:    h.catalog,
		CastImages: h.castImgs,
		Retry:      fastRetry,
	})
	require.NoError(t, err)
	h.page, err = NewPage(PageDeps{
		Fetcher:   h.fetcher,
		Links:     extract.NewLinkExtractor(nil),
		Catalog:   h.catalog,
		Media:     h.media,
		Hasher:    sha256.New(16),
		Snapshots: h.snapshots,
		Retry:     fastRetry,
	}, PageConfig{MediaTimeout: 5 * time.Second})
	require.NoError(t, err)
	h.scrape, err = NewScrape(ScrapeDeps{
		Fetcher: h.fetcher,
		Links:   extract.NewLinkExtractor(nil),
		Pages:   h.page,
		Clock:   fixedClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)},
		Retry:   fastRetry,
	}, ScrapeConfig{PageTimeout: 10 * time.Second})
	require.NoError(t, err)
	return h
}

// site registers a seed page paginated up to pages, and one media item per listing page.
func (h *harness) site(pages int) {
	var pagination []string
	for n := 2; n <= pages; n++ {
		pagination = append(pagination, crawler.ListingPageURL(base, n))
	}
	h.fetcher.set(base, fakePage{body: listingHTML(pagination...)})
	for n := 1; n <= pages; n++ {
		item := fmt.Sprintf("%s/item-%d/", base, n)
		h.fetcher.set(crawler.ListingPageURL(base, n), fakePage{body: listingHTML(append(pagination, item)...)})
		h.fetcher.set(item, fakePage{body: detailHTML(fmt.Sprintf("Item %d", n), []string{fmt.Sprintf("https://host.example/%d", n)})})
	}
}

var errBoom = errors.New("boom")
