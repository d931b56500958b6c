// Package castimage discovers portrait images for cast members by scraping a
// configurable search page and picking the closest name match.
package castimage

import (
	"bytes"
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"
	"unicode"

	"github.com/PuerkitoBio/goquery"
	"github.com/agnivade/levenshtein"
	gocache "github.com/patrickmn/go-cache"
	"go.uber.org/zap"
	"golang.org/x/text/cases"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"

	"github.com/JakeFAU/media-scraper/internal/crawler"
)

// NamePlaceholder is replaced by the escaped cast name in SearchURL.
const NamePlaceholder = "{name}"

// Config controls discovery.
type Config struct {
	SearchURL      string
	ResultSelector string
	CacheTTL       time.Duration
	MinSimilarity  float64
}

// Finder implements crawler.CastImageFinder.
type Finder struct {
	fetcher crawler.Fetcher
	cfg     Config
	cache   *gocache.Cache
	logger  *zap.Logger
}

type candidate struct {
	label string
	src   string
}

// New builds a Finder.
func New(fetcher crawler.Fetcher, cfg Config, logger *zap.Logger) *Finder {
	if cfg.ResultSelector == "" {
		cfg.ResultSelector = "img"
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = 12 * time.Hour
	}
	if cfg.MinSimilarity <= 0 {
		cfg.MinSimilarity = 0.8
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Finder{
		fetcher: fetcher,
		cfg:     cfg,
		cache:   gocache.New(cfg.CacheTTL, 2*cfg.CacheTTL),
		logger:  logger,
	}
}

// DiscoverCastImage returns the best-matching image URL or "" when nothing
// matches closely enough. Hits and misses are cached.
func (f *Finder) DiscoverCastImage(ctx context.Context, name string) (string, error) {
	key := FoldName(name)
	if key == "" {
		return "", nil
	}
	if cached, ok := f.cache.Get(key); ok {
		return cached.(string), nil
	}

	searchURL := strings.ReplaceAll(f.cfg.SearchURL, NamePlaceholder, url.QueryEscape(name))
	resp, err := f.fetcher.Fetch(ctx, crawler.FetchRequest{URL: searchURL})
	if err != nil {
		return "", fmt.Errorf("search cast image for %q: %w", name, err)
	}
	if resp.StatusCode >= 400 {
		return "", crawler.StatusError(searchURL, resp.StatusCode)
	}

	candidates, err := f.candidates(resp.Body, searchURL)
	if err != nil {
		return "", err
	}
	best, score := bestMatch(key, candidates)
	image := ""
	if score >= f.cfg.MinSimilarity {
		image = best.src
	}
	f.logger.Debug("cast image search",
		zap.String("name", name),
		zap.Int("candidates", len(candidates)),
		zap.Float64("score", score),
		zap.Bool("found", image != ""),
	)
	f.cache.Set(key, image, gocache.DefaultExpiration)
	return image, nil
}

func (f *Finder) candidates(body []byte, pageURL string) ([]candidate, error) {
	base, err := url.Parse(pageURL)
	if err != nil {
		return nil, fmt.Errorf("parse search url: %w", err)
	}
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("parse search results: %w", err)
	}
	var out []candidate
	doc.Find(f.cfg.ResultSelector).Each(func(_ int, sel *goquery.Selection) {
		img := sel
		if !sel.Is("img") {
			img = sel.Find("img").First()
		}
		src := attr(img, "data-src", "src")
		if src == "" {
			return
		}
		ref, err := url.Parse(src)
		if err != nil {
			return
		}
		label := attr(img, "alt", "title")
		if label == "" {
			label = strings.TrimSpace(sel.Text())
		}
		out = append(out, candidate{label: label, src: base.ResolveReference(ref).String()})
	})
	return out, nil
}

// bestMatch scores each candidate by normalized Levenshtein similarity to the
// folded name, in [0, 1].
func bestMatch(foldedName string, candidates []candidate) (candidate, float64) {
	var (
		best      candidate
		bestScore float64
	)
	for _, c := range candidates {
		label := FoldName(c.label)
		if label == "" {
			continue
		}
		longest := len([]rune(label))
		if n := len([]rune(foldedName)); n > longest {
			longest = n
		}
		score := 1 - float64(levenshtein.ComputeDistance(foldedName, label))/float64(longest)
		if score > bestScore {
			best, bestScore = c, score
		}
	}
	return best, bestScore
}

// FoldName strips accents, case-folds and collapses whitespace so that
// "Zoë  Saldaña" and "zoe saldana" compare equal.
func FoldName(name string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC, cases.Fold())
	folded, _, err := transform.String(t, name)
	if err != nil {
		folded = strings.ToLower(name)
	}
	return strings.Join(strings.Fields(folded), " ")
}

func attr(sel *goquery.Selection, names ...string) string {
	for _, name := range names {
		if value, ok := sel.Attr(name); ok && strings.TrimSpace(value) != "" {
			return strings.TrimSpace(value)
		}
	}
	return ""
}
