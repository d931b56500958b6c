package extract

import (
	"bytes"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"

	"github.com/JakeFAU/media-scraper/internal/crawler"
)

// Selectors are the CSS selectors used to read a media detail page.
type Selectors struct {
	Name        string `mapstructure:"name"`
	Description string `mapstructure:"description"`
	Thumbnail   string `mapstructure:"thumbnail"`
	Sources     string `mapstructure:"sources"`
	Categories  string `mapstructure:"categories"`
	Cast        string `mapstructure:"cast"`
	DateAdded   string `mapstructure:"date_added"`
	Duration    string `mapstructure:"duration"`
}

// DefaultSelectors match the common WordPress-style post layout.
func DefaultSelectors() Selectors {
	return Selectors{
		Name:        "h1.entry-title",
		Description: "div.entry-content > p",
		Thumbnail:   "meta[property='og:image'], div.entry-content img",
		Sources:     "div.sources a[href], a.download-link[href]",
		Categories:  "a[rel~='category']",
		Cast:        "div.cast a, a[rel='tag']",
		DateAdded:   "time.entry-date[datetime], meta[property='article:published_time']",
		Duration:    "span.duration",
	}
}

var dateLayouts = []string{time.RFC3339, "2006-01-02T15:04:05", "2006-01-02", "January 2, 2006"}

// MediaParser implements crawler.MediaParser with configurable selectors.
type MediaParser struct {
	selectors Selectors
}

// NewMediaParser builds a parser. Empty selectors fall back to DefaultSelectors.
func NewMediaParser(selectors Selectors) *MediaParser {
	defaults := DefaultSelectors()
	fill := func(value *string, fallback string) {
		if strings.TrimSpace(*value) == "" {
			*value = fallback
		}
	}
	fill(&selectors.Name, defaults.Name)
	fill(&selectors.Description, defaults.Description)
	fill(&selectors.Thumbnail, defaults.Thumbnail)
	fill(&selectors.Sources, defaults.Sources)
	fill(&selectors.Categories, defaults.Categories)
	fill(&selectors.Cast, defaults.Cast)
	fill(&selectors.DateAdded, defaults.DateAdded)
	fill(&selectors.Duration, defaults.Duration)
	return &MediaParser{selectors: selectors}
}

// ParseMediaPage extracts a media record. It returns nil when the page has
// neither a title nor any source links.
func (p *MediaParser) ParseMediaPage(body []byte, pageURL string) (*crawler.ParsedMedia, error) {
	page, err := url.Parse(pageURL)
	if err != nil {
		return nil, fmt.Errorf("parse page url: %w", err)
	}
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("parse html: %w", err)
	}

	media := &crawler.ParsedMedia{
		Name:         collapse(doc.Find(p.selectors.Name).First().Text()),
		Description:  joinText(doc.Find(p.selectors.Description)),
		ThumbnailURL: resolve(page, firstAttr(doc.Find(p.selectors.Thumbnail), "content", "data-src", "src")),
		Sources:      p.sources(doc, page),
		Categories:   distinctText(doc.Find(p.selectors.Categories)),
		Cast:         distinctText(doc.Find(p.selectors.Cast)),
		Duration:     collapse(doc.Find(p.selectors.Duration).First().Text()),
		DateAdded:    parseDate(doc.Find(p.selectors.DateAdded)),
	}
	if media.Name == "" && len(media.Sources) == 0 {
		return nil, nil
	}
	return media, nil
}

func (p *MediaParser) sources(doc *goquery.Document, page *url.URL) []crawler.SourceLink {
	var sources []crawler.SourceLink
	seen := make(map[string]struct{})
	doc.Find(p.selectors.Sources).Each(func(_ int, sel *goquery.Selection) {
		href, _ := sel.Attr("href")
		target := resolve(page, href)
		if target == "" {
			return
		}
		if _, dup := seen[target]; dup {
			return
		}
		seen[target] = struct{}{}
		label := collapse(sel.Text())
		if label == "" {
			if u, err := url.Parse(target); err == nil {
				label = u.Hostname()
			}
		}
		sources = append(sources, crawler.SourceLink{Label: label, URL: target})
	})
	return sources
}

func firstAttr(sel *goquery.Selection, attrs ...string) string {
	var found string
	sel.EachWithBreak(func(_ int, s *goquery.Selection) bool {
		for _, attr := range attrs {
			if value, ok := s.Attr(attr); ok && strings.TrimSpace(value) != "" {
				found = strings.TrimSpace(value)
				return false
			}
		}
		return true
	})
	return found
}

func resolve(base *url.URL, href string) string {
	href = strings.TrimSpace(href)
	if href == "" {
		return ""
	}
	ref, err := url.Parse(href)
	if err != nil {
		return ""
	}
	abs := base.ResolveReference(ref)
	if abs.Scheme != "http" && abs.Scheme != "https" {
		return ""
	}
	return abs.String()
}

func parseDate(sel *goquery.Selection) *time.Time {
	raw := firstAttr(sel, "datetime", "content")
	if raw == "" {
		raw = collapse(sel.First().Text())
	}
	if raw == "" {
		return nil
	}
	for _, layout := range dateLayouts {
		if parsed, err := time.Parse(layout, raw); err == nil {
			utc := parsed.UTC()
			return &utc
		}
	}
	return nil
}

func joinText(sel *goquery.Selection) string {
	parts := make([]string, 0, sel.Length())
	sel.Each(func(_ int, s *goquery.Selection) {
		if text := collapse(s.Text()); text != "" {
			parts = append(parts, text)
		}
	})
	return strings.Join(parts, "\n\n")
}

func distinctText(sel *goquery.Selection) []string {
	var values []string
	seen := make(map[string]struct{})
	sel.Each(func(_ int, s *goquery.Selection) {
		text := collapse(s.Text())
		key := strings.ToLower(text)
		if text == "" {
			return
		}
		if _, dup := seen[key]; dup {
			return
		}
		seen[key] = struct{}{}
		values = append(values, text)
	})
	return values
}

func collapse(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
