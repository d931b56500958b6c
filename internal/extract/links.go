// Package extract turns listing and detail pages into links and media records using goquery.
package extract

import (
	"bytes"
	"fmt"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/JakeFAU/media-scraper/internal/crawler"
)

// LinkExtractor implements crawler.LinkExtractor over anchor tags.
type LinkExtractor struct {
	excluded []string
}

// NewLinkExtractor builds an extractor. A nil excluded list uses crawler.DefaultExcludedPaths.
func NewLinkExtractor(excluded []string) *LinkExtractor {
	if excluded == nil {
		excluded = crawler.DefaultExcludedPaths
	}
	return &LinkExtractor{excluded: excluded}
}

// ExtractLinks returns same-origin content links, filtered and de-duplicated in document order.
func (e *LinkExtractor) ExtractLinks(body []byte, baseURL string) ([]string, error) {
	base, anchors, err := sameOriginAnchors(body, baseURL)
	if err != nil {
		return nil, err
	}
	seen := make(map[string]struct{}, len(anchors))
	links := make([]string, 0, len(anchors))
	for _, u := range anchors {
		if crawler.IsBaseURL(u, base) || crawler.ExcludedPath(u.Path, e.excluded) {
			continue
		}
		normalized, err := crawler.NormalizeURL(u.String())
		if err != nil {
			continue
		}
		if _, dup := seen[normalized]; dup {
			continue
		}
		seen[normalized] = struct{}{}
		links = append(links, normalized)
	}
	return links, nil
}

// PaginationLinks returns same-origin /page/N/ links.
func (e *LinkExtractor) PaginationLinks(body []byte, baseURL string) ([]string, error) {
	_, anchors, err := sameOriginAnchors(body, baseURL)
	if err != nil {
		return nil, err
	}
	var links []string
	for _, u := range anchors {
		if _, ok := crawler.PageIndex(u.String()); ok {
			links = append(links, u.String())
		}
	}
	return links, nil
}

func sameOriginAnchors(body []byte, baseURL string) (*url.URL, []*url.URL, error) {
	base, err := url.Parse(baseURL)
	if err != nil || base.Host == "" {
		return nil, nil, fmt.Errorf("parse base url %q: invalid", baseURL)
	}
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil, nil, fmt.Errorf("parse html: %w", err)
	}

	var anchors []*url.URL
	doc.Find("a[href]").Each(func(_ int, sel *goquery.Selection) {
		href, _ := sel.Attr("href")
		href = strings.TrimSpace(href)
		if href == "" || strings.HasPrefix(href, "#") {
			return
		}
		ref, err := url.Parse(href)
		if err != nil {
			return
		}
		abs := base.ResolveReference(ref)
		if abs.Scheme != "http" && abs.Scheme != "https" {
			return
		}
		if !crawler.SameOrigin(abs, base) {
			return
		}
		abs.Fragment = ""
		anchors = append(anchors, abs)
	})
	return base, anchors, nil
}
