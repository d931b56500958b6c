package orchestrator

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/zap"

	"github.com/JakeFAU/media-scraper/internal/crawler"
)

// PageRunner processes one listing page.
type PageRunner interface {
	Run(ctx context.Context, task crawler.PageTask) (crawler.PageSummary, error)
}

// PageDeps are the collaborators of a page orchestration. Snapshots may be nil.
type PageDeps struct {
	Fetcher   crawler.Fetcher
	Links     crawler.LinkExtractor
	Catalog   crawler.Catalog
	Media     MediaRunner
	Hasher    crawler.Hasher
	Snapshots crawler.BlobStore
	Retry     crawler.RetryPolicy
	Tracer    trace.Tracer
	Logger    *zap.Logger
}

// PageConfig tunes a page orchestration.
type PageConfig struct {
	// MediaTimeout bounds each media child.
	MediaTimeout time.Duration
	// SnapshotContentType is stored with archived listing pages.
	SnapshotContentType string
}

// Page fetches one listing page and fans out a media orchestration per link.
type Page struct {
	deps PageDeps
	cfg  PageConfig
}

// NewPage builds a Page orchestrator.
func NewPage(deps PageDeps, cfg PageConfig) (*Page, error) {
	if deps.Fetcher == nil || deps.Links == nil || deps.Catalog == nil || deps.Media == nil || deps.Hasher == nil {
		return nil, fmt.Errorf("page orchestrator requires fetcher, link extractor, catalog, media runner and hasher")
	}
	if deps.Retry.MaxAttempts <= 0 {
		deps.Retry = crawler.DefaultRetryPolicy()
	}
	if deps.Tracer == nil {
		deps.Tracer = noop.NewTracerProvider().Tracer("")
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if cfg.SnapshotContentType == "" {
		cfg.SnapshotContentType = "text/html; charset=utf-8"
	}
	return &Page{deps: deps, cfg: cfg}, nil
}

// Run processes the page. Fetch, extraction and link-existence failures fail
// the page; media children are settled and only counted.
func (p *Page) Run(ctx context.Context, task crawler.PageTask) (summary crawler.PageSummary, err error) {
	ctx, span := p.deps.Tracer.Start(ctx, "page.run", trace.WithAttributes(
		attribute.String("page.url", task.PageURL),
		attribute.Int("page.index", task.Index),
	))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.SetAttributes(
			attribute.Int("page.links", summary.Links),
			attribute.Int("page.skipped", summary.Skipped),
			attribute.Int("page.failed", summary.Failed),
		)
		span.End()
	}()

	logger := p.deps.Logger.With(zap.String("page_url", task.PageURL))
	summary = crawler.PageSummary{PageURL: task.PageURL}

	body, err := fetchPage(ctx, p.deps.Fetcher, p.deps.Retry, logger, task.PageURL)
	if err != nil {
		return summary, fmt.Errorf("fetch listing page: %w", err)
	}
	p.snapshot(ctx, logger, task, body)

	links, err := p.deps.Links.ExtractLinks(body, task.BaseURL)
	if err != nil {
		return summary, fmt.Errorf("extract links: %w", err)
	}
	summary.Links = len(links)
	if len(links) == 0 {
		logger.Debug("listing page has no links")
		return summary, nil
	}

	candidates := make([]crawler.MediaCandidate, 0, len(links))
	var existing map[string]bool
	if !task.Force {
		existing, err = p.deps.Catalog.ExistingLinks(ctx, links)
		if err != nil {
			return summary, fmt.Errorf("check existing links: %w", err)
		}
	}
	for i, link := range links {
		if existing[link] {
			summary.Skipped++
			continue
		}
		id, err := p.deps.Hasher.Hash([]byte(fmt.Sprintf("%s#%d", task.PageURL, i)))
		if err != nil {
			return summary, fmt.Errorf("derive media id: %w", err)
		}
		candidates = append(candidates, crawler.MediaCandidate{
			ID:       id,
			MediaURL: link,
			BaseURL:  task.BaseURL,
			Force:    task.Force,
		})
	}

	outcomes := settle(candidates, 0, func(_ int, candidate crawler.MediaCandidate) bool {
		childCtx, cancel := detach(ctx, p.cfg.MediaTimeout)
		defer cancel()
		outcome, err := p.deps.Media.Run(childCtx, candidate)
		if err != nil {
			logger.Warn("media orchestration failed", zap.String("media_url", candidate.MediaURL), zap.Error(err))
			return false
		}
		return outcome.Success
	})
	for _, ok := range outcomes {
		if ok {
			summary.Succeeded++
		} else {
			summary.Failed++
		}
	}

	logger.Info("listing page processed",
		zap.Int("links", summary.Links),
		zap.Int("skipped", summary.Skipped),
		zap.Int("succeeded", summary.Succeeded),
		zap.Int("failed", summary.Failed),
	)
	return summary, nil
}

func (p *Page) snapshot(ctx context.Context, logger *zap.Logger, task crawler.PageTask, body []byte) {
	if p.deps.Snapshots == nil {
		return
	}
	key, err := p.deps.Hasher.Hash([]byte(task.PageURL))
	if err != nil {
		logger.Warn("snapshot key failed", zap.Error(err))
		return
	}
	path := fmt.Sprintf("%s/%s.html", task.RunID, key)
	if _, err := p.deps.Snapshots.PutObject(ctx, path, p.cfg.SnapshotContentType, body); err != nil {
		logger.Warn("snapshot upload failed", zap.String("path", path), zap.Error(err))
	}
}
