package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/zap"

	"github.com/JakeFAU/media-scraper/internal/crawler"
	"github.com/JakeFAU/media-scraper/internal/metrics"
)

// Checkpointer persists the run after a completed step.
type Checkpointer func(ctx context.Context, run crawler.Run) error

// ScrapeDeps are the collaborators of the top-level scrape.
type ScrapeDeps struct {
	Fetcher crawler.Fetcher
	Links   crawler.LinkExtractor
	Pages   PageRunner
	Clock   crawler.Clock
	Retry   crawler.RetryPolicy
	Tracer  trace.Tracer
	Logger  *zap.Logger
}

// ScrapeConfig tunes the scrape.
type ScrapeConfig struct {
	// PageTimeout bounds each page child.
	PageTimeout time.Duration
}

// Scrape discovers pagination and runs page orchestrations in sequential
// batches.
type Scrape struct {
	deps ScrapeDeps
	cfg  ScrapeConfig
}

// NewScrape builds a Scrape orchestrator.
func NewScrape(deps ScrapeDeps, cfg ScrapeConfig) (*Scrape, error) {
	if deps.Fetcher == nil || deps.Links == nil || deps.Pages == nil || deps.Clock == nil {
		return nil, fmt.Errorf("scrape orchestrator requires fetcher, link extractor, page runner and clock")
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
	return &Scrape{deps: deps, cfg: cfg}, nil
}

// Run executes a scrape without durable state.
func (s *Scrape) Run(ctx context.Context, params crawler.RunParams) (crawler.RunSummary, error) {
	now := s.deps.Clock.Now()
	run := crawler.Run{
		Kind:      crawler.RunKindScrape,
		Status:    crawler.RunStatusRunning,
		Params:    params,
		Submitted: now,
		Started:   &now,
	}
	return s.Execute(ctx, &run, nil)
}

// Discover fetches the seed page and returns the highest /page/N/ index it
// links to. A seed that cannot be fetched is fatal to the run.
func (s *Scrape) Discover(ctx context.Context, baseURL string) (int, error) {
	body, err := fetchPage(ctx, s.deps.Fetcher, s.deps.Retry, s.deps.Logger, baseURL)
	if err != nil {
		return 0, fmt.Errorf("fetch seed page: %w", err)
	}
	links, err := s.deps.Links.PaginationLinks(body, baseURL)
	if err != nil {
		return 0, fmt.Errorf("scan pagination: %w", err)
	}
	return crawler.MaxPageIndex(links), nil
}

// Execute advances run from its stored position: discovery when nothing was
// planned yet, then every remaining batch. run is updated in place and saved
// through save after discovery and after each batch. A canceled ctx stops
// between batches and returns its cause.
func (s *Scrape) Execute(ctx context.Context, run *crawler.Run, save Checkpointer) (summary crawler.RunSummary, err error) {
	ctx, span := s.deps.Tracer.Start(ctx, "scrape.run", trace.WithAttributes(
		attribute.String("run.id", run.ID),
		attribute.String("run.base_url", run.Params.BaseURL),
	))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()
	if save == nil {
		save = func(context.Context, crawler.Run) error { return nil }
	}
	logger := s.deps.Logger.With(zap.String("run_id", run.ID), zap.String("base_url", run.Params.BaseURL))

	if run.PlannedPages == 0 {
		discovered, err := s.Discover(ctx, run.Params.BaseURL)
		if err != nil {
			logger.Error("pagination discovery failed", zap.Error(err))
			return s.summary(run), err
		}
		run.DiscoveredPages = discovered
		run.PlannedPages = discovered
		if run.Params.MaxPages != nil && *run.Params.MaxPages > 0 {
			run.PlannedPages = *run.Params.MaxPages
		}
		if err := save(context.WithoutCancel(ctx), *run); err != nil {
			return s.summary(run), fmt.Errorf("checkpoint discovery: %w", err)
		}
		logger.Info("pagination discovered", zap.Int("discovered", discovered), zap.Int("planned", run.PlannedPages))
	}

	batchSize := run.Params.EffectiveBatchSize()
	totalBatches := (run.PlannedPages + batchSize - 1) / batchSize
	for batch := run.NextBatch; batch < totalBatches; batch++ {
		if ctx.Err() != nil {
			return s.summary(run), context.Cause(ctx)
		}
		outcome := s.runBatch(ctx, logger, run, batch, batchSize)
		run.Batches = append(run.Batches, outcome)
		run.NextBatch = batch + 1
		if err := save(context.WithoutCancel(ctx), *run); err != nil {
			return s.summary(run), fmt.Errorf("checkpoint batch %d: %w", batch, err)
		}
	}
	if ctx.Err() != nil && run.NextBatch < totalBatches {
		return s.summary(run), context.Cause(ctx)
	}

	summary = s.summary(run)
	summary.Status = crawler.RunStatusSucceeded
	logger.Info("scrape finished",
		zap.Int("pages_succeeded", run.Counters.PagesSucceeded),
		zap.Int("pages_failed", run.Counters.PagesFailed),
		zap.Int("media_succeeded", run.Counters.MediaSucceeded),
		zap.Int("media_failed", run.Counters.MediaFailed),
	)
	return summary, nil
}

// runBatch starts every page of the batch concurrently and waits for all of
// them. Counters are folded into run.
func (s *Scrape) runBatch(ctx context.Context, logger *zap.Logger, run *crawler.Run, batch, batchSize int) crawler.BatchOutcome {
	first := batch*batchSize + 1
	last := min(first+batchSize-1, run.PlannedPages)
	tasks := make([]crawler.PageTask, 0, last-first+1)
	for n := first; n <= last; n++ {
		tasks = append(tasks, crawler.PageTask{
			RunID:   run.ID,
			PageURL: crawler.ListingPageURL(run.Params.BaseURL, n),
			BaseURL: run.Params.BaseURL,
			Index:   n,
			Force:   run.Params.Force,
		})
	}

	type result struct {
		summary crawler.PageSummary
		err     error
	}
	results := settle(tasks, 0, func(_ int, task crawler.PageTask) result {
		childCtx, cancel := detach(ctx, s.cfg.PageTimeout)
		defer cancel()
		summary, err := s.deps.Pages.Run(childCtx, task)
		return result{summary: summary, err: err}
	})

	outcome := crawler.BatchOutcome{Index: batch}
	for i, r := range results {
		if r.err != nil {
			outcome.Failed++
			run.Counters.PagesFailed++
			metrics.ObservePage("failed")
			level := logger.Warn
			if errors.Is(r.err, context.DeadlineExceeded) {
				level = logger.Info
			}
			level("page orchestration failed", zap.String("page_url", tasks[i].PageURL), zap.Error(r.err))
			continue
		}
		outcome.Succeeded++
		run.Counters.PagesSucceeded++
		run.Counters.MediaSucceeded += r.summary.Succeeded
		run.Counters.MediaFailed += r.summary.Failed
		run.Counters.MediaSkipped += r.summary.Skipped
		metrics.ObservePage("succeeded")
	}
	logger.Info("batch settled", zap.Int("batch", batch), zap.Int("succeeded", outcome.Succeeded), zap.Int("failed", outcome.Failed))
	return outcome
}

func (s *Scrape) summary(run *crawler.Run) crawler.RunSummary {
	summary := crawler.RunSummary{
		RunID:           run.ID,
		BaseURL:         run.Params.BaseURL,
		DiscoveredPages: run.DiscoveredPages,
		PlannedPages:    run.PlannedPages,
		PagesProcessed:  run.Counters.PagesSucceeded + run.Counters.PagesFailed,
		Counters:        run.Counters,
		Batches:         append([]crawler.BatchOutcome(nil), run.Batches...),
		Status:          run.Status,
		FinishedAt:      s.deps.Clock.Now(),
	}
	if run.Started != nil {
		summary.StartedAt = *run.Started
	}
	return summary
}
