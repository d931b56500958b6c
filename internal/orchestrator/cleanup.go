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

// Default cleanup tuning.
const (
	DefaultCleanupSubBatch = 10
	DefaultCleanupPause    = 500 * time.Millisecond
)

// CleanupDeps are the collaborators of the cleanup walk.
type CleanupDeps struct {
	Catalog   crawler.Catalog
	Validator crawler.SourceValidator
	Tracer    trace.Tracer
	Logger    *zap.Logger
}

// CleanupConfig tunes the cleanup walk.
type CleanupConfig struct {
	PageSize     int
	SubBatchSize int
	// Pause separates sub-batches to limit load on external hosts.
	Pause time.Duration
}

// Cleanup revalidates stored sources one page per execution, deleting dead
// sources and any media they leave without sources.
type Cleanup struct {
	deps  CleanupDeps
	cfg   CleanupConfig
	sleep func(context.Context, time.Duration) error
}

// NewCleanup builds a Cleanup orchestrator.
func NewCleanup(deps CleanupDeps, cfg CleanupConfig) (*Cleanup, error) {
	if deps.Catalog == nil || deps.Validator == nil {
		return nil, fmt.Errorf("cleanup orchestrator requires catalog and validator")
	}
	if deps.Tracer == nil {
		deps.Tracer = noop.NewTracerProvider().Tracer("")
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = crawler.DefaultCleanupPageSize
	}
	if cfg.SubBatchSize <= 0 {
		cfg.SubBatchSize = DefaultCleanupSubBatch
	}
	if cfg.Pause < 0 {
		cfg.Pause = 0
	}
	return &Cleanup{deps: deps, cfg: cfg, sleep: sleep}, nil
}

type verdict int

const (
	verdictAlive verdict = iota
	verdictDead
	verdictSkipped
)

// Run processes the page at the checkpoint (or the first page when it is
// nil) and returns either the next checkpoint or the final summary.
// Persistence failures abort the execution; the caller retries it from the
// same checkpoint.
func (c *Cleanup) Run(ctx context.Context, checkpoint *crawler.CleanupCheckpoint) (step crawler.CleanupStep, err error) {
	var state crawler.CleanupCheckpoint
	if checkpoint != nil {
		state = *checkpoint
	}
	ctx, span := c.deps.Tracer.Start(ctx, "cleanup.page", trace.WithAttributes(
		attribute.Int("cleanup.offset", state.Offset),
		attribute.Bool("cleanup.start", checkpoint == nil),
	))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()
	logger := c.deps.Logger.With(zap.Int("offset", state.Offset))

	page, err := c.deps.Catalog.ListSourcesPage(ctx, state.Offset, c.cfg.PageSize)
	if err != nil {
		return crawler.CleanupStep{}, fmt.Errorf("list sources at %d: %w", state.Offset, err)
	}
	if checkpoint == nil {
		state.TotalSources = page.Total
	}

	deleted := 0
	for start := 0; start < len(page.Items); start += c.cfg.SubBatchSize {
		if start > 0 {
			if err := c.sleep(ctx, c.cfg.Pause); err != nil {
				return crawler.CleanupStep{}, err
			}
		}
		end := min(start+c.cfg.SubBatchSize, len(page.Items))
		sub := page.Items[start:end]
		verdicts := settle(sub, 0, func(_ int, source crawler.SourceRef) verdict {
			return c.check(ctx, logger, source)
		})
		for i, v := range verdicts {
			switch v {
			case verdictSkipped:
				state.SkippedCount++
			case verdictDead:
				removed, mediaRemoved, err := c.remove(ctx, logger, sub[i])
				if err != nil {
					return crawler.CleanupStep{}, err
				}
				if removed {
					deleted++
					state.BrokenSourcesCount++
				}
				if mediaRemoved {
					state.MediaDeletedCount++
				}
			}
		}
	}

	state.ProcessedCount += len(page.Items)
	// Deleted rows shift later rows back, so only survivors advance the offset.
	state.Offset += len(page.Items) - deleted
	logger.Info("cleanup page processed",
		zap.Int("items", len(page.Items)),
		zap.Int("deleted", deleted),
		zap.Int("processed", state.ProcessedCount),
		zap.Int("total", state.TotalSources),
	)

	if len(page.Items) < c.cfg.PageSize || state.ProcessedCount >= state.TotalSources {
		summary := state.Summary()
		return crawler.CleanupStep{Summary: &summary}, nil
	}
	return crawler.CleanupStep{Next: &state}, nil
}

// RunToCompletion chains executions in process until the walk finishes. It
// returns the summary and the number of executions.
func (c *Cleanup) RunToCompletion(ctx context.Context, checkpoint *crawler.CleanupCheckpoint) (crawler.CleanupSummary, int, error) {
	executions := 0
	for {
		step, err := c.Run(ctx, checkpoint)
		if err != nil {
			return crawler.CleanupSummary{}, executions, err
		}
		executions++
		if step.Done() {
			return *step.Summary, executions, nil
		}
		checkpoint = step.Next
		if err := ctx.Err(); err != nil {
			return checkpoint.Summary(), executions, context.Cause(ctx)
		}
	}
}

func (c *Cleanup) check(ctx context.Context, logger *zap.Logger, source crawler.SourceRef) verdict {
	alive, err := c.deps.Validator.Validate(ctx, source.URL)
	switch {
	case err != nil:
		logger.Warn("skipping source that could not be validated", zap.String("source_id", source.ID), zap.Error(err))
		return verdictSkipped
	case alive:
		return verdictAlive
	default:
		return verdictDead
	}
}

// remove deletes a dead source and then its media if no source is left. A
// row that already disappeared is not counted.
func (c *Cleanup) remove(ctx context.Context, logger *zap.Logger, source crawler.SourceRef) (bool, bool, error) {
	removed := true
	if err := c.deps.Catalog.DeleteSource(ctx, source.ID); err != nil {
		if !errors.Is(err, crawler.ErrNotFound) {
			return false, false, fmt.Errorf("delete source %s: %w", source.ID, err)
		}
		removed = false
	}
	if removed {
		metrics.ObserveCleanupDeletion("source")
		logger.Debug("deleted dead source", zap.String("source_id", source.ID), zap.String("source_url", source.URL))
	}

	remaining, err := c.deps.Catalog.CountSourcesForMedia(ctx, source.MediaID)
	if err != nil {
		return removed, false, fmt.Errorf("count sources for media %s: %w", source.MediaID, err)
	}
	if remaining > 0 {
		return removed, false, nil
	}
	if err := c.deps.Catalog.DeleteMedia(ctx, source.MediaID); err != nil {
		if errors.Is(err, crawler.ErrNotFound) {
			return removed, false, nil
		}
		return removed, false, fmt.Errorf("delete media %s: %w", source.MediaID, err)
	}
	metrics.ObserveCleanupDeletion("media")
	logger.Info("deleted media without sources", zap.String("media_id", source.MediaID))
	return removed, true, nil
}
