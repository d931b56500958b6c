package orchestrator

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/zap"

	"github.com/JakeFAU/media-scraper/internal/crawler"
	"github.com/JakeFAU/media-scraper/internal/metrics"
)

// MediaRunner processes one media detail page.
type MediaRunner interface {
	Run(ctx context.Context, candidate crawler.MediaCandidate) (crawler.MediaOutcome, error)
}

// MediaDeps are the collaborators of a media orchestration. CastImages may be
// nil to disable enrichment.
type MediaDeps struct {
	Fetcher    crawler.Fetcher
	Parser     crawler.MediaParser
	Validator  crawler.SourceValidator
	Catalog    crawler.Catalog
	CastImages crawler.CastImageFinder
	Retry      crawler.RetryPolicy
	Tracer     trace.Tracer
	Logger     *zap.Logger
}

// Media validates and persists a single media record.
type Media struct {
	deps MediaDeps
}

// NewMedia builds a Media orchestrator.
func NewMedia(deps MediaDeps) (*Media, error) {
	if deps.Fetcher == nil || deps.Parser == nil || deps.Validator == nil || deps.Catalog == nil {
		return nil, fmt.Errorf("media orchestrator requires fetcher, parser, validator and catalog")
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
	return &Media{deps: deps}, nil
}

// Run fetches and parses the page, drops dead sources, enriches cast and
// upserts the record. Rejections are reported in the outcome; only fetch,
// parse and persistence failures are returned as errors.
func (m *Media) Run(ctx context.Context, candidate crawler.MediaCandidate) (outcome crawler.MediaOutcome, err error) {
	ctx, span := m.deps.Tracer.Start(ctx, "media.run", trace.WithAttributes(
		attribute.String("media.url", candidate.MediaURL),
		attribute.String("media.id", candidate.ID),
	))
	defer func() {
		switch {
		case err != nil:
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			metrics.ObserveMedia("error")
		case outcome.Success:
			metrics.ObserveMedia("stored")
		default:
			span.SetAttributes(attribute.String("media.reason", string(outcome.Reason)))
			metrics.ObserveMedia(string(outcome.Reason))
		}
		span.End()
	}()

	logger := m.deps.Logger.With(zap.String("media_url", candidate.MediaURL))
	outcome = crawler.MediaOutcome{MediaURL: candidate.MediaURL}

	body, err := fetchPage(ctx, m.deps.Fetcher, m.deps.Retry, logger, candidate.MediaURL)
	if err != nil {
		return outcome, fmt.Errorf("fetch media page: %w", err)
	}
	parsed, err := m.deps.Parser.ParseMediaPage(body, candidate.MediaURL)
	if err != nil {
		return outcome, fmt.Errorf("parse media page: %w", err)
	}
	if parsed == nil {
		outcome.Reason = crawler.ReasonNotMediaPage
		logger.Debug("not a media page")
		return outcome, nil
	}
	if missing := parsed.MissingRequired(); len(missing) > 0 {
		outcome.Reason = crawler.ReasonValidationFailed
		logger.Warn("media page missing required fields", zap.Strings("missing", missing))
		return outcome, nil
	}

	sources := m.liveSources(ctx, logger, parsed.Sources)
	outcome.Sources = len(sources)
	outcome.Dropped = len(parsed.Sources) - len(sources)
	if len(sources) == 0 {
		outcome.Reason = crawler.ReasonNoValidSources
		logger.Warn("media has no live sources", zap.Int("checked", len(parsed.Sources)))
		return outcome, nil
	}

	record := crawler.MediaRecord{
		Name:         parsed.Name,
		Description:  parsed.Description,
		ThumbnailURL: parsed.ThumbnailURL,
		PageURL:      candidate.MediaURL,
		DateAdded:    parsed.DateAdded,
		Duration:     parsed.Duration,
		Sources:      sources,
		Categories:   parsed.Categories,
		Cast:         m.resolveCast(ctx, logger, parsed.Cast),
	}
	stored, err := m.deps.Catalog.UpsertMedia(ctx, record)
	if err != nil {
		return outcome, fmt.Errorf("upsert media: %w", err)
	}

	outcome.Success = true
	outcome.MediaID = stored.ID
	logger.Debug("media stored", zap.String("media_id", stored.ID), zap.Int("sources", len(sources)), zap.Int("dropped", outcome.Dropped))
	return outcome, nil
}

// liveSources validates every distinct source concurrently and keeps the live
// ones. A validator error after its own retries counts as not live.
func (m *Media) liveSources(ctx context.Context, logger *zap.Logger, sources []crawler.SourceLink) []crawler.SourceLink {
	seen := make(map[string]struct{}, len(sources))
	distinct := make([]crawler.SourceLink, 0, len(sources))
	for _, source := range sources {
		if _, ok := seen[source.URL]; ok {
			continue
		}
		seen[source.URL] = struct{}{}
		distinct = append(distinct, source)
	}

	alive := settle(distinct, 0, func(_ int, source crawler.SourceLink) bool {
		ok, err := m.deps.Validator.Validate(ctx, source.URL)
		if err != nil {
			logger.Warn("source could not be validated", zap.String("source_url", source.URL), zap.Error(err))
			return false
		}
		if !ok {
			logger.Debug("dropping dead source", zap.String("source_url", source.URL))
		}
		return ok
	})

	live := make([]crawler.SourceLink, 0, len(distinct))
	for i, source := range distinct {
		if alive[i] {
			live = append(live, source)
		}
	}
	return live
}

// resolveCast looks every name up and discovers an image for members that are
// new or have none. Enrichment failures never fail the media item.
func (m *Media) resolveCast(ctx context.Context, logger *zap.Logger, names []string) []crawler.CastMember {
	return settle(names, 0, func(_ int, name string) crawler.CastMember {
		member := crawler.CastMember{Name: name}
		existing, err := m.deps.Catalog.FindCastByName(ctx, name)
		if err != nil {
			logger.Warn("cast lookup failed", zap.String("cast", name), zap.Error(err))
		}
		if existing != nil {
			member = *existing
			if member.ImageURL != "" {
				return member
			}
		}
		if m.deps.CastImages == nil {
			return member
		}
		image, err := m.deps.CastImages.DiscoverCastImage(ctx, name)
		if err != nil {
			logger.Warn("cast image discovery failed", zap.String("cast", name), zap.Error(err))
			return member
		}
		member.ImageURL = image
		return member
	})
}
