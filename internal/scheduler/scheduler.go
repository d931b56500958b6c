// Package scheduler triggers periodic scrape and cleanup runs from cron
// expressions. A tick that finds a run of the same kind still active is
// skipped.
package scheduler

import (
	"context"
	"errors"
	"fmt"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/JakeFAU/media-scraper/internal/crawler"
)

// Starter creates runs. The dispatcher implements it.
type Starter interface {
	StartScrape(ctx context.Context, params crawler.RunParams, allowConcurrent bool) (string, error)
	StartCleanup(ctx context.Context) (string, error)
}

// Config holds the cron expressions. An empty expression disables that trigger.
type Config struct {
	ScrapeCron  string
	CleanupCron string
	Params      crawler.RunParams
}

// Scheduler wraps a cron runner.
type Scheduler struct {
	cron    *cron.Cron
	starter Starter
	cfg     Config
	logger  *zap.Logger
}

// New builds a Scheduler and registers its jobs. Invalid expressions are
// reported here rather than at Start.
func New(starter Starter, cfg Config, logger *zap.Logger) (*Scheduler, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	cronLogger := zapCronLogger{logger: logger.Named("cron")}
	s := &Scheduler{
		cron: cron.New(
			cron.WithLogger(cronLogger),
			cron.WithChain(cron.Recover(cronLogger), cron.SkipIfStillRunning(cronLogger)),
		),
		starter: starter,
		cfg:     cfg,
		logger:  logger,
	}
	if cfg.ScrapeCron != "" {
		if _, err := s.cron.AddFunc(cfg.ScrapeCron, s.TriggerScrape); err != nil {
			return nil, fmt.Errorf("add scrape schedule %q: %w", cfg.ScrapeCron, err)
		}
	}
	if cfg.CleanupCron != "" {
		if _, err := s.cron.AddFunc(cfg.CleanupCron, s.TriggerCleanup); err != nil {
			return nil, fmt.Errorf("add cleanup schedule %q: %w", cfg.CleanupCron, err)
		}
	}
	return s, nil
}

// Start begins firing scheduled jobs in the background.
func (s *Scheduler) Start() {
	s.logger.Info("scheduler started",
		zap.String("scrape_cron", s.cfg.ScrapeCron),
		zap.String("cleanup_cron", s.cfg.CleanupCron),
	)
	s.cron.Start()
}

// Stop halts the scheduler and waits for in-flight triggers.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
	s.logger.Info("scheduler stopped")
}

// Entries reports how many jobs are registered.
func (s *Scheduler) Entries() int {
	return len(s.cron.Entries())
}

// TriggerScrape starts a scheduled scrape unless one is active.
func (s *Scheduler) TriggerScrape() {
	runID, err := s.starter.StartScrape(context.Background(), s.cfg.Params, false)
	s.report("scrape", runID, err)
}

// TriggerCleanup starts a scheduled cleanup unless one is active.
func (s *Scheduler) TriggerCleanup() {
	runID, err := s.starter.StartCleanup(context.Background())
	s.report("cleanup", runID, err)
}

func (s *Scheduler) report(kind, runID string, err error) {
	switch {
	case errors.Is(err, crawler.ErrRunActive):
		s.logger.Info("scheduled run skipped, previous run still active",
			zap.String("kind", kind),
			zap.String("active_run_id", runID),
		)
	case err != nil:
		s.logger.Error("scheduled run failed to start", zap.String("kind", kind), zap.Error(err))
	default:
		s.logger.Info("scheduled run started", zap.String("kind", kind), zap.String("run_id", runID))
	}
}

// zapCronLogger adapts zap to cron.Logger.
type zapCronLogger struct {
	logger *zap.Logger
}

func (l zapCronLogger) Info(msg string, keysAndValues ...any) {
	l.logger.Sugar().Debugw(msg, keysAndValues...)
}

func (l zapCronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.logger.Sugar().Errorw(msg, append(keysAndValues, "error", err)...)
}
