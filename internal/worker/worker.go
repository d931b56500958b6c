// Package worker executes queued runs: one scrape to completion, or one
// cleanup page per queue item with the continuation re-enqueued.
package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/media-scraper/internal/crawler"
	"github.com/JakeFAU/media-scraper/internal/metrics"
	"github.com/JakeFAU/media-scraper/internal/orchestrator"
)

// ScrapeExecutor advances a scrape run from its stored position.
type ScrapeExecutor interface {
	Execute(ctx context.Context, run *crawler.Run, save orchestrator.Checkpointer) (crawler.RunSummary, error)
}

// CleanupExecutor processes one cleanup page.
type CleanupExecutor interface {
	Run(ctx context.Context, checkpoint *crawler.CleanupCheckpoint) (crawler.CleanupStep, error)
}

// Config controls Worker behavior.
type Config struct {
	// RunTimeout bounds one execution: a whole scrape or one cleanup page.
	RunTimeout time.Duration
	// Topic receives a RunEvent when a run finishes. Empty disables publishing.
	Topic string
	// Requeue bounds retries when handing a cleanup continuation to a full queue.
	Requeue crawler.RetryPolicy
}

// Worker consumes queue items and executes the matching orchestration.
type Worker struct {
	queue     crawler.Queue
	runs      crawler.RunStore
	scrape    ScrapeExecutor
	cleanup   CleanupExecutor
	publisher crawler.Publisher
	clock     crawler.Clock
	registry  *Registry
	cfg       Config
	logger    *zap.Logger
}

// New constructs a Worker. publisher may be nil.
func New(
	queue crawler.Queue,
	runs crawler.RunStore,
	scrape ScrapeExecutor,
	cleanup CleanupExecutor,
	publisher crawler.Publisher,
	clock crawler.Clock,
	registry *Registry,
	cfg Config,
	logger *zap.Logger,
) *Worker {
	if logger == nil {
		logger = zap.NewNop()
	}
	if registry == nil {
		registry = NewRegistry()
	}
	if cfg.Requeue.MaxAttempts <= 0 {
		cfg.Requeue = crawler.RetryPolicy{MaxAttempts: 5, InitialDelay: 200 * time.Millisecond, MaxDelay: 5 * time.Second}
	}
	return &Worker{
		queue:     queue,
		runs:      runs,
		scrape:    scrape,
		cleanup:   cleanup,
		publisher: publisher,
		clock:     clock,
		registry:  registry,
		cfg:       cfg,
		logger:    logger,
	}
}

// Run blocks, consuming queue items until the context finishes or the queue closes.
func (w *Worker) Run(ctx context.Context) {
	for {
		item, err := w.queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, crawler.ErrQueueClosed) {
				return
			}
			w.logger.Error("queue dequeue failed", zap.Error(err))
			continue
		}
		w.logger.Debug("dequeued run", zap.String("run_id", item.RunID), zap.String("kind", string(item.Kind)))
		w.Process(ctx, item)
	}
}

// Process executes one queue item.
func (w *Worker) Process(ctx context.Context, item crawler.QueueItem) {
	metrics.IncActiveWorkers()
	defer metrics.DecActiveWorkers()
	logger := w.logger.With(zap.String("run_id", item.RunID), zap.String("kind", string(item.Kind)))

	runCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	w.registry.register(item.RunID, cancel)
	defer w.registry.unregister(item.RunID)

	run, err := w.runs.GetRun(ctx, item.RunID)
	if err != nil {
		logger.Error("load run failed", zap.Error(err))
		return
	}
	if run.Status.Terminal() {
		logger.Info("skipping finished run", zap.String("status", string(run.Status)))
		return
	}
	if run.Status == crawler.RunStatusQueued {
		now := w.clock.Now()
		run.Status = crawler.RunStatusRunning
		run.Started = &now
		if err := w.runs.SaveRun(ctx, run); err != nil {
			logger.Error("mark run running failed", zap.Error(err))
			return
		}
		metrics.ObserveRun(string(run.Kind), string(run.Status))
		logger.Info("run started")
	}

	execCtx := runCtx
	if w.cfg.RunTimeout > 0 {
		var cancelTimeout context.CancelFunc
		execCtx, cancelTimeout = context.WithTimeout(runCtx, w.cfg.RunTimeout)
		defer cancelTimeout()
	}

	switch run.Kind {
	case crawler.RunKindScrape:
		w.executeScrape(ctx, execCtx, runCtx, logger, run)
	case crawler.RunKindCleanup:
		w.executeCleanup(ctx, execCtx, runCtx, logger, run)
	default:
		w.finish(runCtx, logger, &run, fmt.Errorf("unknown run kind %q", run.Kind), nil, nil)
	}
}

func (w *Worker) executeScrape(parent, ctx, runCtx context.Context, logger *zap.Logger, run crawler.Run) {
	save := func(saveCtx context.Context, r crawler.Run) error {
		return w.runs.SaveRun(saveCtx, r)
	}
	summary, err := w.scrape.Execute(ctx, &run, save)
	if err != nil && interrupted(parent, runCtx) {
		w.suspend(runCtx, logger, run)
		return
	}
	w.finish(runCtx, logger, &run, err, &summary, nil)
}

func (w *Worker) executeCleanup(parent, ctx, runCtx context.Context, logger *zap.Logger, run crawler.Run) {
	step, err := w.cleanup.Run(ctx, run.Checkpoint)
	if err != nil {
		if interrupted(parent, runCtx) {
			w.suspend(runCtx, logger, run)
			return
		}
		w.finish(runCtx, logger, &run, err, nil, nil)
		return
	}
	if step.Done() {
		w.finish(runCtx, logger, &run, nil, nil, step.Summary)
		return
	}

	run.Checkpoint = step.Next
	run.Continuations++
	saveCtx := context.WithoutCancel(runCtx)
	if err := w.runs.SaveRun(saveCtx, run); err != nil {
		logger.Error("checkpoint cleanup failed", zap.Error(err))
		return
	}
	if err := context.Cause(runCtx); err != nil {
		if interrupted(parent, runCtx) {
			logger.Info("worker stopping, cleanup left for resume", zap.Int("offset", step.Next.Offset))
			return
		}
		w.finish(runCtx, logger, &run, err, nil, nil)
		return
	}

	next := crawler.QueueItem{RunID: run.ID, Kind: run.Kind, Attempt: run.Continuations + 1, Submitted: w.clock.Now()}
	enqueue := func() error { return w.queue.Enqueue(saveCtx, next) }
	notify := func(err error, wait time.Duration) {
		logger.Warn("requeue cleanup continuation", zap.Duration("wait", wait), zap.Error(err))
	}
	if err := w.cfg.Requeue.Retry(saveCtx, enqueue, notify); err != nil {
		if errors.Is(err, crawler.ErrQueueClosed) {
			logger.Info("queue closed, cleanup left for resume", zap.Int("offset", step.Next.Offset))
			return
		}
		w.finish(runCtx, logger, &run, fmt.Errorf("enqueue continuation: %w", err), nil, nil)
		return
	}
	logger.Debug("cleanup continuation enqueued",
		zap.Int("offset", step.Next.Offset),
		zap.Int("continuations", run.Continuations),
	)
}

// interrupted reports whether the worker itself is stopping. A terminate or a
// run timeout leaves parent untouched.
func interrupted(parent, runCtx context.Context) bool {
	if parent.Err() == nil {
		return false
	}
	var terminate *crawler.TerminateError
	return !errors.As(context.Cause(runCtx), &terminate)
}

// suspend saves the latest checkpoint and keeps the run running so Resume
// picks it up after a restart.
func (w *Worker) suspend(runCtx context.Context, logger *zap.Logger, run crawler.Run) {
	if err := w.runs.SaveRun(context.WithoutCancel(runCtx), run); err != nil {
		logger.Error("save interrupted run failed", zap.Error(err))
		return
	}
	logger.Info("worker stopping, run left for resume", zap.Int("next_batch", run.NextBatch))
}

// finish records the terminal status and publishes the run event.
func (w *Worker) finish(runCtx context.Context, logger *zap.Logger, run *crawler.Run, runErr error, scrape *crawler.RunSummary, cleanup *crawler.CleanupSummary) {
	now := w.clock.Now()
	run.Finished = &now

	var terminate *crawler.TerminateError
	switch {
	case errors.As(context.Cause(runCtx), &terminate):
		run.Status = crawler.RunStatusTerminated
		run.TerminateReason = terminate.Reason
		logger.Info("run terminated", zap.String("reason", terminate.Reason))
	case runErr != nil:
		run.Status = crawler.RunStatusFailed
		run.ErrorText = runErr.Error()
		logger.Error("run failed", zap.Error(runErr))
	default:
		run.Status = crawler.RunStatusSucceeded
		logger.Info("run succeeded")
	}
	if scrape != nil {
		scrape.Status = run.Status
		scrape.FinishedAt = now
	}

	saveCtx := context.WithoutCancel(runCtx)
	if err := w.runs.SaveRun(saveCtx, *run); err != nil {
		logger.Error("final run status update failed", zap.Error(err))
	}
	metrics.ObserveRun(string(run.Kind), string(run.Status))

	if w.publisher == nil || w.cfg.Topic == "" {
		return
	}
	event := crawler.RunEvent{
		RunID:      run.ID,
		Kind:       run.Kind,
		Status:     run.Status,
		Error:      run.ErrorText,
		Scrape:     scrape,
		Cleanup:    cleanup,
		FinishedAt: now,
	}
	if cleanup == nil && run.Checkpoint != nil && run.Kind == crawler.RunKindCleanup {
		partial := run.Checkpoint.Summary()
		event.Cleanup = &partial
	}
	if _, err := w.publisher.Publish(saveCtx, w.cfg.Topic, event); err != nil {
		logger.Warn("publish run event failed", zap.Error(err))
	}
}
