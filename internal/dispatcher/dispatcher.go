// Package dispatcher owns the trigger surface: it creates runs, hands them to
// the queue, terminates them, and fans queue work out to the worker pool.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/JakeFAU/media-scraper/internal/crawler"
	"github.com/JakeFAU/media-scraper/internal/metrics"
	"github.com/JakeFAU/media-scraper/internal/worker"
)

// ErrInvalidParams reports unusable run parameters.
var ErrInvalidParams = errors.New("invalid run parameters")

// Dispatcher fans out queue work to a pool of workers and accepts triggers.
type Dispatcher struct {
	queue    crawler.Queue
	runs     crawler.RunStore
	registry *worker.Registry
	ids      crawler.IDGenerator
	clock    crawler.Clock
	workers  []*worker.Worker
	logger   *zap.Logger

	// mu serializes the active-run check with run creation.
	mu sync.Mutex
}

// New creates a Dispatcher.
func New(
	queue crawler.Queue,
	runs crawler.RunStore,
	registry *worker.Registry,
	ids crawler.IDGenerator,
	clock crawler.Clock,
	workers []*worker.Worker,
	logger *zap.Logger,
) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	if registry == nil {
		registry = worker.NewRegistry()
	}
	return &Dispatcher{
		queue:    queue,
		runs:     runs,
		registry: registry,
		ids:      ids,
		clock:    clock,
		workers:  workers,
		logger:   logger,
	}
}

// Run starts all workers and blocks until the context finishes.
func (d *Dispatcher) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for _, w := range d.workers {
		wg.Add(1)
		go func(wk *worker.Worker) {
			defer wg.Done()
			wk.Run(ctx)
		}(w)
	}
	<-ctx.Done()
	wg.Wait()
}

// StartScrape creates a queued scrape run and enqueues it. Unless
// allowConcurrent is set, ErrRunActive is returned while another scrape is
// queued or running.
func (d *Dispatcher) StartScrape(ctx context.Context, params crawler.RunParams, allowConcurrent bool) (string, error) {
	if err := validateParams(params); err != nil {
		return "", err
	}
	return d.start(ctx, crawler.RunKindScrape, params, allowConcurrent)
}

// StartCleanup creates a queued cleanup run. Cleanup runs never overlap.
func (d *Dispatcher) StartCleanup(ctx context.Context) (string, error) {
	return d.start(ctx, crawler.RunKindCleanup, crawler.RunParams{}, false)
}

func (d *Dispatcher) start(ctx context.Context, kind crawler.RunKind, params crawler.RunParams, allowConcurrent bool) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !allowConcurrent {
		active, err := d.runs.ListRuns(ctx, crawler.ActiveFilter(kind))
		if err != nil {
			return "", fmt.Errorf("list active runs: %w", err)
		}
		if len(active) > 0 {
			return active[0].ID, crawler.ErrRunActive
		}
	}

	now := d.clock.Now()
	run := crawler.Run{
		ID:        d.ids.NewID(),
		Kind:      kind,
		Status:    crawler.RunStatusQueued,
		Params:    params,
		Submitted: now,
	}
	if err := d.runs.CreateRun(ctx, run); err != nil {
		return "", fmt.Errorf("create run: %w", err)
	}
	metrics.ObserveRun(string(kind), string(run.Status))

	item := crawler.QueueItem{RunID: run.ID, Kind: kind, Attempt: 1, Submitted: now}
	if err := d.Enqueue(ctx, item); err != nil {
		run.Status = crawler.RunStatusFailed
		run.ErrorText = err.Error()
		finished := d.clock.Now()
		run.Finished = &finished
		if saveErr := d.runs.SaveRun(context.WithoutCancel(ctx), run); saveErr != nil {
			d.logger.Error("mark unqueued run failed", zap.String("run_id", run.ID), zap.Error(saveErr))
		}
		metrics.ObserveRun(string(kind), string(run.Status))
		return "", err
	}
	d.logger.Info("run queued",
		zap.String("run_id", run.ID),
		zap.String("kind", string(kind)),
		zap.String("base_url", params.BaseURL),
	)
	return run.ID, nil
}

// Enqueue proxies to the underlying queue.
func (d *Dispatcher) Enqueue(ctx context.Context, item crawler.QueueItem) error {
	if err := d.queue.Enqueue(ctx, item); err != nil {
		return fmt.Errorf("queue enqueue: %w", err)
	}
	return nil
}

// ActiveRuns lists queued and running runs of every kind.
func (d *Dispatcher) ActiveRuns(ctx context.Context) ([]crawler.Run, error) {
	runs, err := d.runs.ListRuns(ctx, crawler.RunFilter{
		Statuses: []crawler.RunStatus{crawler.RunStatusQueued, crawler.RunStatusRunning},
	})
	if err != nil {
		return nil, fmt.Errorf("list active runs: %w", err)
	}
	return runs, nil
}

// Get returns one run.
func (d *Dispatcher) Get(ctx context.Context, runID string) (crawler.Run, error) {
	run, err := d.runs.GetRun(ctx, runID)
	if err != nil {
		return crawler.Run{}, fmt.Errorf("get run %s: %w", runID, err)
	}
	return run, nil
}

// Terminate stops a run. A queued run is marked terminated at once; a running
// run has its context canceled with the reason as cause and is marked by its
// worker. Children already started finish on their own timeouts.
func (d *Dispatcher) Terminate(ctx context.Context, runID, reason string) error {
	run, err := d.runs.GetRun(ctx, runID)
	if err != nil {
		return fmt.Errorf("get run %s: %w", runID, err)
	}
	if run.Status.Terminal() {
		return crawler.ErrRunTerminal
	}

	cause := &crawler.TerminateError{Reason: reason}
	if d.registry.Cancel(runID, cause) {
		d.logger.Info("terminate requested", zap.String("run_id", runID), zap.String("reason", reason))
		return nil
	}
	if run.Status != crawler.RunStatusQueued {
		// Running but not in this process: the pending cause is applied if a
		// worker here picks it up again.
		d.logger.Warn("terminate requested for run not executing here", zap.String("run_id", runID))
		return nil
	}

	now := d.clock.Now()
	run.Status = crawler.RunStatusTerminated
	run.TerminateReason = reason
	run.Finished = &now
	if err := d.runs.SaveRun(ctx, run); err != nil {
		return fmt.Errorf("save terminated run: %w", err)
	}
	metrics.ObserveRun(string(run.Kind), string(run.Status))
	d.logger.Info("queued run terminated", zap.String("run_id", runID), zap.String("reason", reason))
	return nil
}

// Resume re-enqueues every non-terminal run so work interrupted by a restart
// continues from its stored position. It returns the number of runs queued.
func (d *Dispatcher) Resume(ctx context.Context) (int, error) {
	runs, err := d.ActiveRuns(ctx)
	if err != nil {
		return 0, err
	}
	resumed := 0
	for _, run := range runs {
		item := crawler.QueueItem{RunID: run.ID, Kind: run.Kind, Attempt: run.Continuations + 1, Submitted: d.clock.Now()}
		if err := d.Enqueue(ctx, item); err != nil {
			return resumed, fmt.Errorf("resume run %s: %w", run.ID, err)
		}
		d.logger.Info("run resumed",
			zap.String("run_id", run.ID),
			zap.String("kind", string(run.Kind)),
			zap.String("status", string(run.Status)),
			zap.Int("next_batch", run.NextBatch),
		)
		resumed++
	}
	return resumed, nil
}

func validateParams(params crawler.RunParams) error {
	base := strings.TrimSpace(params.BaseURL)
	if base == "" {
		return fmt.Errorf("%w: base_url is required", ErrInvalidParams)
	}
	parsed, err := url.Parse(base)
	if err != nil || parsed.Host == "" || (parsed.Scheme != "http" && parsed.Scheme != "https") {
		return fmt.Errorf("%w: base_url must be an absolute http(s) URL", ErrInvalidParams)
	}
	if params.MaxPages != nil && *params.MaxPages < 0 {
		return fmt.Errorf("%w: max_pages must be >= 0", ErrInvalidParams)
	}
	if params.BatchSize < 0 {
		return fmt.Errorf("%w: batch_size must be >= 0", ErrInvalidParams)
	}
	return nil
}
