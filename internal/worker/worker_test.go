package worker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/media-scraper/internal/crawler"
	"github.com/JakeFAU/media-scraper/internal/orchestrator"
	pubmemory "github.com/JakeFAU/media-scraper/internal/publisher/memory"
	queuememory "github.com/JakeFAU/media-scraper/internal/queue/memory"
	"github.com/JakeFAU/media-scraper/internal/storage/memory"
)

const topic = "run-events"

type fixedClock struct{ t time.Time }

func (c fixedClock) Now() time.Time { return c.t }

type scrapeFunc func(ctx context.Context, run *crawler.Run, save orchestrator.Checkpointer) (crawler.RunSummary, error)

func (f scrapeFunc) Execute(ctx context.Context, run *crawler.Run, save orchestrator.Checkpointer) (crawler.RunSummary, error) {
	return f(ctx, run, save)
}

// scriptedCleanup walks a fixed number of pages.
type scriptedCleanup struct {
	mu    sync.Mutex
	pages int
	calls []int
}

func (c *scriptedCleanup) Run(_ context.Context, checkpoint *crawler.CleanupCheckpoint) (crawler.CleanupStep, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var state crawler.CleanupCheckpoint
	if checkpoint != nil {
		state = *checkpoint
	}
	c.calls = append(c.calls, state.Offset)
	state.Offset += 10
	state.ProcessedCount += 10
	if len(c.calls) >= c.pages {
		summary := state.Summary()
		return crawler.CleanupStep{Summary: &summary}, nil
	}
	return crawler.CleanupStep{Next: &state}, nil
}

func (c *scriptedCleanup) offsets() []int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]int(nil), c.calls...)
}

type harness struct {
	queue     *queuememory.Queue
	runs      *memory.RunStore
	publisher *pubmemory.Publisher
	registry  *Registry
	worker    *Worker
}

func newHarness(t *testing.T, scrape ScrapeExecutor, cleanup CleanupExecutor) *harness {
	t.Helper()
	h := &harness{
		queue:     queuememory.NewQueue(8),
		runs:      memory.NewRunStore(),
		publisher: pubmemory.New(),
		registry:  NewRegistry(),
	}
	h.worker = New(h.queue, h.runs, scrape, cleanup, h.publisher,
		fixedClock{t: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)}, h.registry,
		Config{Topic: topic, RunTimeout: time.Minute}, zap.NewNop())
	return h
}

func (h *harness) submit(t *testing.T, id string, kind crawler.RunKind) crawler.QueueItem {
	t.Helper()
	run := crawler.Run{ID: id, Kind: kind, Status: crawler.RunStatusQueued, Params: crawler.RunParams{BaseURL: "https://site.example"}}
	require.NoError(t, h.runs.CreateRun(context.Background(), run))
	return crawler.QueueItem{RunID: id, Kind: kind, Attempt: 1}
}

func (h *harness) status(t *testing.T, id string) crawler.RunStatus {
	t.Helper()
	run, err := h.runs.GetRun(context.Background(), id)
	require.NoError(t, err)
	return run.Status
}

func TestProcessScrapeSucceedsAndPublishes(t *testing.T) {
	t.Parallel()
	scrape := scrapeFunc(func(ctx context.Context, run *crawler.Run, save orchestrator.Checkpointer) (crawler.RunSummary, error) {
		run.PlannedPages = 2
		run.NextBatch = 1
		run.Counters.PagesSucceeded = 2
		if err := save(ctx, *run); err != nil {
			return crawler.RunSummary{}, err
		}
		return crawler.RunSummary{RunID: run.ID, PagesProcessed: 2, Status: crawler.RunStatusSucceeded}, nil
	})
	h := newHarness(t, scrape, &scriptedCleanup{pages: 1})
	item := h.submit(t, "run-1", crawler.RunKindScrape)

	h.worker.Process(context.Background(), item)

	run, err := h.runs.GetRun(context.Background(), "run-1")
	require.NoError(t, err)
	assert.Equal(t, crawler.RunStatusSucceeded, run.Status)
	assert.Equal(t, 2, run.Counters.PagesSucceeded)
	require.NotNil(t, run.Started)
	require.NotNil(t, run.Finished)

	events := h.publisher.Topic(topic)
	require.Len(t, events, 1)
	event, ok := events[0].(crawler.RunEvent)
	require.True(t, ok)
	assert.Equal(t, "run-1", event.RunID)
	assert.Equal(t, crawler.RunStatusSucceeded, event.Status)
	require.NotNil(t, event.Scrape)
	assert.Equal(t, 2, event.Scrape.PagesProcessed)
	assert.False(t, h.registry.Running("run-1"))
}

func TestProcessScrapeFailureRecordsError(t *testing.T) {
	t.Parallel()
	scrape := scrapeFunc(func(context.Context, *crawler.Run, orchestrator.Checkpointer) (crawler.RunSummary, error) {
		return crawler.RunSummary{}, errors.New("fetch seed page: boom")
	})
	h := newHarness(t, scrape, &scriptedCleanup{pages: 1})
	item := h.submit(t, "run-2", crawler.RunKindScrape)

	h.worker.Process(context.Background(), item)

	run, err := h.runs.GetRun(context.Background(), "run-2")
	require.NoError(t, err)
	assert.Equal(t, crawler.RunStatusFailed, run.Status)
	assert.Contains(t, run.ErrorText, "boom")
	events := h.publisher.Topic(topic)
	require.Len(t, events, 1)
	assert.Equal(t, crawler.RunStatusFailed, events[0].(crawler.RunEvent).Status)
}

func TestCleanupChainsContinuationsThroughQueue(t *testing.T) {
	t.Parallel()
	cleanup := &scriptedCleanup{pages: 3}
	h := newHarness(t, nil, cleanup)
	item := h.submit(t, "cleanup-1", crawler.RunKindCleanup)
	require.NoError(t, h.queue.Enqueue(context.Background(), item))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		h.worker.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool {
		return h.status(t, "cleanup-1") == crawler.RunStatusSucceeded
	}, 2*time.Second, 10*time.Millisecond)
	cancel()
	<-done

	assert.Equal(t, []int{0, 10, 20}, cleanup.offsets())
	run, err := h.runs.GetRun(context.Background(), "cleanup-1")
	require.NoError(t, err)
	assert.Equal(t, 2, run.Continuations)

	events := h.publisher.Topic(topic)
	require.Len(t, events, 1)
	event := events[0].(crawler.RunEvent)
	require.NotNil(t, event.Cleanup)
	assert.Equal(t, 30, event.Cleanup.TotalProcessed)
}

func TestTerminateRunningScrape(t *testing.T) {
	t.Parallel()
	started := make(chan struct{})
	scrape := scrapeFunc(func(ctx context.Context, _ *crawler.Run, _ orchestrator.Checkpointer) (crawler.RunSummary, error) {
		close(started)
		<-ctx.Done()
		return crawler.RunSummary{}, context.Cause(ctx)
	})
	h := newHarness(t, scrape, &scriptedCleanup{pages: 1})
	item := h.submit(t, "run-3", crawler.RunKindScrape)

	finished := make(chan struct{})
	go func() {
		h.worker.Process(context.Background(), item)
		close(finished)
	}()
	<-started
	assert.True(t, h.registry.Cancel("run-3", &crawler.TerminateError{Reason: "operator"}))
	<-finished

	run, err := h.runs.GetRun(context.Background(), "run-3")
	require.NoError(t, err)
	assert.Equal(t, crawler.RunStatusTerminated, run.Status)
	assert.Equal(t, "operator", run.TerminateReason)
	assert.Empty(t, run.ErrorText)
}

func TestPendingCancelAppliesOnRegister(t *testing.T) {
	t.Parallel()
	var sawCause error
	scrape := scrapeFunc(func(ctx context.Context, _ *crawler.Run, _ orchestrator.Checkpointer) (crawler.RunSummary, error) {
		sawCause = context.Cause(ctx)
		return crawler.RunSummary{}, sawCause
	})
	h := newHarness(t, scrape, &scriptedCleanup{pages: 1})
	item := h.submit(t, "run-4", crawler.RunKindScrape)

	assert.False(t, h.registry.Cancel("run-4", &crawler.TerminateError{Reason: "early"}))
	h.worker.Process(context.Background(), item)

	require.ErrorIs(t, sawCause, crawler.ErrTerminated)
	assert.Equal(t, crawler.RunStatusTerminated, h.status(t, "run-4"))
}

func TestProcessSkipsTerminalRuns(t *testing.T) {
	t.Parallel()
	called := false
	scrape := scrapeFunc(func(context.Context, *crawler.Run, orchestrator.Checkpointer) (crawler.RunSummary, error) {
		called = true
		return crawler.RunSummary{}, nil
	})
	h := newHarness(t, scrape, &scriptedCleanup{pages: 1})
	require.NoError(t, h.runs.CreateRun(context.Background(), crawler.Run{
		ID: "run-5", Kind: crawler.RunKindScrape, Status: crawler.RunStatusTerminated,
	}))

	h.worker.Process(context.Background(), crawler.QueueItem{RunID: "run-5", Kind: crawler.RunKindScrape})

	assert.False(t, called)
	assert.Empty(t, h.publisher.Messages())
	assert.Equal(t, crawler.RunStatusTerminated, h.status(t, "run-5"))
}

func TestRunStopsWhenQueueCloses(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil, &scriptedCleanup{pages: 1})
	done := make(chan struct{})
	go func() {
		h.worker.Run(context.Background())
		close(done)
	}()
	h.queue.Close()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("worker did not stop after queue close")
	}
}

func TestShutdownLeavesScrapeResumable(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	scrape := scrapeFunc(func(ctx context.Context, run *crawler.Run, save orchestrator.Checkpointer) (crawler.RunSummary, error) {
		run.PlannedPages = 10
		run.NextBatch = 1
		if err := save(context.WithoutCancel(ctx), *run); err != nil {
			return crawler.RunSummary{}, err
		}
		cancel()
		<-ctx.Done()
		return crawler.RunSummary{}, context.Cause(ctx)
	})
	h := newHarness(t, scrape, &scriptedCleanup{pages: 1})
	item := h.submit(t, "run-7", crawler.RunKindScrape)

	h.worker.Process(ctx, item)

	run, err := h.runs.GetRun(context.Background(), "run-7")
	require.NoError(t, err)
	assert.Equal(t, crawler.RunStatusRunning, run.Status)
	assert.Equal(t, 1, run.NextBatch)
	assert.Empty(t, run.ErrorText)
	assert.Nil(t, run.Finished)
	assert.Empty(t, h.publisher.Messages())

	resumable, err := h.runs.ListRuns(context.Background(), crawler.RunFilter{
		Statuses: []crawler.RunStatus{crawler.RunStatusQueued, crawler.RunStatusRunning},
	})
	require.NoError(t, err)
	require.Len(t, resumable, 1)
	assert.Equal(t, "run-7", resumable[0].ID)
}

func TestShutdownDuringCleanupKeepsCheckpoint(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h := newHarness(t, nil, cancelingCleanup{cancel: cancel})
	item := h.submit(t, "cleanup-3", crawler.RunKindCleanup)

	h.worker.Process(ctx, item)

	run, err := h.runs.GetRun(context.Background(), "cleanup-3")
	require.NoError(t, err)
	assert.Equal(t, crawler.RunStatusRunning, run.Status)
	require.NotNil(t, run.Checkpoint)
	assert.Equal(t, 10, run.Checkpoint.Offset)
	assert.Nil(t, run.Finished)
	assert.Empty(t, h.publisher.Messages())
}

func TestClosedQueueLeavesCleanupForResume(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil, &scriptedCleanup{pages: 3})
	item := h.submit(t, "cleanup-4", crawler.RunKindCleanup)
	h.queue.Close()

	h.worker.Process(context.Background(), item)

	run, err := h.runs.GetRun(context.Background(), "cleanup-4")
	require.NoError(t, err)
	assert.Equal(t, crawler.RunStatusRunning, run.Status)
	assert.Equal(t, 1, run.Continuations)
	require.NotNil(t, run.Checkpoint)
	assert.Equal(t, 10, run.Checkpoint.Offset)
	assert.Empty(t, run.ErrorText)
	assert.Empty(t, h.publisher.Messages())
}

// cancelingCleanup finishes one page and stops the worker before it can hand off.
type cancelingCleanup struct {
	cancel context.CancelFunc
}

func (c cancelingCleanup) Run(_ context.Context, _ *crawler.CleanupCheckpoint) (crawler.CleanupStep, error) {
	c.cancel()
	return crawler.CleanupStep{Next: &crawler.CleanupCheckpoint{Offset: 10, ProcessedCount: 10}}, nil
}
