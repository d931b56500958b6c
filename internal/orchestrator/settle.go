// Package orchestrator holds the scrape, page, media and cleanup
// orchestrations. Each level fans out to the next with settle semantics: a
// failing child is tallied by its parent and never cancels its siblings.
package orchestrator

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"
)

// settle runs fn for every item concurrently and waits for all of them. A
// positive limit bounds the number in flight. Results keep item order.
func settle[T, R any](items []T, limit int, fn func(i int, item T) R) []R {
	results := make([]R, len(items))
	var g errgroup.Group
	if limit > 0 {
		g.SetLimit(limit)
	}
	for i, item := range items {
		g.Go(func() error {
			results[i] = fn(i, item)
			return nil
		})
	}
	_ = g.Wait()
	return results
}

// detach derives a child context that outlives cancellation of parent but
// keeps its values (trace span, logger fields).
func detach(parent context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	ctx := context.WithoutCancel(parent)
	if timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, timeout)
}

// sleep waits for d or until ctx ends.
func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return context.Cause(ctx)
	case <-timer.C:
		return nil
	}
}
