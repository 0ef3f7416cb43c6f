package evaluation

import (
	"context"
	"fmt"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/askben/askben/internal/store"
)

// reasonRunDeadline marks examples cut off by the run timeout.
const reasonRunDeadline = "run deadline exceeded"

// poolJob describes how one batch evaluates and excludes examples.
type poolJob[R any] struct {
	// work evaluates one example. A non-nil error excludes it; the returned
	// R is kept as the partial result.
	work func(ctx context.Context, pos int, ex store.Example) (R, error)

	// exclude turns a failed or unreached example into an excluded result.
	exclude func(pos int, ex store.Example, partial R, reason string) R

	// emit receives every result exactly once, from any worker.
	emit func(R)
}

// runPool evaluates examples on at most cfg.Workers goroutines. Each example
// runs under cfg.ExampleTimeout and the whole batch under cfg.RunTimeout.
// It reports whether the run deadline cut any example short.
func runPool[R any](ctx context.Context, cfg Config, examples []store.Example, job poolJob[R]) bool {
	// Batches run to completion even if the caller goes away.
	runCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.RunTimeout)
	defer cancel()

	var (
		eg      errgroup.Group
		expired atomic.Bool
	)
	eg.SetLimit(cfg.Workers)

	for i, ex := range examples {
		eg.Go(func() error {
			if runCtx.Err() != nil {
				expired.Store(true)
				var zero R
				job.emit(job.exclude(i, ex, zero, reasonRunDeadline))
				return nil
			}

			exCtx, cancelEx := context.WithTimeout(runCtx, cfg.ExampleTimeout)
			defer cancelEx()

			r, err := safeWork(exCtx, i, ex, job.work)
			if err != nil {
				reason := err.Error()
				if runCtx.Err() != nil {
					expired.Store(true)
					reason = reasonRunDeadline
				}
				r = job.exclude(i, ex, r, reason)
			}
			job.emit(r)
			return nil
		})
	}
	_ = eg.Wait()

	return expired.Load()
}

func safeWork[R any](ctx context.Context, pos int, ex store.Example, work func(context.Context, int, store.Example) (R, error)) (r R, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("example panicked: %v", p)
		}
	}()
	return work(ctx, pos, ex)
}
