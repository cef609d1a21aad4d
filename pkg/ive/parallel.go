package ive

import (
	"context"

	"golang.org/x/sync/errgroup"
)

// Job is one unit of work for RunParallel, typically a sequence of operator
// calls on its own handle.
type Job func(ctx context.Context) error

// RunParallel runs jobs concurrently, at most limit at a time (no limit when
// limit <= 0), and returns the first error. The context passed to the jobs
// is cancelled once any job fails. Jobs sharing one handle still serialize on
// its scratch memory.
func RunParallel(ctx context.Context, limit int, jobs ...Job) error {
	g, ctx := errgroup.WithContext(ctx)
	if limit > 0 {
		g.SetLimit(limit)
	}
	for _, job := range jobs {
		g.Go(func() error {
			return job(ctx)
		})
	}
	return g.Wait()
}
