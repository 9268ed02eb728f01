// Package pool runs fetch tasks on a bounded number of goroutines.
package pool

import (
	"context"

	"golang.org/x/sync/errgroup"
)

const defaultWidth = 5

// Task is one unit of blocking work.
type Task func(ctx context.Context) error

// Scheduler bounds how many tasks run at once.
type Scheduler struct {
	width int
}

// New creates a scheduler running at most width tasks concurrently.
// Non-positive widths use the default of 5.
func New(width int) *Scheduler {
	if width <= 0 {
		width = defaultWidth
	}
	return &Scheduler{width: width}
}

// Width returns the concurrency limit.
func (s *Scheduler) Width() int { return s.width }

// All runs every task and returns the first error. The first failure cancels
// the context passed to the remaining tasks, and tasks not yet started are
// skipped.
func (s *Scheduler) All(ctx context.Context, tasks []Task) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.width)
	for _, task := range tasks {
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error { return task(gctx) })
	}
	if err := g.Wait(); err != nil {
		return err
	}
	return ctx.Err()
}

// Each runs every task to completion and returns the per-task errors,
// indexed like tasks. A nil slice means every task succeeded.
func (s *Scheduler) Each(ctx context.Context, tasks []Task) []error {
	errs := make([]error, len(tasks))
	failed := false

	var g errgroup.Group
	g.SetLimit(s.width)
	for i, task := range tasks {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				errs[i] = err
				return nil
			}
			errs[i] = task(ctx)
			return nil
		})
	}
	_ = g.Wait()

	for _, err := range errs {
		if err != nil {
			failed = true
			break
		}
	}
	if !failed {
		return nil
	}
	return errs
}
