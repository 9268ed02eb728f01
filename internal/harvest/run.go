package harvest

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/rs/zerolog"

	"github.com/snublejuice/vinskraper/internal/pool"
)

const (
	minChunk      = 500
	chunkDivisor  = 1000
	maxListedFail = 10
)

// ChunkSize returns how many identifiers are in flight per chunk.
func ChunkSize(n int) int {
	return max(n/chunkDivisor, minChunk)
}

// Report summarizes a chunked harvest.
type Report struct {
	Total     int
	Succeeded int
	Chunks    int
	// Failed maps identifiers whose task failed to the cause.
	Failed map[int64]error
}

// PartialError is returned when some identifiers failed but every chunk's
// successful results were flushed.
type PartialError struct {
	Total  int
	Failed map[int64]error
}

func (e *PartialError) Error() string {
	ids := e.IDs()
	listed := ids
	if len(listed) > maxListedFail {
		listed = listed[:maxListedFail]
	}
	msg := fmt.Sprintf("%d of %d items failed: %v", len(ids), e.Total, listed)
	if len(ids) > maxListedFail {
		msg += " ..."
	}
	return msg
}

// IDs returns the failed identifiers in ascending order.
func (e *PartialError) IDs() []int64 {
	ids := make([]int64, 0, len(e.Failed))
	for id := range e.Failed {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func (e *PartialError) Unwrap() []error {
	out := make([]error, 0, len(e.Failed))
	for _, id := range e.IDs() {
		out = append(out, e.Failed[id])
	}
	return out
}

// RunOptions configures Run.
type RunOptions struct {
	Scheduler *pool.Scheduler
	// Soft task failures are logged and counted but never returned.
	Soft   bool
	Logger zerolog.Logger
}

// Run fetches ids chunk by chunk. Each chunk runs on the scheduler, its
// results are collected in completion order and passed to flush once before
// the next chunk starts. A flush error stops the run.
func Run[T any](
	ctx context.Context,
	ids []int64,
	opts RunOptions,
	fetch func(context.Context, int64) (T, error),
	flush func(context.Context, []T) error,
) (Report, error) {
	scheduler := opts.Scheduler
	if scheduler == nil {
		scheduler = pool.New(0)
	}
	report := Report{Total: len(ids), Failed: make(map[int64]error)}
	step := ChunkSize(len(ids))

	for start := 0; start < len(ids); start += step {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		end := min(start+step, len(ids))
		chunk := ids[start:end]
		report.Chunks++
		opts.Logger.Info().
			Int("from", start).
			Int("to", end).
			Int("total", len(ids)).
			Msg("processing chunk")

		var mu sync.Mutex
		results := make([]T, 0, len(chunk))
		tasks := make([]pool.Task, len(chunk))
		for i, id := range chunk {
			tasks[i] = func(ctx context.Context) error {
				item, err := fetch(ctx, id)
				if err != nil {
					return err
				}
				mu.Lock()
				results = append(results, item)
				mu.Unlock()
				return nil
			}
		}

		errs := scheduler.Each(ctx, tasks)
		for i, err := range errs {
			if err == nil {
				continue
			}
			if errors.Is(err, context.Canceled) && ctx.Err() != nil {
				continue
			}
			if opts.Soft {
				opts.Logger.Warn().Int64("index", chunk[i]).Err(err).Msg("skipping item")
			}
			report.Failed[chunk[i]] = err
		}
		report.Succeeded += len(results)

		if len(results) > 0 {
			if err := flush(ctx, results); err != nil {
				return report, fmt.Errorf("flushing chunk %d: %w", report.Chunks, err)
			}
		}
	}

	if err := ctx.Err(); err != nil {
		return report, err
	}
	if len(report.Failed) > 0 && !opts.Soft {
		return report, &PartialError{Total: report.Total, Failed: report.Failed}
	}
	return report, nil
}
