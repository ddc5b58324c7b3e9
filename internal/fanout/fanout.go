// Package fanout runs independent work items under a fixed concurrency
// ceiling, keeping only the items that succeed.
package fanout

import (
	"context"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"
)

// Run works through items with at most min(concurrency, len(items)) workers
// in flight. Successful results are collected in completion order; per-item
// errors and panics are dropped so a missing item looks the same as one that
// was never found. Once ctx is done no further items are started.
func Run[T, R any](ctx context.Context, items []T, concurrency int, worker func(context.Context, T) (R, error)) []R {
	if len(items) == 0 || worker == nil {
		return nil
	}
	if concurrency <= 0 {
		concurrency = 1
	}
	if concurrency > len(items) {
		concurrency = len(items)
	}

	var (
		group   errgroup.Group
		mu      sync.Mutex
		results = make([]R, 0, len(items))
	)
	group.SetLimit(concurrency)
	for _, item := range items {
		if ctx.Err() != nil {
			break
		}
		group.Go(func() error {
			if ctx.Err() != nil {
				return nil
			}
			result, ok := runOne(ctx, item, worker)
			if !ok {
				return nil
			}
			mu.Lock()
			results = append(results, result)
			mu.Unlock()
			return nil
		})
	}
	_ = group.Wait()
	return results
}

func runOne[T, R any](ctx context.Context, item T, worker func(context.Context, T) (R, error)) (result R, ok bool) {
	defer func() {
		if recovered := recover(); recovered != nil {
			slog.Default().Debug("fanout worker panicked", slog.Any("error", recovered))
			ok = false
		}
	}()
	value, err := worker(ctx, item)
	if err != nil {
		return result, false
	}
	return value, true
}

// Flatten concatenates slice results produced by Run.
func Flatten[R any](batches [][]R) []R {
	total := 0
	for _, batch := range batches {
		total += len(batch)
	}
	out := make([]R, 0, total)
	for _, batch := range batches {
		out = append(out, batch...)
	}
	return out
}
