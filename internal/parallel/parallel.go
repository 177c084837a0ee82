// Package parallel runs ordered fan-out work with a hard bound on the number
// of operations in flight.
package parallel

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"
)

// Map applies fn to every item using at most limit concurrent workers and
// returns the results in input order, whatever the completion order.
//
// Exactly min(limit, len(items)) workers are started; an empty input returns
// an empty slice without starting any. The first error cancels the context
// passed to fn, stops workers from picking up further items, and is
// returned. Callers that need per-item failure tolerance must handle errors
// inside fn.
func Map[T, R any](ctx context.Context, items []T, limit int, fn func(ctx context.Context, index int, item T) (R, error)) ([]R, error) {
	if limit <= 0 {
		return nil, fmt.Errorf("parallel: limit must be positive, got %d", limit)
	}
	results := make([]R, len(items))
	if len(items) == 0 {
		return results, nil
	}

	workers := min(limit, len(items))
	g, gctx := errgroup.WithContext(ctx)

	next := make(chan int)
	g.Go(func() error {
		defer close(next)
		for i := range items {
			select {
			case next <- i:
			case <-gctx.Done():
				return nil
			}
		}
		return nil
	})

	for w := 0; w < workers; w++ {
		g.Go(func() error {
			for i := range next {
				if gctx.Err() != nil {
					return nil
				}
				r, err := fn(gctx, i, items[i])
				if err != nil {
					return err
				}
				results[i] = r
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return results, nil
}

// ForEach is Map for work that produces no value.
func ForEach[T any](ctx context.Context, items []T, limit int, fn func(ctx context.Context, index int, item T) error) error {
	_, err := Map(ctx, items, limit, func(ctx context.Context, i int, item T) (struct{}, error) {
		return struct{}{}, fn(ctx, i, item)
	})
	return err
}
