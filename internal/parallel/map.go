// Package parallel runs a function over a sequence with bounded concurrency.
package parallel

import (
	"context"
	"iter"

	"golang.org/x/sync/errgroup"
)

// Result is the outcome of one mapped element.
type Result[E, D any] struct {
	In  E
	Out D
	Err error
}

// Map applies fn to every element of seq using at most limit goroutines,
// limit < 1 means no limit. Results are yielded in completion order, a
// failed element does not stop the others. Canceled context stops feeding
// new elements, results of the started ones are still yielded. Breaking out
// of the loop cancels the context passed to fn.
//
//	for r := range parallel.Map(ctx, 4, slices.Values(rows), fix) {}
func Map[E, D any](ctx context.Context, limit int, seq iter.Seq[E], fn func(context.Context, E) (D, error)) iter.Seq[Result[E, D]] {
	return func(yield func(Result[E, D]) bool) {
		ctx, cancel := context.WithCancel(ctx)
		defer cancel()

		var g errgroup.Group
		if limit < 1 {
			limit = -1
		}
		g.SetLimit(limit)

		results := make(chan Result[E, D], max(limit, 1))
		go func() {
			for e := range seq {
				if ctx.Err() != nil {
					break
				}
				g.Go(func() error {
					d, err := fn(ctx, e)
					results <- Result[E, D]{In: e, Out: d, Err: err}
					return nil
				})
			}
			_ = g.Wait()
			close(results)
		}()

		for r := range results {
			if !yield(r) {
				cancel()
				for range results {
				}
				return
			}
		}
	}
}
