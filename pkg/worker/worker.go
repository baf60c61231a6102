// Package worker runs a fixed set of jobs concurrently and joins them.
package worker

import (
	"context"
)

type result[R any] struct {
	index int
	value R
	err   error
}

// ProcessArray runs fn once per item, each on its own goroutine, and
// blocks until every job has finished. The first error cancels the
// context the remaining jobs see and becomes the returned error; results
// are positional.
func ProcessArray[T, R any](ctx context.Context, items []T, fn func(context.Context, T) (R, error)) ([]R, error) {
	jobCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	resultsChan := make(chan result[R], len(items))
	for i, item := range items {
		go func(i int, item T) {
			value, err := fn(jobCtx, item)
			resultsChan <- result[R]{index: i, value: value, err: err}
		}(i, item)
	}

	results := make([]R, len(items))
	var firstErr error
	for range items {
		res := <-resultsChan
		results[res.index] = res.value
		if res.err != nil {
			if firstErr == nil {
				firstErr = res.err
			}
			// stop the jobs still running
			cancel()
		}
	}
	return results, firstErr
}
