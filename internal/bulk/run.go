// Package bulk applies one mutation to many items independently: a failing item never
// aborts the others, and results keep input order.
package bulk

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"
)

// Failure pairs an item with the reason it was rejected.
type Failure[T any] struct {
	Item  T      `json:"item"`
	Error string `json:"error"`
	Err   error  `json:"-"`
}

// Summary totals a run. Succeeded+Failed always equals Total.
type Summary struct {
	Total      int   `json:"total"`
	Succeeded  int   `json:"succeeded"`
	Failed     int   `json:"failed"`
	DurationMs int64 `json:"durationMs"`
}

// Result is the outcome of a run, in input order.
type Result[T any] struct {
	OperationID string       `json:"operationId,omitempty"`
	Successful  []T          `json:"successful"`
	Failed      []Failure[T] `json:"failed"`
	Summary     Summary      `json:"summary"`
}

// Run calls fn for every item with at most limit calls in flight. Items run under a
// context detached from ctx's cancellation, so a run always attempts every item.
func Run[T any](ctx context.Context, items []T, limit int, fn func(ctx context.Context, item T) error) Result[T] {
	start := time.Now()
	if limit <= 0 {
		limit = 1
	}
	ctx = context.WithoutCancel(ctx)

	errs := make([]error, len(items))
	var g errgroup.Group
	g.SetLimit(limit)
	for i, item := range items {
		g.Go(func() error {
			errs[i] = fn(ctx, item)
			return nil
		})
	}
	_ = g.Wait()

	res := Result[T]{
		Successful: make([]T, 0, len(items)),
		Failed:     []Failure[T]{},
	}
	for i, item := range items {
		if err := errs[i]; err != nil {
			res.Failed = append(res.Failed, Failure[T]{Item: item, Error: err.Error(), Err: err})
			continue
		}
		res.Successful = append(res.Successful, item)
	}
	res.Summary = Summary{
		Total:      len(items),
		Succeeded:  len(res.Successful),
		Failed:     len(res.Failed),
		DurationMs: time.Since(start).Milliseconds(),
	}
	return res
}
