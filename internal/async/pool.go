package async

import (
	"context"

	"golang.org/x/sync/errgroup"
)

// Pool limits concurrent background work.
type Pool struct {
	limit int
}

func NewPool(limit int) *Pool {
	if limit < 1 {
		limit = 1
	}
	return &Pool{limit: limit}
}

func (p *Pool) Limit() int {
	return p.limit
}

// Each runs fn for every item with at most Limit calls in flight and waits
// for all of them. fn's errors are returned by Each only when fn chooses to
// return them; callers that must not stop on one failure log and return nil.
func Each[T any](ctx context.Context, p *Pool, items []T, fn func(context.Context, T) error) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.limit)
	for _, item := range items {
		g.Go(func() error {
			return fn(gctx, item)
		})
	}
	return g.Wait()
}
