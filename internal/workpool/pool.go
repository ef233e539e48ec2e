// Package workpool bounds the number of concurrent outbound calls to the
// exchange and the advisor.
package workpool

import (
	"context"
	"sync"
)

type Pool struct {
	sem chan struct{}
}

func New(size int) *Pool {
	if size <= 0 {
		size = 1
	}
	return &Pool{sem: make(chan struct{}, size)}
}

// Do runs fn once a slot is free. It returns ctx.Err() if the context ends
// while waiting for a slot.
func (p *Pool) Do(ctx context.Context, fn func(context.Context) error) error {
	select {
	case p.sem <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() { <-p.sem }()
	return fn(ctx)
}

// All runs every fn concurrently through the pool and returns the errors in
// the same order as fns.
func (p *Pool) All(ctx context.Context, fns ...func(context.Context) error) []error {
	errs := make([]error, len(fns))
	var wg sync.WaitGroup
	for i, fn := range fns {
		wg.Add(1)
		go func(i int, fn func(context.Context) error) {
			defer wg.Done()
			errs[i] = p.Do(ctx, fn)
		}(i, fn)
	}
	wg.Wait()
	return errs
}

func (p *Pool) InUse() int    { return len(p.sem) }
func (p *Pool) Capacity() int { return cap(p.sem) }
