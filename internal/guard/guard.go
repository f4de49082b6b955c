// Package guard ensures at most one initialization per key is in flight.
// Concurrent callers for a busy key wait for the running one and share its
// result.
package guard

import (
	"context"
	"errors"
	"sync"

	"golang.org/x/sync/singleflight"
)

// Guard collapses concurrent calls per key. The zero value is not usable;
// use New. A Guard is injected into its users, there is no package global.
type Guard struct {
	group singleflight.Group

	mu       sync.Mutex
	inFlight map[string]int
}

func New() *Guard {
	return &Guard{inFlight: make(map[string]int)}
}

// errAbandoned is returned by a call whose caller left before fn started.
// Callers that joined such a call retry with their own fn.
var errAbandoned = errors.New("guard: call abandoned before start")

// call is one caller's attempt. started and abandoned are guarded by Guard.mu
// and are mutually exclusive.
type call struct {
	started   bool
	abandoned bool
}

// RunExclusive runs fn unless a call for key is already running, in which
// case it waits for that call and returns its result. shared reports
// whether the result came from another caller's execution. A waiter whose
// ctx ends stops waiting; the running call is not affected. A caller whose
// fn has started always waits for it, since fn is expected to watch ctx
// itself. A caller whose ctx ends before its fn starts guarantees fn never
// runs.
func (g *Guard) RunExclusive(ctx context.Context, key string, fn func() (any, error)) (v any, shared bool, err error) {
	for {
		c := &call{}
		ch := g.group.DoChan(key, func() (any, error) {
			g.mu.Lock()
			if c.abandoned {
				g.mu.Unlock()
				return nil, errAbandoned
			}
			c.started = true
			g.inFlight[key]++
			g.mu.Unlock()
			defer g.track(key, -1)
			return fn()
		})

		var res singleflight.Result
		select {
		case res = <-ch:
		case <-ctx.Done():
			g.mu.Lock()
			started := c.started
			if !started {
				c.abandoned = true
			}
			g.mu.Unlock()
			if !started {
				return nil, false, ctx.Err()
			}
			res = <-ch
		}
		if errors.Is(res.Err, errAbandoned) {
			if err := ctx.Err(); err != nil {
				return nil, false, err
			}
			continue
		}
		return res.Val, res.Shared, res.Err
	}
}

// InFlight reports whether a call for key is currently running.
func (g *Guard) InFlight(key string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.inFlight[key] > 0
}

func (g *Guard) track(key string, delta int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.inFlight[key] += delta
	if g.inFlight[key] <= 0 {
		delete(g.inFlight, key)
	}
}

// Cache memoizes a per-key load. Concurrent misses for one key run the
// loader once. Failed loads are not cached.
type Cache[T any] struct {
	guard *Guard
	load  func(ctx context.Context, key string) (T, error)

	mu     sync.RWMutex
	values map[string]T
}

func NewCache[T any](load func(ctx context.Context, key string) (T, error)) *Cache[T] {
	return &Cache[T]{guard: New(), load: load, values: make(map[string]T)}
}

// Get returns the cached value for key, loading it on first use.
func (c *Cache[T]) Get(ctx context.Context, key string) (T, error) {
	c.mu.RLock()
	v, ok := c.values[key]
	c.mu.RUnlock()
	if ok {
		return v, nil
	}

	res, _, err := c.guard.RunExclusive(ctx, key, func() (any, error) {
		v, err := c.load(ctx, key)
		if err != nil {
			return nil, err
		}
		c.mu.Lock()
		c.values[key] = v
		c.mu.Unlock()
		return v, nil
	})
	if err != nil {
		var zero T
		return zero, err
	}
	return res.(T), nil
}

// Forget drops a cached value so the next Get reloads it.
func (c *Cache[T]) Forget(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.values, key)
}
