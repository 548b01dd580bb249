package node

import "context"

// Pool is the bounded concurrency gate every public Node operation runs
// through (spec §4.1/§5: "a single request-processing pool sized for
// expected concurrency... the pool size is a configured value"). It is
// a semaphore rather than a fixed goroutine set: net/rpc already runs
// each inbound call on its own goroutine, so Pool's job is purely to
// cap how many of those goroutines may do heavy (disk/network) work at
// once, never how many are spawned.
type Pool struct {
	sem chan struct{}
}

// NewPool builds a pool with room for exactly size concurrent
// operations. size must come from required configuration (spec §9) —
// callers should reject size <= 0 rather than silently substituting a
// default.
func NewPool(size int) *Pool {
	return &Pool{sem: make(chan struct{}, size)}
}

// Run executes fn once a slot is available, releasing the slot when fn
// returns. It honors ctx cancellation while waiting for a slot so a
// cancelled request never occupies pool capacity (spec §5 cancellation
// semantics).
func (p *Pool) Run(ctx context.Context, fn func() error) error {
	select {
	case p.sem <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() { <-p.sem }()
	return fn()
}

// InUse reports how many slots are currently occupied. Heartbeat's load
// vector does not include it; tests use it to observe pool occupancy.
func (p *Pool) InUse() int {
	return len(p.sem)
}

// Capacity returns the pool's configured size.
func (p *Pool) Capacity() int {
	return cap(p.sem)
}
