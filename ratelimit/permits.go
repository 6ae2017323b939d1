package ratelimit

import (
	"context"
	"errors"
	"sync"

	"golang.org/x/sync/semaphore"
)

// permits bounds in-flight calls for one provider. Waiters are served in
// FIFO order by the weighted semaphore.
type permits struct {
	sem *semaphore.Weighted // nil when unbounded

	// retired is closed when Configure replaces the pool.
	retired     chan struct{}
	retiredOnce sync.Once

	mu      sync.Mutex
	active  int
	waiting int
	max     int
}

// errRetired tells a waiter to retry on the provider's current pool.
var errRetired = errors.New("permit pool replaced")

func newPermits(max int) *permits {
	p := &permits{max: max, retired: make(chan struct{})}
	if max > 0 {
		p.sem = semaphore.NewWeighted(int64(max))
	}
	return p
}

// retire wakes every waiter with errRetired. Permits already held are still
// released back to this pool.
func (p *permits) retire() {
	p.retiredOnce.Do(func() { close(p.retired) })
}

func (p *permits) acquire(ctx context.Context) error {
	if p.sem != nil {
		waitCtx, cancel := context.WithCancel(ctx)
		defer cancel()
		go func() {
			select {
			case <-p.retired:
				cancel()
			case <-waitCtx.Done():
			}
		}()

		p.mu.Lock()
		p.waiting++
		p.mu.Unlock()

		err := p.sem.Acquire(waitCtx, 1)

		p.mu.Lock()
		p.waiting--
		p.mu.Unlock()
		if err != nil {
			if ctx.Err() == nil {
				return errRetired
			}
			return ctx.Err()
		}
	} else if err := ctx.Err(); err != nil {
		return err
	}

	p.mu.Lock()
	p.active++
	p.mu.Unlock()
	return nil
}

// release frees one slot. It is a no-op when nothing is held.
func (p *permits) release() {
	p.mu.Lock()
	if p.active == 0 {
		p.mu.Unlock()
		return
	}
	p.active--
	p.mu.Unlock()

	if p.sem != nil {
		p.sem.Release(1)
	}
}

func (p *permits) snapshot() (active, waiting, max int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.active, p.waiting, p.max
}

func (l *Limiter) permitsFor(provider string) (*permits, error) {
	st, err := l.state(provider)
	if err != nil {
		return nil, err
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.permits, nil
}

// acquirePermit takes a slot from the provider's pool, following the pool
// across reconfiguration.
func (l *Limiter) acquirePermit(ctx context.Context, provider string) (*permits, error) {
	for {
		p, err := l.permitsFor(provider)
		if err != nil {
			return nil, err
		}
		err = p.acquire(ctx)
		if !errors.Is(err, errRetired) {
			return p, err
		}
	}
}

// AcquireConcurrencyPermit blocks until provider has a free slot or ctx is
// done. Waiters are granted in arrival order.
func (l *Limiter) AcquireConcurrencyPermit(ctx context.Context, provider string) error {
	_, err := l.acquirePermit(ctx, provider)
	return err
}

// ReleaseConcurrencyPermit frees one slot and hands it to the oldest waiter.
// Releasing with nothing held does nothing.
func (l *Limiter) ReleaseConcurrencyPermit(provider string) error {
	p, err := l.permitsFor(provider)
	if err != nil {
		return err
	}
	p.release()
	return nil
}

// WithConcurrencyPermit runs fn while holding a permit, releasing it on every
// exit path including panics.
func (l *Limiter) WithConcurrencyPermit(ctx context.Context, provider string, fn func(ctx context.Context) error) error {
	p, err := l.acquirePermit(ctx, provider)
	if err != nil {
		return err
	}
	defer p.release()
	return fn(ctx)
}
