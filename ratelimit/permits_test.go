package ratelimit

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func permitConfig(max int) Config {
	cfg := bucketConfig(10, 1)
	cfg.MaxConcurrent = max
	return cfg
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	require.Eventually(t, cond, 2*time.Second, time.Millisecond)
}

func TestPermitsGrantImmediatelyUnderLimit(t *testing.T) {
	l, _ := newTestLimiter(t, "p", permitConfig(2))
	ctx := context.Background()
	require.NoError(t, l.AcquireConcurrencyPermit(ctx, "p"))
	require.NoError(t, l.AcquireConcurrencyPermit(ctx, "p"))

	m, _ := l.GetMetrics("p")
	assert.Equal(t, 2, m.ActivePermits)
	assert.Equal(t, 2, m.MaxConcurrent)
}

func TestPermitsServeWaitersFIFO(t *testing.T) {
	l, _ := newTestLimiter(t, "p", permitConfig(1))
	ctx := context.Background()
	require.NoError(t, l.AcquireConcurrencyPermit(ctx, "p"))

	var mu sync.Mutex
	var order []int
	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			require.NoError(t, l.AcquireConcurrencyPermit(ctx, "p"))
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
		}(i)
		// make arrival order deterministic
		waitFor(t, func() bool {
			m, _ := l.GetMetrics("p")
			return m.WaitingPermits == i+1
		})
	}

	for i := 0; i < 3; i++ {
		require.NoError(t, l.ReleaseConcurrencyPermit("p"))
		waitFor(t, func() bool {
			mu.Lock()
			defer mu.Unlock()
			return len(order) == i+1
		})
	}
	wg.Wait()
	assert.Equal(t, []int{0, 1, 2}, order)

	m, _ := l.GetMetrics("p")
	assert.Equal(t, 1, m.ActivePermits)
	assert.Zero(t, m.WaitingPermits)
}

func TestReleaseNeverGoesNegative(t *testing.T) {
	l, _ := newTestLimiter(t, "p", permitConfig(1))
	require.NoError(t, l.ReleaseConcurrencyPermit("p"))
	require.NoError(t, l.ReleaseConcurrencyPermit("p"))

	m, _ := l.GetMetrics("p")
	assert.Zero(t, m.ActivePermits)

	// still exactly one slot
	ctx := context.Background()
	require.NoError(t, l.AcquireConcurrencyPermit(ctx, "p"))
	short, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, l.AcquireConcurrencyPermit(short, "p"), context.DeadlineExceeded)
}

func TestAcquireHonoursCancellation(t *testing.T) {
	l, _ := newTestLimiter(t, "p", permitConfig(1))
	require.NoError(t, l.AcquireConcurrencyPermit(context.Background(), "p"))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- l.AcquireConcurrencyPermit(ctx, "p") }()
	waitFor(t, func() bool {
		m, _ := l.GetMetrics("p")
		return m.WaitingPermits == 1
	})
	cancel()

	assert.ErrorIs(t, <-done, context.Canceled)
	m, _ := l.GetMetrics("p")
	assert.Equal(t, 1, m.ActivePermits)
	assert.Zero(t, m.WaitingPermits)
}

func TestWithConcurrencyPermitReleasesOnEveryPath(t *testing.T) {
	l, _ := newTestLimiter(t, "p", permitConfig(1))
	ctx := context.Background()
	boom := errors.New("boom")

	err := l.WithConcurrencyPermit(ctx, "p", func(context.Context) error { return boom })
	assert.ErrorIs(t, err, boom)

	assert.Panics(t, func() {
		_ = l.WithConcurrencyPermit(ctx, "p", func(context.Context) error { panic("oops") })
	})

	err = l.WithConcurrencyPermit(ctx, "p", func(context.Context) error {
		m, _ := l.GetMetrics("p")
		assert.Equal(t, 1, m.ActivePermits)
		return nil
	})
	require.NoError(t, err)

	m, _ := l.GetMetrics("p")
	assert.Zero(t, m.ActivePermits)
}

func TestUnboundedPermits(t *testing.T) {
	l, _ := newTestLimiter(t, "p", permitConfig(0))
	for i := 0; i < 100; i++ {
		require.NoError(t, l.AcquireConcurrencyPermit(context.Background(), "p"))
	}
	m, _ := l.GetMetrics("p")
	assert.Equal(t, 100, m.ActivePermits)
}

func TestReconfigureKeepsHeldPermits(t *testing.T) {
	l, _ := newTestLimiter(t, "p", permitConfig(1))
	require.NoError(t, l.AcquireConcurrencyPermit(context.Background(), "p"))

	require.NoError(t, l.Configure("p", permitConfig(1)))
	m, _ := l.GetMetrics("p")
	assert.Equal(t, 1, m.ActivePermits)
	require.NoError(t, l.ReleaseConcurrencyPermit("p"))
	m, _ = l.GetMetrics("p")
	assert.Zero(t, m.ActivePermits)
}

func TestResizeMovesWaitersToNewPool(t *testing.T) {
	l, _ := newTestLimiter(t, "p", permitConfig(1))
	require.NoError(t, l.AcquireConcurrencyPermit(context.Background(), "p"))

	done := make(chan error, 1)
	go func() { done <- l.AcquireConcurrencyPermit(context.Background(), "p") }()
	waitFor(t, func() bool {
		m, _ := l.GetMetrics("p")
		return m.WaitingPermits == 1
	})

	require.NoError(t, l.Configure("p", permitConfig(2)))
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("waiter stayed blocked on the replaced pool")
	}

	m, _ := l.GetMetrics("p")
	assert.Equal(t, 1, m.ActivePermits)
	assert.Equal(t, 2, m.MaxConcurrent)
}
