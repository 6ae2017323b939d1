package ratelimit

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func queueConfig(depth int, policy OverflowPolicy) Config {
	cfg := bucketConfig(10, 1)
	cfg.MaxQueueDepth = depth
	cfg.OverflowPolicy = policy
	return cfg
}

func ids(reqs []QueuedRequest) []string {
	out := make([]string, len(reqs))
	for i, r := range reqs {
		out[i] = r.ID
	}
	return out
}

func TestQueueOrdersByPriorityThenFIFO(t *testing.T) {
	l, clock := newTestLimiter(t, "p", queueConfig(10, OverflowReject))

	for _, r := range []QueuedRequest{
		{ID: "low-1", Priority: 1},
		{ID: "high-1", Priority: 5},
		{ID: "low-2", Priority: 1},
		{ID: "high-2", Priority: 5},
		{ID: "mid", Priority: 3},
	} {
		ok, err := l.QueueRequest("p", r)
		require.NoError(t, err)
		require.True(t, ok)
		clock.Advance(time.Millisecond)
	}

	q, err := l.PeekQueue("p")
	require.NoError(t, err)
	assert.Equal(t, []string{"high-1", "high-2", "mid", "low-1", "low-2"}, ids(q))
}

func TestQueueSameTimestampKeepsInsertionOrder(t *testing.T) {
	l, _ := newTestLimiter(t, "p", queueConfig(10, OverflowReject))
	for _, id := range []string{"a", "b", "c"} {
		ok, _ := l.QueueRequest("p", QueuedRequest{ID: id, Priority: 1})
		require.True(t, ok)
	}
	q, _ := l.PeekQueue("p")
	assert.Equal(t, []string{"a", "b", "c"}, ids(q))
}

func TestQueueRejectPolicy(t *testing.T) {
	l, _ := newTestLimiter(t, "p", queueConfig(2, OverflowReject))
	_, _ = l.QueueRequest("p", QueuedRequest{ID: "a", Priority: 1})
	_, _ = l.QueueRequest("p", QueuedRequest{ID: "b", Priority: 1})

	ok, err := l.QueueRequest("p", QueuedRequest{ID: "c", Priority: 100})
	require.NoError(t, err)
	assert.False(t, ok)
	q, _ := l.PeekQueue("p")
	assert.Equal(t, []string{"a", "b"}, ids(q))
}

func TestQueueDropLowest(t *testing.T) {
	l, clock := newTestLimiter(t, "p", queueConfig(3, OverflowDropLowest))
	for _, r := range []QueuedRequest{
		{ID: "a", Priority: 2},
		{ID: "b", Priority: 1},
		{ID: "c", Priority: 1},
	} {
		ok, _ := l.QueueRequest("p", r)
		require.True(t, ok)
		clock.Advance(time.Millisecond)
	}
	before, _ := l.PeekQueue("p")

	for _, prio := range []int{0, 1} {
		ok, err := l.QueueRequest("p", QueuedRequest{ID: "weak", Priority: prio})
		require.NoError(t, err)
		assert.False(t, ok, "priority %d is not above the minimum", prio)
		after, _ := l.PeekQueue("p")
		assert.Equal(t, before, after, "rejected insert leaves the queue unchanged")
	}

	ok, err := l.QueueRequest("p", QueuedRequest{ID: "strong", Priority: 2})
	require.NoError(t, err)
	require.True(t, ok)

	q, _ := l.PeekQueue("p")
	// the newest of the lowest tier is evicted
	assert.Equal(t, []string{"a", "strong", "b"}, ids(q))
}

func TestQueueZeroDepth(t *testing.T) {
	l, _ := newTestLimiter(t, "p", queueConfig(0, OverflowDropLowest))
	ok, err := l.QueueRequest("p", QueuedRequest{ID: "a", Priority: 9})
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestDequeue(t *testing.T) {
	l, _ := newTestLimiter(t, "p", queueConfig(5, OverflowReject))
	_, ok, err := l.DequeueRequest("p")
	require.NoError(t, err)
	assert.False(t, ok)

	_, _ = l.QueueRequest("p", QueuedRequest{ID: "a", Priority: 1})
	_, _ = l.QueueRequest("p", QueuedRequest{ID: "b", Priority: 2})
	head, ok, _ := l.DequeueRequest("p")
	require.True(t, ok)
	assert.Equal(t, "b", head.ID)
	n, _ := l.QueueDepth("p")
	assert.Equal(t, 1, n)
}

func TestProcessQueueGrantsHeadOfLine(t *testing.T) {
	l, clock := newTestLimiter(t, "p", queueConfig(10, OverflowReject))
	ok, _ := l.TryAcquire("p", 7)
	require.True(t, ok)

	_, _ = l.QueueRequest("p", QueuedRequest{ID: "big", Tokens: 2, Priority: 5})
	_, _ = l.QueueRequest("p", QueuedRequest{ID: "huge", Tokens: 4, Priority: 4})
	_, _ = l.QueueRequest("p", QueuedRequest{ID: "tiny", Tokens: 1, Priority: 1})

	granted, err := l.ProcessQueue("p")
	require.NoError(t, err)
	assert.Equal(t, []string{"big"}, ids(granted), "huge blocks the line even though tiny would fit")

	clock.Advance(3 * time.Second)
	granted, _ = l.ProcessQueue("p")
	assert.Equal(t, []string{"huge"}, ids(granted))

	clock.Advance(time.Second)
	granted, _ = l.ProcessQueue("p")
	assert.Equal(t, []string{"tiny"}, ids(granted))

	m, _ := l.GetMetrics("p")
	assert.Zero(t, m.Failures, "a blocked queue head is not a rejection")
	assert.Equal(t, int64(14), m.TokensGranted)
}

func TestQueueAssignsIDs(t *testing.T) {
	l, _ := newTestLimiter(t, "p", queueConfig(10, OverflowReject))
	ok, err := l.QueueRequest("p", QueuedRequest{Priority: 1})
	require.NoError(t, err)
	require.True(t, ok)

	q, _ := l.PeekQueue("p")
	require.Len(t, q, 1)
	_, err = uuid.Parse(q[0].ID)
	assert.NoError(t, err)
}
