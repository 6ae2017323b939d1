package ratelimit

import (
	"cmp"
	"slices"
	"time"

	"github.com/google/uuid"
)

// QueuedRequest is a pending admission. Higher Priority is served first;
// within a priority, earlier Timestamp first.
type QueuedRequest struct {
	ID        string
	Tokens    int
	Priority  int
	Timestamp time.Time

	seq uint64
}

func compareQueued(a, b QueuedRequest) int {
	if c := cmp.Compare(b.Priority, a.Priority); c != 0 {
		return c
	}
	if c := a.Timestamp.Compare(b.Timestamp); c != 0 {
		return c
	}
	return cmp.Compare(a.seq, b.seq)
}

// QueueRequest enqueues req, stamping Timestamp from the limiter clock when
// it is zero and assigning a random ID when it has none. It returns false
// when the queue is full and the overflow policy does not make room. A
// rejected request leaves the queue unchanged.
func (l *Limiter) QueueRequest(provider string, req QueuedRequest) (bool, error) {
	st, err := l.state(provider)
	if err != nil {
		return false, err
	}
	if req.Timestamp.IsZero() {
		req.Timestamp = l.clock.Now()
	}
	if req.ID == "" {
		req.ID = uuid.NewString()
	}

	st.mu.Lock()
	defer st.mu.Unlock()

	if len(st.queue) >= st.cfg.MaxQueueDepth {
		if st.cfg.OverflowPolicy != OverflowDropLowest || len(st.queue) == 0 {
			l.logger.Debug("Queue full, request rejected", "provider", provider, "depth", len(st.queue), "priority", req.Priority)
			return false, nil
		}
		// queue is sorted, so the tail is the lowest priority and newest
		lowest := st.queue[len(st.queue)-1]
		if req.Priority <= lowest.Priority {
			return false, nil
		}
		st.queue = st.queue[:len(st.queue)-1]
		l.logger.Debug("Queue full, evicted lowest priority request", "provider", provider, "evicted", lowest.ID, "evicted_priority", lowest.Priority)
	}

	st.seq++
	req.seq = st.seq
	st.queue = append(st.queue, req)
	slices.SortStableFunc(st.queue, compareQueued)
	return true, nil
}

// DequeueRequest removes and returns the head of the queue.
func (l *Limiter) DequeueRequest(provider string) (QueuedRequest, bool, error) {
	st, err := l.state(provider)
	if err != nil {
		return QueuedRequest{}, false, err
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	if len(st.queue) == 0 {
		return QueuedRequest{}, false, nil
	}
	head := st.queue[0]
	st.queue = slices.Delete(st.queue, 0, 1)
	return head, true, nil
}

// PeekQueue returns a copy of the queue in service order.
func (l *Limiter) PeekQueue(provider string) ([]QueuedRequest, error) {
	st, err := l.state(provider)
	if err != nil {
		return nil, err
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	return slices.Clone(st.queue), nil
}

func (l *Limiter) QueueDepth(provider string) (int, error) {
	st, err := l.state(provider)
	if err != nil {
		return 0, err
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	return len(st.queue), nil
}

// ProcessQueue admits queued requests in order while the window and bucket
// allow, stopping at the first head that does not fit. Admitted requests are
// removed and returned.
func (l *Limiter) ProcessQueue(provider string) ([]QueuedRequest, error) {
	st, err := l.state(provider)
	if err != nil {
		return nil, err
	}
	now := l.clock.Now()

	var granted []QueuedRequest
	recovered := false
	st.mu.Lock()
	for len(st.queue) > 0 {
		head := st.queue[0]
		if head.Tokens > 0 {
			if st.blocked(now, head.Tokens) != "" {
				break
			}
			recovered = st.grant(now, head.Tokens) || recovered
		}
		granted = append(granted, head)
		st.queue = slices.Delete(st.queue, 0, 1)
	}
	st.mu.Unlock()

	if recovered {
		if h := l.hooks.OnRateLimitRecovered; h != nil {
			h(provider)
		}
	}
	return granted, nil
}
