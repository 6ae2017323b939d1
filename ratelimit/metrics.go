package ratelimit

import (
	"slices"
	"time"
)

// Metrics is a point-in-time snapshot of one provider's limiter state.
type Metrics struct {
	Provider            string        `json:"provider"`
	TotalRequests       int64         `json:"total_requests"`
	Successes           int64         `json:"successes"`
	Failures            int64         `json:"failures"`
	TokensGranted       int64         `json:"tokens_granted"`
	ConsecutiveFailures int           `json:"consecutive_failures"`
	LastRejection       time.Time     `json:"last_rejection,omitzero"`
	AvailableTokens     float64       `json:"available_tokens"`
	BurstCapacity       int           `json:"burst_capacity"`
	WindowCount         int           `json:"window_count"`
	QueueDepth          int           `json:"queue_depth"`
	ActivePermits       int           `json:"active_permits"`
	WaitingPermits      int           `json:"waiting_permits"`
	MaxConcurrent       int           `json:"max_concurrent"`
	Limits              CurrentLimits `json:"limits"`
}

// SuccessRate is Successes/TotalRequests, 1 when nothing was requested.
func (m Metrics) SuccessRate() float64 {
	if m.TotalRequests == 0 {
		return 1
	}
	return float64(m.Successes) / float64(m.TotalRequests)
}

func (l *Limiter) GetMetrics(provider string) (Metrics, error) {
	st, err := l.state(provider)
	if err != nil {
		return Metrics{}, err
	}
	now := l.clock.Now()

	st.mu.Lock()
	st.pruneWindow(now)
	m := Metrics{
		Provider:            provider,
		TotalRequests:       st.stats.requests,
		Successes:           st.stats.successes,
		Failures:            st.stats.failures,
		TokensGranted:       st.stats.tokensGranted,
		ConsecutiveFailures: st.stats.consecutiveFailures,
		LastRejection:       st.stats.lastRejection,
		AvailableTokens:     st.bucket.TokensAt(now),
		BurstCapacity:       st.cfg.BurstCapacity,
		WindowCount:         len(st.window),
		QueueDepth:          len(st.queue),
		Limits:              st.limits,
	}
	p := st.permits
	st.mu.Unlock()

	m.ActivePermits, m.WaitingPermits, m.MaxConcurrent = p.snapshot()
	return m, nil
}

// AllMetrics snapshots every configured provider, sorted by name.
func (l *Limiter) AllMetrics() []Metrics {
	names := l.Providers()
	slices.Sort(names)
	out := make([]Metrics, 0, len(names))
	for _, name := range names {
		if m, err := l.GetMetrics(name); err == nil {
			out = append(out, m)
		}
	}
	return out
}
