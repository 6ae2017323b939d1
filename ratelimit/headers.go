package ratelimit

import (
	"net/http"
	"strconv"
	"strings"
	"time"
)

// CurrentLimits is what the vendor last reported about its own limits.
// Counts are -1 when unknown. It never feeds back into the token bucket.
type CurrentLimits struct {
	RequestsLimit     int
	RequestsRemaining int
	RequestsReset     time.Time
	TokensLimit       int
	TokensRemaining   int
	TokensReset       time.Time
	RetryAfter        time.Duration
	UpdatedAt         time.Time
}

func unknownLimits() CurrentLimits {
	return CurrentLimits{RequestsLimit: -1, RequestsRemaining: -1, TokensLimit: -1, TokensRemaining: -1}
}

// UpdateFromHeaders records the Anthropic (anthropic-ratelimit-*) and OpenAI
// (x-ratelimit-*) rate-limit headers plus Retry-After. It reports whether any
// header was recognised.
func (l *Limiter) UpdateFromHeaders(provider string, h http.Header) (bool, error) {
	st, err := l.state(provider)
	if err != nil {
		return false, err
	}
	now := l.clock.Now()

	st.mu.Lock()
	defer st.mu.Unlock()
	cur := st.limits
	found := false

	setInt := func(dst *int, keys ...string) {
		for _, k := range keys {
			if v := strings.TrimSpace(h.Get(k)); v != "" {
				if n, err := strconv.Atoi(v); err == nil {
					*dst = n
					found = true
					return
				}
			}
		}
	}
	setReset := func(dst *time.Time, absKey, relKey string) {
		if v := strings.TrimSpace(h.Get(absKey)); v != "" {
			if t, err := time.Parse(time.RFC3339, v); err == nil {
				*dst = t
				found = true
				return
			}
		}
		if v := strings.TrimSpace(h.Get(relKey)); v != "" {
			if d, err := time.ParseDuration(v); err == nil {
				*dst = now.Add(d)
				found = true
			}
		}
	}

	setInt(&cur.RequestsLimit, "anthropic-ratelimit-requests-limit", "x-ratelimit-limit-requests")
	setInt(&cur.RequestsRemaining, "anthropic-ratelimit-requests-remaining", "x-ratelimit-remaining-requests")
	setInt(&cur.TokensLimit, "anthropic-ratelimit-tokens-limit", "x-ratelimit-limit-tokens")
	setInt(&cur.TokensRemaining, "anthropic-ratelimit-tokens-remaining", "x-ratelimit-remaining-tokens")
	setReset(&cur.RequestsReset, "anthropic-ratelimit-requests-reset", "x-ratelimit-reset-requests")
	setReset(&cur.TokensReset, "anthropic-ratelimit-tokens-reset", "x-ratelimit-reset-tokens")

	if v := strings.TrimSpace(h.Get("Retry-After")); v != "" {
		if secs, err := strconv.ParseFloat(v, 64); err == nil && secs >= 0 {
			cur.RetryAfter = time.Duration(secs * float64(time.Second))
			found = true
		} else if t, err := http.ParseTime(v); err == nil {
			cur.RetryAfter = max(t.Sub(now), 0)
			found = true
		}
	}

	if found {
		cur.UpdatedAt = now
		st.limits = cur
	}
	return found, nil
}

// CurrentLimits returns the last header-reported limits for provider.
func (l *Limiter) CurrentLimits(provider string) (CurrentLimits, error) {
	st, err := l.state(provider)
	if err != nil {
		return CurrentLimits{}, err
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.limits, nil
}
