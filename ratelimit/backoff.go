package ratelimit

import (
	"errors"
	"math"
	"time"
)

// CalculateBackoff returns the delay before retry number attempt (0-based):
// min(MaxDelay, InitialDelay*Multiplier^attempt) spread by ±JitterFactor and
// never negative.
func (l *Limiter) CalculateBackoff(provider string, attempt int) (time.Duration, error) {
	st, err := l.state(provider)
	if err != nil {
		return 0, err
	}
	st.mu.Lock()
	b := st.cfg.Backoff
	st.mu.Unlock()

	return backoff(b, attempt, l.rand), nil
}

func backoff(b BackoffConfig, attempt int, random func() float64) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	delay := float64(b.InitialDelay) * math.Pow(b.Multiplier, float64(attempt))
	if delay > float64(b.MaxDelay) || math.IsInf(delay, 1) {
		delay = float64(b.MaxDelay)
	}
	if b.JitterFactor > 0 {
		delay += delay * b.JitterFactor * (2*random() - 1)
	}
	if delay < 0 {
		delay = 0
	}
	return time.Duration(math.Round(delay))
}

// RetryStrategy decides whether and when to retry a failed call.
type RetryStrategy interface {
	ShouldRetry(err error) bool
	NextDelay() time.Duration
	Reset()
}

// BackoffRetry is a RetryStrategy driven by a provider's backoff config.
type BackoffRetry struct {
	limiter    *Limiter
	provider   string
	maxRetries int
	retryable  func(error) bool
	attempts   int
}

// RetryStrategy returns a strategy allowing up to maxRetries retries of errors
// for which retryable is true. A nil retryable retries every non-nil error.
func (l *Limiter) RetryStrategy(provider string, maxRetries int, retryable func(error) bool) (*BackoffRetry, error) {
	if _, err := l.state(provider); err != nil {
		return nil, err
	}
	if retryable == nil {
		retryable = func(error) bool { return true }
	}
	return &BackoffRetry{limiter: l, provider: provider, maxRetries: maxRetries, retryable: retryable}, nil
}

func (r *BackoffRetry) ShouldRetry(err error) bool {
	if err == nil || r.attempts >= r.maxRetries {
		return false
	}
	var ce *ConfigError
	if errors.As(err, &ce) {
		return false
	}
	return r.retryable(err)
}

// NextDelay consumes one attempt and returns its delay.
func (r *BackoffRetry) NextDelay() time.Duration {
	d, err := r.limiter.CalculateBackoff(r.provider, r.attempts)
	r.attempts++
	if err != nil {
		return 0
	}
	return d
}

func (r *BackoffRetry) Reset() {
	r.attempts = 0
}

// Attempts is the number of delays handed out since the last Reset.
func (r *BackoffRetry) Attempts() int {
	return r.attempts
}
