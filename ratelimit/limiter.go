package ratelimit

import (
	"math"
	"math/rand/v2"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/teilomillet/memgate/utils"
)

// Clock supplies the current time. Bucket refill is computed lazily from it,
// so a fake clock makes the limiter fully deterministic.
type Clock interface {
	Now() time.Time
}

type ClockFunc func() time.Time

func (f ClockFunc) Now() time.Time { return f() }

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// Rejection reasons carried by ThresholdEvent.
const (
	ReasonInsufficientTokens = "insufficient_tokens"
	ReasonWindowFull         = "window_full"
	ReasonExceedsBurst       = "exceeds_burst"
)

// ThresholdEvent describes one rejected TryAcquire.
type ThresholdEvent struct {
	Provider  string
	Requested int
	Available float64
	Reason    string
	At        time.Time
}

// Hooks observe admission transitions. They run after the provider lock is
// released and may call back into the Limiter.
type Hooks struct {
	OnThresholdExceeded  func(ThresholdEvent)
	OnRateLimitRecovered func(provider string)
}

type stats struct {
	requests            int64
	successes           int64
	failures            int64
	tokensGranted       int64
	consecutiveFailures int
	lastRejection       time.Time
}

// providerState is everything the limiter keeps for one provider key.
type providerState struct {
	mu      sync.Mutex
	cfg     Config
	bucket  *rate.Limiter
	window  []time.Time
	queue   []QueuedRequest
	seq     uint64
	stats   stats
	limits  CurrentLimits
	permits *permits
}

// Limiter is a registry of per-provider admission state. Providers are
// independent; no operation locks more than one provider.
type Limiter struct {
	mu        sync.RWMutex
	providers map[string]*providerState

	clock  Clock
	rand   func() float64
	hooks  Hooks
	logger utils.Logger
}

type Option func(*Limiter)

func WithClock(c Clock) Option {
	return func(l *Limiter) { l.clock = c }
}

// WithRand replaces the jitter source; fn must return values in [0,1).
func WithRand(fn func() float64) Option {
	return func(l *Limiter) { l.rand = fn }
}

func WithHooks(h Hooks) Option {
	return func(l *Limiter) { l.hooks = h }
}

func WithLogger(logger utils.Logger) Option {
	return func(l *Limiter) { l.logger = logger }
}

func New(opts ...Option) *Limiter {
	l := &Limiter{
		providers: make(map[string]*providerState),
		clock:     systemClock{},
		rand:      rand.Float64,
		logger:    utils.NopLogger{},
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Configure installs cfg for provider, replacing any previous state except
// the permit pool when MaxConcurrent is unchanged, so holders of a permit can
// still release it. Otherwise the old pool is retired and its waiters move
// to the new one.
func (l *Limiter) Configure(provider string, cfg Config) error {
	cfg = cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		ce := err.(*ConfigError)
		ce.Provider = provider
		return ce
	}

	st := &providerState{
		cfg:    cfg,
		bucket: rate.NewLimiter(rate.Limit(cfg.SustainedRate), cfg.BurstCapacity),
		limits: unknownLimits(),
	}

	var retired *permits
	l.mu.Lock()
	if old, ok := l.providers[provider]; ok {
		old.mu.Lock()
		if old.cfg.MaxConcurrent == cfg.MaxConcurrent {
			st.permits = old.permits
		} else {
			retired = old.permits
		}
		old.mu.Unlock()
	}
	if st.permits == nil {
		st.permits = newPermits(cfg.MaxConcurrent)
	}
	l.providers[provider] = st
	l.mu.Unlock()

	if retired != nil {
		retired.retire()
	}

	l.logger.Info("Rate limiter configured",
		"provider", provider,
		"burst", cfg.BurstCapacity,
		"rate", cfg.SustainedRate,
		"window", cfg.WindowSize,
		"window_max", cfg.MaxRequestsPerWindow,
		"max_concurrent", cfg.MaxConcurrent,
	)
	return nil
}

// Configured reports whether provider has state.
func (l *Limiter) Configured(provider string) bool {
	_, err := l.state(provider)
	return err == nil
}

func (l *Limiter) state(provider string) (*providerState, error) {
	l.mu.RLock()
	st, ok := l.providers[provider]
	l.mu.RUnlock()
	if !ok {
		return nil, notConfigured(provider)
	}
	return st, nil
}

// pruneWindow drops timestamps older than the window. Caller holds st.mu.
func (st *providerState) pruneWindow(now time.Time) {
	if !st.cfg.windowEnabled() {
		st.window = st.window[:0]
		return
	}
	cutoff := now.Add(-st.cfg.WindowSize)
	i := 0
	for i < len(st.window) && !st.window[i].After(cutoff) {
		i++
	}
	st.window = st.window[i:]
}

func (st *providerState) windowFull() bool {
	return st.cfg.windowEnabled() && len(st.window) >= st.cfg.MaxRequestsPerWindow
}

// blocked reports why tokens cannot be admitted at now, or "" when they can.
// Caller holds st.mu.
func (st *providerState) blocked(now time.Time, tokens int) string {
	st.pruneWindow(now)
	switch {
	case tokens > st.cfg.BurstCapacity:
		return ReasonExceedsBurst
	case st.windowFull():
		return ReasonWindowFull
	case st.bucket.TokensAt(now) < float64(tokens):
		return ReasonInsufficientTokens
	}
	return ""
}

// grant debits tokens and records the admission. It reports whether this
// ended a failure streak. Caller holds st.mu and has checked blocked.
func (st *providerState) grant(now time.Time, tokens int) bool {
	st.bucket.AllowN(now, tokens)
	if st.cfg.windowEnabled() {
		st.window = append(st.window, now)
	}
	st.stats.requests++
	st.stats.successes++
	st.stats.tokensGranted += int64(tokens)
	recovered := st.stats.consecutiveFailures > 0
	st.stats.consecutiveFailures = 0
	return recovered
}

func (st *providerState) reject(now time.Time) {
	st.stats.requests++
	st.stats.failures++
	st.stats.consecutiveFailures++
	st.stats.lastRejection = now
}

// TryAcquire debits tokens from provider's bucket when both the window and
// the bucket allow it. It never blocks. A non-positive request is always
// granted and debits nothing.
func (l *Limiter) TryAcquire(provider string, tokens int) (bool, error) {
	st, err := l.state(provider)
	if err != nil {
		return false, err
	}
	if tokens <= 0 {
		return true, nil
	}

	now := l.clock.Now()
	st.mu.Lock()
	reason := st.blocked(now, tokens)
	recovered := false
	if reason == "" {
		recovered = st.grant(now, tokens)
	} else {
		st.reject(now)
	}
	available := st.bucket.TokensAt(now)
	st.mu.Unlock()

	if reason != "" {
		l.logger.Debug("Rate limit rejected request", "provider", provider, "requested", tokens, "available", available, "reason", reason)
		if h := l.hooks.OnThresholdExceeded; h != nil {
			h(ThresholdEvent{Provider: provider, Requested: tokens, Available: available, Reason: reason, At: now})
		}
		return false, nil
	}
	if recovered {
		l.logger.Info("Rate limit recovered", "provider", provider)
		if h := l.hooks.OnRateLimitRecovered; h != nil {
			h(provider)
		}
	}
	return true, nil
}

// AvailableTokens is the refilled bucket level at the current clock time.
func (l *Limiter) AvailableTokens(provider string) (float64, error) {
	st, err := l.state(provider)
	if err != nil {
		return 0, err
	}
	now := l.clock.Now()
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.bucket.TokensAt(now), nil
}

// PredictWaitTime returns how long until the bucket holds tokens, rounded up
// to the millisecond; 0 when it already does. It does not mutate state.
func (l *Limiter) PredictWaitTime(provider string, tokens int) (time.Duration, error) {
	st, err := l.state(provider)
	if err != nil {
		return 0, err
	}
	now := l.clock.Now()

	st.mu.Lock()
	defer st.mu.Unlock()
	if tokens > st.cfg.BurstCapacity {
		return 0, ErrExceedsBurst
	}
	missing := float64(tokens) - st.bucket.TokensAt(now)
	if missing <= 0 {
		return 0, nil
	}
	ms := math.Ceil(missing / st.cfg.SustainedRate * 1000)
	return time.Duration(ms) * time.Millisecond, nil
}

// WindowWaitTime returns how long until the sliding window has room; 0 when
// it has room now or no window is configured.
func (l *Limiter) WindowWaitTime(provider string) (time.Duration, error) {
	st, err := l.state(provider)
	if err != nil {
		return 0, err
	}
	now := l.clock.Now()

	st.mu.Lock()
	defer st.mu.Unlock()
	st.pruneWindow(now)
	if !st.windowFull() {
		return 0, nil
	}
	// the oldest entry must age out
	return st.window[0].Add(st.cfg.WindowSize).Sub(now), nil
}

// Reset restores provider to a full bucket with empty window, queue and
// statistics. Outstanding permits are kept.
func (l *Limiter) Reset(provider string) error {
	st, err := l.state(provider)
	if err != nil {
		return err
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	st.bucket = rate.NewLimiter(rate.Limit(st.cfg.SustainedRate), st.cfg.BurstCapacity)
	st.window = nil
	st.queue = nil
	st.stats = stats{}
	st.limits = unknownLimits()
	return nil
}

// Providers lists configured provider keys.
func (l *Limiter) Providers() []string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]string, 0, len(l.providers))
	for name := range l.providers {
		out = append(out, name)
	}
	return out
}
