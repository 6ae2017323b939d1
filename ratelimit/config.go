// Package ratelimit implements per-provider admission control: a token bucket,
// an optional sliding request window, a bounded priority queue, FIFO
// concurrency permits and retry backoff.
package ratelimit

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

// OverflowPolicy decides what QueueRequest does when the queue is full.
type OverflowPolicy string

const (
	// OverflowReject refuses the new request.
	OverflowReject OverflowPolicy = "reject"
	// OverflowDropLowest evicts the lowest-priority queued request when the
	// new one has strictly higher priority.
	OverflowDropLowest OverflowPolicy = "drop-lowest"
)

// Config is the limit set for one provider. An empty OverflowPolicy and a
// zero Backoff take their DefaultConfig values.
type Config struct {
	// BurstCapacity is the bucket size.
	BurstCapacity int `validate:"gt=0"`
	// SustainedRate is the refill rate in tokens per second.
	SustainedRate float64 `validate:"gt=0"`

	// The sliding window is enforced only when both are positive.
	WindowSize           time.Duration `validate:"gte=0"`
	MaxRequestsPerWindow int           `validate:"gte=0"`

	MaxQueueDepth  int            `validate:"gte=0"`
	OverflowPolicy OverflowPolicy `validate:"oneof=reject drop-lowest"`

	// MaxConcurrent bounds in-flight permits; 0 means unbounded.
	MaxConcurrent int `validate:"gte=0"`

	Backoff BackoffConfig
}

type BackoffConfig struct {
	InitialDelay time.Duration `validate:"gte=0"`
	MaxDelay     time.Duration `validate:"gtefield=InitialDelay"`
	Multiplier   float64       `validate:"gte=1"`
	// JitterFactor in [0,1] spreads each delay by ±delay*JitterFactor.
	JitterFactor float64 `validate:"gte=0,lte=1"`
}

// DefaultConfig is a conservative single-tenant limit set.
func DefaultConfig() Config {
	return Config{
		BurstCapacity:  10,
		SustainedRate:  1,
		MaxQueueDepth:  100,
		OverflowPolicy: OverflowReject,
		MaxConcurrent:  4,
		Backoff: BackoffConfig{
			InitialDelay: 500 * time.Millisecond,
			MaxDelay:     30 * time.Second,
			Multiplier:   2,
			JitterFactor: 0.1,
		},
	}
}

// withDefaults fills the optional fields a caller may leave unset.
func (c Config) withDefaults() Config {
	if c.OverflowPolicy == "" {
		c.OverflowPolicy = OverflowReject
	}
	if c.Backoff == (BackoffConfig{}) {
		c.Backoff = DefaultConfig().Backoff
	}
	return c
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate reports every problem in c at once.
func (c Config) Validate() error {
	err := validate.Struct(c.withDefaults())
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return &ConfigError{Err: err}
	}
	problems := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		problems = append(problems, describe(fe))
	}
	return &ConfigError{Message: strings.Join(problems, "; ")}
}

var comparisons = map[string]string{"gt": ">", "gte": ">=", "lte": "<="}

func describe(fe validator.FieldError) string {
	field := strings.TrimPrefix(fe.Namespace(), "Config.")
	switch fe.Tag() {
	case "oneof":
		return fmt.Sprintf("%s must be one of [%s], got %q", field, fe.Param(), fe.Value())
	case "gtefield":
		return fmt.Sprintf("%s must be >= %s, got %v", field, fe.Param(), fe.Value())
	}
	if op, ok := comparisons[fe.Tag()]; ok {
		return fmt.Sprintf("%s must be %s %s, got %v", field, op, fe.Param(), fe.Value())
	}
	return fmt.Sprintf("%s failed %s=%s (got %v)", field, fe.Tag(), fe.Param(), fe.Value())
}

func (c Config) windowEnabled() bool {
	return c.WindowSize > 0 && c.MaxRequestsPerWindow > 0
}

var (
	// ErrNotConfigured is wrapped by the ConfigError returned for a provider
	// that was never passed to Configure.
	ErrNotConfigured = errors.New("provider not configured")
	// ErrExceedsBurst means the request can never fit in the bucket.
	ErrExceedsBurst = errors.New("requested tokens exceed burst capacity")
)

// ConfigError is a fatal, non-retryable limiter error.
type ConfigError struct {
	Provider string
	Message  string
	Err      error
}

func (e *ConfigError) Error() string {
	msg := "rate limiter configuration error"
	if e.Provider != "" {
		msg += " for " + e.Provider
	}
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ConfigError) Unwrap() error { return e.Err }

func notConfigured(provider string) error {
	return &ConfigError{Provider: provider, Err: ErrNotConfigured}
}
