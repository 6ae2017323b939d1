// Package memgate is the entry point of the gateway. A Gateway turns a
// conversation into a validated memory set: it builds a salience-ranked
// prompt, admits the call through the per-provider rate limiter, sends or
// streams it with retries and parses the reply with repair, corrective retry
// and fallback.
package memgate

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/teilomillet/memgate/config"
	"github.com/teilomillet/memgate/parser"
	"github.com/teilomillet/memgate/pricing"
	"github.com/teilomillet/memgate/prompt"
	"github.com/teilomillet/memgate/providers"
	"github.com/teilomillet/memgate/ratelimit"
	"github.com/teilomillet/memgate/utils"
)

// ErrAdmissionTimeout is returned when the rate limiter would not admit a
// call within RateLimit.MaxAdmissionWait.
var ErrAdmissionTimeout = errors.New("rate limit admission wait exceeded")

type Gateway struct {
	cfg      *config.Config
	provider providers.Provider
	limiter  *ratelimit.Limiter
	catalog  *pricing.Catalog
	parser   *parser.Parser
	builder  *prompt.Builder
	logger   utils.Logger

	registry *providers.Registry
	sleep    func(ctx context.Context, d time.Duration) error
}

type Option func(*Gateway)

// WithProvider skips registry construction and uses p directly.
func WithProvider(p providers.Provider) Option {
	return func(g *Gateway) { g.provider = p }
}

func WithRegistry(r *providers.Registry) Option {
	return func(g *Gateway) { g.registry = r }
}

// WithLimiter shares a limiter between gateways. It is configured from the
// gateway config only when it holds no state for the provider yet.
func WithLimiter(l *ratelimit.Limiter) Option {
	return func(g *Gateway) { g.limiter = l }
}

// WithCatalog replaces the built-in pricing catalog. A configured pricing
// file is still loaded on top of it.
func WithCatalog(c *pricing.Catalog) Option {
	return func(g *Gateway) { g.catalog = c }
}

func WithLogger(logger utils.Logger) Option {
	return func(g *Gateway) { g.logger = logger }
}

// New validates cfg and wires the provider, limiter, catalog, parser and
// prompt builder. A nil cfg is loaded from the environment.
func New(cfg *config.Config, opts ...Option) (*Gateway, error) {
	if cfg == nil {
		loaded, err := config.LoadConfig()
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	g := &Gateway{cfg: cfg, sleep: sleepContext}
	for _, opt := range opts {
		opt(g)
	}
	if g.logger == nil {
		g.logger = cfg.GetLogger()
	}

	if g.catalog == nil {
		g.catalog = pricing.NewDefaultCatalog()
	}
	if cfg.PricingFile != "" {
		if err := g.catalog.LoadFile(cfg.PricingFile); err != nil {
			return nil, err
		}
	}

	name := cfg.Provider
	if g.provider != nil {
		name = g.provider.Name()
	}
	if g.limiter == nil {
		g.limiter = ratelimit.New(ratelimit.WithLogger(g.logger))
	}
	if !g.limiter.Configured(name) {
		if err := g.limiter.Configure(name, LimiterConfig(cfg.RateLimit)); err != nil {
			return nil, err
		}
	}

	if g.provider == nil {
		if g.registry == nil {
			g.registry = providers.NewRegistry()
		}
		p, err := g.registry.Get(cfg.Provider, providers.Options{
			APIKey:    cfg.APIKey(),
			Model:     cfg.ResolvedModel(),
			BaseURL:   cfg.BaseURL,
			Timeout:   cfg.Timeout,
			MaxTokens: cfg.MaxTokens,
			Catalog:   g.catalog,
			Logger:    g.logger,
			OnHeaders: g.observeHeaders,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create provider: %w", err)
		}
		g.provider = p
	}

	g.parser = parser.New(parser.WithLogger(g.logger))
	builder, err := prompt.NewBuilder(g.provider,
		prompt.WithMaxMessages(cfg.Prompt.MaxMessages),
		prompt.WithContext(cfg.Prompt.IncludeContext),
		prompt.WithLogger(g.logger),
	)
	if err != nil {
		return nil, err
	}
	g.builder = builder

	g.logger.Info("Gateway ready", "provider", g.provider.Name(), "model", g.provider.Model(), "stream", cfg.Stream)
	return g, nil
}

// LimiterConfig converts the environment rate-limit settings into a limiter
// config.
func LimiterConfig(rl config.RateLimitConfig) ratelimit.Config {
	return ratelimit.Config{
		BurstCapacity:        rl.Burst,
		SustainedRate:        rl.Sustained,
		WindowSize:           rl.Window,
		MaxRequestsPerWindow: rl.WindowMax,
		MaxQueueDepth:        rl.QueueDepth,
		OverflowPolicy:       ratelimit.OverflowPolicy(rl.Overflow),
		MaxConcurrent:        rl.MaxConcurrent,
		Backoff: ratelimit.BackoffConfig{
			InitialDelay: rl.BackoffInitial,
			MaxDelay:     rl.BackoffMax,
			Multiplier:   rl.BackoffMultiplier,
			JitterFactor: rl.BackoffJitter,
		},
	}
}

func (g *Gateway) observeHeaders(provider string, h http.Header) {
	if _, err := g.limiter.UpdateFromHeaders(provider, h); err != nil {
		g.logger.Debug("Ignoring rate-limit headers", "provider", provider, "error", err)
	}
}

func (g *Gateway) Provider() providers.Provider { return g.provider }

func (g *Gateway) Limiter() *ratelimit.Limiter { return g.limiter }

func (g *Gateway) Catalog() *pricing.Catalog { return g.catalog }

func (g *Gateway) Config() *config.Config { return g.cfg }

// BuildPrompt renders the prompt Extract would send, without calling the
// provider.
func (g *Gateway) BuildPrompt(messages []prompt.Message, mood *prompt.MoodAnalysisResult) (*prompt.BuildResult, error) {
	return g.builder.Build(messages, mood)
}

// Parse runs the response parser on text that was obtained elsewhere.
func (g *Gateway) Parse(ctx context.Context, content string) *parser.ParseResult {
	return g.parser.ParseMemoryResponse(ctx, content, nil)
}

// Ping performs the provider's minimal live round-trip.
func (g *Gateway) Ping(ctx context.Context) bool {
	return g.provider.ValidateConfig(ctx)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
