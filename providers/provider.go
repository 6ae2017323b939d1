// Package providers defines the vendor-neutral contract the gateway calls and
// its Anthropic, OpenAI, Gemini and mock implementations.
package providers

import (
	"context"
	"net/http"
	"time"

	"github.com/teilomillet/memgate/pricing"
	"github.com/teilomillet/memgate/utils"
)

// Provider is the contract every vendor adapter satisfies.
type Provider interface {
	Name() string
	Model() string

	// Send performs one non-streaming call.
	Send(ctx context.Context, req *Request) (*Response, error)

	// CountTokens estimates the tokens in text. It returns 0 for "".
	CountTokens(text string) int

	Capabilities() Capabilities

	// EstimateCost prices usage from the pricing catalog; 0 for an unregistered model.
	EstimateCost(usage Usage) float64

	// ValidateConfig performs a minimal live round-trip. It never panics.
	ValidateConfig(ctx context.Context) bool
}

// StreamHandlers receive streaming callbacks. OnComplete fires exactly once on
// success; OnError fires at most once and never together with OnComplete.
type StreamHandlers struct {
	OnChunk    func(text string)
	OnComplete func(resp *Response)
	OnError    func(err error)
}

// StreamingProvider is implemented by providers that can stream text deltas.
type StreamingProvider interface {
	Provider
	Stream(ctx context.Context, req *Request, handlers StreamHandlers) (*Response, error)
}

// AsStreaming returns p as a StreamingProvider when it both implements Stream
// and advertises streaming in its capabilities.
func AsStreaming(p Provider) (StreamingProvider, bool) {
	if !p.Capabilities().Streaming {
		return nil, false
	}
	sp, ok := p.(StreamingProvider)
	return sp, ok
}

// HeaderObserver receives the raw HTTP headers of vendor responses, used to
// feed rate-limit headers into the limiter.
type HeaderObserver func(provider string, header http.Header)

// Options configures a provider constructor.
type Options struct {
	APIKey    string
	Model     string
	BaseURL   string
	Timeout   time.Duration
	MaxTokens int
	Catalog   *pricing.Catalog
	Logger    utils.Logger
	OnHeaders HeaderObserver
}

// base carries the state every adapter shares.
type base struct {
	name      string
	model     string
	caps      Capabilities
	catalog   *pricing.Catalog
	logger    utils.Logger
	tokens    *TokenCounter
	onHeaders HeaderObserver
	maxTokens int
}

func newBase(name string, opts Options, caps Capabilities) base {
	logger := opts.Logger
	if logger == nil {
		logger = utils.NewLogger(utils.LogLevelWarn)
	}
	maxTokens := opts.MaxTokens
	if maxTokens <= 0 || (caps.MaxOutputTokens > 0 && maxTokens > caps.MaxOutputTokens) {
		maxTokens = caps.MaxOutputTokens
	}
	return base{
		name:      name,
		model:     opts.Model,
		caps:      caps,
		catalog:   opts.Catalog,
		logger:    logger,
		tokens:    NewTokenCounter(logger),
		onHeaders: opts.OnHeaders,
		maxTokens: maxTokens,
	}
}

func (b *base) Name() string               { return b.name }
func (b *base) Model() string              { return b.model }
func (b *base) Capabilities() Capabilities { return b.caps }
func (b *base) CountTokens(text string) int {
	return b.tokens.Count(text)
}

func (b *base) EstimateCost(usage Usage) float64 {
	if b.catalog == nil {
		return 0
	}
	return b.catalog.CalculateCost(b.name, b.model, usage.InputTokens, usage.OutputTokens)
}

func (b *base) observe(h http.Header) {
	if b.onHeaders != nil && h != nil {
		b.onHeaders(b.name, h)
	}
}

// outputLimit resolves the max output tokens for req.
func (b *base) outputLimit(req *Request) int {
	if req.MaxTokens > 0 {
		return req.MaxTokens
	}
	return b.maxTokens
}

// streamDispatch enforces the exactly-once OnComplete / at-most-once OnError
// contract for one Stream call.
type streamDispatch struct {
	handlers StreamHandlers
	done     bool
}

func (d *streamDispatch) chunk(text string) {
	if text == "" || d.done || d.handlers.OnChunk == nil {
		return
	}
	d.handlers.OnChunk(text)
}

func (d *streamDispatch) complete(resp *Response) (*Response, error) {
	if !d.done {
		d.done = true
		if d.handlers.OnComplete != nil {
			d.handlers.OnComplete(resp)
		}
	}
	return resp, nil
}

func (d *streamDispatch) fail(err error) (*Response, error) {
	if !d.done {
		d.done = true
		if d.handlers.OnError != nil {
			d.handlers.OnError(err)
		}
	}
	return nil, err
}
