package providers

import (
	"context"
	"errors"
	"net/http"
	"sync"
)

var mockCapabilities = Capabilities{
	Streaming:       true,
	MaxInputTokens:  8192,
	MaxOutputTokens: 2048,
	JSONMode:        true,
}

// MockStep scripts one call. When Chunks is empty a streaming call splits Text
// into fixed-size pieces.
type MockStep struct {
	Text         string
	Chunks       []string
	Err          error
	Header       http.Header
	FinishReason FinishReason
}

// MockProvider is a scripted Provider for tests.
type MockProvider struct {
	base

	mu       sync.Mutex
	steps    []MockStep
	next     int
	loop     bool
	fallback MockStep
	counter  func(string) int
	requests []*Request
}

// NewMockProvider returns a mock that answers "This is a mock response" until
// scripted otherwise. Token counting uses the length heuristic so tests never
// load an encoding.
func NewMockProvider(opts Options) *MockProvider {
	if opts.Model == "" {
		opts.Model = "mock-model"
	}
	return &MockProvider{
		base:     newBase("mock", opts, mockCapabilities),
		fallback: MockStep{Text: "This is a mock response"},
		counter:  EstimateTokens,
	}
}

// SetMockResponse changes the reply used when no script is queued.
func (p *MockProvider) SetMockResponse(text string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.fallback = MockStep{Text: text}
}

// SetMockError makes every unscripted call fail with err; nil clears it.
func (p *MockProvider) SetMockError(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.fallback.Err = err
}

// SetResponses replaces the script with one text step per response.
func (p *MockProvider) SetResponses(loop bool, responses ...string) {
	steps := make([]MockStep, len(responses))
	for i, r := range responses {
		steps[i] = MockStep{Text: r}
	}
	p.SetSteps(loop, steps...)
}

func (p *MockProvider) SetSteps(loop bool, steps ...MockStep) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.steps = steps
	p.next = 0
	p.loop = loop
}

func (p *MockProvider) SetCapabilities(caps Capabilities) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.caps = caps
}

func (p *MockProvider) Capabilities() Capabilities {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.caps
}

// SetTokenCounter overrides CountTokens.
func (p *MockProvider) SetTokenCounter(fn func(string) int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.counter = fn
}

func (p *MockProvider) CountTokens(text string) int {
	p.mu.Lock()
	fn := p.counter
	p.mu.Unlock()
	if text == "" {
		return 0
	}
	return fn(text)
}

// Requests returns every request received so far.
func (p *MockProvider) Requests() []*Request {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*Request, len(p.requests))
	copy(out, p.requests)
	return out
}

func (p *MockProvider) Calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.requests)
}

var errMockExhausted = errors.New("mock responses exhausted")

func (p *MockProvider) take(req *Request) (MockStep, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.requests = append(p.requests, req.With())

	if len(p.steps) == 0 {
		return p.fallback, nil
	}
	if p.next >= len(p.steps) {
		if !p.loop {
			return MockStep{}, NewProviderError(ErrorTypeAPI, p.name, "script exhausted", errMockExhausted)
		}
		p.next = 0
	}
	step := p.steps[p.next]
	p.next++
	return step, nil
}

func (p *MockProvider) respond(req *Request, step MockStep) *Response {
	in := 0
	for _, m := range req.Messages {
		in += p.CountTokens(m.Content)
	}
	finish := step.FinishReason
	if finish == "" {
		finish = FinishReasonStop
	}
	return &Response{
		Text:         step.Text,
		Usage:        NewUsage(in, p.CountTokens(step.Text)),
		Model:        p.model,
		FinishReason: finish,
		Metadata:     req.Metadata,
	}
}

func (p *MockProvider) Send(ctx context.Context, req *Request) (*Response, error) {
	if err := req.Validate(p.name); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, classify(p.name, 0, err)
	}
	step, err := p.take(req)
	if err != nil {
		return nil, err
	}
	p.observe(step.Header)
	if step.Err != nil {
		return nil, step.Err
	}
	return p.respond(req, step), nil
}

const mockChunkSize = 16

func (p *MockProvider) Stream(ctx context.Context, req *Request, handlers StreamHandlers) (*Response, error) {
	d := &streamDispatch{handlers: handlers}
	if err := req.Validate(p.name); err != nil {
		return d.fail(err)
	}
	step, err := p.take(req)
	if err != nil {
		return d.fail(err)
	}
	p.observe(step.Header)

	chunks := step.Chunks
	if len(chunks) == 0 {
		for i := 0; i < len(step.Text); i += mockChunkSize {
			chunks = append(chunks, step.Text[i:min(i+mockChunkSize, len(step.Text))])
		}
	}

	var text string
	for _, c := range chunks {
		if err := ctx.Err(); err != nil {
			return d.fail(classify(p.name, 0, err))
		}
		text += c
		d.chunk(c)
	}
	if err := ctx.Err(); err != nil {
		return d.fail(classify(p.name, 0, err))
	}
	if step.Err != nil {
		return d.fail(step.Err)
	}

	step.Text = text
	return d.complete(p.respond(req, step))
}

func (p *MockProvider) ValidateConfig(ctx context.Context) bool {
	return ctx.Err() == nil
}
