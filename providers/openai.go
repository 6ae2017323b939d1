package providers

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"

	openai "github.com/sashabaranov/go-openai"
)

var openAICapabilities = Capabilities{
	Streaming:       true,
	MaxInputTokens:  128000,
	MaxOutputTokens: 16384,
	Models:          []string{"gpt-4o", "gpt-4o-mini"},
	JSONMode:        true,
	FunctionCalling: true,
	Vision:          true,
}

// customCapabilities describes an arbitrary OpenAI-compatible endpoint; any
// model name is accepted.
var customCapabilities = Capabilities{
	Streaming:       true,
	MaxInputTokens:  32768,
	MaxOutputTokens: 4096,
}

// OpenAIProvider serves both the "openai" provider and "custom"
// OpenAI-compatible endpoints.
type OpenAIProvider struct {
	base
	client *openai.Client
}

func NewOpenAIProvider(opts Options) (*OpenAIProvider, error) {
	if opts.APIKey == "" {
		return nil, NewProviderError(ErrorTypeConfiguration, "openai", "API key is required", nil)
	}
	if opts.Model == "" {
		opts.Model = "gpt-4o-mini"
	}
	return newOpenAICompatible("openai", opts, openAICapabilities), nil
}

// NewCustomProvider targets a self-hosted or third-party endpoint speaking the
// OpenAI chat completions protocol. BaseURL and Model are required; the API key
// may be empty for local servers.
func NewCustomProvider(opts Options) (*OpenAIProvider, error) {
	if opts.BaseURL == "" {
		return nil, NewProviderError(ErrorTypeConfiguration, "custom", "base URL is required", nil)
	}
	if opts.Model == "" {
		return nil, NewProviderError(ErrorTypeConfiguration, "custom", "model is required", nil)
	}
	return newOpenAICompatible("custom", opts, customCapabilities), nil
}

func newOpenAICompatible(name string, opts Options, caps Capabilities) *OpenAIProvider {
	cfg := openai.DefaultConfig(opts.APIKey)
	if opts.BaseURL != "" {
		cfg.BaseURL = strings.TrimRight(opts.BaseURL, "/")
	}
	if opts.Timeout > 0 {
		cfg.HTTPClient = &http.Client{Timeout: opts.Timeout}
	}
	return &OpenAIProvider{
		base:   newBase(name, opts, caps),
		client: openai.NewClientWithConfig(cfg),
	}
}

func (p *OpenAIProvider) chatRequest(req *Request) openai.ChatCompletionRequest {
	msgs := make([]openai.ChatCompletionMessage, len(req.Messages))
	for i, m := range req.Messages {
		msgs[i] = openai.ChatCompletionMessage{Role: string(m.Role), Content: m.Content}
	}

	cr := openai.ChatCompletionRequest{
		Model:     p.model,
		Messages:  msgs,
		MaxTokens: p.outputLimit(req),
		Stop:      req.StopSequences,
	}
	if req.Temperature != nil {
		cr.Temperature = float32(*req.Temperature)
	}
	if req.TopP != nil {
		cr.TopP = float32(*req.TopP)
	}
	return cr
}

func (p *OpenAIProvider) Send(ctx context.Context, req *Request) (*Response, error) {
	if err := req.Validate(p.name); err != nil {
		return nil, err
	}

	resp, err := p.client.CreateChatCompletion(ctx, p.chatRequest(req))
	if err != nil {
		pe := classify(p.name, openAIStatus(err), err)
		p.logger.Warn("OpenAI request failed", pe.LoggableFields()...)
		return nil, pe
	}
	p.observe(resp.Header())

	out := &Response{
		Model:        resp.Model,
		Usage:        NewUsage(resp.Usage.PromptTokens, resp.Usage.CompletionTokens),
		FinishReason: FinishReasonStop,
		Metadata:     req.Metadata,
	}
	if len(resp.Choices) > 0 {
		out.Text = resp.Choices[0].Message.Content
		out.FinishReason = openAIFinish(resp.Choices[0].FinishReason)
	}
	return out, nil
}

func (p *OpenAIProvider) Stream(ctx context.Context, req *Request, handlers StreamHandlers) (*Response, error) {
	d := &streamDispatch{handlers: handlers}
	if err := req.Validate(p.name); err != nil {
		return d.fail(err)
	}

	cr := p.chatRequest(req)
	cr.Stream = true
	cr.StreamOptions = &openai.StreamOptions{IncludeUsage: true}

	stream, err := p.client.CreateChatCompletionStream(ctx, cr)
	if err != nil {
		return d.fail(classify(p.name, openAIStatus(err), err))
	}
	defer stream.Close()
	p.observe(stream.Header())

	resp := &Response{Model: p.model, FinishReason: FinishReasonStop, Metadata: req.Metadata}
	var text strings.Builder
	for {
		chunk, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return d.fail(classify(p.name, openAIStatus(err), err))
		}
		if chunk.Model != "" {
			resp.Model = chunk.Model
		}
		if chunk.Usage != nil {
			resp.Usage = NewUsage(chunk.Usage.PromptTokens, chunk.Usage.CompletionTokens)
		}
		if len(chunk.Choices) == 0 {
			continue
		}
		choice := chunk.Choices[0]
		if choice.Delta.Content != "" {
			text.WriteString(choice.Delta.Content)
			d.chunk(choice.Delta.Content)
		}
		if choice.FinishReason != "" {
			resp.FinishReason = openAIFinish(choice.FinishReason)
		}
	}

	resp.Text = text.String()
	return d.complete(resp)
}

// ValidateConfig lists models, which needs a valid key but no generation.
func (p *OpenAIProvider) ValidateConfig(ctx context.Context) bool {
	if _, err := p.client.ListModels(ctx); err != nil {
		p.logger.Info("OpenAI configuration check failed", "provider", p.name, "error", err)
		return false
	}
	return true
}

func openAIStatus(err error) int {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return apiErr.HTTPStatusCode
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return reqErr.HTTPStatusCode
	}
	return 0
}

func openAIFinish(reason openai.FinishReason) FinishReason {
	switch reason {
	case openai.FinishReasonLength:
		return FinishReasonLength
	case openai.FinishReasonContentFilter:
		return FinishReasonError
	default:
		return FinishReasonStop
	}
}
