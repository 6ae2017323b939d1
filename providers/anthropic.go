package providers

import (
	"context"
	"errors"
	"net/http"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

var anthropicCapabilities = Capabilities{
	Streaming:       true,
	MaxInputTokens:  200000,
	MaxOutputTokens: 8192,
	Models: []string{
		"claude-3-5-sonnet-20241022",
		"claude-3-5-haiku-20241022",
		"claude-3-opus-20240229",
	},
	JSONMode:        false,
	FunctionCalling: true,
	Vision:          true,
}

// AnthropicProvider talks to the Anthropic Messages API through the official SDK.
type AnthropicProvider struct {
	base
	client anthropic.Client
}

func NewAnthropicProvider(opts Options) (*AnthropicProvider, error) {
	if opts.APIKey == "" {
		return nil, NewProviderError(ErrorTypeConfiguration, "anthropic", "API key is required", nil)
	}
	if opts.Model == "" {
		opts.Model = anthropicCapabilities.Models[0]
	}

	clientOpts := []option.RequestOption{
		option.WithAPIKey(opts.APIKey),
		// retries are owned by the gateway's backoff
		option.WithMaxRetries(0),
	}
	if opts.BaseURL != "" {
		clientOpts = append(clientOpts, option.WithBaseURL(opts.BaseURL))
	}
	if opts.Timeout > 0 {
		clientOpts = append(clientOpts, option.WithRequestTimeout(opts.Timeout))
	}

	return &AnthropicProvider{
		base:   newBase("anthropic", opts, anthropicCapabilities),
		client: anthropic.NewClient(clientOpts...),
	}, nil
}

func (p *AnthropicProvider) params(req *Request) anthropic.MessageNewParams {
	var msgs []anthropic.MessageParam
	for _, m := range req.Messages {
		switch m.Role {
		case RoleUser:
			msgs = append(msgs, anthropic.NewUserMessage(anthropic.NewTextBlock(m.Content)))
		case RoleAssistant:
			msgs = append(msgs, anthropic.NewAssistantMessage(anthropic.NewTextBlock(m.Content)))
		}
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(p.model),
		MaxTokens: int64(p.outputLimit(req)),
		Messages:  msgs,
	}
	if sys := req.SystemPrompt(); sys != "" {
		params.System = []anthropic.TextBlockParam{{Text: sys}}
	}
	if req.Temperature != nil {
		params.Temperature = anthropic.Float(*req.Temperature)
	}
	if req.TopP != nil {
		params.TopP = anthropic.Float(*req.TopP)
	}
	if len(req.StopSequences) > 0 {
		params.StopSequences = req.StopSequences
	}
	return params
}

func (p *AnthropicProvider) Send(ctx context.Context, req *Request) (*Response, error) {
	if err := req.Validate(p.name); err != nil {
		return nil, err
	}

	var httpResp *http.Response
	message, err := p.client.Messages.New(ctx, p.params(req), option.WithResponseInto(&httpResp))
	if httpResp != nil {
		p.observe(httpResp.Header)
	}
	if err != nil {
		pe := classify(p.name, anthropicStatus(err), err)
		p.logger.Warn("Anthropic request failed", pe.LoggableFields()...)
		return nil, pe
	}

	var text string
	for _, block := range message.Content {
		if tb, ok := block.AsAny().(anthropic.TextBlock); ok {
			text += tb.Text
		}
	}

	return &Response{
		Text:         text,
		Usage:        NewUsage(int(message.Usage.InputTokens), int(message.Usage.OutputTokens)),
		Model:        string(message.Model),
		FinishReason: anthropicFinish(message.StopReason),
		Metadata:     req.Metadata,
	}, nil
}

func (p *AnthropicProvider) Stream(ctx context.Context, req *Request, handlers StreamHandlers) (*Response, error) {
	d := &streamDispatch{handlers: handlers}
	if err := req.Validate(p.name); err != nil {
		return d.fail(err)
	}

	var httpResp *http.Response
	stream := p.client.Messages.NewStreaming(ctx, p.params(req), option.WithResponseInto(&httpResp))
	defer stream.Close()
	if httpResp != nil {
		p.observe(httpResp.Header)
	}

	resp := &Response{Model: p.model, FinishReason: FinishReasonStop, Metadata: req.Metadata}
	var in, out int
	for stream.Next() {
		switch ev := stream.Current().AsAny().(type) {
		case anthropic.MessageStartEvent:
			in = int(ev.Message.Usage.InputTokens)
			if ev.Message.Model != "" {
				resp.Model = string(ev.Message.Model)
			}
		case anthropic.ContentBlockDeltaEvent:
			// only text deltas are forwarded; tool-use JSON deltas are dropped
			if td, ok := ev.Delta.AsAny().(anthropic.TextDelta); ok {
				resp.Text += td.Text
				d.chunk(td.Text)
			}
		case anthropic.MessageDeltaEvent:
			out = int(ev.Usage.OutputTokens)
			resp.FinishReason = anthropicFinish(ev.Delta.StopReason)
		}
	}
	if err := stream.Err(); err != nil {
		return d.fail(classify(p.name, anthropicStatus(err), err))
	}
	if err := ctx.Err(); err != nil {
		return d.fail(classify(p.name, 0, err))
	}

	resp.Usage = NewUsage(in, out)
	return d.complete(resp)
}

// ValidateConfig sends a one-token message.
func (p *AnthropicProvider) ValidateConfig(ctx context.Context) bool {
	req := NewRequest([]Message{{Role: RoleUser, Content: "ping"}}, WithMaxTokens(1))
	_, err := p.Send(ctx, req)
	if err != nil {
		p.logger.Info("Anthropic configuration check failed", "error", err)
		return false
	}
	return true
}

func anthropicStatus(err error) int {
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode
	}
	return 0
}

func anthropicFinish(reason anthropic.StopReason) FinishReason {
	if reason == anthropic.StopReasonMaxTokens {
		return FinishReasonLength
	}
	return FinishReasonStop
}
