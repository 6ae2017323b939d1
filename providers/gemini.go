package providers

import (
	"context"
	"errors"
	"strings"

	"google.golang.org/genai"
)

var geminiCapabilities = Capabilities{
	Streaming:       true,
	MaxInputTokens:  1000000,
	MaxOutputTokens: 8192,
	Models:          []string{"gemini-1.5-flash", "gemini-1.5-pro"},
	JSONMode:        true,
	FunctionCalling: true,
	Vision:          true,
}

// GeminiProvider talks to the Gemini API through google.golang.org/genai.
type GeminiProvider struct {
	base
	client *genai.Client
}

func NewGeminiProvider(opts Options) (*GeminiProvider, error) {
	if opts.APIKey == "" {
		return nil, NewProviderError(ErrorTypeConfiguration, "gemini", "API key is required", nil)
	}
	if opts.Model == "" {
		opts.Model = geminiCapabilities.Models[0]
	}

	cc := &genai.ClientConfig{
		APIKey:  opts.APIKey,
		Backend: genai.BackendGeminiAPI,
	}
	if opts.BaseURL != "" || opts.Timeout > 0 {
		cc.HTTPOptions = genai.HTTPOptions{BaseURL: opts.BaseURL}
		if opts.Timeout > 0 {
			cc.HTTPOptions.Timeout = &opts.Timeout
		}
	}

	client, err := genai.NewClient(context.Background(), cc)
	if err != nil {
		return nil, NewProviderError(ErrorTypeConfiguration, "gemini", "client initialization failed", err)
	}
	return &GeminiProvider{
		base:   newBase("gemini", opts, geminiCapabilities),
		client: client,
	}, nil
}

func (p *GeminiProvider) contents(req *Request) ([]*genai.Content, *genai.GenerateContentConfig) {
	var contents []*genai.Content
	for _, m := range req.Messages {
		switch m.Role {
		case RoleUser:
			contents = append(contents, genai.NewContentFromText(m.Content, genai.RoleUser))
		case RoleAssistant:
			contents = append(contents, genai.NewContentFromText(m.Content, genai.RoleModel))
		}
	}

	cfg := &genai.GenerateContentConfig{
		MaxOutputTokens: int32(p.outputLimit(req)),
		StopSequences:   req.StopSequences,
	}
	if req.Temperature != nil {
		cfg.Temperature = genai.Ptr(float32(*req.Temperature))
	}
	if req.TopP != nil {
		cfg.TopP = genai.Ptr(float32(*req.TopP))
	}
	if sys := req.SystemPrompt(); sys != "" {
		cfg.SystemInstruction = genai.NewContentFromText(sys, genai.RoleUser)
	}
	return contents, cfg
}

func (p *GeminiProvider) Send(ctx context.Context, req *Request) (*Response, error) {
	if err := req.Validate(p.name); err != nil {
		return nil, err
	}

	contents, cfg := p.contents(req)
	resp, err := p.client.Models.GenerateContent(ctx, p.model, contents, cfg)
	if err != nil {
		pe := classify(p.name, geminiStatus(err), err)
		p.logger.Warn("Gemini request failed", pe.LoggableFields()...)
		return nil, pe
	}

	out := &Response{
		Text:         resp.Text(),
		Model:        p.model,
		FinishReason: geminiFinish(resp),
		Metadata:     req.Metadata,
	}
	if resp.ModelVersion != "" {
		out.Model = resp.ModelVersion
	}
	if resp.UsageMetadata != nil {
		out.Usage = NewUsage(int(resp.UsageMetadata.PromptTokenCount), int(resp.UsageMetadata.CandidatesTokenCount))
	}
	return out, nil
}

func (p *GeminiProvider) Stream(ctx context.Context, req *Request, handlers StreamHandlers) (*Response, error) {
	d := &streamDispatch{handlers: handlers}
	if err := req.Validate(p.name); err != nil {
		return d.fail(err)
	}

	contents, cfg := p.contents(req)
	out := &Response{Model: p.model, FinishReason: FinishReasonStop, Metadata: req.Metadata}
	var text strings.Builder
	for chunk, err := range p.client.Models.GenerateContentStream(ctx, p.model, contents, cfg) {
		if err != nil {
			return d.fail(classify(p.name, geminiStatus(err), err))
		}
		if chunk.UsageMetadata != nil {
			out.Usage = NewUsage(int(chunk.UsageMetadata.PromptTokenCount), int(chunk.UsageMetadata.CandidatesTokenCount))
		}
		if t := chunk.Text(); t != "" {
			text.WriteString(t)
			d.chunk(t)
		}
		if fr := geminiFinish(chunk); fr != FinishReasonStop {
			out.FinishReason = fr
		}
	}
	if err := ctx.Err(); err != nil {
		return d.fail(classify(p.name, 0, err))
	}

	out.Text = text.String()
	return d.complete(out)
}

// ValidateConfig fetches the configured model's metadata.
func (p *GeminiProvider) ValidateConfig(ctx context.Context) bool {
	if _, err := p.client.Models.Get(ctx, p.model, nil); err != nil {
		p.logger.Info("Gemini configuration check failed", "error", err)
		return false
	}
	return true
}

func geminiStatus(err error) int {
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		return apiErr.Code
	}
	return 0
}

func geminiFinish(resp *genai.GenerateContentResponse) FinishReason {
	if resp == nil || len(resp.Candidates) == 0 {
		return FinishReasonStop
	}
	switch resp.Candidates[0].FinishReason {
	case genai.FinishReasonMaxTokens:
		return FinishReasonLength
	case genai.FinishReasonSafety, genai.FinishReasonRecitation:
		return FinishReasonError
	default:
		return FinishReasonStop
	}
}
