package providers

import (
	"maps"
	"slices"

	"github.com/go-playground/validator/v10"
)

// Role tags a message in a Request.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is a single role-tagged entry in the conversation sent to a provider.
type Message struct {
	Role    Role   `json:"role" validate:"oneof=system user assistant"`
	Content string `json:"content"`
}

// Request is a provider call. Build it with NewRequest; the constructor copies
// every slice and map so later caller mutations do not leak in.
type Request struct {
	Messages      []Message         `json:"messages" validate:"required,min=1,dive"`
	Temperature   *float64          `json:"temperature,omitempty" validate:"omitempty,gte=0,lte=2"`
	MaxTokens     int               `json:"max_tokens,omitempty" validate:"gte=0"`
	StopSequences []string          `json:"stop_sequences,omitempty" validate:"max=4"`
	TopP          *float64          `json:"top_p,omitempty" validate:"omitempty,gte=0,lte=1"`
	Metadata      map[string]string `json:"metadata,omitempty"`
}

type RequestOption func(*Request)

func WithTemperature(t float64) RequestOption {
	return func(r *Request) { r.Temperature = &t }
}

func WithMaxTokens(n int) RequestOption {
	return func(r *Request) { r.MaxTokens = n }
}

func WithStopSequences(stops ...string) RequestOption {
	return func(r *Request) { r.StopSequences = slices.Clone(stops) }
}

func WithTopP(p float64) RequestOption {
	return func(r *Request) { r.TopP = &p }
}

func WithMetadata(key, value string) RequestOption {
	return func(r *Request) {
		if r.Metadata == nil {
			r.Metadata = make(map[string]string)
		}
		r.Metadata[key] = value
	}
}

func NewRequest(messages []Message, opts ...RequestOption) *Request {
	req := &Request{Messages: slices.Clone(messages)}
	for _, opt := range opts {
		opt(req)
	}
	return req
}

// With returns a copy of r with opts applied.
func (r *Request) With(opts ...RequestOption) *Request {
	cp := &Request{
		Messages:      slices.Clone(r.Messages),
		MaxTokens:     r.MaxTokens,
		StopSequences: slices.Clone(r.StopSequences),
		Metadata:      maps.Clone(r.Metadata),
	}
	if r.Temperature != nil {
		t := *r.Temperature
		cp.Temperature = &t
	}
	if r.TopP != nil {
		p := *r.TopP
		cp.TopP = &p
	}
	for _, opt := range opts {
		opt(cp)
	}
	return cp
}

// SystemPrompt joins the system messages; vendors that take the system prompt
// out of band use it.
func (r *Request) SystemPrompt() string {
	var out string
	for _, m := range r.Messages {
		if m.Role != RoleSystem {
			continue
		}
		if out != "" {
			out += "\n\n"
		}
		out += m.Content
	}
	return out
}

var requestValidator = validator.New(validator.WithRequiredStructEnabled())

// Validate reports a malformed request as an ErrorTypeInvalidInput ProviderError.
func (r *Request) Validate(provider string) error {
	if err := requestValidator.Struct(r); err != nil {
		return NewProviderError(ErrorTypeInvalidInput, provider, "invalid request", err)
	}
	return nil
}

// FinishReason says why generation stopped.
type FinishReason string

const (
	FinishReasonStop   FinishReason = "stop"
	FinishReasonLength FinishReason = "length"
	FinishReasonError  FinishReason = "error"
)

// Usage is token accounting for one call. TotalTokens is always
// InputTokens + OutputTokens; construct it with NewUsage.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
	TotalTokens  int `json:"total_tokens"`
}

func NewUsage(inputTokens, outputTokens int) Usage {
	return Usage{
		InputTokens:  inputTokens,
		OutputTokens: outputTokens,
		TotalTokens:  inputTokens + outputTokens,
	}
}

// Response is the result of a Send or Stream call.
type Response struct {
	Text         string            `json:"text"`
	Usage        Usage             `json:"usage"`
	Model        string            `json:"model"`
	FinishReason FinishReason      `json:"finish_reason"`
	Metadata     map[string]string `json:"metadata,omitempty"`
}

// Capabilities is the static feature descriptor of a provider.
type Capabilities struct {
	Streaming       bool     `json:"streaming"`
	MaxInputTokens  int      `json:"max_input_tokens"`
	MaxOutputTokens int      `json:"max_output_tokens"`
	Models          []string `json:"models"`
	JSONMode        bool     `json:"json_mode"`
	FunctionCalling bool     `json:"function_calling"`
	Vision          bool     `json:"vision"`
}

// Feature names a capability flag for registry lookups.
type Feature string

const (
	FeatureStreaming       Feature = "streaming"
	FeatureJSONMode        Feature = "json_mode"
	FeatureFunctionCalling Feature = "function_calling"
	FeatureVision          Feature = "vision"
)

// Has reports whether the descriptor advertises f.
func (c Capabilities) Has(f Feature) bool {
	switch f {
	case FeatureStreaming:
		return c.Streaming
	case FeatureJSONMode:
		return c.JSONMode
	case FeatureFunctionCalling:
		return c.FunctionCalling
	case FeatureVision:
		return c.Vision
	default:
		return false
	}
}

// SupportsModel reports whether model is in the supported list. An empty list
// means any model is accepted.
func (c Capabilities) SupportsModel(model string) bool {
	return len(c.Models) == 0 || slices.Contains(c.Models, model)
}
