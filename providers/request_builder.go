package providers

// RequestBuilder assembles a Request step by step. The system prompt, when
// set, is always emitted as the first message.
type RequestBuilder struct {
	systemPrompt string
	messages     []Message
	opts         []RequestOption
}

func NewRequestBuilder() *RequestBuilder {
	return &RequestBuilder{}
}

// WithPrompt appends a user message.
func (rb *RequestBuilder) WithPrompt(prompt string) *RequestBuilder {
	return rb.WithMessage(RoleUser, prompt)
}

func (rb *RequestBuilder) WithMessages(messages []Message) *RequestBuilder {
	rb.messages = append(rb.messages, messages...)
	return rb
}

func (rb *RequestBuilder) WithMessage(role Role, content string) *RequestBuilder {
	rb.messages = append(rb.messages, Message{Role: role, Content: content})
	return rb
}

func (rb *RequestBuilder) WithSystemPrompt(prompt string) *RequestBuilder {
	rb.systemPrompt = prompt
	return rb
}

func (rb *RequestBuilder) WithOptions(opts ...RequestOption) *RequestBuilder {
	rb.opts = append(rb.opts, opts...)
	return rb
}

func (rb *RequestBuilder) Build() *Request {
	msgs := make([]Message, 0, len(rb.messages)+1)
	if rb.systemPrompt != "" {
		msgs = append(msgs, Message{Role: RoleSystem, Content: rb.systemPrompt})
	}
	msgs = append(msgs, rb.messages...)
	return NewRequest(msgs, rb.opts...)
}
