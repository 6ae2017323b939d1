package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"github.com/teilomillet/memgate/pricing"
	"github.com/teilomillet/memgate/utils"
)

func TestCustomProviderSend(t *testing.T) {
	var gotBody map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.True(t, strings.HasSuffix(r.URL.Path, "/chat/completions"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("x-ratelimit-remaining-requests", "42")
		fmt.Fprint(w, `{
			"id": "cmpl-1",
			"object": "chat.completion",
			"model": "llama3",
			"choices": [{"index": 0, "message": {"role": "assistant", "content": "{\"ok\":true}"}, "finish_reason": "length"}],
			"usage": {"prompt_tokens": 11, "completion_tokens": 5, "total_tokens": 16}
		}`)
	}))
	defer srv.Close()

	var headers http.Header
	catalog := pricing.NewCatalog()
	catalog.Register("custom", "llama3", pricing.Entry{InputPricePerThousand: 1, OutputPricePerThousand: 2})

	p, err := NewCustomProvider(Options{
		BaseURL:   srv.URL,
		Model:     "llama3",
		Catalog:   catalog,
		Logger:    utils.NopLogger{},
		OnHeaders: func(_ string, h http.Header) { headers = h },
	})
	require.NoError(t, err)

	req := NewRequestBuilder().
		WithSystemPrompt("extract memories").
		WithPrompt("I moved to Lisbon today!").
		WithOptions(WithTemperature(0.5), WithMaxTokens(64)).
		Build()
	resp, err := p.Send(context.Background(), req)
	require.NoError(t, err)

	assert.Equal(t, `{"ok":true}`, resp.Text)
	assert.Equal(t, FinishReasonLength, resp.FinishReason)
	assert.Equal(t, NewUsage(11, 5), resp.Usage)
	assert.Equal(t, "42", headers.Get("x-ratelimit-remaining-requests"))
	assert.InDelta(t, 0.011+0.010, p.EstimateCost(resp.Usage), 1e-9)

	assert.Equal(t, "llama3", gotBody["model"])
	assert.EqualValues(t, 64, gotBody["max_tokens"])
	msgs := gotBody["messages"].([]any)
	require.Len(t, msgs, 2)
	assert.Equal(t, "system", msgs[0].(map[string]any)["role"])
}

func TestOpenAICompatibleErrorClassification(t *testing.T) {
	tests := []struct {
		status int
		want   ErrorType
	}{
		{http.StatusUnauthorized, ErrorTypeAuthentication},
		{http.StatusTooManyRequests, ErrorTypeRateLimit},
		{http.StatusBadGateway, ErrorTypeAPI},
	}
	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(tt.status)
				fmt.Fprint(w, `{"error": {"message": "nope", "type": "error"}}`)
			}))
			defer srv.Close()

			p, err := NewCustomProvider(Options{BaseURL: srv.URL, Model: "m", Logger: utils.NopLogger{}})
			require.NoError(t, err)
			_, err = p.Send(context.Background(), userRequest("x"))

			var pe *ProviderError
			require.True(t, errors.As(err, &pe))
			assert.Equal(t, tt.want, pe.Type)
			assert.Equal(t, tt.status, pe.StatusCode)
		})
	}
}

func TestCustomProviderStream(t *testing.T) {
	var headers http.Header
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("x-ratelimit-remaining-requests", "11")
		for _, piece := range []string{`{\"a\"`, `:1}`} {
			fmt.Fprintf(w, "data: {\"id\":\"1\",\"object\":\"chat.completion.chunk\",\"model\":\"m\",\"choices\":[{\"index\":0,\"delta\":{\"content\":\"%s\"}}]}\n\n", piece)
		}
		fmt.Fprint(w, "data: {\"id\":\"1\",\"object\":\"chat.completion.chunk\",\"model\":\"m\",\"choices\":[{\"index\":0,\"delta\":{},\"finish_reason\":\"stop\"}]}\n\n")
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	defer srv.Close()

	p, err := NewCustomProvider(Options{
		BaseURL:   srv.URL,
		Model:     "m",
		Logger:    utils.NopLogger{},
		OnHeaders: func(_ string, h http.Header) { headers = h },
	})
	require.NoError(t, err)

	var rec recorder
	resp, err := p.Stream(context.Background(), userRequest("x"), rec.handlers())
	require.NoError(t, err)
	assert.Equal(t, []string{`{"a"`, `:1}`}, rec.chunks)
	assert.Equal(t, `{"a":1}`, resp.Text)
	assert.Equal(t, 1, rec.completes)
	assert.Empty(t, rec.errs)
	assert.Equal(t, "11", headers.Get("x-ratelimit-remaining-requests"))
}

func TestAnthropicProviderStream(t *testing.T) {
	var headers http.Header
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("anthropic-ratelimit-requests-remaining", "3")
		events := []string{
			`{"type":"message_start","message":{"id":"msg_1","type":"message","role":"assistant","model":"claude-3-5-haiku-20241022","content":[],"stop_reason":null,"stop_sequence":null,"usage":{"input_tokens":9,"output_tokens":1}}}`,
			`{"type":"content_block_start","index":0,"content_block":{"type":"text","text":""}}`,
			`{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"hel"}}`,
			`{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"lo"}}`,
			`{"type":"content_block_stop","index":0}`,
			`{"type":"message_delta","delta":{"stop_reason":"end_turn","stop_sequence":null},"usage":{"output_tokens":2}}`,
			`{"type":"message_stop"}`,
		}
		for _, ev := range events {
			name := gjson.Get(ev, "type").String()
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", name, ev)
		}
	}))
	defer srv.Close()

	p, err := NewAnthropicProvider(Options{
		APIKey:    "k",
		Model:     "claude-3-5-haiku-20241022",
		BaseURL:   srv.URL,
		Logger:    utils.NopLogger{},
		OnHeaders: func(_ string, h http.Header) { headers = h },
	})
	require.NoError(t, err)

	var rec recorder
	resp, err := p.Stream(context.Background(), userRequest("x"), rec.handlers())
	require.NoError(t, err)
	assert.Equal(t, []string{"hel", "lo"}, rec.chunks)
	assert.Equal(t, "hello", resp.Text)
	assert.Equal(t, NewUsage(9, 2), resp.Usage)
	assert.Equal(t, 1, rec.completes)
	assert.Equal(t, "3", headers.Get("anthropic-ratelimit-requests-remaining"))
}

func TestAnthropicProviderSend(t *testing.T) {
	var headers http.Header
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "test-key", r.Header.Get("x-api-key"))
		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.NotNil(t, body["system"], "system prompt is sent out of band")

		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("anthropic-ratelimit-requests-remaining", "7")
		fmt.Fprint(w, `{
			"id": "msg_1",
			"type": "message",
			"role": "assistant",
			"model": "claude-3-5-haiku-20241022",
			"content": [{"type": "text", "text": "hello"}],
			"stop_reason": "max_tokens",
			"stop_sequence": null,
			"usage": {"input_tokens": 9, "output_tokens": 2}
		}`)
	}))
	defer srv.Close()

	p, err := NewAnthropicProvider(Options{
		APIKey:    "test-key",
		Model:     "claude-3-5-haiku-20241022",
		BaseURL:   srv.URL,
		Catalog:   pricing.NewDefaultCatalog(),
		Logger:    utils.NopLogger{},
		OnHeaders: func(_ string, h http.Header) { headers = h },
	})
	require.NoError(t, err)

	req := NewRequestBuilder().WithSystemPrompt("sys").WithPrompt("hi").Build()
	resp, err := p.Send(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, "hello", resp.Text)
	assert.Equal(t, FinishReasonLength, resp.FinishReason)
	assert.Equal(t, NewUsage(9, 2), resp.Usage)
	assert.Equal(t, "7", headers.Get("anthropic-ratelimit-requests-remaining"))
	assert.Positive(t, p.EstimateCost(resp.Usage))
}

func TestAnthropicProviderRateLimited(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusTooManyRequests)
		fmt.Fprint(w, `{"type": "error", "error": {"type": "rate_limit_error", "message": "slow down"}}`)
	}))
	defer srv.Close()

	p, err := NewAnthropicProvider(Options{APIKey: "k", BaseURL: srv.URL, Logger: utils.NopLogger{}})
	require.NoError(t, err)

	_, err = p.Send(context.Background(), userRequest("x"))
	var pe *ProviderError
	require.True(t, errors.As(err, &pe))
	assert.Equal(t, ErrorTypeRateLimit, pe.Type)
	assert.True(t, pe.Retryable())
}
