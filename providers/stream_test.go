package providers

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorder struct {
	chunks    []string
	completes int
	errs      []error
	final     *Response
}

func (r *recorder) handlers() StreamHandlers {
	return StreamHandlers{
		OnChunk:    func(s string) { r.chunks = append(r.chunks, s) },
		OnComplete: func(resp *Response) { r.completes++; r.final = resp },
		OnError:    func(err error) { r.errs = append(r.errs, err) },
	}
}

func TestAsStreaming(t *testing.T) {
	p := NewMockProvider(Options{})
	sp, ok := AsStreaming(p)
	require.True(t, ok)
	assert.NotNil(t, sp)

	p.SetCapabilities(Capabilities{Streaming: false})
	_, ok = AsStreaming(p)
	assert.False(t, ok, "capability flag gates streaming even when Stream exists")
}

func TestMockStreamCompletesOnce(t *testing.T) {
	p := NewMockProvider(Options{})
	text := `{"schemaVersion":"memory_llm_response_v1","memories":[]}`
	p.SetResponses(false, text)

	var rec recorder
	resp, err := p.Stream(context.Background(), userRequest("go"), rec.handlers())
	require.NoError(t, err)

	assert.Equal(t, text, strings.Join(rec.chunks, ""))
	assert.Greater(t, len(rec.chunks), 1)
	assert.Equal(t, 1, rec.completes)
	assert.Empty(t, rec.errs)
	assert.Same(t, resp, rec.final)
	assert.Equal(t, text, resp.Text)
}

func TestMockStreamExplicitChunks(t *testing.T) {
	p := NewMockProvider(Options{})
	p.SetSteps(false, MockStep{Chunks: []string{`{"a"`, `:1}`}})

	var rec recorder
	resp, err := p.Stream(context.Background(), userRequest("go"), rec.handlers())
	require.NoError(t, err)
	assert.Equal(t, []string{`{"a"`, `:1}`}, rec.chunks)
	assert.Equal(t, `{"a":1}`, resp.Text)
}

func TestMockStreamErrorIsExclusive(t *testing.T) {
	p := NewMockProvider(Options{})
	boom := errors.New("connection reset")
	p.SetSteps(false, MockStep{Chunks: []string{"par", "tial"}, Err: boom})

	var rec recorder
	_, err := p.Stream(context.Background(), userRequest("go"), rec.handlers())
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, []string{"par", "tial"}, rec.chunks)
	assert.Zero(t, rec.completes)
	require.Len(t, rec.errs, 1)
}

func TestMockStreamCancellation(t *testing.T) {
	p := NewMockProvider(Options{})
	p.SetSteps(false, MockStep{Chunks: []string{"a", "b", "c", "d"}})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var rec recorder
	h := rec.handlers()
	onChunk := h.OnChunk
	h.OnChunk = func(s string) {
		onChunk(s)
		if len(rec.chunks) == 2 {
			cancel()
		}
	}

	_, err := p.Stream(ctx, userRequest("go"), h)
	var pe *ProviderError
	require.True(t, errors.As(err, &pe))
	assert.Equal(t, ErrorTypeCanceled, pe.Type)
	assert.Len(t, rec.chunks, 2)
	assert.Zero(t, rec.completes)
	assert.Len(t, rec.errs, 1)
}

func TestStreamDispatchGuards(t *testing.T) {
	var rec recorder
	d := &streamDispatch{handlers: rec.handlers()}

	d.chunk("")
	d.chunk("x")
	_, _ = d.complete(&Response{})
	_, _ = d.fail(errors.New("late"))
	_, _ = d.complete(&Response{})
	d.chunk("after")

	assert.Equal(t, []string{"x"}, rec.chunks)
	assert.Equal(t, 1, rec.completes)
	assert.Empty(t, rec.errs)

	// nil handlers are tolerated
	nd := &streamDispatch{}
	nd.chunk("x")
	_, err := nd.fail(errors.New("e"))
	assert.Error(t, err)
}
