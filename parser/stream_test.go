package parser

import (
	"context"
	"errors"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func feed(sp *StreamParser, events ...StreamEvent) []Emission {
	out := make([]Emission, 0, len(events))
	for _, ev := range events {
		out = append(out, sp.AddChunk(ev))
	}
	return out
}

// split cuts s into n roughly equal pieces.
func split(s string, n int) []string {
	size := (len(s) + n - 1) / n
	var parts []string
	for len(s) > 0 {
		k := min(size, len(s))
		parts = append(parts, s[:k])
		s = s[k:]
	}
	return parts
}

func TestStreamAssemblesWithoutRepair(t *testing.T) {
	sp := newTestParser().NewStreamParser()
	assert.Equal(t, StateAwaitingStart, sp.State())

	emitted := feed(sp, Start(), Delta(`{"a":1`))
	assert.Equal(t, []Emission{EmitStarted, EmitBuffered}, emitted)
	assert.Equal(t, StateInChunk, sp.State())

	assert.Equal(t, EmitStructureClosed, sp.AddChunk(Delta("}")))
	assert.Equal(t, StateAwaitingClose, sp.State())
	assert.Equal(t, EmitComplete, sp.AddChunk(Stop()))

	res := sp.Finalize()
	assert.Equal(t, StateComplete, res.State)
	assert.Equal(t, `{"a":1}`, res.Content)
	assert.False(t, res.Repaired)
	assert.Equal(t, 2, res.ChunkCount)
	assert.NoError(t, res.Err)
}

func TestStreamEquivalence(t *testing.T) {
	p := newTestParser()
	payloads := []string{
		validDoc,
		"Here you go:\n" + validDoc + "\nThanks!",
		"```json\n" + validDoc + "\n```",
	}
	for _, payload := range payloads {
		direct := p.ParseMemoryResponse(context.Background(), payload, nil)
		require.True(t, direct.Success)

		for n := 1; n <= 12; n++ {
			sp := p.NewStreamParser()
			sp.AddChunk(Start())
			for _, part := range split(payload, n) {
				sp.AddChunk(Delta(part))
			}
			require.Equal(t, EmitComplete, sp.AddChunk(Stop()), "n=%d", n)

			streamed := sp.FinalizeMemories(context.Background(), nil)
			require.True(t, streamed.Success, "n=%d: %v", n, streamed.Error)
			assert.Equal(t, direct.Data, streamed.Data, "n=%d", n)
			assert.Equal(t, direct.Attempts, streamed.Attempts)
		}
	}
}

func TestStreamDepthIgnoresStringContents(t *testing.T) {
	sp := newTestParser().NewStreamParser()
	feed(sp, Start(), Delta(`{"a":"}{ \"quoted\" ]`))
	assert.Equal(t, StateInChunk, sp.State())
	assert.Equal(t, EmitStructureClosed, sp.AddChunk(Delta(`"}`)))
}

func TestStreamRepairsOnStop(t *testing.T) {
	sp := newTestParser().NewStreamParser()
	feed(sp,
		Start(),
		Delta(`{"schemaVersion":"memory_llm_response_v1",`),
		Delta(`"memories":[{"content":"Half a thought`),
	)
	assert.Equal(t, EmitComplete, sp.AddChunk(Stop()))

	fin := sp.Finalize()
	assert.True(t, fin.Repaired)
	assert.Equal(t, StateComplete, fin.State)

	res := sp.FinalizeMemories(context.Background(), nil)
	require.True(t, res.Success, "error: %v", res.Error)
	assert.Equal(t, "Half a thought", res.Data.Memories[0].Content)
	assert.Equal(t, fin.Raw, res.OriginalContent)
	assert.Contains(t, res.Warnings, "stream repaired on stop")
}

func TestStreamUnparsedStopFallsBackToFullParser(t *testing.T) {
	sp := newTestParser().NewStreamParser()
	feed(sp, Start(), Delta("no json here at all, just words."))
	assert.Equal(t, EmitFailed, sp.AddChunk(Stop()))
	assert.Equal(t, StateError, sp.State())

	res := sp.FinalizeMemories(context.Background(), nil)
	require.True(t, res.Success)
	assert.True(t, res.UsedFallback)
	assert.Equal(t, "no json here at all, just words.", res.Data.Memories[0].Content)
}

func TestStreamValidationFailure(t *testing.T) {
	sp := newTestParser().NewStreamParser()
	feed(sp, Start(), Delta(`{"a":1}`), Stop())
	res := sp.FinalizeMemories(context.Background(), nil)
	require.False(t, res.Success)
	assert.Equal(t, KindValidation, res.Error.Kind)
}

func TestStreamIllegalTransitions(t *testing.T) {
	t.Run("delta before start", func(t *testing.T) {
		sp := newTestParser().NewStreamParser()
		assert.Equal(t, EmitIllegal, sp.AddChunk(Delta("{")))
		assert.Equal(t, StateError, sp.State())
		assert.Equal(t, EmitIllegal, sp.AddChunk(Start()))
		assert.Equal(t, StateError, sp.State())

		res := sp.FinalizeMemories(context.Background(), nil)
		require.NotNil(t, res.Error)
		assert.Equal(t, KindStream, res.Error.Kind)
		assert.False(t, res.Error.Recoverable)
		assert.Contains(t, res.Error.Error(), "illegal delta event")
	})

	t.Run("stop before start", func(t *testing.T) {
		sp := newTestParser().NewStreamParser()
		assert.Equal(t, EmitIllegal, sp.AddChunk(Stop()))
	})

	t.Run("double start", func(t *testing.T) {
		sp := newTestParser().NewStreamParser()
		feed(sp, Start())
		assert.Equal(t, EmitIllegal, sp.AddChunk(Start()))
	})

	t.Run("event after complete", func(t *testing.T) {
		sp := newTestParser().NewStreamParser()
		feed(sp, Start(), Delta("{}"), Stop())
		require.Equal(t, StateComplete, sp.State())
		assert.Equal(t, EmitIllegal, sp.AddChunk(Delta("more")))
		assert.Equal(t, StateError, sp.State())
		assert.Equal(t, "{}", sp.Finalize().Raw)
	})
}

func TestStreamOverflow(t *testing.T) {
	sp := newTestParser().NewStreamParser()
	feed(sp, Start())
	assert.Equal(t, EmitBuffered, sp.AddChunk(Delta(strings.Repeat("a", MaxStreamBuffer))))
	assert.Equal(t, EmitOverflow, sp.AddChunk(Delta("b")))
	assert.Equal(t, StateError, sp.State())
	assert.Len(t, sp.Finalize().Raw, MaxStreamBuffer)

	res := sp.FinalizeMemories(context.Background(), nil)
	assert.Equal(t, KindStream, res.Error.Kind)
	assert.False(t, res.Error.Recoverable)
}

func TestStreamOverflowCountsCharacters(t *testing.T) {
	sp := newTestParser().NewStreamParser()
	feed(sp, Start())
	// two bytes per character, so a byte limit would trip halfway
	assert.Equal(t, EmitBuffered, sp.AddChunk(Delta(strings.Repeat("é", MaxStreamBuffer))))
	assert.Equal(t, StateInChunk, sp.State())
	assert.Equal(t, EmitOverflow, sp.AddChunk(Delta("é")))
	assert.Equal(t, MaxStreamBuffer, utf8.RuneCountInString(sp.Finalize().Raw))
}

func TestStreamTransportError(t *testing.T) {
	reset := errors.New("connection reset")
	sp := newTestParser().NewStreamParser()
	feed(sp, Start(), Delta("{"))
	assert.Equal(t, EmitFailed, sp.AddChunk(StreamFailure(reset)))

	res := sp.FinalizeMemories(context.Background(), nil)
	require.NotNil(t, res.Error)
	assert.Equal(t, KindStream, res.Error.Kind)
	assert.True(t, res.Error.Recoverable)
	assert.ErrorIs(t, res.Error, reset)
}

func TestStreamNotFinished(t *testing.T) {
	sp := newTestParser().NewStreamParser()
	feed(sp, Start(), Delta(`{"a":`))
	res := sp.FinalizeMemories(context.Background(), nil)
	assert.Equal(t, KindStream, res.Error.Kind)
	assert.Contains(t, res.Error.Message, "in_chunk")
}

func TestTransitionTable(t *testing.T) {
	cases := []struct {
		from StreamState
		in   input
		to   StreamState
		emit Emission
	}{
		{StateAwaitingStart, input{event: EventStart}, StateInChunk, EmitStarted},
		{StateAwaitingStart, input{event: EventDelta}, StateError, EmitIllegal},
		{StateAwaitingStart, input{event: EventError}, StateError, EmitFailed},
		{StateInChunk, input{event: EventDelta}, StateInChunk, EmitBuffered},
		{StateInChunk, input{event: EventDelta, closed: true}, StateAwaitingClose, EmitBuffered},
		{StateInChunk, input{event: EventDelta, closed: true, parsed: true}, StateAwaitingClose, EmitStructureClosed},
		{StateInChunk, input{event: EventDelta, overflow: true}, StateError, EmitOverflow},
		{StateAwaitingClose, input{event: EventDelta}, StateInChunk, EmitBuffered},
		{StateAwaitingClose, input{event: EventStop, parsed: true}, StateComplete, EmitComplete},
		{StateInChunk, input{event: EventStop}, StateError, EmitFailed},
		{StateInChunk, input{event: EventStart}, StateError, EmitIllegal},
		{StateComplete, input{event: EventStop, parsed: true}, StateError, EmitIllegal},
		{StateError, input{event: EventStart}, StateError, EmitIllegal},
	}
	for _, tc := range cases {
		to, emit := transition(tc.from, tc.in)
		assert.Equal(t, tc.to, to, "%s on %s", tc.from, tc.in.event)
		assert.Equal(t, tc.emit, emit, "%s on %s", tc.from, tc.in.event)
	}
}
