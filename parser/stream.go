package parser

import (
	"context"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/tidwall/gjson"
)

// MaxStreamBuffer is the largest assembled stream, in characters (runes),
// before the stream is failed.
const MaxStreamBuffer = 100_000

type StreamState int

const (
	StateAwaitingStart StreamState = iota
	StateInChunk
	StateAwaitingClose
	StateComplete
	StateError
)

func (s StreamState) String() string {
	switch s {
	case StateAwaitingStart:
		return "awaiting_start"
	case StateInChunk:
		return "in_chunk"
	case StateAwaitingClose:
		return "awaiting_close"
	case StateComplete:
		return "complete"
	case StateError:
		return "error"
	}
	return fmt.Sprintf("StreamState(%d)", int(s))
}

// Terminal reports whether no further event is legal.
func (s StreamState) Terminal() bool {
	return s == StateComplete || s == StateError
}

type EventType int

const (
	EventStart EventType = iota
	EventDelta
	EventStop
	EventError
)

func (e EventType) String() string {
	switch e {
	case EventStart:
		return "start"
	case EventDelta:
		return "delta"
	case EventStop:
		return "stop"
	case EventError:
		return "error"
	}
	return fmt.Sprintf("EventType(%d)", int(e))
}

// StreamEvent is one event from a provider stream. Text is set for deltas
// and Err for errors.
type StreamEvent struct {
	Type EventType
	Text string
	Err  error
}

func Start() StreamEvent { return StreamEvent{Type: EventStart} }

func Delta(text string) StreamEvent { return StreamEvent{Type: EventDelta, Text: text} }

func Stop() StreamEvent { return StreamEvent{Type: EventStop} }

func StreamFailure(err error) StreamEvent { return StreamEvent{Type: EventError, Err: err} }

// Emission is what a transition reports to the caller.
type Emission int

const (
	EmitNone Emission = iota
	EmitStarted
	EmitBuffered
	// EmitStructureClosed means depth returned to zero and the buffer parses.
	EmitStructureClosed
	EmitComplete
	EmitFailed
	EmitOverflow
	EmitIllegal
)

var emissionNames = [...]string{"none", "started", "buffered", "structure_closed", "complete", "failed", "overflow", "illegal"}

func (e Emission) String() string {
	if e < 0 || int(e) >= len(emissionNames) {
		return fmt.Sprintf("Emission(%d)", int(e))
	}
	return emissionNames[e]
}

// input is everything transition needs to know about one event.
type input struct {
	event    EventType
	closed   bool
	overflow bool
	parsed   bool
}

// transition is the stream assembler's state machine. It has no side
// effects; the StreamParser computes input before calling it.
func transition(s StreamState, in input) (StreamState, Emission) {
	if s.Terminal() {
		return StateError, EmitIllegal
	}
	if in.event == EventError {
		return StateError, EmitFailed
	}

	switch s {
	case StateAwaitingStart:
		if in.event == EventStart {
			return StateInChunk, EmitStarted
		}
		return StateError, EmitIllegal

	case StateInChunk, StateAwaitingClose:
		switch in.event {
		case EventStart:
			return StateError, EmitIllegal
		case EventDelta:
			switch {
			case in.overflow:
				return StateError, EmitOverflow
			case in.closed && in.parsed:
				return StateAwaitingClose, EmitStructureClosed
			case in.closed:
				return StateAwaitingClose, EmitBuffered
			default:
				return StateInChunk, EmitBuffered
			}
		case EventStop:
			if in.parsed {
				return StateComplete, EmitComplete
			}
			return StateError, EmitFailed
		}
	}
	return StateError, EmitIllegal
}

// StreamParser assembles one streamed response. It is not safe for
// concurrent use; feed it from the stream's chunk callback.
type StreamParser struct {
	parser *Parser

	state    StreamState
	buf      strings.Builder
	runes    int
	sc       scanner
	chunks   int
	final    string
	repaired bool

	failure Emission
	err     error
	// unparsed is set when stop arrived but no repair made the buffer parse.
	unparsed bool
}

func (p *Parser) NewStreamParser() *StreamParser {
	return &StreamParser{parser: p}
}

func (sp *StreamParser) State() StreamState { return sp.state }

// AddChunk applies ev and returns what the transition emitted. Events after
// a terminal state leave the parser in the error state.
func (sp *StreamParser) AddChunk(ev StreamEvent) Emission {
	in := input{event: ev.Type}
	active := sp.state == StateInChunk || sp.state == StateAwaitingClose

	switch {
	case ev.Type == EventDelta && active:
		n := utf8.RuneCountInString(ev.Text)
		if sp.runes+n > MaxStreamBuffer {
			in.overflow = true
			break
		}
		sp.buf.WriteString(ev.Text)
		sp.runes += n
		for i := 0; i < len(ev.Text); i++ {
			sp.sc.feed(ev.Text[i])
		}
		sp.chunks++
		if in.closed = sp.sc.complete(); in.closed {
			in.parsed = sp.tryParse()
		}
	case ev.Type == EventStop && active:
		in.parsed = sp.finish()
	}

	next, em := transition(sp.state, in)
	if next == StateError && sp.state != StateError {
		sp.failure = em
		switch em {
		case EmitOverflow:
			sp.err = fmt.Errorf("stream exceeded %d characters", MaxStreamBuffer)
		case EmitIllegal:
			sp.err = fmt.Errorf("illegal %s event in state %s", ev.Type, sp.state)
		case EmitFailed:
			if ev.Err != nil {
				sp.err = ev.Err
			} else {
				sp.unparsed = true
				sp.err = fmt.Errorf("stream content is not valid JSON")
			}
		}
		sp.parser.logger.Debug("Stream assembly failed", "state", sp.state, "event", ev.Type, "emission", em)
	}
	sp.state = next
	return em
}

// tryParse records the first candidate that is well-formed JSON.
func (sp *StreamParser) tryParse() bool {
	for _, c := range candidates(sp.buf.String()) {
		if gjson.Valid(c) {
			sp.final = c
			sp.repaired = false
			return true
		}
	}
	return false
}

// finish parses the buffer on stop, trying one basic repair when it does
// not parse as is.
func (sp *StreamParser) finish() bool {
	if sp.tryParse() {
		return true
	}
	if r := basicRepair(sp.buf.String()); gjson.Valid(r) {
		sp.final = r
		sp.repaired = true
		return true
	}
	return false
}

type StreamResult struct {
	State StreamState
	// Content is the JSON that parsed on stop, or the raw buffer otherwise.
	Content    string
	Raw        string
	Repaired   bool
	ChunkCount int
	Err        error
}

// Finalize reports the assembly outcome without validating the schema.
func (sp *StreamParser) Finalize() StreamResult {
	res := StreamResult{
		State:      sp.state,
		Content:    sp.buf.String(),
		Raw:        sp.buf.String(),
		Repaired:   sp.repaired,
		ChunkCount: sp.chunks,
		Err:        sp.err,
	}
	if sp.state == StateComplete {
		res.Content = sp.final
	}
	return res
}

// FinalizeMemories validates the assembled stream as a memory set. A stream
// that completed without repair, or whose content simply failed to parse on
// stop, goes through ParseMemoryResponse on the raw buffer, so streamed and
// non-streamed payloads parse the same. Transport errors, overflow and
// illegal events fail with KindStream.
func (sp *StreamParser) FinalizeMemories(ctx context.Context, retry CorrectiveRetryFunc) *ParseResult {
	raw := sp.buf.String()

	switch {
	case sp.state == StateComplete && sp.repaired:
		res := sp.parser.ParseMemoryResponse(ctx, sp.final, retry)
		res.OriginalContent = raw
		if res.RepairedContent == "" {
			res.RepairedContent = sp.final
		}
		res.Warnings = append(res.Warnings, "stream repaired on stop")
		return res

	case sp.state == StateComplete, sp.unparsed:
		return sp.parser.ParseMemoryResponse(ctx, raw, retry)

	case sp.state == StateError:
		return &ParseResult{
			OriginalContent: raw,
			Error: &ParseError{
				Kind:        KindStream,
				Message:     "stream assembly failed",
				Recoverable: sp.failure == EmitFailed,
				Err:         sp.err,
			},
		}

	default:
		return &ParseResult{
			OriginalContent: raw,
			Error: &ParseError{
				Kind:        KindStream,
				Message:     fmt.Sprintf("stream not finished (state %s)", sp.state),
				Recoverable: true,
			},
		}
	}
}
