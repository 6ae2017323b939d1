package memgate

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/teilomillet/memgate/parser"
	"github.com/teilomillet/memgate/prompt"
	"github.com/teilomillet/memgate/providers"
)

// admissionPoll is the wait used when the limiter rejects a call but predicts
// no wait, as when the bucket refilled between the two checks.
const admissionPoll = 50 * time.Millisecond

// ExtractionResult is everything Extract learned about one conversation.
type ExtractionResult struct {
	RequestID string
	Prompt    *prompt.BuildResult
	// Response is the first successful provider reply; the corrective retry,
	// when used, is reflected in Parse.
	Response *providers.Response
	Parse    *parser.ParseResult
	// Usage and Cost cover every provider call, retries included.
	Usage providers.Usage
	Cost  float64
	// Attempts counts provider calls.
	Attempts int
	Streamed bool
}

// exchange is one successful provider call.
type exchange struct {
	resp   *providers.Response
	stream *parser.StreamParser
}

// Extract builds a prompt from messages, sends it under the provider's rate
// limits and parses the reply into a memory set.
//
// A reply that cannot be turned into memories is returned together with its
// *parser.ParseError so callers can still inspect the raw response.
func (g *Gateway) Extract(ctx context.Context, messages []prompt.Message, mood *prompt.MoodAnalysisResult) (*ExtractionResult, error) {
	id := uuid.NewString()
	name := g.provider.Name()

	built, err := g.builder.Build(messages, mood)
	if err != nil {
		return nil, err
	}
	req := built.Request(
		providers.WithTemperature(g.cfg.Temperature),
		providers.WithMaxTokens(g.cfg.MaxTokens),
		providers.WithMetadata("request_id", id),
	)
	res := &ExtractionResult{RequestID: id, Prompt: built}

	stream, streaming := providers.AsStreaming(g.provider)
	streaming = streaming && g.cfg.Stream
	res.Streamed = streaming

	g.logger.Debug("Extracting memories", "request_id", id, "provider", name,
		"messages", len(built.Messages), "tokens", built.EstimatedTokens, "stream", streaming)

	err = g.limiter.WithConcurrencyPermit(ctx, name, func(ctx context.Context) error {
		var ex *exchange
		var err error
		if streaming {
			ex, err = g.call(ctx, res, req, func(ctx context.Context) (*exchange, error) {
				return g.streamOnce(ctx, stream, req)
			})
		} else {
			ex, err = g.call(ctx, res, req, func(ctx context.Context) (*exchange, error) {
				return g.sendOnce(ctx, req)
			})
		}
		if err != nil {
			return err
		}
		res.Response = ex.resp

		retry := g.corrective(res, req, ex.resp.Text)
		if ex.stream != nil {
			res.Parse = ex.stream.FinalizeMemories(ctx, retry)
		} else {
			res.Parse = g.parser.ParseMemoryResponse(ctx, ex.resp.Text, retry)
		}
		return nil
	})
	res.Cost = g.provider.EstimateCost(res.Usage)

	if err != nil {
		g.logger.Error("Extraction failed", "request_id", id, "provider", name, "attempts", res.Attempts, "error", err)
		return nil, fmt.Errorf("extract %s: %w", id, err)
	}
	if !res.Parse.Success {
		g.logger.Warn("No memories extracted", "request_id", id, "error", res.Parse.Error)
		if res.Parse.Error == nil {
			return res, errors.New("no memories extracted")
		}
		return res, res.Parse.Error
	}

	g.logger.Info("Extracted memories", "request_id", id, "memories", len(res.Parse.Data.Memories),
		"attempts", res.Attempts, "cost", res.Cost, "fallback", res.Parse.UsedFallback)
	return res, nil
}

// call admits and performs one provider call, retrying retryable transport
// errors with the limiter's backoff. Each try is admitted separately.
func (g *Gateway) call(ctx context.Context, res *ExtractionResult, req *providers.Request, once func(context.Context) (*exchange, error)) (*exchange, error) {
	name := g.provider.Name()
	strategy, err := g.limiter.RetryStrategy(name, g.cfg.MaxRetries, providers.IsRetryable)
	if err != nil {
		return nil, err
	}

	tokens := g.admissionTokens(req)
	for {
		if err := g.admit(ctx, res.RequestID, tokens); err != nil {
			return nil, err
		}

		res.Attempts++
		ex, err := once(ctx)
		if err == nil {
			res.Usage = addUsage(res.Usage, ex.resp.Usage)
			return ex, nil
		}
		if !strategy.ShouldRetry(err) {
			return nil, err
		}

		delay := strategy.NextDelay()
		g.logger.Debug("Retrying", "request_id", res.RequestID, "attempt", strategy.Attempts(), "delay", delay, "error", err)
		if err := g.sleep(ctx, delay); err != nil {
			return nil, err
		}
	}
}

// admissionTokens is what one call debits: a single unit, or with ByTokens
// the estimated prompt plus the output allowance.
func (g *Gateway) admissionTokens(req *providers.Request) int {
	if !g.cfg.RateLimit.ByTokens {
		return 1
	}
	n := req.MaxTokens
	for _, m := range req.Messages {
		n += g.provider.CountTokens(m.Content)
	}
	return n
}

// admit waits for the limiter to grant tokens, sleeping for the predicted
// bucket or window delay between tries.
func (g *Gateway) admit(ctx context.Context, id string, tokens int) error {
	name := g.provider.Name()
	var waited time.Duration
	for {
		ok, err := g.limiter.TryAcquire(name, tokens)
		if err != nil {
			return err
		}
		if ok {
			return nil
		}

		wait, err := g.limiter.PredictWaitTime(name, tokens)
		if err != nil {
			return err
		}
		if w, err := g.limiter.WindowWaitTime(name); err == nil && w > wait {
			wait = w
		}
		if wait <= 0 {
			wait = admissionPoll
		}
		if waited+wait > g.cfg.RateLimit.MaxAdmissionWait {
			return fmt.Errorf("%w: %s after %s", ErrAdmissionTimeout, name, waited)
		}

		g.logger.Debug("Waiting for rate limit", "request_id", id, "provider", name, "wait", wait)
		if err := g.sleep(ctx, wait); err != nil {
			return err
		}
		waited += wait
	}
}

func (g *Gateway) sendOnce(ctx context.Context, req *providers.Request) (*exchange, error) {
	resp, err := g.provider.Send(ctx, req)
	if err != nil {
		return nil, err
	}
	return &exchange{resp: resp}, nil
}

// streamOnce streams req into a fresh stream parser. The parser sees the
// same events the provider reports, so a failed stream leaves it in the
// error state and the next try starts over.
func (g *Gateway) streamOnce(ctx context.Context, sp providers.StreamingProvider, req *providers.Request) (*exchange, error) {
	asm := g.parser.NewStreamParser()
	asm.AddChunk(parser.Start())

	resp, err := sp.Stream(ctx, req, providers.StreamHandlers{
		OnChunk: func(text string) {
			if emit := asm.AddChunk(parser.Delta(text)); emit == parser.EmitOverflow {
				g.logger.Warn("Stream exceeded buffer", "provider", sp.Name(), "limit", parser.MaxStreamBuffer)
			}
		},
		OnComplete: func(*providers.Response) { asm.AddChunk(parser.Stop()) },
		OnError:    func(err error) { asm.AddChunk(parser.StreamFailure(err)) },
	})
	if err != nil {
		return nil, err
	}
	return &exchange{resp: resp, stream: asm}, nil
}

// corrective returns the retry the parser uses once repairs are exhausted:
// the conversation is re-sent with the failed reply and a correction
// instruction appended. It always uses Send.
func (g *Gateway) corrective(res *ExtractionResult, req *providers.Request, reply string) parser.CorrectiveRetryFunc {
	return func(ctx context.Context, failed *parser.ParseResult) (string, error) {
		creq := req.With(func(r *providers.Request) {
			r.Messages = append(r.Messages,
				providers.Message{Role: providers.RoleAssistant, Content: reply},
				providers.Message{Role: providers.RoleUser, Content: parser.CorrectionPrompt(failed)},
			)
		})
		g.logger.Info("Requesting corrected response", "request_id", res.RequestID, "reason", failed.Error)

		ex, err := g.call(ctx, res, creq, func(ctx context.Context) (*exchange, error) {
			return g.sendOnce(ctx, creq)
		})
		if err != nil {
			return "", err
		}
		return ex.resp.Text, nil
	}
}

func addUsage(a, b providers.Usage) providers.Usage {
	return providers.NewUsage(a.InputTokens+b.InputTokens, a.OutputTokens+b.OutputTokens)
}

// IsAdmissionTimeout reports whether err came from giving up on the limiter.
func IsAdmissionTimeout(err error) bool {
	return errors.Is(err, ErrAdmissionTimeout)
}
