package parser

import (
	"context"
	"fmt"

	"github.com/teilomillet/memgate/utils"
)

// MaxAttempts bounds single-shot parses per response: the first try, one per
// repair pass and the corrective retry.
const MaxAttempts = 1 + MaxRepairPasses + 1

// CorrectiveRetryFunc asks the model again after the response could not be
// repaired. It returns the new raw content.
type CorrectiveRetryFunc func(ctx context.Context, failed *ParseResult) (string, error)

type Parser struct {
	logger utils.Logger
}

type Option func(*Parser)

func WithLogger(logger utils.Logger) Option {
	return func(p *Parser) {
		if logger != nil {
			p.logger = logger
		}
	}
}

func New(opts ...Option) *Parser {
	p := &Parser{logger: utils.NewLogger(utils.LogLevelWarn)}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// ParseMemoryResponse extracts and validates a memory set from content.
//
// Well-formed JSON with the wrong shape fails immediately with KindValidation.
// Syntax failures go through the repair passes, then retry (when not nil),
// then fallback extraction of the longest sentence. The result is never nil.
func (p *Parser) ParseMemoryResponse(ctx context.Context, content string, retry CorrectiveRetryFunc) *ParseResult {
	res := &ParseResult{OriginalContent: content}

	resp, legacy, perr := p.attempt(res, content)
	if perr == nil {
		return p.succeed(res, resp, legacy)
	}
	if perr.Kind == KindValidation {
		p.logger.Debug("Response failed schema validation", "error", perr.Message)
		res.Error = perr
		return res
	}
	lastErr := perr

	prev := repairRegion(content)
	for pass := 1; pass <= MaxRepairPasses; pass++ {
		repaired, ok := repairPass(pass, prev, content)
		if !ok {
			continue
		}
		res.RepairPasses = pass
		res.RepairedContent = repaired
		resp, legacy, perr = p.attempt(res, repaired)
		if perr == nil {
			res.Warnings = append(res.Warnings, fmt.Sprintf("repaired in pass %d", pass))
			return p.succeed(res, resp, legacy)
		}
		lastErr = perr
		prev = repaired
	}

	if retry != nil && ctx.Err() == nil {
		res.UsedCorrectiveRetry = true
		res.Error = lastErr
		corrected, err := retry(ctx, res)
		if err != nil {
			p.logger.Warn("Corrective retry failed", "error", err)
			res.Warnings = append(res.Warnings, "corrective retry failed: "+err.Error())
		} else {
			resp, legacy, perr = p.attempt(res, corrected)
			if perr == nil {
				res.Error = nil
				res.RepairedContent = corrected
				res.Warnings = append(res.Warnings, "recovered by corrective retry")
				return p.succeed(res, resp, legacy)
			}
			lastErr = perr
		}
	}

	if doc, ok := fallback(content); ok {
		p.logger.Info("Using fallback extraction", "attempts", res.Attempts)
		res.UsedFallback = true
		res.Error = nil
		res.Warnings = append(res.Warnings, "fallback extraction used")
		return p.succeed(res, doc, false)
	}

	res.Error = &ParseError{
		Kind:        KindParsing,
		Message:     fmt.Sprintf("no valid memory set after %d attempts", res.Attempts),
		Recoverable: true,
		Err:         lastErr,
	}
	p.logger.Warn("Response could not be parsed", "attempts", res.Attempts, "repairPasses", res.RepairPasses)
	return res
}

// attempt is one single-shot parse: every extraction candidate of content is
// decoded in turn. A validation failure on any candidate outranks syntax
// failures on the others.
func (p *Parser) attempt(res *ParseResult, content string) (*MemoryLLMResponse, bool, *ParseError) {
	res.Attempts++
	var failure *ParseError
	for _, c := range candidates(content) {
		resp, legacy, perr := decode(c)
		if perr == nil {
			return resp, legacy, nil
		}
		if failure == nil || (perr.Kind == KindValidation && failure.Kind != KindValidation) {
			failure = perr
		}
	}
	if failure == nil {
		failure = &ParseError{Kind: KindParsing, Message: "no JSON found", Recoverable: true}
	}
	return nil, false, failure
}

func (p *Parser) succeed(res *ParseResult, resp *MemoryLLMResponse, legacy bool) *ParseResult {
	res.Success = true
	res.Data = resp
	res.Error = nil
	if legacy {
		res.UsedLegacySchema = true
		res.Warnings = append(res.Warnings, "converted legacy single-memory response")
	}
	p.logger.Debug("Parsed memory response", "memories", len(resp.Memories), "attempts", res.Attempts)
	return res
}

// CorrectionPrompt is the follow-up instruction sent with a corrective retry.
func CorrectionPrompt(failed *ParseResult) string {
	reason := "the response was not valid JSON"
	if failed != nil && failed.Error != nil {
		reason = failed.Error.Error()
	}
	return fmt.Sprintf("Your previous response could not be parsed (%s). "+
		"Reply again with only a JSON object whose schemaVersion is %q and whose "+
		"memories array holds between %d and %d items. Do not add prose or code fences.",
		reason, SchemaVersion, MinMemories, MaxMemories)
}
