package providers

import (
	"sync"

	"github.com/pkoukk/tiktoken-go"

	"github.com/teilomillet/memgate/utils"
)

const defaultEncoding = "cl100k_base"

// TokenCounter counts tokens with tiktoken. The encoding is loaded on first
// use; when it cannot be loaded the counter falls back to ceil(len/4).
type TokenCounter struct {
	once     sync.Once
	encoding *tiktoken.Tiktoken
	logger   utils.Logger
}

func NewTokenCounter(logger utils.Logger) *TokenCounter {
	if logger == nil {
		logger = utils.NopLogger{}
	}
	return &TokenCounter{logger: logger}
}

func (c *TokenCounter) load() {
	enc, err := tiktoken.GetEncoding(defaultEncoding)
	if err != nil {
		c.logger.Warn("Failed to load token encoding, using length estimate", "encoding", defaultEncoding, "error", err)
		return
	}
	c.encoding = enc
}

// Count returns the token count of text, 0 for the empty string.
func (c *TokenCounter) Count(text string) int {
	if text == "" {
		return 0
	}
	c.once.Do(c.load)
	if c.encoding == nil {
		return EstimateTokens(text)
	}
	return len(c.encoding.Encode(text, nil, nil))
}

// EstimateTokens is the ~4 characters per token heuristic, rounded up.
func EstimateTokens(text string) int {
	if len(text) == 0 {
		return 0
	}
	return (len(text) + 3) / 4
}
