// Package tokencount provides token counting for batch budgeting.
//
// It uses tiktoken-go, a Go port of OpenAI's official tiktoken library. The
// batcher budgets batches by summed file token counts, so counts must be
// stable for a given model across runs.
package tokencount

import (
	"log/slog"
	"sync"

	tiktoken "github.com/pkoukk/tiktoken-go"
)

// Counter provides thread-safe token counting for a model family.
type Counter struct {
	model string

	mu  sync.Mutex
	enc *tiktoken.Tiktoken
}

// NewCounter creates a counter for the given model.
func NewCounter(model string) *Counter {
	if model == "" {
		model = "gpt-4"
	}
	return &Counter{model: model}
}

func (c *Counter) encoding() (*tiktoken.Tiktoken, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.enc != nil {
		return c.enc, nil
	}
	enc, err := tiktoken.EncodingForModel(c.model)
	if err != nil {
		// cl100k_base covers GPT-4-class and most modern models.
		slog.Debug("falling back to cl100k_base encoding",
			slog.String("model", c.model), slog.Any("error", err))
		enc, err = tiktoken.GetEncoding("cl100k_base")
		if err != nil {
			return nil, err
		}
	}
	c.enc = enc
	return enc, nil
}

// CountTokens counts tokens in text. When no encoding can be loaded it falls
// back to the rough 4-chars-per-token estimate rather than failing discovery.
func (c *Counter) CountTokens(text string) int {
	enc, err := c.encoding()
	if err != nil {
		slog.Warn("token encoding unavailable, using estimate", slog.Any("error", err))
		return len(text) / 4
	}
	return len(enc.Encode(text, nil, nil))
}
