package ai

import (
	"github.com/itsneelabh/agentloop/core"
	"github.com/tiktoken-go/tokenizer"
)

// perMessageOverhead approximates role and separator tokens per message.
const perMessageOverhead = 4

// TokenCounter estimates prompt sizes with the cl100k encoding. Counts for
// non-OpenAI models are approximations.
type TokenCounter struct {
	codec tokenizer.Codec
}

// NewTokenCounter creates a counter. If the encoding cannot be loaded the
// counter falls back to four characters per token.
func NewTokenCounter() *TokenCounter {
	codec, err := tokenizer.ForModel(tokenizer.GPT4)
	if err != nil {
		return &TokenCounter{}
	}
	return &TokenCounter{codec: codec}
}

// Count returns the token count of text.
func (tc *TokenCounter) Count(text string) int {
	if tc == nil || tc.codec == nil {
		return len(text) / 4
	}
	n, err := tc.codec.Count(text)
	if err != nil {
		return len(text) / 4
	}
	return n
}

// CountMessages estimates the prompt tokens of a conversation.
func (tc *TokenCounter) CountMessages(messages []core.Message) int {
	total := 0
	for _, m := range messages {
		total += tc.Count(m.Content) + perMessageOverhead
	}
	return total
}
