package prompt

import (
	"sync"

	"github.com/pkoukk/tiktoken-go"
)

var (
	tokenEncoder *tiktoken.Tiktoken
	encoderOnce  sync.Once
	encoderErr   error
)

func initTokenEncoder() error {
	encoderOnce.Do(func() {
		tokenEncoder, encoderErr = tiktoken.GetEncoding("cl100k_base")
	})
	return encoderErr
}

// CountTokens estimates the token count of text with cl100k_base, falling
// back to a character heuristic when the encoding is unavailable.
func CountTokens(text string) int {
	if text == "" {
		return 0
	}
	if err := initTokenEncoder(); err != nil {
		return estimateTokens(text)
	}
	return len(tokenEncoder.Encode(text, nil, nil))
}

// PromptTokens counts the tokens a request sends, including per-message overhead.
func (r Request) PromptTokens() int {
	total := 2
	for _, msg := range r.Messages() {
		total += 4 + CountTokens(msg.Role) + CountTokens(msg.Content)
	}
	return total
}

func estimateTokens(text string) int {
	n := len(text) / 4
	if n == 0 {
		return 1
	}
	return n
}
