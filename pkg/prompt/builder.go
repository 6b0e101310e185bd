// Package prompt turns the text before the caret into a completion request
// and turns streamed model output back into insertable suggestion text.
package prompt

import (
	"fmt"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/odvcencio/scribe/pkg/model"
)

const (
	// SpaceMarker stands in for a trailing whitespace character in the input,
	// and at the start of a completion asks for a separating space.
	SpaceMarker = "<sp/>"
	OutputOpen  = "<output>"
	OutputClose = "</output>"

	DefaultContextChars = 4000
	DefaultMaxTokens    = 50
)

// Example is one few-shot input/output pair.
type Example struct {
	Input  string
	Output string
}

// Examples cover a partial word, input ending in a space, and a completion
// that needs a leading space.
var Examples = []Example{
	{Input: "The quick brown fox" + SpaceMarker, Output: "jumps over the lazy dog"},
	{Input: "She walked into the room and", Output: SpaceMarker + "noticed the strange silence"},
	{Input: "I'm going to the store to b", Output: "uy some eggs"},
	{Input: "Hello", Output: SpaceMarker + "world"},
}

const instructions = `You are a concise and context-aware AI writing assistant called Scribe.
<instructions>
  - Complete the provided text naturally and appropriately.
  - If the user is in the middle of a word, finish the word.
  - If the input ends with a <sp/> tag, it means the user input ended with a space. Output a <sp/> tag at the start of your response if a space is needed before your completion.
  - Otherwise, add a space and continue the sentence with a few relevant words.
  - Avoid unnecessary punctuation and keep the completion brief and contextually accurate.
  - Do not repeat the input text.
  - Limit your response to a few words.
  - Wrap your response in <output> tags.
  - Do not include any other text in your response.
  - Do not point out that a word does not exist. Ignore it.
</instructions>`

// Options configures a Builder. Zero values take the defaults.
type Options struct {
	ContextChars int
	MaxTokens    int
	Temperature  float64
	// Preamble replaces the default instructions when non-empty.
	Preamble string
}

// Builder formats completion requests. It holds no mutable state.
type Builder struct {
	contextChars int
	maxTokens    int
	temperature  float64
	system       string
}

// NewBuilder returns a builder using opts.
func NewBuilder(opts Options) *Builder {
	if opts.ContextChars <= 0 {
		opts.ContextChars = DefaultContextChars
	}
	if opts.MaxTokens <= 0 {
		opts.MaxTokens = DefaultMaxTokens
	}
	preamble := strings.TrimSpace(opts.Preamble)
	if preamble == "" {
		preamble = instructions
	}
	return &Builder{
		contextChars: opts.ContextChars,
		maxTokens:    opts.MaxTokens,
		temperature:  opts.Temperature,
		system:       preamble + "\n\n" + renderExamples(Examples),
	}
}

// Request is an immutable completion request built from one text snapshot.
type Request struct {
	// Context is the truncated text the request was built from.
	Context string
	// Input is Context with the trailing-space sentinel applied.
	Input       string
	System      string
	MaxTokens   int
	Temperature float64
}

// Build formats the request for the text before the caret.
func (b *Builder) Build(text string) Request {
	ctx := Tail(text, b.contextChars)
	return Request{
		Context:     ctx,
		Input:       EncodeInput(ctx),
		System:      b.system,
		MaxTokens:   b.maxTokens,
		Temperature: b.temperature,
	}
}

// ContextChars reports the truncation window.
func (b *Builder) ContextChars() int {
	return b.contextChars
}

// Messages renders the role-tagged messages for the gateway.
func (r Request) Messages() []model.Message {
	return []model.Message{
		{Role: "system", Content: r.System},
		{Role: "user", Content: WrapInput(r.Input)},
	}
}

// ChatRequest converts r into a gateway request.
func (r Request) ChatRequest() model.ChatRequest {
	return model.ChatRequest{
		Messages:    r.Messages(),
		MaxTokens:   r.MaxTokens,
		Temperature: r.Temperature,
	}
}

// WrapInput wraps encoded input in <input> tags.
func WrapInput(input string) string {
	return "<input>" + input + "</input>"
}

// Tail returns the last n characters of text without splitting a rune.
func Tail(text string, n int) string {
	if n <= 0 || utf8.RuneCountInString(text) <= n {
		return text
	}
	skip := utf8.RuneCountInString(text) - n
	for i := range text {
		if skip == 0 {
			return text[i:]
		}
		skip--
	}
	return ""
}

// EncodeInput replaces one trailing whitespace character with SpaceMarker.
func EncodeInput(text string) string {
	last, size := utf8.DecodeLastRuneInString(text)
	if size == 0 || !unicode.IsSpace(last) {
		return text
	}
	return text[:len(text)-size] + SpaceMarker
}

func renderExamples(examples []Example) string {
	var b strings.Builder
	b.WriteString("<examples>\n")
	for _, ex := range examples {
		fmt.Fprintf(&b, "  <example>\n    <input>%s</input>\n    %s%s%s\n  </example>\n", ex.Input, OutputOpen, ex.Output, OutputClose)
	}
	b.WriteString("</examples>")
	return b.String()
}
