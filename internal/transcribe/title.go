package transcribe

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/rs/zerolog"
	openai "github.com/sashabaranov/go-openai"

	"github.com/ent0n29/scribe/internal/apperr"
	"github.com/ent0n29/scribe/internal/policy"
	"github.com/ent0n29/scribe/internal/session"
)

// maxTitleInputRunes bounds how much transcript is sent for summarizing.
const maxTitleInputRunes = 8000

const titlePrompt = `You name audio recordings from their transcript.
Reply with a JSON object {"title": "<title>"} and nothing else.
The title must be at most %d characters, in the transcript's language, without quotes or trailing punctuation.`

// TitleGenerator summarizes a transcript into a short session title.
type TitleGenerator interface {
	SummarizeToTitle(ctx context.Context, text string, maxChars int) (string, error)
}

// OpenAITitler asks a chat model for a JSON title. Output that is not the
// expected JSON falls back to session.DefaultTitle.
type OpenAITitler struct {
	client *openai.Client
	model  string
	logger zerolog.Logger
}

func NewOpenAITitler(apiKey, baseURL, model string, logger zerolog.Logger) *OpenAITitler {
	if strings.TrimSpace(model) == "" {
		model = openai.GPT4oMini
	}
	return &OpenAITitler{
		client: newOpenAIClient(apiKey, baseURL),
		model:  model,
		logger: logger.With().Str("component", "titler").Logger(),
	}
}

func (o *OpenAITitler) SummarizeToTitle(ctx context.Context, text string, maxChars int) (string, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return session.DefaultTitle, nil
	}
	if utf8.RuneCountInString(text) > maxTitleInputRunes {
		text = string([]rune(text)[:maxTitleInputRunes])
	}

	resp, err := o.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: o.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: fmt.Sprintf(titlePrompt, maxChars)},
			{Role: openai.ChatMessageRoleUser, Content: text},
		},
		ResponseFormat: &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		},
		Temperature: 0.2,
		MaxTokens:   32,
	})
	if err != nil {
		return "", fmt.Errorf("%w: %w", apperr.ErrTitleGeneration, err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("%w: no choices returned", apperr.ErrTitleGeneration)
	}

	raw := resp.Choices[0].Message.Content
	title, ok := ParseTitle(raw, maxChars)
	if !ok {
		o.logger.Warn().
			Str("raw", policy.ForLog(raw, 200)).
			Msg("title output was not the expected JSON; using fallback")
	}
	return title, nil
}

// ParseTitle extracts the title from a {"title": "..."} reply and truncates
// it to maxChars runes. Anything else yields session.DefaultTitle and false.
func ParseTitle(raw string, maxChars int) (string, bool) {
	raw = strings.TrimSpace(raw)
	raw = strings.TrimPrefix(raw, "```json")
	raw = strings.TrimPrefix(raw, "```")
	raw = strings.TrimSuffix(raw, "```")

	var out struct {
		Title string `json:"title"`
	}
	if err := json.Unmarshal([]byte(strings.TrimSpace(raw)), &out); err != nil {
		return session.DefaultTitle, false
	}
	title := TruncateRunes(strings.Join(strings.Fields(out.Title), " "), maxChars)
	if title == "" {
		return session.DefaultTitle, false
	}
	return title, true
}

// TruncateRunes cuts s to at most n runes without splitting a code point.
func TruncateRunes(s string, n int) string {
	s = strings.TrimSpace(s)
	if n <= 0 {
		return ""
	}
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return strings.TrimSpace(string([]rune(s)[:n]))
}
