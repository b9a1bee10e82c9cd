package transcribe

import (
	"context"
	"errors"
	"strings"

	openai "github.com/sashabaranov/go-openai"

	"github.com/ent0n29/scribe/internal/apperr"
	"github.com/ent0n29/scribe/internal/reliability"
)

// OpenAI transcribes through the OpenAI audio API (or any compatible base URL).
type OpenAI struct {
	client *openai.Client
	model  string
}

func newOpenAIClient(apiKey, baseURL string) *openai.Client {
	cfg := openai.DefaultConfig(apiKey)
	if strings.TrimSpace(baseURL) != "" {
		cfg.BaseURL = strings.TrimRight(baseURL, "/")
	}
	return openai.NewClientWithConfig(cfg)
}

func NewOpenAI(apiKey, baseURL, model string) *OpenAI {
	if strings.TrimSpace(model) == "" {
		model = openai.Whisper1
	}
	return &OpenAI{client: newOpenAIClient(apiKey, baseURL), model: model}
}

func (o *OpenAI) Name() string { return "openai" }

func (o *OpenAI) Transcribe(ctx context.Context, audioPath string) (string, error) {
	resp, err := o.client.CreateTranscription(ctx, openai.AudioRequest{
		Model:    o.model,
		FilePath: audioPath,
	})
	if err != nil {
		return "", openAIError(o.Name(), err)
	}
	text := strings.TrimSpace(resp.Text)
	if text == "" {
		return "", &apperr.TranscriptionError{Provider: o.Name(), Err: errEmptyTranscript}
	}
	return text, nil
}

func openAIError(provider string, err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return &apperr.TranscriptionError{
			Provider:  provider,
			Retryable: reliability.IsRetryableHTTPStatus(apiErr.HTTPStatusCode),
			Err:       err,
		}
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return &apperr.TranscriptionError{
			Provider:  provider,
			Retryable: reliability.IsRetryableHTTPStatus(reqErr.HTTPStatusCode),
			Err:       err,
		}
	}
	return AsTranscriptionError(provider, err)
}
