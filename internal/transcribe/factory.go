package transcribe

import (
	"fmt"
	"os/exec"
	"strings"

	"github.com/rs/zerolog"
)

// Options selects and configures the transcription engine.
type Options struct {
	Provider         string
	Model            string
	OpenAIAPIKey     string
	OpenAIBaseURL    string
	HTTPURL          string
	WhisperCLI       string
	WhisperModelPath string
	WhisperLanguage  string
	WAV              WAVConverter
}

// NewClient builds the configured engine. "auto" prefers OpenAI when a key is
// set, then a local whisper.cpp install, then an HTTP endpoint, and fails when
// none resolves. The mock is only ever used when asked for by name: it would
// store placeholder text and delete the recording.
func NewClient(opts Options, logger zerolog.Logger) (Client, error) {
	provider := strings.ToLower(strings.TrimSpace(opts.Provider))
	if provider == "" {
		provider = "auto"
	}

	switch provider {
	case "openai":
		if strings.TrimSpace(opts.OpenAIAPIKey) == "" {
			return nil, fmt.Errorf("openai transcription provider needs OPENAI_API_KEY")
		}
		return NewOpenAI(opts.OpenAIAPIKey, opts.OpenAIBaseURL, opts.Model), nil
	case "whisper-cli":
		return NewWhisperCLI(opts.WhisperCLI, opts.WhisperModelPath, opts.WhisperLanguage, opts.WAV)
	case "http":
		if strings.TrimSpace(opts.HTTPURL) == "" {
			return nil, fmt.Errorf("http transcription provider needs a url")
		}
		return NewHTTP(opts.HTTPURL), nil
	case "mock":
		return &Mock{}, nil
	case "auto":
	default:
		return nil, fmt.Errorf("unknown transcription provider %q", opts.Provider)
	}

	if strings.TrimSpace(opts.OpenAIAPIKey) != "" {
		return NewOpenAI(opts.OpenAIAPIKey, opts.OpenAIBaseURL, opts.Model), nil
	}
	var whisperErr error
	if _, err := exec.LookPath(opts.WhisperCLI); err == nil {
		w, err := NewWhisperCLI(opts.WhisperCLI, opts.WhisperModelPath, opts.WhisperLanguage, opts.WAV)
		if err == nil {
			return w, nil
		}
		whisperErr = err
		logger.Warn().Err(err).Msg("whisper.cpp found but unusable; trying next provider")
	}
	if strings.TrimSpace(opts.HTTPURL) != "" {
		return NewHTTP(opts.HTTPURL), nil
	}
	if whisperErr != nil {
		return nil, fmt.Errorf("no usable transcription engine: %w", whisperErr)
	}
	return nil, fmt.Errorf("no transcription engine configured: set OPENAI_API_KEY, install %s, set TRANSCRIPTION_HTTP_URL, or choose TRANSCRIPTION_PROVIDER=mock", opts.WhisperCLI)
}

// NewTitleGenerator returns nil when titles are disabled or no key is set.
func NewTitleGenerator(provider, apiKey, baseURL, model string, logger zerolog.Logger) (TitleGenerator, error) {
	switch strings.ToLower(strings.TrimSpace(provider)) {
	case "none":
		return nil, nil
	case "openai":
		if strings.TrimSpace(apiKey) == "" {
			return nil, fmt.Errorf("openai title provider needs OPENAI_API_KEY")
		}
		return NewOpenAITitler(apiKey, baseURL, model, logger), nil
	case "", "auto":
		if strings.TrimSpace(apiKey) == "" {
			return nil, nil
		}
		return NewOpenAITitler(apiKey, baseURL, model, logger), nil
	default:
		return nil, fmt.Errorf("unknown title provider %q", provider)
	}
}
