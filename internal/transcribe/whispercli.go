package transcribe

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"

	"github.com/ent0n29/scribe/internal/apperr"
)

// WAVConverter produces the 16 kHz mono WAV whisper.cpp reads.
type WAVConverter interface {
	ConvertToWAV16k(ctx context.Context, in, out string) error
}

// WhisperCLI runs a local whisper.cpp build once per job.
type WhisperCLI struct {
	cliPath   string
	modelPath string
	language  string
	threads   int
	wav       WAVConverter
}

func NewWhisperCLI(cliPath, modelPath, language string, wav WAVConverter) (*WhisperCLI, error) {
	resolved, err := exec.LookPath(strings.TrimSpace(cliPath))
	if err != nil {
		return nil, fmt.Errorf("whisper.cpp cli %q not found: %w", cliPath, err)
	}
	if _, err := os.Stat(modelPath); err != nil {
		return nil, fmt.Errorf("whisper.cpp model %q: %w", modelPath, err)
	}
	if wav == nil {
		return nil, errors.New("whisper.cpp needs a wav converter")
	}
	language = strings.TrimSpace(language)
	if language == "" {
		language = "auto"
	}
	threads := runtime.NumCPU() / 2
	if threads > 8 {
		threads = 8
	}
	if threads < 2 {
		threads = 2
	}
	return &WhisperCLI{
		cliPath:   resolved,
		modelPath: modelPath,
		language:  language,
		threads:   threads,
		wav:       wav,
	}, nil
}

func (w *WhisperCLI) Name() string { return "whisper-cli" }

func (w *WhisperCLI) Transcribe(ctx context.Context, audioPath string) (string, error) {
	tmpDir, err := os.MkdirTemp("", "scribe-whisper-*")
	if err != nil {
		return "", AsTranscriptionError(w.Name(), err)
	}
	defer os.RemoveAll(tmpDir)

	wavPath := filepath.Join(tmpDir, "audio.wav")
	if err := w.wav.ConvertToWAV16k(ctx, audioPath, wavPath); err != nil {
		return "", AsTranscriptionError(w.Name(), err)
	}
	outPrefix := filepath.Join(tmpDir, "out")

	args := []string{
		"-m", w.modelPath,
		"-f", wavPath,
		"-l", w.language,
		"-otxt",
		"-of", outPrefix,
		"-nt",
		"-t", strconv.Itoa(w.threads),
	}
	cmd := exec.CommandContext(ctx, w.cliPath, args...)
	cmd.Stdout = io.Discard
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return "", AsTranscriptionError(w.Name(), ctxErr)
		}
		detail := strings.TrimSpace(stderr.String())
		// whisper.cpp is chatty; keep the tail.
		if len(detail) > 8<<10 {
			detail = strings.TrimSpace(detail[len(detail)-(8<<10):])
		}
		if detail == "" {
			detail = err.Error()
		}
		return "", &apperr.TranscriptionError{Provider: w.Name(), Err: fmt.Errorf("whisper.cpp failed: %s", detail)}
	}

	b, err := os.ReadFile(outPrefix + ".txt")
	if err != nil {
		return "", AsTranscriptionError(w.Name(), err)
	}
	text := strings.TrimSpace(string(b))
	if text == "" {
		return "", &apperr.TranscriptionError{Provider: w.Name(), Err: errEmptyTranscript}
	}
	return text, nil
}
