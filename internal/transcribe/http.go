package transcribe

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/ent0n29/scribe/internal/apperr"
)

// HTTP posts the artifact as multipart field "file" to a compatible
// endpoint. The reply may be JSON ({"text": ...}) or plain text.
type HTTP struct {
	url    string
	client *http.Client
}

func NewHTTP(url string) *HTTP {
	return &HTTP{
		url: strings.TrimSpace(url),
		client: &http.Client{
			// The job context bounds each call.
			Timeout: 0,
		},
	}
}

func (h *HTTP) Name() string { return "http" }

func (h *HTTP) Transcribe(ctx context.Context, audioPath string) (string, error) {
	f, err := os.Open(audioPath)
	if err != nil {
		return "", AsTranscriptionError(h.Name(), err)
	}
	defer f.Close()

	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)
	go func() {
		part, err := mw.CreateFormFile("file", filepath.Base(audioPath))
		if err == nil {
			_, err = io.Copy(part, f)
		}
		if err == nil {
			err = mw.Close()
		}
		pw.CloseWithError(err)
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.url, pr)
	if err != nil {
		pr.CloseWithError(err)
		return "", AsTranscriptionError(h.Name(), fmt.Errorf("create request: %w", err))
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	start := time.Now()
	res, err := h.client.Do(req)
	if err != nil {
		pr.CloseWithError(err)
		return "", AsTranscriptionError(h.Name(), fmt.Errorf("send request after %s: %w", time.Since(start).Round(time.Millisecond), err))
	}
	defer res.Body.Close()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 4<<10))
		return "", httpStatusError(h.Name(), res.StatusCode, strings.TrimSpace(string(body)))
	}

	body, err := io.ReadAll(io.LimitReader(res.Body, 16<<20))
	if err != nil {
		return "", AsTranscriptionError(h.Name(), fmt.Errorf("read response: %w", err))
	}
	text := strings.TrimSpace(string(body))
	var obj map[string]any
	if err := json.Unmarshal(body, &obj); err == nil {
		text = strings.TrimSpace(extractText(obj))
	}
	if text == "" {
		return "", &apperr.TranscriptionError{Provider: h.Name(), Err: errEmptyTranscript}
	}
	return text, nil
}

func extractText(obj map[string]any) string {
	for _, k := range []string{"text", "transcript", "transcription", "output"} {
		if v, ok := obj[k]; ok {
			if s, ok := v.(string); ok {
				return s
			}
		}
	}
	return ""
}
