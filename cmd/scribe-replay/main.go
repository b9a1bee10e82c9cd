// Command scribe-replay replays a recording against a running scribe server
// the way a browser recorder would: fixed-size chunks, then finalize, then
// wait on the status websocket for the transcript.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gorilla/websocket"
)

type options struct {
	baseURL    string
	file       string
	title      string
	chunkBytes int
	pace       time.Duration
	timeout    time.Duration
	keep       bool
	verbose    bool
}

type sessionResponse struct {
	SessionID         string `json:"session_id"`
	Title             string `json:"session_title"`
	TranscriptionText string `json:"transcription_text"`
}

type statusEnvelope struct {
	State         string `json:"state"`
	Code          string `json:"code,omitempty"`
	Detail        string `json:"detail,omitempty"`
	Retryable     bool   `json:"retryable,omitempty"`
	HasTranscript bool   `json:"has_transcript"`
}

type apiError struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

func main() {
	cfg, err := parseFlags()
	if err != nil {
		fmt.Fprintf(os.Stderr, "scribe-replay: %v\n", err)
		os.Exit(2)
	}
	if err := run(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "scribe-replay: %v\n", err)
		os.Exit(1)
	}
}

func parseFlags() (options, error) {
	var cfg options
	var chunkKB int
	var paceMS int

	flag.StringVar(&cfg.baseURL, "base-url", "http://127.0.0.1:8080", "scribe base URL")
	flag.StringVar(&cfg.file, "file", "", "recording to replay (.mp3 or recorder output such as .webm)")
	flag.StringVar(&cfg.title, "title", "", "optional session title")
	flag.IntVar(&chunkKB, "chunk-kb", 64, "chunk size in KiB")
	flag.IntVar(&paceMS, "pace-ms", 0, "delay between chunk uploads in milliseconds")
	flag.DurationVar(&cfg.timeout, "timeout", 10*time.Minute, "overall timeout")
	flag.BoolVar(&cfg.keep, "keep", true, "keep the session after printing the transcript")
	flag.BoolVar(&cfg.verbose, "verbose", true, "print replay progress")
	flag.Parse()

	cfg.baseURL = strings.TrimRight(strings.TrimSpace(cfg.baseURL), "/")
	if cfg.baseURL == "" {
		return options{}, fmt.Errorf("base-url is required")
	}
	if strings.TrimSpace(cfg.file) == "" {
		return options{}, fmt.Errorf("file is required")
	}
	if chunkKB <= 0 {
		return options{}, fmt.Errorf("chunk-kb must be > 0")
	}
	if paceMS < 0 {
		paceMS = 0
	}
	cfg.chunkBytes = chunkKB << 10
	cfg.pace = time.Duration(paceMS) * time.Millisecond
	return cfg, nil
}

func run(cfg options) error {
	ctx, cancel := context.WithTimeout(context.Background(), cfg.timeout)
	defer cancel()

	data, err := os.ReadFile(cfg.file)
	if err != nil {
		return fmt.Errorf("read recording: %w", err)
	}
	parts := splitChunks(data, cfg.chunkBytes)
	if len(parts) == 0 {
		return fmt.Errorf("recording %s is empty", cfg.file)
	}

	httpClient := &http.Client{Timeout: 2 * time.Minute}
	sessionID, err := createSession(ctx, httpClient, cfg.baseURL, cfg.title)
	if err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	if !cfg.keep {
		defer func() {
			_ = deleteSession(context.Background(), httpClient, cfg.baseURL, sessionID)
		}()
	}
	if cfg.verbose {
		fmt.Printf("scribe-replay: session=%s chunks=%d bytes=%d\n", sessionID, len(parts), len(data))
	}

	ext := filepath.Ext(cfg.file)
	start := time.Now()
	for i, part := range parts {
		name := fmt.Sprintf("chunk-%04d%s", i, ext)
		if err := uploadChunk(ctx, httpClient, cfg.baseURL, sessionID, name, part); err != nil {
			return fmt.Errorf("upload chunk %d: %w", i, err)
		}
		if cfg.pace > 0 && i < len(parts)-1 {
			time.Sleep(cfg.pace)
		}
	}
	uploaded := time.Since(start)

	// Watch before finalizing so the pending transition is not missed.
	wsURL, err := wsURLForSession(cfg.baseURL, sessionID)
	if err != nil {
		return fmt.Errorf("build ws URL: %w", err)
	}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return fmt.Errorf("open websocket: %w", err)
	}
	defer conn.Close()

	if err := postEmpty(ctx, httpClient, cfg.baseURL+"/api/sessions/"+url.PathEscape(sessionID)+"/finalize", http.StatusAccepted); err != nil {
		return fmt.Errorf("finalize: %w", err)
	}
	merged := time.Since(start)

	final, err := awaitTerminal(ctx, conn, cfg.verbose)
	if err != nil {
		return fmt.Errorf("await transcription: %w", err)
	}
	if final.State != "done" {
		return fmt.Errorf("transcription ended in %s (code=%s retryable=%v): %s", final.State, final.Code, final.Retryable, final.Detail)
	}

	sess, err := getSession(ctx, httpClient, cfg.baseURL, sessionID)
	if err != nil {
		return fmt.Errorf("fetch transcript: %w", err)
	}
	if cfg.verbose {
		fmt.Printf("scribe-replay: upload=%s finalize=%s total=%s title=%q\n",
			uploaded.Round(time.Millisecond), merged.Round(time.Millisecond), time.Since(start).Round(time.Millisecond), sess.Title)
	}
	fmt.Println(sess.TranscriptionText)
	return nil
}

// splitChunks cuts data into pieces of at most size bytes, in order.
func splitChunks(data []byte, size int) [][]byte {
	if size <= 0 || len(data) == 0 {
		return nil
	}
	out := make([][]byte, 0, (len(data)+size-1)/size)
	for off := 0; off < len(data); off += size {
		end := min(off+size, len(data))
		out = append(out, data[off:end])
	}
	return out
}

func createSession(ctx context.Context, client *http.Client, baseURL, title string) (string, error) {
	payload, err := json.Marshal(map[string]string{"session_title": title})
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL+"/api/sessions", bytes.NewReader(payload))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	var out sessionResponse
	if err := doJSON(client, req, http.StatusCreated, &out); err != nil {
		return "", err
	}
	if strings.TrimSpace(out.SessionID) == "" {
		return "", fmt.Errorf("missing session_id in response")
	}
	return out.SessionID, nil
}

func uploadChunk(ctx context.Context, client *http.Client, baseURL, sessionID, name string, data []byte) error {
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	fw, err := mw.CreateFormFile("file", name)
	if err != nil {
		return err
	}
	if _, err := fw.Write(data); err != nil {
		return err
	}
	if err := mw.Close(); err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL+"/api/sessions/"+url.PathEscape(sessionID)+"/chunks", &body)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return doJSON(client, req, http.StatusCreated, nil)
}

func getSession(ctx context.Context, client *http.Client, baseURL, sessionID string) (sessionResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+"/api/sessions/"+url.PathEscape(sessionID), nil)
	if err != nil {
		return sessionResponse{}, err
	}
	var out sessionResponse
	err = doJSON(client, req, http.StatusOK, &out)
	return out, err
}

func deleteSession(ctx context.Context, client *http.Client, baseURL, sessionID string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, baseURL+"/api/sessions/"+url.PathEscape(sessionID), nil)
	if err != nil {
		return err
	}
	return doJSON(client, req, http.StatusNoContent, nil)
}

func postEmpty(ctx context.Context, client *http.Client, target string, want int) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, nil)
	if err != nil {
		return err
	}
	return doJSON(client, req, want, nil)
}

func doJSON(client *http.Client, req *http.Request, want int, out any) error {
	res, err := client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	body, err := io.ReadAll(io.LimitReader(res.Body, 16<<20))
	if err != nil {
		return err
	}
	if res.StatusCode != want {
		var apiErr apiError
		if json.Unmarshal(body, &apiErr) == nil && apiErr.Code != "" {
			return fmt.Errorf("HTTP %d %s: %s", res.StatusCode, apiErr.Code, apiErr.Error)
		}
		return fmt.Errorf("HTTP %d: %s", res.StatusCode, strings.TrimSpace(string(body)))
	}
	if out == nil || len(body) == 0 {
		return nil
	}
	return json.Unmarshal(body, out)
}

func wsURLForSession(baseURL, sessionID string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(baseURL))
	if err != nil {
		return "", err
	}
	switch strings.ToLower(u.Scheme) {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported base-url scheme %q", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return "", fmt.Errorf("base-url host is required")
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/api/sessions/" + url.PathEscape(sessionID) + "/transcription/ws"
	return u.String(), nil
}

// awaitTerminal reads status pushes until done or error.
func awaitTerminal(ctx context.Context, conn *websocket.Conn, verbose bool) (statusEnvelope, error) {
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetReadDeadline(deadline)
	}
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return statusEnvelope{}, err
		}
		var st statusEnvelope
		if err := json.Unmarshal(data, &st); err != nil {
			continue
		}
		if verbose {
			fmt.Printf("scribe-replay: status=%s\n", st.State)
		}
		if st.State == "done" || st.State == "error" {
			return st, nil
		}
	}
}
