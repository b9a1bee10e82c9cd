package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config contains all runtime settings for the scribe service.
type Config struct {
	BindAddr         string
	ShutdownTimeout  time.Duration
	MetricsNamespace string
	AllowAnyOrigin   bool

	LogLevel  string
	LogPretty bool

	DataDir       string
	MaxChunkBytes int64

	DatabaseURL string
	SQLitePath  string

	TranscriptionProvider  string
	TranscriptionModel     string
	TranscriptionHTTPURL   string
	TranscriptionTimeout   time.Duration
	TranscriptionWorkers   int
	TranscriptionQueueSize int

	OpenAIAPIKey  string
	OpenAIBaseURL string

	LocalWhisperCLI       string
	LocalWhisperModelPath string
	LocalWhisperLanguage  string

	TitleProvider string
	TitleModel    string
	TitleMaxChars int

	TranscriptRetention time.Duration
	ReaperInterval      time.Duration

	MergeBackend string
	FFmpegPath   string
	FFprobePath  string

	DeleteInFlightPolicy string
}

// Load reads environment variables (after an optional .env file) and applies
// safe defaults.
func Load() (Config, error) {
	// A missing .env is the normal case in containers.
	_ = godotenv.Load()

	cfg := Config{
		BindAddr:              envOrDefault("APP_BIND_ADDR", ":8080"),
		MetricsNamespace:      envOrDefault("APP_METRICS_NAMESPACE", "scribe"),
		AllowAnyOrigin:        false,
		LogLevel:              envOrDefault("LOG_LEVEL", "info"),
		DataDir:               envOrDefault("DATA_DIR", "/var/lib/scribe"),
		MaxChunkBytes:         50 << 20,
		DatabaseURL:           stringsTrimSpace("DATABASE_URL"),
		SQLitePath:            stringsTrimSpace("SQLITE_PATH"),
		TranscriptionProvider: envOrDefault("TRANSCRIPTION_PROVIDER", "auto"),
		TranscriptionModel:    envOrDefault("TRANSCRIPTION_MODEL", "whisper-1"),
		TranscriptionHTTPURL:  stringsTrimSpace("TRANSCRIPTION_HTTP_URL"),
		OpenAIAPIKey:          stringsTrimSpace("OPENAI_API_KEY"),
		OpenAIBaseURL:         stringsTrimSpace("OPENAI_BASE_URL"),
		LocalWhisperCLI:       envOrDefault("LOCAL_WHISPER_CLI", "whisper-cli"),
		LocalWhisperModelPath: envOrDefault("LOCAL_WHISPER_MODEL_PATH", ".models/whisper/ggml-base.bin"),
		LocalWhisperLanguage:  envOrDefault("LOCAL_WHISPER_LANGUAGE", "en"),
		TitleProvider:         envOrDefault("TITLE_PROVIDER", "auto"),
		TitleModel:            envOrDefault("TITLE_MODEL", "gpt-4o-mini"),
		TitleMaxChars:         22,
		MergeBackend:          envOrDefault("MERGE_BACKEND", "ffmpeg"),
		FFmpegPath:            envOrDefault("FFMPEG_PATH", "ffmpeg"),
		FFprobePath:           envOrDefault("FFPROBE_PATH", "ffprobe"),
		DeleteInFlightPolicy:  envOrDefault("DELETE_IN_FLIGHT_POLICY", "cancel"),

		ShutdownTimeout:        15 * time.Second,
		TranscriptionTimeout:   5 * time.Minute,
		TranscriptionWorkers:   4,
		TranscriptionQueueSize: 64,
		TranscriptRetention:    24 * time.Hour,
		ReaperInterval:         time.Hour,
	}

	var err error
	cfg.ShutdownTimeout, err = durationFromEnv("APP_SHUTDOWN_TIMEOUT", cfg.ShutdownTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.AllowAnyOrigin, err = boolFromEnv("APP_ALLOW_ANY_ORIGIN", cfg.AllowAnyOrigin)
	if err != nil {
		return Config{}, err
	}
	cfg.LogPretty, err = boolFromEnv("LOG_PRETTY", cfg.LogPretty)
	if err != nil {
		return Config{}, err
	}
	maxChunk, err := intFromEnv("MAX_CHUNK_BYTES", int(cfg.MaxChunkBytes))
	if err != nil {
		return Config{}, err
	}
	cfg.MaxChunkBytes = int64(maxChunk)
	cfg.TranscriptionTimeout, err = durationFromEnv("TRANSCRIPTION_TIMEOUT", cfg.TranscriptionTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.TranscriptionWorkers, err = intFromEnv("TRANSCRIPTION_WORKERS", cfg.TranscriptionWorkers)
	if err != nil {
		return Config{}, err
	}
	cfg.TranscriptionQueueSize, err = intFromEnv("TRANSCRIPTION_QUEUE_SIZE", cfg.TranscriptionQueueSize)
	if err != nil {
		return Config{}, err
	}
	cfg.TitleMaxChars, err = intFromEnv("TITLE_MAX_CHARS", cfg.TitleMaxChars)
	if err != nil {
		return Config{}, err
	}
	cfg.TranscriptRetention, err = durationFromEnv("TRANSCRIPT_RETENTION", cfg.TranscriptRetention)
	if err != nil {
		return Config{}, err
	}
	cfg.ReaperInterval, err = durationFromEnv("REAPER_INTERVAL", cfg.ReaperInterval)
	if err != nil {
		return Config{}, err
	}

	cfg.TranscriptionProvider = strings.ToLower(strings.TrimSpace(cfg.TranscriptionProvider))
	cfg.TitleProvider = strings.ToLower(strings.TrimSpace(cfg.TitleProvider))
	cfg.MergeBackend = strings.ToLower(strings.TrimSpace(cfg.MergeBackend))
	cfg.DeleteInFlightPolicy = strings.ToLower(strings.TrimSpace(cfg.DeleteInFlightPolicy))

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	if strings.TrimSpace(c.DataDir) == "" {
		return fmt.Errorf("DATA_DIR must not be empty")
	}
	if c.MaxChunkBytes <= 0 {
		return fmt.Errorf("MAX_CHUNK_BYTES must be positive")
	}
	if c.TranscriptRetention <= 0 {
		return fmt.Errorf("TRANSCRIPT_RETENTION must be positive")
	}
	if c.ReaperInterval < time.Second {
		return fmt.Errorf("REAPER_INTERVAL must be at least 1s")
	}
	if c.TranscriptionTimeout <= 0 {
		return fmt.Errorf("TRANSCRIPTION_TIMEOUT must be positive")
	}
	if c.TranscriptionWorkers <= 0 {
		return fmt.Errorf("TRANSCRIPTION_WORKERS must be positive")
	}
	if c.TranscriptionQueueSize <= 0 {
		return fmt.Errorf("TRANSCRIPTION_QUEUE_SIZE must be positive")
	}
	// Storage columns hold at most 22 characters for generated titles.
	if c.TitleMaxChars < 1 || c.TitleMaxChars > 22 {
		return fmt.Errorf("TITLE_MAX_CHARS must be between 1 and 22")
	}
	switch c.TranscriptionProvider {
	case "auto", "openai", "whisper-cli", "http", "mock":
	default:
		return fmt.Errorf("invalid TRANSCRIPTION_PROVIDER: %q (expected auto|openai|whisper-cli|http|mock)", c.TranscriptionProvider)
	}
	if c.TranscriptionProvider == "openai" && c.OpenAIAPIKey == "" {
		return fmt.Errorf("TRANSCRIPTION_PROVIDER=openai but OPENAI_API_KEY is not set")
	}
	if c.TranscriptionProvider == "http" && c.TranscriptionHTTPURL == "" {
		return fmt.Errorf("TRANSCRIPTION_PROVIDER=http but TRANSCRIPTION_HTTP_URL is not set")
	}
	switch c.TitleProvider {
	case "auto", "openai", "none":
	default:
		return fmt.Errorf("invalid TITLE_PROVIDER: %q (expected auto|openai|none)", c.TitleProvider)
	}
	switch c.MergeBackend {
	case "ffmpeg", "bytes":
	default:
		return fmt.Errorf("invalid MERGE_BACKEND: %q (expected ffmpeg|bytes)", c.MergeBackend)
	}
	switch c.DeleteInFlightPolicy {
	case "cancel", "complete":
	default:
		return fmt.Errorf("invalid DELETE_IN_FLIGHT_POLICY: %q (expected cancel|complete)", c.DeleteInFlightPolicy)
	}
	return nil
}

func envOrDefault(key, fallback string) string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v
}

func stringsTrimSpace(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

func durationFromEnv(key string, fallback time.Duration) (time.Duration, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return d, nil
}

func intFromEnv(key string, fallback int) (int, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return n, nil
}

func boolFromEnv(key string, fallback bool) (bool, error) {
	v := strings.ToLower(stringsTrimSpace(key))
	if v == "" {
		return fallback, nil
	}
	switch v {
	case "1", "true", "t", "yes", "y", "on":
		return true, nil
	case "0", "false", "f", "no", "n", "off":
		return false, nil
	default:
		return false, fmt.Errorf("%s parse error: expected bool", key)
	}
}
