package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	setCoreEnvEmpty(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.TranscriptRetention != 24*time.Hour {
		t.Fatalf("TranscriptRetention = %v, want 24h", cfg.TranscriptRetention)
	}
	if cfg.ReaperInterval != time.Hour {
		t.Fatalf("ReaperInterval = %v, want 1h", cfg.ReaperInterval)
	}
	if cfg.TitleMaxChars != 22 {
		t.Fatalf("TitleMaxChars = %d, want 22", cfg.TitleMaxChars)
	}
	if cfg.MaxChunkBytes != 50<<20 {
		t.Fatalf("MaxChunkBytes = %d, want %d", cfg.MaxChunkBytes, 50<<20)
	}
	if cfg.DeleteInFlightPolicy != "cancel" {
		t.Fatalf("DeleteInFlightPolicy = %q, want %q", cfg.DeleteInFlightPolicy, "cancel")
	}
	if cfg.TranscriptionProvider != "auto" {
		t.Fatalf("TranscriptionProvider = %q, want %q", cfg.TranscriptionProvider, "auto")
	}
}

func TestLoadOverrides(t *testing.T) {
	setCoreEnvEmpty(t)
	t.Setenv("TRANSCRIPT_RETENTION", "90m")
	t.Setenv("TITLE_MAX_CHARS", "20")
	t.Setenv("DELETE_IN_FLIGHT_POLICY", "Complete")
	t.Setenv("MERGE_BACKEND", "bytes")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.TranscriptRetention != 90*time.Minute {
		t.Fatalf("TranscriptRetention = %v, want 90m", cfg.TranscriptRetention)
	}
	if cfg.TitleMaxChars != 20 {
		t.Fatalf("TitleMaxChars = %d, want 20", cfg.TitleMaxChars)
	}
	if cfg.DeleteInFlightPolicy != "complete" {
		t.Fatalf("DeleteInFlightPolicy = %q, want %q", cfg.DeleteInFlightPolicy, "complete")
	}
	if cfg.MergeBackend != "bytes" {
		t.Fatalf("MergeBackend = %q, want %q", cfg.MergeBackend, "bytes")
	}
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	cases := []struct {
		key   string
		value string
	}{
		{"TITLE_MAX_CHARS", "40"},
		{"TRANSCRIPT_RETENTION", "-1h"},
		{"REAPER_INTERVAL", "10ms"},
		{"TRANSCRIPTION_WORKERS", "0"},
		{"TRANSCRIPTION_PROVIDER", "carrier-pigeon"},
		{"TRANSCRIPTION_PROVIDER", "openai"},
		{"DELETE_IN_FLIGHT_POLICY", "ignore"},
		{"MERGE_BACKEND", "sox"},
		{"APP_ALLOW_ANY_ORIGIN", "maybe"},
	}
	for _, tc := range cases {
		setCoreEnvEmpty(t)
		t.Setenv(tc.key, tc.value)
		if _, err := Load(); err == nil {
			t.Fatalf("Load() with %s=%q expected error", tc.key, tc.value)
		}
	}
}

func setCoreEnvEmpty(t *testing.T) {
	t.Helper()
	keys := []string{
		"APP_BIND_ADDR",
		"APP_SHUTDOWN_TIMEOUT",
		"APP_METRICS_NAMESPACE",
		"APP_ALLOW_ANY_ORIGIN",
		"LOG_LEVEL",
		"LOG_PRETTY",
		"DATA_DIR",
		"MAX_CHUNK_BYTES",
		"DATABASE_URL",
		"SQLITE_PATH",
		"TRANSCRIPTION_PROVIDER",
		"TRANSCRIPTION_MODEL",
		"TRANSCRIPTION_HTTP_URL",
		"TRANSCRIPTION_TIMEOUT",
		"TRANSCRIPTION_WORKERS",
		"TRANSCRIPTION_QUEUE_SIZE",
		"OPENAI_API_KEY",
		"OPENAI_BASE_URL",
		"LOCAL_WHISPER_CLI",
		"LOCAL_WHISPER_MODEL_PATH",
		"LOCAL_WHISPER_LANGUAGE",
		"TITLE_PROVIDER",
		"TITLE_MODEL",
		"TITLE_MAX_CHARS",
		"TRANSCRIPT_RETENTION",
		"REAPER_INTERVAL",
		"MERGE_BACKEND",
		"FFMPEG_PATH",
		"FFPROBE_PATH",
		"DELETE_IN_FLIGHT_POLICY",
	}
	for _, key := range keys {
		t.Setenv(key, "")
	}
}
