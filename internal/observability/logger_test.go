package observability

import (
	"bytes"
	"encoding/json"
	"testing"
)

func TestNewLoggerLevelAndFields(t *testing.T) {
	var buf bytes.Buffer
	logger := newLogger(&buf, "warn", false)

	logger.Info().Msg("hidden")
	if buf.Len() != 0 {
		t.Fatalf("info line written at warn level: %q", buf.String())
	}

	logger.Warn().Str("session_id", "s1").Msg("visible")
	var line map[string]any
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("decode log line: %v", err)
	}
	if line["session_id"] != "s1" || line["service"] != "scribe" || line["message"] != "visible" {
		t.Fatalf("unexpected log line: %+v", line)
	}
}

func TestNewLoggerUnknownLevelDefaultsToInfo(t *testing.T) {
	var buf bytes.Buffer
	logger := newLogger(&buf, "chatty", false)
	logger.Debug().Msg("hidden")
	logger.Info().Msg("shown")
	if bytes.Count(buf.Bytes(), []byte("\n")) != 1 {
		t.Fatalf("expected exactly one line, got %q", buf.String())
	}
}
