package audio

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/ent0n29/scribe/internal/apperr"
)

func TestFormatOf(t *testing.T) {
	cases := []struct {
		name string
		want Format
	}{
		{"chunk.mp3", FormatMP3},
		{"CHUNK.MP3", FormatMP3},
		{"blob.webm", FormatStream},
		{"recording.ogg", FormatStream},
		{"noext", FormatStream},
	}
	for _, tc := range cases {
		if got := FormatOf(tc.name); got != tc.want {
			t.Fatalf("FormatOf(%q) = %q, want %q", tc.name, got, tc.want)
		}
	}
	for _, f := range []Format{FormatMP3, FormatStream} {
		got, ok := ParseFormat(f.Ext())
		if !ok || got != f {
			t.Fatalf("ParseFormat(%q) = %q, %v", f.Ext(), got, ok)
		}
	}
	if _, ok := ParseFormat(".txt"); ok {
		t.Fatalf("ParseFormat(.txt) ok = true, want false")
	}
}

func TestByteConcatenatorPreservesOrder(t *testing.T) {
	dir := t.TempDir()
	var inputs []string
	for i, part := range []string{"alpha-", "beta-", "gamma"} {
		p := filepath.Join(dir, string(rune('a'+i))+".mp3")
		if err := os.WriteFile(p, []byte(part), 0o644); err != nil {
			t.Fatalf("write input: %v", err)
		}
		inputs = append(inputs, p)
	}
	out := filepath.Join(dir, "out.mp3")
	if err := (ByteConcatenator{}).Concat(context.Background(), inputs, out); err != nil {
		t.Fatalf("Concat() error = %v", err)
	}
	got, _ := os.ReadFile(out)
	if string(got) != "alpha-beta-gamma" {
		t.Fatalf("merged = %q, want %q", got, "alpha-beta-gamma")
	}
}

func TestByteConcatenatorMissingInputRemovesOutput(t *testing.T) {
	dir := t.TempDir()
	out := filepath.Join(dir, "out.mp3")
	err := (ByteConcatenator{}).Concat(context.Background(), []string{filepath.Join(dir, "missing.mp3")}, out)
	if !errors.Is(err, apperr.ErrMerge) {
		t.Fatalf("Concat() error = %v, want ErrMerge", err)
	}
	if _, statErr := os.Stat(out); !os.IsNotExist(statErr) {
		t.Fatalf("partial output left behind: %v", statErr)
	}
}

func TestConcatListEscapesQuotes(t *testing.T) {
	got := concatList([]string{"/data/it's.mp3", "/data/b.mp3"})
	want := "file '/data/it'\\''s.mp3'\nfile '/data/b.mp3'\n"
	if got != want {
		t.Fatalf("concatList() = %q, want %q", got, want)
	}
}

func TestParseProbeOutput(t *testing.T) {
	info, err := parseProbeOutput([]byte(`{"streams":[{"codec_name":"mp3","sample_rate":"44100","channels":2}]}`))
	if err != nil {
		t.Fatalf("parseProbeOutput() error = %v", err)
	}
	if info != (StreamInfo{Codec: "mp3", SampleRate: 44100, Channels: 2}) {
		t.Fatalf("info = %+v", info)
	}
	if _, err := parseProbeOutput([]byte(`{"streams":[]}`)); err == nil || !strings.Contains(err.Error(), "no audio stream") {
		t.Fatalf("parseProbeOutput(empty) error = %v", err)
	}
}

func TestFFmpegMissingBinaryIsConversionError(t *testing.T) {
	f := NewFFmpeg(filepath.Join(t.TempDir(), "no-ffmpeg"), "")
	if f.Available() {
		t.Fatalf("Available() = true for missing binary")
	}
	err := f.Convert(context.Background(), "in.webm", filepath.Join(t.TempDir(), "out.mp3"))
	if !errors.Is(err, apperr.ErrConversion) {
		t.Fatalf("Convert() error = %v, want ErrConversion", err)
	}
}
