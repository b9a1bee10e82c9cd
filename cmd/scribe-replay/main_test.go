package main

import (
	"bytes"
	"testing"
)

func TestSplitChunksKeepsOrderAndBytes(t *testing.T) {
	data := []byte("abcdefghij")
	parts := splitChunks(data, 4)
	if len(parts) != 3 {
		t.Fatalf("len(parts) = %d, want 3", len(parts))
	}
	if got := bytes.Join(parts, nil); !bytes.Equal(got, data) {
		t.Fatalf("joined = %q, want %q", got, data)
	}
	if string(parts[2]) != "ij" {
		t.Fatalf("last part = %q, want %q", parts[2], "ij")
	}
	if splitChunks(nil, 4) != nil || splitChunks(data, 0) != nil {
		t.Fatalf("splitChunks should return nil for empty input or size")
	}
}

func TestWSURLForSession(t *testing.T) {
	cases := []struct {
		base    string
		want    string
		wantErr bool
	}{
		{"http://127.0.0.1:8080", "ws://127.0.0.1:8080/api/sessions/s1/transcription/ws", false},
		{"https://scribe.example/prefix/", "wss://scribe.example/prefix/api/sessions/s1/transcription/ws", false},
		{"ftp://scribe.example", "", true},
		{"http://", "", true},
	}
	for _, tc := range cases {
		got, err := wsURLForSession(tc.base, "s1")
		if tc.wantErr {
			if err == nil {
				t.Fatalf("wsURLForSession(%q) expected error", tc.base)
			}
			continue
		}
		if err != nil {
			t.Fatalf("wsURLForSession(%q) error = %v", tc.base, err)
		}
		if got != tc.want {
			t.Fatalf("wsURLForSession(%q) = %q, want %q", tc.base, got, tc.want)
		}
	}
}
