package audio

import (
	"path/filepath"
	"strings"
)

// Format tells the merger how a chunk has to be assembled.
type Format string

const (
	// FormatMP3 is the target container; chunks are usable as-is.
	FormatMP3 Format = "mp3"
	// FormatStream covers browser recorder output (webm/ogg). Only the first
	// fragment carries a header, so fragments are joined before conversion.
	FormatStream Format = "stream"
)

// FormatOf classifies a chunk by its original file name.
func FormatOf(name string) Format {
	if strings.EqualFold(filepath.Ext(strings.TrimSpace(name)), ".mp3") {
		return FormatMP3
	}
	return FormatStream
}

// Ext is the file extension chunks of this format are stored under.
func (f Format) Ext() string {
	if f == FormatMP3 {
		return ".mp3"
	}
	return ".webm"
}

// ParseFormat maps a stored extension back to its Format.
func ParseFormat(ext string) (Format, bool) {
	switch strings.ToLower(ext) {
	case ".mp3":
		return FormatMP3, true
	case ".webm":
		return FormatStream, true
	default:
		return "", false
	}
}
