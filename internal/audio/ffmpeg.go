package audio

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/ent0n29/scribe/internal/apperr"
)

// FFmpeg shells out to ffmpeg/ffprobe for container-level work.
type FFmpeg struct {
	Path      string
	ProbePath string
}

func NewFFmpeg(path, probePath string) *FFmpeg {
	if strings.TrimSpace(path) == "" {
		path = "ffmpeg"
	}
	if strings.TrimSpace(probePath) == "" {
		probePath = "ffprobe"
	}
	return &FFmpeg{Path: path, ProbePath: probePath}
}

// Available reports whether the ffmpeg binary can be found.
func (f *FFmpeg) Available() bool {
	_, err := exec.LookPath(f.Path)
	return err == nil
}

// Convert re-encodes a recorder stream into 44.1 kHz stereo 192k MP3.
func (f *FFmpeg) Convert(ctx context.Context, in, out string) error {
	args := []string{
		"-hide_banner", "-loglevel", "error", "-y",
		"-i", in,
		"-vn", "-ar", "44100", "-ac", "2", "-b:a", "192k",
		"-f", "mp3", out,
	}
	if err := f.run(ctx, f.Path, args, io.Discard); err != nil {
		_ = os.Remove(out)
		return fmt.Errorf("%w: %w", apperr.ErrConversion, err)
	}
	return nil
}

// ConvertToWAV16k produces the 16 kHz mono PCM WAV whisper.cpp expects.
func (f *FFmpeg) ConvertToWAV16k(ctx context.Context, in, out string) error {
	args := []string{
		"-hide_banner", "-loglevel", "error", "-y",
		"-i", in,
		"-vn", "-ar", "16000", "-ac", "1", "-c:a", "pcm_s16le",
		out,
	}
	if err := f.run(ctx, f.Path, args, io.Discard); err != nil {
		_ = os.Remove(out)
		return fmt.Errorf("%w: %w", apperr.ErrConversion, err)
	}
	return nil
}

// Concat joins inputs with the concat demuxer and stream copy, so no chunk is
// re-encoded. Inputs must share codec, sample rate and channel layout.
func (f *FFmpeg) Concat(ctx context.Context, inputs []string, out string) error {
	if len(inputs) == 0 {
		return fmt.Errorf("%w: no inputs", apperr.ErrMerge)
	}
	if err := f.checkHomogeneous(ctx, inputs); err != nil {
		return err
	}

	listPath := out + ".list"
	if err := os.WriteFile(listPath, []byte(concatList(inputs)), 0o644); err != nil {
		return fmt.Errorf("%w: write concat list: %w", apperr.ErrMerge, err)
	}
	defer os.Remove(listPath)

	args := []string{
		"-hide_banner", "-loglevel", "error", "-y",
		"-f", "concat", "-safe", "0",
		"-i", listPath,
		"-c", "copy",
		"-f", "mp3", out,
	}
	if err := f.run(ctx, f.Path, args, io.Discard); err != nil {
		_ = os.Remove(out)
		return fmt.Errorf("%w: %w", apperr.ErrMerge, err)
	}
	return nil
}

// StreamInfo describes the first audio stream of a file.
type StreamInfo struct {
	Codec      string
	SampleRate int
	Channels   int
}

// Probe reads the first audio stream's encoding parameters.
func (f *FFmpeg) Probe(ctx context.Context, path string) (StreamInfo, error) {
	var stdout bytes.Buffer
	args := []string{
		"-v", "error",
		"-select_streams", "a:0",
		"-show_entries", "stream=codec_name,sample_rate,channels",
		"-of", "json",
		path,
	}
	if err := f.run(ctx, f.ProbePath, args, &stdout); err != nil {
		return StreamInfo{}, err
	}
	return parseProbeOutput(stdout.Bytes())
}

func (f *FFmpeg) checkHomogeneous(ctx context.Context, inputs []string) error {
	var first StreamInfo
	for i, in := range inputs {
		info, err := f.Probe(ctx, in)
		if err != nil {
			return fmt.Errorf("%w: probe %s: %w", apperr.ErrMerge, filepath.Base(in), err)
		}
		if i == 0 {
			first = info
			continue
		}
		if info != first {
			return fmt.Errorf("%w: chunk %s encoded as %s/%dHz/%dch, first chunk %s/%dHz/%dch",
				apperr.ErrMerge, filepath.Base(in),
				info.Codec, info.SampleRate, info.Channels,
				first.Codec, first.SampleRate, first.Channels)
		}
	}
	return nil
}

func parseProbeOutput(b []byte) (StreamInfo, error) {
	var payload struct {
		Streams []struct {
			CodecName  string `json:"codec_name"`
			SampleRate string `json:"sample_rate"`
			Channels   int    `json:"channels"`
		} `json:"streams"`
	}
	if err := json.Unmarshal(b, &payload); err != nil {
		return StreamInfo{}, fmt.Errorf("decode ffprobe output: %w", err)
	}
	if len(payload.Streams) == 0 {
		return StreamInfo{}, errors.New("no audio stream")
	}
	s := payload.Streams[0]
	rate, err := strconv.Atoi(strings.TrimSpace(s.SampleRate))
	if err != nil {
		return StreamInfo{}, fmt.Errorf("sample_rate %q: %w", s.SampleRate, err)
	}
	return StreamInfo{Codec: s.CodecName, SampleRate: rate, Channels: s.Channels}, nil
}

// concatList renders the concat demuxer input list, escaping single quotes.
func concatList(inputs []string) string {
	var b strings.Builder
	for _, in := range inputs {
		abs, err := filepath.Abs(in)
		if err != nil {
			abs = in
		}
		b.WriteString("file '")
		b.WriteString(strings.ReplaceAll(abs, "'", `'\''`))
		b.WriteString("'\n")
	}
	return b.String()
}

func (f *FFmpeg) run(ctx context.Context, bin string, args []string, stdout io.Writer) error {
	cmd := exec.CommandContext(ctx, bin, args...)
	cmd.Stdout = stdout
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		detail := strings.TrimSpace(stderr.String())
		// ffmpeg can be chatty; keep errors readable.
		if len(detail) > 4<<10 {
			detail = strings.TrimSpace(detail[len(detail)-(4<<10):])
		}
		if detail == "" {
			detail = err.Error()
		}
		return fmt.Errorf("%s failed: %s", filepath.Base(bin), detail)
	}
	return nil
}
