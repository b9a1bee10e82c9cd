package audio

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/ent0n29/scribe/internal/apperr"
)

// Concatenator joins same-format audio files, in the given order, into out.
type Concatenator interface {
	Concat(ctx context.Context, inputs []string, out string) error
}

// Converter transcodes one file into the target format.
type Converter interface {
	Convert(ctx context.Context, in, out string) error
}

// ByteConcatenator appends files byte for byte. MP3 is a sequence of
// self-describing frames, so joining whole files yields a playable stream
// without spawning ffmpeg.
type ByteConcatenator struct{}

func (ByteConcatenator) Concat(ctx context.Context, inputs []string, out string) error {
	if err := AppendFiles(ctx, out, inputs); err != nil {
		return fmt.Errorf("%w: %w", apperr.ErrMerge, err)
	}
	return nil
}

// AppendFiles writes every input, in order, into a new file at out. The file
// is synced before returning; on error out is removed.
func AppendFiles(ctx context.Context, out string, inputs []string) error {
	f, err := os.OpenFile(out, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	copyErr := appendAll(ctx, f, inputs)
	if copyErr == nil {
		copyErr = f.Sync()
	}
	closeErr := f.Close()
	if copyErr != nil {
		_ = os.Remove(out)
		return copyErr
	}
	if closeErr != nil {
		_ = os.Remove(out)
		return closeErr
	}
	return nil
}

func appendAll(ctx context.Context, dst io.Writer, inputs []string) error {
	for _, in := range inputs {
		if err := ctx.Err(); err != nil {
			return err
		}
		src, err := os.Open(in)
		if err != nil {
			return err
		}
		_, err = io.Copy(dst, src)
		src.Close()
		if err != nil {
			return fmt.Errorf("append %s: %w", in, err)
		}
	}
	return nil
}
