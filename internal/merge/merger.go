// Package merge turns a session's chunk set into one MP3 artifact.
package merge

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"lukechampine.com/blake3"

	"github.com/ent0n29/scribe/internal/apperr"
	"github.com/ent0n29/scribe/internal/audio"
	"github.com/ent0n29/scribe/internal/chunks"
	"github.com/ent0n29/scribe/internal/observability"
)

// ChunkSource is the part of the chunk store the merger consumes.
type ChunkSource interface {
	List(ctx context.Context, sessionID string) ([]chunks.Chunk, error)
	Remove(ctx context.Context, sessionID string, consumed []chunks.Chunk) error
}

// Artifact is a published merged recording.
type Artifact struct {
	SessionID string       `json:"session_id"`
	Path      string       `json:"-"`
	Size      int64        `json:"size"`
	Digest    string       `json:"digest"`
	Chunks    int          `json:"chunks"`
	Format    audio.Format `json:"source_format"`
}

// CommitFunc records a published artifact. Returning an error withdraws the
// artifact and leaves the chunks in place.
type CommitFunc func(Artifact) error

type Merger struct {
	source   ChunkSource
	audioDir string
	concat   audio.Concatenator
	convert  audio.Converter
	logger   zerolog.Logger
	metrics  *observability.Metrics
	locks    *keyedMutex
}

func New(source ChunkSource, audioDir string, concat audio.Concatenator, convert audio.Converter, logger zerolog.Logger, metrics *observability.Metrics) (*Merger, error) {
	if err := os.MkdirAll(audioDir, 0o755); err != nil {
		return nil, fmt.Errorf("create audio dir: %w", err)
	}
	if concat == nil {
		concat = audio.ByteConcatenator{}
	}
	return &Merger{
		source:   source,
		audioDir: audioDir,
		concat:   concat,
		convert:  convert,
		logger:   logger.With().Str("component", "merger").Logger(),
		metrics:  metrics,
		locks:    newKeyedMutex(),
	}, nil
}

// Finalize merges every stored chunk of sessionID into one artifact and
// deletes the consumed chunks once commit succeeds. Calls for one session
// serialize; the loser of a race finds no chunks.
func (m *Merger) Finalize(ctx context.Context, sessionID string, commit CommitFunc) (Artifact, error) {
	unlock := m.locks.Lock(sessionID)
	defer unlock()

	start := time.Now()
	art, err := m.finalize(ctx, sessionID, commit)
	m.metrics.ObserveMerge(time.Since(start), apperr.Code(err))
	if err != nil {
		return Artifact{}, fmt.Errorf("finalize %s: %w", sessionID, err)
	}
	return art, nil
}

func (m *Merger) finalize(ctx context.Context, sessionID string, commit CommitFunc) (Artifact, error) {
	listed, err := m.source.List(ctx, sessionID)
	if err != nil {
		return Artifact{}, err
	}
	if len(listed) == 0 {
		return Artifact{}, apperr.ErrNoChunks
	}
	set := make([]chunks.Chunk, len(listed))
	copy(set, listed)
	chunks.SortBySeq(set)

	format := set[0].Format
	for _, c := range set[1:] {
		if c.Format != format {
			return Artifact{}, fmt.Errorf("%w: mixed chunk formats %s and %s", apperr.ErrMerge, format, c.Format)
		}
	}

	final := filepath.Join(m.audioDir, fmt.Sprintf("session_%s_%s.mp3", sessionID, uuid.NewString()))
	withdraw, err := m.publish(ctx, format, set, final)
	if err != nil {
		return Artifact{}, err
	}

	art := Artifact{SessionID: sessionID, Path: final, Chunks: len(set), Format: format}
	art.Size, art.Digest, err = digestFile(final)
	if err == nil && commit != nil {
		err = commit(art)
	}
	if err != nil {
		if werr := withdraw(); werr != nil {
			m.logger.Error().Err(werr).Str("session_id", sessionID).Str("artifact", final).Msg("withdraw artifact failed")
		}
		return Artifact{}, err
	}

	if err := m.source.Remove(ctx, sessionID, set); err != nil {
		m.logger.Warn().Err(err).Str("session_id", sessionID).Msg("chunk cleanup failed after merge")
	}
	m.logger.Info().
		Str("session_id", sessionID).
		Int("chunks", len(set)).
		Str("format", string(format)).
		Int64("bytes", art.Size).
		Msg("artifact published")
	return art, nil
}

// publish writes the artifact at final and returns how to take it back.
func (m *Merger) publish(ctx context.Context, format audio.Format, set []chunks.Chunk, final string) (func() error, error) {
	removeFinal := func() error {
		if err := os.Remove(final); err != nil && !errors.Is(err, os.ErrNotExist) {
			return err
		}
		return nil
	}
	part := final + ".part"

	switch {
	case format == audio.FormatMP3 && len(set) == 1:
		// A hard link publishes the bytes untouched while the chunk itself
		// stays listed until commit succeeds and Remove runs.
		src := set[0].Path
		if err := os.Link(src, final); err == nil {
			return removeFinal, nil
		}
		// Different filesystem or no link support: copy instead.
		if err := audio.AppendFiles(ctx, part, []string{src}); err != nil {
			return nil, fmt.Errorf("%w: %w", apperr.ErrMerge, err)
		}

	case format == audio.FormatMP3:
		if err := m.concat.Concat(ctx, chunkPaths(set), part); err != nil {
			_ = os.Remove(part)
			return nil, err
		}

	default:
		if m.convert == nil {
			return nil, fmt.Errorf("%w: no converter configured for %s chunks", apperr.ErrConversion, format)
		}
		stream := final + ".stream" + format.Ext()
		defer os.Remove(stream)
		if err := audio.AppendFiles(ctx, stream, chunkPaths(set)); err != nil {
			return nil, fmt.Errorf("%w: %w", apperr.ErrMerge, err)
		}
		if err := m.convert.Convert(ctx, stream, part); err != nil {
			_ = os.Remove(part)
			return nil, err
		}
	}

	if err := os.Rename(part, final); err != nil {
		_ = os.Remove(part)
		return nil, fmt.Errorf("%w: publish artifact: %w", apperr.ErrStorage, err)
	}
	return removeFinal, nil
}

func chunkPaths(set []chunks.Chunk) []string {
	paths := make([]string, len(set))
	for i, c := range set {
		paths[i] = c.Path
	}
	return paths
}

func digestFile(path string) (int64, string, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, "", fmt.Errorf("%w: open artifact: %w", apperr.ErrStorage, err)
	}
	defer f.Close()
	h := blake3.New(32, nil)
	n, err := io.Copy(h, f)
	if err != nil {
		return 0, "", fmt.Errorf("%w: read artifact: %w", apperr.ErrStorage, err)
	}
	return n, hex.EncodeToString(h.Sum(nil)), nil
}
