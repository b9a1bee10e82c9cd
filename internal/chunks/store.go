// Package chunks persists uploaded recording fragments on disk, one
// directory per session, ordered by an ingestion sequence number.
package chunks

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"

	"lukechampine.com/blake3"

	"github.com/ent0n29/scribe/internal/apperr"
	"github.com/ent0n29/scribe/internal/audio"
)

var (
	ErrChunkTooLarge = fmt.Errorf("%w: chunk exceeds size limit", apperr.ErrInvalidInput)
	ErrEmptyChunk    = fmt.Errorf("%w: empty chunk", apperr.ErrInvalidInput)
)

var sessionIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,128}$`)

const tempPrefix = ".incoming-"

// Chunk is one stored fragment. Seq is the only ordering key.
type Chunk struct {
	SessionID string       `json:"session_id"`
	Seq       uint64       `json:"seq"`
	Format    audio.Format `json:"format"`
	Path      string       `json:"-"`
	Size      int64        `json:"size"`
	// Digest is the BLAKE3 hex digest, known only for chunks returned by Put.
	Digest string `json:"digest,omitempty"`
}

// Store writes chunks atomically (temp file, fsync, rename) and hands out a
// per-session sequence number at arrival.
type Store struct {
	root     string
	maxBytes int64

	mu        sync.Mutex
	counters  map[string]uint64
	uploading map[string]int
}

func NewStore(root string, maxBytes int64) (*Store, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create chunk root: %w", err)
	}
	if maxBytes <= 0 {
		maxBytes = 50 << 20
	}
	return &Store{
		root:      root,
		maxBytes:  maxBytes,
		counters:  make(map[string]uint64),
		uploading: make(map[string]int),
	}, nil
}

// Put stores r as the next chunk of sessionID. originalName only selects the
// format; it never influences ordering.
func (s *Store) Put(ctx context.Context, sessionID string, r io.Reader, originalName string) (Chunk, error) {
	if !sessionIDPattern.MatchString(sessionID) {
		return Chunk{}, fmt.Errorf("%w: session id %q", apperr.ErrInvalidInput, sessionID)
	}
	format := audio.FormatOf(originalName)
	dir := s.sessionDir(sessionID)

	// The temp file keeps the directory non-empty until the rename, so
	// Remove never drops a counter while a chunk is in flight.
	s.mu.Lock()
	if err := os.MkdirAll(dir, 0o755); err != nil {
		s.mu.Unlock()
		return Chunk{}, fmt.Errorf("create chunk dir: %w: %w", apperr.ErrStorage, err)
	}
	tmp, err := os.CreateTemp(dir, tempPrefix+"*")
	if err != nil {
		s.mu.Unlock()
		return Chunk{}, fmt.Errorf("create chunk temp file: %w: %w", apperr.ErrStorage, err)
	}
	seq, err := s.nextSeqLocked(sessionID, dir)
	if err == nil {
		s.uploading[sessionID]++
	}
	s.mu.Unlock()
	tmpPath := tmp.Name()
	if err != nil {
		tmp.Close()
		_ = os.Remove(tmpPath)
		return Chunk{}, err
	}
	defer s.doneUploading(sessionID)

	h := blake3.New(32, nil)
	n, copyErr := io.Copy(io.MultiWriter(tmp, h), &ctxReader{ctx: ctx, r: io.LimitReader(r, s.maxBytes+1)})
	if copyErr == nil && n > s.maxBytes {
		copyErr = ErrChunkTooLarge
	}
	if copyErr == nil && n == 0 {
		copyErr = ErrEmptyChunk
	}
	if copyErr == nil {
		copyErr = tmp.Sync()
	}
	closeErr := tmp.Close()
	if copyErr != nil {
		_ = os.Remove(tmpPath)
		if errors.Is(copyErr, apperr.ErrInvalidInput) || errors.Is(copyErr, context.Canceled) || errors.Is(copyErr, context.DeadlineExceeded) {
			return Chunk{}, copyErr
		}
		return Chunk{}, fmt.Errorf("write chunk: %w: %w", apperr.ErrStorage, copyErr)
	}
	if closeErr != nil {
		_ = os.Remove(tmpPath)
		return Chunk{}, fmt.Errorf("close chunk: %w: %w", apperr.ErrStorage, closeErr)
	}

	final := filepath.Join(dir, chunkFileName(seq, format))
	if err := os.Rename(tmpPath, final); err != nil {
		_ = os.Remove(tmpPath)
		return Chunk{}, fmt.Errorf("publish chunk: %w: %w", apperr.ErrStorage, err)
	}

	return Chunk{
		SessionID: sessionID,
		Seq:       seq,
		Format:    format,
		Path:      final,
		Size:      n,
		Digest:    hex.EncodeToString(h.Sum(nil)),
	}, nil
}

// List returns the published chunks of sessionID sorted by sequence number.
// It fails with apperr.ErrUploadInProgress while a Put for the session is
// still writing: that chunk already owns a sequence number, and a listing
// without it could place later chunks ahead of it.
func (s *Store) List(_ context.Context, sessionID string) ([]Chunk, error) {
	if !sessionIDPattern.MatchString(sessionID) {
		return nil, fmt.Errorf("%w: session id %q", apperr.ErrInvalidInput, sessionID)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if n := s.uploading[sessionID]; n > 0 {
		return nil, fmt.Errorf("list chunks of %s: %d still writing: %w", sessionID, n, apperr.ErrUploadInProgress)
	}
	dir := s.sessionDir(sessionID)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("list chunks: %w: %w", apperr.ErrStorage, err)
	}

	out := make([]Chunk, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		seq, format, ok := parseChunkFileName(e.Name())
		if !ok {
			continue
		}
		info, err := e.Info()
		if err != nil {
			// Removed between ReadDir and Info.
			continue
		}
		out = append(out, Chunk{
			SessionID: sessionID,
			Seq:       seq,
			Format:    format,
			Path:      filepath.Join(dir, e.Name()),
			Size:      info.Size(),
		})
	}
	SortBySeq(out)
	return out, nil
}

// Remove deletes the given chunks of a session. When the session directory
// ends up empty it is removed together with its sequence counter.
func (s *Store) Remove(_ context.Context, sessionID string, consumed []Chunk) error {
	var errs []error
	for _, c := range consumed {
		if c.SessionID != sessionID {
			continue
		}
		if err := os.Remove(c.Path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			errs = append(errs, err)
		}
	}

	s.mu.Lock()
	if err := os.Remove(s.sessionDir(sessionID)); err == nil || errors.Is(err, fs.ErrNotExist) {
		delete(s.counters, sessionID)
	}
	s.mu.Unlock()

	if len(errs) > 0 {
		return fmt.Errorf("remove chunks: %w: %w", apperr.ErrStorage, errors.Join(errs...))
	}
	return nil
}

// Purge drops every chunk of a session, including in-flight temp files.
func (s *Store) Purge(_ context.Context, sessionID string) error {
	if !sessionIDPattern.MatchString(sessionID) {
		return fmt.Errorf("%w: session id %q", apperr.ErrInvalidInput, sessionID)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := os.RemoveAll(s.sessionDir(sessionID)); err != nil {
		return fmt.Errorf("purge chunks: %w: %w", apperr.ErrStorage, err)
	}
	delete(s.counters, sessionID)
	return nil
}

// SortBySeq orders chunks by ascending sequence number.
func SortBySeq(chunks []Chunk) {
	sort.Slice(chunks, func(i, j int) bool { return chunks[i].Seq < chunks[j].Seq })
}

func (s *Store) doneUploading(sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.uploading[sessionID] <= 1 {
		delete(s.uploading, sessionID)
		return
	}
	s.uploading[sessionID]--
}

func (s *Store) sessionDir(sessionID string) string {
	return filepath.Join(s.root, sessionID)
}

// nextSeqLocked seeds the counter from the highest sequence on disk the
// first time a session is seen, so a restart never reuses a number.
func (s *Store) nextSeqLocked(sessionID, dir string) (uint64, error) {
	cur, ok := s.counters[sessionID]
	if !ok {
		entries, err := os.ReadDir(dir)
		if err != nil && !errors.Is(err, fs.ErrNotExist) {
			return 0, fmt.Errorf("scan chunk dir: %w: %w", apperr.ErrStorage, err)
		}
		for _, e := range entries {
			if seq, _, ok := parseChunkFileName(e.Name()); ok && seq > cur {
				cur = seq
			}
		}
	}
	cur++
	s.counters[sessionID] = cur
	return cur, nil
}

func chunkFileName(seq uint64, format audio.Format) string {
	return fmt.Sprintf("%012d%s", seq, format.Ext())
}

func parseChunkFileName(name string) (uint64, audio.Format, bool) {
	if strings.HasPrefix(name, tempPrefix) {
		return 0, "", false
	}
	ext := filepath.Ext(name)
	format, ok := audio.ParseFormat(ext)
	if !ok {
		return 0, "", false
	}
	seq, err := strconv.ParseUint(strings.TrimSuffix(name, ext), 10, 64)
	if err != nil || seq == 0 {
		return 0, "", false
	}
	return seq, format, true
}

type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c *ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
