package chunks

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/ent0n29/scribe/internal/apperr"
	"github.com/ent0n29/scribe/internal/audio"
)

func newTestStore(t *testing.T, maxBytes int64) *Store {
	t.Helper()
	st, err := NewStore(t.TempDir(), maxBytes)
	if err != nil {
		t.Fatalf("NewStore() error = %v", err)
	}
	return st
}

func TestPutAssignsIncreasingSequence(t *testing.T) {
	st := newTestStore(t, 1024)
	ctx := context.Background()

	var seqs []uint64
	for i := 0; i < 3; i++ {
		c, err := st.Put(ctx, "s1", strings.NewReader(fmt.Sprintf("part-%d", i)), "blob")
		if err != nil {
			t.Fatalf("Put() error = %v", err)
		}
		if c.Format != audio.FormatStream {
			t.Fatalf("Format = %q, want %q", c.Format, audio.FormatStream)
		}
		if len(c.Digest) != 64 {
			t.Fatalf("Digest = %q, want 64 hex chars", c.Digest)
		}
		seqs = append(seqs, c.Seq)
	}
	for i := 1; i < len(seqs); i++ {
		if seqs[i] <= seqs[i-1] {
			t.Fatalf("sequence not increasing: %v", seqs)
		}
	}
}

func TestListOrdersNumericallyNotLexically(t *testing.T) {
	st := newTestStore(t, 1024)
	ctx := context.Background()
	dir := filepath.Join(st.root, "s1")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatalf("MkdirAll() error = %v", err)
	}
	// Unpadded names would sort 10 before 9 lexically.
	for _, name := range []string{"10.webm", "9.webm", "100.webm", ".incoming-x", "notes.txt"} {
		if err := os.WriteFile(filepath.Join(dir, name), []byte(name), 0o644); err != nil {
			t.Fatalf("WriteFile() error = %v", err)
		}
	}

	got, err := st.List(ctx, "s1")
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	want := []uint64{9, 10, 100}
	if len(got) != len(want) {
		t.Fatalf("List() len = %d, want %d (%+v)", len(got), len(want), got)
	}
	for i := range want {
		if got[i].Seq != want[i] {
			t.Fatalf("List()[%d].Seq = %d, want %d", i, got[i].Seq, want[i])
		}
	}

	// The counter resumes after the highest sequence already on disk.
	c, err := st.Put(ctx, "s1", strings.NewReader("next"), "blob")
	if err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	if c.Seq != 101 {
		t.Fatalf("Seq = %d, want 101", c.Seq)
	}
}

func TestPutConcurrentUploadsAreAllKept(t *testing.T) {
	st := newTestStore(t, 1024)
	ctx := context.Background()

	const n = 32
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if _, err := st.Put(ctx, "s1", strings.NewReader(fmt.Sprintf("chunk-%02d", i)), "a.mp3"); err != nil {
				errs <- err
			}
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("Put() error = %v", err)
	}

	got, err := st.List(ctx, "s1")
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(got) != n {
		t.Fatalf("List() len = %d, want %d", len(got), n)
	}
	seen := map[uint64]bool{}
	for _, c := range got {
		if seen[c.Seq] {
			t.Fatalf("duplicate sequence %d", c.Seq)
		}
		seen[c.Seq] = true
	}
}

func TestPutRejectsBadInput(t *testing.T) {
	st := newTestStore(t, 8)
	ctx := context.Background()

	if _, err := st.Put(ctx, "s1", bytes.NewReader(make([]byte, 9)), "a.mp3"); !errors.Is(err, ErrChunkTooLarge) {
		t.Fatalf("Put(oversized) error = %v, want ErrChunkTooLarge", err)
	}
	if _, err := st.Put(ctx, "s1", strings.NewReader(""), "a.mp3"); !errors.Is(err, apperr.ErrInvalidInput) {
		t.Fatalf("Put(empty) error = %v, want ErrInvalidInput", err)
	}
	if _, err := st.Put(ctx, "../escape", strings.NewReader("x"), "a.mp3"); !errors.Is(err, apperr.ErrInvalidInput) {
		t.Fatalf("Put(bad id) error = %v, want ErrInvalidInput", err)
	}

	got, err := st.List(ctx, "s1")
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("rejected chunks were kept: %+v", got)
	}
	entries, _ := os.ReadDir(filepath.Join(st.root, "s1"))
	if len(entries) != 0 {
		t.Fatalf("temp files left behind: %d entries", len(entries))
	}
}

func TestRemoveKeepsChunksThatArrivedLater(t *testing.T) {
	st := newTestStore(t, 1024)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if _, err := st.Put(ctx, "s1", strings.NewReader("early"), "a.mp3"); err != nil {
			t.Fatalf("Put() error = %v", err)
		}
	}
	consumed, _ := st.List(ctx, "s1")
	late, err := st.Put(ctx, "s1", strings.NewReader("late"), "a.mp3")
	if err != nil {
		t.Fatalf("Put() error = %v", err)
	}

	if err := st.Remove(ctx, "s1", consumed); err != nil {
		t.Fatalf("Remove() error = %v", err)
	}
	left, _ := st.List(ctx, "s1")
	if len(left) != 1 || left[0].Seq != late.Seq {
		t.Fatalf("List() after Remove = %+v, want only seq %d", left, late.Seq)
	}

	if err := st.Remove(ctx, "s1", left); err != nil {
		t.Fatalf("Remove() error = %v", err)
	}
	if _, err := os.Stat(filepath.Join(st.root, "s1")); !os.IsNotExist(err) {
		t.Fatalf("empty session dir should be removed, stat err = %v", err)
	}
	// Counter is forgotten with the directory.
	c, err := st.Put(ctx, "s1", strings.NewReader("fresh"), "a.mp3")
	if err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	if c.Seq != 1 {
		t.Fatalf("Seq after reset = %d, want 1", c.Seq)
	}
}

func TestPurgeDropsEverything(t *testing.T) {
	st := newTestStore(t, 1024)
	ctx := context.Background()
	if _, err := st.Put(ctx, "s1", strings.NewReader("x"), "a.mp3"); err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	if err := st.Purge(ctx, "s1"); err != nil {
		t.Fatalf("Purge() error = %v", err)
	}
	got, err := st.List(ctx, "s1")
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("List() after Purge = %+v", got)
	}
}

func TestListWaitsForChunksStillBeingWritten(t *testing.T) {
	st := newTestStore(t, 1024)
	ctx := context.Background()

	pr, pw := io.Pipe()
	slow := make(chan Chunk, 1)
	go func() {
		c, err := st.Put(ctx, "s1", pr, "slow.mp3")
		if err != nil {
			t.Errorf("slow Put() error = %v", err)
		}
		slow <- c
	}()
	// Once the first write is consumed the slow chunk owns a sequence number.
	if _, err := pw.Write([]byte("first-")); err != nil {
		t.Fatalf("pipe Write() error = %v", err)
	}

	fast, err := st.Put(ctx, "s1", strings.NewReader("second"), "fast.mp3")
	if err != nil {
		t.Fatalf("fast Put() error = %v", err)
	}
	if _, err := st.List(ctx, "s1"); !errors.Is(err, apperr.ErrUploadInProgress) {
		t.Fatalf("List() during upload error = %v, want ErrUploadInProgress", err)
	}

	_, _ = pw.Write([]byte("half"))
	_ = pw.Close()
	first := <-slow
	if first.Seq >= fast.Seq {
		t.Fatalf("slow chunk seq %d should precede fast chunk seq %d", first.Seq, fast.Seq)
	}

	got, err := st.List(ctx, "s1")
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(got) != 2 || got[0].Seq != first.Seq || got[1].Seq != fast.Seq {
		t.Fatalf("List() = %+v, want slow then fast", got)
	}
	if len(st.uploading) != 0 {
		t.Fatalf("uploading = %v, want empty", st.uploading)
	}
}
