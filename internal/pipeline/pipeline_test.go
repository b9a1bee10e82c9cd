package pipeline

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/ent0n29/scribe/internal/apperr"
	"github.com/ent0n29/scribe/internal/audio"
	"github.com/ent0n29/scribe/internal/chunks"
	"github.com/ent0n29/scribe/internal/jobs"
	"github.com/ent0n29/scribe/internal/merge"
	"github.com/ent0n29/scribe/internal/session"
	"github.com/ent0n29/scribe/internal/transcribe"
)

// flakyClient fails until healed.
type flakyClient struct {
	healed atomic.Bool
}

func (f *flakyClient) Name() string { return "flaky" }

func (f *flakyClient) Transcribe(context.Context, string) (string, error) {
	if !f.healed.Load() {
		return "", &apperr.TranscriptionError{Provider: "flaky", Retryable: true, Err: errors.New("503")}
	}
	return "second time lucky", nil
}

type harness struct {
	p        *Pipeline
	store    session.Store
	chunks   *chunks.Store
	registry *jobs.Registry
	pool     *jobs.Pool
	audioDir string
}

func newHarness(t *testing.T, client transcribe.Client, policy DeletePolicy, start bool) *harness {
	t.Helper()
	root := t.TempDir()
	store := session.NewInMemoryStore()
	chunkStore, err := chunks.NewStore(filepath.Join(root, "chunks"), 1<<20)
	if err != nil {
		t.Fatalf("chunks.NewStore() error = %v", err)
	}
	audioDir := filepath.Join(root, "audio")
	merger, err := merge.New(chunkStore, audioDir, audio.ByteConcatenator{}, nil, zerolog.Nop(), nil)
	if err != nil {
		t.Fatalf("merge.New() error = %v", err)
	}
	registry := jobs.NewRegistry()
	runner := jobs.NewRunner(jobs.RunnerConfig{Retention: time.Hour}, store, client, nil, registry, zerolog.Nop(), nil)
	pool := jobs.NewPool(runner, 2, 8, zerolog.Nop(), nil)
	if start {
		pool.Start(context.Background())
		t.Cleanup(pool.Stop)
	}
	return &harness{
		p:        New(store, chunkStore, merger, pool, registry, policy, zerolog.Nop(), nil),
		store:    store,
		chunks:   chunkStore,
		registry: registry,
		pool:     pool,
		audioDir: audioDir,
	}
}

func waitForState(t *testing.T, h *harness, id string, want jobs.State) jobs.Entry {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if e := h.registry.Get(id); e.State == want {
			return e
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for state %q, have %+v", want, h.registry.Get(id))
	return jobs.Entry{}
}

func TestUploadFinalizeTranscribe(t *testing.T) {
	h := newHarness(t, &transcribe.Mock{Text: "hello world"}, DeleteCancel, true)
	ctx := context.Background()

	sess, err := h.p.CreateSession(ctx, "")
	if err != nil {
		t.Fatalf("CreateSession() error = %v", err)
	}
	for _, part := range []string{"A", "B", "C"} {
		if _, err := h.p.UploadChunk(ctx, sess.ID, strings.NewReader(part), "part.mp3"); err != nil {
			t.Fatalf("UploadChunk() error = %v", err)
		}
	}

	res, err := h.p.Finalize(ctx, sess.ID)
	if err != nil {
		t.Fatalf("Finalize() error = %v", err)
	}
	if !res.Queued || res.Artifact.Chunks != 3 {
		t.Fatalf("unexpected finalize result: %+v", res)
	}
	waitForState(t, h, sess.ID, jobs.StateDone)

	got, _ := h.p.GetSession(ctx, sess.ID)
	if got.TranscriptionText != "hello world" || got.AudioFilePath != "" || got.TranscriptionExpiresAt == nil {
		t.Fatalf("unexpected session after transcription: %+v", got)
	}
	left, _ := h.chunks.List(ctx, sess.ID)
	if len(left) != 0 {
		t.Fatalf("chunks left: %d", len(left))
	}
	entries, _ := os.ReadDir(h.audioDir)
	if len(entries) != 0 {
		t.Fatalf("audio dir has %d entries after transcription", len(entries))
	}
}

func TestUploadRequiresSession(t *testing.T) {
	h := newHarness(t, &transcribe.Mock{}, DeleteCancel, false)
	_, err := h.p.UploadChunk(context.Background(), "missing", strings.NewReader("x"), "a.mp3")
	if !errors.Is(err, apperr.ErrNotFound) {
		t.Fatalf("UploadChunk() error = %v, want ErrNotFound", err)
	}
}

func TestFinalizeWithoutChunksLeavesSession(t *testing.T) {
	h := newHarness(t, &transcribe.Mock{}, DeleteCancel, false)
	ctx := context.Background()
	sess, _ := h.p.CreateSession(ctx, "")

	if _, err := h.p.Finalize(ctx, sess.ID); !errors.Is(err, apperr.ErrNoChunks) {
		t.Fatalf("Finalize() error = %v, want ErrNoChunks", err)
	}
	got, _ := h.p.GetSession(ctx, sess.ID)
	if got.AudioFilePath != "" {
		t.Fatalf("AudioFilePath = %q, want empty", got.AudioFilePath)
	}
}

func TestFinalizeRefusesSecondArtifact(t *testing.T) {
	h := newHarness(t, &transcribe.Mock{}, DeleteCancel, false)
	ctx := context.Background()
	sess, _ := h.p.CreateSession(ctx, "")

	if _, err := h.p.UploadAudio(ctx, sess.ID, strings.NewReader("take one"), "take.mp3"); err != nil {
		t.Fatalf("UploadAudio() error = %v", err)
	}
	if _, err := h.p.UploadChunk(ctx, sess.ID, strings.NewReader("more"), "more.mp3"); err != nil {
		t.Fatalf("UploadChunk() error = %v", err)
	}
	if _, err := h.p.Finalize(ctx, sess.ID); !errors.Is(err, apperr.ErrArtifactExists) {
		t.Fatalf("Finalize() error = %v, want ErrArtifactExists", err)
	}
	left, _ := h.chunks.List(ctx, sess.ID)
	if len(left) != 1 {
		t.Fatalf("late chunk lost: %d chunks left", len(left))
	}
}

func TestTranscribeRetryAfterFailure(t *testing.T) {
	client := &flakyClient{}
	h := newHarness(t, client, DeleteCancel, true)
	ctx := context.Background()
	sess, _ := h.p.CreateSession(ctx, "")

	if _, err := h.p.UploadAudio(ctx, sess.ID, strings.NewReader("audio"), "a.mp3"); err != nil {
		t.Fatalf("UploadAudio() error = %v", err)
	}
	e := waitForState(t, h, sess.ID, jobs.StateError)
	if e.Code != "transcription_failed" || !e.Retryable {
		t.Fatalf("error entry = %+v", e)
	}
	st, err := h.p.Status(ctx, sess.ID)
	if err != nil || !st.HasAudio || st.HasTranscript {
		t.Fatalf("Status() = %+v, %v", st, err)
	}

	client.healed.Store(true)
	if err := h.p.Transcribe(ctx, sess.ID); err != nil {
		t.Fatalf("Transcribe() error = %v", err)
	}
	waitForState(t, h, sess.ID, jobs.StateDone)
	got, _ := h.p.GetSession(ctx, sess.ID)
	if got.TranscriptionText != "second time lucky" {
		t.Fatalf("TranscriptionText = %q", got.TranscriptionText)
	}
}

func TestStatusFallsBackToSessionRecord(t *testing.T) {
	h := newHarness(t, &transcribe.Mock{}, DeleteCancel, false)
	ctx := context.Background()
	sess, _ := h.p.CreateSession(ctx, "")
	_ = h.store.CompleteTranscription(ctx, sess.ID, session.Completion{Text: "from before restart", ExpiresAt: time.Now().Add(time.Hour)})

	st, err := h.p.Status(ctx, sess.ID)
	if err != nil {
		t.Fatalf("Status() error = %v", err)
	}
	if st.State != jobs.StateDone || !st.HasTranscript {
		t.Fatalf("Status() = %+v, want done from session record", st)
	}

	other, _ := h.p.CreateSession(ctx, "")
	st, _ = h.p.Status(ctx, other.ID)
	if st.State != jobs.StateUnknown {
		t.Fatalf("Status() = %+v, want unknown", st)
	}
}

func TestDeleteCancelsInFlightJob(t *testing.T) {
	client := &transcribe.Mock{Delay: 10 * time.Second}
	h := newHarness(t, client, DeleteCancel, true)
	ctx := context.Background()
	sess, _ := h.p.CreateSession(ctx, "")

	res, err := h.p.UploadAudio(ctx, sess.ID, strings.NewReader("audio"), "a.mp3")
	if err != nil {
		t.Fatalf("UploadAudio() error = %v", err)
	}
	deadline := time.Now().Add(3 * time.Second)
	for client.Calls() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}

	if err := h.p.DeleteSession(ctx, sess.ID); err != nil {
		t.Fatalf("DeleteSession() error = %v", err)
	}
	if _, err := h.p.GetSession(ctx, sess.ID); !errors.Is(err, apperr.ErrNotFound) {
		t.Fatalf("GetSession() after delete error = %v", err)
	}
	if _, err := os.Stat(res.Artifact.Path); !os.IsNotExist(err) {
		t.Fatalf("artifact survived delete, stat err = %v", err)
	}
	if e := h.registry.Get(sess.ID); e.State != jobs.StateUnknown {
		t.Fatalf("registry entry survived delete: %+v", e)
	}
	if err := h.p.DeleteSession(ctx, sess.ID); !errors.Is(err, apperr.ErrNotFound) {
		t.Fatalf("second DeleteSession() error = %v, want ErrNotFound", err)
	}
}

func TestRenameValidatesLength(t *testing.T) {
	h := newHarness(t, &transcribe.Mock{}, DeleteCancel, false)
	ctx := context.Background()
	sess, _ := h.p.CreateSession(ctx, "")
	if _, err := h.p.RenameSession(ctx, sess.ID, strings.Repeat("x", 256)); !errors.Is(err, apperr.ErrInvalidInput) {
		t.Fatalf("RenameSession() error = %v, want ErrInvalidInput", err)
	}
	got, err := h.p.RenameSession(ctx, sess.ID, "Kickoff")
	if err != nil || got.Title != "Kickoff" {
		t.Fatalf("RenameSession() = %+v, %v", got, err)
	}
}

func TestFinalizeRefusedWhileTranscriptRetained(t *testing.T) {
	client := &flakyClient{}
	client.healed.Store(true)
	h := newHarness(t, client, DeleteCancel, true)
	ctx := context.Background()
	sess, _ := h.p.CreateSession(ctx, "")

	if _, err := h.p.UploadAudio(ctx, sess.ID, strings.NewReader("take one"), "a.mp3"); err != nil {
		t.Fatalf("UploadAudio() error = %v", err)
	}
	waitForState(t, h, sess.ID, jobs.StateDone)

	client.healed.Store(false)
	if _, err := h.p.UploadChunk(ctx, sess.ID, strings.NewReader("take two"), "b.mp3"); err != nil {
		t.Fatalf("UploadChunk() error = %v", err)
	}
	if _, err := h.p.Finalize(ctx, sess.ID); !errors.Is(err, apperr.ErrTranscriptExists) {
		t.Fatalf("Finalize() error = %v, want ErrTranscriptExists", err)
	}

	got, _ := h.p.GetSession(ctx, sess.ID)
	if got.AudioFilePath != "" || got.TranscriptionText != "second time lucky" {
		t.Fatalf("session holds audio %q next to transcript %q", got.AudioFilePath, got.TranscriptionText)
	}
	if entries, _ := os.ReadDir(h.audioDir); len(entries) != 0 {
		t.Fatalf("audio dir has %d entries, want none", len(entries))
	}
	if left, _ := h.chunks.List(ctx, sess.ID); len(left) != 1 {
		t.Fatalf("pending chunk lost: %d chunks left", len(left))
	}

	// Once the transcript expires the kept chunk can be finalized.
	if _, err := h.store.PurgeExpired(ctx, time.Now().Add(2*time.Hour)); err != nil {
		t.Fatalf("PurgeExpired() error = %v", err)
	}
	res, err := h.p.Finalize(ctx, sess.ID)
	if err != nil {
		t.Fatalf("Finalize() after purge error = %v", err)
	}
	if res.Artifact.Chunks != 1 {
		t.Fatalf("Artifact.Chunks = %d, want 1", res.Artifact.Chunks)
	}
}

func TestFinalizeRefusedWhileChunkStillUploading(t *testing.T) {
	h := newHarness(t, &transcribe.Mock{}, DeleteCancel, false)
	ctx := context.Background()
	sess, _ := h.p.CreateSession(ctx, "")

	pr, pw := io.Pipe()
	done := make(chan error, 1)
	go func() {
		_, err := h.p.UploadChunk(ctx, sess.ID, pr, "slow.mp3")
		done <- err
	}()
	if _, err := pw.Write([]byte("slow-")); err != nil {
		t.Fatalf("pipe Write() error = %v", err)
	}
	if _, err := h.p.UploadChunk(ctx, sess.ID, strings.NewReader("fast"), "fast.mp3"); err != nil {
		t.Fatalf("UploadChunk() error = %v", err)
	}

	_, err := h.p.Finalize(ctx, sess.ID)
	if !errors.Is(err, apperr.ErrUploadInProgress) || !apperr.Retryable(err) {
		t.Fatalf("Finalize() error = %v, want retryable ErrUploadInProgress", err)
	}

	_ = pw.Close()
	if err := <-done; err != nil {
		t.Fatalf("slow UploadChunk() error = %v", err)
	}
	res, err := h.p.Finalize(ctx, sess.ID)
	if err != nil {
		t.Fatalf("Finalize() error = %v", err)
	}
	got, _ := os.ReadFile(res.Artifact.Path)
	if string(got) != "slow-fast" {
		t.Fatalf("artifact = %q, want slow chunk first", got)
	}
}
