package pipeline

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/tubechat/tubechat-backend/internal/lock"
	"github.com/tubechat/tubechat-backend/internal/logger"
	"github.com/tubechat/tubechat-backend/internal/storage/pg"
	"github.com/tubechat/tubechat-backend/internal/transcript"
)

func testLogger() *logger.Logger {
	level := slog.LevelError
	if testing.Verbose() {
		level = slog.LevelDebug
	}
	return logger.New(logger.Config{Level: level})
}

// fakeLocker grants leases from an in-memory set.
type fakeLocker struct {
	mu   sync.Mutex
	held map[string]bool
	deny bool
}

func newFakeLocker() *fakeLocker {
	return &fakeLocker{held: make(map[string]bool)}
}

func (l *fakeLocker) Acquire(ctx context.Context, resourceID string, ttl time.Duration) *lock.Lease {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.deny || l.held[resourceID] {
		return nil
	}
	l.held[resourceID] = true
	return &lock.Lease{ResourceID: resourceID, LockID: "test"}
}

func (l *fakeLocker) Release(ctx context.Context, lease *lock.Lease) {
	if lease == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.held, lease.ResourceID)
}

type fakeVideoStore struct {
	mu              sync.Mutex
	videos          map[string]pg.Video
	chunksByVideo   map[int64][]pg.ChunkParams
	processed       map[string]string // external id → blob path
	processingErrs  map[string]string
	durations       map[string]int
	nextID          int64
	replaceErr      error
}

func newFakeVideoStore() *fakeVideoStore {
	return &fakeVideoStore{
		videos:         make(map[string]pg.Video),
		chunksByVideo:  make(map[int64][]pg.ChunkParams),
		processed:      make(map[string]string),
		processingErrs: make(map[string]string),
		durations:      make(map[string]int),
	}
}

func (s *fakeVideoStore) GetVideoByExternalID(ctx context.Context, externalID string) (pg.Video, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	video, ok := s.videos[externalID]
	if !ok {
		return pg.Video{}, sql.ErrNoRows
	}
	return video, nil
}

func (s *fakeVideoStore) UpsertVideo(ctx context.Context, params pg.UpsertVideoParams) (pg.Video, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if video, ok := s.videos[params.ExternalID]; ok {
		return video, nil
	}
	s.nextID++
	video := pg.Video{ID: s.nextID, ExternalID: params.ExternalID}
	s.videos[params.ExternalID] = video
	return video, nil
}

func (s *fakeVideoStore) ReplaceVideoChunks(ctx context.Context, videoID int64, chunks []pg.ChunkParams) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.replaceErr != nil {
		return s.replaceErr
	}
	s.chunksByVideo[videoID] = chunks
	return nil
}

func (s *fakeVideoStore) MarkVideoProcessed(ctx context.Context, externalID, blobPath string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.processed[externalID] = blobPath
	return nil
}

func (s *fakeVideoStore) SetVideoProcessingError(ctx context.Context, externalID, message string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.processingErrs[externalID] = message
	return nil
}

func (s *fakeVideoStore) SetVideoDuration(ctx context.Context, externalID string, seconds int, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.durations[externalID] = seconds
	return nil
}

type fakeFetcher struct {
	segments []transcript.Segment
	err      error
}

func (f *fakeFetcher) Fetch(ctx context.Context, videoID string) ([]transcript.Segment, error) {
	return f.segments, f.err
}

type fakeEmbedder struct{}

func (fakeEmbedder) Embed(ctx context.Context, texts []string) [][]float64 {
	vectors := make([][]float64, len(texts))
	for i := range vectors {
		vectors[i] = []float64{1, 0}
	}
	return vectors
}

type fakeBlobWriter struct {
	mu    sync.Mutex
	blobs map[string][]byte
	err   error
}

func newFakeBlobWriter() *fakeBlobWriter {
	return &fakeBlobWriter{blobs: make(map[string][]byte)}
}

func (w *fakeBlobWriter) Write(container, path string, data []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.err != nil {
		return w.err
	}
	w.blobs[container+"/"+path] = data
	return nil
}

type publishedEvent struct {
	subject string
	payload interface{}
}

type fakePublisher struct {
	mu     sync.Mutex
	events []publishedEvent
}

func (p *fakePublisher) Publish(subject string, payload interface{}) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, publishedEvent{subject: subject, payload: payload})
}

func testSegments() []transcript.Segment {
	return []transcript.Segment{
		{StartSeconds: 0, EndSeconds: 5, Text: "welcome to the channel."},
		{StartSeconds: 5, EndSeconds: 12, Text: "today we cover docker networking."},
		{StartSeconds: 12, EndSeconds: 20, Text: "thanks for watching."},
	}
}

func newVideoPipeline(store *fakeVideoStore, locks *fakeLocker, fetcher *fakeFetcher,
	blobs *fakeBlobWriter, events *fakePublisher) *VideoPipeline {
	return NewVideoPipeline(store, locks, fetcher, fakeEmbedder{}, blobs, events,
		10*time.Minute, testLogger())
}

func TestVideoProcess(t *testing.T) {
	store := newFakeVideoStore()
	blobs := newFakeBlobWriter()
	events := &fakePublisher{}
	p := newVideoPipeline(store, newFakeLocker(), &fakeFetcher{segments: testSegments()}, blobs, events)

	if err := p.Process(context.Background(), "vid-1"); err != nil {
		t.Fatal(err)
	}

	if _, ok := blobs.blobs["transcripts/vid-1/transcript.txt"]; !ok {
		t.Error("transcript blob not written")
	}
	if path := store.processed["vid-1"]; path != "vid-1/transcript.txt" {
		t.Errorf("processed blob path = %q", path)
	}
	if store.durations["vid-1"] != 20 {
		t.Errorf("duration = %d, want last segment end 20", store.durations["vid-1"])
	}

	video := store.videos["vid-1"]
	chunks := store.chunksByVideo[video.ID]
	if len(chunks) == 0 {
		t.Fatal("no chunks stored")
	}
	for i, c := range chunks {
		if c.ChunkIndex != i {
			t.Errorf("chunk %d has index %d", i, c.ChunkIndex)
		}
		if c.Embedding == nil {
			t.Errorf("chunk %d has no embedding", i)
		}
	}

	events.mu.Lock()
	defer events.mu.Unlock()
	if len(events.events) != 1 || events.events[0].subject != "tubechat.video.processed" {
		t.Errorf("published events = %+v", events.events)
	}
}

func TestVideoProcessAlreadyLocked(t *testing.T) {
	store := newFakeVideoStore()
	locks := newFakeLocker()
	locks.held["video-vid-1"] = true
	p := newVideoPipeline(store, locks, &fakeFetcher{segments: testSegments()}, newFakeBlobWriter(), nil)

	err := p.Process(context.Background(), "vid-1")
	if !errors.Is(err, ErrAlreadyLocked) {
		t.Errorf("err = %v, want ErrAlreadyLocked", err)
	}
	// Contention is a skip, not a processing failure.
	if msg := store.processingErrs["vid-1"]; msg != "" {
		t.Errorf("contention recorded a processing error: %q", msg)
	}
}

func TestVideoProcessReleasesLock(t *testing.T) {
	locks := newFakeLocker()
	p := newVideoPipeline(newFakeVideoStore(), locks, &fakeFetcher{segments: testSegments()}, newFakeBlobWriter(), nil)

	if err := p.Process(context.Background(), "vid-1"); err != nil {
		t.Fatal(err)
	}

	locks.mu.Lock()
	defer locks.mu.Unlock()
	if locks.held["video-vid-1"] {
		t.Error("lock still held after processing")
	}
}

func TestVideoProcessNoCaptions(t *testing.T) {
	store := newFakeVideoStore()
	fetcher := &fakeFetcher{err: &transcript.Error{
		Kind:    transcript.KindNoTranscript,
		VideoID: "vid-1",
		Err:     errors.New("captions absent or disabled"),
	}}
	p := newVideoPipeline(store, newFakeLocker(), fetcher, newFakeBlobWriter(), nil)

	err := p.Process(context.Background(), "vid-1")
	if transcript.KindOf(err) != transcript.KindNoTranscript {
		t.Errorf("error kind = %q", transcript.KindOf(err))
	}
	if store.processingErrs["vid-1"] == "" {
		t.Error("failure not recorded on the video row")
	}
	if _, processed := store.processed["vid-1"]; processed {
		t.Error("video marked processed despite missing captions")
	}
}

func TestVideoProcessEmptyTranscript(t *testing.T) {
	store := newFakeVideoStore()
	p := newVideoPipeline(store, newFakeLocker(), &fakeFetcher{segments: nil}, newFakeBlobWriter(), nil)

	err := p.Process(context.Background(), "vid-1")
	if transcript.KindOf(err) != transcript.KindNoTranscript {
		t.Errorf("error kind = %q, want no_transcript", transcript.KindOf(err))
	}
}

func TestVideoProcessChunkReplaceFailure(t *testing.T) {
	store := newFakeVideoStore()
	store.replaceErr = errors.New("deadlock detected")
	p := newVideoPipeline(store, newFakeLocker(), &fakeFetcher{segments: testSegments()}, newFakeBlobWriter(), nil)

	err := p.Process(context.Background(), "vid-1")
	if err == nil {
		t.Fatal("expected error")
	}
	if !strings.Contains(store.processingErrs["vid-1"], "deadlock") {
		t.Errorf("recorded error = %q", store.processingErrs["vid-1"])
	}
}
