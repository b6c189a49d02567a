package chat

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/tubechat/tubechat-backend/internal/storage/pg"
)

// fakeSummaryStore serves a single video with a cached transcript blob.
type fakeSummaryStore struct {
	*fakeChatStore
	video pg.Video
}

func (s *fakeSummaryStore) GetVideoByExternalID(ctx context.Context, externalID string) (pg.Video, error) {
	if externalID != s.video.ExternalID {
		return pg.Video{}, sql.ErrNoRows
	}
	return s.video, nil
}

type fakeBlobReader struct {
	data map[string][]byte
	err  error
}

func (f *fakeBlobReader) Read(container, path string) ([]byte, error) {
	if f.err != nil {
		return nil, f.err
	}
	data, ok := f.data[container+"/"+path]
	if !ok {
		return nil, errors.New("blob not found: " + path)
	}
	return data, nil
}

// memoCache is a real in-memory ContextCache for cache-hit assertions.
type memoCache struct {
	mu   sync.Mutex
	data map[string][]byte
	sets int
}

func newMemoCache() *memoCache {
	return &memoCache{data: make(map[string][]byte)}
}

func (c *memoCache) Get(ctx context.Context, key string) []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.data[key]
}

func (c *memoCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.data[key] = value
	c.sets++
}

func cachedVideo(externalID, title string) pg.Video {
	return pg.Video{
		ID:                 1,
		ExternalID:         externalID,
		Title:              title,
		TranscriptCached:   true,
		TranscriptBlobPath: sql.NullString{String: externalID + "/transcript.txt", Valid: true},
	}
}

func newTestSummarizer(store *fakeSummaryStore, blobs *fakeBlobReader, model *fakeCompleter, c ContextCache) *Summarizer {
	return NewSummarizer(store, blobs, model, c, testLogger())
}

func TestSummarizeGeneratesAndCaches(t *testing.T) {
	store := &fakeSummaryStore{fakeChatStore: newFakeChatStore(), video: cachedVideo("vid-1", "Docker Deep Dive")}
	blobs := &fakeBlobReader{data: map[string][]byte{
		"transcripts/vid-1/transcript.txt": []byte("[00:00] containers explained\n"),
	}}
	model := &fakeCompleter{deltas: []string{"The video covers containers at [00:00]."}}
	cache := newMemoCache()
	s := newTestSummarizer(store, blobs, model, cache)

	summary, err := s.Summarize(context.Background(), "vid-1")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(summary, "containers") {
		t.Errorf("summary = %q", summary)
	}
	if cache.sets != 1 {
		t.Errorf("cache writes = %d, want 1", cache.sets)
	}

	// Second call is served from cache without another model round trip.
	model.deltas = []string{"a different answer"}
	again, err := s.Summarize(context.Background(), "vid-1")
	if err != nil {
		t.Fatal(err)
	}
	if again != summary {
		t.Errorf("cached summary = %q, want %q", again, summary)
	}
	if cache.sets != 1 {
		t.Errorf("cache writes after hit = %d, want 1", cache.sets)
	}
}

func TestSummarizeUnknownVideo(t *testing.T) {
	store := &fakeSummaryStore{fakeChatStore: newFakeChatStore(), video: cachedVideo("vid-1", "t")}
	s := newTestSummarizer(store, &fakeBlobReader{}, &fakeCompleter{}, newMemoCache())

	if _, err := s.Summarize(context.Background(), "missing"); err == nil {
		t.Fatal("expected error for unknown video")
	}
}

func TestSummarizeRequiresCachedTranscript(t *testing.T) {
	video := pg.Video{ID: 1, ExternalID: "vid-1", Title: "t"}
	store := &fakeSummaryStore{fakeChatStore: newFakeChatStore(), video: video}
	s := newTestSummarizer(store, &fakeBlobReader{}, &fakeCompleter{}, newMemoCache())

	_, err := s.Summarize(context.Background(), "vid-1")
	if err == nil {
		t.Fatal("expected error for video without a transcript")
	}
	if !strings.Contains(err.Error(), "no cached transcript") {
		t.Errorf("error = %v", err)
	}
}

func TestSummarizeBlobReadFailure(t *testing.T) {
	store := &fakeSummaryStore{fakeChatStore: newFakeChatStore(), video: cachedVideo("vid-1", "t")}
	blobs := &fakeBlobReader{err: errors.New("disk gone")}
	cache := newMemoCache()
	s := newTestSummarizer(store, blobs, &fakeCompleter{}, cache)

	if _, err := s.Summarize(context.Background(), "vid-1"); err == nil {
		t.Fatal("expected blob read error to surface")
	}
	if cache.sets != 0 {
		t.Error("failed summary was cached")
	}
}

func TestSummarizeModelFailureNotCached(t *testing.T) {
	store := &fakeSummaryStore{fakeChatStore: newFakeChatStore(), video: cachedVideo("vid-1", "t")}
	blobs := &fakeBlobReader{data: map[string][]byte{
		"transcripts/vid-1/transcript.txt": []byte("[00:00] text\n"),
	}}
	model := &fakeCompleter{completeErr: errors.New("upstream 500")}
	cache := newMemoCache()
	s := newTestSummarizer(store, blobs, model, cache)

	if _, err := s.Summarize(context.Background(), "vid-1"); err == nil {
		t.Fatal("expected model error to surface")
	}
	if cache.sets != 0 {
		t.Error("failed summary was cached")
	}
}
