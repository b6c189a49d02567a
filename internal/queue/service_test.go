package queue

import (
	"context"
	"database/sql"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/tubechat/tubechat-backend/internal/logger"
	"github.com/tubechat/tubechat-backend/internal/storage/pg"
	"github.com/tubechat/tubechat-backend/internal/youtube"
)

func testLogger() *logger.Logger {
	level := slog.LevelError
	if testing.Verbose() {
		level = slog.LevelDebug
	}
	return logger.New(logger.Config{Level: level})
}

// memStore is an in-memory queue, channel, and video table.
type memStore struct {
	mu        sync.Mutex
	nextID    int64
	items     map[int64]pg.QueueItem
	channels  map[string]pg.Channel
	videos    map[string]pg.Video
	queuedIDs map[string]bool
}

func newMemStore() *memStore {
	return &memStore{
		items:     make(map[int64]pg.QueueItem),
		channels:  make(map[string]pg.Channel),
		videos:    make(map[string]pg.Video),
		queuedIDs: make(map[string]bool),
	}
}

func (s *memStore) CreateQueueItem(ctx context.Context, channelID int64, requestedBy, requestedEmail sql.NullString, priority string) (pg.QueueItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	item := pg.QueueItem{
		ID:             s.nextID,
		ChannelID:      channelID,
		RequestedBy:    requestedBy,
		RequestedEmail: requestedEmail,
		Status:         pg.QueueStatusPending,
		Priority:       priority,
	}
	s.items[item.ID] = item
	return item, nil
}

func (s *memStore) GetQueueItem(ctx context.Context, id int64) (pg.QueueItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	item, ok := s.items[id]
	if !ok {
		return pg.QueueItem{}, sql.ErrNoRows
	}
	return item, nil
}

func (s *memStore) GetActiveQueueItemForChannel(ctx context.Context, channelID int64) (pg.QueueItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, item := range s.items {
		if item.ChannelID == channelID &&
			(item.Status == pg.QueueStatusPending || item.Status == pg.QueueStatusProcessing) {
			return item, nil
		}
	}
	return pg.QueueItem{}, sql.ErrNoRows
}

func (s *memStore) GetLatestQueueItemForChannel(ctx context.Context, channelID int64) (pg.QueueItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var latest pg.QueueItem
	found := false
	for _, item := range s.items {
		if item.ChannelID == channelID && (!found || item.ID > latest.ID) {
			latest = item
			found = true
		}
	}
	if !found {
		return pg.QueueItem{}, sql.ErrNoRows
	}
	return latest, nil
}

func (s *memStore) ListPendingQueueItems(ctx context.Context, limit int) ([]pg.QueueItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var pending []pg.QueueItem
	for _, item := range s.items {
		if item.Status == pg.QueueStatusPending && len(pending) < limit {
			pending = append(pending, item)
		}
	}
	return pending, nil
}

func (s *memStore) ResetFailedQueueItems(ctx context.Context, limit, maxRetries int) (int64, error) {
	return 0, nil
}

func (s *memStore) DeleteCompletedQueueItemsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	return 0, nil
}

func (s *memStore) QueuePosition(ctx context.Context, id int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var pos int64 = 1
	for _, item := range s.items {
		if item.Status == pg.QueueStatusPending && item.ID < id {
			pos++
		}
	}
	return pos, nil
}

func (s *memStore) GetQueueStats(ctx context.Context) (pg.QueueStats, error) {
	return pg.QueueStats{}, nil
}

func (s *memStore) UpsertChannel(ctx context.Context, externalID, title string) (pg.Channel, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if channel, ok := s.channels[externalID]; ok {
		return channel, nil
	}
	s.nextID++
	channel := pg.Channel{ID: s.nextID, ExternalID: externalID, Title: title}
	s.channels[externalID] = channel
	return channel, nil
}

func (s *memStore) GetChannelByExternalID(ctx context.Context, externalID string) (pg.Channel, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	channel, ok := s.channels[externalID]
	if !ok {
		return pg.Channel{}, sql.ErrNoRows
	}
	return channel, nil
}

func (s *memStore) ListReadyChannels(ctx context.Context) ([]pg.Channel, error) {
	return nil, nil
}

func (s *memStore) NewestVideoPublishedAt(ctx context.Context, channelID int64) (time.Time, error) {
	return time.Time{}, sql.ErrNoRows
}

func (s *memStore) GetVideoByExternalID(ctx context.Context, externalID string) (pg.Video, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	video, ok := s.videos[externalID]
	if !ok {
		return pg.Video{}, sql.ErrNoRows
	}
	return video, nil
}

func (s *memStore) UpsertVideo(ctx context.Context, params pg.UpsertVideoParams) (pg.Video, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if video, ok := s.videos[params.ExternalID]; ok {
		return video, nil
	}
	s.nextID++
	video := pg.Video{ID: s.nextID, ExternalID: params.ExternalID, Title: params.Title}
	s.videos[params.ExternalID] = video
	return video, nil
}

func (s *memStore) SetVideoQueued(ctx context.Context, externalID string, queued bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queuedIDs[externalID] = queued
	return nil
}

func (s *memStore) ListQueuedUnprocessedVideos(ctx context.Context, limit int) ([]pg.Video, error) {
	return nil, nil
}

type fakeChannelProcessor struct {
	mu       sync.Mutex
	calls    []int64
	done     chan struct{}
	doneOnce sync.Once
}

func (f *fakeChannelProcessor) ProcessQueueItem(ctx context.Context, queueItemID int64) error {
	f.mu.Lock()
	f.calls = append(f.calls, queueItemID)
	f.mu.Unlock()
	if f.done != nil {
		f.doneOnce.Do(func() { close(f.done) })
	}
	return nil
}

type fakeVideoProcessor struct {
	mu       sync.Mutex
	calls    []string
	done     chan struct{}
	doneOnce sync.Once
}

func (f *fakeVideoProcessor) Process(ctx context.Context, videoExternalID string) error {
	f.mu.Lock()
	f.calls = append(f.calls, videoExternalID)
	f.mu.Unlock()
	if f.done != nil {
		f.doneOnce.Do(func() { close(f.done) })
	}
	return nil
}

type fakeMetadata struct{}

func (fakeMetadata) ListVideos(ctx context.Context, channelID string, limit int, publishedAfter time.Time) ([]youtube.VideoMeta, error) {
	return nil, nil
}

func newTestService(store *memStore) (*Service, *fakeChannelProcessor, *fakeVideoProcessor) {
	channels := &fakeChannelProcessor{}
	videos := &fakeVideoProcessor{}
	return NewService(store, channels, videos, fakeMetadata{}, 25, testLogger()), channels, videos
}

func TestEnqueueChannel(t *testing.T) {
	store := newMemStore()
	svc, _, _ := newTestService(store)

	result, err := svc.EnqueueChannel(context.Background(), "UC123", "u1", "u1@example.com", "")
	if err != nil {
		t.Fatal(err)
	}
	if !result.Success {
		t.Error("first enqueue reported failure")
	}
	if result.Item == nil {
		t.Fatal("no queue item returned")
	}
	if result.Item.Status != pg.QueueStatusPending {
		t.Errorf("status = %q, want pending", result.Item.Status)
	}
	if result.Item.Priority != pg.PriorityNormal {
		t.Errorf("priority = %q, want default normal", result.Item.Priority)
	}
	if !result.Item.RequestedEmail.Valid || result.Item.RequestedEmail.String != "u1@example.com" {
		t.Errorf("requested email = %+v", result.Item.RequestedEmail)
	}
	if result.Position == nil || *result.Position != 1 {
		t.Errorf("position = %v, want 1", result.Position)
	}
}

// Re-enqueueing a channel with active work returns the existing row instead
// of creating another.
func TestEnqueueChannelIdempotent(t *testing.T) {
	store := newMemStore()
	svc, _, _ := newTestService(store)
	ctx := context.Background()

	first, err := svc.EnqueueChannel(ctx, "UC123", "u1", "", "")
	if err != nil {
		t.Fatal(err)
	}

	second, err := svc.EnqueueChannel(ctx, "UC123", "u2", "", "")
	if err != nil {
		t.Fatal(err)
	}
	if second.Success {
		t.Error("duplicate enqueue reported success")
	}
	if second.Item == nil || second.Item.ID != first.Item.ID {
		t.Error("duplicate enqueue did not return the existing row")
	}

	store.mu.Lock()
	rows := len(store.items)
	store.mu.Unlock()
	if rows != 1 {
		t.Errorf("%d queue rows exist, want 1", rows)
	}
}

func TestEnqueueChannelHighPriorityDispatchesImmediately(t *testing.T) {
	store := newMemStore()
	channels := &fakeChannelProcessor{done: make(chan struct{})}
	svc := NewService(store, channels, &fakeVideoProcessor{}, fakeMetadata{}, 25, testLogger())

	result, err := svc.EnqueueChannel(context.Background(), "UC123", "u1", "", pg.PriorityHigh)
	if err != nil {
		t.Fatal(err)
	}

	select {
	case <-channels.done:
	case <-time.After(2 * time.Second):
		t.Fatal("high-priority enqueue never dispatched")
	}

	channels.mu.Lock()
	defer channels.mu.Unlock()
	if len(channels.calls) != 1 || channels.calls[0] != result.Item.ID {
		t.Errorf("dispatch calls = %v, want [%d]", channels.calls, result.Item.ID)
	}
}

func TestEnqueueVideo(t *testing.T) {
	store := newMemStore()
	svc, _, _ := newTestService(store)

	result, err := svc.EnqueueVideo(context.Background(), "vid-1", "u1", "")
	if err != nil {
		t.Fatal(err)
	}
	if !result.Success {
		t.Error("enqueue reported failure")
	}
	store.mu.Lock()
	queued := store.queuedIDs["vid-1"]
	store.mu.Unlock()
	if !queued {
		t.Error("video not flagged as queued")
	}
}

func TestEnqueueVideoAlreadyProcessed(t *testing.T) {
	store := newMemStore()
	store.videos["vid-1"] = pg.Video{
		ID:               1,
		ExternalID:       "vid-1",
		TranscriptCached: true,
		ChunksProcessed:  true,
	}
	svc, _, _ := newTestService(store)

	result, err := svc.EnqueueVideo(context.Background(), "vid-1", "u1", "")
	if err != nil {
		t.Fatal(err)
	}
	if result.Success {
		t.Error("already-processed video was re-queued")
	}
	store.mu.Lock()
	queued := store.queuedIDs["vid-1"]
	store.mu.Unlock()
	if queued {
		t.Error("already-processed video got the queued flag")
	}
}

func TestEnqueueVideoHighPriorityDispatches(t *testing.T) {
	store := newMemStore()
	videos := &fakeVideoProcessor{done: make(chan struct{})}
	svc := NewService(store, &fakeChannelProcessor{}, videos, fakeMetadata{}, 25, testLogger())

	if _, err := svc.EnqueueVideo(context.Background(), "vid-1", "u1", pg.PriorityHigh); err != nil {
		t.Fatal(err)
	}

	select {
	case <-videos.done:
	case <-time.After(2 * time.Second):
		t.Fatal("high-priority video enqueue never dispatched")
	}
}

func TestStatus(t *testing.T) {
	store := newMemStore()
	svc, _, _ := newTestService(store)
	ctx := context.Background()

	if _, _, err := svc.Status(ctx, "UC-unknown"); err == nil {
		t.Error("status for unknown channel succeeded")
	}

	if _, err := svc.EnqueueChannel(ctx, "UC123", "u1", "", ""); err != nil {
		t.Fatal(err)
	}
	item, position, err := svc.Status(ctx, "UC123")
	if err != nil {
		t.Fatal(err)
	}
	if item.Status != pg.QueueStatusPending {
		t.Errorf("status = %q, want pending", item.Status)
	}
	if position == nil || *position != 1 {
		t.Errorf("position = %v, want 1", position)
	}
}
