// Package queue owns the durable ingest queue: idempotent enqueue of
// channels and videos, the background ticks that dispatch pipelines, retry
// and garbage collection of queue rows, and progress reporting.
package queue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/tubechat/tubechat-backend/internal/logger"
	"github.com/tubechat/tubechat-backend/internal/storage/pg"
	"github.com/tubechat/tubechat-backend/internal/youtube"
)

// Store is the query-layer subset the queue service uses.
type Store interface {
	CreateQueueItem(ctx context.Context, channelID int64, requestedBy, requestedEmail sql.NullString, priority string) (pg.QueueItem, error)
	GetQueueItem(ctx context.Context, id int64) (pg.QueueItem, error)
	GetActiveQueueItemForChannel(ctx context.Context, channelID int64) (pg.QueueItem, error)
	GetLatestQueueItemForChannel(ctx context.Context, channelID int64) (pg.QueueItem, error)
	ListPendingQueueItems(ctx context.Context, limit int) ([]pg.QueueItem, error)
	ResetFailedQueueItems(ctx context.Context, limit, maxRetries int) (int64, error)
	DeleteCompletedQueueItemsBefore(ctx context.Context, cutoff time.Time) (int64, error)
	QueuePosition(ctx context.Context, id int64) (int64, error)
	GetQueueStats(ctx context.Context) (pg.QueueStats, error)

	UpsertChannel(ctx context.Context, externalID, title string) (pg.Channel, error)
	GetChannelByExternalID(ctx context.Context, externalID string) (pg.Channel, error)
	ListReadyChannels(ctx context.Context) ([]pg.Channel, error)
	NewestVideoPublishedAt(ctx context.Context, channelID int64) (time.Time, error)

	GetVideoByExternalID(ctx context.Context, externalID string) (pg.Video, error)
	UpsertVideo(ctx context.Context, params pg.UpsertVideoParams) (pg.Video, error)
	SetVideoQueued(ctx context.Context, externalID string, queued bool) error
	ListQueuedUnprocessedVideos(ctx context.Context, limit int) ([]pg.Video, error)
}

// ChannelProcessor runs a queued channel ingest.
type ChannelProcessor interface {
	ProcessQueueItem(ctx context.Context, queueItemID int64) error
}

// VideoProcessor runs a single-video ingest.
type VideoProcessor interface {
	Process(ctx context.Context, videoExternalID string) error
}

// MetadataProvider lists newly published videos for the refresh tick.
type MetadataProvider interface {
	ListVideos(ctx context.Context, channelID string, limit int, publishedAfter time.Time) ([]youtube.VideoMeta, error)
}

// EnqueueResult reports the outcome of an enqueue call. Success is false when
// the request was a duplicate; Item then describes the existing work.
type EnqueueResult struct {
	Success  bool
	Message  string
	Item     *pg.QueueItem
	Position *int64
}

type Service struct {
	store      Store
	channels   ChannelProcessor
	videos     VideoProcessor
	metadata   MetadataProvider
	logger     *logger.Logger
	videoLimit int
}

func NewService(store Store, channels ChannelProcessor, videos VideoProcessor,
	metadata MetadataProvider, videoLimit int, log *logger.Logger) *Service {
	return &Service{
		store:      store,
		channels:   channels,
		videos:     videos,
		metadata:   metadata,
		videoLimit: videoLimit,
		logger:     log.WithComponent("queue"),
	}
}

// EnqueueChannel registers a channel for indexing. A channel with a pending
// or processing queue row is not enqueued twice; the existing row is
// returned instead. High priority triggers an immediate dispatch.
func (s *Service) EnqueueChannel(ctx context.Context, channelRef, userID, userEmail, priority string) (EnqueueResult, error) {
	channel, err := s.store.UpsertChannel(ctx, channelRef, "")
	if err != nil {
		return EnqueueResult{}, fmt.Errorf("channel upsert failed: %w", err)
	}

	existing, err := s.store.GetActiveQueueItemForChannel(ctx, channel.ID)
	if err == nil {
		position := s.position(ctx, existing)
		return EnqueueResult{
			Success:  false,
			Message:  "channel is already queued for processing",
			Item:     &existing,
			Position: position,
		}, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return EnqueueResult{}, fmt.Errorf("queue lookup failed: %w", err)
	}

	if priority == "" {
		priority = pg.PriorityNormal
	}
	item, err := s.store.CreateQueueItem(ctx, channel.ID,
		nullString(userID), nullString(userEmail), priority)
	if err != nil {
		return EnqueueResult{}, fmt.Errorf("queue insert failed: %w", err)
	}

	if priority == pg.PriorityHigh {
		go func() {
			if err := s.channels.ProcessQueueItem(context.Background(), item.ID); err != nil {
				s.logger.LogError(context.Background(), err, "immediate channel dispatch failed")
			}
		}()
	}

	position := s.position(ctx, item)
	return EnqueueResult{
		Success:  true,
		Message:  "channel queued for processing",
		Item:     &item,
		Position: position,
	}, nil
}

// EnqueueVideo registers a single video for ingestion. Already processed
// videos are not re-queued.
func (s *Service) EnqueueVideo(ctx context.Context, videoExternalID, userID, priority string) (EnqueueResult, error) {
	existing, err := s.store.GetVideoByExternalID(ctx, videoExternalID)
	if err == nil && existing.TranscriptCached && existing.ChunksProcessed {
		return EnqueueResult{
			Success: false,
			Message: "video is already processed",
		}, nil
	}
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return EnqueueResult{}, fmt.Errorf("video lookup failed: %w", err)
	}

	if _, err := s.store.UpsertVideo(ctx, pg.UpsertVideoParams{ExternalID: videoExternalID}); err != nil {
		return EnqueueResult{}, fmt.Errorf("video upsert failed: %w", err)
	}
	if err := s.store.SetVideoQueued(ctx, videoExternalID, true); err != nil {
		return EnqueueResult{}, fmt.Errorf("video queue flag failed: %w", err)
	}

	if priority == pg.PriorityHigh {
		go func() {
			if err := s.videos.Process(context.Background(), videoExternalID); err != nil {
				s.logger.LogError(context.Background(), err, "immediate video dispatch failed")
			}
		}()
	}

	return EnqueueResult{Success: true, Message: "video queued for processing"}, nil
}

// Status returns the latest queue row for a channel with its position.
func (s *Service) Status(ctx context.Context, channelRef string) (*pg.QueueItem, *int64, error) {
	channel, err := s.store.GetChannelByExternalID(ctx, channelRef)
	if err != nil {
		return nil, nil, err
	}
	item, err := s.store.GetLatestQueueItemForChannel(ctx, channel.ID)
	if err != nil {
		return nil, nil, err
	}
	return &item, s.position(ctx, item), nil
}

// Stats aggregates queue rows by status.
func (s *Service) Stats(ctx context.Context) (pg.QueueStats, error) {
	return s.store.GetQueueStats(ctx)
}

// position resolves the pending-queue position, nil for non-pending rows.
func (s *Service) position(ctx context.Context, item pg.QueueItem) *int64 {
	if item.Status != pg.QueueStatusPending {
		return nil
	}
	pos, err := s.store.QueuePosition(ctx, item.ID)
	if err != nil {
		return nil
	}
	return &pos
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func upsertParamsFor(channelID int64, v youtube.VideoMeta) pg.UpsertVideoParams {
	return pg.UpsertVideoParams{
		ExternalID:      v.ID,
		ChannelID:       sql.NullInt64{Int64: channelID, Valid: true},
		Title:           v.Title,
		Description:     v.Description,
		DurationSeconds: v.DurationSeconds,
		PublishedAt:     sql.NullTime{Time: v.PublishedAt, Valid: !v.PublishedAt.IsZero()},
	}
}
