package pipeline

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/tubechat/tubechat-backend/internal/email"
	"github.com/tubechat/tubechat-backend/internal/events"
	"github.com/tubechat/tubechat-backend/internal/logger"
	"github.com/tubechat/tubechat-backend/internal/storage/pg"
	"github.com/tubechat/tubechat-backend/internal/transcript"
	"github.com/tubechat/tubechat-backend/internal/youtube"
)

// perVideoEstimate sizes the queue ETA shown to users.
const perVideoEstimate = 30 * time.Second

// ChannelStore is the query-layer subset the channel pipeline uses.
type ChannelStore interface {
	GetQueueItem(ctx context.Context, id int64) (pg.QueueItem, error)
	MarkQueueItemProcessing(ctx context.Context, id int64) error
	UpdateQueueItemTotals(ctx context.Context, id int64, totalVideos int, eta time.Time) error
	UpdateQueueItemProgress(ctx context.Context, id int64, index int, title string) error
	MarkQueueItemCompleted(ctx context.Context, id int64, videosProcessed int) error
	MarkQueueItemFailed(ctx context.Context, id int64, errorMessage string) error

	GetChannel(ctx context.Context, id int64) (pg.Channel, error)
	UpsertChannel(ctx context.Context, externalID, title string) (pg.Channel, error)
	UpdateChannelStatus(ctx context.Context, id int64, status string) error
	MarkChannelReady(ctx context.Context, id int64, videoCount int) error

	GetVideoByExternalID(ctx context.Context, externalID string) (pg.Video, error)
	UpsertVideo(ctx context.Context, params pg.UpsertVideoParams) (pg.Video, error)
}

// MetadataProvider resolves channel handles and lists channel videos.
type MetadataProvider interface {
	ResolveChannel(ctx context.Context, handleOrID string) (youtube.ChannelMeta, error)
	ListVideos(ctx context.Context, channelID string, limit int, publishedAfter time.Time) ([]youtube.VideoMeta, error)
}

// VideoProcessor ingests one video; the channel pipeline drives it per video.
type VideoProcessor interface {
	Process(ctx context.Context, videoExternalID string) error
}

// Notifier delivers indexing outcome emails to the requester.
type Notifier interface {
	Enabled() bool
	SendChannelComplete(ctx context.Context, to, channelTitle string, stats email.Stats) error
	SendChannelFailed(ctx context.Context, to, channelTitle, reason string) error
}

type ChannelPipeline struct {
	store      ChannelStore
	locks      Locker
	metadata   MetadataProvider
	videos     VideoProcessor
	notifier   Notifier
	events     EventPublisher
	lockTTL    time.Duration
	videoLimit int
	interSleep time.Duration
	logger     *logger.Logger
}

func NewChannelPipeline(store ChannelStore, locks Locker, metadata MetadataProvider,
	videos VideoProcessor, notifier Notifier, events EventPublisher,
	lockTTL time.Duration, videoLimit int, interSleep time.Duration,
	log *logger.Logger) *ChannelPipeline {
	return &ChannelPipeline{
		store:      store,
		locks:      locks,
		metadata:   metadata,
		videos:     videos,
		notifier:   notifier,
		events:     events,
		lockTTL:    lockTTL,
		videoLimit: videoLimit,
		interSleep: interSleep,
		logger:     log.WithComponent("channel_pipeline"),
	}
}

// ProcessQueueItem runs one queued channel ingest under its queue-item lock:
// list the channel's recent videos, drive the video pipeline for each, and
// record aggregate statistics on the queue row.
func (p *ChannelPipeline) ProcessQueueItem(ctx context.Context, queueItemID int64) error {
	lease := p.locks.Acquire(ctx, "channel-queue-"+strconv.FormatInt(queueItemID, 10), p.lockTTL)
	if lease == nil {
		return fmt.Errorf("queue item %d: %w", queueItemID, ErrAlreadyLocked)
	}
	defer p.locks.Release(ctx, lease)

	item, err := p.store.GetQueueItem(ctx, queueItemID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("queue item %d not found", queueItemID)
		}
		return fmt.Errorf("queue item %d load failed: %w", queueItemID, err)
	}

	log := p.logger.With(
		slog.Int64("queue_item_id", item.ID),
		slog.Int64("channel_id", item.ChannelID))

	channel, stats, runErr := p.run(ctx, item, log)
	if runErr != nil {
		p.fail(ctx, item, channel, runErr, log)
		return runErr
	}

	log.Info("channel indexing completed",
		slog.Int("processed", stats.Processed),
		slog.Int("existing", stats.Existing),
		slog.Int("no_transcript", stats.NoTranscript),
		slog.Int("failed", stats.Failed),
		slog.Int("total", stats.Total))

	p.notifyComplete(ctx, item, channel, stats, log)

	if p.events != nil {
		p.events.Publish(events.SubjectQueueCompleted, map[string]interface{}{
			"queue_item_id": item.ID,
			"channel_id":    item.ChannelID,
			"processed":     stats.Processed,
			"failed":        stats.Failed,
			"total":         stats.Total,
		})
	}
	return nil
}

func (p *ChannelPipeline) run(ctx context.Context, item pg.QueueItem, log *logger.Logger) (pg.Channel, email.Stats, error) {
	var stats email.Stats

	channel, err := p.store.GetChannel(ctx, item.ChannelID)
	if err != nil {
		return channel, stats, fmt.Errorf("channel load failed: %w", err)
	}

	if err := p.store.MarkQueueItemProcessing(ctx, item.ID); err != nil {
		return channel, stats, fmt.Errorf("queue item transition failed: %w", err)
	}
	if err := p.store.UpdateChannelStatus(ctx, channel.ID, pg.ChannelStatusProcessing); err != nil {
		return channel, stats, fmt.Errorf("channel transition failed: %w", err)
	}

	meta, err := p.metadata.ResolveChannel(ctx, channel.ExternalID)
	if err != nil {
		return channel, stats, fmt.Errorf("channel resolve failed: %w", err)
	}
	if channel.Title == "" && meta.Title != "" {
		if updated, err := p.store.UpsertChannel(ctx, channel.ExternalID, meta.Title); err == nil {
			channel = updated
		}
	}

	videos, err := p.metadata.ListVideos(ctx, meta.ID, p.videoLimit, time.Time{})
	if err != nil {
		return channel, stats, fmt.Errorf("video listing failed: %w", err)
	}
	stats.Total = len(videos)

	eta := time.Now().Add(time.Duration(len(videos)) * perVideoEstimate)
	if err := p.store.UpdateQueueItemTotals(ctx, item.ID, len(videos), eta); err != nil {
		log.Warn("queue totals update failed", slog.String("error", err.Error()))
	}

	newlyProcessed := 0
	for i, v := range videos {
		if err := ctx.Err(); err != nil {
			return channel, stats, err
		}

		if err := p.store.UpdateQueueItemProgress(ctx, item.ID, i, v.Title); err != nil {
			log.Warn("queue progress update failed", slog.String("error", err.Error()))
		}

		existing, err := p.store.GetVideoByExternalID(ctx, v.ID)
		if err == nil && existing.TranscriptCached && existing.ChunksProcessed {
			stats.Existing++
			continue
		}

		if _, err := p.store.UpsertVideo(ctx, pg.UpsertVideoParams{
			ExternalID:      v.ID,
			ChannelID:       sql.NullInt64{Int64: channel.ID, Valid: true},
			Title:           v.Title,
			Description:     v.Description,
			DurationSeconds: v.DurationSeconds,
			PublishedAt:     sql.NullTime{Time: v.PublishedAt, Valid: !v.PublishedAt.IsZero()},
		}); err != nil {
			log.Warn("video upsert failed", slog.String("video_id", v.ID), slog.String("error", err.Error()))
			stats.Failed++
			continue
		}

		if err := p.videos.Process(ctx, v.ID); err != nil {
			p.classifyFailure(err, &stats, v.ID, log)
		} else {
			newlyProcessed++
		}

		if i < len(videos)-1 {
			select {
			case <-time.After(p.interSleep):
			case <-ctx.Done():
				return channel, stats, ctx.Err()
			}
		}
	}

	stats.Processed = newlyProcessed + stats.Existing

	if err := p.store.MarkQueueItemCompleted(ctx, item.ID, stats.Processed); err != nil {
		return channel, stats, fmt.Errorf("queue completion failed: %w", err)
	}
	if err := p.store.MarkChannelReady(ctx, channel.ID, stats.Total); err != nil {
		return channel, stats, fmt.Errorf("channel completion failed: %w", err)
	}
	return channel, stats, nil
}

// classifyFailure buckets a video failure: missing captions are an expected
// outcome tracked separately from real failures.
func (p *ChannelPipeline) classifyFailure(err error, stats *email.Stats, videoID string, log *logger.Logger) {
	msg := strings.ToLower(err.Error())
	noCaptions := transcript.KindOf(err) == transcript.KindNoTranscript ||
		(!errors.Is(err, ErrAlreadyLocked) &&
			(strings.Contains(msg, "captions") || strings.Contains(msg, "no transcript")))

	if noCaptions {
		stats.NoTranscript++
		log.Info("video has no captions", slog.String("video_id", videoID))
		return
	}
	stats.Failed++
	log.Warn("video processing failed", slog.String("video_id", videoID), slog.String("error", err.Error()))
}

func (p *ChannelPipeline) fail(ctx context.Context, item pg.QueueItem, channel pg.Channel, cause error, log *logger.Logger) {
	log.Error("channel indexing failed", slog.String("error", cause.Error()))

	if err := p.store.MarkQueueItemFailed(ctx, item.ID, cause.Error()); err != nil {
		log.Error("queue failure transition failed", slog.String("error", err.Error()))
	}
	if channel.ID != 0 {
		if err := p.store.UpdateChannelStatus(ctx, channel.ID, pg.ChannelStatusFailed); err != nil {
			log.Error("channel failure transition failed", slog.String("error", err.Error()))
		}
	}

	if p.notifier != nil && p.notifier.Enabled() && item.RequestedEmail.Valid {
		if err := p.notifier.SendChannelFailed(ctx, item.RequestedEmail.String, channel.Title, cause.Error()); err != nil {
			log.Warn("failure notification failed", slog.String("error", err.Error()))
		}
	}

	if p.events != nil {
		p.events.Publish(events.SubjectQueueFailed, map[string]interface{}{
			"queue_item_id": item.ID,
			"channel_id":    item.ChannelID,
			"error":         cause.Error(),
		})
	}
}

func (p *ChannelPipeline) notifyComplete(ctx context.Context, item pg.QueueItem, channel pg.Channel, stats email.Stats, log *logger.Logger) {
	if p.notifier == nil || !p.notifier.Enabled() || !item.RequestedEmail.Valid {
		return
	}
	if err := p.notifier.SendChannelComplete(ctx, item.RequestedEmail.String, channel.Title, stats); err != nil {
		log.Warn("completion notification failed", slog.String("error", err.Error()))
	}
}
