// Package pipeline drives transcript ingestion: the video pipeline turns one
// video into an indexed chunk set, and the channel pipeline fans out over a
// channel's videos. Both run under distributed locks so concurrent workers
// never process the same resource twice.
package pipeline

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/tubechat/tubechat-backend/internal/blob"
	"github.com/tubechat/tubechat-backend/internal/chunker"
	"github.com/tubechat/tubechat-backend/internal/events"
	"github.com/tubechat/tubechat-backend/internal/lock"
	"github.com/tubechat/tubechat-backend/internal/logger"
	"github.com/tubechat/tubechat-backend/internal/storage/pg"
	"github.com/tubechat/tubechat-backend/internal/transcript"
)

// ErrAlreadyLocked means another worker holds the resource; the caller skips
// the work rather than failing it.
var ErrAlreadyLocked = errors.New("resource locked by another worker")

// VideoStore is the query-layer subset the video pipeline writes through.
type VideoStore interface {
	GetVideoByExternalID(ctx context.Context, externalID string) (pg.Video, error)
	UpsertVideo(ctx context.Context, params pg.UpsertVideoParams) (pg.Video, error)
	ReplaceVideoChunks(ctx context.Context, videoID int64, chunks []pg.ChunkParams) error
	MarkVideoProcessed(ctx context.Context, externalID, blobPath string) error
	SetVideoProcessingError(ctx context.Context, externalID, message string) error
	SetVideoDuration(ctx context.Context, externalID string, seconds int, at time.Time) error
}

// Locker grants exclusive leases over named resources.
type Locker interface {
	Acquire(ctx context.Context, resourceID string, ttl time.Duration) *lock.Lease
	Release(ctx context.Context, lease *lock.Lease)
}

// TranscriptFetcher retrieves timed-text segments for a video.
type TranscriptFetcher interface {
	Fetch(ctx context.Context, videoID string) ([]transcript.Segment, error)
}

// Embedder vectorizes chunk texts in batches.
type Embedder interface {
	Embed(ctx context.Context, texts []string) [][]float64
}

// BlobWriter persists transcript blobs.
type BlobWriter interface {
	Write(container, path string, data []byte) error
}

// EventPublisher emits lifecycle events, best-effort.
type EventPublisher interface {
	Publish(subject string, payload interface{})
}

type VideoPipeline struct {
	store    VideoStore
	locks    Locker
	fetcher  TranscriptFetcher
	embedder Embedder
	blobs    BlobWriter
	events   EventPublisher
	lockTTL  time.Duration
	logger   *logger.Logger
}

func NewVideoPipeline(store VideoStore, locks Locker, fetcher TranscriptFetcher,
	embedder Embedder, blobs BlobWriter, events EventPublisher,
	lockTTL time.Duration, log *logger.Logger) *VideoPipeline {
	return &VideoPipeline{
		store:    store,
		locks:    locks,
		fetcher:  fetcher,
		embedder: embedder,
		blobs:    blobs,
		events:   events,
		lockTTL:  lockTTL,
		logger:   log.WithComponent("video_pipeline"),
	}
}

// Process ingests one video end to end: fetch transcript, write the blob,
// chunk, embed, and atomically replace the stored chunk set. Any failure
// before the final commit records a processing error on the video row.
func (p *VideoPipeline) Process(ctx context.Context, videoExternalID string) error {
	lease := p.locks.Acquire(ctx, "video-"+videoExternalID, p.lockTTL)
	if lease == nil {
		return fmt.Errorf("video %s: %w", videoExternalID, ErrAlreadyLocked)
	}
	defer p.locks.Release(ctx, lease)

	ctx = context.WithValue(ctx, logger.ContextKeyVideoID, videoExternalID)
	log := p.logger.WithContext(ctx)

	segments, err := p.fetcher.Fetch(ctx, videoExternalID)
	if err != nil {
		p.recordFailure(ctx, videoExternalID, err)
		return err
	}
	if len(segments) == 0 {
		err := &transcript.Error{
			Kind:    transcript.KindNoTranscript,
			VideoID: videoExternalID,
			Err:     errors.New("captions absent or disabled"),
		}
		p.recordFailure(ctx, videoExternalID, err)
		return err
	}

	blobPath := videoExternalID + "/transcript.txt"
	if err := p.blobs.Write(blob.TranscriptContainer, blobPath, chunker.BuildBlob(segments)); err != nil {
		err = fmt.Errorf("transcript blob write failed: %w", err)
		p.recordFailure(ctx, videoExternalID, err)
		return err
	}

	chunks := chunker.Split(segments)
	texts := make([]string, len(chunks))
	for i, c := range chunks {
		texts[i] = c.PlainText
	}
	vectors := p.embedder.Embed(ctx, texts)

	video, err := p.store.GetVideoByExternalID(ctx, videoExternalID)
	if errors.Is(err, sql.ErrNoRows) {
		video, err = p.store.UpsertVideo(ctx, pg.UpsertVideoParams{ExternalID: videoExternalID})
	}
	if err != nil {
		err = fmt.Errorf("video row lookup failed: %w", err)
		p.recordFailure(ctx, videoExternalID, err)
		return err
	}

	params := make([]pg.ChunkParams, len(chunks))
	for i, c := range chunks {
		params[i] = pg.ChunkParams{
			ChunkIndex:  c.Index,
			StartTime:   c.StartTime,
			EndTime:     c.EndTime,
			ByteOffset:  c.ByteOffset,
			ByteLength:  c.ByteLength,
			Keywords:    c.Keywords,
			TextPreview: c.Preview(),
			Embedding:   vectors[i],
		}
	}
	if err := p.store.ReplaceVideoChunks(ctx, video.ID, params); err != nil {
		err = fmt.Errorf("chunk replace failed: %w", err)
		p.recordFailure(ctx, videoExternalID, err)
		return err
	}

	duration := segments[len(segments)-1].EndSeconds
	if err := p.store.SetVideoDuration(ctx, videoExternalID, duration, time.Now()); err != nil {
		log.Warn("video duration update failed", slog.String("error", err.Error()))
	}

	if err := p.store.MarkVideoProcessed(ctx, videoExternalID, blobPath); err != nil {
		return fmt.Errorf("failed to mark video processed: %w", err)
	}

	log.Info("video processed",
		slog.Int("segments", len(segments)),
		slog.Int("chunks", len(chunks)),
		slog.Int("duration_seconds", duration))

	if p.events != nil {
		p.events.Publish(events.SubjectVideoProcessed, map[string]interface{}{
			"video_id": videoExternalID,
			"chunks":   len(chunks),
		})
	}
	return nil
}

func (p *VideoPipeline) recordFailure(ctx context.Context, videoExternalID string, cause error) {
	if err := p.store.SetVideoProcessingError(ctx, videoExternalID, cause.Error()); err != nil {
		p.logger.LogError(ctx, err, "failed to record video processing error")
	}
	p.logger.LogError(ctx, cause, "video processing failed")
}
