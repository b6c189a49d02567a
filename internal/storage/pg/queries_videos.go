package pg

import (
	"context"
	"database/sql"
	"time"
)

const videoColumns = `id, external_id, channel_id, title, description, duration_seconds,
	transcript_cached, chunks_processed, processing_queued, processing_error,
	transcript_blob_path, published_at, created_at, updated_at`

func scanVideo(row interface{ Scan(...interface{}) error }) (Video, error) {
	var v Video
	err := row.Scan(&v.ID, &v.ExternalID, &v.ChannelID, &v.Title, &v.Description,
		&v.DurationSeconds, &v.TranscriptCached, &v.ChunksProcessed, &v.ProcessingQueued,
		&v.ProcessingError, &v.TranscriptBlobPath, &v.PublishedAt, &v.CreatedAt, &v.UpdatedAt)
	return v, err
}

type UpsertVideoParams struct {
	ExternalID      string
	ChannelID       sql.NullInt64
	Title           string
	Description     string
	DurationSeconds int
	PublishedAt     sql.NullTime
}

// UpsertVideo creates a placeholder video row ahead of pipeline processing,
// or refreshes metadata on an existing one. Processing flags are untouched.
func (q *Queries) UpsertVideo(ctx context.Context, params UpsertVideoParams) (Video, error) {
	row := q.db.QueryRowContext(ctx, `
		INSERT INTO videos (external_id, channel_id, title, description, duration_seconds, published_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (external_id) DO UPDATE
		SET channel_id = COALESCE(videos.channel_id, EXCLUDED.channel_id),
		    title = CASE WHEN EXCLUDED.title <> '' THEN EXCLUDED.title ELSE videos.title END,
		    description = CASE WHEN EXCLUDED.description <> '' THEN EXCLUDED.description ELSE videos.description END,
		    duration_seconds = GREATEST(videos.duration_seconds, EXCLUDED.duration_seconds),
		    published_at = COALESCE(EXCLUDED.published_at, videos.published_at),
		    updated_at = NOW()
		RETURNING `+videoColumns,
		params.ExternalID, params.ChannelID, params.Title, params.Description,
		params.DurationSeconds, params.PublishedAt)
	return scanVideo(row)
}

func (q *Queries) GetVideoByExternalID(ctx context.Context, externalID string) (Video, error) {
	row := q.db.QueryRowContext(ctx, `SELECT `+videoColumns+` FROM videos WHERE external_id = $1`, externalID)
	return scanVideo(row)
}

// SetVideoQueued marks a video as waiting for the video dispatch tick.
func (q *Queries) SetVideoQueued(ctx context.Context, externalID string, queued bool) error {
	_, err := q.db.ExecContext(ctx,
		`UPDATE videos SET processing_queued = $2, updated_at = NOW() WHERE external_id = $1`,
		externalID, queued)
	return err
}

// MarkVideoProcessed records a successful pipeline run.
func (q *Queries) MarkVideoProcessed(ctx context.Context, externalID, blobPath string) error {
	_, err := q.db.ExecContext(ctx, `
		UPDATE videos
		SET transcript_cached = TRUE, chunks_processed = TRUE, processing_queued = FALSE,
		    processing_error = NULL, transcript_blob_path = $2, updated_at = NOW()
		WHERE external_id = $1`, externalID, blobPath)
	return err
}

// SetVideoProcessingError records a failed pipeline run.
func (q *Queries) SetVideoProcessingError(ctx context.Context, externalID, message string) error {
	_, err := q.db.ExecContext(ctx, `
		UPDATE videos
		SET transcript_cached = FALSE, processing_queued = FALSE,
		    processing_error = $2, updated_at = NOW()
		WHERE external_id = $1`, externalID, message)
	return err
}

// ListQueuedUnprocessedVideos feeds the 30-second video dispatch tick.
func (q *Queries) ListQueuedUnprocessedVideos(ctx context.Context, limit int) ([]Video, error) {
	rows, err := q.db.QueryContext(ctx, `
		SELECT `+videoColumns+` FROM videos
		WHERE processing_queued = TRUE AND transcript_cached = FALSE
		ORDER BY created_at ASC
		LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var videos []Video
	for rows.Next() {
		v, err := scanVideo(rows)
		if err != nil {
			return nil, err
		}
		videos = append(videos, v)
	}
	return videos, rows.Err()
}

func (q *Queries) CountVideos(ctx context.Context) (int64, error) {
	var n int64
	err := q.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM videos WHERE chunks_processed = TRUE`).Scan(&n)
	return n, err
}

// SetVideoDuration updates the duration derived from transcript segments.
func (q *Queries) SetVideoDuration(ctx context.Context, externalID string, seconds int, at time.Time) error {
	_, err := q.db.ExecContext(ctx,
		`UPDATE videos SET duration_seconds = GREATEST(duration_seconds, $2), updated_at = $3 WHERE external_id = $1`,
		externalID, seconds, at)
	return err
}
