package pg

import (
	"context"
	"database/sql"
	"time"
)

const queueColumns = `id, channel_id, requested_by, requested_email, status, priority, retry_count,
	total_videos, videos_processed, current_video_index, current_video_title,
	started_at, completed_at, error_message, estimated_completion_at, created_at, updated_at`

func scanQueueItem(row interface{ Scan(...interface{}) error }) (QueueItem, error) {
	var item QueueItem
	err := row.Scan(&item.ID, &item.ChannelID, &item.RequestedBy, &item.RequestedEmail,
		&item.Status, &item.Priority,
		&item.RetryCount, &item.TotalVideos, &item.VideosProcessed, &item.CurrentVideoIndex,
		&item.CurrentVideoTitle, &item.StartedAt, &item.CompletedAt, &item.ErrorMessage,
		&item.EstimatedCompletionAt, &item.CreatedAt, &item.UpdatedAt)
	return item, err
}

func (q *Queries) CreateQueueItem(ctx context.Context, channelID int64, requestedBy, requestedEmail sql.NullString, priority string) (QueueItem, error) {
	row := q.db.QueryRowContext(ctx, `
		INSERT INTO channel_queue (channel_id, requested_by, requested_email, priority)
		VALUES ($1, $2, $3, $4)
		RETURNING `+queueColumns,
		channelID, requestedBy, requestedEmail, priority)
	return scanQueueItem(row)
}

func (q *Queries) GetQueueItem(ctx context.Context, id int64) (QueueItem, error) {
	row := q.db.QueryRowContext(ctx, `SELECT `+queueColumns+` FROM channel_queue WHERE id = $1`, id)
	return scanQueueItem(row)
}

// GetActiveQueueItemForChannel returns a pending or processing row for the
// channel, used for idempotent enqueue.
func (q *Queries) GetActiveQueueItemForChannel(ctx context.Context, channelID int64) (QueueItem, error) {
	row := q.db.QueryRowContext(ctx, `
		SELECT `+queueColumns+` FROM channel_queue
		WHERE channel_id = $1 AND status IN ('pending', 'processing')
		ORDER BY created_at ASC
		LIMIT 1`, channelID)
	return scanQueueItem(row)
}

// GetLatestQueueItemForChannel returns the channel's most recent queue row.
func (q *Queries) GetLatestQueueItemForChannel(ctx context.Context, channelID int64) (QueueItem, error) {
	row := q.db.QueryRowContext(ctx, `
		SELECT `+queueColumns+` FROM channel_queue
		WHERE channel_id = $1
		ORDER BY created_at DESC
		LIMIT 1`, channelID)
	return scanQueueItem(row)
}

func (q *Queries) ListPendingQueueItems(ctx context.Context, limit int) ([]QueueItem, error) {
	rows, err := q.db.QueryContext(ctx, `
		SELECT `+queueColumns+` FROM channel_queue
		WHERE status = 'pending'
		ORDER BY created_at ASC
		LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []QueueItem
	for rows.Next() {
		item, err := scanQueueItem(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

// MarkQueueItemProcessing transitions pending → processing and stamps started_at.
func (q *Queries) MarkQueueItemProcessing(ctx context.Context, id int64) error {
	_, err := q.db.ExecContext(ctx, `
		UPDATE channel_queue
		SET status = 'processing', started_at = NOW(), updated_at = NOW()
		WHERE id = $1`, id)
	return err
}

// UpdateQueueItemTotals records the listed video count and the completion estimate.
func (q *Queries) UpdateQueueItemTotals(ctx context.Context, id int64, totalVideos int, eta time.Time) error {
	_, err := q.db.ExecContext(ctx, `
		UPDATE channel_queue
		SET total_videos = $2, estimated_completion_at = $3, updated_at = NOW()
		WHERE id = $1`, id, totalVideos, eta)
	return err
}

// UpdateQueueItemProgress records which video the pipeline is on.
func (q *Queries) UpdateQueueItemProgress(ctx context.Context, id int64, index int, title string) error {
	_, err := q.db.ExecContext(ctx, `
		UPDATE channel_queue
		SET current_video_index = $2, current_video_title = $3, updated_at = NOW()
		WHERE id = $1`, id, index, title)
	return err
}

// MarkQueueItemCompleted transitions processing → completed.
func (q *Queries) MarkQueueItemCompleted(ctx context.Context, id int64, videosProcessed int) error {
	_, err := q.db.ExecContext(ctx, `
		UPDATE channel_queue
		SET status = 'completed', videos_processed = $2, completed_at = NOW(), updated_at = NOW()
		WHERE id = $1`, id, videosProcessed)
	return err
}

// MarkQueueItemFailed transitions to failed, retaining retry_count.
func (q *Queries) MarkQueueItemFailed(ctx context.Context, id int64, errorMessage string) error {
	_, err := q.db.ExecContext(ctx, `
		UPDATE channel_queue
		SET status = 'failed', error_message = $2, completed_at = NOW(), updated_at = NOW()
		WHERE id = $1`, id, errorMessage)
	return err
}

// ResetFailedQueueItems resets up to limit failed rows with retry budget left
// back to pending, bumping retry_count and clearing the error message.
func (q *Queries) ResetFailedQueueItems(ctx context.Context, limit, maxRetries int) (int64, error) {
	result, err := q.db.ExecContext(ctx, `
		UPDATE channel_queue
		SET status = 'pending', retry_count = retry_count + 1, error_message = NULL, updated_at = NOW()
		WHERE id IN (
			SELECT id FROM channel_queue
			WHERE status = 'failed' AND retry_count < $2
			ORDER BY updated_at ASC
			LIMIT $1
		)`, limit, maxRetries)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

// DeleteCompletedQueueItemsBefore garbage-collects terminal rows.
func (q *Queries) DeleteCompletedQueueItemsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := q.db.ExecContext(ctx,
		`DELETE FROM channel_queue WHERE status = 'completed' AND completed_at < $1`, cutoff)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

// QueuePosition returns 1 + the number of pending rows created earlier.
func (q *Queries) QueuePosition(ctx context.Context, id int64) (int64, error) {
	var position int64
	err := q.db.QueryRowContext(ctx, `
		SELECT 1 + COUNT(*) FROM channel_queue
		WHERE status = 'pending'
		  AND created_at < (SELECT created_at FROM channel_queue WHERE id = $1)`, id).Scan(&position)
	return position, err
}

func (q *Queries) GetQueueStats(ctx context.Context) (QueueStats, error) {
	var stats QueueStats
	err := q.db.QueryRowContext(ctx, `
		SELECT
			COUNT(*) FILTER (WHERE status = 'pending'),
			COUNT(*) FILTER (WHERE status = 'processing'),
			COUNT(*) FILTER (WHERE status = 'completed'),
			COUNT(*) FILTER (WHERE status = 'failed')
		FROM channel_queue`).Scan(&stats.Pending, &stats.Processing, &stats.Completed, &stats.Failed)
	return stats, err
}
