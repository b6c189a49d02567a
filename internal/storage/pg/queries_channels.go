package pg

import (
	"context"
	"time"
)

const channelColumns = `id, external_id, title, status, video_count, last_indexed_at, created_at, updated_at`

func scanChannel(row interface{ Scan(...interface{}) error }) (Channel, error) {
	var c Channel
	err := row.Scan(&c.ID, &c.ExternalID, &c.Title, &c.Status, &c.VideoCount,
		&c.LastIndexedAt, &c.CreatedAt, &c.UpdatedAt)
	return c, err
}

// UpsertChannel creates a channel row on first ingest, or returns the
// existing one. The title is only overwritten when a non-empty title is given.
func (q *Queries) UpsertChannel(ctx context.Context, externalID, title string) (Channel, error) {
	row := q.db.QueryRowContext(ctx, `
		INSERT INTO channels (external_id, title)
		VALUES ($1, $2)
		ON CONFLICT (external_id) DO UPDATE
		SET title = CASE WHEN EXCLUDED.title <> '' THEN EXCLUDED.title ELSE channels.title END,
		    updated_at = NOW()
		RETURNING `+channelColumns,
		externalID, title)
	return scanChannel(row)
}

func (q *Queries) GetChannel(ctx context.Context, id int64) (Channel, error) {
	row := q.db.QueryRowContext(ctx, `SELECT `+channelColumns+` FROM channels WHERE id = $1`, id)
	return scanChannel(row)
}

func (q *Queries) GetChannelByExternalID(ctx context.Context, externalID string) (Channel, error) {
	row := q.db.QueryRowContext(ctx, `SELECT `+channelColumns+` FROM channels WHERE external_id = $1`, externalID)
	return scanChannel(row)
}

func (q *Queries) UpdateChannelStatus(ctx context.Context, id int64, status string) error {
	_, err := q.db.ExecContext(ctx,
		`UPDATE channels SET status = $2, updated_at = NOW() WHERE id = $1`, id, status)
	return err
}

// MarkChannelReady flips the channel to ready and records indexing stats.
func (q *Queries) MarkChannelReady(ctx context.Context, id int64, videoCount int) error {
	_, err := q.db.ExecContext(ctx, `
		UPDATE channels
		SET status = 'ready', video_count = $2, last_indexed_at = NOW(), updated_at = NOW()
		WHERE id = $1`, id, videoCount)
	return err
}

// ListReadyChannels returns channels eligible for the periodic refresh tick.
func (q *Queries) ListReadyChannels(ctx context.Context) ([]Channel, error) {
	rows, err := q.db.QueryContext(ctx,
		`SELECT `+channelColumns+` FROM channels WHERE status = 'ready' ORDER BY last_indexed_at ASC NULLS FIRST`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var channels []Channel
	for rows.Next() {
		c, err := scanChannel(rows)
		if err != nil {
			return nil, err
		}
		channels = append(channels, c)
	}
	return channels, rows.Err()
}

// NewestVideoPublishedAt returns the publish time of the channel's most
// recent video, or the zero time when the channel has none.
func (q *Queries) NewestVideoPublishedAt(ctx context.Context, channelID int64) (time.Time, error) {
	var t time.Time
	err := q.db.QueryRowContext(ctx, `
		SELECT COALESCE(MAX(published_at), 'epoch'::timestamptz)
		FROM videos WHERE channel_id = $1`, channelID).Scan(&t)
	return t, err
}
