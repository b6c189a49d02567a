package pg

import (
	"context"
	"fmt"

	"github.com/lib/pq"
)

// ReplaceVideoChunks atomically replaces a video's chunk set: the existing
// chunks are deleted and the new batch inserted in one transaction, and the
// video's processing flags are flipped in the same commit. Readers see the
// old set or the new set, never a mixture.
func (q *Queries) ReplaceVideoChunks(ctx context.Context, videoID int64, chunks []ChunkParams) error {
	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin chunk transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM transcript_chunks WHERE video_id = $1`, videoID); err != nil {
		return fmt.Errorf("failed to delete existing chunks: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO transcript_chunks
			(video_id, chunk_index, start_time, end_time, byte_offset, byte_length, keywords, text_preview, embedding)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`)
	if err != nil {
		return fmt.Errorf("failed to prepare chunk insert: %w", err)
	}
	defer stmt.Close()

	for _, c := range chunks {
		var embedding interface{}
		if c.Embedding != nil {
			embedding = pq.Array(c.Embedding)
		}
		if _, err := stmt.ExecContext(ctx, videoID, c.ChunkIndex, c.StartTime, c.EndTime,
			c.ByteOffset, c.ByteLength, pq.Array(c.Keywords), c.TextPreview, embedding); err != nil {
			return fmt.Errorf("failed to insert chunk %d: %w", c.ChunkIndex, err)
		}
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE videos SET chunks_processed = $2, updated_at = NOW() WHERE id = $1`,
		videoID, len(chunks) > 0); err != nil {
		return fmt.Errorf("failed to update video flags: %w", err)
	}

	return tx.Commit()
}

const chunkWithVideoColumns = `c.id, c.video_id, c.chunk_index, c.start_time, c.end_time,
	c.byte_offset, c.byte_length, c.keywords, c.text_preview, c.embedding, c.created_at,
	v.external_id, v.title, v.transcript_blob_path`

func scanChunkWithVideo(row interface{ Scan(...interface{}) error }) (ChunkWithVideo, error) {
	var c ChunkWithVideo
	var keywords pq.StringArray
	var embedding pq.Float64Array
	err := row.Scan(&c.ID, &c.VideoID, &c.ChunkIndex, &c.StartTime, &c.EndTime,
		&c.ByteOffset, &c.ByteLength, &keywords, &c.TextPreview, &embedding, &c.CreatedAt,
		&c.VideoExternalID, &c.VideoTitle, &c.BlobPath)
	if err != nil {
		return c, err
	}
	c.Keywords = []string(keywords)
	if embedding != nil {
		c.Embedding = []float64(embedding)
	}
	return c, nil
}

// ListChunksByVideo returns all chunks of a video in chunk_index order.
func (q *Queries) ListChunksByVideo(ctx context.Context, videoExternalID string) ([]ChunkWithVideo, error) {
	rows, err := q.db.QueryContext(ctx, `
		SELECT `+chunkWithVideoColumns+`
		FROM transcript_chunks c
		JOIN videos v ON v.id = c.video_id
		WHERE v.external_id = $1
		ORDER BY c.chunk_index ASC`, videoExternalID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectChunks(rows)
}

// ListChunksByChannel returns all chunks across a channel's videos.
func (q *Queries) ListChunksByChannel(ctx context.Context, channelID int64) ([]ChunkWithVideo, error) {
	rows, err := q.db.QueryContext(ctx, `
		SELECT `+chunkWithVideoColumns+`
		FROM transcript_chunks c
		JOIN videos v ON v.id = c.video_id
		WHERE v.channel_id = $1
		ORDER BY v.id ASC, c.chunk_index ASC`, channelID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectChunks(rows)
}

func collectChunks(rows interface {
	Next() bool
	Scan(...interface{}) error
	Err() error
}) ([]ChunkWithVideo, error) {
	var chunks []ChunkWithVideo
	for rows.Next() {
		c, err := scanChunkWithVideo(rows)
		if err != nil {
			return nil, err
		}
		chunks = append(chunks, c)
	}
	return chunks, rows.Err()
}

func (q *Queries) CountChunks(ctx context.Context) (int64, error) {
	var n int64
	err := q.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM transcript_chunks`).Scan(&n)
	return n, err
}
