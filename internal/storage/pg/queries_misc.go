package pg

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"
)

// --- rate events ---

func (q *Queries) InsertRateEvent(ctx context.Context, identifier, action string) error {
	_, err := q.db.ExecContext(ctx,
		`INSERT INTO rate_events (identifier, action) VALUES ($1, $2)`, identifier, action)
	return err
}

// GetRateWindow counts events for an identifier+action in [since, now] and
// returns the oldest event time in the window, which determines when the
// sliding window next frees a slot.
func (q *Queries) GetRateWindow(ctx context.Context, identifier, action string, since time.Time) (int64, sql.NullTime, error) {
	var n int64
	var oldest sql.NullTime
	err := q.db.QueryRowContext(ctx, `
		SELECT COUNT(*), MIN(created_at) FROM rate_events
		WHERE identifier = $1 AND action = $2 AND created_at >= $3`,
		identifier, action, since).Scan(&n, &oldest)
	return n, oldest, err
}

func (q *Queries) DeleteRateEventsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := q.db.ExecContext(ctx, `DELETE FROM rate_events WHERE created_at < $1`, cutoff)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

// --- cache entries ---

func (q *Queries) GetCacheEntry(ctx context.Context, key string, now time.Time) ([]byte, time.Time, error) {
	var value []byte
	var expiresAt time.Time
	err := q.db.QueryRowContext(ctx,
		`SELECT value, expires_at FROM cache_entries WHERE key = $1 AND expires_at > $2`,
		key, now).Scan(&value, &expiresAt)
	return value, expiresAt, err
}

func (q *Queries) UpsertCacheEntry(ctx context.Context, key string, value []byte, expiresAt time.Time) error {
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO cache_entries (key, value, expires_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, expires_at = EXCLUDED.expires_at`,
		key, value, expiresAt)
	return err
}

func (q *Queries) DeleteExpiredCacheEntries(ctx context.Context, now time.Time) (int64, error) {
	result, err := q.db.ExecContext(ctx, `DELETE FROM cache_entries WHERE expires_at < $1`, now)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

func (q *Queries) CountCacheEntries(ctx context.Context) (int64, error) {
	var n int64
	err := q.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM cache_entries`).Scan(&n)
	return n, err
}

// --- error events ---

func (q *Queries) InsertErrorEvent(ctx context.Context, message, errType, stack string, context json.RawMessage) error {
	if context == nil {
		context = json.RawMessage("{}")
	}
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO error_events (message, type, stack, context)
		VALUES ($1, $2, $3, $4)`, message, errType, stack, context)
	return err
}

func (q *Queries) GetErrorStats(ctx context.Context) (ErrorStats, error) {
	stats := ErrorStats{ByType: make(map[string]int64)}

	err := q.db.QueryRowContext(ctx, `
		SELECT COUNT(*), COUNT(*) FILTER (WHERE created_at > NOW() - INTERVAL '1 hour')
		FROM error_events`).Scan(&stats.Total, &stats.LastHour)
	if err != nil {
		return stats, err
	}

	rows, err := q.db.QueryContext(ctx,
		`SELECT type, COUNT(*) FROM error_events GROUP BY type ORDER BY COUNT(*) DESC LIMIT 20`)
	if err != nil {
		return stats, err
	}
	defer rows.Close()

	for rows.Next() {
		var errType string
		var count int64
		if err := rows.Scan(&errType, &count); err != nil {
			return stats, err
		}
		stats.ByType[errType] = count
	}
	return stats, rows.Err()
}
