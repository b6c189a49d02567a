package pg

import (
	"context"
	"database/sql"
	"encoding/json"
)

const sessionColumns = `id, user_id, video_id, channel_id, title, created_at, last_activity, message_count`

func scanSession(row interface{ Scan(...interface{}) error }) (ChatSession, error) {
	var s ChatSession
	err := row.Scan(&s.ID, &s.UserID, &s.VideoID, &s.ChannelID, &s.Title,
		&s.CreatedAt, &s.LastActivity, &s.MessageCount)
	return s, err
}

type CreateSessionParams struct {
	ID        string
	UserID    sql.NullString
	VideoID   sql.NullInt64
	ChannelID sql.NullInt64
	Title     string
}

func (q *Queries) CreateChatSession(ctx context.Context, params CreateSessionParams) (ChatSession, error) {
	row := q.db.QueryRowContext(ctx, `
		INSERT INTO chat_sessions (id, user_id, video_id, channel_id, title)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING `+sessionColumns,
		params.ID, params.UserID, params.VideoID, params.ChannelID, params.Title)
	return scanSession(row)
}

func (q *Queries) GetChatSession(ctx context.Context, id string) (ChatSession, error) {
	row := q.db.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM chat_sessions WHERE id = $1`, id)
	return scanSession(row)
}

// InsertChatMessage appends a message to a session.
func (q *Queries) InsertChatMessage(ctx context.Context, sessionID, role, content string, citations json.RawMessage) error {
	if citations == nil {
		citations = json.RawMessage("[]")
	}
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO chat_messages (session_id, role, content, citations)
		VALUES ($1, $2, $3, $4)`, sessionID, role, content, citations)
	return err
}

// BumpChatSession records a completed turn: message_count += 2, activity now.
func (q *Queries) BumpChatSession(ctx context.Context, sessionID string) error {
	_, err := q.db.ExecContext(ctx, `
		UPDATE chat_sessions
		SET message_count = message_count + 2, last_activity = NOW()
		WHERE id = $1`, sessionID)
	return err
}

// ListChatMessages returns session messages ordered by created_at with the
// insertion id as tiebreak.
func (q *Queries) ListChatMessages(ctx context.Context, sessionID string) ([]ChatMessage, error) {
	rows, err := q.db.QueryContext(ctx, `
		SELECT id, session_id, role, content, citations, created_at
		FROM chat_messages
		WHERE session_id = $1
		ORDER BY created_at ASC, id ASC`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var messages []ChatMessage
	for rows.Next() {
		var m ChatMessage
		if err := rows.Scan(&m.ID, &m.SessionID, &m.Role, &m.Content, &m.Citations, &m.CreatedAt); err != nil {
			return nil, err
		}
		messages = append(messages, m)
	}
	return messages, rows.Err()
}
