package pg

import (
	"database/sql"
	"encoding/json"
	"time"
)

// Channel statuses.
const (
	ChannelStatusPending    = "pending"
	ChannelStatusProcessing = "processing"
	ChannelStatusReady      = "ready"
	ChannelStatusFailed     = "failed"
)

// Queue item statuses.
const (
	QueueStatusPending    = "pending"
	QueueStatusProcessing = "processing"
	QueueStatusCompleted  = "completed"
	QueueStatusFailed     = "failed"
)

// Queue priorities.
const (
	PriorityHigh   = "high"
	PriorityNormal = "normal"
	PriorityLow    = "low"
)

type Channel struct {
	ID            int64
	ExternalID    string
	Title         string
	Status        string
	VideoCount    int
	LastIndexedAt sql.NullTime
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

type Video struct {
	ID                 int64
	ExternalID         string
	ChannelID          sql.NullInt64
	Title              string
	Description        string
	DurationSeconds    int
	TranscriptCached   bool
	ChunksProcessed    bool
	ProcessingQueued   bool
	ProcessingError    sql.NullString
	TranscriptBlobPath sql.NullString
	PublishedAt        sql.NullTime
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

type TranscriptChunk struct {
	ID          int64
	VideoID     int64
	ChunkIndex  int
	StartTime   int
	EndTime     int
	ByteOffset  int
	ByteLength  int
	Keywords    []string
	TextPreview string
	Embedding   []float64 // nil when the embedding call failed
	CreatedAt   time.Time
}

// ChunkWithVideo joins a chunk with the identity of its video, for retrieval.
type ChunkWithVideo struct {
	TranscriptChunk
	VideoExternalID string
	VideoTitle      string
	BlobPath        sql.NullString
}

// ChunkParams carries one chunk for a transactional chunk-set replace.
type ChunkParams struct {
	ChunkIndex  int
	StartTime   int
	EndTime     int
	ByteOffset  int
	ByteLength  int
	Keywords    []string
	TextPreview string
	Embedding   []float64
}

type QueueItem struct {
	ID                    int64
	ChannelID             int64
	RequestedBy           sql.NullString
	RequestedEmail        sql.NullString
	Status                string
	Priority              string
	RetryCount            int
	TotalVideos           int
	VideosProcessed       int
	CurrentVideoIndex     int
	CurrentVideoTitle     string
	StartedAt             sql.NullTime
	CompletedAt           sql.NullTime
	ErrorMessage          sql.NullString
	EstimatedCompletionAt sql.NullTime
	CreatedAt             time.Time
	UpdatedAt             time.Time
}

type ChatSession struct {
	ID           string
	UserID       sql.NullString
	VideoID      sql.NullInt64
	ChannelID    sql.NullInt64
	Title        string
	CreatedAt    time.Time
	LastActivity time.Time
	MessageCount int
}

type ChatMessage struct {
	ID        int64
	SessionID string
	Role      string
	Content   string
	Citations json.RawMessage
	CreatedAt time.Time
}

type Lock struct {
	ResourceID string
	LockID     string
	ExpiresAt  time.Time
}

type ErrorEvent struct {
	ID        int64
	Message   string
	Type      string
	Stack     string
	Context   json.RawMessage
	CreatedAt time.Time
}

// QueueStats aggregates queue rows by status.
type QueueStats struct {
	Pending    int64
	Processing int64
	Completed  int64
	Failed     int64
}

// ErrorStats aggregates error events for the stats endpoint.
type ErrorStats struct {
	Total    int64
	LastHour int64
	ByType   map[string]int64
}
