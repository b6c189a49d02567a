// Package chat orchestrates retrieval-augmented streaming conversations:
// it builds transcript context for the user's question, streams model output
// to the client as SSE frames, extracts citations, and persists the turn.
package chat

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/tubechat/tubechat-backend/internal/cache"
	"github.com/tubechat/tubechat-backend/internal/chunker"
	"github.com/tubechat/tubechat-backend/internal/llm"
	"github.com/tubechat/tubechat-backend/internal/logger"
	"github.com/tubechat/tubechat-backend/internal/retrieval"
	"github.com/tubechat/tubechat-backend/internal/storage/pg"
)

const (
	// retrievalK is how many chunks back each answer.
	retrievalK = 10

	// sessionTitleLimit bounds the auto-generated session title.
	sessionTitleLimit = 80
)

const systemPersona = `You are TubeChat, an assistant that answers questions about YouTube videos strictly from the transcript excerpts provided below.

Rules:
- Answer only from the excerpts. If the excerpts do not contain the answer, say you don't know.
- When you reference a specific moment, cite its timestamp in [MM:SS] format exactly as it appears in the excerpts.
- Keep answers concise and conversational.`

// Retriever is the hybrid search engine the orchestrator builds context with.
type Retriever interface {
	VideoSearch(ctx context.Context, videoExternalID, query string, k int) ([]retrieval.Result, error)
	ChannelSearch(ctx context.Context, channelID int64, query string, k int) ([]retrieval.Result, error)
}

// Completer streams and completes chat model calls.
type Completer interface {
	Stream(ctx context.Context, messages []llm.Message, onDelta func(delta string) error) (string, error)
	Complete(ctx context.Context, messages []llm.Message) (string, error)
}

// Store is the query-layer subset the orchestrator persists through.
type Store interface {
	GetVideoByExternalID(ctx context.Context, externalID string) (pg.Video, error)
	GetChannelByExternalID(ctx context.Context, externalID string) (pg.Channel, error)
	GetChatSession(ctx context.Context, id string) (pg.ChatSession, error)
	CreateChatSession(ctx context.Context, params pg.CreateSessionParams) (pg.ChatSession, error)
	InsertChatMessage(ctx context.Context, sessionID, role, content string, citations json.RawMessage) error
	BumpChatSession(ctx context.Context, sessionID string) error
}

// ContextCache memoizes built retrieval context per question.
type ContextCache interface {
	Get(ctx context.Context, key string) []byte
	Set(ctx context.Context, key string, value []byte, ttl time.Duration)
}

// Request is one streaming chat invocation. Exactly one of VideoID or
// ChannelRef is set. StreamID identifies the stream in the registry; the
// transport cancels it on client disconnect.
type Request struct {
	Messages   []llm.Message
	VideoID    string
	ChannelRef string
	SessionID  string
	UserID     string
	StreamID   string
}

type Orchestrator struct {
	retriever Retriever
	model     Completer
	store     Store
	cache     ContextCache
	registry  *Registry
	logger    *logger.Logger
}

func NewOrchestrator(retriever Retriever, model Completer, store Store,
	contextCache ContextCache, registry *Registry, log *logger.Logger) *Orchestrator {
	return &Orchestrator{
		retriever: retriever,
		model:     model,
		store:     store,
		cache:     contextCache,
		registry:  registry,
		logger:    log.WithComponent("chat"),
	}
}

// builtContext is the cacheable product of retrieval for one question.
type builtContext struct {
	Body      string            `json:"body"`
	Citations []ContextCitation `json:"citations"`
}

// Stream runs one chat turn end to end, writing SSE frames to sink. The
// returned error is for logging; the client has already received an error
// frame where appropriate.
func (o *Orchestrator) Stream(ctx context.Context, req Request, sink Sink) error {
	o.registry.Register(req.StreamID)
	defer o.registry.Finish(req.StreamID)

	ctx = context.WithValue(ctx, logger.ContextKeySessionID, req.SessionID)
	log := o.logger.WithContext(ctx)

	lastUser := lastUserMessage(req.Messages)
	if lastUser == "" {
		return sink.WriteFrame(newDoneFrame(nil))
	}

	session, err := o.ensureSession(ctx, req, lastUser)
	if err != nil {
		log.Error("session setup failed", slog.String("error", err.Error()))
		_ = sink.WriteFrame(newErrorFrame("failed to start chat session"))
		return err
	}

	built, err := o.buildContext(ctx, req, lastUser)
	if err != nil {
		log.Error("context build failed", slog.String("error", err.Error()))
		_ = sink.WriteFrame(newErrorFrame("failed to prepare chat context"))
		return err
	}

	messages := make([]llm.Message, 0, len(req.Messages)+1)
	messages = append(messages, llm.Message{
		Role:    "system",
		Content: systemPersona + "\n\nContext:\n" + built.Body,
	})
	messages = append(messages, req.Messages...)

	response, err := o.model.Stream(ctx, messages, func(delta string) error {
		if !o.registry.IsActive(req.StreamID) {
			return llm.ErrStreamStopped
		}
		if err := sink.WriteFrame(newContentFrame(delta)); err != nil {
			o.registry.Cancel(req.StreamID)
			return llm.ErrStreamStopped
		}
		return nil
	})

	if errors.Is(err, llm.ErrStreamStopped) || errors.Is(err, context.Canceled) {
		// Client is gone: abandon the turn, persist nothing.
		log.Info("chat stream cancelled by client",
			slog.String("stream_id", req.StreamID),
			slog.Int("partial_len", len(response)))
		return nil
	}
	if err != nil {
		log.Error("model stream failed", slog.String("error", err.Error()))
		_ = sink.WriteFrame(newErrorFrame("the model stream failed"))
		return err
	}

	extracted := ExtractCitations(response)
	citations := mergeCitations(built.Citations, extracted)

	if err := o.persistTurn(ctx, session.ID, lastUser, response, citations); err != nil {
		// The answer already streamed; surface the store failure in logs only.
		log.Error("chat turn persistence failed", slog.String("error", err.Error()))
	}

	return sink.WriteFrame(newDoneFrame(citations))
}

// ensureSession loads the session or creates one, titled from the question.
func (o *Orchestrator) ensureSession(ctx context.Context, req Request, lastUser string) (pg.ChatSession, error) {
	if req.SessionID != "" {
		session, err := o.store.GetChatSession(ctx, req.SessionID)
		if err == nil {
			return session, nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return pg.ChatSession{}, err
		}
	}

	params := pg.CreateSessionParams{
		ID:     req.SessionID,
		UserID: sql.NullString{String: req.UserID, Valid: req.UserID != ""},
		Title:  sessionTitle(lastUser),
	}
	if params.ID == "" {
		params.ID = uuid.New().String()
	}

	if req.VideoID != "" {
		video, err := o.store.GetVideoByExternalID(ctx, req.VideoID)
		if err == nil {
			params.VideoID = sql.NullInt64{Int64: video.ID, Valid: true}
		}
	} else if req.ChannelRef != "" {
		channel, err := o.store.GetChannelByExternalID(ctx, req.ChannelRef)
		if err != nil {
			return pg.ChatSession{}, fmt.Errorf("channel not found: %w", err)
		}
		params.ChannelID = sql.NullInt64{Int64: channel.ID, Valid: true}
	}

	return o.store.CreateChatSession(ctx, params)
}

// buildContext returns the retrieval context for the question, consulting
// the cache first.
func (o *Orchestrator) buildContext(ctx context.Context, req Request, lastUser string) (builtContext, error) {
	target := req.VideoID
	if target == "" {
		target = "channel:" + req.ChannelRef
	}
	key := cache.Key("chat-context", target, lastUser)

	if data := o.cache.Get(ctx, key); data != nil {
		var built builtContext
		if err := json.Unmarshal(data, &built); err == nil {
			return built, nil
		}
	}

	var built builtContext
	var err error
	if req.VideoID != "" {
		built, err = o.buildVideoContext(ctx, req.VideoID, lastUser)
	} else {
		built, err = o.buildChannelContext(ctx, req.ChannelRef, lastUser)
	}
	if err != nil {
		return builtContext{}, err
	}

	if data, err := json.Marshal(built); err == nil {
		o.cache.Set(ctx, key, data, cache.DefaultTTL)
	}
	return built, nil
}

func (o *Orchestrator) buildVideoContext(ctx context.Context, videoID, query string) (builtContext, error) {
	results, err := o.retriever.VideoSearch(ctx, videoID, query, retrievalK)
	if err != nil {
		return builtContext{}, err
	}

	if len(results) == 0 {
		// Unindexed video: fall back to whatever metadata exists.
		video, err := o.store.GetVideoByExternalID(ctx, videoID)
		if err != nil {
			return builtContext{}, fmt.Errorf("video not found: %w", err)
		}
		body := fmt.Sprintf("Video: %s\n%s\n(no transcript excerpts are available for this video)",
			video.Title, video.Description)
		return builtContext{Body: body}, nil
	}

	var body strings.Builder
	citations := make([]ContextCitation, 0, len(results))
	for _, r := range results {
		fmt.Fprintf(&body, "[%s - %s]\n%s\n\n",
			chunker.FormatTimestamp(r.Chunk.StartTime),
			chunker.FormatTimestamp(r.Chunk.EndTime),
			r.FullText)
		citations = append(citations, contextCitationFor(r))
	}
	return builtContext{Body: body.String(), Citations: citations}, nil
}

func (o *Orchestrator) buildChannelContext(ctx context.Context, channelRef, query string) (builtContext, error) {
	channel, err := o.store.GetChannelByExternalID(ctx, channelRef)
	if err != nil {
		return builtContext{}, fmt.Errorf("channel not found: %w", err)
	}

	results, err := o.retriever.ChannelSearch(ctx, channel.ID, query, retrievalK)
	if err != nil {
		return builtContext{}, err
	}
	if len(results) == 0 {
		body := fmt.Sprintf("Channel: %s\n(no transcript excerpts are available for this channel)", channel.Title)
		return builtContext{Body: body}, nil
	}

	// Group excerpts by video so the model can attribute answers.
	byVideo := make(map[string][]retrieval.Result)
	var order []string
	for _, r := range results {
		id := r.Chunk.VideoExternalID
		if _, seen := byVideo[id]; !seen {
			order = append(order, id)
		}
		byVideo[id] = append(byVideo[id], r)
	}

	var body strings.Builder
	citations := make([]ContextCitation, 0, len(results))
	for _, videoID := range order {
		group := byVideo[videoID]
		fmt.Fprintf(&body, "## Video: %s\n", group[0].Chunk.VideoTitle)
		for _, r := range group {
			fmt.Fprintf(&body, "[%s - %s]\n%s\n\n",
				chunker.FormatTimestamp(r.Chunk.StartTime),
				chunker.FormatTimestamp(r.Chunk.EndTime),
				r.FullText)
			citations = append(citations, contextCitationFor(r))
		}
	}
	return builtContext{Body: body.String(), Citations: citations}, nil
}

func contextCitationFor(r retrieval.Result) ContextCitation {
	return ContextCitation{
		VideoID:    r.Chunk.VideoExternalID,
		VideoTitle: r.Chunk.VideoTitle,
		StartTime:  r.Chunk.StartTime,
		EndTime:    r.Chunk.EndTime,
		Text:       r.Chunk.TextPreview,
	}
}

// mergeCitations combines context and extracted citations into one list;
// clients tolerate both shapes.
func mergeCitations(contextCitations []ContextCitation, extracted []ExtractedCitation) []interface{} {
	merged := make([]interface{}, 0, len(contextCitations)+len(extracted))
	for _, c := range contextCitations {
		merged = append(merged, c)
	}
	for _, c := range extracted {
		merged = append(merged, c)
	}
	return merged
}

func (o *Orchestrator) persistTurn(ctx context.Context, sessionID, userText, assistantText string, citations []interface{}) error {
	if err := o.store.InsertChatMessage(ctx, sessionID, "user", userText, nil); err != nil {
		return fmt.Errorf("user message insert failed: %w", err)
	}

	citationsJSON, err := json.Marshal(citations)
	if err != nil {
		citationsJSON = json.RawMessage("[]")
	}
	if err := o.store.InsertChatMessage(ctx, sessionID, "assistant", assistantText, citationsJSON); err != nil {
		return fmt.Errorf("assistant message insert failed: %w", err)
	}

	if err := o.store.BumpChatSession(ctx, sessionID); err != nil {
		return fmt.Errorf("session bump failed: %w", err)
	}
	return nil
}

func lastUserMessage(messages []llm.Message) string {
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == "user" {
			return strings.TrimSpace(messages[i].Content)
		}
	}
	return ""
}

func sessionTitle(question string) string {
	if len(question) <= sessionTitleLimit {
		return question
	}
	return question[:sessionTitleLimit]
}
