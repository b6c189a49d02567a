package chat

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/tubechat/tubechat-backend/internal/blob"
	"github.com/tubechat/tubechat-backend/internal/cache"
	"github.com/tubechat/tubechat-backend/internal/llm"
	"github.com/tubechat/tubechat-backend/internal/logger"
	"github.com/tubechat/tubechat-backend/internal/storage/pg"
)

// summaryTranscriptLimit truncates long transcripts before summarization.
// The cut is a silent heuristic; the API documents it.
const summaryTranscriptLimit = 8000

// BlobReader loads transcript blobs for summarization.
type BlobReader interface {
	Read(container, path string) ([]byte, error)
}

// Summarizer produces cached per-video summaries from transcript blobs.
type Summarizer struct {
	store  Store
	blobs  BlobReader
	model  Completer
	cache  ContextCache
	logger *logger.Logger
}

func NewSummarizer(store Store, blobs BlobReader, model Completer,
	summaryCache ContextCache, log *logger.Logger) *Summarizer {
	return &Summarizer{
		store:  store,
		blobs:  blobs,
		model:  model,
		cache:  summaryCache,
		logger: log.WithComponent("summary"),
	}
}

// Summarize returns the video's summary, generating and caching it on miss.
func (s *Summarizer) Summarize(ctx context.Context, videoExternalID string) (string, error) {
	key := cache.Key("video-summary", videoExternalID)
	if data := s.cache.Get(ctx, key); data != nil {
		return string(data), nil
	}

	video, err := s.store.GetVideoByExternalID(ctx, videoExternalID)
	if err != nil {
		return "", fmt.Errorf("video not found: %w", err)
	}
	if !video.TranscriptCached || !video.TranscriptBlobPath.Valid {
		return "", fmt.Errorf("video %s has no cached transcript", videoExternalID)
	}

	data, err := s.blobs.Read(blob.TranscriptContainer, video.TranscriptBlobPath.String)
	if err != nil {
		return "", fmt.Errorf("transcript blob read failed: %w", err)
	}

	transcript := string(data)
	truncated := false
	if len(transcript) > summaryTranscriptLimit {
		transcript = transcript[:summaryTranscriptLimit]
		truncated = true
	}

	prompt := fmt.Sprintf(`Summarize this YouTube video transcript in 3-5 short paragraphs. Mention the main topics with their [MM:SS] timestamps.

Title: %s

Transcript:
%s`, video.Title, transcript)

	summary, err := s.model.Complete(ctx, []llm.Message{
		{Role: "system", Content: "You summarize video transcripts accurately and concisely."},
		{Role: "user", Content: prompt},
	})
	if err != nil {
		return "", fmt.Errorf("summary generation failed: %w", err)
	}

	s.cache.Set(ctx, key, []byte(summary), cache.SummaryTTL)
	s.logger.Info("video summary generated",
		slog.String("video_id", videoExternalID),
		slog.Bool("transcript_truncated", truncated))
	return summary, nil
}
