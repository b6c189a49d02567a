// Package retrieval ranks transcript chunks against a user query by
// combining dense-vector cosine similarity with keyword matching, then
// reassembles full chunk text from the transcript blobs.
package retrieval

import (
	"context"
	"log/slog"
	"math"
	"sort"
	"strconv"
	"strings"

	"github.com/tubechat/tubechat-backend/internal/blob"
	"github.com/tubechat/tubechat-backend/internal/chunker"
	"github.com/tubechat/tubechat-backend/internal/logger"
	"github.com/tubechat/tubechat-backend/internal/storage/pg"
)

const (
	// keywordBoostInSet is added when a keyword-matched chunk already has a
	// positive semantic score.
	keywordBoostInSet = 0.3
	// keywordBaseScore replaces the semantic score for keyword-only matches.
	keywordBaseScore = 0.5
	// previewHitBoost is added per query keyword found in the text preview,
	// video search only.
	previewHitBoost = 0.1

	// maxDiversityVideos caps the divisor of the per-video quota.
	maxDiversityVideos = 3
)

// Store is the chunk corpus the engine searches over.
type Store interface {
	ListChunksByVideo(ctx context.Context, videoExternalID string) ([]pg.ChunkWithVideo, error)
	ListChunksByChannel(ctx context.Context, channelID int64) ([]pg.ChunkWithVideo, error)
}

// Embedder vectorizes the query text.
type Embedder interface {
	EmbedOne(ctx context.Context, text string) ([]float64, error)
}

// BlobReader hydrates full chunk text from transcript blobs.
type BlobReader interface {
	Read(container, path string) ([]byte, error)
}

// Result is one ranked chunk with its hydrated text.
type Result struct {
	Chunk    pg.ChunkWithVideo
	Score    float64
	FullText string
}

type Engine struct {
	store    Store
	embedder Embedder
	blobs    BlobReader
	logger   *logger.Logger
}

func NewEngine(store Store, embedder Embedder, blobs BlobReader, log *logger.Logger) *Engine {
	return &Engine{
		store:    store,
		embedder: embedder,
		blobs:    blobs,
		logger:   log.WithComponent("retrieval"),
	}
}

// VideoSearch ranks a single video's chunks against the query and returns the
// top k with hydrated text.
func (e *Engine) VideoSearch(ctx context.Context, videoExternalID, query string, k int) ([]Result, error) {
	chunks, err := e.store.ListChunksByVideo(ctx, videoExternalID)
	if err != nil {
		return nil, err
	}

	ranked := e.rank(ctx, chunks, query, true)
	if len(ranked) > k {
		ranked = ranked[:k]
	}

	e.hydrate(ctx, ranked)
	return ranked, nil
}

// ChannelSearch ranks chunks across all of a channel's videos, diversifying
// so no single video dominates the result set.
func (e *Engine) ChannelSearch(ctx context.Context, channelID int64, query string, k int) ([]Result, error) {
	chunks, err := e.store.ListChunksByChannel(ctx, channelID)
	if err != nil {
		return nil, err
	}

	ranked := e.rank(ctx, chunks, query, false)
	ranked = diversify(ranked, k)

	e.hydrate(ctx, ranked)
	return ranked, nil
}

// rank scores every candidate chunk and returns them sorted best-first. Only
// chunks with a positive final score are candidates.
func (e *Engine) rank(ctx context.Context, chunks []pg.ChunkWithVideo, query string, videoSearch bool) []Result {
	if len(chunks) == 0 {
		return nil
	}

	queryVector, err := e.embedder.EmbedOne(ctx, query)
	if err != nil {
		// Keyword matching still works without a query vector.
		e.logger.Warn("query embedding failed, keyword-only search",
			slog.String("error", err.Error()))
		queryVector = nil
	}

	queryKeywords := chunker.ExtractQueryKeywords(query)

	var results []Result
	for _, chunk := range chunks {
		semantic := 0.0
		if queryVector != nil && chunk.Embedding != nil {
			semantic = cosineSimilarity(queryVector, chunk.Embedding)
		}

		score := semantic
		if matchesKeywords(queryKeywords, chunk.Keywords) {
			if semantic > 0 {
				score += keywordBoostInSet
			} else {
				score = keywordBaseScore
			}
		}
		if videoSearch {
			score += previewHitBoost * float64(previewHits(queryKeywords, chunk.TextPreview))
		}

		if score <= 0 {
			continue
		}
		results = append(results, Result{Chunk: chunk, Score: score})
	}

	sort.SliceStable(results, func(i, j int) bool {
		a, b := results[i], results[j]
		if a.Score != b.Score {
			return a.Score > b.Score
		}
		if a.Chunk.ChunkIndex != b.Chunk.ChunkIndex {
			return a.Chunk.ChunkIndex < b.Chunk.ChunkIndex
		}
		return a.Chunk.VideoID < b.Chunk.VideoID
	})
	return results
}

// matchesKeywords reports whether any query keyword substring-matches any
// chunk keyword, in either direction.
func matchesKeywords(queryKeywords, chunkKeywords []string) bool {
	for _, qk := range queryKeywords {
		for _, ck := range chunkKeywords {
			if strings.Contains(ck, qk) || strings.Contains(qk, ck) {
				return true
			}
		}
	}
	return false
}

// previewHits counts query keywords occurring in the chunk's text preview.
func previewHits(queryKeywords []string, preview string) int {
	lowered := strings.ToLower(preview)
	hits := 0
	for _, qk := range queryKeywords {
		if strings.Contains(lowered, qk) {
			hits++
		}
	}
	return hits
}

// diversify caps per-video chunks at ceil(k / min(distinct_videos, 3)) and
// cuts to the final top k, preserving rank order.
func diversify(ranked []Result, k int) []Result {
	if len(ranked) == 0 {
		return nil
	}

	distinct := make(map[int64]bool)
	for _, r := range ranked {
		distinct[r.Chunk.VideoID] = true
	}
	videos := len(distinct)
	if videos > maxDiversityVideos {
		videos = maxDiversityVideos
	}
	perVideo := (k + videos - 1) / videos

	taken := make(map[int64]int)
	var out []Result
	for _, r := range ranked {
		if taken[r.Chunk.VideoID] >= perVideo {
			continue
		}
		taken[r.Chunk.VideoID]++
		out = append(out, r)
		if len(out) == k {
			break
		}
	}
	return out
}

// hydrate fills each result's FullText from its video's transcript blob,
// taking the lines whose timestamps fall inside the chunk's time window.
// When the blob is unreadable the preview stands in.
func (e *Engine) hydrate(ctx context.Context, results []Result) {
	blobCache := make(map[string][]string)

	for i := range results {
		chunk := results[i].Chunk
		results[i].FullText = chunk.TextPreview

		if !chunk.BlobPath.Valid {
			continue
		}
		path := chunk.BlobPath.String

		lines, ok := blobCache[path]
		if !ok {
			data, err := e.blobs.Read(blob.TranscriptContainer, path)
			if err != nil {
				e.logger.Warn("transcript blob read failed, using preview",
					slog.String("path", path),
					slog.String("error", err.Error()))
				blobCache[path] = nil
				continue
			}
			lines = strings.Split(string(data), "\n")
			blobCache[path] = lines
		}
		if lines == nil {
			continue
		}

		if text := linesInWindow(lines, chunk.StartTime, chunk.EndTime); text != "" {
			results[i].FullText = text
		}
	}
}

// linesInWindow joins blob lines whose leading [MM:SS] timestamp falls
// inside [start, end].
func linesInWindow(lines []string, start, end int) string {
	var picked []string
	for _, line := range lines {
		seconds, ok := parseLineTimestamp(line)
		if !ok {
			continue
		}
		if seconds >= start && seconds <= end {
			picked = append(picked, line)
		}
	}
	return strings.Join(picked, "\n")
}

// parseLineTimestamp extracts the seconds value of a "[MM:SS] text" line.
func parseLineTimestamp(line string) (int, bool) {
	if !strings.HasPrefix(line, "[") {
		return 0, false
	}
	end := strings.IndexByte(line, ']')
	if end < 0 {
		return 0, false
	}
	stamp := line[1:end]

	colon := strings.LastIndexByte(stamp, ':')
	if colon < 0 {
		return 0, false
	}
	minutes, err := strconv.Atoi(stamp[:colon])
	if err != nil {
		return 0, false
	}
	seconds, err := strconv.Atoi(stamp[colon+1:])
	if err != nil {
		return 0, false
	}
	return minutes*60 + seconds, true
}

// cosineSimilarity is zero for mismatched lengths or zero-norm vectors.
func cosineSimilarity(a, b []float64) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += a[i] * b[i]
		normA += a[i] * a[i]
		normB += b[i] * b[i]
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}
