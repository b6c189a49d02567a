package server

import (
	"database/sql"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/tubechat/tubechat-backend/internal/apierrors"
	"github.com/tubechat/tubechat-backend/internal/storage/pg"
)

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "time": time.Now().UTC().Format(time.RFC3339)})
}

// respondError renders the classified error's body; non-production responses
// include the underlying cause for debugging.
func (s *Server) respondError(c *gin.Context, apiErr *apierrors.APIError) {
	body := gin.H{"error": apiErr.Message, "kind": apiErr.Kind}
	if apiErr.Err != nil && s.cfg.AppEnv != "production" {
		body["stack"] = apiErr.Err.Error()
	}
	if apiErr.Err != nil && apiErr.Status >= 500 {
		s.errors.Capture(apiErr.Err, apiErr.Kind, map[string]interface{}{
			"path":   c.FullPath(),
			"method": c.Request.Method,
		})
	}
	c.JSON(apiErr.Status, body)
}

type processChannelRequest struct {
	ChannelID string `json:"channelId"`
	Priority  string `json:"priority"`
}

func (s *Server) processChannel(c *gin.Context) {
	var req processChannelRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.ChannelID == "" {
		s.respondError(c, apierrors.BadRequest("channelId is required").WithCause(err))
		return
	}

	result, err := s.queue.EnqueueChannel(c.Request.Context(), req.ChannelID,
		c.GetString(ctxUserID), c.GetString(ctxUserEmail), req.Priority)
	if err != nil {
		s.respondError(c, apierrors.Internal("failed to enqueue channel", err))
		return
	}

	body := gin.H{
		"success": result.Success,
		"message": result.Message,
	}
	if result.Item != nil {
		body["queueItem"] = queueItemView(*result.Item, result.Position)
	}
	c.JSON(http.StatusOK, body)
}

func (s *Server) channelStatus(c *gin.Context) {
	item, position, err := s.queue.Status(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			s.respondError(c, apierrors.NotFound("channel has no queue history"))
			return
		}
		s.respondError(c, apierrors.Internal("failed to load channel status", err))
		return
	}
	c.JSON(http.StatusOK, queueItemView(*item, position))
}

type processVideoRequest struct {
	VideoID  string `json:"videoId"`
	Priority string `json:"priority"`
}

func (s *Server) processVideo(c *gin.Context) {
	var req processVideoRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.VideoID == "" {
		s.respondError(c, apierrors.BadRequest("videoId is required").WithCause(err))
		return
	}

	result, err := s.queue.EnqueueVideo(c.Request.Context(), req.VideoID,
		c.GetString(ctxUserID), req.Priority)
	if err != nil {
		s.respondError(c, apierrors.Internal("failed to enqueue video", err))
		return
	}

	c.JSON(http.StatusOK, gin.H{"success": result.Success, "message": result.Message})
}

// videoSummary serves the cached summary, generating on miss. Long
// transcripts are truncated to their first 8000 characters before
// summarization.
func (s *Server) videoSummary(c *gin.Context) {
	summary, err := s.summarizer.Summarize(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			s.respondError(c, apierrors.NotFound("video not found"))
			return
		}
		s.respondError(c, apierrors.Internal("failed to generate summary", err))
		return
	}
	c.JSON(http.StatusOK, gin.H{"videoId": c.Param("id"), "summary": summary, "truncatedAt": 8000})
}

func (s *Server) sessionMessages(c *gin.Context) {
	messages, err := s.queries.ListChatMessages(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.respondError(c, apierrors.Internal("failed to load messages", err))
		return
	}

	views := make([]gin.H, 0, len(messages))
	for _, m := range messages {
		views = append(views, gin.H{
			"role":      m.Role,
			"content":   m.Content,
			"citations": m.Citations,
			"createdAt": m.CreatedAt.UTC().Format(time.RFC3339),
		})
	}
	c.JSON(http.StatusOK, gin.H{"sessionId": c.Param("id"), "messages": views})
}

func (s *Server) queueStatus(c *gin.Context) {
	stats, err := s.queue.Stats(c.Request.Context())
	if err != nil {
		s.respondError(c, apierrors.Internal("failed to load queue stats", err))
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"pending":    stats.Pending,
		"processing": stats.Processing,
		"completed":  stats.Completed,
		"failed":     stats.Failed,
	})
}

func (s *Server) queuePosition(c *gin.Context) {
	qid, err := strconv.ParseInt(c.Param("qid"), 10, 64)
	if err != nil {
		s.respondError(c, apierrors.BadRequest("invalid queue item id").WithCause(err))
		return
	}

	item, err := s.queries.GetQueueItem(c.Request.Context(), qid)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			s.respondError(c, apierrors.NotFound("queue item not found"))
			return
		}
		s.respondError(c, apierrors.Internal("failed to load queue item", err))
		return
	}

	var position *int64
	if item.Status == pg.QueueStatusPending {
		if pos, err := s.queries.QueuePosition(c.Request.Context(), qid); err == nil {
			position = &pos
		}
	}
	c.JSON(http.StatusOK, queueItemView(item, position))
}

func (s *Server) monitorStats(c *gin.Context) {
	ctx := c.Request.Context()

	videos, _ := s.queries.CountVideos(ctx)
	chunks, _ := s.queries.CountChunks(ctx)
	cacheEntries, _ := s.queries.CountCacheEntries(ctx)
	queueStats, _ := s.queue.Stats(ctx)

	c.JSON(http.StatusOK, gin.H{
		"videosProcessed": videos,
		"chunksIndexed":   chunks,
		"queue": gin.H{
			"pending":    queueStats.Pending,
			"processing": queueStats.Processing,
			"completed":  queueStats.Completed,
			"failed":     queueStats.Failed,
		},
		"cache": gin.H{
			"memoryEntries": s.cache.MemorySize(),
			"storeEntries":  cacheEntries,
		},
		"activeStreams": s.registry.ActiveCount(),
	})
}

func (s *Server) cronStatus(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"startedAt": s.dispatcher.StartedAt().UTC().Format(time.RFC3339),
		"jobs":      s.dispatcher.Jobs(),
	})
}

func (s *Server) errorStats(c *gin.Context) {
	stats, err := s.queries.GetErrorStats(c.Request.Context())
	if err != nil {
		s.respondError(c, apierrors.Internal("failed to load error stats", err))
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"total":    stats.Total,
		"lastHour": stats.LastHour,
		"byType":   stats.ByType,
		"dropped":  s.errors.Dropped(),
	})
}

// queueItemView shapes a queue row for API responses.
func queueItemView(item pg.QueueItem, position *int64) gin.H {
	view := gin.H{
		"id":                item.ID,
		"channelId":         item.ChannelID,
		"status":            item.Status,
		"priority":          item.Priority,
		"retryCount":        item.RetryCount,
		"totalVideos":       item.TotalVideos,
		"videosProcessed":   item.VideosProcessed,
		"currentVideoIndex": item.CurrentVideoIndex,
		"currentVideoTitle": item.CurrentVideoTitle,
		"position":          position,
	}
	if item.StartedAt.Valid {
		view["startedAt"] = item.StartedAt.Time.UTC().Format(time.RFC3339)
	}
	if item.CompletedAt.Valid {
		view["completedAt"] = item.CompletedAt.Time.UTC().Format(time.RFC3339)
	}
	if item.EstimatedCompletionAt.Valid {
		view["estimatedCompletionAt"] = item.EstimatedCompletionAt.Time.UTC().Format(time.RFC3339)
	}
	if item.ErrorMessage.Valid {
		view["error"] = item.ErrorMessage.String
	}
	return view
}
