// Package server is the HTTP transport: routing, auth, identity, rate
// limiting, and the SSE chat endpoints.
package server

import (
	"github.com/gin-gonic/gin"

	"github.com/tubechat/tubechat-backend/internal/cache"
	"github.com/tubechat/tubechat-backend/internal/chat"
	"github.com/tubechat/tubechat-backend/internal/config"
	"github.com/tubechat/tubechat-backend/internal/errsink"
	"github.com/tubechat/tubechat-backend/internal/logger"
	"github.com/tubechat/tubechat-backend/internal/queue"
	"github.com/tubechat/tubechat-backend/internal/ratelimit"
	"github.com/tubechat/tubechat-backend/internal/storage/pg"
)

type Server struct {
	cfg        *config.Config
	queries    *pg.Queries
	queue      *queue.Service
	dispatcher *queue.Dispatcher
	chat       *chat.Orchestrator
	registry   *chat.Registry
	summarizer *chat.Summarizer
	limiter    *ratelimit.Limiter
	cache      *cache.Cache
	errors     *errsink.Sink
	logger     *logger.Logger
}

func New(cfg *config.Config, queries *pg.Queries, queueService *queue.Service,
	dispatcher *queue.Dispatcher, orchestrator *chat.Orchestrator, registry *chat.Registry,
	summarizer *chat.Summarizer, limiter *ratelimit.Limiter, appCache *cache.Cache,
	errors *errsink.Sink, log *logger.Logger) *Server {
	return &Server{
		cfg:        cfg,
		queries:    queries,
		queue:      queueService,
		dispatcher: dispatcher,
		chat:       orchestrator,
		registry:   registry,
		summarizer: summarizer,
		limiter:    limiter,
		cache:      appCache,
		errors:     errors,
		logger:     log.WithComponent("server"),
	}
}

// Router builds the gin engine with the full route table.
func (s *Server) Router() *gin.Engine {
	gin.SetMode(s.cfg.GinMode)

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(s.requestLog())

	router.GET("/health", s.health)

	api := router.Group("/api")
	api.Use(s.requireAPIKey(), s.identity())
	{
		api.POST("/channels/process", s.rateLimit(ratelimit.ActionChannelProcess), s.processChannel)
		api.GET("/channels/:id/status", s.channelStatus)

		api.POST("/videos/process", s.rateLimit(ratelimit.ActionVideoUpload), s.processVideo)
		api.GET("/videos/:id/summary", s.videoSummary)

		api.POST("/chat/stream", s.rateLimit(ratelimit.ActionChat), s.videoChatStream)
		api.POST("/chat/channel/stream", s.rateLimit(ratelimit.ActionChat), s.channelChatStream)
		api.GET("/chat/sessions/:id/messages", s.sessionMessages)

		api.GET("/queue/status", s.queueStatus)
		api.GET("/queue/position/:qid", s.queuePosition)
		api.POST("/queue/channel", s.rateLimit(ratelimit.ActionChannelProcess), s.processChannel)
		api.POST("/queue/video", s.rateLimit(ratelimit.ActionVideoUpload), s.processVideo)

		api.GET("/monitor/stats", s.monitorStats)
		api.GET("/cron/status", s.cronStatus)
		api.GET("/errors/stats", s.errorStats)
	}

	return router
}
