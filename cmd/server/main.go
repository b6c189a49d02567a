package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/cors"

	"github.com/tubechat/tubechat-backend/internal/blob"
	"github.com/tubechat/tubechat-backend/internal/cache"
	"github.com/tubechat/tubechat-backend/internal/chat"
	"github.com/tubechat/tubechat-backend/internal/config"
	"github.com/tubechat/tubechat-backend/internal/email"
	"github.com/tubechat/tubechat-backend/internal/embedding"
	"github.com/tubechat/tubechat-backend/internal/errsink"
	"github.com/tubechat/tubechat-backend/internal/events"
	"github.com/tubechat/tubechat-backend/internal/llm"
	"github.com/tubechat/tubechat-backend/internal/lock"
	"github.com/tubechat/tubechat-backend/internal/logger"
	"github.com/tubechat/tubechat-backend/internal/pipeline"
	"github.com/tubechat/tubechat-backend/internal/queue"
	"github.com/tubechat/tubechat-backend/internal/ratelimit"
	"github.com/tubechat/tubechat-backend/internal/retrieval"
	"github.com/tubechat/tubechat-backend/internal/server"
	"github.com/tubechat/tubechat-backend/internal/storage/pg"
	"github.com/tubechat/tubechat-backend/internal/transcript"
	"github.com/tubechat/tubechat-backend/internal/youtube"
)

func main() {
	config.LoadConfig()
	cfg := config.AppConfig

	log := logger.New(logger.FromConfig(cfg.LogLevel, cfg.LogFormat))
	log.Info("starting tubechat backend",
		"instance_id", logger.GetInstanceID(),
		"env", cfg.AppEnv)

	db, err := pg.InitDatabase(cfg.StoreURL)
	if err != nil {
		log.Error("database initialization failed", "error", err)
		os.Exit(1)
	}
	defer db.DB.Close()

	// Infrastructure.
	blobs := blob.NewStore(cfg.BlobRoot)
	locks := lock.NewManager(db.Queries, log)
	locks.StartSweeper()
	appCache := cache.New(db.Queries, log)
	appCache.StartSweeper()
	limiter := ratelimit.NewLimiter(db.Queries, log)

	errorSink := errsink.New(db.Queries, cfg.ErrorSinkBufferSize, cfg.ErrorSinkWorkers, log)
	errorSink.Start()

	publisher, err := events.Connect(cfg.NatsURL, log)
	if err != nil {
		log.Warn("NATS connect failed, events disabled", "error", err)
	}

	// Providers.
	embedder := embedding.NewClient(embedding.Config{
		APIKey:     cfg.OpenAIAPIKey,
		BatchSize:  cfg.EmbeddingBatchSize,
		BatchPause: time.Duration(cfg.EmbeddingBatchPauseMs) * time.Millisecond,
		CacheCap:   cfg.EmbeddingCacheSize,
	}, log)
	fetcher := transcript.NewFetcher(log)
	metadata := youtube.NewClient(cfg.YouTubeAPIKey, log)
	model := llm.NewClient(cfg.OpenAIAPIKey, log)
	notifier := email.NewNotifier(cfg.EmailAPIKey, cfg.EmailFrom, log)

	// Pipelines.
	videoPipeline := pipeline.NewVideoPipeline(db.Queries, locks, fetcher, embedder, blobs,
		publisher, time.Duration(cfg.VideoLockTTLSeconds)*time.Second, log)
	channelPipeline := pipeline.NewChannelPipeline(db.Queries, locks, metadata, videoPipeline,
		notifier, publisher, time.Duration(cfg.ChannelLockTTLSeconds)*time.Second,
		cfg.ChannelVideoLimit, time.Duration(cfg.InterVideoSleepMs)*time.Millisecond, log)

	// Queue.
	queueService := queue.NewService(db.Queries, channelPipeline, videoPipeline, metadata,
		cfg.ChannelVideoLimit, log)
	dispatcher := queue.NewDispatcher(queueService, limiter,
		time.Duration(cfg.ChannelTickSeconds)*time.Second,
		time.Duration(cfg.VideoTickSeconds)*time.Second,
		cfg.DispatchBatchSize)
	if err := dispatcher.Start(); err != nil {
		log.Error("dispatcher start failed", "error", err)
		os.Exit(1)
	}

	// Chat.
	engine := retrieval.NewEngine(db.Queries, embedder, blobs, log)
	registry := chat.NewRegistry()
	orchestrator := chat.NewOrchestrator(engine, model, db.Queries, appCache, registry, log)
	summarizer := chat.NewSummarizer(db.Queries, blobs, model, appCache, log)

	// HTTP.
	srv := server.New(cfg, db.Queries, queueService, dispatcher, orchestrator, registry,
		summarizer, limiter, appCache, errorSink, log)

	corsHandler := cors.New(cors.Options{
		AllowedOrigins: strings.Split(cfg.AllowedOrigins, ","),
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions},
		AllowedHeaders: []string{"Origin", "Content-Type", "Accept", "X-API-KEY", "X-User-Id", "X-User-Email", "X-User-Tier"},
	})

	httpServer := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: corsHandler.Handler(srv.Router()),
	}

	go func() {
		log.Info("http server listening", "port", cfg.Port)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("http server failed", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info("shutting down")

	ctx, cancel := context.WithTimeout(context.Background(),
		time.Duration(cfg.ServerShutdownTimeoutSeconds)*time.Second)
	defer cancel()

	// Stop accepting requests, then stop background work, release locks,
	// and flush buffered errors.
	if err := httpServer.Shutdown(ctx); err != nil {
		log.Error("http shutdown failed", "error", err)
	}
	dispatcher.Stop(ctx)
	locks.Shutdown(ctx)
	appCache.Shutdown()
	errorSink.Shutdown(ctx)
	publisher.Close()

	log.Info("shutdown complete")
}
