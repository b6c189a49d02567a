package queue

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/tubechat/tubechat-backend/internal/pipeline"
)

const (
	// maxRetries bounds automatic retry of failed channel queue rows.
	maxRetries = 3
	// completedRetention is how long completed queue rows are kept.
	completedRetention = 7 * 24 * time.Hour
)

// RateEventPruner clears aged rate-limit events; wired into the daily job.
type RateEventPruner interface {
	Prune(ctx context.Context)
}

// Dispatcher drives the background ticks: pending-channel dispatch,
// queued-video dispatch, failed-row retry, completed-row GC, and the
// periodic channel refresh. Multi-instance deployments are safe because the
// pipelines acquire locks per resource.
type Dispatcher struct {
	service *Service
	pruner  RateEventPruner

	channelTick time.Duration
	videoTick   time.Duration
	batchSize   int

	cron    *cron.Cron
	jobs    []scheduledJob
	started time.Time
	stopCh  chan struct{}
	doneCh  chan struct{}
}

type scheduledJob struct {
	name string
	id   cron.EntryID
}

// JobStatus reports one cron job's schedule for the status endpoint.
type JobStatus struct {
	Name string    `json:"name"`
	Prev time.Time `json:"lastRun"`
	Next time.Time `json:"nextRun"`
}

func NewDispatcher(service *Service, pruner RateEventPruner,
	channelTick, videoTick time.Duration, batchSize int) *Dispatcher {
	return &Dispatcher{
		service:     service,
		pruner:      pruner,
		channelTick: channelTick,
		videoTick:   videoTick,
		batchSize:   batchSize,
		cron:        cron.New(),
		stopCh:      make(chan struct{}),
		doneCh:      make(chan struct{}),
	}
}

// Start launches the tick loop and schedules the cron jobs.
func (d *Dispatcher) Start() error {
	schedule := []struct {
		name string
		spec string
		fn   func()
	}{
		{"retry_failed_queue_items", "@every 5m", d.retryFailed},
		{"garbage_collection", "@daily", d.collectGarbage},
		{"channel_refresh", "@every 6h", d.refreshChannels},
	}
	for _, job := range schedule {
		id, err := d.cron.AddFunc(job.spec, job.fn)
		if err != nil {
			return err
		}
		d.jobs = append(d.jobs, scheduledJob{name: job.name, id: id})
	}
	d.cron.Start()
	d.started = time.Now()

	go d.loop()

	d.service.logger.Info("dispatcher started",
		slog.Duration("channel_tick", d.channelTick),
		slog.Duration("video_tick", d.videoTick),
		slog.Int("batch_size", d.batchSize))
	return nil
}

// Stop halts the ticks and waits for scheduled cron jobs to finish.
func (d *Dispatcher) Stop(ctx context.Context) {
	close(d.stopCh)
	<-d.doneCh

	cronCtx := d.cron.Stop()
	select {
	case <-cronCtx.Done():
	case <-ctx.Done():
	}
}

// Jobs reports the cron schedule, with last and next run times.
func (d *Dispatcher) Jobs() []JobStatus {
	statuses := make([]JobStatus, 0, len(d.jobs))
	for _, job := range d.jobs {
		entry := d.cron.Entry(job.id)
		statuses = append(statuses, JobStatus{Name: job.name, Prev: entry.Prev, Next: entry.Next})
	}
	return statuses
}

// StartedAt returns when the dispatcher began ticking.
func (d *Dispatcher) StartedAt() time.Time {
	return d.started
}

func (d *Dispatcher) loop() {
	defer close(d.doneCh)

	channelTicker := time.NewTicker(d.channelTick)
	defer channelTicker.Stop()
	videoTicker := time.NewTicker(d.videoTick)
	defer videoTicker.Stop()

	for {
		select {
		case <-channelTicker.C:
			d.dispatchChannels()
		case <-videoTicker.C:
			d.dispatchVideos()
		case <-d.stopCh:
			return
		}
	}
}

// dispatchChannels fires the channel pipeline for pending queue rows,
// oldest first. Dispatches run concurrently; the per-item lock keeps each
// row at one worker.
func (d *Dispatcher) dispatchChannels() {
	ctx := context.Background()
	items, err := d.service.store.ListPendingQueueItems(ctx, d.batchSize)
	if err != nil {
		d.service.logger.Error("pending queue scan failed", slog.String("error", err.Error()))
		return
	}

	for _, item := range items {
		item := item
		go func() {
			err := d.service.channels.ProcessQueueItem(context.Background(), item.ID)
			if err != nil && !errors.Is(err, pipeline.ErrAlreadyLocked) {
				d.service.logger.Error("channel dispatch failed",
					slog.Int64("queue_item_id", item.ID),
					slog.String("error", err.Error()))
			}
		}()
	}
}

// dispatchVideos fires the video pipeline for queued, unprocessed videos.
func (d *Dispatcher) dispatchVideos() {
	ctx := context.Background()
	videos, err := d.service.store.ListQueuedUnprocessedVideos(ctx, d.batchSize)
	if err != nil {
		d.service.logger.Error("queued video scan failed", slog.String("error", err.Error()))
		return
	}

	for _, v := range videos {
		v := v
		go func() {
			err := d.service.videos.Process(context.Background(), v.ExternalID)
			if err != nil && !errors.Is(err, pipeline.ErrAlreadyLocked) {
				d.service.logger.Error("video dispatch failed",
					slog.String("video_id", v.ExternalID),
					slog.String("error", err.Error()))
			}
		}()
	}
}

// retryFailed resets failed channel queue rows with retry budget left.
func (d *Dispatcher) retryFailed() {
	ctx := context.Background()
	reset, err := d.service.store.ResetFailedQueueItems(ctx, d.batchSize, maxRetries)
	if err != nil {
		d.service.logger.Error("queue retry reset failed", slog.String("error", err.Error()))
		return
	}
	if reset > 0 {
		d.service.logger.Info("reset failed queue items", slog.Int64("count", reset))
	}
}

// collectGarbage removes old completed queue rows and aged rate events.
func (d *Dispatcher) collectGarbage() {
	ctx := context.Background()

	deleted, err := d.service.store.DeleteCompletedQueueItemsBefore(ctx, time.Now().Add(-completedRetention))
	if err != nil {
		d.service.logger.Error("queue GC failed", slog.String("error", err.Error()))
	} else if deleted > 0 {
		d.service.logger.Info("deleted completed queue items", slog.Int64("count", deleted))
	}

	if d.pruner != nil {
		d.pruner.Prune(ctx)
	}
}

// refreshChannels enqueues videos published since each ready channel's
// newest known video.
func (d *Dispatcher) refreshChannels() {
	ctx := context.Background()
	channels, err := d.service.store.ListReadyChannels(ctx)
	if err != nil {
		d.service.logger.Error("ready channel scan failed", slog.String("error", err.Error()))
		return
	}

	for _, channel := range channels {
		newest, err := d.service.store.NewestVideoPublishedAt(ctx, channel.ID)
		if err != nil {
			d.service.logger.Error("newest video lookup failed",
				slog.Int64("channel_id", channel.ID),
				slog.String("error", err.Error()))
			continue
		}

		videos, err := d.service.metadata.ListVideos(ctx, channel.ExternalID, d.service.videoLimit, newest.Add(time.Second))
		if err != nil {
			d.service.logger.Warn("channel refresh listing failed",
				slog.Int64("channel_id", channel.ID),
				slog.String("error", err.Error()))
			continue
		}

		queued := 0
		for _, v := range videos {
			if _, err := d.service.store.UpsertVideo(ctx, upsertParamsFor(channel.ID, v)); err != nil {
				continue
			}
			if err := d.service.store.SetVideoQueued(ctx, v.ID, true); err != nil {
				continue
			}
			queued++
		}
		if queued > 0 {
			d.service.logger.Info("refresh queued new videos",
				slog.Int64("channel_id", channel.ID),
				slog.Int("count", queued))
		}
	}
}
