package queue

import (
	"context"
	"sync/atomic"
	"testing"
	"time"
)

type fakePruner struct {
	calls int64
}

func (f *fakePruner) Prune(ctx context.Context) {
	atomic.AddInt64(&f.calls, 1)
}

func TestDispatcherStartStop(t *testing.T) {
	store := newMemStore()
	svc, _, _ := newTestService(store)
	d := NewDispatcher(svc, &fakePruner{}, 50*time.Millisecond, 50*time.Millisecond, 5)

	if err := d.Start(); err != nil {
		t.Fatal(err)
	}
	if d.StartedAt().IsZero() {
		t.Error("StartedAt is zero after Start")
	}

	jobs := d.Jobs()
	if len(jobs) != 3 {
		t.Fatalf("%d cron jobs registered, want 3", len(jobs))
	}
	names := make(map[string]bool)
	for _, job := range jobs {
		names[job.Name] = true
		if job.Next.IsZero() {
			t.Errorf("job %q has no next run", job.Name)
		}
	}
	for _, want := range []string{"retry_failed_queue_items", "garbage_collection", "channel_refresh"} {
		if !names[want] {
			t.Errorf("job %q not registered", want)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	d.Stop(ctx)
}

// The channel tick picks up pending queue rows and drives the pipeline.
func TestDispatcherDispatchesPendingChannels(t *testing.T) {
	store := newMemStore()
	channels := &fakeChannelProcessor{done: make(chan struct{})}
	svc := NewService(store, channels, &fakeVideoProcessor{}, fakeMetadata{}, 25, testLogger())

	if _, err := svc.EnqueueChannel(context.Background(), "UC123", "u1", "", ""); err != nil {
		t.Fatal(err)
	}

	d := NewDispatcher(svc, &fakePruner{}, 20*time.Millisecond, time.Hour, 5)
	if err := d.Start(); err != nil {
		t.Fatal(err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		d.Stop(ctx)
	}()

	select {
	case <-channels.done:
	case <-time.After(5 * time.Second):
		t.Fatal("pending channel never dispatched")
	}
}

func TestDispatcherGarbageCollectionPrunes(t *testing.T) {
	store := newMemStore()
	svc, _, _ := newTestService(store)
	pruner := &fakePruner{}
	d := NewDispatcher(svc, pruner, time.Hour, time.Hour, 5)

	d.collectGarbage()
	if atomic.LoadInt64(&pruner.calls) != 1 {
		t.Errorf("pruner called %d times, want 1", pruner.calls)
	}
}
