// Package ratelimit implements sliding-window rate limiting over the
// rate_events table, with a short memoization tier to cut store round trips.
// The limiter fails open: a broken store must not block traffic.
package ratelimit

import (
	"context"
	"database/sql"
	"log/slog"
	"sync"
	"time"

	"github.com/tubechat/tubechat-backend/internal/logger"
)

// UserClass buckets callers by authentication state.
type UserClass string

const (
	ClassAnonymous UserClass = "anonymous"
	ClassUser      UserClass = "user"
	ClassPremium   UserClass = "premium"
)

// Action names a rate-limited operation.
type Action string

const (
	ActionChat           Action = "chat"
	ActionVideoUpload    Action = "video_upload"
	ActionChannelProcess Action = "channel_process"
)

// memoTTL is how long a window count may be served from memory.
const memoTTL = 60 * time.Second

// EventRetention is how long rate events are kept before pruning.
const EventRetention = 48 * time.Hour

// Limits carries the hourly and daily caps for one class×action cell.
// A zero cap disables that window; blockedCap denies the action outright.
type Limits struct {
	Hourly int64
	Daily  int64
}

// blockedCap marks a class×action cell as denied regardless of usage.
const blockedCap int64 = -1

// limitTable is the configured cap matrix.
var limitTable = map[UserClass]map[Action]Limits{
	ClassAnonymous: {
		ActionChat:           {Hourly: 5, Daily: 20},
		ActionVideoUpload:    {Hourly: 2, Daily: 5},
		ActionChannelProcess: {Hourly: blockedCap, Daily: blockedCap}, // anonymous callers cannot ingest channels
	},
	ClassUser: {
		ActionChat:           {Hourly: 5, Daily: 100},
		ActionVideoUpload:    {Hourly: 10, Daily: 30},
		ActionChannelProcess: {Hourly: 2, Daily: 5},
	},
	ClassPremium: {
		ActionChat:           {Hourly: 60, Daily: 1000},
		ActionVideoUpload:    {Hourly: 30, Daily: 100},
		ActionChannelProcess: {Hourly: 10, Daily: 20},
	},
}

// Result is the outcome of a limit check, reflecting the most restrictive
// active window.
type Result struct {
	Allowed   bool
	Limit     int64
	Remaining int64
	Window    string // "hour" or "day"
	ResetAt   time.Time
}

// Store is the subset of the query layer the limiter needs.
type Store interface {
	InsertRateEvent(ctx context.Context, identifier, action string) error
	GetRateWindow(ctx context.Context, identifier, action string, since time.Time) (int64, sql.NullTime, error)
	DeleteRateEventsBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

type memoEntry struct {
	count     int64
	oldest    sql.NullTime
	fetchedAt time.Time
}

type Limiter struct {
	store  Store
	logger *logger.Logger

	mu   sync.Mutex
	memo map[string]memoEntry // identifier|action|window → cached count
}

func NewLimiter(store Store, log *logger.Logger) *Limiter {
	return &Limiter{
		store:  store,
		logger: log.WithComponent("ratelimit"),
		memo:   make(map[string]memoEntry),
	}
}

// Check evaluates the active windows for identifier×action under the caller's
// class and returns the most restrictive result. On store error it allows the
// request.
func (l *Limiter) Check(ctx context.Context, identifier string, action Action, class UserClass) Result {
	limits := limitTable[class][action]

	windows := []struct {
		name     string
		cap      int64
		duration time.Duration
	}{
		{"hour", limits.Hourly, time.Hour},
		{"day", limits.Daily, 24 * time.Hour},
	}

	now := time.Now()
	result := Result{Allowed: true}
	found := false

	for _, w := range windows {
		if w.cap == blockedCap {
			return Result{Allowed: false, Window: w.name, ResetAt: now.Add(w.duration)}
		}
		if w.cap == 0 {
			continue
		}

		count, oldest, err := l.windowCount(ctx, identifier, action, w.name, w.duration)
		if err != nil {
			// Fail open: availability beats abuse protection here.
			l.logger.Error("rate window count failed, allowing request",
				slog.String("identifier", identifier),
				slog.String("action", string(action)),
				slog.String("error", err.Error()))
			continue
		}

		remaining := w.cap - count
		if remaining < 0 {
			remaining = 0
		}

		resetAt := now.Add(w.duration)
		if oldest.Valid {
			resetAt = oldest.Time.Add(w.duration)
		}

		candidate := Result{
			Allowed:   count < w.cap,
			Limit:     w.cap,
			Remaining: remaining,
			Window:    w.name,
			ResetAt:   resetAt,
		}

		if !found || moreRestrictive(candidate, result) {
			result = candidate
			found = true
		}
	}

	if !found {
		// No active window for this class×action: unlimited.
		return Result{Allowed: true, Remaining: -1}
	}
	return result
}

func moreRestrictive(a, b Result) bool {
	if a.Allowed != b.Allowed {
		return !a.Allowed
	}
	return a.Remaining < b.Remaining
}

// Record appends a rate event and invalidates the memoized counts for the
// identifier×action so the next Check observes it.
func (l *Limiter) Record(ctx context.Context, identifier string, action Action) {
	if err := l.store.InsertRateEvent(ctx, identifier, string(action)); err != nil {
		l.logger.Error("rate event insert failed",
			slog.String("identifier", identifier),
			slog.String("action", string(action)),
			slog.String("error", err.Error()))
	}

	l.mu.Lock()
	delete(l.memo, memoKey(identifier, action, "hour"))
	delete(l.memo, memoKey(identifier, action, "day"))
	l.mu.Unlock()
}

// Prune deletes rate events older than the retention window.
func (l *Limiter) Prune(ctx context.Context) {
	deleted, err := l.store.DeleteRateEventsBefore(ctx, time.Now().Add(-EventRetention))
	if err != nil {
		l.logger.Error("rate event prune failed", slog.String("error", err.Error()))
		return
	}
	if deleted > 0 {
		l.logger.Debug("pruned rate events", slog.Int64("deleted", deleted))
	}
}

func (l *Limiter) windowCount(ctx context.Context, identifier string, action Action, window string, duration time.Duration) (int64, sql.NullTime, error) {
	key := memoKey(identifier, action, window)

	l.mu.Lock()
	entry, ok := l.memo[key]
	l.mu.Unlock()
	if ok && time.Since(entry.fetchedAt) < memoTTL {
		return entry.count, entry.oldest, nil
	}

	count, oldest, err := l.store.GetRateWindow(ctx, identifier, string(action), time.Now().Add(-duration))
	if err != nil {
		return 0, sql.NullTime{}, err
	}

	l.mu.Lock()
	l.memo[key] = memoEntry{count: count, oldest: oldest, fetchedAt: time.Now()}
	l.mu.Unlock()

	return count, oldest, nil
}

func memoKey(identifier string, action Action, window string) string {
	return identifier + "|" + string(action) + "|" + window
}
