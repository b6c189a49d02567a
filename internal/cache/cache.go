// Package cache implements the two-tier keyed cache: an in-process bounded
// LRU in front of the cache_entries table. There is no cross-instance
// consistency guarantee; instances converge via TTL.
package cache

import (
	"container/list"
	"context"
	"crypto/md5"
	"database/sql"
	"encoding/hex"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/tubechat/tubechat-backend/internal/logger"
)

const (
	// DefaultTTL applies to most cached values.
	DefaultTTL = 15 * time.Minute

	// SummaryTTL applies to video summaries, which are expensive to rebuild.
	SummaryTTL = 60 * time.Minute

	// memoryCap bounds the in-process tier.
	memoryCap = 10_000

	sweepInterval = 5 * time.Minute
)

// Store is the backing tier over the shared store.
type Store interface {
	GetCacheEntry(ctx context.Context, key string, now time.Time) ([]byte, time.Time, error)
	UpsertCacheEntry(ctx context.Context, key string, value []byte, expiresAt time.Time) error
	DeleteExpiredCacheEntries(ctx context.Context, now time.Time) (int64, error)
}

// Key builds a cache key as <prefix>:<md5 of params joined with ":">.
func Key(prefix string, params ...string) string {
	sum := md5.Sum([]byte(strings.Join(params, ":")))
	return prefix + ":" + hex.EncodeToString(sum[:])
}

type memoryEntry struct {
	key       string
	value     []byte
	expiresAt time.Time
}

type Cache struct {
	store  Store
	logger *logger.Logger

	mu      sync.Mutex
	entries map[string]*list.Element // key → element holding *memoryEntry
	lru     *list.List               // front = most recently used

	stopCh chan struct{}
	wg     sync.WaitGroup
}

func New(store Store, log *logger.Logger) *Cache {
	return &Cache{
		store:   store,
		logger:  log.WithComponent("cache"),
		entries: make(map[string]*list.Element),
		lru:     list.New(),
		stopCh:  make(chan struct{}),
	}
}

// Get probes the memory tier first, then the store. A store hit warms the
// memory tier. Returns nil when the key is absent or expired.
func (c *Cache) Get(ctx context.Context, key string) []byte {
	if value := c.memoryGet(key); value != nil {
		return value
	}

	value, expiresAt, err := c.store.GetCacheEntry(ctx, key, time.Now())
	if err != nil {
		if !errors.Is(err, sql.ErrNoRows) {
			c.logger.Error("cache store read failed", slog.String("key", key), slog.String("error", err.Error()))
		}
		return nil
	}

	// Warm the memory tier with the store row's authoritative expiry.
	c.memorySet(key, value, expiresAt)
	return value
}

// Set populates both tiers.
func (c *Cache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	expiresAt := time.Now().Add(ttl)

	c.memorySet(key, value, expiresAt)

	if err := c.store.UpsertCacheEntry(ctx, key, value, expiresAt); err != nil {
		c.logger.Error("cache store write failed", slog.String("key", key), slog.String("error", err.Error()))
	}
}

func (c *Cache) memoryGet(key string) []byte {
	c.mu.Lock()
	defer c.mu.Unlock()

	elem, ok := c.entries[key]
	if !ok {
		return nil
	}
	entry := elem.Value.(*memoryEntry)
	if time.Now().After(entry.expiresAt) {
		c.lru.Remove(elem)
		delete(c.entries, key)
		return nil
	}
	c.lru.MoveToFront(elem)
	return entry.value
}

func (c *Cache) memorySet(key string, value []byte, expiresAt time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.entries[key]; ok {
		entry := elem.Value.(*memoryEntry)
		entry.value = value
		entry.expiresAt = expiresAt
		c.lru.MoveToFront(elem)
		return
	}

	for len(c.entries) >= memoryCap {
		oldest := c.lru.Back()
		if oldest == nil {
			break
		}
		c.lru.Remove(oldest)
		delete(c.entries, oldest.Value.(*memoryEntry).key)
	}

	c.entries[key] = c.lru.PushFront(&memoryEntry{key: key, value: value, expiresAt: expiresAt})
}

// MemorySize returns the entry count of the memory tier.
func (c *Cache) MemorySize() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Sweep prunes expired entries from both tiers.
func (c *Cache) Sweep(ctx context.Context) {
	now := time.Now()

	c.mu.Lock()
	for key, elem := range c.entries {
		if now.After(elem.Value.(*memoryEntry).expiresAt) {
			c.lru.Remove(elem)
			delete(c.entries, key)
		}
	}
	c.mu.Unlock()

	if _, err := c.store.DeleteExpiredCacheEntries(ctx, now); err != nil {
		c.logger.Error("cache store sweep failed", slog.String("error", err.Error()))
	}
}

// StartSweeper prunes both tiers on a fixed interval until Shutdown.
func (c *Cache) StartSweeper() {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ticker := time.NewTicker(sweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				c.Sweep(context.Background())
			case <-c.stopCh:
				return
			}
		}
	}()
}

func (c *Cache) Shutdown() {
	close(c.stopCh)
	c.wg.Wait()
}
