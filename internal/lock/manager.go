// Package lock implements a best-effort distributed lock over the shared
// store. A lock is a unique row keyed by resource id; mutual exclusion holds
// only within the lease TTL, so callers size TTLs above their worst-case
// runtime. Locks are advisory.
package lock

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/tubechat/tubechat-backend/internal/logger"
	"github.com/tubechat/tubechat-backend/internal/storage/pg"
)

// safetyMargin is how long before expiry a held lease is proactively released.
const safetyMargin = 10 * time.Second

// sweepInterval is how often expired rows are swept from the store.
const sweepInterval = 60 * time.Second

// Store is the subset of the query layer the lock manager needs.
type Store interface {
	InsertLock(ctx context.Context, resourceID, lockID string, expiresAt time.Time) error
	GetLock(ctx context.Context, resourceID string) (pg.Lock, error)
	DeleteExpiredLock(ctx context.Context, resourceID string, now time.Time) (int64, error)
	DeleteLockFenced(ctx context.Context, resourceID, lockID string) (int64, error)
	DeleteExpiredLocks(ctx context.Context, now time.Time) (int64, error)
}

// Lease is a held lock: release it with Manager.Release.
type Lease struct {
	ResourceID string
	LockID     string
	ExpiresAt  time.Time
}

type heldLease struct {
	lease *Lease
	timer *time.Timer
}

type Manager struct {
	store  Store
	logger *logger.Logger

	mu     sync.Mutex
	held   map[string]*heldLease
	stopCh chan struct{}
	wg     sync.WaitGroup
}

func NewManager(store Store, log *logger.Logger) *Manager {
	return &Manager{
		store:  store,
		logger: log.WithComponent("lock"),
		held:   make(map[string]*heldLease),
		stopCh: make(chan struct{}),
	}
}

// Acquire attempts to take an exclusive lease on resourceID for ttl.
// Returns nil when the resource is held by someone else or on any store
// error (fail-closed). On success a timer is scheduled to release the lease
// shortly before it expires.
func (m *Manager) Acquire(ctx context.Context, resourceID string, ttl time.Duration) *Lease {
	lease := m.tryInsert(ctx, resourceID, ttl)
	if lease == nil {
		return nil
	}

	m.registerLease(lease, ttl)
	return lease
}

func (m *Manager) tryInsert(ctx context.Context, resourceID string, ttl time.Duration) *Lease {
	lockID := uuid.New().String()
	expiresAt := time.Now().Add(ttl)

	err := m.store.InsertLock(ctx, resourceID, lockID, expiresAt)
	if err == nil {
		return &Lease{ResourceID: resourceID, LockID: lockID, ExpiresAt: expiresAt}
	}

	if !pg.IsUniqueViolation(err) {
		m.logger.Error("lock acquire failed", slog.String("resource", resourceID), slog.String("error", err.Error()))
		return nil
	}

	// Row exists. If its lease has expired, steal it and retry once.
	existing, getErr := m.store.GetLock(ctx, resourceID)
	if getErr != nil {
		if !errors.Is(getErr, sql.ErrNoRows) {
			m.logger.Error("lock inspect failed", slog.String("resource", resourceID), slog.String("error", getErr.Error()))
			return nil
		}
		// Row vanished between insert and read; single retry below covers it.
	} else if existing.ExpiresAt.After(time.Now()) {
		return nil
	} else {
		if _, delErr := m.store.DeleteExpiredLock(ctx, resourceID, time.Now()); delErr != nil {
			m.logger.Error("expired lock delete failed", slog.String("resource", resourceID), slog.String("error", delErr.Error()))
			return nil
		}
	}

	expiresAt = time.Now().Add(ttl)
	if err := m.store.InsertLock(ctx, resourceID, lockID, expiresAt); err != nil {
		return nil
	}
	return &Lease{ResourceID: resourceID, LockID: lockID, ExpiresAt: expiresAt}
}

func (m *Manager) registerLease(lease *Lease, ttl time.Duration) {
	release := ttl - safetyMargin
	if release <= 0 {
		release = ttl / 2
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	h := &heldLease{lease: lease}
	h.timer = time.AfterFunc(release, func() {
		m.logger.Warn("lease reached safety margin, releasing", slog.String("resource", lease.ResourceID))
		m.Release(context.Background(), lease)
	})
	m.held[lease.ResourceID] = h
}

// Release deletes the lock row, fenced by lock id: it never revokes a newer
// lease acquired after this one expired. Errors are logged only; the row
// still times out via TTL.
func (m *Manager) Release(ctx context.Context, lease *Lease) {
	if lease == nil {
		return
	}

	m.mu.Lock()
	if h, ok := m.held[lease.ResourceID]; ok && h.lease.LockID == lease.LockID {
		h.timer.Stop()
		delete(m.held, lease.ResourceID)
	}
	m.mu.Unlock()

	if _, err := m.store.DeleteLockFenced(ctx, lease.ResourceID, lease.LockID); err != nil {
		m.logger.Error("lock release failed, lease will expire via TTL",
			slog.String("resource", lease.ResourceID),
			slog.String("error", err.Error()))
	}
}

// IsLocked reports whether a live lease exists for resourceID.
func (m *Manager) IsLocked(ctx context.Context, resourceID string) bool {
	existing, err := m.store.GetLock(ctx, resourceID)
	if err != nil {
		return false
	}
	return existing.ExpiresAt.After(time.Now())
}

// Sweep deletes all expired lock rows.
func (m *Manager) Sweep(ctx context.Context) {
	deleted, err := m.store.DeleteExpiredLocks(ctx, time.Now())
	if err != nil {
		m.logger.Error("lock sweep failed", slog.String("error", err.Error()))
		return
	}
	if deleted > 0 {
		m.logger.Debug("swept expired locks", slog.Int64("deleted", deleted))
	}
}

// StartSweeper runs Sweep on a fixed interval until Shutdown.
func (m *Manager) StartSweeper() {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(sweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				m.Sweep(context.Background())
			case <-m.stopCh:
				return
			}
		}
	}()
}

// Shutdown stops the sweeper and releases every held lease.
func (m *Manager) Shutdown(ctx context.Context) {
	close(m.stopCh)
	m.wg.Wait()

	m.mu.Lock()
	leases := make([]*Lease, 0, len(m.held))
	for _, h := range m.held {
		h.timer.Stop()
		leases = append(leases, h.lease)
	}
	m.held = make(map[string]*heldLease)
	m.mu.Unlock()

	for _, lease := range leases {
		if _, err := m.store.DeleteLockFenced(ctx, lease.ResourceID, lease.LockID); err != nil {
			m.logger.Error("lock release on shutdown failed", slog.String("resource", lease.ResourceID), slog.String("error", err.Error()))
		}
	}
}
