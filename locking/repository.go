package locking

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/opd-ai/vfstransfer/clock"
	"github.com/sirupsen/logrus"
)

// Repository tracks locks per resource id. One mutex guards the whole map;
// every operation is an O(1) map mutation.
type Repository struct {
	mu           sync.Mutex
	trackers     map[string]*tracker
	timeProvider clock.TimeProvider
}

// NewRepository creates an empty repository. A nil tp uses the system clock.
func NewRepository(tp clock.TimeProvider) *Repository {
	return &Repository{
		trackers:     make(map[string]*tracker),
		timeProvider: clock.OrDefault(tp),
	}
}

// TryReadLock grants a shared lock unless a write lock is held. A timeout
// greater than zero stamps the item with an expiration.
func (r *Repository) TryReadLock(resourceID string, timeout time.Duration) LockItem {
	r.mu.Lock()
	defer r.mu.Unlock()

	t := r.trackers[resourceID]
	if t != nil && t.writeLock != nil {
		logrus.WithFields(logrus.Fields{
			"function":    "TryReadLock",
			"resource_id": resourceID,
		}).Debug("Read lock denied: resource is write locked")
		return deniedItem(resourceID)
	}
	if t == nil {
		t = newTracker()
		r.trackers[resourceID] = t
	}
	item := r.newItem(resourceID, LockRead, timeout)
	t.readLocks[item.LockID] = item
	return item
}

// TryWriteLock grants an exclusive lock if the resource is unlocked.
func (r *Repository) TryWriteLock(resourceID string, timeout time.Duration) LockItem {
	r.mu.Lock()
	defer r.mu.Unlock()

	t := r.trackers[resourceID]
	if t != nil && t.state() != Unlocked {
		logrus.WithFields(logrus.Fields{
			"function":    "TryWriteLock",
			"resource_id": resourceID,
			"state":       t.state().String(),
		}).Debug("Write lock denied: resource is locked")
		return deniedItem(resourceID)
	}
	if t == nil {
		t = newTracker()
		r.trackers[resourceID] = t
	}
	item := r.newItem(resourceID, LockWrite, timeout)
	t.writeLock = &item
	return item
}

func (r *Repository) newItem(resourceID string, lockType LockType, timeout time.Duration) LockItem {
	item := LockItem{
		LockID:     uuid.NewString(),
		ResourceID: resourceID,
		LockType:   lockType,
	}
	if timeout > 0 {
		item.Expiration = r.timeProvider.Now().Add(timeout)
	}
	return item
}

// Release releases a granted lock. It returns false for denied items and
// for locks that are not held.
func (r *Repository) Release(item LockItem) bool {
	if !item.IsEnabled() {
		return false
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	t := r.trackers[item.ResourceID]
	if t == nil || !t.release(item) {
		return false
	}
	if t.state() == Unlocked {
		delete(r.trackers, item.ResourceID)
	}
	return true
}

// GetLockState returns the aggregate lock state of a resource.
func (r *Repository) GetLockState(resourceID string) ResourceLockState {
	r.mu.Lock()
	defer r.mu.Unlock()

	if t := r.trackers[resourceID]; t != nil {
		return t.state()
	}
	return Unlocked
}

// LockedResources returns how many resources hold at least one lock.
func (r *Repository) LockedResources() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.trackers)
}

// AcquireReadLock is TryReadLock wrapped in a Guard.
func (r *Repository) AcquireReadLock(resourceID string, timeout time.Duration) *Guard {
	return &Guard{repo: r, item: r.TryReadLock(resourceID, timeout)}
}

// AcquireWriteLock is TryWriteLock wrapped in a Guard.
func (r *Repository) AcquireWriteLock(resourceID string, timeout time.Duration) *Guard {
	return &Guard{repo: r, item: r.TryWriteLock(resourceID, timeout)}
}

// Guard owns a lock until Release is called. Release is idempotent, so
// `defer guard.Release()` is safe even after an explicit release.
type Guard struct {
	repo *Repository
	item LockItem
	once sync.Once
}

// Item returns the guarded lock item.
func (g *Guard) Item() LockItem { return g.item }

// IsLockEnabled reports whether the guard holds a granted lock.
func (g *Guard) IsLockEnabled() bool { return g.item.IsEnabled() }

// Release releases the lock once. It reports whether this call released it.
func (g *Guard) Release() bool {
	released := false
	g.once.Do(func() {
		if g.item.IsEnabled() {
			released = g.repo.Release(g.item)
		}
	})
	return released
}
