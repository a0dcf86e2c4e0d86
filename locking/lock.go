// Package locking arbitrates advisory read and write access to resources.
//
// Any number of read locks may be held on a resource at once; a write lock
// is exclusive. Locks are cooperative: the repository never revokes a lock
// by itself, even one carrying an expiration. Callers that need expiry
// schedule it elsewhere and call Release when the deadline passes.
package locking

import (
	"time"
)

// LockType is the kind of lock granted.
type LockType uint8

const (
	// LockDenied means no lock was granted.
	LockDenied LockType = iota
	// LockRead is a shared lock.
	LockRead
	// LockWrite is an exclusive lock.
	LockWrite
)

// String returns the string representation of the LockType.
func (t LockType) String() string {
	switch t {
	case LockRead:
		return "read"
	case LockWrite:
		return "write"
	default:
		return "denied"
	}
}

// ResourceLockState is the aggregate state of a resource.
type ResourceLockState uint8

const (
	// Unlocked means no locks are held.
	Unlocked ResourceLockState = iota
	// ReadOnly means one or more read locks are held.
	ReadOnly
	// Locked means a write lock is held.
	Locked
)

// String returns the string representation of the ResourceLockState.
func (s ResourceLockState) String() string {
	switch s {
	case ReadOnly:
		return "read-only"
	case Locked:
		return "locked"
	default:
		return "unlocked"
	}
}

// LockItem describes a lock request outcome.
type LockItem struct {
	LockID     string
	ResourceID string
	LockType   LockType
	// Expiration is zero for locks that never expire.
	Expiration time.Time
}

// IsEnabled reports whether the item represents a granted lock.
func (l LockItem) IsEnabled() bool {
	return l.LockType != LockDenied
}

// HasExpiration reports whether the lock carries a deadline.
func (l LockItem) HasExpiration() bool {
	return !l.Expiration.IsZero()
}

func deniedItem(resourceID string) LockItem {
	return LockItem{ResourceID: resourceID, LockType: LockDenied}
}

// tracker holds the locks of one resource. Callers hold Repository.mu.
type tracker struct {
	readLocks map[string]LockItem
	writeLock *LockItem
}

func newTracker() *tracker {
	return &tracker{readLocks: make(map[string]LockItem)}
}

func (t *tracker) state() ResourceLockState {
	switch {
	case t.writeLock != nil:
		return Locked
	case len(t.readLocks) > 0:
		return ReadOnly
	default:
		return Unlocked
	}
}

func (t *tracker) release(item LockItem) bool {
	switch item.LockType {
	case LockRead:
		if _, ok := t.readLocks[item.LockID]; !ok {
			return false
		}
		delete(t.readLocks, item.LockID)
		return true
	case LockWrite:
		if t.writeLock == nil || t.writeLock.LockID != item.LockID {
			return false
		}
		t.writeLock = nil
		return true
	default:
		return false
	}
}
