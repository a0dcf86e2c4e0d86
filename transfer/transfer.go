package transfer

import (
	"sort"
	"sync"
	"time"

	"github.com/opd-ai/vfstransfer/locking"
	"github.com/opd-ai/vfstransfer/scheduler"
	"github.com/opd-ai/vfstransfer/vfs"
)

// expiredReason is the abort reason of transfers closed by their
// expiration job.
const expiredReason = "expired"

// Transferable is implemented by DownloadTransfer and UploadTransfer.
type Transferable interface {
	ID() string
	ResourceID() string
	Status() Status
	base() *Transfer
}

// Transfer is the state shared by downloads and uploads. All fields are
// guarded by mu.
type Transfer struct {
	mu          sync.Mutex
	id          string
	resourceID  string
	owner       string
	file        vfs.FileItem
	status      Status
	abortReason string
	lock        *locking.Guard
	job         *scheduler.Job
	blocks      map[int64]DataBlockInfo
	createdAt   time.Time
	expiresAt   time.Time
	lastBlockAt time.Time
}

func (t *Transfer) init(id, owner string, file vfs.FileItem, lock *locking.Guard, now, expiresAt time.Time) {
	t.id = id
	t.resourceID = file.QualifiedIdentifier()
	t.owner = owner
	t.file = file
	t.status = Starting
	t.lock = lock
	t.blocks = make(map[int64]DataBlockInfo)
	t.createdAt = now
	t.expiresAt = expiresAt
}

func (t *Transfer) base() *Transfer { return t }

// ID returns the transfer id.
func (t *Transfer) ID() string { return t.id }

// ResourceID returns the qualified identifier of the transferred resource.
func (t *Transfer) ResourceID() string { return t.resourceID }

// Owner returns the identity that requested the transfer.
func (t *Transfer) Owner() string { return t.owner }

// CreatedAt returns the token creation time.
func (t *Transfer) CreatedAt() time.Time { return t.createdAt }

// Status returns the current status.
func (t *Transfer) Status() Status {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status
}

// AbortReason returns why an aborted transfer was closed.
func (t *Transfer) AbortReason() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.abortReason
}

// LastBlockAt returns when the last block operation succeeded.
func (t *Transfer) LastBlockAt() time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lastBlockAt
}

// LockItem returns the lock held by the transfer.
func (t *Transfer) LockItem() locking.LockItem {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lock.Item()
}

// Block returns the ledger entry of block n.
func (t *Transfer) Block(n int64) (DataBlockInfo, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	info, ok := t.blocks[n]
	return info, ok
}

// Blocks returns the ledger ordered by block number.
func (t *Transfer) Blocks() []DataBlockInfo {
	t.mu.Lock()
	defer t.mu.Unlock()

	blocks := make([]DataBlockInfo, 0, len(t.blocks))
	for _, info := range t.blocks {
		blocks = append(blocks, info)
	}
	sort.Slice(blocks, func(i, j int) bool {
		return blocks[i].BlockNumber < blocks[j].BlockNumber
	})
	return blocks
}

// registerBlockLocked records a block and marks the transfer running.
// Retransmitted blocks replace their previous entry.
func (t *Transfer) registerBlockLocked(info DataBlockInfo, now time.Time) {
	t.blocks[info.BlockNumber] = info
	t.status = Running
	t.lastBlockAt = now
}

// releaseLocked frees the lock and the expiration job. Callers hold mu.
func (t *Transfer) releaseLocked() {
	if t.lock != nil {
		t.lock.Release()
	}
	if t.job != nil {
		t.job.Cancel()
	}
}

// DownloadTransfer is an active or closed download.
type DownloadTransfer struct {
	Transfer
	token     DownloadToken
	autoClose bool
}

// Token returns the download token.
func (d *DownloadTransfer) Token() DownloadToken {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.token
}

// UploadTransfer is an active or closed upload.
type UploadTransfer struct {
	Transfer
	token UploadToken
	// writeMu serializes block writes so content I/O never holds mu. It
	// also guards initialized.
	writeMu     sync.Mutex
	initialized bool
}

// Token returns the upload token.
func (u *UploadTransfer) Token() UploadToken {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.token
}
