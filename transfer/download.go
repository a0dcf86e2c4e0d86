package transfer

import (
	"context"
	"io"
	"time"

	"github.com/google/uuid"
	"github.com/opd-ai/vfstransfer/audit"
	"github.com/opd-ai/vfstransfer/vfs"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"
)

// DownloadHandler serves read transfers.
type DownloadHandler struct {
	lifecycle[*DownloadTransfer]
	settings Settings
	copies   *semaphore.Weighted
}

// NewDownloadHandler creates a download handler. A nil store uses
// NewMemoryStore.
func NewDownloadHandler(deps Dependencies, settings Settings, store Store[*DownloadTransfer]) *DownloadHandler {
	return &DownloadHandler{
		lifecycle: newLifecycle[*DownloadTransfer](deps, store, audit.ContextReadData),
		settings:  settings,
		copies:    semaphore.NewWeighted(settings.backgroundCopies()),
	}
}

// Settings returns the handler's settings.
func (h *DownloadHandler) Settings() Settings { return h.settings }

// RequestToken grants a download of resourceID. The resource is read
// locked until the transfer closes. clientMaxBlockSize of zero or less
// selects the configured default block size.
func (h *DownloadHandler) RequestToken(ctx context.Context, resourceID string, includeHash bool, clientMaxBlockSize int) (DownloadToken, error) {
	const task = audit.ContextDownloadTokenRequest

	logrus.WithFields(logrus.Fields{
		"function":       "RequestToken",
		"resource_id":    resourceID,
		"include_hash":   includeHash,
		"max_block_size": clientMaxBlockSize,
	}).Debug("Download token requested")

	file, err := h.provider.ResolveFile(ctx, resourceID, true)
	if err != nil {
		return DownloadToken{}, h.fail(task, err)
	}
	if !file.Exists() {
		return DownloadToken{}, h.fail(task, vfs.NewError(vfs.KindResourceNotFound, audit.EventResourceNotFound,
			"file %s not found", resourceID))
	}
	qid := file.QualifiedIdentifier()

	claims, err := h.provider.FileClaims(ctx, file)
	if err != nil {
		return DownloadToken{}, h.fail(task, err)
	}
	if !claims.AllowReadData {
		return DownloadToken{}, h.fail(task, vfs.NewError(vfs.KindResourceAccess, audit.EventAccessDenied,
			"read access to %s denied", qid))
	}

	guard := h.locks.AcquireReadLock(qid, h.settings.DownloadTokenLifetime)
	if !guard.IsLockEnabled() {
		return DownloadToken{}, h.fail(audit.ContextLocking, vfs.NewError(vfs.KindResourceLocked, audit.EventLockDenied,
			"%s is %s", qid, h.locks.GetLockState(qid)))
	}

	var hash string
	if includeHash {
		hash, err = h.provider.ComputeHash(ctx, file)
		if err != nil {
			guard.Release()
			return DownloadToken{}, h.fail(task, err)
		}
	}

	info := file.ResourceInfo()
	contentType := info.ContentType
	if contentType == "" {
		contentType = vfs.ContentTypeFor(info.Name)
	}
	now := h.timeProvider.Now()
	var expiresAt time.Time
	if h.settings.DownloadTokenLifetime > 0 {
		expiresAt = now.Add(h.settings.DownloadTokenLifetime)
	}
	blockSize := EffectiveBlockSize(clientMaxBlockSize, h.settings.DefaultDownloadBlockSize, h.settings.MaxDownloadBlockSize)

	token := DownloadToken{
		TransferToken: TransferToken{
			TransferID:     uuid.NewString(),
			ResourceID:     qid,
			ResourceName:   info.Name,
			ContentType:    contentType,
			ResourceLength: info.Length,
			CreationTime:   now,
			ExpirationTime: expiresAt,
			ContentHash:    hash,
		},
		DownloadBlockSize: blockSize,
		TotalBlockCount:   TotalBlockCount(info.Length, blockSize),
	}

	owner := h.provider.Identity(ctx)
	t := &DownloadTransfer{token: token, autoClose: h.settings.AutoCloseDownloads}
	t.init(token.TransferID, owner, file, guard, now, expiresAt)
	h.register(t)

	h.record(audit.LevelInfo, task, audit.EventTransferStarted,
		"download %s of %s started by %s: %d blocks of %d bytes",
		token.TransferID, qid, owner, token.TotalBlockCount, blockSize)
	return token, nil
}

// ReloadToken returns the token of an active transfer.
func (h *DownloadHandler) ReloadToken(transferID string) (DownloadToken, error) {
	t, err := h.lookup(audit.ContextTransferControl, transferID)
	if err != nil {
		return DownloadToken{}, err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := h.checkActiveLocked(&t.Transfer, audit.ContextTransferControl); err != nil {
		return DownloadToken{}, err
	}
	return t.token, nil
}

// ReadBlock returns block blockNumber in memory. Blocks may be read in
// any order and any number of times.
func (h *DownloadHandler) ReadBlock(ctx context.Context, transferID string, blockNumber int64) (BufferedDataBlock, error) {
	t, file, info, err := h.prepareRead(ctx, transferID, blockNumber)
	if err != nil {
		return BufferedDataBlock{}, err
	}

	data, err := h.provider.ReadBytes(ctx, file, info.Offset, info.BlockLength)
	if err != nil {
		return BufferedDataBlock{}, h.fail(h.dataContext, err)
	}
	if len(data) != info.BlockLength {
		return BufferedDataBlock{}, h.fail(h.dataContext, vfs.NewError(vfs.KindDataBlock, audit.EventInvalidBlock,
			"block %d of %s: read %d of %d bytes", blockNumber, t.resourceID, len(data), info.BlockLength))
	}

	if err := h.finishRead(t, info, true); err != nil {
		return BufferedDataBlock{}, err
	}
	return BufferedDataBlock{DataBlockInfo: info, Data: data}, nil
}

// ReadBlockStreamed returns block blockNumber as a stream. The caller must
// close Data. When the last block is streamed with auto-close enabled, the
// transfer completes once the stream is drained or closed.
func (h *DownloadHandler) ReadBlockStreamed(ctx context.Context, transferID string, blockNumber int64) (StreamedDataBlock, error) {
	r, err := h.openBlock(ctx, transferID, blockNumber)
	if err != nil {
		return StreamedDataBlock{}, err
	}
	return StreamedDataBlock{DataBlockInfo: r.info, Data: r}, nil
}

func (h *DownloadHandler) openBlock(ctx context.Context, transferID string, blockNumber int64) (*blockReader, error) {
	t, file, info, err := h.prepareRead(ctx, transferID, blockNumber)
	if err != nil {
		return nil, err
	}

	rc, err := h.provider.OpenRange(ctx, file, info.Offset, int64(info.BlockLength))
	if err != nil {
		return nil, h.fail(h.dataContext, err)
	}
	if err := h.finishRead(t, info, false); err != nil {
		rc.Close()
		return nil, err
	}
	return &blockReader{
		h:             h,
		t:             t,
		source:        rc,
		info:          info,
		completeAtEnd: info.IsLastBlock && t.autoClose,
	}, nil
}

// prepareRead validates a block request and returns the block's range.
func (h *DownloadHandler) prepareRead(ctx context.Context, transferID string, blockNumber int64) (*DownloadTransfer, vfs.FileItem, DataBlockInfo, error) {
	t, err := h.lookup(h.dataContext, transferID)
	if err != nil {
		return nil, nil, DataBlockInfo{}, err
	}
	token := t.Token()

	if blockNumber < 0 || blockNumber >= token.TotalBlockCount {
		return nil, nil, DataBlockInfo{}, h.fail(h.dataContext, vfs.NewError(vfs.KindDataBlock, audit.EventInvalidBlock,
			"block %d out of range [0, %d)", blockNumber, token.TotalBlockCount))
	}

	file, err := h.provider.ResolveFile(ctx, t.resourceID, true)
	if err != nil {
		return nil, nil, DataBlockInfo{}, h.fail(h.dataContext, err)
	}

	t.mu.Lock()
	err = h.checkActiveLocked(&t.Transfer, h.dataContext)
	t.mu.Unlock()
	if err != nil {
		return nil, nil, DataBlockInfo{}, err
	}

	offset, size := BlockRange(token.ResourceLength, token.DownloadBlockSize, blockNumber)
	info := DataBlockInfo{
		TransferID:  transferID,
		BlockNumber: blockNumber,
		Offset:      offset,
		BlockLength: size,
		IsLastBlock: blockNumber == token.TotalBlockCount-1,
	}
	return t, file, info, nil
}

// finishRead records a delivered block. With complete set, reading the
// last block of an auto-closing transfer completes it.
func (h *DownloadHandler) finishRead(t *DownloadTransfer, info DataBlockInfo, complete bool) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if err := h.checkActiveLocked(&t.Transfer, h.dataContext); err != nil {
		return err
	}
	t.registerBlockLocked(info, h.timeProvider.Now())
	h.record(audit.LevelDebug, h.dataContext, audit.EventBlockTransferred,
		"transfer %s: block %d (%d bytes at %d) read", t.id, info.BlockNumber, info.BlockLength, info.Offset)

	if complete && info.IsLastBlock && t.autoClose {
		h.closeLocked(&t.Transfer, Completed, "", h.dataContext, audit.EventTransferCompleted, audit.LevelInfo)
	}
	return nil
}

// CompleteTransfer closes a download as completed. Closed transfers keep
// their status; unknown ids yield UnknownTransfer.
func (h *DownloadHandler) CompleteTransfer(transferID string) Status {
	t, ok := h.store.Get(transferID)
	if !ok {
		return UnknownTransfer
	}
	return h.complete(t, audit.ContextTransferControl)
}

func (h *DownloadHandler) complete(t *DownloadTransfer, ctx audit.Context) Status {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.status.IsActive() {
		return t.status
	}
	h.closeLocked(&t.Transfer, Completed, "", ctx, audit.EventTransferCompleted, audit.LevelInfo)
	return Completed
}

// DownloadFile streams the whole resource of an active transfer. The
// stream reads block by block; reaching its end or closing it completes
// the transfer.
func (h *DownloadHandler) DownloadFile(ctx context.Context, transferID string) (io.ReadCloser, error) {
	t, err := h.lookup(h.dataContext, transferID)
	if err != nil {
		return nil, err
	}

	t.mu.Lock()
	err = h.checkActiveLocked(&t.Transfer, h.dataContext)
	token := t.token
	t.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return newTransferStream(ctx, h, token, h.settings.StreamBytesPerSecond), nil
}

// ReadFile requests a token for resourceID and streams the whole resource.
func (h *DownloadHandler) ReadFile(ctx context.Context, resourceID string) (io.ReadCloser, error) {
	token, err := h.RequestToken(ctx, resourceID, false, 0)
	if err != nil {
		return nil, err
	}
	return h.DownloadFile(ctx, token.TransferID)
}
