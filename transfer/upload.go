package transfer

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"
	"github.com/opd-ai/vfstransfer/audit"
	"github.com/opd-ai/vfstransfer/vfs"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"
)

// UploadHandler serves write transfers.
type UploadHandler struct {
	lifecycle[*UploadTransfer]
	settings Settings
	copies   *semaphore.Weighted
}

// NewUploadHandler creates an upload handler. A nil store uses
// NewMemoryStore.
func NewUploadHandler(deps Dependencies, settings Settings, store Store[*UploadTransfer]) *UploadHandler {
	return &UploadHandler{
		lifecycle: newLifecycle[*UploadTransfer](deps, store, audit.ContextWriteData),
		settings:  settings,
		copies:    semaphore.NewWeighted(settings.backgroundCopies()),
	}
}

// Settings returns the handler's settings.
func (h *UploadHandler) Settings() Settings { return h.settings }

// RequestToken grants an upload of resourceLength bytes to resourceID. The
// resource is write locked until the transfer closes.
func (h *UploadHandler) RequestToken(ctx context.Context, resourceID string, overwrite bool, resourceLength int64, contentType string) (UploadToken, error) {
	const task = audit.ContextUploadTokenRequest

	logrus.WithFields(logrus.Fields{
		"function":        "RequestToken",
		"resource_id":     resourceID,
		"overwrite":       overwrite,
		"resource_length": resourceLength,
	}).Debug("Upload token requested")

	if resourceLength < 0 {
		return UploadToken{}, h.fail(task, vfs.NewError(vfs.KindResourceAccess, audit.EventAccessDenied,
			"invalid resource length %d", resourceLength))
	}
	if h.settings.MaxUploadFileSize > 0 && resourceLength > h.settings.MaxUploadFileSize {
		return UploadToken{}, h.fail(task, vfs.NewError(vfs.KindResourceAccess, audit.EventAccessDenied,
			"resource length %d exceeds the limit of %d bytes", resourceLength, h.settings.MaxUploadFileSize))
	}

	file, err := h.provider.ResolveFile(ctx, resourceID, false)
	if err != nil {
		return UploadToken{}, h.fail(task, err)
	}
	qid := file.QualifiedIdentifier()

	folder, err := h.provider.ParentFolder(ctx, file)
	if err != nil {
		return UploadToken{}, h.fail(task, err)
	}
	if !folder.Exists() {
		return UploadToken{}, h.fail(task, vfs.NewError(vfs.KindResourceNotFound, audit.EventResourceNotFound,
			"folder %s not found", folder.QualifiedIdentifier()))
	}
	folderClaims, err := h.provider.FolderClaims(ctx, folder)
	if err != nil {
		return UploadToken{}, h.fail(task, err)
	}
	if !folderClaims.AllowAddFiles {
		return UploadToken{}, h.fail(task, vfs.NewError(vfs.KindResourceAccess, audit.EventAccessDenied,
			"folder %s may not contain files", folder.QualifiedIdentifier()))
	}

	if file.Exists() {
		if !overwrite {
			return UploadToken{}, h.fail(task, vfs.NewError(vfs.KindResourceOverwrite, audit.EventOverwriteDenied,
				"%s exists and overwrite was not requested", qid))
		}
		claims, err := h.provider.FileClaims(ctx, file)
		if err != nil {
			return UploadToken{}, h.fail(task, err)
		}
		if !claims.AllowOverwrite {
			return UploadToken{}, h.fail(task, vfs.NewError(vfs.KindResourceOverwrite, audit.EventOverwriteDenied,
				"overwriting %s denied", qid))
		}
	}

	guard := h.locks.AcquireWriteLock(qid, h.settings.UploadTokenLifetime)
	if !guard.IsLockEnabled() {
		return UploadToken{}, h.fail(audit.ContextLocking, vfs.NewError(vfs.KindResourceLocked, audit.EventLockDenied,
			"%s is %s", qid, h.locks.GetLockState(qid)))
	}

	name := vfs.BaseName(qid)
	if contentType == "" {
		contentType = vfs.ContentTypeFor(name)
	}
	now := h.timeProvider.Now()
	var expiresAt time.Time
	if h.settings.UploadTokenLifetime > 0 {
		expiresAt = now.Add(h.settings.UploadTokenLifetime)
	}

	token := UploadToken{
		TransferToken: TransferToken{
			TransferID:     uuid.NewString(),
			ResourceID:     qid,
			ResourceName:   name,
			ContentType:    contentType,
			ResourceLength: resourceLength,
			CreationTime:   now,
			ExpirationTime: expiresAt,
		},
		MaxResourceSize: resourceLength,
		MaxBlockSize:    h.settings.MaxUploadBlockSize,
	}

	owner := h.provider.Identity(ctx)
	t := &UploadTransfer{token: token}
	t.init(token.TransferID, owner, file, guard, now, expiresAt)
	h.register(t)

	h.record(audit.LevelInfo, task, audit.EventTransferStarted,
		"upload %s of %s started by %s: %d bytes", token.TransferID, qid, owner, resourceLength)
	return token, nil
}

// ReloadToken returns the token of an active transfer.
func (h *UploadHandler) ReloadToken(transferID string) (UploadToken, error) {
	t, err := h.lookup(audit.ContextTransferControl, transferID)
	if err != nil {
		return UploadToken{}, err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := h.checkActiveLocked(&t.Transfer, audit.ContextTransferControl); err != nil {
		return UploadToken{}, err
	}
	return t.token, nil
}

// WriteBlock persists a buffered block. Resending a block number replaces
// the earlier bytes. Writing the last block completes the transfer.
func (h *UploadHandler) WriteBlock(ctx context.Context, block BufferedDataBlock) error {
	return h.writeBlock(ctx, block.DataBlockInfo, bytes.NewReader(block.Data), len(block.Data))
}

// WriteBlockStreamed persists a streamed block. The stream must deliver
// exactly BlockLength bytes; a longer stream fails with a DataBlock error.
func (h *UploadHandler) WriteBlockStreamed(ctx context.Context, block StreamedDataBlock) error {
	data := block.Data
	if data == nil {
		data = bytes.NewReader(nil)
	}
	return h.writeBlock(ctx, block.DataBlockInfo, data, -1)
}

// writeBlock is shared by both block writers. buffered is the payload size
// of buffered blocks and -1 for streams.
func (h *UploadHandler) writeBlock(ctx context.Context, info DataBlockInfo, data io.Reader, buffered int) error {
	task := h.dataContext

	t, err := h.lookup(task, info.TransferID)
	if err != nil {
		return err
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	t.mu.Lock()
	err = h.checkActiveLocked(&t.Transfer, task)
	token := t.token
	file := t.file
	t.mu.Unlock()
	if err != nil {
		return err
	}

	if err := h.validateBlock(token, info, buffered); err != nil {
		return err
	}

	if !t.initialized {
		if err := h.provider.DeleteOrReplace(ctx, file, token.ContentType); err != nil {
			return h.fail(task, err)
		}
		t.initialized = true
	}

	src := &activeReader{
		r: io.LimitReader(data, int64(info.BlockLength)),
		check: func() error {
			t.mu.Lock()
			defer t.mu.Unlock()
			return h.checkActiveLocked(&t.Transfer, task)
		},
	}
	written, err := h.provider.WriteBytes(ctx, file, info.Offset, src)
	if err != nil {
		return h.fail(task, err)
	}
	if written != int64(info.BlockLength) {
		return h.fail(task, vfs.NewError(vfs.KindDataBlock, audit.EventInvalidBlock,
			"block %d delivered %d of %d bytes", info.BlockNumber, written, info.BlockLength))
	}
	if buffered < 0 {
		var extra [1]byte
		if n, _ := io.ReadFull(data, extra[:]); n > 0 {
			return h.fail(task, vfs.NewError(vfs.KindDataBlock, audit.EventInvalidBlock,
				"block %d carries more than the declared %d bytes", info.BlockNumber, info.BlockLength))
		}
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if err := h.checkActiveLocked(&t.Transfer, task); err != nil {
		return err
	}
	t.registerBlockLocked(info, h.timeProvider.Now())
	h.record(audit.LevelDebug, task, audit.EventBlockTransferred,
		"transfer %s: block %d (%d bytes at %d) written", t.id, info.BlockNumber, info.BlockLength, info.Offset)

	if info.IsLastBlock {
		h.closeLocked(&t.Transfer, Completed, "", task, audit.EventTransferCompleted, audit.LevelInfo)
	}
	return nil
}

func (h *UploadHandler) validateBlock(token UploadToken, info DataBlockInfo, buffered int) error {
	var ve *vfs.Error
	switch {
	case info.BlockNumber < 0:
		ve = vfs.NewError(vfs.KindDataBlock, audit.EventInvalidBlock, "negative block number %d", info.BlockNumber)
	case info.BlockLength < 0:
		ve = vfs.NewError(vfs.KindDataBlock, audit.EventInvalidBlock, "block %d: negative length %d", info.BlockNumber, info.BlockLength)
	case info.Offset < 0:
		ve = vfs.NewError(vfs.KindDataBlock, audit.EventInvalidBlock, "block %d: negative offset %d", info.BlockNumber, info.Offset)
	case buffered >= 0 && buffered != info.BlockLength:
		ve = vfs.NewError(vfs.KindDataBlock, audit.EventInvalidBlock,
			"block %d: buffer holds %d bytes but %d were declared", info.BlockNumber, buffered, info.BlockLength)
	case token.MaxBlockSize > 0 && info.BlockLength > token.MaxBlockSize:
		ve = vfs.NewError(vfs.KindDataBlock, audit.EventInvalidBlock,
			"block %d: length %d exceeds the maximum of %d", info.BlockNumber, info.BlockLength, token.MaxBlockSize)
	case info.Offset > token.MaxResourceSize-int64(info.BlockLength):
		ve = vfs.NewError(vfs.KindDataBlock, audit.EventInvalidBlock,
			"block %d: %d bytes at offset %d exceed the resource size of %d", info.BlockNumber,
			info.BlockLength, info.Offset, token.MaxResourceSize)
	default:
		return nil
	}
	return h.fail(h.dataContext, ve)
}

// CompleteTransfer closes an upload. A non-empty hash is compared with the
// stored content: a match completes the transfer, a mismatch aborts it and
// returns an IntegrityCheck error. Closed transfers keep their status;
// unknown ids yield UnknownTransfer.
func (h *UploadHandler) CompleteTransfer(ctx context.Context, transferID, hash string) (Status, error) {
	const task = audit.ContextTransferControl

	t, ok := h.store.Get(transferID)
	if !ok {
		return UnknownTransfer, nil
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.status.IsActive() {
		return t.status, nil
	}

	if !t.initialized {
		if err := h.provider.DeleteOrReplace(ctx, t.file, t.token.ContentType); err != nil {
			return t.status, h.fail(task, err)
		}
		t.initialized = true
	}

	if hash != "" {
		actual, err := h.provider.ComputeHash(ctx, t.file)
		if err != nil {
			return t.status, h.fail(task, err)
		}
		if !vfs.HashesEqual(actual, hash) {
			reason := fmt.Sprintf("integrity check failed: expected %s, got %s", hash, actual)
			h.closeLocked(&t.Transfer, Aborted, reason, task, audit.EventIntegrityCheckFailed, audit.LevelWarning)
			ve := vfs.NewError(vfs.KindIntegrityCheck, audit.EventIntegrityCheckFailed, "transfer %s: %s", transferID, reason)
			ve.Audited = true
			return Aborted, ve
		}
	}

	h.closeLocked(&t.Transfer, Completed, "", task, audit.EventTransferCompleted, audit.LevelInfo)
	return Completed, nil
}

// WriteFile uploads length bytes from r to resourceID in blocks of
// Settings.WriteChunkSize. Any failure cancels the transfer before the
// error is returned, so no lock is left behind.
func (h *UploadHandler) WriteFile(ctx context.Context, resourceID string, r io.Reader, overwrite bool, length int64, contentType string) (vfs.ResourceInfo, error) {
	token, err := h.RequestToken(ctx, resourceID, overwrite, length, contentType)
	if err != nil {
		return vfs.ResourceInfo{}, err
	}
	id := token.TransferID

	chunk := h.settings.writeChunkSize(token.MaxBlockSize)
	total := TotalBlockCount(length, chunk)
	for n := int64(0); n < total; n++ {
		offset, size := BlockRange(length, chunk, n)
		block := StreamedDataBlock{
			DataBlockInfo: DataBlockInfo{
				TransferID:  id,
				BlockNumber: n,
				Offset:      offset,
				BlockLength: size,
				IsLastBlock: n == total-1,
			},
			Data: io.LimitReader(r, int64(size)),
		}
		if err := h.WriteBlockStreamed(ctx, block); err != nil {
			h.Cancel(id, fmt.Sprintf("write failed: %v", err))
			return vfs.ResourceInfo{}, err
		}
	}
	if total == 0 {
		if _, err := h.CompleteTransfer(ctx, id, ""); err != nil {
			h.Cancel(id, fmt.Sprintf("write failed: %v", err))
			return vfs.ResourceInfo{}, err
		}
	}

	file, err := h.provider.ResolveFile(ctx, token.ResourceID, true)
	if err != nil {
		return vfs.ResourceInfo{}, h.fail(h.dataContext, err)
	}
	logrus.WithFields(logrus.Fields{
		"function":    "WriteFile",
		"resource_id": token.ResourceID,
		"length":      length,
		"blocks":      total,
	}).Info("File written")
	return file.ResourceInfo(), nil
}

// activeReader runs check before every chunk handed to the backend.
type activeReader struct {
	r     io.Reader
	check func() error
}

func (a *activeReader) Read(p []byte) (int, error) {
	if err := a.check(); err != nil {
		return 0, err
	}
	return a.r.Read(p)
}
