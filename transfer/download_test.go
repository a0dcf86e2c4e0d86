package transfer

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"testing"
	"time"

	"github.com/opd-ai/vfstransfer/audit"
	"github.com/opd-ai/vfstransfer/locking"
	"github.com/opd-ai/vfstransfer/vfs"
	"github.com/opd-ai/vfstransfer/vfs/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

const downloadPath = "/data/file.bin"

func (f *fixture) putFile(t *testing.T, path string, size int) []byte {
	t.Helper()
	data := randomBytes(size, int64(size))
	require.NoError(t, f.provider.PutFile(path, data, "application/octet-stream"))
	return data
}

func expectedBlock(data []byte, blockSize int, n int64) []byte {
	offset, size := BlockRange(int64(len(data)), blockSize, n)
	return data[offset : offset+int64(size)]
}

func TestDownloadRequestTokenErrors(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, testSettings())
	f.putFile(t, downloadPath, 1000)
	f.putFile(t, "/data/secret.bin", 10)
	f.provider.SetFileClaims("/data/secret.bin", vfs.FileClaims{AllowReadData: false})

	_, err := f.downloads.RequestToken(ctx, "/data/missing.bin", false, 0)
	assert.True(t, errors.Is(err, vfs.ErrResourceNotFound), "got %v", err)

	_, err = f.downloads.RequestToken(ctx, "/data/secret.bin", false, 0)
	assert.True(t, errors.Is(err, vfs.ErrResourceAccess), "got %v", err)
	assert.Equal(t, locking.Unlocked, f.locks.GetLockState("/data/secret.bin"))

	writeLock := f.locks.TryWriteLock(downloadPath, 0)
	require.True(t, writeLock.IsEnabled())
	_, err = f.downloads.RequestToken(ctx, downloadPath, false, 0)
	assert.True(t, errors.Is(err, vfs.ErrResourceLocked), "got %v", err)
	assert.Equal(t, 1, f.recorder.Count(audit.EventLockDenied), "denials are audited once")
	for _, inc := range f.recorder.Incidents() {
		if inc.EventID == audit.EventLockDenied {
			assert.Equal(t, audit.ContextLocking, inc.Context)
		}
	}
	require.True(t, f.locks.Release(writeLock))

	token, err := f.downloads.RequestToken(ctx, downloadPath, false, 0)
	require.NoError(t, err)
	assert.Equal(t, locking.ReadOnly, f.locks.GetLockState(downloadPath))
	assert.Equal(t, Starting, f.downloads.GetStatus(token.TransferID))
	assert.Equal(t, 1, f.recorder.Count(audit.EventTransferStarted))
}

func TestDownloadTokenContents(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, testSettings())
	data := f.putFile(t, "data/file.bin", 10000)

	token, err := f.downloads.RequestToken(ctx, downloadPath, true, 3000)
	require.NoError(t, err)

	assert.NotEmpty(t, token.TransferID)
	assert.Equal(t, downloadPath, token.ResourceID)
	assert.Equal(t, "file.bin", token.ResourceName)
	assert.Equal(t, int64(10000), token.ResourceLength)
	assert.Equal(t, 3000, token.DownloadBlockSize)
	assert.Equal(t, int64(4), token.TotalBlockCount)
	assert.Equal(t, vfs.HashBytes(data), token.ContentHash)
	assert.Equal(t, f.clock.Now(), token.CreationTime)
	assert.Equal(t, f.clock.Now().Add(time.Minute), token.ExpirationTime)

	transfer, ok := f.downloads.GetTransfer(token.TransferID)
	require.True(t, ok)
	assert.Equal(t, "alice", transfer.Owner())
	assert.Equal(t, token.ExpirationTime, transfer.LockItem().Expiration)

	reloaded, err := f.downloads.ReloadToken(token.TransferID)
	require.NoError(t, err)
	assert.Equal(t, token, reloaded)

	capped, err := f.downloads.RequestToken(ctx, downloadPath, false, 1<<20)
	require.NoError(t, err)
	assert.Equal(t, 64*1024, capped.DownloadBlockSize)
	assert.Equal(t, int64(1), capped.TotalBlockCount)
	assert.Empty(t, capped.ContentHash)
	assert.Len(t, f.downloads.TransfersForResource(downloadPath), 2)
	assert.Len(t, f.downloads.TransfersForResource("data//file.bin"), 2, "paths are cleaned before lookup")
	assert.Empty(t, f.downloads.TransfersForResource("../data/file.bin"))
}

func TestDownloadRandomAccess(t *testing.T) {
	ctx := context.Background()
	settings := testSettings()
	settings.AutoCloseDownloads = false
	f := newFixture(t, settings)
	data := f.putFile(t, downloadPath, 100000)

	token, err := f.downloads.RequestToken(ctx, downloadPath, false, 0)
	require.NoError(t, err)
	require.Equal(t, 4096, token.DownloadBlockSize)
	require.Equal(t, int64(25), token.TotalBlockCount)

	for _, n := range []int64{5, 0, 24, 3, 3, 24, 10, 0} {
		block, err := f.downloads.ReadBlock(ctx, token.TransferID, n)
		require.NoError(t, err, "block %d", n)
		assert.Equal(t, expectedBlock(data, 4096, n), block.Data, "block %d", n)
		assert.Equal(t, n == 24, block.IsLastBlock, "block %d", n)
		assert.Equal(t, n*4096, block.Offset)
	}
	assert.Equal(t, Running, f.downloads.GetStatus(token.TransferID))

	transfer, _ := f.downloads.GetTransfer(token.TransferID)
	blocks := transfer.Blocks()
	require.Len(t, blocks, 5)
	assert.Equal(t, int64(0), blocks[0].BlockNumber)
	assert.Equal(t, int64(24), blocks[4].BlockNumber)
	last, ok := transfer.Block(24)
	require.True(t, ok)
	assert.Equal(t, 100000-24*4096, last.BlockLength)

	for _, n := range []int64{-1, 25} {
		_, err := f.downloads.ReadBlock(ctx, token.TransferID, n)
		assert.True(t, errors.Is(err, vfs.ErrDataBlock), "block %d: %v", n, err)
	}
	assert.Equal(t, 2, f.recorder.Count(audit.EventInvalidBlock))
	assert.Equal(t, Running, f.downloads.GetStatus(token.TransferID))
}

func TestDownloadVanishedResource(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, testSettings())
	f.putFile(t, downloadPath, 10000)

	token, err := f.downloads.RequestToken(ctx, downloadPath, false, 0)
	require.NoError(t, err)
	f.provider.Remove(downloadPath)

	_, err = f.downloads.ReadBlock(ctx, token.TransferID, 0)
	assert.True(t, errors.Is(err, vfs.ErrResourceNotFound), "got %v", err)
}

func TestDownloadLastBlockAutoCompletes(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, testSettings())
	f.putFile(t, downloadPath, 10000)

	token, err := f.downloads.RequestToken(ctx, downloadPath, false, 0)
	require.NoError(t, err)

	block, err := f.downloads.ReadBlock(ctx, token.TransferID, 2)
	require.NoError(t, err)
	assert.True(t, block.IsLastBlock)
	assert.Len(t, block.Data, 10000-2*4096)

	assert.Equal(t, Completed, f.downloads.GetStatus(token.TransferID))
	assert.Equal(t, locking.Unlocked, f.locks.GetLockState(downloadPath))
	assert.Empty(t, f.downloads.TransfersForResource(downloadPath))
	assert.Equal(t, 0, f.scheduler.Pending(), "expiration job cancelled")

	_, err = f.downloads.ReadBlock(ctx, token.TransferID, 0)
	require.True(t, errors.Is(err, vfs.ErrTransferStatus), "got %v", err)
	assert.Equal(t, audit.EventInactiveTransfer, vfs.AsError(err).EventID)
}

func TestDownloadWithForgetfulStore(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, testSettings())
	f.putFile(t, downloadPath, 100)
	downloads := NewDownloadHandler(Dependencies{
		Provider:     f.provider,
		Locks:        f.locks,
		Scheduler:    f.scheduler,
		Auditor:      f.recorder,
		TimeProvider: f.clock,
	}, testSettings(), nil)

	token, err := downloads.RequestToken(ctx, downloadPath, false, 0)
	require.NoError(t, err)
	_, err = downloads.ReadBlock(ctx, token.TransferID, 0)
	require.NoError(t, err)

	assert.Equal(t, UnknownTransfer, downloads.GetStatus(token.TransferID))
	assert.Equal(t, UnknownTransfer, downloads.Cancel(token.TransferID, "late"))
	assert.Equal(t, UnknownTransfer, downloads.CompleteTransfer(token.TransferID))

	_, err = downloads.ReadBlock(ctx, token.TransferID, 0)
	require.True(t, errors.Is(err, vfs.ErrTransferStatus), "got %v", err)
	assert.Equal(t, audit.EventUnknownTransfer, vfs.AsError(err).EventID)
}

func TestStreamedLastBlockCompletesWhenDrained(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, testSettings())
	data := f.putFile(t, downloadPath, 10000)

	token, err := f.downloads.RequestToken(ctx, downloadPath, false, 0)
	require.NoError(t, err)

	block, err := f.downloads.ReadBlockStreamed(ctx, token.TransferID, 2)
	require.NoError(t, err)
	assert.True(t, block.IsLastBlock)
	assert.Equal(t, Running, f.downloads.GetStatus(token.TransferID))

	got, err := io.ReadAll(block.Data)
	require.NoError(t, err)
	assert.Equal(t, expectedBlock(data, 4096, 2), got)
	assert.Equal(t, Completed, f.downloads.GetStatus(token.TransferID))

	require.NoError(t, block.Data.(io.Closer).Close())
	assert.Equal(t, 1, f.recorder.Count(audit.EventTransferCompleted))
	assert.Equal(t, locking.Unlocked, f.locks.GetLockState(downloadPath))
}

func TestStreamedLastBlockCompletesWhenClosed(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, testSettings())
	f.putFile(t, downloadPath, 100)

	token, err := f.downloads.RequestToken(ctx, downloadPath, false, 0)
	require.NoError(t, err)

	block, err := f.downloads.ReadBlockStreamed(ctx, token.TransferID, 0)
	require.NoError(t, err)
	require.NoError(t, block.Data.(io.Closer).Close())
	assert.Equal(t, Completed, f.downloads.GetStatus(token.TransferID))
}

func TestDownloadExpirationCutsAccess(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, testSettings())
	f.putFile(t, downloadPath, 10000)

	token, err := f.downloads.RequestToken(ctx, downloadPath, false, 0)
	require.NoError(t, err)
	_, err = f.downloads.ReadBlock(ctx, token.TransferID, 0)
	require.NoError(t, err)

	f.clock.Advance(30 * time.Second)
	assert.Equal(t, 0, f.scheduler.RunPending())
	_, err = f.downloads.ReadBlock(ctx, token.TransferID, 1)
	require.NoError(t, err)

	f.clock.Advance(31 * time.Second)
	assert.Equal(t, 1, f.scheduler.RunPending())

	_, err = f.downloads.ReadBlock(ctx, token.TransferID, 1)
	require.True(t, errors.Is(err, vfs.ErrTransferStatus), "got %v", err)
	assert.Equal(t, audit.EventTransferExpired, vfs.AsError(err).EventID)
	assert.Equal(t, Aborted, f.downloads.GetStatus(token.TransferID))

	transfer, _ := f.downloads.GetTransfer(token.TransferID)
	assert.Equal(t, expiredReason, transfer.AbortReason())
	assert.Equal(t, 2, f.recorder.Count(audit.EventTransferExpired), "expiry plus one denied read")

	lock := f.locks.TryWriteLock(downloadPath, 0)
	assert.True(t, lock.IsEnabled(), "expired download released its read lock")
}

func TestStreamedReadFailsAtNextChunkAfterExpiry(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, testSettings())
	f.putFile(t, downloadPath, 10000)

	token, err := f.downloads.RequestToken(ctx, downloadPath, false, 0)
	require.NoError(t, err)
	block, err := f.downloads.ReadBlockStreamed(ctx, token.TransferID, 0)
	require.NoError(t, err)
	defer block.Data.(io.Closer).Close()

	buf := make([]byte, 100)
	_, err = io.ReadFull(block.Data, buf)
	require.NoError(t, err)

	require.Equal(t, 1, f.expire())
	_, err = block.Data.Read(buf)
	assert.True(t, errors.Is(err, vfs.ErrTransferStatus), "got %v", err)
	_, err = block.Data.Read(buf)
	assert.True(t, errors.Is(err, vfs.ErrTransferStatus), "got %v", err)
}

func TestPausedDownloadKeepsLock(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, testSettings())
	f.putFile(t, downloadPath, 10000)

	token, err := f.downloads.RequestToken(ctx, downloadPath, false, 0)
	require.NoError(t, err)

	status, err := f.downloads.Pause(token.TransferID)
	require.NoError(t, err)
	assert.Equal(t, Paused, status)
	status, err = f.downloads.Pause(token.TransferID)
	require.NoError(t, err)
	assert.Equal(t, Paused, status)

	assert.False(t, f.locks.TryWriteLock(downloadPath, 0).IsEnabled())
	_, err = f.uploads.RequestToken(ctx, downloadPath, true, 10, "")
	assert.True(t, errors.Is(err, vfs.ErrResourceLocked), "got %v", err)

	_, err = f.downloads.ReadBlock(ctx, token.TransferID, 0)
	require.NoError(t, err)
	assert.Equal(t, Running, f.downloads.GetStatus(token.TransferID))

	assert.Equal(t, Aborted, f.downloads.Cancel(token.TransferID, "user request"))
	assert.Equal(t, Aborted, f.downloads.Cancel(token.TransferID, "again"))
	assert.Equal(t, 1, f.recorder.Count(audit.EventTransferCancelled))

	status, err = f.downloads.Pause(token.TransferID)
	assert.Equal(t, Aborted, status)
	assert.True(t, errors.Is(err, vfs.ErrTransferStatus), "got %v", err)

	_, err = f.downloads.ReloadToken(token.TransferID)
	assert.True(t, errors.Is(err, vfs.ErrTransferStatus), "got %v", err)
	assert.Equal(t, Aborted, f.downloads.CompleteTransfer(token.TransferID))
	assert.Equal(t, locking.Unlocked, f.locks.GetLockState(downloadPath))

	status, err = f.downloads.Pause("no-such-transfer")
	assert.NoError(t, err)
	assert.Equal(t, UnknownTransfer, status)
}

func TestReaderRacesPauser(t *testing.T) {
	ctx := context.Background()
	settings := testSettings()
	settings.AutoCloseDownloads = false
	f := newFixture(t, settings)
	data := f.putFile(t, downloadPath, 10*4096)

	token, err := f.downloads.RequestToken(ctx, downloadPath, false, 0)
	require.NoError(t, err)

	var g errgroup.Group
	g.Go(func() error {
		for i := 0; i < 200; i++ {
			n := int64(i % 10)
			block, err := f.downloads.ReadBlock(ctx, token.TransferID, n)
			if err != nil {
				return err
			}
			if !bytes.Equal(expectedBlock(data, 4096, n), block.Data) {
				return fmt.Errorf("block %d differs", n)
			}
		}
		return nil
	})
	g.Go(func() error {
		for i := 0; i < 200; i++ {
			if _, err := f.downloads.Pause(token.TransferID); err != nil {
				return err
			}
		}
		return nil
	})
	require.NoError(t, g.Wait())

	status := f.downloads.GetStatus(token.TransferID)
	assert.Contains(t, []Status{Running, Paused}, status)
}

func TestDownloadFileStreamsWholeResource(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, testSettings())
	data := f.putFile(t, downloadPath, 50000)

	r, err := f.downloads.ReadFile(ctx, downloadPath)
	require.NoError(t, err)
	got, err := io.ReadAll(r)
	require.NoError(t, err)
	require.NoError(t, r.Close())

	assert.Equal(t, data, got)
	assert.Equal(t, locking.Unlocked, f.locks.GetLockState(downloadPath))
	assert.Empty(t, f.downloads.TransfersForResource(downloadPath))
	assert.Equal(t, 1, f.recorder.Count(audit.EventTransferCompleted))
}

func TestDownloadFileEarlyCloseCompletes(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, testSettings())
	f.putFile(t, downloadPath, 50000)

	token, err := f.downloads.RequestToken(ctx, downloadPath, false, 0)
	require.NoError(t, err)
	r, err := f.downloads.DownloadFile(ctx, token.TransferID)
	require.NoError(t, err)

	buf := make([]byte, 10)
	_, err = io.ReadFull(r, buf)
	require.NoError(t, err)
	require.NoError(t, r.Close())
	require.NoError(t, r.Close())

	assert.Equal(t, Completed, f.downloads.GetStatus(token.TransferID))
	assert.Equal(t, 1, f.recorder.Count(audit.EventTransferCompleted))
	_, err = r.Read(buf)
	assert.ErrorIs(t, err, ErrStreamClosed)
	assert.ErrorIs(t, err, vfs.ErrTransferStatus)
}

type failingCloseProvider struct {
	*memory.Provider
}

type failingCloser struct {
	io.Reader
}

func (failingCloser) Close() error { return errors.New("backend close failed") }

func (p failingCloseProvider) OpenRange(ctx context.Context, file vfs.FileItem, offset, length int64) (io.ReadCloser, error) {
	rc, err := p.Provider.OpenRange(ctx, file, offset, length)
	if err != nil {
		return nil, err
	}
	return failingCloser{Reader: rc}, nil
}

func TestDownloadFileCloseErrorIsClassified(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, testSettings())
	f.putFile(t, downloadPath, 50000)
	h := NewDownloadHandler(Dependencies{
		Provider:     failingCloseProvider{Provider: f.provider},
		Locks:        f.locks,
		Scheduler:    f.scheduler,
		Auditor:      f.recorder,
		TimeProvider: f.clock,
	}, testSettings(), NewInspectableStore[*DownloadTransfer]())

	token, err := h.RequestToken(ctx, downloadPath, false, 0)
	require.NoError(t, err)
	r, err := h.DownloadFile(ctx, token.TransferID)
	require.NoError(t, err)

	buf := make([]byte, 10)
	_, err = io.ReadFull(r, buf)
	require.NoError(t, err)

	err = r.Close()
	require.Error(t, err)
	assert.Equal(t, vfs.KindResourceAccess, vfs.KindOf(err))
	assert.Equal(t, 1, f.recorder.Count(audit.EventUnexpectedError))
	assert.Equal(t, Completed, h.GetStatus(token.TransferID))
}

func TestDownloadFileAbortedMidStream(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, testSettings())
	f.putFile(t, downloadPath, 50000)

	token, err := f.downloads.RequestToken(ctx, downloadPath, false, 0)
	require.NoError(t, err)
	r, err := f.downloads.DownloadFile(ctx, token.TransferID)
	require.NoError(t, err)

	buf := make([]byte, 10)
	_, err = io.ReadFull(r, buf)
	require.NoError(t, err)

	assert.Equal(t, Aborted, f.downloads.Cancel(token.TransferID, "shutdown"))
	_, err = r.Read(buf)
	assert.True(t, errors.Is(err, vfs.ErrTransferStatus), "got %v", err)

	require.NoError(t, r.Close())
	assert.Equal(t, Aborted, f.downloads.GetStatus(token.TransferID))
}

func TestDownloadFileThrottled(t *testing.T) {
	ctx := context.Background()
	settings := testSettings()
	settings.StreamBytesPerSecond = 1 << 20
	f := newFixture(t, settings)
	data := f.putFile(t, downloadPath, 20000)

	r, err := f.downloads.ReadFile(ctx, downloadPath)
	require.NoError(t, err)
	defer r.Close()
	got, err := io.ReadAll(r)
	require.NoError(t, err)
	assert.Equal(t, data, got)
}

func TestReadFileAsync(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, testSettings())
	data := f.putFile(t, downloadPath, 30000)

	var buf bytes.Buffer
	type result struct {
		n   int64
		err error
	}
	done := make(chan result, 1)
	f.downloads.ReadFileAsync(ctx, downloadPath, &buf, func(n int64, err error) {
		done <- result{n, err}
	})

	select {
	case res := <-done:
		require.NoError(t, res.err)
		assert.Equal(t, int64(len(data)), res.n)
		assert.Equal(t, data, buf.Bytes())
	case <-time.After(5 * time.Second):
		t.Fatal("background read did not finish")
	}

	failed := make(chan error, 1)
	f.downloads.ReadFileAsync(ctx, "/data/missing.bin", io.Discard, func(_ int64, err error) {
		failed <- err
	})
	select {
	case err := <-failed:
		assert.True(t, errors.Is(err, vfs.ErrResourceNotFound), "got %v", err)
	case <-time.After(5 * time.Second):
		t.Fatal("background read did not finish")
	}
}
