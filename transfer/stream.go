package transfer

import (
	"context"
	"errors"
	"io"
	"sync"

	"github.com/opd-ai/vfstransfer/audit"
	"github.com/opd-ai/vfstransfer/vfs"
	"golang.org/x/time/rate"
)

// ErrStreamClosed is the cause of the TransferStatus error returned when
// reading a closed transfer stream.
var ErrStreamClosed = errors.New("transfer stream closed")

// blockReader is the payload of a streamed download block. Every Read
// re-checks the transfer, so an abort or expiry surfaces at the next chunk.
type blockReader struct {
	h             *DownloadHandler
	t             *DownloadTransfer
	source        io.ReadCloser
	info          DataBlockInfo
	completeAtEnd bool

	closeOnce sync.Once
	closeErr  error
	eof       bool
	err       error
}

func (r *blockReader) Read(p []byte) (int, error) {
	if r.eof {
		return 0, io.EOF
	}
	if r.err != nil {
		return 0, r.err
	}

	r.t.mu.Lock()
	err := r.h.checkActiveLocked(&r.t.Transfer, r.h.dataContext)
	r.t.mu.Unlock()
	if err != nil {
		r.err = err
		r.closeSource()
		return 0, err
	}

	n, err := r.source.Read(p)
	if errors.Is(err, io.EOF) {
		r.eof = true
		r.finish()
		return n, io.EOF
	}
	if err != nil {
		r.err = r.h.fail(r.h.dataContext, err)
		return n, r.err
	}
	return n, nil
}

// Close releases the backend stream. Closing the last block of an
// auto-closing transfer completes it.
func (r *blockReader) Close() error {
	err := r.closeSource()
	r.finish()
	if err != nil {
		return r.h.fail(r.h.dataContext, err)
	}
	return nil
}

func (r *blockReader) closeSource() error {
	r.closeOnce.Do(func() {
		r.closeErr = r.source.Close()
	})
	return r.closeErr
}

func (r *blockReader) finish() {
	if r.completeAtEnd && r.err == nil {
		r.h.complete(r.t, r.h.dataContext)
	}
}

// transferStream presents a download as one continuous stream by reading
// streamed blocks in order.
type transferStream struct {
	ctx        context.Context
	h          *DownloadHandler
	transferID string
	total      int64
	next       int64
	current    *blockReader
	limiter    *rate.Limiter
	closed     bool
	finishOnce sync.Once
}

func newTransferStream(ctx context.Context, h *DownloadHandler, token DownloadToken, bytesPerSecond int) *transferStream {
	s := &transferStream{
		ctx:        ctx,
		h:          h,
		transferID: token.TransferID,
		total:      token.TotalBlockCount,
	}
	if bytesPerSecond > 0 {
		s.limiter = rate.NewLimiter(rate.Limit(bytesPerSecond), bytesPerSecond)
	}
	return s
}

func (s *transferStream) Read(p []byte) (int, error) {
	if s.closed {
		return 0, s.h.fail(s.h.dataContext, vfs.WrapError(vfs.KindTransferStatus, audit.EventInactiveTransfer,
			ErrStreamClosed, "transfer %s", s.transferID))
	}
	if s.limiter != nil && len(p) > s.limiter.Burst() {
		p = p[:s.limiter.Burst()]
	}

	for {
		if s.current == nil {
			if s.next >= s.total {
				s.finish()
				return 0, io.EOF
			}
			block, err := s.h.openBlock(s.ctx, s.transferID, s.next)
			if err != nil {
				return 0, err
			}
			s.current = block
			s.next++
		}

		n, err := s.current.Read(p)
		if n > 0 && s.limiter != nil {
			if werr := s.limiter.WaitN(s.ctx, n); werr != nil {
				return n, s.h.fail(s.h.dataContext, werr)
			}
		}
		if errors.Is(err, io.EOF) {
			s.current.Close()
			s.current = nil
			if n > 0 {
				return n, nil
			}
			continue
		}
		return n, err
	}
}

// Close completes the transfer if it is still active.
func (s *transferStream) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true

	var err error
	if s.current != nil {
		err = s.current.closeSource()
		s.current = nil
	}
	s.finish()
	if err != nil {
		return s.h.fail(s.h.dataContext, err)
	}
	return nil
}

func (s *transferStream) finish() {
	s.finishOnce.Do(func() {
		s.h.CompleteTransfer(s.transferID)
	})
}
