package transfer

import (
	"context"
	"io"

	"github.com/opd-ai/vfstransfer/vfs"
	"github.com/sirupsen/logrus"
)

// ReadFileAsync copies resourceID into w on a background worker and calls
// done with the number of bytes copied. At most Settings.MaxBackgroundCopies
// copies run at once; further calls wait for a free slot or for ctx.
func (h *DownloadHandler) ReadFileAsync(ctx context.Context, resourceID string, w io.Writer, done func(written int64, err error)) {
	if done == nil {
		done = func(int64, error) {}
	}

	go func() {
		if err := h.copies.Acquire(ctx, 1); err != nil {
			done(0, h.fail(h.dataContext, err))
			return
		}
		defer h.copies.Release(1)

		r, err := h.ReadFile(ctx, resourceID)
		if err != nil {
			done(0, err)
			return
		}
		n, err := io.Copy(w, r)
		if cerr := r.Close(); err == nil {
			err = cerr
		}
		if err != nil {
			err = h.fail(h.dataContext, err)
		}

		logrus.WithFields(logrus.Fields{
			"function":    "ReadFileAsync",
			"resource_id": resourceID,
			"written":     n,
			"success":     err == nil,
		}).Debug("Background read finished")
		done(n, err)
	}()
}

// WriteFileAsync runs WriteFile on a background worker and calls done with
// its result. Workers are bounded like ReadFileAsync.
func (h *UploadHandler) WriteFileAsync(ctx context.Context, resourceID string, r io.Reader, overwrite bool, length int64, contentType string, done func(info vfs.ResourceInfo, err error)) {
	if done == nil {
		done = func(vfs.ResourceInfo, error) {}
	}

	go func() {
		if err := h.copies.Acquire(ctx, 1); err != nil {
			done(vfs.ResourceInfo{}, h.fail(h.dataContext, err))
			return
		}
		defer h.copies.Release(1)

		info, err := h.WriteFile(ctx, resourceID, r, overwrite, length, contentType)

		logrus.WithFields(logrus.Fields{
			"function":    "WriteFileAsync",
			"resource_id": resourceID,
			"length":      length,
			"success":     err == nil,
		}).Debug("Background write finished")
		done(info, err)
	}()
}
