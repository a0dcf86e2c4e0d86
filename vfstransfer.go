// Package vfstransfer wires a storage provider, a lock repository and an
// expiration scheduler into one download handler and one upload handler.
//
// Both handlers share the lock repository, so a running download of a
// resource blocks uploads to it and the other way around.
//
// Example:
//
//	provider, _ := local.New("/srv/files")
//	engine, err := vfstransfer.New(provider, vfstransfer.NewOptions())
//	if err != nil {
//	    log.Fatal(err)
//	}
//	engine.Start()
//	defer engine.Stop()
//
//	r, err := engine.Downloads().ReadFile(ctx, "/reports/q3.pdf")
package vfstransfer

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/opd-ai/vfstransfer/audit"
	"github.com/opd-ai/vfstransfer/clock"
	"github.com/opd-ai/vfstransfer/locking"
	"github.com/opd-ai/vfstransfer/scheduler"
	"github.com/opd-ai/vfstransfer/transfer"
	"github.com/opd-ai/vfstransfer/vfs"
	"github.com/sirupsen/logrus"
)

// ErrNoProvider is returned by New when no provider is given.
var ErrNoProvider = errors.New("vfstransfer: provider is required")

// Options configures an Engine.
type Options struct {
	transfer.Settings

	// SelfTestInterval is how often the scheduler checks for expired
	// tokens. Zero uses scheduler.DefaultSelfTestInterval.
	SelfTestInterval time.Duration
	// TimeProvider drives token and lock expiration. Nil uses the system
	// clock.
	TimeProvider clock.TimeProvider
	// Auditor receives every state transition and denial. Nil logs them
	// through logrus.
	Auditor audit.Auditor
	// RetainClosedTransfers keeps closed transfers queryable so their
	// terminal status stays observable.
	RetainClosedTransfers bool
}

// NewOptions returns the default options.
func NewOptions() *Options {
	return &Options{
		Settings:         transfer.DefaultSettings(),
		SelfTestInterval: scheduler.DefaultSelfTestInterval,
	}
}

// Engine owns the handlers and their shared collaborators.
type Engine struct {
	options   *Options
	provider  vfs.Provider
	locks     *locking.Repository
	scheduler *scheduler.Scheduler
	downloads *transfer.DownloadHandler
	uploads   *transfer.UploadHandler

	mu      sync.Mutex
	running bool
}

// New creates an engine on top of provider. Nil options use NewOptions.
func New(provider vfs.Provider, options *Options) (*Engine, error) {
	if provider == nil {
		return nil, ErrNoProvider
	}
	if options == nil {
		options = NewOptions()
	}

	tp := clock.OrDefault(options.TimeProvider)
	e := &Engine{
		options:   options,
		provider:  provider,
		locks:     locking.NewRepository(tp),
		scheduler: scheduler.New(tp, options.SelfTestInterval),
	}
	deps := transfer.Dependencies{
		Provider:     provider,
		Locks:        e.locks,
		Scheduler:    e.scheduler,
		Auditor:      audit.OrDefault(options.Auditor),
		TimeProvider: tp,
	}

	var downloadStore transfer.Store[*transfer.DownloadTransfer]
	var uploadStore transfer.Store[*transfer.UploadTransfer]
	if options.RetainClosedTransfers {
		downloadStore = transfer.NewInspectableStore[*transfer.DownloadTransfer]()
		uploadStore = transfer.NewInspectableStore[*transfer.UploadTransfer]()
	} else {
		downloadStore = transfer.NewMemoryStore[*transfer.DownloadTransfer]()
		uploadStore = transfer.NewMemoryStore[*transfer.UploadTransfer]()
	}
	e.downloads = transfer.NewDownloadHandler(deps, options.Settings, downloadStore)
	e.uploads = transfer.NewUploadHandler(deps, options.Settings, uploadStore)

	logrus.WithFields(logrus.Fields{
		"function":           "New",
		"self_test_interval": e.scheduler.SelfTestInterval(),
		"retain_closed":      options.RetainClosedTransfers,
	}).Info("Transfer engine created")
	return e, nil
}

// Start runs the expiration scheduler.
func (e *Engine) Start() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.running {
		return
	}
	e.scheduler.Start()
	e.running = true
}

// Stop halts the expiration scheduler. Active transfers are left as they
// are; their tokens expire once the engine is started again.
func (e *Engine) Stop() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.running {
		return
	}
	e.scheduler.Stop()
	e.running = false
}

// IsRunning reports whether the scheduler is running.
func (e *Engine) IsRunning() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.running
}

// Downloads returns the download handler.
func (e *Engine) Downloads() *transfer.DownloadHandler { return e.downloads }

// Uploads returns the upload handler.
func (e *Engine) Uploads() *transfer.UploadHandler { return e.uploads }

// Locks returns the shared lock repository.
func (e *Engine) Locks() *locking.Repository { return e.locks }

// Scheduler returns the expiration scheduler.
func (e *Engine) Scheduler() *scheduler.Scheduler { return e.scheduler }

// Provider returns the storage provider.
func (e *Engine) Provider() vfs.Provider { return e.provider }

// Options returns the engine's options.
func (e *Engine) Options() *Options { return e.options }

// Copy streams the resource at from into a new resource at to. The source
// is read locked and the target write locked for the duration of the copy.
func (e *Engine) Copy(ctx context.Context, from, to string, overwrite bool) (vfs.ResourceInfo, error) {
	logrus.WithFields(logrus.Fields{
		"function":  "Copy",
		"from":      from,
		"to":        to,
		"overwrite": overwrite,
	}).Info("Copying resource")

	token, err := e.downloads.RequestToken(ctx, from, false, 0)
	if err != nil {
		return vfs.ResourceInfo{}, err
	}
	r, err := e.downloads.DownloadFile(ctx, token.TransferID)
	if err != nil {
		e.downloads.Cancel(token.TransferID, "copy failed")
		return vfs.ResourceInfo{}, err
	}
	defer r.Close()

	info, err := e.uploads.WriteFile(ctx, to, r, overwrite, token.ResourceLength, token.ContentType)
	if err != nil {
		e.downloads.Cancel(token.TransferID, "copy failed")
		return vfs.ResourceInfo{}, err
	}
	return info, nil
}
