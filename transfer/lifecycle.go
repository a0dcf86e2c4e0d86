package transfer

import (
	"fmt"
	"time"

	"github.com/opd-ai/vfstransfer/audit"
	"github.com/opd-ai/vfstransfer/clock"
	"github.com/opd-ai/vfstransfer/locking"
	"github.com/opd-ai/vfstransfer/scheduler"
	"github.com/opd-ai/vfstransfer/vfs"
	"github.com/sirupsen/logrus"
)

// Dependencies are the collaborators a handler works with. Handlers that
// must exclude each other share one Locks repository.
type Dependencies struct {
	Provider vfs.Provider
	// Locks defaults to a private repository.
	Locks *locking.Repository
	// Scheduler defaults to a private scheduler that is not started;
	// expiration then only happens through Scheduler().RunPending.
	Scheduler *scheduler.Scheduler
	// Auditor defaults to a LogrusAuditor on the standard logger.
	Auditor audit.Auditor
	// TimeProvider defaults to the system clock.
	TimeProvider clock.TimeProvider
}

// lifecycle holds the operations both handlers share.
type lifecycle[T Transferable] struct {
	provider     vfs.Provider
	locks        *locking.Repository
	scheduler    *scheduler.Scheduler
	auditor      audit.Auditor
	timeProvider clock.TimeProvider
	store        Store[T]
	// dataContext tags block operations in the audit trail.
	dataContext audit.Context
}

func newLifecycle[T Transferable](deps Dependencies, store Store[T], dataContext audit.Context) lifecycle[T] {
	tp := clock.OrDefault(deps.TimeProvider)
	l := lifecycle[T]{
		provider:     deps.Provider,
		locks:        deps.Locks,
		scheduler:    deps.Scheduler,
		auditor:      audit.OrDefault(deps.Auditor),
		timeProvider: tp,
		store:        store,
		dataContext:  dataContext,
	}
	if l.locks == nil {
		l.locks = locking.NewRepository(tp)
	}
	if l.scheduler == nil {
		l.scheduler = scheduler.New(tp, 0)
	}
	if l.store == nil {
		l.store = NewMemoryStore[T]()
	}
	return l
}

// Locks returns the lock repository used by the handler.
func (l *lifecycle[T]) Locks() *locking.Repository { return l.locks }

// Scheduler returns the scheduler driving token expiration.
func (l *lifecycle[T]) Scheduler() *scheduler.Scheduler { return l.scheduler }

// GetTransfer looks up a transfer by id.
func (l *lifecycle[T]) GetTransfer(transferID string) (T, bool) {
	return l.store.Get(transferID)
}

// GetStatus returns the status of a transfer, or UnknownTransfer.
func (l *lifecycle[T]) GetStatus(transferID string) Status {
	t, ok := l.store.Get(transferID)
	if !ok {
		return UnknownTransfer
	}
	return t.Status()
}

// TransfersForResource returns the active transfers of a resource. The
// path is cleaned the way providers qualify it, so "docs/a.txt" and
// "/docs/a.txt" name the same resource.
func (l *lifecycle[T]) TransfersForResource(resourceID string) []T {
	qid, err := vfs.CleanPath(resourceID)
	if err != nil {
		return nil
	}
	return l.store.TransfersForResource(qid)
}

// Pause pauses a starting or running transfer. Pausing a paused transfer
// is a no-op. The lock stays held while paused.
func (l *lifecycle[T]) Pause(transferID string) (Status, error) {
	logrus.WithFields(logrus.Fields{
		"function":    "Pause",
		"transfer_id": transferID,
	}).Debug("Pausing transfer")

	t, ok := l.store.Get(transferID)
	if !ok {
		l.record(audit.LevelWarning, audit.ContextTransferControl, audit.EventUnknownTransfer,
			"pause requested for unknown transfer %s", transferID)
		return UnknownTransfer, nil
	}

	b := t.base()
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.status {
	case Paused:
		return Paused, nil
	case Starting, Running:
		b.status = Paused
		l.record(audit.LevelInfo, audit.ContextTransferControl, audit.EventTransferPaused,
			"transfer %s paused", transferID)
		return Paused, nil
	default:
		return b.status, l.inactiveLocked(b, audit.ContextTransferControl)
	}
}

// Cancel aborts a transfer with the given reason and returns Aborted.
// Transfers that are already closed keep their status; unknown ids yield
// UnknownTransfer.
func (l *lifecycle[T]) Cancel(transferID, reason string) Status {
	logrus.WithFields(logrus.Fields{
		"function":    "Cancel",
		"transfer_id": transferID,
		"reason":      reason,
	}).Debug("Cancelling transfer")

	t, ok := l.store.Get(transferID)
	if !ok {
		return UnknownTransfer
	}

	b := t.base()
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.status.IsActive() {
		return b.status
	}
	l.closeLocked(b, Aborted, reason, audit.ContextTransferControl, audit.EventTransferCancelled, audit.LevelInfo)
	return Aborted
}

// closeLocked moves b into a terminal status, releases its lock, cancels
// its expiration job and removes it from the store. Callers hold b.mu.
func (l *lifecycle[T]) closeLocked(b *Transfer, status Status, reason string, ctx audit.Context, event audit.EventID, level audit.Level) {
	b.status = status
	if status == Aborted {
		b.abortReason = reason
	}
	b.releaseLocked()
	l.store.Remove(b.id)

	message := fmt.Sprintf("transfer %s %s", b.id, status)
	if reason != "" {
		message += ": " + reason
	}
	l.record(level, ctx, event, "%s", message)
}

// register publishes a new transfer and schedules its expiration.
func (l *lifecycle[T]) register(t T) {
	b := t.base()
	b.mu.Lock()
	defer b.mu.Unlock()

	l.store.Add(t)
	if !b.expiresAt.IsZero() {
		id := b.id
		b.job = l.scheduler.Schedule(b.expiresAt, func() { l.expire(id) })
	}
}

// expire is the expiration job callback.
func (l *lifecycle[T]) expire(transferID string) {
	t, ok := l.store.Get(transferID)
	if !ok {
		return
	}

	b := t.base()
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.status.IsActive() {
		return
	}
	logrus.WithFields(logrus.Fields{
		"function":    "expire",
		"transfer_id": transferID,
		"expired_at":  b.expiresAt,
	}).Info("Transfer expired")
	l.closeLocked(b, Aborted, expiredReason, audit.ContextTransferExpiration, audit.EventTransferExpired, audit.LevelWarning)
}

// lookup finds an active or retained transfer. Unknown ids are reported as
// a TransferStatus error.
func (l *lifecycle[T]) lookup(ctx audit.Context, transferID string) (T, error) {
	t, ok := l.store.Get(transferID)
	if !ok {
		return t, l.fail(ctx, vfs.NewError(vfs.KindTransferStatus, audit.EventUnknownTransfer,
			"unknown transfer %s", transferID))
	}
	return t, nil
}

// checkActiveLocked fails unless b accepts block operations. Callers hold
// b.mu.
func (l *lifecycle[T]) checkActiveLocked(b *Transfer, ctx audit.Context) error {
	if b.status.IsActive() {
		return nil
	}
	return l.inactiveLocked(b, ctx)
}

func (l *lifecycle[T]) inactiveLocked(b *Transfer, ctx audit.Context) error {
	if b.status == Aborted && b.abortReason == expiredReason {
		return l.fail(ctx, vfs.NewError(vfs.KindTransferStatus, audit.EventTransferExpired,
			"transfer %s expired at %s", b.id, b.expiresAt.Format(time.RFC3339)))
	}
	return l.fail(ctx, vfs.NewError(vfs.KindTransferStatus, audit.EventInactiveTransfer,
		"transfer %s is no longer active (%s)", b.id, b.status))
}

// fail classifies err, audits it unless that already happened and returns
// it as a *vfs.Error.
func (l *lifecycle[T]) fail(ctx audit.Context, err error) error {
	ve := vfs.Classify(err, "unexpected failure during %s", ctx)
	if ve.Audited {
		return ve
	}
	ve.Audited = true

	level := audit.LevelWarning
	if ve.EventID == audit.EventUnexpectedError {
		level = audit.LevelCritical
	}
	l.auditor.Audit(audit.Incident{
		Level:   level,
		Context: ctx,
		EventID: ve.EventID,
		Message: ve.Error(),
	})
	return ve
}

func (l *lifecycle[T]) record(level audit.Level, ctx audit.Context, event audit.EventID, format string, args ...interface{}) {
	l.auditor.Audit(audit.Incident{
		Level:   level,
		Context: ctx,
		EventID: event,
		Message: fmt.Sprintf(format, args...),
	})
}
