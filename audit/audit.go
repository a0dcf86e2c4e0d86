// Package audit defines the hook the transfer engine calls at every state
// transition and every denied operation.
//
// The engine only produces Incidents; where they end up is decided by the
// Auditor passed in at construction time. LogrusAuditor writes them to a
// logrus logger, Recorder keeps them in memory.
package audit

import (
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"
)

// Level is the severity of an incident.
type Level uint8

const (
	// LevelDebug marks routine bookkeeping such as block registration.
	LevelDebug Level = iota
	// LevelInfo marks regular state transitions.
	LevelInfo
	// LevelWarning marks denied requests.
	LevelWarning
	// LevelCritical marks unexpected failures.
	LevelCritical
)

// String returns the string representation of the Level.
func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "debug"
	case LevelInfo:
		return "info"
	case LevelWarning:
		return "warning"
	case LevelCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// Context tags the operation an incident originated from.
type Context string

// Task contexts.
const (
	ContextDownloadTokenRequest Context = "download_token_request"
	ContextUploadTokenRequest   Context = "upload_token_request"
	ContextReadData             Context = "read_data"
	ContextWriteData            Context = "write_data"
	ContextTransferControl      Context = "transfer_control"
	ContextTransferExpiration   Context = "transfer_expiration"
	ContextLocking              Context = "locking"
)

// EventID identifies what happened.
type EventID uint16

// Event ids.
const (
	EventUnknown EventID = iota
	EventResourceNotFound
	EventAccessDenied
	EventOverwriteDenied
	EventLockDenied
	EventInvalidBlock
	EventInactiveTransfer
	EventTransferExpired
	EventUnknownTransfer
	EventTransferStarted
	EventBlockTransferred
	EventTransferPaused
	EventTransferCompleted
	EventTransferCancelled
	EventIntegrityCheckFailed
	EventUnexpectedError
)

var eventNames = map[EventID]string{
	EventUnknown:              "unknown",
	EventResourceNotFound:     "resource_not_found",
	EventAccessDenied:         "access_denied",
	EventOverwriteDenied:      "overwrite_denied",
	EventLockDenied:           "lock_denied",
	EventInvalidBlock:         "invalid_block",
	EventInactiveTransfer:     "inactive_transfer",
	EventTransferExpired:      "transfer_expired",
	EventUnknownTransfer:      "unknown_transfer",
	EventTransferStarted:      "transfer_started",
	EventBlockTransferred:     "block_transferred",
	EventTransferPaused:       "transfer_paused",
	EventTransferCompleted:    "transfer_completed",
	EventTransferCancelled:    "transfer_cancelled",
	EventIntegrityCheckFailed: "integrity_check_failed",
	EventUnexpectedError:      "unexpected_error",
}

// String returns the string representation of the EventID.
func (e EventID) String() string {
	if name, ok := eventNames[e]; ok {
		return name
	}
	return fmt.Sprintf("event(%d)", uint16(e))
}

// Incident is one audit trail entry.
type Incident struct {
	Level   Level
	Context Context
	EventID EventID
	Message string
}

// Auditor receives incidents. Implementations must be safe for concurrent
// use and must not call back into the engine.
type Auditor interface {
	Audit(incident Incident)
}

// AuditorFunc adapts a function to the Auditor interface.
type AuditorFunc func(Incident)

// Audit implements Auditor.
func (f AuditorFunc) Audit(incident Incident) { f(incident) }

// NopAuditor discards all incidents.
type NopAuditor struct{}

// Audit implements Auditor.
func (NopAuditor) Audit(Incident) {}

// OrDefault returns a, or a LogrusAuditor on the standard logger when a is nil.
func OrDefault(a Auditor) Auditor {
	if a == nil {
		return NewLogrusAuditor(nil)
	}
	return a
}

// LogrusAuditor writes incidents to a logrus logger.
type LogrusAuditor struct {
	logger *logrus.Logger
}

// NewLogrusAuditor creates an auditor writing to logger. A nil logger uses
// logrus.StandardLogger().
func NewLogrusAuditor(logger *logrus.Logger) *LogrusAuditor {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &LogrusAuditor{logger: logger}
}

// Audit implements Auditor.
func (a *LogrusAuditor) Audit(incident Incident) {
	entry := a.logger.WithFields(logrus.Fields{
		"context":  string(incident.Context),
		"event_id": incident.EventID.String(),
	})
	switch incident.Level {
	case LevelDebug:
		entry.Debug(incident.Message)
	case LevelInfo:
		entry.Info(incident.Message)
	case LevelWarning:
		entry.Warn(incident.Message)
	default:
		entry.Error(incident.Message)
	}
}

// Recorder keeps incidents in memory.
type Recorder struct {
	mu        sync.Mutex
	incidents []Incident
}

// NewRecorder creates an empty Recorder.
func NewRecorder() *Recorder {
	return &Recorder{}
}

// Audit implements Auditor.
func (r *Recorder) Audit(incident Incident) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.incidents = append(r.incidents, incident)
}

// Incidents returns a copy of the recorded incidents.
func (r *Recorder) Incidents() []Incident {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Incident, len(r.incidents))
	copy(out, r.incidents)
	return out
}

// Count returns how many recorded incidents carry the given event id.
func (r *Recorder) Count(event EventID) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, inc := range r.incidents {
		if inc.EventID == event {
			n++
		}
	}
	return n
}

// Reset drops all recorded incidents.
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.incidents = nil
}
