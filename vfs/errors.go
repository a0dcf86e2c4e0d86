package vfs

import (
	"errors"
	"fmt"

	"github.com/opd-ai/vfstransfer/audit"
)

// Kind classifies every error surfaced by the engine.
type Kind uint8

const (
	// KindResourceAccess covers denied claims, invalid bounds and wrapped
	// backend failures. It is the zero value so unclassified errors fall
	// into it.
	KindResourceAccess Kind = iota
	// KindResourceNotFound means the target file or its parent folder is absent.
	KindResourceNotFound
	// KindResourceOverwrite means the target exists and may not be replaced.
	KindResourceOverwrite
	// KindResourceLocked means the requested lock was not granted.
	KindResourceLocked
	// KindDataBlock means a block was malformed or out of bounds.
	KindDataBlock
	// KindTransferStatus means the transfer is not active.
	KindTransferStatus
	// KindIntegrityCheck means hash verification failed at completion.
	KindIntegrityCheck
)

// Sentinel errors, one per Kind. A *Error matches its kind's sentinel with
// errors.Is.
var (
	ErrResourceAccess    = errors.New("resource access denied")
	ErrResourceNotFound  = errors.New("resource not found")
	ErrResourceOverwrite = errors.New("resource overwrite denied")
	ErrResourceLocked    = errors.New("resource locked")
	ErrDataBlock         = errors.New("invalid data block")
	ErrTransferStatus    = errors.New("transfer not active")
	ErrIntegrityCheck    = errors.New("integrity check failed")
)

// Sentinel returns the sentinel error for k.
func (k Kind) Sentinel() error {
	switch k {
	case KindResourceNotFound:
		return ErrResourceNotFound
	case KindResourceOverwrite:
		return ErrResourceOverwrite
	case KindResourceLocked:
		return ErrResourceLocked
	case KindDataBlock:
		return ErrDataBlock
	case KindTransferStatus:
		return ErrTransferStatus
	case KindIntegrityCheck:
		return ErrIntegrityCheck
	default:
		return ErrResourceAccess
	}
}

// String returns the string representation of the Kind.
func (k Kind) String() string {
	return k.Sentinel().Error()
}

// Error is the single error type crossing the engine boundary.
type Error struct {
	Kind    Kind
	EventID audit.EventID
	Message string
	// Err is the underlying cause, if any.
	Err error
	// Audited is set once the error has been written to the audit trail.
	Audited bool
}

// NewError creates an Error of the given kind.
func NewError(kind Kind, event audit.EventID, format string, args ...interface{}) *Error {
	return &Error{
		Kind:    kind,
		EventID: event,
		Message: fmt.Sprintf(format, args...),
	}
}

// WrapError creates an Error of the given kind around cause.
func WrapError(kind Kind, event audit.EventID, cause error, format string, args ...interface{}) *Error {
	e := NewError(kind, event, format, args...)
	e.Err = cause
	return e
}

// Error implements error.
func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap exposes both the kind sentinel and the cause.
func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind.Sentinel()}
	}
	return []error{e.Kind.Sentinel(), e.Err}
}

// AsError returns the first *Error in err's chain, or nil.
func AsError(err error) *Error {
	var ve *Error
	if errors.As(err, &ve) {
		return ve
	}
	return nil
}

// KindOf returns the kind of err. Errors that are not *Error report
// KindResourceAccess.
func KindOf(err error) Kind {
	if ve := AsError(err); ve != nil {
		return ve.Kind
	}
	return KindResourceAccess
}

// Classify returns err as an *Error. Foreign errors are wrapped into
// KindResourceAccess with the original error kept as the cause. A nil err
// yields nil.
func Classify(err error, format string, args ...interface{}) *Error {
	if err == nil {
		return nil
	}
	if ve := AsError(err); ve != nil {
		return ve
	}
	return WrapError(KindResourceAccess, audit.EventUnexpectedError, err, format, args...)
}
