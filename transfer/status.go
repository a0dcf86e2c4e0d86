// Package transfer implements the chunked transfer engine: download and
// upload handlers, the per-transfer state machine and the transfer store.
//
// A client first requests a token from a handler. The handler resolves the
// resource through a vfs.Provider, takes a lock from a locking.Repository,
// registers a Transfer in its Store and, when a token lifetime is
// configured, schedules an expiration job. The client then reads or writes
// blocks against the transfer id until the last block, an explicit
// completion, a cancellation or the expiration job closes the transfer.
//
// Example:
//
//	token, err := downloads.RequestToken(ctx, "/docs/report.pdf", true, 0)
//	if err != nil {
//	    return err
//	}
//	for n := int64(0); n < token.TotalBlockCount; n++ {
//	    block, err := downloads.ReadBlock(ctx, token.TransferID, n)
//	    ...
//	}
package transfer

// Status is the lifecycle state of a transfer.
type Status uint8

const (
	// UnknownTransfer is reported for ids the store does not know. It is a
	// value, not an error.
	UnknownTransfer Status = iota
	// Starting means a token was issued but no block moved yet.
	Starting
	// Running means at least one block operation succeeded.
	Running
	// Paused means the client paused the transfer. The lock stays held.
	Paused
	// Completed is terminal.
	Completed
	// Aborted is terminal.
	Aborted
)

// String returns the string representation of the Status.
func (s Status) String() string {
	switch s {
	case Starting:
		return "starting"
	case Running:
		return "running"
	case Paused:
		return "paused"
	case Completed:
		return "completed"
	case Aborted:
		return "aborted"
	default:
		return "unknown_transfer"
	}
}

// IsActive reports whether block operations are allowed.
func (s Status) IsActive() bool {
	return s == Starting || s == Running || s == Paused
}

// IsTerminal reports whether the transfer has been closed.
func (s Status) IsTerminal() bool {
	return s == Completed || s == Aborted
}
