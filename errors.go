package jio

import "errors"

// Error classification.
//
// Implementations wrap these with additional context; callers classify with
// errors.Is.
var (
	// ErrInvalidInput indicates a malformed argument: a zero-length
	// operation, an empty transaction, or invalid autosync parameters.
	ErrInvalidInput = errors.New("jio: invalid input")

	// ErrReadOnly indicates a write attempt on a read-only session.
	ErrReadOnly = errors.New("jio: read-only file")

	// ErrTooLarge indicates the transaction's write operations would exceed
	// the per-transaction size ceiling.
	ErrTooLarge = errors.New("jio: transaction too large")

	// ErrNoRollback indicates a rollback was requested on a transaction
	// built with [NoRollback].
	ErrNoRollback = errors.New("jio: rollback disabled")

	// ErrBroken indicates the journal directory carries the broken
	// sentinel. New transactions are refused until [Fsck] repairs it.
	ErrBroken = errors.New("jio: journal broken")

	// ErrRolledBack reports a commit that failed mid-way and was fully
	// undone from the captured pre-images. The file is in its
	// pre-transaction state.
	ErrRolledBack = errors.New("jio: transaction rolled back")

	// ErrUnrecoverable reports a commit (or rollback) failure that left the
	// engine unable to guarantee the file's state. The caller must treat
	// the session as suspect and run [Fsck].
	ErrUnrecoverable = errors.New("jio: transaction state unknown")

	// ErrNoJournal indicates [Fsck] found no journal directory for the file.
	ErrNoJournal = errors.New("jio: no journal")

	// ErrCleanup indicates [Fsck] recovered the journal but could not remove
	// the journal directory.
	ErrCleanup = errors.New("jio: journal cleanup failed")

	// ErrClosed indicates an operation on a closed session.
	ErrClosed = errors.New("jio: file closed")
)
