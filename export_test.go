package jio

import (
	"encoding/binary"
	"os"
)

// White-box hooks for tests.

// SetRemoveFunc overrides the unlink syscall used when reclaiming journal
// records; pass nil to restore the real one. Used to simulate the failure
// escalation path (truncate, corrupt, broken sentinel).
func SetRemoveFunc(f *File, fn func(string) error) {
	if fn == nil {
		f.sys.remove = os.Remove

		return
	}

	f.sys.remove = fn
}

// SetTruncateFunc overrides the record-truncate syscall; pass nil to restore.
func SetTruncateFunc(f *File, fn func(*os.File, int64) error) {
	if fn == nil {
		f.sys.truncate = func(file *os.File, size int64) error { return file.Truncate(size) }

		return
	}

	f.sys.truncate = fn
}

// SetFdatasyncFunc overrides the fdatasync used by the record corruption
// last-resort; pass nil to restore.
func SetFdatasyncFunc(f *File, fn func(*os.File) error) {
	if fn == nil {
		f.sys.fdatasync = fdatasync

		return
	}

	f.sys.fdatasync = fn
}

// TIDCounter reads the session's shared transaction-id counter.
func TIDCounter(f *File) uint32 {
	return binary.NativeEndian.Uint32(f.tidMem)
}

// JournalDirFor exposes the default journal directory derivation.
var JournalDirFor = journalDirFor
