//go:build linux

package jio

import (
	"errors"
	"os"

	"golang.org/x/sys/unix"
)

// haveSyncRange reports whether per-range write syncing is available. When it
// is, commit submits the sync right after each write and only waits at the
// end, overlapping flush time with the remaining writes.
const haveSyncRange = true

// fdatasync flushes f's data (and the metadata needed to read it back)
// without forcing unrelated metadata out.
func fdatasync(f *os.File) error {
	for {
		err := unix.Fdatasync(int(f.Fd()))
		if err == nil {
			return nil
		}

		if !errors.Is(err, unix.EINTR) {
			return err
		}
	}
}

// syncRangeSubmit starts writeback of [off, off+n) without waiting.
// n == 0 means through end of file.
func syncRangeSubmit(f *os.File, off, n int64) error {
	return unix.SyncFileRange(int(f.Fd()), off, n, unix.SYNC_FILE_RANGE_WRITE)
}

// syncRangeWait waits for writeback of [off, off+n) submitted earlier, and
// for any dirtying that happened since.
func syncRangeWait(f *os.File, off, n int64) error {
	return unix.SyncFileRange(int(f.Fd()), off, n,
		unix.SYNC_FILE_RANGE_WAIT_BEFORE|unix.SYNC_FILE_RANGE_WRITE|unix.SYNC_FILE_RANGE_WAIT_AFTER)
}

// fadviseWillNeed tells the kernel the range will be read soon. Advisory.
func fadviseWillNeed(f *os.File, off, n int64) {
	_ = unix.Fadvise(int(f.Fd()), off, n, unix.FADV_WILLNEED)
}

// syncAll flushes everything. Only used as the directory-fsync fallback.
func syncAll() {
	unix.Sync()
}
