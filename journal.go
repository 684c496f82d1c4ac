package jio

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"
)

// Journal record lifecycle.
//
// A journalOp materializes one transaction on disk. Between newJournalOp and
// commit the record has no valid trailer and every decoder rejects it;
// between commit and free it fully describes the intended writes; after a
// successful free there is no record.
//
// Failures that could leave a complete-looking record behind without the
// corresponding data applied are escalated: the record is truncated, then
// corrupted, and as a last resort the journal is marked broken, which fences
// off new transactions until [Fsck] repairs it.

// brokenName is the sentinel file marking a journal that must not be used
// before recovery.
const brokenName = "broken"

// recordPerm is the mode of record, lock and sentinel files.
const recordPerm = 0o600

// journalSys holds the syscalls free needs on its escalation path. A field
// per call so tests can make any step fail.
type journalSys struct {
	remove    func(path string) error
	truncate  func(f *os.File, size int64) error
	fdatasync func(f *os.File) error
}

func defaultJournalSys() journalSys {
	return journalSys{
		remove:    os.Remove,
		truncate:  func(f *os.File, size int64) error { return f.Truncate(size) },
		fdatasync: fdatasync,
	}
}

// journalOp is the handle to one on-disk transaction record.
type journalOp struct {
	id     uint32
	file   *os.File
	path   string
	csum   checksum
	numOps uint32
	f      *File
}

// newJournalOp creates and locks the record file for a new transaction and
// writes its header.
func newJournalOp(f *File, flags Flags) (*journalOp, error) {
	broken, err := f.journalBroken()
	if err != nil {
		return nil, err
	}

	if broken {
		return nil, ErrBroken
	}

	id, err := f.tidAcquire()
	if err != nil {
		return nil, err
	}

	path := recordPath(f.jdir, id)

	file, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, recordPerm)
	if err != nil {
		f.tidRelease(id)

		return nil, fmt.Errorf("create record %s: %w", path, err)
	}

	jop := &journalOp{id: id, file: file, path: path, f: f}

	// The whole-record lock is what lets Fsck tell an in-progress record
	// from an abandoned one.
	err = lockExclusive(file, 0, 0)
	if err == nil {
		hdr := encodeHeader(uint16(flags), id)

		err = writevFull(file, [][]byte{hdr})
		if err == nil {
			jop.csum.write(hdr)

			return jop, nil
		}

		err = fmt.Errorf("write record header: %w", err)
	} else {
		err = fmt.Errorf("lock record %s: %w", path, err)
	}

	_ = os.Remove(path)
	f.tidRelease(id)
	_ = file.Close()

	return nil, err
}

// addOp appends one write operation (entry header, then data) to the record
// with a single gather write and folds both into the running checksum.
func (j *journalOp) addOp(buf []byte, off int64) error {
	ophdr := encodeOpHeader(uint32(len(buf)), uint64(off))

	j.csum.write(ophdr)
	j.csum.write(buf)

	err := writevFull(j.file, [][]byte{ophdr, buf})
	if err != nil {
		return fmt.Errorf("write record operation: %w", err)
	}

	j.numOps++

	return nil
}

// preCommit hints the kernel to start flushing the record's dirty pages so
// the fsync in commit has less to wait for. Purely advisory.
func (j *journalOp) preCommit() {
	_ = syncRangeSubmit(j.file, 0, 0)
}

// commit appends the sentinel and trailer, then makes the record durable:
// fsync the record file, fsync the journal directory. After commit returns
// nil the record is recoverable by [Fsck].
func (j *journalOp) commit() error {
	sentinel := encodeOpHeader(0, 0)
	j.csum.write(sentinel)

	trailer := encodeTrailer(j.numOps, j.csum.sum32())

	err := writevFull(j.file, [][]byte{sentinel, trailer})
	if err != nil {
		return fmt.Errorf("write record trailer: %w", err)
	}

	// One sync instead of O_SYNC on every small write: until this point the
	// record is useless to recovery anyway.
	err = j.file.Sync()
	if err != nil {
		return fmt.Errorf("sync record: %w", err)
	}

	err = j.f.syncDir()
	if err != nil {
		return fmt.Errorf("sync journal dir: %w", err)
	}

	return nil
}

// free reclaims the record.
//
// With dataIsSafe false the caller is handling a failure separately and the
// record must survive for recovery; free only closes the handle. Otherwise
// the record is unlinked — or failing that truncated, corrupted, and the
// journal marked broken — and the transaction id is released.
func (j *journalOp) free(dataIsSafe bool) error {
	if !dataIsSafe {
		_ = j.file.Close()

		return nil
	}

	var freeErr error

	err := j.f.sys.remove(j.path)
	if err != nil {
		if truncErr := j.f.sys.truncate(j.file, 0); truncErr != nil {
			if corruptErr := j.corrupt(); corruptErr != nil {
				j.f.markBroken()

				freeErr = fmt.Errorf("remove record %s: %w", j.path, err)
			}
		}
	}

	err = j.f.syncDir()
	if err != nil {
		j.f.markBroken()

		if freeErr == nil {
			freeErr = fmt.Errorf("sync journal dir: %w", err)
		}
	}

	j.f.tidRelease(j.id)
	_ = j.file.Close()

	return freeErr
}

// discard throws away a record whose transaction aborted before anything
// reached the main file: the file is unlinked (it never had a valid trailer,
// so nothing depends on it) and the id is released.
func (j *journalOp) discard() {
	_ = j.f.sys.remove(j.path)
	j.f.tidRelease(j.id)
	_ = j.file.Close()
}

// corrupt stamps a poisoned trailer (numops = 0, impossible checksum) at the
// end of the record so no future decoder can consider it valid.
func (j *journalOp) corrupt() error {
	end, err := j.file.Seek(0, io.SeekEnd)
	if err != nil {
		return err
	}

	trailer := encodeTrailer(0, corruptChecksum)

	err = pwriteFull(j.file, trailer, end)
	if err != nil {
		return err
	}

	return j.f.sys.fdatasync(j.file)
}

// journalBroken reports whether the broken sentinel exists.
func (f *File) journalBroken() (bool, error) {
	_, err := os.Stat(filepath.Join(f.jdir, brokenName))
	if err == nil {
		return true, nil
	}

	if os.IsNotExist(err) {
		return false, nil
	}

	return false, fmt.Errorf("stat broken sentinel: %w", err)
}

// markBroken creates the broken sentinel. Best-effort: there is no better
// escalation left if it fails.
func (f *File) markBroken() {
	sentinel, err := os.OpenFile(filepath.Join(f.jdir, brokenName), os.O_WRONLY|os.O_CREATE, recordPerm)
	if err != nil {
		return
	}

	_ = sentinel.Close()
}

// syncDir fsyncs the journal directory so record creation and removal are
// durable. Some filesystems do not support fsync on directories; each such
// failure falls back on a global sync, and the warning is emitted once per
// session. The unsupported result is not remembered: every call tries the
// directory fsync first.
func (f *File) syncDir() error {
	err := f.jdirFile.Sync()
	if err == nil {
		return nil
	}

	if errors.Is(err, unix.EINVAL) || errors.Is(err, unix.EBADF) || errors.Is(err, unix.ENOTSUP) {
		syncAll()
		f.syncWarn.Do(func() {
			fmt.Fprintln(os.Stderr, "jio: warning: falling back on sync() for directory syncing")
		})

		return nil
	}

	return err
}
