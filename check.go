package jio

import (
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"golang.org/x/sys/unix"
)

// FsckFlags control [Fsck].
type FsckFlags uint32

const (
	// FsckCleanup removes the journal directory after a successful check.
	FsckCleanup FsckFlags = 1 << iota
)

// FsckResult tallies what [Fsck] found. Every candidate transaction id from
// 1 to the highest seen lands in exactly one bucket (plus possibly
// ApplyError when its record could not be removed afterwards).
type FsckResult struct {
	// Total candidate ids examined.
	Total int

	// Invalid: no record file for the id (gaps are normal).
	Invalid int

	// InProgress: the record is locked by a live transaction; skipped.
	InProgress int

	// Broken: structurally invalid record; removed.
	Broken int

	// Corrupt: structurally valid record failing its checksum; removed.
	Corrupt int

	// ApplyError: replaying or removing a valid record failed.
	ApplyError int

	// Reapplied: valid records whose writes were re-executed.
	Reapplied int
}

// Fsck checks the journal of the file at path and re-applies every complete
// transaction record, bringing the file to a state some prefix of committed
// transactions produced. jdir overrides the default journal directory
// (empty means derive it from path).
//
// The file is quiesced best-effort: an advisory whole-file lock is attempted
// but lingering transactions from a live process legitimately hold record
// locks, and their records are skipped as in-progress.
//
// Errors: the underlying open error (wrapping [os.ErrNotExist] when path
// does not exist), [ErrNoJournal] when no journal directory is found, and
// [ErrCleanup] when [FsckCleanup] could not remove the directory. Per-record
// failures are counters, not errors.
func Fsck(path, jdir string, flags FsckFlags) (FsckResult, error) {
	var res FsckResult

	main, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return res, fmt.Errorf("fsck: %w", err)
	}

	defer func() { _ = main.Close() }()

	// Best-effort quiesce; failure just means someone is mid-transaction.
	_ = tryLockExclusive(main, 0, 0)

	defer func() { _ = unlockRange(main, 0, 0) }()

	if jdir == "" {
		jdir = journalDirFor(path)
	}

	info, err := os.Lstat(jdir)
	if err != nil || !info.IsDir() {
		return res, fmt.Errorf("fsck %s: %w", jdir, ErrNoJournal)
	}

	// Assemble a session around the existing journal; the replay commits
	// run through the ordinary engine.
	f := &File{name: path, main: main, sys: defaultJournalSys()}

	err = f.openJournalDir(jdir)
	if err != nil {
		_ = f.Close()

		return res, fmt.Errorf("fsck: %w", ErrNoJournal)
	}

	// The main handle is owned by the deferred close above, not by the
	// session teardown.
	defer func() {
		f.main = nil
		_ = f.Close()
	}()

	maxTID, err := scanMaxTID(jdir)
	if err != nil {
		return res, fmt.Errorf("fsck: %w", err)
	}

	// Push the counter up to the highest id on disk, so records created
	// while re-applying cannot collide with ones still being examined.
	counter := make([]byte, tidCounterSize)
	binary.NativeEndian.PutUint32(counter, maxTID)

	err = pwriteFull(f.lockFile, counter, 0)
	if err != nil {
		return res, fmt.Errorf("fsck: write tid counter: %w", err)
	}

	// Recovery is the designated repair for a broken journal.
	err = os.Remove(filepath.Join(jdir, brokenName))
	if err != nil && !os.IsNotExist(err) {
		return res, fmt.Errorf("fsck: remove broken sentinel: %w", err)
	}

	for id := uint32(1); id <= maxTID; id++ {
		res.Total++
		checkRecord(f, id, &res)
	}

	if flags&FsckCleanup != 0 {
		err = cleanupJournalDir(f, jdir)
		if err != nil {
			return res, fmt.Errorf("fsck: %w: %w", ErrCleanup, err)
		}
	}

	return res, nil
}

// scanMaxTID returns the highest transaction id named in the journal
// directory. Entries that do not parse as positive integers are ignored.
func scanMaxTID(jdir string) (uint32, error) {
	entries, err := os.ReadDir(jdir)
	if err != nil {
		return 0, fmt.Errorf("read journal dir: %w", err)
	}

	var maxTID uint32

	for _, ent := range entries {
		id, ok := parseTID(ent.Name())
		if ok && id > maxTID {
			maxTID = id
		}
	}

	return maxTID, nil
}

// parseTID parses a journal entry name as a transaction id. Only names that
// are exactly a positive decimal integer qualify.
func parseTID(name string) (uint32, bool) {
	id, err := strconv.ParseUint(name, 10, 32)
	if err != nil || id == 0 {
		return 0, false
	}

	return uint32(id), true
}

// checkRecord classifies and, when possible, re-applies one candidate record.
func checkRecord(f *File, id uint32, res *FsckResult) {
	path := recordPath(f.jdir, id)

	rf, err := os.OpenFile(path, os.O_RDWR, recordPerm)
	if err != nil {
		res.Invalid++

		return
	}

	defer func() { _ = rf.Close() }()

	// A held record lock means a live transaction owns this id.
	err = tryLockExclusive(rf, 0, 0)
	if err != nil {
		res.InProgress++

		return
	}

	info, err := rf.Stat()
	if err != nil {
		res.ApplyError++

		return
	}

	if info.Size() == 0 {
		res.Broken++
		removeRecord(f, path, res)

		return
	}

	data, err := unix.Mmap(int(rf.Fd()), 0, int(info.Size()), unix.PROT_READ, unix.MAP_SHARED)
	if err != nil {
		res.Broken++
		removeRecord(f, path, res)

		return
	}

	rec, status := decodeRecord(data)

	switch status {
	case decodeBroken:
		res.Broken++
	case decodeCorrupt:
		res.Corrupt++
	case decodeOK:
		// Rebuild the transaction with its flags stripped, so rollback or
		// linger state recorded at commit time cannot re-activate, and run
		// it through the ordinary commit pipeline.
		ts := &Trans{f: f}

		for _, dop := range rec.ops {
			owned := make([]byte, len(dop.data))
			copy(owned, dop.data)

			ts.ops = append(ts.ops, op{
				dir:      opWrite,
				off:      int64(dop.offset),
				length:   len(owned),
				writeBuf: owned,
			})
			ts.numW++
			ts.lenW += int64(len(owned))
		}

		_, err = ts.Commit()
		if err != nil {
			res.ApplyError++
		} else {
			res.Reapplied++
		}
	}

	_ = unix.Munmap(data)

	removeRecord(f, path, res)
}

// removeRecord unlinks a record that is no longer wanted; a failure to do so
// is an apply error because the stale record would replay again next time.
func removeRecord(f *File, path string, res *FsckResult) {
	err := f.sys.remove(path)
	if err != nil && !os.IsNotExist(err) {
		res.ApplyError++
	}
}

// cleanupJournalDir removes the lock file, any leftover record files, and
// finally the directory itself. Closes the session's journal handles first
// so the mapping does not outlive the file.
func cleanupJournalDir(f *File, jdir string) error {
	if f.tidMem != nil {
		_ = unix.Munmap(f.tidMem)
		f.tidMem = nil
	}

	_ = f.lockFile.Close()
	_ = f.jdirFile.Close()
	f.lockFile, f.jdirFile = nil, nil

	entries, err := os.ReadDir(jdir)
	if err != nil {
		return fmt.Errorf("read journal dir: %w", err)
	}

	for _, ent := range entries {
		_, isRecord := parseTID(ent.Name())
		if !isRecord && ent.Name() != lockName {
			continue
		}

		err = os.Remove(filepath.Join(jdir, ent.Name()))
		if err != nil {
			return fmt.Errorf("remove %s: %w", ent.Name(), err)
		}
	}

	err = os.Remove(jdir)
	if err != nil {
		return fmt.Errorf("remove journal dir: %w", err)
	}

	return nil
}
