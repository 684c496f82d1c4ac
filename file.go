package jio

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"golang.org/x/sys/unix"
)

// Locking architecture
//
//  1. File.mu — guards operations that depend on the main file's seek
//     position ([File.Read], [File.Write], [File.Seek]). Positional
//     operations do not take it.
//
//  2. File.lmu — guards the lingering record list, its byte counter and the
//     autosync handle.
//
//  3. Trans.mu — guards a transaction's operation list and flags.
//
//  4. OFD range locks on the main file — serialize overlapping commits
//     across sessions and processes.
//
//  5. File.tmu + whole-file OFD lock on the journal lock file — serialize
//     the TID counter. The mutex covers goroutines of this session (whose
//     OFD locks share a descriptor and would merge instead of conflict),
//     the file lock covers everything else.
//
// Lock ordering: File.mu → Trans.mu → range locks → lmu → tmu → lock-file
// lock. The seek mutex comes first because Write commits its transaction
// while holding it.

// lockName is the journal directory's lock/counter file.
const lockName = "lock"

// jdirPerm is the mode of a freshly created journal directory.
const jdirPerm = 0o750

// File is an open session on a journaled file.
//
// Methods on File are safe for concurrent use. A session opened without
// write intent is read-only: it has no journal directory and refuses write
// transactions.
type File struct {
	name string
	main *os.File

	jdir     string
	jdirFile *os.File
	lockFile *os.File
	tidMem   []byte

	flags     Flags
	openFlags int

	// Lingering journal records, in commit order, and the byte total of
	// their write payloads.
	linger      []*journalOp
	lingerBytes uint64
	as          *autosync

	mu       sync.Mutex // seek-position operations
	lmu      sync.Mutex // linger list, autosync handle
	tmu      sync.Mutex // tid counter critical sections
	syncWarn sync.Once

	sys journalSys
}

// journalDirFor returns the default journal directory for path:
// a sibling directory named ".<basename>.jio".
func journalDirFor(path string) string {
	dir, base := filepath.Split(filepath.Clean(path))

	return filepath.Join(dir, "."+base+".jio")
}

// Open opens path for journaled I/O.
//
// flags and perm are passed to the underlying open ([os.O_RDWR],
// [os.O_CREATE], ...). Any write intent forces read/write access, because
// committing reads pre-images back from the file; a plain read-only open
// yields a read-only session with no journal. jflags become the session's
// default transaction flags.
//
// Opening the same file from several processes is safe; the journal
// directory and its counter are initialized exactly once.
func Open(path string, flags int, perm os.FileMode, jflags Flags) (*File, error) {
	if path == "" {
		return nil, fmt.Errorf("open: %w: empty path", ErrInvalidInput)
	}

	if flags&(os.O_WRONLY|os.O_RDWR) != 0 {
		// Commit needs read access for pre-images and range locks.
		flags = flags&^os.O_WRONLY | os.O_RDWR
	} else {
		jflags |= RDOnly
	}

	// The descriptor itself is opened without O_APPEND: every engine write is
	// positional, and Write implements append mode from openFlags.
	main, err := os.OpenFile(path, flags&^os.O_APPEND, perm)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}

	f := &File{
		name:      path,
		main:      main,
		flags:     jflags,
		openFlags: flags,
		sys:       defaultJournalSys(),
	}

	if jflags&RDOnly != 0 {
		return f, nil
	}

	err = f.openJournalDir(journalDirFor(path))
	if err != nil {
		_ = f.Close()

		return nil, fmt.Errorf("open %s: %w", path, err)
	}

	return f, nil
}

// openJournalDir creates (if needed) and opens the journal directory, its
// lock file, and the shared TID counter mapping.
func (f *File) openJournalDir(jdir string) error {
	// Ignore the mkdir result: either we created it, it already exists, or
	// the lstat below reports what is wrong.
	_ = os.Mkdir(jdir, jdirPerm)

	info, err := os.Lstat(jdir)
	if err != nil {
		return fmt.Errorf("journal dir: %w", err)
	}

	if !info.IsDir() {
		return fmt.Errorf("journal dir %s: not a directory", jdir)
	}

	f.jdir = jdir

	f.jdirFile, err = os.Open(jdir)
	if err != nil {
		return fmt.Errorf("open journal dir: %w", err)
	}

	f.lockFile, err = os.OpenFile(filepath.Join(jdir, lockName), os.O_RDWR|os.O_CREATE, recordPerm)
	if err != nil {
		return fmt.Errorf("open journal lock file: %w", err)
	}

	err = initTIDCounter(f.lockFile)
	if err != nil {
		return err
	}

	f.tidMem, err = unix.Mmap(int(f.lockFile.Fd()), 0, tidCounterSize,
		unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return fmt.Errorf("map tid counter: %w", err)
	}

	return nil
}

// initTIDCounter zeroes the counter word, but only when the lock file is
// still empty. The check-and-write runs under an exclusive lock so two
// processes opening simultaneously cannot both initialize.
func initTIDCounter(lockFile *os.File) error {
	err := lockExclusive(lockFile, 0, 0)
	if err != nil {
		return fmt.Errorf("lock tid counter: %w", err)
	}

	defer func() { _ = unlockRange(lockFile, 0, 0) }()

	info, err := lockFile.Stat()
	if err != nil {
		return fmt.Errorf("stat journal lock file: %w", err)
	}

	if info.Size() >= tidCounterSize {
		return nil
	}

	err = pwriteFull(lockFile, make([]byte, tidCounterSize), 0)
	if err != nil {
		return fmt.Errorf("init tid counter: %w", err)
	}

	return nil
}

// Close stops autosync, flushes lingering records, and releases every handle.
// The error joins every failure, because Close keeps going: a failed flush
// still closes the descriptors.
func (f *File) Close() error {
	var errs []error

	err := f.AutosyncStop()
	if err != nil {
		errs = append(errs, err)
	}

	if f.flags&RDOnly == 0 && f.main != nil {
		err = f.Sync()
		if err != nil {
			errs = append(errs, err)
		}
	}

	if f.tidMem != nil {
		err = unix.Munmap(f.tidMem)
		if err != nil {
			errs = append(errs, fmt.Errorf("unmap tid counter: %w", err))
		}

		f.tidMem = nil
	}

	for _, h := range []**os.File{&f.lockFile, &f.jdirFile, &f.main} {
		if *h == nil {
			continue
		}

		err = (*h).Close()
		if err != nil {
			errs = append(errs, err)
		}

		*h = nil
	}

	return errors.Join(errs...)
}

// Sync makes every lingering transaction fully durable: fdatasync the main
// file, then free the lingered records oldest-first. On failure the
// remaining records are kept for a later Sync (or recovery).
func (f *File) Sync() error {
	if f.main == nil {
		return fmt.Errorf("sync: %w", ErrClosed)
	}

	err := fdatasync(f.main)
	if err != nil {
		return fmt.Errorf("sync %s: %w", f.name, err)
	}

	f.lmu.Lock()
	defer f.lmu.Unlock()

	// Records free in commit order: if this is cut short by a crash, the
	// survivors still replay chronologically.
	for len(f.linger) > 0 {
		err = f.linger[0].free(true)
		if err != nil {
			return fmt.Errorf("sync %s: %w", f.name, err)
		}

		f.linger = f.linger[1:]
	}

	f.linger = nil
	f.lingerBytes = 0

	return nil
}

// lingerAdd appends a committed, applied record to the lingering list and
// pokes autosync if the byte budget is now exceeded.
func (f *File) lingerAdd(jop *journalOp, written int64) {
	f.lmu.Lock()

	f.linger = append(f.linger, jop)
	f.lingerBytes += uint64(written)

	as := f.as
	over := as != nil && f.lingerBytes >= as.maxBytes

	f.lmu.Unlock()

	if over {
		as.kickNow()
	}
}

// lingerTotal returns the current lingering byte total.
func (f *File) lingerTotal() uint64 {
	f.lmu.Lock()
	defer f.lmu.Unlock()

	return f.lingerBytes
}

// MoveJournal relocates the journal directory to newdir.
//
// The caller must quiesce the session first: no in-flight transactions, no
// autosync pressure. Lingering records are flushed before the move. If
// newdir already exists and is non-empty, the session re-attaches to it:
// the directory handle, lock file and counter mapping are reopened there
// and the old directory is removed.
func (f *File) MoveJournal(newdir string) error {
	if f.flags&RDOnly != 0 {
		return fmt.Errorf("move journal: %w", ErrReadOnly)
	}

	err := f.Sync()
	if err != nil {
		return fmt.Errorf("move journal: %w", err)
	}

	oldDir := f.jdir

	err = os.Rename(oldDir, newdir)
	if err == nil {
		// The open directory and lock handles moved with the rename.
		f.jdir = newdir

		return nil
	}

	if !errors.Is(err, unix.ENOTEMPTY) && !errors.Is(err, unix.EEXIST) {
		return fmt.Errorf("move journal: %w", err)
	}

	// Destination journal already exists: adopt it.
	if f.tidMem != nil {
		_ = unix.Munmap(f.tidMem)
		f.tidMem = nil
	}

	_ = f.jdirFile.Close()
	_ = f.lockFile.Close()
	f.jdirFile, f.lockFile = nil, nil

	err = f.openJournalDir(newdir)
	if err != nil {
		return fmt.Errorf("move journal: %w", err)
	}

	_ = os.Remove(filepath.Join(oldDir, lockName))

	err = os.Remove(oldDir)
	if err != nil {
		return fmt.Errorf("move journal: remove %s: %w", oldDir, err)
	}

	return nil
}
