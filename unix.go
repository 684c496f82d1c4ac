package jio

import (
	"fmt"
	"io"
	"os"
)

// POSIX-like convenience wrappers. Each write is a one-operation transaction,
// so it carries the full atomicity and durability guarantees; each read runs
// under a shared range lock so it never observes a half-applied transaction.
//
// Read, Write and Seek depend on the file's seek position and serialize on
// the session's seek mutex. ReadAt and WriteAt are positional and run in
// parallel as long as their ranges do not overlap.

// Read reads up to len(buf) bytes from the current position, advancing it.
// Implements [io.Reader].
func (f *File) Read(buf []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	pos, err := f.main.Seek(0, io.SeekCurrent)
	if err != nil {
		return 0, err
	}

	n, err := f.readLocked(buf, pos)
	if n > 0 {
		_, seekErr := f.main.Seek(pos+int64(n), io.SeekStart)
		if err == nil {
			err = seekErr
		}
	}

	return n, err
}

// ReadAt reads len(buf) bytes at offset off. Implements [io.ReaderAt]:
// n < len(buf) comes with [io.EOF].
func (f *File) ReadAt(buf []byte, off int64) (int, error) {
	return f.readLocked(buf, off)
}

func (f *File) readLocked(buf []byte, off int64) (int, error) {
	if len(buf) == 0 {
		return 0, nil
	}

	err := lockShared(f.main, off, int64(len(buf)))
	if err != nil {
		return 0, fmt.Errorf("read lock: %w", err)
	}

	defer func() { _ = unlockRange(f.main, off, int64(len(buf))) }()

	n, err := preadFull(f.main, buf, off)
	if err != nil {
		return n, err
	}

	if n < len(buf) {
		return n, io.EOF
	}

	return n, nil
}

// Write writes buf at the current position as one transaction, advancing the
// position on success. With [os.O_APPEND] the write goes to end of file.
// Implements [io.Writer].
func (f *File) Write(buf []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	whence := io.SeekCurrent
	if f.openFlags&os.O_APPEND != 0 {
		whence = io.SeekEnd
	}

	pos, err := f.main.Seek(0, whence)
	if err != nil {
		return 0, err
	}

	err = f.writeTrans(buf, pos)
	if err != nil {
		return 0, err
	}

	_, err = f.main.Seek(pos+int64(len(buf)), io.SeekStart)
	if err != nil {
		return len(buf), err
	}

	return len(buf), nil
}

// WriteAt writes buf at offset off as one transaction. Implements
// [io.WriterAt].
func (f *File) WriteAt(buf []byte, off int64) (int, error) {
	err := f.writeTrans(buf, off)
	if err != nil {
		return 0, err
	}

	return len(buf), nil
}

func (f *File) writeTrans(buf []byte, off int64) error {
	ts := f.NewTrans(0)

	err := ts.AddWrite(buf, off)
	if err != nil {
		return err
	}

	_, err = ts.Commit()

	return err
}

// Seek sets the position for the next Read or Write. Implements [io.Seeker].
func (f *File) Seek(offset int64, whence int) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.main.Seek(offset, whence)
}

// Truncate cuts the file to length bytes, holding an exclusive lock from
// length through end of file. Truncation is not journaled; use with care.
func (f *File) Truncate(length int64) error {
	if f.flags&RDOnly != 0 {
		return fmt.Errorf("truncate: %w", ErrReadOnly)
	}

	err := lockExclusive(f.main, length, 0)
	if err != nil {
		return fmt.Errorf("truncate lock: %w", err)
	}

	defer func() { _ = unlockRange(f.main, length, 0) }()

	return f.main.Truncate(length)
}
