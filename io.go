package jio

import (
	"errors"
	"io"
	"os"

	"golang.org/x/sys/unix"
)

// Positional I/O helpers. The engine never depends on a file's seek position:
// reads and writes carry their own offsets, and the journal record is the
// only sequentially-written file.

// preadFull reads len(buf) bytes at off, looping over short reads.
//
// Unlike [os.File.ReadAt] it does not treat end-of-file as an error: it
// returns the number of bytes read with a nil error. n < len(buf) therefore
// means off+n is the end of the file.
func preadFull(f *os.File, buf []byte, off int64) (int, error) {
	n, err := f.ReadAt(buf, off)
	if err != nil && !errors.Is(err, io.EOF) {
		return n, err
	}

	return n, nil
}

// pwriteFull writes len(buf) bytes at off. [os.File.WriteAt] already loops
// until the write completes or fails.
func pwriteFull(f *os.File, buf []byte, off int64) error {
	_, err := f.WriteAt(buf, off)

	return err
}

// writevFull writes every buffer in bufs to f's current offset as a gather
// write, looping over short writes and retrying EINTR/EAGAIN.
func writevFull(f *os.File, bufs [][]byte) error {
	total := 0
	for _, b := range bufs {
		total += len(b)
	}

	// Work on a shallow copy so callers keep their slices intact.
	iov := make([][]byte, len(bufs))
	copy(iov, bufs)

	fd := int(f.Fd())
	written := 0

	for written < total {
		n, err := unix.Writev(fd, iov)
		if err != nil {
			if errors.Is(err, unix.EINTR) || errors.Is(err, unix.EAGAIN) {
				continue
			}

			return err
		}

		if n <= 0 {
			return io.ErrShortWrite
		}

		written += n
		if written == total {
			break
		}

		// Advance iov past the n bytes the kernel accepted.
		for n > 0 {
			if n >= len(iov[0]) {
				n -= len(iov[0])
				iov = iov[1:]
			} else {
				iov[0] = iov[0][n:]
				n = 0
			}
		}
	}

	return nil
}
