package jio

import (
	"errors"
	"io"
	"os"

	"golang.org/x/sys/unix"
)

// Byte-range locking.
//
// Locks are open-file-description (OFD) fcntl locks: they belong to the open
// descriptor, not the process, so two sessions conflict on overlapping ranges
// whether they live in one process or two. Classic per-process record locks
// would silently admit overlapping commits from two sessions in the same
// process.
//
// A whole-transaction acquisition always proceeds in smallest-offset-first
// order, so concurrent writers racing on overlapping ranges cannot form a
// lock cycle.

// lockShared takes a shared (read) lock on [off, off+length) of f, blocking
// until granted. length == 0 locks through end of file.
func lockShared(f *os.File, off, length int64) error {
	return fcntlLock(f, unix.F_RDLCK, unix.F_OFD_SETLKW, off, length)
}

// lockExclusive takes an exclusive (write) lock on [off, off+length) of f,
// blocking until granted.
func lockExclusive(f *os.File, off, length int64) error {
	return fcntlLock(f, unix.F_WRLCK, unix.F_OFD_SETLKW, off, length)
}

// tryLockExclusive is the non-blocking variant of lockExclusive. It returns
// an EAGAIN-class error when the range is held elsewhere.
func tryLockExclusive(f *os.File, off, length int64) error {
	return fcntlLock(f, unix.F_WRLCK, unix.F_OFD_SETLK, off, length)
}

// unlockRange releases any lock this descriptor holds on [off, off+length).
func unlockRange(f *os.File, off, length int64) error {
	return fcntlLock(f, unix.F_UNLCK, unix.F_OFD_SETLKW, off, length)
}

func fcntlLock(f *os.File, typ int16, cmd int, off, length int64) error {
	fl := unix.Flock_t{
		Type:   typ,
		Whence: int16(io.SeekStart),
		Start:  off,
		Len:    length,
	}

	for {
		err := unix.FcntlFlock(f.Fd(), cmd, &fl)
		if err == nil {
			return nil
		}

		if errors.Is(err, unix.EINTR) {
			continue
		}

		return err
	}
}

// lockRanges locks the range of every operation in ts — shared for reads,
// exclusive for writes — in smallest-offset-first order. Already-locked
// operations are skipped, so a failed acquisition can be retried or unwound
// with [Trans.unlockRanges].
//
// No-op when the transaction carries [NoLock].
func (t *Trans) lockRanges() error {
	if t.flags&NoLock != 0 {
		return nil
	}

	for n := 0; n < len(t.ops); n++ {
		best := -1

		for i := range t.ops {
			if t.ops[i].locked {
				continue
			}

			if best < 0 || t.ops[i].off < t.ops[best].off {
				best = i
			}
		}

		if best < 0 {
			break
		}

		o := &t.ops[best]

		var err error
		if o.dir == opRead {
			err = lockShared(t.f.main, o.off, int64(o.length))
		} else {
			err = lockExclusive(t.f.main, o.off, int64(o.length))
		}

		if err != nil {
			return err
		}

		o.locked = true
	}

	return nil
}

// unlockRanges releases every lock lockRanges managed to take. Safe to call
// after a partial acquisition.
func (t *Trans) unlockRanges() {
	if t.flags&NoLock != 0 {
		return
	}

	for i := range t.ops {
		if !t.ops[i].locked {
			continue
		}

		_ = unlockRange(t.f.main, t.ops[i].off, int64(t.ops[i].length))
		t.ops[i].locked = false
	}
}
