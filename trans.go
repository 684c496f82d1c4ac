package jio

import (
	"fmt"
	"math"
	"sync"
)

// Flags configure a session or a transaction. Transaction flags are the
// session's flags OR'd with the flags given to [File.NewTrans].
type Flags uint32

const (
	// NoLock skips the advisory range locks around commit. The caller must
	// guarantee no concurrent access to the affected ranges.
	NoLock Flags = 1 << iota

	// NoRollback skips capturing pre-images. Commits are cheaper but a
	// mid-commit failure cannot be undone, only repaired by [Fsck].
	NoRollback

	// Linger defers journal record removal until [File.Sync], amortizing
	// the main-file fsync over many transactions.
	Linger

	// committed marks a transaction whose data reached the main file.
	committed

	// rolledBack marks a transaction that was undone from its pre-images.
	rolledBack

	// rollingBack marks the in-progress rollback commit so a failing
	// rollback does not try to roll itself back.
	rollingBack

	// RDOnly marks a read-only session. Set automatically when the file is
	// opened without write intent.
	RDOnly
)

// maxTransSize caps the total bytes of write operations in one transaction.
// Operation lengths are 32-bit on disk.
const maxTransSize = math.MaxInt32

// opDir is an operation's direction.
type opDir uint8

const (
	opRead opDir = iota + 1
	opWrite
)

// op is a single operation in a transaction.
//
// The buffer fields are a two-variant sum: reads reference the caller's
// buffer (filled at commit time), writes own a private copy taken at add
// time. pre/preLen hold the write's captured pre-image; preLen < length
// means the write extended the file and rollback must truncate.
type op struct {
	dir    opDir
	off    int64
	length int

	readBuf  []byte // reads: caller's buffer, must outlive Commit
	writeBuf []byte // writes: owned copy

	pre    []byte
	preLen int

	locked bool
}

// Trans is a transaction: an ordered list of operations against one session.
//
// Build it with [Trans.AddWrite] and [Trans.AddRead], then call
// [Trans.Commit]. Operations apply in insertion order; reads observe the
// same-transaction writes that precede them.
type Trans struct {
	f     *File
	flags Flags

	ops  []op
	numR int
	numW int
	lenW int64

	mu sync.Mutex
}

// NewTrans allocates an empty transaction. flags are OR'd into the session's
// flags.
func (f *File) NewTrans(flags Flags) *Trans {
	return &Trans{f: f, flags: f.flags | flags}
}

// AddWrite appends a write of buf at absolute offset off. The bytes are
// copied; the caller keeps ownership of buf.
func (t *Trans) AddWrite(buf []byte, off int64) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.flags&RDOnly != 0 {
		return fmt.Errorf("add write: %w", ErrReadOnly)
	}

	if len(buf) == 0 {
		return fmt.Errorf("add write: %w: empty buffer", ErrInvalidInput)
	}

	if t.lenW+int64(len(buf)) > maxTransSize {
		return fmt.Errorf("add write: %w", ErrTooLarge)
	}

	owned := make([]byte, len(buf))
	copy(owned, buf)

	t.ops = append(t.ops, op{dir: opWrite, off: off, length: len(buf), writeBuf: owned})
	t.numW++
	t.lenW += int64(len(buf))

	if t.flags&NoRollback == 0 {
		// Commit will read the pre-image from this range.
		fadviseWillNeed(t.f.main, off, int64(len(buf)))
	}

	return nil
}

// AddRead appends a read of len(buf) bytes at absolute offset off into buf.
// The buffer is not copied and must stay valid until Commit returns. Reads
// are not journaled; they execute under the transaction's range locks so the
// caller observes a snapshot consistent with the transaction's writes.
func (t *Trans) AddRead(buf []byte, off int64) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if len(buf) == 0 {
		return fmt.Errorf("add read: %w: empty buffer", ErrInvalidInput)
	}

	t.ops = append(t.ops, op{dir: opRead, off: off, length: len(buf), readBuf: buf})
	t.numR++

	fadviseWillNeed(t.f.main, off, int64(len(buf)))

	return nil
}

// Commit applies the transaction.
//
// On success it returns the number of bytes written to the main file. On
// failure after the journal record became durable, the engine rolls the
// transaction back from its pre-images and returns an error matching
// [ErrRolledBack] (the file is unchanged) or, if that also failed,
// [ErrUnrecoverable] (run [Fsck]).
func (t *Trans) Commit() (int64, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.commitLocked()
}

//nolint:cyclop,funlen // the commit protocol is one ordered sequence; see the step comments
func (t *Trans) commitLocked() (int64, error) {
	t.flags &^= committed | rolledBack

	if t.numR+t.numW == 0 {
		return 0, fmt.Errorf("commit: %w: transaction has no operations", ErrInvalidInput)
	}

	if t.numW > 0 && t.flags&RDOnly != 0 {
		return 0, fmt.Errorf("commit: %w", ErrReadOnly)
	}

	// Lock every range before any I/O. This also guarantees two
	// overlapping transactions never journal and apply at the same time.
	// Lingered records outlive these locks; they replay in id order.
	err := t.lockRanges()
	if err != nil {
		t.unlockRanges()

		return 0, fmt.Errorf("commit: lock ranges: %w", err)
	}

	jop, written, applied, applyErr := t.journalAndApply()

	var ret error
	if applyErr != nil {
		ret = fmt.Errorf("commit: %w", applyErr)
	}

	// A failure before anything reached the main file needs no rollback:
	// the transaction simply aborts and its half-written record is removed.
	if jop != nil && !applied && t.flags&committed == 0 {
		jop.discard()
		jop = nil
	}

	// Recover a failed commit by rolling it back from the pre-images,
	// reusing the locks we already hold. A rollback that is itself failing
	// is not retried.
	if jop != nil && t.flags&committed == 0 && t.flags&rollingBack == 0 {
		saved := t.flags

		t.flags |= NoLock | rollingBack

		_, rbErr := t.rollbackLocked()
		if rbErr == nil {
			t.flags = saved | rolledBack
			ret = fmt.Errorf("commit: %w: %w", ErrRolledBack, applyErr)
		} else {
			t.flags = saved
			ret = fmt.Errorf("commit: %w: %w (rollback: %w)", ErrUnrecoverable, applyErr, rbErr)
		}
	}

	// Remove the record unless lingering took ownership. Only unlink when
	// the data is safe: either applied, or rolled back properly.
	if jop != nil {
		dataIsSafe := t.flags&(committed|rolledBack) != 0

		err = jop.free(dataIsSafe)
		if err != nil && ret == nil {
			// The data is durable but the record could not be reclaimed;
			// the journal may now be marked broken.
			ret = fmt.Errorf("commit: %w: %w", ErrUnrecoverable, err)
		}
	}

	// Unlock only after the failure handling above: releasing earlier
	// could let a half-overlapping transaction interleave with a rollback.
	t.unlockRanges()

	if ret != nil {
		return 0, ret
	}

	return written, nil
}

// journalAndApply runs the middle of the commit protocol: journal the writes,
// capture pre-images, make the record durable, apply to the main file, then
// linger or sync. It returns the journal op (nil once lingering owns it), the
// bytes written, and whether the apply phase was reached — only then is a
// rollback meaningful.
func (t *Trans) journalAndApply() (*journalOp, int64, bool, error) {
	var (
		jop *journalOp
		err error
	)

	// Only write transactions have a record; a read-only transaction is
	// just a locked batch of reads.
	if t.numW > 0 {
		jop, err = newJournalOp(t.f, t.flags)
		if err != nil {
			return nil, 0, false, err
		}

		for i := range t.ops {
			o := &t.ops[i]
			if o.dir != opWrite {
				continue
			}

			err = jop.addOp(o.writeBuf, o.off)
			if err != nil {
				return jop, 0, false, err
			}
		}

		jop.preCommit()
	}

	if t.flags&NoRollback == 0 {
		for i := range t.ops {
			o := &t.ops[i]
			if o.dir != opWrite {
				continue
			}

			err = t.readPreImage(o)
			if err != nil {
				return jop, 0, false, err
			}
		}
	}

	if jop != nil {
		err = jop.commit()
		if err != nil {
			return jop, 0, false, err
		}
	}

	// The record is durable; apply the operations to the main file.
	var written int64

	for i := range t.ops {
		o := &t.ops[i]

		if o.dir == opRead {
			var n int

			n, err = preadFull(t.f.main, o.readBuf, o.off)
			if err != nil {
				return jop, written, true, fmt.Errorf("read %d@%d: %w", o.length, o.off, err)
			}

			if n != o.length {
				return jop, written, true, fmt.Errorf("read %d@%d: short read of %d bytes", o.length, o.off, n)
			}

			continue
		}

		err = pwriteFull(t.f.main, o.writeBuf, o.off)
		if err != nil {
			return jop, written, true, fmt.Errorf("write %d@%d: %w", o.length, o.off, err)
		}

		written += int64(o.length)

		if haveSyncRange && t.flags&Linger == 0 {
			err = syncRangeSubmit(t.f.main, o.off, int64(o.length))
			if err != nil {
				return jop, written, true, fmt.Errorf("submit range sync: %w", err)
			}
		}
	}

	if jop != nil && t.flags&Linger != 0 {
		// Applied but not yet durable; the record stays on disk as
		// insurance until the next session flush.
		t.f.lingerAdd(jop, written)
		jop = nil
	} else if jop != nil {
		err = t.waitDurable()
		if err != nil {
			return jop, written, true, err
		}
	}

	t.flags |= committed

	return jop, written, true, nil
}

// waitDurable makes the applied writes durable: wait for the submitted range
// syncs, or fall back to a full fdatasync.
func (t *Trans) waitDurable() error {
	if !haveSyncRange {
		err := fdatasync(t.f.main)
		if err != nil {
			return fmt.Errorf("fdatasync: %w", err)
		}

		return nil
	}

	for i := range t.ops {
		o := &t.ops[i]
		if o.dir != opWrite {
			continue
		}

		err := syncRangeWait(t.f.main, o.off, int64(o.length))
		if err != nil {
			return fmt.Errorf("wait range sync: %w", err)
		}
	}

	return nil
}

// readPreImage captures the current on-file bytes of a write operation. A
// short read means the operation extends the file; preLen records how much of
// the range existed so rollback can truncate back.
func (t *Trans) readPreImage(o *op) error {
	pre := make([]byte, o.length)

	n, err := preadFull(t.f.main, pre, o.off)
	if err != nil {
		return fmt.Errorf("read pre-image %d@%d: %w", o.length, o.off, err)
	}

	o.pre = pre
	o.preLen = n

	return nil
}

// Rollback undoes a previously committed transaction by committing its
// captured pre-images in reverse order, truncating back any range the
// transaction extended. The return values follow [Trans.Commit].
func (t *Trans) Rollback() (int64, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.rollbackLocked()
}

func (t *Trans) rollbackLocked() (int64, error) {
	if t.flags&NoRollback != 0 {
		return 0, fmt.Errorf("rollback: %w", ErrNoRollback)
	}

	if len(t.ops) == 0 {
		return 0, fmt.Errorf("rollback: %w: transaction has no operations", ErrInvalidInput)
	}

	rb := &Trans{f: t.f, flags: t.flags}

	for i := len(t.ops) - 1; i >= 0; i-- {
		o := &t.ops[i]
		if o.dir != opWrite {
			continue
		}

		// If the write extended the file, cut it back first. This is the
		// dangerous half of rollback: anything appended to the range since
		// the commit is cut off with it.
		if o.preLen < o.length {
			err := t.f.main.Truncate(o.off + int64(o.preLen))
			if err != nil {
				return 0, fmt.Errorf("rollback: truncate to %d: %w", o.off+int64(o.preLen), err)
			}
		}

		// A pure extension has no pre-image bytes to restore.
		if o.preLen == 0 {
			continue
		}

		rb.ops = append(rb.ops, op{
			dir:      opWrite,
			off:      o.off,
			length:   o.preLen,
			writeBuf: o.pre[:o.preLen],
		})
		rb.numW++
		rb.lenW += int64(o.preLen)
	}

	if len(rb.ops) == 0 {
		// Nothing but extensions; the truncates above restored everything.
		t.flags |= rolledBack

		return 0, nil
	}

	written, err := rb.commitLocked()
	if err != nil {
		return 0, err
	}

	t.flags |= rolledBack

	return written, nil
}
