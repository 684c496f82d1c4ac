// Package jio provides transactional, journaled I/O on a single regular file.
//
// A caller groups byte-range writes (and reads) into a transaction. When the
// transaction commits, either every operation is visible in the target file
// afterwards or none is, even across process crashes and power loss. The
// guarantee is earned with a per-transaction journal record: the record is
// made durable before the main file is touched, so an interrupted commit can
// always be finished (or undone) later by [Fsck].
//
// # Basic Usage
//
//	f, err := jio.Open("data.db", os.O_RDWR|os.O_CREATE, 0o644, 0)
//	if err != nil {
//	    return err
//	}
//	defer f.Close()
//
//	ts := f.NewTrans(0)
//	ts.AddWrite([]byte("hello"), 0)
//	ts.AddWrite([]byte("world"), 512)
//	if _, err := ts.Commit(); err != nil {
//	    // errors.Is(err, jio.ErrRolledBack): the file is back in its
//	    // pre-transaction state.
//	    // errors.Is(err, jio.ErrUnrecoverable): run jio.Fsck before
//	    // trusting the file again.
//	}
//
// After an unclean shutdown, [Fsck] scans the journal directory, replays
// every complete record and discards the rest:
//
//	res, err := jio.Fsck("data.db", "", jio.FsckCleanup)
//
// # Concurrency
//
// Transactions from different sessions (including different processes) that
// touch overlapping byte ranges are serialized by advisory range locks on the
// main file; disjoint ranges proceed in parallel. Within one session:
//
//   - [File] methods are safe for concurrent use.
//   - A [Trans] must not be used from multiple goroutines at once while
//     operations are still being added; Commit and Rollback serialize
//     internally.
//
// # Durability modes
//
// By default every commit ends with the main file durable and the journal
// record removed. Opening (or creating a transaction) with [Linger] defers
// the record removal: the commit is applied but its record is kept as
// insurance until [File.Sync] flushes the main file and drops the records in
// one batch. [File.AutosyncStart] runs that flush in the background on a
// time/byte budget.
//
// # Error Handling
//
// Errors are classified by package-level sentinels and should be tested with
// errors.Is. An error never surfaces before the on-disk state is consistent
// with it: an aborted commit has no effect, [ErrRolledBack] means the
// pre-transaction bytes are back in place, and [ErrUnrecoverable] means the
// journal must be checked before further writes ([ErrBroken] enforces this
// for severe failures).
//
// There is no explicit free for transactions; dropping the last reference to
// a [Trans] releases its buffers.
package jio
