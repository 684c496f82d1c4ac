package jio

import (
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
)

// Transaction id allocation.
//
// The first machine word of the journal directory's lock file is a shared,
// memory-mapped counter holding the highest id that may be in use. Both
// acquire and release hold an exclusive lock on the whole lock file, so
// allocations are serialized across processes. The counter is allowed to be
// spuriously high (that only wastes ids); it must never be lower than a live
// record's id.

// tidCounterSize is the mapped prefix of the lock file.
const tidCounterSize = 4

var errTIDExhausted = errors.New("jio: transaction id space exhausted")

// tidAcquire returns the next transaction id.
//
// The fcntl lock excludes other sessions; tmu excludes other goroutines of
// this session, whose locks live on the same descriptor and would otherwise
// just merge.
func (f *File) tidAcquire() (uint32, error) {
	f.tmu.Lock()
	defer f.tmu.Unlock()

	err := lockExclusive(f.lockFile, 0, 0)
	if err != nil {
		return 0, fmt.Errorf("lock tid counter: %w", err)
	}

	defer func() { _ = unlockRange(f.lockFile, 0, 0) }()

	cur := binary.NativeEndian.Uint32(f.tidMem)

	next := cur + 1
	if next == 0 {
		return 0, errTIDExhausted
	}

	binary.NativeEndian.PutUint32(f.tidMem, next)

	return next, nil
}

// tidRelease marks tid as no longer held. If tid is the current maximum, the
// counter is rewound to the highest id below tid that still has a record file
// on disk (or zero if none).
func (f *File) tidRelease(tid uint32) {
	f.tmu.Lock()
	defer f.tmu.Unlock()

	err := lockExclusive(f.lockFile, 0, 0)
	if err != nil {
		// Leaving the counter alone is always safe; it only wastes ids.
		return
	}

	defer func() { _ = unlockRange(f.lockFile, 0, 0) }()

	cur := binary.NativeEndian.Uint32(f.tidMem)
	if tid != cur {
		return
	}

	next := cur - 1
	for ; next > 0; next-- {
		_, statErr := os.Stat(recordPath(f.jdir, next))
		if statErr == nil || !os.IsNotExist(statErr) {
			// Found a record, or hit an error that leaves its existence
			// unknown. Either way stopping here keeps the counter safe.
			break
		}
	}

	binary.NativeEndian.PutUint32(f.tidMem, next)
}

// recordPath returns the path of the record file for tid: its decimal name
// inside the journal directory.
func recordPath(jdir string, tid uint32) string {
	return filepath.Join(jdir, strconv.FormatUint(uint64(tid), 10))
}
