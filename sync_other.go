//go:build !linux

package jio

import (
	"os"

	"golang.org/x/sys/unix"
)

// haveSyncRange: no sync_file_range outside Linux; commit falls back to one
// fdatasync after applying.
const haveSyncRange = false

func fdatasync(f *os.File) error {
	return f.Sync()
}

func syncRangeSubmit(_ *os.File, _, _ int64) error {
	return nil
}

func syncRangeWait(_ *os.File, _, _ int64) error {
	return nil
}

func fadviseWillNeed(_ *os.File, _, _ int64) {
}

func syncAll() {
	unix.Sync()
}
