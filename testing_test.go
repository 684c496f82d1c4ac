package jio_test

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"testing"

	"github.com/calvinalkan/jio"
)

// openTemp creates a fresh file in a temp dir and opens a read/write session
// on it. The session is closed via t.Cleanup unless the test closes it first.
func openTemp(t *testing.T, jflags jio.Flags) (*jio.File, string) {
	t.Helper()

	path := filepath.Join(t.TempDir(), "data")

	f, err := jio.Open(path, os.O_RDWR|os.O_CREATE, 0o644, jflags)
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	t.Cleanup(func() { _ = f.Close() })

	return f, path
}

// commitWrite commits a single write through a fresh transaction.
func commitWrite(t *testing.T, f *jio.File, buf []byte, off int64) {
	t.Helper()

	ts := f.NewTrans(0)

	err := ts.AddWrite(buf, off)
	if err != nil {
		t.Fatalf("add write: %v", err)
	}

	n, err := ts.Commit()
	if err != nil {
		t.Fatalf("commit: %v", err)
	}

	if n != int64(len(buf)) {
		t.Fatalf("commit wrote %d bytes, want %d", n, len(buf))
	}
}

// journalEntries lists the journal directory, sorted. A missing directory is
// reported as nil.
func journalEntries(t *testing.T, path string) []string {
	t.Helper()

	entries, err := os.ReadDir(jio.JournalDirFor(path))
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}

		t.Fatalf("read journal dir: %v", err)
	}

	names := make([]string, 0, len(entries))
	for _, ent := range entries {
		names = append(names, ent.Name())
	}

	sort.Strings(names)

	return names
}

// readFileBytes reads the whole file.
func readFileBytes(t *testing.T, path string) []byte {
	t.Helper()

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read %s: %v", path, err)
	}

	return data
}

// inetChecksum is an independent RFC 1071 implementation used to build
// record fixtures; it deliberately does not share code with the package.
func inetChecksum(data []byte) uint32 {
	var sum uint32

	for i := 0; i+1 < len(data); i += 2 {
		sum += uint32(data[i])<<8 | uint32(data[i+1])
	}

	if len(data)%2 == 1 {
		sum += uint32(data[len(data)-1]) << 8
	}

	for sum>>16 != 0 {
		sum = sum&0xffff + sum>>16
	}

	return ^sum
}

// recordOp is one write in a fixture record.
type recordOp struct {
	off  uint64
	data []byte
}

// buildRecordBytes assembles a v1 record image byte by byte.
func buildRecordBytes(tid uint32, ops []recordOp) []byte {
	var out []byte

	hdr := make([]byte, 8)
	binary.BigEndian.PutUint16(hdr[0:], 1) // version
	binary.BigEndian.PutUint16(hdr[2:], 0) // flags
	binary.BigEndian.PutUint32(hdr[4:], tid)
	out = append(out, hdr...)

	for _, o := range ops {
		ophdr := make([]byte, 12)
		binary.BigEndian.PutUint32(ophdr[0:], uint32(len(o.data)))
		binary.BigEndian.PutUint64(ophdr[4:], o.off)
		out = append(out, ophdr...)
		out = append(out, o.data...)
	}

	out = append(out, make([]byte, 12)...) // sentinel

	trailer := make([]byte, 8)
	binary.BigEndian.PutUint32(trailer[0:], uint32(len(ops)))
	binary.BigEndian.PutUint32(trailer[4:], inetChecksum(out))
	out = append(out, trailer...)

	return out
}

// writeRecordFixture plants a record file for tid in the journal directory of
// path, creating the directory if needed.
func writeRecordFixture(t *testing.T, path string, tid uint32, ops []recordOp) string {
	t.Helper()

	jdir := jio.JournalDirFor(path)

	err := os.MkdirAll(jdir, 0o750)
	if err != nil {
		t.Fatalf("mkdir journal dir: %v", err)
	}

	rpath := filepath.Join(jdir, strconv.FormatUint(uint64(tid), 10))

	err = os.WriteFile(rpath, buildRecordBytes(tid, ops), 0o600)
	if err != nil {
		t.Fatalf("write record fixture: %v", err)
	}

	return rpath
}
