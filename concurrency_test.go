package jio_test

import (
	"bytes"
	"fmt"
	"os"
	"sync"
	"testing"

	"github.com/calvinalkan/jio"
)

// commitWriteErr is the goroutine-safe variant of commitWrite: failures are
// returned, not reported via t.
func commitWriteErr(f *jio.File, buf []byte, off int64) error {
	ts := f.NewTrans(0)

	err := ts.AddWrite(buf, off)
	if err != nil {
		return fmt.Errorf("add write: %w", err)
	}

	_, err = ts.Commit()
	if err != nil {
		return fmt.Errorf("commit: %w", err)
	}

	return nil
}

// Contract: two sessions committing overlapping ranges serialize; the final
// bytes are one writer's output with no interleaving.
func Test_Overlapping_Commits_Do_Not_Interleave(t *testing.T) {
	t.Parallel()

	a, path := openTemp(t, 0)

	b, err := jio.Open(path, os.O_RDWR, 0o644, 0)
	if err != nil {
		t.Fatalf("open second session: %v", err)
	}

	t.Cleanup(func() { _ = b.Close() })

	const size = 4096

	var wg sync.WaitGroup

	errs := make(chan error, 2)

	for _, pair := range []struct {
		f    *jio.File
		fill byte
	}{
		{a, 'X'},
		{b, 'Y'},
	} {
		pair := pair
		wg.Add(1)

		go func() {
			defer wg.Done()
			errs <- commitWriteErr(pair.f, bytes.Repeat([]byte{pair.fill}, size), 0)
		}()
	}

	wg.Wait()
	close(errs)

	for err := range errs {
		if err != nil {
			t.Fatalf("writer failed: %v", err)
		}
	}

	got := readFileBytes(t, path)
	if len(got) != size {
		t.Fatalf("file size = %d, want %d", len(got), size)
	}

	first := got[0]
	if first != 'X' && first != 'Y' {
		t.Fatalf("unexpected byte %q", first)
	}

	for i, c := range got {
		if c != first {
			t.Fatalf("interleaved write at byte %d: %q then %q", i, first, c)
		}
	}
}

// Contract: commits on disjoint ranges proceed concurrently and all land.
func Test_Disjoint_Commits_All_Apply(t *testing.T) {
	t.Parallel()

	f, path := openTemp(t, 0)

	const (
		workers = 8
		chunk   = 512
	)

	var wg sync.WaitGroup

	errs := make(chan error, workers)

	for w := 0; w < workers; w++ {
		w := w
		wg.Add(1)

		go func() {
			defer wg.Done()
			errs <- commitWriteErr(f, bytes.Repeat([]byte{'a' + byte(w)}, chunk), int64(w*chunk))
		}()
	}

	wg.Wait()
	close(errs)

	for err := range errs {
		if err != nil {
			t.Fatalf("writer failed: %v", err)
		}
	}

	got := readFileBytes(t, path)
	if len(got) != workers*chunk {
		t.Fatalf("file size = %d, want %d", len(got), workers*chunk)
	}

	for w := 0; w < workers; w++ {
		region := got[w*chunk : (w+1)*chunk]
		if !bytes.Equal(region, bytes.Repeat([]byte{'a' + byte(w)}, chunk)) {
			t.Fatalf("region %d corrupted", w)
		}
	}
}

// Contract: no two live records share a transaction id, across sessions.
func Test_TID_Uniqueness_Across_Sessions(t *testing.T) {
	t.Parallel()

	a, path := openTemp(t, jio.Linger)

	b, err := jio.Open(path, os.O_RDWR, 0o644, jio.Linger)
	if err != nil {
		t.Fatalf("open second session: %v", err)
	}

	t.Cleanup(func() { _ = b.Close() })

	const perSession = 16

	var wg sync.WaitGroup

	errs := make(chan error, 2*perSession)

	for _, f := range []*jio.File{a, b} {
		f := f
		wg.Add(1)

		go func() {
			defer wg.Done()

			for i := 0; i < perSession; i++ {
				errs <- commitWriteErr(f, []byte{0xEE}, int64(i))
			}
		}()
	}

	wg.Wait()
	close(errs)

	for err := range errs {
		if err != nil {
			t.Fatalf("writer failed: %v", err)
		}
	}

	// Every lingered record is still live; duplicate ids would have
	// collapsed onto one file name.
	names := journalEntries(t, path)
	records := 0

	for _, name := range names {
		if name != "lock" {
			records++
		}
	}

	if records != 2*perSession {
		t.Fatalf("live records = %d, want %d (ids were reused)", records, 2*perSession)
	}

	if err := a.Sync(); err != nil {
		t.Fatalf("sync a: %v", err)
	}

	if err := b.Sync(); err != nil {
		t.Fatalf("sync b: %v", err)
	}

	if names := journalEntries(t, path); len(names) != 1 {
		t.Fatalf("journal = %v, want [lock]", names)
	}
}
