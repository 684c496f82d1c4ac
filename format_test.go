package jio

import (
	"encoding/binary"
	"testing"

	"github.com/google/go-cmp/cmp"
)

// buildRecord assembles a complete record image the way the journal writes
// one: header, op entries, sentinel, trailer with streaming checksum.
func buildRecord(flags uint16, tid uint32, ops []diskOp) []byte {
	var (
		c   checksum
		out []byte
	)

	hdr := encodeHeader(flags, tid)
	c.write(hdr)
	out = append(out, hdr...)

	for _, o := range ops {
		ophdr := encodeOpHeader(uint32(len(o.data)), o.offset)
		c.write(ophdr)
		c.write(o.data)
		out = append(out, ophdr...)
		out = append(out, o.data...)
	}

	sentinel := encodeOpHeader(0, 0)
	c.write(sentinel)
	out = append(out, sentinel...)

	out = append(out, encodeTrailer(uint32(len(ops)), c.sum32())...)

	return out
}

// Contract: encode/decode round-trips a record with odd and even payload
// lengths.
func Test_DecodeRecord_RoundTrip(t *testing.T) {
	t.Parallel()

	ops := []diskOp{
		{offset: 0, data: []byte("AAAA")},
		{offset: 512, data: []byte("odd")},
		{offset: 1 << 33, data: []byte{0xFF}},
	}

	rec, status := decodeRecord(buildRecord(uint16(Linger), 7, ops))
	if status != decodeOK {
		t.Fatalf("status = %v, want decodeOK", status)
	}

	if rec.tid != 7 {
		t.Fatalf("tid = %d, want 7", rec.tid)
	}

	if rec.flags != uint16(Linger) {
		t.Fatalf("flags = %#x, want %#x", rec.flags, uint16(Linger))
	}

	if len(rec.ops) != len(ops) {
		t.Fatalf("ops = %d, want %d", len(rec.ops), len(ops))
	}

	for i := range ops {
		if rec.ops[i].offset != ops[i].offset {
			t.Fatalf("op %d offset = %d, want %d", i, rec.ops[i].offset, ops[i].offset)
		}

		if diff := cmp.Diff(ops[i].data, rec.ops[i].data); diff != "" {
			t.Fatalf("op %d data mismatch (-want +got):\n%s", i, diff)
		}
	}
}

// Contract: structural damage is broken, checksum damage is corrupt, and
// neither is ever decodeOK.
func Test_DecodeRecord_Classification(t *testing.T) {
	t.Parallel()

	good := buildRecord(0, 3, []diskOp{{offset: 64, data: []byte("payload")}})

	if _, status := decodeRecord(good); status != decodeOK {
		t.Fatalf("baseline status = %v, want decodeOK", status)
	}

	tests := []struct {
		name   string
		mutate func([]byte) []byte
		want   decodeStatus
	}{
		{
			name:   "empty",
			mutate: func(b []byte) []byte { return nil },
			want:   decodeBroken,
		},
		{
			name:   "below minimum size",
			mutate: func(b []byte) []byte { return b[:minRecordSize-1] },
			want:   decodeBroken,
		},
		{
			name: "wrong version",
			mutate: func(b []byte) []byte {
				binary.BigEndian.PutUint16(b[hdrOffVersion:], 2)
				return b
			},
			want: decodeBroken,
		},
		{
			name:   "truncated by one byte",
			mutate: func(b []byte) []byte { return b[:len(b)-1] },
			want:   decodeBroken,
		},
		{
			name:   "truncated mid-payload",
			mutate: func(b []byte) []byte { return b[:headerSize+opHeaderSize+3] },
			want:   decodeBroken,
		},
		{
			name:   "trailing garbage",
			mutate: func(b []byte) []byte { return append(b, 0) },
			want:   decodeBroken,
		},
		{
			name: "op count mismatch",
			mutate: func(b []byte) []byte {
				binary.BigEndian.PutUint32(b[len(b)-trailerSize+trOffNumOps:], 2)
				return b
			},
			want: decodeBroken,
		},
		{
			name: "payload length past end of file",
			mutate: func(b []byte) []byte {
				binary.BigEndian.PutUint32(b[headerSize+opOffLen:], 1<<30)
				return b
			},
			want: decodeBroken,
		},
		{
			name: "checksum flip",
			mutate: func(b []byte) []byte {
				b[len(b)-1] ^= 0x01
				return b
			},
			want: decodeCorrupt,
		},
		{
			name: "payload flip",
			mutate: func(b []byte) []byte {
				b[headerSize+opHeaderSize] ^= 0x80
				return b
			},
			want: decodeCorrupt,
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			buf := append([]byte(nil), good...)

			_, status := decodeRecord(tt.mutate(buf))
			if status != tt.want {
				t.Fatalf("status = %v, want %v", status, tt.want)
			}
		})
	}
}

// Contract: every single-byte flip anywhere in a record makes it undecodable.
func Test_DecodeRecord_Rejects_Any_Single_Byte_Flip(t *testing.T) {
	t.Parallel()

	good := buildRecord(0, 9, []diskOp{
		{offset: 0, data: []byte("AAAA")},
		{offset: 4, data: []byte("BBBB")},
	})

	for i := range good {
		buf := append([]byte(nil), good...)
		buf[i] ^= 0x10

		if _, status := decodeRecord(buf); status == decodeOK {
			t.Fatalf("flip at byte %d still decodes", i)
		}
	}
}

// Contract: a record whose trailer was overwritten by the corruption
// last-resort (numops=0, checksum=0xFFFFFFFF) never decodes.
func Test_DecodeRecord_Rejects_Corrupted_Trailer(t *testing.T) {
	t.Parallel()

	rec := buildRecord(0, 1, []diskOp{{offset: 0, data: []byte("data")}})
	rec = append(rec, encodeTrailer(0, corruptChecksum)...)

	if _, status := decodeRecord(rec); status == decodeOK {
		t.Fatal("record with corrupted trailer decodes")
	}
}
