package jio

import "encoding/binary"

// On-disk record format.
//
// Each transaction is stored as a single file: a header, one entry per write
// operation, a zero sentinel entry, and a trailer. All integers are
// big-endian.
//
//	+--------+-----+------+-----+----------+---------+
//	| header | op1 | ...  | opn | sentinel | trailer |
//	+--------+-----+------+-----+----------+---------+
//
// The trailer checksum covers every byte from the start of the header through
// the sentinel, inclusive. A record without a valid trailer is by definition
// incomplete and is rejected by the decoder.
const (
	// recordVersion is the only record format version written or accepted.
	recordVersion = 1

	headerSize   = 8
	opHeaderSize = 12
	trailerSize  = 8

	// minRecordSize is the smallest structurally possible record: header,
	// sentinel, trailer.
	minRecordSize = headerSize + opHeaderSize + trailerSize
)

// Header field offsets.
const (
	hdrOffVersion = 0 // uint16
	hdrOffFlags   = 2 // uint16
	hdrOffTID     = 4 // uint32
)

// Operation entry field offsets (data follows the fixed part).
const (
	opOffLen    = 0 // uint32
	opOffOffset = 4 // uint64
)

// Trailer field offsets.
const (
	trOffNumOps   = 0 // uint32
	trOffChecksum = 4 // uint32
)

// corruptChecksum can never be produced by a real record (the version word
// alone keeps the folded sum nonzero), so overwriting a trailer with it
// guarantees rejection.
const corruptChecksum = 0xFFFFFFFF

// encodeHeader serializes a record header.
func encodeHeader(flags uint16, tid uint32) []byte {
	buf := make([]byte, headerSize)

	binary.BigEndian.PutUint16(buf[hdrOffVersion:], recordVersion)
	binary.BigEndian.PutUint16(buf[hdrOffFlags:], flags)
	binary.BigEndian.PutUint32(buf[hdrOffTID:], tid)

	return buf
}

// encodeOpHeader serializes one operation entry header. length == 0 and
// offset == 0 encodes the sentinel.
func encodeOpHeader(length uint32, offset uint64) []byte {
	buf := make([]byte, opHeaderSize)

	binary.BigEndian.PutUint32(buf[opOffLen:], length)
	binary.BigEndian.PutUint64(buf[opOffOffset:], offset)

	return buf
}

// encodeTrailer serializes a record trailer.
func encodeTrailer(numOps, sum uint32) []byte {
	buf := make([]byte, trailerSize)

	binary.BigEndian.PutUint32(buf[trOffNumOps:], numOps)
	binary.BigEndian.PutUint32(buf[trOffChecksum:], sum)

	return buf
}

// diskOp is one decoded write operation. data aliases the decode input.
type diskOp struct {
	length uint32
	offset uint64
	data   []byte
}

// diskRecord is a decoded record.
type diskRecord struct {
	flags uint16
	tid   uint32
	ops   []diskOp
}

// decodeStatus classifies a decode attempt.
type decodeStatus int

const (
	// decodeOK: the record is complete and self-consistent.
	decodeOK decodeStatus = iota

	// decodeBroken: the record is structurally invalid (bad version,
	// truncated, op count mismatch, trailing garbage).
	decodeBroken

	// decodeCorrupt: the structure is intact but the trailer checksum does
	// not match the contents.
	decodeCorrupt
)

// decodeRecord parses and validates a complete record image.
//
// The returned record's operation data aliases data; callers that outlive the
// buffer (an mmap, typically) must copy.
func decodeRecord(data []byte) (diskRecord, decodeStatus) {
	var rec diskRecord

	if len(data) < minRecordSize {
		return rec, decodeBroken
	}

	if binary.BigEndian.Uint16(data[hdrOffVersion:]) != recordVersion {
		return rec, decodeBroken
	}

	rec.flags = binary.BigEndian.Uint16(data[hdrOffFlags:])
	rec.tid = binary.BigEndian.Uint32(data[hdrOffTID:])

	pos := headerSize

	for {
		if pos+opHeaderSize > len(data) {
			return diskRecord{}, decodeBroken
		}

		length := binary.BigEndian.Uint32(data[pos+opOffLen:])
		offset := binary.BigEndian.Uint64(data[pos+opOffOffset:])
		pos += opHeaderSize

		if length == 0 && offset == 0 {
			break
		}

		if uint64(length) > uint64(len(data)-pos) {
			return diskRecord{}, decodeBroken
		}

		rec.ops = append(rec.ops, diskOp{
			length: length,
			offset: offset,
			data:   data[pos : pos+int(length)],
		})
		pos += int(length)
	}

	// The trailer must be the last thing in the record; anything after it
	// is not covered by the checksum and cannot be trusted.
	if pos+trailerSize != len(data) {
		return diskRecord{}, decodeBroken
	}

	numOps := binary.BigEndian.Uint32(data[pos+trOffNumOps:])
	if numOps != uint32(len(rec.ops)) {
		return diskRecord{}, decodeBroken
	}

	stored := binary.BigEndian.Uint32(data[pos+trOffChecksum:])
	if checksumBytes(data[:pos]) != stored {
		return diskRecord{}, decodeCorrupt
	}

	return rec, decodeOK
}
