// Package block implements the Block codec: the unit tsfile appends to and
// reads from a time series file.
//
// A block holds a run of records belonging to one record type contiguity
// window, delta-encoded against the record type's running baseline and
// optionally compressed. Every block is individually checksummed, so a
// single corrupted block never silently corrupts its neighbours.
package block

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"

	"horizondb/internal/record"
)

// headerFixedSize is the byte length of the fixed-width tail of the header:
// compressionType(1) + range.lower(8) + range.upper(8) + crc32(4).
const headerFixedSize = 1 + 8 + 8 + 4

// Header describes a block without materializing its payload; tsfile keeps
// these in its in-memory block index.
type Header struct {
	RecordCount      uint64
	UncompressedSize uint64
	CompressedSize   uint64
	Compression      Compression
	RangeLower       int64
	RangeUpper       int64
	CRC32            uint32
}

// Encode delta-encodes and compresses records (sorted by record.Less) into a
// single on-disk block, advancing lastRecordPerType for the next block.
// records must be non-empty.
func Encode(records []record.Record, lastRecordPerType map[record.Type]record.Record, compression Compression) ([]byte, Header, error) {
	if len(records) == 0 {
		return nil, Header{}, fmt.Errorf("block: cannot encode an empty record set")
	}

	uncompressed := encodePayload(records, lastRecordPerType)
	payload, err := compress(compression, uncompressed)
	if err != nil {
		return nil, Header{}, fmt.Errorf("block: compress: %w", err)
	}

	h := Header{
		RecordCount:      uint64(len(records)),
		UncompressedSize: uint64(len(uncompressed)),
		CompressedSize:   uint64(len(payload)),
		Compression:      compression,
		RangeLower:       records[0].Timestamp(),
		RangeUpper:       records[len(records)-1].Timestamp(),
		CRC32:            crc32.ChecksumIEEE(payload),
	}

	out := make([]byte, 0, headerVarintSize(h)+headerFixedSize+len(payload))
	out = appendUvarint(out, h.RecordCount)
	out = appendUvarint(out, h.UncompressedSize)
	out = appendUvarint(out, h.CompressedSize)
	out = append(out, byte(h.Compression))
	out = binary.BigEndian.AppendUint64(out, uint64(h.RangeLower))
	out = binary.BigEndian.AppendUint64(out, uint64(h.RangeUpper))
	out = binary.BigEndian.AppendUint32(out, h.CRC32)
	out = append(out, payload...)
	return out, h, nil
}

// Decode parses one on-disk block from raw (exactly the bytes Encode
// produced, no trailing data) and returns its records in order, verifying
// the CRC before delta-decoding a single field. lastRecordPerType is
// advanced the same way Encode advanced it, so callers decoding a file's
// blocks in order keep the baseline synchronized.
//
// raw is expected to be at most one block's worth of bytes: tsfile reads
// exactly header.CompressedSize payload bytes per block, so decoding never
// holds more than one block in memory at a time.
func Decode(raw []byte, lastRecordPerType map[record.Type]record.Record) ([]record.Record, Header, error) {
	h, off, err := decodeHeader(raw)
	if err != nil {
		return nil, Header{}, err
	}
	if uint64(len(raw)-off) < h.CompressedSize {
		return nil, Header{}, fmt.Errorf("block: truncated block: want %d payload bytes, have %d", h.CompressedSize, len(raw)-off)
	}
	payload := raw[off : off+int(h.CompressedSize)]

	if got := crc32.ChecksumIEEE(payload); got != h.CRC32 {
		return nil, Header{}, fmt.Errorf("block: checksum mismatch: stored %08x computed %08x", h.CRC32, got)
	}

	uncompressed, err := decompress(h.Compression, payload, int(h.UncompressedSize))
	if err != nil {
		return nil, Header{}, fmt.Errorf("block: decompress: %w", err)
	}

	records, err := decodePayload(uncompressed, h.RecordCount, lastRecordPerType)
	if err != nil {
		return nil, Header{}, err
	}
	return records, h, nil
}

// DecodeHeader parses only a block's header, letting tsfile build its
// min/max-timestamp index without touching the (possibly compressed)
// payload.
func DecodeHeader(raw []byte) (Header, int, error) {
	return decodeHeader(raw)
}

func decodeHeader(raw []byte) (Header, int, error) {
	var h Header
	off := 0

	rc, n, err := readUvarint(raw[off:])
	if err != nil {
		return Header{}, 0, fmt.Errorf("block: read record count: %w", err)
	}
	off += n
	h.RecordCount = rc

	us, n, err := readUvarint(raw[off:])
	if err != nil {
		return Header{}, 0, fmt.Errorf("block: read uncompressed size: %w", err)
	}
	off += n
	h.UncompressedSize = us

	cs, n, err := readUvarint(raw[off:])
	if err != nil {
		return Header{}, 0, fmt.Errorf("block: read compressed size: %w", err)
	}
	off += n
	h.CompressedSize = cs

	if off+headerFixedSize > len(raw) {
		return Header{}, 0, fmt.Errorf("block: truncated header")
	}
	h.Compression = Compression(raw[off])
	off++
	h.RangeLower = int64(binary.BigEndian.Uint64(raw[off:]))
	off += 8
	h.RangeUpper = int64(binary.BigEndian.Uint64(raw[off:]))
	off += 8
	h.CRC32 = binary.BigEndian.Uint32(raw[off:])
	off += 4

	return h, off, nil
}

func headerVarintSize(h Header) int {
	var tmp [binary.MaxVarintLen64]byte
	return binary.PutUvarint(tmp[:], h.RecordCount) +
		binary.PutUvarint(tmp[:], h.UncompressedSize) +
		binary.PutUvarint(tmp[:], h.CompressedSize)
}
