// Package record implements the fixed-schema Record tuple and its full
// (non-delta) wire serialization: length-prefixed fields in a fixed order,
// an arbitrary ordered list of typed Fields whose first entry is always the
// timestamp.
package record

import (
	"encoding/binary"
	"fmt"

	"horizondb/internal/field"
)

// Type names a record's schema for delta-coding purposes: records of the
// same Type share a "last record" baseline during block encode/decode,
// delta-encoded against the previous record of the same record type.
type Type uint32

// Record is a fixed-schema tuple of fields; Fields[0] is always the
// timestamp.
type Record struct {
	RecordType Type
	Fields     []field.Field
}

// Timestamp returns the record's partitioning timestamp.
func (r Record) Timestamp() int64 {
	return r.Fields[0].Int
}

// Less orders records by (timestamp, record type); insertion order for
// equal (timestamp, type) pairs is preserved by a stable sort at the call
// site, never by this comparator.
func Less(a, b Record) bool {
	at, bt := a.Timestamp(), b.Timestamp()
	if at != bt {
		return at < bt
	}
	return a.RecordType < b.RecordType
}

// Serialize writes the full (non-delta) wire form of r: record type varint,
// field count varint, then each field as kind byte + type-specific payload.
// This form backs commit-log frames, where each record must stand alone
// without a "last record per type" baseline.
func Serialize(r Record) []byte {
	buf := make([]byte, 0, 32+8*len(r.Fields))
	buf = appendUvarint(buf, uint64(r.RecordType))
	buf = appendUvarint(buf, uint64(len(r.Fields)))
	for _, f := range r.Fields {
		buf = append(buf, byte(f.Kind))
		switch f.Kind {
		case field.KindTimestamp:
			buf = append(buf, byte(f.Unit))
			buf = appendVarint(buf, f.Int)
		case field.KindInteger:
			buf = appendVarint(buf, f.Int)
		case field.KindDecimal:
			buf = appendVarint(buf, f.Mantissa)
			buf = appendVarint(buf, int64(f.Exponent))
		case field.KindBytes:
			buf = appendUvarint(buf, uint64(len(f.Bytes)))
			buf = append(buf, f.Bytes...)
		}
	}
	return buf
}

// Deserialize reconstructs a Record from its full wire form, as written by
// Serialize. It returns the record and the number of bytes consumed.
func Deserialize(data []byte) (Record, int, error) {
	rt, n, err := readUvarint(data)
	if err != nil {
		return Record{}, 0, fmt.Errorf("record: read type: %w", err)
	}
	off := n

	count, n, err := readUvarint(data[off:])
	if err != nil {
		return Record{}, 0, fmt.Errorf("record: read field count: %w", err)
	}
	off += n

	fields := make([]field.Field, 0, count)
	for i := uint64(0); i < count; i++ {
		if off >= len(data) {
			return Record{}, 0, fmt.Errorf("record: truncated field %d", i)
		}
		kind := field.Kind(data[off])
		off++
		var f field.Field
		switch kind {
		case field.KindTimestamp:
			if off >= len(data) {
				return Record{}, 0, fmt.Errorf("record: truncated timestamp unit")
			}
			unit := field.TimeUnit(data[off])
			off++
			v, n, err := readVarint(data[off:])
			if err != nil {
				return Record{}, 0, fmt.Errorf("record: read timestamp: %w", err)
			}
			off += n
			f = field.Timestamp(v, unit)
		case field.KindInteger:
			v, n, err := readVarint(data[off:])
			if err != nil {
				return Record{}, 0, fmt.Errorf("record: read integer: %w", err)
			}
			off += n
			f = field.Integer(v)
		case field.KindDecimal:
			m, n, err := readVarint(data[off:])
			if err != nil {
				return Record{}, 0, fmt.Errorf("record: read mantissa: %w", err)
			}
			off += n
			e, n, err := readVarint(data[off:])
			if err != nil {
				return Record{}, 0, fmt.Errorf("record: read exponent: %w", err)
			}
			off += n
			f = field.Decimal(m, int32(e))
		case field.KindBytes:
			l, n, err := readUvarint(data[off:])
			if err != nil {
				return Record{}, 0, fmt.Errorf("record: read bytes length: %w", err)
			}
			off += n
			if off+int(l) > len(data) {
				return Record{}, 0, fmt.Errorf("record: truncated bytes payload")
			}
			b := make([]byte, l)
			copy(b, data[off:off+int(l)])
			off += int(l)
			f = field.Bytes(b)
		default:
			return Record{}, 0, fmt.Errorf("record: unknown field kind %d", kind)
		}
		fields = append(fields, f)
	}

	if len(fields) == 0 {
		return Record{}, 0, fmt.Errorf("record: schema requires at least a timestamp field")
	}

	return Record{RecordType: Type(rt), Fields: fields}, off, nil
}

func appendVarint(dst []byte, v int64) []byte {
	var buf [binary.MaxVarintLen64]byte
	n := binary.PutVarint(buf[:], v)
	return append(dst, buf[:n]...)
}

func appendUvarint(dst []byte, v uint64) []byte {
	var buf [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(buf[:], v)
	return append(dst, buf[:n]...)
}

func readVarint(src []byte) (int64, int, error) {
	v, n := binary.Varint(src)
	if n <= 0 {
		return 0, 0, fmt.Errorf("malformed varint")
	}
	return v, n, nil
}

func readUvarint(src []byte) (uint64, int, error) {
	v, n := binary.Uvarint(src)
	if n <= 0 {
		return 0, 0, fmt.Errorf("malformed uvarint")
	}
	return v, n, nil
}
