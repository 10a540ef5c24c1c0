package partition

import (
	"encoding/binary"
	"fmt"

	"horizondb/internal/rangeset"
	"horizondb/internal/record"
)

// WriteFrame is the commit-log payload for one write: the target partition
// plus the records it carries, so replay can route a recovered frame back
// to the right TimeSeriesPartition without consulting anything else.
type WriteFrame struct {
	Id      Id
	Records []record.Record
}

// EncodeWriteFrame serializes a write for the commit log.
func EncodeWriteFrame(f WriteFrame) []byte {
	buf := make([]byte, 0, 64)
	buf = appendString(buf, f.Id.Database)
	buf = appendString(buf, f.Id.Series)
	buf = binary.BigEndian.AppendUint64(buf, uint64(f.Id.Range.Lower))
	buf = binary.BigEndian.AppendUint64(buf, uint64(f.Id.Range.Upper))
	buf = appendUvarint(buf, uint64(len(f.Records)))
	for _, r := range f.Records {
		rec := record.Serialize(r)
		buf = appendUvarint(buf, uint64(len(rec)))
		buf = append(buf, rec...)
	}
	return buf
}

// DecodeWriteFrame reverses EncodeWriteFrame.
func DecodeWriteFrame(raw []byte) (WriteFrame, error) {
	db, off, err := readString(raw, 0)
	if err != nil {
		return WriteFrame{}, fmt.Errorf("partition: read database: %w", err)
	}
	series, off, err := readString(raw, off)
	if err != nil {
		return WriteFrame{}, fmt.Errorf("partition: read series: %w", err)
	}
	if off+16 > len(raw) {
		return WriteFrame{}, fmt.Errorf("partition: truncated range")
	}
	lower := int64(binary.BigEndian.Uint64(raw[off:]))
	off += 8
	upper := int64(binary.BigEndian.Uint64(raw[off:]))
	off += 8

	count, n := binary.Uvarint(raw[off:])
	if n <= 0 {
		return WriteFrame{}, fmt.Errorf("partition: read record count")
	}
	off += n

	records := make([]record.Record, 0, count)
	for i := uint64(0); i < count; i++ {
		l, n := binary.Uvarint(raw[off:])
		if n <= 0 {
			return WriteFrame{}, fmt.Errorf("partition: read record %d length", i)
		}
		off += n
		if off+int(l) > len(raw) {
			return WriteFrame{}, fmt.Errorf("partition: truncated record %d", i)
		}
		r, _, err := record.Deserialize(raw[off : off+int(l)])
		if err != nil {
			return WriteFrame{}, fmt.Errorf("partition: decode record %d: %w", i, err)
		}
		records = append(records, r)
		off += int(l)
	}

	return WriteFrame{
		Id:      Id{Database: db, Series: series, Range: rangeset.New(lower, upper)},
		Records: records,
	}, nil
}

func appendString(dst []byte, s string) []byte {
	dst = appendUvarint(dst, uint64(len(s)))
	return append(dst, s...)
}

func readString(src []byte, off int) (string, int, error) {
	l, n := binary.Uvarint(src[off:])
	if n <= 0 {
		return "", 0, fmt.Errorf("malformed length")
	}
	off += n
	if off+int(l) > len(src) {
		return "", 0, fmt.Errorf("truncated string")
	}
	return string(src[off : off+int(l)]), off + int(l), nil
}

func appendUvarint(dst []byte, v uint64) []byte {
	var buf [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(buf[:], v)
	return append(dst, buf[:n]...)
}
