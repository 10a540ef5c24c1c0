package block

import (
	"encoding/binary"
	"fmt"

	"horizondb/internal/field"
	"horizondb/internal/record"
)

// encodePayload writes the delta-encoded form of records (assumed sorted by
// record.Less) to an uncompressed byte buffer. lastRecordPerType supplies the
// cross-block baseline: a record type absent from it is written in full
// (self-describing) form and seeds the map; a record type present in it is
// written as a delta against the map's entry. The map is mutated in place so
// the caller can carry it forward into the next block.
//
// The first record of a given type is written in full to seed the baseline;
// every later record of that type is written as a delta against the most
// recent record of the same type.
func encodePayload(records []record.Record, lastRecordPerType map[record.Type]record.Record) []byte {
	buf := make([]byte, 0, 64*len(records))
	for _, r := range records {
		prev, ok := lastRecordPerType[r.RecordType]
		if !ok {
			buf = append(buf, markerFull)
			buf = append(buf, record.Serialize(r)...)
		} else {
			buf = append(buf, markerDelta)
			buf = appendUvarint(buf, uint64(r.RecordType))
			for i, f := range r.Fields {
				buf = field.EncodeDelta(buf, f, prev.Fields[i], true)
			}
		}
		lastRecordPerType[r.RecordType] = r
	}
	return buf
}

const (
	markerFull  = 0
	markerDelta = 1
)

// decodePayload reverses encodePayload, yielding up to n records and
// advancing lastRecordPerType the same way encoding did so that a caller
// decoding successive blocks keeps the baseline in sync.
func decodePayload(data []byte, n uint64, lastRecordPerType map[record.Type]record.Record) ([]record.Record, error) {
	records := make([]record.Record, 0, n)
	off := 0
	for i := uint64(0); i < n; i++ {
		if off >= len(data) {
			return nil, fmt.Errorf("block: truncated payload at record %d", i)
		}
		marker := data[off]
		off++
		switch marker {
		case markerFull:
			r, consumed, err := record.Deserialize(data[off:])
			if err != nil {
				return nil, fmt.Errorf("block: decode full record %d: %w", i, err)
			}
			off += consumed
			lastRecordPerType[r.RecordType] = r
			records = append(records, r)
		case markerDelta:
			rt, consumed, err := readUvarint(data[off:])
			if err != nil {
				return nil, fmt.Errorf("block: read record type at record %d: %w", i, err)
			}
			off += consumed
			recordType := record.Type(rt)
			prev, ok := lastRecordPerType[recordType]
			if !ok {
				return nil, fmt.Errorf("block: delta record %d references unknown type %d with no baseline", i, recordType)
			}
			fields := make([]field.Field, len(prev.Fields))
			for fi, pf := range prev.Fields {
				f, consumed, err := field.DecodeDelta(data[off:], pf.Kind, pf.Unit, pf, true)
				if err != nil {
					return nil, fmt.Errorf("block: decode field %d of record %d: %w", fi, i, err)
				}
				off += consumed
				fields[fi] = f
			}
			r := record.Record{RecordType: recordType, Fields: fields}
			lastRecordPerType[recordType] = r
			records = append(records, r)
		default:
			return nil, fmt.Errorf("block: unknown record marker %d at record %d", marker, i)
		}
	}
	return records, nil
}

func appendUvarint(dst []byte, v uint64) []byte {
	var buf [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(buf[:], v)
	return append(dst, buf[:n]...)
}

func readUvarint(src []byte) (uint64, int, error) {
	v, n := binary.Uvarint(src)
	if n <= 0 {
		return 0, 0, fmt.Errorf("block: malformed uvarint")
	}
	return v, n, nil
}
