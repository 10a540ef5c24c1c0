// Package partition implements TimeSeriesPartition: the composite of one
// on-disk file and zero-or-more in-memory mem-series snapshots that
// serializes writes, serves lock-free range reads, and coordinates its own
// flush.
package partition

import (
	"encoding/binary"
	"fmt"
	"time"

	"horizondb/internal/rangeset"
	"horizondb/internal/replay"
	"horizondb/internal/tsfile"
)

// Id identifies a partition: one series' data over one aligned time range.
// Ordered lexicographically by Database, then Series, then Range.Lower —
// the same order its B⁺-tree key encoding must preserve.
type Id struct {
	Database string
	Series   string
	Range    rangeset.Range
}

// Less implements that ordering.
func (id Id) Less(other Id) bool {
	if id.Database != other.Database {
		return id.Database < other.Database
	}
	if id.Series != other.Series {
		return id.Series < other.Series
	}
	return id.Range.Lower < other.Range.Lower
}

func (id Id) String() string {
	return fmt.Sprintf("%s/%s%s", id.Database, id.Series, id.Range)
}

// AlignRange returns the half-open [lower, lower+width) window containing
// ts, snapped to a multiple of width since the Unix epoch. This is the
// deterministic partition-range derivation that turns a catalog series'
// PartitionWidth into a concrete PartitionId, so that a read and a write
// for the same timestamp always name the same partition without consulting
// a directory listing.
//
// ts is taken to be in milliseconds, the engine's canonical timestamp unit;
// width is converted to milliseconds accordingly.
func AlignRange(ts int64, width time.Duration) rangeset.Range {
	w := width.Milliseconds()
	if w <= 0 {
		w = 1
	}
	lower := ts - floorMod(ts, w)
	return rangeset.New(lower, lower+w)
}

// floorMod returns a mod m with the sign of m (Euclidean toward negative
// infinity), so AlignRange snaps negative timestamps to the window below
// them rather than above.
func floorMod(a, m int64) int64 {
	r := a % m
	if r < 0 {
		r += m
	}
	return r
}

// MetaData is the B⁺-tree's value for a partition key: the partition's
// range, file size and block index as of its last flush, plus the replay
// coordinate proving which commit-log frames are already durable in it.
// Reopening a partition does not use the block index stored here:
// tsfile.Open rebuilds it by rescanning the file's block headers.
type MetaData struct {
	Range          rangeset.Range
	FileSize       uint64
	BlockPositions map[rangeset.Range]tsfile.BlockPosition
	ReplayPosition replay.Position
}

// EncodeKey renders id as a byte string whose lexicographic (byte-wise)
// order matches Id.Less, so the B⁺-tree's ordinary byte-key comparisons
// reproduce the (database, series, range.lower) ordering. Database and
// series names must not themselves contain a NUL byte; NUL is used as an
// unambiguous field separator since it cannot appear in either field's
// byte-wise-smaller-than-any-following-byte position.
func (id Id) EncodeKey() []byte {
	buf := make([]byte, 0, len(id.Database)+len(id.Series)+10)
	buf = append(buf, id.Database...)
	buf = append(buf, 0)
	buf = append(buf, id.Series...)
	buf = append(buf, 0)
	buf = binary.BigEndian.AppendUint64(buf, orderPreservingInt64(id.Range.Lower))
	return buf
}

// SeriesKeyPrefix returns the common prefix of every Id.EncodeKey() for the
// given (database, series) pair, letting a B⁺-tree RangeIterator enumerate
// every partition ever recorded for one series without the caller needing
// to already know which aligned windows exist. The manifest is the source
// of truth for "which partitions exist", not synthesized window math, since
// reading a huge or unbounded RangeSet must not require enumerating windows
// from -infinity.
func SeriesKeyPrefix(database, series string) []byte {
	buf := make([]byte, 0, len(database)+len(series)+2)
	buf = append(buf, database...)
	buf = append(buf, 0)
	buf = append(buf, series...)
	buf = append(buf, 0)
	return buf
}

// orderPreservingInt64 maps an int64 to a uint64 such that unsigned
// numeric (and therefore byte-wise big-endian) comparison matches signed
// comparison of the original values: flipping the sign bit moves the
// negative half of the range below the non-negative half.
func orderPreservingInt64(v int64) uint64 {
	return uint64(v) ^ (1 << 63)
}

// EncodeMetaData serializes m for storage as a B⁺-tree value.
func EncodeMetaData(m MetaData) []byte {
	buf := make([]byte, 0, 64+24*len(m.BlockPositions))
	buf = binary.BigEndian.AppendUint64(buf, uint64(m.Range.Lower))
	buf = binary.BigEndian.AppendUint64(buf, uint64(m.Range.Upper))
	buf = binary.BigEndian.AppendUint64(buf, m.FileSize)
	buf = binary.BigEndian.AppendUint64(buf, m.ReplayPosition.SegmentID)
	buf = binary.BigEndian.AppendUint64(buf, m.ReplayPosition.Offset)
	buf = binary.BigEndian.AppendUint64(buf, uint64(len(m.BlockPositions)))
	for r, pos := range m.BlockPositions {
		buf = binary.BigEndian.AppendUint64(buf, uint64(r.Lower))
		buf = binary.BigEndian.AppendUint64(buf, uint64(r.Upper))
		buf = binary.BigEndian.AppendUint64(buf, pos.Offset)
		buf = binary.BigEndian.AppendUint64(buf, pos.Length)
	}
	return buf
}

// DecodeMetaData reverses EncodeMetaData.
func DecodeMetaData(raw []byte) (MetaData, error) {
	const fixed = 8 * 6
	if len(raw) < fixed {
		return MetaData{}, fmt.Errorf("partition: truncated metadata")
	}
	m := MetaData{BlockPositions: map[rangeset.Range]tsfile.BlockPosition{}}
	off := 0
	lower := int64(binary.BigEndian.Uint64(raw[off:]))
	off += 8
	upper := int64(binary.BigEndian.Uint64(raw[off:]))
	off += 8
	m.Range = rangeset.New(lower, upper)
	m.FileSize = binary.BigEndian.Uint64(raw[off:])
	off += 8
	m.ReplayPosition.SegmentID = binary.BigEndian.Uint64(raw[off:])
	off += 8
	m.ReplayPosition.Offset = binary.BigEndian.Uint64(raw[off:])
	off += 8
	count := binary.BigEndian.Uint64(raw[off:])
	off += 8
	for i := uint64(0); i < count; i++ {
		if off+32 > len(raw) {
			return MetaData{}, fmt.Errorf("partition: truncated block position %d", i)
		}
		rl := int64(binary.BigEndian.Uint64(raw[off:]))
		off += 8
		ru := int64(binary.BigEndian.Uint64(raw[off:]))
		off += 8
		o := binary.BigEndian.Uint64(raw[off:])
		off += 8
		l := binary.BigEndian.Uint64(raw[off:])
		off += 8
		m.BlockPositions[rangeset.New(rl, ru)] = tsfile.BlockPosition{Offset: o, Length: l}
	}
	return m, nil
}
