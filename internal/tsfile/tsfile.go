// Package tsfile implements TimeSeriesFile: the append-only on-disk file
// holding a partition's flushed blocks behind a small header and an
// in-memory range→position index, built at open time so a read can seek
// straight to the blocks it needs instead of scanning the whole file.
package tsfile

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"sort"

	"horizondb/internal/block"
	"horizondb/internal/memseries"
	hderrors "horizondb/pkg/errors"

	"horizondb/internal/rangeset"
)

var magic = [4]byte{'H', 'Z', 'D', 'B'}

const fileVersion uint16 = 1

// MetaData is the leading header of a time series file.
type MetaData struct {
	Database string
	Series   string
	Range    rangeset.Range
}

// BlockPosition locates one block's on-disk bytes, letting NewInput seek
// directly to it instead of scanning from the file header.
type BlockPosition struct {
	Offset uint64
	Length uint64
}

// File is one partition's on-disk time series file. Appends are
// single-writer (serialized by the owning TimeSeriesPartition's mutex);
// reads may run concurrently with an in-flight append since they only
// consult the snapshot of blockPositions captured at Open/Append return.
type File struct {
	path           string
	meta           MetaData
	metadataLength int64

	size           uint64
	blockPositions map[rangeset.Range]BlockPosition
}

// Open opens path for a partition spanning rng. If the file already exists
// and is non-empty, its FileMetaData header is parsed and every block's
// header is scanned to rebuild the blockPositions index; otherwise a fresh,
// headerless File is returned, with the header written lazily on first
// Append, built from the partition's (database, series, range).
func Open(path, database, series string, rng rangeset.Range) (*File, error) {
	f := &File{
		path:           path,
		meta:           MetaData{Database: database, Series: series, Range: rng},
		blockPositions: map[rangeset.Range]BlockPosition{},
	}

	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return f, nil
		}
		return nil, hderrors.New(err, hderrors.CodeIO, "stat time series file").WithPath(path)
	}
	if info.Size() == 0 {
		return f, nil
	}

	fh, err := os.Open(path)
	if err != nil {
		return nil, hderrors.New(err, hderrors.CodeIO, "open time series file").WithPath(path)
	}
	defer fh.Close()

	raw, err := io.ReadAll(fh)
	if err != nil {
		return nil, hderrors.New(err, hderrors.CodeIO, "read time series file").WithPath(path)
	}

	meta, metaLen, err := decodeMetaData(raw)
	if err != nil {
		return nil, hderrors.New(err, hderrors.CodeChecksumMismatch, "parse file header").WithPath(path)
	}
	f.meta = meta
	f.metadataLength = int64(metaLen)
	f.size = uint64(len(raw))

	off := metaLen
	for off < len(raw) {
		h, consumed, err := block.DecodeHeader(raw[off:])
		if err != nil {
			return nil, hderrors.New(err, hderrors.CodeChecksumMismatch, "parse block header").WithPath(path)
		}
		blockLen := consumed + int(h.CompressedSize)
		f.blockPositions[rangeset.New(h.RangeLower, h.RangeUpper)] = BlockPosition{
			Offset: uint64(off),
			Length: uint64(blockLen),
		}
		off += blockLen
	}

	return f, nil
}

// Size reports the current on-disk size in bytes.
func (f *File) Size() uint64 { return f.size }

// BlockPositions exposes a copy of the current range→position index.
func (f *File) BlockPositions() map[rangeset.Range]BlockPosition {
	out := make(map[rangeset.Range]BlockPosition, len(f.blockPositions))
	for k, v := range f.blockPositions {
		out[k] = v
	}
	return out
}

// Append seeks to end-of-file, writing the header first if the file is
// still empty, then writes every sealed block from each snapshot in order,
// recording its (range → offset, length) in the returned index. The output
// is synced to stable storage before Append returns.
func (f *File) Append(snapshots []memseries.Snapshot) (map[rangeset.Range]BlockPosition, error) {
	fh, err := os.OpenFile(f.path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, hderrors.New(err, hderrors.CodeIO, "open time series file for append").WithPath(f.path)
	}
	defer fh.Close()

	offset := f.size
	if offset == 0 {
		header := encodeMetaData(f.meta)
		if _, err := fh.WriteAt(header, 0); err != nil {
			return nil, hderrors.New(err, hderrors.CodeIO, "write file header").WithPath(f.path)
		}
		f.metadataLength = int64(len(header))
		offset = uint64(len(header))
	}

	added := map[rangeset.Range]BlockPosition{}
	for _, snap := range snapshots {
		for _, b := range snap.Blocks {
			if _, err := fh.WriteAt(b.Raw, int64(offset)); err != nil {
				return nil, hderrors.New(err, hderrors.CodeIO, "write block").WithPath(f.path)
			}
			r := rangeset.New(b.Header.RangeLower, b.Header.RangeUpper)
			pos := BlockPosition{Offset: offset, Length: uint64(len(b.Raw))}
			added[r] = pos
			f.blockPositions[r] = pos
			offset += uint64(len(b.Raw))
		}
	}

	if err := fh.Sync(); err != nil {
		return nil, hderrors.New(err, hderrors.CodeIO, "sync time series file").WithPath(f.path)
	}

	f.size = offset
	return added, nil
}

// Input is a seekable, range-filtered block reader built by NewInput.
type Input struct {
	fh      *os.File
	path    string
	matches []BlockPosition
	next    int
}

// NewInput opens a reader that yields, in range order, every block whose
// recorded range overlaps rs, seeking directly to each via the
// blockPositions index rather than scanning the file.
func (f *File) NewInput(rs rangeset.Set) (*Input, error) {
	var matches []BlockPosition
	for r, pos := range f.blockPositions {
		if rs.Overlaps(r) {
			matches = append(matches, pos)
		}
	}
	sort.Slice(matches, func(i, j int) bool { return matches[i].Offset < matches[j].Offset })

	fh, err := os.Open(f.path)
	if err != nil {
		return nil, hderrors.New(err, hderrors.CodeIO, "open time series file for read").WithPath(f.path)
	}
	return &Input{fh: fh, path: f.path, matches: matches}, nil
}

// Next reads the next matching block and parses its header, returning the
// header and the block's raw bytes; it does not decode records, which is
// left to the caller (block.Decode). It returns io.EOF once every matching
// block has been consumed.
func (i *Input) Next() ([]block.Header, []byte, error) {
	if i.next >= len(i.matches) {
		return nil, nil, io.EOF
	}
	pos := i.matches[i.next]
	i.next++

	raw := make([]byte, pos.Length)
	if _, err := i.fh.ReadAt(raw, int64(pos.Offset)); err != nil {
		return nil, nil, hderrors.New(err, hderrors.CodeIO, "read block").WithPath(i.path)
	}
	h, _, err := block.DecodeHeader(raw)
	if err != nil {
		return nil, nil, hderrors.New(err, hderrors.CodeChecksumMismatch, "decode block header").WithPath(i.path)
	}
	return []block.Header{h}, raw, nil
}

// Close releases the underlying file descriptor. Read iterators are
// explicitly closed by the caller.
func (i *Input) Close() error {
	return i.fh.Close()
}

func encodeMetaData(m MetaData) []byte {
	buf := make([]byte, 0, 64+len(m.Database)+len(m.Series))
	buf = append(buf, magic[:]...)
	buf = binary.BigEndian.AppendUint16(buf, fileVersion)
	buf = appendUvarint(buf, uint64(len(m.Database)))
	buf = append(buf, m.Database...)
	buf = appendUvarint(buf, uint64(len(m.Series)))
	buf = append(buf, m.Series...)
	buf = binary.BigEndian.AppendUint64(buf, uint64(m.Range.Lower))
	buf = binary.BigEndian.AppendUint64(buf, uint64(m.Range.Upper))
	crc := crc32.ChecksumIEEE(buf)
	buf = binary.BigEndian.AppendUint32(buf, crc)
	return buf
}

func decodeMetaData(raw []byte) (MetaData, int, error) {
	if len(raw) < 4 || [4]byte(raw[:4]) != magic {
		return MetaData{}, 0, fmt.Errorf("tsfile: bad magic")
	}
	off := 4
	if off+2 > len(raw) {
		return MetaData{}, 0, fmt.Errorf("tsfile: truncated version")
	}
	off += 2 // version, not currently branched on

	dbLen, n, err := readUvarint(raw[off:])
	if err != nil {
		return MetaData{}, 0, fmt.Errorf("tsfile: read database name length: %w", err)
	}
	off += n
	if off+int(dbLen) > len(raw) {
		return MetaData{}, 0, fmt.Errorf("tsfile: truncated database name")
	}
	db := string(raw[off : off+int(dbLen)])
	off += int(dbLen)

	seriesLen, n, err := readUvarint(raw[off:])
	if err != nil {
		return MetaData{}, 0, fmt.Errorf("tsfile: read series name length: %w", err)
	}
	off += n
	if off+int(seriesLen) > len(raw) {
		return MetaData{}, 0, fmt.Errorf("tsfile: truncated series name")
	}
	series := string(raw[off : off+int(seriesLen)])
	off += int(seriesLen)

	if off+8+8+4 > len(raw) {
		return MetaData{}, 0, fmt.Errorf("tsfile: truncated range/crc")
	}
	lower := int64(binary.BigEndian.Uint64(raw[off:]))
	off += 8
	upper := int64(binary.BigEndian.Uint64(raw[off:]))
	off += 8
	storedCRC := binary.BigEndian.Uint32(raw[off:])
	computedCRC := crc32.ChecksumIEEE(raw[:off])
	off += 4

	if storedCRC != computedCRC {
		return MetaData{}, 0, fmt.Errorf("tsfile: header checksum mismatch: stored %08x computed %08x", storedCRC, computedCRC)
	}

	return MetaData{Database: db, Series: series, Range: rangeset.New(lower, upper)}, off, nil
}

func appendUvarint(dst []byte, v uint64) []byte {
	var buf [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(buf[:], v)
	return append(dst, buf[:n]...)
}

func readUvarint(src []byte) (uint64, int, error) {
	v, n := binary.Uvarint(src)
	if n <= 0 {
		return 0, 0, fmt.Errorf("tsfile: malformed uvarint")
	}
	return v, n, nil
}
