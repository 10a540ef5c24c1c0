package btree

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"os"
)

// manifestSize is the trailer's fixed on-disk size: rootOffset(8) +
// freeListOffset(8) + generation(8) + crc32(4).
const manifestSize = 8 + 8 + 8 + 4

// manifestScanWindow bounds how far back from EOF Open will scan looking
// for a valid trailer before giving up; a healthy file only ever needs to
// look at the very last manifestSize bytes, this just tolerates a torn
// final write.
const manifestScanWindow = 1 << 16

type manifest struct {
	rootOffset     uint64
	freeListOffset uint64
	generation     uint64
}

func encodeManifest(m manifest) []byte {
	buf := make([]byte, 0, manifestSize)
	buf = binary.BigEndian.AppendUint64(buf, m.rootOffset)
	buf = binary.BigEndian.AppendUint64(buf, m.freeListOffset)
	buf = binary.BigEndian.AppendUint64(buf, m.generation)
	crc := crc32.ChecksumIEEE(buf)
	buf = binary.BigEndian.AppendUint32(buf, crc)
	return buf
}

func decodeManifest(raw []byte) (manifest, bool) {
	if len(raw) != manifestSize {
		return manifest{}, false
	}
	storedCRC := binary.BigEndian.Uint32(raw[manifestSize-4:])
	if crc32.ChecksumIEEE(raw[:manifestSize-4]) != storedCRC {
		return manifest{}, false
	}
	return manifest{
		rootOffset:     binary.BigEndian.Uint64(raw[0:8]),
		freeListOffset: binary.BigEndian.Uint64(raw[8:16]),
		generation:     binary.BigEndian.Uint64(raw[16:24]),
	}, true
}

// readLatestManifest scans backward from EOF for the last valid trailer:
// each Insert appends its trailer atomically, so the most recent valid one
// found this way names the tree's current root.
func readLatestManifest(f *os.File) (manifest, bool, error) {
	info, err := f.Stat()
	if err != nil {
		return manifest{}, false, fmt.Errorf("btree: stat: %w", err)
	}
	size := info.Size()
	if size < manifestSize {
		return manifest{}, false, nil
	}

	limit := size - manifestScanWindow
	if limit < 0 {
		limit = 0
	}

	for end := size; end-manifestSize >= limit; end-- {
		start := end - manifestSize
		buf := make([]byte, manifestSize)
		if _, err := f.ReadAt(buf, start); err != nil {
			continue
		}
		if m, ok := decodeManifest(buf); ok {
			return m, true, nil
		}
	}
	return manifest{}, false, nil
}
