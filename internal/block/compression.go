package block

import (
	"fmt"

	"github.com/klauspost/compress/s2"
	"github.com/klauspost/compress/zstd"
)

// Compression identifies the codec a block's payload was compressed with.
// The byte value is persisted as part of the block header.
type Compression byte

const (
	CompressionNone Compression = iota
	CompressionSnappy
	CompressionZstd
)

var (
	zstdEncoder, _ = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	zstdDecoder, _ = zstd.NewReader(nil)
)

// compress encodes src under the given codec, returning the bytes that will
// be written to disk as the block payload.
func compress(c Compression, src []byte) ([]byte, error) {
	switch c {
	case CompressionNone:
		return src, nil
	case CompressionSnappy:
		return s2.Encode(nil, src), nil
	case CompressionZstd:
		return zstdEncoder.EncodeAll(src, nil), nil
	default:
		return nil, fmt.Errorf("block: unknown compression type %d", c)
	}
}

// decompress reverses compress, expecting the uncompressed result to be
// exactly uncompressedSize bytes (a corrupt or truncated payload surfaces as
// an error here, distinct from the CRC check that runs before this).
func decompress(c Compression, src []byte, uncompressedSize int) ([]byte, error) {
	var out []byte
	var err error
	switch c {
	case CompressionNone:
		out = src
	case CompressionSnappy:
		dst := make([]byte, 0, uncompressedSize)
		out, err = s2.Decode(dst, src)
	case CompressionZstd:
		dst := make([]byte, 0, uncompressedSize)
		out, err = zstdDecoder.DecodeAll(src, dst)
	default:
		return nil, fmt.Errorf("block: unknown compression type %d", c)
	}
	if err != nil {
		return nil, err
	}
	if len(out) != uncompressedSize {
		return nil, fmt.Errorf("block: decompressed %d bytes, header says %d", len(out), uncompressedSize)
	}
	return out, nil
}
