package block

import (
	"testing"

	"github.com/stretchr/testify/require"

	"horizondb/internal/field"
	"horizondb/internal/record"
)

func sampleRecords() []record.Record {
	const rt record.Type = 1
	mk := func(ts, v int64) record.Record {
		return record.Record{
			RecordType: rt,
			Fields: []field.Field{
				field.Timestamp(ts, field.UnitMillis),
				field.Integer(v),
			},
		}
	}
	return []record.Record{
		mk(1000, 10),
		mk(1001, 10),
		mk(1005, 42),
		mk(1100, -7),
	}
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	for _, c := range []Compression{CompressionNone, CompressionSnappy, CompressionZstd} {
		records := sampleRecords()
		encBaseline := map[record.Type]record.Record{}
		raw, header, err := Encode(records, encBaseline, c)
		require.NoError(t, err)
		require.Equal(t, uint64(len(records)), header.RecordCount)
		require.Equal(t, records[0].Timestamp(), header.RangeLower)
		require.Equal(t, records[len(records)-1].Timestamp(), header.RangeUpper)

		decBaseline := map[record.Type]record.Record{}
		got, decHeader, err := Decode(raw, decBaseline)
		require.NoError(t, err)
		require.Equal(t, header.CRC32, decHeader.CRC32)
		require.Len(t, got, len(records))
		for i := range records {
			require.Equal(t, records[i].Timestamp(), got[i].Timestamp())
			require.Equal(t, records[i].Fields[1].Int, got[i].Fields[1].Int)
		}
	}
}

func TestDecodeDetectsCorruption(t *testing.T) {
	raw, _, err := Encode(sampleRecords(), map[record.Type]record.Record{}, CompressionNone)
	require.NoError(t, err)

	corrupt := make([]byte, len(raw))
	copy(corrupt, raw)
	corrupt[len(corrupt)-1] ^= 0xFF

	_, _, err = Decode(corrupt, map[record.Type]record.Record{})
	require.ErrorContains(t, err, "checksum mismatch")
}

func TestDecodeHeaderWithoutPayload(t *testing.T) {
	raw, header, err := Encode(sampleRecords(), map[record.Type]record.Record{}, CompressionZstd)
	require.NoError(t, err)

	h, _, err := DecodeHeader(raw)
	require.NoError(t, err)
	require.Equal(t, header.RecordCount, h.RecordCount)
	require.Equal(t, header.CompressedSize, h.CompressedSize)
	require.Equal(t, header.RangeLower, h.RangeLower)
	require.Equal(t, header.RangeUpper, h.RangeUpper)
}

func TestCrossBlockDeltaBaseline(t *testing.T) {
	records := sampleRecords()
	encBaseline := map[record.Type]record.Record{}
	raw1, _, err := Encode(records[:2], encBaseline, CompressionNone)
	require.NoError(t, err)
	raw2, _, err := Encode(records[2:], encBaseline, CompressionNone)
	require.NoError(t, err)

	decBaseline := map[record.Type]record.Record{}
	got1, _, err := Decode(raw1, decBaseline)
	require.NoError(t, err)
	got2, _, err := Decode(raw2, decBaseline)
	require.NoError(t, err)

	all := append(got1, got2...)
	for i := range records {
		require.Equal(t, records[i].Timestamp(), all[i].Timestamp())
		require.Equal(t, records[i].Fields[1].Int, all[i].Fields[1].Int)
	}
}
