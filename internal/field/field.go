// Package field implements the typed Field value and the delta-encoding
// primitives the block codec uses to compress consecutive records of the
// same record type.
package field

import (
	"encoding/binary"
	"fmt"
	"math"
)

// Kind identifies a Field's runtime type.
type Kind byte

const (
	KindTimestamp Kind = iota
	KindInteger
	KindDecimal
	KindBytes
)

// TimeUnit is the resolution a Timestamp field is expressed in. Timestamps
// are the sole partitioning key and always carry a unit.
type TimeUnit byte

const (
	UnitMillis TimeUnit = iota
	UnitMicros
	UnitNanos
)

// Field is a single typed value within a Record. Only one of the typed
// accessors is meaningful, selected by Kind.
type Field struct {
	Kind Kind

	// Timestamp / Integer
	Int  int64
	Unit TimeUnit // meaningful only when Kind == KindTimestamp

	// Decimal: value == Mantissa * 10^Exponent
	Mantissa int64
	Exponent int32

	// Bytes
	Bytes []byte
}

// Timestamp builds a timestamp field.
func Timestamp(v int64, unit TimeUnit) Field {
	return Field{Kind: KindTimestamp, Int: v, Unit: unit}
}

// Integer builds an integer field.
func Integer(v int64) Field { return Field{Kind: KindInteger, Int: v} }

// Decimal builds a decimal field from a mantissa/exponent pair.
func Decimal(mantissa int64, exponent int32) Field {
	return Field{Kind: KindDecimal, Mantissa: mantissa, Exponent: exponent}
}

// Bytes builds a byte-slice field.
func Bytes(v []byte) Field { return Field{Kind: KindBytes, Bytes: v} }

// Equal reports value equality within the same Kind; comparing fields of
// different Kind is a programming error and always returns false.
func (f Field) Equal(other Field) bool {
	if f.Kind != other.Kind {
		return false
	}
	switch f.Kind {
	case KindTimestamp:
		return f.Int == other.Int && f.Unit == other.Unit
	case KindInteger:
		return f.Int == other.Int
	case KindDecimal:
		return f.Mantissa == other.Mantissa && f.Exponent == other.Exponent
	case KindBytes:
		if len(f.Bytes) != len(other.Bytes) {
			return false
		}
		for i := range f.Bytes {
			if f.Bytes[i] != other.Bytes[i] {
				return false
			}
		}
		return true
	default:
		return false
	}
}

// EncodeDelta appends the delta-encoded representation of f against prev
// (the "last record per type" value for this field's position) to dst: a
// zero-delta marker when unchanged, else a type-specific delta. prevValid is
// false when there is no prior value (first record of a type), in which
// case the absolute value is written.
func EncodeDelta(dst []byte, f, prev Field, prevValid bool) []byte {
	if prevValid && f.Equal(prev) {
		return append(dst, 0) // zero-delta marker
	}
	dst = append(dst, 1)
	switch f.Kind {
	case KindTimestamp, KindInteger:
		base := int64(0)
		if prevValid {
			base = prev.Int
		}
		dst = appendVarint(dst, f.Int-base)
	case KindDecimal:
		baseM, baseE := int64(0), int32(0)
		if prevValid {
			baseM, baseE = prev.Mantissa, prev.Exponent
		}
		dst = appendVarint(dst, f.Mantissa-baseM)
		dst = appendVarint(dst, int64(f.Exponent-baseE))
	case KindBytes:
		dst = appendVarint(dst, int64(len(f.Bytes)))
		dst = append(dst, f.Bytes...)
	}
	return dst
}

// DecodeDelta reads one delta-encoded field of the given kind, reconstructing
// its absolute value from prev. It returns the decoded field and the number
// of bytes consumed from src.
func DecodeDelta(src []byte, kind Kind, unit TimeUnit, prev Field, prevValid bool) (Field, int, error) {
	if len(src) < 1 {
		return Field{}, 0, fmt.Errorf("field: truncated delta marker")
	}
	marker := src[0]
	n := 1
	if marker == 0 {
		if !prevValid {
			return Field{}, 0, fmt.Errorf("field: zero-delta with no prior value")
		}
		return prev, n, nil
	}

	switch kind {
	case KindTimestamp, KindInteger:
		delta, m, err := readVarint(src[n:])
		if err != nil {
			return Field{}, 0, err
		}
		n += m
		base := int64(0)
		if prevValid {
			base = prev.Int
		}
		f := Field{Kind: kind, Int: base + delta}
		if kind == KindTimestamp {
			f.Unit = unit
		}
		return f, n, nil
	case KindDecimal:
		dm, m, err := readVarint(src[n:])
		if err != nil {
			return Field{}, 0, err
		}
		n += m
		de, m2, err := readVarint(src[n:])
		if err != nil {
			return Field{}, 0, err
		}
		n += m2
		baseM, baseE := int64(0), int32(0)
		if prevValid {
			baseM, baseE = prev.Mantissa, prev.Exponent
		}
		return Field{Kind: KindDecimal, Mantissa: baseM + dm, Exponent: baseE + int32(de)}, n, nil
	case KindBytes:
		l, m, err := readVarint(src[n:])
		if err != nil {
			return Field{}, 0, err
		}
		n += m
		if l < 0 || n+int(l) > len(src) {
			return Field{}, 0, fmt.Errorf("field: truncated bytes payload")
		}
		b := make([]byte, l)
		copy(b, src[n:n+int(l)])
		n += int(l)
		return Field{Kind: KindBytes, Bytes: b}, n, nil
	default:
		return Field{}, 0, fmt.Errorf("field: unknown kind %d", kind)
	}
}

// Float64 returns the Decimal field's value as a float64, used only for
// display/debugging; the canonical representation stays mantissa+exponent so
// encoding remains exact.
func (f Field) Float64() float64 {
	return float64(f.Mantissa) * math.Pow10(int(f.Exponent))
}

func appendVarint(dst []byte, v int64) []byte {
	var buf [binary.MaxVarintLen64]byte
	n := binary.PutVarint(buf[:], v)
	return append(dst, buf[:n]...)
}

func readVarint(src []byte) (int64, int, error) {
	v, n := binary.Varint(src)
	if n <= 0 {
		return 0, 0, fmt.Errorf("field: malformed varint")
	}
	return v, n, nil
}
