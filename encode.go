package kastordb

import (
	"encoding/binary"
	"math"
)

// Field value encoders produce order-preserving byte strings suitable as
// an IndexField.Value or a RangeByIndex prefix: two encoded values compare
// the same way under bytes.Compare as the original values do under their
// natural ordering. kastordb never decodes a document itself, so a caller
// extracting index field values from its own document format is expected
// to reach for these rather than hand-rolling an encoding.

// EncodeStringField encodes s for lexicographic ordering, which is just
// its UTF-8 bytes — Go source files are UTF-8, and byte-wise comparison of
// UTF-8 already matches code-point ordering.
func EncodeStringField(s string) []byte {
	return []byte(s)
}

// EncodeInt64Field encodes v so that byte-wise comparison matches signed
// integer ordering: flip the sign bit so negative values sort before
// non-negative ones under an unsigned big-endian comparison.
func EncodeInt64Field(v int64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, uint64(v)^(1<<63))
	return buf
}

// EncodeFloat64Field encodes v so that byte-wise comparison matches IEEE
// 754 float ordering: for non-negative floats, flip the sign bit; for
// negative floats, flip every bit, which reverses their otherwise-backward
// unsigned ordering.
func EncodeFloat64Field(v float64) []byte {
	bits := math.Float64bits(v)
	if bits&(1<<63) != 0 {
		bits = ^bits
	} else {
		bits |= 1 << 63
	}
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, bits)
	return buf
}

// EncodeBoolField encodes v as a single byte, false sorting before true.
func EncodeBoolField(v bool) []byte {
	if v {
		return []byte{1}
	}
	return []byte{0}
}
