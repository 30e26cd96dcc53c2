package conv

import (
	"fmt"
)

// Integer is the set of integer types Narrow converts between.
type Integer interface {
	~int | ~int8 | ~int16 | ~int32 | ~int64 |
		~uint | ~uint8 | ~uint16 | ~uint32 | ~uint64 | ~uintptr
}

// Narrow converts v to To, failing when the value does not survive the
// conversion (overflow or sign change).
func Narrow[To, From Integer](v From) (To, error) {
	t := To(v)
	if From(t) != v || (t < 0) != (v < 0) {
		return 0, fmt.Errorf("integer overflow: %d cannot be converted to %T", v, t)
	}
	return t, nil
}

// IntToUint32 converts int to uint32 safely.
func IntToUint32(v int) (uint32, error) {
	return Narrow[uint32](v)
}

// IntToUint16 converts int to uint16 safely.
func IntToUint16(v int) (uint16, error) {
	return Narrow[uint16](v)
}
