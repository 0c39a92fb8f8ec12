// Package intmath provides the integer helpers used by the control loop.
// The control loop never uses floating point, so everything here is exact
// integer arithmetic with explicit saturation.
package intmath

import "golang.org/x/exp/constraints"

// Abs returns the absolute value of v.
func Abs[T constraints.Signed](v T) T {
	if v < 0 {
		return -v
	}
	return v
}

// Sign returns -1, 0, or +1 matching the sign of v.
func Sign[T constraints.Signed](v T) T {
	switch {
	case v > 0:
		return 1
	case v < 0:
		return -1
	default:
		return 0
	}
}

// Max returns the larger of a and b.
func Max[T constraints.Ordered](a, b T) T {
	if a > b {
		return a
	}
	return b
}

// Min returns the smaller of a and b.
func Min[T constraints.Ordered](a, b T) T {
	if a < b {
		return a
	}
	return b
}

// Clamp limits v to the symmetric range [-limit, limit]. The limit must not
// be negative.
func Clamp[T constraints.Signed](v, limit T) T {
	if v > limit {
		return limit
	}
	if v < -limit {
		return -limit
	}
	return v
}

// BindInt64 saturates a 64-bit value to the int32 range.
func BindInt64(v int64) int32 {
	if v > int64(maxInt32) {
		return maxInt32
	}
	if v < int64(minInt32) {
		return minInt32
	}
	return int32(v)
}

const (
	maxInt32 = int32(^uint32(0) >> 1)
	minInt32 = -maxInt32 - 1
)

// Sqrt32 returns the integer square root of v, i.e. the largest r with
// r*r <= v. Negative inputs return 0.
func Sqrt32(v int64) int32 {
	if v <= 0 {
		return 0
	}
	// Newton iteration on integers converges in a few steps from a power of
	// two seed above the root.
	r := int64(1)
	for r*r < v {
		r <<= 1
	}
	for {
		next := (r + v/r) / 2
		if next >= r {
			break
		}
		r = next
	}
	return BindInt64(r)
}
