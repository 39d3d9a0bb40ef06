// Package util contains small generic helpers shared across the kernel.
package util

// Int is satisfied by all built-in integer types.
type Int interface {
	~int | ~int8 | ~int16 | ~int32 | ~int64 |
		~uint | ~uint8 | ~uint16 | ~uint32 | ~uint64 | ~uintptr
}

// Min returns the smaller of a and b.
func Min[T Int](a, b T) T {
	if a < b {
		return a
	}
	return b
}

// Max returns the larger of a and b.
func Max[T Int](a, b T) T {
	if a > b {
		return a
	}
	return b
}

// Rounddown aligns v down to the nearest multiple of b.
func Rounddown[T Int](v, b T) T {
	return v - (v % b)
}

// Roundup aligns v up to the nearest multiple of b.
func Roundup[T Int](v, b T) T {
	return Rounddown(v+b-1, b)
}

// Readn reads n little-endian bytes from a starting at off.
func Readn(a []uint8, n int, off int) int {
	if off < 0 || off+n > len(a) || n < 0 || n > 8 {
		panic("Readn out of bounds")
	}
	var ret int
	for i := 0; i < n; i++ {
		ret |= int(a[off+i]) << (8 * uint(i))
	}
	return ret
}

// Writen writes the low sz bytes of val into a starting at off, little-endian.
func Writen(a []uint8, sz int, off int, val int) {
	if off < 0 || off+sz > len(a) || sz < 0 || sz > 8 {
		panic("Writen out of bounds")
	}
	for i := 0; i < sz; i++ {
		a[off+i] = uint8(val >> (8 * uint(i)))
	}
}
