// Package getbytes converts between []byte and typed sample slices without
// copying, using unsafe.Slice. The kernels view their float32 output buffers
// through AsSliceFloat32; the byte and typed views alias the same
// memory, so the usual exclusive-writer rules apply.
package getbytes

import "unsafe"

// FromSliceFloat32 converts a []float32 to []byte using unsafe
func FromSliceFloat32(d []float32) []byte {
	if len(d) == 0 {
		return []byte{}
	}
	n := uintptr(len(d)) * unsafe.Sizeof(d[0])
	return unsafe.Slice((*byte)(unsafe.Pointer(&d[0])), n)
}

// FromSliceInt16 converts a []int16 to []byte using unsafe
func FromSliceInt16(d []int16) []byte {
	if len(d) == 0 {
		return []byte{}
	}
	n := uintptr(len(d)) * unsafe.Sizeof(d[0])
	return unsafe.Slice((*byte)(unsafe.Pointer(&d[0])), n)
}

// AsSliceFloat32 views a []byte as []float32 using unsafe. The byte length
// must be a multiple of 4.
func AsSliceFloat32(b []byte) []float32 {
	if len(b) == 0 {
		return []float32{}
	}
	return unsafe.Slice((*float32)(unsafe.Pointer(&b[0])), len(b)/4)
}

// AsSliceInt16 views a []byte as []int16 using unsafe. The byte length
// must be a multiple of 2.
func AsSliceInt16(b []byte) []int16 {
	if len(b) == 0 {
		return []int16{}
	}
	return unsafe.Slice((*int16)(unsafe.Pointer(&b[0])), len(b)/2)
}
