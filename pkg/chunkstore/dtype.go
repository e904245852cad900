package chunkstore

import (
	"encoding/binary"
	"math"
)

// DType is the element type of an array. Values are stored little endian.
type DType string

const (
	Uint8   DType = "uint8"
	Uint16  DType = "uint16"
	Uint32  DType = "uint32"
	Float32 DType = "float32"
	Float64 DType = "float64"
)

// Size in bytes of one element, or zero for an unknown type
func (d DType) Size() int {
	switch d {
	case Uint8:
		return 1
	case Uint16:
		return 2
	case Uint32, Float32:
		return 4
	case Float64:
		return 8
	}
	return 0
}

// Element is the set of Go types that can be stored
type Element interface {
	uint8 | uint16 | uint32 | float32 | float64
}

// DTypeOf returns the DType that corresponds to T
func DTypeOf[T Element]() DType {
	var zero T
	switch any(zero).(type) {
	case uint8:
		return Uint8
	case uint16:
		return Uint16
	case uint32:
		return Uint32
	case float32:
		return Float32
	case float64:
		return Float64
	}
	return ""
}

// decode fills dst from the little endian bytes in src
func decode[T Element](dst []T, src []byte) {
	switch d := any(dst).(type) {
	case []uint8:
		copy(d, src)
	case []uint16:
		for i := range d {
			d[i] = binary.LittleEndian.Uint16(src[i*2:])
		}
	case []uint32:
		for i := range d {
			d[i] = binary.LittleEndian.Uint32(src[i*4:])
		}
	case []float32:
		for i := range d {
			d[i] = math.Float32frombits(binary.LittleEndian.Uint32(src[i*4:]))
		}
	case []float64:
		for i := range d {
			d[i] = math.Float64frombits(binary.LittleEndian.Uint64(src[i*8:]))
		}
	}
}

// encode writes src into dst as little endian bytes
func encode[T Element](dst []byte, src []T) {
	switch s := any(src).(type) {
	case []uint8:
		copy(dst, s)
	case []uint16:
		for i, v := range s {
			binary.LittleEndian.PutUint16(dst[i*2:], v)
		}
	case []uint32:
		for i, v := range s {
			binary.LittleEndian.PutUint32(dst[i*4:], v)
		}
	case []float32:
		for i, v := range s {
			binary.LittleEndian.PutUint32(dst[i*4:], math.Float32bits(v))
		}
	case []float64:
		for i, v := range s {
			binary.LittleEndian.PutUint64(dst[i*8:], math.Float64bits(v))
		}
	}
}
