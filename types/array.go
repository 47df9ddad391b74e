package types

import (
	"github.com/pkg/errors"
)

// Array is a read-only, row-major view over a flat little-endian buffer,
// typically a memory-mapped file. Elements are decoded on access, so the
// buffer is never copied.
type Array struct {
	DType DType
	Shape []int
	data  []byte
}

// NewArray
// Wraps `data` as an array of `dtype` with the given shape. The buffer must
// hold exactly the number of elements the shape describes.
func NewArray(dtype DType, shape []int, data []byte) (*Array, error) {
	if !dtype.Valid() {
		return nil, errors.Wrapf(ErrDType, "%d", dtype)
	}
	count := 1
	for _, dim := range shape {
		if dim < 0 {
			return nil, errors.Errorf("negative dimension in shape %v", shape)
		}
		count *= dim
	}
	if count*dtype.Size() != len(data) {
		return nil, errors.Errorf("shape %v of %s needs %d bytes, got %d",
			shape, dtype, count*dtype.Size(), len(data))
	}
	return &Array{DType: dtype, Shape: shape, data: data}, nil
}

// ArrayOf
// Encodes `values` into a new in-memory Array.
func ArrayOf[T Number](dtype DType, shape []int, values []T) (*Array, error) {
	data, err := ToBin(values, dtype)
	if err != nil {
		return nil, err
	}
	return NewArray(dtype, shape, data)
}

// Len returns the size of the leading dimension.
func (a *Array) Len() int {
	if len(a.Shape) == 0 {
		return 1
	}
	return a.Shape[0]
}

// Size returns the total number of elements.
func (a *Array) Size() int {
	return len(a.data) / a.DType.Size()
}

// Int returns flat element `idx` as an integer.
func (a *Array) Int(idx int) int64 {
	return decodeInt(a.data, a.DType, idx)
}

// Float returns flat element `idx` as a float.
func (a *Array) Float(idx int) float64 {
	return decodeFloat(a.data, a.DType, idx)
}

// At returns element (row, col) of a 2-D array.
func (a *Array) At(row, col int) int64 {
	return a.Int(row*a.Shape[1] + col)
}

// Ints copies every element into a new slice.
func (a *Array) Ints() []int64 {
	out := make([]int64, a.Size())
	for idx := range out {
		out[idx] = a.Int(idx)
	}
	return out
}

// Bytes exposes the underlying buffer. It must not be modified.
func (a *Array) Bytes() []byte {
	return a.data
}
