package types

import (
	"github.com/pkg/errors"
	"golang.org/x/exp/constraints"
)

// DType identifies the element type of a flat, little-endian array. The
// numbering of the first eight values matches the dtype codes used by
// Megatron indexed datasets.
type DType uint8

const (
	Invalid DType = iota
	Uint8
	Int8
	Int16
	Int32
	Int64
	Float32
	Float64
	Uint16
	Uint32
)

// Number is any element type that can be stored in an Array.
type Number interface {
	constraints.Integer | constraints.Float
}

var ErrDType = errors.New("unsupported dtype")

var dtypeNames = map[DType]string{
	Uint8:   "uint8",
	Int8:    "int8",
	Int16:   "int16",
	Int32:   "int32",
	Int64:   "int64",
	Float32: "float32",
	Float64: "float64",
	Uint16:  "uint16",
	Uint32:  "uint32",
}

var dtypeDescrs = map[DType]string{
	Uint8:   "|u1",
	Int8:    "|i1",
	Int16:   "<i2",
	Int32:   "<i4",
	Int64:   "<i8",
	Float32: "<f4",
	Float64: "<f8",
	Uint16:  "<u2",
	Uint32:  "<u4",
}

func (d DType) String() string {
	if name, ok := dtypeNames[d]; ok {
		return name
	}
	return "invalid"
}

// Size returns the number of bytes of one element.
func (d DType) Size() int {
	switch d {
	case Uint8, Int8:
		return 1
	case Int16, Uint16:
		return 2
	case Int32, Uint32, Float32:
		return 4
	case Int64, Float64:
		return 8
	}
	return 0
}

func (d DType) Valid() bool {
	return d.Size() != 0
}

func (d DType) IsFloat() bool {
	return d == Float32 || d == Float64
}

// Descr returns the numpy array-protocol type string, e.g. `<i4`.
func (d DType) Descr() string {
	return dtypeDescrs[d]
}

// ParseDType
// Accepts either a dtype name (`int32`) or a numpy descr (`<i4`).
func ParseDType(s string) (DType, error) {
	for dtype, name := range dtypeNames {
		if name == s {
			return dtype, nil
		}
	}
	for dtype, descr := range dtypeDescrs {
		if descr == s {
			return dtype, nil
		}
	}
	// numpy writes single-byte types as either `|u1` or `<u1`.
	if len(s) == 3 && (s[0] == '<' || s[0] == '=') {
		return ParseDType("|" + s[1:])
	}
	return Invalid, errors.Wrapf(ErrDType, "%q", s)
}

// IndexDType
// Returns the narrowest signed integer dtype able to hold `maxValue`, used to
// bound the memory of index arrays.
func IndexDType(maxValue int64) DType {
	if maxValue < 1<<31-1 {
		return Int32
	}
	return Int64
}
