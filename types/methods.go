package types

import (
	"encoding/binary"
	"math"

	"github.com/pkg/errors"
)

// ToBin
// Serializes `values` as little-endian elements of `dtype`. Integer values
// that do not fit the target dtype are rejected rather than wrapped.
func ToBin[T Number](values []T, dtype DType) ([]byte, error) {
	if !dtype.Valid() {
		return nil, errors.Wrapf(ErrDType, "%d", dtype)
	}
	return AppendBin(make([]byte, 0, len(values)*dtype.Size()), values, dtype)
}

// AppendBin
// Like ToBin, but appends to `buf`.
func AppendBin[T Number](buf []byte, values []T, dtype DType) ([]byte, error) {
	le := binary.LittleEndian
	for idx := range values {
		v := values[idx]
		if !dtype.IsFloat() && !fits(float64(v), dtype) {
			return nil, errors.Errorf(
				"integer overflow: tried to write value %v as %s", v, dtype)
		}
		switch dtype {
		case Uint8:
			buf = append(buf, uint8(v))
		case Int8:
			buf = append(buf, uint8(int8(v)))
		case Int16:
			buf = le.AppendUint16(buf, uint16(int16(v)))
		case Uint16:
			buf = le.AppendUint16(buf, uint16(v))
		case Int32:
			buf = le.AppendUint32(buf, uint32(int32(v)))
		case Uint32:
			buf = le.AppendUint32(buf, uint32(v))
		case Int64:
			buf = le.AppendUint64(buf, uint64(int64(v)))
		case Float32:
			buf = le.AppendUint32(buf, math.Float32bits(float32(v)))
		case Float64:
			buf = le.AppendUint64(buf, math.Float64bits(float64(v)))
		default:
			return nil, errors.Wrapf(ErrDType, "%d", dtype)
		}
	}
	return buf, nil
}

func fits(v float64, dtype DType) bool {
	switch dtype {
	case Uint8:
		return v >= 0 && v <= math.MaxUint8
	case Int8:
		return v >= math.MinInt8 && v <= math.MaxInt8
	case Int16:
		return v >= math.MinInt16 && v <= math.MaxInt16
	case Uint16:
		return v >= 0 && v <= math.MaxUint16
	case Int32:
		return v >= math.MinInt32 && v <= math.MaxInt32
	case Uint32:
		return v >= 0 && v <= math.MaxUint32
	}
	return true
}

// decodeInt reads element `idx` of a little-endian buffer as an integer.
func decodeInt(data []byte, dtype DType, idx int) int64 {
	le := binary.LittleEndian
	switch dtype {
	case Uint8:
		return int64(data[idx])
	case Int8:
		return int64(int8(data[idx]))
	case Int16:
		return int64(int16(le.Uint16(data[idx*2:])))
	case Uint16:
		return int64(le.Uint16(data[idx*2:]))
	case Int32:
		return int64(int32(le.Uint32(data[idx*4:])))
	case Uint32:
		return int64(le.Uint32(data[idx*4:]))
	case Int64:
		return int64(le.Uint64(data[idx*8:]))
	case Float32:
		return int64(math.Float32frombits(le.Uint32(data[idx*4:])))
	case Float64:
		return int64(math.Float64frombits(le.Uint64(data[idx*8:])))
	}
	return 0
}

func decodeFloat(data []byte, dtype DType, idx int) float64 {
	le := binary.LittleEndian
	switch dtype {
	case Float32:
		return float64(math.Float32frombits(le.Uint32(data[idx*4:])))
	case Float64:
		return math.Float64frombits(le.Uint64(data[idx*8:]))
	}
	return float64(decodeInt(data, dtype, idx))
}

// FromBin
// Decodes every element of a little-endian buffer into a slice of T.
func FromBin[T Number](data []byte, dtype DType) ([]T, error) {
	size := dtype.Size()
	if size == 0 {
		return nil, errors.Wrapf(ErrDType, "%d", dtype)
	}
	if len(data)%size != 0 {
		return nil, errors.Errorf("buffer of %d bytes is not a multiple "+
			"of %s element size %d", len(data), dtype, size)
	}
	out := make([]T, len(data)/size)
	for idx := range out {
		if dtype.IsFloat() {
			out[idx] = T(decodeFloat(data, dtype, idx))
		} else {
			out[idx] = T(decodeInt(data, dtype, idx))
		}
	}
	return out, nil
}
