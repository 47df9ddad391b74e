package types

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// The `.npy` v1.0 layout: magic, version, little-endian header length and a
// python dict literal describing dtype and shape, padded with spaces so the
// data starts on a 64-byte boundary.
const (
	npyMagic     = "\x93NUMPY"
	npyAlignment = 64
)

var ErrHeader = errors.New("invalid npy header")

// EncodeNpyHeader
// Builds the preamble written in front of a C-ordered array.
func EncodeNpyHeader(dtype DType, shape []int) ([]byte, error) {
	if !dtype.Valid() {
		return nil, errors.Wrapf(ErrDType, "%d", dtype)
	}
	dims := make([]string, len(shape))
	for idx, dim := range shape {
		dims[idx] = strconv.Itoa(dim)
	}
	shapeStr := "(" + strings.Join(dims, ", ")
	if len(shape) == 1 {
		shapeStr += ","
	}
	shapeStr += ")"
	dict := fmt.Sprintf("{'descr': '%s', 'fortran_order': False, "+
		"'shape': %s, }", dtype.Descr(), shapeStr)

	preamble := len(npyMagic) + 2 + 2
	total := preamble + len(dict) + 1
	if rem := total % npyAlignment; rem != 0 {
		total += npyAlignment - rem
	}
	headerLen := total - preamble
	if headerLen > 0xffff {
		return nil, errors.Wrapf(ErrHeader, "header too long for v1.0 (%d)",
			headerLen)
	}

	buf := bytes.NewBuffer(make([]byte, 0, total))
	buf.WriteString(npyMagic)
	buf.Write([]byte{1, 0})
	_ = binary.Write(buf, binary.LittleEndian, uint16(headerLen))
	buf.WriteString(dict)
	buf.WriteString(strings.Repeat(" ", headerLen-len(dict)-1))
	buf.WriteByte('\n')
	return buf.Bytes(), nil
}

// DecodeNpyHeader
// Parses the preamble of an `.npy` file, returning the dtype, shape and the
// byte offset at which the array data begins. Versions 1.0, 2.0 and 3.0 are
// accepted; Fortran-ordered and big-endian arrays are rejected.
func DecodeNpyHeader(data []byte) (dtype DType, shape []int, offset int,
	err error) {
	if len(data) < 10 || string(data[:6]) != npyMagic {
		return Invalid, nil, 0, errors.Wrap(ErrHeader, "bad magic")
	}
	major := data[6]
	var headerLen int
	switch major {
	case 1:
		headerLen = int(binary.LittleEndian.Uint16(data[8:10]))
		offset = 10
	case 2, 3:
		if len(data) < 12 {
			return Invalid, nil, 0, errors.Wrap(ErrHeader, "truncated")
		}
		headerLen = int(binary.LittleEndian.Uint32(data[8:12]))
		offset = 12
	default:
		return Invalid, nil, 0, errors.Wrapf(ErrHeader,
			"unsupported version %d", major)
	}
	if offset+headerLen > len(data) {
		return Invalid, nil, 0, errors.Wrap(ErrHeader, "truncated")
	}
	dict := string(data[offset : offset+headerLen])
	offset += headerLen

	descr, descrErr := dictValue(dict, "descr")
	if descrErr != nil {
		return Invalid, nil, 0, descrErr
	}
	descr = strings.Trim(descr, "'\"")
	if strings.HasPrefix(descr, ">") {
		return Invalid, nil, 0, errors.Wrapf(ErrHeader,
			"big-endian dtype %q", descr)
	}
	if dtype, err = ParseDType(descr); err != nil {
		return Invalid, nil, 0, errors.Wrap(ErrHeader, err.Error())
	}

	if order, orderErr := dictValue(dict, "fortran_order"); orderErr != nil {
		return Invalid, nil, 0, orderErr
	} else if order != "False" {
		return Invalid, nil, 0, errors.Wrap(ErrHeader,
			"fortran ordered arrays are not supported")
	}

	shapeStr, shapeErr := dictValue(dict, "shape")
	if shapeErr != nil {
		return Invalid, nil, 0, shapeErr
	}
	shapeStr = strings.Trim(shapeStr, "()")
	shape = make([]int, 0, 2)
	for _, dim := range strings.Split(shapeStr, ",") {
		dim = strings.TrimSpace(dim)
		if dim == "" {
			continue
		}
		n, convErr := strconv.Atoi(strings.TrimSuffix(dim, "L"))
		if convErr != nil || n < 0 {
			return Invalid, nil, 0, errors.Wrapf(ErrHeader,
				"bad shape %q", shapeStr)
		}
		shape = append(shape, n)
	}
	return dtype, shape, offset, nil
}

// dictValue extracts the raw literal stored under `key` in the header dict.
// Tuples are returned with their parentheses.
func dictValue(dict string, key string) (string, error) {
	marker := "'" + key + "':"
	start := strings.Index(dict, marker)
	if start < 0 {
		return "", errors.Wrapf(ErrHeader, "missing %q", key)
	}
	rest := strings.TrimSpace(dict[start+len(marker):])
	if strings.HasPrefix(rest, "(") {
		end := strings.Index(rest, ")")
		if end < 0 {
			return "", errors.Wrapf(ErrHeader, "unterminated %q", key)
		}
		return rest[:end+1], nil
	}
	end := strings.IndexAny(rest, ",}")
	if end < 0 {
		return "", errors.Wrapf(ErrHeader, "unterminated %q", key)
	}
	return strings.TrimSpace(rest[:end]), nil
}

// WriteNpy
// Writes `values` as a complete `.npy` file of the given dtype and shape.
func WriteNpy[T Number](w io.Writer, dtype DType, shape []int,
	values []T) error {
	header, err := EncodeNpyHeader(dtype, shape)
	if err != nil {
		return err
	}
	body, err := ToBin(values, dtype)
	if err != nil {
		return err
	}
	if _, err = w.Write(header); err != nil {
		return err
	}
	_, err = w.Write(body)
	return err
}

// ParseNpy
// Wraps the data section of an in-memory (or memory-mapped) `.npy` file as a
// read-only Array without copying.
func ParseNpy(data []byte) (*Array, error) {
	dtype, shape, offset, err := DecodeNpyHeader(data)
	if err != nil {
		return nil, err
	}
	arr, err := NewArray(dtype, shape, data[offset:])
	if err != nil {
		return nil, errors.Wrap(ErrHeader, err.Error())
	}
	return arr, nil
}
