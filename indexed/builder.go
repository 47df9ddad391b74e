package indexed

import (
	"bufio"
	"encoding/binary"
	"io"
	"os"

	"github.com/pkg/errors"
	"github.com/vaseramin777/gpt-neox/resources"
	"github.com/vaseramin777/gpt-neox/types"
)

// Builder writes an indexed dataset. Sequences are streamed to `.bin` as
// they are added; the `.idx` is written atomically by Finalize, so a reader
// never opens a dataset whose index is incomplete.
type Builder struct {
	prefix string
	dtype  types.DType
	file   *os.File
	bin    *bufio.Writer
	buf    []byte
	sizes  []int32
	docIdx []int64
}

// NewBuilder creates `prefix.bin` and prepares to write sequences of dtype.
func NewBuilder(prefix string, dtype types.DType) (*Builder, error) {
	if !dtype.Valid() || dtype > types.Uint16 {
		return nil, errors.Wrapf(types.ErrDType,
			"%s cannot be stored in an indexed dataset", dtype)
	}
	file, err := os.Create(DataPath(prefix))
	if err != nil {
		return nil, err
	}
	return &Builder{
		prefix: prefix,
		dtype:  dtype,
		file:   file,
		bin:    bufio.NewWriterSize(file, 8*1024*1024),
		docIdx: []int64{0},
	}, nil
}

// Add appends one sequence.
func Add[T types.Number](b *Builder, sequence []T) error {
	var err error
	if b.buf, err = types.AppendBin(b.buf[:0], sequence, b.dtype); err != nil {
		return err
	}
	if _, err = b.bin.Write(b.buf); err != nil {
		return err
	}
	b.sizes = append(b.sizes, int32(len(sequence)))
	return nil
}

// AddTokens appends one integer sequence.
func (b *Builder) AddTokens(tokens []int32) error {
	return Add(b, tokens)
}

// AddValues appends one real-valued sequence.
func (b *Builder) AddValues(values []float32) error {
	return Add(b, values)
}

// EndDocument closes the current document; every sequence added since the
// previous call belongs to it.
func (b *Builder) EndDocument() {
	b.docIdx = append(b.docIdx, int64(len(b.sizes)))
}

// Sequences returns the number of sequences added so far.
func (b *Builder) Sequences() int {
	return len(b.sizes)
}

// Finalize flushes `.bin` and writes `.idx`.
func (b *Builder) Finalize() error {
	if err := b.bin.Flush(); err != nil {
		_ = b.file.Close()
		return err
	}
	if err := b.file.Close(); err != nil {
		return err
	}
	pointers := make([]int64, len(b.sizes))
	var ptr int64
	for idx, size := range b.sizes {
		pointers[idx] = ptr
		ptr += int64(size) * int64(b.dtype.Size())
	}
	_, err := resources.WriteAtomic(IndexPath(b.prefix), 0644,
		func(w io.Writer) error {
			le := binary.LittleEndian
			header := []byte(indexMagic)
			header = le.AppendUint64(header, indexVersion)
			header = append(header, byte(b.dtype))
			header = le.AppendUint64(header, uint64(len(b.sizes)))
			header = le.AppendUint64(header, uint64(len(b.docIdx)))
			if _, err := w.Write(header); err != nil {
				return err
			}
			for _, section := range []func() ([]byte, error){
				func() ([]byte, error) { return types.ToBin(b.sizes, types.Int32) },
				func() ([]byte, error) { return types.ToBin(pointers, types.Int64) },
				func() ([]byte, error) { return types.ToBin(b.docIdx, types.Int64) },
			} {
				bin, err := section()
				if err != nil {
					return err
				}
				if _, err = w.Write(bin); err != nil {
					return err
				}
			}
			return nil
		})
	return err
}
