package indexed

import (
	"bytes"
	"encoding/binary"
	"sync/atomic"

	"github.com/dustin/go-humanize"
	lru "github.com/hashicorp/golang-lru"
	"github.com/pkg/errors"
	"github.com/vaseramin777/gpt-neox/resources"
	"github.com/vaseramin777/gpt-neox/types"
	"k8s.io/klog/v2"
)

const (
	indexMagic   = "MMIDIDX\x00\x00"
	indexVersion = 1
	// magic, version, dtype code, sequence count, document count
	indexHeaderSize = 9 + 8 + 1 + 8 + 8

	DefaultCacheSize = 4096
)

// IndexPath and DataPath name the two files of an indexed dataset.
func IndexPath(prefix string) string { return prefix + ".idx" }
func DataPath(prefix string) string  { return prefix + ".bin" }

// Dataset is a read-only, memory-mapped indexed dataset. It is safe for
// concurrent use.
type Dataset struct {
	Prefix   string
	DType    types.DType
	sizes    []int32
	pointers []int64
	docIdx   []int64
	index    *resources.Mapping
	data     *resources.Mapping
	cache    *lru.ARCCache

	CacheHits   atomic.Int64
	CacheMisses atomic.Int64
}

// Open
// Maps `prefix.idx` and `prefix.bin`. Whole-document reads are kept in an
// ARC cache of `cacheSize` documents; zero disables the cache.
func Open(prefix string, cacheSize int) (*Dataset, error) {
	index, err := resources.MapFile(IndexPath(prefix))
	if err != nil {
		return nil, err
	}
	ds := &Dataset{Prefix: prefix, index: index}
	if err = ds.parseIndex(index.Data); err != nil {
		_ = index.Close()
		return nil, errors.WithMessage(err, IndexPath(prefix))
	}
	if ds.data, err = resources.MapFile(DataPath(prefix)); err != nil {
		_ = index.Close()
		return nil, err
	}
	if n := len(ds.sizes); n > 0 {
		end := ds.pointers[n-1] + int64(ds.sizes[n-1])*int64(ds.DType.Size())
		if end > int64(len(ds.data.Data)) {
			_ = ds.Close()
			return nil, errors.Wrapf(ErrFormat,
				"%s holds %d bytes, index expects %d",
				DataPath(prefix), len(ds.data.Data), end)
		}
	}
	if cacheSize > 0 {
		if ds.cache, err = lru.NewARC(cacheSize); err != nil {
			_ = ds.Close()
			return nil, err
		}
	}
	klog.V(1).Infof("opened indexed dataset %s: %s documents of %s, %s",
		prefix, humanize.Comma(int64(len(ds.sizes))), ds.DType,
		humanize.Bytes(uint64(len(ds.data.Data))))
	return ds, nil
}

func (ds *Dataset) parseIndex(data []byte) error {
	if len(data) < indexHeaderSize ||
		!bytes.Equal(data[:9], []byte(indexMagic)) {
		return errors.Wrap(ErrFormat, "bad magic")
	}
	le := binary.LittleEndian
	if version := le.Uint64(data[9:17]); version != indexVersion {
		return errors.Wrapf(ErrFormat, "unsupported version %d", version)
	}
	ds.DType = types.DType(data[17])
	if !ds.DType.Valid() || ds.DType > types.Uint16 {
		return errors.Wrapf(ErrFormat, "unknown dtype code %d", data[17])
	}
	count := int(le.Uint64(data[18:26]))
	docCount := int(le.Uint64(data[26:34]))
	need := indexHeaderSize + count*4 + count*8 + docCount*8
	if count < 0 || docCount < 0 || len(data) < need {
		return errors.Wrapf(ErrFormat, "index truncated: %d bytes, need %d",
			len(data), need)
	}
	offset := indexHeaderSize
	sizes, err := types.FromBin[int32](data[offset:offset+count*4], types.Int32)
	if err != nil {
		return err
	}
	offset += count * 4
	pointers, err := types.FromBin[int64](data[offset:offset+count*8],
		types.Int64)
	if err != nil {
		return err
	}
	offset += count * 8
	docIdx, err := types.FromBin[int64](data[offset:offset+docCount*8],
		types.Int64)
	if err != nil {
		return err
	}
	ds.sizes, ds.pointers, ds.docIdx = sizes, pointers, docIdx
	return nil
}

func (ds *Dataset) Len() int {
	return len(ds.sizes)
}

func (ds *Dataset) Sizes() []int32 {
	return ds.sizes
}

// DocIdx returns the sequence boundaries of multi-sequence documents.
func (ds *Dataset) DocIdx() []int64 {
	return ds.docIdx
}

func (ds *Dataset) raw(doc, offset, length int) ([]byte, error) {
	size, err := docSize(ds.sizes, doc)
	if err != nil {
		return nil, err
	}
	start, end, err := span(doc, size, offset, length)
	if err != nil {
		return nil, err
	}
	elem := int64(ds.DType.Size())
	base := ds.pointers[doc]
	return ds.data.Data[base+int64(start)*elem : base+int64(end)*elem], nil
}

func (ds *Dataset) Tokens(doc, offset, length int) ([]int32, error) {
	whole := offset == 0 && (length < 0 ||
		(doc >= 0 && doc < len(ds.sizes) && length == int(ds.sizes[doc])))
	if whole && ds.cache != nil {
		if cached, ok := ds.cache.Get(doc); ok {
			ds.CacheHits.Add(1)
			return cached.([]int32), nil
		}
		ds.CacheMisses.Add(1)
	}
	buf, err := ds.raw(doc, offset, length)
	if err != nil {
		return nil, err
	}
	tokens, err := types.FromBin[int32](buf, ds.DType)
	if err != nil {
		return nil, err
	}
	if whole && ds.cache != nil {
		ds.cache.Add(doc, tokens)
	}
	return tokens, nil
}

func (ds *Dataset) Values(doc, offset, length int) ([]float32, error) {
	buf, err := ds.raw(doc, offset, length)
	if err != nil {
		return nil, err
	}
	return types.FromBin[float32](buf, ds.DType)
}

// Close releases both memory maps.
func (ds *Dataset) Close() error {
	if ds.cache != nil {
		ds.cache.Purge()
	}
	dataErr := ds.data.Close()
	indexErr := ds.index.Close()
	if dataErr != nil {
		return dataErr
	}
	return indexErr
}
