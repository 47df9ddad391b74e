package dataset

import (
	"context"
	"fmt"
	"io"
	"math"
	"os"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
	"github.com/vaseramin777/gpt-neox/dist"
	"github.com/vaseramin777/gpt-neox/resources"
	"github.com/vaseramin777/gpt-neox/types"
	"k8s.io/klog/v2"
)

const (
	DocIdxKind     = "doc_idx"
	SampleIdxKind  = "sample_idx"
	ShuffleIdxKind = "shuffle_idx"
)

// CacheKey identifies one build of the index maps. The corpus contents are
// not part of it: editing a corpus in place leaves the old maps in use.
type CacheKey struct {
	Name         string
	NumSamples   int
	SeqLength    int
	Seed         uint32
	Policy       string
	AllowChopped bool
}

func (k CacheKey) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "%s_indexmap_%dns_%dsl_%ds_%spi", k.Name, k.NumSamples,
		k.SeqLength, k.Seed, k.Policy)
	if k.AllowChopped {
		sb.WriteString("_ac")
	}
	return sb.String()
}

// Prefix is the path shared by the three cache files of a corpus.
func (k CacheKey) Prefix(dataPrefix string) string {
	return dataPrefix + "_" + k.String()
}

// Cache stores the index maps of one CacheKey next to the corpus as three
// `.npy` files.
type Cache struct {
	DataPrefix string
	Key        CacheKey
}

func NewCache(dataPrefix string, key CacheKey) *Cache {
	return &Cache{DataPrefix: dataPrefix, Key: key}
}

// Path returns the file holding the array of the given kind.
func (c *Cache) Path(kind string) string {
	return c.Key.Prefix(c.DataPrefix) + "_" + kind + ".npy"
}

func (c *Cache) paths() []string {
	return []string{c.Path(DocIdxKind), c.Path(SampleIdxKind),
		c.Path(ShuffleIdxKind)}
}

// Exists reports whether all three files are present.
func (c *Cache) Exists() (bool, error) {
	for _, path := range c.paths() {
		ok, err := resources.FileExists(path)
		if err != nil {
			return false, cacheErrorf(err, "%s", path)
		}
		if !ok {
			return false, nil
		}
	}
	return true, nil
}

// rankLogger only logs on the process that reports progress for the run.
type rankLogger bool

func (l rankLogger) Infof(format string, args ...interface{}) {
	if l {
		klog.InfoDepth(1, fmt.Sprintf(format, args...))
	}
}

// Save persists a freshly built layout. Every file is written under a
// temporary name and renamed into place; the shuffle index goes last, so a
// cache whose three files all exist is complete.
func (c *Cache) Save(layout *Layout) error {
	return c.save(layout, true)
}

func (c *Cache) save(layout *Layout, log rankLogger) error {
	if len(layout.SampleIdx) == 0 {
		return errors.Wrap(ErrCacheIO, "refusing to save an empty sample index")
	}
	flat := make([]int64, 0, 2*len(layout.SampleIdx))
	var maxValue int64
	for _, row := range layout.SampleIdx {
		flat = append(flat, row[0], row[1])
		maxValue = max(maxValue, row[0], row[1])
	}
	shuffleDType := types.Int64
	if int64(len(layout.ShuffleIdx)) < math.MaxUint32-1 {
		shuffleDType = types.Uint32
	}

	writes := []struct {
		kind string
		save func(w io.Writer) error
	}{
		{DocIdxKind, func(w io.Writer) error {
			return types.WriteNpy(w, types.Int32, []int{len(layout.DocIdx)},
				layout.DocIdx)
		}},
		{SampleIdxKind, func(w io.Writer) error {
			return types.WriteNpy(w, types.IndexDType(maxValue),
				[]int{len(layout.SampleIdx), 2}, flat)
		}},
		{ShuffleIdxKind, func(w io.Writer) error {
			return types.WriteNpy(w, shuffleDType,
				[]int{len(layout.ShuffleIdx)}, layout.ShuffleIdx)
		}},
	}
	for _, write := range writes {
		start := time.Now()
		path := c.Path(write.kind)
		written, err := resources.WriteAtomic(path, 0644, write.save)
		if err != nil {
			return cacheErrorf(err, "saving %s", path)
		}
		log.Infof(" > elapsed time to build and save %s mapping "+
			"(seconds): %.4f, %s", strings.ReplaceAll(write.kind, "_", "-"),
			time.Since(start).Seconds(), humanize.Bytes(written))
	}
	return nil
}

// IndexMaps are the loaded, read-only index arrays.
type IndexMaps struct {
	DocIdx     *types.Array
	SampleIdx  *types.Array
	ShuffleIdx *types.Array

	mappings []*resources.Mapping
}

// NumSamples is the number of samples delimited by SampleIdx.
func (m *IndexMaps) NumSamples() int {
	return m.SampleIdx.Len() - 1
}

// Close releases the memory maps. Arrays must not be used afterwards.
func (m *IndexMaps) Close() error {
	var firstErr error
	for _, mapping := range m.mappings {
		if err := mapping.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	m.mappings = nil
	return firstErr
}

// Load memory-maps the three files read-only.
func (c *Cache) Load() (*IndexMaps, error) {
	return c.load(true)
}

func (c *Cache) load(log rankLogger) (*IndexMaps, error) {
	start := time.Now()
	maps := &IndexMaps{}
	targets := []struct {
		kind string
		dims int
		dst  **types.Array
	}{
		{DocIdxKind, 1, &maps.DocIdx},
		{SampleIdxKind, 2, &maps.SampleIdx},
		{ShuffleIdxKind, 1, &maps.ShuffleIdx},
	}
	for _, target := range targets {
		path := c.Path(target.kind)
		log.Infof(" > loading %s mapping from %s",
			strings.ReplaceAll(target.kind, "_", "-"), path)
		arr, err := maps.mapArray(path, target.dims)
		if err != nil {
			_ = maps.Close()
			return nil, err
		}
		*target.dst = arr
	}
	if maps.SampleIdx.Len() < 1 || maps.SampleIdx.Shape[1] != 2 {
		_ = maps.Close()
		return nil, errors.Wrapf(ErrCacheIO, "%s: shape %v is not [n+1, 2]",
			c.Path(SampleIdxKind), maps.SampleIdx.Shape)
	}
	log.Infof("    loaded indexed file in %.3f seconds",
		time.Since(start).Seconds())
	log.Infof("    total number of samples: %s",
		humanize.Comma(int64(maps.SampleIdx.Len())))
	return maps, nil
}

func (m *IndexMaps) mapArray(path string, dims int) (*types.Array, error) {
	mapping, err := resources.MapFile(path)
	if err != nil {
		return nil, cacheErrorf(err, "mapping %s", path)
	}
	m.mappings = append(m.mappings, mapping)
	arr, err := types.ParseNpy(mapping.Data)
	if err != nil {
		return nil, cacheErrorf(err, "%s", path)
	}
	if len(arr.Shape) != dims || arr.DType.IsFloat() {
		return nil, errors.Wrapf(ErrCacheIO,
			"%s: expected a %d-D integer array, got %s %v", path, dims,
			arr.DType, arr.Shape)
	}
	return arr, nil
}

// BuildOrLoad
// Runs the two-phase protocol that lets many processes share one build: the
// elected process builds and saves the index maps unless they already
// exist, every process of the I/O group meets at a barrier, then each of
// them maps the files. A failed build is reported to the other processes through
// the barrier, which fails for all of them.
func (c *Cache) BuildOrLoad(ctx context.Context, group dist.Group,
	sharedFS bool, build func() (*Layout, error)) (*IndexMaps, error) {
	if !group.IOMember() {
		return nil, errors.Wrapf(ErrCoordination,
			"rank %d does not load index maps", group.Rank())
	}
	log := rankLogger(group.Rank() == 0)
	var buildErr error
	if Elect(group, sharedFS) {
		buildErr = c.buildIfMissing(build, log)
	}
	contribution := int64(1)
	if buildErr != nil {
		contribution = 0
	}
	if err := barrier(ctx, group, contribution); err != nil {
		if buildErr != nil {
			return nil, buildErr
		}
		return nil, err
	}
	if buildErr != nil {
		return nil, buildErr
	}
	return c.load(log)
}

func (c *Cache) buildIfMissing(build func() (*Layout, error),
	log rankLogger) error {
	exists, err := c.Exists()
	if err != nil || exists {
		return err
	}
	klog.Warningf(" > could not find index map files %s, building the "+
		"indices", c.Key.Prefix(c.DataPrefix))
	start := time.Now()
	layout, err := build()
	if err != nil {
		return err
	}
	log.Infof(" > built %s samples over %d epochs in %.3f seconds",
		humanize.Comma(int64(layout.NumSamples())), layout.NumEpochs,
		time.Since(start).Seconds())
	if len(layout.ShuffleIdx) != layout.NumSamples() {
		klog.Warningf("shuffle index length (%d) is not equal to sample "+
			"index length (%d)", len(layout.ShuffleIdx), layout.NumSamples())
	}
	return c.save(layout, log)
}

// Remove deletes the cache files, ignoring those already missing.
func (c *Cache) Remove() error {
	for _, path := range c.paths() {
		if err := os.Remove(path); err != nil && !errors.Is(err,
			os.ErrNotExist) {
			return cacheErrorf(err, "removing %s", path)
		}
	}
	return nil
}
