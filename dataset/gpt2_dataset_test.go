package dataset

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"syscall"
	"testing"
	"time"

	"github.com/janpfeifer/must"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vaseramin777/gpt-neox/dist"
	"github.com/vaseramin777/gpt-neox/indexed"
	"github.com/vaseramin777/gpt-neox/types"
)

// countingPolicy records how often the index maps were actually built.
type countingPolicy struct {
	Policy
	builds *atomic.Int32
}

func (p countingPolicy) Build(in *BuildInput) (*Layout, error) {
	p.builds.Add(1)
	return p.Policy.Build(in)
}

// sequentialStore holds documents of the given sizes whose tokens count up
// from 1 across the whole corpus.
func sequentialStore(sizes ...int) *indexed.MemStore {
	docs := make([][]int32, len(sizes))
	next := int32(1)
	for idx, size := range sizes {
		docs[idx] = make([]int32, size)
		for pos := range docs[idx] {
			docs[idx][pos] = next
			next++
		}
	}
	return indexed.FromTokens(docs...)
}

func testConfig(t *testing.T, store indexed.Store) Config {
	cfg := DefaultConfig()
	cfg.Name = "train"
	cfg.DataPrefix = filepath.Join(t.TempDir(), "corpus")
	cfg.Store = store
	cfg.Documents = allDocuments(store.Len())
	cfg.SeqLength = 4
	cfg.NumSamples = 8
	cfg.Seed = 1234
	return cfg
}

func openDataset(t *testing.T, cfg Config) *GPT2Dataset {
	ds, err := NewGPT2Dataset(context.Background(), cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ds.Close() })
	return ds
}

func TestCacheKey(t *testing.T) {
	key := CacheKey{Name: "train", NumSamples: 100, SeqLength: 2048,
		Seed: 1234, Policy: "packed", AllowChopped: true}
	assert.Equal(t,
		"/data/enwik8_text_document_train_indexmap_100ns_2048sl_1234s_packedpi_ac",
		key.Prefix("/data/enwik8_text_document"))
	key.AllowChopped = false
	cache := NewCache("/data/c", key)
	assert.Equal(t,
		"/data/c_train_indexmap_100ns_2048sl_1234s_packedpi_shuffle_idx.npy",
		cache.Path(ShuffleIdxKind))
}

func TestUnpackedExample(t *testing.T) {
	store := sequentialStore(5, 3, 8)
	cfg := testConfig(t, store)
	cfg.Policy = Unpacked{}
	cfg.AllowChopped = false
	cfg.NumSamples = 4
	ds := openDataset(t, cfg)
	require.Equal(t, 4, ds.Len())

	counts := map[[5]int64]int{}
	for idx := 0; idx < ds.Len(); idx++ {
		sample := must.M1(ds.GetSample(idx))
		require.Len(t, sample.Text, 5)
		assert.Nil(t, sample.Label)
		assert.Nil(t, sample.Reward)
		assert.Nil(t, sample.Fallback)
		counts[[5]int64(sample.Text)]++
	}
	assert.Equal(t, map[[5]int64]int{
		{1, 2, 3, 4, 5}: 2,
		{6, 7, 8, 0, 0}: 2,
	}, counts)
}

func TestUnpackedTruncatesWhenChopped(t *testing.T) {
	store := sequentialStore(5, 3, 8)
	cfg := testConfig(t, store)
	cfg.Policy = Unpacked{}
	cfg.NumSamples = 3
	ds := openDataset(t, cfg)

	var texts [][]int64
	for idx := 0; idx < ds.Len(); idx++ {
		texts = append(texts, must.M1(ds.GetSample(idx)).Text)
	}
	assert.ElementsMatch(t, [][]int64{
		{1, 2, 3, 4, 5}, {6, 7, 8, 0, 0}, {9, 10, 11, 12, 13},
	}, texts)
}

func TestRewardBroadcast(t *testing.T) {
	store := sequentialStore(6)
	cfg := testConfig(t, store)
	cfg.Policy = Unpacked{}
	cfg.NumSamples = 1
	cfg.SeqLength = 5
	cfg.Reward = indexed.FromValues([]float32{0, 0, 0, 0, 0, 9})
	ds := openDataset(t, cfg)
	sample := must.M1(ds.GetSample(0))
	assert.Equal(t, []float32{9, 9, 9, 9, 9, 9}, sample.Reward)
	assert.Equal(t, []int64{1, 2, 3, 4, 5, 6}, sample.Text)

	cfg = testConfig(t, store)
	cfg.Policy = Unpacked{}
	cfg.NumSamples = 1
	cfg.SeqLength = 7
	cfg.Reward = indexed.FromValues([]float32{0, 0, 0, 0, 0, 9})
	ds = openDataset(t, cfg)
	sample = must.M1(ds.GetSample(0))
	assert.Equal(t, []float32{9, 9, 9, 9, 9, 9, 0, 0}, sample.Reward)
}

func TestChannels(t *testing.T) {
	store := sequentialStore(3, 4)
	cfg := testConfig(t, store)
	cfg.Policy = PackUntilOverflow{}
	cfg.NumSamples = 1
	cfg.SeqLength = 7
	cfg.Label = indexed.FromTokens([]int32{LabelMask, 2, 3},
		[]int32{4, 5, 6, LabelMask})
	cfg.Ref = indexed.FromValues([]float32{0.5, 0.5, 0.5},
		[]float32{1, 2, 3, 4})
	ds := openDataset(t, cfg)
	sample := must.M1(ds.GetSample(0))

	// Both documents fit in 8 tokens, a third would overflow.
	docs := ds.IndexMaps().DocIdx.Ints()
	require.Len(t, docs, 2)
	if docs[0] == 0 {
		assert.Equal(t, []int64{1, 2, 3, 4, 5, 6, 7, 0}, sample.Text)
		assert.Equal(t, []int64{LabelMask, 2, 3, 4, 5, 6, LabelMask,
			LabelMask}, sample.Label)
		assert.Equal(t, []float32{0.5, 0.5, 0.5, 1, 2, 3, 4, 0}, sample.Ref)
	} else {
		assert.Equal(t, []int64{4, 5, 6, 7, 1, 2, 3, 0}, sample.Text)
		assert.Equal(t, []int64{4, 5, 6, LabelMask, LabelMask, 2, 3,
			LabelMask}, sample.Label)
		assert.Equal(t, []float32{1, 2, 3, 4, 0.5, 0.5, 0.5, 0}, sample.Ref)
	}
}

func TestPackedDataset(t *testing.T) {
	store := sequentialStore(5, 3, 8, 11, 2)
	cfg := testConfig(t, store)
	cfg.NumSamples = 20
	ds := openDataset(t, cfg)
	require.GreaterOrEqual(t, ds.Len(), 20)

	maps := ds.IndexMaps()
	assert.Equal(t, types.Int32, maps.DocIdx.DType)
	assert.Equal(t, types.Int32, maps.SampleIdx.DType)
	assert.Equal(t, types.Uint32, maps.ShuffleIdx.DType)
	for idx := 0; idx < ds.Len(); idx++ {
		sample := must.M1(ds.GetSample(idx))
		require.Len(t, sample.Text, 5)
		for _, token := range sample.Text {
			require.NotZero(t, token, "packed samples are never padded")
		}
	}
}

func TestModuloFallback(t *testing.T) {
	cfg := testConfig(t, sequentialStore(5, 3, 8, 2, 6))
	cfg.Policy = Unpacked{}
	cfg.NumSamples = 6
	ds := openDataset(t, cfg)
	n := ds.Len()
	require.Equal(t, 6, n)

	for _, requested := range []int{n, n + 2, 3*n + 5, -1} {
		resolved := ((requested % n) + n) % n
		want := must.M1(ds.GetSample(resolved))
		got := must.M1(ds.GetSample(requested))
		assert.Equal(t, want.Text, got.Text)
		require.NotNil(t, got.Fallback)
		assert.Equal(t, Fallback{Requested: requested, Resolved: resolved,
			Row:    int(ds.IndexMaps().ShuffleIdx.Int(resolved)),
			Reason: got.Fallback.Reason}, *got.Fallback)
	}
	assert.Equal(t, int64(4), ds.Fallbacks())
}

func TestMismatchedShuffleIdx(t *testing.T) {
	cfg := testConfig(t, sequentialStore(5, 3, 8))
	cfg.Policy = Unpacked{}
	layout := &Layout{
		DocIdx:    []int32{0, 1, 2},
		SampleIdx: [][2]int64{{0, 0}, {1, 0}, {2, 0}, {3, 0}},
		// One entry too many, and one that points past the sample index.
		ShuffleIdx: []int64{2, 0, 7, 1},
		NumEpochs:  1,
	}
	require.NoError(t, NewCache(cfg.DataPrefix, cfg.CacheKey()).Save(layout))
	ds := openDataset(t, cfg)
	require.Equal(t, 3, ds.Len())

	sample := must.M1(ds.GetSample(0))
	assert.Equal(t, []int64{9, 10, 11, 12, 13}, sample.Text)
	assert.Nil(t, sample.Fallback)

	sample = must.M1(ds.GetSample(2))
	assert.Equal(t, []int64{6, 7, 8, 0, 0}, sample.Text)
	require.NotNil(t, sample.Fallback)
	assert.Equal(t, 2, sample.Fallback.Resolved)
	assert.Equal(t, 1, sample.Fallback.Row)
	assert.Contains(t, sample.Fallback.Reason, "row 7")
	assert.Equal(t, int64(1), ds.Fallbacks())

	sample = must.M1(ds.GetSample(3))
	assert.Equal(t, []int64{9, 10, 11, 12, 13}, sample.Text)
	require.NotNil(t, sample.Fallback)
	assert.Equal(t, 0, sample.Fallback.Resolved)
	assert.Equal(t, int64(2), ds.Fallbacks())

	// A shuffle index shorter than the sample index bounds Len instead.
	cfg.Seed++
	layout.ShuffleIdx = []int64{1}
	require.NoError(t, NewCache(cfg.DataPrefix, cfg.CacheKey()).Save(layout))
	ds = openDataset(t, cfg)
	require.Equal(t, 1, ds.Len())
	sample = must.M1(ds.GetSample(0))
	assert.Equal(t, []int64{6, 7, 8, 0, 0}, sample.Text)
}

func TestDeterministicBuilds(t *testing.T) {
	store := sequentialStore(5, 3, 8, 11, 2, 9, 1, 4)
	for _, policy := range []Policy{Packed{}, PackUntilOverflow{},
		Unpacked{}} {
		first := testConfig(t, store)
		first.Policy = policy
		second := testConfig(t, store)
		second.Policy = policy
		a, b := openDataset(t, first), openDataset(t, second)
		assert.Equal(t, a.IndexMaps().DocIdx.Bytes(),
			b.IndexMaps().DocIdx.Bytes(), policy.Name())
		assert.Equal(t, a.IndexMaps().SampleIdx.Bytes(),
			b.IndexMaps().SampleIdx.Bytes(), policy.Name())
		assert.Equal(t, a.IndexMaps().ShuffleIdx.Bytes(),
			b.IndexMaps().ShuffleIdx.Bytes(), policy.Name())
	}
}

func TestReloadDoesNotRebuild(t *testing.T) {
	builds := &atomic.Int32{}
	cfg := testConfig(t, sequentialStore(5, 3, 8, 11))
	cfg.Policy = countingPolicy{Policy: Packed{}, builds: builds}
	first := openDataset(t, cfg)
	second := openDataset(t, cfg)
	assert.Equal(t, int32(1), builds.Load())
	assert.Equal(t, first.IndexMaps().SampleIdx.Bytes(),
		second.IndexMaps().SampleIdx.Bytes())
	assert.Equal(t, first.IndexMaps().ShuffleIdx.Bytes(),
		second.IndexMaps().ShuffleIdx.Bytes())

	// A different configuration gets its own files.
	cfg.Seed++
	openDataset(t, cfg)
	assert.Equal(t, int32(2), builds.Load())
}

func TestCacheErrorsKeepCause(t *testing.T) {
	cfg := testConfig(t, sequentialStore(5, 3, 8))
	cache := NewCache(cfg.DataPrefix, cfg.CacheKey())
	_, err := cache.Load()
	assert.ErrorIs(t, err, ErrCacheIO)
	assert.ErrorIs(t, err, fs.ErrNotExist)

	// A data prefix below a regular file cannot hold a cache.
	file := filepath.Join(t.TempDir(), "file")
	require.NoError(t, os.WriteFile(file, nil, 0644))
	cache = NewCache(filepath.Join(file, "corpus"), cfg.CacheKey())
	_, err = cache.Exists()
	assert.ErrorIs(t, err, ErrCacheIO)
	assert.ErrorIs(t, err, syscall.ENOTDIR)
}

func TestCorruptCache(t *testing.T) {
	cfg := testConfig(t, sequentialStore(5, 3, 8))
	ds := openDataset(t, cfg)
	require.NoError(t, ds.Close())

	cache := NewCache(cfg.DataPrefix, cfg.CacheKey())
	require.NoError(t, os.WriteFile(cache.Path(SampleIdxKind),
		[]byte("garbage"), 0644))
	_, err := NewGPT2Dataset(context.Background(), cfg)
	assert.ErrorIs(t, err, ErrCacheIO)

	require.NoError(t, cache.Remove())
	exists, err := cache.Exists()
	require.NoError(t, err)
	assert.False(t, exists)
}

func runGroup(t *testing.T, members []dist.Group,
	config func(rank int) Config) []error {
	errs := make([]error, len(members))
	var wg sync.WaitGroup
	for rank, member := range members {
		wg.Add(1)
		go func(rank int, member dist.Group) {
			defer wg.Done()
			ctx, cancel := context.WithTimeout(context.Background(),
				10*time.Second)
			defer cancel()
			cfg := config(rank)
			cfg.Group = member
			ds, err := NewGPT2Dataset(ctx, cfg)
			errs[rank] = err
			if err == nil {
				_ = ds.Close()
			}
		}(rank, member)
	}
	wg.Wait()
	return errs
}

func TestElect(t *testing.T) {
	members := dist.NewLocalGroup(4, 2)
	var shared, perNode []int
	for _, member := range members {
		if Elect(member, true) {
			shared = append(shared, member.Rank())
		}
		if Elect(member, false) {
			perNode = append(perNode, member.Rank())
		}
	}
	assert.Equal(t, []int{0}, shared)
	assert.Equal(t, []int{0, 2}, perNode)
}

func TestGroupBuildsOnce(t *testing.T) {
	store := sequentialStore(5, 3, 8, 11)
	builds := &atomic.Int32{}
	cfg := testConfig(t, store)
	cfg.Policy = countingPolicy{Policy: Unpacked{}, builds: builds}
	errs := runGroup(t, dist.NewLocalGroup(4, 2), func(int) Config {
		return cfg
	})
	for _, err := range errs {
		assert.NoError(t, err)
	}
	assert.Equal(t, int32(1), builds.Load())
}

func TestGroupBuildsPerNode(t *testing.T) {
	store := sequentialStore(5, 3, 8, 11)
	builds := &atomic.Int32{}
	nodes := []Config{testConfig(t, store), testConfig(t, store)}
	errs := runGroup(t, dist.NewLocalGroup(4, 2), func(rank int) Config {
		cfg := nodes[rank/2]
		cfg.Policy = countingPolicy{Policy: Unpacked{}, builds: builds}
		cfg.SharedFS = false
		return cfg
	})
	for _, err := range errs {
		assert.NoError(t, err)
	}
	assert.Equal(t, int32(2), builds.Load())
}

func TestIOSubgroup(t *testing.T) {
	builds := &atomic.Int32{}
	cfg := testConfig(t, sequentialStore(5, 3, 8, 11))
	cfg.Policy = countingPolicy{Policy: Unpacked{}, builds: builds}
	members, err := dist.NewLocalIOGroup(4, 0, []int{0, 3})
	require.NoError(t, err)

	// Ranks 1 and 2 never open the dataset.
	errs := runGroup(t, []dist.Group{members[0], members[3]},
		func(int) Config { return cfg })
	assert.NoError(t, errs[0])
	assert.NoError(t, errs[1])
	assert.Equal(t, int32(1), builds.Load())

	cfg.Group = members[1]
	_, err = NewGPT2Dataset(context.Background(), cfg)
	assert.ErrorIs(t, err, ErrCoordination)
}

func TestFailedBuildReleasesPeers(t *testing.T) {
	cfg := testConfig(t, sequentialStore(20, 30))
	cfg.Policy = Unpacked{}
	cfg.AllowChopped = false
	errs := runGroup(t, dist.NewLocalGroup(3, 0), func(int) Config {
		return cfg
	})
	assert.ErrorIs(t, errs[0], ErrConfiguration)
	assert.ErrorIs(t, errs[1], ErrCoordination)
	assert.ErrorIs(t, errs[2], ErrCoordination)
}

func TestConfigurationErrors(t *testing.T) {
	store := sequentialStore(5, 3, 8)
	for name, mutate := range map[string]func(*Config){
		"reward with packed": func(cfg *Config) {
			cfg.Reward = indexed.FromValues([]float32{1}, []float32{2},
				[]float32{3})
		},
		"document out of range": func(cfg *Config) {
			cfg.Documents = []int{0, 3}
		},
		"negative document": func(cfg *Config) {
			cfg.Documents = []int{-1}
		},
		"zero sequence length": func(cfg *Config) { cfg.SeqLength = 0 },
		"no samples":           func(cfg *Config) { cfg.NumSamples = 0 },
		"misaligned label": func(cfg *Config) {
			cfg.Label = indexed.FromTokens([]int32{1})
		},
		"empty corpus": func(cfg *Config) {
			cfg.Store = sequentialStore(0, 0)
			cfg.Documents = []int{0, 1}
		},
		"unreachable": func(cfg *Config) {
			cfg.Policy = Unpacked{}
			cfg.AllowChopped = false
			cfg.SeqLength = 1
		},
	} {
		t.Run(name, func(t *testing.T) {
			cfg := testConfig(t, store)
			mutate(&cfg)
			_, err := NewGPT2Dataset(context.Background(), cfg)
			assert.ErrorIs(t, err, ErrConfiguration)
		})
	}
}

func TestSkipIndexMappings(t *testing.T) {
	cfg := testConfig(t, sequentialStore(5, 3))
	cfg.BuildIndexMappings = false
	cfg.DataPrefix = ""
	ds := openDataset(t, cfg)
	assert.Zero(t, ds.Len())
	assert.Nil(t, ds.IndexMaps())
	_, err := ds.GetSample(0)
	assert.ErrorIs(t, err, ErrConfiguration)
}

func TestConcurrentGetSample(t *testing.T) {
	cfg := testConfig(t, sequentialStore(5, 3, 8, 11, 2, 9))
	cfg.NumSamples = 12
	ds := openDataset(t, cfg)
	want := make([][]int64, ds.Len())
	for idx := range want {
		want[idx] = must.M1(ds.GetSample(idx)).Text
	}
	var wg sync.WaitGroup
	for worker := 0; worker < 8; worker++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for idx := range want {
				sample, err := ds.GetSample(idx)
				assert.NoError(t, err)
				assert.Equal(t, want[idx], sample.Text)
			}
		}()
	}
	wg.Wait()
}
