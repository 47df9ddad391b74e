// Package dataset turns a store of variable-length tokenized documents into
// a reproducible, shuffled stream of fixed-length training samples. The
// layout of samples over documents is computed once per configuration,
// cached next to the corpus as `.npy` index maps, and shared read-only by
// every process of a run.
package dataset

import (
	"context"
	"sync/atomic"

	"github.com/vaseramin777/gpt-neox/dist"
	"github.com/vaseramin777/gpt-neox/indexed"
	"k8s.io/klog/v2"
)

// Config describes a dataset and where its index maps live.
type Config struct {
	// Name distinguishes datasets built over the same corpus, such as the
	// train, valid and test splits.
	Name string
	// DataPrefix is the corpus path prefix the cache files are named after.
	DataPrefix string
	// Documents are the ids of the documents this dataset draws from.
	Documents []int
	Store     indexed.Store

	NumSamples int
	SeqLength  int
	Seed       uint32
	Policy     Policy
	// AllowChopped lets documents longer than SeqLength+1 tokens be used,
	// split or truncated.
	AllowChopped bool
	// SharedFS is set when every process sees the same DataPrefix, so a
	// single process in the whole run builds the index maps.
	SharedFS bool
	// BuildIndexMappings can be cleared to validate a configuration
	// without touching the cache.
	BuildIndexMappings bool

	Label  indexed.Store
	Reward indexed.Store
	Ref    indexed.Store

	Group dist.Group
	RNG   ShufflerFactory
}

func DefaultConfig() Config {
	return Config{
		Policy:             Packed{},
		AllowChopped:       true,
		SharedFS:           true,
		BuildIndexMappings: true,
		Group:              dist.Solo{},
		RNG:                NewMT19937,
	}
}

// CacheKey returns the key the configuration's index maps are stored under.
func (cfg *Config) CacheKey() CacheKey {
	return CacheKey{
		Name:         cfg.Name,
		NumSamples:   cfg.NumSamples,
		SeqLength:    cfg.SeqLength,
		Seed:         cfg.Seed,
		Policy:       cfg.Policy.Name(),
		AllowChopped: cfg.AllowChopped,
	}
}

func (cfg *Config) validate() error {
	if cfg.Store == nil {
		return configErrorf("a document store is required")
	}
	if cfg.Policy == nil {
		return configErrorf("a packing policy is required")
	}
	if cfg.SeqLength <= 0 {
		return configErrorf("sequence length must be positive, got %d",
			cfg.SeqLength)
	}
	if cfg.NumSamples <= 0 {
		return configErrorf("number of samples must be positive, got %d",
			cfg.NumSamples)
	}
	if len(cfg.Documents) == 0 {
		return configErrorf("dataset %q has no documents", cfg.Name)
	}
	if cfg.Reward != nil && cfg.Policy.Name() != (Unpacked{}).Name() {
		return configErrorf("reward dataset only supported with %s data, "+
			"got %s", Unpacked{}.Name(), cfg.Policy.Name())
	}
	numDocs := cfg.Store.Len()
	for _, doc := range cfg.Documents {
		if doc < 0 || doc >= numDocs {
			return configErrorf("document %d not in [0, %d)", doc, numDocs)
		}
	}
	channels := []struct {
		name  string
		store indexed.Store
	}{{"label", cfg.Label}, {"reward", cfg.Reward}, {"ref", cfg.Ref}}
	for _, channel := range channels {
		if channel.store != nil && channel.store.Len() != numDocs {
			return configErrorf("%s dataset has %d documents, text has %d",
				channel.name, channel.store.Len(), numDocs)
		}
	}
	if NumTokens(cfg.Documents, cfg.Store.Sizes()) == 0 {
		return configErrorf("dataset %q has no tokens", cfg.Name)
	}
	if cfg.BuildIndexMappings && cfg.DataPrefix == "" {
		return configErrorf("a data prefix is required to cache index maps")
	}
	return nil
}

// GPT2Dataset serves the samples of one Config.
type GPT2Dataset struct {
	cfg       Config
	maps      *IndexMaps
	fallbacks atomic.Int64
}

// NewGPT2Dataset
// Validates `cfg`, then builds or loads its index maps through the process
// group. Every process of the group must call it with the same
// configuration. `ctx` bounds the wait for the process building the maps.
func NewGPT2Dataset(ctx context.Context, cfg Config) (*GPT2Dataset, error) {
	if cfg.Group == nil {
		cfg.Group = dist.Solo{}
	}
	if cfg.RNG == nil {
		cfg.RNG = NewMT19937
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	ds := &GPT2Dataset{cfg: cfg}
	if !cfg.BuildIndexMappings {
		return ds, nil
	}

	cache := NewCache(cfg.DataPrefix, cfg.CacheKey())
	maps, err := cache.BuildOrLoad(ctx, cfg.Group, cfg.SharedFS, ds.build)
	if err != nil {
		return nil, err
	}
	ds.maps = maps
	if shuffled, samples := maps.ShuffleIdx.Len(),
		maps.NumSamples(); shuffled != samples {
		klog.Warningf("shuffle index length (%d) is not equal to sample "+
			"index length (%d)", shuffled, samples)
	}
	return ds, nil
}

func (ds *GPT2Dataset) build() (*Layout, error) {
	return ds.cfg.Policy.Build(&BuildInput{
		Documents:    ds.cfg.Documents,
		Sizes:        ds.cfg.Store.Sizes(),
		Label:        ds.cfg.Label,
		NumSamples:   ds.cfg.NumSamples,
		SeqLength:    ds.cfg.SeqLength,
		AllowChopped: ds.cfg.AllowChopped,
		RNG:          ds.cfg.RNG(ds.cfg.Seed),
	})
}

// Len is the number of samples in the shuffled stream.
func (ds *GPT2Dataset) Len() int {
	if ds.maps == nil {
		return 0
	}
	return min(ds.maps.ShuffleIdx.Len(), ds.maps.NumSamples())
}

// IndexMaps exposes the loaded index maps, nil when they were not built.
func (ds *GPT2Dataset) IndexMaps() *IndexMaps {
	return ds.maps
}

// Close releases the index maps. The document stores are owned by the
// caller and stay open.
func (ds *GPT2Dataset) Close() error {
	if ds.maps == nil {
		return nil
	}
	return ds.maps.Close()
}
