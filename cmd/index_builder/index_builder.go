package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
	"github.com/schollz/progressbar/v3"
	"github.com/vaseramin777/gpt-neox/dataset"
	"github.com/vaseramin777/gpt-neox/dist"
	"github.com/vaseramin777/gpt-neox/indexed"
	"k8s.io/klog/v2"
)

// Options configures one index-map build. Every field can come from the
// JSON file given with -config; flags set on the command line win.
type Options struct {
	Config       string `json:"-"`
	DataPrefix   string `json:"data_prefix"`
	Name         string `json:"name"`
	DocsStart    int    `json:"docs_start"`
	DocsEnd      int    `json:"docs_end"`
	NumSamples   int    `json:"num_samples"`
	SeqLength    int    `json:"seq_length"`
	Seed         uint   `json:"seed"`
	Policy       string `json:"pack_impl"`
	AllowChopped bool   `json:"allow_chopped"`
	SharedFS     bool   `json:"use_shared_fs"`
	LabelPrefix  string `json:"label_data_prefix"`
	RewardPrefix string `json:"reward_data_prefix"`
	RefPrefix    string `json:"ref_data_prefix"`
	Shuffler     string `json:"shuffler"`
	Rendezvous   string `json:"rendezvous_dir"`
	IORanks      string `json:"io_ranks"`
	Timeout      string `json:"timeout"`
	CacheSize    int    `json:"cache_size"`
	Rebuild      bool   `json:"rebuild"`
	Verify       bool   `json:"verify"`
	Dump         int    `json:"dump"`
}

func defaultOptions() Options {
	return Options{
		Name:         "train",
		DocsEnd:      -1,
		NumSamples:   1000,
		SeqLength:    2048,
		Seed:         1234,
		Policy:       dataset.Packed{}.Name(),
		AllowChopped: true,
		SharedFS:     true,
		Shuffler:     "mt19937",
		Timeout:      "30m",
		CacheSize:    indexed.DefaultCacheSize,
	}
}

func bindFlags(fs *flag.FlagSet, opts *Options) {
	fs.StringVar(&opts.Config, "config", opts.Config,
		"JSON file holding any of the options below")
	fs.StringVar(&opts.DataPrefix, "data_prefix", opts.DataPrefix,
		"indexed dataset prefix (without .bin/.idx)")
	fs.StringVar(&opts.Name, "name", opts.Name,
		"dataset name used in the cache file names [train, valid, test]")
	fs.IntVar(&opts.DocsStart, "docs_start", opts.DocsStart,
		"first document id of the split")
	fs.IntVar(&opts.DocsEnd, "docs_end", opts.DocsEnd,
		"document id past the end of the split, -1 for all documents")
	fs.IntVar(&opts.NumSamples, "num_samples", opts.NumSamples,
		"number of samples to build")
	fs.IntVar(&opts.SeqLength, "seq_length", opts.SeqLength,
		"sequence length")
	fs.UintVar(&opts.Seed, "seed", opts.Seed, "shuffle seed")
	fs.StringVar(&opts.Policy, "pack_impl", opts.Policy,
		"packing policy [packed, pack_until_overflow, unpacked]")
	fs.BoolVar(&opts.AllowChopped, "allow_chopped", opts.AllowChopped,
		"allow documents longer than seq_length+1 tokens")
	fs.BoolVar(&opts.SharedFS, "use_shared_fs", opts.SharedFS,
		"all processes share the data prefix's filesystem")
	fs.StringVar(&opts.LabelPrefix, "label_data_prefix", opts.LabelPrefix,
		"optional label channel dataset prefix")
	fs.StringVar(&opts.RewardPrefix, "reward_data_prefix",
		opts.RewardPrefix, "optional reward channel dataset prefix")
	fs.StringVar(&opts.RefPrefix, "ref_data_prefix", opts.RefPrefix,
		"optional reference channel dataset prefix")
	fs.StringVar(&opts.Shuffler, "shuffler", opts.Shuffler,
		"permutation algorithm [mt19937, pcg]")
	fs.StringVar(&opts.Rendezvous, "rendezvous_dir", opts.Rendezvous,
		"directory shared by all processes of a multi-process run, "+
			"defaults to the data prefix's directory")
	fs.StringVar(&opts.IORanks, "io_ranks", opts.IORanks,
		"comma separated ranks that load the index maps, defaults to "+
			"$IO_RANKS or every rank")
	fs.StringVar(&opts.Timeout, "timeout", opts.Timeout,
		"how long to wait for the process building the index maps")
	fs.IntVar(&opts.CacheSize, "cache_size", opts.CacheSize,
		"number of decoded documents to cache per dataset")
	fs.BoolVar(&opts.Rebuild, "rebuild", opts.Rebuild,
		"remove existing index maps before building")
	fs.BoolVar(&opts.Verify, "verify", opts.Verify,
		"assemble every sample once")
	fs.IntVar(&opts.Dump, "dump", opts.Dump,
		"print the first n samples")
}

// loadOptions
// Reads the JSON file `path` over the defaults, then re-applies the
// command-line `args` so explicit flags override the file.
func loadOptions(path string, args []string) (Options, error) {
	opts := defaultOptions()
	raw, err := os.ReadFile(path)
	if err != nil {
		return opts, err
	}
	decoder := json.NewDecoder(bytes.NewReader(raw))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&opts); err != nil {
		return opts, errors.Wrapf(err, "parsing %s", path)
	}
	fs := flag.NewFlagSet("index_builder", flag.ContinueOnError)
	klog.InitFlags(fs)
	bindFlags(fs, &opts)
	if err := fs.Parse(args); err != nil {
		return opts, err
	}
	return opts, nil
}

func shufflerFactory(name string) (dataset.ShufflerFactory, error) {
	switch strings.ToLower(name) {
	case "mt19937", "numpy":
		return dataset.NewMT19937, nil
	case "pcg":
		return dataset.NewPCG, nil
	}
	return nil, errors.Errorf("unknown shuffler %q", name)
}

type stores struct {
	opened []*indexed.Dataset
}

func (s *stores) open(prefix string, cacheSize int) (indexed.Store, error) {
	if prefix == "" {
		return nil, nil
	}
	ds, err := indexed.Open(prefix, cacheSize)
	if err != nil {
		return nil, err
	}
	s.opened = append(s.opened, ds)
	klog.Infof("opened %s: %s documents, %s",
		prefix, humanize.Comma(int64(ds.Len())), ds.DType)
	return ds, nil
}

func (s *stores) Close() {
	for _, ds := range s.opened {
		if err := ds.Close(); err != nil {
			klog.Warningf("closing %s: %v", ds.Prefix, err)
		}
	}
}

// datasetConfig turns options into a dataset configuration, opening the
// channel stores it names.
func datasetConfig(opts Options, s *stores) (dataset.Config, error) {
	cfg := dataset.DefaultConfig()
	if opts.DataPrefix == "" {
		return cfg, errors.New("must provide -data_prefix")
	}
	policy, err := dataset.ParsePolicy(opts.Policy)
	if err != nil {
		return cfg, err
	}
	rng, err := shufflerFactory(opts.Shuffler)
	if err != nil {
		return cfg, err
	}
	text, err := s.open(opts.DataPrefix, opts.CacheSize)
	if err != nil {
		return cfg, err
	}
	channels := []struct {
		prefix string
		dst    *indexed.Store
	}{
		{opts.LabelPrefix, &cfg.Label},
		{opts.RewardPrefix, &cfg.Reward},
		{opts.RefPrefix, &cfg.Ref},
	}
	for _, channel := range channels {
		if *channel.dst, err = s.open(channel.prefix,
			opts.CacheSize); err != nil {
			return cfg, err
		}
	}
	end := opts.DocsEnd
	if end < 0 {
		end = text.Len()
	}
	if opts.DocsStart < 0 || opts.DocsStart >= end {
		return cfg, errors.Errorf("empty document range [%d, %d)",
			opts.DocsStart, end)
	}
	documents := make([]int, 0, end-opts.DocsStart)
	for doc := opts.DocsStart; doc < end; doc++ {
		documents = append(documents, doc)
	}

	cfg.Name = opts.Name
	cfg.DataPrefix = opts.DataPrefix
	cfg.Documents = documents
	cfg.Store = text
	cfg.NumSamples = opts.NumSamples
	cfg.SeqLength = opts.SeqLength
	cfg.Seed = uint32(opts.Seed)
	cfg.Policy = policy
	cfg.AllowChopped = opts.AllowChopped
	cfg.SharedFS = opts.SharedFS
	cfg.RNG = rng
	return cfg, nil
}

func verify(ds *dataset.GPT2Dataset) error {
	bar := progressbar.Default(int64(ds.Len()), "verifying")
	var padded int
	for idx := 0; idx < ds.Len(); idx++ {
		sample, err := ds.GetSample(idx)
		if err != nil {
			return errors.WithMessagef(err, "sample %d", idx)
		}
		if sample.Text[len(sample.Text)-1] == 0 {
			padded++
		}
		_ = bar.Add(1)
	}
	_ = bar.Finish()
	klog.Infof("verified %s samples, %s end in padding, %d fallbacks",
		humanize.Comma(int64(ds.Len())), humanize.Comma(int64(padded)),
		ds.Fallbacks())
	return nil
}

func dump(ds *dataset.GPT2Dataset, count int) error {
	for idx := 0; idx < min(count, ds.Len()); idx++ {
		sample, err := ds.GetSample(idx)
		if err != nil {
			return err
		}
		fmt.Printf("sample %d text: %v\n", idx, sample.Text)
		if sample.Label != nil {
			fmt.Printf("sample %d label: %v\n", idx, sample.Label)
		}
		if sample.Reward != nil {
			fmt.Printf("sample %d reward: %v\n", idx, sample.Reward)
		}
		if sample.Ref != nil {
			fmt.Printf("sample %d ref: %v\n", idx, sample.Ref)
		}
	}
	return nil
}

func main() {
	klog.InitFlags(nil)
	opts := defaultOptions()
	bindFlags(flag.CommandLine, &opts)
	flag.Parse()
	defer klog.Flush()

	if opts.Config != "" {
		var err error
		if opts, err = loadOptions(opts.Config, os.Args[1:]); err != nil {
			klog.Exitf("error loading options: %v", err)
		}
	}
	timeout, err := time.ParseDuration(opts.Timeout)
	if err != nil {
		klog.Exitf("invalid -timeout: %v", err)
	}

	var s stores
	defer s.Close()
	cfg, err := datasetConfig(opts, &s)
	if err != nil {
		flag.Usage()
		klog.Exitf("%v", err)
	}

	rendezvous := opts.Rendezvous
	if rendezvous == "" {
		rendezvous = filepath.Dir(opts.DataPrefix)
	}
	ioRanks, err := dist.ParseRanks(opts.IORanks)
	if err != nil {
		klog.Exitf("invalid -io_ranks: %v", err)
	}
	if cfg.Group, err = dist.FromEnv(rendezvous, ioRanks); err != nil {
		klog.Exitf("%v", err)
	}
	if !cfg.Group.IOMember() {
		klog.Infof("rank %d does not load index maps", cfg.Group.Rank())
		return
	}

	cache := dataset.NewCache(cfg.DataPrefix, cfg.CacheKey())
	if opts.Rebuild && dataset.Elect(cfg.Group, cfg.SharedFS) {
		klog.Infof("removing index maps %s", cache.Key.Prefix(cfg.DataPrefix))
		if err := cache.Remove(); err != nil {
			klog.Exitf("%v", err)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	start := time.Now()
	ds, err := dataset.NewGPT2Dataset(ctx, cfg)
	if err != nil {
		klog.Exitf("error building index maps: %v", err)
	}
	defer ds.Close()
	if err := dist.Leave(ctx, cfg.Group); err != nil {
		klog.Warningf("leaving rendezvous: %v", err)
	}
	klog.Infof("%s: %s samples of %d tokens ready in %s",
		cache.Key.Prefix(cfg.DataPrefix), humanize.Comma(int64(ds.Len())),
		cfg.SeqLength+1, time.Since(start).Round(time.Millisecond))

	if opts.Verify {
		if err := verify(ds); err != nil {
			klog.Exitf("verification failed: %v", err)
		}
	}
	if opts.Dump > 0 {
		if err := dump(ds, opts.Dump); err != nil {
			klog.Exitf("%v", err)
		}
	}
}
