package dataset

import (
	"sort"
	"strings"

	"github.com/vaseramin777/gpt-neox/indexed"
)

// LabelMask marks label positions that carry no training signal.
const LabelMask = -100

// BuildInput is everything a packing policy needs to lay out samples.
type BuildInput struct {
	Documents    []int
	Sizes        []int32
	Label        indexed.Store
	NumSamples   int
	SeqLength    int
	AllowChopped bool
	RNG          Shuffler
}

// Layout is the freshly built, in-memory form of the three index maps.
type Layout struct {
	// DocIdx is the order in which documents are laid end to end.
	DocIdx []int32
	// SampleIdx holds (DocIdx position, offset) for every sample boundary.
	SampleIdx [][2]int64
	// ShuffleIdx maps external sample indices to SampleIdx rows.
	ShuffleIdx []int64
	// NumEpochs counts the passes over the documents that were needed.
	NumEpochs int64
}

// NumSamples is the number of samples the boundaries delimit.
func (l *Layout) NumSamples() int {
	return len(l.SampleIdx) - 1
}

// Policy decides how documents are cut into or packed into samples.
type Policy interface {
	// Name is the tag used in cache file names.
	Name() string
	// Overlapping reports whether a sample's end boundary is its last token,
	// shared with the next sample. Otherwise the end boundary is exclusive
	// and samples cover whole documents.
	Overlapping() bool
	Build(in *BuildInput) (*Layout, error)
}

// Packed concatenates documents into one stream and cuts it into samples
// of exactly seqLength+1 tokens, splitting documents as needed.
type Packed struct{}

// PackUntilOverflow packs whole documents into a sample until the next one
// would not fit, then starts a new sample with it.
type PackUntilOverflow struct{}

// Unpacked makes every sample a single document.
type Unpacked struct{}

func (Packed) Name() string            { return "packed" }
func (PackUntilOverflow) Name() string { return "pack_until_overflow" }
func (Unpacked) Name() string          { return "unpacked" }

func (Packed) Overlapping() bool            { return true }
func (PackUntilOverflow) Overlapping() bool { return false }
func (Unpacked) Overlapping() bool          { return false }

var policies = map[string]Policy{
	Packed{}.Name():            Packed{},
	PackUntilOverflow{}.Name(): PackUntilOverflow{},
	Unpacked{}.Name():          Unpacked{},
}

// ParsePolicy looks a policy up by name.
func ParsePolicy(name string) (Policy, error) {
	if p, ok := policies[name]; ok {
		return p, nil
	}
	names := make([]string, 0, len(policies))
	for n := range policies {
		names = append(names, n)
	}
	sort.Strings(names)
	return nil, configErrorf("unknown packing policy %q, expected one of %s",
		name, strings.Join(names, ", "))
}

// eligible reports whether `doc` may be sampled: a document longer than a
// sample is skipped unless chopping is allowed, and a document whose labels
// are all masked over the first sample length is always skipped. Empty
// documents are only kept when `keepEmpty` is set.
func (in *BuildInput) eligible(doc int, keepEmpty bool) (bool, error) {
	size := int(in.Sizes[doc])
	if size == 0 {
		return keepEmpty, nil
	}
	if !in.AllowChopped && size > in.SeqLength+1 {
		return false, nil
	}
	if in.Label == nil {
		return true, nil
	}
	span := min(int(in.Label.Sizes()[doc]), in.SeqLength+1)
	labels, err := in.Label.Tokens(doc, 0, span)
	if err != nil {
		return false, err
	}
	for _, label := range labels {
		if label != LabelMask {
			return true, nil
		}
	}
	return false, nil
}

// sampleable is eligible for policies that take documents whole, which
// never emit an empty sample.
func (in *BuildInput) sampleable(doc int) (bool, error) {
	return in.eligible(doc, false)
}

// BuildShuffleIdx
// Returns a seeded permutation of [0, size).
func BuildShuffleIdx(size int, rng Shuffler) []int64 {
	shuffleIdx := arange(size)
	shuffleInt64(rng, shuffleIdx)
	return shuffleIdx
}
