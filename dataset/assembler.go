package dataset

import (
	"github.com/pkg/errors"
	"github.com/vaseramin777/gpt-neox/indexed"
	"k8s.io/klog/v2"
)

// Sample is one training example of seqLength+1 positions. Channels that
// were not configured are nil.
type Sample struct {
	Text   []int64
	Label  []int64
	Reward []float32
	Ref    []float32
	// Fallback is set when the requested index could not be resolved and
	// the sample was read from a wrapped index instead.
	Fallback *Fallback
}

// Fallback describes a sample served from `Resolved` because `Requested`
// did not resolve. Row is the sample-index row it was read from.
type Fallback struct {
	Requested int
	Resolved  int
	Row       int
	Reason    string
}

// segment is a run of tokens of one document inside a sample.
type segment struct {
	doc    int
	offset int
	length int
}

// segments
// Resolves sample-index row `row` into the document runs it covers, in
// order, clipped to seqLength+1 tokens. The end boundary is the sample's
// last token for overlapping layouts and one past it otherwise.
func (ds *GPT2Dataset) segments(row int) ([]segment, error) {
	sampleIdx, docIdx := ds.maps.SampleIdx, ds.maps.DocIdx
	if row < 0 || row+1 >= sampleIdx.Len() {
		return nil, errors.Wrapf(errIndex, "sample index row %d not in "+
			"[0, %d)", row, sampleIdx.Len()-1)
	}
	first, firstOffset := int(sampleIdx.At(row, 0)), int(sampleIdx.At(row, 1))
	last, end := int(sampleIdx.At(row+1, 0)), int(sampleIdx.At(row+1, 1))
	if ds.cfg.Policy.Overlapping() {
		end++
	}
	if last < first {
		return nil, errors.Wrapf(errIndex, "row %d ends at document "+
			"position %d before it starts at %d", row, last, first)
	}

	sizes := ds.cfg.Store.Sizes()
	budget := ds.cfg.SeqLength + 1
	var segs []segment
	for pos := first; pos <= last && budget > 0; pos++ {
		start := 0
		if pos == first {
			start = firstOffset
		}
		if pos == last && end == 0 {
			break
		}
		if pos >= docIdx.Len() {
			return nil, errors.Wrapf(errIndex, "document position %d not "+
				"in [0, %d)", pos, docIdx.Len())
		}
		doc := int(docIdx.Int(pos))
		if doc < 0 || doc >= len(sizes) {
			return nil, errors.Wrapf(errIndex, "document %d not in [0, %d)",
				doc, len(sizes))
		}
		stop := int(sizes[doc])
		if pos == last {
			if end > stop {
				return nil, errors.Wrapf(errIndex, "offset %d past the end "+
					"of document %d of size %d", end-1, doc, stop)
			}
			stop = end
		}
		if start > stop {
			return nil, errors.Wrapf(errIndex, "offset %d past the end of "+
				"document %d", start, doc)
		}
		if length := min(stop-start, budget); length > 0 {
			segs = append(segs, segment{doc: doc, offset: start, length: length})
			budget -= length
		}
	}
	return segs, nil
}

func readTokens(store indexed.Store, segs []segment, size int,
	pad int64) ([]int64, error) {
	out := make([]int64, 0, size)
	for _, seg := range segs {
		tokens, err := store.Tokens(seg.doc, seg.offset, seg.length)
		if err != nil {
			return nil, err
		}
		for _, token := range tokens {
			out = append(out, int64(token))
		}
	}
	for len(out) < size {
		out = append(out, pad)
	}
	return out[:size], nil
}

func readValues(store indexed.Store, segs []segment,
	size int) ([]float32, error) {
	out := make([]float32, 0, size)
	for _, seg := range segs {
		values, err := store.Values(seg.doc, seg.offset, seg.length)
		if err != nil {
			return nil, err
		}
		out = append(out, values...)
	}
	for len(out) < size {
		out = append(out, 0)
	}
	return out[:size], nil
}

// readRewards repeats the last value of each document over the positions
// the document occupies in the sample.
func readRewards(store indexed.Store, segs []segment,
	size int) ([]float32, error) {
	out := make([]float32, 0, size)
	for _, seg := range segs {
		reward, err := indexed.LastValue(store, seg.doc)
		if err != nil {
			return nil, err
		}
		for i := 0; i < seg.length; i++ {
			out = append(out, reward)
		}
	}
	for len(out) < size {
		out = append(out, 0)
	}
	return out[:size], nil
}

// row maps external index `idx` to its sample-index row.
func (ds *GPT2Dataset) row(idx int) (int, error) {
	if idx < 0 || idx >= ds.Len() {
		return 0, errors.Wrapf(errIndex, "sample %d not in [0, %d)", idx,
			ds.Len())
	}
	row := int(ds.maps.ShuffleIdx.Int(idx))
	if row < 0 || row >= ds.maps.NumSamples() {
		return row, errors.Wrapf(errIndex, "shuffle index %d points at "+
			"row %d of %d", idx, row, ds.maps.NumSamples())
	}
	return row, nil
}

func (ds *GPT2Dataset) assemble(row int) (*Sample, error) {
	segs, err := ds.segments(row)
	if err != nil {
		return nil, err
	}
	size := ds.cfg.SeqLength + 1
	sample := &Sample{}
	if sample.Text, err = readTokens(ds.cfg.Store, segs, size, 0); err != nil {
		return nil, err
	}
	if ds.cfg.Label != nil {
		sample.Label, err = readTokens(ds.cfg.Label, segs, size, LabelMask)
		if err != nil {
			return nil, err
		}
	}
	if ds.cfg.Reward != nil {
		if sample.Reward, err = readRewards(ds.cfg.Reward, segs,
			size); err != nil {
			return nil, err
		}
	}
	if ds.cfg.Ref != nil {
		if sample.Ref, err = readValues(ds.cfg.Ref, segs, size); err != nil {
			return nil, err
		}
	}
	return sample, nil
}

func isIndexError(err error) bool {
	return errors.Is(err, errIndex) || errors.Is(err, indexed.ErrRange)
}

func wrap(idx, n int) int {
	idx %= n
	if idx < 0 {
		idx += n
	}
	return idx
}

// GetSample
// Returns sample `idx` of the shuffled stream. An index that does not
// resolve, because it is out of range or because the index maps disagree,
// is retried once as `idx mod Len()`, with a shuffle entry past the sample
// index wrapped the same way. Such samples carry a Fallback and are counted
// by Fallbacks. GetSample is safe for concurrent use.
func (ds *GPT2Dataset) GetSample(idx int) (*Sample, error) {
	if ds.maps == nil {
		return nil, errors.Wrap(ErrConfiguration,
			"index mappings were not built for this dataset")
	}
	row, err := ds.row(idx)
	if err == nil {
		var sample *Sample
		if sample, err = ds.assemble(row); err == nil || !isIndexError(err) {
			return sample, err
		}
	}
	n := ds.Len()
	if n == 0 {
		return nil, errors.Wrapf(ErrCacheIO, "dataset %s has no samples",
			ds.cfg.Name)
	}
	resolved := wrap(idx, n)
	klog.Warningf("got index out of bounds error with index %d - taking "+
		"modulo of index instead (%d), error: %v", idx, resolved, err)
	ds.fallbacks.Add(1)
	row = wrap(int(ds.maps.ShuffleIdx.Int(resolved)), ds.maps.NumSamples())
	sample, retryErr := ds.assemble(row)
	if retryErr != nil {
		return nil, errors.Wrapf(ErrCacheIO, "sample %d does not resolve "+
			"(%v) and neither does %d: %v", idx, err, resolved, retryErr)
	}
	sample.Fallback = &Fallback{Requested: idx, Resolved: resolved, Row: row,
		Reason: err.Error()}
	return sample, nil
}

// Fallbacks counts the samples served through the modulo fallback.
func (ds *GPT2Dataset) Fallbacks() int64 {
	return ds.fallbacks.Load()
}
