package dataset

import (
	"github.com/pkg/errors"
)

// eligibleDocuments filters `documents` down to those that may be sampled,
// keeping their order.
func (in *BuildInput) eligibleDocuments(keepEmpty bool) ([]int, error) {
	kept := make([]int, 0, len(in.Documents))
	for _, doc := range in.Documents {
		ok, err := in.eligible(doc, keepEmpty)
		if err != nil {
			return nil, err
		}
		if ok {
			kept = append(kept, doc)
		}
	}
	return kept, nil
}

// Build shuffles the eligible documents over as many epochs as needed and
// cuts the resulting token stream into overlapping windows of
// seqLength+1 tokens. Empty documents stay in the shuffled order and are
// walked over, so doc_idx is the same permutation numpy draws for them.
func (Packed) Build(in *BuildInput) (*Layout, error) {
	documents, err := in.eligibleDocuments(true)
	if err != nil {
		return nil, err
	}
	tokensPerEpoch := NumTokens(documents, in.Sizes)
	numEpochs, err := NumEpochs(tokensPerEpoch, int64(in.SeqLength),
		int64(in.NumSamples))
	if err != nil {
		return nil, err
	}
	docIdx := BuildDocIdx(documents, numEpochs, in.RNG)
	sampleIdx, err := buildPackedSampleIdx(in.Sizes, docIdx, in.SeqLength,
		numEpochs, tokensPerEpoch)
	if err != nil {
		return nil, err
	}
	return &Layout{
		DocIdx:     docIdx,
		SampleIdx:  sampleIdx,
		ShuffleIdx: BuildShuffleIdx(len(sampleIdx)-1, in.RNG),
		NumEpochs:  numEpochs,
	}, nil
}

// buildPackedSampleIdx
// Walks `docIdx` with a budget of seqLength+1 tokens per sample. A document
// that exhausts the budget ends the sample at the token that exhausted it,
// which is also where the next sample starts. The number of samples follows
// from the epoch count, not from the number requested.
func buildPackedSampleIdx(sizes []int32, docIdx []int32, seqLength int,
	numEpochs, tokensPerEpoch int64) ([][2]int64, error) {
	numSamples := (numEpochs*tokensPerEpoch - 1) / int64(seqLength)
	sampleIdx := make([][2]int64, numSamples+1)

	var position, offset int64
	for sample := int64(1); sample <= numSamples; sample++ {
		remaining := int64(seqLength + 1)
		for remaining != 0 {
			if position >= int64(len(docIdx)) {
				return nil, errors.Wrapf(errIndex,
					"sample %d runs past the %d documents of %d epochs",
					sample, len(docIdx), numEpochs)
			}
			docLength := int64(sizes[docIdx[position]]) - offset
			remaining -= docLength
			if remaining <= 0 {
				offset += remaining + docLength - 1
				remaining = 0
			} else {
				position++
				offset = 0
			}
		}
		sampleIdx[sample] = [2]int64{position, offset}
	}
	return sampleIdx, nil
}

// Build draws whole documents from the shuffled cursor and closes a sample
// as soon as the next document would push it past seqLength+1 tokens; that
// document opens the following sample. The last sample is also filled until
// the next document would overflow it.
func (PackUntilOverflow) Build(in *BuildInput) (*Layout, error) {
	shuffleIdx := BuildShuffleIdx(in.NumSamples, in.RNG)
	cursor := newDocCursor(in.Documents, in.RNG)

	budget := int64(in.SeqLength + 1)
	docIdx := make([]int32, 0, in.NumSamples)
	sampleIdx := make([][2]int64, 0, in.NumSamples+1)
	var running int64
	for {
		doc, err := cursor.nextEligible(in.sampleable)
		if err != nil {
			return nil, err
		}
		size := int64(in.Sizes[doc])
		if len(sampleIdx) == 0 || running+size > budget {
			if len(sampleIdx) == in.NumSamples {
				break
			}
			sampleIdx = append(sampleIdx, [2]int64{int64(len(docIdx)), 0})
			running = 0
		}
		running += size
		docIdx = append(docIdx, int32(doc))
	}
	sampleIdx = append(sampleIdx, [2]int64{int64(len(docIdx)), 0})
	return &Layout{
		DocIdx:     docIdx,
		SampleIdx:  sampleIdx,
		ShuffleIdx: shuffleIdx,
		NumEpochs:  int64(cursor.passes),
	}, nil
}

// Build picks numSamples eligible documents from the shuffled cursor, one
// per sample.
func (Unpacked) Build(in *BuildInput) (*Layout, error) {
	shuffleIdx := BuildShuffleIdx(in.NumSamples, in.RNG)
	cursor := newDocCursor(in.Documents, in.RNG)

	docIdx := make([]int32, in.NumSamples)
	sampleIdx := make([][2]int64, in.NumSamples+1)
	for sample := range docIdx {
		doc, err := cursor.nextEligible(in.sampleable)
		if err != nil {
			return nil, err
		}
		docIdx[sample] = int32(doc)
		sampleIdx[sample] = [2]int64{int64(sample), 0}
	}
	sampleIdx[in.NumSamples] = [2]int64{int64(in.NumSamples), 0}
	return &Layout{
		DocIdx:     docIdx,
		SampleIdx:  sampleIdx,
		ShuffleIdx: shuffleIdx,
		NumEpochs:  int64(cursor.passes),
	}, nil
}
