package dataset

// NumTokens returns the number of tokens in one pass over `documents`.
func NumTokens(documents []int, sizes []int32) int64 {
	var total int64
	for _, doc := range documents {
		total += int64(sizes[doc])
	}
	return total
}

// NumEpochs
// Returns how many passes over the corpus are needed to cut `numSamples`
// samples of `seqLength` tokens. Every sample reads `seqLength+1` tokens, but
// its last token is the first token of the next sample, hence the -1.
func NumEpochs(tokensPerEpoch, seqLength, numSamples int64) (int64, error) {
	if tokensPerEpoch <= 0 {
		return 0, configErrorf("corpus has no tokens to sample from")
	}
	if seqLength <= 0 {
		return 0, configErrorf("sequence length must be positive, got %d",
			seqLength)
	}
	var numEpochs, totalTokens int64
	for {
		numEpochs++
		totalTokens += tokensPerEpoch
		if (totalTokens-1)/seqLength >= numSamples {
			return numEpochs, nil
		}
	}
}

// BuildDocIdx
// Lays out `numEpochs` copies of `documents` end to end and shuffles the
// whole sequence at once; epochs are not shuffled independently.
func BuildDocIdx(documents []int, numEpochs int64, rng Shuffler) []int32 {
	docIdx := make([]int32, 0, int64(len(documents))*numEpochs)
	for epoch := int64(0); epoch < numEpochs; epoch++ {
		for _, doc := range documents {
			docIdx = append(docIdx, int32(doc))
		}
	}
	shuffleInt32(rng, docIdx)
	return docIdx
}

// docCursor hands out documents in a shuffled order that is reshuffled each
// time it wraps around.
type docCursor struct {
	documents []int
	order     []int64
	pos       int
	passes    int
	accepted  int
	rng       Shuffler
}

func newDocCursor(documents []int, rng Shuffler) *docCursor {
	c := &docCursor{documents: documents, order: arange(len(documents)),
		passes: 1, rng: rng}
	shuffleInt64(rng, c.order)
	return c
}

// next returns the next document and whether the cursor wrapped after it.
func (c *docCursor) next() (doc int, wrapped bool) {
	doc = c.documents[c.order[c.pos]]
	c.pos++
	if c.pos == len(c.order) {
		c.pos = 0
		c.passes++
		shuffleInt64(c.rng, c.order)
		return doc, true
	}
	return doc, false
}

// nextEligible skips ineligible documents. Eligibility never changes, so a
// full pass in which nothing was accepted means no later pass will accept
// anything either; it fails instead of looping forever.
func (c *docCursor) nextEligible(accept func(doc int) (bool, error)) (int,
	error) {
	if len(c.order) == 0 {
		return 0, configErrorf("no documents to sample from")
	}
	for {
		doc, wrapped := c.next()
		ok, err := accept(doc)
		if err != nil {
			return 0, err
		}
		if ok {
			c.accepted++
		}
		if wrapped {
			if c.accepted == 0 {
				return 0, configErrorf("none of the %d documents is "+
					"eligible for sampling", len(c.order))
			}
			c.accepted = 0
		}
		if ok {
			return doc, nil
		}
	}
}
