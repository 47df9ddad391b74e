// Package indexed provides document stores: per-document token (or value)
// arrays addressed by document id. Dataset reads Megatron-style `.bin`/`.idx`
// pairs through read-only memory maps; MemStore keeps documents in memory.
package indexed

import (
	"github.com/pkg/errors"
)

var (
	ErrRange  = errors.New("document range out of bounds")
	ErrFormat = errors.New("invalid indexed dataset")
)

// Store is the contract every document store satisfies. `length < 0` means
// "until the end of the document". Returned slices must not be modified.
type Store interface {
	// Len returns the number of documents.
	Len() int
	// Sizes returns the length of every document, indexed by document id.
	Sizes() []int32
	// Tokens returns `length` integer elements of document `doc` starting at
	// `offset`.
	Tokens(doc, offset, length int) ([]int32, error)
	// Values is Tokens for real-valued channels such as rewards.
	Values(doc, offset, length int) ([]float32, error)
}

// Get returns a whole document.
func Get(s Store, doc int) ([]int32, error) {
	return s.Tokens(doc, 0, -1)
}

// GetFrom returns the suffix of a document starting at `offset`.
func GetFrom(s Store, doc, offset int) ([]int32, error) {
	return s.Tokens(doc, offset, -1)
}

// GetPrefix returns the first `length` elements of a document.
func GetPrefix(s Store, doc, length int) ([]int32, error) {
	return s.Tokens(doc, 0, length)
}

// LastValue returns the final element of a document, the only meaningful
// position of a reward channel.
func LastValue(s Store, doc int) (float32, error) {
	size, err := docSize(s.Sizes(), doc)
	if err != nil {
		return 0, err
	}
	if size == 0 {
		return 0, errors.Wrapf(ErrRange, "document %d is empty", doc)
	}
	values, err := s.Values(doc, size-1, 1)
	if err != nil {
		return 0, err
	}
	return values[0], nil
}

func docSize(sizes []int32, doc int) (int, error) {
	if doc < 0 || doc >= len(sizes) {
		return 0, errors.Wrapf(ErrRange, "document %d not in [0, %d)",
			doc, len(sizes))
	}
	return int(sizes[doc]), nil
}

// span resolves (offset, length) against a document of `size` elements.
func span(doc, size, offset, length int) (start, end int, err error) {
	if length < 0 {
		length = size - offset
	}
	if offset < 0 || length < 0 || offset+length > size {
		return 0, 0, errors.Wrapf(ErrRange,
			"document %d: offset %d length %d exceeds size %d",
			doc, offset, length, size)
	}
	return offset, offset + length, nil
}

// MemStore is an in-memory Store.
type MemStore struct {
	sizes  []int32
	tokens [][]int32
	values [][]float32
}

// FromTokens builds a MemStore holding integer documents.
func FromTokens(docs ...[]int32) *MemStore {
	s := &MemStore{sizes: make([]int32, len(docs)), tokens: docs}
	for idx, doc := range docs {
		s.sizes[idx] = int32(len(doc))
	}
	return s
}

// FromValues builds a MemStore holding real-valued documents.
func FromValues(docs ...[]float32) *MemStore {
	s := &MemStore{sizes: make([]int32, len(docs)), values: docs}
	for idx, doc := range docs {
		s.sizes[idx] = int32(len(doc))
	}
	return s
}

func (s *MemStore) Len() int {
	return len(s.sizes)
}

func (s *MemStore) Sizes() []int32 {
	return s.sizes
}

func (s *MemStore) Tokens(doc, offset, length int) ([]int32, error) {
	size, err := docSize(s.sizes, doc)
	if err != nil {
		return nil, err
	}
	start, end, err := span(doc, size, offset, length)
	if err != nil {
		return nil, err
	}
	if s.tokens != nil {
		return s.tokens[doc][start:end], nil
	}
	out := make([]int32, end-start)
	for idx, v := range s.values[doc][start:end] {
		out[idx] = int32(v)
	}
	return out, nil
}

func (s *MemStore) Values(doc, offset, length int) ([]float32, error) {
	size, err := docSize(s.sizes, doc)
	if err != nil {
		return nil, err
	}
	start, end, err := span(doc, size, offset, length)
	if err != nil {
		return nil, err
	}
	if s.values != nil {
		return s.values[doc][start:end], nil
	}
	out := make([]float32, end-start)
	for idx, v := range s.tokens[doc][start:end] {
		out[idx] = float32(v)
	}
	return out, nil
}
