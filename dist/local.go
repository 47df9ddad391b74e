package dist

import (
	"context"
	"sync"

	"github.com/pkg/errors"
)

// LocalGroup runs a whole job inside one process, one goroutine per member.
// It backs tests and single-host tools that fan work out over goroutines.
type LocalGroup struct {
	mu    sync.Mutex
	io    []int
	round *round
}

type round struct {
	sum     int64
	arrived int
	done    chan struct{}
}

type localMember struct {
	group     *LocalGroup
	rank      int
	localRank int
}

// NewLocalGroup
// Returns the members of a job of `size` processes spread over nodes of
// `perNode` processes each, ordered by rank. Every member performs I/O.
func NewLocalGroup(size, perNode int) []Group {
	io, _ := ioMembers(nil, size)
	return newLocalGroup(size, perNode, io)
}

// NewLocalIOGroup is NewLocalGroup with only `ioRanks` in the I/O group.
func NewLocalIOGroup(size, perNode int, ioRanks []int) ([]Group, error) {
	io, err := ioMembers(ioRanks, size)
	if err != nil {
		return nil, err
	}
	return newLocalGroup(size, perNode, io), nil
}

func newLocalGroup(size, perNode int, io []int) []Group {
	if perNode <= 0 {
		perNode = size
	}
	g := &LocalGroup{io: io, round: &round{done: make(chan struct{})}}
	members := make([]Group, size)
	for rank := range members {
		members[rank] = &localMember{group: g, rank: rank,
			localRank: rank % perNode}
	}
	return members
}

func (m *localMember) Rank() int        { return m.rank }
func (m *localMember) LocalRank() int   { return m.localRank }
func (m *localMember) IOWorldSize() int { return len(m.group.io) }
func (m *localMember) IOMember() bool   { return contains(m.group.io, m.rank) }

// AllReduce contributes to the current round. A member that gives up on ctx
// keeps its contribution in the round.
func (m *localMember) AllReduce(ctx context.Context, value int64) (int64,
	error) {
	if !m.IOMember() {
		return 0, errors.Wrapf(ErrMembership,
			"rank %d is not in the I/O group %v", m.rank, m.group.io)
	}
	g := m.group
	g.mu.Lock()
	r := g.round
	r.sum += value
	r.arrived++
	if r.arrived == len(g.io) {
		g.round = &round{done: make(chan struct{})}
		close(r.done)
	}
	g.mu.Unlock()

	select {
	case <-r.done:
		return r.sum, nil
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}
