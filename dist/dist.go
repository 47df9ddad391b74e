// Package dist holds the process-coordination primitives used to elect the
// process that builds shared state and to hold the others back until it is
// written.
package dist

import (
	"context"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

var ErrMembership = errors.New("invalid group membership")

// Group is this process's view of the job it belongs to.
//
// AllReduce sums `value` over every member of the I/O group: the processes
// that read the shared index maps. It blocks until all of them have
// contributed or ctx is done. Every member must call it the same number of
// times; processes outside the I/O group must not call it at all.
type Group interface {
	Rank() int
	LocalRank() int
	IOWorldSize() int
	IOMember() bool
	AllReduce(ctx context.Context, value int64) (int64, error)
}

// Solo is the group of a single, non-distributed process.
type Solo struct{}

func (Solo) Rank() int        { return 0 }
func (Solo) LocalRank() int   { return 0 }
func (Solo) IOWorldSize() int { return 1 }
func (Solo) IOMember() bool   { return true }

func (Solo) AllReduce(ctx context.Context, value int64) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	return value, nil
}

func validate(rank, localRank, worldSize int) error {
	if worldSize < 1 || rank < 0 || rank >= worldSize ||
		localRank < 0 || localRank > rank {
		return errors.Wrapf(ErrMembership,
			"rank %d, local rank %d, world size %d",
			rank, localRank, worldSize)
	}
	return nil
}

// ioMembers
// Returns the sorted ranks of the I/O group. No ranks means every rank of
// the job. Rank 0 leads the group and must be part of it.
func ioMembers(ioRanks []int, worldSize int) ([]int, error) {
	if len(ioRanks) == 0 {
		members := make([]int, worldSize)
		for rank := range members {
			members[rank] = rank
		}
		return members, nil
	}
	members := append([]int(nil), ioRanks...)
	sort.Ints(members)
	for idx, rank := range members {
		if rank < 0 || rank >= worldSize ||
			(idx > 0 && rank == members[idx-1]) {
			return nil, errors.Wrapf(ErrMembership,
				"I/O ranks %v of world size %d", ioRanks, worldSize)
		}
	}
	if members[0] != 0 {
		return nil, errors.Wrapf(ErrMembership,
			"I/O ranks %v do not include rank 0", ioRanks)
	}
	return members, nil
}

func contains(ranks []int, rank int) bool {
	idx := sort.SearchInts(ranks, rank)
	return idx < len(ranks) && ranks[idx] == rank
}

// ParseRanks reads a comma separated rank list such as "0,2,4".
func ParseRanks(raw string) ([]int, error) {
	var ranks []int
	for _, field := range strings.Split(raw, ",") {
		field = strings.TrimSpace(field)
		if field == "" {
			continue
		}
		rank, err := strconv.Atoi(field)
		if err != nil {
			return nil, errors.Wrapf(ErrMembership, "rank list %q", raw)
		}
		ranks = append(ranks, rank)
	}
	return ranks, nil
}

// Leave tells the group this process is done with it. Groups that keep
// rendezvous state on disk remove it once every I/O member has left.
func Leave(ctx context.Context, g Group) error {
	if l, ok := g.(interface {
		Leave(ctx context.Context) error
	}); ok {
		return l.Leave(ctx)
	}
	return nil
}

// FromEnv
// Builds the group described by the launcher environment (`RANK`,
// `LOCAL_RANK`, `WORLD_SIZE`, optionally `TORCHELASTIC_RUN_ID`). Processes
// of a multi-process job rendezvous through files under `dir`, which must be
// visible to all of them. `ioRanks` restricts the I/O group; when empty it
// is read from `IO_RANKS`, and every rank performs I/O if that is unset.
func FromEnv(dir string, ioRanks []int) (Group, error) {
	worldSize, err := envInt("WORLD_SIZE", 1)
	if err != nil {
		return nil, err
	}
	if worldSize == 1 {
		return Solo{}, nil
	}
	rank, err := envInt("RANK", -1)
	if err != nil {
		return nil, err
	}
	localRank, err := envInt("LOCAL_RANK", -1)
	if err != nil {
		return nil, err
	}
	if len(ioRanks) == 0 {
		if ioRanks, err = ParseRanks(os.Getenv("IO_RANKS")); err != nil {
			return nil, err
		}
	}
	session := os.Getenv("TORCHELASTIC_RUN_ID")
	if session == "" {
		session = "default"
	}
	return NewFileGroup(dir, session, rank, localRank, worldSize, ioRanks)
}

func envInt(name string, fallback int) (int, error) {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, errors.Wrapf(ErrMembership, "%s=%q", name, raw)
	}
	return v, nil
}
