package dataset

import (
	"context"

	"github.com/pkg/errors"
	"github.com/vaseramin777/gpt-neox/dist"
)

// Elect reports whether this process builds the index maps: global rank 0
// when every process sees the same filesystem, otherwise local rank 0 of
// each machine. It is also the process that may remove them.
func Elect(group dist.Group, sharedFS bool) bool {
	if sharedFS {
		return group.Rank() == 0
	}
	return group.LocalRank() == 0
}

// barrier blocks until every process of the I/O group has contributed.
// Ready processes contribute 1, a builder that failed contributes 0, so the
// sum only equals the group size when the index maps are complete.
func barrier(ctx context.Context, group dist.Group, contribution int64) error {
	sum, err := group.AllReduce(ctx, contribution)
	if err != nil {
		return errors.Wrapf(ErrCoordination, "rank %d: %v", group.Rank(), err)
	}
	if sum != int64(group.IOWorldSize()) {
		return errors.Wrapf(ErrCoordination,
			"rank %d: only %d of %d processes are ready", group.Rank(), sum,
			group.IOWorldSize())
	}
	return nil
}
