package distributed

import (
	"context"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/jmorganca/zoo/ml"
)

// Local is one member of an in-process group.
type Local struct {
	rank int
	rv   *rendezvous
	seq  atomic.Uint64
}

// NewLocal returns the members of a group of the given size, indexed by rank.
func NewLocal(world int) []*Local {
	rv := newRendezvous(world)
	members := make([]*Local, world)
	for i := range members {
		members[i] = &Local{rank: i, rv: rv}
	}

	return members
}

func (l *Local) Rank() int      { return l.rank }
func (l *Local) WorldSize() int { return l.rv.world }

func (l *Local) AllGather(ctx context.Context, ts []*ml.Tensor) ([][]*ml.Tensor, error) {
	return l.rv.gather(ctx, l.seq.Add(1), l.rank, ts)
}

// Run calls fn once per rank of a fresh in-process group and waits for all
// of them. The first error cancels the others.
func Run(ctx context.Context, world int, fn func(context.Context, Group) error) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, member := range NewLocal(world) {
		g.Go(func() error {
			return fn(ctx, member)
		})
	}

	return g.Wait()
}
