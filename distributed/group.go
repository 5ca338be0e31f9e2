// Package distributed gathers tensors across the workers of a group.
//
// Every worker must issue the same collective calls in the same order; a
// worker that skips a call leaves the others blocked until their context
// is cancelled.
package distributed

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/jmorganca/zoo/ml"
)

var (
	ErrNotInitialized = errors.New("distributed: process group not initialized")
	ErrRank           = errors.New("distributed: invalid rank")
)

type Group interface {
	Rank() int
	WorldSize() int

	// AllGather contributes ts and returns the contribution of every
	// worker in rank order. Workers may contribute lists of different
	// lengths.
	AllGather(ctx context.Context, ts []*ml.Tensor) ([][]*ml.Tensor, error)
}

// round collects one collective call from every rank.
type round struct {
	parts   [][]*ml.Tensor
	seen    []bool
	count   int
	readers int
	done    chan struct{}
}

// rendezvous matches the n-th call of every rank.
type rendezvous struct {
	world int

	mu     sync.Mutex
	rounds map[uint64]*round
}

func newRendezvous(world int) *rendezvous {
	return &rendezvous{world: world, rounds: make(map[uint64]*round)}
}

func (r *rendezvous) gather(ctx context.Context, seq uint64, rank int, ts []*ml.Tensor) ([][]*ml.Tensor, error) {
	if rank < 0 || rank >= r.world {
		return nil, fmt.Errorf("%w: %d not in [0, %d)", ErrRank, rank, r.world)
	}

	r.mu.Lock()
	rd, ok := r.rounds[seq]
	if !ok {
		rd = &round{
			parts: make([][]*ml.Tensor, r.world),
			seen:  make([]bool, r.world),
			done:  make(chan struct{}),
		}
		r.rounds[seq] = rd
	}

	if rd.seen[rank] {
		r.mu.Unlock()
		return nil, fmt.Errorf("%w: rank %d joined call %d twice", ErrRank, rank, seq)
	}

	rd.parts[rank] = ts
	rd.seen[rank] = true
	rd.count++
	if rd.count == r.world {
		close(rd.done)
	}
	r.mu.Unlock()

	select {
	case <-rd.done:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	rd.readers++
	if rd.readers == r.world {
		delete(r.rounds, seq)
	}

	parts := make([][]*ml.Tensor, len(rd.parts))
	copy(parts, rd.parts)
	return parts, nil
}
