package collective

import (
	"context"
	"fmt"
)

// Local is the single-process communicator: rank 0 of a world of one
type Local struct{}

// NewLocal creates a single-process communicator
func NewLocal() *Local {
	return &Local{}
}

func (*Local) Rank() int         { return 0 }
func (*Local) Size() int         { return 1 }
func (*Local) Distributed() bool { return false }

func (*Local) Broadcast(ctx context.Context, root int, values []float64, ints []int64) ([]float64, []int64, error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}
	if root != 0 {
		return nil, nil, fmt.Errorf("broadcast root %d in a world of 1: %w", root, ErrProtocol)
	}
	return append([]float64(nil), values...), append([]int64(nil), ints...), nil
}

func (*Local) Allgather(ctx context.Context, ints []int64) ([][]int64, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return [][]int64{append([]int64{}, ints...)}, nil
}

func (*Local) Reduce(ctx context.Context, p Partial, _ Op) (Partial, error) {
	if err := ctx.Err(); err != nil {
		return Partial{}, err
	}
	return p, nil
}

// Abort has no peers to notify
func (*Local) Abort(context.Context, error) error { return nil }

func (*Local) Close() error { return nil }
