// Package collective provides the synchronous operations ranks use to keep
// their replicated clustering state identical: broadcasting one
// observation, choosing uniformly over a subset spread across ranks, and
// reducing per-rank values to one global scalar.
//
// Every rank must call the same operations in the same order. A
// Communicator is either Local (one process, every operation degenerates
// to local work) or Remote (ranks meet at a coordinator).
package collective

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"strings"

	"github.com/therealutkarshpriyadarshi/kmedoids/pkg/api/grpc/wire"
	"gonum.org/v1/gonum/floats"
)

var (
	// ErrProtocol is returned when ranks disagree about a collective round
	ErrProtocol = errors.New("collective protocol violation")

	// ErrAborted is returned once any rank has aborted the job
	ErrAborted = errors.New("collective aborted")

	// ErrEmptyReduce is returned by Result for order statistics over no values
	ErrEmptyReduce = errors.New("reduction over zero values")
)

// Op is a commutative, associative reduction
type Op int

const (
	OpSum Op = iota + 1
	OpMean
	OpMin
	OpMax
)

func (o Op) String() string {
	switch o {
	case OpSum:
		return "sum"
	case OpMean:
		return "mean"
	case OpMin:
		return "min"
	case OpMax:
		return "max"
	default:
		return fmt.Sprintf("op(%d)", int(o))
	}
}

// ParseOp resolves an operation name
func ParseOp(name string) (Op, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "sum":
		return OpSum, nil
	case "mean":
		return OpMean, nil
	case "min":
		return OpMin, nil
	case "max":
		return OpMax, nil
	}
	return 0, fmt.Errorf("unknown reduction %q (valid: sum, mean, min, max)", name)
}

// Partial summarises one rank's values. Partials merge without loss for
// every Op, so ranks exchange four numbers instead of their vectors.
type Partial struct {
	Count int64
	Sum   float64
	Min   float64
	Max   float64
}

// Summarize builds the partial for values
func Summarize(values []float64) Partial {
	if len(values) == 0 {
		return Partial{Min: math.Inf(1), Max: math.Inf(-1)}
	}
	return Partial{
		Count: int64(len(values)),
		Sum:   floats.Sum(values),
		Min:   floats.Min(values),
		Max:   floats.Max(values),
	}
}

// Merge combines two partials
func (p Partial) Merge(o Partial) Partial {
	return Partial{
		Count: p.Count + o.Count,
		Sum:   p.Sum + o.Sum,
		Min:   math.Min(p.Min, o.Min),
		Max:   math.Max(p.Max, o.Max),
	}
}

// Result evaluates op over the summarised values
func (p Partial) Result(op Op) (float64, error) {
	switch op {
	case OpSum:
		return p.Sum, nil
	case OpMean:
		if p.Count == 0 {
			return 0, fmt.Errorf("mean: %w", ErrEmptyReduce)
		}
		return p.Sum / float64(p.Count), nil
	case OpMin:
		if p.Count == 0 {
			return 0, fmt.Errorf("min: %w", ErrEmptyReduce)
		}
		return p.Min, nil
	case OpMax:
		if p.Count == 0 {
			return 0, fmt.Errorf("max: %w", ErrEmptyReduce)
		}
		return p.Max, nil
	}
	return 0, fmt.Errorf("unsupported reduction %s", op)
}

// Wire converts the partial to its wire message
func (p Partial) Wire() *wire.Partial {
	return &wire.Partial{Count: p.Count, Sum: p.Sum, Min: p.Min, Max: p.Max}
}

// PartialFromWire converts a wire message back into a Partial
func PartialFromWire(w *wire.Partial) Partial {
	if w == nil {
		return Summarize(nil)
	}
	return Partial{Count: w.Count, Sum: w.Sum, Min: w.Min, Max: w.Max}
}

// Communicator is the set of primitives the clustering engine builds on.
// Implementations are selected once at construction.
type Communicator interface {
	// Rank returns this process's rank in [0, Size())
	Rank() int
	// Size returns the number of ranks
	Size() int
	// Distributed reports whether data is spread over more than one process
	Distributed() bool

	// Broadcast returns root's values and ints on every rank. Non-root
	// arguments are ignored.
	Broadcast(ctx context.Context, root int, values []float64, ints []int64) ([]float64, []int64, error)
	// Allgather returns every rank's ints, indexed by rank
	Allgather(ctx context.Context, ints []int64) ([][]int64, error)
	// Reduce merges every rank's partial
	Reduce(ctx context.Context, p Partial, op Op) (Partial, error)

	// Abort fails the job on every rank
	Abort(ctx context.Context, cause error) error
	Close() error
}

// BroadcastObservation returns the row owned by owner at localIndex on
// every rank. The result is a copy.
func BroadcastObservation(ctx context.Context, comm Communicator, data [][]float64, owner, localIndex int) ([]float64, error) {
	if !comm.Distributed() {
		if localIndex < 0 || localIndex >= len(data) {
			return nil, fmt.Errorf("broadcast observation: index %d out of range [0, %d)", localIndex, len(data))
		}
		return append([]float64(nil), data[localIndex]...), nil
	}

	var row []float64
	if comm.Rank() == owner {
		if localIndex < 0 || localIndex >= len(data) {
			return nil, fmt.Errorf("broadcast observation: rank %d has no index %d (holds %d)", owner, localIndex, len(data))
		}
		row = data[localIndex]
	}

	values, _, err := comm.Broadcast(ctx, owner, row, nil)
	if err != nil {
		return nil, fmt.Errorf("broadcast observation from rank %d: %w", owner, err)
	}
	return values, nil
}

// UniformChoice draws one element uniformly from the union of every
// rank's subset. A rank is selected with probability proportional to its
// subset size, then an element uniformly within it. All ranks must pass
// identically seeded generators; they return the same (rank, index).
//
// ok is false when the union is empty; no random draw is consumed then.
func UniformChoice(ctx context.Context, comm Communicator, subset []int, rng *rand.Rand) (rank, index int, ok bool, err error) {
	if !comm.Distributed() {
		if len(subset) == 0 {
			return 0, 0, false, nil
		}
		return comm.Rank(), subset[rng.Intn(len(subset))], true, nil
	}

	sizes, err := comm.Allgather(ctx, []int64{int64(len(subset))})
	if err != nil {
		return 0, 0, false, fmt.Errorf("uniform choice: gather sizes: %w", err)
	}

	var total int64
	for r, s := range sizes {
		if len(s) != 1 || s[0] < 0 {
			return 0, 0, false, fmt.Errorf("uniform choice: rank %d reported size %v: %w", r, s, ErrProtocol)
		}
		total += s[0]
	}
	if total == 0 {
		return 0, 0, false, nil
	}

	t := int64(rng.Intn(int(total)))
	owner, offset := 0, t
	for r, s := range sizes {
		if offset < s[0] {
			owner = r
			break
		}
		offset -= s[0]
	}

	var payload []int64
	if comm.Rank() == owner {
		payload = []int64{int64(subset[offset])}
	}
	_, ints, err := comm.Broadcast(ctx, owner, nil, payload)
	if err != nil {
		return 0, 0, false, fmt.Errorf("uniform choice: broadcast from rank %d: %w", owner, err)
	}
	if len(ints) != 1 {
		return 0, 0, false, fmt.Errorf("uniform choice: rank %d sent %d indices: %w", owner, len(ints), ErrProtocol)
	}
	return owner, int(ints[0]), true, nil
}

// GlobalReduce applies op over the values of every rank
func GlobalReduce(ctx context.Context, comm Communicator, values []float64, op Op) (float64, error) {
	merged, err := comm.Reduce(ctx, Summarize(values), op)
	if err != nil {
		return 0, fmt.Errorf("global %s: %w", op, err)
	}
	return merged.Result(op)
}
