package distance

import (
	"golang.org/x/sync/errgroup"
)

// minParallelRows is the smallest input that is split across workers.
const minParallelRows = 4096

// Batch lifts a pairwise kernel to the batched contract. With workers > 1
// large inputs are split into contiguous chunks evaluated concurrently;
// every chunk writes a disjoint range of the output, so the result does
// not depend on scheduling.
func Batch(pair Pairwise, workers int) Func {
	return func(X [][]float64, ref []float64) ([]float64, error) {
		for i, row := range X {
			if len(row) != len(ref) {
				return nil, &DimensionError{Index: i, Expected: len(ref), Actual: len(row)}
			}
		}

		out := make([]float64, len(X))
		if workers <= 1 || len(X) < minParallelRows {
			for i, row := range X {
				out[i] = pair(row, ref)
			}
			return out, nil
		}

		chunk := (len(X) + workers - 1) / workers
		var g errgroup.Group
		g.SetLimit(workers)
		for start := 0; start < len(X); start += chunk {
			end := min(start+chunk, len(X))
			g.Go(func() error {
				for i := start; i < end; i++ {
					out[i] = pair(X[i], ref)
				}
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return nil, err
		}
		return out, nil
	}
}
