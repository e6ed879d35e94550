// Package distance provides the distance oracle used by the clustering
// engine: pairwise kernels, a batched form that measures a whole dataset
// against one reference observation, and a small table of named metrics.
package distance

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
)

// Pairwise computes the distance between two observations of equal length.
type Pairwise func(a, b []float64) float64

// Func is the batched distance contract: one non-negative distance per
// row of X, measured against ref.
type Func func(X [][]float64, ref []float64) ([]float64, error)

// DimensionError reports an observation whose length differs from the
// reference it is measured against.
type DimensionError struct {
	Index    int
	Expected int
	Actual   int
}

func (e *DimensionError) Error() string {
	return fmt.Sprintf("observation %d has dimension %d, reference has %d", e.Index, e.Actual, e.Expected)
}

// Euclidean is the L2 distance.
func Euclidean(a, b []float64) float64 {
	return floats.Distance(a, b, 2)
}

// SquaredEuclidean is the L2 distance without the square root.
func SquaredEuclidean(a, b []float64) float64 {
	var sum float64
	for i := range a {
		diff := a[i] - b[i]
		sum += diff * diff
	}
	return sum
}

// Cityblock is the L1 (Manhattan) distance.
func Cityblock(a, b []float64) float64 {
	return floats.Distance(a, b, 1)
}

// Chebyshev is the L-infinity distance.
func Chebyshev(a, b []float64) float64 {
	return floats.Distance(a, b, math.Inf(1))
}

// Cosine returns 1 - cosine similarity. A zero vector is maximally
// distant from everything except another zero vector.
func Cosine(a, b []float64) float64 {
	normA := floats.Norm(a, 2)
	normB := floats.Norm(b, 2)
	if normA == 0 || normB == 0 {
		if normA == normB {
			return 0
		}
		return 1
	}
	d := 1 - floats.Dot(a, b)/(normA*normB)
	// rounding can push identical directions slightly below zero
	if d < 0 {
		return 0
	}
	return d
}

// RMSD treats each observation as a flattened (atoms x 3) coordinate block
// and returns the root mean square deviation between the two blocks
// without superposition. Inputs whose length is not a multiple of 3 are
// treated as single-component points.
func RMSD(a, b []float64) float64 {
	if len(a) == 0 {
		return 0
	}
	atoms := len(a) / 3
	if atoms == 0 || len(a)%3 != 0 {
		atoms = len(a)
	}
	return math.Sqrt(SquaredEuclidean(a, b) / float64(atoms))
}

// Absolute is the one-dimensional |a-b| distance generalised to vectors
// as the L1 distance; it exists for scalar datasets.
func Absolute(a, b []float64) float64 {
	return Cityblock(a, b)
}
