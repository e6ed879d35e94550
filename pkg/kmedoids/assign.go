package kmedoids

import (
	"math"
	"math/rand"

	"github.com/therealutkarshpriyadarshi/kmedoids/pkg/distance"
)

// SeedIndices draws k distinct indices in [0, n). The whole draw is
// repeated until it contains no duplicates, at most maxAttempts times; after
// that a partial permutation from the same generator is returned and
// fallback is true.
func SeedIndices(n, k int, rng *rand.Rand, maxAttempts int) (seeds []int, fallback bool, err error) {
	if k < 1 {
		return nil, false, &ConfigError{Field: "k", Value: k, Reason: "must be at least 1"}
	}
	if k > n {
		return nil, false, &ConfigError{Field: "k", Value: k, Reason: "exceeds the number of observations"}
	}

	seeds = make([]int, k)
	seen := make(map[int]struct{}, k)
	for attempt := 0; attempt < maxAttempts; attempt++ {
		clear(seen)
		for i := range seeds {
			seeds[i] = rng.Intn(n)
			seen[seeds[i]] = struct{}{}
		}
		if len(seen) == k {
			return seeds, false, nil
		}
	}

	return rng.Perm(n)[:k], true, nil
}

// Assignment is the output of AssignToNearestCenter
type Assignment struct {
	// CenterArgmin holds, per center, the index of its closest
	// observation (-1 when there are no observations)
	CenterArgmin []int
	Labels       []int
	Distances    []float64
}

// AssignToNearestCenter labels every row of X with its nearest center.
// Centers are visited in order and a later center only wins when strictly
// closer, so ties go to the earlier center.
func AssignToNearestCenter(X [][]float64, centers [][]float64, metric distance.Func) (*Assignment, error) {
	if len(centers) == 0 {
		return nil, &ConfigError{Field: "centers", Value: 0, Reason: "at least one center is required"}
	}

	a := &Assignment{
		CenterArgmin: make([]int, len(centers)),
		Labels:       make([]int, len(X)),
		Distances:    make([]float64, len(X)),
	}
	for i := range a.Distances {
		a.Distances[i] = math.Inf(1)
	}

	for c, center := range centers {
		d, err := metric(X, center)
		if err != nil {
			return nil, err
		}
		if len(d) != len(X) {
			return nil, &ShapeError{Op: "assign", What: "distance output", Expected: len(X), Actual: len(d)}
		}

		argmin := -1
		for i, v := range d {
			if v < a.Distances[i] {
				a.Distances[i] = v
				a.Labels[i] = c
			}
			if argmin < 0 || v < d[argmin] {
				argmin = i
			}
		}
		a.CenterArgmin[c] = argmin
	}

	return a, nil
}

// Center is an observation found at zero distance from its medoid
type Center struct {
	Source int
	Index  int
	Flat   int
	Coords []float64
}

// FindClusterCenters returns every observation whose distance is exactly
// zero, in flat order. distances indexes the concatenation of sources.
func FindClusterCenters(sources [][][]float64, distances []float64) ([]Center, error) {
	total := 0
	for _, s := range sources {
		total += len(s)
	}
	if total != len(distances) {
		return nil, &ShapeError{Op: "find cluster centers", What: "distances", Expected: total, Actual: len(distances)}
	}

	var centers []Center
	flat := 0
	for s, rows := range sources {
		for i, row := range rows {
			if distances[flat] == 0 {
				centers = append(centers, Center{Source: s, Index: i, Flat: flat, Coords: row})
			}
			flat++
		}
	}
	return centers, nil
}
