package kmedoids

import (
	"fmt"
	"math"

	"github.com/therealutkarshpriyadarshi/kmedoids/pkg/partition"
)

// ClusterResult is the state of a finished run on one rank. Assignments
// and Distances cover the rank's own observations; CenterIndices and
// Centers are identical on every rank.
type ClusterResult struct {
	CenterIndices []CenterRef  `json:"center_indices"`
	Assignments   []int        `json:"assignments"`
	Distances     []float64    `json:"distances"`
	Centers       [][]float64  `json:"centers"`
	InitialCost   float64      `json:"initial_cost"`
	Cost          float64      `json:"cost"`
	Sweeps        []SweepStats `json:"sweeps"`
	// RankLengths is the number of observations held by each rank, in
	// rank order
	RankLengths []int `json:"rank_lengths"`
}

// Result snapshots the engine state. It returns nil before Init.
func (e *Engine) Result() *ClusterResult {
	if !e.started {
		return nil
	}

	centers := make([][]float64, len(e.medoids))
	for i, m := range e.medoids {
		centers[i] = append([]float64(nil), m...)
	}
	return &ClusterResult{
		CenterIndices: append([]CenterRef(nil), e.refs...),
		Assignments:   append([]int(nil), e.labels...),
		Distances:     append([]float64(nil), e.distances...),
		Centers:       centers,
		InitialCost:   e.initialCost,
		Cost:          e.cost,
		Sweeps:        append([]SweepStats(nil), e.sweeps...),
		RankLengths:   append([]int(nil), e.rankLengths...),
	}
}

// GlobalIndex converts a reference into an index over the concatenation
// of every rank's observations
func (r *ClusterResult) GlobalIndex(ref CenterRef) int {
	if !ref.IsRemote() {
		return ref.Index
	}
	return partition.Offsets(r.RankLengths)[ref.Rank] + ref.Index
}

// CenterLocations maps every medoid onto the source it came from. lengths
// are the full source lengths of the whole dataset, not of one rank's
// block, so medoids owned by any rank resolve to their true frame.
func (r *ClusterResult) CenterLocations(lengths []int) ([]partition.Location, error) {
	global := make([]int, len(r.CenterIndices))
	for i, ref := range r.CenterIndices {
		if ref.IsRemote() && (ref.Rank < 0 || ref.Rank >= len(r.RankLengths)) {
			return nil, fmt.Errorf("%w: center %d references rank %d of %d",
				ErrDataInvalid, i, ref.Rank, len(r.RankLengths))
		}
		global[i] = r.GlobalIndex(ref)
	}
	return partition.Indices(global, lengths)
}

// Partition splits the flat assignment and distance vectors back into one
// row per source. Padding holds -1 for assignments and NaN for distances.
func (r *ClusterResult) Partition(lengths []int) (*partition.Masked[int], *partition.Masked[float64], error) {
	assignments, err := partition.List(r.Assignments, lengths, -1)
	if err != nil {
		return nil, nil, err
	}
	distances, err := partition.List(r.Distances, lengths, math.NaN())
	if err != nil {
		return nil, nil, err
	}
	return assignments, distances, nil
}
