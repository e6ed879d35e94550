package kmedoids

import (
	"errors"
	"fmt"

	"github.com/therealutkarshpriyadarshi/kmedoids/pkg/distance"
	"github.com/therealutkarshpriyadarshi/kmedoids/pkg/partition"
)

var (
	// ErrConfiguration is wrapped by errors caused by invalid parameters.
	// It is the same value distance reports for unknown metrics.
	ErrConfiguration = distance.ErrConfiguration

	// ErrDataInvalid is wrapped by errors caused by malformed input data.
	// It is the same value partition reports.
	ErrDataInvalid = partition.ErrDataInvalid

	// ErrConsistency signals a broken refinement invariant. It is never
	// retried; the run is aborted.
	ErrConsistency = errors.New("consistency fault")
)

// ConfigError describes a rejected parameter
type ConfigError struct {
	Field  string
	Value  interface{}
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("invalid %s %v: %s", e.Field, e.Value, e.Reason)
}

func (e *ConfigError) Unwrap() error { return ErrConfiguration }

// ShapeError reports a length mismatch between two arrays that must align
type ShapeError struct {
	Op       string
	What     string
	Expected int
	Actual   int
}

func (e *ShapeError) Error() string {
	return fmt.Sprintf("%s: %s has length %d, expected %d", e.Op, e.What, e.Actual, e.Expected)
}

func (e *ShapeError) Unwrap() error { return ErrDataInvalid }

// ConsistencyError reports observations that fell outside every outcome of
// the proposal partition, usually because a distance was NaN.
type ConsistencyError struct {
	Rank      int
	Sweep     int
	Cluster   int
	Index     int // first offending local index
	Uncovered int
	Distance  float64
	Proposed  float64
}

func (e *ConsistencyError) Error() string {
	return fmt.Sprintf("rank %d sweep %d cluster %d: %d observations uncovered by proposal (first %d: distance %v, proposed %v)",
		e.Rank, e.Sweep, e.Cluster, e.Uncovered, e.Index, e.Distance, e.Proposed)
}

func (e *ConsistencyError) Unwrap() error { return ErrConsistency }
