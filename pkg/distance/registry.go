package distance

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

var (
	// ErrConfiguration is wrapped by errors caused by invalid parameters.
	// kmedoids reports the same value.
	ErrConfiguration = errors.New("invalid configuration")

	// ErrUnknownMetric is wrapped by UnknownMetricError.
	ErrUnknownMetric = errors.New("unknown distance metric")
)

// UnknownMetricError names an unresolvable metric and the recognised ones.
type UnknownMetricError struct {
	Name  string
	Known []string
}

func (e *UnknownMetricError) Error() string {
	return fmt.Sprintf("'%s' is not a recognized metric (valid: %s)", e.Name, strings.Join(e.Known, ", "))
}

func (e *UnknownMetricError) Unwrap() []error {
	return []error{ErrUnknownMetric, ErrConfiguration}
}

var builtins = map[string]Pairwise{
	"euclidean":   Euclidean,
	"sqeuclidean": SquaredEuclidean,
	"cityblock":   Cityblock,
	"manhattan":   Cityblock,
	"chebyshev":   Chebyshev,
	"cosine":      Cosine,
	"rmsd":        RMSD,
	"absolute":    Absolute,
}

// Names returns the recognised metric names in sorted order.
func Names() []string {
	names := make([]string, 0, len(builtins))
	for name := range builtins {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Lookup returns the pairwise kernel registered under name.
func Lookup(name string) (Pairwise, error) {
	pair, ok := builtins[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return nil, &UnknownMetricError{Name: name, Known: Names()}
	}
	return pair, nil
}

// Resolve returns the batched form of the metric registered under name.
func Resolve(name string, workers int) (Func, error) {
	pair, err := Lookup(name)
	if err != nil {
		return nil, err
	}
	return Batch(pair, workers), nil
}
