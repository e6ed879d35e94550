package kmedoids

import (
	"sort"
	"strings"

	"github.com/therealutkarshpriyadarshi/kmedoids/pkg/collective"
)

// Cost turns a distance vector into a scalar. Each rank maps its local
// distances through Term; the terms are then reduced globally with Reduce.
type Cost struct {
	Name   string
	Term   func(d float64) float64
	Reduce collective.Op
}

var (
	// MeanSquare is the mean of squared distances
	MeanSquare = Cost{Name: "meansquare", Term: func(d float64) float64 { return d * d }, Reduce: collective.OpMean}

	// Mean is the mean distance
	Mean = Cost{Name: "mean", Term: func(d float64) float64 { return d }, Reduce: collective.OpMean}

	// Max is the largest distance
	Max = Cost{Name: "max", Term: func(d float64) float64 { return d }, Reduce: collective.OpMax}
)

var costs = map[string]Cost{
	MeanSquare.Name: MeanSquare,
	Mean.Name:       Mean,
	Max.Name:        Max,
}

// CostNames returns the registered cost names, sorted
func CostNames() []string {
	names := make([]string, 0, len(costs))
	for name := range costs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ResolveCost looks up a cost by name. An empty name selects MeanSquare.
func ResolveCost(name string) (Cost, error) {
	key := strings.ToLower(strings.TrimSpace(name))
	if key == "" {
		return MeanSquare, nil
	}
	c, ok := costs[key]
	if !ok {
		return Cost{}, &ConfigError{
			Field:  "cost",
			Value:  name,
			Reason: "valid costs are " + strings.Join(CostNames(), ", "),
		}
	}
	return c, nil
}

// Terms maps distances through the cost term
func (c Cost) Terms(distances []float64) []float64 {
	out := make([]float64, len(distances))
	for i, d := range distances {
		out[i] = c.Term(d)
	}
	return out
}
