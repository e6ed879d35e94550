package kmedoids

import (
	"encoding/json"
	"errors"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/therealutkarshpriyadarshi/kmedoids/pkg/collective"
	"github.com/therealutkarshpriyadarshi/kmedoids/pkg/distance"
)

// sixPoints is two well separated groups on a line
func sixPoints() [][]float64 {
	return [][]float64{{0}, {1}, {2}, {10}, {11}, {12}}
}

func cityblock() distance.Func {
	return distance.Batch(distance.Cityblock, 1)
}

func TestSeedIndices(t *testing.T) {
	t.Run("distinct and reproducible", func(t *testing.T) {
		for seed := int64(0); seed < 50; seed++ {
			a, fallback, err := SeedIndices(10, 4, rand.New(rand.NewSource(seed)), 1000)
			require.NoError(t, err)
			assert.False(t, fallback)
			assert.Len(t, a, 4)
			assertDistinct(t, a, 10)

			b, _, err := SeedIndices(10, 4, rand.New(rand.NewSource(seed)), 1000)
			require.NoError(t, err)
			assert.Equal(t, a, b)
		}
	})

	t.Run("k equals n", func(t *testing.T) {
		seeds, _, err := SeedIndices(5, 5, rand.New(rand.NewSource(1)), 1000)
		require.NoError(t, err)
		assertDistinct(t, seeds, 5)
	})

	t.Run("fallback after exhausted attempts", func(t *testing.T) {
		seeds, fallback, err := SeedIndices(6, 6, rand.New(rand.NewSource(1)), 0)
		require.NoError(t, err)
		assert.True(t, fallback)
		assertDistinct(t, seeds, 6)
	})

	t.Run("invalid k", func(t *testing.T) {
		rng := rand.New(rand.NewSource(1))
		before := rand.New(rand.NewSource(1)).Int63()

		_, _, err := SeedIndices(6, 7, rng, 1000)
		require.ErrorIs(t, err, ErrConfiguration)
		_, _, err = SeedIndices(6, 0, rng, 1000)
		require.ErrorIs(t, err, ErrConfiguration)

		// no draw was consumed
		assert.Equal(t, before, rng.Int63())
	})
}

func assertDistinct(t *testing.T, seeds []int, n int) {
	t.Helper()
	seen := make(map[int]bool)
	for _, s := range seeds {
		assert.GreaterOrEqual(t, s, 0)
		assert.Less(t, s, n)
		assert.False(t, seen[s], "duplicate seed %d in %v", s, seeds)
		seen[s] = true
	}
}

func TestAssignToNearestCenter(t *testing.T) {
	a, err := AssignToNearestCenter(sixPoints(), [][]float64{{0}, {10}}, cityblock())
	require.NoError(t, err)
	assert.Equal(t, []int{0, 0, 0, 1, 1, 1}, a.Labels)
	assert.Equal(t, []float64{0, 1, 2, 0, 1, 2}, a.Distances)
	assert.Equal(t, []int{0, 3}, a.CenterArgmin)
}

func TestAssignToNearestCenterTieGoesToEarlierCenter(t *testing.T) {
	a, err := AssignToNearestCenter([][]float64{{5}, {0}}, [][]float64{{4}, {6}, {4}}, cityblock())
	require.NoError(t, err)
	assert.Equal(t, []int{0, 0}, a.Labels)
	assert.Equal(t, []float64{1, 4}, a.Distances)
}

func TestAssignToNearestCenterEmptyInput(t *testing.T) {
	a, err := AssignToNearestCenter(nil, [][]float64{{0}, {1}}, cityblock())
	require.NoError(t, err)
	assert.Empty(t, a.Labels)
	assert.Empty(t, a.Distances)
	assert.Equal(t, []int{-1, -1}, a.CenterArgmin)
}

func TestAssignToNearestCenterErrors(t *testing.T) {
	_, err := AssignToNearestCenter(sixPoints(), nil, cityblock())
	require.ErrorIs(t, err, ErrConfiguration)

	short := func(X [][]float64, _ []float64) ([]float64, error) {
		return make([]float64, len(X)-1), nil
	}
	_, err = AssignToNearestCenter(sixPoints(), [][]float64{{0}}, short)
	require.ErrorIs(t, err, ErrDataInvalid)
	var shape *ShapeError
	require.True(t, errors.As(err, &shape))
	assert.Equal(t, 6, shape.Expected)
	assert.Equal(t, 5, shape.Actual)

	_, err = AssignToNearestCenter([][]float64{{0, 1}}, [][]float64{{0}}, cityblock())
	var dim *distance.DimensionError
	require.True(t, errors.As(err, &dim))
}

func TestFindClusterCenters(t *testing.T) {
	sources := [][][]float64{
		{{0}, {1}},
		{{10}},
		{{11}, {12}},
	}

	centers, err := FindClusterCenters(sources, []float64{0, 1, 0, 2, 0})
	require.NoError(t, err)
	require.Len(t, centers, 3)
	assert.Equal(t, Center{Source: 0, Index: 0, Flat: 0, Coords: []float64{0}}, centers[0])
	assert.Equal(t, Center{Source: 1, Index: 0, Flat: 2, Coords: []float64{10}}, centers[1])
	assert.Equal(t, Center{Source: 2, Index: 1, Flat: 4, Coords: []float64{12}}, centers[2])

	_, err = FindClusterCenters(sources, []float64{0, 1})
	require.ErrorIs(t, err, ErrDataInvalid)
}

func TestFindClusterCentersOnePerCluster(t *testing.T) {
	a, err := AssignToNearestCenter(sixPoints(), [][]float64{{1}, {11}}, cityblock())
	require.NoError(t, err)

	centers, err := FindClusterCenters([][][]float64{sixPoints()}, a.Distances)
	require.NoError(t, err)
	require.Len(t, centers, 2)
	assert.Equal(t, 1, centers[0].Flat)
	assert.Equal(t, 4, centers[1].Flat)
}

func TestCenterRef(t *testing.T) {
	local := Local(3)
	remote := Remote(2, 7)

	assert.False(t, local.IsRemote())
	assert.True(t, remote.IsRemote())
	assert.Equal(t, 0, local.Owner())
	assert.Equal(t, 2, remote.Owner())
	assert.Equal(t, "3", local.String())
	assert.Equal(t, "(2, 7)", remote.String())

	b, err := json.Marshal([]CenterRef{local, remote, Remote(0, 1)})
	require.NoError(t, err)
	assert.JSONEq(t, `[{"index":3},{"rank":2,"index":7},{"rank":0,"index":1}]`, string(b))

	var back []CenterRef
	require.NoError(t, json.Unmarshal(b, &back))
	assert.Equal(t, []CenterRef{local, remote, Remote(0, 1)}, back)
}

func TestResolveCost(t *testing.T) {
	c, err := ResolveCost("")
	require.NoError(t, err)
	assert.Equal(t, "meansquare", c.Name)
	assert.Equal(t, collective.OpMean, c.Reduce)
	assert.Equal(t, []float64{0, 4, 9}, c.Terms([]float64{0, 2, 3}))

	c, err = ResolveCost(" MAX ")
	require.NoError(t, err)
	assert.Equal(t, collective.OpMax, c.Reduce)

	_, err = ResolveCost("median")
	require.ErrorIs(t, err, ErrConfiguration)
	assert.Contains(t, err.Error(), "max, mean, meansquare")

	_, err = distance.Resolve("hamming", 1)
	require.ErrorIs(t, err, ErrConfiguration)

	assert.Equal(t, []string{"max", "mean", "meansquare"}, CostNames())
}
