package kmedoids

import (
	"bytes"
	"context"
	"errors"
	"math"
	"math/rand"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/therealutkarshpriyadarshi/kmedoids/pkg/distance"
	"github.com/therealutkarshpriyadarshi/kmedoids/pkg/observability"
	"github.com/therealutkarshpriyadarshi/kmedoids/pkg/partition"
)

func testConfig(k, iterations int, seed int64) Config {
	cfg := DefaultConfig()
	cfg.K = k
	cfg.Iterations = iterations
	cfg.Seed = seed
	return cfg
}

// sameLabel reports whether every index in group carries one label
func sameLabel(labels []int, group ...int) bool {
	for _, i := range group[1:] {
		if labels[i] != labels[group[0]] {
			return false
		}
	}
	return true
}

func TestConfigValidate(t *testing.T) {
	require.NoError(t, DefaultConfig().Validate())

	cfg := DefaultConfig()
	cfg.K = 0
	require.ErrorIs(t, cfg.Validate(), ErrConfiguration)

	cfg = DefaultConfig()
	cfg.Iterations = -1
	require.ErrorIs(t, cfg.Validate(), ErrConfiguration)

	cfg = DefaultConfig()
	cfg.Cost = Cost{}
	require.ErrorIs(t, cfg.Validate(), ErrConfiguration)

	_, err := New(DefaultConfig(), nil)
	require.ErrorIs(t, err, ErrConfiguration)
}

func TestFitSeparatesTwoGroups(t *testing.T) {
	for seed := int64(0); seed < 20; seed++ {
		res, err := Fit(context.Background(), sixPoints(), cityblock(), testConfig(2, 30, seed))
		require.NoError(t, err, "seed %d", seed)

		assert.True(t, sameLabel(res.Assignments, 0, 1, 2), "seed %d: %v", seed, res.Assignments)
		assert.True(t, sameLabel(res.Assignments, 3, 4, 5), "seed %d: %v", seed, res.Assignments)
		assert.NotEqual(t, res.Assignments[0], res.Assignments[3], "seed %d", seed)

		// the middle of each group is the only strict improvement
		assert.ElementsMatch(t, []CenterRef{Local(1), Local(4)}, res.CenterIndices, "seed %d", seed)
		assert.InDelta(t, 4.0/6.0, res.Cost, 1e-12)
		assert.LessOrEqual(t, res.Cost, res.InitialCost)
		assert.Len(t, res.Sweeps, 30)
	}
}

// Five sweeps usually separate the groups but not for every seed, so only
// the invariants are asserted here.
func TestFiveSweepsKeepInvariants(t *testing.T) {
	data := sixPoints()
	metric := cityblock()
	separated := 0
	for seed := int64(0); seed < 100; seed++ {
		res, err := Fit(context.Background(), data, metric, testConfig(2, 5, seed))
		require.NoError(t, err, "seed %d", seed)
		require.Len(t, res.Sweeps, 5)
		assert.LessOrEqual(t, res.Cost, res.InitialCost, "seed %d", seed)

		for i, label := range res.Assignments {
			d, err := metric([][]float64{data[i]}, res.Centers[label])
			require.NoError(t, err)
			assert.Equal(t, d[0], res.Distances[i], "seed %d observation %d", seed, i)
			for _, center := range res.Centers {
				other, err := metric([][]float64{data[i]}, center)
				require.NoError(t, err)
				assert.LessOrEqual(t, res.Distances[i], other[0], "seed %d observation %d", seed, i)
			}
		}

		if sameLabel(res.Assignments, 0, 1, 2) && sameLabel(res.Assignments, 3, 4, 5) &&
			res.Assignments[0] != res.Assignments[3] {
			separated++
		}
	}
	assert.Greater(t, separated, 90)
}

func TestFitResultInvariants(t *testing.T) {
	data := randomData(60, 3, 7)
	metric := cityblock()

	res, err := Fit(context.Background(), data, metric, testConfig(4, 5, 3))
	require.NoError(t, err)

	require.Len(t, res.Assignments, len(data))
	require.Len(t, res.Distances, len(data))
	require.Len(t, res.CenterIndices, 4)
	require.Len(t, res.Centers, 4)
	assert.Equal(t, []int{len(data)}, res.RankLengths)

	seen := make(map[int]bool)
	for c, ref := range res.CenterIndices {
		assert.False(t, ref.IsRemote())
		assert.False(t, seen[ref.Index], "medoid %d repeated", ref.Index)
		seen[ref.Index] = true
		assert.Equal(t, data[ref.Index], res.Centers[c])
	}

	for i, label := range res.Assignments {
		require.GreaterOrEqual(t, label, 0)
		require.Less(t, label, 4)
		d, err := metric([][]float64{data[i]}, res.Centers[label])
		require.NoError(t, err)
		assert.Equal(t, d[0], res.Distances[i], "observation %d", i)
		assert.GreaterOrEqual(t, res.Distances[i], 0.0)
	}
}

func TestSweepCostNeverIncreases(t *testing.T) {
	data := randomData(40, 2, 11)

	for seed := int64(0); seed < 10; seed++ {
		e, err := New(testConfig(3, 0, seed), distance.Batch(distance.SquaredEuclidean, 1))
		require.NoError(t, err)
		require.NoError(t, e.Init(context.Background(), data))

		prev := e.Cost()
		for i := 0; i < 8; i++ {
			stats, err := e.Sweep(context.Background())
			require.NoError(t, err)
			assert.Equal(t, i, stats.Sweep)
			assert.LessOrEqual(t, stats.Cost, prev, "seed %d sweep %d", seed, i)
			assert.Equal(t, stats.Proposed+stats.Skipped, 3)
			assert.InDelta(t, float64(stats.Accepted)/3, stats.AcceptanceRate, 1e-12)
			prev = stats.Cost
		}
		assert.Len(t, e.Sweeps(), 8)
	}
}

func TestReproposingTheMedoidIsRejected(t *testing.T) {
	e, err := New(testConfig(1, 0, 1), cityblock())
	require.NoError(t, err)
	require.NoError(t, e.Init(context.Background(), [][]float64{{5}}))

	stats, err := e.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Proposed)
	assert.Equal(t, 0, stats.Accepted)
	assert.Equal(t, []CenterRef{Local(0)}, e.Centers())
	assert.Equal(t, 0.0, e.Cost())
}

func TestIdenticalCandidateIsRejected(t *testing.T) {
	e, err := New(testConfig(1, 0, 4), cityblock())
	require.NoError(t, err)
	require.NoError(t, e.Init(context.Background(), [][]float64{{2}, {2}}))
	before := e.Centers()

	for i := 0; i < 5; i++ {
		stats, err := e.Sweep(context.Background())
		require.NoError(t, err)
		assert.Zero(t, stats.Accepted)
	}
	assert.Equal(t, before, e.Centers())
}

func TestInitSnapsToFirstExactMember(t *testing.T) {
	// duplicates of every point: whichever copy is drawn, the medoid
	// moves onto the first copy carrying the cluster's label
	data := [][]float64{{0}, {10}, {0}, {10}}
	checked := 0
	for seed := int64(0); seed < 40; seed++ {
		e, err := New(testConfig(2, 0, seed), cityblock())
		require.NoError(t, err)
		require.NoError(t, e.Init(context.Background(), data))

		centers := e.Centers()
		if data[centers[0].Index][0] == data[centers[1].Index][0] {
			// both seeds drew the same value; the second cluster is empty
			continue
		}
		checked++
		for _, ref := range centers {
			if data[ref.Index][0] == 0 {
				assert.Equal(t, 0, ref.Index, "seed %d", seed)
			} else {
				assert.Equal(t, 1, ref.Index, "seed %d", seed)
			}
		}
	}
	assert.Greater(t, checked, 0)
}

func TestInitErrors(t *testing.T) {
	_, err := Fit(context.Background(), sixPoints(), cityblock(), testConfig(7, 1, 1))
	require.ErrorIs(t, err, ErrConfiguration)

	e, err := New(testConfig(2, 1, 1), cityblock())
	require.NoError(t, err)
	_, err = e.Sweep(context.Background())
	require.ErrorIs(t, err, ErrConfiguration)
	assert.Nil(t, e.Result())

	ragged := [][]float64{{0}, {1, 2}, {3}}
	_, err = Fit(context.Background(), ragged, cityblock(), testConfig(3, 1, 1))
	var dim *distance.DimensionError
	require.True(t, errors.As(err, &dim))
}

func TestNaNDistanceIsAConsistencyFault(t *testing.T) {
	poisoned := false
	base := cityblock()
	metric := func(X [][]float64, ref []float64) ([]float64, error) {
		out, err := base(X, ref)
		if poisoned {
			for i := range out {
				out[i] = math.NaN()
			}
		}
		return out, err
	}

	e, err := New(testConfig(2, 0, 1), metric)
	require.NoError(t, err)
	require.NoError(t, e.Init(context.Background(), sixPoints()))

	poisoned = true
	_, err = e.Sweep(context.Background())
	require.ErrorIs(t, err, ErrConsistency)

	var fault *ConsistencyError
	require.True(t, errors.As(err, &fault))
	assert.Equal(t, 0, fault.Cluster)
	assert.Greater(t, fault.Uncovered, 0)
}

func TestShortProposalIsAShapeError(t *testing.T) {
	short := false
	base := cityblock()
	metric := func(X [][]float64, ref []float64) ([]float64, error) {
		out, err := base(X, ref)
		if short {
			return out[:len(out)-1], err
		}
		return out, err
	}

	e, err := New(testConfig(2, 0, 1), metric)
	require.NoError(t, err)
	require.NoError(t, e.Init(context.Background(), sixPoints()))

	short = true
	_, err = e.Sweep(context.Background())
	require.ErrorIs(t, err, ErrDataInvalid)
}

func TestInitWithCenters(t *testing.T) {
	e, err := New(testConfig(2, 0, 1), cityblock())
	require.NoError(t, err)

	require.ErrorIs(t, e.InitWithCenters(context.Background(), sixPoints(), []CenterRef{Local(1)}), ErrConfiguration)
	require.ErrorIs(t, e.InitWithCenters(context.Background(), sixPoints(), []CenterRef{Remote(0, 1), Remote(0, 4)}), ErrConfiguration)

	require.NoError(t, e.InitWithCenters(context.Background(), sixPoints(), []CenterRef{Local(1), Local(4)}))
	assert.InDelta(t, 4.0/6.0, e.Cost(), 1e-12)

	for i := 0; i < 5; i++ {
		stats, err := e.Sweep(context.Background())
		require.NoError(t, err)
		assert.Zero(t, stats.Accepted)
	}
	res := e.Result()
	assert.Equal(t, []CenterRef{Local(1), Local(4)}, res.CenterIndices)
	assert.Equal(t, []int{0, 0, 0, 1, 1, 1}, res.Assignments)
	assert.Equal(t, []float64{1, 0, 1, 1, 0, 1}, res.Distances)
}

func TestInitWarnsAboutEmptyClusters(t *testing.T) {
	var buf bytes.Buffer
	logger := observability.New(observability.WARN, "json", &buf)
	e, err := New(testConfig(3, 2, 1), cityblock(), WithLogger(logger))
	require.NoError(t, err)

	// centers 0 and 1 coincide, so ties send every observation to cluster 0
	data := [][]float64{{0}, {0}, {4}, {9}}
	require.NoError(t, e.InitWithCenters(context.Background(), data, []CenterRef{Local(0), Local(1), Local(3)}))
	assert.Equal(t, []int{0, 0, 0, 2}, e.Result().Assignments)
	assert.Contains(t, buf.String(), "Clusters start without members")
	assert.Contains(t, buf.String(), `"clusters":[1]`)

	stats, err := e.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Skipped)

	buf.Reset()
	e, err = New(testConfig(2, 0, 1), cityblock(), WithLogger(logger))
	require.NoError(t, err)
	require.NoError(t, e.InitWithCenters(context.Background(), sixPoints(), []CenterRef{Local(1), Local(4)}))
	assert.NotContains(t, buf.String(), "without members")
}

func TestMaxCost(t *testing.T) {
	cfg := testConfig(2, 10, 2)
	cfg.Cost = Max
	res, err := Fit(context.Background(), sixPoints(), cityblock(), cfg)
	require.NoError(t, err)

	highest := 0.0
	for _, d := range res.Distances {
		highest = math.Max(highest, d)
	}
	assert.Equal(t, highest, res.Cost)
	assert.LessOrEqual(t, res.Cost, res.InitialCost)
	assert.LessOrEqual(t, res.Cost, 2.0)
}

type recordingObserver struct {
	starts    int
	proposals []Proposal
	sweeps    []SweepStats
}

func (o *recordingObserver) ObserveStart(int, float64)  { o.starts++ }
func (o *recordingObserver) ObserveProposal(p Proposal) { o.proposals = append(o.proposals, p) }
func (o *recordingObserver) ObserveSweep(s SweepStats)  { o.sweeps = append(o.sweeps, s) }

func TestObserverAndMetrics(t *testing.T) {
	obs := &recordingObserver{}
	reg := prometheus.NewRegistry()

	res, err := Fit(context.Background(), sixPoints(), cityblock(), testConfig(2, 3, 5),
		WithObserver(obs),
		WithMetrics(observability.NewMetrics(reg)),
		WithLogger(observability.NewNopLogger()),
	)
	require.NoError(t, err)

	assert.Equal(t, 1, obs.starts)
	assert.Len(t, obs.proposals, 6)
	require.Len(t, obs.sweeps, 3)
	assert.Equal(t, res.Sweeps, obs.sweeps)

	accepted := 0
	for _, p := range obs.proposals {
		if p.Accepted {
			accepted++
			assert.Less(t, p.NewCost, p.OldCost)
		} else {
			assert.GreaterOrEqual(t, p.NewCost, p.OldCost)
		}
	}
	total := 0
	for _, s := range obs.sweeps {
		total += s.Accepted
	}
	assert.Equal(t, accepted, total)

	families, err := reg.Gather()
	require.NoError(t, err)
	assert.NotEmpty(t, families)
}

func TestWithRandOverridesSeed(t *testing.T) {
	a, err := Fit(context.Background(), randomData(30, 2, 1), cityblock(), testConfig(3, 2, 100),
		WithRand(rand.New(rand.NewSource(9))))
	require.NoError(t, err)
	b, err := Fit(context.Background(), randomData(30, 2, 1), cityblock(), testConfig(3, 2, 9))
	require.NoError(t, err)
	assert.Equal(t, b.CenterIndices, a.CenterIndices)
	assert.Equal(t, b.Assignments, a.Assignments)
}

func TestResultPartition(t *testing.T) {
	res, err := Fit(context.Background(), sixPoints(), cityblock(), testConfig(2, 30, 0))
	require.NoError(t, err)

	assignments, distances, err := res.Partition([]int{4, 2})
	require.NoError(t, err)
	assert.Equal(t, res.Assignments[:4], assignments.Values[0])
	assert.Equal(t, append(append([]int(nil), res.Assignments[4:]...), -1, -1), assignments.Values[1])
	assert.True(t, math.IsNaN(distances.Values[1][3]))
	assert.Equal(t, [][]float64{res.Distances[:4], res.Distances[4:]}, distances.Rows())

	_, _, err = res.Partition([]int{4, 3})
	require.ErrorIs(t, err, ErrDataInvalid)

	locs, err := res.CenterLocations([]int{4, 2})
	require.NoError(t, err)
	for i, loc := range locs {
		ref := res.CenterIndices[i]
		if ref.Index < 4 {
			assert.Equal(t, 0, loc.Source)
			assert.Equal(t, ref.Index, loc.Index)
		} else {
			assert.Equal(t, 1, loc.Source)
			assert.Equal(t, ref.Index-4, loc.Index)
		}
	}

	dist := &ClusterResult{RankLengths: []int{3, 5}}
	assert.Equal(t, 7, dist.GlobalIndex(Remote(1, 4)))
	assert.Equal(t, 2, dist.GlobalIndex(Remote(0, 2)))
	assert.Equal(t, 2, dist.GlobalIndex(Local(2)))
}

func TestCenterLocationsAcrossSplitSource(t *testing.T) {
	// one 10-frame source followed by a 4-frame source, sharded 7/7
	res := &ClusterResult{
		CenterIndices: []CenterRef{Remote(1, 2), Remote(0, 6), Remote(1, 6)},
		RankLengths:   []int{7, 7},
	}
	locs, err := res.CenterLocations([]int{10, 4})
	require.NoError(t, err)
	assert.Equal(t, []partition.Location{
		{Source: 0, Index: 9},
		{Source: 0, Index: 6},
		{Source: 1, Index: 3},
	}, locs)

	res.CenterIndices = []CenterRef{Remote(2, 0)}
	_, err = res.CenterLocations([]int{10, 4})
	assert.ErrorIs(t, err, ErrDataInvalid)

	res.CenterIndices = []CenterRef{Remote(1, 7)}
	_, err = res.CenterLocations([]int{10, 4})
	assert.ErrorIs(t, err, ErrDataInvalid)
}

func TestFitHonoursCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := Fit(ctx, sixPoints(), cityblock(), testConfig(2, 1, 1))
	require.ErrorIs(t, err, context.Canceled)
}

func randomData(n, dim int, seed int64) [][]float64 {
	rng := rand.New(rand.NewSource(seed))
	data := make([][]float64, n)
	for i := range data {
		data[i] = make([]float64, dim)
		for j := range data[i] {
			data[i][j] = float64(rng.Intn(1000))
		}
	}
	return data
}
