package kmedoids

import (
	"context"
	"math"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	coordinator "github.com/therealutkarshpriyadarshi/kmedoids/pkg/api/grpc"
	"github.com/therealutkarshpriyadarshi/kmedoids/pkg/collective"
	"github.com/therealutkarshpriyadarshi/kmedoids/pkg/config"
	"github.com/therealutkarshpriyadarshi/kmedoids/pkg/observability"
	"google.golang.org/grpc"
	"google.golang.org/grpc/test/bufconn"
)

// startWorld runs an in-memory coordinator and joins size ranks to it
func startWorld(t *testing.T, size int) ([]*collective.Remote, *coordinator.Server) {
	t.Helper()

	cfg := config.Default()
	cfg.Collective.WorldSize = size
	cfg.Collective.JobID = "kmedoids-test"
	cfg.Collective.ShutdownTimeout = time.Second

	srv, err := coordinator.NewServer(cfg, observability.NewNopLogger(), observability.NewMetrics(prometheus.NewRegistry()))
	require.NoError(t, err)

	lis := bufconn.Listen(1 << 20)
	go func() {
		_ = srv.Serve(lis)
	}()
	t.Cleanup(func() {
		_ = srv.Stop()
	})
	dialer := grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
		return lis.DialContext(ctx)
	})

	comms := make([]*collective.Remote, size)
	errs := make([]error, size)
	var wg sync.WaitGroup
	for r := 0; r < size; r++ {
		wg.Add(1)
		go func(rank int) {
			defer wg.Done()
			comms[rank], errs[rank] = collective.NewRemote(context.Background(), collective.RemoteConfig{
				Address:     "passthrough:///bufnet",
				JobID:       cfg.Collective.JobID,
				Rank:        rank,
				WorldSize:   size,
				DialTimeout: 5 * time.Second,
				JoinRate:    50,
			}, nil, nil, dialer)
		}(r)
	}
	wg.Wait()
	for r, err := range errs {
		require.NoError(t, err, "rank %d", r)
	}
	t.Cleanup(func() {
		for _, c := range comms {
			_ = c.Close()
		}
	})
	return comms, srv
}

// runDistributed fits blocks[r] on rank r and returns every rank's result
func runDistributed(t *testing.T, blocks [][][]float64, cfg Config, metric func(rank int) func([][]float64, []float64) ([]float64, error)) ([]*ClusterResult, []error) {
	t.Helper()

	comms, _ := startWorld(t, len(blocks))
	results := make([]*ClusterResult, len(blocks))
	errs := make([]error, len(blocks))

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var wg sync.WaitGroup
	for r := range blocks {
		wg.Add(1)
		go func(rank int) {
			defer wg.Done()
			results[rank], errs[rank] = Fit(ctx, blocks[rank], metric(rank), cfg, WithCommunicator(comms[rank]))
		}(r)
	}
	wg.Wait()
	return results, errs
}

func TestDistributedMatchesSingleProcess(t *testing.T) {
	blocks := [][][]float64{
		{{0}, {1}, {2}, {10}},
		{{11}, {12}},
	}
	cfg := testConfig(2, 10, 3)

	local, err := Fit(context.Background(), sixPoints(), cityblock(), cfg)
	require.NoError(t, err)

	results, errs := runDistributed(t, blocks, cfg, func(int) func([][]float64, []float64) ([]float64, error) {
		return cityblock()
	})
	for r, err := range errs {
		require.NoError(t, err, "rank %d", r)
	}

	var assignments []int
	var distances []float64
	for r, res := range results {
		assert.Equal(t, []int{4, 2}, res.RankLengths)
		assert.Equal(t, results[0].CenterIndices, res.CenterIndices, "rank %d", r)
		assert.Equal(t, results[0].Centers, res.Centers, "rank %d", r)
		assert.Equal(t, local.Cost, res.Cost, "rank %d", r)
		assert.Equal(t, local.InitialCost, res.InitialCost, "rank %d", r)
		assignments = append(assignments, res.Assignments...)
		distances = append(distances, res.Distances...)
	}
	assert.Equal(t, local.Assignments, assignments)
	assert.Equal(t, local.Distances, distances)
	assert.Equal(t, local.Centers, results[0].Centers)

	for c, ref := range results[0].CenterIndices {
		require.True(t, ref.IsRemote())
		assert.Equal(t, local.CenterIndices[c].Index, results[0].GlobalIndex(ref))
	}

	// sources of 3 and 3 frames; the first rank's block spills into the second
	sources := []int{3, 3}
	want, err := local.CenterLocations(sources)
	require.NoError(t, err)
	for r, res := range results {
		got, err := res.CenterLocations(sources)
		require.NoError(t, err)
		assert.Equal(t, want, got, "rank %d", r)
	}

	for i, s := range results[0].Sweeps {
		assert.Equal(t, local.Sweeps[i].Accepted, s.Accepted, "sweep %d", i)
		assert.Equal(t, local.Sweeps[i].Cost, s.Cost, "sweep %d", i)
	}
}

func TestDistributedRankWithoutObservations(t *testing.T) {
	blocks := [][][]float64{
		{{0}, {1}, {2}},
		{},
		{{10}, {11}, {12}},
	}
	cfg := testConfig(2, 30, 8)

	results, errs := runDistributed(t, blocks, cfg, func(int) func([][]float64, []float64) ([]float64, error) {
		return cityblock()
	})
	for r, err := range errs {
		require.NoError(t, err, "rank %d", r)
	}

	assert.Empty(t, results[1].Assignments)
	assert.True(t, sameLabel(results[0].Assignments, 0, 1, 2))
	assert.True(t, sameLabel(results[2].Assignments, 0, 1, 2))
	assert.NotEqual(t, results[0].Assignments[0], results[2].Assignments[0])
	assert.ElementsMatch(t, []CenterRef{Remote(0, 1), Remote(2, 1)}, results[1].CenterIndices)
}

func TestDistributedConsistencyFaultAbortsPeers(t *testing.T) {
	blocks := [][][]float64{
		{{0}, {1}, {2}},
		{{10}, {11}, {12}},
	}

	// rank 1 turns every distance into NaN once refinement starts
	results, errs := runDistributed(t, blocks, testConfig(2, 3, 1), func(rank int) func([][]float64, []float64) ([]float64, error) {
		base := cityblock()
		calls := 0
		return func(X [][]float64, ref []float64) ([]float64, error) {
			out, err := base(X, ref)
			calls++
			if rank == 1 && calls > 2 {
				for i := range out {
					out[i] = math.NaN()
				}
			}
			return out, err
		}
	})

	assert.Nil(t, results[0])
	assert.Nil(t, results[1])
	assert.ErrorIs(t, errs[1], ErrConsistency)
	assert.ErrorIs(t, errs[0], collective.ErrAborted)
}
