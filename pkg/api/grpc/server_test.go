package grpc

import (
	"context"
	"errors"
	"math/rand"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/therealutkarshpriyadarshi/kmedoids/pkg/api/grpc/wire"
	"github.com/therealutkarshpriyadarshi/kmedoids/pkg/auth"
	"github.com/therealutkarshpriyadarshi/kmedoids/pkg/collective"
	"github.com/therealutkarshpriyadarshi/kmedoids/pkg/config"
	"github.com/therealutkarshpriyadarshi/kmedoids/pkg/observability"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
)

const testJob = "test-job"

type harness struct {
	server  *Server
	metrics *observability.Metrics
	dialer  func(context.Context, string) (net.Conn, error)
}

func startCoordinator(t *testing.T, worldSize int, mutate func(*config.Config)) *harness {
	t.Helper()

	cfg := config.Default()
	cfg.Collective.WorldSize = worldSize
	cfg.Collective.JobID = testJob
	cfg.Collective.ShutdownTimeout = time.Second
	if mutate != nil {
		mutate(cfg)
	}

	metrics := observability.NewMetrics(prometheus.NewRegistry())
	srv, err := NewServer(cfg, observability.NewNopLogger(), metrics)
	require.NoError(t, err)

	lis := bufconn.Listen(1 << 20)
	go func() {
		_ = srv.Serve(lis)
	}()
	t.Cleanup(func() {
		_ = srv.Stop()
	})

	return &harness{
		server:  srv,
		metrics: metrics,
		dialer: func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		},
	}
}

func (h *harness) remoteConfig(rank, worldSize int) collective.RemoteConfig {
	return collective.RemoteConfig{
		Address:     "passthrough:///bufnet",
		JobID:       testJob,
		Rank:        rank,
		WorldSize:   worldSize,
		DialTimeout: 5 * time.Second,
		JoinRate:    50,
	}
}

func (h *harness) connect(ctx context.Context, cfg collective.RemoteConfig) (*collective.Remote, error) {
	return collective.NewRemote(ctx, cfg, nil, nil, grpc.WithContextDialer(h.dialer))
}

// connectWorld joins every rank concurrently
func (h *harness) connectWorld(t *testing.T, size int) []*collective.Remote {
	t.Helper()

	comms := make([]*collective.Remote, size)
	errs := make([]error, size)
	var wg sync.WaitGroup
	for r := 0; r < size; r++ {
		wg.Add(1)
		go func(rank int) {
			defer wg.Done()
			comms[rank], errs[rank] = h.connect(context.Background(), h.remoteConfig(rank, size))
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
	return comms
}

func TestCollectivesOverCoordinator(t *testing.T) {
	h := startCoordinator(t, 3, nil)
	comms := h.connectWorld(t, 3)

	blocks := [][][]float64{
		{{0, 0}},
		{{1, 1}, {2, 2}},
		{{3, 3}, {4, 4}, {5, 5}},
	}
	subsets := [][]int{{0}, {}, {0, 2}}

	type result struct {
		row    []float64
		lists  [][]int64
		mean   float64
		rank   int
		index  int
		chosen bool
	}
	results := make([]result, 3)
	errs := make([]error, 3)

	var wg sync.WaitGroup
	for r := range comms {
		wg.Add(1)
		go func(rank int) {
			defer wg.Done()
			ctx := context.Background()
			comm := comms[rank]
			var res result
			var err error

			res.row, err = collective.BroadcastObservation(ctx, comm, blocks[rank], 1, 1)
			if err != nil {
				errs[rank] = err
				return
			}
			res.lists, err = comm.Allgather(ctx, []int64{int64(len(blocks[rank]))})
			if err != nil {
				errs[rank] = err
				return
			}
			res.mean, err = collective.GlobalReduce(ctx, comm, []float64{float64(rank)}, collective.OpMean)
			if err != nil {
				errs[rank] = err
				return
			}
			rng := rand.New(rand.NewSource(11))
			res.rank, res.index, res.chosen, err = collective.UniformChoice(ctx, comm, subsets[rank], rng)
			errs[rank] = err
			results[rank] = res
		}(r)
	}
	wg.Wait()

	for r := 0; r < 3; r++ {
		require.NoError(t, errs[r], "rank %d", r)
		assert.Equal(t, []float64{2, 2}, results[r].row)
		assert.Equal(t, [][]int64{{1}, {2}, {3}}, results[r].lists)
		assert.Equal(t, 1.0, results[r].mean)
		assert.True(t, results[r].chosen)
		assert.Equal(t, results[0].rank, results[r].rank)
		assert.Equal(t, results[0].index, results[r].index)
	}
	assert.Contains(t, subsets[results[0].rank], results[0].index)

	stats := h.server.Stats()
	assert.Equal(t, 3, stats["ranks_joined"])
	assert.Equal(t, 0, stats["rounds_pending"])
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.RoundsCompleted.WithLabelValues("reduce", "ok")))
	assert.NoError(t, h.server.Err())
}

func TestAllgatherKeepsEmptyRanks(t *testing.T) {
	h := startCoordinator(t, 2, nil)
	comms := h.connectWorld(t, 2)

	lists := make([][][]int64, 2)
	var wg sync.WaitGroup
	for r := range comms {
		wg.Add(1)
		go func(rank int) {
			defer wg.Done()
			var ints []int64
			if rank == 1 {
				ints = []int64{7, 8}
			}
			got, err := comms[rank].Allgather(context.Background(), ints)
			assert.NoError(t, err)
			lists[rank] = got
		}(r)
	}
	wg.Wait()

	for r := 0; r < 2; r++ {
		require.Len(t, lists[r], 2)
		assert.Empty(t, lists[r][0])
		assert.Equal(t, []int64{7, 8}, lists[r][1])
	}
}

func TestProtocolMismatchFailsEveryRank(t *testing.T) {
	h := startCoordinator(t, 2, nil)
	comms := h.connectWorld(t, 2)

	errs := make([]error, 2)
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		_, errs[0] = comms[0].Allgather(context.Background(), []int64{1})
	}()
	go func() {
		defer wg.Done()
		_, errs[1] = collective.GlobalReduce(context.Background(), comms[1], []float64{1}, collective.OpSum)
	}()
	wg.Wait()

	assert.ErrorIs(t, errs[0], collective.ErrProtocol)
	assert.ErrorIs(t, errs[1], collective.ErrProtocol)
	assert.Error(t, h.server.Err())

	// the job stays failed
	_, err := comms[0].Allgather(context.Background(), nil)
	assert.ErrorIs(t, err, collective.ErrProtocol)
}

func TestAbortReleasesWaitingRanks(t *testing.T) {
	h := startCoordinator(t, 2, nil)
	comms := h.connectWorld(t, 2)

	waiting := make(chan error, 1)
	go func() {
		_, err := comms[0].Allgather(context.Background(), []int64{1})
		waiting <- err
	}()

	require.Eventually(t, func() bool {
		return h.server.Stats()["rounds_pending"] == 1
	}, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, comms[1].Abort(context.Background(), errors.New("consistency fault")))

	select {
	case err := <-waiting:
		assert.ErrorIs(t, err, collective.ErrAborted)
	case <-time.After(2 * time.Second):
		t.Fatal("rank 0 was not released by abort")
	}

	_, err := comms[1].Allgather(context.Background(), nil)
	assert.ErrorIs(t, err, collective.ErrAborted)
	assert.NoError(t, comms[1].Abort(context.Background(), nil), "second abort is a no-op")
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.RanksAborted))
}

func TestAuthInterceptor(t *testing.T) {
	const secret = "rank-secret"
	h := startCoordinator(t, 1, func(cfg *config.Config) {
		cfg.Collective.AuthSecret = secret
	})
	ctx := context.Background()

	t.Run("valid token", func(t *testing.T) {
		token, err := auth.IssueRankToken(secret, testJob, 0, 1, time.Minute)
		require.NoError(t, err)

		cfg := h.remoteConfig(0, 1)
		cfg.Token = token
		comm, err := h.connect(ctx, cfg)
		require.NoError(t, err)
		defer comm.Close()

		sum, err := collective.GlobalReduce(ctx, comm, []float64{1, 2}, collective.OpSum)
		require.NoError(t, err)
		assert.Equal(t, 3.0, sum)
	})

	t.Run("missing token", func(t *testing.T) {
		_, err := h.connect(ctx, h.remoteConfig(0, 1))
		assert.Equal(t, codes.Unauthenticated, status.Code(err))
	})

	t.Run("token for another rank", func(t *testing.T) {
		token, err := auth.IssueRankToken(secret, testJob, 1, 2, time.Minute)
		require.NoError(t, err)

		cfg := h.remoteConfig(0, 1)
		cfg.Token = token
		_, err = h.connect(ctx, cfg)
		assert.Equal(t, codes.PermissionDenied, status.Code(err))
	})

	t.Run("operator token", func(t *testing.T) {
		token, err := auth.IssueOperatorToken(secret, "ops", time.Minute)
		require.NoError(t, err)

		cfg := h.remoteConfig(0, 1)
		cfg.Token = token
		_, err = h.connect(ctx, cfg)
		assert.Equal(t, codes.PermissionDenied, status.Code(err))
	})
}

func TestExchangeValidation(t *testing.T) {
	h := startCoordinator(t, 2, nil)
	ctx := context.Background()

	tests := []struct {
		name string
		req  *wire.Contribution
	}{
		{"wrong job", &wire.Contribution{JobID: "other", WorldSize: 2, Seq: 1, Kind: wire.KindBarrier}},
		{"wrong world size", &wire.Contribution{JobID: testJob, WorldSize: 3, Seq: 1, Kind: wire.KindBarrier}},
		{"rank out of range", &wire.Contribution{JobID: testJob, Rank: 2, WorldSize: 2, Seq: 1, Kind: wire.KindBarrier}},
		{"missing seq", &wire.Contribution{JobID: testJob, WorldSize: 2, Kind: wire.KindBarrier}},
		{"bad root", &wire.Contribution{JobID: testJob, WorldSize: 2, Seq: 1, Kind: wire.KindBroadcast, Root: 5}},
		{"reduce without partial", &wire.Contribution{JobID: testJob, WorldSize: 2, Seq: 1, Kind: wire.KindReduce, Op: 1}},
		{"bad op", &wire.Contribution{JobID: testJob, WorldSize: 2, Seq: 1, Kind: wire.KindReduce, Op: 9, Partial: &wire.Partial{}}},
		{"unknown kind", &wire.Contribution{JobID: testJob, WorldSize: 2, Seq: 1, Kind: 42}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := h.server.Exchange(ctx, tt.req)
			assert.Equal(t, codes.InvalidArgument, status.Code(err))
		})
	}

	_, err := h.server.Abort(ctx, &wire.AbortRequest{JobID: "other"})
	assert.Equal(t, codes.InvalidArgument, status.Code(err))
}

func TestExchangeHonoursContext(t *testing.T) {
	h := startCoordinator(t, 2, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := h.server.Exchange(ctx, &wire.Contribution{JobID: testJob, WorldSize: 2, Seq: 1, Kind: wire.KindBarrier})
	assert.Equal(t, codes.DeadlineExceeded, status.Code(err))
}

func TestJoinTimesOutWithoutPeers(t *testing.T) {
	h := startCoordinator(t, 2, nil)

	cfg := h.remoteConfig(0, 2)
	cfg.DialTimeout = 100 * time.Millisecond
	_, err := h.connect(context.Background(), cfg)
	assert.Error(t, err)
}

func TestNewServerRejectsEmptyWorld(t *testing.T) {
	cfg := config.Default()
	cfg.Collective.WorldSize = 0
	_, err := NewServer(cfg, nil, nil)
	assert.Error(t, err)
}
