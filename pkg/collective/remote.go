package collective

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/therealutkarshpriyadarshi/kmedoids/pkg/api/grpc/wire"
	"github.com/therealutkarshpriyadarshi/kmedoids/pkg/auth"
	"github.com/therealutkarshpriyadarshi/kmedoids/pkg/observability"
	"golang.org/x/time/rate"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/grpc/status"
)

// RemoteConfig configures a rank that talks to a coordinator
type RemoteConfig struct {
	Address   string
	JobID     string
	Rank      int
	WorldSize int

	// Token is sent as a bearer token on every call when non-empty
	Token string
	// TLS secures the connection; nil dials in plaintext
	TLS credentials.TransportCredentials

	DialTimeout     time.Duration // bound on joining the world
	CallTimeout     time.Duration // per-collective deadline, 0 = none
	JoinRate        float64       // join attempts per second
	MaxMessageBytes int
}

// Remote is a Communicator backed by the gRPC coordinator. Calls are
// serialised; each one is a numbered round that every rank must join.
type Remote struct {
	cfg     RemoteConfig
	conn    *grpc.ClientConn
	logger  *observability.Logger
	metrics *observability.Metrics

	mu      sync.Mutex // serialises rounds
	seq     uint64
	aborted atomic.Bool
}

// NewRemote connects to the coordinator and blocks until every rank of
// the world has joined or cfg.DialTimeout elapses. Extra dial options are
// appended last (tests pass an in-memory dialer).
func NewRemote(ctx context.Context, cfg RemoteConfig, logger *observability.Logger, metrics *observability.Metrics, opts ...grpc.DialOption) (*Remote, error) {
	if cfg.WorldSize < 1 || cfg.Rank < 0 || cfg.Rank >= cfg.WorldSize {
		return nil, fmt.Errorf("rank %d outside world of size %d", cfg.Rank, cfg.WorldSize)
	}
	if logger == nil {
		logger = observability.NewNopLogger()
	}
	if cfg.JoinRate <= 0 {
		cfg.JoinRate = 2
	}

	dialOpts := []grpc.DialOption{
		grpc.WithDefaultCallOptions(grpc.ForceCodec(wire.Codec{})),
		grpc.WithKeepaliveParams(keepalive.ClientParameters{
			Time:                30 * time.Second,
			Timeout:             10 * time.Second,
			PermitWithoutStream: true,
		}),
	}
	if cfg.TLS != nil {
		dialOpts = append(dialOpts, grpc.WithTransportCredentials(cfg.TLS))
	} else {
		dialOpts = append(dialOpts, grpc.WithTransportCredentials(insecure.NewCredentials()))
	}
	if cfg.Token != "" {
		dialOpts = append(dialOpts, grpc.WithPerRPCCredentials(auth.TokenCredentials{
			Token:  cfg.Token,
			Secure: cfg.TLS != nil,
		}))
	}
	if cfg.MaxMessageBytes > 0 {
		dialOpts = append(dialOpts, grpc.WithDefaultCallOptions(
			grpc.MaxCallRecvMsgSize(cfg.MaxMessageBytes),
			grpc.MaxCallSendMsgSize(cfg.MaxMessageBytes),
		))
	}
	dialOpts = append(dialOpts, opts...)

	conn, err := grpc.NewClient(cfg.Address, dialOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create client for %s: %w", cfg.Address, err)
	}

	r := &Remote{
		cfg:     cfg,
		conn:    conn,
		logger:  logger.WithFields(map[string]interface{}{"rank": cfg.Rank, "job_id": cfg.JobID}),
		metrics: metrics,
	}

	if err := r.join(ctx); err != nil {
		conn.Close()
		return nil, err
	}
	return r, nil
}

// join runs the opening barrier, retrying while the coordinator is not
// reachable yet. Re-sending the same round is idempotent at the coordinator.
func (r *Remote) join(ctx context.Context) error {
	if r.cfg.DialTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.cfg.DialTimeout)
		defer cancel()
	}

	limiter := rate.NewLimiter(rate.Limit(r.cfg.JoinRate), 1)
	c := r.contribution(wire.KindBarrier)
	attempt := 0

	for {
		if err := limiter.Wait(ctx); err != nil {
			return fmt.Errorf("failed to join %s after %d attempts: %w", r.cfg.Address, attempt, err)
		}
		attempt++

		_, err := r.invoke(ctx, c)
		if err == nil {
			r.logger.Info("Joined collective", map[string]interface{}{
				"world_size": r.cfg.WorldSize,
				"attempts":   attempt,
			})
			return nil
		}
		if status.Code(err) != codes.Unavailable {
			return fmt.Errorf("failed to join %s: %w", r.cfg.Address, err)
		}
		r.logger.Debug("Coordinator unavailable, retrying", map[string]interface{}{
			"attempt": attempt,
			"error":   err,
		})
	}
}

func (r *Remote) Rank() int         { return r.cfg.Rank }
func (r *Remote) Size() int         { return r.cfg.WorldSize }
func (r *Remote) Distributed() bool { return true }

func (r *Remote) Broadcast(ctx context.Context, root int, values []float64, ints []int64) ([]float64, []int64, error) {
	if root < 0 || root >= r.cfg.WorldSize {
		return nil, nil, fmt.Errorf("broadcast root %d outside world of size %d: %w", root, r.cfg.WorldSize, ErrProtocol)
	}

	out, err := r.exchange(ctx, wire.KindBroadcast, func(c *wire.Contribution) {
		c.Root = int32(root)
		if root == r.cfg.Rank {
			c.Values = values
			c.Ints = ints
		}
	})
	if err != nil {
		return nil, nil, err
	}
	return out.Values, out.Ints, nil
}

func (r *Remote) Allgather(ctx context.Context, ints []int64) ([][]int64, error) {
	out, err := r.exchange(ctx, wire.KindAllgather, func(c *wire.Contribution) {
		c.Ints = ints
	})
	if err != nil {
		return nil, err
	}
	if len(out.Lists) != r.cfg.WorldSize {
		return nil, fmt.Errorf("allgather returned %d lists for %d ranks: %w", len(out.Lists), r.cfg.WorldSize, ErrProtocol)
	}
	return out.Lists, nil
}

func (r *Remote) Reduce(ctx context.Context, p Partial, op Op) (Partial, error) {
	out, err := r.exchange(ctx, wire.KindReduce, func(c *wire.Contribution) {
		c.Op = int32(op)
		c.Partial = p.Wire()
	})
	if err != nil {
		return Partial{}, err
	}
	if out.Partial == nil {
		return Partial{}, fmt.Errorf("reduce returned no partial: %w", ErrProtocol)
	}
	return PartialFromWire(out.Partial), nil
}

// Abort notifies the coordinator, which fails every pending and future
// round of the job
func (r *Remote) Abort(ctx context.Context, cause error) error {
	if r.aborted.Swap(true) {
		return nil
	}

	reason := "aborted"
	if cause != nil {
		reason = cause.Error()
	}
	r.logger.Error("Aborting collective job", map[string]interface{}{"reason": reason})

	req := &wire.AbortRequest{JobID: r.cfg.JobID, Rank: int32(r.cfg.Rank), Reason: reason}
	resp := &wire.AbortResponse{}

	start := time.Now()
	err := r.conn.Invoke(ctx, wire.AbortMethod, req, resp)
	r.metrics.RecordCollective("abort", time.Since(start), err)
	if err != nil {
		return fmt.Errorf("failed to abort job %s: %w", r.cfg.JobID, translate(err))
	}
	return nil
}

// Close releases the connection
func (r *Remote) Close() error {
	return r.conn.Close()
}

func (r *Remote) contribution(kind wire.Kind) *wire.Contribution {
	r.seq++
	return &wire.Contribution{
		JobID:     r.cfg.JobID,
		Rank:      int32(r.cfg.Rank),
		WorldSize: int32(r.cfg.WorldSize),
		Seq:       r.seq,
		Kind:      kind,
	}
}

func (r *Remote) exchange(ctx context.Context, kind wire.Kind, fill func(*wire.Contribution)) (*wire.Outcome, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.aborted.Load() {
		return nil, fmt.Errorf("%s: %w", kind, ErrAborted)
	}

	c := r.contribution(kind)
	fill(c)

	if r.cfg.CallTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.cfg.CallTimeout)
		defer cancel()
	}
	return r.invoke(ctx, c)
}

func (r *Remote) invoke(ctx context.Context, c *wire.Contribution) (*wire.Outcome, error) {
	out := &wire.Outcome{}
	start := time.Now()
	err := r.conn.Invoke(ctx, wire.ExchangeMethod, c, out)
	r.metrics.RecordCollective(c.Kind.String(), time.Since(start), err)
	if err != nil {
		return nil, fmt.Errorf("%s round %d: %w", c.Kind, c.Seq, translate(err))
	}
	return out, nil
}

// translate maps coordinator status codes onto package errors. Other
// errors are returned unchanged so callers can still inspect the code.
func translate(err error) error {
	st, ok := status.FromError(err)
	if !ok {
		return err
	}
	switch st.Code() {
	case codes.FailedPrecondition:
		return fmt.Errorf("%w: %s", ErrProtocol, st.Message())
	case codes.Aborted:
		return fmt.Errorf("%w: %s", ErrAborted, st.Message())
	}
	return err
}
