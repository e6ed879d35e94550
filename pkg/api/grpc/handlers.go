package grpc

import (
	"context"
	"errors"
	"fmt"

	"github.com/therealutkarshpriyadarshi/kmedoids/pkg/api/grpc/wire"
	"github.com/therealutkarshpriyadarshi/kmedoids/pkg/collective"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

var errShutdown = status.Error(codes.Unavailable, "coordinator shutting down")

// round is one numbered collective. It completes when every rank has
// contributed and is forgotten once every rank has read the outcome.
type round struct {
	seq      uint64
	kind     wire.Kind
	root     int32
	op       int32
	contribs []*wire.Contribution
	arrived  int
	read     int
	seen     []bool
	done     chan struct{}
	closed   bool
	outcome  *wire.Outcome
	err      error
}

func newRound(c *wire.Contribution, worldSize int) *round {
	return &round{
		seq:      c.Seq,
		kind:     c.Kind,
		root:     c.Root,
		op:       c.Op,
		contribs: make([]*wire.Contribution, worldSize),
		seen:     make([]bool, worldSize),
		done:     make(chan struct{}),
	}
}

func (r *round) finish(outcome *wire.Outcome, err error) {
	if r.closed {
		return
	}
	r.outcome, r.err = outcome, err
	r.closed = true
	close(r.done)
}

// Exchange implements the Exchange RPC
func (s *Server) Exchange(ctx context.Context, req *wire.Contribution) (*wire.Outcome, error) {
	if err := s.validateContribution(req); err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}

	r, err := s.enter(req)
	if err != nil {
		return nil, err
	}

	select {
	case <-r.done:
	case <-ctx.Done():
		return nil, status.FromContextError(ctx.Err()).Err()
	}

	s.leave(r, req.Rank)
	if r.err != nil {
		return nil, r.err
	}
	return r.outcome, nil
}

// enter records a contribution and completes the round when it is the last
func (s *Server) enter(req *wire.Contribution) (*round, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.jobErr != nil {
		return nil, s.jobErr
	}

	if req.Kind == wire.KindBarrier {
		s.joined[req.Rank] = true
	}

	r, exists := s.rounds[req.Seq]
	if !exists {
		r = newRound(req, s.worldSize)
		s.rounds[req.Seq] = r
		s.metrics.SetRoundsPending(len(s.rounds))
	}

	if r.kind != req.Kind || r.root != req.Root || r.op != req.Op {
		err := status.Errorf(codes.FailedPrecondition,
			"round %d: rank %d sent %s(root=%d, op=%d) but round is %s(root=%d, op=%d)",
			req.Seq, req.Rank, req.Kind, req.Root, req.Op, r.kind, r.root, r.op)
		s.metrics.RecordRound(r.kind.String(), "mismatch")
		s.failLocked(err)
		return nil, err
	}

	// A retried contribution joins the round it already belongs to
	if r.contribs[req.Rank] != nil {
		return r, nil
	}

	r.contribs[req.Rank] = req
	r.arrived++
	if r.arrived == s.worldSize {
		outcome, err := combine(r)
		if err != nil {
			s.metrics.RecordRound(r.kind.String(), "invalid")
			s.failLocked(err)
			return nil, err
		}
		r.finish(outcome, nil)
		s.completed++
		s.metrics.RecordRound(r.kind.String(), "ok")
	}

	return r, nil
}

// leave marks the outcome as read by rank and drops fully read rounds
func (s *Server) leave(r *round, rank int32) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if r.seen[rank] {
		return
	}
	r.seen[rank] = true
	r.read++
	if r.read == s.worldSize {
		delete(s.rounds, r.seq)
		s.metrics.SetRoundsPending(len(s.rounds))
	}
}

// combine builds the shared outcome of a complete round
func combine(r *round) (*wire.Outcome, error) {
	switch r.kind {
	case wire.KindBarrier:
		return &wire.Outcome{}, nil

	case wire.KindBroadcast:
		src := r.contribs[r.root]
		return &wire.Outcome{Values: src.Values, Ints: src.Ints}, nil

	case wire.KindAllgather:
		lists := make([][]int64, len(r.contribs))
		for i, c := range r.contribs {
			lists[i] = c.Ints
			if lists[i] == nil {
				lists[i] = []int64{}
			}
		}
		return &wire.Outcome{Lists: lists}, nil

	case wire.KindReduce:
		merged := collective.Summarize(nil)
		for _, c := range r.contribs {
			if c.Partial == nil {
				return nil, status.Errorf(codes.InvalidArgument, "round %d: rank %d sent no partial", r.seq, c.Rank)
			}
			merged = merged.Merge(collective.PartialFromWire(c.Partial))
		}
		return &wire.Outcome{Partial: merged.Wire()}, nil
	}

	return nil, status.Errorf(codes.InvalidArgument, "round %d: unsupported kind %s", r.seq, r.kind)
}

// Abort implements the Abort RPC
func (s *Server) Abort(ctx context.Context, req *wire.AbortRequest) (*wire.AbortResponse, error) {
	if s.jobID != "" && req.JobID != s.jobID {
		return nil, status.Errorf(codes.InvalidArgument, "unknown job %q", req.JobID)
	}

	s.logger.Error("Rank aborted job", map[string]interface{}{
		"rank":   req.Rank,
		"job_id": req.JobID,
		"reason": req.Reason,
	})
	s.metrics.RecordAbort()

	s.fail(status.Errorf(codes.Aborted, "rank %d aborted job %s: %s", req.Rank, req.JobID, req.Reason))

	return &wire.AbortResponse{Acknowledged: true}, nil
}

// fail fails every pending round and every round that follows
func (s *Server) fail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failLocked(err)
}

func (s *Server) failLocked(err error) {
	if s.jobErr == nil {
		s.jobErr = err
	}
	for seq, r := range s.rounds {
		r.finish(nil, s.jobErr)
		delete(s.rounds, seq)
	}
	s.metrics.SetRoundsPending(0)
}

// Err returns the error that ended the job, if any
func (s *Server) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.jobErr == nil || errors.Is(s.jobErr, errShutdown) {
		return nil
	}
	return s.jobErr
}

func (s *Server) validateContribution(req *wire.Contribution) error {
	if s.jobID != "" && req.JobID != s.jobID {
		return fmt.Errorf("unknown job %q", req.JobID)
	}
	if int(req.WorldSize) != s.worldSize {
		return fmt.Errorf("world size %d does not match coordinator world size %d", req.WorldSize, s.worldSize)
	}
	if req.Rank < 0 || int(req.Rank) >= s.worldSize {
		return fmt.Errorf("rank %d outside world of size %d", req.Rank, s.worldSize)
	}
	if req.Seq == 0 {
		return fmt.Errorf("sequence number is required")
	}

	switch req.Kind {
	case wire.KindBarrier, wire.KindAllgather:
	case wire.KindBroadcast:
		if req.Root < 0 || int(req.Root) >= s.worldSize {
			return fmt.Errorf("broadcast root %d outside world of size %d", req.Root, s.worldSize)
		}
	case wire.KindReduce:
		if req.Op < int32(collective.OpSum) || req.Op > int32(collective.OpMax) {
			return fmt.Errorf("unsupported reduction %d", req.Op)
		}
		if req.Partial == nil {
			return fmt.Errorf("reduce requires a partial")
		}
	default:
		return fmt.Errorf("unsupported kind %s", req.Kind)
	}
	return nil
}
