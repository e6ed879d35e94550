// Package kmedoids implements K-Medoids clustering by Partitioning Around
// Medoids. The same engine runs on one process or on a dataset split into
// contiguous blocks across ranks; cross-rank data only moves through a
// collective.Communicator.
package kmedoids

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/therealutkarshpriyadarshi/kmedoids/pkg/collective"
	"github.com/therealutkarshpriyadarshi/kmedoids/pkg/distance"
	"github.com/therealutkarshpriyadarshi/kmedoids/pkg/observability"
	"github.com/therealutkarshpriyadarshi/kmedoids/pkg/partition"
)

// Config holds clustering parameters
type Config struct {
	K               int   // Number of medoids
	Iterations      int   // Number of PAM sweeps (default: 5)
	Cost            Cost  // Cost function (default: MeanSquare)
	Seed            int64 // Random seed, must be identical on every rank
	MaxSeedAttempts int   // Bound on the distinct-seed redraw loop
}

// DefaultConfig returns sensible defaults
func DefaultConfig() Config {
	return Config{
		K:               10,
		Iterations:      5,
		Cost:            MeanSquare,
		Seed:            42,
		MaxSeedAttempts: 1000,
	}
}

// Validate checks parameters that do not depend on the data
func (c Config) Validate() error {
	if c.K < 1 {
		return &ConfigError{Field: "k", Value: c.K, Reason: "must be at least 1"}
	}
	if c.Iterations < 0 {
		return &ConfigError{Field: "iterations", Value: c.Iterations, Reason: "must not be negative"}
	}
	if c.Cost.Term == nil {
		return &ConfigError{Field: "cost", Value: c.Cost.Name, Reason: "cost term is required"}
	}
	return nil
}

// Observer receives progress events. Calls happen on the goroutine
// running the engine.
type Observer interface {
	ObserveStart(observations int, initialCost float64)
	ObserveProposal(p Proposal)
	ObserveSweep(s SweepStats)
}

// Proposal describes one propose/evaluate/decide step
type Proposal struct {
	Sweep     int       `json:"sweep"`
	Cluster   int       `json:"cluster"`
	Current   CenterRef `json:"current"`
	Candidate CenterRef `json:"candidate"`
	Skipped   bool      `json:"skipped"`
	Accepted  bool      `json:"accepted"`
	OldCost   float64   `json:"old_cost"`
	NewCost   float64   `json:"new_cost"`
	Ambiguous int       `json:"ambiguous"`
}

// SweepStats summarises one sweep over all clusters
type SweepStats struct {
	Sweep          int           `json:"sweep"`
	Proposed       int           `json:"proposed"`
	Accepted       int           `json:"accepted"`
	Skipped        int           `json:"skipped"`
	AcceptanceRate float64       `json:"acceptance_rate"`
	Cost           float64       `json:"cost"`
	Duration       time.Duration `json:"duration_ns"`
}

// Option configures an Engine
type Option func(*Engine)

// WithCommunicator selects the collective backend (default: collective.Local)
func WithCommunicator(comm collective.Communicator) Option {
	return func(e *Engine) { e.comm = comm }
}

// WithLogger injects a logger (default: no-op)
func WithLogger(logger *observability.Logger) Option {
	return func(e *Engine) { e.logger = logger }
}

// WithMetrics records Prometheus metrics
func WithMetrics(m *observability.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithObserver registers a progress observer
func WithObserver(o Observer) Option {
	return func(e *Engine) { e.observer = o }
}

// WithRand replaces the generator seeded from Config.Seed
func WithRand(rng *rand.Rand) Option {
	return func(e *Engine) { e.rng = rng }
}

// Engine holds the refinement state of one run on one rank
type Engine struct {
	cfg      Config
	metric   distance.Func
	comm     collective.Communicator
	rng      *rand.Rand
	logger   *observability.Logger
	metrics  *observability.Metrics
	observer Observer

	data        [][]float64
	rankLengths []int

	refs []CenterRef
	// medoids is replaced, never written through, so earlier snapshots
	// stay valid
	medoids     [][]float64
	labels      []int
	distances   []float64
	initialCost float64
	cost        float64
	sweeps      []SweepStats
	started     bool
}

// New creates an engine
func New(cfg Config, metric distance.Func, opts ...Option) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if metric == nil {
		return nil, &ConfigError{Field: "metric", Value: nil, Reason: "distance function is required"}
	}

	e := &Engine{cfg: cfg, metric: metric}
	for _, opt := range opts {
		opt(e)
	}
	if e.comm == nil {
		e.comm = collective.NewLocal()
	}
	if e.rng == nil {
		e.rng = rand.New(rand.NewSource(cfg.Seed))
	}
	if e.logger == nil {
		e.logger = observability.NewNopLogger()
	}
	if e.comm.Distributed() {
		e.logger = e.logger.WithField("rank", e.comm.Rank())
	}
	return e, nil
}

// Fit seeds the medoids, runs Config.Iterations sweeps and returns the result
func (e *Engine) Fit(ctx context.Context, data [][]float64) (*ClusterResult, error) {
	if err := e.Init(ctx, data); err != nil {
		return nil, err
	}
	for i := 0; i < e.cfg.Iterations; i++ {
		if _, err := e.Sweep(ctx); err != nil {
			return nil, err
		}
	}
	return e.Result(), nil
}

// Fit clusters data in a single process
func Fit(ctx context.Context, data [][]float64, metric distance.Func, cfg Config, opts ...Option) (*ClusterResult, error) {
	e, err := New(cfg, metric, opts...)
	if err != nil {
		return nil, err
	}
	return e.Fit(ctx, data)
}

// Init draws k distinct seeds over the global dataset, assigns every
// observation to its nearest seed and snaps each cluster onto an exact
// member.
func (e *Engine) Init(ctx context.Context, data [][]float64) error {
	if err := e.gatherLengths(ctx, data); err != nil {
		return e.fail(ctx, err)
	}

	n := 0
	for _, l := range e.rankLengths {
		n += l
	}

	seeds, fallback, err := SeedIndices(n, e.cfg.K, e.rng, e.cfg.MaxSeedAttempts)
	if err != nil {
		return err
	}
	if fallback {
		e.logger.Warn("Distinct seed draw exhausted, using a partial permutation", map[string]interface{}{
			"k":            e.cfg.K,
			"observations": n,
			"attempts":     e.cfg.MaxSeedAttempts,
		})
	}

	refs, err := e.globalRefs(seeds)
	if err != nil {
		return e.fail(ctx, err)
	}
	if err := e.start(ctx, refs, true); err != nil {
		return e.fail(ctx, err)
	}
	return nil
}

// InitWithCenters starts refinement from existing medoids instead of
// random seeds. refs must use the variant matching the communicator.
func (e *Engine) InitWithCenters(ctx context.Context, data [][]float64, refs []CenterRef) error {
	if len(refs) != e.cfg.K {
		return &ConfigError{Field: "centers", Value: len(refs), Reason: fmt.Sprintf("expected %d", e.cfg.K)}
	}
	for _, ref := range refs {
		if ref.IsRemote() != e.comm.Distributed() {
			return &ConfigError{Field: "centers", Value: ref, Reason: "reference variant does not match the communicator"}
		}
	}
	if err := e.gatherLengths(ctx, data); err != nil {
		return e.fail(ctx, err)
	}
	if err := e.start(ctx, append([]CenterRef(nil), refs...), false); err != nil {
		return e.fail(ctx, err)
	}
	return nil
}

func (e *Engine) gatherLengths(ctx context.Context, data [][]float64) error {
	e.data = data
	e.sweeps = nil

	if !e.comm.Distributed() {
		e.rankLengths = []int{len(data)}
		return nil
	}

	lists, err := e.comm.Allgather(ctx, []int64{int64(len(data))})
	if err != nil {
		return fmt.Errorf("gather rank lengths: %w", err)
	}
	e.rankLengths = make([]int, len(lists))
	for r, l := range lists {
		if len(l) != 1 {
			return fmt.Errorf("rank %d reported %d lengths: %w", r, len(l), collective.ErrProtocol)
		}
		e.rankLengths[r] = int(l[0])
	}
	return nil
}

// globalRefs maps global observation indices onto references
func (e *Engine) globalRefs(global []int) ([]CenterRef, error) {
	refs := make([]CenterRef, len(global))
	if !e.comm.Distributed() {
		for i, g := range global {
			refs[i] = Local(g)
		}
		return refs, nil
	}

	locs, err := partition.Indices(global, e.rankLengths)
	if err != nil {
		return nil, err
	}
	for i, loc := range locs {
		refs[i] = Remote(loc.Source, loc.Index)
	}
	return refs, nil
}

// start materialises refs, assigns every observation and computes the
// initial cost. With snap set, each cluster is moved onto its first
// zero-distance member.
func (e *Engine) start(ctx context.Context, refs []CenterRef, snap bool) error {
	medoids, err := e.materialize(ctx, refs)
	if err != nil {
		return err
	}
	a, err := AssignToNearestCenter(e.data, medoids, e.measure)
	if err != nil {
		return err
	}

	if snap {
		snapped, changed, err := e.snap(ctx, refs, a)
		if err != nil {
			return err
		}
		if changed {
			refs = snapped
			if medoids, err = e.materialize(ctx, refs); err != nil {
				return err
			}
			if a, err = AssignToNearestCenter(e.data, medoids, e.measure); err != nil {
				return err
			}
		}
	}

	empty, err := e.emptyClusters(ctx, len(refs), a.Labels)
	if err != nil {
		return err
	}
	if len(empty) > 0 {
		e.logger.Warn("Clusters start without members and will be skipped", map[string]interface{}{
			"clusters": empty,
			"k":        len(refs),
		})
	}

	cost, err := collective.GlobalReduce(ctx, e.comm, e.cfg.Cost.Terms(a.Distances), e.cfg.Cost.Reduce)
	if err != nil {
		return fmt.Errorf("initial cost: %w", err)
	}

	e.refs = refs
	e.medoids = medoids
	e.labels = a.Labels
	e.distances = a.Distances
	e.initialCost = cost
	e.cost = cost
	e.started = true

	e.metrics.RecordStart(len(e.data), cost)
	if e.observer != nil {
		e.observer.ObserveStart(len(e.data), cost)
	}
	e.logger.Info("Initialized medoids", map[string]interface{}{
		"k":            len(refs),
		"observations": len(e.data),
		"cost":         cost,
		"centers":      refStrings(refs),
	})
	return nil
}

// emptyClusters returns the clusters no rank assigned an observation to.
// Medoids with identical coordinates leave every later one empty.
func (e *Engine) emptyClusters(ctx context.Context, k int, labels []int) ([]int, error) {
	counts := make([]int64, k)
	for _, l := range labels {
		if l >= 0 && l < k {
			counts[l]++
		}
	}
	all := [][]int64{counts}
	if e.comm.Distributed() {
		var err error
		if all, err = e.comm.Allgather(ctx, counts); err != nil {
			return nil, fmt.Errorf("gather cluster sizes: %w", err)
		}
	}

	var empty []int
	for cid := 0; cid < k; cid++ {
		var total int64
		for rank, c := range all {
			if len(c) != k {
				return nil, fmt.Errorf("rank %d sent %d cluster sizes: %w", rank, len(c), collective.ErrProtocol)
			}
			total += c[cid]
		}
		if total == 0 {
			empty = append(empty, cid)
		}
	}
	return empty, nil
}

func (e *Engine) materialize(ctx context.Context, refs []CenterRef) ([][]float64, error) {
	medoids := make([][]float64, len(refs))
	for i, ref := range refs {
		row, err := collective.BroadcastObservation(ctx, e.comm, e.data, ref.Owner(), ref.Index)
		if err != nil {
			return nil, fmt.Errorf("materialize center %d at %s: %w", i, ref, err)
		}
		medoids[i] = row
	}
	return medoids, nil
}

// snap picks, for every cluster, the first zero-distance member assigned to
// it; across ranks the lowest (rank, index) wins. Clusters with no such
// member keep their reference.
func (e *Engine) snap(ctx context.Context, refs []CenterRef, a *Assignment) ([]CenterRef, bool, error) {
	found, err := FindClusterCenters([][][]float64{e.data}, a.Distances)
	if err != nil {
		return nil, false, err
	}

	local := make([]int64, len(refs))
	for i := range local {
		local[i] = -1
	}
	for _, c := range found {
		label := a.Labels[c.Flat]
		if local[label] < 0 {
			local[label] = int64(c.Flat)
		}
	}

	candidates := [][]int64{local}
	if e.comm.Distributed() {
		if candidates, err = e.comm.Allgather(ctx, local); err != nil {
			return nil, false, fmt.Errorf("gather center candidates: %w", err)
		}
	}

	snapped := append([]CenterRef(nil), refs...)
	changed := false
	for cid := range snapped {
		for rank, list := range candidates {
			if len(list) != len(refs) {
				return nil, false, fmt.Errorf("rank %d sent %d center candidates: %w", rank, len(list), collective.ErrProtocol)
			}
			if list[cid] < 0 {
				continue
			}
			ref := Local(int(list[cid]))
			if e.comm.Distributed() {
				ref = Remote(rank, int(list[cid]))
			}
			if ref != snapped[cid] {
				snapped[cid] = ref
				changed = true
			}
			break
		}
	}
	return snapped, changed, nil
}

// Sweep proposes a new medoid for every cluster in order and keeps each
// proposal only if it strictly lowers the global cost
func (e *Engine) Sweep(ctx context.Context) (SweepStats, error) {
	if !e.started {
		return SweepStats{}, &ConfigError{Field: "engine", Value: "sweep", Reason: "Init must run first"}
	}

	start := time.Now()
	stats := SweepStats{Sweep: len(e.sweeps)}

	for cid := range e.refs {
		p, err := e.propose(ctx, stats.Sweep, cid)
		if err != nil {
			return stats, e.fail(ctx, err)
		}

		switch {
		case p.Skipped:
			stats.Skipped++
			e.metrics.RecordProposal("skipped", 0)
		case p.Accepted:
			stats.Proposed++
			stats.Accepted++
			e.metrics.RecordProposal("accepted", p.Ambiguous)
		default:
			stats.Proposed++
			e.metrics.RecordProposal("rejected", p.Ambiguous)
		}
		if e.observer != nil {
			e.observer.ObserveProposal(p)
		}
	}

	stats.AcceptanceRate = float64(stats.Accepted) / float64(len(e.refs))
	stats.Cost = e.cost
	stats.Duration = time.Since(start)
	e.sweeps = append(e.sweeps, stats)

	e.metrics.RecordSweep(stats.Duration, stats.Cost, stats.AcceptanceRate)
	if e.observer != nil {
		e.observer.ObserveSweep(stats)
	}
	e.logger.Info("KMedoids sweep complete", map[string]interface{}{
		"sweep":           stats.Sweep,
		"cost":            stats.Cost,
		"acceptance_rate": stats.AcceptanceRate,
		"accepted":        stats.Accepted,
		"skipped":         stats.Skipped,
		"duration":        stats.Duration,
	})
	return stats, nil
}

// propose runs one propose/evaluate/decide step for cluster cid. Every
// rank performs the same collectives in the same order whatever the
// outcome.
func (e *Engine) propose(ctx context.Context, sweep, cid int) (Proposal, error) {
	p := Proposal{Sweep: sweep, Cluster: cid, Current: e.refs[cid]}

	var subset []int
	for i, label := range e.labels {
		if label == cid {
			subset = append(subset, i)
		}
	}

	rank, index, ok, err := collective.UniformChoice(ctx, e.comm, subset, e.rng)
	if err != nil {
		return p, fmt.Errorf("sweep %d cluster %d: propose: %w", sweep, cid, err)
	}
	if !ok {
		p.Skipped = true
		p.OldCost, p.NewCost = e.cost, e.cost
		e.logger.Debug("No members to propose from, skipping cluster", map[string]interface{}{
			"sweep":   sweep,
			"cluster": cid,
		})
		return p, nil
	}

	p.Candidate = Local(index)
	if e.comm.Distributed() {
		p.Candidate = Remote(rank, index)
	}

	candidate, err := collective.BroadcastObservation(ctx, e.comm, e.data, rank, index)
	if err != nil {
		return p, fmt.Errorf("sweep %d cluster %d: %w", sweep, cid, err)
	}

	proposed, err := e.measure(e.data, candidate)
	if err != nil {
		return p, fmt.Errorf("sweep %d cluster %d: %w", sweep, cid, err)
	}
	if len(proposed) != len(e.data) {
		return p, &ShapeError{Op: "propose", What: "distance output", Expected: len(e.data), Actual: len(proposed)}
	}

	medoids := make([][]float64, len(e.medoids))
	copy(medoids, e.medoids)
	medoids[cid] = candidate

	labels, distances, ambiguous, err := e.evaluate(sweep, cid, proposed, medoids)
	if err != nil {
		return p, err
	}
	p.Ambiguous = ambiguous

	oldCost, err := collective.GlobalReduce(ctx, e.comm, e.cfg.Cost.Terms(e.distances), e.cfg.Cost.Reduce)
	if err != nil {
		return p, fmt.Errorf("sweep %d cluster %d: old cost: %w", sweep, cid, err)
	}
	newCost, err := collective.GlobalReduce(ctx, e.comm, e.cfg.Cost.Terms(distances), e.cfg.Cost.Reduce)
	if err != nil {
		return p, fmt.Errorf("sweep %d cluster %d: new cost: %w", sweep, cid, err)
	}
	p.OldCost, p.NewCost = oldCost, newCost

	fields := map[string]interface{}{
		"sweep":     sweep,
		"cluster":   cid,
		"current":   p.Current.String(),
		"candidate": p.Candidate.String(),
		"old_cost":  oldCost,
		"new_cost":  newCost,
		"ambiguous": ambiguous,
	}

	if newCost < oldCost {
		p.Accepted = true
		e.labels = labels
		e.distances = distances
		e.medoids = medoids
		e.refs[cid] = p.Candidate
		e.cost = newCost
		fields["accepted"] = true
		e.logger.Debug("Accepted proposed center", fields)
	} else {
		e.cost = oldCost
		fields["accepted"] = false
		e.logger.Debug("Rejected proposed center", fields)
	}
	return p, nil
}

// evaluate splits the local observations into the three proposal outcomes
// and merges them into new label and distance vectors
func (e *Engine) evaluate(sweep, cid int, proposed []float64, medoids [][]float64) ([]int, []float64, int, error) {
	n := len(e.data)
	labels := make([]int, n)
	distances := make([]float64, n)
	for i := range labels {
		labels[i] = -1
		distances[i] = -1
	}

	var ambiguous []int
	var fault *ConsistencyError

	for i := 0; i < n; i++ {
		switch {
		case proposed[i] < e.distances[i]:
			labels[i] = cid
			distances[i] = proposed[i]
		case e.distances[i] <= proposed[i] && e.labels[i] != cid:
			labels[i] = e.labels[i]
			distances[i] = e.distances[i]
		case e.distances[i] <= proposed[i] && e.labels[i] == cid:
			ambiguous = append(ambiguous, i)
		default:
			if fault == nil {
				fault = &ConsistencyError{
					Rank:     e.comm.Rank(),
					Sweep:    sweep,
					Cluster:  cid,
					Index:    i,
					Distance: e.distances[i],
					Proposed: proposed[i],
				}
			}
			fault.Uncovered++
		}
	}
	if fault != nil {
		return nil, nil, 0, fault
	}

	if len(ambiguous) > 0 {
		rows := make([][]float64, len(ambiguous))
		for j, i := range ambiguous {
			rows[j] = e.data[i]
		}
		a, err := AssignToNearestCenter(rows, medoids, e.measure)
		if err != nil {
			return nil, nil, 0, fmt.Errorf("sweep %d cluster %d: reassign: %w", sweep, cid, err)
		}
		for j, i := range ambiguous {
			labels[i] = a.Labels[j]
			distances[i] = a.Distances[j]
		}
	}

	for i := 0; i < n; i++ {
		if labels[i] < 0 || !(distances[i] >= 0) {
			if fault == nil {
				fault = &ConsistencyError{
					Rank:     e.comm.Rank(),
					Sweep:    sweep,
					Cluster:  cid,
					Index:    i,
					Distance: distances[i],
					Proposed: proposed[i],
				}
			}
			fault.Uncovered++
		}
	}
	if fault != nil {
		return nil, nil, 0, fault
	}

	e.logger.Debug("Recomputed nearest medoid", map[string]interface{}{
		"sweep":     sweep,
		"cluster":   cid,
		"ambiguous": len(ambiguous),
	})
	return labels, distances, len(ambiguous), nil
}

// measure wraps the metric with call accounting
func (e *Engine) measure(X [][]float64, ref []float64) ([]float64, error) {
	e.metrics.RecordDistanceCalls(1)
	return e.metric(X, ref)
}

// fail aborts the distributed job so peers stop waiting, then returns err
func (e *Engine) fail(ctx context.Context, err error) error {
	if !e.comm.Distributed() || errors.Is(err, collective.ErrAborted) || errors.Is(err, collective.ErrProtocol) {
		return err
	}
	if abortErr := e.comm.Abort(context.WithoutCancel(ctx), err); abortErr != nil {
		e.logger.Error("Failed to abort collective job", map[string]interface{}{
			"error": abortErr,
			"cause": err,
		})
	}
	return err
}

// Cost returns the current global cost
func (e *Engine) Cost() float64 {
	return e.cost
}

// Sweeps returns statistics of the sweeps run so far
func (e *Engine) Sweeps() []SweepStats {
	return append([]SweepStats(nil), e.sweeps...)
}

// Centers returns the current medoid references
func (e *Engine) Centers() []CenterRef {
	return append([]CenterRef(nil), e.refs...)
}

func refStrings(refs []CenterRef) []string {
	out := make([]string, len(refs))
	for i, r := range refs {
		out[i] = r.String()
	}
	return out
}
