package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for a clustering run. A nil
// *Metrics is valid and records nothing.
type Metrics struct {
	// Refinement metrics
	SweepsTotal      prometheus.Counter
	SweepDuration    prometheus.Histogram
	ProposalsTotal   *prometheus.CounterVec
	Cost             prometheus.Gauge
	InitialCost      prometheus.Gauge
	AcceptanceRate   prometheus.Gauge
	AmbiguousPoints  prometheus.Histogram
	DistanceCalls    prometheus.Counter
	ObservationsSeen prometheus.Gauge

	// Collective metrics
	CollectiveCalls    *prometheus.CounterVec
	CollectiveDuration *prometheus.HistogramVec
	CollectiveErrors   *prometheus.CounterVec

	// Coordinator metrics
	RoundsCompleted *prometheus.CounterVec
	RoundsPending   prometheus.Gauge
	RanksAborted    prometheus.Counter

	// Status API metrics
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec
}

// NewMetrics creates all metrics and registers them with reg. A nil reg
// registers with the Prometheus default registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	m := &Metrics{
		// Refinement metrics
		SweepsTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "kmedoids_sweeps_total",
				Help: "Total number of completed PAM sweeps",
			},
		),
		SweepDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "kmedoids_sweep_duration_seconds",
				Help:    "Duration of one PAM sweep over all clusters",
				Buckets: prometheus.ExponentialBuckets(0.001, 4, 10),
			},
		),
		ProposalsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "kmedoids_proposals_total",
				Help: "Medoid replacement proposals by outcome",
			},
			[]string{"outcome"},
		),
		Cost: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "kmedoids_cost",
				Help: "Global clustering cost after the latest sweep",
			},
		),
		InitialCost: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "kmedoids_initial_cost",
				Help: "Global clustering cost before the first sweep",
			},
		),
		AcceptanceRate: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "kmedoids_acceptance_rate",
				Help: "Fraction of clusters whose proposal was accepted in the latest sweep",
			},
		),
		AmbiguousPoints: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "kmedoids_ambiguous_points",
				Help:    "Observations recomputed against the full medoid set per proposal",
				Buckets: prometheus.ExponentialBuckets(1, 4, 10),
			},
		),
		DistanceCalls: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "kmedoids_distance_calls_total",
				Help: "Batched distance oracle invocations",
			},
		),
		ObservationsSeen: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "kmedoids_local_observations",
				Help: "Observations held by this rank",
			},
		),

		// Collective metrics
		CollectiveCalls: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "kmedoids_collective_calls_total",
				Help: "Collective operations by kind",
			},
			[]string{"kind"},
		),
		CollectiveDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "kmedoids_collective_duration_seconds",
				Help:    "Time spent in a collective, including waiting for peers",
				Buckets: []float64{.0005, .001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
			},
			[]string{"kind"},
		),
		CollectiveErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "kmedoids_collective_errors_total",
				Help: "Failed collective operations by kind",
			},
			[]string{"kind"},
		),

		// Coordinator metrics
		RoundsCompleted: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "kmedoids_coordinator_rounds_total",
				Help: "Collective rounds resolved by the coordinator, by kind and result",
			},
			[]string{"kind", "result"},
		),
		RoundsPending: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "kmedoids_coordinator_rounds_pending",
				Help: "Collective rounds waiting for contributions",
			},
		),
		RanksAborted: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "kmedoids_coordinator_aborts_total",
				Help: "Abort requests received from ranks",
			},
		),

		// Status API metrics
		RequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "kmedoids_status_requests_total",
				Help: "Status API requests by path and status",
			},
			[]string{"path", "status"},
		),
		RequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "kmedoids_status_request_duration_seconds",
				Help:    "Status API request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"path"},
		),
	}

	return m
}

// RecordSweep records a completed sweep
func (m *Metrics) RecordSweep(duration time.Duration, cost, acceptanceRate float64) {
	if m == nil {
		return
	}
	m.SweepsTotal.Inc()
	m.SweepDuration.Observe(duration.Seconds())
	m.Cost.Set(cost)
	m.AcceptanceRate.Set(acceptanceRate)
}

// RecordProposal records the outcome of one proposal ("accepted", "rejected", "skipped")
func (m *Metrics) RecordProposal(outcome string, ambiguous int) {
	if m == nil {
		return
	}
	m.ProposalsTotal.WithLabelValues(outcome).Inc()
	if outcome != "skipped" {
		m.AmbiguousPoints.Observe(float64(ambiguous))
	}
}

// RecordDistanceCalls adds n batched distance invocations
func (m *Metrics) RecordDistanceCalls(n int) {
	if m == nil {
		return
	}
	m.DistanceCalls.Add(float64(n))
}

// RecordCollective records one collective operation
func (m *Metrics) RecordCollective(kind string, duration time.Duration, err error) {
	if m == nil {
		return
	}
	m.CollectiveCalls.WithLabelValues(kind).Inc()
	m.CollectiveDuration.WithLabelValues(kind).Observe(duration.Seconds())
	if err != nil {
		m.CollectiveErrors.WithLabelValues(kind).Inc()
	}
}

// RecordRound records a round resolved by the coordinator
func (m *Metrics) RecordRound(kind, result string) {
	if m == nil {
		return
	}
	m.RoundsCompleted.WithLabelValues(kind, result).Inc()
}

// RecordRequest records a status API request with duration and status
func (m *Metrics) RecordRequest(path, status string, duration time.Duration) {
	if m == nil {
		return
	}
	m.RequestsTotal.WithLabelValues(path, status).Inc()
	m.RequestDuration.WithLabelValues(path).Observe(duration.Seconds())
}

// RecordStart records the dataset size and cost before refinement
func (m *Metrics) RecordStart(observations int, initialCost float64) {
	if m == nil {
		return
	}
	m.ObservationsSeen.Set(float64(observations))
	m.InitialCost.Set(initialCost)
	m.Cost.Set(initialCost)
}

// SetRoundsPending updates the coordinator's pending round gauge
func (m *Metrics) SetRoundsPending(n int) {
	if m == nil {
		return
	}
	m.RoundsPending.Set(float64(n))
}

// RecordAbort records an abort request received by the coordinator
func (m *Metrics) RecordAbort() {
	if m == nil {
		return
	}
	m.RanksAborted.Inc()
}
