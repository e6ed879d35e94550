package rest

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/therealutkarshpriyadarshi/kmedoids/pkg/kmedoids"
)

// Phase of a clustering run
type Phase string

const (
	PhaseInitializing Phase = "initializing"
	PhaseRefining     Phase = "refining"
	PhaseFinished     Phase = "finished"
	PhaseFailed       Phase = "failed"
)

// Status is the body of GET /v1/status
type Status struct {
	RunID          string             `json:"run_id"`
	Rank           int                `json:"rank"`
	WorldSize      int                `json:"world_size"`
	K              int                `json:"k"`
	Phase          Phase              `json:"phase"`
	Observations   int                `json:"observations"`
	Sweep          int                `json:"sweep"`
	Sweeps         int                `json:"sweeps"`
	InitialCost    float64            `json:"initial_cost"`
	Cost           float64            `json:"cost"`
	AcceptanceRate float64            `json:"acceptance_rate"`
	Accepted       int                `json:"accepted"`
	LastProposal   *kmedoids.Proposal `json:"last_proposal,omitempty"`
	Error          string             `json:"error,omitempty"`
	StartedAt      time.Time          `json:"started_at"`
	UpdatedAt      time.Time          `json:"updated_at"`
}

// Progress tracks one run for the status endpoint. It implements
// kmedoids.Observer and is safe for concurrent use.
type Progress struct {
	mu     sync.RWMutex
	status Status
}

// NewProgress creates a tracker for a run of the given shape
func NewProgress(rank, worldSize, k, sweeps int) *Progress {
	now := time.Now()
	return &Progress{status: Status{
		RunID:     uuid.NewString(),
		Rank:      rank,
		WorldSize: worldSize,
		K:         k,
		Phase:     PhaseInitializing,
		Sweeps:    sweeps,
		StartedAt: now,
		UpdatedAt: now,
	}}
}

func (p *Progress) ObserveStart(observations int, initialCost float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.status.Phase = PhaseRefining
	p.status.Observations = observations
	p.status.InitialCost = initialCost
	p.status.Cost = initialCost
	p.status.UpdatedAt = time.Now()
}

func (p *Progress) ObserveProposal(prop kmedoids.Proposal) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.status.LastProposal = &prop
	if prop.Accepted {
		p.status.Accepted++
		p.status.Cost = prop.NewCost
	}
	p.status.UpdatedAt = time.Now()
}

func (p *Progress) ObserveSweep(s kmedoids.SweepStats) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.status.Sweep = s.Sweep + 1
	p.status.Cost = s.Cost
	p.status.AcceptanceRate = s.AcceptanceRate
	p.status.UpdatedAt = time.Now()
}

// Finish marks the run as finished, or failed when err is non-nil
func (p *Progress) Finish(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err != nil {
		p.status.Phase = PhaseFailed
		p.status.Error = err.Error()
	} else {
		p.status.Phase = PhaseFinished
	}
	p.status.UpdatedAt = time.Now()
}

// Snapshot returns a copy of the current status
func (p *Progress) Snapshot() Status {
	p.mu.RLock()
	defer p.mu.RUnlock()
	s := p.status
	if s.LastProposal != nil {
		prop := *s.LastProposal
		s.LastProposal = &prop
	}
	return s
}

// Handler serves the status endpoints
type Handler struct {
	progress *Progress
	started  time.Time
}

// NewHandler creates a new status handler
func NewHandler(progress *Progress) *Handler {
	return &Handler{
		progress: progress,
		started:  time.Now(),
	}
}

// HealthCheck handles GET /v1/health
func (h *Handler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	s := h.progress.Snapshot()
	code := http.StatusOK
	if s.Phase == PhaseFailed {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, map[string]interface{}{
		"status":         s.Phase,
		"run_id":         s.RunID,
		"uptime_seconds": int64(time.Since(h.started).Seconds()),
	}, code)
}

// GetStatus handles GET /v1/status
func (h *Handler) GetStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, h.progress.Snapshot(), http.StatusOK)
}

// writeJSON writes a JSON response
func writeJSON(w http.ResponseWriter, data interface{}, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(data)
}

// writeError writes an error response
func writeError(w http.ResponseWriter, message string, statusCode int) {
	writeJSON(w, map[string]interface{}{
		"error":  message,
		"status": statusCode,
	}, statusCode)
}
