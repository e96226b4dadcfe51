package pipeline

import (
	"sync"
	"time"
)

// StepStatus tracks one step's execution within a run.
type StepStatus string

const (
	StepStatusPending   StepStatus = "pending"
	StepStatusActive    StepStatus = "active"
	StepStatusCompleted StepStatus = "completed"
	StepStatusFailed    StepStatus = "failed"
	StepStatusSkipped   StepStatus = "skipped"
)

// StepState is the per-step execution record.
type StepState struct {
	ID          string
	Name        string
	Status      StepStatus
	StartedAt   time.Time
	CompletedAt time.Time
	Error       string
}

// Summary accumulates run-level counters. Steps update it from concurrent
// per-series workers.
type Summary struct {
	mu sync.Mutex

	SeriesPlanned     int
	FilingsDiscovered int
	FilingsNew        int

	Downloaded      int
	DownloadFailed  int
	Extracted       int
	ExtractFailed   int
	FilingsEnriched int
	EnrichFailed    int

	HoldingsExtracted int

	CacheHits     int
	RemoteLookups int
	Resolved      int
	Conflicts     int
	Derivatives   int
}

func (s *Summary) update(fn func(*Summary)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(s)
}

// RunState carries state across the steps of one pipeline run.
type RunState struct {
	RunID     string
	StartedAt time.Time

	mu     sync.Mutex
	steps  map[string]*StepState
	order  []string
	series []SeriesPlan

	Summary Summary
}

// SeriesPlan is one series selected for this run.
type SeriesPlan struct {
	CIK      string
	SeriesID string
	Ticker   string
}

// NewRunState creates the state for a run.
func NewRunState(runID string) *RunState {
	return &RunState{
		RunID:     runID,
		StartedAt: time.Now().UTC(),
		steps:     make(map[string]*StepState),
	}
}

// StepStarted records a step entering execution.
func (r *RunState) StepStarted(id, name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.steps[id] = &StepState{ID: id, Name: name, Status: StepStatusActive, StartedAt: time.Now().UTC()}
	r.order = append(r.order, id)
}

// StepFinished records a step's terminal status.
func (r *RunState) StepFinished(id string, status StepStatus, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	st, ok := r.steps[id]
	if !ok {
		st = &StepState{ID: id}
		r.steps[id] = st
		r.order = append(r.order, id)
	}
	st.Status = status
	st.CompletedAt = time.Now().UTC()
	if err != nil {
		st.Error = err.Error()
	}
}

// StepStates returns the per-step records in execution order.
func (r *RunState) StepStates() []StepState {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]StepState, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, *r.steps[id])
	}
	return out
}

// SetSeries records the series selected for this run.
func (r *RunState) SetSeries(series []SeriesPlan) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.series = series
	r.Summary.update(func(s *Summary) { s.SeriesPlanned = len(series) })
}

// Series returns the series selected for this run.
func (r *RunState) Series() []SeriesPlan {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]SeriesPlan, len(r.series))
	copy(out, r.series)
	return out
}

// Duration returns elapsed time since the run started.
func (r *RunState) Duration() time.Duration {
	return time.Since(r.StartedAt)
}
