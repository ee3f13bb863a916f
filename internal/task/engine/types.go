package engine

import (
	"context"
	"sync"
	"time"
)

// Config controls the execution engine.
//
// The trigger layer only decides when something fires; queueing, the worker
// pool, overlap gating and misfire handling live here.
type Config struct {
	Workers   int
	QueueSize int

	// MisfireGrace drops work that starts later than this past its scheduled
	// time (or past enqueue time when none is set). 0 disables the check.
	MisfireGrace time.Duration

	HistorySize int
}

// RunState tracks whether work for one key is already queued or running.
// Overlap is "skip if running OR already queued", so a trigger firing faster
// than execution never grows the queue.
type RunState struct {
	mu       sync.Mutex
	inflight int
}

func (s *RunState) tryAcquire() bool {
	if s == nil {
		return true
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.inflight > 0 {
		return false
	}
	s.inflight++
	return true
}

func (s *RunState) release() {
	if s == nil {
		return
	}
	s.mu.Lock()
	if s.inflight > 0 {
		s.inflight--
	}
	s.mu.Unlock()
}

// Busy reports whether work for this state is queued or running.
func (s *RunState) Busy() bool {
	if s == nil {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inflight > 0
}

// Status is how a piece of work ended.
type Status string

const (
	StatusOK       Status = "ok"
	StatusFailed   Status = "failed"
	StatusMissed   Status = "missed"
	StatusCanceled Status = "canceled"
)

// Outcome is handed to Task.Done exactly once per accepted task.
type Outcome struct {
	Status     Status
	Err        error
	QueueDelay time.Duration
	// Lateness is start time minus ScheduledAt (or enqueue time).
	Lateness time.Duration
	Duration time.Duration
}

// Task is a unit of work executed by the engine.
//
// Key selects the overlap gate; an empty Key disables gating.
// Done, when set, observes the final outcome of accepted work, including
// work dropped as missed or canceled on stop.
type Task struct {
	ID          string
	Name        string
	Key         string
	ScheduledAt time.Time
	Run         func(ctx context.Context) error
	Done        func(Outcome)
}

type HistoryItem struct {
	ID         string        `json:"id"`
	Name       string        `json:"name"`
	Key        string        `json:"key,omitempty"`
	Started    time.Time     `json:"started"`
	QueueDelay time.Duration `json:"queue_delay"`
	Duration   time.Duration `json:"duration"`
	Status     Status        `json:"status"`
	Error      string        `json:"error,omitempty"`
}

// Snapshot is a lightweight view for diagnostics.
type Snapshot struct {
	Running  bool `json:"running"`
	Workers  int  `json:"workers"`
	QueueLen int  `json:"queue_len"`
	QueueCap int  `json:"queue_cap"`
	InFlight int  `json:"in_flight"`

	Completed        uint64 `json:"completed"`
	Failed           uint64 `json:"failed"`
	Skipped          uint64 `json:"skipped"`
	Missed           uint64 `json:"missed"`
	DroppedQueueFull uint64 `json:"dropped_queue_full"`

	MisfireGrace time.Duration `json:"misfire_grace"`

	// History is newest-first.
	History []HistoryItem `json:"history,omitempty"`
}
