// Package orchestrator ties the plugin registry, the trigger service and the
// execution engine together behind the job-management operations.
package orchestrator

import (
	"encoding/json"
	"errors"
	"time"

	"extsched/internal/task"
	"extsched/internal/task/engine"
	"extsched/internal/task/scheduler"
)

var (
	ErrNotInitialized     = errors.New("orchestrator not initialized")
	ErrAlreadyInitialized = errors.New("orchestrator already initialized")
	ErrShutdown           = errors.New("orchestrator shut down")

	ErrUnknownTask   = errors.New("unknown task")
	ErrInvalidConfig = errors.New("invalid task config")
	// ErrInvalidTrigger is the trigger service's sentinel so callers can
	// match either one.
	ErrInvalidTrigger = scheduler.ErrInvalidTrigger
)

// PluginSpec names a registered plugin factory and its raw config.
type PluginSpec struct {
	Ref    string
	Config json.RawMessage
}

type Config struct {
	Plugins   []PluginSpec
	Engine    engine.Config
	Scheduler scheduler.Config

	// DefaultTimeout bounds executions whose job sets no timeout.
	// Zero leaves them unbounded.
	DefaultTimeout time.Duration
}

// JobSpec is the input of CreateJob.
type JobSpec struct {
	ID       string         `json:"job_id,omitempty"`
	Name     string         `json:"name,omitempty"`
	TaskID   string         `json:"task_id"`
	Schedule scheduler.Spec `json:"schedule"`
	Config   map[string]any `json:"config,omitempty"`
	Timeout  time.Duration  `json:"timeout,omitempty"`

	// Origin tags who created the job ("config", "api"); informational.
	Origin string `json:"origin,omitempty"`
}

// LastRun summarizes the most recent finished execution of a job.
type LastRun struct {
	ExecutionID string        `json:"execution_id"`
	FinishedAt  time.Time     `json:"finished_at"`
	Duration    time.Duration `json:"duration"`
	Success     bool          `json:"success"`
	Error       string        `json:"error,omitempty"`
	Kind        task.Kind     `json:"kind,omitempty"`
}

type JobStats struct {
	Runs     uint64   `json:"runs"`
	Failures uint64   `json:"failures"`
	Skipped  uint64   `json:"skipped"`
	Missed   uint64   `json:"missed"`
	Last     *LastRun `json:"last,omitempty"`
}

// JobInfo is the listing view of a job.
type JobInfo struct {
	ID        string         `json:"job_id"`
	Name      string         `json:"name"`
	TaskID    string         `json:"task_id"`
	Kind      scheduler.Kind `json:"kind"`
	Trigger   string         `json:"trigger"`
	Next      *time.Time     `json:"next_run,omitempty"`
	Paused    bool           `json:"paused"`
	Running   bool           `json:"running"`
	Timeout   time.Duration  `json:"timeout,omitempty"`
	Origin    string         `json:"origin,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
	Config    map[string]any `json:"config,omitempty"`
	Stats     JobStats       `json:"stats"`
}

// ExecutionEvent is the payload of task.started, task.completed and
// task.failed.
type ExecutionEvent struct {
	JobID       string         `json:"job_id"`
	TaskID      string         `json:"task_id"`
	ExecutionID string         `json:"execution_id"`
	Config      map[string]any `json:"config,omitempty"`
	Result      *task.Result   `json:"result,omitempty"`
	Error       string         `json:"error,omitempty"`
	Kind        task.Kind      `json:"kind,omitempty"`
	Duration    time.Duration  `json:"duration,omitempty"`
}

// JobEvent is the payload of job lifecycle events.
type JobEvent struct {
	JobID       string        `json:"job_id"`
	TaskID      string        `json:"task_id"`
	ExecutionID string        `json:"execution_id,omitempty"`
	ScheduledAt time.Time     `json:"scheduled_at,omitempty"`
	Lateness    time.Duration `json:"lateness,omitempty"`
	Trigger     string        `json:"trigger,omitempty"`
}

// Event types published by the orchestrator.
const (
	EventTaskStarted   = "task.started"
	EventTaskCompleted = "task.completed"
	EventTaskFailed    = "task.failed"
	EventJobCreated    = "job.created"
	EventJobRemoved    = "job.removed"
	EventJobSkipped    = "job.skipped"
	EventJobMissed     = "job.missed"
)

type job struct {
	spec      JobSpec
	trig      scheduler.Trigger
	gen       uint64
	paused    bool
	createdAt time.Time
	stats     JobStats
}

type lifecycle int

const (
	stateNew lifecycle = iota
	stateRunning
	stateShutdown
)
