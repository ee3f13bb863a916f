package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"strings"
	"time"

	"github.com/google/uuid"

	"extsched/internal/plugin"
	"extsched/internal/task"
	"extsched/internal/task/engine"
	"extsched/internal/task/scheduler"
	logx "extsched/pkg/logx"
)

// fireHandler turns trigger firings of j into engine work. Firings that
// belong to a replaced or removed registration are ignored.
func (s *Service) fireHandler(j *job) scheduler.Handler {
	id, gen := j.spec.ID, j.gen
	return func(f scheduler.Fire) {
		s.mu.Lock()
		cur := s.jobs[id]
		if cur == nil || cur.gen != gen || cur.paused {
			s.mu.Unlock()
			return
		}
		spec := cur.spec
		spec.Config = maps.Clone(cur.spec.Config)
		s.mu.Unlock()

		execID := uuid.NewString()
		var res task.Result
		err := s.eng.Enqueue(engine.Task{
			ID:          execID,
			Name:        "job:" + id,
			Key:         id,
			ScheduledAt: f.ScheduledAt,
			Run: func(ctx context.Context) error {
				res = s.execute(ctx, id, spec.TaskID, execID, spec.Config, nil, spec.Timeout)
				return res.Err()
			},
			Done: func(out engine.Outcome) {
				s.settle(cur, f, execID, out, res)
			},
		})
		if err == nil {
			return
		}

		s.reportEnqueueError(id, err)
		if errors.Is(err, engine.ErrOverlapSkip) {
			s.mu.Lock()
			cur.stats.Skipped++
			s.mu.Unlock()
			s.publish(EventJobSkipped, JobEvent{JobID: id, TaskID: spec.TaskID, ScheduledAt: f.ScheduledAt})
		}
		if f.Final {
			s.dropFinished(cur)
		}
	}
}

// settle records the outcome of one triggered execution.
func (s *Service) settle(j *job, f scheduler.Fire, execID string, out engine.Outcome, res task.Result) {
	id := j.spec.ID
	switch out.Status {
	case engine.StatusMissed:
		s.mu.Lock()
		j.stats.Missed++
		s.mu.Unlock()
		s.log.Warn("job firing missed",
			logx.String("job_id", id),
			logx.Time("scheduled_at", f.ScheduledAt),
			logx.Duration("lateness", out.Lateness),
		)
		s.publish(EventJobMissed, JobEvent{
			JobID:       id,
			TaskID:      j.spec.TaskID,
			ExecutionID: execID,
			ScheduledAt: f.ScheduledAt,
			Lateness:    out.Lateness,
		})
	case engine.StatusCanceled:
		s.log.Debug("job firing canceled before start", logx.String("job_id", id))
	default:
		s.mu.Lock()
		j.stats.Runs++
		if !res.Success {
			j.stats.Failures++
		}
		j.stats.Last = &LastRun{
			ExecutionID: execID,
			FinishedAt:  time.Now(),
			Duration:    out.Duration,
			Success:     res.Success,
			Error:       res.Error,
			Kind:        res.Kind,
		}
		s.mu.Unlock()
	}
	if f.Final {
		s.dropFinished(j)
	}
}

// dropFinished forgets a one-shot job after its single firing.
func (s *Service) dropFinished(j *job) {
	id := j.spec.ID
	s.mu.Lock()
	cur := s.jobs[id]
	gone := cur != nil && cur.gen == j.gen
	if gone {
		delete(s.jobs, id)
	}
	s.mu.Unlock()
	if gone {
		s.log.Info("one-shot job finished", logx.String("job_id", id))
	}
}

// ExecuteTaskNow runs taskID once on the caller's goroutine, outside any
// job, and returns its result. Unknown tasks and rejected configs return a
// failed Result together with a configuration error.
func (s *Service) ExecuteTaskNow(ctx context.Context, taskID string, cfg map[string]any) (task.Result, error) {
	taskID = strings.TrimSpace(taskID)

	s.mu.Lock()
	err := s.checkRunningLocked()
	timeout := s.defaultTimeout
	s.mu.Unlock()
	if err != nil {
		return task.Fail(err), err
	}

	if !s.pm.HasTask(taskID) {
		return task.Failf(task.KindUnknownTask, "unknown task: %s", taskID), fmt.Errorf("%w: %s", ErrUnknownTask, taskID)
	}
	cfg = maps.Clone(cfg)
	if cfg == nil {
		cfg = map[string]any{}
	}
	if err := s.pm.ValidateConfig(taskID, cfg); err != nil {
		return task.Failf(task.KindInvalidConfig, "%v", err), fmt.Errorf("%w: %s: %w", ErrInvalidConfig, taskID, err)
	}

	jobID := "manual-" + uuid.NewString()
	execID := uuid.NewString()
	var res task.Result
	_, err = s.eng.RunNow(ctx, engine.Task{
		ID:   execID,
		Name: "manual:" + taskID,
		Run: func(ctx context.Context) error {
			res = s.execute(ctx, jobID, taskID, execID, cfg, nil, timeout)
			return res.Err()
		},
	})
	if err != nil {
		return task.Fail(err), err
	}
	return res, nil
}

// execute is the firing wrapper shared by triggered and manual runs.
func (s *Service) execute(ctx context.Context, jobID, taskID, execID string, cfg, overrides map[string]any, timeout time.Duration) task.Result {
	if timeout <= 0 {
		s.mu.Lock()
		timeout = s.defaultTimeout
		s.mu.Unlock()
	}
	merged := maps.Clone(cfg)
	if merged == nil {
		merged = map[string]any{}
	}
	maps.Copy(merged, overrides)

	ev := ExecutionEvent{JobID: jobID, TaskID: taskID, ExecutionID: execID}
	started := ev
	started.Config = merged
	s.publish(EventTaskStarted, started)

	log := s.log.With(logx.String("job_id", jobID), logx.String("task_id", taskID), logx.String("execution_id", execID))
	start := time.Now()
	res := s.pm.ExecuteTask(ctx, plugin.Execution{
		JobID:       jobID,
		ExecutionID: execID,
		TaskID:      taskID,
		Config:      cfg,
		Overrides:   overrides,
		Timeout:     timeout,
	})
	ev.Duration = time.Since(start)

	if !res.Success {
		ev.Error, ev.Kind = res.Error, res.Kind
		log.Warn("task failed", logx.String("kind", string(res.Kind)), logx.String("error", res.Error), logx.Duration("took", ev.Duration))
		s.publish(EventTaskFailed, ev)
		return res
	}

	log.Debug("task completed", logx.Duration("took", ev.Duration))
	r := res
	ev.Result = &r
	s.publish(EventTaskCompleted, ev)
	for _, name := range res.Events {
		if name = strings.TrimSpace(name); name == "" {
			continue
		}
		s.publish(name, task.DomainEvent{JobID: jobID, TaskID: taskID, ExecutionID: execID, Data: res.Data})
	}
	return res
}
