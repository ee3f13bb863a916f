package orchestrator

import (
	"context"
	"fmt"
	"maps"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"extsched/internal/task/scheduler"
	logx "extsched/pkg/logx"
)

// CreateJob validates spec and registers its trigger, replacing any job with
// the same id. It returns the job id, generated when spec.ID is empty.
func (s *Service) CreateJob(ctx context.Context, spec JobSpec) (string, error) {
	_ = ctx

	s.mu.Lock()
	err := s.checkRunningLocked()
	s.mu.Unlock()
	if err != nil {
		return "", err
	}

	trig, err := s.prepareJob(&spec)
	if err != nil {
		return "", err
	}
	if spec.ID == "" {
		spec.ID = uuid.NewString()
	}
	if spec.Name == "" {
		spec.Name = spec.ID
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkRunningLocked(); err != nil {
		return "", err
	}
	s.gen++
	j := &job{spec: spec, trig: trig, gen: s.gen, createdAt: time.Now()}
	_, replaced := s.jobs[spec.ID]
	if err := s.sch.Upsert(spec.ID, trig, s.fireHandler(j)); err != nil {
		return "", fmt.Errorf("%w: %w", ErrInvalidTrigger, err)
	}
	s.jobs[spec.ID] = j

	s.log.Info("job created",
		logx.String("job_id", spec.ID),
		logx.String("task_id", spec.TaskID),
		logx.String("trigger", trig.Describe),
		logx.Bool("replaced", replaced),
	)
	s.publish(EventJobCreated, JobEvent{JobID: spec.ID, TaskID: spec.TaskID, Trigger: trig.Describe})
	return spec.ID, nil
}

// prepareJob normalizes spec and builds its trigger.
func (s *Service) prepareJob(spec *JobSpec) (scheduler.Trigger, error) {
	spec.ID = strings.TrimSpace(spec.ID)
	spec.Name = strings.TrimSpace(spec.Name)
	spec.TaskID = strings.TrimSpace(spec.TaskID)
	if spec.TaskID == "" {
		return scheduler.Trigger{}, fmt.Errorf("%w: task_id required", ErrUnknownTask)
	}
	if !s.pm.HasTask(spec.TaskID) {
		return scheduler.Trigger{}, fmt.Errorf("%w: %s", ErrUnknownTask, spec.TaskID)
	}
	if spec.Timeout < 0 {
		return scheduler.Trigger{}, fmt.Errorf("%w: negative timeout", ErrInvalidConfig)
	}
	spec.Config = maps.Clone(spec.Config)
	if spec.Config == nil {
		spec.Config = map[string]any{}
	}
	if err := s.pm.ValidateConfig(spec.TaskID, spec.Config); err != nil {
		return scheduler.Trigger{}, fmt.Errorf("%w: %s: %w", ErrInvalidConfig, spec.TaskID, err)
	}
	return s.sch.Builder().Build(spec.Schedule)
}

// RemoveJob unregisters a job. An execution already running finishes.
func (s *Service) RemoveJob(id string) bool {
	id = strings.TrimSpace(id)
	s.mu.Lock()
	j := s.jobs[id]
	if j != nil {
		delete(s.jobs, id)
		s.sch.Remove(id)
	}
	s.mu.Unlock()

	if j == nil {
		s.log.Info("remove job: not found", logx.String("job_id", id))
		return false
	}
	if !s.eng.Busy(id) {
		s.eng.Forget(id)
	}
	s.log.Info("job removed", logx.String("job_id", id))
	s.publish(EventJobRemoved, JobEvent{JobID: id, TaskID: j.spec.TaskID})
	return true
}

// PauseJob stops a job's trigger from firing. It reports whether the job
// exists; pausing a paused job is a no-op.
func (s *Service) PauseJob(id string) bool {
	return s.setPaused(strings.TrimSpace(id), true)
}

// ResumeJob re-arms a paused job. Like PauseJob it reports existence.
func (s *Service) ResumeJob(id string) bool {
	return s.setPaused(strings.TrimSpace(id), false)
}

func (s *Service) setPaused(id string, paused bool) bool {
	op := "resume"
	if paused {
		op = "pause"
	}
	s.mu.Lock()
	j := s.jobs[id]
	changed := j != nil && j.paused != paused
	if changed {
		if paused {
			s.sch.Pause(id)
		} else {
			s.sch.Resume(id)
		}
		j.paused = paused
	}
	s.mu.Unlock()

	switch {
	case j == nil:
		s.log.Info(op+" job: not found", logx.String("job_id", id))
		return false
	case !changed:
		s.log.Debug(op+" job: already in state", logx.String("job_id", id))
	default:
		s.log.Info("job "+op+"d", logx.String("job_id", id))
	}
	return true
}

// Jobs lists registered jobs sorted by id.
func (s *Service) Jobs() []JobInfo {
	s.mu.Lock()
	out := make([]JobInfo, 0, len(s.jobs))
	for _, j := range s.jobs {
		out = append(out, s.infoLocked(j))
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, k int) bool { return out[i].ID < out[k].ID })
	return out
}

func (s *Service) Job(id string) (JobInfo, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j := s.jobs[strings.TrimSpace(id)]
	if j == nil {
		return JobInfo{}, false
	}
	return s.infoLocked(j), true
}

func (s *Service) infoLocked(j *job) JobInfo {
	it := JobInfo{
		ID:        j.spec.ID,
		Name:      j.spec.Name,
		TaskID:    j.spec.TaskID,
		Kind:      j.trig.Kind,
		Trigger:   j.trig.Describe,
		Paused:    j.paused,
		Running:   s.eng.Busy(j.spec.ID),
		Timeout:   j.spec.Timeout,
		Origin:    j.spec.Origin,
		CreatedAt: j.createdAt,
		Config:    maps.Clone(j.spec.Config),
		Stats:     j.stats,
	}
	if j.stats.Last != nil {
		last := *j.stats.Last
		it.Stats.Last = &last
	}
	if next := s.sch.Next(j.spec.ID); !next.IsZero() {
		it.Next = &next
	}
	return it
}
