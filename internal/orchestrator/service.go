package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"extsched/internal/eventbus"
	"extsched/internal/plugin"
	"extsched/internal/task"
	"extsched/internal/task/engine"
	"extsched/internal/task/scheduler"
	logx "extsched/pkg/logx"
)

// Service is the scheduler core. Build it with New, call Initialize once,
// and Shutdown when done.
type Service struct {
	log logx.Logger
	bus eventbus.Bus

	pm  *plugin.Manager
	eng *engine.Service
	sch *scheduler.Service

	mu             sync.Mutex
	state          lifecycle
	plugins        []PluginSpec
	defaultTimeout time.Duration
	jobs           map[string]*job
	gen            uint64

	enqMu       sync.Mutex
	lastEnqWarn map[string]time.Time
}

func New(cfg Config, bus eventbus.Bus, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		log:            log,
		bus:            bus,
		pm:             plugin.NewManager(log.With(logx.String("comp", "plugins")), bus),
		eng:            engine.New(cfg.Engine, log.With(logx.String("comp", "engine"))),
		sch:            scheduler.New(cfg.Scheduler, log.With(logx.String("comp", "trigger"))),
		plugins:        append([]PluginSpec(nil), cfg.Plugins...),
		defaultTimeout: cfg.DefaultTimeout,
		jobs:           map[string]*job{},
		lastEnqWarn:    map[string]time.Time{},
	}
}

// Initialize loads the configured plugins and starts the engine and trigger
// loop. A plugin failure aborts initialization.
func (s *Service) Initialize(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.state {
	case stateRunning:
		return ErrAlreadyInitialized
	case stateShutdown:
		return ErrShutdown
	}

	start := time.Now()
	for _, p := range s.plugins {
		if err := s.pm.LoadPlugin(ctx, p.Ref, p.Config); err != nil {
			return fmt.Errorf("initialize: %w", err)
		}
	}
	s.eng.Start(ctx)
	s.sch.Start(ctx)
	s.state = stateRunning

	s.log.Info("orchestrator initialized",
		logx.Int("plugins", len(s.plugins)),
		logx.Int("tasks", len(s.pm.Tasks())),
		logx.Duration("took", time.Since(start)),
	)
	return nil
}

// Shutdown stops triggers, then lets in-flight executions finish, bounded by
// ctx. Jobs are forgotten. Calling it again is a no-op.
func (s *Service) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	prev := s.state
	s.state = stateShutdown
	s.jobs = map[string]*job{}
	s.mu.Unlock()
	if prev != stateRunning {
		return nil
	}

	start := time.Now()
	s.sch.Stop(ctx)
	s.eng.Stop(ctx)
	err := s.pm.Wait(ctx)
	if err != nil {
		s.log.Warn("orchestrator shutdown: task bodies still running", logx.Err(err))
	}
	s.log.Info("orchestrator shut down", logx.Duration("took", time.Since(start)))
	return err
}

func (s *Service) checkRunningLocked() error {
	switch s.state {
	case stateNew:
		return ErrNotInitialized
	case stateShutdown:
		return ErrShutdown
	}
	return nil
}

// Ready reports whether the service is initialized and not shut down.
func (s *Service) Ready() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state == stateRunning
}

func (s *Service) Plugins() []plugin.PluginInfo { return s.pm.Plugins() }

func (s *Service) Tasks() []task.Info { return s.pm.Tasks() }

// EventHistory returns retained bus events newest-first.
func (s *Service) EventHistory(eventType string, limit int) []eventbus.Event {
	if s.bus == nil {
		return nil
	}
	return s.bus.History(eventType, limit)
}

func (s *Service) EngineSnapshot() engine.Snapshot { return s.eng.Snapshot() }

// ReconfigurePlugin hands a new raw config to a loaded plugin.
func (s *Service) ReconfigurePlugin(ctx context.Context, ref string, raw json.RawMessage) error {
	return s.pm.Reconfigure(ctx, ref, raw)
}

// SetTimezone changes the zone cron triggers are evaluated in. Running
// triggers are re-armed.
func (s *Service) SetTimezone(tz string) error {
	if err := scheduler.ValidTimezone(tz); err != nil {
		return err
	}
	s.sch.Apply(scheduler.Config{Timezone: tz})
	return nil
}

// ValidateJob checks spec the way CreateJob does without registering it.
func (s *Service) ValidateJob(spec JobSpec) error {
	_, err := s.prepareJob(&spec)
	return err
}

func (s *Service) publish(typ string, data any) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(eventbus.Event{Type: typ, Time: time.Now(), Data: data})
}

// reportEnqueueError logs a failed hand-off to the engine, at most once per
// job every few seconds.
func (s *Service) reportEnqueueError(jobID string, err error) {
	if errors.Is(err, engine.ErrOverlapSkip) {
		s.log.Debug("job firing skipped: previous run still active", logx.String("job_id", jobID))
		return
	}

	now := time.Now()
	s.enqMu.Lock()
	last := s.lastEnqWarn[jobID]
	if !last.IsZero() && now.Sub(last) < enqueueWarnThrottle {
		s.enqMu.Unlock()
		return
	}
	s.lastEnqWarn[jobID] = now
	s.enqMu.Unlock()

	s.log.Warn("job firing not enqueued", logx.String("job_id", jobID), logx.Err(err))
}

const enqueueWarnThrottle = 5 * time.Second
