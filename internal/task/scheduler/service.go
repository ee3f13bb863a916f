package scheduler

import (
	"context"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	logx "extsched/pkg/logx"
)

func New(cfg Config, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{
		cfg:    cfg,
		log:    log,
		parser: newParser(),
		defs:   map[string]*scheduleDef{},
	}
	s.loc = s.loadLocationLocked()
	return s
}

// Location is the timezone cron expressions are evaluated in.
func (s *Service) Location() *time.Location {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loc
}

// Builder returns a trigger builder bound to the current location.
func (s *Service) Builder() Builder {
	return NewBuilder(s.Location())
}

// Apply swaps config; a timezone change restarts cron and re-registers
// every definition.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	defer s.mu.Unlock()

	oldTZ := strings.TrimSpace(s.cfg.Timezone)
	newTZ := strings.TrimSpace(cfg.Timezone)
	s.cfg = cfg
	if oldTZ == newTZ {
		return
	}
	s.loc = s.loadLocationLocked()
	if s.c != nil {
		s.restartLocked()
	}
}

// Running reports whether triggers are armed.
func (s *Service) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.c != nil
}

// Start arms cron and date timers for every registered definition.
func (s *Service) Start(ctx context.Context) {
	_ = ctx

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil {
		return
	}
	s.c = cron.New(cron.WithParser(s.parser), cron.WithLocation(s.loc))
	s.epoch++
	for _, d := range s.defs {
		s.armLocked(d)
	}
	s.c.Start()
	s.log.Info("trigger service started", logx.String("tz", s.loc.String()), logx.Int("schedules", len(s.defs)))
}

// Stop disarms all triggers and waits for running cron callbacks, bounded by
// ctx. Definitions are kept so a later Start resumes them.
func (s *Service) Stop(ctx context.Context) {
	start := time.Now()

	s.mu.Lock()
	c := s.c
	s.c = nil
	for _, d := range s.defs {
		d.entryID = 0
		if d.timer != nil {
			d.timer.Stop()
			d.timer = nil
		}
	}
	s.mu.Unlock()

	if c != nil {
		select {
		case <-c.Stop().Done():
		case <-ctx.Done():
		}
	}
	s.log.Info("trigger service stopped", logx.Duration("took", time.Since(start)))
}

// restartLocked does not wait for in-flight callbacks: they take s.mu and
// bail out on the epoch check.
func (s *Service) restartLocked() {
	if s.c != nil {
		s.c.Stop()
	}
	for _, d := range s.defs {
		d.entryID = 0
		if d.timer != nil {
			d.timer.Stop()
			d.timer = nil
		}
	}
	s.c = cron.New(cron.WithParser(s.parser), cron.WithLocation(s.loc))
	s.epoch++
	for _, d := range s.defs {
		s.armLocked(d)
	}
	s.c.Start()
	s.log.Info("trigger service restarted", logx.String("tz", s.loc.String()), logx.Int("schedules", len(s.defs)))
}

func (s *Service) loadLocationLocked() *time.Location {
	tz := strings.TrimSpace(s.cfg.Timezone)
	if tz == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		s.log.Warn("invalid timezone; falling back to Local", logx.String("tz", tz), logx.Err(err))
		return time.Local
	}
	return loc
}

// ValidTimezone reports whether tz is empty or a loadable IANA zone.
func ValidTimezone(tz string) error {
	tz = strings.TrimSpace(tz)
	if tz == "" {
		return nil
	}
	_, err := time.LoadLocation(tz)
	return err
}
