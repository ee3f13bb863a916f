package scheduler

import (
	"errors"
	"sort"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	logx "extsched/pkg/logx"
)

// Upsert registers trig under name, atomically replacing any previous
// registration with that name. Callbacks from the replaced registration that
// are already in flight see a stale generation and do nothing.
//
// Triggers are armed immediately when the service is running, otherwise on
// Start.
func (s *Service) Upsert(name string, trig Trigger, h Handler) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return errors.New("name required")
	}
	if h == nil {
		return errors.New("handler required")
	}
	if trig.Kind == KindDate {
		if trig.At.IsZero() {
			return ErrInvalidTrigger
		}
	} else if trig.Schedule == nil {
		return ErrInvalidTrigger
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.removeLocked(name)
	s.gen++
	d := &scheduleDef{name: name, trig: trig, handler: h, gen: s.gen}
	s.defs[name] = d
	if s.c != nil {
		s.armLocked(d)
	}
	args := []logx.Field{logx.String("name", name), logx.String("trigger", trig.Describe)}
	if next := s.nextLocked(d); !next.IsZero() {
		args = append(args, logx.Time("next", next))
	}
	if trig.Kind != KindDate {
		if preview := s.previewNextRunsLocked(trig.Schedule, 4); preview != "" {
			args = append(args, logx.String("upcoming", preview))
		}
	}
	s.log.Debug("schedule registered", args...)
	return nil
}

// Remove unregisters name. It reports whether something was registered.
func (s *Service) Remove(name string) bool {
	s.mu.Lock()
	removed := s.removeLocked(strings.TrimSpace(name))
	s.mu.Unlock()
	if removed {
		s.log.Debug("schedule removed", logx.String("name", name))
	}
	return removed
}

// Pause disarms name without forgetting it. It reports false when name is
// unknown or already paused.
func (s *Service) Pause(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	d := s.defs[name]
	if d == nil || d.paused {
		return false
	}
	d.paused = true
	s.disarmLocked(d)
	return true
}

// Resume re-arms a paused trigger. Intervals restart their period from now.
func (s *Service) Resume(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	d := s.defs[name]
	if d == nil || !d.paused {
		return false
	}
	d.paused = false
	if s.c != nil {
		s.armLocked(d)
	}
	return true
}

// Next returns the next fire time for name; zero when paused, fired or not
// armed.
func (s *Service) Next(name string) time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	d := s.defs[name]
	if d == nil {
		return time.Time{}
	}
	return s.nextLocked(d)
}

func (s *Service) Info(name string) (ScheduleInfo, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d := s.defs[name]
	if d == nil {
		return ScheduleInfo{}, false
	}
	return s.infoLocked(d), true
}

// Snapshot lists registered triggers sorted by name.
func (s *Service) Snapshot() []ScheduleInfo {
	s.mu.Lock()
	out := make([]ScheduleInfo, 0, len(s.defs))
	for _, d := range s.defs {
		out = append(out, s.infoLocked(d))
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (s *Service) infoLocked(d *scheduleDef) ScheduleInfo {
	it := ScheduleInfo{Name: d.name, Kind: d.trig.Kind, Describe: d.trig.Describe, Paused: d.paused}
	it.Next = s.nextLocked(d)
	if s.c != nil && d.entryID != 0 {
		it.Prev = s.c.Entry(d.entryID).Prev
	}
	return it
}

func (s *Service) nextLocked(d *scheduleDef) time.Time {
	if d.paused || d.fired {
		return time.Time{}
	}
	if d.trig.Kind == KindDate {
		return d.trig.At
	}
	if s.c != nil && d.entryID != 0 {
		return s.c.Entry(d.entryID).Next
	}
	return time.Time{}
}

func (s *Service) removeLocked(name string) bool {
	d := s.defs[name]
	if d == nil {
		return false
	}
	s.disarmLocked(d)
	delete(s.defs, name)
	return true
}

func (s *Service) disarmLocked(d *scheduleDef) {
	if s.c != nil && d.entryID != 0 {
		s.c.Remove(d.entryID)
	}
	d.entryID = 0
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
}

// armLocked registers d with cron or a timer. Call with s.mu held and s.c set.
func (s *Service) armLocked(d *scheduleDef) {
	if d.paused || d.fired {
		return
	}
	name, gen, epoch := d.name, d.gen, s.epoch

	if d.trig.Kind == KindDate {
		delay := max(time.Until(d.trig.At), 0)
		at := d.trig.At
		d.timer = time.AfterFunc(delay, func() {
			s.mu.Lock()
			cur := s.defs[name]
			if s.epoch != epoch || cur == nil || cur.gen != gen || cur.paused || cur.fired {
				s.mu.Unlock()
				return
			}
			cur.fired = true
			cur.timer = nil
			h := cur.handler
			delete(s.defs, name)
			s.mu.Unlock()
			h(Fire{Name: name, ScheduledAt: at, Final: true})
		})
		return
	}

	var id cron.EntryID
	id = s.c.Schedule(d.trig.Schedule, cron.FuncJob(func() {
		s.mu.Lock()
		cur := s.defs[name]
		if s.epoch != epoch || cur == nil || cur.gen != gen || cur.paused || cur.entryID != id {
			s.mu.Unlock()
			return
		}
		h := cur.handler
		c := s.c
		s.mu.Unlock()

		at := time.Now()
		if c != nil {
			if prev := c.Entry(id).Prev; !prev.IsZero() {
				at = prev
			}
		}
		h(Fire{Name: name, ScheduledAt: at})
	}))
	d.entryID = id
}

// previewNextRunsLocked lists upcoming run times for debug logs.
func (s *Service) previewNextRunsLocked(sched cron.Schedule, n int) string {
	if !s.log.Enabled(logx.LevelDebug) || sched == nil || n <= 0 {
		return ""
	}
	if _, jittered := sched.(*jitterSchedule); jittered {
		return ""
	}
	t := time.Now().In(s.loc)
	var b strings.Builder
	for i := 0; i < n; i++ {
		t = sched.Next(t)
		if t.IsZero() {
			break
		}
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(t.Format("2006-01-02 15:04:05"))
	}
	return b.String()
}
