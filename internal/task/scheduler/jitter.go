package scheduler

import (
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
)

// jitterSchedule delays every firing of base by a random amount in [0, max).
type jitterSchedule struct {
	base cron.Schedule
	max  time.Duration

	mu  sync.Mutex
	rng *rand.Rand
}

var jitterSeq atomic.Uint64

func newJitterSchedule(base cron.Schedule, max time.Duration) *jitterSchedule {
	seed := time.Now().UnixNano() ^ int64(jitterSeq.Add(1))
	return &jitterSchedule{base: base, max: max, rng: rand.New(rand.NewSource(seed))}
}

func (s *jitterSchedule) Next(t time.Time) time.Time {
	next := s.base.Next(t)
	if next.IsZero() || s.max <= 0 {
		return next
	}
	s.mu.Lock()
	d := time.Duration(s.rng.Int63n(int64(s.max)))
	s.mu.Unlock()
	return next.Add(d)
}
