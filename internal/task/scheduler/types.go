package scheduler

import (
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	logx "extsched/pkg/logx"
)

// Config controls the trigger service.
type Config struct {
	Timezone string // IANA TZ, e.g. "Asia/Jakarta"; empty means Local
}

// Fire describes one trigger firing.
type Fire struct {
	Name        string
	ScheduledAt time.Time
	// Final is set on the single firing of a date trigger.
	Final bool
}

// Handler receives firings. It runs on the cron goroutine (or a timer
// goroutine) and must not block.
type Handler func(f Fire)

type scheduleDef struct {
	name    string
	trig    Trigger
	handler Handler
	gen     uint64
	paused  bool

	entryID cron.EntryID
	timer   *time.Timer
	fired   bool
}

type Service struct {
	mu sync.Mutex

	log logx.Logger
	cfg Config
	loc *time.Location

	parser cron.Parser
	c      *cron.Cron
	defs   map[string]*scheduleDef
	gen    uint64
	// epoch changes with every cron instance; entry ids restart per instance.
	epoch uint64
}

// ScheduleInfo is the read-only view of a registered trigger.
type ScheduleInfo struct {
	Name     string    `json:"name"`
	Kind     Kind      `json:"kind"`
	Describe string    `json:"trigger"`
	Paused   bool      `json:"paused"`
	Next     time.Time `json:"next,omitempty"`
	Prev     time.Time `json:"prev,omitempty"`
}
