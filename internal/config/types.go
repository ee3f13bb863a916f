package config

import (
	"bytes"
	"encoding/json"

	"extsched/internal/task/scheduler"
)

type Config struct {
	Logging   LoggingConfig   `json:"logging"`
	Scheduler SchedulerConfig `json:"scheduler"`
	EventBus  EventBusConfig  `json:"event_bus"`
	HTTP      HTTPConfig      `json:"http"`

	// Storage is the optional execution journal; nil disables it.
	Storage  *StorageConfig `json:"storage,omitempty"`
	Redis    RedisConfig    `json:"redis"`
	Telegram TelegramConfig `json:"telegram"`

	Plugins map[string]PluginConfigRaw `json:"plugins"`
	Jobs    []JobConfig                `json:"jobs,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	JSON    bool        `json:"json,omitempty"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// SchedulerConfig controls triggers and the execution engine.
//
// Durations are Go duration strings ("500ms", "10s", "1m"); "0s" or empty
// disables default_timeout and misfire_grace.
//
// Defaults: workers 4, queue_size 256, history_size 200, timezone Local.
type SchedulerConfig struct {
	Timezone       string `json:"timezone,omitempty"`
	Workers        int    `json:"workers,omitempty"`
	QueueSize      int    `json:"queue_size,omitempty"`
	DefaultTimeout string `json:"default_timeout,omitempty"`
	MisfireGrace   string `json:"misfire_grace,omitempty"`
	HistorySize    int    `json:"history_size,omitempty"`
}

type EventBusConfig struct {
	HistorySize int `json:"history_size,omitempty"`
	QueueSize   int `json:"queue_size,omitempty"`
}

type HTTPConfig struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr,omitempty"` // default "127.0.0.1:8080"
	// Pprof mounts net/http/pprof under /debug.
	Pprof bool `json:"pprof,omitempty"`
}

// StorageConfig selects the execution journal backend.
//
//	"storage": { "driver": "sqlite", "path": "./data/extsched.db" }
//	"storage": { "driver": "mysql", "dsn": "user:pass@tcp(db:3306)/extsched?parseTime=true" }
type StorageConfig struct {
	Driver      string `json:"driver"` // none|file|sqlite|mysql
	Path        string `json:"path,omitempty"`
	DSN         string `json:"dsn,omitempty"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // sqlite
}

// RedisConfig mirrors selected bus events to a Redis stream.
type RedisConfig struct {
	Enabled  bool     `json:"enabled"`
	Addr     string   `json:"addr,omitempty"`
	Password string   `json:"password,omitempty"`
	DB       int      `json:"db,omitempty"`
	Stream   string   `json:"stream,omitempty"`  // default "extsched:events"
	MaxLen   int64    `json:"max_len,omitempty"` // approximate trim; default 10000
	Events   []string `json:"events,omitempty"`  // empty = task.completed, task.failed
}

// TelegramConfig sends alerts for selected events.
type TelegramConfig struct {
	Enabled    bool     `json:"enabled"`
	Token      string   `json:"token,omitempty"`
	ChatID     int64    `json:"chat_id,omitempty"`
	ThreadID   int      `json:"thread_id,omitempty"`
	RatePerSec float64  `json:"rate_per_sec,omitempty"` // default 1
	Events     []string `json:"events,omitempty"`       // empty = task.failed, job.missed
}

type PluginConfigRaw struct {
	Enabled bool            `json:"enabled"`
	Config  json.RawMessage `json:"config,omitempty"`
}

// UnmarshalJSON disallows unknown fields so typos surface on reload.
func (p *PluginConfigRaw) UnmarshalJSON(b []byte) error {
	type tmp PluginConfigRaw
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.DisallowUnknownFields()
	var t tmp
	if err := dec.Decode(&t); err != nil {
		return err
	}
	*p = PluginConfigRaw(t)
	return nil
}

// JobConfig is a job created at startup and reconciled on reload.
type JobConfig struct {
	ID       string         `json:"id"`
	Name     string         `json:"name,omitempty"`
	TaskID   string         `json:"task_id"`
	Schedule scheduler.Spec `json:"schedule"`
	Config   map[string]any `json:"config,omitempty"`
	Timeout  string         `json:"timeout,omitempty"`
	Paused   bool           `json:"paused,omitempty"`
	Disabled bool           `json:"disabled,omitempty"`
}
