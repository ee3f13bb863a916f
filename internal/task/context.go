package task

import (
	"encoding/json"
	"fmt"
	"maps"
	"strconv"
	"strings"
	"sync"
	"time"

	"extsched/internal/eventbus"
	logx "extsched/pkg/logx"
)

// Params builds a Context.
type Params struct {
	JobID       string
	ExecutionID string
	TaskID      string
	// Config is the job config; Overrides (call-time values) win on conflict.
	Config    map[string]any
	Overrides map[string]any
	Bus       eventbus.Bus
	Log       logx.Logger
}

// Context is what a task body sees for one execution: identity, a read-only
// config view, scratch variables, the shared event bus and a tagged logger.
type Context struct {
	JobID       string
	ExecutionID string
	TaskID      string
	StartedAt   time.Time

	config map[string]any

	mu   sync.Mutex
	vars map[string]any

	bus eventbus.Bus
	log logx.Logger
}

func NewContext(p Params) *Context {
	cfg := make(map[string]any, len(p.Config)+len(p.Overrides))
	maps.Copy(cfg, p.Config)
	maps.Copy(cfg, p.Overrides)

	log := p.Log
	if log.IsZero() {
		log = logx.Nop()
	}
	log = log.With(
		logx.String("job_id", p.JobID),
		logx.String("execution_id", p.ExecutionID),
		logx.String("task_id", p.TaskID),
	)
	return &Context{
		JobID:       p.JobID,
		ExecutionID: p.ExecutionID,
		TaskID:      p.TaskID,
		StartedAt:   time.Now(),
		config:      cfg,
		vars:        map[string]any{},
		bus:         p.Bus,
		log:         log,
	}
}

// Config returns the value for key, or def when absent.
func (c *Context) Config(key string, def any) any {
	if v, ok := c.config[key]; ok {
		return v
	}
	return def
}

func (c *Context) Has(key string) bool {
	_, ok := c.config[key]
	return ok
}

// ConfigMap returns a copy of the effective config.
func (c *Context) ConfigMap() map[string]any {
	return maps.Clone(c.config)
}

func (c *Context) String(key, def string) string {
	v, ok := c.config[key]
	if !ok || v == nil {
		return def
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}

func (c *Context) Int(key string, def int) int {
	if v, ok := c.config[key]; ok {
		if n, err := ToInt(v); err == nil {
			return n
		}
	}
	return def
}

func (c *Context) Float(key string, def float64) float64 {
	if v, ok := c.config[key]; ok {
		if f, err := ToFloat(v); err == nil {
			return f
		}
	}
	return def
}

func (c *Context) Bool(key string, def bool) bool {
	switch v := c.config[key].(type) {
	case bool:
		return v
	case string:
		if b, err := strconv.ParseBool(strings.TrimSpace(v)); err == nil {
			return b
		}
	}
	return def
}

// Duration accepts Go duration strings or a number of seconds.
func (c *Context) Duration(key string, def time.Duration) time.Duration {
	v, ok := c.config[key]
	if !ok {
		return def
	}
	if d, err := ToDuration(v); err == nil {
		return d
	}
	return def
}

func (c *Context) SetVariable(key string, v any) {
	c.mu.Lock()
	c.vars[key] = v
	c.mu.Unlock()
}

func (c *Context) Variable(key string) (any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.vars[key]
	return v, ok
}

func (c *Context) Variables() map[string]any {
	c.mu.Lock()
	defer c.mu.Unlock()
	return maps.Clone(c.vars)
}

// Logger is tagged with job_id, execution_id and task_id.
func (c *Context) Logger() logx.Logger { return c.log }

func (c *Context) Log(level logx.Level, msg string, fields ...logx.Field) {
	c.log.Log(level, msg, fields...)
}

// DomainEvent is the payload of events raised by task bodies.
type DomainEvent struct {
	JobID       string `json:"job_id"`
	TaskID      string `json:"task_id"`
	ExecutionID string `json:"execution_id"`
	Data        any    `json:"data,omitempty"`
}

// Publish raises a domain event on the shared bus.
func (c *Context) Publish(eventType string, data any) {
	if c.bus == nil || strings.TrimSpace(eventType) == "" {
		return
	}
	c.bus.Publish(eventbus.Event{Type: eventType, Data: DomainEvent{
		JobID:       c.JobID,
		TaskID:      c.TaskID,
		ExecutionID: c.ExecutionID,
		Data:        data,
	}})
}

// Bus exposes the shared event bus (nil when running detached).
func (c *Context) Bus() eventbus.Bus { return c.bus }

// ToInt converts JSON/YAML-decoded numbers and numeric strings.
func ToInt(v any) (int, error) {
	switch n := v.(type) {
	case int:
		return n, nil
	case int64:
		return int(n), nil
	case int32:
		return int(n), nil
	case float64:
		if n != float64(int(n)) {
			return 0, fmt.Errorf("%v is not an integer", n)
		}
		return int(n), nil
	case json.Number:
		i, err := n.Int64()
		return int(i), err
	case string:
		return strconv.Atoi(strings.TrimSpace(n))
	default:
		return 0, fmt.Errorf("cannot convert %T to int", v)
	}
}

func ToFloat(v any) (float64, error) {
	switch n := v.(type) {
	case float64:
		return n, nil
	case float32:
		return float64(n), nil
	case int:
		return float64(n), nil
	case int64:
		return float64(n), nil
	case json.Number:
		return n.Float64()
	case string:
		return strconv.ParseFloat(strings.TrimSpace(n), 64)
	default:
		return 0, fmt.Errorf("cannot convert %T to float", v)
	}
}

func ToDuration(v any) (time.Duration, error) {
	if s, ok := v.(string); ok {
		return time.ParseDuration(strings.TrimSpace(s))
	}
	f, err := ToFloat(v)
	if err != nil {
		return 0, err
	}
	return time.Duration(f * float64(time.Second)), nil
}
