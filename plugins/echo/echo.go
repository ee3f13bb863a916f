// Package echo is a minimal plugin used for smoke tests and demos.
package echo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"extsched/internal/plugin"
	"extsched/internal/task"
	logx "extsched/pkg/logx"
)

const (
	Ref = "echo"

	TaskEcho = "echo"
	TaskFail = "echo.fail"

	// EventDone is emitted after every successful echo.
	EventDone = "echo.done"
)

func init() {
	plugin.Register(Ref, func() plugin.Plugin { return New() })
}

type Config struct {
	Prefix string `json:"prefix"`
}

type Plugin struct {
	mu  sync.RWMutex
	cfg Config
}

func New() *Plugin { return &Plugin{} }

func (p *Plugin) Info() plugin.Info {
	return plugin.Info{
		ID:          Ref,
		Name:        "Echo",
		Version:     "1.0.0",
		Description: "echoes its config back as a result",
	}
}

func (p *Plugin) OnConfigChange(ctx context.Context, raw json.RawMessage) error {
	if len(raw) == 0 {
		return nil
	}
	var c Config
	if err := json.Unmarshal(raw, &c); err != nil {
		return err
	}
	p.mu.Lock()
	p.cfg = c
	p.mu.Unlock()
	return nil
}

func (p *Plugin) prefix() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.cfg.Prefix
}

func (p *Plugin) RegisterTasks() ([]task.Definition, error) {
	return []task.Definition{
		{
			ID:          TaskEcho,
			Name:        "Echo",
			Description: "returns message (optionally upper-cased) and emits echo.done",
			New:         func() task.Task { return &echoTask{prefix: p.prefix()} },
		},
		{
			ID:          TaskFail,
			Name:        "Echo failure",
			Description: "always fails with message; panics when panic=true",
			New:         func() task.Task { return &failTask{} },
		},
	}, nil
}

type echoTask struct {
	prefix string
}

func (t *echoTask) ValidateConfig(cfg map[string]any) error {
	if v, ok := cfg["message"]; ok {
		if _, isStr := v.(string); !isStr {
			return fmt.Errorf("message must be a string, got %T", v)
		}
	}
	if v, ok := cfg["repeat"]; ok {
		n, err := task.ToInt(v)
		if err != nil || n < 1 || n > 100 {
			return errors.New("repeat must be an integer between 1 and 100")
		}
	}
	return nil
}

func (t *echoTask) Execute(ctx context.Context, tc *task.Context) task.Result {
	msg := tc.String("message", "hello")
	if tc.Bool("upper", false) {
		msg = strings.ToUpper(msg)
	}
	if n := tc.Int("repeat", 1); n > 1 {
		msg = strings.TrimSpace(strings.Repeat(msg+" ", n))
	}
	msg = t.prefix + msg

	tc.SetVariable("message", msg)
	tc.Log(logx.LevelInfo, "echo", logx.String("message", msg))
	return task.OK(map[string]any{"message": msg}, EventDone)
}

type failTask struct{}

func (failTask) Execute(ctx context.Context, tc *task.Context) task.Result {
	msg := tc.String("message", "echo failure")
	if tc.Bool("panic", false) {
		panic(msg)
	}
	return task.Failf(task.KindError, "%s", msg)
}
