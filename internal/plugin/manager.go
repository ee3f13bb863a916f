package plugin

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"runtime/debug"
	"sort"
	"sync"
	"time"

	"extsched/internal/config"
	"extsched/internal/eventbus"
	"extsched/internal/task"
	logx "extsched/pkg/logx"
)

var (
	ErrUnknownPlugin = errors.New("unknown plugin")
	ErrDuplicateTask = errors.New("duplicate task id")
	ErrAlreadyLoaded = errors.New("plugin already loaded")
)

type pluginEvent struct {
	Plugin string `json:"plugin"`
	Stage  string `json:"stage,omitempty"`
	Err    string `json:"err,omitempty"`
	TookMS int64  `json:"took_ms,omitempty"`
	Count  int    `json:"count,omitempty"`
}

// Execution is one request to run a task body.
type Execution struct {
	JobID       string
	ExecutionID string
	TaskID      string
	Config      map[string]any
	Overrides   map[string]any
	// Timeout bounds the body; zero means only ctx applies.
	Timeout time.Duration
}

type loaded struct {
	p       Plugin
	info    Info
	tasks   []string
	rawHash uint64
}

// Manager owns loaded plugins and the task registry built from them.
// Loading happens at initialization; lookups and executions are safe for
// concurrent use afterwards.
type Manager struct {
	log logx.Logger
	bus eventbus.Bus

	mu      sync.RWMutex
	plugins map[string]*loaded
	defs    map[string]task.Definition

	bodies sync.WaitGroup
}

func NewManager(log logx.Logger, bus eventbus.Bus) *Manager {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Manager{
		log:     log,
		bus:     bus,
		plugins: map[string]*loaded{},
		defs:    map[string]task.Definition{},
	}
}

func (pm *Manager) emit(typ string, data pluginEvent) {
	if pm.bus == nil {
		return
	}
	pm.bus.Publish(eventbus.Event{Type: typ, Data: data})
}

// LoadPlugin instantiates the plugin registered under ref, applies raw config
// when the plugin is configurable and registers its task definitions. Nothing
// is registered when any step fails.
func (pm *Manager) LoadPlugin(ctx context.Context, ref string, raw json.RawMessage) error {
	f, ok := Lookup(ref)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownPlugin, ref)
	}
	pm.mu.RLock()
	_, dup := pm.plugins[ref]
	pm.mu.RUnlock()
	if dup {
		return fmt.Errorf("%w: %s", ErrAlreadyLoaded, ref)
	}

	start := time.Now()
	var p Plugin
	if err := pm.safeCall("plugin.new."+ref, func() error {
		p = f()
		if p == nil {
			return errors.New("factory returned nil")
		}
		return nil
	}); err != nil {
		return pm.loadFailed(ref, "new", err)
	}

	if c, ok := p.(ConfigurablePlugin); ok && len(raw) > 0 {
		if err := pm.safeCall("plugin.config."+ref, func() error { return c.OnConfigChange(ctx, raw) }); err != nil {
			return pm.loadFailed(ref, "config", err)
		}
	}

	var defs []task.Definition
	if err := pm.safeCall("plugin.register."+ref, func() (err error) {
		defs, err = p.RegisterTasks()
		return err
	}); err != nil {
		return pm.loadFailed(ref, "register", err)
	}

	info := p.Info()
	if info.ID == "" {
		info.ID = ref
	}
	if info.Name == "" {
		info.Name = info.ID
	}

	pm.mu.Lock()
	seen := map[string]bool{}
	for i := range defs {
		d := &defs[i]
		d.Plugin = ref
		if err := d.Validate(); err != nil {
			pm.mu.Unlock()
			return pm.loadFailed(ref, "register", err)
		}
		if _, exists := pm.defs[d.ID]; exists || seen[d.ID] {
			pm.mu.Unlock()
			return pm.loadFailed(ref, "register", fmt.Errorf("%w: %s", ErrDuplicateTask, d.ID))
		}
		seen[d.ID] = true
	}
	l := &loaded{p: p, info: info, rawHash: config.RawDigest(raw)}
	for _, d := range defs {
		pm.defs[d.ID] = d
		l.tasks = append(l.tasks, d.ID)
	}
	sort.Strings(l.tasks)
	pm.plugins[ref] = l
	pm.mu.Unlock()

	took := time.Since(start)
	pm.log.Info("plugin loaded", logx.String("plugin", ref), logx.Int("tasks", len(defs)), logx.Duration("took", took))
	pm.emit("plugin.loaded", pluginEvent{Plugin: ref, Count: len(defs), TookMS: took.Milliseconds()})
	return nil
}

func (pm *Manager) loadFailed(ref, stage string, err error) error {
	pm.log.Error("plugin load failed", logx.String("plugin", ref), logx.String("stage", stage), logx.Err(err))
	pm.emit("plugin.load_failed", pluginEvent{Plugin: ref, Stage: stage, Err: err.Error()})
	return fmt.Errorf("load plugin %s: %w", ref, err)
}

// Reconfigure forwards a changed config blob to a loaded configurable plugin.
// Unchanged blobs (after JSON canonicalization) are skipped.
func (pm *Manager) Reconfigure(ctx context.Context, ref string, raw json.RawMessage) error {
	pm.mu.RLock()
	l := pm.plugins[ref]
	var prev uint64
	if l != nil {
		prev = l.rawHash
	}
	pm.mu.RUnlock()
	if l == nil {
		return fmt.Errorf("%w: %s", ErrUnknownPlugin, ref)
	}
	h := config.RawDigest(raw)
	if h == prev {
		return nil
	}
	c, ok := l.p.(ConfigurablePlugin)
	if !ok {
		return nil
	}
	if err := pm.safeCall("plugin.config."+ref, func() error { return c.OnConfigChange(ctx, raw) }); err != nil {
		pm.log.Warn("plugin config rejected", logx.String("plugin", ref), logx.Err(err))
		pm.emit("plugin.config_failed", pluginEvent{Plugin: ref, Err: err.Error()})
		return err
	}
	pm.mu.Lock()
	l.rawHash = h
	pm.mu.Unlock()
	pm.emit("plugin.config_applied", pluginEvent{Plugin: ref})
	return nil
}

// PluginInfo is a loaded plugin with the ids of the tasks it declared.
type PluginInfo struct {
	Info
	Tasks []string `json:"tasks"`
}

// Plugins lists loaded plugins sorted by id.
func (pm *Manager) Plugins() []PluginInfo {
	pm.mu.RLock()
	out := make([]PluginInfo, 0, len(pm.plugins))
	for _, l := range pm.plugins {
		out = append(out, PluginInfo{Info: l.info, Tasks: append([]string(nil), l.tasks...)})
	}
	pm.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Tasks lists every registered task sorted by id.
func (pm *Manager) Tasks() []task.Info {
	pm.mu.RLock()
	defs := make([]task.Definition, 0, len(pm.defs))
	for _, d := range pm.defs {
		defs = append(defs, d)
	}
	pm.mu.RUnlock()
	out := make([]task.Info, 0, len(defs))
	for _, d := range defs {
		out = append(out, d.Info())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (pm *Manager) HasTask(id string) bool {
	_, ok := pm.Definition(id)
	return ok
}

func (pm *Manager) Definition(id string) (task.Definition, bool) {
	pm.mu.RLock()
	defer pm.mu.RUnlock()
	d, ok := pm.defs[id]
	return d, ok
}

// ValidateConfig runs the task's optional config validator. Tasks without
// one accept any config.
func (pm *Manager) ValidateConfig(taskID string, cfg map[string]any) error {
	d, ok := pm.Definition(taskID)
	if !ok {
		return task.Failf(task.KindUnknownTask, "unknown task: %s", taskID).Err()
	}
	if cfg == nil {
		cfg = map[string]any{}
	}
	return pm.safeCall("task.validate."+taskID, func() error {
		v, ok := d.New().(task.ConfigValidator)
		if !ok {
			return nil
		}
		return v.ValidateConfig(cfg)
	})
}

// ExecuteTask runs one execution and always returns a normalized Result.
//
// The body runs on its own goroutine. When ctx (bounded by ex.Timeout) ends
// first, the result is a timeout or canceled failure and the body is left to
// finish on its own.
func (pm *Manager) ExecuteTask(ctx context.Context, ex Execution) task.Result {
	d, ok := pm.Definition(ex.TaskID)
	if !ok {
		return task.Failf(task.KindUnknownTask, "unknown task: %s", ex.TaskID)
	}

	if ex.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, ex.Timeout)
		defer cancel()
	}

	tc := task.NewContext(task.Params{
		JobID:       ex.JobID,
		ExecutionID: ex.ExecutionID,
		TaskID:      ex.TaskID,
		Config:      ex.Config,
		Overrides:   ex.Overrides,
		Bus:         pm.bus,
		Log:         pm.log,
	})

	done := make(chan task.Result, 1)
	pm.bodies.Add(1)
	go func() {
		defer pm.bodies.Done()
		done <- pm.runBody(ctx, d, tc)
	}()

	select {
	case res := <-done:
		return res.Normalize()
	case <-ctx.Done():
		err := ctx.Err()
		pm.log.Warn("task body abandoned",
			logx.String("task_id", ex.TaskID),
			logx.String("job_id", ex.JobID),
			logx.String("execution_id", ex.ExecutionID),
			logx.Err(err),
		)
		if errors.Is(err, context.DeadlineExceeded) {
			if ex.Timeout > 0 {
				return task.Failf(task.KindTimeout, "task timed out after %s", ex.Timeout)
			}
			return task.Failf(task.KindTimeout, "task timed out")
		}
		return task.Failf(task.KindCanceled, "task canceled: %v", err)
	}
}

func (pm *Manager) runBody(ctx context.Context, d task.Definition, tc *task.Context) (res task.Result) {
	defer func() {
		if r := recover(); r != nil {
			pm.log.Error("panic in task body",
				logx.String("task_id", d.ID),
				logx.String("execution_id", tc.ExecutionID),
				logx.Any("panic", r),
				logx.Stack(string(debug.Stack())),
			)
			res = task.Failf(task.KindPanic, "panic: %v", r)
		}
	}()
	t := d.New()
	if t == nil {
		return task.Failf(task.KindError, "task %s: factory returned nil", d.ID)
	}
	return t.Execute(ctx, tc)
}

// Wait blocks until every body (including abandoned ones) has returned, or
// ctx ends.
func (pm *Manager) Wait(ctx context.Context) error {
	ch := make(chan struct{})
	go func() {
		pm.bodies.Wait()
		close(ch)
	}()
	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (pm *Manager) safeCall(label string, fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			pm.log.Error("panic in plugin call",
				logx.String("call", label),
				logx.Any("panic", r),
				logx.Stack(string(debug.Stack())),
			)
			err = fmt.Errorf("panic in %s: %v", label, r)
		}
	}()
	return fn()
}
