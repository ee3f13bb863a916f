// Package system provides process-level tasks: a heartbeat that reports
// runtime stats and a sleep task for exercising timeouts and overlap.
package system

import (
	"context"
	"fmt"
	"runtime"
	"runtime/debug"
	"time"

	"extsched/internal/plugin"
	"extsched/internal/task"
	logx "extsched/pkg/logx"
)

const (
	Ref = "system"

	TaskHeartbeat = "system.heartbeat"
	TaskSleep     = "system.sleep"

	EventHeartbeat = "system.heartbeat"
)

func init() {
	plugin.Register(Ref, func() plugin.Plugin { return New() })
}

type Plugin struct {
	startedAt time.Time
}

func New() *Plugin { return &Plugin{startedAt: time.Now()} }

func (p *Plugin) Info() plugin.Info {
	return plugin.Info{
		ID:          Ref,
		Name:        "System",
		Version:     "1.0.0",
		Description: "runtime heartbeat and sleep tasks",
	}
}

func (p *Plugin) RegisterTasks() ([]task.Definition, error) {
	return []task.Definition{
		{
			ID:          TaskHeartbeat,
			Name:        "Heartbeat",
			Description: "reports uptime, goroutines and memory",
			New:         func() task.Task { return task.Func(p.heartbeat) },
		},
		{
			ID:          TaskSleep,
			Name:        "Sleep",
			Description: "sleeps for duration (default 1s), honoring cancellation",
			New:         func() task.Task { return sleepTask{} },
		},
	}, nil
}

func (p *Plugin) heartbeat(ctx context.Context, tc *task.Context) task.Result {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	mod := ""
	if bi, ok := debug.ReadBuildInfo(); ok && bi != nil {
		mod = bi.Main.Path + " " + bi.Main.Version
	}
	up := time.Since(p.startedAt)
	data := map[string]any{
		"uptime":     durRel(up),
		"uptime_sec": int64(up.Seconds()),
		"go":         runtime.Version(),
		"module":     mod,
		"goroutines": runtime.NumGoroutine(),
		"mem_alloc":  fmtBytes(m.Alloc),
		"mem_sys":    fmtBytes(m.Sys),
	}
	if tag := tc.String("tag", ""); tag != "" {
		data["tag"] = tag
	}
	tc.Log(logx.LevelDebug, "heartbeat", logx.String("uptime", durRel(up)), logx.Int("goroutines", runtime.NumGoroutine()))
	return task.OK(data, EventHeartbeat)
}

type sleepTask struct{}

func (sleepTask) ValidateConfig(cfg map[string]any) error {
	v, ok := cfg["duration"]
	if !ok {
		return nil
	}
	d, err := task.ToDuration(v)
	if err != nil {
		return fmt.Errorf("duration: %w", err)
	}
	if d < 0 {
		return fmt.Errorf("duration must be non-negative, got %s", d)
	}
	return nil
}

func (sleepTask) Execute(ctx context.Context, tc *task.Context) task.Result {
	d := tc.Duration("duration", time.Second)
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return task.OK(map[string]any{"slept": d.String()})
	case <-ctx.Done():
		return task.Fail(ctx.Err())
	}
}

func fmtBytes(n uint64) string {
	const (
		KB = 1024
		MB = 1024 * KB
		GB = 1024 * MB
	)
	switch {
	case n >= GB:
		return fmt.Sprintf("%.1fGB", float64(n)/GB)
	case n >= MB:
		return fmt.Sprintf("%.1fMB", float64(n)/MB)
	case n >= KB:
		return fmt.Sprintf("%.1fKB", float64(n)/KB)
	default:
		return fmt.Sprintf("%dB", n)
	}
}

func durRel(d time.Duration) string {
	if d < 0 {
		d = -d
	}
	if d < time.Minute {
		return fmt.Sprintf("%ds", int(d.Seconds()))
	}
	if d < time.Hour {
		return fmt.Sprintf("%dm%ds", int(d.Minutes()), int(d.Seconds())%60)
	}
	return fmt.Sprintf("%dh%dm", int(d.Hours()), int(d.Minutes())%60)
}
