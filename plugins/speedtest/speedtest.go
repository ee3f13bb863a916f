// Package speedtest measures network throughput as a schedulable task.
package speedtest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"extsched/internal/plugin"
	"extsched/internal/task"
	logx "extsched/pkg/logx"
)

const (
	Ref = "speedtest"

	TaskSpeedtest = "net.speedtest"

	EventMeasured = "speedtest.measured"
	// EventDegraded fires when a measurement falls below min_download_mbps.
	EventDegraded = "speedtest.degraded"
)

func init() {
	plugin.Register(Ref, func() plugin.Plugin { return New(netMeasurer{}) })
}

// Config holds plugin-wide defaults; job config keys of the same name win.
type Config struct {
	ServerCount     int     `json:"server_count"`
	FullTestServers int     `json:"full_test_servers"`
	MaxConnections  int     `json:"max_connections"`
	SavingMode      bool    `json:"saving_mode"`
	PacketLoss      bool    `json:"packet_loss"`
	MinDownloadMbps float64 `json:"min_download_mbps"`
}

type Plugin struct {
	m Measurer

	mu  sync.RWMutex
	cfg Config
}

func New(m Measurer) *Plugin {
	return &Plugin{m: m, cfg: Config{ServerCount: 5, FullTestServers: 1, MaxConnections: 4}}
}

func (p *Plugin) Info() plugin.Info {
	return plugin.Info{
		ID:          Ref,
		Name:        "Speedtest",
		Version:     "1.0.0",
		Description: "download/upload/latency measurement via speedtest.net",
	}
}

func (p *Plugin) OnConfigChange(ctx context.Context, raw json.RawMessage) error {
	if len(raw) == 0 {
		return nil
	}
	c := p.config()
	if err := json.Unmarshal(raw, &c); err != nil {
		return fmt.Errorf("unmarshal config: %w", err)
	}
	if c.ServerCount < 0 || c.FullTestServers < 0 || c.MaxConnections < 0 {
		return errors.New("counts must be non-negative")
	}
	p.mu.Lock()
	p.cfg = c
	p.mu.Unlock()
	return nil
}

func (p *Plugin) config() Config {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.cfg
}

func (p *Plugin) RegisterTasks() ([]task.Definition, error) {
	return []task.Definition{{
		ID:          TaskSpeedtest,
		Name:        "Network speedtest",
		Description: "measures download, upload and latency against nearby servers",
		New:         func() task.Task { return &speedTask{p: p} },
	}}, nil
}

type speedTask struct {
	p *Plugin
}

func (t *speedTask) ValidateConfig(cfg map[string]any) error {
	for _, k := range []string{"server_count", "full_test_servers", "max_connections"} {
		v, ok := cfg[k]
		if !ok {
			continue
		}
		n, err := task.ToInt(v)
		if err != nil || n < 1 || n > 32 {
			return fmt.Errorf("%s must be an integer between 1 and 32", k)
		}
	}
	if v, ok := cfg["min_download_mbps"]; ok {
		if f, err := task.ToFloat(v); err != nil || f < 0 {
			return errors.New("min_download_mbps must be a non-negative number")
		}
	}
	return nil
}

func (t *speedTask) Execute(ctx context.Context, tc *task.Context) task.Result {
	def := t.p.config()
	o := Options{
		ServerCount:     tc.Int("server_count", def.ServerCount),
		FullTestServers: tc.Int("full_test_servers", def.FullTestServers),
		MaxConnections:  tc.Int("max_connections", def.MaxConnections),
		SavingMode:      tc.Bool("saving_mode", def.SavingMode),
		PacketLoss:      tc.Bool("packet_loss", def.PacketLoss),
	}
	minDown := tc.Float("min_download_mbps", def.MinDownloadMbps)

	m, err := t.p.m.Measure(ctx, o)
	if err != nil {
		return task.Fail(fmt.Errorf("speedtest: %w", err))
	}
	tc.Log(logx.LevelInfo, "speedtest measured",
		logx.Float64("down_mbps", m.DownloadMbps),
		logx.Float64("up_mbps", m.UploadMbps),
		logx.Float64("ping_ms", m.PingMs),
		logx.String("server", m.ServerName),
	)

	events := []string{EventMeasured}
	if minDown > 0 && m.DownloadMbps < minDown {
		events = append(events, EventDegraded)
	}
	return task.OK(m, events...)
}
