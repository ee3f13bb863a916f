package app

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"extsched/internal/config"
	"extsched/internal/orchestrator"
	"extsched/internal/sink"
	"extsched/internal/storage"
	"extsched/internal/task/engine"
	"extsched/internal/task/scheduler"
)

func mapStorageConfig(cfg *config.Config) (storage.Config, bool, error) {
	if cfg == nil || cfg.Storage == nil {
		return storage.Config{}, false, nil
	}
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	if driver == "" || driver == "none" {
		return storage.Config{}, false, nil
	}
	path := strings.TrimSpace(sc.Path)

	switch driver {
	case "file":
		return storage.Config{Driver: "file", Path: path}, true, nil
	case "sqlite", "sqlite3":
		if path == "" {
			return storage.Config{}, false, fmt.Errorf("storage.path is required when storage.driver=sqlite")
		}
		busy, err := config.ParseDuration("storage.busy_timeout", sc.BusyTimeout, time.Second)
		if err != nil {
			return storage.Config{}, false, err
		}
		return storage.Config{Driver: "sqlite", Path: path, BusyTimeout: busy}, true, nil
	case "mysql":
		return storage.Config{Driver: "mysql", DSN: strings.TrimSpace(sc.DSN)}, true, nil
	default:
		return storage.Config{}, false, fmt.Errorf("unknown storage.driver: %s", sc.Driver)
	}
}

// mapOrchestratorConfig loads enabled plugins in name order.
func mapOrchestratorConfig(cfg *config.Config) orchestrator.Config {
	names := make([]string, 0, len(cfg.Plugins))
	for name, p := range cfg.Plugins {
		if p.Enabled {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	specs := make([]orchestrator.PluginSpec, 0, len(names))
	for _, name := range names {
		specs = append(specs, orchestrator.PluginSpec{Ref: name, Config: cfg.Plugins[name].Config})
	}

	sc := cfg.Scheduler
	timeout, grace := sc.Durations()
	return orchestrator.Config{
		Plugins: specs,
		Engine: engine.Config{
			Workers:      sc.Workers,
			QueueSize:    sc.QueueSize,
			MisfireGrace: grace,
			HistorySize:  sc.HistorySize,
		},
		Scheduler:      scheduler.Config{Timezone: sc.Timezone},
		DefaultTimeout: timeout,
	}
}

// JobSpec converts a bootstrap job. Timeout was checked by config.Validate.
func JobSpec(j config.JobConfig) orchestrator.JobSpec {
	timeout, _ := config.ParseDuration("timeout", j.Timeout, 0)
	return orchestrator.JobSpec{
		ID:       strings.TrimSpace(j.ID),
		Name:     j.Name,
		TaskID:   j.TaskID,
		Schedule: j.Schedule,
		Config:   j.Config,
		Timeout:  timeout,
		Origin:   "config",
	}
}

func mapRedisConfig(cfg *config.Config) sink.RedisConfig {
	return sink.RedisConfig{Stream: cfg.Redis.Stream, MaxLen: cfg.Redis.MaxLen, Events: cfg.Redis.Events}
}

func mapTelegramConfig(cfg *config.Config) sink.TelegramConfig {
	tg := cfg.Telegram
	return sink.TelegramConfig{
		Token:      tg.Token,
		ChatID:     tg.ChatID,
		ThreadID:   tg.ThreadID,
		RatePerSec: tg.RatePerSec,
		Events:     tg.Events,
	}
}
