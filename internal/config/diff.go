package config

import (
	"reflect"
	"sort"
	"strings"

	logx "extsched/pkg/logx"
)

// SummarizeConfigChange returns the changed section names, safe log fields
// (never secrets), and the names of plugins whose enable flag or config
// changed.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field, []string) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 8)
	attrs := make([]logx.Field, 0, 20)

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	if oldCfg.Scheduler != newCfg.Scheduler {
		changed = append(changed, "scheduler")
		s := newCfg.Scheduler
		attrs = append(attrs,
			logx.String("scheduler.timezone", strings.TrimSpace(s.Timezone)),
			logx.Int("scheduler.workers", s.Workers),
			logx.Int("scheduler.queue_size", s.QueueSize),
			logx.String("scheduler.default_timeout", strings.TrimSpace(s.DefaultTimeout)),
			logx.String("scheduler.misfire_grace", strings.TrimSpace(s.MisfireGrace)),
		)
	}

	if oldCfg.EventBus != newCfg.EventBus {
		changed = append(changed, "event_bus")
		attrs = append(attrs, logx.Int("event_bus.history_size", newCfg.EventBus.HistorySize))
	}

	if oldCfg.HTTP != newCfg.HTTP {
		changed = append(changed, "http")
		attrs = append(attrs, logx.Bool("http.enabled", newCfg.HTTP.Enabled), logx.String("http.addr", newCfg.HTTP.ListenAddr()), logx.Bool("http.pprof", newCfg.HTTP.Pprof))
	}

	// DSN may hold credentials: report only whether it is set.
	var oS, nS StorageConfig
	if oldCfg.Storage != nil {
		oS = *oldCfg.Storage
	}
	if newCfg.Storage != nil {
		nS = *newCfg.Storage
	}
	if oS != nS {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", strings.TrimSpace(nS.Driver)),
			logx.Bool("storage.path_set", strings.TrimSpace(nS.Path) != ""),
			logx.Bool("storage.dsn_set", strings.TrimSpace(nS.DSN) != ""),
		)
	}

	if !reflect.DeepEqual(oldCfg.Redis, newCfg.Redis) {
		changed = append(changed, "redis")
		attrs = append(attrs,
			logx.Bool("redis.enabled", newCfg.Redis.Enabled),
			logx.String("redis.addr", newCfg.Redis.Addr),
			logx.String("redis.stream", newCfg.Redis.Stream),
			logx.Bool("redis.password_set", newCfg.Redis.Password != ""),
		)
	}

	if !reflect.DeepEqual(oldCfg.Telegram, newCfg.Telegram) {
		changed = append(changed, "telegram")
		attrs = append(attrs,
			logx.Bool("telegram.enabled", newCfg.Telegram.Enabled),
			logx.Bool("telegram.token_set", newCfg.Telegram.Token != ""),
			logx.Int64("telegram.chat_id", newCfg.Telegram.ChatID),
		)
	}

	pluginChanged := diffPlugins(oldCfg.Plugins, newCfg.Plugins)
	if len(pluginChanged) > 0 {
		changed = append(changed, "plugins")
		attrs = append(attrs,
			logx.Int("plugins.changed_count", len(pluginChanged)),
			logx.Int("plugins.enabled_count", countEnabled(newCfg.Plugins)),
		)
	}

	if !reflect.DeepEqual(oldCfg.Jobs, newCfg.Jobs) {
		changed = append(changed, "jobs")
		attrs = append(attrs, logx.Int("jobs.count", len(newCfg.Jobs)))
	}

	sort.Strings(changed)
	return changed, attrs, pluginChanged
}

// RestartRequired lists changed sections that only take effect after a
// restart.
func RestartRequired(changed []string) []string {
	var out []string
	for _, s := range changed {
		switch s {
		case "event_bus", "http", "storage", "redis", "telegram":
			out = append(out, s)
		}
	}
	return out
}

func countEnabled(m map[string]PluginConfigRaw) int {
	n := 0
	for _, v := range m {
		if v.Enabled {
			n++
		}
	}
	return n
}

func diffPlugins(oldM, newM map[string]PluginConfigRaw) []string {
	set := map[string]struct{}{}
	for k := range oldM {
		set[k] = struct{}{}
	}
	for k := range newM {
		set[k] = struct{}{}
	}

	out := make([]string, 0, len(set))
	for name := range set {
		o, n := oldM[name], newM[name]
		if o.Enabled != n.Enabled || RawDigest(o.Config) != RawDigest(n.Config) {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}
