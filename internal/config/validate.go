package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"extsched/internal/task/scheduler"
	logx "extsched/pkg/logx"
)

var ErrInvalid = errors.New("invalid config")

// Validate checks everything that can be checked without loading plugins.
// Task ids in jobs are verified later by the orchestrator.
func Validate(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("%w: nil config", ErrInvalid)
	}
	var errs []error
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	if lv := strings.TrimSpace(cfg.Logging.Level); lv != "" && !logx.ValidLevel(lv) {
		add("logging.level: unknown level %q", lv)
	}

	sc := cfg.Scheduler
	if err := scheduler.ValidTimezone(sc.Timezone); err != nil {
		add("scheduler.timezone: %v", err)
	}
	if sc.Workers < 0 || sc.QueueSize < 0 || sc.HistorySize < 0 {
		add("scheduler: workers, queue_size and history_size must be >= 0")
	}
	if _, err := ParseDuration("scheduler.default_timeout", sc.DefaultTimeout, 0); err != nil {
		errs = append(errs, err)
	}
	if _, err := ParseDuration("scheduler.misfire_grace", sc.MisfireGrace, 0); err != nil {
		errs = append(errs, err)
	}
	if cfg.EventBus.HistorySize < 0 || cfg.EventBus.QueueSize < 0 {
		add("event_bus: sizes must be >= 0")
	}

	if st := cfg.Storage; st != nil {
		switch strings.ToLower(strings.TrimSpace(st.Driver)) {
		case "", "none":
		case "file", "sqlite":
			if strings.TrimSpace(st.Path) == "" {
				add("storage.path required for driver %q", st.Driver)
			}
			if _, err := ParseDuration("storage.busy_timeout", st.BusyTimeout, 0); err != nil {
				errs = append(errs, err)
			}
		case "mysql":
			if strings.TrimSpace(st.DSN) == "" {
				add("storage.dsn required for driver mysql")
			}
		default:
			add("storage.driver: unknown driver %q", st.Driver)
		}
	}

	if cfg.Redis.Enabled && strings.TrimSpace(cfg.Redis.Addr) == "" {
		add("redis.addr required when redis is enabled")
	}
	if tg := cfg.Telegram; tg.Enabled {
		if strings.TrimSpace(tg.Token) == "" {
			add("telegram.token required when telegram is enabled")
		}
		if tg.ChatID == 0 {
			add("telegram.chat_id required when telegram is enabled")
		}
		if tg.RatePerSec < 0 {
			add("telegram.rate_per_sec must be >= 0")
		}
	}

	b := scheduler.NewBuilder(time.UTC)
	seen := map[string]bool{}
	for i, j := range cfg.Jobs {
		path := fmt.Sprintf("jobs[%d]", i)
		id := strings.TrimSpace(j.ID)
		if id == "" {
			add("%s.id required", path)
		} else if seen[id] {
			add("%s.id %q is duplicated", path, id)
		}
		seen[id] = true
		if strings.TrimSpace(j.TaskID) == "" {
			add("%s.task_id required", path)
		}
		if _, err := b.Build(j.Schedule); err != nil {
			add("%s.schedule: %v", path, err)
		}
		if _, err := ParseDuration(path+".timeout", j.Timeout, 0); err != nil {
			errs = append(errs, err)
		}
	}

	if len(errs) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrInvalid, errors.Join(errs...))
}

// ParseDuration reads a duration field. Empty or zero yields def; negative
// values are rejected.
func ParseDuration(field, raw string, def time.Duration) (time.Duration, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return def, nil
	}
	d, err := time.ParseDuration(raw)
	switch {
	case err != nil:
		return 0, fmt.Errorf("%s: invalid duration %q: %w", field, raw, err)
	case d < 0:
		return 0, fmt.Errorf("%s: duration must be >= 0", field)
	case d == 0:
		return def, nil
	}
	return d, nil
}

// Durations resolves the scheduler duration strings. Call after Validate.
func (s SchedulerConfig) Durations() (defaultTimeout, misfireGrace time.Duration) {
	defaultTimeout, _ = ParseDuration("scheduler.default_timeout", s.DefaultTimeout, 0)
	misfireGrace, _ = ParseDuration("scheduler.misfire_grace", s.MisfireGrace, 0)
	return defaultTimeout, misfireGrace
}

// LogConfig maps the logging section onto the logger service config.
func (l LoggingConfig) LogConfig() logx.Config {
	return logx.Config{
		Level:   l.Level,
		Console: l.Console,
		JSON:    l.JSON,
		File:    logx.FileConfig{Enabled: l.File.Enabled, Path: l.File.Path},
	}
}

// ListenAddr returns the listen address with its default applied.
func (h HTTPConfig) ListenAddr() string {
	if a := strings.TrimSpace(h.Addr); a != "" {
		return a
	}
	return "127.0.0.1:8080"
}
