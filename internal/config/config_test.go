package config

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	logx "extsched/pkg/logx"
)

const sampleYAML = `
logging:
  level: debug
  console: true
scheduler:
  timezone: UTC
  workers: 2
  default_timeout: 30s
  misfire_grace: 1m
http:
  enabled: true
plugins:
  echo:
    enabled: true
    config:
      prefix: "> "
jobs:
  - id: hello
    task_id: echo
    schedule:
      type: interval
      seconds: 10
    config:
      message: hi
  - id: nightly
    task_id: system.heartbeat
    schedule: "0 3 * * *"
    timeout: 5s
`

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(p, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return p
}

func TestLoadYAML(t *testing.T) {
	m := NewConfigManager(writeFile(t, "cfg.yaml", sampleYAML))
	cfg, err := m.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Logging.Level != "debug" || cfg.Scheduler.Workers != 2 || !cfg.HTTP.Enabled {
		t.Fatalf("cfg = %+v", cfg)
	}
	if len(cfg.Jobs) != 2 || cfg.Jobs[0].Schedule.Seconds != 10 || cfg.Jobs[1].Schedule.Expression != "0 3 * * *" {
		t.Fatalf("jobs = %+v", cfg.Jobs)
	}
	var echoCfg struct{ Prefix string }
	if err := json.Unmarshal(cfg.Plugins["echo"].Config, &echoCfg); err != nil || echoCfg.Prefix != "> " {
		t.Fatalf("plugin config = %s (%v)", cfg.Plugins["echo"].Config, err)
	}
	timeout, grace := cfg.Scheduler.Durations()
	if timeout != 30*time.Second || grace != time.Minute {
		t.Fatalf("durations = %v, %v", timeout, grace)
	}
	if m.Get() != cfg {
		t.Fatal("Load should commit")
	}
}

func TestDecodeStrict(t *testing.T) {
	tests := []struct {
		name, file, body string
	}{
		{"unknown top-level", "c.json", `{"logging":{},"bogus":1}`},
		{"unknown plugin key", "c.json", `{"plugins":{"echo":{"enabled":true,"timeout":"1s"}}}`},
		{"trailing data", "c.json", `{} {}`},
		{"bad yaml", "c.yml", "logging: [unterminated"},
		{"unknown schedule field", "c.json", `{"jobs":[{"id":"a","task_id":"echo","schedule":{"type":"cron","minutes":"5"}}]}`},
	}
	for _, tt := range tests {
		if _, err := Decode(tt.file, []byte(tt.body)); err == nil {
			t.Fatalf("%s: expected error", tt.name)
		}
	}
}

func TestDecodeYAMLNumericKeys(t *testing.T) {
	body := `
jobs:
  - id: a
    task_id: echo
    schedule: "@hourly"
    config:
      1: one
      nested:
        2: two
`
	cfg, err := Decode("c.yaml", []byte(body))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	c := cfg.Jobs[0].Config
	if c["1"] != "one" || c["nested"].(map[string]any)["2"] != "two" {
		t.Fatalf("config = %#v", c)
	}
}

func TestParseDuration(t *testing.T) {
	tests := []struct {
		raw     string
		def     time.Duration
		want    time.Duration
		wantErr bool
	}{
		{"", time.Second, time.Second, false},
		{"  ", 0, 0, false},
		{"0s", time.Second, time.Second, false},
		{"1m30s", 0, 90 * time.Second, false},
		{"-1s", 0, 0, true},
		{"soon", 0, 0, true},
	}
	for _, tt := range tests {
		got, err := ParseDuration("f", tt.raw, tt.def)
		if (err != nil) != tt.wantErr || got != tt.want {
			t.Fatalf("ParseDuration(%q, %v) = %v, %v", tt.raw, tt.def, got, err)
		}
	}
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		return &Config{Jobs: []JobConfig{{ID: "a", TaskID: "echo"}}}
	}
	tests := []struct {
		name   string
		mutate func(c *Config)
		msg    string
	}{
		{"level", func(c *Config) { c.Logging.Level = "loud" }, "logging.level"},
		{"timezone", func(c *Config) { c.Scheduler.Timezone = "Mars/Base" }, "scheduler.timezone"},
		{"timeout", func(c *Config) { c.Scheduler.DefaultTimeout = "soon" }, "scheduler.default_timeout"},
		{"storage driver", func(c *Config) { c.Storage = &StorageConfig{Driver: "mongo"} }, "storage.driver"},
		{"sqlite path", func(c *Config) { c.Storage = &StorageConfig{Driver: "sqlite"} }, "storage.path"},
		{"mysql dsn", func(c *Config) { c.Storage = &StorageConfig{Driver: "mysql"} }, "storage.dsn"},
		{"redis addr", func(c *Config) { c.Redis.Enabled = true }, "redis.addr"},
		{"telegram token", func(c *Config) { c.Telegram = TelegramConfig{Enabled: true, ChatID: 1} }, "telegram.token"},
		{"job id dup", func(c *Config) { c.Jobs = append(c.Jobs, c.Jobs[0]) }, "duplicated"},
		{"job task", func(c *Config) { c.Jobs[0].TaskID = "" }, "task_id required"},
		{"job timeout", func(c *Config) { c.Jobs[0].Timeout = "-1s" }, "jobs[0].timeout"},
	}
	for _, tt := range tests {
		c := valid()
		c.Jobs[0].Schedule.Type = "interval"
		c.Jobs[0].Schedule.Seconds = 5
		if err := Validate(c); err != nil {
			t.Fatalf("baseline invalid: %v", err)
		}
		tt.mutate(c)
		err := Validate(c)
		if !errors.Is(err, ErrInvalid) || !strings.Contains(err.Error(), tt.msg) {
			t.Fatalf("%s: err = %v, want %q", tt.name, err, tt.msg)
		}
	}

	c := valid()
	if err := Validate(c); err == nil || !strings.Contains(err.Error(), "jobs[0].schedule") {
		t.Fatalf("missing schedule: %v", err)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("EXTSCHED_LOG_LEVEL", "warn")
	t.Setenv("EXTSCHED_TELEGRAM_TOKEN", "secret")
	t.Setenv("EXTSCHED_STORAGE_DSN", "user:pw@tcp(db)/x")

	p := writeFile(t, "cfg.json", `{"logging":{"level":"info"},"storage":{"driver":"mysql","dsn":"placeholder"}}`)
	cfg, err := NewConfigManager(p).Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Logging.Level != "warn" || cfg.Telegram.Token != "secret" || cfg.Storage.DSN != "user:pw@tcp(db)/x" {
		t.Fatalf("overrides not applied: %+v", cfg)
	}
}

func TestLoadDotEnv(t *testing.T) {
	p := writeFile(t, ".env", "EXTSCHED_HTTP_ADDR=0.0.0.0:9999\n")
	t.Setenv("EXTSCHED_HTTP_ADDR", "")
	os.Unsetenv("EXTSCHED_HTTP_ADDR")
	if err := LoadDotEnv(p, filepath.Join(t.TempDir(), "missing.env")); err != nil {
		t.Fatalf("LoadDotEnv: %v", err)
	}
	o, err := ReadEnv()
	if err != nil {
		t.Fatal(err)
	}
	if o.HTTPAddr != "0.0.0.0:9999" {
		t.Fatalf("HTTPAddr = %q", o.HTTPAddr)
	}
}

func TestSummarizeConfigChange(t *testing.T) {
	t.Parallel()
	oldCfg := &Config{
		Telegram: TelegramConfig{Token: "a"},
		Plugins:  map[string]PluginConfigRaw{"echo": {Enabled: true, Config: json.RawMessage(`{"a":1,"b":2}`)}},
	}
	newCfg := &Config{
		Telegram: TelegramConfig{Token: "b"},
		Plugins: map[string]PluginConfigRaw{
			"echo":   {Enabled: true, Config: json.RawMessage(`{ "b":2, "a":1 }`)},
			"system": {Enabled: true},
		},
		Scheduler: SchedulerConfig{Timezone: "UTC"},
	}
	changed, attrs, plugins := SummarizeConfigChange(oldCfg, newCfg)
	if strings.Join(changed, ",") != "plugins,scheduler,telegram" {
		t.Fatalf("changed = %v", changed)
	}
	if len(plugins) != 1 || plugins[0] != "system" {
		t.Fatalf("plugins = %v", plugins)
	}
	if len(attrs) == 0 {
		t.Fatal("expected attrs")
	}
	if got := RestartRequired(changed); len(got) != 1 || got[0] != "telegram" {
		t.Fatalf("RestartRequired = %v", got)
	}
}

func TestWatchPublishesChanges(t *testing.T) {
	p := writeFile(t, "cfg.json", `{"logging":{"level":"info"}}`)
	m := NewConfigManager(p)
	m.SetLogger(logx.Nop())
	m.debounce = 20 * time.Millisecond
	if _, err := m.Load(); err != nil {
		t.Fatal(err)
	}
	m.SetValidator(func(ctx context.Context, cfg *Config) error {
		if cfg.Logging.Level == "error" {
			return errors.New("refused")
		}
		return nil
	})
	sub := m.Subscribe(1)
	defer m.Unsubscribe(sub)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		_ = m.Watch(ctx)
		close(done)
	}()
	// Give the watcher time to register.
	time.Sleep(100 * time.Millisecond)

	if err := os.WriteFile(p, []byte(`{"logging":{"level":"error"}}`), 0o644); err != nil {
		t.Fatal(err)
	}
	select {
	case cfg := <-sub:
		t.Fatalf("rejected config published: %+v", cfg)
	case <-time.After(300 * time.Millisecond):
	}

	if err := os.WriteFile(p, []byte(`{"logging":{"level":"debug"}}`), 0o644); err != nil {
		t.Fatal(err)
	}
	select {
	case cfg := <-sub:
		if cfg.Logging.Level != "debug" || m.Get().Logging.Level != "debug" {
			t.Fatalf("published = %+v", cfg.Logging)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("no config published")
	}

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Watch did not return after cancel")
	}
}

func TestRawDigestIgnoresLayout(t *testing.T) {
	a := RawDigest(json.RawMessage(`{"a":1,"b":[1,2]}`))
	b := RawDigest(json.RawMessage("{\n  \"b\": [1, 2],\n  \"a\": 1\n}"))
	if a == 0 || a != b {
		t.Fatalf("digests %d != %d", a, b)
	}
	if RawDigest(json.RawMessage(`{"a":2,"b":[1,2]}`)) == a {
		t.Fatal("changed value kept the digest")
	}
	if RawDigest(nil) != 0 || RawDigest(json.RawMessage("  ")) != 0 {
		t.Fatal("empty block should digest to 0")
	}
}
