package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestParseSets(t *testing.T) {
	t.Parallel()
	got, err := parseSets([]string{"message=hi there", "repeat=3", "upper=true", `tags=["a"]`, "empty="})
	if err != nil {
		t.Fatal(err)
	}
	if got["message"] != "hi there" || got["repeat"] != float64(3) || got["upper"] != true || got["empty"] != "" {
		t.Fatalf("got %#v", got)
	}
	if _, ok := got["tags"].([]any); !ok {
		t.Fatalf("tags = %#v", got["tags"])
	}
	if _, err := parseSets([]string{"novalue"}); err == nil {
		t.Fatal("expected error")
	}
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := rootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(append([]string{"--env-file", ""}, args...))
	err := cmd.Execute()
	return out.String(), err
}

func TestRunCommand(t *testing.T) {
	out, err := execute(t, "run", "echo", "--set", "message=cli", "--set", "upper=true")
	if err != nil {
		t.Fatalf("run: %v\n%s", err, out)
	}
	var res struct {
		Success bool           `json:"success"`
		Data    map[string]any `json:"data"`
	}
	if err := json.Unmarshal([]byte(out), &res); err != nil || !res.Success || res.Data["message"] != "CLI" {
		t.Fatalf("output = %s (%v)", out, err)
	}

	if _, err := execute(t, "run", "echo.fail", "--set", "message=nope"); err == nil || !strings.Contains(err.Error(), "nope") {
		t.Fatalf("failing task err = %v", err)
	}
	if _, err := execute(t, "run", "missing.task"); err == nil {
		t.Fatal("unknown task should fail")
	}
}

func TestTasksCommand(t *testing.T) {
	out, err := execute(t, "tasks")
	if err != nil {
		t.Fatal(err)
	}
	for _, want := range []string{"echo", "system.heartbeat", "net.speedtest"} {
		if !strings.Contains(out, want) {
			t.Fatalf("tasks output missing %q:\n%s", want, out)
		}
	}
}

func TestValidateCommand(t *testing.T) {
	dir := t.TempDir()
	good := filepath.Join(dir, "good.yaml")
	_ = os.WriteFile(good, []byte(`
plugins:
  echo: {enabled: true}
jobs:
  - {id: a, task_id: echo, schedule: "*/5 * * * *"}
`), 0o644)
	out, err := execute(t, "validate", "--config", good)
	if err != nil || !strings.Contains(out, "config OK: 1 plugins, 1 active jobs") {
		t.Fatalf("validate good = %v\n%s", err, out)
	}

	bad := filepath.Join(dir, "bad.yaml")
	_ = os.WriteFile(bad, []byte(`
plugins:
  echo: {enabled: true}
jobs:
  - {id: a, task_id: system.heartbeat, schedule: "1m"}
`), 0o644)
	if _, err := execute(t, "validate", "--config", bad); err == nil || !strings.Contains(err.Error(), `job "a"`) {
		t.Fatalf("validate bad = %v", err)
	}
}
