package task

import (
	"context"
	"testing"
	"time"

	"extsched/internal/eventbus"
	logx "extsched/pkg/logx"
)

func TestContextConfigOverridesWin(t *testing.T) {
	t.Parallel()
	tc := NewContext(Params{
		JobID:     "j1",
		TaskID:    "echo",
		Config:    map[string]any{"message": "job", "count": 2},
		Overrides: map[string]any{"message": "call"},
	})
	if got := tc.String("message", ""); got != "call" {
		t.Fatalf("message = %q, want call", got)
	}
	if got := tc.Int("count", 0); got != 2 {
		t.Fatalf("count = %d, want 2", got)
	}
	if tc.Has("missing") {
		t.Fatal("Has(missing) = true")
	}
	if got := tc.Config("missing", "def"); got != "def" {
		t.Fatalf("Config(missing) = %v, want def", got)
	}

	m := tc.ConfigMap()
	m["message"] = "mutated"
	if tc.String("message", "") != "call" {
		t.Fatal("ConfigMap must return a copy")
	}
}

func TestContextTypedAccessors(t *testing.T) {
	t.Parallel()
	tc := NewContext(Params{Config: map[string]any{
		"f":      float64(3),
		"frac":   2.5,
		"s":      "42",
		"b":      "true",
		"d":      "1500ms",
		"secs":   float64(2),
		"bogus":  []string{"x"},
		"notbol": "maybe",
	}})

	tests := []struct {
		name string
		got  any
		want any
	}{
		{"int from float", tc.Int("f", 0), 3},
		{"int from fractional falls back", tc.Int("frac", 7), 7},
		{"int from string", tc.Int("s", 0), 42},
		{"int from wrong type", tc.Int("bogus", -1), -1},
		{"float", tc.Float("frac", 0), 2.5},
		{"bool from string", tc.Bool("b", false), true},
		{"bool invalid", tc.Bool("notbol", true), true},
		{"duration string", tc.Duration("d", 0), 1500 * time.Millisecond},
		{"duration seconds", tc.Duration("secs", 0), 2 * time.Second},
		{"duration default", tc.Duration("nope", time.Minute), time.Minute},
	}
	for _, tt := range tests {
		if tt.got != tt.want {
			t.Fatalf("%s: got %v, want %v", tt.name, tt.got, tt.want)
		}
	}
}

func TestContextVariables(t *testing.T) {
	t.Parallel()
	tc := NewContext(Params{})
	tc.SetVariable("k", 1)
	if v, ok := tc.Variable("k"); !ok || v != 1 {
		t.Fatalf("Variable(k) = %v, %v", v, ok)
	}
	vars := tc.Variables()
	vars["k"] = 2
	if v, _ := tc.Variable("k"); v != 1 {
		t.Fatal("Variables must return a copy")
	}
}

func TestContextPublishCarriesIdentity(t *testing.T) {
	t.Parallel()
	bus := eventbus.New(eventbus.Config{}, logx.Nop())
	t.Cleanup(func() { _ = bus.Close(context.Background()) })

	tc := NewContext(Params{JobID: "j", TaskID: "t", ExecutionID: "x", Bus: bus})
	tc.Publish("custom.done", map[string]any{"n": 1})
	tc.Publish("", nil)

	evs := bus.History("", 0)
	if len(evs) != 1 {
		t.Fatalf("events = %d, want 1", len(evs))
	}
	de, ok := evs[0].Data.(DomainEvent)
	if !ok {
		t.Fatalf("payload type = %T", evs[0].Data)
	}
	if de.JobID != "j" || de.TaskID != "t" || de.ExecutionID != "x" {
		t.Fatalf("payload = %+v", de)
	}
}

func TestContextPublishWithoutBus(t *testing.T) {
	t.Parallel()
	tc := NewContext(Params{})
	tc.Publish("x", nil)
	if tc.Bus() != nil {
		t.Fatal("Bus() should be nil")
	}
	if tc.Logger().IsZero() {
		t.Fatal("Logger should default to a usable logger")
	}
}
