package scheduler

import (
	"errors"
	"strings"
	"testing"
	"time"
)

func TestCronExpressionDefaults(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		spec Spec
		want string
	}{
		{"minute only", Spec{Minute: "*/5"}, "0 */5 * * * *"},
		{"hour only", Spec{Hour: "9"}, "0 0 9 * * *"},
		{"second only", Spec{Second: "30"}, "30 * * * * *"},
		{"day of week", Spec{DayOfWeek: "mon-fri"}, "0 0 0 * * mon-fri"},
		{"hour and dow", Spec{Hour: "8", DayOfWeek: "sun"}, "0 0 8 * * sun"},
		{"day", Spec{Day: "15"}, "0 0 0 15 * *"},
		{"month", Spec{Month: "6"}, "0 0 0 1 6 *"},
		{"minute and month", Spec{Minute: "30", Month: "1"}, "0 30 * * 1 *"},
	}
	for _, tt := range tests {
		if got := cronExpression(tt.spec); got != tt.want {
			t.Fatalf("%s: cronExpression = %q, want %q", tt.name, got, tt.want)
		}
	}
}

func TestBuildTriggers(t *testing.T) {
	t.Parallel()
	b := NewBuilder(time.UTC)

	tests := []struct {
		name string
		spec Spec
		kind Kind
		desc string
	}{
		{"cron fields", Spec{Type: "cron", Minute: "*/5"}, KindCron, "cron[0 */5 * * * *]"},
		{"cron expression", Spec{Type: "cron", Expression: "@hourly"}, KindCron, "cron[@hourly]"},
		{"cron five fields", Spec{Type: "CRON", Expression: "15 3 * * *"}, KindCron, "cron[15 3 * * *]"},
		{"interval", Spec{Type: "interval", Minutes: 1, Seconds: 30}, KindInterval, "interval[1m30s]"},
		{"interval sub-second", Spec{Type: "interval", Seconds: 0.2}, KindInterval, "interval[1s]"},
		{"interval jitter", Spec{Type: "interval", Hours: 1, Jitter: 5}, KindInterval, "interval[1h0m0s, jitter 5s]"},
		{"date", Spec{Type: "date", RunDate: "2030-01-02T03:04:05Z"}, KindDate, "date[2030-01-02T03:04:05Z]"},
		{"date local", Spec{Type: "date", RunDate: "2030-01-02 03:04:05"}, KindDate, "date[2030-01-02T03:04:05Z]"},
	}
	for _, tt := range tests {
		trig, err := b.Build(tt.spec)
		if err != nil {
			t.Fatalf("%s: Build: %v", tt.name, err)
		}
		if trig.Kind != tt.kind || trig.Describe != tt.desc {
			t.Fatalf("%s: got kind=%s desc=%q, want %s %q", tt.name, trig.Kind, trig.Describe, tt.kind, tt.desc)
		}
	}
}

func TestBuildTriggerErrors(t *testing.T) {
	t.Parallel()
	b := NewBuilder(time.UTC)
	tests := []struct {
		name string
		spec Spec
		msg  string
	}{
		{"no type", Spec{}, "type required"},
		{"bad type", Spec{Type: "weekly"}, "unknown schedule type"},
		{"empty cron", Spec{Type: "cron"}, "at least one field"},
		{"both", Spec{Type: "cron", Expression: "* * * * *", Hour: "1"}, "not both"},
		{"bad expression", Spec{Type: "cron", Expression: "99 * * * *"}, "cron"},
		{"bad field", Spec{Type: "cron", Minute: "61"}, "cron"},
		{"zero interval", Spec{Type: "interval"}, "greater than zero"},
		{"negative interval", Spec{Type: "interval", Seconds: -5}, "non-negative"},
		{"missing run date", Spec{Type: "date"}, "run_date"},
		{"bad run date", Spec{Type: "date", RunDate: "tomorrow"}, "RFC3339"},
		{"stray fields", Spec{Type: "interval", Seconds: 5, Minute: "1"}, "does not accept"},
	}
	for _, tt := range tests {
		_, err := b.Build(tt.spec)
		if !errors.Is(err, ErrInvalidTrigger) {
			t.Fatalf("%s: err = %v, want ErrInvalidTrigger", tt.name, err)
		}
		if !strings.Contains(err.Error(), tt.msg) {
			t.Fatalf("%s: err = %q, want substring %q", tt.name, err, tt.msg)
		}
	}
}

func TestIntervalFirstFireIsOnePeriodOut(t *testing.T) {
	t.Parallel()
	trig, err := NewBuilder(time.UTC).Build(Spec{Type: "interval", Seconds: 10})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	now := time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC)
	if got := trig.Schedule.Next(now); !got.Equal(now.Add(10 * time.Second)) {
		t.Fatalf("Next = %v, want %v", got, now.Add(10*time.Second))
	}
}

func TestJitterStaysInRange(t *testing.T) {
	t.Parallel()
	trig, err := NewBuilder(time.UTC).Build(Spec{Type: "interval", Seconds: 10, Jitter: 2})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	now := time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 50; i++ {
		got := trig.Schedule.Next(now).Sub(now)
		if got < 10*time.Second || got >= 12*time.Second {
			t.Fatalf("jittered delay = %v, want [10s, 12s)", got)
		}
	}
}
