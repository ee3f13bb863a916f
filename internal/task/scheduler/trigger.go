package scheduler

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

var ErrInvalidTrigger = errors.New("invalid trigger")

type Kind string

const (
	KindCron     Kind = "cron"
	KindInterval Kind = "interval"
	KindDate     Kind = "date"
)

// Field is a cron field given as a JSON string ("*/5", "mon-fri") or number.
type Field string

func (f *Field) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if bytes.Equal(b, []byte("null")) {
		*f = ""
		return nil
	}
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*f = Field(strings.TrimSpace(s))
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("cron field must be a string or number: %s", b)
	}
	*f = Field(n.String())
	return nil
}

// Spec is the user-facing trigger description. Only the fields relevant to
// Type are read; the rest must be empty.
type Spec struct {
	Type string `json:"type"`

	// cron
	Expression string `json:"expression,omitempty"`
	Second     Field  `json:"second,omitempty"`
	Minute     Field  `json:"minute,omitempty"`
	Hour       Field  `json:"hour,omitempty"`
	Day        Field  `json:"day,omitempty"`
	Month      Field  `json:"month,omitempty"`
	DayOfWeek  Field  `json:"day_of_week,omitempty"`

	// interval
	Weeks   float64 `json:"weeks,omitempty"`
	Days    float64 `json:"days,omitempty"`
	Hours   float64 `json:"hours,omitempty"`
	Minutes float64 `json:"minutes,omitempty"`
	Seconds float64 `json:"seconds,omitempty"`
	Jitter  float64 `json:"jitter,omitempty"`

	// date
	RunDate string `json:"run_date,omitempty"`
}

// UnmarshalJSON also accepts a shorthand string ("*/5 * * * *", "10m",
// "01:30" or an RFC3339 run date).
func (s *Spec) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) > 0 && b[0] == '"' {
		var raw string
		if err := json.Unmarshal(b, &raw); err != nil {
			return err
		}
		spec, err := parseShorthand(raw)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidTrigger, err)
		}
		*s = spec
		return nil
	}
	type plain Spec
	var p plain
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&p); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidTrigger, err)
	}
	*s = Spec(p)
	return nil
}

// Trigger is a validated Spec, ready to register.
type Trigger struct {
	Kind     Kind
	Schedule cron.Schedule // cron and interval
	At       time.Time     // date
	Every    time.Duration // interval
	Jitter   time.Duration
	Describe string
}

// Builder validates specs with a fixed parser and location.
type Builder struct {
	parser cron.Parser
	loc    *time.Location
}

func NewBuilder(loc *time.Location) Builder {
	if loc == nil {
		loc = time.Local
	}
	return Builder{parser: newParser(), loc: loc}
}

// SecondOptional allows both 5-field and 6-field (with seconds) cron specs.
func newParser() cron.Parser {
	return cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
}

// Build validates s. Errors wrap ErrInvalidTrigger.
func (b Builder) Build(s Spec) (Trigger, error) {
	switch Kind(strings.ToLower(strings.TrimSpace(s.Type))) {
	case KindCron:
		if err := s.onlyFields(KindCron); err != nil {
			return Trigger{}, err
		}
		return b.buildCron(s)
	case KindInterval:
		if err := s.onlyFields(KindInterval); err != nil {
			return Trigger{}, err
		}
		return b.buildInterval(s)
	case KindDate:
		if err := s.onlyFields(KindDate); err != nil {
			return Trigger{}, err
		}
		return b.buildDate(s)
	case "":
		return Trigger{}, fmt.Errorf("%w: schedule type required", ErrInvalidTrigger)
	default:
		return Trigger{}, fmt.Errorf("%w: unknown schedule type %q (want cron, interval or date)", ErrInvalidTrigger, s.Type)
	}
}

func (s Spec) hasCron() bool {
	return s.Expression != "" || s.Second != "" || s.Minute != "" || s.Hour != "" ||
		s.Day != "" || s.Month != "" || s.DayOfWeek != ""
}

func (s Spec) hasInterval() bool {
	return s.Weeks != 0 || s.Days != 0 || s.Hours != 0 || s.Minutes != 0 || s.Seconds != 0 || s.Jitter != 0
}

func (s Spec) onlyFields(k Kind) error {
	var stray []string
	if k != KindCron && s.hasCron() {
		stray = append(stray, "cron fields")
	}
	if k != KindInterval && s.hasInterval() {
		stray = append(stray, "interval fields")
	}
	if k != KindDate && s.RunDate != "" {
		stray = append(stray, "run_date")
	}
	if len(stray) > 0 {
		return fmt.Errorf("%w: %s trigger does not accept %s", ErrInvalidTrigger, k, strings.Join(stray, ", "))
	}
	return nil
}

// cronField pairs a field with its minimum; order is least significant first.
type cronField struct {
	name string
	val  Field
	min  string
}

func (b Builder) buildCron(s Spec) (Trigger, error) {
	expr := strings.TrimSpace(s.Expression)
	fieldsGiven := s.Second != "" || s.Minute != "" || s.Hour != "" || s.Day != "" || s.Month != "" || s.DayOfWeek != ""
	if expr != "" && fieldsGiven {
		return Trigger{}, fmt.Errorf("%w: use either expression or cron fields, not both", ErrInvalidTrigger)
	}
	if expr == "" {
		if !fieldsGiven {
			return Trigger{}, fmt.Errorf("%w: cron trigger needs an expression or at least one field", ErrInvalidTrigger)
		}
		expr = cronExpression(s)
	}
	sched, err := b.parser.Parse(expr)
	if err != nil {
		return Trigger{}, fmt.Errorf("%w: cron %q: %v", ErrInvalidTrigger, expr, err)
	}
	if sched.Next(time.Now().In(b.loc)).IsZero() {
		return Trigger{}, fmt.Errorf("%w: cron %q never fires", ErrInvalidTrigger, expr)
	}
	return Trigger{Kind: KindCron, Schedule: sched, Describe: "cron[" + expr + "]"}, nil
}

// cronExpression builds a 6-field expression. Fields less significant than
// the least significant given field take their minimum; the rest are "*".
// day_of_week ranks between day and hour and always defaults to "*".
func cronExpression(s Spec) string {
	order := []cronField{
		{"second", s.Second, "0"},
		{"minute", s.Minute, "0"},
		{"hour", s.Hour, "0"},
		{"day_of_week", s.DayOfWeek, "*"},
		{"day", s.Day, "1"},
		{"month", s.Month, "1"},
	}
	least := len(order)
	for i, f := range order {
		if f.val != "" {
			least = i
			break
		}
	}
	out := map[string]string{}
	for i, f := range order {
		switch {
		case f.val != "":
			out[f.name] = string(f.val)
		case i < least:
			out[f.name] = f.min
		default:
			out[f.name] = "*"
		}
	}
	return strings.Join([]string{out["second"], out["minute"], out["hour"], out["day"], out["month"], out["day_of_week"]}, " ")
}

func (b Builder) buildInterval(s Spec) (Trigger, error) {
	parts := []float64{s.Weeks, s.Days, s.Hours, s.Minutes, s.Seconds, s.Jitter}
	for _, p := range parts {
		if p < 0 || math.IsNaN(p) || math.IsInf(p, 0) {
			return Trigger{}, fmt.Errorf("%w: interval fields must be non-negative numbers", ErrInvalidTrigger)
		}
	}
	secs := s.Weeks*7*86400 + s.Days*86400 + s.Hours*3600 + s.Minutes*60 + s.Seconds
	if secs <= 0 {
		return Trigger{}, fmt.Errorf("%w: interval must be greater than zero", ErrInvalidTrigger)
	}
	if secs > float64(math.MaxInt64/int64(time.Second)) {
		return Trigger{}, fmt.Errorf("%w: interval too large", ErrInvalidTrigger)
	}
	// Sub-second remainders round up; cron.Every works in whole seconds.
	every := time.Duration(math.Ceil(secs)) * time.Second
	jitter := time.Duration(s.Jitter * float64(time.Second))

	var sched cron.Schedule = cron.Every(every)
	desc := "interval[" + every.String() + "]"
	if jitter > 0 {
		sched = newJitterSchedule(sched, jitter)
		desc = "interval[" + every.String() + ", jitter " + jitter.String() + "]"
	}
	return Trigger{Kind: KindInterval, Schedule: sched, Every: every, Jitter: jitter, Describe: desc}, nil
}

var dateLayouts = []string{time.RFC3339Nano, "2006-01-02T15:04:05", "2006-01-02 15:04:05", "2006-01-02 15:04", "2006-01-02"}

func (b Builder) buildDate(s Spec) (Trigger, error) {
	raw := strings.TrimSpace(s.RunDate)
	if raw == "" {
		return Trigger{}, fmt.Errorf("%w: date trigger needs run_date", ErrInvalidTrigger)
	}
	at, err := parseRunDate(raw, b.loc)
	if err != nil {
		return Trigger{}, fmt.Errorf("%w: %v", ErrInvalidTrigger, err)
	}
	return Trigger{Kind: KindDate, At: at, Describe: "date[" + at.Format(time.RFC3339) + "]"}, nil
}

// parseRunDate reads RFC3339 or a zone-less local time in loc.
func parseRunDate(raw string, loc *time.Location) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339Nano, raw); err == nil {
		return t, nil
	}
	for _, layout := range dateLayouts[1:] {
		if t, err := time.ParseInLocation(layout, raw, loc); err == nil {
			return t, nil
		}
	}
	if unix, err := strconv.ParseInt(raw, 10, 64); err == nil && unix > 0 {
		return time.Unix(unix, 0).In(loc), nil
	}
	return time.Time{}, fmt.Errorf("run_date %q is not RFC3339", raw)
}
