package task

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Kind classifies a failed result.
type Kind string

const (
	KindNone          Kind = ""
	KindError         Kind = "error"
	KindPanic         Kind = "panic"
	KindTimeout       Kind = "timeout"
	KindCanceled      Kind = "canceled"
	KindUnknownTask   Kind = "unknown_task"
	KindInvalidConfig Kind = "invalid_config"
)

// Result is the outcome of one execution.
//
// Success implies Error is empty. On failure Data is advisory only.
// Events names domain events the orchestrator publishes after a successful
// run, each carrying Data.
type Result struct {
	Success bool     `json:"success"`
	Data    any      `json:"data,omitempty"`
	Error   string   `json:"error,omitempty"`
	Kind    Kind     `json:"kind,omitempty"`
	Events  []string `json:"events,omitempty"`
}

func OK(data any, events ...string) Result {
	return Result{Success: true, Data: data, Events: events}
}

func Fail(err error) Result {
	if err == nil {
		err = errors.New("task failed")
	}
	return Result{Error: err.Error(), Kind: KindError}
}

func Failf(kind Kind, format string, args ...any) Result {
	return Result{Error: fmt.Sprintf(format, args...), Kind: kind}
}

// Normalize enforces the result invariants on values built by hand.
func (r Result) Normalize() Result {
	if r.Success {
		r.Error = ""
		r.Kind = KindNone
		return r
	}
	if strings.TrimSpace(r.Error) == "" {
		r.Error = "task failed"
	}
	if r.Kind == KindNone {
		r.Kind = KindError
	}
	return r
}

// Err returns the failure as an error, or nil on success.
func (r Result) Err() error {
	if r.Success {
		return nil
	}
	return &ResultError{Kind: r.Kind, Msg: r.Error}
}

// ToMap is the transport form of a result.
func (r Result) ToMap() map[string]any {
	m := map[string]any{"success": r.Success}
	if r.Data != nil {
		m["data"] = r.Data
	}
	if r.Error != "" {
		m["error"] = r.Error
	}
	if r.Kind != KindNone {
		m["kind"] = string(r.Kind)
	}
	if len(r.Events) > 0 {
		m["events"] = append([]string(nil), r.Events...)
	}
	return m
}

func (r Result) String() string {
	if r.Success {
		b, err := json.Marshal(r.Data)
		if err != nil {
			return "ok"
		}
		return "ok " + string(b)
	}
	return fmt.Sprintf("%s: %s", r.Kind, r.Error)
}

// ResultError carries a failed result through error-returning code paths.
type ResultError struct {
	Kind Kind
	Msg  string
}

func (e *ResultError) Error() string { return e.Msg }

// IsKind reports whether err is a ResultError of kind k.
func IsKind(err error, k Kind) bool {
	var re *ResultError
	return errors.As(err, &re) && re.Kind == k
}
