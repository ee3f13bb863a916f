// Package task defines the contract between the orchestrator and a task body:
// the per-execution Context handed in, and the Result handed back.
package task

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Task is one executable unit of work. A fresh instance is created for every
// execution, so implementations may keep per-run state in fields.
type Task interface {
	Execute(ctx context.Context, tc *Context) Result
}

// Func adapts a plain function to Task.
type Func func(ctx context.Context, tc *Context) Result

func (f Func) Execute(ctx context.Context, tc *Context) Result { return f(ctx, tc) }

// ConfigValidator is implemented by tasks that check their job config.
// The orchestrator calls it before a job is registered and before an
// execute-now run.
type ConfigValidator interface {
	ValidateConfig(cfg map[string]any) error
}

// Factory builds a task instance.
type Factory func() Task

// Definition is a named task type declared by a plugin.
type Definition struct {
	ID          string
	Name        string
	Description string
	New         Factory

	// Plugin is filled in by the plugin manager.
	Plugin string
}

var ErrInvalidDefinition = errors.New("invalid task definition")

func (d Definition) Validate() error {
	if strings.TrimSpace(d.ID) == "" {
		return fmt.Errorf("%w: id required", ErrInvalidDefinition)
	}
	if strings.ContainsAny(d.ID, " \t\r\n") {
		return fmt.Errorf("%w: id %q contains whitespace", ErrInvalidDefinition, d.ID)
	}
	if d.New == nil {
		return fmt.Errorf("%w: %s has no factory", ErrInvalidDefinition, d.ID)
	}
	return nil
}

// Info is the read-only view of a Definition.
type Info struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Plugin      string `json:"plugin"`
	Validates   bool   `json:"validates_config"`
}

func (d Definition) Info() Info {
	name := d.Name
	if name == "" {
		name = d.ID
	}
	inf := Info{ID: d.ID, Name: name, Description: d.Description, Plugin: d.Plugin}
	if d.New != nil {
		_, inf.Validates = d.New().(ConfigValidator)
	}
	return inf
}
