package main

import (
	"context"
	"fmt"
)

// StepResult is the outcome of one cascade step.
type StepResult struct {
	Name string
	Err  error
}

// cascade is an ordered list of follow-up steps run after a primary
// transition has committed. A failing step is logged and the rest still run.
type cascade struct {
	op    string
	steps []cascadeStep
}

type cascadeStep struct {
	name string
	run  func(ctx context.Context) error
}

func newCascade(op string) *cascade {
	return &cascade{op: op}
}

func (c *cascade) add(name string, fn func(ctx context.Context) error) {
	c.steps = append(c.steps, cascadeStep{name: name, run: fn})
}

func (c *cascade) run(ctx context.Context) []StepResult {
	if len(c.steps) == 0 {
		return nil
	}
	results := make([]StepResult, 0, len(c.steps))
	for _, s := range c.steps {
		err := runStep(ctx, s)
		if err != nil {
			logError(catEngine, "cascade step failed", err, "op", c.op, "step", s.name)
		}
		results = append(results, StepResult{Name: s.name, Err: err})
	}
	return results
}

// runStep converts a panic in a step into an error so later steps still run.
func runStep(ctx context.Context, s cascadeStep) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = panicError{value: r}
		}
	}()
	return s.run(ctx)
}

type panicError struct{ value any }

func (p panicError) Error() string {
	return fmt.Sprintf("panic in cascade step: %v", p.value)
}
