package pipeline

import (
	"context"
)

// Step is one unit of work in a Pipeline. Run must not modify pc; it reports
// additions through a Continue patch.
type Step interface {
	Name() string
	Run(ctx context.Context, pc Context) Outcome
}

// StepFunc adapts a function to the Run half of Step.
type StepFunc func(ctx context.Context, pc Context) Outcome

type funcStep struct {
	name string
	fn   StepFunc
}

var _ Step = (*funcStep)(nil)

// NewStep names fn as a Step.
func NewStep(name string, fn StepFunc) Step {
	return &funcStep{name: name, fn: fn}
}

func (s *funcStep) Name() string {
	return s.name
}

func (s *funcStep) Run(ctx context.Context, pc Context) Outcome {
	return s.fn(ctx, pc)
}
