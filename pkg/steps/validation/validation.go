// Package validation checks the request body against a declarative schema.
package validation

import (
	"context"

	"github.com/authpipe/authpipe/pkg/pipeline"
	"github.com/authpipe/authpipe/pkg/result"
)

const StepName = "validate"

type step struct {
	name   string
	schema *Schema
}

// New returns a step validating the request body with schema. On success the
// sanitized value is patched into the payload slot; on failure every
// violation is reported under the "errors" detail.
func New(schema *Schema) pipeline.Step {
	return &step{name: StepName, schema: schema}
}

// NewNamed is like New with a custom step name.
func NewNamed(name string, schema *Schema) pipeline.Step {
	return &step{name: name, schema: schema}
}

func (s *step) Name() string {
	return s.name
}

func (s *step) Run(_ context.Context, pc pipeline.Context) pipeline.Outcome {
	body := pc.Meta().Body
	if body == nil {
		body = map[string]any{}
	}

	value, errs := s.schema.Validate(body)
	if len(errs) > 0 {
		return pipeline.Abort(result.CodeValidation, "Validation failed",
			result.WithDetail("errors", errs),
			result.WithRemediation("Correct the listed fields and retry"),
		)
	}

	return pipeline.Next(pipeline.Patch{pipeline.SlotPayload: value})
}
