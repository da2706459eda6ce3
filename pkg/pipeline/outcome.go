package pipeline

import (
	"github.com/authpipe/authpipe/pkg/result"
)

// Outcome is what a Step hands back to the Composer. The only implementations
// are Continue, Fail, Skip and Branch.
type Outcome interface {
	isOutcome()
}

// Continue merges Patch into the Context and runs the next step.
type Continue struct {
	Patch Patch
}

// Fail stops the run with Err.
type Fail struct {
	Err *result.Error
}

// Skip stops the run successfully, keeping the last good Context.
type Skip struct{}

// Branch stops the run successfully and names the route to take instead.
type Branch struct {
	Name string
}

func (Continue) isOutcome() {}
func (Fail) isOutcome()     {}
func (Skip) isOutcome()     {}
func (Branch) isOutcome()   {}

var (
	_ Outcome = Continue{}
	_ Outcome = Fail{}
	_ Outcome = Skip{}
	_ Outcome = Branch{}
)

// Next continues with patch.
func Next(patch Patch) Outcome {
	return Continue{Patch: patch}
}

// Abort fails with a new structured error.
func Abort(code result.Code, message string, opts ...result.ErrorOption) Outcome {
	return Fail{Err: result.New(code, message, opts...)}
}

// Failure fails with err converted to a structured error.
func Failure(err error, opts ...result.ErrorOption) Outcome {
	return Fail{Err: result.From(err, opts...)}
}
