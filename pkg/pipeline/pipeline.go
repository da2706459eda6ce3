// Package pipeline runs ordered Steps over an immutable Context and reports a
// single Result for the run.
package pipeline

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/sourcegraph/conc/panics"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/authpipe/authpipe/pkg/logger"
	"github.com/authpipe/authpipe/pkg/result"
	"github.com/authpipe/authpipe/pkg/telemetry"
)

var tracer = otel.Tracer("pkg/pipeline")

// Metadata describes how a run went. Names and Timings are index aligned and
// cover every step that was invoked.
type Metadata struct {
	Names      []string        `json:"names"`
	Timings    []time.Duration `json:"timings"`
	Skip       bool            `json:"skip,omitempty"`
	SkippedBy  string          `json:"skippedBy,omitempty"`
	Branch     string          `json:"branch,omitempty"`
	BranchedBy string          `json:"branchedBy,omitempty"`
	FailedStep string          `json:"failedStep,omitempty"`
	Elapsed    time.Duration   `json:"elapsed"`
}

// Outcome returns a short label for the way the run ended.
func (m Metadata) Outcome() string {
	switch {
	case m.FailedStep != "":
		return "error"
	case m.Skip:
		return "skip"
	case m.Branch != "":
		return "branch"
	default:
		return "ok"
	}
}

// Pipeline is the Composer: it runs its steps strictly in order.
type Pipeline struct {
	name   string
	steps  []Step
	logger logger.Logger
}

type Option func(p *Pipeline)

func WithLogger(l logger.Logger) Option {
	return func(p *Pipeline) {
		p.logger = l
	}
}

// New returns a Pipeline running steps in order.
func New(name string, steps []Step, opts ...Option) *Pipeline {
	p := &Pipeline{
		name:   name,
		steps:  slices.Clone(steps),
		logger: logger.NewNoopLogger(),
	}

	for _, opt := range opts {
		opt(p)
	}

	return p
}

// Compose is New with a default name.
func Compose(steps ...Step) *Pipeline {
	return New("pipeline", steps)
}

// Empty is the identity for Then.
func Empty() *Pipeline {
	return New("empty", nil)
}

// Then returns a Pipeline running the steps of a followed by those of b.
func Then(a, b *Pipeline) *Pipeline {
	name := a.name
	if len(a.steps) == 0 {
		name = b.name
	}
	return &Pipeline{
		name:   name,
		steps:  slices.Concat(a.steps, b.steps),
		logger: a.logger,
	}
}

func (p *Pipeline) Name() string {
	return p.name
}

func (p *Pipeline) Len() int {
	return len(p.steps)
}

// StepNames returns the names of the configured steps in order.
func (p *Pipeline) StepNames() []string {
	names := make([]string, 0, len(p.steps))
	for _, s := range p.steps {
		names = append(names, s.Name())
	}
	return names
}

// Run executes the steps over pc. It stops at the first Fail, Skip or Branch.
// A failed run unwinds the rollback registry carried by the Context.
func (p *Pipeline) Run(ctx context.Context, pc Context) (result.Result[Context], Metadata) {
	ctx, span := tracer.Start(ctx, "pipeline.Run", trace.WithAttributes(
		attribute.String("pipeline", p.name),
		attribute.Int("steps", len(p.steps)),
	))
	defer span.End()

	start := time.Now()

	rollbacks, ok := Value[*Rollbacks](pc, SlotRollback)
	if !ok {
		rollbacks = NewRollbacks()
		pc = pc.With(SlotRollback, rollbacks)
	}

	md := Metadata{
		Names:   make([]string, 0, len(p.steps)),
		Timings: make([]time.Duration, 0, len(p.steps)),
	}

	current := pc
	for _, step := range p.steps {
		name := step.Name()

		stepStart := time.Now()
		outcome := p.runStep(ctx, step, current)
		md.Names = append(md.Names, name)
		md.Timings = append(md.Timings, time.Since(stepStart))

		switch o := outcome.(type) {
		case Continue:
			current = current.Merge(o.Patch)
			continue
		case Skip:
			md.Skip = true
			md.SkippedBy = name
		case Branch:
			md.Branch = o.Name
			md.BranchedBy = name
		case Fail:
			return p.fail(ctx, span, rollbacks, name, o.Err, md, start)
		default:
			return p.fail(ctx, span, rollbacks, name, result.Errorf(result.CodeGeneric, "step %q returned no outcome", name), md, start)
		}
		break
	}

	md.Elapsed = time.Since(start)
	span.SetAttributes(attribute.String("outcome", md.Outcome()))
	p.logger.DebugWithContext(ctx, "pipeline completed",
		zap.String("pipeline", p.name),
		zap.String("outcome", md.Outcome()),
		zap.Duration("elapsed", md.Elapsed),
	)

	return result.Ok(current.With(SlotMetadata, md)), md
}

func (p *Pipeline) fail(
	ctx context.Context,
	span trace.Span,
	rollbacks *Rollbacks,
	step string,
	err *result.Error,
	md Metadata,
	start time.Time,
) (result.Result[Context], Metadata) {
	if err == nil {
		err = result.Errorf(result.CodeGeneric, "step %q failed without an error", step)
	}

	md.FailedStep = step
	md.Elapsed = time.Since(start)
	telemetry.TraceError(span, err)

	p.logger.DebugWithContext(ctx, "pipeline failed",
		zap.String("pipeline", p.name),
		zap.String("step", step),
		zap.String("code", string(err.Code)),
		zap.Error(err),
	)

	if rollbacks.Len() > 0 {
		_ = rollbacks.Unwind(context.WithoutCancel(ctx), p.logger)
	}

	return result.Fail[Context](err), md
}

func (p *Pipeline) runStep(ctx context.Context, step Step, pc Context) Outcome {
	ctx, span := tracer.Start(ctx, step.Name())
	defer span.End()

	var (
		outcome Outcome
		catcher panics.Catcher
	)
	catcher.Try(func() {
		outcome = step.Run(ctx, pc)
	})

	if recovered := catcher.Recovered(); recovered != nil {
		p.logger.ErrorWithContext(ctx, "pipeline step panicked",
			zap.String("pipeline", p.name),
			zap.String("step", step.Name()),
			zap.Any("panic", recovered.Value),
			zap.ByteString("stacktrace", recovered.Stack),
		)
		return Fail{Err: result.New(result.CodeGeneric, result.InternalServerErrorMsg,
			result.WithCause(recovered.AsError()),
		)}
	}

	if f, ok := outcome.(Fail); ok && f.Err != nil {
		telemetry.TraceError(span, f.Err)
	}
	return outcome
}

// AsStep exposes p as a single Step so pipelines nest. A nested Skip or
// Branch is passed through to the enclosing run.
func (p *Pipeline) AsStep() Step {
	return NewStep(p.name, func(ctx context.Context, pc Context) Outcome {
		res, md := p.Run(ctx, pc)
		if res.IsErr() {
			return Fail{Err: res.Err()}
		}

		switch {
		case md.Skip:
			return Skip{}
		case md.Branch != "":
			return Branch{Name: md.Branch}
		}

		final := res.Value()
		patch := Patch{}
		for slot, v := range final.ToMap() {
			if slot == SlotMetadata || slot == SlotRollback {
				continue
			}
			patch[slot] = v
		}
		return Continue{Patch: patch}
	})
}

func (m Metadata) String() string {
	return fmt.Sprintf("%s names=%v timings=%v", m.Outcome(), m.Names, m.Timings)
}
