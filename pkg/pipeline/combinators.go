package pipeline

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/sourcegraph/conc"
	"github.com/sourcegraph/conc/panics"
	"go.uber.org/zap"

	"github.com/authpipe/authpipe/pkg/logger"
	"github.com/authpipe/authpipe/pkg/result"
)

// DefaultSlowStepThreshold is the duration above which Instrument warns.
const DefaultSlowStepThreshold = 50 * time.Millisecond

var stepDurationHistogram = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Namespace:                       "authpipe",
	Name:                            "pipeline_step_duration_ms",
	Help:                            "The duration (in ms) of instrumented pipeline steps.",
	Buckets:                         []float64{1, 5, 10, 25, 50, 100, 200, 500, 1000},
	NativeHistogramBucketFactor:     1.1,
	NativeHistogramMaxBucketNumber:  100,
	NativeHistogramMinResetDuration: time.Hour,
}, []string{"step"})

type combinatorOptions struct {
	name      string
	logger    logger.Logger
	threshold time.Duration
}

type CombinatorOption func(o *combinatorOptions)

// WithName overrides the name a combinator reports.
func WithName(name string) CombinatorOption {
	return func(o *combinatorOptions) {
		o.name = name
	}
}

func WithStepLogger(l logger.Logger) CombinatorOption {
	return func(o *combinatorOptions) {
		o.logger = l
	}
}

// WithThreshold sets the slow step threshold used by Instrument.
func WithThreshold(d time.Duration) CombinatorOption {
	return func(o *combinatorOptions) {
		o.threshold = d
	}
}

func newCombinatorOptions(defaultName string, opts []CombinatorOption) *combinatorOptions {
	o := &combinatorOptions{
		name:      defaultName,
		logger:    logger.NewNoopLogger(),
		threshold: DefaultSlowStepThreshold,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

type forkStep struct {
	*combinatorOptions
	branches []Step
}

// Fork runs branches concurrently against the same starting Context and waits
// for all of them. It fails with FORK_FAILURE if any branch failed. Branch
// patches are discarded.
func Fork(branches []Step, opts ...CombinatorOption) Step {
	names := make([]string, 0, len(branches))
	for _, b := range branches {
		names = append(names, b.Name())
	}

	return &forkStep{
		combinatorOptions: newCombinatorOptions("fork("+strings.Join(names, ",")+")", opts),
		branches:          branches,
	}
}

func (f *forkStep) Name() string {
	return f.name
}

func (f *forkStep) Run(ctx context.Context, pc Context) Outcome {
	outcomes := make([]Outcome, len(f.branches))

	var wg conc.WaitGroup
	for i, branch := range f.branches {
		wg.Go(func() {
			var catcher panics.Catcher
			catcher.Try(func() {
				outcomes[i] = branch.Run(ctx, pc)
			})
			if recovered := catcher.Recovered(); recovered != nil {
				f.logger.ErrorWithContext(ctx, "fork branch panicked",
					zap.String("branch", branch.Name()),
					zap.Any("panic", recovered.Value),
				)
				outcomes[i] = Fail{Err: result.New(result.CodeGeneric, result.InternalServerErrorMsg,
					result.WithCause(recovered.AsError()),
				)}
			}
		})
	}
	wg.Wait()

	var (
		failed []string
		first  *result.Error
	)
	for i, outcome := range outcomes {
		fail, ok := outcome.(Fail)
		if !ok {
			continue
		}
		failed = append(failed, f.branches[i].Name())
		if first == nil {
			first = fail.Err
		}
	}

	if len(failed) == 0 {
		return Continue{}
	}

	return Abort(result.CodeForkFailure,
		fmt.Sprintf("%d of %d fork branches failed", len(failed), len(f.branches)),
		result.WithCause(first),
		result.WithDetail("failedBranches", failed),
	)
}

type transactionalStep struct {
	*combinatorOptions
	step Step
}

// Transactional gives step its own rollback registry. When step fails the
// registered callbacks run newest first and the failure is reported as
// TXN_ROLLBACK. On success the callbacks move to the enclosing registry.
func Transactional(step Step, opts ...CombinatorOption) Step {
	return &transactionalStep{
		combinatorOptions: newCombinatorOptions("txn("+step.Name()+")", opts),
		step:              step,
	}
}

func (t *transactionalStep) Name() string {
	return t.name
}

func (t *transactionalStep) Run(ctx context.Context, pc Context) Outcome {
	scope := NewRollbacks()

	var (
		outcome Outcome
		catcher panics.Catcher
	)
	catcher.Try(func() {
		outcome = t.step.Run(ctx, pc.With(SlotRollback, scope))
	})
	if recovered := catcher.Recovered(); recovered != nil {
		outcome = Fail{Err: result.New(result.CodeGeneric, result.InternalServerErrorMsg,
			result.WithCause(recovered.AsError()),
		)}
	}

	if fail, ok := outcome.(Fail); ok {
		rolledBack := scope.Len()
		_ = scope.Unwind(context.WithoutCancel(ctx), t.logger)
		t.logger.WarnWithContext(ctx, "transaction rolled back",
			zap.String("step", t.step.Name()),
			zap.Int("rollbacks", rolledBack),
		)

		var cause error
		if fail.Err != nil {
			cause = fail.Err
		}
		return Abort(result.CodeTxnRollback, "transaction rolled back",
			result.WithCause(cause),
			result.WithDetail("step", t.step.Name()),
		)
	}

	if parent, ok := Value[*Rollbacks](pc, SlotRollback); ok {
		scope.transferTo(parent)
	}

	if cont, ok := outcome.(Continue); ok {
		if _, leaked := cont.Patch[SlotRollback]; leaked {
			patch := make(Patch, len(cont.Patch))
			for k, v := range cont.Patch {
				if k != SlotRollback {
					patch[k] = v
				}
			}
			return Continue{Patch: patch}
		}
	}

	return outcome
}

type instrumentedStep struct {
	*combinatorOptions
	step Step
}

// Instrument records the duration of step and warns when it exceeds the
// threshold. The outcome is passed through unchanged.
func Instrument(step Step, opts ...CombinatorOption) Step {
	return &instrumentedStep{
		combinatorOptions: newCombinatorOptions(step.Name(), opts),
		step:              step,
	}
}

func (i *instrumentedStep) Name() string {
	return i.name
}

func (i *instrumentedStep) Run(ctx context.Context, pc Context) Outcome {
	start := time.Now()
	outcome := i.step.Run(ctx, pc)
	elapsed := time.Since(start)

	stepDurationHistogram.WithLabelValues(i.name).Observe(float64(elapsed.Milliseconds()))

	if elapsed > i.threshold {
		i.logger.WarnWithContext(ctx, "slow pipeline step",
			zap.String("step", i.name),
			zap.Duration("elapsed", elapsed),
			zap.Duration("threshold", i.threshold),
		)
	}
	return outcome
}

// Predicate decides whether a conditional step runs.
type Predicate func(pc Context) bool

type conditionalStep struct {
	*combinatorOptions
	predicate Predicate
	then      Step
	otherwise Step
}

// When runs step only if predicate holds for the current Context.
func When(predicate Predicate, step Step, opts ...CombinatorOption) Step {
	return &conditionalStep{
		combinatorOptions: newCombinatorOptions("when("+step.Name()+")", opts),
		predicate:         predicate,
		then:              step,
	}
}

// If runs then when predicate holds and otherwise when it does not.
func If(predicate Predicate, then, otherwise Step, opts ...CombinatorOption) Step {
	return &conditionalStep{
		combinatorOptions: newCombinatorOptions("if("+then.Name()+","+otherwise.Name()+")", opts),
		predicate:         predicate,
		then:              then,
		otherwise:         otherwise,
	}
}

func (c *conditionalStep) Name() string {
	return c.name
}

func (c *conditionalStep) Run(ctx context.Context, pc Context) Outcome {
	if c.predicate(pc) {
		return c.then.Run(ctx, pc)
	}
	if c.otherwise != nil {
		return c.otherwise.Run(ctx, pc)
	}
	return Continue{}
}

// HasSlot is a Predicate that holds when slot is present.
func HasSlot(slot Slot) Predicate {
	return func(pc Context) bool {
		return pc.Has(slot)
	}
}
