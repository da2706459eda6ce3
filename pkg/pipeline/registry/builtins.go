package registry

import (
	"context"
	"fmt"

	"github.com/authpipe/authpipe/pkg/pipeline"
	"github.com/authpipe/authpipe/pkg/steps/authn"
	"github.com/authpipe/authpipe/pkg/steps/authorize"
	"github.com/authpipe/authpipe/pkg/steps/cancellation"
	"github.com/authpipe/authpipe/pkg/steps/permission"
	"github.com/authpipe/authpipe/pkg/steps/ratelimit"
	"github.com/authpipe/authpipe/pkg/steps/requestcontext"
	"github.com/authpipe/authpipe/pkg/steps/snapshot"
	"github.com/authpipe/authpipe/pkg/steps/validation"
)

var builtins = map[Kind]Constructor{
	KindRequestContext:     buildRequestContext,
	KindAuthenticate:       buildAuthenticate,
	KindValidate:           buildValidate,
	KindCancellation:       buildCancellation,
	KindSnapshot:           buildSnapshot,
	KindRateLimit:          buildRateLimit,
	KindRequireRoles:       buildRequireRoles,
	KindRequirePermissions: buildRequirePermissions,
	KindRequireRelation:    buildRequireRelation,
	KindAuthorize:          buildAuthorize,
	KindFork:               buildFork,
	KindTransactional:      buildTransactional,
	KindInstrument:         buildInstrument,
	KindWhen:               buildWhen,
}

type namedStep struct {
	pipeline.Step
	name string
}

func (n namedStep) Name() string {
	return n.name
}

func (n namedStep) Run(ctx context.Context, pc pipeline.Context) pipeline.Outcome {
	return n.Step.Run(ctx, pc)
}

// named gives step the configured name, if any.
func named(step pipeline.Step, cfg StepConfig) pipeline.Step {
	if cfg.Name == "" || cfg.Name == step.Name() {
		return step
	}
	return namedStep{Step: step, name: cfg.Name}
}

func buildRequestContext(r *Registry, cfg StepConfig) (pipeline.Step, error) {
	var opts []requestcontext.Option
	if r.deps.TrustForwardedFor {
		opts = append(opts, requestcontext.WithTrustForwardedFor())
	}
	return named(requestcontext.New(opts...), cfg), nil
}

func buildAuthenticate(r *Registry, cfg StepConfig) (pipeline.Step, error) {
	if r.deps.Verifier == nil {
		return nil, missing("token verifier")
	}
	opts := []authn.Option{authn.WithLogger(r.deps.Logger)}
	if r.deps.Denylist != nil {
		opts = append(opts, authn.WithDenylist(r.deps.Denylist))
	}
	return named(authn.New(r.deps.Verifier, opts...), cfg), nil
}

func buildValidate(_ *Registry, cfg StepConfig) (pipeline.Step, error) {
	schema, err := validation.NewSchema(cfg.Schema...)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidStepConfig, err)
	}
	if cfg.Name != "" {
		return validation.NewNamed(cfg.Name, schema), nil
	}
	return validation.New(schema), nil
}

func buildCancellation(r *Registry, cfg StepConfig) (pipeline.Step, error) {
	return named(cancellation.New(cancellation.WithLogger(r.deps.Logger)), cfg), nil
}

func buildSnapshot(r *Registry, cfg StepConfig) (pipeline.Step, error) {
	return named(snapshot.New(snapshot.WithLogger(r.deps.Logger), snapshot.WithLabel(cfg.Label)), cfg), nil
}

func buildRateLimit(r *Registry, cfg StepConfig) (pipeline.Step, error) {
	if r.deps.Limiter == nil {
		return nil, missing("rate limiter")
	}
	opts := []ratelimit.Option{ratelimit.WithLogger(r.deps.Logger)}
	if cfg.Name != "" {
		opts = append(opts, ratelimit.WithName(cfg.Name))
	}
	return ratelimit.New(r.deps.Limiter, opts...), nil
}

func buildRequireRoles(_ *Registry, cfg StepConfig) (pipeline.Step, error) {
	if len(cfg.Roles) == 0 {
		return nil, fmt.Errorf("%w: roles are required", ErrInvalidStepConfig)
	}
	return named(permission.RequireRoles(cfg.Roles...), cfg), nil
}

func buildRequirePermissions(r *Registry, cfg StepConfig) (pipeline.Step, error) {
	if len(cfg.Permissions) == 0 {
		return nil, fmt.Errorf("%w: permissions are required", ErrInvalidStepConfig)
	}
	return named(permission.RequirePermissions(r.deps.Permissions, cfg.Permissions...), cfg), nil
}

func buildRequireRelation(r *Registry, cfg StepConfig) (pipeline.Step, error) {
	if r.deps.Relationships == nil {
		return nil, missing("relationship reader")
	}
	if cfg.ResourceType == "" || cfg.Param == "" {
		return nil, fmt.Errorf("%w: resourceType and param are required", ErrInvalidStepConfig)
	}
	return named(permission.RequireRelation(r.deps.Relationships, cfg.ResourceType, cfg.Param, cfg.Relations...), cfg), nil
}

func buildAuthorize(r *Registry, cfg StepConfig) (pipeline.Step, error) {
	if r.deps.Authorizer == nil {
		return nil, missing("authorizer")
	}

	var action authorize.ActionResolver
	switch {
	case cfg.ActionField != "":
		action = authorize.ActionFromPayload(cfg.ActionField)
	case cfg.Action != "":
		action = authorize.Action(cfg.Action)
	default:
		return nil, fmt.Errorf("%w: action or actionField is required", ErrInvalidStepConfig)
	}

	var resource authorize.ResourceResolver
	switch {
	case cfg.ResourceField != "":
		resource = authorize.ResourceFromPayload(cfg.ResourceField)
	case cfg.ResourceType != "" && cfg.Param != "":
		resource = authorize.ResourceFromParam(cfg.ResourceType, cfg.Param)
	default:
		return nil, fmt.Errorf("%w: resourceField or resourceType and param are required", ErrInvalidStepConfig)
	}

	opts := []authorize.Option{authorize.WithLogger(r.deps.Logger)}
	if cfg.ReportOnly {
		opts = append(opts, authorize.WithReportOnly())
	}
	if cfg.Name != "" {
		opts = append(opts, authorize.WithName(cfg.Name))
	}
	return authorize.New(r.deps.Authorizer, action, resource, opts...), nil
}

func combinatorOptions(r *Registry, cfg StepConfig) []pipeline.CombinatorOption {
	opts := []pipeline.CombinatorOption{pipeline.WithStepLogger(r.deps.Logger)}
	if cfg.Name != "" {
		opts = append(opts, pipeline.WithName(cfg.Name))
	}
	return opts
}

func buildFork(r *Registry, cfg StepConfig) (pipeline.Step, error) {
	branches, err := r.BuildSteps(cfg.Steps)
	if err != nil {
		return nil, err
	}
	if len(branches) == 0 {
		return nil, fmt.Errorf("%w: fork needs at least one branch", ErrInvalidStepConfig)
	}
	return pipeline.Fork(branches, combinatorOptions(r, cfg)...), nil
}

func buildTransactional(r *Registry, cfg StepConfig) (pipeline.Step, error) {
	step, err := r.single("transaction", cfg.Steps)
	if err != nil {
		return nil, err
	}
	return pipeline.Transactional(step, combinatorOptions(r, cfg)...), nil
}

func buildInstrument(r *Registry, cfg StepConfig) (pipeline.Step, error) {
	step, err := r.single("instrumented", cfg.Steps)
	if err != nil {
		return nil, err
	}
	threshold := cfg.Threshold
	if threshold <= 0 {
		threshold = r.deps.SlowStepThreshold
	}
	opts := combinatorOptions(r, cfg)
	if threshold > 0 {
		opts = append(opts, pipeline.WithThreshold(threshold))
	}
	return pipeline.Instrument(step, opts...), nil
}

func buildWhen(r *Registry, cfg StepConfig) (pipeline.Step, error) {
	if cfg.Slot == "" {
		return nil, fmt.Errorf("%w: when needs a slot", ErrInvalidStepConfig)
	}
	step, err := r.single("conditional", cfg.Steps)
	if err != nil {
		return nil, err
	}
	return pipeline.When(pipeline.HasSlot(pipeline.Slot(cfg.Slot)), step, combinatorOptions(r, cfg)...), nil
}
