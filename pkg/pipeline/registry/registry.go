// Package registry builds pipelines from configuration. Every step kind maps
// to a typed constructor and unknown kinds are rejected when the
// configuration is loaded, never at request time.
package registry

import (
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/authpipe/authpipe/pkg/authz"
	"github.com/authpipe/authpipe/pkg/logger"
	"github.com/authpipe/authpipe/pkg/pipeline"
	"github.com/authpipe/authpipe/pkg/steps/authn"
	"github.com/authpipe/authpipe/pkg/steps/permission"
	"github.com/authpipe/authpipe/pkg/steps/ratelimit"
	"github.com/authpipe/authpipe/pkg/steps/validation"
)

// Kind identifies a step constructor.
type Kind string

const (
	KindRequestContext     Kind = "requestContext"
	KindAuthenticate       Kind = "authenticate"
	KindValidate           Kind = "validate"
	KindCancellation       Kind = "cancellation"
	KindSnapshot           Kind = "snapshot"
	KindRateLimit          Kind = "rateLimit"
	KindRequireRoles       Kind = "requireRoles"
	KindRequirePermissions Kind = "requirePermissions"
	KindRequireRelation    Kind = "requireRelation"
	KindAuthorize          Kind = "authorize"
	KindFork               Kind = "fork"
	KindTransactional      Kind = "transactional"
	KindInstrument         Kind = "instrument"
	KindWhen               Kind = "when"
)

var (
	ErrUnknownKind        = errors.New("unknown step kind")
	ErrMissingDependency  = errors.New("missing dependency")
	ErrInvalidStepConfig  = errors.New("invalid step configuration")
	ErrDuplicatePipeline  = errors.New("duplicate pipeline name")
	ErrKindAlreadyDefined = errors.New("step kind already registered")
)

// StepConfig declares one step of a pipeline. Which fields apply depends on
// Kind.
type StepConfig struct {
	Kind Kind   `mapstructure:"kind"`
	Name string `mapstructure:"name"`

	// Guards.
	Roles        []string `mapstructure:"roles"`
	Permissions  []string `mapstructure:"permissions"`
	Relations    []string `mapstructure:"relations"`
	ResourceType string   `mapstructure:"resourceType"`
	Param        string   `mapstructure:"param"`

	// Authorization.
	Action        string `mapstructure:"action"`
	ActionField   string `mapstructure:"actionField"`
	ResourceField string `mapstructure:"resourceField"`
	ReportOnly    bool   `mapstructure:"reportOnly"`

	Schema []validation.Rule `mapstructure:"schema"`
	Label  string            `mapstructure:"label"`

	// Combinators.
	Slot      string        `mapstructure:"slot"`
	Threshold time.Duration `mapstructure:"threshold"`
	Steps     []StepConfig  `mapstructure:"steps"`
}

// PipelineConfig declares a named pipeline.
type PipelineConfig struct {
	Name  string       `mapstructure:"name"`
	Steps []StepConfig `mapstructure:"steps"`
}

// Dependencies are the collaborators step constructors draw from. A
// constructor whose dependency is nil fails with ErrMissingDependency.
type Dependencies struct {
	Logger            logger.Logger
	Verifier          authn.Verifier
	Denylist          authn.Denylist
	Authorizer        authz.Authorizer
	Relationships     authz.RelationshipReader
	Limiter           ratelimit.Limiter
	Permissions       permission.Table
	TrustForwardedFor bool
	SlowStepThreshold time.Duration
}

// Constructor builds the step declared by cfg. Nested steps are built through r.
type Constructor func(r *Registry, cfg StepConfig) (pipeline.Step, error)

type Registry struct {
	mu           sync.RWMutex
	constructors map[Kind]Constructor
	deps         Dependencies
}

// New returns a Registry with every built-in kind registered.
func New(deps Dependencies) *Registry {
	if deps.Logger == nil {
		deps.Logger = logger.NewNoopLogger()
	}
	r := &Registry{
		constructors: make(map[Kind]Constructor, len(builtins)),
		deps:         deps,
	}
	for kind, c := range builtins {
		r.constructors[kind] = c
	}
	return r
}

// Register adds a constructor for a new kind.
func (r *Registry) Register(kind Kind, c Constructor) error {
	if kind == "" || c == nil {
		return fmt.Errorf("%w: kind and constructor are required", ErrInvalidStepConfig)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.constructors[kind]; exists {
		return fmt.Errorf("%w: %q", ErrKindAlreadyDefined, kind)
	}
	r.constructors[kind] = c
	return nil
}

// Kinds returns the registered kinds, sorted.
func (r *Registry) Kinds() []Kind {
	r.mu.RLock()
	defer r.mu.RUnlock()

	kinds := make([]Kind, 0, len(r.constructors))
	for k := range r.constructors {
		kinds = append(kinds, k)
	}
	slices.Sort(kinds)
	return kinds
}

func (r *Registry) Dependencies() Dependencies {
	return r.deps
}

// Build constructs the step declared by cfg.
func (r *Registry) Build(cfg StepConfig) (pipeline.Step, error) {
	r.mu.RLock()
	c, ok := r.constructors[cfg.Kind]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, cfg.Kind)
	}
	return c(r, cfg)
}

// BuildSteps constructs each of cfgs in order.
func (r *Registry) BuildSteps(cfgs []StepConfig) ([]pipeline.Step, error) {
	steps := make([]pipeline.Step, 0, len(cfgs))
	for i, cfg := range cfgs {
		step, err := r.Build(cfg)
		if err != nil {
			return nil, fmt.Errorf("step %d (%s): %w", i, cfg.Kind, err)
		}
		steps = append(steps, step)
	}
	return steps, nil
}

// BuildPipeline constructs the pipeline declared by cfg.
func (r *Registry) BuildPipeline(cfg PipelineConfig) (*pipeline.Pipeline, error) {
	if cfg.Name == "" {
		return nil, fmt.Errorf("%w: pipeline name is required", ErrInvalidStepConfig)
	}
	steps, err := r.BuildSteps(cfg.Steps)
	if err != nil {
		return nil, fmt.Errorf("pipeline %q: %w", cfg.Name, err)
	}
	return pipeline.New(cfg.Name, steps, pipeline.WithLogger(r.deps.Logger)), nil
}

// BuildAll constructs every pipeline in cfgs, keyed by name.
func (r *Registry) BuildAll(cfgs []PipelineConfig) (map[string]*pipeline.Pipeline, error) {
	pipelines := make(map[string]*pipeline.Pipeline, len(cfgs))
	for _, cfg := range cfgs {
		if _, exists := pipelines[cfg.Name]; exists {
			return nil, fmt.Errorf("%w: %q", ErrDuplicatePipeline, cfg.Name)
		}
		p, err := r.BuildPipeline(cfg)
		if err != nil {
			return nil, err
		}
		pipelines[cfg.Name] = p
	}
	return pipelines, nil
}

// single returns the one step declared by cfgs, composing several into a
// nested pipeline named name.
func (r *Registry) single(name string, cfgs []StepConfig) (pipeline.Step, error) {
	steps, err := r.BuildSteps(cfgs)
	if err != nil {
		return nil, err
	}
	switch len(steps) {
	case 0:
		return nil, fmt.Errorf("%w: at least one nested step is required", ErrInvalidStepConfig)
	case 1:
		return steps[0], nil
	default:
		return pipeline.New(name, steps, pipeline.WithLogger(r.deps.Logger)).AsStep(), nil
	}
}

func missing(dep string) error {
	return fmt.Errorf("%w: %s", ErrMissingDependency, dep)
}
