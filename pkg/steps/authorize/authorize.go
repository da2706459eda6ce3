// Package authorize asks an authz.Authorizer whether the authenticated user may
// perform an action on a resource.
package authorize

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"slices"
	"time"

	"go.uber.org/zap"

	"github.com/authpipe/authpipe/pkg/authclaims"
	"github.com/authpipe/authpipe/pkg/authz"
	"github.com/authpipe/authpipe/pkg/logger"
	"github.com/authpipe/authpipe/pkg/pipeline"
	"github.com/authpipe/authpipe/pkg/result"
)

const StepName = "authorize"

var (
	ErrMissingAction   = errors.New("action is required")
	ErrMissingResource = errors.New("resource is required")
)

var deniedCodes = map[authz.Check]result.Code{
	authz.CheckRBAC:  result.CodeRBACDenied,
	authz.CheckPBAC:  result.CodePBACDenied,
	authz.CheckReBAC: result.CodeReBACDenied,
}

// ActionResolver returns the action being attempted.
type ActionResolver func(pc pipeline.Context) (string, error)

// ResourceResolver returns the resource being accessed.
type ResourceResolver func(pc pipeline.Context) (authz.Resource, error)

// Action always resolves to action.
func Action(action string) ActionResolver {
	return func(pipeline.Context) (string, error) {
		return action, nil
	}
}

// ActionFromPayload reads the action from a string field of the payload.
func ActionFromPayload(field string) ActionResolver {
	return func(pc pipeline.Context) (string, error) {
		action, _ := payload(pc)[field].(string)
		if action == "" {
			return "", fmt.Errorf("%w: field %q", ErrMissingAction, field)
		}
		return action, nil
	}
}

// ResourceFromParam builds a resource of type resourceType whose id is the
// route parameter param.
func ResourceFromParam(resourceType, param string) ResourceResolver {
	return func(pc pipeline.Context) (authz.Resource, error) {
		id := pc.Meta().Params[param]
		if id == "" {
			return authz.Resource{}, fmt.Errorf("%w: route parameter %q", ErrMissingResource, param)
		}
		return authz.Resource{ID: id, Type: resourceType}, nil
	}
}

// ResourceFromPayload decodes the resource from an object field of the payload.
func ResourceFromPayload(field string) ResourceResolver {
	return func(pc pipeline.Context) (authz.Resource, error) {
		raw, ok := payload(pc)[field].(map[string]any)
		if !ok {
			return authz.Resource{}, fmt.Errorf("%w: field %q", ErrMissingResource, field)
		}
		b, err := json.Marshal(raw)
		if err != nil {
			return authz.Resource{}, err
		}
		var res authz.Resource
		if err := json.Unmarshal(b, &res); err != nil {
			return authz.Resource{}, fmt.Errorf("%w: field %q: %w", ErrMissingResource, field, err)
		}
		if res.Type == "" {
			return authz.Resource{}, fmt.Errorf("%w: field %q has no type", ErrMissingResource, field)
		}
		return res, nil
	}
}

// payload prefers the validated payload over the raw request body.
func payload(pc pipeline.Context) map[string]any {
	if p, ok := pipeline.Value[map[string]any](pc, pipeline.SlotPayload); ok && p != nil {
		return p
	}
	return pc.Meta().Body
}

type Option func(s *step)

func WithLogger(l logger.Logger) Option {
	return func(s *step) {
		s.logger = l
	}
}

func WithName(name string) Option {
	return func(s *step) {
		s.name = name
	}
}

// WithReportOnly records denials in the auth result slot and continues
// instead of failing the run.
func WithReportOnly() Option {
	return func(s *step) {
		s.reportOnly = true
	}
}

// WithClock overrides the time source used when the request has no
// received-at time.
func WithClock(now func() time.Time) Option {
	return func(s *step) {
		s.now = now
	}
}

type step struct {
	name       string
	authorizer authz.Authorizer
	action     ActionResolver
	resource   ResourceResolver
	reportOnly bool
	logger     logger.Logger
	now        func() time.Time
}

// New returns a step that evaluates the user in the user slot against the
// resolved action and resource, and patches the *authz.AuthResult into the
// auth result slot. A denial fails with the code of the check that denied.
func New(authorizer authz.Authorizer, action ActionResolver, resource ResourceResolver, opts ...Option) pipeline.Step {
	s := &step{
		name:       StepName,
		authorizer: authorizer,
		action:     action,
		resource:   resource,
		logger:     logger.NewNoopLogger(),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *step) Name() string {
	return s.name
}

func (s *step) Run(ctx context.Context, pc pipeline.Context) pipeline.Outcome {
	claims, ok := pipeline.Value[*authclaims.AuthClaims](pc, pipeline.SlotUser)
	if !ok || claims == nil {
		return pipeline.Abort(result.CodeUnauthenticated, "User not authenticated",
			result.WithRemediation("Run authentication before authorization"))
	}

	action, err := s.action(pc)
	if err != nil {
		return pipeline.Abort(result.CodeValidation, err.Error())
	}
	resource, err := s.resource(pc)
	if err != nil {
		return pipeline.Abort(result.CodeValidation, err.Error())
	}

	ac := s.authContext(pc, claims, action, resource)
	res, err := s.authorizer.Evaluate(ctx, ac)
	if err != nil {
		s.logger.ErrorWithContext(ctx, "authorization evaluation failed",
			zap.String("subject", ac.Subject.ID),
			zap.String("action", action),
			zap.Error(err),
		)
		return pipeline.Abort(result.CodeGeneric, "Authorization failed", result.WithCause(err))
	}

	if res.Allowed || s.reportOnly {
		return pipeline.Next(pipeline.Patch{pipeline.SlotAuthResult: res})
	}

	code, ok := deniedCodes[res.DeniedBy]
	if !ok {
		code = result.CodePermissionDenied
	}
	return pipeline.Abort(code, "Forbidden: "+res.Reason,
		result.WithDetail("deniedBy", res.DeniedBy),
		result.WithDetail("action", action),
		result.WithDetail("resource", resource.Type+":"+resource.ID),
	)
}

func (s *step) authContext(pc pipeline.Context, claims *authclaims.AuthClaims, action string, resource authz.Resource) authz.AuthContext {
	meta := pc.Meta()

	subject := authz.Subject{
		ID:          claims.Subject,
		Type:        claims.Type,
		Roles:       claims.Roles,
		Permissions: claims.Permissions,
		TenantID:    claims.TenantID,
	}
	if claims.ClientID != "" || len(claims.Scopes) > 0 {
		subject.Attributes = map[string]any{}
		if claims.ClientID != "" {
			subject.Attributes["clientId"] = claims.ClientID
		}
		if len(claims.Scopes) > 0 {
			subject.Attributes["scopes"] = slices.Sorted(maps.Keys(claims.Scopes))
		}
	}

	timestamp := meta.ReceivedAt
	if timestamp.IsZero() {
		timestamp = s.now()
	}

	ac := authz.AuthContext{
		Subject:  subject,
		Action:   action,
		Resource: resource,
		Environment: authz.Environment{
			IP:        meta.ClientIP,
			UserAgent: meta.UserAgent,
			Timestamp: timestamp,
			Attributes: map[string]any{
				"method": meta.Method,
				"path":   meta.Path,
			},
		},
	}
	if !claims.ExpiresAt.IsZero() {
		ac.Session = &authz.Session{
			ID:        meta.ID,
			ExpiresAt: claims.ExpiresAt,
		}
	}
	return ac
}
