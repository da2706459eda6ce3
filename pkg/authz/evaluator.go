package authz

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"time"

	"github.com/cespare/xxhash/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/authpipe/authpipe/pkg/cache"
	"github.com/authpipe/authpipe/pkg/logger"
	"github.com/authpipe/authpipe/pkg/telemetry"
)

var tracer = otel.Tracer("pkg/authz")

const (
	DefaultCacheTTL     = 300 * time.Second
	DefaultMaxCacheSize = 10000
)

// EvaluatorOption defines an option that can be used to change the behavior
// of an Evaluator.
type EvaluatorOption func(e *Evaluator)

// WithCache sets the decision cache. The caller keeps ownership of c.
func WithCache(c cache.Cache) EvaluatorOption {
	return func(e *Evaluator) {
		e.cache = c
	}
}

func WithCacheTTL(ttl time.Duration) EvaluatorOption {
	return func(e *Evaluator) {
		e.cacheTTL = ttl
	}
}

// WithMaxCacheSize bounds the in-memory cache allocated when no cache is set.
func WithMaxCacheSize(n int64) EvaluatorOption {
	return func(e *Evaluator) {
		e.maxCacheSize = n
	}
}

func WithLogger(l logger.Logger) EvaluatorOption {
	return func(e *Evaluator) {
		e.logger = l
	}
}

// WithRelationPredicate restricts which edges satisfy the ReBAC check.
func WithRelationPredicate(p RelationPredicate) EvaluatorOption {
	return func(e *Evaluator) {
		e.relationPredicate = p
	}
}

// Evaluator combines role, policy, and relationship checks into a single
// decision. Decisions are cached per subject, action, and resource.
type Evaluator struct {
	roles             RoleReader
	policies          PolicyReader
	relationships     RelationshipReader
	cache             cache.Cache
	ownsCache         bool
	cacheTTL          time.Duration
	maxCacheSize      int64
	logger            logger.Logger
	relationPredicate RelationPredicate
}

var _ Authorizer = (*Evaluator)(nil)

func NewEvaluator(roles RoleReader, policies PolicyReader, relationships RelationshipReader, opts ...EvaluatorOption) *Evaluator {
	e := &Evaluator{
		roles:             roles,
		policies:          policies,
		relationships:     relationships,
		cacheTTL:          DefaultCacheTTL,
		maxCacheSize:      DefaultMaxCacheSize,
		logger:            logger.NewNoopLogger(),
		relationPredicate: AnyRelation,
	}

	for _, opt := range opts {
		opt(e)
	}

	if e.cache == nil {
		e.cache = cache.NewInMemoryCache(cache.WithMaxCacheSize(e.maxCacheSize))
		e.ownsCache = true
	}

	return e
}

// Close releases the decision cache if the Evaluator allocated it.
func (e *Evaluator) Close() {
	if e.ownsCache {
		_ = e.cache.Close()
	}
}

// Evaluate decides whether ac is allowed. The returned error is always an
// *AuthorizationError and is never accompanied by a result.
func (e *Evaluator) Evaluate(ctx context.Context, ac AuthContext) (*AuthResult, error) {
	ctx, span := tracer.Start(ctx, "authz.Evaluate", trace.WithAttributes(
		attribute.String("subject", ac.Subject.ID),
		attribute.String("action", ac.Action),
		attribute.String("resource", ac.Resource.Type+":"+ac.Resource.ID),
	))
	defer span.End()

	start := time.Now()

	if err := validateAuthContext(ac); err != nil {
		telemetry.TraceError(span, err)
		return nil, newAuthorizationError(ac, err)
	}

	key := CacheKey(ac)

	evaluationCacheTotalCounter.Inc()
	cached, err := e.cache.Get(ctx, key)
	switch {
	case err == nil:
		var res AuthResult
		if err := json.Unmarshal(cached, &res); err == nil {
			evaluationCacheHitCounter.Inc()
			res.Metadata.CacheHit = true
			res.Metadata.EvaluationTime = time.Since(start)
			span.SetAttributes(attribute.Bool("cache_hit", true), attribute.Bool("allowed", res.Allowed))
			return &res, nil
		}
		e.logger.WarnWithContext(ctx, "discarding undecodable cached decision", zap.String("key", key))
	case !errors.Is(err, cache.ErrKeyNotFound):
		telemetry.TraceError(span, err)
		return nil, newAuthorizationError(ac, fmt.Errorf("read decision cache: %w", err))
	}

	res, err := e.evaluate(ctx, ac)
	if err != nil {
		telemetry.TraceError(span, err)
		return nil, newAuthorizationError(ac, err)
	}
	res.Metadata.EvaluatedAt = start
	res.Metadata.EvaluationTime = time.Since(start)

	encoded, err := json.Marshal(res)
	if err != nil {
		return nil, newAuthorizationError(ac, err)
	}
	if err := e.cache.Set(ctx, key, encoded, e.cacheTTL); err != nil {
		telemetry.TraceError(span, err)
		return nil, newAuthorizationError(ac, fmt.Errorf("write decision cache: %w", err))
	}

	evaluationDurationHistogram.Observe(float64(res.Metadata.EvaluationTime.Milliseconds()))
	decisionCounter.WithLabelValues(strconv.FormatBool(res.Allowed), string(res.DeniedBy)).Inc()
	span.SetAttributes(attribute.Bool("cache_hit", false), attribute.Bool("allowed", res.Allowed))

	e.logger.DebugWithContext(ctx, "authorization evaluated",
		zap.String("subject", ac.Subject.ID),
		zap.String("action", ac.Action),
		zap.String("resource_type", ac.Resource.Type),
		zap.String("resource_id", ac.Resource.ID),
		zap.Bool("allowed", res.Allowed),
		zap.String("denied_by", string(res.DeniedBy)),
	)

	return res, nil
}

// Invalidate drops the cached decision for ac.
func (e *Evaluator) Invalidate(ctx context.Context, ac AuthContext) error {
	return e.cache.Del(ctx, CacheKey(ac))
}

func (e *Evaluator) evaluate(ctx context.Context, ac AuthContext) (*AuthResult, error) {
	var (
		roles         []Role
		policies      []Policy
		relationships []Relationship
		rbacAllowed   bool
		pbacAllowed   bool
		rebacAllowed  bool
	)

	pool, gctx := errgroup.WithContext(ctx)
	pool.Go(func() error {
		var err error
		roles, rbacAllowed, err = e.checkRBAC(gctx, ac)
		return err
	})
	pool.Go(func() error {
		var err error
		policies, pbacAllowed, err = e.checkPBAC(gctx, ac)
		return err
	})
	pool.Go(func() error {
		var err error
		relationships, rebacAllowed, err = e.checkReBAC(gctx, ac)
		return err
	})
	if err := pool.Wait(); err != nil {
		return nil, err
	}

	res := &AuthResult{
		Allowed:       rbacAllowed && pbacAllowed && rebacAllowed,
		Policies:      policies,
		Roles:         roles,
		Relationships: relationships,
	}

	switch {
	case !rbacAllowed:
		res.Reason, res.DeniedBy = ReasonInsufficientRoles, CheckRBAC
	case !pbacAllowed:
		res.Reason, res.DeniedBy = ReasonPolicyViolation, CheckPBAC
	case !rebacAllowed:
		res.Reason, res.DeniedBy = ReasonNoRelationship, CheckReBAC
	}

	return res, nil
}

// checkRBAC passes when the union of the subject's direct permissions and its
// roles' permissions contains the wildcard, the action, or type:action.
func (e *Evaluator) checkRBAC(ctx context.Context, ac AuthContext) ([]Role, bool, error) {
	roles, err := e.roles.ReadRoles(ctx, ac.Subject.Roles)
	if err != nil {
		return nil, false, fmt.Errorf("read roles: %w", err)
	}
	if roles == nil {
		roles = []Role{}
	}

	granted := make(map[string]struct{}, len(ac.Subject.Permissions))
	for _, p := range ac.Subject.Permissions {
		granted[p] = struct{}{}
	}
	for _, r := range roles {
		for _, p := range r.Permissions {
			granted[p] = struct{}{}
		}
	}

	for _, candidate := range []string{Wildcard, ac.Action, ac.Resource.Type + ":" + ac.Action} {
		if _, ok := granted[candidate]; ok {
			return roles, true, nil
		}
	}
	return roles, false, nil
}

// checkPBAC applies the highest priority matching policy. No matching policy
// denies.
func (e *Evaluator) checkPBAC(ctx context.Context, ac AuthContext) ([]Policy, bool, error) {
	policies, err := e.policies.ReadPolicies(ctx, ac.Subject, ac.Resource)
	if err != nil {
		return nil, false, fmt.Errorf("read policies: %w", err)
	}
	if policies == nil {
		policies = []Policy{}
	}

	ordered := slices.Clone(policies)
	slices.SortStableFunc(ordered, func(a, b Policy) int {
		return b.Priority - a.Priority
	})

	doc, err := newAttributeDocument(ac)
	if err != nil {
		return nil, false, fmt.Errorf("encode auth context: %w", err)
	}

	for _, p := range ordered {
		matched, err := policyMatches(p, ac, doc)
		if err != nil {
			return nil, false, err
		}
		if matched {
			return policies, p.Effect == EffectAllow, nil
		}
	}
	return policies, false, nil
}

// checkReBAC passes when an edge links subject and resource in either
// direction and satisfies the relation predicate.
func (e *Evaluator) checkReBAC(ctx context.Context, ac AuthContext) ([]Relationship, bool, error) {
	rels, err := e.relationships.ReadRelationships(ctx, ac.Subject, ac.Resource)
	if err != nil {
		return nil, false, fmt.Errorf("read relationships: %w", err)
	}
	if rels == nil {
		rels = []Relationship{}
	}

	for _, rel := range rels {
		if rel.Connects(ac.Subject, ac.Resource) && e.relationPredicate(rel, ac) {
			return rels, true, nil
		}
	}
	return rels, false, nil
}

func validateAuthContext(ac AuthContext) error {
	switch {
	case ac.Subject.ID == "":
		return ErrMissingSubject
	case ac.Action == "":
		return ErrMissingAction
	case ac.Resource.Type == "":
		return ErrMissingResource
	}
	return nil
}

// CacheKey returns the stable decision cache key for ac.
func CacheKey(ac AuthContext) string {
	hasher := xxhash.New()
	_, _ = hasher.WriteString(fmt.Sprintf("auth:%s:%s:%s:%s",
		ac.Subject.ID,
		ac.Action,
		ac.Resource.Type,
		ac.Resource.ID,
	))
	return "authz/" + strconv.FormatUint(hasher.Sum64(), 10)
}
