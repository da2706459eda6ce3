// Package ratelimit rejects callers that exceed a request budget.
package ratelimit

import (
	"context"
	"math"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"github.com/authpipe/authpipe/internal/build"
	"github.com/authpipe/authpipe/pkg/authclaims"
	"github.com/authpipe/authpipe/pkg/logger"
	"github.com/authpipe/authpipe/pkg/pipeline"
	"github.com/authpipe/authpipe/pkg/result"
)

const StepName = "rateLimit"

var rejectedCounter = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: build.ProjectName,
	Name:      "rate_limit_rejected_count",
	Help:      "The total number of requests rejected by the rate limiter.",
}, []string{"step"})

// KeyFunc derives the limiter key of a request. An empty key bypasses the limiter.
type KeyFunc func(pc pipeline.Context) string

// SubjectOrIP keys authenticated requests by subject and anonymous requests by
// client IP.
func SubjectOrIP(pc pipeline.Context) string {
	if claims, ok := pipeline.Value[*authclaims.AuthClaims](pc, pipeline.SlotUser); ok && claims != nil && claims.Subject != "" {
		return "user:" + claims.Subject
	}
	if ip := pc.Meta().ClientIP; ip != "" {
		return "ip:" + ip
	}
	return ""
}

type Option func(s *step)

func WithLogger(l logger.Logger) Option {
	return func(s *step) {
		s.logger = l
	}
}

func WithKeyFunc(fn KeyFunc) Option {
	return func(s *step) {
		s.key = fn
	}
}

// WithName overrides the step name, so several limiters can share a pipeline.
func WithName(name string) Option {
	return func(s *step) {
		s.name = name
	}
}

type step struct {
	name    string
	limiter Limiter
	key     KeyFunc
	logger  logger.Logger
}

// New returns a step that fails with RATE_LIMIT when limiter rejects the
// request. Limiter errors are logged and the request is let through.
func New(limiter Limiter, opts ...Option) pipeline.Step {
	s := &step{
		name:    StepName,
		limiter: limiter,
		key:     SubjectOrIP,
		logger:  logger.NewNoopLogger(),
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
	key := s.key(pc)
	if key == "" {
		return pipeline.Continue{}
	}

	decision, err := s.limiter.Allow(ctx, key)
	if err != nil {
		s.logger.WarnWithContext(ctx, "rate limiter unavailable, allowing request",
			zap.String("step", s.name),
			zap.Error(err),
		)
		return pipeline.Continue{}
	}

	if decision.Allowed {
		return pipeline.Continue{}
	}

	rejectedCounter.WithLabelValues(s.name).Inc()
	retryAfter := int(math.Ceil(decision.RetryAfter.Seconds()))
	return pipeline.Abort(result.CodeRateLimit, "Rate limit exceeded",
		result.WithRemediation("Retry after "+strconv.Itoa(retryAfter)+" seconds"),
		result.WithDetail("limit", decision.Limit),
		result.WithDetail("retryAfter", retryAfter),
	)
}
