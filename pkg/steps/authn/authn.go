// Package authn authenticates the bearer credential carried by a request.
package authn

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/authpipe/authpipe/pkg/logger"
	"github.com/authpipe/authpipe/pkg/pipeline"
	"github.com/authpipe/authpipe/pkg/result"
)

const (
	StepName = "authenticate"

	authorizationHeader = "Authorization"
	bearerScheme        = "Bearer"
)

type Option func(s *Step)

// WithDenylist rejects tokens that have been revoked.
func WithDenylist(d Denylist) Option {
	return func(s *Step) {
		s.denylist = d
	}
}

func WithLogger(l logger.Logger) Option {
	return func(s *Step) {
		s.logger = l
	}
}

// Step verifies the bearer token from the Authorization header and patches
// the resulting *authclaims.AuthClaims into the user slot.
type Step struct {
	verifier Verifier
	denylist Denylist
	logger   logger.Logger
}

var _ pipeline.Step = (*Step)(nil)

func New(verifier Verifier, opts ...Option) *Step {
	s := &Step{
		verifier: verifier,
		logger:   logger.NewNoopLogger(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Step) Name() string {
	return StepName
}

func (s *Step) Run(ctx context.Context, pc pipeline.Context) pipeline.Outcome {
	header := pc.Meta().Headers.Get(authorizationHeader)
	if header == "" {
		return pipeline.Abort(result.CodeUnauthenticated, "No authorization header",
			result.WithRemediation("Send an Authorization: Bearer <token> header"))
	}

	token, ok := bearerToken(header)
	if !ok {
		return pipeline.Abort(result.CodeUnauthenticated, "Invalid authorization format",
			result.WithRemediation("Use the Bearer authorization scheme"))
	}

	if s.denylist != nil {
		revoked, err := s.denylist.IsRevoked(ctx, token)
		if err != nil {
			s.logger.ErrorWithContext(ctx, "denylist lookup failed", zap.Error(err))
			return pipeline.Failure(err)
		}
		if revoked {
			return pipeline.Abort(result.CodeInvalidToken, "Token has been revoked",
				result.WithStatus(http.StatusForbidden))
		}
	}

	claims, err := s.verifier.Verify(ctx, token)
	switch {
	case err == nil:
	case errors.Is(err, ErrTokenExpired):
		return pipeline.Abort(result.CodeTokenExpired, "Token expired",
			result.WithRemediation("Obtain a new access token"))
	default:
		s.logger.DebugWithContext(ctx, "token verification failed", zap.Error(err))
		return pipeline.Abort(result.CodeInvalidToken, "Invalid token")
	}

	return pipeline.Next(pipeline.Patch{pipeline.SlotUser: claims})
}

func bearerToken(header string) (string, bool) {
	scheme, token, found := strings.Cut(header, " ")
	if !found || scheme != bearerScheme {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}
