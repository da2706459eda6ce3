//go:generate mockgen -source verifier.go -destination ../../../internal/mocks/mock_verifier.go -package mocks authn

package authn

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/authpipe/authpipe/pkg/authclaims"
)

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrTokenExpired = errors.New("token expired")
	ErrMissingKey   = errors.New("invalid auth configuration, please specify a signing secret")
)

// DefaultRoles are assigned to principals whose token carries no roles claim.
var DefaultRoles = []string{"user"}

type Verifier interface {
	// Verify returns the claims carried by token, or an error wrapping
	// ErrInvalidToken or ErrTokenExpired.
	Verify(ctx context.Context, token string) (*authclaims.AuthClaims, error)
}

// DisabledVerifier rejects every token. It backs authenticate steps when no
// verification method is configured.
type DisabledVerifier struct{}

var _ Verifier = DisabledVerifier{}

func (DisabledVerifier) Verify(context.Context, string) (*authclaims.AuthClaims, error) {
	return nil, fmt.Errorf("%w: authentication is disabled", ErrInvalidToken)
}

type verifierOptions struct {
	issuer   string
	audience string
	leeway   time.Duration
}

type VerifierOption func(o *verifierOptions)

func WithIssuer(issuer string) VerifierOption {
	return func(o *verifierOptions) {
		o.issuer = issuer
	}
}

func WithAudience(audience string) VerifierOption {
	return func(o *verifierOptions) {
		o.audience = audience
	}
}

// WithLeeway tolerates clock skew when validating time based claims.
func WithLeeway(d time.Duration) VerifierOption {
	return func(o *verifierOptions) {
		o.leeway = d
	}
}

func (o *verifierOptions) parserOptions(methods ...string) []jwt.ParserOption {
	opts := []jwt.ParserOption{jwt.WithValidMethods(methods)}
	if o.issuer != "" {
		opts = append(opts, jwt.WithIssuer(o.issuer))
	}
	if o.audience != "" {
		opts = append(opts, jwt.WithAudience(o.audience))
	}
	if o.leeway > 0 {
		opts = append(opts, jwt.WithLeeway(o.leeway))
	}
	return opts
}

// HMACVerifier verifies tokens signed with a shared secret.
type HMACVerifier struct {
	secret []byte
	parser *jwt.Parser
}

var _ Verifier = (*HMACVerifier)(nil)

func NewHMACVerifier(secret string, opts ...VerifierOption) (*HMACVerifier, error) {
	if secret == "" {
		return nil, ErrMissingKey
	}

	o := &verifierOptions{}
	for _, opt := range opts {
		opt(o)
	}

	return &HMACVerifier{
		secret: []byte(secret),
		parser: jwt.NewParser(o.parserOptions("HS256", "HS384", "HS512")...),
	}, nil
}

func (v *HMACVerifier) Verify(_ context.Context, token string) (*authclaims.AuthClaims, error) {
	claims := jwt.MapClaims{}
	_, err := v.parser.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
		return v.secret, nil
	})
	if err != nil {
		return nil, classify(err)
	}
	return claimsFromMap(token, claims)
}

func classify(err error) error {
	if errors.Is(err, jwt.ErrTokenExpired) {
		return fmt.Errorf("%w: %w", ErrTokenExpired, err)
	}
	return fmt.Errorf("%w: %w", ErrInvalidToken, err)
}

// claimsFromMap builds the principal from registered and custom claims. The
// subject comes from "sub", falling back to "id".
func claimsFromMap(token string, claims jwt.MapClaims) (*authclaims.AuthClaims, error) {
	subject, err := claims.GetSubject()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}
	if subject == "" {
		subject, _ = claims["id"].(string)
	}
	if subject == "" {
		return nil, fmt.Errorf("%w: missing subject", ErrInvalidToken)
	}

	principal := &authclaims.AuthClaims{
		Subject:     subject,
		Type:        stringClaim(claims, "typ"),
		Roles:       stringsClaim(claims, "roles"),
		Permissions: stringsClaim(claims, "permissions"),
		Scopes:      make(map[string]bool),
		ClientID:    stringClaim(claims, "client_id"),
		TenantID:    stringClaim(claims, "tenant_id"),
		Token:       token,
	}
	if principal.Type == "" {
		principal.Type = "user"
	}
	if len(principal.Roles) == 0 {
		principal.Roles = append([]string(nil), DefaultRoles...)
	}
	if principal.ClientID == "" {
		principal.ClientID = stringClaim(claims, "azp")
	}
	if scope, ok := claims["scope"].(string); ok {
		for _, s := range strings.Fields(scope) {
			principal.Scopes[s] = true
		}
	}
	if exp, err := claims.GetExpirationTime(); err == nil && exp != nil {
		principal.ExpiresAt = exp.Time
	}

	return principal, nil
}

func stringClaim(claims jwt.MapClaims, name string) string {
	s, _ := claims[name].(string)
	return s
}

func stringsClaim(claims jwt.MapClaims, name string) []string {
	switch v := claims[name].(type) {
	case string:
		return strings.Fields(v)
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}
