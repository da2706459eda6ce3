package authn

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/MicahParks/keyfunc/v2"
	"github.com/golang-jwt/jwt/v5"
	"github.com/hashicorp/go-retryablehttp"

	"github.com/authpipe/authpipe/pkg/authclaims"
)

var jwkRefreshInterval = 48 * time.Hour

// OidcConfig contains authorization server metadata. See https://datatracker.ietf.org/doc/html/rfc8414#section-2
type OidcConfig struct {
	Issuer  string `json:"issuer"`
	JWKsURI string `json:"jwks_uri"`
}

// OIDCVerifier verifies RS256 tokens against the signing keys published by
// an OIDC issuer.
type OIDCVerifier struct {
	IssuerURL string
	Audience  string
	JwksURI   string

	jwks       *keyfunc.JWKS
	parser     *jwt.Parser
	httpClient *http.Client
}

var _ Verifier = (*OIDCVerifier)(nil)

// NewOIDCVerifier discovers the issuer configuration and fetches its keys.
// Close must be called to stop the background key refresh.
func NewOIDCVerifier(ctx context.Context, issuerURL, audience string, opts ...VerifierOption) (*OIDCVerifier, error) {
	client := retryablehttp.NewClient()
	client.Logger = nil
	client.RetryMax = 3

	o := &verifierOptions{issuer: issuerURL, audience: audience}
	for _, opt := range opts {
		opt(o)
	}

	v := &OIDCVerifier{
		IssuerURL:  issuerURL,
		Audience:   audience,
		parser:     jwt.NewParser(o.parserOptions("RS256")...),
		httpClient: client.StandardClient(),
	}

	oidcConfig, err := v.GetConfiguration(ctx)
	if err != nil {
		return nil, fmt.Errorf("error fetching OIDC configuration: %w", err)
	}
	v.JwksURI = oidcConfig.JWKsURI

	jwks, err := keyfunc.Get(v.JwksURI, keyfunc.Options{
		Ctx:               ctx,
		Client:            v.httpClient,
		RefreshInterval:   jwkRefreshInterval,
		RefreshUnknownKID: true,
	})
	if err != nil {
		return nil, fmt.Errorf("error fetching keys from %v: %w", v.JwksURI, err)
	}
	v.jwks = jwks

	return v, nil
}

func (v *OIDCVerifier) Verify(_ context.Context, token string) (*authclaims.AuthClaims, error) {
	claims := jwt.MapClaims{}
	_, err := v.parser.ParseWithClaims(token, claims, v.jwks.Keyfunc)
	if err != nil {
		return nil, classify(err)
	}
	return claimsFromMap(token, claims)
}

func (v *OIDCVerifier) GetConfiguration(ctx context.Context) (*OidcConfig, error) {
	wellKnown := strings.TrimSuffix(v.IssuerURL, "/") + "/.well-known/openid-configuration"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, wellKnown, nil)
	if err != nil {
		return nil, fmt.Errorf("error forming request to get OIDC: %w", err)
	}

	res, err := v.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("error getting OIDC: %w", err)
	}
	defer res.Body.Close()

	if res.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status code getting OIDC: %v", res.StatusCode)
	}

	body, err := io.ReadAll(res.Body)
	if err != nil {
		return nil, fmt.Errorf("error reading response body: %w", err)
	}

	oidcConfig := &OidcConfig{}
	if err := json.Unmarshal(body, oidcConfig); err != nil {
		return nil, fmt.Errorf("failed parsing document: %w", err)
	}

	if oidcConfig.Issuer == "" {
		return nil, errors.New("missing issuer value")
	}

	if oidcConfig.JWKsURI == "" {
		return nil, errors.New("missing jwks_uri value")
	}
	return oidcConfig, nil
}

func (v *OIDCVerifier) Close() {
	if v.jwks != nil {
		v.jwks.EndBackground()
	}
}
