package mocks

import (
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const kidHeader = "1"

// MockOidcServer serves an OIDC discovery document and a JWKS containing a
// single RSA key, and mints tokens signed by that key.
type MockOidcServer struct {
	privateKey *rsa.PrivateKey
	server     *httptest.Server
}

// NewMockOidcServer starts a mock OIDC issuer on a random local port.
// You must call Stop afterward.
func NewMockOidcServer() (*MockOidcServer, error) {
	privateKey, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, err
	}

	mockServer := &MockOidcServer{privateKey: privateKey}
	mockServer.server = httptest.NewServer(mockServer.handler())
	return mockServer, nil
}

func (s *MockOidcServer) handler() http.Handler {
	publicKey := s.privateKey.Public().(*rsa.PublicKey)
	mux := http.NewServeMux()

	mux.HandleFunc("/.well-known/openid-configuration", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]string{
			"issuer":   s.IssuerURL(),
			"jwks_uri": s.IssuerURL() + "/jwks.json",
		})
	})

	mux.HandleFunc("/jwks.json", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"keys": []map[string]string{
				{
					"kid": kidHeader,
					"kty": "RSA",
					"alg": "RS256",
					"use": "sig",
					"n":   base64.RawURLEncoding.EncodeToString(publicKey.N.Bytes()),
					"e":   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(publicKey.E)).Bytes()),
				},
			},
		})
	})

	return mux
}

func (s *MockOidcServer) IssuerURL() string {
	return s.server.URL
}

func (s *MockOidcServer) Stop() {
	s.server.Close()
}

// GetToken returns a token for subject valid for ttl. Extra claims are added
// as-is.
func (s *MockOidcServer) GetToken(audience, subject string, ttl time.Duration, extra map[string]any) (string, error) {
	claims := jwt.MapClaims{
		"iss": s.IssuerURL(),
		"aud": []string{audience},
		"sub": subject,
		"iat": jwt.NewNumericDate(time.Now()),
		"exp": jwt.NewNumericDate(time.Now().Add(ttl)),
	}
	for k, v := range extra {
		claims[k] = v
	}

	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	token.Header["kid"] = kidHeader
	return token.SignedString(s.privateKey)
}
