package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/authpipe/authpipe/internal/server/config"
	"github.com/authpipe/authpipe/pkg/authz"
	httpmiddleware "github.com/authpipe/authpipe/pkg/middleware/http"
	"github.com/authpipe/authpipe/pkg/middleware/requestid"
	"github.com/authpipe/authpipe/pkg/result"
)

const testSecret = "server-test-secret"

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func testConfig() *config.Config {
	cfg := config.MustDefaultConfig()
	cfg.Authn.Method = config.AuthnMethodHMAC
	cfg.Authn.AuthnHMACConfig = &config.AuthnHMACConfig{Secret: testSecret}
	return cfg
}

func newTestServer(t *testing.T, cfg *config.Config, opts ...Option) *httptest.Server {
	t.Helper()

	s, err := New(context.Background(), cfg, opts...)
	require.NoError(t, err)

	ts := httptest.NewServer(s.Handler())
	t.Cleanup(func() {
		ts.Close()
		require.NoError(t, s.Close())
	})
	return ts
}

func token(t *testing.T, subject string, roles ...string) string {
	t.Helper()
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub":   subject,
		"roles": roles,
		"exp":   time.Now().Add(time.Hour).Unix(),
	}).SignedString([]byte(testSecret))
	require.NoError(t, err)
	return signed
}

func do(t *testing.T, ts *httptest.Server, method, path, bearer string, body any) *http.Response {
	t.Helper()

	var reader *bytes.Reader
	switch b := body.(type) {
	case nil:
		reader = bytes.NewReader(nil)
	case string:
		reader = bytes.NewReader([]byte(b))
	default:
		raw, err := json.Marshal(b)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequest(method, ts.URL+path, reader)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}

	resp, err := ts.Client().Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func errorCode(t *testing.T, resp *http.Response) result.Code {
	t.Helper()
	var body httpmiddleware.ErrorBody
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	return body.Error.Code
}

func TestHealthz(t *testing.T) {
	ts := newTestServer(t, testConfig())

	resp := do(t, ts, http.MethodGet, "/healthz", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	require.Equal(t, "SERVING", body["status"])
}

func TestCreateUser(t *testing.T) {
	ts := newTestServer(t, testConfig())
	admin := token(t, "root", "admin")

	t.Run("admin_creates_user", func(t *testing.T) {
		resp := do(t, ts, http.MethodPost, "/v1/users", admin, map[string]any{
			"name":  "Alice",
			"email": "alice@example.com",
		})
		require.Equal(t, http.StatusCreated, resp.StatusCode)
		require.NotEmpty(t, resp.Header.Get(requestid.RequestIDHeader))

		var user User
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&user))
		require.NotEmpty(t, user.ID)
		require.Equal(t, "user", user.Role)
		require.Equal(t, "root", user.CreatedBy)
	})

	t.Run("duplicate_email", func(t *testing.T) {
		resp := do(t, ts, http.MethodPost, "/v1/users", admin, map[string]any{
			"name":  "Alice Again",
			"email": "ALICE@example.com",
		})
		require.Equal(t, http.StatusConflict, resp.StatusCode)
		require.Equal(t, result.CodeValidation, errorCode(t, resp))
	})

	t.Run("user_role_is_denied", func(t *testing.T) {
		resp := do(t, ts, http.MethodPost, "/v1/users", token(t, "bob", "user"), map[string]any{
			"name":  "Bob",
			"email": "bob@example.com",
		})
		require.Equal(t, http.StatusForbidden, resp.StatusCode)
		require.Equal(t, result.CodeRBACDenied, errorCode(t, resp))
	})

	t.Run("invalid_body", func(t *testing.T) {
		resp := do(t, ts, http.MethodPost, "/v1/users", admin, map[string]any{"name": "C"})
		require.Equal(t, http.StatusBadRequest, resp.StatusCode)
		require.Equal(t, result.CodeValidation, errorCode(t, resp))
	})

	t.Run("malformed_body", func(t *testing.T) {
		resp := do(t, ts, http.MethodPost, "/v1/users", admin, "{")
		require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})

	t.Run("missing_token", func(t *testing.T) {
		resp := do(t, ts, http.MethodPost, "/v1/users", "", map[string]any{})
		require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
		require.Equal(t, result.CodeUnauthenticated, errorCode(t, resp))
	})
}

func TestReadDocument(t *testing.T) {
	ts := newTestServer(t, testConfig())
	alice := token(t, "alice", "user")

	resp := do(t, ts, http.MethodGet, "/v1/documents/doc-1", alice, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var doc DocumentResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&doc))
	require.Equal(t, "doc-1", doc.ID)
	require.Equal(t, "alice", doc.ReadBy)
	require.NotNil(t, doc.Decision)
	require.True(t, doc.Decision.Allowed)

	resp = do(t, ts, http.MethodGet, "/v1/documents/doc-2", alice, nil)
	require.Equal(t, http.StatusForbidden, resp.StatusCode)
	require.Equal(t, result.CodeReBACDenied, errorCode(t, resp))
}

func TestEvaluateReportsDenials(t *testing.T) {
	ts := newTestServer(t, testConfig())

	resp := do(t, ts, http.MethodPost, "/v1/authorize", token(t, "alice", "user"), map[string]any{
		"action":   "read",
		"resource": map[string]any{"type": "document", "id": "doc-2"},
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var decision authz.AuthResult
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&decision))
	require.False(t, decision.Allowed)
	require.Equal(t, authz.CheckReBAC, decision.DeniedBy)

	resp = do(t, ts, http.MethodPost, "/v1/authorize", token(t, "alice", "user"), map[string]any{
		"action": "read",
	})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestRevokeToken(t *testing.T) {
	ts := newTestServer(t, testConfig())
	alice := token(t, "alice", "user")

	resp := do(t, ts, http.MethodPost, "/v1/tokens/revoke", alice, nil)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp = do(t, ts, http.MethodGet, "/v1/documents/doc-1", alice, nil)
	require.Equal(t, http.StatusForbidden, resp.StatusCode)
	require.Equal(t, result.CodeInvalidToken, errorCode(t, resp))
}

func TestRateLimit(t *testing.T) {
	cfg := testConfig()
	cfg.RateLimit.Limit = 2
	ts := newTestServer(t, cfg)
	bob := token(t, "bob", "user")

	for i := 0; i < 2; i++ {
		resp := do(t, ts, http.MethodGet, "/v1/documents/doc-1", bob, nil)
		require.Equal(t, http.StatusOK, resp.StatusCode)
	}

	resp := do(t, ts, http.MethodGet, "/v1/documents/doc-1", bob, nil)
	require.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	require.NotEmpty(t, resp.Header.Get("Retry-After"))
	require.Equal(t, result.CodeRateLimit, errorCode(t, resp))
}

func TestRedisEngines(t *testing.T) {
	mr := miniredis.RunT(t)

	cfg := testConfig()
	cfg.Cache.Engine = config.EngineRedis
	cfg.Cache.Addr = mr.Addr()
	cfg.RateLimit.Engine = config.EngineRedis
	cfg.RateLimit.Limit = 1
	ts := newTestServer(t, cfg)
	alice := token(t, "alice", "user")

	resp := do(t, ts, http.MethodGet, "/v1/documents/doc-1", alice, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NotEmpty(t, mr.Keys())

	resp = do(t, ts, http.MethodGet, "/v1/documents/doc-1", alice, nil)
	require.Equal(t, http.StatusTooManyRequests, resp.StatusCode)

	resp = do(t, ts, http.MethodGet, "/healthz", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	mr.SetError("server is down")
	resp = do(t, ts, http.MethodGet, "/healthz", "", nil)
	require.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestRedisUnreachable(t *testing.T) {
	cfg := testConfig()
	cfg.Cache.Engine = config.EngineRedis
	cfg.Cache.Addr = "127.0.0.1:1"

	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()

	_, err := New(ctx, cfg)
	require.ErrorContains(t, err, "connect to redis")
}

func TestAuthenticationDisabled(t *testing.T) {
	cfg := config.MustDefaultConfig()
	ts := newTestServer(t, cfg)

	resp := do(t, ts, http.MethodGet, "/v1/documents/doc-1", token(t, "alice", "user"), nil)
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	require.Equal(t, result.CodeInvalidToken, errorCode(t, resp))
}

func TestSeedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "seed.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
roles:
  - id: user
    permissions: ["document:read"]
policies:
  - id: documents
    effect: allow
    actions: ["read"]
    resources: ["document"]
relationships:
  - sourceType: user
    sourceId: carol
    targetType: document
    targetId: doc-9
    relation: owner
`), 0o600))

	cfg := testConfig()
	cfg.SeedFile = path
	ts := newTestServer(t, cfg)
	carol := token(t, "carol", "user")

	resp := do(t, ts, http.MethodGet, "/v1/documents/doc-9", carol, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = do(t, ts, http.MethodGet, "/v1/documents/doc-1", carol, nil)
	require.Equal(t, http.StatusForbidden, resp.StatusCode)

	cfg = testConfig()
	cfg.SeedFile = filepath.Join(t.TempDir(), "missing.yaml")
	_, err := New(context.Background(), cfg)
	require.ErrorContains(t, err, "load seed")
}

func TestPipelineLookup(t *testing.T) {
	cfg := testConfig()
	cfg.Pipelines = cfg.Pipelines[:1]

	s, err := New(context.Background(), cfg)
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, s.Close()) })

	p, err := s.Pipeline(PipelineCreateUser)
	require.NoError(t, err)
	require.Equal(t, PipelineCreateUser, p.Name())

	_, err = s.Pipeline(PipelineReadDocument)
	require.ErrorIs(t, err, ErrPipelineNotFound)

	ts := httptest.NewServer(s.Handler())
	defer ts.Close()
	resp := do(t, ts, http.MethodGet, "/v1/documents/doc-1", token(t, "alice", "user"), nil)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}
