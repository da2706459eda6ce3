package server

import (
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/rs/cors"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/zap"

	"github.com/authpipe/authpipe/pkg/authclaims"
	"github.com/authpipe/authpipe/pkg/authz"
	"github.com/authpipe/authpipe/pkg/middleware"
	httpmiddleware "github.com/authpipe/authpipe/pkg/middleware/http"
	"github.com/authpipe/authpipe/pkg/middleware/logging"
	"github.com/authpipe/authpipe/pkg/middleware/recovery"
	"github.com/authpipe/authpipe/pkg/middleware/requestid"
	"github.com/authpipe/authpipe/pkg/pipeline"
	"github.com/authpipe/authpipe/pkg/result"
)

const (
	PipelineCreateUser   = "createUser"
	PipelineReadDocument = "readDocument"
	PipelineRevokeToken  = "revokeToken"
	PipelineEvaluate     = "evaluate"
)

// User is an account created through POST /v1/users.
type User struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Email     string    `json:"email"`
	Role      string    `json:"role"`
	CreatedBy string    `json:"createdBy"`
	CreatedAt time.Time `json:"createdAt"`
}

type userDirectory struct {
	mu      sync.Mutex
	byEmail map[string]User
}

func newUserDirectory() *userDirectory {
	return &userDirectory{byEmail: map[string]User{}}
}

func (d *userDirectory) add(u User) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	key := strings.ToLower(u.Email)
	if _, exists := d.byEmail[key]; exists {
		return false
	}
	d.byEmail[key] = u
	return true
}

// DocumentResponse is the body of GET /v1/documents/{id}.
type DocumentResponse struct {
	ID       string            `json:"id"`
	ReadBy   string            `json:"readBy"`
	Decision *authz.AuthResult `json:"decision,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) error {
	body, err := json.Marshal(v)
	if err != nil {
		return err
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, err = w.Write(body)
	return err
}

// Handler returns the HTTP handler serving every configured route behind
// recovery, CORS, tracing, request id, access logging and timeout
// middleware.
func (s *Server) Handler() http.Handler {
	router := chi.NewRouter()
	router.Get("/healthz", s.healthz)

	s.mount(router, http.MethodPost, "/v1/users", PipelineCreateUser, s.createUser)
	s.mount(router, http.MethodGet, "/v1/documents/{id}", PipelineReadDocument, s.readDocument)
	s.mount(router, http.MethodPost, "/v1/tokens/revoke", PipelineRevokeToken, s.revokeToken)
	s.mount(router, http.MethodPost, "/v1/authorize", PipelineEvaluate, s.evaluate)

	var handler http.Handler = router
	handler = middleware.NewTimeoutHandler(s.config.HTTP.RequestTimeout, s.logger).Handler(handler)
	handler = logging.NewLoggingHandler(handler, s.logger)
	handler = requestid.HTTPHandler(handler)
	if s.config.Trace.Enabled {
		handler = otelhttp.NewHandler(handler, "authpipe")
	}

	return recovery.HTTPPanicRecoveryHandler(cors.New(cors.Options{
		AllowedOrigins:   s.config.HTTP.CORSAllowedOrigins,
		AllowCredentials: true,
		AllowedHeaders:   s.config.HTTP.CORSAllowedHeaders,
		AllowedMethods: []string{
			http.MethodGet, http.MethodPost,
			http.MethodHead, http.MethodPatch, http.MethodDelete, http.MethodPut,
		},
		ExposedHeaders: []string{requestid.RequestIDHeader, httpmiddleware.ElapsedHeader, "Retry-After"},
	}).Handler(handler), s.logger)
}

// mount serves h behind the pipeline called name. Routes whose pipeline is not
// configured are left unmounted.
func (s *Server) mount(router chi.Router, method, pattern, name string, h httpmiddleware.HandlerFunc) {
	p, err := s.Pipeline(name)
	if err != nil {
		s.logger.Warn("route disabled, pipeline is not configured",
			zap.String("route", method+" "+pattern),
			zap.String("pipeline", name),
		)
		return
	}

	router.Method(method, pattern, httpmiddleware.Adapt(p, h,
		httpmiddleware.WithLogger(s.logger),
		httpmiddleware.WithParams(httpmiddleware.ChiURLParams),
		httpmiddleware.WithMaxBodyBytes(s.config.HTTP.MaxBodyBytes),
		httpmiddleware.WithExposeInternals(!s.config.IsProduction()),
	))
}

func (s *Server) healthz(w http.ResponseWriter, r *http.Request) {
	status, code := "SERVING", http.StatusOK
	if err := s.cache.Ping(r.Context()); err != nil {
		s.logger.WarnWithContext(r.Context(), "health check failed", zap.Error(err))
		status, code = "NOT_SERVING", http.StatusServiceUnavailable
	}
	_ = writeJSON(w, code, map[string]string{"status": status})
}

func (s *Server) createUser(w http.ResponseWriter, r *http.Request) error {
	pc, _ := pipeline.PipelineFromContext(r.Context())
	payload, _ := pipeline.Value[map[string]any](pc, pipeline.SlotPayload)
	claims, _ := authclaims.AuthClaimsFromContext(r.Context())

	user := User{
		ID:        uuid.NewString(),
		CreatedAt: time.Now().UTC(),
	}
	user.Name, _ = payload["name"].(string)
	user.Email, _ = payload["email"].(string)
	user.Role, _ = payload["role"].(string)
	if claims != nil {
		user.CreatedBy = claims.Subject
	}

	if !s.users.add(user) {
		return result.New(result.CodeValidation, "Email already registered",
			result.WithStatus(http.StatusConflict),
			result.WithDetail("field", "email"),
		)
	}

	return writeJSON(w, http.StatusCreated, user)
}

func (s *Server) readDocument(w http.ResponseWriter, r *http.Request) error {
	pc, _ := pipeline.PipelineFromContext(r.Context())
	decision, _ := pipeline.Value[*authz.AuthResult](pc, pipeline.SlotAuthResult)
	claims, _ := authclaims.AuthClaimsFromContext(r.Context())

	doc := DocumentResponse{ID: chi.URLParam(r, "id"), Decision: decision}
	if claims != nil {
		doc.ReadBy = claims.Subject
	}
	return writeJSON(w, http.StatusOK, doc)
}

func (s *Server) revokeToken(w http.ResponseWriter, r *http.Request) error {
	claims, ok := authclaims.AuthClaimsFromContext(r.Context())
	if !ok || claims.Token == "" {
		return result.New(result.CodeUnauthenticated, "User not authenticated")
	}

	if err := s.denylist.Revoke(r.Context(), claims.Token, claims.ExpiresAt); err != nil {
		return err
	}
	s.logger.InfoWithContext(r.Context(), "token revoked", zap.String("subject", claims.Subject))

	w.WriteHeader(http.StatusNoContent)
	return nil
}

func (s *Server) evaluate(w http.ResponseWriter, r *http.Request) error {
	pc, _ := pipeline.PipelineFromContext(r.Context())
	decision, ok := pipeline.Value[*authz.AuthResult](pc, pipeline.SlotAuthResult)
	if !ok || decision == nil {
		return result.New(result.CodeValidation, "Nothing to evaluate",
			result.WithRemediation("Send an action and a resource"))
	}
	return writeJSON(w, http.StatusOK, decision)
}
