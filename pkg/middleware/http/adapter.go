// Package http adapts pipelines to net/http handlers.
package http

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"github.com/authpipe/authpipe/internal/build"
	"github.com/authpipe/authpipe/pkg/authclaims"
	"github.com/authpipe/authpipe/pkg/logger"
	"github.com/authpipe/authpipe/pkg/middleware/requestid"
	"github.com/authpipe/authpipe/pkg/pipeline"
	"github.com/authpipe/authpipe/pkg/result"
	"github.com/authpipe/authpipe/pkg/steps/cancellation"
)

const (
	// ElapsedHeader carries the pipeline duration of a successful request.
	ElapsedHeader = "X-Response-Time"

	DefaultMaxBodyBytes int64 = 1 << 20
)

var requestDurationHistogram = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Namespace:                       build.ProjectName,
	Name:                            "pipeline_request_duration_ms",
	Help:                            "The duration (in ms) of pipeline runs by pipeline and outcome.",
	Buckets:                         []float64{1, 5, 10, 25, 50, 100, 200, 500, 1000, 5000},
	NativeHistogramBucketFactor:     1.1,
	NativeHistogramMaxBucketNumber:  100,
	NativeHistogramMinResetDuration: time.Hour,
}, []string{"pipeline", "outcome"})

// HandlerFunc handles a request admitted by a pipeline. A returned error is
// passed to the Adapter's error handler.
type HandlerFunc func(w http.ResponseWriter, r *http.Request) error

// ErrorHandler writes the response for an error returned by a HandlerFunc.
type ErrorHandler func(w http.ResponseWriter, r *http.Request, err error)

// FailureHandler writes the response for a failed pipeline run. md names and
// times every step invoked up to and including the failing one.
type FailureHandler func(w http.ResponseWriter, r *http.Request, err *result.Error, md pipeline.Metadata)

// ParamsFunc extracts route parameters from a request.
type ParamsFunc func(r *http.Request) map[string]string

// ChiURLParams reads the parameters matched by a chi router.
func ChiURLParams(r *http.Request) map[string]string {
	rctx := chi.RouteContext(r.Context())
	if rctx == nil {
		return nil
	}
	params := make(map[string]string, len(rctx.URLParams.Keys))
	for i, key := range rctx.URLParams.Keys {
		if key == "*" {
			continue
		}
		params[key] = rctx.URLParams.Values[i]
	}
	return params
}

type Option func(a *Adapter)

func WithLogger(l logger.Logger) Option {
	return func(a *Adapter) {
		a.logger = l
	}
}

func WithParams(fn ParamsFunc) Option {
	return func(a *Adapter) {
		a.params = fn
	}
}

func WithMaxBodyBytes(n int64) Option {
	return func(a *Adapter) {
		a.maxBodyBytes = n
	}
}

// WithExposeInternals includes causes and stack traces in error responses.
// It must stay off in production.
func WithExposeInternals(expose bool) Option {
	return func(a *Adapter) {
		a.exposeInternals = expose
	}
}

func WithErrorHandler(h ErrorHandler) Option {
	return func(a *Adapter) {
		a.errorHandler = h
	}
}

// WithFailureHandler replaces the JSON error response written for failed runs.
func WithFailureHandler(h FailureHandler) Option {
	return func(a *Adapter) {
		a.failureHandler = h
	}
}

// WithBranch routes runs that end in Branch(name) to h.
func WithBranch(name string, h HandlerFunc) Option {
	return func(a *Adapter) {
		a.branches[name] = h
	}
}

// Adapter runs a pipeline in front of a handler.
type Adapter struct {
	pipeline        *pipeline.Pipeline
	handler         HandlerFunc
	branches        map[string]HandlerFunc
	params          ParamsFunc
	errorHandler    ErrorHandler
	failureHandler  FailureHandler
	maxBodyBytes    int64
	exposeInternals bool
	logger          logger.Logger
}

var _ http.Handler = (*Adapter)(nil)

// Adapt returns an http.Handler that runs p for every request. A failed run
// is written as a JSON error and handler is not called. A successful run
// calls handler with the pipeline Context and the authenticated claims
// attached to the request context.
func Adapt(p *pipeline.Pipeline, handler HandlerFunc, opts ...Option) *Adapter {
	a := &Adapter{
		pipeline:     p,
		handler:      handler,
		branches:     map[string]HandlerFunc{},
		maxBodyBytes: DefaultMaxBodyBytes,
		logger:       logger.NewNoopLogger(),
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.errorHandler == nil {
		a.errorHandler = a.defaultErrorHandler
	}
	if a.failureHandler == nil {
		a.failureHandler = a.defaultFailureHandler
	}
	return a
}

func (a *Adapter) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()

	id, ok := requestid.FromContext(ctx)
	if !ok {
		id = requestid.FromRequest(r)
	}
	w.Header().Set(requestid.RequestIDHeader, id)

	body, raw, err := a.readBody(w, r)
	if err != nil {
		a.logger.InfoWithContext(ctx, "rejected request body", zap.Error(err))
		WriteError(w, err, a.exposeInternals)
		return
	}

	meta := pipeline.RequestMeta{
		ID:         id,
		Method:     r.Method,
		Path:       r.URL.Path,
		Headers:    r.Header.Clone(),
		Query:      r.URL.Query(),
		Body:       body,
		ClientIP:   r.RemoteAddr,
		UserAgent:  r.UserAgent(),
		ReceivedAt: start,
	}
	if a.params != nil {
		meta.Params = a.params(r)
	}

	res, md := a.pipeline.Run(ctx, pipeline.NewContext(pipeline.Patch{
		pipeline.SlotRequestMeta: meta,
		pipeline.SlotCancelToken: ctx,
	}))
	requestDurationHistogram.WithLabelValues(a.pipeline.Name(), md.Outcome()).Observe(float64(md.Elapsed.Milliseconds()))

	if res.IsErr() {
		e := res.Err()
		a.logger.InfoWithContext(ctx, "pipeline rejected request",
			zap.String("pipeline", a.pipeline.Name()),
			zap.String("step", md.FailedStep),
			zap.String("code", string(e.Code)),
			zap.Int("status", e.HTTPStatus),
			zap.Strings("steps", md.Names),
			zap.Duration("elapsed", md.Elapsed),
		)
		a.failureHandler(w, r, e, md)
		return
	}

	pc := res.Value()
	defer cancellation.StopWatch(pc)

	w.Header().Set(requestid.RequestIDHeader, pc.Meta().ID)
	w.Header().Set(ElapsedHeader, strconv.FormatInt(time.Since(start).Milliseconds(), 10)+"ms")

	ctx = pipeline.ContextWithPipeline(ctx, pc)
	ctx = requestid.NewContext(ctx, pc.Meta().ID)
	if claims, ok := pipeline.Value[*authclaims.AuthClaims](pc, pipeline.SlotUser); ok && claims != nil {
		ctx = authclaims.ContextWithAuthClaims(ctx, claims)
	}
	r = r.WithContext(ctx)
	if raw != nil {
		r.Body = io.NopCloser(bytes.NewReader(raw))
	}

	handler := a.handler
	if md.Branch != "" {
		if h, ok := a.branches[md.Branch]; ok {
			handler = h
		} else {
			a.logger.WarnWithContext(ctx, "no handler for pipeline branch",
				zap.String("pipeline", a.pipeline.Name()),
				zap.String("branch", md.Branch),
			)
		}
	}

	if err := handler(w, r); err != nil {
		a.errorHandler(w, r, err)
	}
}

// readBody decodes a JSON object body and returns it with the raw bytes so
// the handler can read the body again. An empty body decodes to nil.
func (a *Adapter) readBody(w http.ResponseWriter, r *http.Request) (map[string]any, []byte, *result.Error) {
	if r.Body == nil || r.Body == http.NoBody {
		return nil, nil, nil
	}

	raw, err := io.ReadAll(http.MaxBytesReader(w, r.Body, a.maxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return nil, nil, result.New(result.CodeValidation, "Request body too large",
				result.WithStatus(http.StatusRequestEntityTooLarge),
				result.WithDetail("limit", tooLarge.Limit),
			)
		}
		return nil, nil, result.New(result.CodeValidation, "Unable to read request body", result.WithCause(err))
	}
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil, raw, nil
	}

	var body map[string]any
	if err := json.Unmarshal(raw, &body); err != nil {
		return nil, nil, result.New(result.CodeValidation, "Malformed JSON body",
			result.WithRemediation("Send a JSON object"),
			result.WithCause(err),
		)
	}
	return body, raw, nil
}

// defaultErrorHandler writes structured errors as they are and hides the
// message of anything else behind a generic 500.
func (a *Adapter) defaultErrorHandler(w http.ResponseWriter, r *http.Request, err error) {
	var structured *result.Error
	if errors.As(err, &structured) && structured != nil {
		WriteError(w, structured, a.exposeInternals)
		return
	}

	a.logger.ErrorWithContext(r.Context(), "handler failed",
		zap.String("pipeline", a.pipeline.Name()),
		zap.Error(err),
	)
	WriteError(w, result.New(result.CodeGeneric, result.InternalServerErrorMsg, result.WithCause(err)), a.exposeInternals)
}

func (a *Adapter) defaultFailureHandler(w http.ResponseWriter, _ *http.Request, err *result.Error, _ pipeline.Metadata) {
	WriteError(w, err, a.exposeInternals)
}
