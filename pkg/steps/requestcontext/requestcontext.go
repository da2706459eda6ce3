// Package requestcontext enriches the request metadata with an identifier and
// client details.
package requestcontext

import (
	"context"
	"net"
	"strings"
	"time"

	"github.com/authpipe/authpipe/pkg/middleware/requestid"
	"github.com/authpipe/authpipe/pkg/pipeline"
)

const (
	StepName = "requestContext"

	forwardedForHeader = "X-Forwarded-For"
	userAgentHeader    = "User-Agent"
)

type Option func(s *step)

// WithTrustForwardedFor takes the client IP from the first X-Forwarded-For
// entry when present.
func WithTrustForwardedFor() Option {
	return func(s *step) {
		s.trustForwardedFor = true
	}
}

// WithClock overrides the time source used for ReceivedAt.
func WithClock(now func() time.Time) Option {
	return func(s *step) {
		s.now = now
	}
}

type step struct {
	trustForwardedFor bool
	now               func() time.Time
}

// New returns a step that fills in the request id, client IP, user agent, and
// received-at time of the request metadata. Values already present are kept.
func New(opts ...Option) pipeline.Step {
	s := &step{now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *step) Name() string {
	return StepName
}

func (s *step) Run(ctx context.Context, pc pipeline.Context) pipeline.Outcome {
	meta := pc.Meta()

	if meta.ID == "" {
		meta.ID = resolveID(ctx, meta)
	}
	if ip := s.clientIP(meta); ip != "" {
		meta.ClientIP = ip
	}
	if meta.UserAgent == "" {
		meta.UserAgent = meta.Headers.Get(userAgentHeader)
	}
	if meta.ReceivedAt.IsZero() {
		meta.ReceivedAt = s.now()
	}

	return pipeline.Next(pipeline.Patch{pipeline.SlotRequestMeta: meta})
}

func resolveID(ctx context.Context, meta pipeline.RequestMeta) string {
	if id, ok := requestid.FromContext(ctx); ok {
		return id
	}
	if id := meta.Headers.Get(requestid.RequestIDHeader); id != "" {
		return id
	}
	return requestid.InitID(ctx)
}

func (s *step) clientIP(meta pipeline.RequestMeta) string {
	if s.trustForwardedFor {
		if fwd := meta.Headers.Get(forwardedForHeader); fwd != "" {
			first, _, _ := strings.Cut(fwd, ",")
			return strings.TrimSpace(first)
		}
	}
	if meta.ClientIP == "" {
		return ""
	}
	if host, _, err := net.SplitHostPort(meta.ClientIP); err == nil {
		return host
	}
	return meta.ClientIP
}
