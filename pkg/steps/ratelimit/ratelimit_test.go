package ratelimit_test

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/mock/gomock"

	"github.com/authpipe/authpipe/internal/mocks"
	"github.com/authpipe/authpipe/pkg/authclaims"
	"github.com/authpipe/authpipe/pkg/logger"
	"github.com/authpipe/authpipe/pkg/pipeline"
	"github.com/authpipe/authpipe/pkg/result"
	"github.com/authpipe/authpipe/pkg/steps/ratelimit"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m,
		goleak.IgnoreTopFunction("internal/poll.runtime_pollWait"),
	)
}

func TestSlidingWindow(t *testing.T) {
	ctx := context.Background()

	_, err := ratelimit.NewSlidingWindow(0, time.Second)
	require.ErrorIs(t, err, ratelimit.ErrInvalidLimit)

	limiter, err := ratelimit.NewSlidingWindow(2, time.Second)
	require.NoError(t, err)
	defer limiter.Close()

	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	now := start
	limiter.SetClock(func() time.Time { return now })

	d, err := limiter.Allow(ctx, "alice")
	require.NoError(t, err)
	require.True(t, d.Allowed)
	require.Equal(t, 1, d.Remaining)

	now = start.Add(100 * time.Millisecond)
	d, _ = limiter.Allow(ctx, "alice")
	require.True(t, d.Allowed)
	require.Equal(t, 0, d.Remaining)

	now = start.Add(200 * time.Millisecond)
	d, _ = limiter.Allow(ctx, "alice")
	require.False(t, d.Allowed)
	require.Equal(t, 800*time.Millisecond, d.RetryAfter)

	d, _ = limiter.Allow(ctx, "bob")
	require.True(t, d.Allowed)

	now = start.Add(time.Second)
	d, _ = limiter.Allow(ctx, "alice")
	require.True(t, d.Allowed)
	require.Equal(t, 0, d.Remaining)
	require.Equal(t, 2, limiter.Len())
}

func TestRedisLimiter(t *testing.T) {
	ctx := context.Background()
	server := miniredis.RunT(t)
	client := goredis.NewUniversalClient(&goredis.UniversalOptions{Addrs: []string{server.Addr()}})
	t.Cleanup(func() {
		require.NoError(t, client.Close())
	})

	_, err := ratelimit.NewRedisLimiter(client, 1, 0)
	require.ErrorIs(t, err, ratelimit.ErrInvalidLimit)

	now := time.Date(2024, 1, 1, 0, 0, 0, int(500*time.Millisecond), time.UTC)
	limiter, err := ratelimit.NewRedisLimiter(client, 2, time.Second,
		ratelimit.WithRedisKeyPrefix("test/"),
		ratelimit.WithRedisClock(func() time.Time { return now }),
	)
	require.NoError(t, err)
	defer limiter.Close()

	d, err := limiter.Allow(ctx, "alice")
	require.NoError(t, err)
	require.True(t, d.Allowed)
	require.Equal(t, 1, d.Remaining)

	d, err = limiter.Allow(ctx, "alice")
	require.NoError(t, err)
	require.True(t, d.Allowed)

	d, err = limiter.Allow(ctx, "alice")
	require.NoError(t, err)
	require.False(t, d.Allowed)
	require.Equal(t, 500*time.Millisecond, d.RetryAfter)

	keys := server.Keys()
	require.Len(t, keys, 1)
	require.Contains(t, keys[0], "test/alice:")
	require.Equal(t, time.Second, server.TTL(keys[0]))

	now = now.Add(time.Second)
	d, err = limiter.Allow(ctx, "alice")
	require.NoError(t, err)
	require.True(t, d.Allowed)

	server.SetError("server unavailable")
	_, err = limiter.Allow(ctx, "alice")
	require.Error(t, err)
}

func withClaims(subject, ip string) pipeline.Context {
	patch := pipeline.Patch{pipeline.SlotRequestMeta: pipeline.RequestMeta{
		Method:   http.MethodGet,
		ClientIP: ip,
	}}
	if subject != "" {
		patch[pipeline.SlotUser] = &authclaims.AuthClaims{Subject: subject}
	}
	return pipeline.NewContext(patch)
}

func TestStepRejects(t *testing.T) {
	mockController := gomock.NewController(t)
	defer mockController.Finish()

	limiter := mocks.NewMockLimiter(mockController)
	limiter.EXPECT().Allow(gomock.Any(), "user:alice").Return(ratelimit.Decision{
		Allowed:    false,
		Limit:      10,
		RetryAfter: 1500 * time.Millisecond,
	}, nil)

	step := ratelimit.New(limiter)
	require.Equal(t, ratelimit.StepName, step.Name())

	outcome := step.Run(context.Background(), withClaims("alice", "192.0.2.1"))
	fail, ok := outcome.(pipeline.Fail)
	require.True(t, ok)
	require.Equal(t, result.CodeRateLimit, fail.Err.Code)
	require.Equal(t, http.StatusTooManyRequests, fail.Err.HTTPStatus)
	require.Equal(t, "Rate limit exceeded", fail.Err.Message)
	require.Equal(t, 2, fail.Err.Details["retryAfter"])
	require.Equal(t, 10, fail.Err.Details["limit"])
}

func TestStepKeys(t *testing.T) {
	mockController := gomock.NewController(t)
	defer mockController.Finish()

	limiter := mocks.NewMockLimiter(mockController)
	limiter.EXPECT().Allow(gomock.Any(), "ip:192.0.2.1").Return(ratelimit.Decision{Allowed: true}, nil)

	step := ratelimit.New(limiter, ratelimit.WithName("anonymousLimit"))
	require.Equal(t, "anonymousLimit", step.Name())
	require.Equal(t, pipeline.Continue{}, step.Run(context.Background(), withClaims("", "192.0.2.1")))

	// Nothing to key on: the limiter is not consulted.
	require.Equal(t, pipeline.Continue{}, step.Run(context.Background(), withClaims("", "")))
}

func TestStepCustomKey(t *testing.T) {
	mockController := gomock.NewController(t)
	defer mockController.Finish()

	limiter := mocks.NewMockLimiter(mockController)
	limiter.EXPECT().Allow(gomock.Any(), "tenant:acme").Return(ratelimit.Decision{Allowed: true}, nil)

	step := ratelimit.New(limiter, ratelimit.WithKeyFunc(func(pipeline.Context) string { return "tenant:acme" }))
	require.Equal(t, pipeline.Continue{}, step.Run(context.Background(), withClaims("alice", "")))
}

func TestStepFailsOpen(t *testing.T) {
	mockController := gomock.NewController(t)
	defer mockController.Finish()

	l, logs := logger.NewObserverLogger("warn")
	limiter := mocks.NewMockLimiter(mockController)
	limiter.EXPECT().Allow(gomock.Any(), gomock.Any()).Return(ratelimit.Decision{}, errors.New("connection refused"))

	outcome := ratelimit.New(limiter, ratelimit.WithLogger(l)).Run(context.Background(), withClaims("alice", ""))
	require.Equal(t, pipeline.Continue{}, outcome)
	require.Equal(t, 1, logs.FilterMessage("rate limiter unavailable, allowing request").Len())
}

func TestStepInPipeline(t *testing.T) {
	limiter, err := ratelimit.NewSlidingWindow(1, time.Minute)
	require.NoError(t, err)
	defer limiter.Close()

	p := pipeline.New("limited", []pipeline.Step{ratelimit.New(limiter)})

	res, _ := p.Run(context.Background(), withClaims("alice", ""))
	require.True(t, res.IsOk())

	res, md := p.Run(context.Background(), withClaims("alice", ""))
	require.True(t, res.IsErr())
	require.Equal(t, result.CodeRateLimit, res.Err().Code)
	require.Equal(t, ratelimit.StepName, md.FailedStep)
}
