// Package server assembles the stores, caches, verifiers and configured
// pipelines into the HTTP service run by the 'run' command.
package server

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/authpipe/authpipe/internal/server/config"
	"github.com/authpipe/authpipe/pkg/authz"
	"github.com/authpipe/authpipe/pkg/authz/memory"
	"github.com/authpipe/authpipe/pkg/cache"
	"github.com/authpipe/authpipe/pkg/cache/redis"
	"github.com/authpipe/authpipe/pkg/logger"
	"github.com/authpipe/authpipe/pkg/pipeline"
	"github.com/authpipe/authpipe/pkg/pipeline/registry"
	"github.com/authpipe/authpipe/pkg/steps/authn"
	"github.com/authpipe/authpipe/pkg/steps/permission"
	"github.com/authpipe/authpipe/pkg/steps/ratelimit"
)

const redisKeyPrefix = "authpipe/"

var ErrPipelineNotFound = errors.New("pipeline not found")

//go:embed default_seed.yaml
var defaultSeed []byte

type Option func(s *Server)

func WithLogger(l logger.Logger) Option {
	return func(s *Server) {
		s.logger = l
	}
}

// WithVerifier replaces the verifier selected by 'authn.method'.
func WithVerifier(v authn.Verifier) Option {
	return func(s *Server) {
		s.verifier = v
	}
}

// WithCache replaces the cache selected by 'cache.engine'. The caller keeps
// ownership of c.
func WithCache(c cache.Cache) Option {
	return func(s *Server) {
		s.cache = c
		s.ownsCache = false
	}
}

// Server owns every long-lived dependency of the service.
type Server struct {
	config *config.Config
	logger logger.Logger

	cache     cache.Cache
	ownsCache bool
	redis     *redis.Handle

	store     *memory.Store
	evaluator *authz.Evaluator
	denylist  *authn.CacheDenylist
	limiter   ratelimit.Limiter
	verifier  authn.Verifier
	oidc      *authn.OIDCVerifier

	pipelines map[string]*pipeline.Pipeline
	users     *userDirectory
}

// New builds a Server from cfg. The caller must Close it.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		config:    cfg,
		logger:    logger.NewNoopLogger(),
		ownsCache: true,
		users:     newUserDirectory(),
	}

	for _, opt := range opts {
		opt(s)
	}

	if err := s.init(ctx); err != nil {
		_ = s.Close()
		return nil, err
	}
	return s, nil
}

func (s *Server) init(ctx context.Context) error {
	if s.cache == nil {
		c, err := s.cacheConfig(ctx)
		if err != nil {
			return err
		}
		s.cache = c
	}

	seed, err := s.seedConfig()
	if err != nil {
		return err
	}
	s.store = memory.New()
	if err := s.store.Apply(seed); err != nil {
		return fmt.Errorf("apply seed: %w", err)
	}

	s.evaluator = authz.NewEvaluator(s.store, s.store, s.store,
		authz.WithCache(s.cache),
		authz.WithCacheTTL(s.config.Cache.TTL),
		authz.WithLogger(s.logger),
	)

	s.denylist = authn.NewDenylist(
		authn.WithDenylistCache(s.cache),
		authn.WithDenylistSize(s.config.Authn.DenylistSize),
	)

	if s.limiter, err = s.limiterConfig(); err != nil {
		return err
	}

	if s.verifier == nil {
		if s.verifier, err = s.verifierConfig(ctx); err != nil {
			return err
		}
	}

	r := registry.New(registry.Dependencies{
		Logger:            s.logger,
		Verifier:          s.verifier,
		Denylist:          s.denylist,
		Authorizer:        s.evaluator,
		Relationships:     s.store,
		Limiter:           s.limiter,
		Permissions:       permissionTable(seed),
		TrustForwardedFor: s.config.HTTP.TrustForwardedFor,
		SlowStepThreshold: s.config.SlowStepThreshold,
	})

	if s.pipelines, err = r.BuildAll(s.config.Pipelines); err != nil {
		return fmt.Errorf("build pipelines: %w", err)
	}

	for name, p := range s.pipelines {
		s.logger.Debug("pipeline ready", zap.String("pipeline", name), zap.Strings("steps", p.StepNames()))
	}
	return nil
}

// cacheConfig connects the cache selected by 'cache.engine'. A redis server
// is pinged with exponential backoff before it is used.
func (s *Server) cacheConfig(ctx context.Context) (cache.Cache, error) {
	switch s.config.Cache.Engine {
	case config.EngineMemory:
		s.logger.Info("using 'memory' cache engine")
		return cache.NewInMemoryCache(cache.WithMaxCacheSize(s.config.Cache.MaxSize)), nil
	case config.EngineRedis:
		h, err := redis.New(
			redis.WithAddr(s.config.Cache.Addr),
			redis.WithUserCredential(s.config.Cache.Username),
			redis.WithPassCredential(s.config.Cache.Password),
			redis.WithDatabase(s.config.Cache.DB),
			redis.WithKeyPrefix(redisKeyPrefix),
		)
		if err != nil {
			return nil, fmt.Errorf("initialize redis cache: %w", err)
		}

		policy := backoff.NewExponentialBackOff()
		policy.MaxElapsedTime = 3 * time.Second
		err = backoff.Retry(func() error {
			return h.Ping(ctx)
		}, backoff.WithContext(policy, ctx))
		if err != nil {
			_ = h.Close()
			return nil, fmt.Errorf("connect to redis at '%s': %w", s.config.Cache.Addr, err)
		}

		s.redis = h
		s.logger.Info("using 'redis' cache engine", zap.String("addr", s.config.Cache.Addr))
		return h, nil
	default:
		return nil, fmt.Errorf("cache engine '%s' is unsupported", s.config.Cache.Engine)
	}
}

func (s *Server) seedConfig() (*memory.Seed, error) {
	if s.config.SeedFile == "" {
		s.logger.Info("no seed file configured, loading the built-in seed")
		return memory.ParseSeed(defaultSeed)
	}

	seed, err := memory.LoadSeedFile(s.config.SeedFile)
	if err != nil {
		return nil, fmt.Errorf("load seed: %w", err)
	}
	s.logger.Info("loaded seed file",
		zap.String("path", s.config.SeedFile),
		zap.Int("roles", len(seed.Roles)),
		zap.Int("policies", len(seed.Policies)),
		zap.Int("relationships", len(seed.Relationships)),
	)
	return seed, nil
}

func (s *Server) limiterConfig() (ratelimit.Limiter, error) {
	limit, window := s.config.RateLimit.Limit, s.config.RateLimit.Window

	switch s.config.RateLimit.Engine {
	case config.EngineMemory:
		l, err := ratelimit.NewSlidingWindow(limit, window)
		if err != nil {
			return nil, fmt.Errorf("initialize rate limiter: %w", err)
		}
		return l, nil
	case config.EngineRedis:
		if s.redis == nil {
			return nil, errors.New("the redis rate limiter requires the redis cache engine")
		}
		l, err := ratelimit.NewRedisLimiter(s.redis.Client(), limit, window,
			ratelimit.WithRedisKeyPrefix(redisKeyPrefix+"ratelimit/"))
		if err != nil {
			return nil, fmt.Errorf("initialize rate limiter: %w", err)
		}
		return l, nil
	default:
		return nil, fmt.Errorf("rate limit engine '%s' is unsupported", s.config.RateLimit.Engine)
	}
}

func (s *Server) verifierConfig(ctx context.Context) (authn.Verifier, error) {
	switch s.config.Authn.Method {
	case config.AuthnMethodNone:
		s.logger.Warn("authentication is disabled, authenticate steps reject every request")
		return authn.DisabledVerifier{}, nil
	case config.AuthnMethodHMAC:
		s.logger.Info("using 'hmac' authentication")
		hmac := s.config.Authn.AuthnHMACConfig
		var opts []authn.VerifierOption
		if hmac.Issuer != "" {
			opts = append(opts, authn.WithIssuer(hmac.Issuer))
		}
		if hmac.Audience != "" {
			opts = append(opts, authn.WithAudience(hmac.Audience))
		}
		v, err := authn.NewHMACVerifier(hmac.Secret, opts...)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize verifier: %w", err)
		}
		return v, nil
	case config.AuthnMethodOIDC:
		s.logger.Info("using 'oidc' authentication")
		oidc := s.config.Authn.AuthnOIDCConfig
		v, err := authn.NewOIDCVerifier(ctx, oidc.Issuer, oidc.Audience)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize verifier: %w", err)
		}
		s.oidc = v
		return v, nil
	default:
		return nil, fmt.Errorf("unsupported authentication method '%v'", s.config.Authn.Method)
	}
}

// permissionTable exposes the seeded role permissions to requirePermissions
// steps.
func permissionTable(seed *memory.Seed) permission.Table {
	table := make(permission.Table, len(seed.Roles))
	for _, r := range seed.Roles {
		table[r.ID] = append([]string(nil), r.Permissions...)
	}
	return table
}

// Pipeline returns the configured pipeline called name.
func (s *Server) Pipeline(name string) (*pipeline.Pipeline, error) {
	p, ok := s.pipelines[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrPipelineNotFound, name)
	}
	return p, nil
}

// Close releases the verifier, the limiter and the cache.
func (s *Server) Close() error {
	var errs []error

	if s.oidc != nil {
		s.oidc.Close()
	}
	if s.limiter != nil {
		errs = append(errs, s.limiter.Close())
	}
	if s.evaluator != nil {
		s.evaluator.Close()
	}
	if s.denylist != nil {
		errs = append(errs, s.denylist.Close())
	}
	if s.cache != nil && s.ownsCache {
		errs = append(errs, s.cache.Close())
	}

	return errors.Join(errs...)
}
