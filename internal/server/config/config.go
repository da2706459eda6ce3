// Package config contains all knobs and defaults used to configure authpipe
// when running as a standalone server.
package config

import (
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/authpipe/authpipe/pkg/pipeline"
	"github.com/authpipe/authpipe/pkg/pipeline/registry"
	"github.com/authpipe/authpipe/pkg/steps/validation"
)

const (
	DefaultMaxBodyBytes    = 1 << 20 // 1 MiB
	DefaultRequestTimeout  = 10 * time.Second
	DefaultShutdownTimeout = 5 * time.Second

	DefaultCacheMaxSize = 10000
	DefaultCacheTTL     = 300 * time.Second

	DefaultRateLimit       = 100
	DefaultRateLimitWindow = time.Minute

	DefaultDenylistSize = 10000

	EnvironmentDevelopment = "development"
	EnvironmentProduction  = "production"

	AuthnMethodNone = "none"
	AuthnMethodHMAC = "hmac"
	AuthnMethodOIDC = "oidc"

	EngineMemory = "memory"
	EngineRedis  = "redis"
)

// HTTPConfig defines server configurations for HTTP server specific settings.
type HTTPConfig struct {
	Addr string
	TLS  *TLSConfig

	CORSAllowedOrigins []string
	CORSAllowedHeaders []string

	// MaxBodyBytes bounds the JSON body a pipeline decodes.
	MaxBodyBytes int64

	// RequestTimeout bounds every request. Pipelines with a cancellation step
	// fail with CANCELLED once it passes.
	RequestTimeout time.Duration

	ShutdownTimeout time.Duration

	// TrustForwardedFor lets the request context step read the client IP from
	// X-Forwarded-For. Enable it only behind a proxy that sets the header.
	TrustForwardedFor bool
}

// TLSConfig defines configuration specific to Transport Layer Security (TLS) settings.
type TLSConfig struct {
	Enabled  bool
	CertPath string `mapstructure:"cert"`
	KeyPath  string `mapstructure:"key"`
}

// AuthnConfig defines server configurations for authentication specific settings.
type AuthnConfig struct {

	// Method is the bearer token verification method (e.g. 'none', 'hmac', 'oidc').
	// With 'none' pipelines that authenticate reject every request.
	Method           string
	*AuthnHMACConfig `mapstructure:"hmac"`
	*AuthnOIDCConfig `mapstructure:"oidc"`

	// DenylistSize is the number of revoked tokens kept in memory.
	DenylistSize int64
}

// AuthnHMACConfig defines configurations for the 'hmac' method of authentication.
type AuthnHMACConfig struct {
	Secret   string
	Issuer   string
	Audience string
}

// AuthnOIDCConfig defines configurations for the 'oidc' method of authentication.
type AuthnOIDCConfig struct {
	Issuer   string
	Audience string
}

// LogConfig defines server configurations for log specific settings. For production we
// recommend using the 'json' log format.
type LogConfig struct {
	// Format is the log format to use in the log output (e.g. 'text' or 'json')
	Format string

	// Level is the log level to use in the log output (e.g. 'none', 'debug', or 'info')
	Level string

	// Format of the timestamp in the log output (e.g. 'Unix'(default) or 'ISO8601')
	TimestampFormat string
}

type TraceConfig struct {
	Enabled     bool
	OTLP        OTLPTraceConfig `mapstructure:"otlp"`
	SampleRatio float64
	ServiceName string
}

type OTLPTraceConfig struct {
	Endpoint string
	TLS      OTLPTraceTLSConfig
}

type OTLPTraceTLSConfig struct {
	Enabled bool
}

// MetricConfig defines configurations for serving Prometheus metrics.
type MetricConfig struct {
	Enabled bool
	Addr    string
}

// CacheConfig defines the store behind the authorization decision cache.
type CacheConfig struct {
	// Engine is 'memory' or 'redis'.
	Engine   string
	Addr     string
	Username string
	Password string
	DB       int

	// MaxSize bounds the in-memory cache.
	MaxSize int64
	TTL     time.Duration
}

// RateLimitConfig defines the limiter used by rateLimit steps. The 'redis'
// engine shares the connection of the redis cache.
type RateLimitConfig struct {
	Engine string
	Limit  int
	Window time.Duration
}

type Config struct {
	HTTP      HTTPConfig
	Authn     AuthnConfig
	Log       LogConfig
	Trace     TraceConfig
	Metrics   MetricConfig
	Cache     CacheConfig
	RateLimit RateLimitConfig

	// Environment is 'development' or 'production'. Error responses include
	// causes and stack traces outside production.
	Environment string

	// SlowStepThreshold is the duration above which instrumented steps are
	// logged as slow.
	SlowStepThreshold time.Duration

	// SeedFile is a YAML or JSON document of roles, policies and
	// relationships loaded at startup.
	SeedFile string

	Pipelines []registry.PipelineConfig
}

// IsProduction reports whether internals must be hidden from clients.
func (cfg *Config) IsProduction() bool {
	return cfg.Environment == EnvironmentProduction
}

func (cfg *Config) Verify() error {
	if cfg.Log.Format != "text" && cfg.Log.Format != "json" {
		return fmt.Errorf("config 'log.format' must be one of ['text', 'json']")
	}

	if cfg.Log.Level != "none" &&
		cfg.Log.Level != "debug" &&
		cfg.Log.Level != "info" &&
		cfg.Log.Level != "warn" &&
		cfg.Log.Level != "error" &&
		cfg.Log.Level != "panic" &&
		cfg.Log.Level != "fatal" {
		return fmt.Errorf(
			"config 'log.level' must be one of ['none', 'debug', 'info', 'warn', 'error', 'panic', 'fatal']",
		)
	}

	if cfg.Log.TimestampFormat != "Unix" && cfg.Log.TimestampFormat != "ISO8601" {
		return fmt.Errorf("config 'log.TimestampFormat' must be one of ['Unix', 'ISO8601']")
	}

	if cfg.Environment != EnvironmentDevelopment && cfg.Environment != EnvironmentProduction {
		return fmt.Errorf("config 'environment' must be one of ['development', 'production']")
	}

	if cfg.HTTP.TLS != nil && cfg.HTTP.TLS.Enabled {
		if cfg.HTTP.TLS.CertPath == "" || cfg.HTTP.TLS.KeyPath == "" {
			return errors.New("'http.tls.cert' and 'http.tls.key' configs must be set")
		}
	}

	if cfg.HTTP.MaxBodyBytes <= 0 {
		return errors.New("config 'http.maxBodyBytes' must be a positive integer")
	}

	switch cfg.Authn.Method {
	case AuthnMethodNone:
	case AuthnMethodHMAC:
		if cfg.Authn.AuthnHMACConfig == nil || cfg.Authn.AuthnHMACConfig.Secret == "" {
			return errors.New("'authn.hmac.secret' must be set when 'authn.method' is 'hmac'")
		}
	case AuthnMethodOIDC:
		if cfg.Authn.AuthnOIDCConfig == nil || cfg.Authn.AuthnOIDCConfig.Issuer == "" || cfg.Authn.AuthnOIDCConfig.Audience == "" {
			return errors.New("'authn.oidc.issuer' and 'authn.oidc.audience' must be set when 'authn.method' is 'oidc'")
		}
	default:
		return fmt.Errorf("config 'authn.method' must be one of ['none', 'hmac', 'oidc']")
	}

	switch cfg.Cache.Engine {
	case EngineMemory:
		if cfg.Cache.MaxSize <= 0 {
			return errors.New("config 'cache.maxSize' must be a positive integer")
		}
	case EngineRedis:
		if cfg.Cache.Addr == "" {
			return errors.New("'cache.addr' must be set when 'cache.engine' is 'redis'")
		}
	default:
		return fmt.Errorf("config 'cache.engine' must be one of ['memory', 'redis']")
	}

	if cfg.Cache.TTL <= 0 {
		return errors.New("config 'cache.ttl' must be a positive duration")
	}

	switch cfg.RateLimit.Engine {
	case EngineMemory:
	case EngineRedis:
		if cfg.Cache.Engine != EngineRedis {
			return errors.New("'rateLimit.engine' redis requires 'cache.engine' redis")
		}
	default:
		return fmt.Errorf("config 'rateLimit.engine' must be one of ['memory', 'redis']")
	}

	if cfg.RateLimit.Limit <= 0 || cfg.RateLimit.Window <= 0 {
		return errors.New("'rateLimit.limit' and 'rateLimit.window' must be positive")
	}

	if cfg.SlowStepThreshold < 0 {
		return errors.New("config 'slowStepThreshold' cannot be negative")
	}

	names := make([]string, 0, len(cfg.Pipelines))
	for _, p := range cfg.Pipelines {
		if p.Name == "" {
			return errors.New("every pipeline must have a name")
		}
		if slices.Contains(names, p.Name) {
			return fmt.Errorf("pipeline %q is declared more than once", p.Name)
		}
		names = append(names, p.Name)
	}

	return nil
}

// DefaultPipelines declares the pipelines served by the built-in routes.
func DefaultPipelines() []registry.PipelineConfig {
	return []registry.PipelineConfig{
		{
			Name: "createUser",
			Steps: []registry.StepConfig{
				{Kind: registry.KindRequestContext},
				{Kind: registry.KindCancellation},
				{Kind: registry.KindAuthenticate},
				{Kind: registry.KindRateLimit},
				{Kind: registry.KindRequireRoles, Roles: []string{"admin"}},
				{Kind: registry.KindValidate, Schema: []validation.Rule{
					{Field: "name", Required: true, Type: validation.TypeString, MinLength: 2, MaxLength: 100},
					{Field: "email", Required: true, Type: validation.TypeString, Format: "email"},
					{Field: "role", Type: validation.TypeString, OneOf: []string{"admin", "user"}, Default: "user"},
				}},
				{Kind: registry.KindTransactional, Steps: []registry.StepConfig{
					{Kind: registry.KindSnapshot, Label: "validated"},
				}},
			},
		},
		{
			Name: "readDocument",
			Steps: []registry.StepConfig{
				{Kind: registry.KindRequestContext},
				{Kind: registry.KindCancellation},
				{Kind: registry.KindAuthenticate},
				{Kind: registry.KindRateLimit},
				{Kind: registry.KindAuthorize, Action: "read", ResourceType: "document", Param: "id"},
			},
		},
		{
			Name: "revokeToken",
			Steps: []registry.StepConfig{
				{Kind: registry.KindRequestContext},
				{Kind: registry.KindAuthenticate},
			},
		},
		{
			Name: "evaluate",
			Steps: []registry.StepConfig{
				{Kind: registry.KindRequestContext},
				{Kind: registry.KindAuthenticate},
				{Kind: registry.KindValidate, Schema: []validation.Rule{
					{Field: "action", Required: true, Type: validation.TypeString},
					{Field: "resource", Required: true, Type: validation.TypeObject},
				}},
				{Kind: registry.KindWhen, Slot: string(pipeline.SlotPayload), Steps: []registry.StepConfig{
					{Kind: registry.KindAuthorize, Name: "evaluate", ActionField: "action", ResourceField: "resource", ReportOnly: true},
				}},
			},
		},
	}
}

// DefaultConfig is the authpipe server default configurations.
func DefaultConfig() *Config {
	return &Config{
		HTTP: HTTPConfig{
			Addr:               "0.0.0.0:8080",
			TLS:                &TLSConfig{Enabled: false},
			CORSAllowedOrigins: []string{"*"},
			CORSAllowedHeaders: []string{"*"},
			MaxBodyBytes:       DefaultMaxBodyBytes,
			RequestTimeout:     DefaultRequestTimeout,
			ShutdownTimeout:    DefaultShutdownTimeout,
		},
		Authn: AuthnConfig{
			Method:          AuthnMethodNone,
			AuthnHMACConfig: &AuthnHMACConfig{},
			AuthnOIDCConfig: &AuthnOIDCConfig{},
			DenylistSize:    DefaultDenylistSize,
		},
		Log: LogConfig{
			Format:          "text",
			Level:           "info",
			TimestampFormat: "Unix",
		},
		Trace: TraceConfig{
			Enabled: false,
			OTLP: OTLPTraceConfig{
				Endpoint: "0.0.0.0:4317",
				TLS: OTLPTraceTLSConfig{
					Enabled: false,
				},
			},
			SampleRatio: 0.2,
			ServiceName: "authpipe",
		},
		Metrics: MetricConfig{
			Enabled: true,
			Addr:    "0.0.0.0:2112",
		},
		Cache: CacheConfig{
			Engine:  EngineMemory,
			MaxSize: DefaultCacheMaxSize,
			TTL:     DefaultCacheTTL,
		},
		RateLimit: RateLimitConfig{
			Engine: EngineMemory,
			Limit:  DefaultRateLimit,
			Window: DefaultRateLimitWindow,
		},
		Environment:       EnvironmentDevelopment,
		SlowStepThreshold: pipeline.DefaultSlowStepThreshold,
		Pipelines:         DefaultPipelines(),
	}
}

// MustDefaultConfig returns default server config with metrics turned off.
func MustDefaultConfig() *Config {
	config := DefaultConfig()

	config.Metrics.Enabled = false

	return config
}
