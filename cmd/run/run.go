// Package run contains the command to run an authpipe server.
package run

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	goruntime "runtime"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.opentelemetry.io/otel"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/zap"

	"github.com/authpipe/authpipe/internal/build"
	"github.com/authpipe/authpipe/internal/server"
	serverconfig "github.com/authpipe/authpipe/internal/server/config"
	"github.com/authpipe/authpipe/pkg/logger"
	"github.com/authpipe/authpipe/pkg/telemetry"
)

func NewRunCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the authpipe server",
		Long:  "Run the authpipe server.",
		Run:   run,
		Args:  cobra.NoArgs,
	}

	defaultConfig := serverconfig.DefaultConfig()
	flags := cmd.Flags()

	flags.String("http-addr", defaultConfig.HTTP.Addr, "the host:port address to serve the HTTP server on")

	flags.Bool("http-tls-enabled", defaultConfig.HTTP.TLS.Enabled, "enable/disable transport layer security (TLS)")

	flags.String("http-tls-cert", defaultConfig.HTTP.TLS.CertPath, "the (absolute) file path of the certificate to use for the TLS connection")

	flags.String("http-tls-key", defaultConfig.HTTP.TLS.KeyPath, "the (absolute) file path of the TLS key that should be used for the TLS connection")

	flags.StringSlice("http-cors-allowed-origins", defaultConfig.HTTP.CORSAllowedOrigins, "specifies the CORS allowed origins")

	flags.StringSlice("http-cors-allowed-headers", defaultConfig.HTTP.CORSAllowedHeaders, "specifies the CORS allowed headers")

	flags.Int64("http-max-body-bytes", defaultConfig.HTTP.MaxBodyBytes, "the maximum size in bytes of a JSON request body")

	flags.Duration("http-request-timeout", defaultConfig.HTTP.RequestTimeout, "the deadline applied to every request. Pipelines with a cancellation step fail with CANCELLED once it passes. 0 disables it")

	flags.Duration("http-shutdown-timeout", defaultConfig.HTTP.ShutdownTimeout, "how long in-flight requests may run after a shutdown signal")

	flags.Bool("http-trust-forwarded-for", defaultConfig.HTTP.TrustForwardedFor, "read the client IP from the X-Forwarded-For header. Enable it only behind a proxy that sets it")

	flags.String("authn-method", defaultConfig.Authn.Method, "the authentication method to use ('none', 'hmac' or 'oidc')")

	flags.String("authn-hmac-secret", defaultConfig.Authn.AuthnHMACConfig.Secret, "the shared secret HS256 tokens are signed with")

	flags.String("authn-hmac-issuer", defaultConfig.Authn.AuthnHMACConfig.Issuer, "the issuer HS256 tokens must carry in 'iss'. If empty, any issuer is accepted")

	flags.String("authn-hmac-audience", defaultConfig.Authn.AuthnHMACConfig.Audience, "the audience HS256 tokens must carry in 'aud'. If empty, any audience is accepted")

	flags.String("authn-oidc-issuer", defaultConfig.Authn.AuthnOIDCConfig.Issuer, "the OIDC issuer (authorization server) signing the tokens, and where the keys will be fetched from")

	flags.String("authn-oidc-audience", defaultConfig.Authn.AuthnOIDCConfig.Audience, "the OIDC audience of the tokens being signed by the authorization server")

	flags.Int64("authn-denylist-size", defaultConfig.Authn.DenylistSize, "the maximum number of revoked tokens kept by the in-memory denylist")

	flags.String("cache-engine", defaultConfig.Cache.Engine, "the cache backing decisions and the token denylist ('memory' or 'redis')")

	flags.String("cache-addr", defaultConfig.Cache.Addr, "the host:port address of the redis server (for the 'redis' engine)")

	flags.String("cache-username", "", "the username used to authenticate with the redis server")

	flags.String("cache-password", "", "the password used to authenticate with the redis server")

	flags.Int("cache-db", defaultConfig.Cache.DB, "the redis database to select")

	flags.Int64("cache-max-size", defaultConfig.Cache.MaxSize, "the maximum number of entries held by the 'memory' cache before evicting old keys")

	flags.Duration("cache-ttl", defaultConfig.Cache.TTL, "how long authorization decisions are cached")

	flags.String("rate-limit-engine", defaultConfig.RateLimit.Engine, "the rate limiter backend ('memory' or 'redis'). 'redis' requires the 'redis' cache engine")

	flags.Int("rate-limit-limit", defaultConfig.RateLimit.Limit, "the number of requests a subject may make per window")

	flags.Duration("rate-limit-window", defaultConfig.RateLimit.Window, "the sliding window the rate limit applies to")

	flags.String("log-format", defaultConfig.Log.Format, "the log format to output logs in")

	flags.String("log-level", defaultConfig.Log.Level, "the log level to use")

	flags.String("log-timestamp-format", defaultConfig.Log.TimestampFormat, "the timestamp format to use for log messages")

	flags.Bool("trace-enabled", defaultConfig.Trace.Enabled, "enable tracing")

	flags.String("trace-otlp-endpoint", defaultConfig.Trace.OTLP.Endpoint, "the endpoint of the trace collector")

	flags.Bool("trace-otlp-tls-enabled", defaultConfig.Trace.OTLP.TLS.Enabled, "use TLS connection for trace collector")

	flags.Float64("trace-sample-ratio", defaultConfig.Trace.SampleRatio, "the fraction of traces to sample. 1 means all, 0 means none.")

	flags.String("trace-service-name", defaultConfig.Trace.ServiceName, "the service name included in sampled traces.")

	flags.Bool("metrics-enabled", defaultConfig.Metrics.Enabled, "enable/disable prometheus metrics on the '/metrics' endpoint")

	flags.String("metrics-addr", defaultConfig.Metrics.Addr, "the host:port address to serve the prometheus metrics server on")

	flags.String("environment", defaultConfig.Environment, "the deployment environment ('development' or 'production'). Error responses only include causes and stack traces outside production")

	flags.Duration("slow-step-threshold", defaultConfig.SlowStepThreshold, "the duration above which instrumented pipeline steps are logged as slow")

	flags.String("seed-file", defaultConfig.SeedFile, "a YAML or JSON file of roles, policies and relationships loaded at startup. If empty, a built-in seed is used")

	// NOTE: if you add a new flag here, update the function below, too

	cmd.PreRun = bindRunFlagsFunc(flags)

	return cmd
}

// ReadConfig returns the authpipe server configuration based on the values provided in the server's 'config.yaml' file.
// The 'config.yaml' file is loaded from '/etc/authpipe', '$HOME/.authpipe', or the current working directory. If no configuration
// file is present, the default values are returned.
func ReadConfig() (*serverconfig.Config, error) {
	config := serverconfig.DefaultConfig()

	viper.SetTypeByDefaultValue(true)
	err := viper.ReadInConfig()
	if err != nil {
		if !errors.As(err, &viper.ConfigFileNotFoundError{}) {
			return nil, fmt.Errorf("failed to load server config: %w", err)
		}
	}

	// a configured list replaces the default pipelines instead of merging
	// into them element by element
	if viper.IsSet("pipelines") {
		config.Pipelines = nil
	}

	if err := viper.Unmarshal(config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal server config: %w", err)
	}

	return config, nil
}

func run(_ *cobra.Command, _ []string) {
	config, err := ReadConfig()
	if err != nil {
		panic(err)
	}

	if err := config.Verify(); err != nil {
		panic(err)
	}

	logger := logger.MustNewLogger(config.Log.Format, config.Log.Level, config.Log.TimestampFormat)
	serverCtx := &ServerContext{Logger: logger}
	if err := serverCtx.Run(context.Background(), config); err != nil {
		panic(err)
	}
}

type ServerContext struct {
	Logger logger.Logger

	// ready is closed once the HTTP listener accepts connections.
	ready chan struct{}
	addr  net.Addr
}

// telemetryConfig returns the function that must be called to shut down tracing.
// The context provided to this function should be error-free, or shut down will be incomplete.
func (s *ServerContext) telemetryConfig(config *serverconfig.Config) func() error {
	if config.Trace.Enabled {
		s.Logger.Info(fmt.Sprintf("🕵 tracing enabled: sampling ratio is %v and sending traces to '%s', tls: %t", config.Trace.SampleRatio, config.Trace.OTLP.Endpoint, config.Trace.OTLP.TLS.Enabled))

		options := []telemetry.TracerOption{
			telemetry.WithOTLPEndpoint(
				config.Trace.OTLP.Endpoint,
			),
			telemetry.WithAttributes(
				semconv.ServiceNameKey.String(config.Trace.ServiceName),
				semconv.ServiceVersionKey.String(build.Version),
			),
			telemetry.WithSamplingRatio(config.Trace.SampleRatio),
		}

		if !config.Trace.OTLP.TLS.Enabled {
			options = append(options, telemetry.WithOTLPInsecure())
		}

		tp := telemetry.MustNewTracerProvider(options...)
		return func() error {
			// the batch span processor may take up to 5 seconds to flush
			ctx, cancel := context.WithTimeout(context.Background(), 6*time.Second)
			defer cancel()
			return errors.Join(tp.ForceFlush(ctx), tp.Shutdown(ctx))
		}
	}
	otel.SetTracerProvider(noop.NewTracerProvider())
	return func() error {
		return nil
	}
}

func (s *ServerContext) runMetricsServer(config *serverconfig.Config) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	metricsServer := &http.Server{Addr: config.Metrics.Addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		s.Logger.Info(fmt.Sprintf("📈 starting prometheus metrics server on '%s'", config.Metrics.Addr))
		if err := metricsServer.ListenAndServe(); err != nil {
			if !errors.Is(err, http.ErrServerClosed) {
				s.Logger.Fatal("failed to start prometheus metrics server", zap.Error(err))
			}
		}
		s.Logger.Info("metrics server shut down.")
	}()

	return metricsServer
}

func (s *ServerContext) runHTTPServer(config *serverconfig.Config, handler http.Handler) (*http.Server, error) {
	httpServer := &http.Server{
		Addr:              config.HTTP.Addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	listener, err := net.Listen("tcp", config.HTTP.Addr)
	if err != nil {
		return nil, err
	}

	if config.HTTP.TLS.Enabled {
		cert, err := tls.LoadX509KeyPair(config.HTTP.TLS.CertPath, config.HTTP.TLS.KeyPath)
		if err != nil {
			_ = listener.Close()
			return nil, fmt.Errorf("failed to load TLS certificate: %w", err)
		}
		listener = tls.NewListener(listener, &tls.Config{
			Certificates: []tls.Certificate{cert},
			MinVersion:   tls.VersionTLS12,
		})

		s.Logger.Info("HTTP TLS is enabled, serving connections using the provided certificate")
	} else {
		s.Logger.Warn("HTTP TLS is disabled, serving connections using insecure plaintext")
	}

	s.addr = listener.Addr()

	go func() {
		s.Logger.Info(fmt.Sprintf("🚀 starting HTTP server on '%s'...", listener.Addr().String()))
		if err := httpServer.Serve(listener); err != nil {
			if !errors.Is(err, http.ErrServerClosed) {
				s.Logger.Fatal("HTTP server closed with unexpected error", zap.Error(err))
			}
		}
		s.Logger.Info("HTTP server shut down.")
	}()
	return httpServer, nil
}

// Run serves the configured pipelines until ctx is cancelled or the process
// receives a termination signal, then shuts down gracefully.
func (s *ServerContext) Run(ctx context.Context, config *serverconfig.Config) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	tracerProviderCloser := s.telemetryConfig(config)

	svr, err := server.New(ctx, config, server.WithLogger(s.Logger))
	if err != nil {
		_ = tracerProviderCloser()
		return err
	}

	var metricsServer *http.Server
	if config.Metrics.Enabled {
		metricsServer = s.runMetricsServer(config)
	}

	s.Logger.Info(
		"starting authpipe service...",
		zap.String("version", build.Version),
		zap.String("date", build.Date),
		zap.String("commit", build.Commit),
		zap.String("go-version", goruntime.Version()),
		zap.String("environment", config.Environment),
		zap.Int("pipelines", len(config.Pipelines)),
	)

	httpServer, err := s.runHTTPServer(config, svr.Handler())
	if err != nil {
		_ = svr.Close()
		_ = tracerProviderCloser()
		return err
	}
	if s.ready != nil {
		close(s.ready)
	}

	// wait for cancellation signal
	<-ctx.Done()
	s.Logger.Info("attempting to shutdown gracefully...")

	ctx, cancel := context.WithTimeout(context.Background(), config.HTTP.ShutdownTimeout)
	defer cancel()

	if err := httpServer.Shutdown(ctx); err != nil {
		s.Logger.Info("failed to shutdown the http server", zap.Error(err))
	}

	if metricsServer != nil {
		if err := metricsServer.Shutdown(ctx); err != nil {
			s.Logger.Info("failed to shutdown the prometheus metrics server", zap.Error(err))
		}
	}

	if err := svr.Close(); err != nil {
		s.Logger.Error("failed to release server resources", zap.Error(err))
	}

	if err := tracerProviderCloser(); err != nil {
		s.Logger.Error("failed to shutdown tracing", zap.Error(err))
	}

	s.Logger.Info("server exited. goodbye 👋")

	return nil
}
