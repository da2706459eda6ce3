package run

import (
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/authpipe/authpipe/cmd/util"
)

// bindRunFlagsFunc binds the cobra cmd flags to the equivalent config value being managed
// by viper. This bridges the config between cobra flags and viper flags.
func bindRunFlagsFunc(flags *pflag.FlagSet) func(*cobra.Command, []string) {
	return func(command *cobra.Command, args []string) {
		util.MustBindPFlag("http.addr", flags.Lookup("http-addr"))
		util.MustBindEnv("http.addr", "AUTHPIPE_HTTP_ADDR")

		util.MustBindPFlag("http.tls.enabled", flags.Lookup("http-tls-enabled"))
		util.MustBindEnv("http.tls.enabled", "AUTHPIPE_HTTP_TLS_ENABLED")

		util.MustBindPFlag("http.tls.cert", flags.Lookup("http-tls-cert"))
		util.MustBindEnv("http.tls.cert", "AUTHPIPE_HTTP_TLS_CERT")

		util.MustBindPFlag("http.tls.key", flags.Lookup("http-tls-key"))
		util.MustBindEnv("http.tls.key", "AUTHPIPE_HTTP_TLS_KEY")

		command.MarkFlagsRequiredTogether("http-tls-enabled", "http-tls-cert", "http-tls-key")

		util.MustBindPFlag("http.corsAllowedOrigins", flags.Lookup("http-cors-allowed-origins"))
		util.MustBindEnv("http.corsAllowedOrigins", "AUTHPIPE_HTTP_CORS_ALLOWED_ORIGINS", "AUTHPIPE_HTTP_CORSALLOWEDORIGINS")

		util.MustBindPFlag("http.corsAllowedHeaders", flags.Lookup("http-cors-allowed-headers"))
		util.MustBindEnv("http.corsAllowedHeaders", "AUTHPIPE_HTTP_CORS_ALLOWED_HEADERS", "AUTHPIPE_HTTP_CORSALLOWEDHEADERS")

		util.MustBindPFlag("http.maxBodyBytes", flags.Lookup("http-max-body-bytes"))
		util.MustBindEnv("http.maxBodyBytes", "AUTHPIPE_HTTP_MAX_BODY_BYTES", "AUTHPIPE_HTTP_MAXBODYBYTES")

		util.MustBindPFlag("http.requestTimeout", flags.Lookup("http-request-timeout"))
		util.MustBindEnv("http.requestTimeout", "AUTHPIPE_HTTP_REQUEST_TIMEOUT", "AUTHPIPE_HTTP_REQUESTTIMEOUT")

		util.MustBindPFlag("http.shutdownTimeout", flags.Lookup("http-shutdown-timeout"))
		util.MustBindEnv("http.shutdownTimeout", "AUTHPIPE_HTTP_SHUTDOWN_TIMEOUT", "AUTHPIPE_HTTP_SHUTDOWNTIMEOUT")

		util.MustBindPFlag("http.trustForwardedFor", flags.Lookup("http-trust-forwarded-for"))
		util.MustBindEnv("http.trustForwardedFor", "AUTHPIPE_HTTP_TRUST_FORWARDED_FOR", "AUTHPIPE_HTTP_TRUSTFORWARDEDFOR")

		util.MustBindPFlag("authn.method", flags.Lookup("authn-method"))
		util.MustBindEnv("authn.method", "AUTHPIPE_AUTHN_METHOD")

		util.MustBindPFlag("authn.hmac.secret", flags.Lookup("authn-hmac-secret"))
		util.MustBindEnv("authn.hmac.secret", "AUTHPIPE_AUTHN_HMAC_SECRET")

		util.MustBindPFlag("authn.hmac.issuer", flags.Lookup("authn-hmac-issuer"))
		util.MustBindEnv("authn.hmac.issuer", "AUTHPIPE_AUTHN_HMAC_ISSUER")

		util.MustBindPFlag("authn.hmac.audience", flags.Lookup("authn-hmac-audience"))
		util.MustBindEnv("authn.hmac.audience", "AUTHPIPE_AUTHN_HMAC_AUDIENCE")

		util.MustBindPFlag("authn.oidc.issuer", flags.Lookup("authn-oidc-issuer"))
		util.MustBindEnv("authn.oidc.issuer", "AUTHPIPE_AUTHN_OIDC_ISSUER")

		util.MustBindPFlag("authn.oidc.audience", flags.Lookup("authn-oidc-audience"))
		util.MustBindEnv("authn.oidc.audience", "AUTHPIPE_AUTHN_OIDC_AUDIENCE")

		util.MustBindPFlag("authn.denylistSize", flags.Lookup("authn-denylist-size"))
		util.MustBindEnv("authn.denylistSize", "AUTHPIPE_AUTHN_DENYLIST_SIZE", "AUTHPIPE_AUTHN_DENYLISTSIZE")

		util.MustBindPFlag("cache.engine", flags.Lookup("cache-engine"))
		util.MustBindEnv("cache.engine", "AUTHPIPE_CACHE_ENGINE")

		util.MustBindPFlag("cache.addr", flags.Lookup("cache-addr"))
		util.MustBindEnv("cache.addr", "AUTHPIPE_CACHE_ADDR")

		util.MustBindPFlag("cache.username", flags.Lookup("cache-username"))
		util.MustBindEnv("cache.username", "AUTHPIPE_CACHE_USERNAME")

		util.MustBindPFlag("cache.password", flags.Lookup("cache-password"))
		util.MustBindEnv("cache.password", "AUTHPIPE_CACHE_PASSWORD")

		util.MustBindPFlag("cache.db", flags.Lookup("cache-db"))
		util.MustBindEnv("cache.db", "AUTHPIPE_CACHE_DB")

		util.MustBindPFlag("cache.maxSize", flags.Lookup("cache-max-size"))
		util.MustBindEnv("cache.maxSize", "AUTHPIPE_CACHE_MAX_SIZE", "AUTHPIPE_CACHE_MAXSIZE")

		util.MustBindPFlag("cache.ttl", flags.Lookup("cache-ttl"))
		util.MustBindEnv("cache.ttl", "AUTHPIPE_CACHE_TTL")

		util.MustBindPFlag("rateLimit.engine", flags.Lookup("rate-limit-engine"))
		util.MustBindEnv("rateLimit.engine", "AUTHPIPE_RATE_LIMIT_ENGINE", "AUTHPIPE_RATELIMIT_ENGINE")

		util.MustBindPFlag("rateLimit.limit", flags.Lookup("rate-limit-limit"))
		util.MustBindEnv("rateLimit.limit", "AUTHPIPE_RATE_LIMIT_LIMIT", "AUTHPIPE_RATELIMIT_LIMIT")

		util.MustBindPFlag("rateLimit.window", flags.Lookup("rate-limit-window"))
		util.MustBindEnv("rateLimit.window", "AUTHPIPE_RATE_LIMIT_WINDOW", "AUTHPIPE_RATELIMIT_WINDOW")

		util.MustBindPFlag("log.format", flags.Lookup("log-format"))
		util.MustBindEnv("log.format", "AUTHPIPE_LOG_FORMAT")

		util.MustBindPFlag("log.level", flags.Lookup("log-level"))
		util.MustBindEnv("log.level", "AUTHPIPE_LOG_LEVEL")

		util.MustBindPFlag("log.timestampFormat", flags.Lookup("log-timestamp-format"))
		util.MustBindEnv("log.timestampFormat", "AUTHPIPE_LOG_TIMESTAMP_FORMAT")

		util.MustBindPFlag("trace.enabled", flags.Lookup("trace-enabled"))
		util.MustBindEnv("trace.enabled", "AUTHPIPE_TRACE_ENABLED")

		util.MustBindPFlag("trace.otlp.endpoint", flags.Lookup("trace-otlp-endpoint"))
		util.MustBindEnv("trace.otlp.endpoint", "AUTHPIPE_TRACE_OTLP_ENDPOINT")

		util.MustBindPFlag("trace.otlp.tls.enabled", flags.Lookup("trace-otlp-tls-enabled"))
		util.MustBindEnv("trace.otlp.tls.enabled", "AUTHPIPE_TRACE_OTLP_TLS_ENABLED")

		util.MustBindPFlag("trace.sampleRatio", flags.Lookup("trace-sample-ratio"))
		util.MustBindEnv("trace.sampleRatio", "AUTHPIPE_TRACE_SAMPLE_RATIO")

		util.MustBindPFlag("trace.serviceName", flags.Lookup("trace-service-name"))
		util.MustBindEnv("trace.serviceName", "AUTHPIPE_TRACE_SERVICE_NAME")

		util.MustBindPFlag("metrics.enabled", flags.Lookup("metrics-enabled"))
		util.MustBindEnv("metrics.enabled", "AUTHPIPE_METRICS_ENABLED")

		util.MustBindPFlag("metrics.addr", flags.Lookup("metrics-addr"))
		util.MustBindEnv("metrics.addr", "AUTHPIPE_METRICS_ADDR")

		util.MustBindPFlag("environment", flags.Lookup("environment"))
		util.MustBindEnv("environment", "AUTHPIPE_ENVIRONMENT")

		util.MustBindPFlag("slowStepThreshold", flags.Lookup("slow-step-threshold"))
		util.MustBindEnv("slowStepThreshold", "AUTHPIPE_SLOW_STEP_THRESHOLD", "AUTHPIPE_SLOWSTEPTHRESHOLD")

		util.MustBindPFlag("seedFile", flags.Lookup("seed-file"))
		util.MustBindEnv("seedFile", "AUTHPIPE_SEED_FILE", "AUTHPIPE_SEEDFILE")
	}
}
