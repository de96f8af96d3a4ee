// Package cfg binds service configuration to flags, environment variables and
// an optional TOML file. Precedence: cli flag > env var > file > default.
package cfg

import (
	"errors"
	"flag"
	"fmt"
	"net"
	"net/url"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/keithlinneman/linnemanlabs-sites/internal/log"
)

const (
	StorageLocal = "local"
	StorageS3    = "s3"
)

type App struct {
	ConfigFile string

	LogJSON           bool
	LogLevel          string
	StacktraceLevel   string
	IncludeErrorLinks bool
	MaxErrorLinks     int

	HTTPPort    int
	AdminPort   int
	TrustedHops int

	EnablePprof     bool
	EnablePyroscope bool
	EnableTracing   bool
	PyroServer      string
	PyroTenantID    string
	OTLPEndpoint    string
	TraceSample     float64

	DatabaseURL    string
	DBMaxOpenConns int

	Storage    string
	StorageDir string
	S3Bucket   string
	S3Prefix   string

	JWTSecret         string
	JWTSecretSSMParam string
	JWTTTL            time.Duration

	MaxUsers        int
	MaxSitesPerUser int
	MaxBodyBytes    int64

	SweepInterval    time.Duration
	AdmissionQueue   int
	AdmissionTimeout time.Duration
	RequestTimeout   time.Duration
	DrainPeriod      time.Duration
}

// Register binds all config fields to the given FlagSet with defaults inline
func Register(fs *flag.FlagSet, c *App) {
	fs.StringVar(&c.ConfigFile, "config", "", "optional TOML config file; keys are flag names")

	fs.BoolVar(&c.LogJSON, "log-json", true, "JSON logs (true) or logfmt (false)")
	fs.StringVar(&c.LogLevel, "log-level", "info", "debug|info|warn|error")
	fs.StringVar(&c.StacktraceLevel, "stacktrace-level", "error", "debug|info|warn|error")
	fs.BoolVar(&c.IncludeErrorLinks, "include-error-links", true, "Include error links in log messages")
	fs.IntVar(&c.MaxErrorLinks, "max-error-links", 5, "max error chain depth (1..64)")

	fs.IntVar(&c.HTTPPort, "http-port", 8080, "listen TCP port (1..65535)")
	fs.IntVar(&c.AdminPort, "admin-port", 9000, "admin listen TCP port (1..65535)")
	fs.IntVar(&c.TrustedHops, "trusted-hops", 0, "number of trusted proxies in front of the service for X-Forwarded-For")

	fs.BoolVar(&c.EnablePprof, "enable-pprof", true, "Enable pprof profiling (on admin port only)")
	fs.BoolVar(&c.EnableTracing, "enable-tracing", false, "Enable OTLP tracing and push to otlp-endpoint")
	fs.BoolVar(&c.EnablePyroscope, "enable-pyroscope", false, "Enable pushing Pyroscope data to server set in -pyro-server")
	fs.StringVar(&c.PyroServer, "pyro-server", "", "pyroscope server url to push to")
	fs.StringVar(&c.PyroTenantID, "pyro-tenant", "", "tenant (x-scope-orgid) to use for pyro-server")
	fs.StringVar(&c.OTLPEndpoint, "otlp-endpoint", "", "OTLP endpoint to push to (gRPC) (host:port)")
	fs.Float64Var(&c.TraceSample, "trace-sample", 0.0, "trace sampling ratio (0..1)")

	fs.StringVar(&c.DatabaseURL, "database-url", "", "postgres connection url; empty keeps all state in memory")
	fs.IntVar(&c.DBMaxOpenConns, "db-max-open-conns", 10, "max open database connections")

	fs.StringVar(&c.Storage, "storage", StorageLocal, "durable storage backend (local|s3)")
	fs.StringVar(&c.StorageDir, "storage-dir", "uploads", "root directory for local storage")
	fs.StringVar(&c.S3Bucket, "s3-bucket", "", "bucket for s3 storage")
	fs.StringVar(&c.S3Prefix, "s3-prefix", "sites", "key prefix for s3 storage")

	fs.StringVar(&c.JWTSecret, "jwt-secret", "", "HMAC secret for access tokens")
	fs.StringVar(&c.JWTSecretSSMParam, "jwt-secret-ssm-param", "", "ssm parameter holding the access token secret")
	fs.DurationVar(&c.JWTTTL, "jwt-ttl", 24*time.Hour, "access token lifetime")

	fs.IntVar(&c.MaxUsers, "max-users", 0, "max registered accounts (0 = unlimited)")
	fs.IntVar(&c.MaxSitesPerUser, "max-sites-per-user", 0, "max tenants per account (0 = unlimited)")
	fs.Int64Var(&c.MaxBodyBytes, "max-body-bytes", 100<<20, "max request body size in bytes")

	fs.DurationVar(&c.SweepInterval, "sweep-interval", 60*time.Second, "interval between obsolete file sweeps")
	fs.IntVar(&c.AdmissionQueue, "admission-queue", 100, "pending cross-origin lookups before requests are refused")
	fs.DurationVar(&c.AdmissionTimeout, "admission-timeout", 5*time.Second, "max wait for a cross-origin decision")
	fs.DurationVar(&c.RequestTimeout, "request-timeout", 10*time.Second, "handler timeout for api requests")
	fs.DurationVar(&c.DrainPeriod, "drain-period", 60*time.Second, "time to keep serving after readiness fails on shutdown")
}

// FillFromEnv sets any flag not explicitly passed on the CLI from
// environment variables. Flag "foo-bar" maps to PREFIX_FOO_BAR.
// Precedence: cli flag > env var > default.
func FillFromEnv(fs *flag.FlagSet, prefix string, logf func(string, ...any)) {
	explicit := setFlags(fs)

	fs.VisitAll(func(f *flag.Flag) {
		key := EnvKey(prefix, f.Name)
		envVal, ok := os.LookupEnv(key)
		if !ok {
			return
		}
		if explicit[f.Name] {
			logIf(logf, "flag -%s: cli value %q overrides env %s=%q", f.Name, f.Value.String(), key, envVal)
			return
		}
		prev := f.Value.String()
		if err := fs.Set(f.Name, envVal); err != nil {
			_ = fs.Set(f.Name, prev)
			logIf(logf, "flag -%s: ignoring invalid env %s=%q: %v", f.Name, key, envVal, err)
		}
	})
}

// FillFromFile applies values from a TOML file to flags that are still at
// their defaults. Call it after FillFromEnv so cli and env both win. Keys may
// use '-' or '_'; unknown keys and unparsable values are errors.
func FillFromFile(fs *flag.FlagSet, path string, logf func(string, ...any)) error {
	if path == "" {
		return nil
	}
	var raw map[string]any
	if _, err := toml.DecodeFile(path, &raw); err != nil {
		return fmt.Errorf("read config file %s: %w", path, err)
	}
	set := setFlags(fs)

	keys := make([]string, 0, len(raw))
	for k := range raw {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var errs []error
	for _, k := range keys {
		name := strings.ReplaceAll(strings.ToLower(k), "_", "-")
		f := fs.Lookup(name)
		if f == nil || name == "config" {
			errs = append(errs, fmt.Errorf("config file %s: unknown key %q", path, k))
			continue
		}
		if set[name] {
			logIf(logf, "flag -%s: cli/env value %q overrides config file", name, f.Value.String())
			continue
		}
		val, err := scalar(raw[k])
		if err != nil {
			errs = append(errs, fmt.Errorf("config file %s: key %q: %w", path, k, err))
			continue
		}
		if err := fs.Set(name, val); err != nil {
			errs = append(errs, fmt.Errorf("config file %s: key %q: %w", path, k, err))
		}
	}
	return errors.Join(errs...)
}

// EnvKey maps a flag name to its environment variable.
func EnvKey(prefix, flagName string) string {
	return prefix + strings.ReplaceAll(strings.ToUpper(flagName), "-", "_")
}

func setFlags(fs *flag.FlagSet) map[string]bool {
	m := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) { m[f.Name] = true })
	return m
}

func scalar(v any) (string, error) {
	switch x := v.(type) {
	case string, bool, int64, float64:
		return fmt.Sprint(x), nil
	case time.Duration:
		return x.String(), nil
	default:
		return "", fmt.Errorf("unsupported value type %T", v)
	}
}

func logIf(logf func(string, ...any), format string, args ...any) {
	if logf != nil {
		logf(format, args...)
	}
}

// Validate checks that config values are within expected ranges and formats.
// Returns an error describing all invalid fields, or nil if all valid.
func Validate(c App) error {
	var errs []error
	add := func(format string, args ...any) { errs = append(errs, fmt.Errorf(format, args...)) }

	// Ports
	if c.HTTPPort < 1 || c.HTTPPort > 65535 {
		add("invalid HTTP_PORT %d (must be 1..65535)", c.HTTPPort)
	}
	if c.AdminPort < 1 || c.AdminPort > 65535 {
		add("invalid ADMIN_PORT %d (must be 1..65535)", c.AdminPort)
	}
	if c.AdminPort == c.HTTPPort {
		add("ADMIN_PORT and HTTP_PORT must differ (both %d)", c.HTTPPort)
	}
	if c.TrustedHops < 0 {
		add("TRUSTED_HOPS must be >= 0 (got %d)", c.TrustedHops)
	}

	// Log levels
	if _, err := log.ParseLevel(c.LogLevel); err != nil {
		add("invalid LOG_LEVEL %q: %w", c.LogLevel, err)
	}
	if c.StacktraceLevel != "" {
		if _, err := log.ParseLevel(c.StacktraceLevel); err != nil {
			add("invalid STACKTRACE_LEVEL %q: %w", c.StacktraceLevel, err)
		}
	}
	if c.IncludeErrorLinks && (c.MaxErrorLinks < 1 || c.MaxErrorLinks > 64) {
		add("MAX_ERROR_LINKS must be 1..64 (got %d)", c.MaxErrorLinks)
	}

	// Observability
	if c.TraceSample < 0 || c.TraceSample > 1 {
		add("invalid TRACE_SAMPLE %.3f (must be 0..1)", c.TraceSample)
	}
	if c.EnablePyroscope {
		if u, err := url.Parse(c.PyroServer); c.PyroServer == "" {
			add("PYRO_SERVER required when ENABLE_PYROSCOPE=true")
		} else if err != nil || u.Scheme == "" || u.Host == "" {
			add("PYRO_SERVER must be a URL (got %q)", c.PyroServer)
		}
		if c.PyroTenantID == "" {
			add("PYRO_TENANT required when ENABLE_PYROSCOPE=true")
		}
	}
	if c.EnableTracing {
		if c.OTLPEndpoint == "" {
			add("OTLP_ENDPOINT required when ENABLE_TRACING=true")
		} else if _, _, err := net.SplitHostPort(c.OTLPEndpoint); err != nil {
			add("OTLP_ENDPOINT must be host:port (got %q): %v", c.OTLPEndpoint, err)
		}
	}

	// Persistence
	if c.DatabaseURL != "" {
		if u, err := url.Parse(c.DatabaseURL); err != nil || (u.Scheme != "postgres" && u.Scheme != "postgresql") {
			add("DATABASE_URL must be a postgres:// url")
		}
	}
	// the sweeper deletes rows while a candidate cursor holds a connection
	if c.DatabaseURL != "" && c.DBMaxOpenConns < 2 {
		add("DB_MAX_OPEN_CONNS must be >= 2 (got %d)", c.DBMaxOpenConns)
	}
	switch c.Storage {
	case StorageLocal:
		if c.StorageDir == "" {
			add("STORAGE_DIR required when STORAGE=local")
		}
	case StorageS3:
		if c.S3Bucket == "" {
			add("S3_BUCKET required when STORAGE=s3")
		}
	default:
		add("invalid STORAGE %q (must be local|s3)", c.Storage)
	}

	// Auth
	switch {
	case c.JWTSecret == "" && c.JWTSecretSSMParam == "":
		add("one of JWT_SECRET or JWT_SECRET_SSM_PARAM is required")
	case c.JWTSecret != "" && c.JWTSecretSSMParam != "":
		add("JWT_SECRET and JWT_SECRET_SSM_PARAM are mutually exclusive")
	}
	if c.JWTTTL <= 0 {
		add("JWT_TTL must be positive (got %s)", c.JWTTTL)
	}

	// Limits and background work
	if c.MaxUsers < 0 {
		add("MAX_USERS must be >= 0 (got %d)", c.MaxUsers)
	}
	if c.MaxSitesPerUser < 0 {
		add("MAX_SITES_PER_USER must be >= 0 (got %d)", c.MaxSitesPerUser)
	}
	if c.MaxBodyBytes < 1 {
		add("MAX_BODY_BYTES must be >= 1 (got %d)", c.MaxBodyBytes)
	}
	if c.SweepInterval < time.Second {
		add("SWEEP_INTERVAL must be >= 1s (got %s)", c.SweepInterval)
	}
	if c.AdmissionQueue < 1 {
		add("ADMISSION_QUEUE must be >= 1 (got %d)", c.AdmissionQueue)
	}
	if c.AdmissionTimeout <= 0 {
		add("ADMISSION_TIMEOUT must be positive (got %s)", c.AdmissionTimeout)
	}
	if c.RequestTimeout < 0 || c.DrainPeriod < 0 {
		add("REQUEST_TIMEOUT and DRAIN_PERIOD must not be negative")
	}

	return errors.Join(errs...)
}
