package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/keithlinneman/linnemanlabs-sites/internal/admission"
	"github.com/keithlinneman/linnemanlabs-sites/internal/auth"
	"github.com/keithlinneman/linnemanlabs-sites/internal/blob"
	"github.com/keithlinneman/linnemanlabs-sites/internal/bundle"
	"github.com/keithlinneman/linnemanlabs-sites/internal/cfg"
	"github.com/keithlinneman/linnemanlabs-sites/internal/deploy"
	"github.com/keithlinneman/linnemanlabs-sites/internal/health"
	"github.com/keithlinneman/linnemanlabs-sites/internal/httpmw"
	"github.com/keithlinneman/linnemanlabs-sites/internal/httpserver"
	"github.com/keithlinneman/linnemanlabs-sites/internal/log"
	"github.com/keithlinneman/linnemanlabs-sites/internal/managehttp"
	"github.com/keithlinneman/linnemanlabs-sites/internal/metrics"
	"github.com/keithlinneman/linnemanlabs-sites/internal/opshttp"
	"github.com/keithlinneman/linnemanlabs-sites/internal/otelx"
	"github.com/keithlinneman/linnemanlabs-sites/internal/prof"
	"github.com/keithlinneman/linnemanlabs-sites/internal/ratelimit"
	"github.com/keithlinneman/linnemanlabs-sites/internal/resolve"
	"github.com/keithlinneman/linnemanlabs-sites/internal/sitehandler"
	"github.com/keithlinneman/linnemanlabs-sites/internal/sites"
	"github.com/keithlinneman/linnemanlabs-sites/internal/store"
	"github.com/keithlinneman/linnemanlabs-sites/internal/store/memstore"
	"github.com/keithlinneman/linnemanlabs-sites/internal/sweeper"
	v "github.com/keithlinneman/linnemanlabs-sites/internal/version"
)

const envPrefix = "SITES_"

func main() {
	// Get build/version info
	vi := v.Get()

	var conf cfg.App
	var showVersion bool

	// Parse config from flags, env and the optional config file
	cfg.Register(flag.CommandLine, &conf)
	flag.BoolVar(&showVersion, "V", false, "Print version+build information and exit")
	flag.Parse()

	if showVersion {
		fmt.Println(vi.String())
		os.Exit(0)
	}

	warnf := func(format string, args ...any) {
		fmt.Fprintf(os.Stderr, format+"\n", args...)
	}
	// Fill in config from environment variables with prefix SITES_
	cfg.FillFromEnv(flag.CommandLine, envPrefix, warnf)
	if err := cfg.FillFromFile(flag.CommandLine, conf.ConfigFile, warnf); err != nil {
		fmt.Fprintln(os.Stderr, "config error:", err)
		os.Exit(1)
	}

	// validate config
	if err := cfg.Validate(conf); err != nil {
		fmt.Fprintln(os.Stderr, "config error:", err)
		os.Exit(1)
	}

	// Setup logging
	lvl, err := log.ParseLevel(conf.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid log level %s: %v\n", conf.LogLevel, err)
		os.Exit(1)
	}
	stackLvl, err := log.ParseLevel(conf.StacktraceLevel)
	if err != nil {
		stackLvl = lvl
	}
	lg, err := log.New(log.Options{
		App:               v.AppName,
		Version:           vi.Version,
		Commit:            vi.Commit,
		BuildId:           vi.BuildId,
		Level:             lvl,
		StacktraceLevel:   stackLvl,
		JsonFormat:        conf.LogJSON,
		MaxErrorLinks:     conf.MaxErrorLinks,
		IncludeErrorLinks: conf.IncludeErrorLinks,
	})
	if err != nil {
		fmt.Fprintln(os.Stderr, "logger init error:", err)
		os.Exit(1)
	}
	// no-op for slog/stderr, but here if we swap backends in the future to ensure any buffered logs are flushed on shutdown
	defer lg.Sync()
	L := lg.With("component", "server")

	// ctx stays alive through the drain period; background loops get their own
	// context so they can be stopped after the listeners
	ctx := log.WithContext(context.Background(), L)

	L.Info(ctx, "initializing application",
		"version", vi.Version,
		"commit", vi.Commit,
		"commit_date", vi.CommitDate,
		"build_id", vi.BuildId,
		"build_date", vi.BuildDate,
		"go_version", vi.GoVersion,
		"vcs_dirty", vi.VCSDirty,
		"http_port", conf.HTTPPort,
		"admin_port", conf.AdminPort,
		"enable_pprof", conf.EnablePprof,
		"enable_pyroscope", conf.EnablePyroscope,
		"enable_tracing", conf.EnableTracing,
		"otlp_endpoint", conf.OTLPEndpoint,
		"trace_sample", conf.TraceSample,
		"database", conf.DatabaseURL != "",
		"storage", conf.Storage,
		"max_users", conf.MaxUsers,
		"max_sites_per_user", conf.MaxSitesPerUser,
		"max_body_bytes", conf.MaxBodyBytes,
		"sweep_interval", conf.SweepInterval.String(),
	)

	// Setup pyroscope profiling
	stopProf, profErr := prof.Start(ctx, prof.Options{
		Enabled:       conf.EnablePyroscope,
		AppName:       v.AppName,
		ServerAddress: conf.PyroServer,
		TenantID:      conf.PyroTenantID,
		Tags: map[string]string{
			"app":       v.AppName,
			"component": "server",
			"build_id":  vi.BuildId,
			"source":    "go-agent",
		},
	})
	if profErr != nil {
		L.Error(ctx, profErr, "pyroscope start failed", "pyro_server", conf.PyroServer)
	}
	defer func() { stopProf() }()

	// Setup otel for tracing
	// Insecure is true because we are only writing to a collector on localhost
	shutdownOTEL, err := otelx.Init(ctx, otelx.Options{
		Enabled:   conf.EnableTracing,
		Endpoint:  conf.OTLPEndpoint,
		Insecure:  true,
		Sample:    conf.TraceSample,
		Service:   v.AppName,
		Component: "server",
		Version:   vi.Version,
		Commit:    vi.Commit,
	})
	if err != nil {
		L.Error(ctx, err, "otel init failed")
	}
	defer func() { _ = shutdownOTEL(context.Background()) }()

	// Setup metrics
	m := metrics.New()
	m.SetBuildInfoFromVersion("server", vi)
	m.SetProfilingActive(conf.EnablePyroscope && profErr == nil)

	// AWS clients are only built when something needs them
	var awsCfg *aws.Config
	loadAWS := func() aws.Config {
		if awsCfg == nil {
			c, err := config.LoadDefaultConfig(ctx)
			if err != nil {
				L.Error(ctx, err, "failed to load AWS config")
				os.Exit(1)
			}
			awsCfg = &c
		}
		return *awsCfg
	}

	// metadata store
	var st store.Store
	if conf.DatabaseURL != "" {
		pg, err := store.Open(ctx, conf.DatabaseURL, store.PostgresOptions{MaxOpenConns: conf.DBMaxOpenConns})
		if err != nil {
			L.Error(ctx, err, "failed to connect to database")
			os.Exit(1)
		}
		if err := pg.Migrate(ctx); err != nil {
			L.Error(ctx, err, "failed to apply database schema")
			os.Exit(1)
		}
		st = pg
		L.Info(ctx, "using postgres store")
	} else {
		st = memstore.New()
		L.Warn(ctx, "no database configured, state is kept in memory and lost on restart")
	}

	// durable blob storage
	var blobs blob.Store
	switch conf.Storage {
	case cfg.StorageS3:
		b, err := blob.NewS3(s3.NewFromConfig(loadAWS()), conf.S3Bucket, conf.S3Prefix)
		if err != nil {
			L.Error(ctx, err, "failed to create s3 storage")
			os.Exit(1)
		}
		blobs = b
	default:
		b, err := blob.NewLocal(conf.StorageDir)
		if err != nil {
			L.Error(ctx, err, "failed to create local storage", "dir", conf.StorageDir)
			os.Exit(1)
		}
		blobs = b
	}
	L.Info(ctx, "blob storage ready", "backend", conf.Storage)

	// token signing secret
	secret := []byte(conf.JWTSecret)
	if conf.JWTSecretSSMParam != "" {
		secret, err = auth.SecretFromSSM(ctx, ssm.NewFromConfig(loadAWS()), conf.JWTSecretSSMParam)
		if err != nil {
			L.Error(ctx, err, "failed to load jwt secret", "ssm_param", conf.JWTSecretSSMParam)
			os.Exit(1)
		}
	}
	tokens, err := auth.NewTokens(secret, conf.JWTTTL)
	if err != nil {
		L.Error(ctx, err, "invalid jwt secret")
		os.Exit(1)
	}

	// domain services
	accounts := auth.NewAccounts(st, tokens, auth.AccountsOptions{MaxUsers: conf.MaxUsers})
	siteSvc := sites.NewService(st, blobs)
	pipeline := deploy.NewPipeline(st, blobs, bundle.NewExtractor(blobs), deploy.Options{
		MaxSitesPerUser: conf.MaxSitesPerUser,
		Metrics:         m,
	})
	resolver := resolve.New(st, m)

	api := managehttp.NewAPI(managehttp.Options{
		Logger:       L,
		Accounts:     accounts,
		Tokens:       tokens,
		Sites:        siteSvc,
		Deployer:     pipeline,
		MaxBodyBytes: conf.MaxBodyBytes,
		TenantHeader: httpmw.TenantHeader,
	})

	siteHandler, err := sitehandler.New(sitehandler.Options{
		Resolver:     resolver,
		Blobs:        blobs,
		TenantHeader: httpmw.TenantHeader,
	})
	if err != nil {
		L.Error(ctx, err, "failed to create site handler")
		os.Exit(1)
	}

	// background loops
	bgCtx, stopBackground := context.WithCancel(ctx)
	defer stopBackground()
	bgDone := make(chan struct{}, 2)

	bridge := admission.NewBridge(st, admission.Options{
		Logger:    L.With("component", "admission"),
		Metrics:   m,
		QueueSize: conf.AdmissionQueue,
		Timeout:   conf.AdmissionTimeout,
	})
	go func() {
		defer func() { bgDone <- struct{}{} }()
		_ = bridge.Run(bgCtx)
	}()

	sw := sweeper.New(sweeper.Options{
		Logger:   L.With("component", "sweeper"),
		Store:    st,
		Blobs:    blobs,
		Interval: conf.SweepInterval,
		Metrics:  m,
	})
	go func() {
		defer func() { bgDone <- struct{}{} }()
		_ = sw.Run(bgCtx)
	}()

	// setup toggle for server shutdown
	var gate health.ShutdownGate

	// ready while not draining and the metadata store answers
	readiness := health.All(
		gate.Probe(),
		health.Ping("store", st, 2*time.Second),
	)

	// Setup rate limiter for the management api
	limiter := ratelimit.New(bgCtx,
		// increment prometheus counter on each denied request
		ratelimit.WithOnDenied(func(ip string) {
			m.IncRateLimitDenied()
		}),
		// only log the first time an ip is denied each time it is cleaned from the bucket
		ratelimit.WithOnFirstDenied(func(ip string) {
			L.Warn(ctx, "rate limit triggered", "ip", ip)
		}),
		ratelimit.WithOnCapacity(func() {
			m.IncRateLimitCapacity()
			L.Warn(ctx, "rate limit capacity reached, rejecting new visitors until some are evicted")
		}),
	)

	// start public http server: management api plus tenant pages
	siteHTTPStop, err := httpserver.Start(
		ctx,
		httpserver.Options{
			Port:         conf.HTTPPort,
			Health:       health.Fixed(true, ""),
			Readiness:    readiness,
			TenantHeader: httpmw.TenantHeader,
			CORS:         admission.Middleware(bridge, httpmw.TenantHeader),
			APIRoutes: func(r chi.Router) {
				api.RegisterRoutes(r, limiter.Middleware, middleware.Timeout(conf.RequestTimeout))
			},
			SiteHandler:  siteHandler,
			UseRecoverMW: true,
			OnPanic:      m.IncHttpPanic,
			MetricsMW:    m.Middleware,
			ClientIPOpts: httpmw.ClientIPOptions{TrustedHops: conf.TrustedHops},
			// leave room after the handler deadline to write the 504
			ReadTimeout:  conf.RequestTimeout + 5*time.Second,
			WriteTimeout: conf.RequestTimeout + 5*time.Second,
			Logger:       L,
		},
	)
	if err != nil {
		L.Error(ctx, err, "failed to start site http listener port")
		os.Exit(1)
	}
	defer func() { _ = siteHTTPStop(context.Background()) }()

	// start admin/ops listener to serve metrics, health checks and pprof
	// we reject connections from public ips and requests with x-forwarded set in middleware
	// to prevent accidental exposure if a load balancer ever sends traffic there
	opsHTTPStop, err := opshttp.Start(ctx, L, &opshttp.Options{
		Port:         conf.AdminPort,
		Metrics:      m.Handler(),
		EnablePprof:  conf.EnablePprof,
		Health:       health.Fixed(true, ""),
		Readiness:    readiness,
		UseRecoverMW: true,
		OnPanic:      m.IncHttpPanic,
	})
	if err != nil {
		L.Error(ctx, err, "failed to start ops http listener")
		os.Exit(1)
	}
	defer func() { _ = opsHTTPStop(context.Background()) }()

	// notify systemd that we started successfully if started under systemd
	if err := notifySystemd(); err != nil {
		// log and dont exit, worst case systemd will kill the process after timeout
		L.Warn(ctx, "failed to notify systemd of readiness", "error", err)
	}

	// block until signal so we dont exit
	sigCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	// wait for ctrl+c / sigterm
	<-sigCtx.Done()

	L.Info(ctx, "shutdown signal received")

	// fail readiness so the load balancer stops sending new requests
	gate.Set("draining")
	L.Info(ctx, "shutdown gate closed")

	if conf.DrainPeriod > 0 {
		L.Info(ctx, "draining in-flight requests", "period", conf.DrainPeriod.String())
		forceCh := make(chan os.Signal, 1)
		signal.Notify(forceCh, os.Interrupt, syscall.SIGTERM)
		select {
		case <-time.After(conf.DrainPeriod):
			L.Info(ctx, "drain period complete")
		case <-forceCh:
			L.Warn(ctx, "second signal received, skipping drain")
		}
		signal.Stop(forceCh)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := siteHTTPStop(shutdownCtx); err != nil {
		L.Error(ctx, err, "app http server shutdown")
	}
	if err := opsHTTPStop(shutdownCtx); err != nil {
		L.Error(ctx, err, "ops http server shutdown")
	}

	// listeners are closed, nothing can enqueue admission checks or deploys
	stopBackground()
wait:
	for range cap(bgDone) {
		select {
		case <-bgDone:
		case <-shutdownCtx.Done():
			L.Warn(ctx, "background loops did not stop in time")
			break wait
		}
	}

	if err := shutdownOTEL(shutdownCtx); err != nil {
		L.Error(ctx, err, "otel shutdown")
	}

	stopProf()

	if err := st.Close(); err != nil {
		L.Error(ctx, err, "store close")
	}

	L.Info(ctx, "shutdown complete")
	os.Exit(0)
}

func notifySystemd() error {
	// systemd will set NOTIFY_SOCKET to a unix socket path if we were started under systemd with type=notify
	addr := os.Getenv("NOTIFY_SOCKET")
	if addr == "" {
		return fmt.Errorf("NOTIFY_SOCKET not set, skipping systemd notify")
	}
	conn, err := net.Dial("unixgram", addr)
	if err != nil {
		return fmt.Errorf("systemd notify failed: dial failed: %w", err)
	}
	if _, err := conn.Write([]byte("READY=1")); err != nil {
		conn.Close()
		return fmt.Errorf("systemd notify failed: write failed: %w", err)
	}
	if err := conn.Close(); err != nil {
		return fmt.Errorf("systemd notify failed: close failed: %w", err)
	}
	return nil
}
