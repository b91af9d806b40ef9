// Casebridge opens Salesforce support cases for qualifying alerts.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"
	"github.com/linnemanlabs/go-core/cfg"
	"github.com/linnemanlabs/go-core/opshttp"
	"github.com/linnemanlabs/go-core/prof"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/linnemanlabs/go-core/health"

	"github.com/linnemanlabs/go-core/httpmw"
	"github.com/linnemanlabs/go-core/httpserver"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/go-core/metrics"
	"github.com/linnemanlabs/go-core/otelx"
	v "github.com/linnemanlabs/go-core/version"

	"github.com/linnemanlabs/casebridge/internal/alertapi"
	"github.com/linnemanlabs/casebridge/internal/authmw"
	"github.com/linnemanlabs/casebridge/internal/cases"
	cc "github.com/linnemanlabs/casebridge/internal/cfg"
	"github.com/linnemanlabs/casebridge/internal/creds"
	"github.com/linnemanlabs/casebridge/internal/dedup"
	"github.com/linnemanlabs/casebridge/internal/notify/slack"
	"github.com/linnemanlabs/casebridge/internal/postgres"
	"github.com/linnemanlabs/casebridge/internal/retry"
	"github.com/linnemanlabs/casebridge/internal/session"
	"github.com/linnemanlabs/casebridge/internal/session/filestore"
	"github.com/linnemanlabs/casebridge/internal/session/memstore"
	"github.com/linnemanlabs/casebridge/internal/session/pgstore"
	"github.com/linnemanlabs/casebridge/internal/sfdc"
)

const appName = "casebridge"
const component = "server"

// envFileVar names an optional dotenv file loaded before flags fall back to the environment.
const envFileVar = "CASEBRIDGE_ENV_FILE"

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "fatal error:", err)
		os.Exit(1)
	}
}

func run() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Set app name and component
	v.AppName = appName
	v.Component = component

	// Get build/version info
	vi := v.Get()

	// each package registers its own flags and options struct
	var (
		appCfg    cc.Config
		httpCfg   httpserver.Config
		httpmwCfg httpmw.Config
		logCfg    log.Config
		opsCfg    opshttp.Config
		profCfg   prof.Config
		traceCfg  otelx.Config
	)

	appCfg.RegisterFlags(flag.CommandLine)
	httpCfg.RegisterFlags(flag.CommandLine)
	httpmwCfg.RegisterFlags(flag.CommandLine)
	logCfg.RegisterFlags(flag.CommandLine)
	opsCfg.RegisterFlags(flag.CommandLine)
	profCfg.RegisterFlags(flag.CommandLine)
	traceCfg.RegisterFlags(flag.CommandLine)
	var showVersion bool
	flag.BoolVar(&showVersion, "V", false, "Print version+build information and exit")

	// parse flags to get config values from cmdline, we check env vars next which do not override cmdline flags
	flag.Parse()
	if showVersion {
		fmt.Printf(
			"%s (%s) %s (commit=%s, commit_date=%s, build_id=%s, build_date=%s, go=%s, dirty=%v)\n",
			vi.AppName, vi.Component, vi.Version, vi.Commit, vi.CommitDate, vi.BuildId, vi.BuildDate, vi.GoVersion,
			vi.VCSDirty != nil && *vi.VCSDirty,
		)
		return nil
	}

	// dotenv values never override variables already set in the environment
	if err := loadEnvFile(os.Getenv(envFileVar)); err != nil {
		return err
	}

	// Fill in config values from environment variables with prefix CASEBRIDGE_,
	// these do not override cmdline flags
	cfg.FillFromEnv(flag.CommandLine, "CASEBRIDGE_", func(format string, args ...any) {
		fmt.Fprintf(os.Stderr, format+"\n", args...)
	})

	if err := errors.Join(
		appCfg.Validate(),
		httpCfg.Validate(),
		httpmwCfg.Validate(),
		logCfg.Validate(),
		opsCfg.Validate(),
		profCfg.Validate(),
		traceCfg.Validate(),
	); err != nil {
		return fmt.Errorf("configuration validation failed: %w", err)
	}

	// cross-cutting checks that only main can validate
	if appCfg.APIPort == opsCfg.Port {
		return fmt.Errorf("http and admin ports must differ (both %d)", appCfg.APIPort)
	}

	// initialize logger early
	lg, err := log.New(logCfg.ToOptions(v.AppName))
	if err != nil {
		return fmt.Errorf("logger init: %w", err)
	}
	defer func() { _ = lg.Sync() }()

	L := lg.With("component", vi.Component)
	ctx = log.WithContext(ctx, L)

	L.Info(ctx, "initializing application",
		"version", vi.Version,
		"commit", vi.Commit,
		"commit_date", vi.CommitDate,
		"build_id", vi.BuildId,
		"build_date", vi.BuildDate,
		"go_version", vi.GoVersion,
		"vcs_dirty", vi.VCSDirty,
		"http_port", appCfg.APIPort,
		"admin_port", opsCfg.Port,
		"enable_pprof", opsCfg.EnablePprof,
		"enable_pyroscope", profCfg.EnablePyroscope,
		"enable_tracing", traceCfg.EnableTracing,
		"trace_sample", traceCfg.TraceSample,
		"otlp_endpoint", traceCfg.OTLPEndpoint,
		"trusted_proxy_hops", httpmwCfg.TrustedProxyHops,
		"customers_file", appCfg.CustomersFile,
		"session_backend", appCfg.SessionBackend,
		"alert_identity", appCfg.AlertIdentity,
		"sandbox", appCfg.SandboxEnabled,
		"feed_enabled", appCfg.FeedEnabled,
		"api_version", appCfg.APIVersion,
	)

	// Setup pyroscope profiling early so we get profiles from the entire app lifetime
	profOpts := profCfg.ToOptions()
	profOpts.AppName = v.AppName
	profOpts.Tags = map[string]string{
		"app":       v.AppName,
		"component": v.Component,
		"version":   vi.Version,
		"commit":    vi.Commit,
		"build_id":  vi.BuildId,
	}
	stopProf, profErr := prof.Start(ctx, profOpts)
	if profErr != nil {
		L.Error(ctx, profErr, "pyroscope start failed", "pyro_server", profCfg.PyroServer)
	}
	if stopProf != nil {
		defer stopProf()
	}

	// Setup otel for tracing
	traceOpts := traceCfg.ToOptions()
	traceOpts.Service = v.AppName
	traceOpts.Component = v.Component
	traceOpts.Version = v.Version

	shutdownOtelx, err := otelx.Init(ctx, traceOpts)
	if err != nil {
		L.Error(ctx, err, "otel init failed")
	}
	if shutdownOtelx != nil {
		defer func() { _ = shutdownOtelx(context.Background()) }()
	}

	var m = metrics.New()
	m.SetBuildInfoFromVersion(v.AppName, component, &vi)
	m.SetProfilingActive(profErr == nil && profCfg.EnablePyroscope)

	// Tenant credentials
	resolver, err := creds.Load(appCfg.CustomersFile, creds.Settings{
		LoginURL:       appCfg.LoginURL,
		OrganizationID: appCfg.OrganizationID,
		Sandbox:        appCfg.SandboxEnabled,
		FeedEnabled:    appCfg.FeedEnabled,
		HashFunc:       appCfg.HashFunc,
	})
	if err != nil {
		return fmt.Errorf("load customers: %w", err)
	}
	if appCfg.WatchCustomers {
		go func() {
			if err := resolver.Watch(ctx, L); err != nil {
				L.Error(ctx, err, "customers file watcher stopped")
			}
		}()
	}

	cache := dedup.New(appCfg.DedupSize, appCfg.DedupTTL)

	// Metrics for case creation, auth health and session store queries
	caseMetrics := cases.NewMetrics(m.Registry(), cache.Len)
	postgres.SetQueryObserver(caseMetrics)

	// Session store shared with every other process using the same backend account
	store, closeStore, err := openSessionStore(ctx, L, &appCfg)
	if err != nil {
		return err
	}
	defer closeStore()

	client := sfdc.New(sfdc.Options{
		APIVersion: appCfg.APIVersion,
		Timeout:    appCfg.RequestTimeout,
	})

	mgr := session.NewManager(store, client, L, session.Options{
		InstanceURL: appCfg.InstanceURL,
		Backoff:     appCfg.AuthBackoff,
		Hooks:       caseMetrics.SessionHooks(),
	})

	wrapper := retry.New(mgr, retry.DefaultPolicy(), L, caseMetrics.RetryHooks())

	identity, err := dedup.NewIdentity(ctx, appCfg.AlertIdentity, appCfg.HashFunc, L)
	if err != nil {
		return fmt.Errorf("alert identity: %w", err)
	}

	var notifier cases.Notifier
	if appCfg.SlackWebhookURL != "" {
		notifier = slack.New(appCfg.SlackWebhookURL, appCfg.CaseLinkBase, L)
		L.Info(ctx, "notifier enabled", "type", "slack")
	}

	creator := cases.New(resolver, cache, wrapper, client, L, cases.Options{
		Identity: identity,
		Notifier: notifier,
		Hooks:    caseMetrics.Hooks(),
	})

	// One startup login so the first alert does not pay for it. Never fatal.
	if appCfg.Bootstrap() {
		c, err := resolver.Resolve(appCfg.BootstrapCustomer, appCfg.BootstrapEnvironment, appCfg.BootstrapCluster)
		if err != nil {
			L.Warn(ctx, "bootstrap credentials not found, first alert will authenticate",
				"customer", appCfg.BootstrapCustomer, "environment", appCfg.BootstrapEnvironment, "error", err)
		}
		mgr.Bootstrap(ctx, c)
	}

	// setup toggle for server shutdown. this is used to fail readiness checks
	// during shutdown to drain connections from load balancer before killing the process.
	var shutdownGate health.ShutdownGate

	readiness := health.All(
		shutdownGate.Probe(),
	)
	liveness := health.Fixed(true, "")

	// Configure ops http server for metrics, health checks, pprof, etc
	opsOpts := opsCfg.ToOptions()
	opsOpts.Metrics = m.Handler()
	opsOpts.Health = liveness
	opsOpts.Readiness = readiness
	opsOpts.UseRecoverMW = true
	opsOpts.OnPanic = m.IncHttpPanic

	opsHTTPStop, err := opshttp.Start(ctx, L, opsOpts)
	if err != nil {
		L.Error(ctx, err, "failed to start ops http listener")
		return err
	}
	defer func() {
		err := opsHTTPStop(context.Background())
		if err != nil {
			L.Error(ctx, err, "failed to stop ops http listener")
		}
	}()

	r := chi.NewRouter()

	r.Use(middleware.Compress(5, "application/json"))

	// Annotate logger (and tracer if trace is recording) with http.route from chi route pattern
	r.Use(httpmw.AnnotateHTTPRoute)

	r.Use(httpmw.AccessLog())

	// alert text can be long, the handler enforces the same bound
	r.Use(httpmw.MaxBody(1 << 20))

	r.Get("/-/healthy", health.HealthzHandler(liveness))
	r.Get("/-/ready", health.ReadyzHandler(readiness))

	api := alertapi.New(L, creator, alertapi.Options{
		LinkBase:    appCfg.CaseLinkBase,
		RequireJira: appCfg.RequireJira,
	})
	r.Group(func(r chi.Router) {
		r.Use(authmw.APIKey(appCfg.APIToken, appCfg.APITokenPrevious))
		api.RegisterRoutes(r)
	})

	// middleware stack for main listener, order matters: outermost sees the raw request first
	var h http.Handler = r

	h = httpmw.WithLogger(L)(h)

	h = httpmw.TraceResponseHeaders("X-Trace-Id", "X-Span-Id")(h)

	h = otelhttp.NewHandler(h, "http.server",
		otelhttp.WithFilter(func(r *http.Request) bool {
			return r.URL.Path != "/-/healthy" && r.URL.Path != "/-/ready"
		}),
		// AnnotateHTTPRoute will rename the span later to the final route pattern
		otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
			return r.Method + " " + r.URL.Path
		}),
		otelhttp.WithPublicEndpointFn(func(_ *http.Request) bool { return true }),
	)

	h = m.Middleware(h)

	h = httpmw.ClientIPWithOptions(httpmw.ClientIPOptions{
		TrustedHops: httpmwCfg.TrustedProxyHops,
	})(h)

	h = httpmw.RequestID("X-Request-Id")(h)

	h = httpmw.Recover(L, nil)(h)

	// Security headers outermost to ensure they are served on every response
	h = httpmw.SecurityHeaders(h)

	apiOpts, err := httpCfg.ToOptions()
	if err != nil {
		L.Error(ctx, err, "invalid http config")
		return err
	}

	apiHTTPStop, err := httpserver.Start(ctx, fmt.Sprintf(":%d", appCfg.APIPort), h, L, apiOpts)
	if err != nil {
		L.Error(ctx, err, "failed to start api http listener")
		return err
	}
	defer func() {
		err := apiHTTPStop(context.Background())
		if err != nil {
			L.Error(ctx, err, "failed to stop api http listener")
		}
	}()

	if err := notifySystemd(); err != nil {
		// worst case systemd kills the process after its start timeout
		L.Warn(ctx, "failed to notify systemd of readiness", "error", err)
	}

	// Wait for ctrl+c / sigterm
	<-ctx.Done()

	L.Info(context.Background(), "shutdown signal received")

	shutdownGate.Set("draining")
	L.Info(context.Background(), "shutdown gate closed")

	// Wait for in-flight requests to finish and for load balancer
	// to detect unhealthy and stop sending new requests.
	drainDuration := time.Duration(appCfg.DrainSeconds) * time.Second
	L.Info(context.Background(), "sleeping for drain period", "drain_seconds", appCfg.DrainSeconds)
	forceCh := make(chan os.Signal, 1)
	signal.Notify(forceCh, os.Interrupt, syscall.SIGTERM)
	select {
	case <-time.After(drainDuration):
		L.Info(context.Background(), "drain period complete")
	case <-forceCh:
		L.Warn(context.Background(), "second signal received, skipping drain")
	}
	signal.Stop(forceCh)

	// Shutdown components with per-component budget sliced from total.
	type stopFn struct {
		name string
		fn   func(context.Context) error
	}
	stopFns := []stopFn{
		{"api http server", apiHTTPStop},
		{"ops http server", opsHTTPStop},
	}
	if shutdownOtelx != nil {
		stopFns = append(stopFns, stopFn{"otel", shutdownOtelx})
	}

	budget := time.Duration(appCfg.ShutdownBudgetSeconds) * time.Second
	perComponent := budget / time.Duration(len(stopFns))
	shutdownCtx, cancel := context.WithTimeout(context.Background(), budget)
	defer cancel()

	for _, s := range stopFns {
		cctx, ccancel := context.WithTimeout(shutdownCtx, perComponent)
		if err := s.fn(cctx); err != nil {
			L.Error(context.Background(), err, s.name+" shutdown")
		}
		ccancel()
	}

	L.Info(context.Background(), "shutdown complete")
	return nil
}

// openSessionStore builds the configured session.Store. The returned close
// func releases any pool it opened and is never nil.
func openSessionStore(ctx context.Context, L log.Logger, c *cc.Config) (session.Store, func(), error) {
	switch c.SessionBackend {
	case cc.SessionBackendPostgres:
		pool, err := postgres.NewPool(ctx, c.DatabaseURL)
		if err != nil {
			return nil, nil, fmt.Errorf("postgres pool: %w", err)
		}
		st, err := pgstore.New(ctx, pool, c.InstanceURL, c.LockWait)
		if err != nil {
			pool.Close()
			return nil, nil, fmt.Errorf("pgstore init: %w", err)
		}
		L.Info(ctx, "using postgres session store")
		return st, pool.Close, nil
	case cc.SessionBackendMemory:
		L.Warn(ctx, "using in-memory session store, sessions are not shared between processes")
		return memstore.New(c.LockWait), func() {}, nil
	default:
		st, err := filestore.New(c.SessionFile, c.LockWait)
		if err != nil {
			return nil, nil, fmt.Errorf("session file store: %w", err)
		}
		L.Info(ctx, "using file session store", "path", c.SessionFile)
		return st, func() {}, nil
	}
}

// loadEnvFile loads path into the process environment. An empty path or a
// missing file is not an error.
func loadEnvFile(path string) error {
	if path == "" {
		return nil
	}
	if err := godotenv.Load(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("load env file %s: %w", path, err)
	}
	return nil
}

func notifySystemd() error {
	// systemd sets NOTIFY_SOCKET when the unit is type=notify
	addr := os.Getenv("NOTIFY_SOCKET")
	if addr == "" {
		return fmt.Errorf("NOTIFY_SOCKET not set, skipping systemd notify")
	}
	conn, err := net.Dial("unixgram", addr) //nolint:gosec,noctx // G704: addr is from NOTIFY_SOCKET set by systemd not user input, no context support in net package for unixgram sockets
	if err != nil {
		return fmt.Errorf("systemd notify failed: dial failed: %w", err)
	}
	defer func() { _ = conn.Close() }()
	if _, err := conn.Write([]byte("READY=1")); err != nil {
		return fmt.Errorf("systemd notify failed: write failed: %w", err)
	}
	return nil
}
