package cfg

import (
	"errors"
	"flag"
	"fmt"
	"net/url"
	"time"

	"github.com/linnemanlabs/casebridge/internal/dedup"
)

// Session store backends.
const (
	SessionBackendFile     = "file"
	SessionBackendPostgres = "postgres"
	SessionBackendMemory   = "memory"
)

// Config adds casebridge-specific configuration fields to the
// common cfg.Registerable and cfg.Validatable interfaces
type Config struct {
	DrainSeconds          int
	ShutdownBudgetSeconds int
	APIPort               int
	APIToken              string
	APITokenPrevious      string

	// tenant credentials and backend
	CustomersFile   string
	WatchCustomers  bool
	LoginURL        string
	InstanceURL     string
	APIVersion      string
	OrganizationID  string
	SandboxEnabled  bool
	FeedEnabled     bool
	HashFunc        string
	AlertIdentity   string
	RequestTimeout  time.Duration
	CaseLinkBase    string
	SlackWebhookURL string
	RequireJira     bool

	// session store
	SessionBackend string
	SessionFile    string
	DatabaseURL    string
	LockWait       time.Duration
	AuthBackoff    time.Duration

	// dedup cache
	DedupTTL  time.Duration
	DedupSize int

	// startup authentication
	BootstrapCustomer    string
	BootstrapEnvironment string
	BootstrapCluster     string
}

// RegisterFlags binds Config fields to the given FlagSet with defaults inline
func (c *Config) RegisterFlags(fs *flag.FlagSet) {
	fs.IntVar(&c.DrainSeconds, "drain-seconds", 60, "seconds to wait for in-flight requests to drain before shutdown (1..300)")
	fs.IntVar(&c.ShutdownBudgetSeconds, "shutdown-budget-seconds", 90, "total seconds for component shutdown after drain (1..300)")
	fs.IntVar(&c.APIPort, "http-port", 8080, "API listen TCP port (1..65535)")
	fs.StringVar(&c.APIToken, "api-token", "", "token callers must present as Bearer or Key authorization")
	fs.StringVar(&c.APITokenPrevious, "api-token-previous", "", "previous API token still accepted during rotation")

	fs.StringVar(&c.CustomersFile, "customers-file", "/etc/casebridge/customers.yaml", "YAML file with per-customer backend credentials")
	fs.BoolVar(&c.WatchCustomers, "watch-customers", true, "reload the customers file when it changes")
	fs.StringVar(&c.LoginURL, "sf-login-url", "", "backend login endpoint (empty = production or sandbox default)")
	fs.StringVar(&c.InstanceURL, "sf-instance-url", "", "backend instance URL for stored sessions that carry none; keys the postgres session row")
	fs.StringVar(&c.APIVersion, "sf-api-version", "59.0", "backend API version")
	fs.StringVar(&c.OrganizationID, "sf-organization-id", "", "default organization id for customers without sf_org_id")
	fs.BoolVar(&c.SandboxEnabled, "sf-sandbox-enabled", false, "log in against the sandbox login endpoint")
	fs.BoolVar(&c.FeedEnabled, "sf-feed-enabled", false, "attach a feed item with the alert text to new cases")
	fs.StringVar(&c.HashFunc, "sf-hash-func", "sha256", "digest for hash alert identities (md5 or sha256)")
	fs.StringVar(&c.AlertIdentity, "alert-identity", dedup.StrategyID, "alert identity strategy (id or hash)")
	fs.DurationVar(&c.RequestTimeout, "sf-request-timeout", 30*time.Second, "timeout for each backend call")
	fs.StringVar(&c.CaseLinkBase, "case-link-base", "", "URL prefix for case links returned to the pipeline")
	fs.StringVar(&c.SlackWebhookURL, "slack-webhook-url", "", "Slack webhook URL for new case notifications")
	fs.BoolVar(&c.RequireJira, "require-jira", false, "hold back alerts without a jira attribute unless skip_jira_check=true is passed")

	fs.StringVar(&c.SessionBackend, "session-backend", SessionBackendFile, "session store backend (file, postgres or memory)")
	fs.StringVar(&c.SessionFile, "session-file", "/var/lib/casebridge/session", "session token file for the file backend")
	fs.StringVar(&c.DatabaseURL, "database-url", "", "PostgreSQL connection URL for the postgres backend")
	fs.DurationVar(&c.LockWait, "session-lock-wait", 5*time.Second, "bounded wait for the session store lock")
	fs.DurationVar(&c.AuthBackoff, "auth-backoff", 30*time.Second, "pause after a failed login before trying again")

	fs.DurationVar(&c.DedupTTL, "dedup-ttl", dedup.DefaultTTL, "how long a created case suppresses repeats of its alert")
	fs.IntVar(&c.DedupSize, "dedup-size", dedup.DefaultSize, "maximum tracked alerts")

	fs.StringVar(&c.BootstrapCustomer, "bootstrap-customer", "", "customer whose credentials are used for the startup login")
	fs.StringVar(&c.BootstrapEnvironment, "bootstrap-environment", "", "environment for the startup login")
	fs.StringVar(&c.BootstrapCluster, "bootstrap-cluster", "", "cluster for the startup login")
}

// Validate checks all configuration fields for correctness.
// It returns an error if any field is invalid, or nil if all fields are valid.
func (c *Config) Validate() error {
	var errs []error

	// Drain and shutdown budgets
	if c.DrainSeconds <= 0 || c.DrainSeconds > 300 {
		errs = append(errs, fmt.Errorf("invalid DRAIN_SECONDS %d (must be 1..300)", c.DrainSeconds))
	}
	if c.ShutdownBudgetSeconds <= 0 || c.ShutdownBudgetSeconds > 300 {
		errs = append(errs, fmt.Errorf("invalid SHUTDOWN_BUDGET_SECONDS %d (must be 1..300)", c.ShutdownBudgetSeconds))
	}

	// Shutdown budget must be greater than drain time
	if c.ShutdownBudgetSeconds <= c.DrainSeconds {
		errs = append(errs, fmt.Errorf("SHUTDOWN_BUDGET_SECONDS %d must be greater than DRAIN_SECONDS %d", c.ShutdownBudgetSeconds, c.DrainSeconds))
	}

	// API port must be valid TCP port number
	if c.APIPort <= 0 || c.APIPort > 65535 {
		errs = append(errs, fmt.Errorf("invalid HTTP_PORT %d (must be 1..65535)", c.APIPort))
	}

	if c.APIToken == "" {
		errs = append(errs, errors.New("API_TOKEN is required"))
	}

	if c.CustomersFile == "" {
		errs = append(errs, errors.New("CUSTOMERS_FILE is required"))
	}

	for name, raw := range map[string]string{
		"SF_LOGIN_URL":    c.LoginURL,
		"SF_INSTANCE_URL": c.InstanceURL,
		"CASE_LINK_BASE":  c.CaseLinkBase,
	} {
		if raw == "" {
			continue
		}
		if u, err := url.Parse(raw); err != nil || u.Scheme == "" || u.Host == "" {
			errs = append(errs, fmt.Errorf("invalid %s %q (must be an absolute URL)", name, raw))
		}
	}

	if c.APIVersion == "" {
		errs = append(errs, errors.New("SF_API_VERSION is required"))
	}

	switch c.AlertIdentity {
	case dedup.StrategyID, dedup.StrategyHash:
	default:
		errs = append(errs, fmt.Errorf("invalid ALERT_IDENTITY %q (must be id or hash)", c.AlertIdentity))
	}

	switch c.SessionBackend {
	case SessionBackendFile:
		if c.SessionFile == "" {
			errs = append(errs, errors.New("SESSION_FILE is required for the file session backend"))
		}
	case SessionBackendPostgres:
		if c.DatabaseURL == "" {
			errs = append(errs, errors.New("DATABASE_URL is required for the postgres session backend"))
		}
		// sessions are keyed by instance in the shared table
		if c.InstanceURL == "" {
			errs = append(errs, errors.New("SF_INSTANCE_URL is required for the postgres session backend"))
		}
	case SessionBackendMemory:
	default:
		errs = append(errs, fmt.Errorf("invalid SESSION_BACKEND %q (must be file, postgres or memory)", c.SessionBackend))
	}

	if c.RequestTimeout <= 0 {
		errs = append(errs, fmt.Errorf("invalid SF_REQUEST_TIMEOUT %s (must be > 0)", c.RequestTimeout))
	}
	if c.LockWait <= 0 || c.LockWait > time.Minute {
		errs = append(errs, fmt.Errorf("invalid SESSION_LOCK_WAIT %s (must be within 1m)", c.LockWait))
	}
	if c.AuthBackoff < 0 {
		errs = append(errs, fmt.Errorf("invalid AUTH_BACKOFF %s (must be >= 0)", c.AuthBackoff))
	}
	if c.DedupTTL <= 0 {
		errs = append(errs, fmt.Errorf("invalid DEDUP_TTL %s (must be > 0)", c.DedupTTL))
	}
	if c.DedupSize <= 0 {
		errs = append(errs, fmt.Errorf("invalid DEDUP_SIZE %d (must be > 0)", c.DedupSize))
	}

	// cluster is optional, environment-level credentials apply without it
	if (c.BootstrapCustomer == "") != (c.BootstrapEnvironment == "") {
		errs = append(errs, errors.New("BOOTSTRAP_CUSTOMER and BOOTSTRAP_ENVIRONMENT must be set together"))
	}
	if c.BootstrapCluster != "" && c.BootstrapCustomer == "" {
		errs = append(errs, errors.New("BOOTSTRAP_CLUSTER requires BOOTSTRAP_CUSTOMER"))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// Bootstrap reports whether a startup login is configured.
func (c *Config) Bootstrap() bool {
	return c.BootstrapCustomer != ""
}
