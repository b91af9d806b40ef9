// Package creds resolves backend credentials for a tenant, environment and cluster.
package creds

import (
	"errors"
	"fmt"
	"os"
	"sync/atomic"

	"gopkg.in/yaml.v3"
)

// ErrCredentialsNotFound is returned when the tenant/environment/cluster path
// does not lead to a complete credential set.
var ErrCredentialsNotFound = errors.New("credentials not found")

const (
	defaultLoginURL = "https://login.salesforce.com"
	sandboxLoginURL = "https://test.salesforce.com"
)

// Credentials is everything needed to authenticate against the backend for one alert.
type Credentials struct {
	AuthURL        string
	Username       string
	Password       string
	OrganizationID string
	EnvironmentID  string
	Sandbox        bool
	FeedEnabled    bool
	HashFunc       string
}

// Settings are the process-wide values folded into every resolved Credentials.
type Settings struct {
	LoginURL       string
	OrganizationID string
	Sandbox        bool
	FeedEnabled    bool
	HashFunc       string
}

// File is the on-disk tenant layout.
type File struct {
	Customers map[string]Customer `yaml:"customers"`
}

// Customer holds one tenant's organization and environments.
type Customer struct {
	OrgID        string                 `yaml:"sf_org_id"`
	Environments map[string]Environment `yaml:"environments"`
}

// Environment holds environment-level defaults and per-cluster overrides.
type Environment struct {
	EnvID    string             `yaml:"sf_env_id"`
	Username string             `yaml:"sf_username"`
	Password string             `yaml:"sf_password"`
	Clusters map[string]Cluster `yaml:"clusters"`
}

// Cluster overrides environment values for a single named cluster.
type Cluster struct {
	Name     string `yaml:"name"`
	EnvID    string `yaml:"sf_env_id"`
	Username string `yaml:"sf_username"`
	Password string `yaml:"sf_password"`
}

// Resolver maps alert identity triples to Credentials.
type Resolver struct {
	path     string
	settings Settings
	tenants  atomic.Pointer[File]
}

// Parse decodes a tenant file.
func Parse(data []byte) (*File, error) {
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse tenants: %w", err)
	}
	if f.Customers == nil {
		f.Customers = map[string]Customer{}
	}
	return &f, nil
}

// NewResolver builds a resolver over an already parsed tenant file.
func NewResolver(f *File, settings Settings) *Resolver {
	r := &Resolver{settings: settings}
	if f == nil {
		f = &File{Customers: map[string]Customer{}}
	}
	r.tenants.Store(f)
	return r
}

// Load reads the tenant file at path and returns a resolver bound to it.
func Load(path string, settings Settings) (*Resolver, error) {
	f, err := readFile(path)
	if err != nil {
		return nil, err
	}
	r := NewResolver(f, settings)
	r.path = path
	return r, nil
}

// Reload re-reads the tenant file. On error the previous tenants stay active.
func (r *Resolver) Reload() error {
	if r.path == "" {
		return errors.New("resolver has no backing file")
	}
	f, err := readFile(r.path)
	if err != nil {
		return err
	}
	r.tenants.Store(f)
	return nil
}

func readFile(path string) (*File, error) {
	data, err := os.ReadFile(path) //nolint:gosec // path is operator configuration
	if err != nil {
		return nil, fmt.Errorf("read tenants: %w", err)
	}
	return Parse(data)
}

// Resolve returns the credentials for a cluster. Cluster-level fields win;
// anything missing falls back to the environment level.
func (r *Resolver) Resolve(customer, environment, cluster string) (*Credentials, error) {
	f := r.tenants.Load()

	cust, ok := f.Customers[customer]
	if !ok {
		return nil, fmt.Errorf("%w: unknown customer %q", ErrCredentialsNotFound, customer)
	}
	env, ok := cust.Environments[environment]
	if !ok {
		return nil, fmt.Errorf("%w: unknown environment %q for %q", ErrCredentialsNotFound, environment, customer)
	}

	var envID, username, password string
	for _, c := range env.Clusters {
		if c.Name == cluster {
			envID, username, password = c.EnvID, c.Username, c.Password
			break
		}
	}
	if envID == "" {
		envID = env.EnvID
	}
	if username == "" {
		username = env.Username
	}
	if password == "" {
		password = env.Password
	}

	orgID := cust.OrgID
	if orgID == "" {
		orgID = r.settings.OrganizationID
	}

	var missing []string
	if envID == "" {
		missing = append(missing, "sf_env_id")
	}
	if username == "" {
		missing = append(missing, "sf_username")
	}
	if password == "" {
		missing = append(missing, "sf_password")
	}
	if orgID == "" {
		missing = append(missing, "sf_org_id")
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("%w: %s/%s/%s missing %v", ErrCredentialsNotFound, customer, environment, cluster, missing)
	}

	return &Credentials{
		AuthURL:        r.loginURL(),
		Username:       username,
		Password:       password,
		OrganizationID: orgID,
		EnvironmentID:  envID,
		Sandbox:        r.settings.Sandbox,
		FeedEnabled:    r.settings.FeedEnabled,
		HashFunc:       r.settings.HashFunc,
	}, nil
}

func (r *Resolver) loginURL() string {
	if r.settings.LoginURL != "" {
		return r.settings.LoginURL
	}
	if r.settings.Sandbox {
		return sandboxLoginURL
	}
	return defaultLoginURL
}
