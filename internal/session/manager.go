package session

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/linnemanlabs/go-core/log"
	"github.com/linnemanlabs/go-core/xerrors"
	"golang.org/x/sync/singleflight"

	"github.com/linnemanlabs/casebridge/internal/creds"
)

// DefaultAuthBackoff is how long after a failed login further attempts are refused.
const DefaultAuthBackoff = 30 * time.Second

// ErrAuthBackoff is returned while the manager is backing off after a failed login.
var ErrAuthBackoff = errors.New("backing off after failed login")

// Authenticator performs a network login against the backend.
type Authenticator interface {
	Login(ctx context.Context, c *creds.Credentials) (Session, error)
}

// Refresh outcomes reported through Hooks.OnAuth.
const (
	OutcomeReused    = "reused"
	OutcomeRefreshed = "refreshed"
	OutcomeFailed    = "failed"
	OutcomeLocked    = "locked"
	OutcomeBackoff   = "backoff"
)

// Hooks lets callers observe authentication without the manager knowing about metrics.
type Hooks struct {
	// OnAuth is called once per Authenticate with the outcome and whether the
	// manager now holds a usable session.
	OnAuth func(outcome string, ok bool)
}

// Options tunes a Manager. Zero values select the defaults.
type Options struct {
	// InstanceURL is bound to stored sessions that carry no instance of their own.
	InstanceURL string
	Backoff     time.Duration
	Hooks       Hooks
	Now         func() time.Time
}

// Manager decides whether to reuse the stored session or log in again, and
// publishes the result in memory for backend calls.
type Manager struct {
	store       Store
	auth        Authenticator
	logger      log.Logger
	instanceURL string
	backoff     time.Duration
	hooks       Hooks
	now         func() time.Time

	flight singleflight.Group

	mu       sync.RWMutex
	current  Session
	failedAt time.Time
}

// NewManager creates a session manager over store, logging in through auth.
func NewManager(store Store, auth Authenticator, logger log.Logger, opts Options) *Manager {
	if store == nil {
		panic(xerrors.New("session store is required"))
	}
	if auth == nil {
		panic(xerrors.New("authenticator is required"))
	}
	if logger == nil {
		logger = log.Nop()
	}
	if opts.Backoff <= 0 {
		opts.Backoff = DefaultAuthBackoff
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Manager{
		store:       store,
		auth:        auth,
		logger:      logger,
		instanceURL: opts.InstanceURL,
		backoff:     opts.Backoff,
		hooks:       opts.Hooks,
		now:         opts.Now,
	}
}

// Current returns the in-memory session and whether it is usable.
func (m *Manager) Current() (Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current, m.current.Valid()
}

// Bootstrap makes exactly one authentication attempt and never fails the
// caller. A degraded start is allowed: the first backend call will force a
// refresh if the process is still unauthenticated.
func (m *Manager) Bootstrap(ctx context.Context, c *creds.Credentials) {
	if err := m.Authenticate(ctx, c, false); err != nil {
		m.logger.Warn(ctx, "initial authentication failed, starting degraded", "error", err)
		return
	}
	m.logger.Info(ctx, "initial authentication complete")
}

// Authenticate makes sure the manager holds a session. With force set, the
// caller is reporting that the current session just failed.
//
// A new login happens only when the store holds no usable session (no token,
// or no instance URL to call), or when force is set and the store still holds
// the token this process is using. Any other stored session was rotated by
// another process and is reused without a network call. The backoff after a
// failed login applies to the login only.
// c is only consulted when a login is needed. Concurrent callers in one
// process share a single attempt.
func (m *Manager) Authenticate(ctx context.Context, c *creds.Credentials, force bool) error {
	_, err, _ := m.flight.Do(strconv.FormatBool(force), func() (any, error) {
		return nil, m.authenticate(ctx, c, force)
	})
	return err
}

func (m *Manager) authenticate(ctx context.Context, c *creds.Credentials, force bool) error {
	outcome := OutcomeFailed
	err := m.store.WithLock(ctx, func(ctx context.Context, tx Tx) error {
		saved, err := tx.Load(ctx)
		if err != nil {
			return fmt.Errorf("load session: %w", err)
		}
		if saved.Token != "" && saved.InstanceURL == "" {
			saved.InstanceURL = m.boundInstance()
		}

		if !m.refreshNeeded(saved, force) {
			m.setCurrent(saved)
			outcome = OutcomeReused
			m.logger.Info(ctx, "reusing stored session", "forced", force)
			return nil
		}

		// only a login is held back after a failure; a session rotated in
		// by another process is reused above regardless
		if wait := m.backoffRemaining(); wait > 0 {
			outcome = OutcomeBackoff
			return fmt.Errorf("%w: retry in %s", ErrAuthBackoff, wait.Round(time.Second))
		}

		if c == nil {
			return fmt.Errorf("login: %w", creds.ErrCredentialsNotFound)
		}

		m.logger.Info(ctx, "refreshing session", "forced", force, "stored", saved.Token != "")
		sess, err := m.auth.Login(ctx, c)
		if err != nil {
			m.markFailed()
			return fmt.Errorf("login: %w", err)
		}
		if sess.InstanceURL == "" {
			sess.InstanceURL = m.boundInstance()
		}

		// the new session is good even if persisting it fails; other
		// processes will log in on their own next time
		if err := tx.Save(ctx, sess); err != nil {
			m.logger.Error(ctx, err, "failed to persist refreshed session")
		}
		m.setCurrent(sess)
		outcome = OutcomeRefreshed
		m.logger.Info(ctx, "session refreshed")
		return nil
	})

	if errors.Is(err, ErrLockTimeout) {
		outcome = OutcomeLocked
	}
	m.report(outcome)
	return err
}

// refreshNeeded reports whether saved cannot be used: nothing is stored, the
// record has no instance to call, or force is set and saved is the session
// this process already holds.
func (m *Manager) refreshNeeded(saved Session, force bool) bool {
	if !saved.Valid() {
		return true
	}
	if !force {
		return false
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current.Token == saved.Token
}

func (m *Manager) boundInstance() string {
	if m.instanceURL != "" {
		return m.instanceURL
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current.InstanceURL
}

func (m *Manager) setCurrent(s Session) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.current = s
	m.failedAt = time.Time{}
}

func (m *Manager) markFailed() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failedAt = m.now()
}

func (m *Manager) backoffRemaining() time.Duration {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.failedAt.IsZero() {
		return 0
	}
	return m.backoff - m.now().Sub(m.failedAt)
}

func (m *Manager) report(outcome string) {
	if m.hooks.OnAuth == nil {
		return
	}
	_, ok := m.Current()
	m.hooks.OnAuth(outcome, ok && (outcome == OutcomeReused || outcome == OutcomeRefreshed))
}
