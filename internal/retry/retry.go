// Package retry runs a backend operation with a bounded re-authentication
// policy: attempt, classify the failure, refresh the session, attempt again.
package retry

import (
	"context"
	"errors"
	"fmt"

	"github.com/linnemanlabs/go-core/log"
	"github.com/linnemanlabs/go-core/xerrors"

	"github.com/linnemanlabs/casebridge/internal/creds"
	"github.com/linnemanlabs/casebridge/internal/session"
	"github.com/linnemanlabs/casebridge/internal/sfdc"
)

// Reauthenticator is the part of the session manager the wrapper drives.
type Reauthenticator interface {
	Authenticate(ctx context.Context, c *creds.Credentials, force bool) error
	Current() (session.Session, bool)
}

// Policy bounds retries. MaxRetries is the number of extra attempts after the
// first, each preceded by a forced re-authentication.
type Policy struct {
	MaxRetries  int
	Recoverable func(error) bool
}

// DefaultPolicy retries once on session expiry and connection failures.
func DefaultPolicy() Policy {
	return Policy{MaxRetries: 1, Recoverable: sfdc.IsRecoverable}
}

// Hooks observe retry activity. Nil funcs are skipped.
type Hooks struct {
	OnRetry func(kind string)
}

// Wrapper applies a Policy around backend operations.
type Wrapper struct {
	auth   Reauthenticator
	policy Policy
	logger log.Logger
	hooks  Hooks
}

// New creates a wrapper. A zero Recoverable selects sfdc.IsRecoverable;
// negative MaxRetries is treated as zero.
func New(auth Reauthenticator, policy Policy, logger log.Logger, hooks Hooks) *Wrapper {
	if auth == nil {
		panic(xerrors.New("reauthenticator is required"))
	}
	if logger == nil {
		logger = log.Nop()
	}
	if policy.Recoverable == nil {
		policy.Recoverable = sfdc.IsRecoverable
	}
	if policy.MaxRetries < 0 {
		policy.MaxRetries = 0
	}
	return &Wrapper{auth: auth, policy: policy, logger: logger, hooks: hooks}
}

// Do runs op with the current session. A recoverable failure forces one
// re-authentication with c and runs op again, up to the policy's bound. The
// last failure is returned unchanged; when re-authentication itself fails the
// retry is skipped and both errors are returned joined.
func Do[T any](ctx context.Context, w *Wrapper, c *creds.Credentials, op func(context.Context, session.Session) (T, error)) (T, error) {
	sess, _ := w.auth.Current()
	v, err := op(ctx, sess)

	for attempt := 1; err != nil && attempt <= w.policy.MaxRetries; attempt++ {
		if !w.policy.Recoverable(err) {
			return v, err
		}
		kind := sfdc.KindOf(err).String()
		w.logger.Warn(ctx, "backend call failed, re-authenticating", "attempt", attempt, "kind", kind, "error", err)
		if w.hooks.OnRetry != nil {
			w.hooks.OnRetry(kind)
		}

		if authErr := w.auth.Authenticate(ctx, c, true); authErr != nil {
			var zero T
			return zero, errors.Join(err, fmt.Errorf("re-authenticate: %w", authErr))
		}
		sess, _ = w.auth.Current()
		v, err = op(ctx, sess)
	}
	return v, err
}
