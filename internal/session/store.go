package session

import (
	"context"
	"errors"
	"time"
)

// DefaultLockWait bounds how long a Store waits for its exclusive section.
const DefaultLockWait = 5 * time.Second

// ErrLockTimeout means the exclusive section could not be entered within the
// store's bounded wait. The refresh is abandoned for this call.
var ErrLockTimeout = errors.New("session store locked by another process")

// Session is an authenticated handle on the backend.
type Session struct {
	Token       string
	InstanceURL string
}

// Valid reports whether the session can be used for backend calls: it needs
// both a token and the instance that issued it.
func (s Session) Valid() bool { return s.Token != "" && s.InstanceURL != "" }

// Tx is the view of the session record available inside the exclusive section.
type Tx interface {
	// Load returns the stored session, the zero Session when nothing is
	// stored yet. Records written without an instance load with an empty
	// InstanceURL.
	Load(ctx context.Context) (Session, error)
	// Save replaces the stored session. Readers never observe a partial record.
	Save(ctx context.Context, s Session) error
}

// Store is the durable, cross-process location of the last known session token.
type Store interface {
	// WithLock runs fn inside the store's exclusive section. The section is
	// released on every exit path. Returns ErrLockTimeout on contention.
	WithLock(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error
}

// Load reads the stored session inside its own exclusive section.
func Load(ctx context.Context, s Store) (Session, error) {
	var sess Session
	err := s.WithLock(ctx, func(ctx context.Context, tx Tx) error {
		var err error
		sess, err = tx.Load(ctx)
		return err
	})
	return sess, err
}

// Save replaces the stored session inside its own exclusive section.
func Save(ctx context.Context, s Store, sess Session) error {
	return s.WithLock(ctx, func(ctx context.Context, tx Tx) error {
		return tx.Save(ctx, sess)
	})
}
