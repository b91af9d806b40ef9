// Package memstore provides an in-process implementation of session.Store.
// Suitable for dev/testing and single-process deployments.
package memstore

import (
	"context"
	"sync"
	"time"

	"github.com/linnemanlabs/casebridge/internal/session"
)

// Store keeps the session in memory behind a one-slot semaphore.
type Store struct {
	sem  chan struct{}
	wait time.Duration

	mu    sync.Mutex
	sess  session.Session
	saves int
}

// New creates an empty store. A non-positive wait selects session.DefaultLockWait.
func New(wait time.Duration) *Store {
	if wait <= 0 {
		wait = session.DefaultLockWait
	}
	return &Store{
		sem:  make(chan struct{}, 1),
		wait: wait,
	}
}

// WithLock implements session.Store.
func (s *Store) WithLock(ctx context.Context, fn func(ctx context.Context, tx session.Tx) error) error {
	t := time.NewTimer(s.wait)
	defer t.Stop()

	select {
	case s.sem <- struct{}{}:
	case <-t.C:
		return session.ErrLockTimeout
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() { <-s.sem }()

	return fn(ctx, tx{s})
}

// Saves returns how many times the session has been written.
func (s *Store) Saves() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saves
}

type tx struct{ s *Store }

func (t tx) Load(context.Context) (session.Session, error) {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	return t.s.sess, nil
}

func (t tx) Save(_ context.Context, s session.Session) error {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	t.s.sess = s
	t.s.saves++
	return nil
}
