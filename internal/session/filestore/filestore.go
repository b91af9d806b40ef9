//go:build unix

// Package filestore keeps the session token and instance URL in a file shared by every
// process on the host, coordinated with an advisory flock(2).
package filestore

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/sys/unix"

	"github.com/linnemanlabs/casebridge/internal/session"
)

const pollInterval = 50 * time.Millisecond

// Store is a session.Store backed by <path> with its lock on <path>.lock.
// The lock lives on a separate file so the token file can be replaced by
// rename without invalidating a held lock.
type Store struct {
	path     string
	lockPath string
	wait     time.Duration
}

// New returns a store for the token file at path. The directory must exist.
// A non-positive wait selects session.DefaultLockWait.
func New(path string, wait time.Duration) (*Store, error) {
	if path == "" {
		return nil, errors.New("session file path is required")
	}
	dir := filepath.Dir(path)
	if fi, err := os.Stat(dir); err != nil {
		return nil, fmt.Errorf("session dir: %w", err)
	} else if !fi.IsDir() {
		return nil, fmt.Errorf("session dir %s is not a directory", dir)
	}
	if wait <= 0 {
		wait = session.DefaultLockWait
	}
	return &Store{path: path, lockPath: path + ".lock", wait: wait}, nil
}

// WithLock implements session.Store. Each call opens its own descriptor, so
// goroutines in one process exclude each other the same way processes do.
func (s *Store) WithLock(ctx context.Context, fn func(ctx context.Context, tx session.Tx) error) error {
	f, err := os.OpenFile(s.lockPath, os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return fmt.Errorf("open lock file: %w", err)
	}
	defer func() { _ = f.Close() }()

	if err := s.acquire(ctx, f); err != nil {
		return err
	}
	defer func() { _ = unix.Flock(int(f.Fd()), unix.LOCK_UN) }()

	return fn(ctx, tx{s})
}

// acquire polls a non-blocking exclusive flock until the bounded wait expires.
func (s *Store) acquire(ctx context.Context, f *os.File) error {
	deadline := time.Now().Add(s.wait)
	for {
		err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB)
		if err == nil {
			return nil
		}
		if !errors.Is(err, unix.EWOULDBLOCK) && !errors.Is(err, unix.EINTR) {
			return fmt.Errorf("flock %s: %w", s.lockPath, err)
		}
		if time.Now().After(deadline) {
			return session.ErrLockTimeout
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(pollInterval):
		}
	}
}

type tx struct{ s *Store }

// Load reads the token from the first line of the session file and the
// instance URL from the second. A missing file is an empty session; a file
// holding only a token loads with an empty instance.
func (t tx) Load(context.Context) (session.Session, error) {
	data, err := os.ReadFile(t.s.path)
	if errors.Is(err, os.ErrNotExist) {
		return session.Session{}, nil
	}
	if err != nil {
		return session.Session{}, fmt.Errorf("read session file: %w", err)
	}
	token, rest, _ := strings.Cut(string(data), "\n")
	instance, _, _ := strings.Cut(rest, "\n")
	return session.Session{
		Token:       strings.TrimSpace(token),
		InstanceURL: strings.TrimSpace(instance),
	}, nil
}

// Save writes the token and instance lines to a temp file in the same
// directory and renames it over the session file.
func (t tx) Save(_ context.Context, sess session.Session) error {
	dir := filepath.Dir(t.s.path)
	tmp, err := os.CreateTemp(dir, filepath.Base(t.s.path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp session file: %w", err)
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	if _, err := tmp.WriteString(sess.Token + "\n" + sess.InstanceURL + "\n"); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write session file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("sync session file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close session file: %w", err)
	}
	if err := os.Rename(tmpName, t.s.path); err != nil {
		return fmt.Errorf("replace session file: %w", err)
	}
	return nil
}
