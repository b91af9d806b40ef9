// Package pgstore provides a PostgreSQL implementation of session.Store.
// The exclusive section is a session-level advisory lock held on one pooled
// connection; the session lives in the backend_sessions table.
package pgstore

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/linnemanlabs/casebridge/internal/postgres"
	"github.com/linnemanlabs/casebridge/internal/session"
)

var tracer = otel.Tracer("github.com/linnemanlabs/casebridge/internal/session/pgstore")

//go:embed schema.sql
var schema string

const pollInterval = 100 * time.Millisecond

// Store keeps one session row per backend instance.
type Store struct {
	pool     *pgxpool.Pool
	instance string
	lockKey  string
	wait     time.Duration
}

// New applies the schema and returns a store for the given backend instance.
// A non-positive wait selects session.DefaultLockWait.
func New(ctx context.Context, pool *pgxpool.Pool, instance string, wait time.Duration) (*Store, error) {
	if pool == nil {
		return nil, errors.New("pgstore: pool is required")
	}
	if instance == "" {
		return nil, errors.New("pgstore: instance is required")
	}
	if _, err := pool.Exec(postgres.WithOperation(ctx, "session.schema"), schema); err != nil {
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	if wait <= 0 {
		wait = session.DefaultLockWait
	}
	return &Store{
		pool:     pool,
		instance: instance,
		lockKey:  "casebridge/session/" + instance,
		wait:     wait,
	}, nil
}

// WithLock implements session.Store.
func (s *Store) WithLock(ctx context.Context, fn func(ctx context.Context, tx session.Tx) error) (err error) {
	ctx, span := tracer.Start(ctx, "pgstore.WithLock", trace.WithAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("casebridge.instance", s.instance),
	))
	defer func() {
		if err != nil && !errors.Is(err, session.ErrLockTimeout) {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire connection: %w", err)
	}
	defer conn.Release()

	if err := s.acquire(ctx, conn); err != nil {
		return err
	}
	defer func() {
		// unlock even when ctx is already cancelled
		unlockCtx := postgres.WithOperation(context.WithoutCancel(ctx), "session.unlock")
		if _, uerr := conn.Exec(unlockCtx, `SELECT pg_advisory_unlock(hashtext($1))`, s.lockKey); uerr != nil {
			// a lock we cannot release must not go back to the pool
			_ = conn.Conn().Close(unlockCtx)
		}
	}()

	return fn(ctx, tx{s: s, conn: conn})
}

func (s *Store) acquire(ctx context.Context, conn *pgxpool.Conn) error {
	lockCtx := postgres.WithOperation(ctx, "session.lock")
	deadline := time.Now().Add(s.wait)
	for {
		var ok bool
		if err := conn.QueryRow(lockCtx, `SELECT pg_try_advisory_lock(hashtext($1))`, s.lockKey).Scan(&ok); err != nil {
			return fmt.Errorf("advisory lock: %w", err)
		}
		if ok {
			return nil
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

type tx struct {
	s    *Store
	conn *pgxpool.Conn
}

func (t tx) Load(ctx context.Context) (session.Session, error) {
	var sess session.Session
	err := t.conn.QueryRow(postgres.WithOperation(ctx, "session.load"),
		`SELECT token, instance_url FROM backend_sessions WHERE instance = $1`, t.s.instance).
		Scan(&sess.Token, &sess.InstanceURL)
	if errors.Is(err, pgx.ErrNoRows) {
		return session.Session{}, nil
	}
	if err != nil {
		return session.Session{}, fmt.Errorf("load session: %w", err)
	}
	return sess, nil
}

// Save is a single upsert, so readers see either the old or the new session.
func (t tx) Save(ctx context.Context, sess session.Session) error {
	_, err := t.conn.Exec(postgres.WithOperation(ctx, "session.save"), `
		INSERT INTO backend_sessions (instance, token, instance_url, updated_at)
		VALUES ($1, $2, $3, now())
		ON CONFLICT (instance) DO UPDATE
		SET token = EXCLUDED.token, instance_url = EXCLUDED.instance_url, updated_at = EXCLUDED.updated_at`,
		t.s.instance, sess.Token, sess.InstanceURL)
	if err != nil {
		return fmt.Errorf("save session: %w", err)
	}
	return nil
}
