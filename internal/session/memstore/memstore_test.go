package memstore

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/linnemanlabs/casebridge/internal/session"
)

func TestStore_LoadSave(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := New(0)

	got, err := session.Load(ctx, s)
	if err != nil || got != (session.Session{}) {
		t.Fatalf("empty Load = %+v, %v", got, err)
	}
	want := session.Session{Token: "tok-1", InstanceURL: "https://i.example"}
	if err := session.Save(ctx, s, want); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if got, _ := session.Load(ctx, s); got != want {
		t.Errorf("Load = %+v, want %+v", got, want)
	}
	if s.Saves() != 1 {
		t.Errorf("Saves = %d, want 1", s.Saves())
	}
}

func TestStore_LockTimeout(t *testing.T) {
	t.Parallel()

	s := New(20 * time.Millisecond)
	held := make(chan struct{})
	release := make(chan struct{})
	done := make(chan struct{})

	go func() {
		defer close(done)
		_ = s.WithLock(context.Background(), func(context.Context, session.Tx) error {
			close(held)
			<-release
			return nil
		})
	}()
	<-held

	err := s.WithLock(context.Background(), func(context.Context, session.Tx) error {
		t.Error("entered section while it was held")
		return nil
	})
	if !errors.Is(err, session.ErrLockTimeout) {
		t.Errorf("err = %v, want ErrLockTimeout", err)
	}

	close(release)
	<-done

	// released on exit, the next caller gets in
	if err := s.WithLock(context.Background(), func(context.Context, session.Tx) error { return nil }); err != nil {
		t.Errorf("WithLock after release: %v", err)
	}
}

func TestStore_ReleasedOnError(t *testing.T) {
	t.Parallel()

	s := New(20 * time.Millisecond)
	boom := errors.New("boom")
	if err := s.WithLock(context.Background(), func(context.Context, session.Tx) error { return boom }); !errors.Is(err, boom) {
		t.Fatalf("err = %v, want boom", err)
	}
	if err := s.WithLock(context.Background(), func(context.Context, session.Tx) error { return nil }); err != nil {
		t.Errorf("section not released after error: %v", err)
	}
}

func TestStore_ContextCancelled(t *testing.T) {
	t.Parallel()

	s := New(time.Second)
	s.sem <- struct{}{}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := s.WithLock(ctx, func(context.Context, session.Tx) error { return nil }); !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
}
