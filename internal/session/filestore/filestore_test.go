//go:build unix

package filestore

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/linnemanlabs/casebridge/internal/session"
)

func newTestStore(t *testing.T, wait time.Duration) *Store {
	t.Helper()
	s, err := New(filepath.Join(t.TempDir(), "session"), wait)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return s
}

func TestNew_Validation(t *testing.T) {
	t.Parallel()

	if _, err := New("", 0); err == nil {
		t.Error("expected error for empty path")
	}
	if _, err := New(filepath.Join(t.TempDir(), "missing", "session"), 0); err == nil {
		t.Error("expected error for missing directory")
	}

	s, err := New(filepath.Join(t.TempDir(), "session"), 0)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if s.wait != session.DefaultLockWait {
		t.Errorf("wait = %v, want %v", s.wait, session.DefaultLockWait)
	}
}

func TestLoad_EmptyStore(t *testing.T) {
	t.Parallel()

	s := newTestStore(t, time.Second)
	got, err := session.Load(context.Background(), s)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got != (session.Session{}) {
		t.Errorf("session = %+v, want empty", got)
	}
}

func TestSaveAndLoad(t *testing.T) {
	t.Parallel()

	s := newTestStore(t, time.Second)
	ctx := context.Background()

	long := session.Session{Token: "00Dxx!AQ4AQLongToken", InstanceURL: "https://na1.my.salesforce.com"}
	if err := session.Save(ctx, s, long); err != nil {
		t.Fatalf("Save: %v", err)
	}
	short := session.Session{Token: "short", InstanceURL: "https://x.example"}
	if err := session.Save(ctx, s, short); err != nil {
		t.Fatalf("Save: %v", err)
	}

	got, err := session.Load(ctx, s)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got != short {
		t.Errorf("session = %+v, want %+v (no leftover bytes from the longer record)", got, short)
	}

	// no temp files left behind
	entries, err := os.ReadDir(filepath.Dir(s.path))
	if err != nil {
		t.Fatal(err)
	}
	for _, e := range entries {
		if e.Name() != "session" && e.Name() != "session.lock" {
			t.Errorf("unexpected file %q in session dir", e.Name())
		}
	}
}

func TestLoad_Lines(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		content string
		want    session.Session
	}{
		{"token and instance", "tok-1\nhttps://i.example\n", session.Session{Token: "tok-1", InstanceURL: "https://i.example"}},
		{"token only", "tok-1\n", session.Session{Token: "tok-1"}},
		{"no trailing newline", "tok-1", session.Session{Token: "tok-1"}},
		{"extra lines ignored", "tok-1\nhttps://i.example\nleftover\n", session.Session{Token: "tok-1", InstanceURL: "https://i.example"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			s := newTestStore(t, time.Second)
			if err := os.WriteFile(s.path, []byte(tt.content), 0o600); err != nil {
				t.Fatal(err)
			}
			got, err := session.Load(context.Background(), s)
			if err != nil {
				t.Fatalf("Load: %v", err)
			}
			if got != tt.want {
				t.Errorf("session = %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestWithLock_TimeoutWhileHeld(t *testing.T) {
	t.Parallel()

	s := newTestStore(t, 200*time.Millisecond)
	ctx := context.Background()

	held := make(chan struct{})
	release := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- s.WithLock(ctx, func(context.Context, session.Tx) error {
			close(held)
			<-release
			return nil
		})
	}()
	<-held

	start := time.Now()
	err := s.WithLock(ctx, func(context.Context, session.Tx) error {
		t.Error("entered exclusive section while another holder was inside")
		return nil
	})
	if !errors.Is(err, session.ErrLockTimeout) {
		t.Fatalf("err = %v, want ErrLockTimeout", err)
	}
	if waited := time.Since(start); waited > 2*time.Second {
		t.Errorf("waited %v, want bounded wait", waited)
	}

	close(release)
	if err := <-done; err != nil {
		t.Fatalf("holder: %v", err)
	}
	if err := s.WithLock(ctx, func(context.Context, session.Tx) error { return nil }); err != nil {
		t.Errorf("WithLock after release: %v", err)
	}
}

func TestWithLock_ReleasedOnError(t *testing.T) {
	t.Parallel()

	s := newTestStore(t, 200*time.Millisecond)
	ctx := context.Background()
	boom := errors.New("boom")

	if err := s.WithLock(ctx, func(context.Context, session.Tx) error { return boom }); !errors.Is(err, boom) {
		t.Fatalf("err = %v, want boom", err)
	}
	if err := s.WithLock(ctx, func(context.Context, session.Tx) error { return nil }); err != nil {
		t.Errorf("lock not released after error: %v", err)
	}
}

func TestWithLock_ContextCancelled(t *testing.T) {
	t.Parallel()

	s := newTestStore(t, 5*time.Second)

	held := make(chan struct{})
	release := make(chan struct{})
	go func() {
		_ = s.WithLock(context.Background(), func(context.Context, session.Tx) error {
			close(held)
			<-release
			return nil
		})
	}()
	<-held
	defer close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	err := s.WithLock(ctx, func(context.Context, session.Tx) error { return nil })
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("err = %v, want context.DeadlineExceeded", err)
	}
}

func TestWithLock_SerializesWriters(t *testing.T) {
	t.Parallel()

	s := newTestStore(t, 5*time.Second)
	ctx := context.Background()

	var (
		mu     sync.Mutex
		inside int
		maxIn  int
		wg     sync.WaitGroup
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := s.WithLock(ctx, func(ctx context.Context, tx session.Tx) error {
				mu.Lock()
				inside++
				if inside > maxIn {
					maxIn = inside
				}
				mu.Unlock()

				time.Sleep(5 * time.Millisecond)
				err := tx.Save(ctx, session.Session{Token: "tok", InstanceURL: "https://i.example"})

				mu.Lock()
				inside--
				mu.Unlock()
				return err
			})
			if err != nil {
				t.Errorf("WithLock: %v", err)
			}
		}()
	}
	wg.Wait()

	if maxIn != 1 {
		t.Errorf("max holders = %d, want 1", maxIn)
	}
}
