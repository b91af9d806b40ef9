package postgres

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/linnemanlabs/go-core/log"
)

func TestShortenFuncName(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		in   string
		want string
	}{
		{"full path", "github.com/linnemanlabs/casebridge/internal/session/pgstore.(*Store).WithLock", "(*Store).WithLock"},
		{"already short", "(*Store).WithLock", "WithLock"},
		{"empty string", "", ""},
		{"no dots", "main", "main"},
		{"single segment", "foo.Bar", "Bar"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := shortenFuncName(tt.in); got != tt.want {
				t.Errorf("shortenFuncName(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestWithOperation(t *testing.T) {
	t.Parallel()

	if got := operationFromContext(context.Background()); got != "unknown" {
		t.Errorf("default operation = %q, want %q", got, "unknown")
	}
	ctx := WithOperation(context.Background(), "session.load")
	if got := operationFromContext(ctx); got != "session.load" {
		t.Errorf("operation = %q, want %q", got, "session.load")
	}
	if got := operationFromContext(WithOperation(context.Background(), "")); got != "unknown" {
		t.Errorf("empty operation = %q, want %q", got, "unknown")
	}
}

// The observer is process-global, so the tests touching it run serially.
func TestLoggingTracer_ObservesQueries(t *testing.T) {
	defer SetQueryObserver(nil)

	type obs struct {
		op, outcome string
	}
	var (
		mu  sync.Mutex
		got []obs
	)
	SetQueryObserver(QueryObserverFunc(func(_ context.Context, op, outcome string, dur time.Duration) {
		mu.Lock()
		defer mu.Unlock()
		if dur <= 0 {
			t.Errorf("dur = %v, want > 0", dur)
		}
		got = append(got, obs{op, outcome})
	}))

	tr := wrapQueryTracer(nil)
	base := WithOperation(log.WithContext(context.Background(), log.Nop()), "session.save")

	ctx := tr.TraceQueryStart(base, nil, pgx.TraceQueryStartData{SQL: "SELECT 1"})
	time.Sleep(time.Millisecond)
	tr.TraceQueryEnd(ctx, nil, pgx.TraceQueryEndData{})

	ctx = tr.TraceQueryStart(base, nil, pgx.TraceQueryStartData{SQL: "SELECT broken"})
	time.Sleep(time.Millisecond)
	tr.TraceQueryEnd(ctx, nil, pgx.TraceQueryEndData{Err: errors.New("boom")})

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 2 {
		t.Fatalf("observations = %d, want 2", len(got))
	}
	if got[0] != (obs{"session.save", "ok"}) {
		t.Errorf("first = %+v", got[0])
	}
	if got[1] != (obs{"session.save", "error"}) {
		t.Errorf("second = %+v", got[1])
	}
}

func TestSetQueryObserver(t *testing.T) {
	defer SetQueryObserver(nil)

	called := false
	SetQueryObserver(QueryObserverFunc(func(_ context.Context, _, _ string, _ time.Duration) {
		called = true
	}))
	got := getQueryObserver()
	if got == nil {
		t.Fatal("expected non-nil observer after Set")
	}
	got.ObserveQuery(context.Background(), "session.load", "ok", time.Millisecond)
	if !called {
		t.Error("observer was not called")
	}

	SetQueryObserver(nil)
	if getQueryObserver() != nil {
		t.Error("expected nil observer after Set(nil)")
	}
}
