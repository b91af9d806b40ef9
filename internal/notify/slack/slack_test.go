package slack

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/casebridge/internal/alert"
	"github.com/linnemanlabs/casebridge/internal/cases"
)

func testAlert() *alert.Alert {
	return &alert.Alert{
		ID:          "A1",
		Customer:    "acme",
		Environment: "prod",
		Resource:    "node-1",
		Event:       "NodeDown",
		Severity:    "critical",
		Text:        "node-1 stopped reporting",
	}
}

func testResult() *cases.Result {
	return &cases.Result{RequestID: "01JN123", AlertID: "A1", CaseID: "5001x", Status: cases.StatusCreated}
}

func TestCaseCreated_PostsToWebhook(t *testing.T) {
	t.Parallel()

	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Content-Type") != "application/json" {
			t.Errorf("content-type = %q, want application/json", r.Header.Get("Content-Type"))
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode body: %v", err)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	n := New(srv.URL, "https://org.example.com/", log.Nop())
	n.now = func() time.Time { return time.Date(2026, 2, 26, 14, 23, 0, 0, time.UTC) }

	if err := n.CaseCreated(context.Background(), testAlert(), testResult()); err != nil {
		t.Fatalf("CaseCreated: %v", err)
	}

	blocks, ok := got["blocks"].([]any)
	if !ok {
		t.Fatal("expected blocks array in payload")
	}
	// header, divider, fields, text, divider, context
	if len(blocks) != 6 {
		t.Fatalf("blocks count = %d, want 6", len(blocks))
	}

	raw, _ := json.Marshal(got)
	for _, want := range []string{
		"Case opened: NodeDown",
		"\U0001f534",
		"https://org.example.com/5001x|5001x",
		"*Priority:* 090 Critical",
		"*Customer:* acme",
		"node-1 stopped reporting",
		"request 01JN123",
		"2026-02-26 14:23 UTC",
	} {
		if !strings.Contains(string(raw), want) {
			t.Errorf("payload missing %q", want)
		}
	}
}

func TestCaseCreated_EmptyWebhookIsNoop(t *testing.T) {
	t.Parallel()

	if err := New("", "", nil).CaseCreated(context.Background(), testAlert(), testResult()); err != nil {
		t.Errorf("CaseCreated = %v, want nil", err)
	}
}

func TestCaseCreated_Non2xx(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		_, _ = w.Write([]byte("invalid_token"))
	}))
	defer srv.Close()

	err := New(srv.URL, "", log.Nop()).CaseCreated(context.Background(), testAlert(), testResult())
	if err == nil || !strings.Contains(err.Error(), "403") || !strings.Contains(err.Error(), "invalid_token") {
		t.Errorf("err = %v, want 403 with body", err)
	}
}

func TestCaseCreated_ContextCancelled(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := New(srv.URL, "", log.Nop()).CaseCreated(ctx, testAlert(), testResult()); err == nil {
		t.Error("expected error for cancelled context")
	}
}

func TestSeverityEmoji(t *testing.T) {
	t.Parallel()

	tests := []struct {
		severity string
		want     string
	}{
		{"critical", "\U0001f534"},
		{"Major", "\U0001f534"},
		{"warning", "\U0001f7e1"},
		{"ok", "\U0001f7e2"},
		{"bogus", "\U0001f7e2"},
	}
	for _, tt := range tests {
		if got := severityEmoji(tt.severity); got != tt.want {
			t.Errorf("severityEmoji(%q) = %q, want %q", tt.severity, got, tt.want)
		}
	}
}

func TestTruncate(t *testing.T) {
	t.Parallel()

	if got := truncate("short", 10); got != "short" {
		t.Errorf("truncate short = %q", got)
	}
	long := strings.Repeat("a", maxTextLen+10)
	if got := truncate(long, maxTextLen); len(got) != maxTextLen || !strings.HasSuffix(got, "...") {
		t.Errorf("truncate long: len %d", len(got))
	}
}

func TestCaseRef_NoLinkBase(t *testing.T) {
	t.Parallel()

	if got := New("x", "", nil).caseRef("5001x"); got != "5001x" {
		t.Errorf("caseRef = %q", got)
	}
}
