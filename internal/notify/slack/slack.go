// Package slack announces newly opened cases to Slack via incoming webhooks.
package slack

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/casebridge/internal/alert"
	"github.com/linnemanlabs/casebridge/internal/cases"
)

const (
	maxTextLen  = 3000
	httpTimeout = 10 * time.Second
)

// Notifier posts case announcements to a Slack webhook.
type Notifier struct {
	webhookURL string
	linkBase   string
	client     *http.Client
	logger     log.Logger
	now        func() time.Time
}

// New creates a new Slack notifier. If webhookURL is empty, CaseCreated is a
// no-op. linkBase, when set, turns case ids into links.
func New(webhookURL, linkBase string, logger log.Logger) *Notifier {
	if logger == nil {
		logger = log.Nop()
	}
	return &Notifier{
		webhookURL: webhookURL,
		linkBase:   strings.TrimRight(linkBase, "/"),
		client:     &http.Client{Timeout: httpTimeout, Transport: otelhttp.NewTransport(http.DefaultTransport)},
		logger:     logger,
		now:        time.Now,
	}
}

// CaseCreated posts an announcement for a newly created case.
func (n *Notifier) CaseCreated(ctx context.Context, a *alert.Alert, r *cases.Result) error {
	if n.webhookURL == "" {
		return nil
	}

	body, err := json.Marshal(n.buildMessage(a, r))
	if err != nil {
		return fmt.Errorf("slack: marshal message: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.webhookURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("slack: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req) //nolint:gosec // G704: webhookURL is from trusted config, not user input
	if err != nil {
		return fmt.Errorf("slack: post webhook: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("slack: webhook returned %d: %s", resp.StatusCode, string(respBody))
	}
	n.logger.Info(ctx, "case announced to slack", "case_id", r.CaseID, "alert_id", r.AlertID)
	return nil
}

func (n *Notifier) buildMessage(a *alert.Alert, r *cases.Result) map[string]any {
	return map[string]any{
		"blocks": []map[string]any{
			headerBlock(a),
			{"type": "divider"},
			n.fieldsBlock(a, r),
			textBlock(a),
			{"type": "divider"},
			n.contextBlock(r),
		},
	}
}

func headerBlock(a *alert.Alert) map[string]any {
	text := fmt.Sprintf("%s Case opened: %s", severityEmoji(a.Severity), a.Event)
	return map[string]any{
		"type": "header",
		"text": map[string]any{
			"type": "plain_text",
			"text": text,
		},
	}
}

func (n *Notifier) fieldsBlock(a *alert.Alert, r *cases.Result) map[string]any {
	field := func(label, value string) map[string]any {
		if value == "" {
			value = "-"
		}
		return map[string]any{"type": "mrkdwn", "text": fmt.Sprintf("*%s:* %s", label, value)}
	}
	return map[string]any{
		"type": "section",
		"fields": []map[string]any{
			field("Case", n.caseRef(r.CaseID)),
			field("Priority", cases.Priority(a.Severity)),
			field("Customer", a.Customer),
			field("Environment", a.Environment),
			field("Resource", a.Resource),
			field("Severity", a.Severity),
		},
	}
}

func textBlock(a *alert.Alert) map[string]any {
	text := truncate(a.Text, maxTextLen)
	if text == "" {
		text = "_No alert text._"
	}
	return map[string]any{
		"type": "section",
		"text": map[string]any{
			"type": "mrkdwn",
			"text": text,
		},
	}
}

func (n *Notifier) contextBlock(r *cases.Result) map[string]any {
	elements := []map[string]any{
		{
			"type": "mrkdwn",
			"text": fmt.Sprintf("casebridge • alert %s • request %s • %s", r.AlertID, r.RequestID, n.now().UTC().Format("2006-01-02 15:04 UTC")),
		},
	}
	return map[string]any{
		"type":     "context",
		"elements": elements,
	}
}

func (n *Notifier) caseRef(caseID string) string {
	if n.linkBase == "" {
		return caseID
	}
	return fmt.Sprintf("<%s/%s|%s>", n.linkBase, caseID, caseID)
}

func severityEmoji(severity string) string {
	switch cases.Priority(severity) {
	case "090 Critical":
		return "\U0001f534" // red circle
	case "080 Warning":
		return "\U0001f7e1" // yellow circle
	default:
		return "\U0001f7e2" // green circle
	}
}

func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	return s[:limit-3] + "..."
}
