package cases

import (
	"strings"
	"time"

	"github.com/linnemanlabs/casebridge/internal/alert"
	"github.com/linnemanlabs/casebridge/internal/sfdc"
)

// Status is the terminal outcome of one case-creation call.
type Status string

const (
	StatusCreated   Status = "created"
	StatusDuplicate Status = "duplicate"
	StatusError     Status = "error"
)

// Result is returned for every CreateCase call; nothing is raised past it.
type Result struct {
	RequestID string        `json:"request_id"`
	AlertID   string        `json:"alert_id"`
	CaseID    string        `json:"case_id,omitempty"`
	Status    Status        `json:"status"`
	Duration  time.Duration `json:"-"`
	Err       error         `json:"-"`
}

// Unknown fills host and service when the alert carries neither.
const Unknown = "UNKNOWN"

const defaultPriority = "070 Unknown"

var priorities = map[string]string{
	"OK":            "060 Informational",
	"UP":            "060 Informational",
	"INFORMATIONAL": "060 Informational",
	"UNKNOWN":       "070 Unknown",
	"WARNING":       "080 Warning",
	"MINOR":         "080 Warning",
	"MAJOR":         "090 Critical",
	"CRITICAL":      "090 Critical",
	"DOWN":          "090 Critical",
	"UNREACHABLE":   "090 Critical",
}

// Priority maps an alert severity to the backend priority, case-insensitively.
func Priority(severity string) string {
	if p, ok := priorities[strings.ToUpper(strings.TrimSpace(severity))]; ok {
		return p
	}
	return defaultPriority
}

// BuildPayload assembles the Case record for an alert.
func BuildPayload(subject, body string, a *alert.Alert, alertID, environmentID string) *sfdc.Case {
	service := Unknown
	if len(a.Service) > 0 && a.Service[0] != "" {
		service = a.Service[0]
	}

	host := a.Resource
	if host == "" {
		host = a.Attr("instance")
	}
	if host == "" {
		host = Unknown
	}

	return &sfdc.Case{
		Subject:     subject,
		Description: body,
		IsMosAlert:  "true",
		Priority:    Priority(a.Severity),
		Host:        host,
		Service:     service,
		Environment: environmentID,
		AlertID:     alertID,
		ClusterID:   a.Attr("cluster_id"),
	}
}
