package alertapi

import (
	"encoding/json"
	"fmt"
	"html"
	"net/http"
	"strconv"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/linnemanlabs/casebridge/internal/alert"
	"github.com/linnemanlabs/casebridge/internal/cases"
)

const (
	maxAlertBytes = 1 << 20

	// caseAttribute is the alert attribute the pipeline stores the case link under.
	caseAttribute = "salesforce"
	jiraAttribute = "jira"

	heartbeatEvent = "HeartbeatFail"

	// statusExists answers alerts that already carry a case link.
	statusExists = "exists"
	// statusJiraRequired answers alerts held back until a Jira issue exists.
	statusJiraRequired = "jira_required"
)

// CaseResponse is returned for every POST /api/v1/cases.
type CaseResponse struct {
	Status     string            `json:"status"`
	AlertID    string            `json:"alert_id"`
	CaseID     string            `json:"case_id,omitempty"`
	RequestID  string            `json:"request_id,omitempty"`
	Text       string            `json:"text"`
	Attributes map[string]string `json:"attributes,omitempty"`
}

var statusText = map[cases.Status]string{
	cases.StatusCreated:   "SalesForce case created",
	cases.StatusDuplicate: "SalesForce case exists for this alert",
	cases.StatusError:     "Failed to create SalesForce case, check logs",
}

func (a *API) handleCreateCase(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var al alert.Alert
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxAlertBytes)).Decode(&al); err != nil {
		http.Error(w, `{"error":"invalid payload"}`, http.StatusBadRequest)
		return
	}

	span := trace.SpanFromContext(ctx)
	span.SetAttributes(
		attribute.String("casebridge.alert.id", al.ID),
		attribute.String("casebridge.alert.event", al.Event),
	)

	if al.HasAttr(caseAttribute) {
		writeJSON(w, http.StatusOK, &CaseResponse{
			Status:  statusExists,
			AlertID: al.ID,
			Text:    "SalesForce case already created for this alert",
		})
		return
	}

	// missed heartbeats always page
	heartbeat := al.Event == heartbeatEvent
	if heartbeat {
		al.Severity = "Critical"
	}

	if a.requireJira && !heartbeat && !al.HasAttr(jiraAttribute) && !skipJiraCheck(r) {
		writeJSON(w, http.StatusConflict, &CaseResponse{
			Status:  statusJiraRequired,
			AlertID: al.ID,
			Text:    "JIRA issue required before creating SalesForce case",
		})
		return
	}

	subject := fmt.Sprintf("SRE [%s] %s", strings.ToUpper(al.Severity), al.Event)

	res := a.svc.CreateCase(ctx, subject, al.Text, &al)
	span.SetAttributes(attribute.String("casebridge.case.status", string(res.Status)))

	resp := &CaseResponse{
		Status:    string(res.Status),
		AlertID:   res.AlertID,
		CaseID:    res.CaseID,
		RequestID: res.RequestID,
		Text:      statusText[res.Status],
	}
	code := http.StatusOK
	switch res.Status {
	case cases.StatusCreated:
		code = http.StatusCreated
		resp.Attributes = map[string]string{caseAttribute: a.caseLink(res.CaseID)}
	case cases.StatusError:
		code = http.StatusBadGateway
	}
	writeJSON(w, code, resp)
}

func skipJiraCheck(r *http.Request) bool {
	skip, _ := strconv.ParseBool(r.URL.Query().Get("skip_jira_check"))
	return skip
}

// caseLink renders the attribute value the pipeline shows next to the alert.
func (a *API) caseLink(caseID string) string {
	if a.linkBase == "" {
		return caseID
	}
	href := strings.TrimRight(a.linkBase, "/") + "/" + caseID
	return fmt.Sprintf(`<a href="%s" target="_blank">%s</a>`, html.EscapeString(href), html.EscapeString(caseID))
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	// nothing to do with errors here
	_ = json.NewEncoder(w).Encode(v)
}
