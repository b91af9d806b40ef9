// Package alertapi is the HTTP interface the alert pipeline calls to open
// cases and read back the case tracked for an alert.
package alertapi

import (
	"context"
	"encoding/json"
	"net/http"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/go-chi/chi/v5"
	"github.com/linnemanlabs/go-core/log"
	"github.com/linnemanlabs/go-core/xerrors"

	"github.com/linnemanlabs/casebridge/internal/alert"
	"github.com/linnemanlabs/casebridge/internal/cases"
)

// CaseService defines the business operations alertapi needs.
type CaseService interface {
	CreateCase(ctx context.Context, subject, body string, a *alert.Alert) *cases.Result
	Lookup(alertID string) (string, bool)
}

// Options tunes the caller-facing rendering of results.
type Options struct {
	// LinkBase prefixes case ids in the attribute patch returned for new cases.
	LinkBase string
	// RequireJira holds back alerts without a jira attribute unless the
	// caller passes skip_jira_check=true. HeartbeatFail is never held back.
	RequireJira bool
}

// API holds dependencies for HTTP handlers.
type API struct {
	logger      log.Logger
	svc         CaseService
	linkBase    string
	requireJira bool
}

// New creates a new API handler.
func New(logger log.Logger, svc CaseService, opts Options) *API {
	if logger == nil {
		logger = log.Nop()
	}
	if svc == nil {
		panic(xerrors.New("case service is required"))
	}
	return &API{
		logger:      logger,
		svc:         svc,
		linkBase:    opts.LinkBase,
		requireJira: opts.RequireJira,
	}
}

// RegisterRoutes attaches API endpoints to the router.
func (a *API) RegisterRoutes(r chi.Router) {
	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/cases", a.handleCreateCase)
		r.Get("/cases/{alertID}", a.handleGetCase)
	})
}

func (a *API) handleGetCase(w http.ResponseWriter, r *http.Request) {
	alertID := chi.URLParam(r, "alertID")

	span := trace.SpanFromContext(r.Context())
	span.SetAttributes(attribute.String("casebridge.alert.id", alertID))

	caseID, ok := a.svc.Lookup(alertID)
	if !ok {
		http.Error(w, `{"error":"not found"}`, http.StatusNotFound)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{
		"alert_id": alertID,
		"case_id":  caseID,
	})
}
