// Package cases turns qualifying alerts into backend support cases, exactly
// once per alert identity while the dedup entry is live.
package cases

import (
	"context"
	"errors"
	"time"

	"github.com/linnemanlabs/go-core/log"
	"github.com/linnemanlabs/go-core/xerrors"
	"github.com/oklog/ulid/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/linnemanlabs/casebridge/internal/alert"
	"github.com/linnemanlabs/casebridge/internal/creds"
	"github.com/linnemanlabs/casebridge/internal/dedup"
	"github.com/linnemanlabs/casebridge/internal/retry"
	"github.com/linnemanlabs/casebridge/internal/session"
	"github.com/linnemanlabs/casebridge/internal/sfdc"
)

var tracer = otel.Tracer("github.com/linnemanlabs/casebridge/internal/cases")

var errNoIdentity = errors.New("alert has no identity")

// Backend creates records in the case-management system.
type Backend interface {
	CreateCase(ctx context.Context, s session.Session, c *sfdc.Case) (string, error)
	CreateFeedItem(ctx context.Context, s session.Session, item *sfdc.FeedItem) (string, error)
}

// Resolver finds the credentials for an alert's tenant, environment and cluster.
type Resolver interface {
	Resolve(customer, environment, cluster string) (*creds.Credentials, error)
}

// Notifier is told about newly created cases.
type Notifier interface {
	CaseCreated(ctx context.Context, a *alert.Alert, r *Result) error
}

// Hooks observe case creation. Nil funcs are skipped.
type Hooks struct {
	OnRequest  func()
	OnDedupHit func()
	OnError    func(kind string)
	OnResult   func(status Status, seconds float64)
}

// Options configures a Creator.
type Options struct {
	// Identity derives the dedup key; defaults to the pipeline-supplied id.
	Identity dedup.Identity
	Notifier Notifier
	Hooks    Hooks
}

// Creator is the business boundary for case creation.
type Creator struct {
	resolver Resolver
	cache    *dedup.Cache
	retry    *retry.Wrapper
	backend  Backend
	logger   log.Logger
	identity dedup.Identity
	notifier Notifier
	hooks    Hooks
}

// New creates a Creator.
func New(resolver Resolver, cache *dedup.Cache, wrapper *retry.Wrapper, backend Backend, logger log.Logger, opts Options) *Creator {
	if resolver == nil || cache == nil || wrapper == nil || backend == nil {
		panic(xerrors.New("cases: resolver, cache, retry wrapper and backend are required"))
	}
	if logger == nil {
		logger = log.Nop()
	}
	if opts.Identity == nil {
		opts.Identity = dedup.SuppliedID
	}
	return &Creator{
		resolver: resolver,
		cache:    cache,
		retry:    wrapper,
		backend:  backend,
		logger:   logger,
		identity: opts.Identity,
		notifier: opts.Notifier,
		hooks:    opts.Hooks,
	}
}

// Lookup returns the case id tracked locally for an alert identity.
func (c *Creator) Lookup(alertID string) (string, bool) {
	return c.cache.Get(alertID)
}

// CreateCase creates a case for a, or reports the case that already exists
// for it. The returned Result is never nil.
func (c *Creator) CreateCase(ctx context.Context, subject, body string, a *alert.Alert) *Result {
	start := time.Now()
	res := &Result{RequestID: ulid.Make().String()}

	ctx, span := tracer.Start(ctx, "cases.create")
	defer func() {
		res.Duration = time.Since(start)
		span.SetAttributes(
			attribute.String("case.request_id", res.RequestID),
			attribute.String("case.alert_id", res.AlertID),
			attribute.String("case.status", string(res.Status)),
		)
		if res.Err != nil {
			span.RecordError(res.Err)
			span.SetStatus(codes.Error, res.Err.Error())
		}
		span.End()
		if c.hooks.OnResult != nil {
			c.hooks.OnResult(res.Status, res.Duration.Seconds())
		}
	}()

	if a == nil {
		return c.fail(ctx, c.logger, res, "invalid", errNoIdentity)
	}
	res.AlertID = c.identity(a)
	L := c.logger.With("request_id", res.RequestID, "alert_id", res.AlertID)
	if res.AlertID == "" {
		return c.fail(ctx, L, res, "invalid", errNoIdentity)
	}

	if caseID, ok := c.cache.Get(res.AlertID); ok {
		if c.hooks.OnDedupHit != nil {
			c.hooks.OnDedupHit()
		}
		L.Warn(ctx, "duplicate case for alert", "case_id", caseID)
		res.CaseID, res.Status = caseID, StatusDuplicate
		return res
	}

	cr, err := c.resolver.Resolve(a.Customer, a.Environment, a.Resource)
	if err != nil {
		return c.fail(ctx, L, res, "credentials", err)
	}

	payload := BuildPayload(subject, body, a, res.AlertID, cr.EnvironmentID)
	L.Info(ctx, "creating case",
		"priority", payload.Priority,
		"host", payload.Host,
		"service", payload.Service,
		"cluster_id", payload.ClusterID,
	)

	caseID, err := retry.Do(ctx, c.retry, cr, func(ctx context.Context, s session.Session) (string, error) {
		if c.hooks.OnRequest != nil {
			c.hooks.OnRequest()
		}
		return c.backend.CreateCase(ctx, s, payload)
	})
	if err != nil {
		dupID, dup := sfdc.DuplicateID(err)
		if !dup {
			return c.fail(ctx, L, res, sfdc.KindOf(err).String(), err)
		}
		res.CaseID, res.Status = dupID, StatusDuplicate
		L.Warn(ctx, "backend reported duplicate case", "case_id", dupID, "error", err)
	} else {
		res.CaseID, res.Status = caseID, StatusCreated
		L.Info(ctx, "created case", "case_id", caseID)
	}

	if res.CaseID != "" {
		c.cache.Put(res.AlertID, res.CaseID)
	}

	if cr.FeedEnabled && res.CaseID != "" {
		c.createFeedItem(ctx, L, cr, subject, body, res.CaseID)
	}

	if res.Status == StatusCreated && c.notifier != nil {
		if err := c.notifier.CaseCreated(ctx, a, res); err != nil {
			L.Warn(ctx, "case notification failed", "case_id", res.CaseID, "error", err)
		}
	}
	return res
}

// createFeedItem posts the alert body to the case. Its failure never changes
// the case outcome.
func (c *Creator) createFeedItem(ctx context.Context, L log.Logger, cr *creds.Credentials, subject, body, caseID string) {
	item := &sfdc.FeedItem{Title: subject, ParentID: caseID, Body: body}
	_, err := retry.Do(ctx, c.retry, cr, func(ctx context.Context, s session.Session) (string, error) {
		return c.backend.CreateFeedItem(ctx, s, item)
	})
	if err != nil {
		L.Warn(ctx, "failed to create feed item", "case_id", caseID, "kind", sfdc.KindOf(err).String(), "error", err)
	}
}

func (c *Creator) fail(ctx context.Context, L log.Logger, res *Result, kind string, err error) *Result {
	if c.hooks.OnError != nil {
		c.hooks.OnError(kind)
	}
	L.Error(ctx, err, "cannot create case", "kind", kind)
	res.Status, res.Err = StatusError, err
	return res
}
