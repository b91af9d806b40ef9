// Package sfdc is a small client for the Salesforce APIs casebridge needs:
// SOAP login and REST record creation for cases and feed items.
package sfdc

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/linnemanlabs/casebridge/internal/session"
)

var tracer = otel.Tracer("github.com/linnemanlabs/casebridge/internal/sfdc")

const (
	// DefaultAPIVersion is the REST/SOAP API version used when none is configured.
	DefaultAPIVersion = "59.0"

	// DefaultTimeout bounds every backend call.
	DefaultTimeout = 30 * time.Second

	maxErrorBody = 64 * 1024
)

// Options configures a Client.
type Options struct {
	APIVersion string
	Timeout    time.Duration
	// Transport defaults to an otelhttp-wrapped http.DefaultTransport.
	Transport http.RoundTripper
}

// Client talks to one Salesforce org family. It is safe for concurrent use.
type Client struct {
	apiVersion string
	httpClient *http.Client
}

// New creates a client.
func New(opts Options) *Client {
	if opts.APIVersion == "" {
		opts.APIVersion = DefaultAPIVersion
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.Transport == nil {
		opts.Transport = otelhttp.NewTransport(http.DefaultTransport)
	}
	return &Client{
		apiVersion: opts.APIVersion,
		httpClient: &http.Client{
			Timeout:   opts.Timeout,
			Transport: opts.Transport,
		},
	}
}

// Case is the record created for one alert. Field names are the org's API names.
type Case struct {
	Subject     string `json:"Subject"`
	Description string `json:"Description"`
	IsMosAlert  string `json:"IsMosAlert__c"`
	Priority    string `json:"Alert_Priority__c"`
	Host        string `json:"Alert_Host__c"`
	Service     string `json:"Alert_Service__c"`
	Environment string `json:"Environment2__c"`
	AlertID     string `json:"Alert_ID__c"`
	ClusterID   string `json:"ClusterId__c"`
}

// FeedItem is a chatter post attached to a case.
type FeedItem struct {
	Title    string `json:"Title"`
	ParentID string `json:"ParentId"`
	Body     string `json:"Body"`
}

// CreateCase creates a Case and returns its id.
func (c *Client) CreateCase(ctx context.Context, s session.Session, cs *Case) (string, error) {
	return c.create(ctx, s, "Case", cs)
}

// CreateFeedItem attaches a feed item to an existing record.
func (c *Client) CreateFeedItem(ctx context.Context, s session.Session, item *FeedItem) (string, error) {
	return c.create(ctx, s, "FeedItem", item)
}

type createResponse struct {
	ID      string `json:"id"`
	Success bool   `json:"success"`
}

type restError struct {
	Message   string   `json:"message"`
	ErrorCode string   `json:"errorCode"`
	Fields    []string `json:"fields"`
}

func (c *Client) create(ctx context.Context, s session.Session, object string, record any) (id string, err error) {
	ctx, span := tracer.Start(ctx, "sfdc.create", trace.WithSpanKind(trace.SpanKindClient), trace.WithAttributes(
		attribute.String("sfdc.object", object),
	))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		} else {
			span.SetAttributes(attribute.String("sfdc.id", id))
		}
		span.End()
	}()

	if !s.Valid() {
		return "", fmt.Errorf("%w: no active session", ErrSessionExpired)
	}

	body, err := json.Marshal(record)
	if err != nil {
		return "", fmt.Errorf("sfdc: marshal %s: %w", object, err)
	}

	url := fmt.Sprintf("%s/services/data/v%s/sobjects/%s/", strings.TrimRight(s.InstanceURL, "/"), c.apiVersion, object)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("sfdc: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+s.Token)

	resp, err := c.httpClient.Do(req) //nolint:gosec // instance URL comes from login or trusted config
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrConnection, err)
	}
	defer func() { _ = resp.Body.Close() }()
	span.SetAttributes(attribute.Int("http.response.status_code", resp.StatusCode))

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	if err != nil {
		return "", fmt.Errorf("%w: read response: %w", ErrConnection, err)
	}

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		var cr createResponse
		if err := json.Unmarshal(respBody, &cr); err != nil {
			return "", fmt.Errorf("sfdc: decode %s response: %w", object, err)
		}
		if cr.ID == "" {
			return "", fmt.Errorf("sfdc: %s response without id", object)
		}
		return cr.ID, nil
	}

	return "", decodeError(resp.StatusCode, respBody)
}

// decodeError turns a non-2xx REST response into a tagged error.
func decodeError(status int, body []byte) error {
	var errs []restError
	if err := json.Unmarshal(body, &errs); err != nil || len(errs) == 0 {
		if status == http.StatusUnauthorized {
			return fmt.Errorf("%w: http %d", ErrSessionExpired, status)
		}
		return &APIError{Status: status, Code: "UNKNOWN", Message: strings.TrimSpace(string(body))}
	}

	first := errs[0]
	apiErr := &APIError{Status: status, Code: first.ErrorCode, Message: first.Message, Fields: first.Fields}
	if status == http.StatusUnauthorized || first.ErrorCode == CodeInvalidSessionID {
		return fmt.Errorf("%w: %w", ErrSessionExpired, apiErr)
	}
	return apiErr
}

// asConnection maps context and network errors from a login attempt.
func asConnection(err error) error {
	if errors.Is(err, ErrConnection) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrConnection, err)
}
