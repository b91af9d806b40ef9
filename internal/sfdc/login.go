package sfdc

import (
	"bytes"
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/linnemanlabs/casebridge/internal/creds"
	"github.com/linnemanlabs/casebridge/internal/session"
)

const loginEnvelope = `<?xml version="1.0" encoding="utf-8"?>
<env:Envelope xmlns:env="http://schemas.xmlsoap.org/soap/envelope/" xmlns:urn="urn:partner.soap.sforce.com">
<env:Header>
<urn:CallOptions><urn:client>casebridge</urn:client></urn:CallOptions>
<urn:LoginScopeHeader><urn:organizationId>%s</urn:organizationId></urn:LoginScopeHeader>
</env:Header>
<env:Body>
<urn:login><urn:username>%s</urn:username><urn:password>%s</urn:password></urn:login>
</env:Body>
</env:Envelope>`

type loginResponse struct {
	Body struct {
		Result struct {
			SessionID string `xml:"result>sessionId"`
			ServerURL string `xml:"result>serverUrl"`
		} `xml:"loginResponse"`
		Fault *struct {
			Code    string `xml:"faultcode"`
			Message string `xml:"faultstring"`
		} `xml:"Fault"`
	} `xml:"Body"`
}

// Login performs a SOAP partner login scoped to the credentials' organization
// and returns the new session with the instance it is bound to.
func (c *Client) Login(ctx context.Context, cr *creds.Credentials) (sess session.Session, err error) {
	ctx, span := tracer.Start(ctx, "sfdc.login", trace.WithSpanKind(trace.SpanKindClient), trace.WithAttributes(
		attribute.String("sfdc.org_id", cr.OrganizationID),
	))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	body := fmt.Sprintf(loginEnvelope, escape(cr.OrganizationID), escape(cr.Username), escape(cr.Password))
	endpoint := fmt.Sprintf("%s/services/Soap/u/%s", strings.TrimRight(cr.AuthURL, "/"), c.apiVersion)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(body))
	if err != nil {
		return session.Session{}, fmt.Errorf("sfdc: login request: %w", err)
	}
	req.Header.Set("Content-Type", "text/xml; charset=UTF-8")
	req.Header.Set("SOAPAction", "login")

	resp, err := c.httpClient.Do(req) //nolint:gosec // auth URL comes from trusted config
	if err != nil {
		return session.Session{}, asConnection(err)
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	if err != nil {
		return session.Session{}, asConnection(err)
	}

	var lr loginResponse
	if err := xml.Unmarshal(raw, &lr); err != nil {
		return session.Session{}, fmt.Errorf("sfdc: decode login response (http %d): %w", resp.StatusCode, err)
	}
	if f := lr.Body.Fault; f != nil {
		return session.Session{}, fmt.Errorf("%w: %s: %s", ErrLogin, f.Code, f.Message)
	}
	if resp.StatusCode != http.StatusOK || lr.Body.Result.SessionID == "" {
		return session.Session{}, fmt.Errorf("%w: http %d without session", ErrLogin, resp.StatusCode)
	}

	instance, err := instanceURL(lr.Body.Result.ServerURL)
	if err != nil {
		return session.Session{}, err
	}
	return session.Session{Token: lr.Body.Result.SessionID, InstanceURL: instance}, nil
}

// instanceURL reduces a SOAP server URL to scheme://host.
func instanceURL(serverURL string) (string, error) {
	u, err := url.Parse(serverURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return "", fmt.Errorf("sfdc: invalid server url %q", serverURL)
	}
	return u.Scheme + "://" + u.Host, nil
}

func escape(s string) string {
	var b bytes.Buffer
	_ = xml.EscapeText(&b, []byte(s))
	return b.String()
}
