package sfdc

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrSessionExpired means the backend rejected the session token.
	ErrSessionExpired = errors.New("sfdc: session expired")

	// ErrConnection covers transport failures and timeouts.
	ErrConnection = errors.New("sfdc: connection failure")

	// ErrLogin means the backend refused the credentials.
	ErrLogin = errors.New("sfdc: login failed")
)

// Error codes the backend puts in REST error payloads.
const (
	CodeDuplicateValue   = "DUPLICATE_VALUE"
	CodeInvalidSessionID = "INVALID_SESSION_ID"
)

// APIError is a rejected REST request.
type APIError struct {
	Status  int
	Code    string
	Message string
	Fields  []string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("sfdc: %s: %s (http %d)", e.Code, e.Message, e.Status)
}

// Duplicate reports whether the backend refused the record as a duplicate.
func (e *APIError) Duplicate() bool { return e.Code == CodeDuplicateValue }

// ExistingID extracts the id of the record a duplicate collided with. The
// backend puts it as the last word of the message.
func (e *APIError) ExistingID() string {
	f := strings.Fields(e.Message)
	if len(f) == 0 {
		return ""
	}
	return f[len(f)-1]
}

// Kind tags a backend failure so callers branch on data, not error types.
type Kind int

const (
	KindNone Kind = iota
	KindSessionExpired
	KindConnection
	KindDuplicate
	KindMalformed
	KindLogin
	KindOther
)

var kindNames = [...]string{"none", "session_expired", "connection", "duplicate", "malformed", "login", "other"}

func (k Kind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return "unknown"
}

// KindOf classifies err.
func KindOf(err error) Kind {
	if err == nil {
		return KindNone
	}
	switch {
	case errors.Is(err, ErrSessionExpired):
		return KindSessionExpired
	case errors.Is(err, ErrConnection):
		return KindConnection
	case errors.Is(err, ErrLogin):
		return KindLogin
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		if apiErr.Duplicate() {
			return KindDuplicate
		}
		if apiErr.Status == 400 {
			return KindMalformed
		}
	}
	return KindOther
}

// IsRecoverable reports whether a fresh session and one more attempt may succeed.
func IsRecoverable(err error) bool {
	switch KindOf(err) {
	case KindSessionExpired, KindConnection:
		return true
	default:
		return false
	}
}

// DuplicateID returns the existing record id when err is a backend duplicate.
func DuplicateID(err error) (string, bool) {
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.Duplicate() {
		return apiErr.ExistingID(), true
	}
	return "", false
}
