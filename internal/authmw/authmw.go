// Package authmw authenticates callers of the case API with a shared key.
package authmw

import (
	"crypto/subtle"
	"net/http"
	"strings"
)

// schemes accepted in the Authorization header. The alert pipeline sends
// "Key <token>"; other callers use "Bearer <token>".
var schemes = []string{"Bearer ", "Key "}

// APIKey returns middleware that admits requests carrying any of keys.
// Empty keys are ignored so a rotation can list old and new values; with no
// usable keys every request is rejected.
func APIKey(keys ...string) func(http.Handler) http.Handler {
	var accepted [][]byte
	for _, k := range keys {
		if k != "" {
			accepted = append(accepted, []byte(k))
		}
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got, ok := credential(r.Header.Get("Authorization"))
			if !ok {
				w.Header().Set("WWW-Authenticate", `Bearer realm="casebridge"`)
				http.Error(w, `{"error":"missing or malformed authorization header"}`, http.StatusUnauthorized)
				return
			}
			if !matches(accepted, got) {
				http.Error(w, `{"error":"invalid token"}`, http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func credential(header string) ([]byte, bool) {
	for _, s := range schemes {
		if strings.HasPrefix(header, s) {
			return []byte(header[len(s):]), true
		}
	}
	return nil, false
}

// matches compares against every key so timing does not reveal which matched.
func matches(accepted [][]byte, got []byte) bool {
	found := 0
	for _, k := range accepted {
		found |= subtle.ConstantTimeCompare(got, k)
	}
	return found == 1
}
