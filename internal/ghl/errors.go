package ghl

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"unicode/utf8"

	"github.com/tidwall/gjson"
	"golang.org/x/oauth2"
)

// ErrCircuitOpen is returned while the upstream circuit breaker is open.
var ErrCircuitOpen = errors.New("GHL API circuit open")

// TransientError wraps an error that is likely temporary and safe to retry.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return e.Err.Error() }
func (e *TransientError) Unwrap() error { return e.Err }

// IsTransient reports whether err (or any error in its chain) is a
// TransientError, meaning the caller should retry after a backoff.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// APIError is a non-2xx response from the GHL API. Body holds the raw
// (size-capped) response so proxies can relay it unchanged.
type APIError struct {
	Endpoint string
	Status   int
	Code     string
	Message  string
	Body     []byte

	// Err is the underlying library error, set for token endpoint calls.
	Err error
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("GHL %s (%d) %s: %s", e.Endpoint, e.Status, e.Code, e.Message)
	}

	return fmt.Sprintf("GHL %s (%d): %s", e.Endpoint, e.Status, e.Message)
}

func (e *APIError) Unwrap() error { return e.Err }

// AsAPIError returns the APIError in err's chain, if any.
func AsAPIError(err error) (*APIError, bool) {
	var ae *APIError
	if errors.As(err, &ae) {
		return ae, true
	}

	return nil, false
}

// IsInvalidGrant reports whether the token endpoint rejected the grant.
// For a refresh this means the refresh token is dead and the app must be
// reinstalled.
func IsInvalidGrant(err error) bool {
	var re *oauth2.RetrieveError
	if errors.As(err, &re) && re.ErrorCode == "invalid_grant" {
		return true
	}

	ae, ok := AsAPIError(err)
	return ok && ae.Code == "invalid_grant"
}

// IsUnauthorized reports a 401 that a token refresh may fix.
func IsUnauthorized(err error) bool {
	ae, ok := AsAPIError(err)
	return ok && ae.Status == http.StatusUnauthorized && !IsAuthClassRejected(err)
}

// IsAuthClassRejected reports whether GHL refused the call because the
// token's authClass (Company vs Location) is not allowed for the
// endpoint. Refreshing does not help; a token of the other class is needed.
func IsAuthClassRejected(err error) bool {
	ae, ok := AsAPIError(err)
	if !ok {
		return false
	}

	if ae.Status != http.StatusUnauthorized && ae.Status != http.StatusForbidden {
		return false
	}

	return strings.Contains(strings.ToLower(ae.Message), "authclass")
}

// newAPIError builds an APIError from a response body. GHL is not
// consistent about error shapes, so the message is taken from the first
// field present among error_description, message (string or array),
// msg and error.
func newAPIError(endpoint string, status int, body []byte) *APIError {
	ae := &APIError{
		Endpoint: endpoint,
		Status:   status,
		Body:     body,
	}

	if gjson.ValidBytes(body) {
		res := gjson.ParseBytes(body)

		if desc := res.Get("error_description"); desc.Exists() {
			ae.Code = res.Get("error").String()
			ae.Message = desc.String()
		} else if msg := res.Get("message"); msg.Exists() {
			ae.Message = joinMessage(msg)
		} else if msg := res.Get("msg"); msg.Exists() {
			ae.Message = msg.String()
		} else if e := res.Get("error"); e.Exists() {
			ae.Message = e.String()
		}
	}

	if ae.Message == "" {
		ae.Message = sanitizeResponseBody(body)
	}

	if ae.Message == "" {
		ae.Message = http.StatusText(status)
	}

	return ae
}

func joinMessage(msg gjson.Result) string {
	if !msg.IsArray() {
		return msg.String()
	}

	var parts []string
	for _, m := range msg.Array() {
		parts = append(parts, m.String())
	}

	return strings.Join(parts, "; ")
}

// isTransientStatus returns true for HTTP status codes that indicate a
// temporary server-side problem worth retrying.
func isTransientStatus(code int) bool {
	switch code {
	case http.StatusTooManyRequests,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	}

	return false
}

// sanitizeResponseBody truncates and sanitizes a response body for
// inclusion in error messages. Limits to 256 bytes and replaces
// non-printable characters to prevent log injection.
func sanitizeResponseBody(body []byte) string {
	const maxLen = 256
	if len(body) > maxLen {
		body = body[:maxLen]
	}

	var clean []byte

	for len(body) > 0 {
		r, size := utf8.DecodeRune(body)
		if r == utf8.RuneError && size <= 1 {
			clean = append(clean, '?')
			body = body[1:]

			continue
		}

		if r < 0x20 && r != '\n' && r != '\r' && r != '\t' {
			clean = append(clean, '?')
		} else {
			clean = append(clean, body[:size]...)
		}

		body = body[size:]
	}

	return strings.TrimSpace(string(clean))
}
