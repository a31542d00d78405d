package ghl

import (
	"fmt"
	"net/http"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNewAPIError_Shapes(t *testing.T) {
	tests := []struct {
		name     string
		status   int
		body     string
		wantCode string
		wantMsg  string
	}{
		{"oauth", 400, `{"error":"invalid_grant","error_description":"Invalid refresh token"}`, "invalid_grant", "Invalid refresh token"},
		{"message string", 401, `{"statusCode":401,"message":"Invalid JWT"}`, "", "Invalid JWT"},
		{"message array", 422, `{"statusCode":422,"message":["name should not be empty","price must be a number"],"error":"Unprocessable Entity"}`, "", "name should not be empty; price must be a number"},
		{"msg", 400, `{"msg":"locationId is invalid"}`, "", "locationId is invalid"},
		{"bare error", 403, `{"error":"Forbidden"}`, "", "Forbidden"},
		{"not json", 502, "<html>Bad Gateway</html>", "", "<html>Bad Gateway</html>"},
		{"empty", 503, "", "", "Service Unavailable"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ae := newAPIError("/x", tt.status, []byte(tt.body))
			assert.Equal(t, tt.wantCode, ae.Code)
			assert.Equal(t, tt.wantMsg, ae.Message)
			assert.Equal(t, tt.status, ae.Status)
		})
	}
}

func TestAPIError_ErrorString(t *testing.T) {
	ae := &APIError{Endpoint: "/oauth/token", Status: 400, Code: "invalid_grant", Message: "bad"}
	assert.Equal(t, "GHL /oauth/token (400) invalid_grant: bad", ae.Error())

	ae = &APIError{Endpoint: "/products/", Status: 422, Message: "bad"}
	assert.Equal(t, "GHL /products/ (422): bad", ae.Error())
}

func TestIsAuthClassRejected(t *testing.T) {
	rejected := newAPIError("/medias/upload-file", 401, []byte(`{"message":"This authClass type is not allowed to access this scope."}`))
	assert.True(t, IsAuthClassRejected(fmt.Errorf("uploading: %w", rejected)))
	assert.False(t, IsUnauthorized(rejected))

	plain := newAPIError("/x", 401, []byte(`{"message":"Invalid JWT"}`))
	assert.False(t, IsAuthClassRejected(plain))
	assert.True(t, IsUnauthorized(plain))

	other := newAPIError("/x", 422, []byte(`{"message":"authClass mentioned but wrong status"}`))
	assert.False(t, IsAuthClassRejected(other))
}

func TestIsTransientStatus(t *testing.T) {
	for _, code := range []int{429, 500, 502, 503, 504} {
		assert.True(t, isTransientStatus(code), "status %d", code)
	}

	for _, code := range []int{200, 400, 401, 403, 404, 422} {
		assert.False(t, isTransientStatus(code), "status %d", code)
	}
}

func TestSanitizeResponseBody(t *testing.T) {
	assert.Equal(t, "a?b", sanitizeResponseBody([]byte("a\x00b")))
	assert.Equal(t, "bad?utf8", sanitizeResponseBody([]byte("bad\xffutf8")))

	long := strings.Repeat("x", 1000)
	assert.Len(t, sanitizeResponseBody([]byte(long)), 256)
}

func TestTransientError_Unwrap(t *testing.T) {
	inner := newAPIError("/x", http.StatusBadGateway, nil)
	err := fmt.Errorf("outer: %w", &TransientError{Err: inner})

	assert.True(t, IsTransient(err))

	ae, ok := AsAPIError(err)
	assert.True(t, ok)
	assert.Equal(t, http.StatusBadGateway, ae.Status)
}
