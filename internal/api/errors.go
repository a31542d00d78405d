package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/alexjbarnes/ghl-bridge/internal/auth"
	apperrors "github.com/alexjbarnes/ghl-bridge/internal/errors"
	"github.com/alexjbarnes/ghl-bridge/internal/ghl"
	"github.com/alexjbarnes/ghl-bridge/internal/tokens"
)

// statusFor maps an error to the HTTP status and error code returned to
// bridge callers. Sentinels are checked before upstream errors because a
// refresh failure wraps the upstream response that caused it.
func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, apperrors.ErrInstallationNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, apperrors.ErrRefreshExpired),
		errors.Is(err, apperrors.ErrMissingRefreshToken):
		return http.StatusUnauthorized, "reinstall_required"
	case errors.Is(err, apperrors.ErrInvalidToken):
		return http.StatusUnauthorized, "invalid_token"
	case errors.Is(err, apperrors.ErrNotLocationToken):
		return http.StatusForbidden, "location_token_required"
	case errors.Is(err, apperrors.ErrMissingScope):
		return http.StatusForbidden, "insufficient_scope"
	case errors.Is(err, apperrors.ErrValidation):
		return http.StatusBadRequest, "invalid_request"
	case errors.Is(err, apperrors.ErrInvalidState):
		return http.StatusBadRequest, "invalid_state"
	case errors.Is(err, ghl.ErrCircuitOpen), errors.Is(err, tokens.ErrStopped):
		return http.StatusServiceUnavailable, "upstream_unavailable"
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, "upstream_timeout"
	case errors.Is(err, apperrors.ErrRefreshFailed):
		return http.StatusBadGateway, "refresh_failed"
	}

	if ae, ok := ghl.AsAPIError(err); ok && ae.Status >= 400 && ae.Status < 500 {
		return ae.Status, "upstream_error"
	}

	return http.StatusBadGateway, "upstream_error"
}

// writeError logs err and writes the mapped response. Upstream 4xx
// responses with a JSON body are relayed unchanged so callers see GHL's
// own message.
func writeError(w http.ResponseWriter, r *http.Request, logger *slog.Logger, err error) {
	status, code := statusFor(err)

	level := slog.LevelWarn
	if status >= 500 {
		level = slog.LevelError
	}

	logger.Log(r.Context(), level, "request failed",
		slog.String("method", r.Method),
		slog.String("path", r.URL.Path),
		slog.Int("status", status),
		slog.String("request_id", auth.RequestID(r.Context())),
		slog.String("error", err.Error()),
	)

	if code == "upstream_error" && status < 500 {
		if ae, ok := ghl.AsAPIError(err); ok && json.Valid(ae.Body) {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(status)
			_, _ = w.Write(ae.Body)

			return
		}
	}

	writeJSONError(w, status, code, err.Error())
}

func writeJSONError(w http.ResponseWriter, status int, errCode, description string) {
	writeJSON(w, status, map[string]string{
		"error":             errCode,
		"error_description": description,
	})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeRaw relays an upstream JSON body.
func writeRaw(w http.ResponseWriter, status int, body json.RawMessage) {
	if len(body) == 0 {
		body = json.RawMessage("{}")
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(body)
}
