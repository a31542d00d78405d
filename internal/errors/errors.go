package errors

import "errors"

// Installation errors.
var (
	ErrInstallationNotFound = errors.New("installation not found")
	ErrRefreshExpired       = errors.New("refresh token expired, reinstall required")
	ErrRefreshFailed        = errors.New("token refresh failed")
	ErrMissingRefreshToken  = errors.New("installation has no refresh token")
	ErrNotLocationToken     = errors.New("operation requires a location-level token")
	ErrMissingScope         = errors.New("installation lacks the required scope")
	ErrInvalidToken         = errors.New("invalid or undecodable token")
)

// Request errors.
var (
	ErrInvalidState = errors.New("invalid or expired oauth state")
	ErrValidation   = errors.New("invalid request payload")
)

// Server/transport errors.
var (
	ErrAPIRequest  = errors.New("API request failed")
	ErrAPIResponse = errors.New("unexpected API response")
)
