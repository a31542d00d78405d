// Package models defines types shared across internal packages.
package models

import (
	"slices"
	"strings"
	"time"
)

// AuthClass is the GHL authorization level of a token.
type AuthClass string

const (
	AuthClassLocation AuthClass = "Location"
	AuthClassCompany  AuthClass = "Company"
)

// Valid reports whether the class is one GHL issues.
func (a AuthClass) Valid() bool {
	return a == AuthClassLocation || a == AuthClassCompany
}

// TokenStatus tracks where an installation is in its token lifecycle.
type TokenStatus string

const (
	StatusValid           TokenStatus = "valid"
	StatusRefreshRequired TokenStatus = "refresh_required"
	StatusRefreshFailed   TokenStatus = "refresh_failed"
	StatusRefreshExpired  TokenStatus = "refresh_expired"
	StatusInvalid         TokenStatus = "invalid"
)

// Terminal reports whether no refresh can recover the installation.
// Only a new install clears a terminal status.
func (s TokenStatus) Terminal() bool {
	return s == StatusRefreshExpired || s == StatusInvalid
}

// Installation is one tenant's OAuth grant for the marketplace app.
type Installation struct {
	ID           string    `json:"id"`
	AccessToken  string    `json:"access_token,omitempty"`
	RefreshToken string    `json:"refresh_token,omitempty"`
	LocationID   string    `json:"location_id,omitempty"`
	CompanyID    string    `json:"company_id,omitempty"`
	UserType     AuthClass `json:"user_type"`
	UserID       string    `json:"user_id,omitempty"`
	Scopes       []string  `json:"scopes,omitempty"`
	ExpiresAt    time.Time `json:"expires_at"`

	TokenStatus  TokenStatus `json:"token_status"`
	LastError    string      `json:"last_error,omitempty"`
	RefreshCount int         `json:"refresh_count"`
	FailureCount int         `json:"failure_count"`

	// IssuedAt is when the current access token was obtained. Together
	// with ExpiresAt it gives the lifetime the refresh schedule is based on.
	IssuedAt        time.Time `json:"issued_at"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
	LastRefreshedAt time.Time `json:"last_refreshed_at,omitzero"`
}

// NeedsRefresh reports whether the access token expires within lead of now.
func (i *Installation) NeedsRefresh(now time.Time, lead time.Duration) bool {
	return !now.Add(lead).Before(i.ExpiresAt)
}

// Expired reports whether the access token has expired.
func (i *Installation) Expired(now time.Time) bool {
	return !now.Before(i.ExpiresAt)
}

// Lifetime returns the validity window of the current access token.
func (i *Installation) Lifetime() time.Duration {
	if i.IssuedAt.IsZero() {
		return 0
	}

	return i.ExpiresAt.Sub(i.IssuedAt)
}

// OAuth scopes the bridge's proxy endpoints need.
const (
	ScopeProductsRead  = "products.readonly"
	ScopeProductsWrite = "products.write"
	ScopeMediasRead    = "medias.readonly"
	ScopeMediasWrite   = "medias.write"
)

// HasScope reports whether the grant includes scope. A .write scope
// covers the .readonly scope of the same resource.
func (i *Installation) HasScope(scope string) bool {
	if slices.Contains(i.Scopes, scope) {
		return true
	}

	if res, ok := strings.CutSuffix(scope, ".readonly"); ok {
		return slices.Contains(i.Scopes, res+".write")
	}

	return false
}

// IsLocationLevel reports whether the token can call location-scoped
// endpoints such as media upload.
func (i *Installation) IsLocationLevel() bool {
	return i.UserType == AuthClassLocation && i.LocationID != ""
}

// Clone returns a deep copy safe to hand outside a lock.
func (i *Installation) Clone() *Installation {
	c := *i
	c.Scopes = slices.Clone(i.Scopes)

	return &c
}

// InstallationSummary is a secret-free view for listing and status APIs.
type InstallationSummary struct {
	ID              string      `json:"id"`
	LocationID      string      `json:"locationId,omitempty"`
	CompanyID       string      `json:"companyId,omitempty"`
	UserType        AuthClass   `json:"userType"`
	Scopes          []string    `json:"scopes,omitempty"`
	ExpiresAt       time.Time   `json:"expiresAt"`
	TokenStatus     TokenStatus `json:"tokenStatus"`
	LastError       string      `json:"lastError,omitempty"`
	RefreshCount    int         `json:"refreshCount"`
	FailureCount    int         `json:"failureCount"`
	CreatedAt       time.Time   `json:"createdAt"`
	LastRefreshedAt time.Time   `json:"lastRefreshedAt,omitzero"`
}

// Summary returns the secret-free view of the installation.
func (i *Installation) Summary() InstallationSummary {
	return InstallationSummary{
		ID:              i.ID,
		LocationID:      i.LocationID,
		CompanyID:       i.CompanyID,
		UserType:        i.UserType,
		Scopes:          slices.Clone(i.Scopes),
		ExpiresAt:       i.ExpiresAt,
		TokenStatus:     i.TokenStatus,
		LastError:       i.LastError,
		RefreshCount:    i.RefreshCount,
		FailureCount:    i.FailureCount,
		CreatedAt:       i.CreatedAt,
		LastRefreshedAt: i.LastRefreshedAt,
	}
}
