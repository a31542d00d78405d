package ghl

import (
	"fmt"
	"time"

	apperrors "github.com/alexjbarnes/ghl-bridge/internal/errors"
	"github.com/alexjbarnes/ghl-bridge/internal/models"
	"github.com/golang-jwt/jwt/v5"
)

// OAuthMeta is the oauthMeta claim GHL embeds in marketplace tokens.
type OAuthMeta struct {
	Scopes    []string `json:"scopes"`
	Client    string   `json:"client"`
	VersionID string   `json:"versionId"`
	ClientKey string   `json:"clientKey"`
}

// Claims are the GHL-specific JWT claims of an access token.
type Claims struct {
	AuthClass          models.AuthClass `json:"authClass"`
	AuthClassID        string           `json:"authClassId"`
	PrimaryAuthClassID string           `json:"primaryAuthClassId"`
	Source             string           `json:"source"`
	SourceID           string           `json:"sourceId"`
	Channel            string           `json:"channel"`
	OAuthMeta          OAuthMeta        `json:"oauthMeta"`
	jwt.RegisteredClaims
}

// DecodeClaims parses the token payload without verifying the signature.
// The bridge does not hold GHL's signing key; claims are used for routing
// only, never for authorization.
func DecodeClaims(token string) (*Claims, error) {
	var claims Claims
	if _, _, err := jwt.NewParser().ParseUnverified(token, &claims); err != nil {
		return nil, fmt.Errorf("%w: %v", apperrors.ErrInvalidToken, err)
	}

	return &claims, nil
}

// DecodeRawClaims returns every claim as a generic map, for diagnostics.
func DecodeRawClaims(token string) (jwt.MapClaims, error) {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return nil, fmt.Errorf("%w: %v", apperrors.ErrInvalidToken, err)
	}

	return claims, nil
}

// LocationID returns the location the token is scoped to. authClassId is
// the location for Location tokens; primaryAuthClassId is only a
// fallback. Company tokens have no location.
func (c *Claims) LocationID() string {
	if c.AuthClass != models.AuthClassLocation {
		return ""
	}

	if c.AuthClassID != "" {
		return c.AuthClassID
	}

	return c.PrimaryAuthClassID
}

// CompanyID returns the agency ID for Company tokens.
func (c *Claims) CompanyID() string {
	if c.AuthClass != models.AuthClassCompany {
		return ""
	}

	if c.AuthClassID != "" {
		return c.AuthClassID
	}

	return c.PrimaryAuthClassID
}

// Expiry returns the exp claim, or the zero time.
func (c *Claims) Expiry() time.Time {
	if c.ExpiresAt == nil {
		return time.Time{}
	}

	return c.ExpiresAt.Time
}

// Identity is the resolved tenant identity of a token grant.
type Identity struct {
	UserType   models.AuthClass
	LocationID string
	CompanyID  string
	Scopes     []string

	// Mismatches lists fields where the token response and the JWT
	// claims disagreed. The response value wins.
	Mismatches []string
}

// ResolveIdentity merges the token response with the decoded claims.
// Response fields take precedence; claims fill the gaps. claims may be
// nil when the access token is not a decodable JWT.
func ResolveIdentity(resp *TokenResponse, claims *Claims) Identity {
	id := Identity{
		UserType:   models.AuthClass(resp.UserType),
		LocationID: resp.LocationID,
		CompanyID:  resp.CompanyID,
		Scopes:     resp.Scopes(),
	}

	if claims == nil {
		return id
	}

	id.UserType, id.Mismatches = pick(id.UserType, claims.AuthClass, "userType", id.Mismatches)
	id.LocationID, id.Mismatches = pick(id.LocationID, claims.LocationID(), "locationId", id.Mismatches)

	// Location tokens carry the company only in the response, so a
	// missing claim is not a mismatch.
	if cid := claims.CompanyID(); cid != "" {
		id.CompanyID, id.Mismatches = pick(id.CompanyID, cid, "companyId", id.Mismatches)
	}

	if len(id.Scopes) == 0 {
		id.Scopes = claims.OAuthMeta.Scopes
	}

	return id
}

func pick[T comparable](fromResp, fromClaims T, field string, mismatches []string) (T, []string) {
	var zero T

	switch {
	case fromResp == zero:
		return fromClaims, mismatches
	case fromClaims != zero && fromClaims != fromResp:
		return fromResp, append(mismatches, field)
	default:
		return fromResp, mismatches
	}
}
