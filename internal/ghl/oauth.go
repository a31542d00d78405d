package ghl

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	apperrors "github.com/alexjbarnes/ghl-bridge/internal/errors"
	"golang.org/x/oauth2"
)

const tokenEndpoint = "/oauth/token"

// TokenResponse is the body returned by /oauth/token and
// /oauth/locationToken.
type TokenResponse struct {
	AccessToken        string `json:"access_token"`
	TokenType          string `json:"token_type"`
	ExpiresIn          int    `json:"expires_in"`
	RefreshToken       string `json:"refresh_token"`
	Scope              string `json:"scope"`
	UserType           string `json:"userType"`
	LocationID         string `json:"locationId"`
	CompanyID          string `json:"companyId"`
	UserID             string `json:"userId"`
	IsBulkInstallation bool   `json:"isBulkInstallation"`
}

// Scopes splits the space-delimited scope string.
func (t *TokenResponse) Scopes() []string {
	return strings.Fields(t.Scope)
}

// ExpiresAt converts expires_in to an absolute time relative to now.
func (t *TokenResponse) ExpiresAt(now time.Time) time.Time {
	return now.Add(time.Duration(t.ExpiresIn) * time.Second)
}

// AuthorizeURL builds the marketplace chooselocation URL a user visits to
// install the app.
func AuthorizeURL(authURL, clientID, redirectURI string, scopes []string, state string) (string, error) {
	if _, err := url.Parse(authURL); err != nil {
		return "", fmt.Errorf("parsing auth URL: %w", err)
	}

	cfg := &oauth2.Config{
		ClientID:    clientID,
		RedirectURL: redirectURI,
		Scopes:      scopes,
		Endpoint:    oauth2.Endpoint{AuthURL: authURL},
	}

	return cfg.AuthCodeURL(state), nil
}

// oauthConfig describes GHL's token endpoint. GHL expects the client
// credentials in the form body.
func (c *Client) oauthConfig(redirectURI string) *oauth2.Config {
	return &oauth2.Config{
		ClientID:     c.clientID,
		ClientSecret: c.clientSecret,
		RedirectURL:  redirectURI,
		Endpoint: oauth2.Endpoint{
			TokenURL:  c.baseURL + tokenEndpoint,
			AuthStyle: oauth2.AuthStyleInParams,
		},
	}
}

// ExchangeCode trades an authorization code for a token pair.
func (c *Client) ExchangeCode(ctx context.Context, code, redirectURI, userType string) (*TokenResponse, error) {
	var opts []oauth2.AuthCodeOption
	if userType != "" {
		opts = append(opts, oauth2.SetAuthURLParam("user_type", userType))
	}

	cfg := c.oauthConfig(redirectURI)

	tok, err := c.grant(ctx, func(ctx context.Context) (*oauth2.Token, error) {
		return cfg.Exchange(ctx, code, opts...)
	})
	if err != nil {
		return nil, fmt.Errorf("exchanging code: %w", err)
	}

	return tok, nil
}

// RefreshToken trades a refresh token for a new token pair. GHL rotates
// refresh tokens; the old one stops working once this succeeds. The new
// pair keeps the level (Location or Company) of the grant.
func (c *Client) RefreshToken(ctx context.Context, refreshToken string) (*TokenResponse, error) {
	cfg := c.oauthConfig("")

	tok, err := c.grant(ctx, func(ctx context.Context) (*oauth2.Token, error) {
		return cfg.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken}).Token()
	})
	if err != nil {
		return nil, fmt.Errorf("refreshing token: %w", err)
	}

	return tok, nil
}

// grant runs one token endpoint call through the circuit breaker and
// converts the result.
func (c *Client) grant(ctx context.Context, fetch func(ctx context.Context) (*oauth2.Token, error)) (*TokenResponse, error) {
	ctx = context.WithValue(ctx, oauth2.HTTPClient, c.oauthHTTP)

	out, err := c.breaker.Execute(func() (interface{}, error) {
		tok, err := fetch(ctx)
		if err != nil {
			return nil, classifyTokenError(ctx, err)
		}

		return tok, nil
	})
	if err != nil {
		return nil, c.breakerError(err)
	}

	return tokenResponseFrom(out.(*oauth2.Token)), nil
}

// classifyTokenError maps oauth2 failures onto APIError and
// TransientError like every other GHL call.
func classifyTokenError(ctx context.Context, err error) error {
	var re *oauth2.RetrieveError
	if errors.As(err, &re) {
		status := http.StatusBadRequest
		if re.Response != nil {
			status = re.Response.StatusCode
		}

		apiErr := newAPIError(tokenEndpoint, status, re.Body)
		apiErr.Err = re

		if apiErr.Code == "" {
			apiErr.Code = re.ErrorCode
		}

		if isTransientStatus(status) {
			return &TransientError{Err: apiErr}
		}

		return apiErr
	}

	var ue *url.Error
	if errors.As(err, &ue) {
		wrapped := fmt.Errorf("%w: sending request to %s: %w", apperrors.ErrAPIRequest, tokenEndpoint, err)
		if ctx.Err() != nil {
			return wrapped
		}

		return &TransientError{Err: wrapped}
	}

	return fmt.Errorf("%w: %w", apperrors.ErrAPIResponse, err)
}

// tokenResponseFrom reads GHL's extra token fields from the raw response.
func tokenResponseFrom(tok *oauth2.Token) *TokenResponse {
	resp := &TokenResponse{
		AccessToken:        tok.AccessToken,
		TokenType:          tok.TokenType,
		ExpiresIn:          int(tok.ExpiresIn),
		RefreshToken:       tok.RefreshToken,
		Scope:              extraString(tok, "scope"),
		UserType:           extraString(tok, "userType"),
		LocationID:         extraString(tok, "locationId"),
		CompanyID:          extraString(tok, "companyId"),
		UserID:             extraString(tok, "userId"),
		IsBulkInstallation: extraString(tok, "isBulkInstallation") == "true",
	}

	if resp.ExpiresIn <= 0 {
		if n, err := strconv.Atoi(extraString(tok, "expires_in")); err == nil {
			resp.ExpiresIn = n
		}
	}

	return resp
}

func extraString(tok *oauth2.Token, key string) string {
	switch v := tok.Extra(key).(type) {
	case nil:
		return ""
	case string:
		return v
	case bool:
		return strconv.FormatBool(v)
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case json.Number:
		return v.String()
	default:
		return fmt.Sprint(v)
	}
}

// versionTransport adds the headers GHL expects on token requests.
type versionTransport struct {
	base    http.RoundTripper
	version string
}

func (t *versionTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req = req.Clone(req.Context())
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Version", t.version)

	return t.base.RoundTrip(req)
}

// LocationToken uses a Company-level token to mint a Location-level
// token for one of the company's locations. The endpoint is GHL-specific
// and not an OAuth grant, so it goes through the plain request path.
func (c *Client) LocationToken(ctx context.Context, companyToken, companyID, locationID string) (*TokenResponse, error) {
	form := url.Values{}
	form.Set("companyId", companyID)
	form.Set("locationId", locationID)

	body, err := c.do(ctx, request{
		method:      http.MethodPost,
		endpoint:    "/oauth/locationToken",
		token:       companyToken,
		contentType: "application/x-www-form-urlencoded",
		body:        []byte(form.Encode()),
	})
	if err != nil {
		return nil, fmt.Errorf("requesting location token: %w", err)
	}

	var tok TokenResponse
	if err := json.Unmarshal(body, &tok); err != nil {
		return nil, fmt.Errorf("%w: decoding location token response: %v", apperrors.ErrAPIResponse, err)
	}

	if tok.AccessToken == "" {
		return nil, fmt.Errorf("%w: location token response has no access_token", apperrors.ErrAPIResponse)
	}

	return &tok, nil
}
