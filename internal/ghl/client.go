// Package ghl is a typed client for the GoHighLevel (LeadConnector) REST
// API: the OAuth token endpoint plus the location, product, price and
// media endpoints the bridge proxies.
package ghl

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	apperrors "github.com/alexjbarnes/ghl-bridge/internal/errors"
	"github.com/sony/gobreaker"
)

const (
	// DefaultBaseURL is the LeadConnector API host.
	DefaultBaseURL = "https://services.leadconnectorhq.com"

	// DefaultAPIVersion is sent in the Version header on every call.
	DefaultAPIVersion = "2021-07-28"

	// maxRedirects is the maximum number of HTTP redirects to follow
	// before giving up, matching the default net/http limit.
	maxRedirects = 10

	// httpClientTimeout is the timeout for the default HTTP client used
	// by the API client when no custom client is provided.
	httpClientTimeout = 30 * time.Second

	// maxAPIResponseBytes caps response body reads. Product listings are
	// the largest payloads the bridge relays.
	maxAPIResponseBytes = 4 * 1024 * 1024

	// breakerFailures is the number of consecutive transient failures
	// that opens the circuit.
	breakerFailures = 5

	// breakerOpenTimeout is how long the circuit stays open before a
	// probe request is let through.
	breakerOpenTimeout = 30 * time.Second
)

// Options configures a Client.
type Options struct {
	BaseURL      string
	APIVersion   string
	ClientID     string
	ClientSecret string

	// HTTPClient is optional. A client with a 30-second timeout and
	// same-host redirect policy is used when nil.
	HTTPClient *http.Client
}

// Client talks to the GHL REST API.
type Client struct {
	httpClient   *http.Client
	baseURL      string
	apiVersion   string
	clientID     string
	clientSecret string
	breaker      *gobreaker.CircuitBreaker

	// oauthHTTP is handed to golang.org/x/oauth2 for token endpoint
	// calls. It shares httpClient's transport and adds the Version header.
	oauthHTTP *http.Client
}

// sameHostRedirectPolicy follows redirects only when the target host
// matches the original request host so bearer tokens never leak to
// third-party domains.
func sameHostRedirectPolicy(req *http.Request, via []*http.Request) error {
	if len(via) >= maxRedirects {
		return errors.New("stopped after 10 redirects")
	}

	if len(via) > 0 {
		origHost := via[0].URL.Host
		if req.URL.Host != origHost {
			return fmt.Errorf("redirect to different host blocked: %s -> %s", origHost, req.URL.Host)
		}
	}

	return nil
}

// NewClient creates an API client.
func NewClient(opts Options) *Client {
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{
			Timeout:       httpClientTimeout,
			CheckRedirect: sameHostRedirectPolicy,
		}
	}

	baseURL := strings.TrimRight(opts.BaseURL, "/")
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}

	version := opts.APIVersion
	if version == "" {
		version = DefaultAPIVersion
	}

	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "ghl-api",
		MaxRequests: 1,
		Timeout:     breakerOpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= breakerFailures
		},
		// Only upstream trouble counts against the circuit. A 4xx is
		// the caller's problem and must not block other installations.
		IsSuccessful: func(err error) bool {
			return err == nil || !IsTransient(err)
		},
	})

	base := httpClient.Transport
	if base == nil {
		base = http.DefaultTransport
	}

	oauthHTTP := &http.Client{
		Transport:     &versionTransport{base: base, version: version},
		Timeout:       httpClient.Timeout,
		CheckRedirect: httpClient.CheckRedirect,
		Jar:           httpClient.Jar,
	}

	return &Client{
		httpClient:   httpClient,
		baseURL:      baseURL,
		apiVersion:   version,
		clientID:     opts.ClientID,
		clientSecret: opts.ClientSecret,
		breaker:      breaker,
		oauthHTTP:    oauthHTTP,
	}
}

// BaseURL returns the API root the client talks to.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// request describes one API call.
type request struct {
	method      string
	endpoint    string
	token       string
	query       url.Values
	contentType string
	body        []byte
}

// do sends req through the circuit breaker and returns the raw 2xx body.
// Non-2xx responses become *APIError; network errors and retryable
// statuses are additionally wrapped in *TransientError.
func (c *Client) do(ctx context.Context, req request) ([]byte, error) {
	out, err := c.breaker.Execute(func() (interface{}, error) {
		return c.send(ctx, req)
	})
	if err != nil {
		return nil, c.breakerError(err)
	}

	return out.([]byte), nil
}

// breakerError marks rejections by an open circuit with ErrCircuitOpen.
func (c *Client) breakerError(err error) error {
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return fmt.Errorf("%w: %w", ErrCircuitOpen, err)
	}

	return err
}

func (c *Client) send(ctx context.Context, r request) ([]byte, error) {
	u := c.baseURL + r.endpoint
	if len(r.query) > 0 {
		u += "?" + r.query.Encode()
	}

	var body io.Reader
	if r.body != nil {
		body = bytes.NewReader(r.body)
	}

	req, err := http.NewRequestWithContext(ctx, r.method, u, body)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}

	req.Header.Set("Accept", "application/json")
	req.Header.Set("Version", c.apiVersion)

	if r.contentType != "" {
		req.Header.Set("Content-Type", r.contentType)
	}

	if r.token != "" {
		req.Header.Set("Authorization", "Bearer "+r.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		wrapped := fmt.Errorf("%w: sending request to %s: %w", apperrors.ErrAPIRequest, r.endpoint, err)
		// Network errors (timeouts, connection refused, DNS failures)
		// are transient by nature. A cancelled context is not.
		if ctx.Err() != nil {
			return nil, wrapped
		}

		return nil, &TransientError{Err: wrapped}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxAPIResponseBytes))
	if err != nil {
		return nil, &TransientError{Err: fmt.Errorf("reading response from %s: %w", r.endpoint, err)}
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		apiErr := newAPIError(r.endpoint, resp.StatusCode, respBody)
		if isTransientStatus(resp.StatusCode) {
			return nil, &TransientError{Err: apiErr}
		}

		return nil, apiErr
	}

	return respBody, nil
}

// getJSON performs an authenticated GET and returns the raw JSON body.
func (c *Client) getJSON(ctx context.Context, token, endpoint string, query url.Values) (json.RawMessage, error) {
	body, err := c.do(ctx, request{
		method:   http.MethodGet,
		endpoint: endpoint,
		token:    token,
		query:    query,
	})
	if err != nil {
		return nil, err
	}

	return json.RawMessage(body), nil
}

// postJSON marshals payload and performs an authenticated POST.
func (c *Client) postJSON(ctx context.Context, token, endpoint string, payload interface{}) (json.RawMessage, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshalling request body: %w", err)
	}

	body, err := c.do(ctx, request{
		method:      http.MethodPost,
		endpoint:    endpoint,
		token:       token,
		contentType: "application/json",
		body:        data,
	})
	if err != nil {
		return nil, err
	}

	return json.RawMessage(body), nil
}

// GetLocation fetches a location (sub-account). It doubles as the
// lightweight validation probe for Location tokens.
func (c *Client) GetLocation(ctx context.Context, token, locationID string) (json.RawMessage, error) {
	resp, err := c.getJSON(ctx, token, "/locations/"+url.PathEscape(locationID), nil)
	if err != nil {
		return nil, fmt.Errorf("getting location: %w", err)
	}

	return resp, nil
}

// GetCompany fetches a company (agency). Used to probe Company tokens.
func (c *Client) GetCompany(ctx context.Context, token, companyID string) (json.RawMessage, error) {
	resp, err := c.getJSON(ctx, token, "/companies/"+url.PathEscape(companyID), nil)
	if err != nil {
		return nil, fmt.Errorf("getting company: %w", err)
	}

	return resp, nil
}
