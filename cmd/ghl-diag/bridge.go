package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/alexjbarnes/ghl-bridge/internal/ghl"
	"github.com/tidwall/gjson"
)

const bridgeTimeout = 60 * time.Second

// bridgeClient calls the ghl-bridge HTTP API with a bridge API key.
type bridgeClient struct {
	baseURL string
	apiKey  string
	http    *http.Client
}

// bridgeFlags registers the flags shared by every bridge command.
func bridgeFlags(fs *flag.FlagSet) *bridgeClient {
	c := &bridgeClient{http: &http.Client{Timeout: bridgeTimeout}}
	fs.StringVar(&c.baseURL, "bridge", envOr("GHL_BRIDGE_URL", "http://localhost:3000"), "ghl-bridge base URL")
	fs.StringVar(&c.apiKey, "api-key", envOr("GHL_BRIDGE_API_KEY", ""), "bridge API key")

	return c
}

func (c *bridgeClient) check() error {
	if c.apiKey == "" {
		return fmt.Errorf("bridge API key is required (-api-key or GHL_BRIDGE_API_KEY)")
	}

	if _, err := url.Parse(c.baseURL); err != nil {
		return fmt.Errorf("invalid bridge URL: %w", err)
	}

	return nil
}

func (c *bridgeClient) url(path string) string {
	return strings.TrimRight(c.baseURL, "/") + path
}

// do sends a request and returns the body. Non-2xx responses become
// errors carrying the bridge's error_description.
func (c *bridgeClient) do(ctx context.Context, method, path string, payload any) ([]byte, error) {
	var body io.Reader

	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("encoding request: %w", err)
		}

		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.url(path), body)
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}

	req.Header.Set("X-API-Key", c.apiKey)
	req.Header.Set("Accept", "application/json")

	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading response: %w", err)
	}

	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("%s %s: %s", method, path, describeError(resp.StatusCode, data))
	}

	return data, nil
}

func describeError(status int, body []byte) string {
	code := gjson.GetBytes(body, "error").String()
	desc := gjson.GetBytes(body, "error_description").String()

	switch {
	case code != "" && desc != "":
		return fmt.Sprintf("%d %s: %s", status, code, desc)
	case code != "":
		return fmt.Sprintf("%d %s", status, code)
	default:
		return fmt.Sprintf("%d %s", status, strings.TrimSpace(string(body)))
	}
}

// tokenFor fetches a current access token for an installation.
func (c *bridgeClient) tokenFor(ctx context.Context, id string) (string, error) {
	data, err := c.do(ctx, http.MethodGet, "/api/token-access/"+url.PathEscape(id), nil)
	if err != nil {
		return "", err
	}

	token := gjson.GetBytes(data, "accessToken").String()
	if token == "" {
		return "", fmt.Errorf("bridge returned no access token")
	}

	return token, nil
}

func runRefresh(ctx context.Context, args []string, stdout io.Writer) error {
	fs := flag.NewFlagSet("refresh", flag.ContinueOnError)
	c := bridgeFlags(fs)

	if err := fs.Parse(args); err != nil {
		return err
	}

	if fs.NArg() != 1 {
		return fmt.Errorf("usage: ghl-diag refresh [flags] <installation-id>")
	}

	if err := c.check(); err != nil {
		return err
	}

	data, err := c.do(ctx, http.MethodPost, "/api/installations/"+url.PathEscape(fs.Arg(0))+"/refresh", nil)
	if err != nil {
		return err
	}

	inst := gjson.ParseBytes(data)
	fmt.Fprintf(stdout, "%s refreshed: status=%s expires=%s refreshes=%d\n",
		inst.Get("id").String(),
		inst.Get("tokenStatus").String(),
		inst.Get("expiresAt").String(),
		inst.Get("refreshCount").Int(),
	)

	return nil
}

func runCreateProduct(ctx context.Context, args []string, stdout io.Writer) error {
	fs := flag.NewFlagSet("create-product", flag.ContinueOnError)
	c := bridgeFlags(fs)
	file := fs.String("f", "", "product YAML file")
	installation := fs.String("installation", "", "installation ID (optional when only one exists)")
	dryRun := fs.Bool("dry-run", false, "validate and print the payload without sending it")

	if err := fs.Parse(args); err != nil {
		return err
	}

	if *file == "" {
		return fmt.Errorf("-f is required")
	}

	spec, err := ghl.LoadProductSpec(*file)
	if err != nil {
		return err
	}

	if *dryRun {
		out, err := json.MarshalIndent(spec, "", "  ")
		if err != nil {
			return err
		}

		fmt.Fprintln(stdout, string(out))

		return nil
	}

	if err := c.check(); err != nil {
		return err
	}

	path := "/api/products/create"
	if *installation != "" {
		path += "?installation_id=" + url.QueryEscape(*installation)
	}

	data, err := c.do(ctx, http.MethodPost, path, spec)
	if err != nil {
		return err
	}

	fmt.Fprintf(stdout, "created product %s (%s) with %d price(s)\n",
		createdProductID(gjson.GetBytes(data, "product")), spec.Name, gjson.GetBytes(data, "prices.#").Int())

	return nil
}

// createdProductID finds the product ID in the bridge's relayed create
// response. GHL returns either the product itself or {"product": {...}}.
func createdProductID(product gjson.Result) string {
	for _, path := range []string{"_id", "id", "product._id", "product.id"} {
		if v := product.Get(path); v.String() != "" {
			return v.String()
		}
	}

	return ""
}
