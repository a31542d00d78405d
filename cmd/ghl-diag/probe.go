package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/alexjbarnes/ghl-bridge/internal/ghl"
	"github.com/alexjbarnes/ghl-bridge/internal/models"
	"github.com/tidwall/gjson"
)

// probeResult is one row of the probe report.
type probeResult struct {
	Endpoint string
	Status   string
	Detail   string
}

type probeCall struct {
	name string
	call func(ctx context.Context) (json.RawMessage, error)
	// count is the gjson path of the list returned, if any.
	count string
}

func runProbe(ctx context.Context, args []string, stdout io.Writer) error {
	fs := flag.NewFlagSet("probe", flag.ContinueOnError)
	bridge := bridgeFlags(fs)
	token := fs.String("token", envOr("GHL_ACCESS_TOKEN", ""), "GHL access token")
	installation := fs.String("installation", "", "fetch the token for this installation from the bridge")
	baseURL := fs.String("api", envOr("GHL_API_BASE_URL", ghl.DefaultBaseURL), "GHL API base URL")
	version := fs.String("api-version", envOr("GHL_API_VERSION", ghl.DefaultAPIVersion), "GHL Version header")

	if err := fs.Parse(args); err != nil {
		return err
	}

	if *installation != "" {
		if err := bridge.check(); err != nil {
			return err
		}

		t, err := bridge.tokenFor(ctx, *installation)
		if err != nil {
			return err
		}

		*token = t
	}

	if *token == "" {
		return fmt.Errorf("a token is required (-token, GHL_ACCESS_TOKEN or -installation)")
	}

	claims, err := ghl.DecodeClaims(*token)
	if err != nil {
		return err
	}

	client := ghl.NewClient(ghl.Options{BaseURL: *baseURL, APIVersion: *version})

	fmt.Fprintf(stdout, "token: %s %s\n\n", claims.AuthClass, claims.AuthClassID)

	results := probe(ctx, probeCalls(client, *token, claims))
	writeProbeTable(stdout, results)

	return nil
}

func probeCalls(c *ghl.Client, token string, claims *ghl.Claims) []probeCall {
	if claims.AuthClass == models.AuthClassCompany {
		companyID := claims.CompanyID()

		return []probeCall{
			{name: "GET /companies/" + companyID, call: func(ctx context.Context) (json.RawMessage, error) {
				return c.GetCompany(ctx, token, companyID)
			}},
		}
	}

	locationID := claims.LocationID()

	return []probeCall{
		{name: "GET /locations/" + locationID, call: func(ctx context.Context) (json.RawMessage, error) {
			return c.GetLocation(ctx, token, locationID)
		}},
		{name: "GET /products/", count: "products.#", call: func(ctx context.Context) (json.RawMessage, error) {
			return c.ListProducts(ctx, token, locationID, 5, 0)
		}},
		{name: "GET /medias/files", count: "files.#", call: func(ctx context.Context) (json.RawMessage, error) {
			return c.ListMedia(ctx, token, locationID, 5)
		}},
	}
}

// probe runs every call in order. A failure does not stop the run.
func probe(ctx context.Context, calls []probeCall) []probeResult {
	results := make([]probeResult, 0, len(calls))

	for _, pc := range calls {
		body, err := pc.call(ctx)
		results = append(results, describeProbe(pc, body, err))
	}

	return results
}

func describeProbe(pc probeCall, body json.RawMessage, err error) probeResult {
	r := probeResult{Endpoint: pc.name}

	if err != nil {
		if ae, ok := ghl.AsAPIError(err); ok {
			r.Status = fmt.Sprintf("%d", ae.Status)
			r.Detail = ae.Message
		} else {
			r.Status = "error"
			r.Detail = err.Error()
		}

		return r
	}

	r.Status = "ok"

	if pc.count != "" {
		r.Detail = fmt.Sprintf("%d item(s)", gjson.GetBytes(body, pc.count).Int())
	}

	return r
}

func writeProbeTable(w io.Writer, results []probeResult) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ENDPOINT\tSTATUS\tDETAIL")

	for _, r := range results {
		fmt.Fprintf(tw, "%s\t%s\t%s\n", r.Endpoint, r.Status, strings.ReplaceAll(r.Detail, "\n", " "))
	}

	tw.Flush()
}
