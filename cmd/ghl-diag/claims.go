package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/alexjbarnes/ghl-bridge/internal/ghl"
	"github.com/sergi/go-diff/diffmatchpatch"
)

func runDecode(_ context.Context, args []string, stdout io.Writer) error {
	fs := flag.NewFlagSet("decode", flag.ContinueOnError)
	raw := fs.Bool("raw", false, "print every claim instead of the summary")

	if err := fs.Parse(args); err != nil {
		return err
	}

	token, err := tokenArg(fs)
	if err != nil {
		return err
	}

	if *raw {
		pretty, err := prettyClaims(token)
		if err != nil {
			return err
		}

		fmt.Fprintln(stdout, pretty)

		return nil
	}

	claims, err := ghl.DecodeClaims(token)
	if err != nil {
		return err
	}

	fmt.Fprint(stdout, summarizeClaims(claims, time.Now()))

	return nil
}

func runCompare(_ context.Context, args []string, stdout io.Writer) error {
	fs := flag.NewFlagSet("compare", flag.ContinueOnError)

	if err := fs.Parse(args); err != nil {
		return err
	}

	if fs.NArg() != 2 {
		return fmt.Errorf("usage: ghl-diag compare <token-a> <token-b>")
	}

	a, err := prettyClaims(fs.Arg(0))
	if err != nil {
		return fmt.Errorf("token a: %w", err)
	}

	b, err := prettyClaims(fs.Arg(1))
	if err != nil {
		return fmt.Errorf("token b: %w", err)
	}

	fmt.Fprint(stdout, diffClaims(a, b))

	return nil
}

// tokenArg takes the token from the first argument, "-" for stdin, or
// GHL_ACCESS_TOKEN.
func tokenArg(fs *flag.FlagSet) (string, error) {
	token := fs.Arg(0)

	if token == "-" {
		data, err := io.ReadAll(os.Stdin)
		if err != nil {
			return "", fmt.Errorf("reading stdin: %w", err)
		}

		token = string(data)
	}

	if token == "" {
		token = os.Getenv("GHL_ACCESS_TOKEN")
	}

	token = strings.TrimPrefix(strings.TrimSpace(token), "Bearer ")
	if token == "" {
		return "", fmt.Errorf("no token given (argument, '-' or GHL_ACCESS_TOKEN)")
	}

	return token, nil
}

func prettyClaims(token string) (string, error) {
	claims, err := ghl.DecodeRawClaims(strings.TrimSpace(token))
	if err != nil {
		return "", err
	}

	// encoding/json sorts map keys, so two dumps line up for diffing.
	out, err := json.MarshalIndent(claims, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encoding claims: %w", err)
	}

	return string(out), nil
}

func summarizeClaims(c *ghl.Claims, now time.Time) string {
	var b strings.Builder

	fmt.Fprintf(&b, "authClass:    %s\n", c.AuthClass)
	fmt.Fprintf(&b, "authClassId:  %s\n", c.AuthClassID)

	if loc := c.LocationID(); loc != "" {
		fmt.Fprintf(&b, "locationId:   %s\n", loc)
	}

	if comp := c.CompanyID(); comp != "" {
		fmt.Fprintf(&b, "companyId:    %s\n", comp)
	}

	if c.OAuthMeta.Client != "" {
		fmt.Fprintf(&b, "client:       %s\n", c.OAuthMeta.Client)
	}

	if exp := c.Expiry(); !exp.IsZero() {
		state := "valid for " + exp.Sub(now).Round(time.Second).String()
		if !now.Before(exp) {
			state = "expired " + now.Sub(exp).Round(time.Second).String() + " ago"
		}

		fmt.Fprintf(&b, "expiresAt:    %s (%s)\n", exp.UTC().Format(time.RFC3339), state)
	}

	if len(c.OAuthMeta.Scopes) > 0 {
		fmt.Fprintf(&b, "scopes:       %s\n", strings.Join(c.OAuthMeta.Scopes, " "))
	}

	return b.String()
}

// diffClaims renders a line diff of two claim dumps, prefixing removed
// lines with "-" and added lines with "+".
func diffClaims(a, b string) string {
	if a == b {
		return "claims are identical\n"
	}

	dmp := diffmatchpatch.New()

	ca, cb, lines := dmp.DiffLinesToChars(a, b)
	diffs := dmp.DiffCharsToLines(dmp.DiffMain(ca, cb, false), lines)

	var out strings.Builder

	for _, d := range diffs {
		prefix := "  "

		switch d.Type {
		case diffmatchpatch.DiffDelete:
			prefix = "- "
		case diffmatchpatch.DiffInsert:
			prefix = "+ "
		case diffmatchpatch.DiffEqual:
		}

		for _, line := range strings.SplitAfter(d.Text, "\n") {
			if line == "" {
				continue
			}

			out.WriteString(prefix + strings.TrimSuffix(line, "\n") + "\n")
		}
	}

	return out.String()
}
