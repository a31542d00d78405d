package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/coder/websocket"
	"github.com/tidwall/gjson"
)

func runWatch(ctx context.Context, args []string, stdout io.Writer) error {
	fs := flag.NewFlagSet("watch", flag.ContinueOnError)
	c := bridgeFlags(fs)
	installation := fs.String("installation", "", "only show events for this installation")

	if err := fs.Parse(args); err != nil {
		return err
	}

	if err := c.check(); err != nil {
		return err
	}

	target, err := eventsURL(c.baseURL, *installation)
	if err != nil {
		return err
	}

	conn, _, err := websocket.Dial(ctx, target, &websocket.DialOptions{ //nolint:bodyclose // websocket.Dial closes the response body internally
		HTTPHeader: http.Header{"X-API-Key": []string{c.apiKey}},
	})
	if err != nil {
		return fmt.Errorf("connecting to %s: %w", target, err)
	}
	defer conn.CloseNow()

	fmt.Fprintf(stdout, "watching %s\n", target)

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			if ctx.Err() != nil || websocket.CloseStatus(err) == websocket.StatusGoingAway {
				return nil
			}

			if errors.Is(err, io.EOF) {
				return nil
			}

			return fmt.Errorf("reading event: %w", err)
		}

		fmt.Fprintln(stdout, formatEvent(data))
	}
}

// eventsURL converts the bridge base URL to the websocket events URL.
func eventsURL(base, installation string) (string, error) {
	u, err := url.Parse(strings.TrimRight(base, "/"))
	if err != nil {
		return "", fmt.Errorf("invalid bridge URL: %w", err)
	}

	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	case "http", "":
		u.Scheme = "ws"
	}

	u.Path += "/api/events"

	if installation != "" {
		u.RawQuery = url.Values{"installation_id": {installation}}.Encode()
	}

	return u.String(), nil
}

func formatEvent(data []byte) string {
	e := gjson.ParseBytes(data)

	line := fmt.Sprintf("%s  %-16s %s", e.Get("at").String(), e.Get("type").String(), e.Get("installationId").String())

	if s := e.Get("tokenStatus").String(); s != "" {
		line += "  status=" + s
	}

	if m := e.Get("message").String(); m != "" {
		line += "  " + m
	}

	return line
}
