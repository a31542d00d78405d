// Command ghl-diag inspects GHL tokens and drives a running ghl-bridge
// from the terminal.
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
)

var Version = "dev"

const usage = `usage: ghl-diag <command> [flags]

commands:
  decode          print the claims of an access token
  compare         diff the claims of two access tokens
  probe           call GHL endpoints with a token and report which succeed
  refresh         force a refresh of an installation on the bridge
  create-product  create a product and its prices from a YAML file
  watch           stream installation events from the bridge
  version         print the version
`

type command func(ctx context.Context, args []string, stdout io.Writer) error

var commands = map[string]command{
	"decode":         runDecode,
	"compare":        runCompare,
	"probe":          runProbe,
	"refresh":        runRefresh,
	"create-product": runCreateProduct,
	"watch":          runWatch,
}

func main() {
	if err := run(os.Args[1:], os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string, stdout io.Writer) error {
	if len(args) == 0 || args[0] == "-h" || args[0] == "help" || args[0] == "--help" {
		fmt.Fprint(stdout, usage)
		return nil
	}

	if args[0] == "version" {
		fmt.Fprintln(stdout, Version)
		return nil
	}

	cmd, ok := commands[args[0]]
	if !ok {
		return fmt.Errorf("unknown command %q\n\n%s", args[0], usage)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	return cmd(ctx, args[1:], stdout)
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}

	return fallback
}
