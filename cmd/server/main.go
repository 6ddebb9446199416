/*
main.go - Application entry point

PURPOSE:
  CLI for the invoice engine: runs the HTTP server and offers offline
  helpers for working with pricing rule files.

COMMANDS:
  serve                      Start the HTTP API
  rules hash <file>...       Print the merged rule set version and hash
  rules price <code> <qty>   Price one unit of work and print the breakdown

CONFIGURATION:
  viper resolves flags, then environment, then defaults (see config/config.go).

EXAMPLES:
  # Run against a local SQLite file
  invoice-engine serve --db sqlite://./data/invoices.db --rules rules.yaml

  # Run against Postgres with a shared Redis idempotency guard
  DATABASE_URL=postgres://... REDIS_URL=redis://localhost:6379/0 invoice-engine serve

  # Check which rules are in force
  invoice-engine rules hash rules.yaml rules.local.yaml

SEE ALSO:
  - serve.go: Server startup and graceful shutdown
  - api/server.go: Router configuration
*/
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/warp/invoice-engine/config"
)

var settings = config.New()

var rootCmd = &cobra.Command{
	Use:           "invoice-engine",
	Short:         "Invoice pricing and moderated versioning engine",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func main() {
	rootCmd.AddCommand(newServeCmd(), newRulesCmd())
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
