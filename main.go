// Package main is the entry point for the strata storage service and CLI.
package main

import (
	"context"
	"fmt"
	"os"

	"strata/bootstrap"
	"strata/cmd"
)

// run opens the store with the default configuration search and keeps it
// serving background maintenance until a shutdown signal arrives.
func run() error {
	ctx := context.Background()

	app, err := bootstrap.NewApp(ctx, bootstrap.Options{})
	if err != nil {
		return fmt.Errorf("failed to initialize application: %w", err)
	}

	if err := app.Start(ctx); err != nil {
		app.Shutdown()
		return fmt.Errorf("failed to start application: %w", err)
	}

	app.WaitForShutdown(ctx)
	app.Shutdown()

	return nil
}

func main() {
	// Without arguments strata runs as a long-lived process
	if len(os.Args) <= 1 {
		if err := run(); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		return
	}

	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
