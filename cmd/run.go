package cmd

import (
	"github.com/spf13/cobra"

	"strata/bootstrap"
)

func newRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Open the store and run background maintenance until interrupted",
		Long: `Open the store, apply pending migrations and keep it open with the
configured metrics collection and scheduled maintenance running until
SIGINT or SIGTERM.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := bootstrap.NewApp(cmd.Context(), bootstrap.Options{
				ConfigFile:    configFile,
				MigrationsDir: migrationsDir,
			})
			if err != nil {
				return err
			}
			defer app.Shutdown()

			if err := app.Start(cmd.Context()); err != nil {
				return err
			}

			if !quiet {
				successColor.Fprintf(cmd.OutOrStdout(), "✓ strata running on %s (Ctrl+C to stop)\n", app.Config.Storage.StorePath)
			}
			app.WaitForShutdown(cmd.Context())
			return nil
		},
	}
}
