package cmd

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/briandowns/spinner"
	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

func newMigrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply, inspect and roll back schema migrations",
	}

	cmd.AddCommand(newMigrateUpCmd())
	cmd.AddCommand(newMigrateStatusCmd())
	cmd.AddCommand(newMigrateRollbackCmd())

	return cmd
}

// migrateUpResult is the machine-readable outcome of migrate up
type migrateUpResult struct {
	Applied        int `json:"applied" yaml:"applied"`
	CurrentVersion int `json:"current_version" yaml:"current_version"`
}

func newMigrateUpCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "up",
		Short: "Apply every pending migration in version order",
		Example: `  strata migrate up
  strata migrate up --migrations-dir ./sql`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), defaultTimeout)
			defer cancel()

			s, err := openSession(ctx, false)
			if err != nil {
				return err
			}
			defer s.Close()

			sp := startSpinner(cmd.OutOrStdout(), " Applying migrations...")
			applied, err := s.manager.Migrator().RunPending(ctx)
			stopSpinner(sp)
			if err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}

			current, err := s.manager.Migrator().CurrentVersion(ctx)
			if err != nil {
				return fmt.Errorf("failed to read schema version: %w", err)
			}

			result := migrateUpResult{Applied: applied, CurrentVersion: current}
			return render(cmd.OutOrStdout(), result, func(w io.Writer) {
				if applied == 0 {
					infoColor.Fprintf(w, "Schema is up to date (version %d)\n", current)
					return
				}
				successColor.Fprintf(w, "✓ Applied %d migration(s), schema is now at version %d\n", applied, current)
			})
		},
	}
}

func newMigrateStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the schema version, pending migrations and history",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), defaultTimeout)
			defer cancel()

			s, err := openSession(ctx, false)
			if err != nil {
				return err
			}
			defer s.Close()

			status, err := s.manager.Migrator().Status(ctx)
			if err != nil {
				return fmt.Errorf("failed to read migration status: %w", err)
			}

			return render(cmd.OutOrStdout(), status, func(w io.Writer) {
				renderMigrationStatus(w, status)
			})
		},
	}
}

func newMigrateRollbackCmd() *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "rollback <version>",
		Short: "Roll back one applied migration",
		Long: `Roll back the migration with the given version by running its down script.

Only the current schema version can be rolled back, and only when the
migration has a down script. Rolling back usually drops data, so the
command requires --force.`,
		Example: "  strata migrate rollback 3 --force",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			version, err := strconv.Atoi(args[0])
			if err != nil || version <= 0 {
				return fmt.Errorf("invalid migration version %q: must be a positive integer", args[0])
			}

			if !force {
				warningColor.Fprintf(cmd.ErrOrStderr(), "⚠ Rolling back migration %d may drop data. Re-run with --force to proceed.\n", version)
				return fmt.Errorf("rollback of migration %d requires --force", version)
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), defaultTimeout)
			defer cancel()

			s, err := openSession(ctx, false)
			if err != nil {
				return err
			}
			defer s.Close()

			if err := s.manager.Migrator().Rollback(ctx, version); err != nil {
				return fmt.Errorf("rollback failed: %w", err)
			}

			current, err := s.manager.Migrator().CurrentVersion(ctx)
			if err != nil {
				return fmt.Errorf("failed to read schema version: %w", err)
			}

			result := struct {
				RolledBack     int `json:"rolled_back" yaml:"rolled_back"`
				CurrentVersion int `json:"current_version" yaml:"current_version"`
			}{version, current}
			return render(cmd.OutOrStdout(), result, func(w io.Writer) {
				successColor.Fprintf(w, "✓ Rolled back migration %d, schema is now at version %d\n", version, current)
			})
		},
	}

	cmd.Flags().BoolVar(&force, "force", false, "Confirm the rollback")

	return cmd
}

// startSpinner shows progress on interactive table output only
func startSpinner(w io.Writer, suffix string) *spinner.Spinner {
	if quiet || outputFormat != formatTable || color.NoColor {
		return nil
	}
	s := spinner.New(spinner.CharSets[14], 100*time.Millisecond, spinner.WithWriter(w))
	s.Suffix = suffix
	s.Start()
	return s
}

func stopSpinner(s *spinner.Spinner) {
	if s != nil {
		s.Stop()
	}
}
