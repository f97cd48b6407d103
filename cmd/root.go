// Package cmd provides the strata operator command line.
package cmd

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"strata/bootstrap"
	"strata/config"
	"strata/storage"
)

// Global flags
var (
	configFile    string
	outputJSON    bool
	outputFormat  string
	noColor       bool
	quiet         bool
	migrationsDir string
)

// defaultTimeout bounds one-shot commands; run has no deadline
const defaultTimeout = 5 * time.Minute

// Output formats accepted by --output
const (
	formatTable = "table"
	formatJSON  = "json"
	formatYAML  = "yaml"
)

// NewRootCmd creates the strata command with all subcommands
func NewRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "strata",
		Short: "Embedded storage layer: migrations, queries and maintenance",
		Long: `strata manages an embedded SQLite store: it applies versioned schema migrations,
runs instrumented queries through a bounded connection pool and performs maintenance.

Configuration is read from config.yaml (or --config) and STRATA_* environment variables.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if noColor {
				color.NoColor = true
			}
			if outputJSON {
				outputFormat = formatJSON
			}
			outputFormat = strings.ToLower(outputFormat)
			switch outputFormat {
			case formatTable, formatJSON, formatYAML:
				return nil
			default:
				return fmt.Errorf("unknown output format %q (want table, json or yaml)", outputFormat)
			}
		},
	}

	flags := root.PersistentFlags()
	flags.StringVar(&configFile, "config", "", "Config file path (default: ./config.yaml or ./config/config.yaml)")
	flags.BoolVar(&outputJSON, "json", false, "Output in JSON format (same as --output json)")
	flags.StringVarP(&outputFormat, "output", "o", formatTable, "Output format: table, json or yaml")
	flags.BoolVar(&noColor, "no-color", false, "Disable colored output")
	flags.BoolVarP(&quiet, "quiet", "q", false, "Suppress non-essential output and informational logs")
	flags.StringVar(&migrationsDir, "migrations-dir", "", "Load migrations from this directory instead of the embedded baseline")

	root.AddCommand(newMigrateCmd())
	root.AddCommand(newQueryCmd())
	root.AddCommand(newStatsCmd())
	root.AddCommand(newOptimizeCmd())
	root.AddCommand(newRunCmd())

	return root
}

// Execute runs the root command against os.Args
func Execute() error {
	return NewRootCmd().Execute()
}

// session is one opened store for the duration of a command
type session struct {
	cfg        *config.Config
	logger     *zap.Logger
	sugar      *zap.SugaredLogger
	manager    *storage.Manager
	migrations []storage.Migration
}

// openSession loads config and migrations and opens the store. With
// applyMigrations false the store is opened as is and the migrations are
// only registered, so status and rollback see pending versions untouched.
func openSession(ctx context.Context, applyMigrations bool) (*session, error) {
	cfg, err := bootstrap.InitConfig(configFile)
	if err != nil {
		return nil, err
	}

	level := cfg.Logging.Level
	if quiet {
		level = "error"
	}
	logger, sugar, err := bootstrap.InitLogger(level, cfg.Logging.Format)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}

	migrationSet, err := bootstrap.LoadMigrations(migrationsDir)
	if err != nil {
		return nil, fmt.Errorf("failed to load migrations: %w", err)
	}

	var startup []storage.Migration
	if applyMigrations {
		startup = migrationSet
	}
	manager, err := bootstrap.InitStorage(ctx, cfg.Storage, startup, sugar)
	if err != nil {
		return nil, err
	}

	if !applyMigrations {
		if err := manager.Migrator().Register(migrationSet...); err != nil {
			_ = manager.Close()
			return nil, fmt.Errorf("failed to register migrations: %w", err)
		}
	}

	return &session{
		cfg:        cfg,
		logger:     logger,
		sugar:      sugar,
		manager:    manager,
		migrations: migrationSet,
	}, nil
}

// Close releases the store and flushes the logger
func (s *session) Close() {
	if err := s.manager.Close(); err != nil {
		s.sugar.Warnf("Failed to close store during cleanup: %v", err)
	}
	if err := s.logger.Sync(); err != nil {
		// Sync on a terminal stderr commonly fails with ENOTTY/EINVAL
		s.sugar.Debugf("Failed to sync logger during cleanup: %v", err)
	}
}
