package bootstrap

import (
	"context"
	"fmt"
	"os"

	"go.uber.org/zap"

	"strata/config"
	"strata/migrations"
	"strata/storage"
)

// LoadMigrations returns the embedded baseline, or the scripts in dir when
// dir is set
func LoadMigrations(dir string) ([]storage.Migration, error) {
	if dir == "" {
		return migrations.Baseline()
	}

	info, err := os.Stat(dir)
	if err != nil {
		return nil, fmt.Errorf("migrations directory %s: %w", dir, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("migrations directory %s is not a directory", dir)
	}
	return storage.LoadMigrations(os.DirFS(dir), ".")
}

// InitStorage opens the store and applies pending migrations. Failures are
// explained on stderr before being returned.
func InitStorage(ctx context.Context, cfg config.StorageConfig, migrationSet []storage.Migration, sugar *zap.SugaredLogger) (*storage.Manager, error) {
	if err := EnsureStoreDirectory(cfg, sugar); err != nil {
		return nil, fmt.Errorf("pre-flight check failed: %w", err)
	}

	manager, err := storage.Open(ctx, cfg, sugar, migrationSet...)
	if err != nil {
		printFatal("Storage Initialization Failed", ClassifyInitError(err, cfg.StorePath))
		return nil, fmt.Errorf("failed to initialize storage: %w", err)
	}

	sugar.Infow("Storage initialized successfully",
		"store", cfg.StorePath,
		"migrations", len(migrationSet))
	return manager, nil
}

func printFatal(title, message string) {
	fmt.Fprintf(os.Stderr, "\n========================================\n")
	fmt.Fprintf(os.Stderr, "FATAL: %s\n", title)
	fmt.Fprintf(os.Stderr, "========================================\n")
	fmt.Fprintf(os.Stderr, "%s\n", message)
	fmt.Fprintf(os.Stderr, "========================================\n\n")
}
