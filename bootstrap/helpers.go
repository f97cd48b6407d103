package bootstrap

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"strata/config"
	"strata/storage"
)

// EnsureStoreDirectory creates the directory holding the store file and
// verifies it is writable. In-memory stores need nothing.
func EnsureStoreDirectory(cfg config.StorageConfig, sugar *zap.SugaredLogger) error {
	if cfg.IsMemory() {
		return nil
	}

	dir, err := filepath.Abs(filepath.Dir(cfg.StorePath))
	if err != nil {
		return fmt.Errorf("failed to resolve absolute path for %s: %w", cfg.StorePath, err)
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create directory %s: %w\n"+
			"  Remediation: Ensure the parent directory exists and is writable\n"+
			"  For Docker: Check volume mount permissions\n"+
			"  For bare metal: Run 'mkdir -p %s && chmod 755 %s'", dir, err, dir, dir)
	}

	probe := filepath.Join(dir, ".strata_write_test")
	if err := os.WriteFile(probe, []byte("test"), 0o644); err != nil {
		return fmt.Errorf("directory %s is not writable: %w\n"+
			"  Remediation: Check file system permissions\n"+
			"  For Docker: Ensure volume is mounted with write access\n"+
			"  For bare metal: Run 'chmod -R u+w %s'", dir, err, dir)
	}
	_ = os.Remove(probe)

	sugar.Infow("Store directory ready", "path", dir)
	return nil
}

// ClassifyInitError turns a storage initialization failure into operator
// facing text with remediation steps
func ClassifyInitError(err error, storePath string) string {
	if err == nil {
		return ""
	}

	var failed *storage.MigrationFailedError
	if errors.As(err, &failed) {
		return fmt.Sprintf("Migration %d (%s) failed and was rolled back: %v\n"+
			"  The store was left at the last successfully applied version.\n"+
			"  Remediation:\n"+
			"  - Fix the migration script and restart\n"+
			"  - Inspect applied versions: strata migrate status\n"+
			"  - Check the script against a copy of the store before retrying",
			failed.Version, failed.Description, failed.Err)
	}

	if errors.Is(err, storage.ErrInvalidStorePath) {
		return fmt.Sprintf("Store path %q is not allowed: %v\n"+
			"  Remediation:\n"+
			"  - Use a plain file path without '..', '?' or reserved device names\n"+
			"  - Set storage.store_path in config.yaml or STRATA_STORE_PATH\n"+
			"  - Use %q for a private in-memory store", storePath, err, config.MemoryStorePath)
	}

	var initErr *storage.InitError
	if errors.As(err, &initErr) && initErr.Stage == storage.InitStageConfig {
		return fmt.Sprintf("Storage configuration rejected: %v\n"+
			"  Remediation:\n"+
			"  - Review the storage section of config.yaml\n"+
			"  - pool_size must not exceed max_connections", initErr.Err)
	}

	return ClassifySQLiteError(err, storePath)
}

// ClassifySQLiteError provides specific error messages based on the type of SQLite failure.
func ClassifySQLiteError(err error, dbPath string) string {
	if err == nil {
		return ""
	}

	errStr := err.Error()
	absPath, _ := filepath.Abs(dbPath)
	parentDir := filepath.Dir(absPath)

	if containsIgnoreCase(errStr, "permission denied") || containsIgnoreCase(errStr, "access denied") {
		return fmt.Sprintf("Permission denied accessing store at %s.\n"+
			"  Possible causes:\n"+
			"  - The database file or directory has incorrect permissions\n"+
			"  - Another process has an exclusive lock on the file\n"+
			"  Remediation:\n"+
			"  - Check file permissions: ls -la %s\n"+
			"  - Check directory permissions: ls -la %s\n"+
			"  - For Docker: Ensure volume is mounted with proper user permissions",
			absPath, absPath, parentDir)
	}

	if containsIgnoreCase(errStr, "database is locked") || containsIgnoreCase(errStr, "SQLITE_BUSY") {
		return fmt.Sprintf("Store at %s is locked by another process.\n"+
			"  Possible causes:\n"+
			"  - Another strata process is migrating or optimizing the store\n"+
			"  - A crashed process left a stale lock\n"+
			"  Remediation:\n"+
			"  - Check for running processes: ps aux | grep strata\n"+
			"  - Raise storage.busy_timeout if contention is expected\n"+
			"  - If stale lock: Remove -shm and -wal files (CAUTION: only if no process is using them)",
			absPath)
	}

	if containsIgnoreCase(errStr, "disk full") || containsIgnoreCase(errStr, "no space") || containsIgnoreCase(errStr, "SQLITE_FULL") {
		return fmt.Sprintf("Disk full - cannot write to store at %s.\n"+
			"  Remediation:\n"+
			"  - Check available disk space: df -h %s\n"+
			"  - Free up disk space or expand the volume\n"+
			"  - Run 'strata optimize' to reclaim free pages", absPath, parentDir)
	}

	if containsIgnoreCase(errStr, "corrupt") || containsIgnoreCase(errStr, "malformed") || containsIgnoreCase(errStr, "not a database") {
		return fmt.Sprintf("Store at %s appears to be corrupted.\n"+
			"  CRITICAL: Backup any existing data before proceeding!\n"+
			"  Remediation options:\n"+
			"  1. Try recovery: sqlite3 %s \".recover\" | sqlite3 %s.recovered\n"+
			"  2. Check integrity: sqlite3 %s \"PRAGMA integrity_check;\"\n"+
			"  3. If recovery fails, restore from backup",
			absPath, absPath, absPath, absPath)
	}

	if containsIgnoreCase(errStr, "no such file or directory") || containsIgnoreCase(errStr, "unable to open") {
		return fmt.Sprintf("Cannot open store - path does not exist or is not a file: %s.\n"+
			"  Remediation:\n"+
			"  - Create the parent directory: mkdir -p %s\n"+
			"  - Verify storage.store_path or the STRATA_STORE_PATH env var",
			absPath, parentDir)
	}

	if containsIgnoreCase(errStr, "read-only") || containsIgnoreCase(errStr, "readonly") {
		return fmt.Sprintf("Store location is on a read-only file system: %s.\n"+
			"  Remediation:\n"+
			"  - Remount the file system as read-write\n"+
			"  - Move the store to a writable location via STRATA_STORE_PATH", absPath)
	}

	return fmt.Sprintf("Failed to initialize store at %s: %v\n"+
		"  Remediation:\n"+
		"  - Ensure the directory %s exists and is writable\n"+
		"  - Check disk space and permissions\n"+
		"  - Review error message for specific details", absPath, err, parentDir)
}

func containsIgnoreCase(s, substr string) bool {
	return strings.Contains(strings.ToLower(s), strings.ToLower(substr))
}
