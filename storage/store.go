package storage

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"strata/config"
)

const maxStorePathLength = 512

// Windows device names that must never be used as a database file
var reservedDeviceNames = []string{"CON", "PRN", "AUX", "NUL", "COM1", "COM2", "COM3", "COM4",
	"COM5", "COM6", "COM7", "COM8", "COM9", "LPT1", "LPT2", "LPT3", "LPT4",
	"LPT5", "LPT6", "LPT7", "LPT8", "LPT9"}

// storeTarget is the resolved location of the database every connection opens
type storeTarget struct {
	// path is the file on disk, empty for memory stores
	path string
	// memoryName names the shared-cache memory database so that all pooled
	// connections of one manager see the same data, and no other manager does
	memoryName string
	memory     bool
}

// resolveStore validates store_path and prepares its directory.
// ":memory:" becomes a uniquely named shared-cache memory database.
func resolveStore(storePath string) (storeTarget, error) {
	if storePath == config.MemoryStorePath {
		return storeTarget{memory: true, memoryName: "strata-" + uuid.NewString()}, nil
	}

	if err := validateStorePath(storePath); err != nil {
		return storeTarget{}, fmt.Errorf("%w: %v", ErrInvalidStorePath, err)
	}

	dir := filepath.Dir(storePath)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return storeTarget{}, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	return storeTarget{path: storePath}, nil
}

// validateStorePath rejects paths that cannot safely name a database file
func validateStorePath(storePath string) error {
	if storePath == "" {
		return fmt.Errorf("store path cannot be empty")
	}
	if len(storePath) > maxStorePathLength {
		return fmt.Errorf("store path exceeds maximum length of %d characters", maxStorePathLength)
	}
	if strings.ContainsRune(storePath, 0) {
		return fmt.Errorf("null bytes not allowed in path")
	}
	// The driver treats everything after '?' as connection parameters
	if strings.ContainsRune(storePath, '?') {
		return fmt.Errorf("'?' not allowed in path: %s", storePath)
	}

	for _, part := range strings.FieldsFunc(filepath.ToSlash(storePath), func(r rune) bool { return r == '/' }) {
		if part == ".." {
			return fmt.Errorf("path traversal not allowed (..): %s", storePath)
		}
	}

	base := strings.ToUpper(filepath.Base(storePath))
	for _, r := range reservedDeviceNames {
		if base == r || strings.HasPrefix(base, r+".") {
			return fmt.Errorf("reserved name not allowed: %s", filepath.Base(storePath))
		}
	}

	info, err := os.Stat(storePath)
	switch {
	case err == nil && !info.Mode().IsRegular():
		return fmt.Errorf("store path exists and is not a regular file: %s", storePath)
	case err != nil && !os.IsNotExist(err):
		return fmt.Errorf("failed to stat store path: %w", err)
	}
	return nil
}

// display is the store name used in logs
func (t storeTarget) display() string {
	if t.memory {
		return config.MemoryStorePath
	}
	return t.path
}

// walPath returns the write-ahead log file next to the database, empty for memory stores
func (t storeTarget) walPath() string {
	if t.memory {
		return ""
	}
	return t.path + "-wal"
}

// dsn builds the driver connection string. The session pragmas are carried as
// _pragma parameters so that a physical connection reopened by database/sql
// is configured the same way as the first one.
func (t storeTarget) dsn(settings connectionSettings) string {
	params := url.Values{}
	for _, p := range settings.pragmas(t.memory) {
		params.Add("_pragma", p.name+"("+p.value+")")
	}
	// Take the write lock at BEGIN so busy_timeout applies instead of failing on upgrade
	params.Set("_txlock", "immediate")

	if t.memory {
		params.Set("mode", "memory")
		params.Set("cache", "shared")
		return "file:" + t.memoryName + "?" + params.Encode()
	}
	return t.path + "?" + params.Encode()
}

type pragma struct {
	name  string
	value string
}

func (p pragma) statement() string {
	return p.name + " = " + p.value
}

// connectionSettings is the subset of StorageConfig that shapes a native connection
type connectionSettings struct {
	durability     config.DurabilityMode
	foreignKeys    bool
	cacheSizePages int
	busyTimeoutMs  int64
	autoReclaim    bool
}

func newConnectionSettings(cfg config.StorageConfig) connectionSettings {
	return connectionSettings{
		durability:     cfg.DurabilityMode,
		foreignKeys:    cfg.EnableForeignKeys,
		cacheSizePages: cfg.CacheSizePages,
		busyTimeoutMs:  cfg.BusyTimeout.Milliseconds(),
		autoReclaim:    cfg.AutoReclaimSpace,
	}
}

// journalMode is the journal mode expected on file-backed stores
func (s connectionSettings) journalMode() string {
	if s.durability == config.DurabilityOff {
		return "memory"
	}
	return "wal"
}

func (s connectionSettings) synchronous() string {
	switch s.durability {
	case config.DurabilityFull:
		return "FULL"
	case config.DurabilityOff:
		return "OFF"
	default:
		return "NORMAL"
	}
}

// pragmas lists the session settings in the order they are applied.
// auto_vacuum goes first because it only takes effect before the first table exists.
func (s connectionSettings) pragmas(memory bool) []pragma {
	var out []pragma
	if s.autoReclaim && !memory {
		out = append(out, pragma{"auto_vacuum", "INCREMENTAL"})
	}
	if !memory {
		out = append(out, pragma{"journal_mode", strings.ToUpper(s.journalMode())})
	}
	out = append(out,
		pragma{"synchronous", s.synchronous()},
		pragma{"foreign_keys", onOff(s.foreignKeys)},
		pragma{"busy_timeout", strconv.FormatInt(s.busyTimeoutMs, 10)},
	)
	if s.cacheSizePages != 0 {
		out = append(out, pragma{"cache_size", strconv.Itoa(s.cacheSizePages)})
	}
	return out
}

func onOff(b bool) string {
	if b {
		return "ON"
	}
	return "OFF"
}
