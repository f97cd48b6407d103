package storage

import (
	"fmt"
	"io/fs"
	"path"
	"regexp"
	"sort"
	"strconv"
	"strings"
)

// migrationFilePattern matches NNNN_description.up.sql and NNNN_description.down.sql
var migrationFilePattern = regexp.MustCompile(`^(\d+)_(.+)\.(up|down)\.sql$`)

// LoadMigrations reads migration scripts from dir in fsys. Every version needs
// an .up.sql file; the matching .down.sql is optional. Other files are ignored.
func LoadMigrations(fsys fs.FS, dir string) ([]Migration, error) {
	entries, err := fs.ReadDir(fsys, dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read migrations directory %s: %w", dir, err)
	}

	type scriptKey struct {
		version int
		kind    string
	}
	byVersion := make(map[int]*Migration)
	seen := make(map[scriptKey]struct{})
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		match := migrationFilePattern.FindStringSubmatch(entry.Name())
		if match == nil {
			continue
		}

		version, err := strconv.Atoi(match[1])
		if err != nil {
			return nil, fmt.Errorf("invalid migration version in %s: %w", entry.Name(), err)
		}

		content, err := fs.ReadFile(fsys, path.Join(dir, entry.Name()))
		if err != nil {
			return nil, fmt.Errorf("failed to read migration %s: %w", entry.Name(), err)
		}

		m, ok := byVersion[version]
		if !ok {
			m = &Migration{Version: version, Description: strings.ReplaceAll(match[2], "_", " ")}
			byVersion[version] = m
		} else if desc := strings.ReplaceAll(match[2], "_", " "); desc != m.Description {
			return nil, fmt.Errorf("%w: %d (%q and %q)", ErrDuplicateMigrationVersion, version, m.Description, desc)
		}

		// 0001_x.up.sql and 1_x.up.sql name the same script
		slot := &m.Up
		if match[3] == "down" {
			slot = &m.Down
		}
		if _, dup := seen[scriptKey{version, match[3]}]; dup {
			return nil, fmt.Errorf("%w: %d has more than one .%s.sql script (%s)",
				ErrDuplicateMigrationVersion, version, match[3], entry.Name())
		}
		seen[scriptKey{version, match[3]}] = struct{}{}
		*slot = strings.TrimSpace(string(content))
	}

	migrations := make([]Migration, 0, len(byVersion))
	for _, m := range byVersion {
		if m.Up == "" {
			return nil, fmt.Errorf("%w: migration %d has no .up.sql script", ErrInvalidMigration, m.Version)
		}
		migrations = append(migrations, *m)
	}
	sort.Slice(migrations, func(i, j int) bool {
		return migrations[i].Version < migrations[j].Version
	})
	return migrations, nil
}
