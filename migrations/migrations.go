// Package migrations embeds the baseline schema shipped with strata.
//
// Scripts live in sql/ and follow the NNNN_description.up.sql /
// NNNN_description.down.sql naming read by storage.LoadMigrations.
package migrations

import (
	"embed"
	"io/fs"

	"strata/storage"
)

//go:embed sql/*.sql
var scripts embed.FS

// Dir is the directory inside FS holding the scripts
const Dir = "sql"

// FS exposes the embedded scripts
func FS() fs.FS {
	return scripts
}

// Baseline returns the embedded migrations in ascending version order
func Baseline() ([]storage.Migration, error) {
	return storage.LoadMigrations(scripts, Dir)
}
