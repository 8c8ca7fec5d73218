// Package migrations compiles the schema SQL into the binary so a
// fresh node can migrate itself without shipping loose files.
package migrations

import (
	"embed"

	"github.com/openfield-iot/fieldgate-core/internal/infrastructure/database"
)

//go:embed *.sql
var files embed.FS

func init() {
	database.MigrationsFS = files
	database.MigrationsDir = "."
}
