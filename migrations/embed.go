// Package migrations embeds the SenseHub SQL schema into the binary.
//
// Importing this package registers the files with the database package,
// so the binary can migrate without the SQL present on disk.
package migrations

import (
	"embed"

	"github.com/lilistrocel/sensehub-sub001/internal/infrastructure/database"
)

//go:embed *.sql
var migrationsFS embed.FS

func init() {
	database.MigrationsFS = migrationsFS
	database.MigrationsDir = "."
}
