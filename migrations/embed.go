// Package migrations embeds the endpoint registry schema into the binary.
package migrations

import (
	"embed"

	"github.com/nerrad567/wemo-matter-bridge/internal/infrastructure/database"
)

//go:embed *.sql
var migrationsFS embed.FS

func init() {
	database.MigrationsFS = migrationsFS
	database.MigrationsDir = "."
}
