// Package migrations embeds the schema migration files applied by the
// api-gateway migrate command.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS

// Files lists the migrations in apply order.
var Files = []string{
	"001_create_tasks.sql",
	"002_create_nodes.sql",
	"003_create_workspaces.sql",
}
