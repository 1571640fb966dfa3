// Package migrations embeds the goose SQL migration sets for both SQL
// dialects sequent supports, so the compiled binary can install its own
// schema without shipping separate files alongside it.
package migrations

import "embed"

//go:embed postgres/*.sql
var Postgres embed.FS

//go:embed sqlite/*.sql
var SQLite embed.FS
