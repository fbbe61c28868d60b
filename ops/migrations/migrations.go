// Package migrations embeds the PostgreSQL schema and seed files.
package migrations

import "embed"

//go:embed sql/*.sql seeds/*.sql
var FS embed.FS

const (
	SQLDir   = "sql"
	SeedsDir = "seeds"
)
