// Package migrations embeds the schema migrations for every supported
// dialect, one directory per driver name.
package migrations

import "embed"

//go:embed sqlite3/*.sql postgres/*.sql
var FS embed.FS
