// Package migrations embeds the schema migration files for both storage
// backends, consumed via golang-migrate's iofs source.
package migrations

import "embed"

//go:embed sqlite/*.sql postgres/*.sql
var FS embed.FS
