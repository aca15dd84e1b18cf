// Package migrations embeds the schema and sandbox seed files.
package migrations

import "embed"

// FS holds sql/*.sql migrations and seeds/*.sql sandbox data.
//
//go:embed sql/*.sql seeds/*.sql
var FS embed.FS
