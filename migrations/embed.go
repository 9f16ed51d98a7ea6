// Package migrations embeds the SQL schema migration files so the
// binary carries its own schema and requires no external files at
// deploy time.
package migrations

import "embed"

// FS contains all .sql migration files in this directory.
//
//go:embed *.sql
var FS embed.FS
