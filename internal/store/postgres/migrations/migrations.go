// Package migrations embeds the PostgreSQL schema migrations for the queue.
package migrations

import "embed"

// FS contains the SQL migration files.
//
//go:embed *.sql
var FS embed.FS
