// Package migrations embeds the Postgres schema for the report store.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
