// Package migrations embeds the goose SQL migrations applied at startup.
package migrations

import "embed"

// FS contains the migrations, named NNNNN_description.sql.
//
//go:embed *.sql
var FS embed.FS
