// Package migrations embeds the forward-only schema migrations for the key
// store. Files apply in strictly increasing version order and are tracked by
// goose's version table, which doubles as the stored schema version.
package migrations

import "embed"

//go:embed *.sql
var Migrations embed.FS

// Latest is the newest schema version this build understands. A database
// reporting a higher version is refused at startup.
const Latest = 5
