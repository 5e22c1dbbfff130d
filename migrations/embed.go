// Package migrations embeds the SQL files applied by "edi-server migrate".
package migrations

import "embed"

//go:embed *.sql
var Files embed.FS
