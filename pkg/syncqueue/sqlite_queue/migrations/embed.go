// Package migrations contains embedded SQL migrations for the sync queue.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
