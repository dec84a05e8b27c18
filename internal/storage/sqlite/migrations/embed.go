// Package migrations embeds the SQLite schema migrations for the document
// store.
package migrations

import "embed"

// FS contains embedded SQLite migrations for document storage.
//
//go:embed *.sql
var FS embed.FS
