// Package dbmigrations exposes embedded SQL migrations for Conduit binaries.
package dbmigrations

import "embed"

// Files contains the embedded SQL migrations bundled into Conduit binaries.
//
//go:embed *.sql
var Files embed.FS
