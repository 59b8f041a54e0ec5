// Package dbmigrations exposes embedded SQL migrations for pricefeed binaries.
package dbmigrations

import "embed"

// Files contains the embedded SQL migrations bundled into pricefeed binaries.
//
//go:embed *.sql
var Files embed.FS
