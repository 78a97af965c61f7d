// Package migrations carries the goose SQL migrations compiled into the
// server binary, so deployments never depend on files on disk.
package migrations

import "embed"

// FS holds every versioned migration in this directory.
//
//go:embed *.sql
var FS embed.FS
