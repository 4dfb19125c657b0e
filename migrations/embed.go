// Package migrations embeds the versioned SQL schema so the service and cmd/migrate apply the
// same files without a migrations directory on disk.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
