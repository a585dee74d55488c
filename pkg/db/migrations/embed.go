package migrations

import "embed"

// FS holds the migration sources so goose can list them without relying on
// the working directory.
//
//go:embed *.go
var FS embed.FS
