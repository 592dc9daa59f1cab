// Package migrations embeds the numbered SQL migrations applied by
// `vitalyze-server migrate up`.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
