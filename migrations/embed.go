// Package migrations embeds the SQL migration files applied by
// "assessment-server migrate up".
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
