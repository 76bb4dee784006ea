// Package migrations embeds the tenant schema migrations. Files are applied
// in index order by golang-migrate; the latest applied index also gates which
// optional columns the query layer may reference.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
