// Package migrations embeds the Postgres schema for the reconcile stores.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
