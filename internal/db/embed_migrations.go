package db

import "embed"

// MigrationFS holds the schema for sessions, identities, anchor jobs, audit logs and OAuth clients.
// cmd/migrate applies it through internal/db/migrate.
//
//go:embed migrations/*.sql
var MigrationFS embed.FS
