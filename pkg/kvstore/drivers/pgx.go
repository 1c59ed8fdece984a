//go:build !(windows && 386)

package drivers

import (
	// Registers the "pgx" driver for PostgreSQL.
	_ "github.com/jackc/pgx/v5/stdlib"
)
