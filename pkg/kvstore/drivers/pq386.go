//go:build windows && 386

package drivers

import (
	"database/sql"

	"github.com/lib/pq"
)

// pgx does not build on windows/386; lib/pq takes over the "pgx" name so
// -db-type=pgx keeps working there.
func init() {
	sql.Register("pgx", &pq.Driver{})
}
