// Package dialect keeps the stores' SQL portable between the embedded SQLite
// database and a Postgres deployment by generating the fragments that differ
// per driver.
package dialect

const (
	SQLite3 = "sqlite3"
	PGX     = "pgx"
)

// IsPostgres reports whether queries should use the Postgres spellings.
func IsPostgres(driver string) bool {
	return driver == PGX
}

// BoolToInt maps a flag onto the integer columns the schema uses for booleans.
func BoolToInt(value bool) int {
	if value {
		return 1
	}
	return 0
}
