package dialect

// Like returns the case-insensitive match operator for name and template
// lookups.
//
//	SQLite:   LIKE (already case-insensitive for ASCII)
//	Postgres: ILIKE
func Like(driver string) string {
	if IsPostgres(driver) {
		return "ILIKE"
	}
	return "LIKE"
}
