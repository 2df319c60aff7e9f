package dialect

import "fmt"

// Now returns the SQL expression for the current timestamp.
//
//	SQLite:   datetime('now')
//	Postgres: NOW()
func Now(driver string) string {
	if IsPostgres(driver) {
		return "NOW()"
	}
	return "datetime('now')"
}

// DaysSince returns the SQL expression for the number of whole days elapsed
// since the given timestamp expression.
//
//	SQLite:   CAST(julianday('now') - julianday(expr) AS INTEGER)
//	Postgres: EXTRACT(DAY FROM (NOW() - expr))::int
func DaysSince(driver, expr string) string {
	if IsPostgres(driver) {
		return fmt.Sprintf("EXTRACT(DAY FROM (NOW() - %s))::int", expr)
	}
	return fmt.Sprintf("CAST(julianday('now') - julianday(%s) AS INTEGER)", expr)
}

// Greatest returns the SQL function name for the two-argument maximum.
//
//	SQLite:   MAX (scalar form, distinguished from the aggregate by arity)
//	Postgres: GREATEST
func Greatest(driver string) string {
	if IsPostgres(driver) {
		return "GREATEST"
	}
	return "MAX"
}
