package db

import (
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
)

// Placeholder renders the n-th positional parameter for a dialect.
type Placeholder func(n int) string

// Dollar renders Postgres placeholders ($1, $2, ...).
func Dollar(n int) string { return fmt.Sprintf("$%d", n) }

// Question renders SQLite placeholders.
func Question(int) string { return "?" }

// SetClause renders `"col" = $n, ...` for the given columns, numbering
// placeholders from start.
func SetClause(cols []string, start int, ph Placeholder) string {
	parts := make([]string, len(cols))
	for i, c := range cols {
		parts[i] = pgx.Identifier{c}.Sanitize() + " = " + ph(start+i)
	}
	return strings.Join(parts, ", ")
}

// QuoteAndJoin quotes each column name and joins with commas.
func QuoteAndJoin(cols []string) string {
	quoted := make([]string, len(cols))
	for i, c := range cols {
		quoted[i] = pgx.Identifier{c}.Sanitize()
	}
	return strings.Join(quoted, ", ")
}
