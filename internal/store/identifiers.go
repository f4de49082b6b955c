package store

import (
	"strings"

	"github.com/google/uuid"
)

// quoteIdent quotes a PostgreSQL or SQLite identifier, escaping embedded quotes.
func quoteIdent(ident string) string {
	return `"` + strings.ReplaceAll(ident, `"`, `""`) + `"`
}

// quoteMSSQLIdent quotes a SQL Server identifier, escaping embedded ].
func quoteMSSQLIdent(ident string) string {
	return "[" + strings.ReplaceAll(ident, "]", "]]") + "]"
}

func qualifyPG(schema, table string) string {
	return quoteIdent(schema) + "." + quoteIdent(table)
}

func qualifyMSSQL(schema, table string) string {
	return quoteMSSQLIdent(schema) + "." + quoteMSSQLIdent(table)
}

// uniqueName returns prefix plus 16 random hex characters. Index names live in
// a schema-wide namespace and travel with a renamed table, so a fixed
// "<table>_key_idx" would collide with the next staging collection.
func uniqueName(prefix string) string {
	id := uuid.New()
	return prefix + strings.ReplaceAll(id.String(), "-", "")[:16]
}
