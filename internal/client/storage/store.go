package storage

import "context"

// Row is a single result row handed to a scan callback
type Row interface {
	Scan(dest ...any) error
}

// Store is the narrow relational collaborator used by the ledger and the sync engine.
// Implementations serialize individual statements.
type Store interface {
	// Exec executes a parameterized statement and returns the number of affected rows
	Exec(ctx context.Context, query string, args ...any) (int64, error)

	// QueryRow runs a query expected to return zero or one row.
	// scan is called for the first row only; found is false when there are no rows.
	QueryRow(ctx context.Context, query string, args []any, scan func(Row) error) (found bool, err error)

	// QueryMap runs a query and calls scan for every row
	QueryMap(ctx context.Context, query string, args []any, scan func(Row) error) error

	// Transaction runs fn inside a transaction.
	// Commits when fn returns nil, rolls back on error or panic.
	// A Transaction call on the Store passed to fn joins the outer transaction.
	Transaction(ctx context.Context, fn func(tx Store) error) error
}
