package sqlite

import (
	"database/sql"
	"math/rand"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3" // import sqlite3 driver
	"go.uber.org/zap"
)

const (
	longQueryDuration = 10 * time.Millisecond
	longTxnDuration   = time.Second
)

type (
	// A scanner is an interface that wraps the Scan method of sql.Rows and sql.Row
	scanner interface {
		Scan(dest ...any) error
	}

	// A stmt wraps a *sql.Stmt, logging slow executions.
	stmt struct {
		*sql.Stmt
		query string

		log *zap.Logger
	}

	// A txn wraps a *sql.Tx, logging slow queries.
	txn struct {
		*sql.Tx
		log *zap.Logger
	}

	// A row wraps a *sql.Row, logging slow queries.
	row struct {
		*sql.Row
		log *zap.Logger
	}

	// rows wraps a *sql.Rows, logging slow queries.
	rows struct {
		*sql.Rows

		log *zap.Logger
	}
)

func (r *rows) Next() bool {
	start := time.Now()
	next := r.Rows.Next()
	if dur := time.Since(start); dur > longQueryDuration {
		r.log.Debug("slow next", zap.Duration("elapsed", dur), zap.Stack("stack"))
	}
	return next
}

func (r *rows) Scan(dest ...any) error {
	start := time.Now()
	err := r.Rows.Scan(dest...)
	if dur := time.Since(start); dur > longQueryDuration {
		r.log.Debug("slow scan", zap.Duration("elapsed", dur), zap.Stack("stack"))
	}
	return err
}

func (r *row) Scan(dest ...any) error {
	start := time.Now()
	err := r.Row.Scan(dest...)
	if dur := time.Since(start); dur > longQueryDuration {
		r.log.Debug("slow scan", zap.Duration("elapsed", dur), zap.Stack("stack"))
	}
	return err
}

// Exec executes the prepared statement. Batched inserts of meta rows and log
// entries go through here.
func (s *stmt) Exec(args ...any) (sql.Result, error) {
	start := time.Now()
	result, err := s.Stmt.Exec(args...)
	if dur := time.Since(start); dur > longQueryDuration {
		s.log.Debug("slow exec", zap.String("query", s.query), zap.Duration("elapsed", dur), zap.Stack("stack"))
	}
	return result, err
}

// Exec executes a query without returning any rows. The args are for
// any placeholder parameters in the query.
func (tx *txn) Exec(query string, args ...any) (sql.Result, error) {
	start := time.Now()
	result, err := tx.Tx.Exec(query, args...)
	if dur := time.Since(start); dur > longQueryDuration {
		tx.log.Debug("slow exec", zap.String("query", query), zap.Duration("elapsed", dur), zap.Stack("stack"))
	}
	return result, err
}

// Prepare creates a prepared statement. The caller must close it.
func (tx *txn) Prepare(query string) (*stmt, error) {
	start := time.Now()
	s, err := tx.Tx.Prepare(query)
	if dur := time.Since(start); dur > longQueryDuration {
		tx.log.Debug("slow prepare", zap.String("query", query), zap.Duration("elapsed", dur), zap.Stack("stack"))
	}
	if err != nil {
		return nil, err
	}
	return &stmt{
		Stmt:  s,
		query: query,
		log:   tx.log.Named("statement"),
	}, nil
}

// Query executes a query that returns rows, typically a SELECT. The
// args are for any placeholder parameters in the query.
func (tx *txn) Query(query string, args ...any) (*rows, error) {
	start := time.Now()
	r, err := tx.Tx.Query(query, args...)
	if dur := time.Since(start); dur > longQueryDuration {
		tx.log.Debug("slow query", zap.String("query", query), zap.Duration("elapsed", dur), zap.Stack("stack"))
	}
	return &rows{r, tx.log.Named("rows")}, err
}

// QueryRow executes a query that is expected to return at most one row.
// Errors are deferred until Scan is called.
func (tx *txn) QueryRow(query string, args ...any) *row {
	start := time.Now()
	r := tx.Tx.QueryRow(query, args...)
	if dur := time.Since(start); dur > longQueryDuration {
		tx.log.Debug("slow query row", zap.String("query", query), zap.Duration("elapsed", dur), zap.Stack("stack"))
	}
	return &row{r, tx.log.Named("row")}
}

// getDBVersion returns the schema version of the database. It is zero for a
// new database.
func getDBVersion(tx *txn) (version int64) {
	// the table does not exist until the database is initialized
	tx.QueryRow(`SELECT db_version FROM global_settings;`).Scan(&version)
	return
}

// setDBVersion sets the current version of the database.
func setDBVersion(tx *txn, version int64) error {
	const query = `INSERT INTO global_settings (id, db_version) VALUES (0, $1) ON CONFLICT (id) DO UPDATE SET db_version=EXCLUDED.db_version RETURNING id;`
	var dbID int64
	return tx.QueryRow(query, version).Scan(&dbID)
}

// jitterSleep sleeps for a random duration between t and t*1.5.
func jitterSleep(t time.Duration) {
	time.Sleep(t + time.Duration(rand.Int63n(int64(t/2))))
}

func queryPlaceHolders(n int) string {
	if n == 0 {
		return ""
	} else if n == 1 {
		return "?"
	}
	var b strings.Builder
	b.Grow(((n - 1) * 2) + 1) // ?,?
	for i := 0; i < n-1; i++ {
		b.WriteString("?,")
	}
	b.WriteString("?")
	return b.String()
}

func queryArgs[T any](args []T) []any {
	if len(args) == 0 {
		return nil
	}
	out := make([]any, len(args))
	for i, arg := range args {
		out[i] = arg
	}
	return out
}
