package database

import (
	"context"
	"database/sql"
	"fmt"
	"regexp"
	"sort"
	"strings"

	log "github.com/sirupsen/logrus"
)

var identifierPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// Record maps column names to values for the CRUD helpers.
type Record map[string]any

// querier is satisfied by both *sql.Conn and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

// Conn is the checked-out store connection. It is not safe for concurrent
// use; only the goroutine that acquired it may use it.
type Conn struct {
	conn       *sql.Conn
	tx         *sql.Tx
	logQueries bool
	logger     *log.Entry
}

// Release returns the connection to the store. An open transaction is
// rolled back first.
func (c *Conn) Release() {
	if c.conn == nil {
		return
	}
	if c.tx != nil {
		c.logger.Warn("releasing connection with open transaction, rolling back")
		_ = c.tx.Rollback()
		c.tx = nil
	}
	_ = c.conn.Close()
	c.conn = nil
}

// InTransaction reports whether a transaction is open.
func (c *Conn) InTransaction() bool {
	return c.tx != nil
}

// BeginTransaction starts a transaction. Transactions do not nest: calling
// BeginTransaction while one is open is a programming error and panics.
func (c *Conn) BeginTransaction(ctx context.Context) error {
	if c.tx != nil {
		panic("database: BeginTransaction called with a transaction already in progress")
	}
	tx, err := c.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	c.tx = tx
	return nil
}

// Commit commits the open transaction.
func (c *Conn) Commit() error {
	if c.tx == nil {
		return ErrNoTransaction
	}
	tx := c.tx
	c.tx = nil
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// Rollback discards the open transaction.
func (c *Conn) Rollback() error {
	if c.tx == nil {
		return ErrNoTransaction
	}
	tx := c.tx
	c.tx = nil
	if err := tx.Rollback(); err != nil {
		return fmt.Errorf("failed to rollback transaction: %w", err)
	}
	return nil
}

// WithTransaction runs fn inside a transaction, committing when fn returns
// nil and rolling back otherwise.
func (c *Conn) WithTransaction(ctx context.Context, fn func() error) error {
	if err := c.BeginTransaction(ctx); err != nil {
		return err
	}

	committed := false
	defer func() {
		if !committed && c.tx != nil {
			_ = c.Rollback()
		}
	}()

	if err := fn(); err != nil {
		return err
	}
	if err := c.Commit(); err != nil {
		return err
	}
	committed = true
	return nil
}

func (c *Conn) target() querier {
	if c.tx != nil {
		return c.tx
	}
	return c.conn
}

func (c *Conn) trace(query string, params []any) {
	if c.logQueries {
		c.logger.WithFields(log.Fields{
			"query":  strings.Join(strings.Fields(query), " "),
			"params": params,
			"tx":     c.tx != nil,
		}).Debug("sql")
	}
}

// Execute runs a parameterized statement and discards the result.
func (c *Conn) Execute(ctx context.Context, command string, params ...any) error {
	_, err := c.exec(ctx, command, params...)
	return err
}

func (c *Conn) exec(ctx context.Context, command string, params ...any) (sql.Result, error) {
	c.trace(command, params)
	res, err := c.target().ExecContext(ctx, command, params...)
	if err != nil {
		return nil, fmt.Errorf("failed to execute statement: %w", err)
	}
	return res, nil
}

// Query runs a parameterized query and returns every row. Values are
// normalized to string, int64, float64, or nil.
func (c *Conn) Query(ctx context.Context, query string, params ...any) ([]Row, error) {
	c.trace(query, params)
	rows, err := c.target().QueryContext(ctx, query, params...)
	if err != nil {
		return nil, fmt.Errorf("failed to run query: %w", err)
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("failed to read columns: %w", err)
	}

	var result []Row
	for rows.Next() {
		values := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		for i, v := range values {
			values[i] = normalize(v)
		}
		result = append(result, Row(values))
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rows: %w", err)
	}
	return result, nil
}

func normalize(v any) any {
	switch t := v.(type) {
	case nil:
		return nil
	case []byte:
		return string(t)
	case string:
		return t
	case int64:
		return t
	case int:
		return int64(t)
	case float64:
		return t
	case bool:
		if t {
			return int64(1)
		}
		return int64(0)
	default:
		return fmt.Sprint(t)
	}
}

// Insert creates a record in table and returns its id. The table must have an
// integer primary key named "id".
func (c *Conn) Insert(ctx context.Context, record Record, table string) (int64, error) {
	if err := checkIdentifier(table); err != nil {
		return 0, err
	}
	cols, args, err := recordColumns(record)
	if err != nil {
		return 0, err
	}
	if len(cols) == 0 {
		return 0, fmt.Errorf("failed to insert into %s: empty record", table)
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(cols)), ", ")
	query := fmt.Sprintf(`INSERT INTO "%s" (%s) VALUES (%s)`, table, quoteAll(cols), placeholders)

	res, err := c.exec(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("failed to insert into %s: %w", table, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to read inserted id: %w", err)
	}
	return id, nil
}

// Update sets the given columns on the record with the given id.
func (c *Conn) Update(ctx context.Context, record Record, id int64, table string) error {
	if err := checkIdentifier(table); err != nil {
		return err
	}
	cols, args, err := recordColumns(record)
	if err != nil {
		return err
	}
	if len(cols) == 0 {
		return nil
	}

	sets := make([]string, len(cols))
	for i, col := range cols {
		sets[i] = fmt.Sprintf(`"%s" = ?`, col)
	}
	query := fmt.Sprintf(`UPDATE "%s" SET %s WHERE id = ?`, table, strings.Join(sets, ", "))

	if _, err := c.exec(ctx, query, append(args, id)...); err != nil {
		return fmt.Errorf("failed to update %s %d: %w", table, id, err)
	}
	return nil
}

// Delete removes the record with the given id.
func (c *Conn) Delete(ctx context.Context, id int64, table string) error {
	if err := checkIdentifier(table); err != nil {
		return err
	}
	if _, err := c.exec(ctx, fmt.Sprintf(`DELETE FROM "%s" WHERE id = ?`, table), id); err != nil {
		return fmt.Errorf("failed to delete %s %d: %w", table, id, err)
	}
	return nil
}

// recordColumns returns the record's columns in sorted order with their values.
func recordColumns(record Record) ([]string, []any, error) {
	cols := make([]string, 0, len(record))
	for col := range record {
		if err := checkIdentifier(col); err != nil {
			return nil, nil, err
		}
		cols = append(cols, col)
	}
	sort.Strings(cols)

	args := make([]any, len(cols))
	for i, col := range cols {
		args[i] = record[col]
	}
	return cols, args, nil
}

func quoteAll(cols []string) string {
	quoted := make([]string, len(cols))
	for i, col := range cols {
		quoted[i] = `"` + col + `"`
	}
	return strings.Join(quoted, ", ")
}

func checkIdentifier(name string) error {
	if !identifierPattern.MatchString(name) {
		return fmt.Errorf("%w: %q", ErrInvalidIdentifier, name)
	}
	return nil
}
