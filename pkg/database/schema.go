package database

import (
	"context"
	"fmt"
	"strings"

	log "github.com/sirupsen/logrus"
)

// TableExists reports whether the named table exists.
func (c *Conn) TableExists(ctx context.Context, name string) (bool, error) {
	rows, err := c.Query(ctx,
		`SELECT 1 FROM sqlite_master WHERE type = 'table' AND name = ?`, name)
	if err != nil {
		return false, fmt.Errorf("failed to check table %s: %w", name, err)
	}
	return len(rows) > 0, nil
}

// EnsureTableSchema makes the named table match ddl, a CREATE TABLE statement.
// If the live definition differs, the table is dropped and recreated, losing
// its rows. It reports whether the table was (re)created.
func (c *Conn) EnsureTableSchema(ctx context.Context, table, ddl string) (bool, error) {
	return c.ensureSchema(ctx, "table", table, ddl)
}

// EnsureIndexSchema makes the named index match ddl, a CREATE INDEX statement.
func (c *Conn) EnsureIndexSchema(ctx context.Context, index, ddl string) (bool, error) {
	return c.ensureSchema(ctx, "index", index, ddl)
}

func (c *Conn) ensureSchema(ctx context.Context, kind, name, ddl string) (bool, error) {
	if err := checkIdentifier(name); err != nil {
		return false, err
	}

	rows, err := c.Query(ctx,
		`SELECT sql FROM sqlite_master WHERE type = ? AND name = ?`, kind, name)
	if err != nil {
		return false, fmt.Errorf("failed to read schema for %s %s: %w", kind, name, err)
	}

	if len(rows) > 0 {
		live, err := rows[0].String(0)
		if err != nil {
			return false, err
		}
		if normalizeDDL(live) == normalizeDDL(ddl) {
			return false, nil
		}
		c.logger.WithFields(log.Fields{
			"kind": kind,
			"name": name,
		}).Warn("schema mismatch, dropping and recreating")
	}

	drop := fmt.Sprintf(`DROP %s IF EXISTS "%s"`, strings.ToUpper(kind), name)
	if err := c.Execute(ctx, drop); err != nil {
		return false, fmt.Errorf("failed to drop %s %s: %w", kind, name, err)
	}
	if err := c.Execute(ctx, ddl); err != nil {
		return false, fmt.Errorf("failed to create %s %s: %w", kind, name, err)
	}
	return true, nil
}

// normalizeDDL collapses whitespace, drops a trailing semicolon and an
// IF NOT EXISTS clause, mirroring how SQLite records statement text.
func normalizeDDL(ddl string) string {
	s := strings.Join(strings.Fields(ddl), " ")
	s = strings.TrimSuffix(strings.TrimSpace(s), ";")
	s = strings.TrimSpace(s)
	upper := strings.ToUpper(s)
	if i := strings.Index(upper, " IF NOT EXISTS "); i >= 0 {
		s = s[:i] + s[i+len(" IF NOT EXISTS"):]
	}
	s = strings.ReplaceAll(s, "( ", "(")
	s = strings.ReplaceAll(s, " )", ")")
	return s
}
