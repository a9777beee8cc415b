// Package engine binds a decoded frame to an embedded DuckDB database and
// runs parameterized queries against it.
package engine

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	_ "github.com/marcboeker/go-duckdb" // duckdb driver

	"github.com/helix-tools/dataroom/apperr"
	"github.com/helix-tools/dataroom/columnar"
	"github.com/helix-tools/dataroom/types"
)

// Table is the name the frame is registered under.
const Table = "dataset"

// Context is a live query context over one frame. It is safe for
// concurrent queries until Close.
type Context struct {
	db     *sql.DB
	schema types.Schema
	rows   int

	closeOnce sync.Once
	closeErr  error
	closed    atomic.Bool
}

// Open registers f in a fresh in-memory database.
func Open(ctx context.Context, f *columnar.Frame) (*Context, error) {
	db, err := sql.Open("duckdb", "")
	if err != nil {
		return nil, fmt.Errorf("failed to open DuckDB: %w", err)
	}

	c := &Context{db: db, schema: f.Schema(), rows: f.Rows()}
	if err := c.load(ctx, f); err != nil {
		db.Close()
		return nil, err
	}
	return c, nil
}

func (c *Context) load(ctx context.Context, f *columnar.Frame) error {
	blob, err := columnar.EncodeParquet(f)
	if err != nil {
		return err
	}

	// The Parquet writer closes its sink, so the file is written in one go
	// rather than handed to it.
	tmp, err := os.CreateTemp("", "dataroom-*.parquet")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	_, err = tmp.Write(blob)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return fmt.Errorf("failed to write temp file: %w", err)
	}

	path := strings.ReplaceAll(tmp.Name(), "'", "''")
	stmt := fmt.Sprintf("CREATE TABLE %s AS SELECT * FROM read_parquet('%s')", Table, path)
	if _, err := c.db.ExecContext(ctx, stmt); err != nil {
		return fmt.Errorf("failed to register frame: %w", err)
	}
	return nil
}

// Schema returns the registered columns.
func (c *Context) Schema() types.Schema { return c.schema }

// Rows returns the registered row count.
func (c *Context) Rows() int { return c.rows }

// Quote returns the quoted identifier of a schema column.
func (c *Context) Quote(column string) (string, error) {
	if _, ok := c.schema.Lookup(column); !ok {
		return "", apperr.Newf(apperr.BadRequest, "Column '%s' not found", column)
	}
	return QuoteIdent(column), nil
}

// QuoteIdent quotes an identifier for DuckDB.
func QuoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

// Query runs a parameterized query.
func (c *Context) Query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	rows, err := c.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query failed: %w", err)
	}
	return rows, nil
}

// QueryRow runs a query returning at most one row.
func (c *Context) QueryRow(ctx context.Context, query string, args ...any) *sql.Row {
	return c.db.QueryRowContext(ctx, query, args...)
}

// where renders an optional filter.
func (c *Context) where(filter *columnar.Filter) (string, []any, error) {
	if filter == nil {
		return "", nil, nil
	}
	q, err := c.Quote(filter.Column)
	if err != nil {
		return "", nil, err
	}
	clause, arg := filter.SQL(q)
	return " AND " + clause, []any{arg}, nil
}

// Aggregate evaluates fn (a DuckDB aggregate such as avg or median) over the
// non-null values of a numeric column. Valid is false when no rows match.
func (c *Context) Aggregate(ctx context.Context, fn, column string, filter *columnar.Filter) (sql.NullFloat64, error) {
	var out sql.NullFloat64
	q, err := c.Quote(column)
	if err != nil {
		return out, err
	}
	cond, args, err := c.where(filter)
	if err != nil {
		return out, err
	}
	query := fmt.Sprintf("SELECT %s(CAST(%s AS DOUBLE)) FROM %s WHERE %s IS NOT NULL%s", fn, q, Table, q, cond)
	if err := c.db.QueryRowContext(ctx, query, args...).Scan(&out); err != nil {
		return out, fmt.Errorf("aggregate %s failed: %w", fn, err)
	}
	return out, nil
}

// Values returns the non-null values of column in row order.
func (c *Context) Values(ctx context.Context, column string, filter *columnar.Filter) ([]any, error) {
	q, err := c.Quote(column)
	if err != nil {
		return nil, err
	}
	cond, args, err := c.where(filter)
	if err != nil {
		return nil, err
	}
	query := fmt.Sprintf("SELECT %s FROM %s WHERE %s IS NOT NULL%s ORDER BY rowid", q, Table, q, cond)
	rows, err := c.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []any
	for rows.Next() {
		var v any
		if err := rows.Scan(&v); err != nil {
			return nil, fmt.Errorf("failed to scan value: %w", err)
		}
		out = append(out, normalize(v))
	}
	return out, rows.Err()
}

// Floats returns the non-null values of a numeric column in row order.
func (c *Context) Floats(ctx context.Context, column string, filter *columnar.Filter) ([]float64, error) {
	q, err := c.Quote(column)
	if err != nil {
		return nil, err
	}
	cond, args, err := c.where(filter)
	if err != nil {
		return nil, err
	}
	query := fmt.Sprintf("SELECT CAST(%s AS DOUBLE) FROM %s WHERE %s IS NOT NULL%s ORDER BY rowid", q, Table, q, cond)
	rows, err := c.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []float64
	for rows.Next() {
		var v float64
		if err := rows.Scan(&v); err != nil {
			return nil, fmt.Errorf("failed to scan value: %w", err)
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

// Pairs returns the values of two columns on rows where both are non-null,
// in row order.
func (c *Context) Pairs(ctx context.Context, col1, col2 string, filter *columnar.Filter) ([]any, []any, error) {
	q1, err := c.Quote(col1)
	if err != nil {
		return nil, nil, err
	}
	q2, err := c.Quote(col2)
	if err != nil {
		return nil, nil, err
	}
	cond, args, err := c.where(filter)
	if err != nil {
		return nil, nil, err
	}
	query := fmt.Sprintf("SELECT %s, %s FROM %s WHERE %s IS NOT NULL AND %s IS NOT NULL%s ORDER BY rowid",
		q1, q2, Table, q1, q2, cond)
	rows, err := c.Query(ctx, query, args...)
	if err != nil {
		return nil, nil, err
	}
	defer rows.Close()

	var xs, ys []any
	for rows.Next() {
		var x, y any
		if err := rows.Scan(&x, &y); err != nil {
			return nil, nil, fmt.Errorf("failed to scan pair: %w", err)
		}
		xs = append(xs, normalize(x))
		ys = append(ys, normalize(y))
	}
	return xs, ys, rows.Err()
}

// Frame materializes the registered table in row order.
func (c *Context) Frame(ctx context.Context) (*columnar.Frame, error) {
	cols := make([]string, len(c.schema))
	for i, f := range c.schema {
		cols[i] = QuoteIdent(f.Name)
	}
	query := fmt.Sprintf("SELECT %s FROM %s ORDER BY rowid", strings.Join(cols, ", "), Table)
	rows, err := c.Query(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := columnar.NewFrame(c.schema)
	dest := make([]any, len(cols))
	ptrs := make([]any, len(cols))
	for i := range dest {
		ptrs[i] = &dest[i]
	}
	for rows.Next() {
		if err := rows.Scan(ptrs...); err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		row := make([]any, len(dest))
		for i, v := range dest {
			row[i] = coerce(normalize(v), c.schema[i].Type)
		}
		out.AppendRow(row)
	}
	return out, rows.Err()
}

// Close releases the database. It is idempotent.
func (c *Context) Close() error {
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		c.closeErr = c.db.Close()
	})
	return c.closeErr
}

// Closed reports whether Close has been called.
func (c *Context) Closed() bool { return c.closed.Load() }

// normalize maps driver scalars onto the columnar value set.
func normalize(v any) any {
	switch x := v.(type) {
	case int8:
		return int64(x)
	case int16:
		return int64(x)
	case int32:
		return int64(x)
	case int:
		return int64(x)
	case uint8:
		return int64(x)
	case uint16:
		return int64(x)
	case uint32:
		return int64(x)
	case float32:
		return float64(x)
	case []byte:
		return string(x)
	case time.Time:
		return x.UTC()
	}
	return v
}

func coerce(v any, t types.SemanticType) any {
	if t == types.TypeReal {
		if x, ok := v.(int64); ok {
			return float64(x)
		}
	}
	return v
}
