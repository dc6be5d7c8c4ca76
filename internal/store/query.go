package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/vitalstore/vitalstore/internal/errors"
)

// QueryParams holds parameters for a raw table query.
type QueryParams struct {
	// Limit caps the number of rows returned. Zero or negative means the
	// default of 100.
	Limit int

	// SortColumn orders the result (descending). Empty uses the table
	// family's timestamp column, chosen by the caller.
	SortColumn string

	// Start and End bound the sort column's value range (inclusive).
	Start string
	End   string
}

// QueryTable returns rows from a table verbatim, newest first. The sort
// column is checked against the table's actual columns before it is
// interpolated into the statement.
func (s *Store) QueryTable(ctx context.Context, table string, p QueryParams) ([]map[string]any, error) {
	cols, err := s.tableColumns(ctx, table)
	if err != nil {
		return nil, err
	}
	if len(cols) == 0 {
		return nil, errors.NewTableNotFound(table)
	}
	if !cols[p.SortColumn] {
		return nil, fmt.Errorf("unknown sort column %q: %w", p.SortColumn, errors.ErrInvalidRequest)
	}

	limit := p.Limit
	if limit <= 0 {
		limit = 100
	}

	var conds []string
	var args []any
	if p.Start != "" {
		conds = append(conds, fmt.Sprintf("%s >= ?", quoteIdent(p.SortColumn)))
		args = append(args, p.Start)
	}
	if p.End != "" {
		conds = append(conds, fmt.Sprintf("%s <= ?", quoteIdent(p.SortColumn)))
		args = append(args, p.End)
	}

	where := ""
	if len(conds) > 0 {
		where = "WHERE " + strings.Join(conds, " AND ")
	}

	stmt := fmt.Sprintf("SELECT * FROM %s %s ORDER BY %s DESC LIMIT ?",
		quoteIdent(table), where, quoteIdent(p.SortColumn))
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, stmt, args...)
	if err != nil {
		return nil, fmt.Errorf("query table %s: %w", table, err)
	}
	defer rows.Close()

	return scanMaps(rows)
}

// RowByKey returns the single row whose key column equals value, or
// ErrRecordNotFound.
func (s *Store) RowByKey(ctx context.Context, table, keyColumn, value string) (map[string]any, error) {
	stmt := fmt.Sprintf("SELECT * FROM %s WHERE %s = ? LIMIT 1",
		quoteIdent(table), quoteIdent(keyColumn))
	rows, err := s.db.QueryContext(ctx, stmt, value)
	if err != nil {
		return nil, fmt.Errorf("query table %s: %w", table, err)
	}
	defer rows.Close()

	results, err := scanMaps(rows)
	if err != nil {
		return nil, err
	}
	if len(results) == 0 {
		return nil, errors.NewRecordNotFound(table, value)
	}
	return results[0], nil
}

// SelectWhereOrdered streams the named columns of the rows whose key column
// equals value, in ascending order of the order column. The caller owns the
// returned rows.
func (s *Store) SelectWhereOrdered(ctx context.Context, table string, columns []string, keyColumn, value, orderColumn string) (*sql.Rows, error) {
	quoted := make([]string, len(columns))
	for i, c := range columns {
		quoted[i] = quoteIdent(c)
	}

	stmt := fmt.Sprintf("SELECT %s FROM %s WHERE %s = ? ORDER BY %s",
		strings.Join(quoted, ", "), quoteIdent(table), quoteIdent(keyColumn), quoteIdent(orderColumn))
	rows, err := s.db.QueryContext(ctx, stmt, value)
	if err != nil {
		return nil, fmt.Errorf("select from %s: %w", table, err)
	}
	return rows, nil
}

// SelectColumnsRange streams the named columns of the rows whose timestamp
// column falls within the inclusive [start, end] range. Empty bounds are
// open ends. Used by the aggregation and analytics engines, which fold rows
// without materializing the table.
func (s *Store) SelectColumnsRange(ctx context.Context, table string, columns []string, tsColumn, start, end string) (*sql.Rows, error) {
	quoted := make([]string, len(columns))
	for i, c := range columns {
		quoted[i] = quoteIdent(c)
	}

	var conds []string
	var args []any
	if start != "" {
		conds = append(conds, fmt.Sprintf("%s >= ?", quoteIdent(tsColumn)))
		args = append(args, start)
	}
	if end != "" {
		conds = append(conds, fmt.Sprintf("%s <= ?", quoteIdent(tsColumn)))
		args = append(args, end)
	}

	where := ""
	if len(conds) > 0 {
		where = " WHERE " + strings.Join(conds, " AND ")
	}

	stmt := fmt.Sprintf("SELECT %s FROM %s%s", strings.Join(quoted, ", "), quoteIdent(table), where)
	rows, err := s.db.QueryContext(ctx, stmt, args...)
	if err != nil {
		return nil, fmt.Errorf("select from %s: %w", table, err)
	}
	return rows, nil
}

// SelectAll streams every row and column of a table, ordered by the given
// timestamp column. The caller owns the returned rows.
func (s *Store) SelectAll(ctx context.Context, table, tsColumn string) (*sql.Rows, error) {
	stmt := fmt.Sprintf("SELECT * FROM %s ORDER BY %s", quoteIdent(table), quoteIdent(tsColumn))
	rows, err := s.db.QueryContext(ctx, stmt)
	if err != nil {
		return nil, fmt.Errorf("select from %s: %w", table, err)
	}
	return rows, nil
}

// CountRows returns the number of rows in a table.
func (s *Store) CountRows(ctx context.Context, table string) (int64, error) {
	var n int64
	stmt := fmt.Sprintf("SELECT COUNT(*) FROM %s", quoteIdent(table))
	if err := s.db.QueryRowContext(ctx, stmt).Scan(&n); err != nil {
		return 0, fmt.Errorf("count %s: %w", table, err)
	}
	return n, nil
}

// FileImported reports whether an external-source file was already ingested
// into the given table.
func (s *Store) FileImported(ctx context.Context, table, fileName string) (bool, error) {
	var n int64
	stmt := fmt.Sprintf("SELECT COUNT(*) FROM %s WHERE file_name = ?", quoteIdent(table))
	if err := s.db.QueryRowContext(ctx, stmt, fileName).Scan(&n); err != nil {
		return false, fmt.Errorf("check file in %s: %w", table, err)
	}
	return n > 0, nil
}

// scanMaps scans all rows into generic column-name keyed maps.
func scanMaps(rows *sql.Rows) ([]map[string]any, error) {
	columns, err := rows.Columns()
	if err != nil {
		return nil, err
	}

	var results []map[string]any
	for rows.Next() {
		values := make([]any, len(columns))
		ptrs := make([]any, len(columns))
		for i := range values {
			ptrs[i] = &values[i]
		}

		if err := rows.Scan(ptrs...); err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}

		row := make(map[string]any, len(columns))
		for i, col := range columns {
			row[col] = values[i]
		}
		results = append(results, row)
	}

	return results, rows.Err()
}
