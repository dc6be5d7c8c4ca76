// Package export streams table contents out of the store as CSV or
// Parquet. Rows are written as they are scanned; neither format buffers
// the whole table in memory.
package export

import (
	"context"
	"database/sql"
	"encoding/csv"
	"fmt"
	"io"
	"strconv"

	"github.com/parquet-go/parquet-go"
	"github.com/parquet-go/parquet-go/compress"

	"github.com/vitalstore/vitalstore/internal/errors"
	"github.com/vitalstore/vitalstore/internal/manifest"
	"github.com/vitalstore/vitalstore/internal/store"
)

// Format is a supported export format.
type Format string

const (
	FormatCSV     Format = "csv"
	FormatParquet Format = "parquet"
)

// ParseFormat validates a client-supplied format string. Empty defaults to
// CSV.
func ParseFormat(s string) (Format, error) {
	switch Format(s) {
	case FormatCSV, "":
		return FormatCSV, nil
	case FormatParquet:
		return FormatParquet, nil
	}
	return "", fmt.Errorf("format %q (use csv or parquet): %w", s, errors.ErrInvalidRequest)
}

// ContentType returns the HTTP content type for the format.
func (f Format) ContentType() string {
	if f == FormatParquet {
		return "application/vnd.apache.parquet"
	}
	return "text/csv"
}

// Options configures the Parquet output.
type Options struct {
	// Compression algorithm: zstd, snappy, lz4, gzip or none.
	Compression string
}

// DefaultOptions returns the default export options.
func DefaultOptions() Options {
	return Options{Compression: "zstd"}
}

func (o Options) codec() compress.Codec {
	switch o.Compression {
	case "snappy":
		return &parquet.Snappy
	case "lz4":
		return &parquet.Lz4Raw
	case "gzip":
		return &parquet.Gzip
	case "none":
		return &parquet.Uncompressed
	default:
		return &parquet.Zstd
	}
}

// Exporter dumps tables from the store.
type Exporter struct {
	store  *store.Store
	schema *manifest.Schema
	opts   Options
}

// NewExporter creates an Exporter.
func NewExporter(st *store.Store, schema *manifest.Schema, opts Options) *Exporter {
	return &Exporter{store: st, schema: schema, opts: opts}
}

// Export writes the full contents of a table to w in the given format.
func (e *Exporter) Export(ctx context.Context, table string, format Format, w io.Writer) error {
	if !e.schema.HasTable(table) {
		return errors.NewTableNotFound(table)
	}

	rows, err := e.store.SelectAll(ctx, table, e.schema.TimestampColumn(table))
	if err != nil {
		return err
	}
	defer rows.Close()

	if format == FormatParquet {
		return e.writeParquet(table, rows, w)
	}
	return writeCSV(rows, w)
}

func writeCSV(rows *sql.Rows, w io.Writer) error {
	columns, err := rows.Columns()
	if err != nil {
		return err
	}

	cw := csv.NewWriter(w)
	if err := cw.Write(columns); err != nil {
		return err
	}

	values := make([]any, len(columns))
	ptrs := make([]any, len(columns))
	for i := range values {
		ptrs[i] = &values[i]
	}
	record := make([]string, len(columns))

	for rows.Next() {
		if err := rows.Scan(ptrs...); err != nil {
			return fmt.Errorf("scan row: %w", err)
		}
		for i, v := range values {
			record[i] = formatCSVValue(v)
		}
		if err := cw.Write(record); err != nil {
			return err
		}
	}
	if err := rows.Err(); err != nil {
		return err
	}

	cw.Flush()
	return cw.Error()
}

func formatCSVValue(v any) string {
	switch n := v.(type) {
	case nil:
		return ""
	case string:
		return n
	case []byte:
		return string(n)
	case float64:
		return strconv.FormatFloat(n, 'g', -1, 64)
	case int64:
		return strconv.FormatInt(n, 10)
	case bool:
		return strconv.FormatBool(n)
	default:
		return fmt.Sprintf("%v", n)
	}
}

// writeParquet builds the file schema from the table's column types and
// streams rows through a generic writer. All fields are optional; a NULL
// column value simply leaves the field unset.
func (e *Exporter) writeParquet(table string, rows *sql.Rows, w io.Writer) error {
	columns, err := rows.Columns()
	if err != nil {
		return err
	}
	types, err := rows.ColumnTypes()
	if err != nil {
		return err
	}

	group := parquet.Group{}
	for i, col := range columns {
		group[col] = parquet.Optional(parquetNode(types[i].DatabaseTypeName()))
	}
	schema := parquet.NewSchema(table, group)

	pw := parquet.NewGenericWriter[map[string]any](w, schema, parquet.Compression(e.opts.codec()))

	values := make([]any, len(columns))
	ptrs := make([]any, len(columns))
	for i := range values {
		ptrs[i] = &values[i]
	}

	for rows.Next() {
		if err := rows.Scan(ptrs...); err != nil {
			return fmt.Errorf("scan row: %w", err)
		}

		row := make(map[string]any, len(columns))
		for i, col := range columns {
			if values[i] == nil {
				continue
			}
			if b, ok := values[i].([]byte); ok {
				row[col] = string(b)
			} else {
				row[col] = values[i]
			}
		}

		if _, err := pw.Write([]map[string]any{row}); err != nil {
			return fmt.Errorf("write parquet row: %w", err)
		}
	}
	if err := rows.Err(); err != nil {
		return err
	}

	return pw.Close()
}

func parquetNode(dbType string) parquet.Node {
	switch dbType {
	case "DOUBLE", "FLOAT", "REAL":
		return parquet.Leaf(parquet.DoubleType)
	case "BIGINT", "INTEGER", "INT", "HUGEINT":
		return parquet.Leaf(parquet.Int64Type)
	case "BOOLEAN":
		return parquet.Leaf(parquet.BooleanType)
	default:
		return parquet.String()
	}
}
