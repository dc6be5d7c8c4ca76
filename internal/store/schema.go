package store

import (
	"context"
	"fmt"
	"strings"

	"github.com/vitalstore/vitalstore/internal/errors"
	"github.com/vitalstore/vitalstore/internal/logging"
	"github.com/vitalstore/vitalstore/internal/manifest"
)

var schemaLog = logging.Component("schema")

// SyncSchema reconciles the compiled schema against the store: every table
// and column the schema requires is created if missing. Existing tables and
// columns are never dropped or altered, so operators can evolve the manifest
// without data loss. Runs once at startup; failure is fatal.
//
// Derived columns are materialized as regular columns. Their values are
// computed in-process at ingestion time, in the table's compiled evaluation
// order, and stored like any base column.
func (s *Store) SyncSchema(ctx context.Context, schema *manifest.Schema) error {
	for _, name := range schema.TableNames() {
		table, err := schema.Table(name)
		if err != nil {
			return err
		}
		if err := s.syncTable(ctx, table); err != nil {
			return fmt.Errorf("%v: %w", err, errors.ErrSchemaSync)
		}
	}

	if err := s.syncExternalTables(ctx, schema.External); err != nil {
		return fmt.Errorf("%v: %w", err, errors.ErrSchemaSync)
	}

	return nil
}

// syncTable creates a manifest table if missing and adds any missing
// columns. Every manifest table carries the implicit identity and date
// columns used by the record parser.
func (s *Store) syncTable(ctx context.Context, table *manifest.Table) error {
	createSQL := fmt.Sprintf(
		"CREATE TABLE IF NOT EXISTS %s (uuid VARCHAR PRIMARY KEY, creation_date VARCHAR, start_date VARCHAR, end_date VARCHAR)",
		quoteIdent(table.Name))
	if _, err := s.db.ExecContext(ctx, createSQL); err != nil {
		return fmt.Errorf("create table %s: %w", table.Name, err)
	}

	existing, err := s.tableColumns(ctx, table.Name)
	if err != nil {
		return err
	}

	for _, col := range table.Columns {
		if existing[col.FieldName] {
			continue
		}
		schemaLog.Info("adding column",
			"table", table.Name, "column", col.FieldName, "type", col.DataType)

		alterSQL := fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s",
			quoteIdent(table.Name), quoteIdent(col.FieldName), sqlType(col.DataType))
		if _, err := s.db.ExecContext(ctx, alterSQL); err != nil {
			return fmt.Errorf("add column %s.%s: %w", table.Name, col.FieldName, err)
		}
	}

	idxSQL := fmt.Sprintf("CREATE INDEX IF NOT EXISTS idx_%s_start_date ON %s (start_date)",
		table.Name, quoteIdent(table.Name))
	if _, err := s.db.ExecContext(ctx, idxSQL); err != nil {
		return fmt.Errorf("create index on %s: %w", table.Name, err)
	}

	return nil
}

// syncExternalTables creates the target tables for the external-source
// importers (ECG recordings, workout route points).
func (s *Store) syncExternalTables(ctx context.Context, ext *manifest.ExternalSources) error {
	if ext == nil {
		return nil
	}

	if ecg := ext.ECG; ecg != nil {
		cols := []string{
			"file_name VARCHAR PRIMARY KEY",
			"sample_count BIGINT",
			"mean_voltage DOUBLE",
			"calculated_hr DOUBLE",
		}
		for _, m := range ecg.MetadataMap {
			cols = append(cols, fmt.Sprintf("%s %s", quoteIdent(m.DBColumn), sqlType(manifest.DataType(m.DataType))))
		}
		cols = append(cols, fmt.Sprintf("%s %s", quoteIdent(ecg.Payload.DBColumn), sqlType(manifest.DataType(ecg.Payload.DataType))))

		createSQL := fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (%s)",
			quoteIdent(ecg.TargetTable), strings.Join(cols, ", "))
		if _, err := s.db.ExecContext(ctx, createSQL); err != nil {
			return fmt.Errorf("create table %s: %w", ecg.TargetTable, err)
		}
	}

	if routes := ext.Routes; routes != nil {
		cols := []string{"file_name VARCHAR"}
		for _, c := range routes.Columns {
			cols = append(cols, fmt.Sprintf("%s %s", quoteIdent(c.DBColumn), sqlType(manifest.DataType(c.DataType))))
		}

		createSQL := fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (%s)",
			quoteIdent(routes.TargetTable), strings.Join(cols, ", "))
		if _, err := s.db.ExecContext(ctx, createSQL); err != nil {
			return fmt.Errorf("create table %s: %w", routes.TargetTable, err)
		}

		for _, c := range routes.Columns {
			if c.DBColumn != "timestamp" {
				continue
			}
			idxSQL := fmt.Sprintf("CREATE INDEX IF NOT EXISTS idx_%s_ts ON %s (timestamp)",
				routes.TargetTable, quoteIdent(routes.TargetTable))
			if _, err := s.db.ExecContext(ctx, idxSQL); err != nil {
				return fmt.Errorf("create index on %s: %w", routes.TargetTable, err)
			}
		}
	}

	return nil
}

// tableColumns returns the set of column names currently present in a table.
func (s *Store) tableColumns(ctx context.Context, table string) (map[string]bool, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT name FROM pragma_table_info(?)", table)
	if err != nil {
		return nil, fmt.Errorf("table info for %s: %w", table, err)
	}
	defer rows.Close()

	existing := make(map[string]bool)
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("scan table info: %w", err)
		}
		existing[name] = true
	}
	return existing, rows.Err()
}

// sqlType maps a manifest data type to the storage column type.
func sqlType(t manifest.DataType) string {
	switch t {
	case manifest.TypeReal:
		return "DOUBLE"
	case manifest.TypeInteger:
		return "BIGINT"
	default:
		return "VARCHAR"
	}
}

// quoteIdent quotes an identifier. Names are already validated by the
// manifest compiler; quoting guards against reserved words.
func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, ``) + `"`
}
