package store

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strings"

	"golang.org/x/sync/semaphore"

	"github.com/vitalstore/vitalstore/internal/logging"
)

var writerLog = logging.Component("writer")

// Writer arbitrates exclusive write access to the single-writer store.
//
// Callers hand over a batch of rows for one table; CommitBatch blocks until
// write access is granted, performs the batch as one transaction and
// releases access on every exit path. Concurrent ingestion jobs are queued
// in arrival order at this single choke point; read-only work is never
// blocked by it.
type Writer struct {
	store *Store
	sem   *semaphore.Weighted
}

// NewWriter creates a Writer over the given store.
func NewWriter(s *Store) *Writer {
	return &Writer{
		store: s,
		sem:   semaphore.NewWeighted(1),
	}
}

// CommitBatch commits a batch of rows for a table atomically.
//
// Rows already present (same uuid) are ignored, making re-ingestion of the
// same document idempotent.
func (w *Writer) CommitBatch(ctx context.Context, table string, rows []Row) error {
	if len(rows) == 0 {
		return nil
	}

	if err := w.sem.Acquire(ctx, 1); err != nil {
		return fmt.Errorf("acquire write access: %w", err)
	}
	defer w.sem.Release(1)

	err := w.store.TransactionContext(ctx, func(tx *sql.Tx) error {
		for _, row := range rows {
			if err := insertRow(ctx, tx, table, row); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("commit batch to %s: %w", table, err)
	}

	writerLog.Debug("batch committed", "table", table, "rows", len(rows))
	return nil
}

// insertRow inserts one row. Column sets vary per row (a record populates
// only the columns its source element carried), so the statement is built
// per row.
func insertRow(ctx context.Context, tx *sql.Tx, table string, row Row) error {
	cols := make([]string, 0, len(row))
	for col := range row {
		cols = append(cols, col)
	}
	sort.Strings(cols)

	quoted := make([]string, len(cols))
	placeholders := make([]string, len(cols))
	args := make([]any, len(cols))
	for i, col := range cols {
		quoted[i] = quoteIdent(col)
		placeholders[i] = "?"
		args[i] = row[col]
	}

	stmt := fmt.Sprintf("INSERT OR IGNORE INTO %s (%s) VALUES (%s)",
		quoteIdent(table), strings.Join(quoted, ", "), strings.Join(placeholders, ", "))

	if _, err := tx.ExecContext(ctx, stmt, args...); err != nil {
		return fmt.Errorf("insert into %s: %w", table, err)
	}
	return nil
}
