// Package ingest turns source documents into committed store rows.
//
// The main entry point is the Pipeline, which stream-parses a health export
// document in bounded memory: elements are pulled off the XML decoder one at
// a time, normalized into rows, buffered per table and flushed through the
// write serializer whenever any buffer reaches the configured batch size.
// Memory use is proportional to the batch size, never to the document.
package ingest

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/xml"
	"fmt"
	"io"
	"log/slog"
	"path"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/vitalstore/vitalstore/internal/errors"
	"github.com/vitalstore/vitalstore/internal/jobs"
	"github.com/vitalstore/vitalstore/internal/logging"
	"github.com/vitalstore/vitalstore/internal/manifest"
	"github.com/vitalstore/vitalstore/internal/store"
)

// Well-known element names of the export document.
const (
	elemRecord          = "Record"
	elemWorkout         = "Workout"
	elemActivitySummary = "ActivitySummary"
	elemStatistics      = "WorkoutStatistics"
	elemMetadataEntry   = "MetadataEntry"
	elemWorkoutRoute    = "WorkoutRoute"
	elemFileReference   = "FileReference"
)

// Well-known manifest table names for the non-Record element families.
const (
	workoutTable         = "workouts"
	activitySummaryTable = "activity_summaries"
)

// sourceDateLayout is the timestamp format the export document uses.
const sourceDateLayout = "2006-01-02 15:04:05 -0700"

// Pipeline ingests export documents against a compiled schema.
type Pipeline struct {
	schema   *manifest.Schema
	writer   *store.Writer
	registry *jobs.Registry
}

// NewPipeline creates a Pipeline.
func NewPipeline(schema *manifest.Schema, writer *store.Writer, registry *jobs.Registry) *Pipeline {
	return &Pipeline{
		schema:   schema,
		writer:   writer,
		registry: registry,
	}
}

// Run ingests one export document under an already-created job. It drives
// the job through its full lifecycle: processing while rows stream in,
// completed at end of document, failed on the first parse or commit error.
// Batches committed before a failure stay committed.
func (p *Pipeline) Run(ctx context.Context, jobID string, r io.Reader) {
	log := logging.Job("ingest", jobID)

	if err := p.registry.Start(jobID); err != nil {
		log.Error("cannot start job", "error", err)
		return
	}

	total, err := p.parse(ctx, jobID, r, log)
	if err != nil {
		p.registry.Fail(jobID, err)
		return
	}

	log.Info("document ingested", "rows", total)
	p.registry.Complete(jobID)
}

func (p *Pipeline) parse(ctx context.Context, jobID string, r io.Reader, log *slog.Logger) (int64, error) {
	batchSize := p.schema.Settings.BatchSize
	buffers := make(map[string][]store.Row, len(p.schema.Tables()))
	var total int64

	flush := func() error {
		var flushed int64
		for table, rows := range buffers {
			if len(rows) == 0 {
				continue
			}
			if err := p.writer.CommitBatch(ctx, table, rows); err != nil {
				return fmt.Errorf("%v: %w", err, errors.ErrCommit)
			}
			flushed += int64(len(rows))
			buffers[table] = rows[:0]
		}
		if flushed > 0 {
			total += flushed
			p.registry.AddProgress(jobID, flushed)
			log.Info("batch flushed", "rows", flushed, "total", total)
		}
		return nil
	}

	dec := xml.NewDecoder(r)
	for {
		tok, err := dec.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return total, fmt.Errorf("malformed document: %v: %w", err, errors.ErrParse)
		}

		se, ok := tok.(xml.StartElement)
		if !ok {
			continue
		}

		var (
			table string
			row   store.Row
		)
		switch se.Name.Local {
		case elemRecord:
			table, row, err = p.recordRow(se)
			if err == nil && table != "" {
				err = dec.Skip()
			}
		case elemWorkout:
			table, row, err = p.workoutRow(dec, se)
		case elemActivitySummary:
			table, row, err = p.summaryRow(se)
			if err == nil && table != "" {
				err = dec.Skip()
			}
		default:
			continue
		}
		if err != nil {
			return total, err
		}
		if table == "" {
			continue
		}

		buffers[table] = append(buffers[table], row)
		if len(buffers[table]) >= batchSize {
			if err := flush(); err != nil {
				return total, err
			}
		}
	}

	if err := flush(); err != nil {
		return total, err
	}
	return total, nil
}

// recordRow maps one Record element to a row of its target table. Record
// types the manifest does not track are skipped, not errors: operators opt
// metrics in by listing them.
func (p *Pipeline) recordRow(se xml.StartElement) (string, store.Row, error) {
	var recordType, value, creationDate, startDate, endDate string
	for _, attr := range se.Attr {
		switch attr.Name.Local {
		case "type":
			recordType = attr.Value
		case "value":
			value = attr.Value
		case "creationDate":
			creationDate = normalizeDate(attr.Value)
		case "startDate":
			startDate = normalizeDate(attr.Value)
		case "endDate":
			endDate = normalizeDate(attr.Value)
		}
	}

	ref, ok := p.schema.LookupSource(recordType)
	if !ok {
		return "", nil, nil
	}
	table, err := p.schema.Table(ref.Table)
	if err != nil {
		return "", nil, err
	}
	col, _ := table.Column(ref.Column)

	typed, err := convertValue(col.DataType, value)
	if err != nil {
		return "", nil, fmt.Errorf("record %s: %v: %w", recordType, err, errors.ErrParse)
	}

	row := store.Row{
		"uuid":          contentHash(ref.Table, ref.Column, startDate, endDate, value),
		"creation_date": creationDate,
		"start_date":    startDate,
		"end_date":      endDate,
		ref.Column:      typed,
	}
	applyDerived(table, row)
	return ref.Table, row, nil
}

// workoutRow consumes a Workout element and its children. Statistics,
// metadata entries and the route file reference are matched against the
// workouts table's source bindings.
func (p *Pipeline) workoutRow(dec *xml.Decoder, se xml.StartElement) (string, store.Row, error) {
	table, err := p.schema.Table(workoutTable)
	if err != nil {
		// No workouts table configured; consume the element and move on.
		return "", nil, dec.Skip()
	}

	row := store.Row{}
	for _, attr := range se.Attr {
		switch attr.Name.Local {
		case "startDate":
			row["start_date"] = normalizeDate(attr.Value)
		case "endDate":
			row["end_date"] = normalizeDate(attr.Value)
		case "creationDate":
			row["creation_date"] = normalizeDate(attr.Value)
		}
		if err := bindAttribute(table, attr.Name.Local, attr.Value, row); err != nil {
			return "", nil, err
		}
	}

	for {
		tok, err := dec.Token()
		if err != nil {
			return "", nil, fmt.Errorf("malformed workout: %v: %w", err, errors.ErrParse)
		}

		switch t := tok.(type) {
		case xml.StartElement:
			switch t.Name.Local {
			case elemStatistics:
				if err := bindChild(table, t, manifest.SourceStatisticsSum, "type", "sum", row); err != nil {
					return "", nil, err
				}
				if err := dec.Skip(); err != nil {
					return "", nil, err
				}
			case elemMetadataEntry:
				if err := bindChild(table, t, manifest.SourceMetadataValue, "key", "value", row); err != nil {
					return "", nil, err
				}
				if err := dec.Skip(); err != nil {
					return "", nil, err
				}
			case elemFileReference:
				bindRouteRef(table, t, row)
				if err := dec.Skip(); err != nil {
					return "", nil, err
				}
			case elemWorkoutRoute:
				// Descend; the FileReference lives inside.
			default:
				if err := dec.Skip(); err != nil {
					return "", nil, err
				}
			}
		case xml.EndElement:
			if t.Name.Local == elemWorkout {
				row["uuid"] = rowHash(workoutTable, row)
				applyDerived(table, row)
				return workoutTable, row, nil
			}
		}
	}
}

// summaryRow maps one ActivitySummary element to the summaries table via
// its attribute bindings.
func (p *Pipeline) summaryRow(se xml.StartElement) (string, store.Row, error) {
	table, err := p.schema.Table(activitySummaryTable)
	if err != nil {
		return "", nil, nil
	}

	row := store.Row{}
	for _, attr := range se.Attr {
		if err := bindAttribute(table, attr.Name.Local, attr.Value, row); err != nil {
			return "", nil, err
		}
	}
	if len(row) == 0 {
		return "", nil, nil
	}

	row["uuid"] = rowHash(activitySummaryTable, row)
	applyDerived(table, row)
	return activitySummaryTable, row, nil
}

// bindAttribute stores an element attribute into every column bound to it.
func bindAttribute(t *manifest.Table, name, value string, row store.Row) error {
	for i := range t.Columns {
		col := &t.Columns[i]
		if col.Kind != manifest.KindBase || col.Source != manifest.SourceAttribute {
			continue
		}
		if col.Attribute != name {
			continue
		}
		typed, err := convertValue(col.DataType, value)
		if err != nil {
			return fmt.Errorf("attribute %s: %v: %w", name, err, errors.ErrParse)
		}
		row[col.FieldName] = typed
	}
	return nil
}

// bindChild matches a child element (statistics or metadata entry) against
// columns with the given extraction source. The child carries a key
// attribute identifying it and a value attribute holding the payload.
func bindChild(t *manifest.Table, se xml.StartElement, source manifest.ExtractionSource, keyAttr, valAttr string, row store.Row) error {
	var key, value string
	for _, attr := range se.Attr {
		switch attr.Name.Local {
		case keyAttr:
			key = attr.Value
		case valAttr:
			value = attr.Value
		}
	}

	for i := range t.Columns {
		col := &t.Columns[i]
		if col.Kind != manifest.KindBase || col.Source != source || col.SourceID != key {
			continue
		}
		typed, err := convertValue(col.DataType, value)
		if err != nil {
			return fmt.Errorf("%s %s: %v: %w", se.Name.Local, key, err, errors.ErrParse)
		}
		row[col.FieldName] = typed
	}
	return nil
}

// bindRouteRef stores the route file's base name into route_ref columns.
func bindRouteRef(t *manifest.Table, se xml.StartElement, row store.Row) {
	for _, attr := range se.Attr {
		if attr.Name.Local != "path" {
			continue
		}
		fileName := path.Base(attr.Value)
		for i := range t.Columns {
			col := &t.Columns[i]
			if col.Kind == manifest.KindBase && col.Source == manifest.SourceRouteRef {
				row[col.FieldName] = fileName
			}
		}
	}
}

// applyDerived computes the table's derived columns for one row, in the
// compiled plan order. A derived column whose inputs are missing (or whose
// expression divides by zero) is left NULL.
func applyDerived(t *manifest.Table, row store.Row) {
	if len(t.Plan) == 0 {
		return
	}

	vars := make(map[string]float64)
	for name, v := range row {
		switch n := v.(type) {
		case float64:
			vars[name] = n
		case int64:
			vars[name] = float64(n)
		}
	}

	for _, i := range t.Plan {
		col := t.Columns[i]
		v, ok := col.Expr.Eval(vars)
		if !ok {
			continue
		}
		vars[col.FieldName] = v
		if col.DataType == manifest.TypeInteger {
			row[col.FieldName] = int64(v)
		} else {
			row[col.FieldName] = v
		}
	}
}

// convertValue converts a raw attribute string to the column's storage type.
func convertValue(t manifest.DataType, raw string) (any, error) {
	switch t {
	case manifest.TypeReal:
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return nil, fmt.Errorf("value %q is not numeric", raw)
		}
		return v, nil
	case manifest.TypeInteger:
		v, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("value %q is not an integer", raw)
		}
		return v, nil
	default:
		return raw, nil
	}
}

// normalizeDate converts a source timestamp to RFC 3339 in UTC. Values in
// any other format pass through unchanged.
func normalizeDate(input string) string {
	t, err := time.Parse(sourceDateLayout, input)
	if err != nil {
		return input
	}
	return t.UTC().Format(time.RFC3339)
}

// contentHash derives the deduplication id for a single-value record.
// Re-ingesting the same document reproduces the same ids, so INSERT OR
// IGNORE makes the operation idempotent.
func contentHash(parts ...string) string {
	h := sha256.New()
	for _, p := range parts {
		h.Write([]byte(p))
	}
	return hex.EncodeToString(h.Sum(nil))
}

// rowHash derives the deduplication id for a multi-column row from its
// sorted field values.
func rowHash(table string, row store.Row) string {
	keys := make([]string, 0, len(row))
	for k := range row {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var sb strings.Builder
	sb.WriteString(table)
	for _, k := range keys {
		sb.WriteByte('|')
		sb.WriteString(k)
		sb.WriteByte('=')
		fmt.Fprintf(&sb, "%v", row[k])
	}
	return contentHash(sb.String())
}
