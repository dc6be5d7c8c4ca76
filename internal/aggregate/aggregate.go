// Package aggregate folds stored rows into time-bucketed summaries.
//
// The engine streams rows out of the store and maintains one running
// accumulator per bucket and column, so memory is bounded by the number of
// distinct buckets in the requested range, not by the row count. Which
// function summarizes a column is fixed by the manifest, not by the
// request; clients choose only the table, the granularity and the range.
package aggregate

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/vitalstore/vitalstore/internal/errors"
	"github.com/vitalstore/vitalstore/internal/manifest"
	"github.com/vitalstore/vitalstore/internal/store"
)

// Granularity is a recognized bucket width.
type Granularity string

const (
	Hour  Granularity = "hour"
	Day   Granularity = "day"
	Month Granularity = "month"
)

// ParseGranularity validates a client-supplied bucket string.
func ParseGranularity(s string) (Granularity, error) {
	switch Granularity(s) {
	case Hour, Day, Month:
		return Granularity(s), nil
	}
	return "", fmt.Errorf("bucket %q (use hour, day or month): %w", s, errors.ErrInvalidBucket)
}

// Truncate rounds a timestamp down to its bucket start, in UTC. All
// bucketing happens in UTC regardless of the offset a source timestamp
// carried.
func (g Granularity) Truncate(t time.Time) time.Time {
	t = t.UTC()
	switch g {
	case Hour:
		return t.Truncate(time.Hour)
	case Day:
		return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
	default:
		return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
	}
}

// Key formats a bucket start for clients.
func (g Granularity) Key(t time.Time) string {
	switch g {
	case Hour:
		return t.Format("2006-01-02T15:00:00Z")
	case Day:
		return t.Format("2006-01-02")
	default:
		return t.Format("2006-01")
	}
}

// Bucket is one time bucket of an aggregation result. Values maps column
// field names to their summarized value; a column with no non-null inputs
// in the bucket is reported as null (count columns as zero).
type Bucket struct {
	Start  time.Time
	Key    string
	Values map[string]any
}

// Request selects what to aggregate.
type Request struct {
	Table string
	// Bucket is the granularity string: hour, day or month.
	Bucket string
	// Start and End bound the timestamp column (inclusive, RFC 3339).
	// Empty means unbounded.
	Start string
	End   string
}

// Engine computes time-bucketed aggregates over manifest tables.
type Engine struct {
	store  *store.Store
	schema *manifest.Schema
}

// NewEngine creates an Engine.
func NewEngine(st *store.Store, schema *manifest.Schema) *Engine {
	return &Engine{store: st, schema: schema}
}

// Aggregate summarizes one table at the requested granularity. Buckets come
// back in ascending time order; buckets without any rows are omitted. Rows
// whose timestamp is not RFC 3339 are skipped rather than failing the whole
// request.
func (e *Engine) Aggregate(ctx context.Context, req Request) ([]Bucket, error) {
	g, err := ParseGranularity(req.Bucket)
	if err != nil {
		return nil, err
	}

	table, err := e.schema.Table(req.Table)
	if err != nil {
		return nil, err
	}
	cols := table.Aggregatable()

	tsColumn := e.schema.TimestampColumn(req.Table)
	names := make([]string, 0, len(cols)+1)
	names = append(names, tsColumn)
	for _, c := range cols {
		names = append(names, c.FieldName)
	}

	rows, err := e.store.SelectColumnsRange(ctx, req.Table, names, tsColumn, req.Start, req.End)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	buckets := make(map[time.Time]map[string]*columnStats)
	for rows.Next() {
		values := make([]any, len(names))
		ptrs := make([]any, len(names))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, fmt.Errorf("scan %s: %w", req.Table, err)
		}

		ts, ok := parseTimestamp(values[0])
		if !ok {
			continue
		}
		start := g.Truncate(ts)

		acc, ok := buckets[start]
		if !ok {
			acc = make(map[string]*columnStats, len(cols))
			for _, c := range cols {
				acc[c.FieldName] = &columnStats{}
			}
			buckets[start] = acc
		}

		for i, c := range cols {
			if v, ok := asFloat(values[i+1]); ok {
				acc[c.FieldName].add(v)
			}
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	starts := make([]time.Time, 0, len(buckets))
	for start := range buckets {
		starts = append(starts, start)
	}
	sort.Slice(starts, func(i, j int) bool { return starts[i].Before(starts[j]) })

	out := make([]Bucket, 0, len(starts))
	for _, start := range starts {
		values := make(map[string]any, len(cols))
		for _, c := range cols {
			values[c.FieldName] = buckets[start][c.FieldName].result(c.Aggregate)
		}
		out = append(out, Bucket{
			Start:  start,
			Key:    g.Key(start),
			Values: values,
		})
	}
	return out, nil
}

// columnStats is a running fold over one column within one bucket.
type columnStats struct {
	count int64
	sum   float64
	min   float64
	max   float64
}

func (c *columnStats) add(v float64) {
	if c.count == 0 || v < c.min {
		c.min = v
	}
	if c.count == 0 || v > c.max {
		c.max = v
	}
	c.sum += v
	c.count++
}

func (c *columnStats) result(a manifest.Aggregate) any {
	if a == manifest.AggCount {
		return c.count
	}
	if c.count == 0 {
		return nil
	}
	switch a {
	case manifest.AggAvg:
		return c.sum / float64(c.count)
	case manifest.AggSum:
		return c.sum
	case manifest.AggMin:
		return c.min
	case manifest.AggMax:
		return c.max
	}
	return nil
}

// parseTimestamp accepts the RFC 3339 strings the ingestion pipeline
// stores.
func parseTimestamp(v any) (time.Time, bool) {
	var s string
	switch raw := v.(type) {
	case string:
		s = raw
	case []byte:
		s = string(raw)
	default:
		return time.Time{}, false
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

// asFloat widens the numeric types the store driver hands back.
func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int64:
		return float64(n), true
	case int32:
		return float64(n), true
	case int:
		return float64(n), true
	case string:
		f, err := strconv.ParseFloat(n, 64)
		return f, err == nil
	}
	return 0, false
}
