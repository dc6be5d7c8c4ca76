package server

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vitalstore/vitalstore/internal/aggregate"
	"github.com/vitalstore/vitalstore/internal/analytics"
	"github.com/vitalstore/vitalstore/internal/config"
	"github.com/vitalstore/vitalstore/internal/export"
	"github.com/vitalstore/vitalstore/internal/ingest"
	"github.com/vitalstore/vitalstore/internal/jobs"
	"github.com/vitalstore/vitalstore/internal/manifest"
	"github.com/vitalstore/vitalstore/internal/store"
)

func testServer(t *testing.T) (*Server, *store.Writer) {
	t.Helper()

	m := &manifest.Manifest{
		Settings: &manifest.Settings{BatchSize: 100},
		Tables: map[string]manifest.TableConfig{
			"heart_rate": {
				Columns: []manifest.ColumnDefinition{
					{FieldName: "bpm", HKIdentifier: "HKQuantityTypeIdentifierHeartRate", DataType: "REAL", Aggregate: "avg"},
				},
			},
		},
	}
	schema, err := manifest.Compile(m)
	require.NoError(t, err)

	st, err := store.Open(store.DefaultConfig())
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	require.NoError(t, st.SyncSchema(context.Background(), schema))

	registry := jobs.NewRegistry()
	writer := store.NewWriter(st)

	srv := New(Options{
		Config:    config.DefaultConfig().Server,
		Schema:    schema,
		Store:     st,
		Pipeline:  ingest.NewPipeline(schema, writer, registry),
		Importer:  ingest.NewImporter(schema, st, writer, registry),
		Registry:  registry,
		Engine:    aggregate.NewEngine(st, schema),
		Analytics: analytics.NewEngine(st, schema, ""),
		Exporter:  export.NewExporter(st, schema, export.DefaultOptions()),
		ImportDir: t.TempDir(),
	})
	return srv, writer
}

func doJSON(t *testing.T, srv *Server, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, v any) {
	t.Helper()
	require.NoError(t, json.NewDecoder(rec.Body).Decode(v))
}

func seedHeartRate(t *testing.T, w *store.Writer, n int) {
	t.Helper()
	rows := make([]store.Row, n)
	for i := range rows {
		rows[i] = store.Row{
			"uuid":       fmt.Sprintf("u%d", i),
			"start_date": fmt.Sprintf("2024-03-01T%02d:00:00Z", 8+i),
			"bpm":        float64(60 + i),
		}
	}
	require.NoError(t, w.CommitBatch(context.Background(), "heart_rate", rows))
}

func TestHealthEndpoint(t *testing.T) {
	srv, _ := testServer(t)

	rec := doJSON(t, srv, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	var body map[string]any
	decode(t, rec, &body)
	assert.Equal(t, "healthy", body["status"])
}

func TestIngestEndpoint(t *testing.T) {
	srv, _ := testServer(t)

	doc := `<HealthData>
 <Record type="HKQuantityTypeIdentifierHeartRate" value="62" startDate="2024-03-01 08:00:00 +0000" endDate="2024-03-01 08:00:00 +0000" creationDate="2024-03-01 08:05:00 +0000"/>
</HealthData>`
	path := filepath.Join(t.TempDir(), "export.xml")
	require.NoError(t, os.WriteFile(path, []byte(doc), 0644))

	rec := doJSON(t, srv, http.MethodPost, "/ingest", map[string]string{"file_path": path})
	require.Equal(t, http.StatusAccepted, rec.Code)

	var accepted map[string]string
	decode(t, rec, &accepted)
	jobID := accepted["job_id"]
	require.NotEmpty(t, jobID)

	// Ingestion runs in the background; poll until it reaches a terminal
	// state.
	deadline := time.Now().Add(5 * time.Second)
	var job jobs.Job
	for time.Now().Before(deadline) {
		statusRec := doJSON(t, srv, http.MethodGet, "/api/ingest/status/"+jobID, nil)
		require.Equal(t, http.StatusOK, statusRec.Code)
		decode(t, statusRec, &job)
		if job.State.Terminal() {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	require.Equal(t, jobs.StateCompleted, job.State, "job error: %s", job.Error)
	assert.Equal(t, int64(1), job.Progress)
	require.NotNil(t, job.Total)
	assert.Equal(t, int64(1), *job.Total)
	assert.NotNil(t, job.FinishedAt)
}

func TestIngestEndpointRejectsBadRequests(t *testing.T) {
	srv, _ := testServer(t)

	rec := doJSON(t, srv, http.MethodPost, "/ingest", map[string]string{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doJSON(t, srv, http.MethodPost, "/ingest", map[string]string{"file_path": "/no/such/file.xml"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestJobStatusNotFound(t *testing.T) {
	srv, _ := testServer(t)

	rec := doJSON(t, srv, http.MethodGet, "/api/ingest/status/unknown", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestExternalImportEndpoint(t *testing.T) {
	srv, _ := testServer(t)

	rec := doJSON(t, srv, http.MethodPost, "/api/import/external", nil)
	require.Equal(t, http.StatusAccepted, rec.Code)

	var accepted map[string]string
	decode(t, rec, &accepted)
	assert.NotEmpty(t, accepted["job_id"])
}

func TestDataEndpoint(t *testing.T) {
	srv, w := testServer(t)
	seedHeartRate(t, w, 5)

	rec := doJSON(t, srv, http.MethodGet, "/api/data/heart_rate?limit=3", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var rows []map[string]any
	decode(t, rec, &rows)
	require.Len(t, rows, 3)
	// Default sort is the timestamp column, newest first.
	assert.Equal(t, "u4", rows[0]["uuid"])
}

func TestDataEndpointUnknownTable(t *testing.T) {
	srv, _ := testServer(t)

	rec := doJSON(t, srv, http.MethodGet, "/api/data/nope", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestDataEndpointBadLimit(t *testing.T) {
	srv, _ := testServer(t)

	rec := doJSON(t, srv, http.MethodGet, "/api/data/heart_rate?limit=banana", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAggregateEndpoint(t *testing.T) {
	srv, w := testServer(t)
	seedHeartRate(t, w, 3)

	rec := doJSON(t, srv, http.MethodGet, "/api/aggregate/heart_rate?bucket=day", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var buckets []map[string]any
	decode(t, rec, &buckets)
	require.Len(t, buckets, 1)
	assert.Equal(t, "2024-03-01", buckets[0]["time_bucket"])
	assert.InDelta(t, 61.0, buckets[0]["bpm"], 1e-9)
}

func TestAggregateEndpointErrors(t *testing.T) {
	srv, _ := testServer(t)

	rec := doJSON(t, srv, http.MethodGet, "/api/aggregate/heart_rate?bucket=week", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doJSON(t, srv, http.MethodGet, "/api/aggregate/nope?bucket=day", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestExportCSVEndpoint(t *testing.T) {
	srv, w := testServer(t)
	seedHeartRate(t, w, 2)

	rec := doJSON(t, srv, http.MethodGet, "/api/export/heart_rate?format=csv", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/csv", rec.Header().Get("Content-Type"))
	assert.Contains(t, rec.Header().Get("Content-Disposition"), "heart_rate.csv")

	records, err := csv.NewReader(rec.Body).ReadAll()
	require.NoError(t, err)
	require.Len(t, records, 3) // header + 2 rows
	assert.Contains(t, records[0], "bpm")
	assert.Contains(t, records[0], "uuid")
}

func TestExportParquetEndpoint(t *testing.T) {
	srv, w := testServer(t)
	seedHeartRate(t, w, 2)

	rec := doJSON(t, srv, http.MethodGet, "/api/export/heart_rate?format=parquet", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/vnd.apache.parquet", rec.Header().Get("Content-Type"))
	// Parquet files end with the magic bytes PAR1.
	body := rec.Body.Bytes()
	require.Greater(t, len(body), 8)
	assert.Equal(t, "PAR1", string(body[len(body)-4:]))
}

func TestSummaryEndpoint(t *testing.T) {
	srv, w := testServer(t)
	seedHeartRate(t, w, 2)

	rec := doJSON(t, srv, http.MethodGet, "/api/summary", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]any
	decode(t, rec, &body)
	counts, ok := body["tables"].(map[string]any)
	require.True(t, ok)
	assert.EqualValues(t, 2, counts["heart_rate"])
}

func TestTrendsEndpointRequiresRange(t *testing.T) {
	srv, _ := testServer(t)

	rec := doJSON(t, srv, http.MethodGet, "/api/trends?start=2024-03-01", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	// The test manifest has no vitals table to report on.
	rec = doJSON(t, srv, http.MethodGet, "/api/trends?start=2024-03-01&end=2024-03-02", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestSleepEndpointRejectsBadDate(t *testing.T) {
	srv, _ := testServer(t)

	rec := doJSON(t, srv, http.MethodGet, "/api/analysis/sleep?date=yesterday", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestECGEndpointErrors(t *testing.T) {
	srv, _ := testServer(t)

	rec := doJSON(t, srv, http.MethodGet, "/api/ecg/some.csv?downsample=banana", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	// No ECG source configured.
	rec = doJSON(t, srv, http.MethodGet, "/api/ecg/some.csv", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestExportUnknownFormat(t *testing.T) {
	srv, _ := testServer(t)

	rec := doJSON(t, srv, http.MethodGet, "/api/export/heart_rate?format=xlsx", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
