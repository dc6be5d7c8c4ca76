package ingest

import (
	"context"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/vitalstore/vitalstore/internal/jobs"
	"github.com/vitalstore/vitalstore/internal/manifest"
	"github.com/vitalstore/vitalstore/internal/store"
)

func externalManifest() *manifest.Manifest {
	m := testManifest()
	m.ExternalSources = &manifest.ExternalSources{
		ECG: &manifest.ECGConfig{
			Folder:      "electrocardiograms",
			FilePattern: "*.csv",
			TargetTable: "ecg_recordings",
			MetadataMap: []manifest.ECGMetadataMap{
				{CSVKey: "Recorded Date", DBColumn: "recorded_at", DataType: "TEXT"},
				{CSVKey: "Classification", DBColumn: "classification", DataType: "TEXT"},
				{CSVKey: "Sample Rate", DBColumn: "sample_rate", DataType: "TEXT"},
			},
			Payload: manifest.ECGPayload{DBColumn: "voltage_samples", DataType: "TEXT"},
		},
		Routes: &manifest.RouteConfig{
			Folder:      "workout-routes",
			FilePattern: "*.gpx",
			TargetTable: "route_points",
			Columns: []manifest.RouteColumn{
				{XMLTag: "lat", DBColumn: "latitude", DataType: "REAL"},
				{XMLTag: "lon", DBColumn: "longitude", DataType: "REAL"},
				{XMLTag: "ele", DBColumn: "elevation", DataType: "REAL"},
				{XMLTag: "time", DBColumn: "timestamp", DataType: "TEXT"},
			},
		},
	}
	return m
}

func newImportEnv(t *testing.T) (*Importer, *testEnv, string) {
	t.Helper()

	schema, err := manifest.Compile(externalManifest())
	if err != nil {
		t.Fatalf("compile manifest: %v", err)
	}

	st, err := store.Open(store.DefaultConfig())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	if err := st.SyncSchema(context.Background(), schema); err != nil {
		t.Fatalf("sync schema: %v", err)
	}

	registry := jobs.NewRegistry()
	writer := store.NewWriter(st)
	env := &testEnv{
		schema:   schema,
		store:    st,
		writer:   writer,
		registry: registry,
	}

	baseDir := t.TempDir()
	for _, sub := range []string{"electrocardiograms", "workout-routes"} {
		if err := os.MkdirAll(filepath.Join(baseDir, sub), 0755); err != nil {
			t.Fatalf("mkdir %s: %v", sub, err)
		}
	}

	return NewImporter(schema, st, writer, registry), env, baseDir
}

const ecgCSV = `Name,Test User
Recorded Date,"2024-03-01 08:00:00 +0100"
Classification,"Sinus Rhythm"
Sample Rate,"512 Hz"
Lead,Lead I
Unit,µV

10
20
-5
30
15
`

func runImport(t *testing.T, im *Importer, env *testEnv, baseDir string) jobs.Job {
	t.Helper()
	jobID := env.registry.Create("import")
	im.Run(context.Background(), jobID, baseDir)
	job, err := env.registry.Get(jobID)
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	return job
}

func TestImportECG(t *testing.T) {
	im, env, baseDir := newImportEnv(t)
	ctx := context.Background()

	path := filepath.Join(baseDir, "electrocardiograms", "ecg_2024-03-01.csv")
	if err := os.WriteFile(path, []byte(ecgCSV), 0644); err != nil {
		t.Fatalf("write ecg file: %v", err)
	}

	job := runImport(t, im, env, baseDir)
	if job.State != jobs.StateCompleted {
		t.Fatalf("job state = %s (%s), want completed", job.State, job.Error)
	}
	if job.Progress != 1 {
		t.Errorf("progress = %d, want 1", job.Progress)
	}

	rows, err := env.store.QueryTable(ctx, "ecg_recordings", store.QueryParams{SortColumn: "file_name"})
	if err != nil {
		t.Fatalf("QueryTable failed: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("ecg rows = %d, want 1", len(rows))
	}

	row := rows[0]
	if row["file_name"] != "ecg_2024-03-01.csv" {
		t.Errorf("file_name = %v", row["file_name"])
	}
	if got, ok := row["sample_count"].(int64); !ok || got != 5 {
		t.Errorf("sample_count = %v, want 5", row["sample_count"])
	}
	if got, ok := row["mean_voltage"].(float64); !ok || math.Abs(got-14) > 1e-9 {
		t.Errorf("mean_voltage = %v, want 14", row["mean_voltage"])
	}
	if row["classification"] != "Sinus Rhythm" {
		t.Errorf("classification = %v, want Sinus Rhythm", row["classification"])
	}
	if row["voltage_samples"] != "10,20,-5,30,15" {
		t.Errorf("voltage_samples = %v", row["voltage_samples"])
	}
}

func TestImportECGSkipsAlreadyImported(t *testing.T) {
	im, env, baseDir := newImportEnv(t)

	path := filepath.Join(baseDir, "electrocardiograms", "ecg.csv")
	if err := os.WriteFile(path, []byte(ecgCSV), 0644); err != nil {
		t.Fatalf("write ecg file: %v", err)
	}

	for i := 0; i < 2; i++ {
		job := runImport(t, im, env, baseDir)
		if job.State != jobs.StateCompleted {
			t.Fatalf("run %d state = %s (%s)", i, job.State, job.Error)
		}
	}

	n, _ := env.store.CountRows(context.Background(), "ecg_recordings")
	if n != 1 {
		t.Errorf("ecg rows after re-import = %d, want 1", n)
	}
}

func TestImportRoutes(t *testing.T) {
	im, env, baseDir := newImportEnv(t)
	ctx := context.Background()

	goodGPX := `<?xml version="1.0" encoding="UTF-8"?>
<gpx version="1.1">
 <trk><trkseg>
  <trkpt lat="52.5200" lon="13.4050"><ele>34.5</ele><time>2024-03-02T07:00:05Z</time></trkpt>
  <trkpt lat="52.5201" lon="13.4052"><ele>34.7</ele><time>2024-03-02T07:00:10Z</time></trkpt>
 </trkseg></trk>
</gpx>`

	path := filepath.Join(baseDir, "workout-routes", "route_2024-03-02.gpx")
	if err := os.WriteFile(path, []byte(goodGPX), 0644); err != nil {
		t.Fatalf("write gpx file: %v", err)
	}

	job := runImport(t, im, env, baseDir)
	if job.State != jobs.StateCompleted {
		t.Fatalf("job state = %s (%s), want completed", job.State, job.Error)
	}
	if job.Progress != 2 {
		t.Errorf("progress = %d, want 2", job.Progress)
	}

	rows, err := env.store.QueryTable(ctx, "route_points", store.QueryParams{SortColumn: "timestamp"})
	if err != nil {
		t.Fatalf("QueryTable failed: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("route rows = %d, want 2", len(rows))
	}

	// Newest first.
	row := rows[0]
	if got, ok := row["latitude"].(float64); !ok || got != 52.5201 {
		t.Errorf("latitude = %v, want 52.5201", row["latitude"])
	}
	if got, ok := row["elevation"].(float64); !ok || got != 34.7 {
		t.Errorf("elevation = %v, want 34.7", row["elevation"])
	}
	if row["timestamp"] != "2024-03-02T07:00:10Z" {
		t.Errorf("timestamp = %v", row["timestamp"])
	}
	if row["file_name"] != "route_2024-03-02.gpx" {
		t.Errorf("file_name = %v", row["file_name"])
	}
}

func TestImportNoExternalSources(t *testing.T) {
	schema, err := manifest.Compile(testManifest())
	if err != nil {
		t.Fatalf("compile manifest: %v", err)
	}

	st, err := store.Open(store.DefaultConfig())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	registry := jobs.NewRegistry()
	im := NewImporter(schema, st, store.NewWriter(st), registry)

	jobID := registry.Create("import")
	im.Run(context.Background(), jobID, t.TempDir())

	job, _ := registry.Get(jobID)
	if job.State != jobs.StateCompleted {
		t.Errorf("job state = %s, want completed", job.State)
	}
}

func TestEstimateHeartRate(t *testing.T) {
	// Synthetic ECG at 100 Hz: a sharp peak every second gives 60 bpm.
	rate := 100.0
	samples := make([]float64, 1000)
	for i := range samples {
		if i%100 == 0 {
			samples[i] = 1.0
		}
	}

	hr := estimateHeartRate(samples, rate)
	if math.Abs(hr-60) > 1 {
		t.Errorf("estimateHeartRate = %v, want ~60", hr)
	}

	if got := estimateHeartRate(nil, rate); got != 0 {
		t.Errorf("estimateHeartRate(empty) = %v, want 0", got)
	}
	if got := estimateHeartRate(samples, 0); got != 0 {
		t.Errorf("estimateHeartRate(rate 0) = %v, want 0", got)
	}
}
