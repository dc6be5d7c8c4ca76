package ingest

import (
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/vitalstore/vitalstore/internal/errors"
	"github.com/vitalstore/vitalstore/internal/jobs"
	"github.com/vitalstore/vitalstore/internal/logging"
	"github.com/vitalstore/vitalstore/internal/manifest"
	"github.com/vitalstore/vitalstore/internal/store"
)

// ecgRefractory is the minimum spacing between detected R peaks, in
// seconds. Anything closer is the same heartbeat.
const ecgRefractory = 0.2

// ecgDefaultSampleRate is assumed when a recording does not declare one.
const ecgDefaultSampleRate = 512.0

// Importer ingests external-source files (ECG recordings as CSV, workout
// routes as GPX) from configured folders. Files already present in the
// target table are skipped, so re-running an import only picks up new
// files.
type Importer struct {
	schema   *manifest.Schema
	store    *store.Store
	writer   *store.Writer
	registry *jobs.Registry
}

// NewImporter creates an Importer.
func NewImporter(schema *manifest.Schema, st *store.Store, writer *store.Writer, registry *jobs.Registry) *Importer {
	return &Importer{
		schema:   schema,
		store:    st,
		writer:   writer,
		registry: registry,
	}
}

// Run imports all configured external sources under an already-created job.
// A file that fails to parse is logged and skipped; the job fails only when
// the store itself rejects a commit.
func (im *Importer) Run(ctx context.Context, jobID, baseDir string) {
	log := logging.Job("import", jobID)

	if err := im.registry.Start(jobID); err != nil {
		log.Error("cannot start job", "error", err)
		return
	}

	ext := im.schema.External
	if ext == nil {
		log.Info("no external sources configured")
		im.registry.Complete(jobID)
		return
	}

	if ecg := ext.ECG; ecg != nil {
		if err := im.importECGs(ctx, jobID, filepath.Join(baseDir, ecg.Folder), ecg, log); err != nil {
			im.registry.Fail(jobID, err)
			return
		}
	}
	if routes := ext.Routes; routes != nil {
		if err := im.importRoutes(ctx, jobID, filepath.Join(baseDir, routes.Folder), routes, log); err != nil {
			im.registry.Fail(jobID, err)
			return
		}
	}

	im.registry.Complete(jobID)
}

func (im *Importer) importECGs(ctx context.Context, jobID, folder string, cfg *manifest.ECGConfig, log *slog.Logger) error {
	files, err := matchFiles(folder, cfg.FilePattern, "*.csv")
	if err != nil || len(files) == 0 {
		if err != nil {
			log.Warn("ecg folder not readable", "folder", folder, "error", err)
		}
		return nil
	}

	for _, file := range files {
		name := filepath.Base(file)

		imported, err := im.store.FileImported(ctx, cfg.TargetTable, name)
		if err != nil {
			return err
		}
		if imported {
			continue
		}

		row, err := parseECGFile(file, cfg)
		if err != nil {
			log.Warn("skipping unreadable ecg file", "file", name, "error", err)
			continue
		}

		if err := im.writer.CommitBatch(ctx, cfg.TargetTable, []store.Row{row}); err != nil {
			return fmt.Errorf("%v: %w", err, errors.ErrCommit)
		}
		im.registry.AddProgress(jobID, 1)
		log.Info("ecg imported", "file", name)
	}
	return nil
}

func (im *Importer) importRoutes(ctx context.Context, jobID, folder string, cfg *manifest.RouteConfig, log *slog.Logger) error {
	files, err := matchFiles(folder, cfg.FilePattern, "*.gpx")
	if err != nil || len(files) == 0 {
		if err != nil {
			log.Warn("route folder not readable", "folder", folder, "error", err)
		}
		return nil
	}

	batchSize := im.schema.Settings.BatchSize

	for _, file := range files {
		name := filepath.Base(file)

		imported, err := im.store.FileImported(ctx, cfg.TargetTable, name)
		if err != nil {
			return err
		}
		if imported {
			continue
		}

		f, err := os.Open(file)
		if err != nil {
			log.Warn("skipping unreadable route file", "file", name, "error", err)
			continue
		}

		n, err := im.ingestRoute(ctx, f, name, cfg, batchSize)
		f.Close()
		if err != nil {
			if errors.Is(err, errors.ErrCommit) {
				return err
			}
			log.Warn("skipping malformed route file", "file", name, "error", err)
			continue
		}

		im.registry.AddProgress(jobID, n)
		log.Info("route imported", "file", name, "points", n)
	}
	return nil
}

// ingestRoute stream-parses one GPX file and commits its track points in
// batches. Each trkpt element yields one row; lat/lon come from attributes
// and the remaining configured columns from child element text.
func (im *Importer) ingestRoute(ctx context.Context, r io.Reader, fileName string, cfg *manifest.RouteConfig, batchSize int) (int64, error) {
	dec := xml.NewDecoder(r)
	var (
		buffer  []store.Row
		total   int64
		current map[string]string
		tag     string
	)

	flush := func() error {
		if len(buffer) == 0 {
			return nil
		}
		if err := im.writer.CommitBatch(ctx, cfg.TargetTable, buffer); err != nil {
			return fmt.Errorf("%v: %w", err, errors.ErrCommit)
		}
		total += int64(len(buffer))
		buffer = buffer[:0]
		return nil
	}

	for {
		tok, err := dec.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return total, fmt.Errorf("malformed gpx: %v: %w", err, errors.ErrParse)
		}

		switch t := tok.(type) {
		case xml.StartElement:
			tag = t.Name.Local
			if tag == "trkpt" {
				current = make(map[string]string)
				for _, attr := range t.Attr {
					if attr.Name.Local == "lat" || attr.Name.Local == "lon" {
						current[attr.Name.Local] = attr.Value
					}
				}
			}
		case xml.CharData:
			if current != nil && tag != "" && tag != "trkpt" {
				if text := strings.TrimSpace(string(t)); text != "" {
					current[tag] = text
				}
			}
		case xml.EndElement:
			if t.Name.Local == "trkpt" && current != nil {
				row, err := routeRow(fileName, current, cfg)
				if err != nil {
					return total, err
				}
				buffer = append(buffer, row)
				current = nil
				if len(buffer) >= batchSize {
					if err := flush(); err != nil {
						return total, err
					}
				}
			}
			tag = ""
		}
	}

	if err := flush(); err != nil {
		return total, err
	}
	return total, nil
}

func routeRow(fileName string, point map[string]string, cfg *manifest.RouteConfig) (store.Row, error) {
	row := store.Row{"file_name": fileName}
	for _, c := range cfg.Columns {
		raw, ok := point[c.XMLTag]
		if !ok {
			continue
		}
		typed, err := convertValue(manifest.DataType(c.DataType), raw)
		if err != nil {
			return nil, fmt.Errorf("trkpt %s: %v: %w", c.XMLTag, err, errors.ErrParse)
		}
		row[c.DBColumn] = typed
	}
	return row, nil
}

// parseECGFile reads one ECG CSV: a metadata header section followed by a
// run of voltage samples, one per line. The derived sample count, mean
// voltage and estimated heart rate are stored alongside the configured
// metadata columns and the raw sample payload.
func parseECGFile(path string, cfg *manifest.ECGConfig) (store.Row, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	metadata := make(map[string]string)
	var rawSamples []string
	inSamples := false

	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		if !inSamples {
			foundMeta := false
			for _, m := range cfg.MetadataMap {
				if strings.HasPrefix(line, m.CSVKey) {
					if _, val, ok := strings.Cut(line, ","); ok {
						metadata[m.CSVKey] = strings.TrimSpace(strings.Trim(val, `"`))
						foundMeta = true
					}
					break
				}
			}
			if foundMeta || strings.HasPrefix(line, "Lead,") || strings.HasPrefix(line, "Unit,") {
				continue
			}
			// First numeric line marks the start of the sample section.
			if line[0] >= '0' && line[0] <= '9' || line[0] == '-' {
				inSamples = true
				rawSamples = append(rawSamples, line)
			}
		} else {
			rawSamples = append(rawSamples, line)
		}
	}

	samples := make([]float64, 0, len(rawSamples))
	for _, s := range rawSamples {
		if v, err := strconv.ParseFloat(s, 64); err == nil {
			samples = append(samples, v)
		}
	}

	meanVoltage := 0.0
	if len(samples) > 0 {
		var sum float64
		for _, v := range samples {
			sum += v
		}
		meanVoltage = sum / float64(len(samples))
	}

	sampleRate := ecgDefaultSampleRate
	if sr, ok := metadata["Sample Rate"]; ok {
		if first, _, _ := strings.Cut(sr, " "); first != "" {
			if v, err := strconv.ParseFloat(first, 64); err == nil {
				sampleRate = v
			}
		}
	}

	row := store.Row{
		"file_name":          filepath.Base(path),
		"sample_count":       int64(len(samples)),
		"mean_voltage":       meanVoltage,
		"calculated_hr":      estimateHeartRate(samples, sampleRate),
		cfg.Payload.DBColumn: strings.Join(rawSamples, ","),
	}
	for _, m := range cfg.MetadataMap {
		raw, ok := metadata[m.CSVKey]
		if !ok {
			continue
		}
		typed, err := convertValue(manifest.DataType(m.DataType), raw)
		if err != nil {
			return nil, fmt.Errorf("metadata %s: %v: %w", m.CSVKey, err, errors.ErrParse)
		}
		row[m.DBColumn] = typed
	}
	return row, nil
}

// estimateHeartRate estimates average heart rate from raw ECG voltage
// samples via threshold R-peak detection. The threshold sits well above the
// mean so ordinary waveform activity is not counted; a refractory window
// keeps one QRS complex from producing multiple peaks.
func estimateHeartRate(samples []float64, sampleRate float64) float64 {
	if len(samples) == 0 || sampleRate <= 0 {
		return 0
	}

	max := samples[0]
	var sum float64
	for _, v := range samples {
		if v > max {
			max = v
		}
		sum += v
	}
	mean := sum / float64(len(samples))
	threshold := mean + (max-mean)*0.6

	refractory := int(ecgRefractory * sampleRate)
	var peaks []int
	lastPeak := 0
	for i, v := range samples {
		if v > threshold && (i-lastPeak > refractory || lastPeak == 0) {
			peaks = append(peaks, i)
			lastPeak = i
		}
	}

	if len(peaks) < 2 {
		return 0
	}

	var rrSum float64
	for i := 1; i < len(peaks); i++ {
		rrSum += float64(peaks[i]-peaks[i-1]) / sampleRate
	}
	avgRR := rrSum / float64(len(peaks)-1)
	if avgRR <= 0 {
		return 0
	}
	return 60.0 / avgRR
}

// matchFiles lists the files in folder matching the configured glob
// pattern, falling back to a default pattern when none is set.
func matchFiles(folder, pattern, fallback string) ([]string, error) {
	if pattern == "" {
		pattern = fallback
	}

	entries, err := os.ReadDir(folder)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var files []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		ok, err := filepath.Match(pattern, e.Name())
		if err != nil {
			return nil, fmt.Errorf("file pattern %q: %w", pattern, err)
		}
		if ok {
			files = append(files, filepath.Join(folder, e.Name()))
		}
	}
	return files, nil
}
