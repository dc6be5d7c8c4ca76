// Package analytics serves the derived read-path reports: database
// summary, biometric trends, recovery and sleep analysis, per-workout
// details with route geometry, and single ECG recordings.
//
// Everything here is computed at query time from committed rows; nothing is
// persisted. The vitals and sleep reports address well-known tables and
// columns the way the pipeline addresses the workouts table: operators who
// want them configure tables with those names.
package analytics

import (
	"context"
	"fmt"
	"math"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/vitalstore/vitalstore/internal/errors"
	"github.com/vitalstore/vitalstore/internal/manifest"
	"github.com/vitalstore/vitalstore/internal/store"
)

// Well-known tables and columns the analysis reports read.
const (
	vitalsTable     = "vitals"
	hrvColumn       = "hrv_sdnn"
	restingHRColumn = "resting_hr"
	heartRateColumn = "heart_rate"

	sleepTable       = "sleep"
	sleepStageColumn = "sleep_stage"

	workoutsTable  = "workouts"
	routeFileField = "route_file"
)

// defaultMaxHeartRate is used for intensity zones when the manifest does
// not carry a user profile.
const defaultMaxHeartRate = 190.0

const earthRadiusM = 6371000.0

// Engine computes analysis reports over the committed store.
type Engine struct {
	store  *store.Store
	schema *manifest.Schema
	dbPath string
}

// NewEngine creates an Engine. dbPath is the database file reported in the
// summary; empty (in-memory) omits the size.
func NewEngine(st *store.Store, schema *manifest.Schema, dbPath string) *Engine {
	return &Engine{store: st, schema: schema, dbPath: dbPath}
}

// Summary reports per-table row counts for every manifest and
// external-source table, plus the database file size.
func (e *Engine) Summary(ctx context.Context) (map[string]any, error) {
	counts := make(map[string]int64)
	tables := e.schema.TableNames()
	if ext := e.schema.External; ext != nil {
		if ext.ECG != nil {
			tables = append(tables, ext.ECG.TargetTable)
		}
		if ext.Routes != nil {
			tables = append(tables, ext.Routes.TargetTable)
		}
	}
	for _, name := range tables {
		n, err := e.store.CountRows(ctx, name)
		if err != nil {
			return nil, err
		}
		counts[name] = n
	}

	out := map[string]any{"tables": counts}
	if e.dbPath != "" {
		if fi, err := os.Stat(e.dbPath); err == nil {
			out["database_size_mb"] = fi.Size() / 1024 / 1024
		}
	}
	return out, nil
}

// Trends reports the average, minimum and maximum of every numeric vitals
// column over the inclusive [start, end] range, keyed <column>_avg,
// <column>_min and <column>_max. Columns without values in the range report
// null.
func (e *Engine) Trends(ctx context.Context, start, end string) (map[string]any, error) {
	table, err := e.schema.Table(vitalsTable)
	if err != nil {
		return nil, err
	}

	var names []string
	for _, c := range table.Columns {
		if c.DataType.Numeric() {
			names = append(names, c.FieldName)
		}
	}
	if len(names) == 0 {
		return map[string]any{}, nil
	}

	rows, err := e.store.SelectColumnsRange(ctx, vitalsTable, names, "start_date", start, end)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	stats := make([]rangeStats, len(names))
	values := make([]any, len(names))
	ptrs := make([]any, len(names))
	for i := range values {
		ptrs[i] = &values[i]
	}
	for rows.Next() {
		if err := rows.Scan(ptrs...); err != nil {
			return nil, fmt.Errorf("scan %s: %w", vitalsTable, err)
		}
		for i := range names {
			if v, ok := valueFloat(values[i]); ok {
				stats[i].add(v)
			}
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	out := make(map[string]any, len(names)*3)
	for i, name := range names {
		s := stats[i]
		if s.count == 0 {
			out[name+"_avg"] = nil
			out[name+"_min"] = nil
			out[name+"_max"] = nil
			continue
		}
		out[name+"_avg"] = s.sum / float64(s.count)
		out[name+"_min"] = s.min
		out[name+"_max"] = s.max
	}
	return out, nil
}

// RecoveryReport scores readiness from heart rate variability against its
// weekly baseline, penalized by resting heart rate elevation.
type RecoveryReport struct {
	Score   int             `json:"recovery_score"`
	Status  string          `json:"status"`
	Metrics RecoveryMetrics `json:"metrics"`
}

// RecoveryMetrics carries the inputs behind a recovery score.
type RecoveryMetrics struct {
	HRVBaseline float64 `json:"hrv_baseline"`
	HRVCurrent  float64 `json:"hrv_current"`
	RHRBaseline float64 `json:"rhr_baseline"`
	RHRCurrent  float64 `json:"rhr_current"`
}

// Recovery compares the last 24 hours of HRV and resting heart rate against
// their 7-day baselines as of now. Score is current HRV as a percentage of
// baseline, minus five points per beat of resting heart rate elevation,
// clamped to [0, 100]. Zero-valued samples are treated as absent.
func (e *Engine) Recovery(ctx context.Context, now time.Time) (RecoveryReport, error) {
	if _, err := e.schema.Table(vitalsTable); err != nil {
		return RecoveryReport{}, err
	}

	baselineStart := now.AddDate(0, 0, -7).UTC().Format(time.RFC3339)
	currentStart := now.AddDate(0, 0, -1).UTC().Format(time.RFC3339)

	names := []string{"start_date", hrvColumn, restingHRColumn}
	rows, err := e.store.SelectColumnsRange(ctx, vitalsTable, names, "start_date", baselineStart, "")
	if err != nil {
		return RecoveryReport{}, err
	}
	defer rows.Close()

	var baseHRV, curHRV, baseRHR, curRHR rangeStats
	for rows.Next() {
		var ts, hrv, rhr any
		if err := rows.Scan(&ts, &hrv, &rhr); err != nil {
			return RecoveryReport{}, fmt.Errorf("scan %s: %w", vitalsTable, err)
		}
		date, _ := ts.(string)
		current := date >= currentStart

		if v, ok := valueFloat(hrv); ok && v > 0 {
			baseHRV.add(v)
			if current {
				curHRV.add(v)
			}
		}
		if v, ok := valueFloat(rhr); ok && v > 0 {
			baseRHR.add(v)
			if current {
				curRHR.add(v)
			}
		}
	}
	if err := rows.Err(); err != nil {
		return RecoveryReport{}, err
	}

	m := RecoveryMetrics{
		HRVBaseline: baseHRV.avg(),
		HRVCurrent:  curHRV.avg(),
		RHRBaseline: baseRHR.avg(),
		RHRCurrent:  curRHR.avg(),
	}

	score := 0.0
	if m.HRVBaseline > 0 {
		score = (m.HRVCurrent / m.HRVBaseline) * 100.0
	}
	if m.RHRCurrent > m.RHRBaseline && m.RHRBaseline > 0 {
		score -= (m.RHRCurrent - m.RHRBaseline) * 5.0
	}
	final := int(math.Round(math.Min(100, math.Max(0, score))))

	var status string
	switch {
	case final > 80:
		status = "Optimal"
	case final > 50:
		status = "Good"
	case final > 30:
		status = "Strained"
	default:
		status = "Recovery Needed"
	}

	return RecoveryReport{Score: final, Status: status, Metrics: m}, nil
}

// SleepSummary breaks one calendar day of sleep records down by stage.
// Durations are in seconds per stage, total in hours.
func (e *Engine) SleepSummary(ctx context.Context, date string) (map[string]any, error) {
	if _, err := time.Parse("2006-01-02", date); err != nil {
		return nil, fmt.Errorf("date %q (use YYYY-MM-DD): %w", date, errors.ErrInvalidRequest)
	}
	if _, err := e.schema.Table(sleepTable); err != nil {
		return nil, err
	}

	names := []string{sleepStageColumn, "start_date", "end_date"}
	rows, err := e.store.SelectColumnsRange(ctx, sleepTable, names, "start_date",
		date+"T00:00:00Z", date+"T23:59:59Z")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	breakdown := make(map[string]float64)
	var totalSeconds float64
	for rows.Next() {
		var stage, start, end any
		if err := rows.Scan(&stage, &start, &end); err != nil {
			return nil, fmt.Errorf("scan %s: %w", sleepTable, err)
		}

		startStr, _ := start.(string)
		endStr, _ := end.(string)
		s, err1 := time.Parse(time.RFC3339, startStr)
		t, err2 := time.Parse(time.RFC3339, endStr)
		if err1 != nil || err2 != nil {
			continue
		}

		seconds := t.Sub(s).Seconds()
		n, _ := valueFloat(stage)
		breakdown[stageName(int64(n))] += seconds
		totalSeconds += seconds
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return map[string]any{
		"date":              date,
		"total_sleep_hours": totalSeconds / 3600.0,
		"breakdown":         breakdown,
	}, nil
}

func stageName(stage int64) string {
	switch stage {
	case 0:
		return "In Bed"
	case 1:
		return "Asleep"
	case 2:
		return "Awake"
	case 3:
		return "Core"
	case 4:
		return "Deep"
	case 5:
		return "REM"
	}
	return "Unknown"
}

// WorkoutDetails returns one workout row by uuid. When the workout links a
// route file and a route source is configured, the route points are attached
// together with the haversine track distance and the total elevation gain.
func (e *Engine) WorkoutDetails(ctx context.Context, id string) (map[string]any, error) {
	workout, err := e.store.RowByKey(ctx, workoutsTable, "uuid", id)
	if err != nil {
		return nil, err
	}

	routeFile, _ := workout[routeFileField].(string)
	ext := e.schema.External
	if routeFile == "" || ext == nil || ext.Routes == nil {
		return workout, nil
	}

	names := []string{"timestamp", "latitude", "longitude", "elevation"}
	rows, err := e.store.SelectWhereOrdered(ctx, ext.Routes.TargetTable, names,
		"file_name", routeFile, "timestamp")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var (
		points        []map[string]any
		distanceM     float64
		elevationGain float64
		prevSet       bool
		prevLat       float64
		prevLon       float64
		prevElev      float64
	)
	for rows.Next() {
		var ts, latV, lonV, elevV any
		if err := rows.Scan(&ts, &latV, &lonV, &elevV); err != nil {
			return nil, fmt.Errorf("scan route points: %w", err)
		}

		lat, _ := valueFloat(latV)
		lon, _ := valueFloat(lonV)
		elev, _ := valueFloat(elevV)
		points = append(points, map[string]any{
			"timestamp": ts,
			"latitude":  lat,
			"longitude": lon,
			"elevation": elev,
		})

		if prevSet {
			distanceM += haversine(prevLat, prevLon, lat, lon)
			if elev > prevElev {
				elevationGain += elev - prevElev
			}
		}
		prevLat, prevLon, prevElev, prevSet = lat, lon, elev, true
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	workout["route_points"] = points
	workout["calculated_distance_km"] = distanceM / 1000.0
	workout["calculated_elevation_gain_m"] = elevationGain
	return workout, nil
}

// IntensityReport buckets a workout's heart rate samples into effort zones.
type IntensityReport struct {
	UUID        string         `json:"uuid"`
	SampleCount int            `json:"sample_count"`
	MaxHRUsed   float64        `json:"max_hr_used"`
	Zones       map[string]int `json:"zones"`
}

// WorkoutIntensity classifies the vitals heart rate samples recorded during
// a workout into five zones relative to the profile's maximum heart rate.
func (e *Engine) WorkoutIntensity(ctx context.Context, id string) (IntensityReport, error) {
	workout, err := e.store.RowByKey(ctx, workoutsTable, "uuid", id)
	if err != nil {
		return IntensityReport{}, err
	}
	start, _ := workout["start_date"].(string)
	end, _ := workout["end_date"].(string)

	if _, err := e.schema.Table(vitalsTable); err != nil {
		return IntensityReport{}, err
	}
	rows, err := e.store.SelectColumnsRange(ctx, vitalsTable, []string{heartRateColumn},
		"start_date", start, end)
	if err != nil {
		return IntensityReport{}, err
	}
	defer rows.Close()

	maxHR := defaultMaxHeartRate
	if p := e.schema.Profile; p != nil && p.MaxHeartRate > 0 {
		maxHR = float64(p.MaxHeartRate)
	}

	report := IntensityReport{
		UUID:      id,
		MaxHRUsed: maxHR,
		Zones: map[string]int{
			"Z1_Recovery":  0,
			"Z2_Aerobic":   0,
			"Z3_Steady":    0,
			"Z4_Threshold": 0,
			"Z5_Anaerobic": 0,
		},
	}
	for rows.Next() {
		var v any
		if err := rows.Scan(&v); err != nil {
			return IntensityReport{}, fmt.Errorf("scan %s: %w", vitalsTable, err)
		}
		hr, ok := valueFloat(v)
		if !ok || hr <= 0 {
			continue
		}
		report.SampleCount++

		pct := hr / maxHR * 100.0
		switch {
		case pct < 60:
			report.Zones["Z1_Recovery"]++
		case pct < 70:
			report.Zones["Z2_Aerobic"]++
		case pct < 80:
			report.Zones["Z3_Steady"]++
		case pct < 90:
			report.Zones["Z4_Threshold"]++
		default:
			report.Zones["Z5_Anaerobic"]++
		}
	}
	if err := rows.Err(); err != nil {
		return IntensityReport{}, err
	}
	return report, nil
}

// ECGRecording returns one ECG recording by file name, with the stored
// voltage payload expanded into a numeric sample array. downsample keeps
// every n-th sample; values below 2 keep all of them.
func (e *Engine) ECGRecording(ctx context.Context, id string, downsample int) (map[string]any, error) {
	ext := e.schema.External
	if ext == nil || ext.ECG == nil {
		return nil, errors.Wrap(errors.ErrTableNotFound, "no ecg source configured")
	}

	row, err := e.store.RowByKey(ctx, ext.ECG.TargetTable, "file_name", id)
	if err != nil {
		return nil, err
	}

	payload, _ := row[ext.ECG.Payload.DBColumn].(string)
	delete(row, ext.ECG.Payload.DBColumn)

	var samples []float64
	for i, s := range strings.Split(payload, ",") {
		if downsample > 1 && i%downsample != 0 {
			continue
		}
		if v, err := strconv.ParseFloat(strings.TrimSpace(s), 64); err == nil {
			samples = append(samples, v)
		}
	}
	row["samples"] = samples
	row["sample_count"] = len(samples)
	return row, nil
}

// haversine returns the great-circle distance between two points in meters.
func haversine(lat1, lon1, lat2, lon2 float64) float64 {
	phi1 := lat1 * math.Pi / 180
	phi2 := lat2 * math.Pi / 180
	dPhi := (lat2 - lat1) * math.Pi / 180
	dLambda := (lon2 - lon1) * math.Pi / 180

	a := math.Pow(math.Sin(dPhi/2), 2) +
		math.Cos(phi1)*math.Cos(phi2)*math.Pow(math.Sin(dLambda/2), 2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return earthRadiusM * c
}

// rangeStats is a running fold over one column.
type rangeStats struct {
	count int64
	sum   float64
	min   float64
	max   float64
}

func (s *rangeStats) add(v float64) {
	if s.count == 0 || v < s.min {
		s.min = v
	}
	if s.count == 0 || v > s.max {
		s.max = v
	}
	s.sum += v
	s.count++
}

func (s *rangeStats) avg() float64 {
	if s.count == 0 {
		return 0
	}
	return s.sum / float64(s.count)
}

// valueFloat widens the numeric types the store driver hands back.
func valueFloat(v any) (float64, bool) {
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
	}
	return 0, false
}
