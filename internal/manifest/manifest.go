// Package manifest loads, validates and compiles the metric manifest.
//
// The manifest is the source of truth for the storage schema: operators add
// new tracked metrics by editing configuration, not code. Compilation turns
// the loosely-typed yaml document into an immutable Schema in which invalid
// column combinations are unrepresentable: every column is either base
// (populated from the source document) or derived (computed from other
// columns of the same row via a restricted arithmetic expression), and every
// table carries a precomputed topological evaluation plan for its derived
// columns.
package manifest

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/vitalstore/vitalstore/internal/errors"
)

// DefaultBatchSize is the ingestion batch size used when the manifest does
// not specify settings.batch_size.
const DefaultBatchSize = 5000

// Manifest mirrors the raw yaml manifest document. It is an intermediate
// representation only; all consumers work with the compiled Schema.
type Manifest struct {
	Settings        *Settings              `yaml:"settings"`
	UserProfile     *UserProfile           `yaml:"user_profile"`
	Tables          map[string]TableConfig `yaml:"tables"`
	ExternalSources *ExternalSources       `yaml:"external_sources"`
}

// UserProfile holds per-operator physiology used by the analysis endpoints.
type UserProfile struct {
	// MaxHeartRate calibrates the intensity zone boundaries. Zero falls
	// back to a conservative default.
	MaxHeartRate int `yaml:"max_heart_rate"`
}

// Settings holds global ingestion settings.
type Settings struct {
	BatchSize  int      `yaml:"batch_size"`
	ImportDirs []string `yaml:"import_dirs"`
}

// TableConfig defines one table of the manifest.
type TableConfig struct {
	Description string             `yaml:"description"`
	Columns     []ColumnDefinition `yaml:"columns"`
}

// ColumnDefinition defines one column of a table.
//
// Exactly one of a source binding (HKIdentifier or HKAttribute) or
// Expression must be set. A column with neither or both fails compilation.
type ColumnDefinition struct {
	FieldName string `yaml:"field_name"`

	// HKIdentifier binds the column to a HealthKit record type (or, for
	// statistics_sum/metadata_value extraction, to the statistic type or
	// metadata key).
	HKIdentifier string `yaml:"hk_identifier"`

	// HKAttribute binds the column to a raw element attribute.
	HKAttribute string `yaml:"hk_attribute"`

	// ExtractionSource selects how the value is pulled from the element.
	// Empty defaults to "value".
	ExtractionSource string `yaml:"extraction_source"`

	DataType  string `yaml:"data_type"`
	Aggregate string `yaml:"aggregate"`

	// Expression makes this a derived column computed at ingestion time.
	Expression string `yaml:"expression"`
}

// ExternalSources configures the alternate producers that feed the same
// batching and job-tracking machinery as the main export document.
type ExternalSources struct {
	ECG    *ECGConfig   `yaml:"ecg"`
	Routes *RouteConfig `yaml:"routes"`
}

// ECGConfig configures the electrocardiogram CSV importer.
type ECGConfig struct {
	Folder      string           `yaml:"folder"`
	FilePattern string           `yaml:"file_pattern"`
	TargetTable string           `yaml:"target_table"`
	MetadataMap []ECGMetadataMap `yaml:"metadata_map"`
	Payload     ECGPayload       `yaml:"payload"`
}

// ECGMetadataMap maps a CSV header key to a database column.
type ECGMetadataMap struct {
	CSVKey   string `yaml:"csv_key"`
	DBColumn string `yaml:"db_column"`
	DataType string `yaml:"data_type"`
}

// ECGPayload configures the voltage-sample payload column.
type ECGPayload struct {
	DBColumn   string `yaml:"db_column"`
	DataType   string `yaml:"data_type"`
	SourceUnit string `yaml:"source_unit"`
}

// RouteConfig configures the GPX route importer.
type RouteConfig struct {
	Folder      string        `yaml:"folder"`
	FilePattern string        `yaml:"file_pattern"`
	TargetTable string        `yaml:"target_table"`
	Columns     []RouteColumn `yaml:"columns"`
}

// RouteColumn maps a GPX tag (or trkpt attribute) to a database column.
type RouteColumn struct {
	XMLTag   string `yaml:"xml_tag"`
	DBColumn string `yaml:"db_column"`
	DataType string `yaml:"data_type"`
}

// Load reads a manifest file and compiles it.
// Any error here is fatal at startup: the process must not serve traffic
// with an invalid manifest.
func Load(path string) (*Schema, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "read manifest %s", path)
	}

	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse manifest: %v: %w", err, errors.ErrInvalidManifest)
	}

	return Compile(&m)
}
