package manifest

import (
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/vitalstore/vitalstore/internal/errors"
)

// identRe constrains table and column names. They end up in DDL and DML
// statements, so only plain identifiers are accepted.
var identRe = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// DataType is a recognized storage primitive type.
type DataType string

const (
	TypeReal    DataType = "REAL"
	TypeInteger DataType = "INTEGER"
	TypeText    DataType = "TEXT"
)

// Valid reports whether the data type is recognized.
func (d DataType) Valid() bool {
	switch d {
	case TypeReal, TypeInteger, TypeText:
		return true
	}
	return false
}

// Numeric reports whether values of this type participate in arithmetic.
func (d DataType) Numeric() bool {
	return d == TypeReal || d == TypeInteger
}

// Aggregate is a recognized aggregation function.
type Aggregate string

const (
	AggAvg   Aggregate = "avg"
	AggSum   Aggregate = "sum"
	AggMin   Aggregate = "min"
	AggMax   Aggregate = "max"
	AggCount Aggregate = "count"

	// AggRaw marks a column that is stored but never aggregated.
	AggRaw Aggregate = "raw"
)

// Valid reports whether the aggregate function is recognized.
func (a Aggregate) Valid() bool {
	switch a {
	case AggAvg, AggSum, AggMin, AggMax, AggCount, AggRaw:
		return true
	}
	return false
}

// ColumnKind distinguishes base columns from derived ones.
type ColumnKind int

const (
	// KindBase columns are populated directly from the source document.
	KindBase ColumnKind = iota
	// KindDerived columns are computed from other columns of the same row.
	KindDerived
)

// ExtractionSource selects how a base column's value is pulled from a
// source element.
type ExtractionSource string

const (
	SourceValue         ExtractionSource = "value"
	SourceAttribute     ExtractionSource = "attribute"
	SourceStatisticsSum ExtractionSource = "statistics_sum"
	SourceMetadataValue ExtractionSource = "metadata_value"
	SourceRouteRef      ExtractionSource = "route_ref"
)

func (s ExtractionSource) valid() bool {
	switch s {
	case SourceValue, SourceAttribute, SourceStatisticsSum, SourceMetadataValue, SourceRouteRef:
		return true
	}
	return false
}

// Column is a compiled column. Kind determines which fields are meaningful:
// base columns carry a source binding, derived columns a parsed expression.
type Column struct {
	FieldName string
	Kind      ColumnKind
	DataType  DataType
	Aggregate Aggregate

	// Base column source binding.
	SourceID  string // hk_identifier
	Attribute string // hk_attribute
	Source    ExtractionSource

	// Derived column expression.
	Expr     Expr
	ExprText string
}

// Table is a compiled table: its columns in manifest order plus the
// topological evaluation plan for derived columns.
type Table struct {
	Name    string
	Columns []Column

	// Plan holds indices into Columns for derived columns, in dependency
	// order. Computed once at compile time; evaluation never re-sorts.
	Plan []int

	byName map[string]int
}

// Column returns the column with the given field name.
func (t *Table) Column(name string) (*Column, bool) {
	i, ok := t.byName[name]
	if !ok {
		return nil, false
	}
	return &t.Columns[i], true
}

// Aggregatable returns the columns that carry a real aggregate function.
func (t *Table) Aggregatable() []Column {
	var cols []Column
	for _, c := range t.Columns {
		if c.Aggregate != AggRaw {
			cols = append(cols, c)
		}
	}
	return cols
}

// SourceRef locates the table and column a source record type maps to.
type SourceRef struct {
	Table  string
	Column string
}

// Schema is the compiled, immutable manifest. It is built once at startup
// and shared read-only by the pipeline, the synchronizer and the
// aggregation engine.
type Schema struct {
	Settings Settings
	Profile  *UserProfile
	External *ExternalSources

	tables map[string]*Table

	// sourceIndex maps a record type identifier to its target column, for
	// base columns extracted from the value attribute.
	sourceIndex map[string]SourceRef
}

// Table returns the compiled table with the given name.
func (s *Schema) Table(name string) (*Table, error) {
	t, ok := s.tables[name]
	if !ok {
		return nil, errors.NewTableNotFound(name)
	}
	return t, nil
}

// Tables returns all compiled tables keyed by name.
func (s *Schema) Tables() map[string]*Table {
	return s.tables
}

// TableNames returns the manifest table names in sorted order.
func (s *Schema) TableNames() []string {
	names := make([]string, 0, len(s.tables))
	for name := range s.tables {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// LookupSource resolves a record type identifier to its target column.
func (s *Schema) LookupSource(sourceID string) (SourceRef, bool) {
	ref, ok := s.sourceIndex[sourceID]
	return ref, ok
}

// HasTable reports whether name is a manifest table or an external-source
// target table.
func (s *Schema) HasTable(name string) bool {
	if _, ok := s.tables[name]; ok {
		return true
	}
	return s.IsExternalTable(name)
}

// IsExternalTable reports whether name is an external-source target table.
func (s *Schema) IsExternalTable(name string) bool {
	if s.External == nil {
		return false
	}
	if s.External.ECG != nil && s.External.ECG.TargetTable == name {
		return true
	}
	if s.External.Routes != nil && s.External.Routes.TargetTable == name {
		return true
	}
	return false
}

// TimestampColumn returns the timestamp field used for sorting and
// bucketing rows of the given table. Manifest tables use start_date; route
// tables use timestamp; ECG tables use recorded_at.
func (s *Schema) TimestampColumn(name string) string {
	if s.External != nil {
		if s.External.Routes != nil && s.External.Routes.TargetTable == name {
			return "timestamp"
		}
		if s.External.ECG != nil && s.External.ECG.TargetTable == name {
			return "recorded_at"
		}
	}
	return "start_date"
}

// Compile validates a raw manifest and produces the immutable schema.
// All validation errors are collected so operators see every problem in one
// pass; a dependency cycle is fatal immediately and names an offending
// column.
func Compile(m *Manifest) (*Schema, error) {
	if len(m.Tables) == 0 {
		return nil, errors.Wrap(errors.ErrInvalidManifest, "manifest defines no tables")
	}

	schema := &Schema{
		Profile:     m.UserProfile,
		External:    m.ExternalSources,
		tables:      make(map[string]*Table, len(m.Tables)),
		sourceIndex: make(map[string]SourceRef),
	}

	if m.Settings != nil {
		schema.Settings = *m.Settings
	}
	if schema.Settings.BatchSize <= 0 {
		schema.Settings.BatchSize = DefaultBatchSize
	}

	verrs := errors.NewValidationErrors()

	for _, name := range sortedTableNames(m.Tables) {
		if !identRe.MatchString(name) {
			verrs.Add(errors.NewManifestError(name, "table name is not a valid identifier"))
			continue
		}
		cfg := m.Tables[name]
		table, err := compileTable(name, cfg, verrs)
		if err != nil {
			// Cycles abort immediately; the plan is meaningless without order.
			return nil, err
		}
		schema.tables[name] = table

		for _, col := range table.Columns {
			if col.Kind != KindBase || col.SourceID == "" {
				continue
			}
			if col.Source != SourceValue {
				continue
			}
			schema.sourceIndex[col.SourceID] = SourceRef{Table: name, Column: col.FieldName}
		}
	}

	if schema.External != nil {
		validateExternal(schema.External, verrs)
	}

	if err := verrs.Err(); err != nil {
		return nil, err
	}
	return schema, nil
}

// validateExternal checks the external-source configuration. Target tables
// and columns are created verbatim, so they face the same identifier rules
// as manifest tables.
func validateExternal(ext *ExternalSources, verrs *errors.ValidationErrors) {
	checkColumn := func(table, column, dataType string) {
		if !identRe.MatchString(column) {
			verrs.Add(errors.NewColumnError(table, column, "db_column is not a valid identifier"))
		}
		if !DataType(dataType).Valid() {
			verrs.Add(errors.NewColumnError(table, column,
				fmt.Sprintf("unrecognized data_type %q", dataType)))
		}
	}

	if ecg := ext.ECG; ecg != nil {
		if !identRe.MatchString(ecg.TargetTable) {
			verrs.Add(errors.NewManifestError(ecg.TargetTable, "target_table is not a valid identifier"))
		}
		for _, m := range ecg.MetadataMap {
			checkColumn(ecg.TargetTable, m.DBColumn, m.DataType)
		}
		checkColumn(ecg.TargetTable, ecg.Payload.DBColumn, ecg.Payload.DataType)
	}

	if routes := ext.Routes; routes != nil {
		if !identRe.MatchString(routes.TargetTable) {
			verrs.Add(errors.NewManifestError(routes.TargetTable, "target_table is not a valid identifier"))
		}
		for _, c := range routes.Columns {
			checkColumn(routes.TargetTable, c.DBColumn, c.DataType)
		}
	}
}

func sortedTableNames(tables map[string]TableConfig) []string {
	names := make([]string, 0, len(tables))
	for name := range tables {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func compileTable(name string, cfg TableConfig, verrs *errors.ValidationErrors) (*Table, error) {
	table := &Table{
		Name:    name,
		Columns: make([]Column, 0, len(cfg.Columns)),
		byName:  make(map[string]int, len(cfg.Columns)),
	}

	if len(cfg.Columns) == 0 {
		verrs.Add(errors.NewManifestError(name, "table defines no columns"))
	}

	for _, def := range cfg.Columns {
		col, ok := compileColumn(name, def, verrs)
		if !ok {
			continue
		}
		if _, dup := table.byName[col.FieldName]; dup {
			verrs.Add(errors.NewColumnError(name, col.FieldName, "duplicate field name"))
			continue
		}
		table.byName[col.FieldName] = len(table.Columns)
		table.Columns = append(table.Columns, col)
	}

	// Derived expressions may reference only field names that exist in the
	// same table, and references must be numeric.
	for _, col := range table.Columns {
		if col.Kind != KindDerived {
			continue
		}
		for _, ref := range References(col.Expr) {
			target, ok := table.Column(ref)
			if !ok {
				verrs.Add(errors.NewColumnError(name, col.FieldName,
					fmt.Sprintf("expression references unknown column %q", ref)))
				continue
			}
			if !target.DataType.Numeric() {
				verrs.Add(errors.NewColumnError(name, col.FieldName,
					fmt.Sprintf("expression references non-numeric column %q", ref)))
			}
		}
	}

	plan, err := derivePlan(table)
	if err != nil {
		return nil, err
	}
	table.Plan = plan

	return table, nil
}

func compileColumn(table string, def ColumnDefinition, verrs *errors.ValidationErrors) (Column, bool) {
	if def.FieldName == "" {
		verrs.Add(errors.NewManifestError(table, "column without field_name"))
		return Column{}, false
	}
	if !identRe.MatchString(def.FieldName) {
		verrs.Add(errors.NewColumnError(table, def.FieldName, "field_name is not a valid identifier"))
		return Column{}, false
	}

	col := Column{
		FieldName: def.FieldName,
		DataType:  DataType(def.DataType),
		Aggregate: Aggregate(def.Aggregate),
		SourceID:  def.HKIdentifier,
		Attribute: def.HKAttribute,
		Source:    ExtractionSource(def.ExtractionSource),
	}

	if col.Aggregate == "" {
		col.Aggregate = AggRaw
	}
	if col.Source == "" {
		col.Source = SourceValue
	}

	if !col.DataType.Valid() {
		verrs.Add(errors.NewColumnError(table, col.FieldName,
			fmt.Sprintf("unrecognized data_type %q", def.DataType)))
	}
	if !col.Aggregate.Valid() {
		verrs.Add(errors.NewColumnError(table, col.FieldName,
			fmt.Sprintf("unrecognized aggregate %q", def.Aggregate)))
	}
	if !col.Source.valid() {
		verrs.Add(errors.NewColumnError(table, col.FieldName,
			fmt.Sprintf("unrecognized extraction_source %q", def.ExtractionSource)))
	}
	// Aggregation folds numeric values; a TEXT column can only be raw.
	if col.DataType.Valid() && !col.DataType.Numeric() && col.Aggregate.Valid() && col.Aggregate != AggRaw {
		verrs.Add(errors.NewColumnError(table, col.FieldName,
			fmt.Sprintf("aggregate %q requires a numeric data_type", def.Aggregate)))
	}

	hasSource := def.HKIdentifier != "" || def.HKAttribute != "" || col.Source == SourceRouteRef
	hasExpr := def.Expression != ""

	switch {
	case hasSource && hasExpr:
		verrs.Add(errors.NewColumnError(table, col.FieldName,
			"column binds both a source identifier and an expression; exactly one is required"))
		return Column{}, false
	case !hasSource && !hasExpr:
		verrs.Add(errors.NewColumnError(table, col.FieldName,
			"column binds neither a source identifier nor an expression; exactly one is required"))
		return Column{}, false
	case hasExpr:
		expr, err := ParseExpression(def.Expression)
		if err != nil {
			verrs.Add(errors.NewColumnError(table, col.FieldName,
				fmt.Sprintf("invalid expression: %v", err)))
			return Column{}, false
		}
		col.Kind = KindDerived
		col.Expr = expr
		col.ExprText = def.Expression
		if !col.DataType.Numeric() && col.DataType.Valid() {
			verrs.Add(errors.NewColumnError(table, col.FieldName,
				"derived columns must have a numeric data_type"))
		}
	default:
		col.Kind = KindBase
	}

	return col, true
}

// derivePlan computes the topological evaluation order for a table's
// derived columns. References to base columns impose no ordering; references
// between derived columns do. A cycle is a fatal compile error naming the
// columns involved.
func derivePlan(table *Table) ([]int, error) {
	// in-degree over derived columns only
	indegree := make(map[int]int)
	dependents := make(map[int][]int)

	for i, col := range table.Columns {
		if col.Kind != KindDerived {
			continue
		}
		indegree[i] = 0
	}

	for i, col := range table.Columns {
		if col.Kind != KindDerived {
			continue
		}
		for _, ref := range References(col.Expr) {
			j, ok := table.byName[ref]
			if !ok || table.Columns[j].Kind != KindDerived {
				continue
			}
			indegree[i]++
			dependents[j] = append(dependents[j], i)
		}
	}

	// Kahn's algorithm with a sorted ready set for deterministic plans.
	var ready []int
	for i, deg := range indegree {
		if deg == 0 {
			ready = append(ready, i)
		}
	}
	sort.Ints(ready)

	plan := make([]int, 0, len(indegree))
	for len(ready) > 0 {
		i := ready[0]
		ready = ready[1:]
		plan = append(plan, i)

		for _, dep := range dependents[i] {
			indegree[dep]--
			if indegree[dep] == 0 {
				ready = append(ready, dep)
				sort.Ints(ready)
			}
		}
	}

	if len(plan) < len(indegree) {
		var cyclic []string
		for i := range indegree {
			inPlan := false
			for _, p := range plan {
				if p == i {
					inPlan = true
					break
				}
			}
			if !inPlan {
				cyclic = append(cyclic, table.Columns[i].FieldName)
			}
		}
		sort.Strings(cyclic)
		return nil, fmt.Errorf("table '%s': columns [%s]: %w",
			table.Name, strings.Join(cyclic, ", "), errors.ErrCyclicManifest)
	}

	return plan, nil
}
