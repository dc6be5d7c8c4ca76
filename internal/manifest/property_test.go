package manifest

import (
	"fmt"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/vitalstore/vitalstore/internal/errors"
)

// chainManifest builds a table with two base columns and n derived columns
// where each derived column references the previous one. The dependency
// graph is acyclic by construction.
func chainManifest(n int) *Manifest {
	cols := []ColumnDefinition{
		baseColumn("b0", "HKB0", "REAL", "sum"),
		baseColumn("b1", "HKB1", "REAL", "sum"),
	}
	for i := 0; i < n; i++ {
		prev := "b0"
		if i > 0 {
			prev = fmt.Sprintf("d%d", i-1)
		}
		cols = append(cols, ColumnDefinition{
			FieldName:  fmt.Sprintf("d%d", i),
			DataType:   "REAL",
			Expression: fmt.Sprintf("%s + b1", prev),
		})
	}
	return &Manifest{
		Tables: map[string]TableConfig{"t": {Columns: cols}},
	}
}

// TestProperty_DerivedPlan validates the topological evaluation plan: any
// acyclic dependency chain compiles to a plan in which every derived column
// appears after everything it references, and closing the chain into a
// cycle always fails compilation.
func TestProperty_DerivedPlan(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("acyclic chains compile with a valid topological plan", prop.ForAll(
		func(n int) bool {
			schema, err := Compile(chainManifest(n))
			if err != nil {
				return false
			}
			table, err := schema.Table("t")
			if err != nil {
				return false
			}
			if len(table.Plan) != n {
				return false
			}

			// Every reference of a planned column must already be planned
			// (derived) or be a base column.
			planned := make(map[string]bool)
			for _, i := range table.Plan {
				col := table.Columns[i]
				for _, ref := range References(col.Expr) {
					target, ok := table.Column(ref)
					if !ok {
						return false
					}
					if target.Kind == KindDerived && !planned[ref] {
						return false
					}
				}
				planned[col.FieldName] = true
			}
			return true
		},
		gen.IntRange(0, 30),
	))

	properties.Property("closing the chain into a cycle fails compilation", prop.ForAll(
		func(n int) bool {
			m := chainManifest(n)
			cols := m.Tables["t"].Columns
			// Make the first derived column depend on the last one.
			for i := range cols {
				if cols[i].FieldName == "d0" {
					cols[i].Expression = fmt.Sprintf("d%d + b1", n-1)
				}
			}
			_, err := Compile(m)
			return errors.Is(err, errors.ErrCyclicManifest)
		},
		gen.IntRange(2, 30),
	))

	properties.Property("evaluation along the plan computes every chain column", prop.ForAll(
		func(n int, b0, b1 float64) bool {
			schema, err := Compile(chainManifest(n))
			if err != nil {
				return false
			}
			table, _ := schema.Table("t")

			vars := map[string]float64{"b0": b0, "b1": b1}
			for _, i := range table.Plan {
				col := table.Columns[i]
				v, ok := col.Expr.Eval(vars)
				if !ok {
					return false
				}
				vars[col.FieldName] = v
			}

			// d_i = b0 + (i+1) * b1, modulo floating point error.
			want := b0 + float64(n)*b1
			got := vars[fmt.Sprintf("d%d", n-1)]
			diff := want - got
			if diff < 0 {
				diff = -diff
			}
			return diff < 1e-6
		},
		gen.IntRange(1, 20),
		gen.Float64Range(-1000, 1000),
		gen.Float64Range(-1000, 1000),
	))

	properties.TestingRun(t)
}
