package manifest

import (
	"math"
	"testing"
)

func TestParseAndEval(t *testing.T) {
	tests := []struct {
		input string
		vars  map[string]float64
		want  float64
	}{
		{"1 + 2", nil, 3},
		{"2 * 3 + 4", nil, 10},
		{"2 + 3 * 4", nil, 14},
		{"(2 + 3) * 4", nil, 20},
		{"10 / 4", nil, 2.5},
		{"-5 + 3", nil, -2},
		{"--5", nil, 5},
		{"deep / total * 100", map[string]float64{"deep": 90, "total": 480}, 18.75},
		{"weight_kg / (height_m * height_m)", map[string]float64{"weight_kg": 80, "height_m": 2}, 20},
		{"1.5 * 2", nil, 3},
	}

	for _, tt := range tests {
		expr, err := ParseExpression(tt.input)
		if err != nil {
			t.Errorf("ParseExpression(%q) failed: %v", tt.input, err)
			continue
		}
		got, ok := expr.Eval(tt.vars)
		if !ok {
			t.Errorf("Eval(%q) not computable, want %v", tt.input, tt.want)
			continue
		}
		if math.Abs(got-tt.want) > 1e-9 {
			t.Errorf("Eval(%q) = %v, want %v", tt.input, got, tt.want)
		}
	}
}

func TestParseErrors(t *testing.T) {
	inputs := []string{
		"",
		"1 +",
		"* 2",
		"(1 + 2",
		"1 + 2)",
		"a b",
		"1 $ 2",
		"1..2 + 3e",
	}

	for _, input := range inputs {
		if _, err := ParseExpression(input); err == nil {
			t.Errorf("ParseExpression(%q) succeeded, want error", input)
		}
	}
}

func TestEvalMissingInput(t *testing.T) {
	expr, err := ParseExpression("a + b")
	if err != nil {
		t.Fatalf("ParseExpression failed: %v", err)
	}

	if _, ok := expr.Eval(map[string]float64{"a": 1}); ok {
		t.Error("Eval with missing input reported computable, want not computable")
	}
	if v, ok := expr.Eval(map[string]float64{"a": 1, "b": 2}); !ok || v != 3 {
		t.Errorf("Eval with all inputs = (%v, %v), want (3, true)", v, ok)
	}
}

func TestEvalDivisionByZero(t *testing.T) {
	expr, err := ParseExpression("a / b")
	if err != nil {
		t.Fatalf("ParseExpression failed: %v", err)
	}

	if _, ok := expr.Eval(map[string]float64{"a": 1, "b": 0}); ok {
		t.Error("division by zero reported computable, want not computable")
	}
}

func TestReferences(t *testing.T) {
	expr, err := ParseExpression("a + b * a - (c / 2)")
	if err != nil {
		t.Fatalf("ParseExpression failed: %v", err)
	}

	refs := References(expr)
	want := []string{"a", "b", "c"}
	if len(refs) != len(want) {
		t.Fatalf("References = %v, want %v", refs, want)
	}
	for i, name := range want {
		if refs[i] != name {
			t.Errorf("References[%d] = %q, want %q", i, refs[i], name)
		}
	}
}
