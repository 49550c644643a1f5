package trigger

import "testing"

func f64(v float64) *float64 { return &v }

func TestMatchKeyword(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name      string
		expr      string
		data      map[string]any
		threshold *float64
		matched   bool
		fire      bool
		field     string
		op        string
	}{
		{name: "volume greater", expr: "water_usage volume > threshold", data: map[string]any{"volume": 150.0}, threshold: f64(100), matched: true, fire: true, field: "volume", op: ">"},
		{name: "volume below", expr: "water_usage volume > threshold", data: map[string]any{"volume": 50}, threshold: f64(100), matched: true, field: "volume", op: ">"},
		{name: "two char operator wins", expr: "volume >= 100", data: map[string]any{"volume": 100}, threshold: f64(100), matched: true, fire: true, field: "volume", op: ">="},
		{name: "runtime prefers runtime_hours", expr: "RUNTIME <= limit", data: map[string]any{"runtime_hours": "12", "runtime": 900}, threshold: f64(12), matched: true, fire: true, field: "runtime_hours", op: "<="},
		{name: "runtime falls back to runtime", expr: "pump runtime", data: map[string]any{"runtime": 600}, threshold: f64(500), matched: true, fire: true, field: "runtime", op: ">"},
		{name: "parameter equality", expr: "parameter == threshold", data: map[string]any{"parameter_value": 7.5}, threshold: f64(7.5), matched: true, fire: true, field: "parameter_value", op: "=="},
		{name: "parameter not equal", expr: "parameter != threshold", data: map[string]any{"value": 7.5}, threshold: f64(7.5), matched: true, field: "value", op: "!="},
		{name: "first keyword in table order", expr: "runtime or volume", data: map[string]any{"volume": 1, "runtime": 1000}, threshold: f64(10), matched: true, field: "volume", op: ">"},
		{name: "missing threshold never fires", expr: "volume > x", data: map[string]any{"volume": 1e9}, matched: true, op: ">"},
		{name: "missing field never fires", expr: "volume > x", data: map[string]any{"flow": 1}, threshold: f64(1), matched: true, op: ">"},
		{name: "non numeric field never fires", expr: "volume > x", data: map[string]any{"volume": "lots"}, threshold: f64(1), matched: true, field: "volume", op: ">"},
		{name: "no keyword", expr: "inspection_failed", data: map[string]any{"volume": 5}, threshold: f64(1)},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := matchKeyword(tt.expr, tt.data, tt.threshold)
			if got.Matched != tt.matched || got.Fire != tt.fire {
				t.Fatalf("matched=%v fire=%v, want matched=%v fire=%v (%s)", got.Matched, got.Fire, tt.matched, tt.fire, got.Reason)
			}
			if !tt.matched {
				return
			}
			if got.Field != tt.field || got.Operator != tt.op {
				t.Fatalf("field=%q op=%q, want field=%q op=%q", got.Field, got.Operator, tt.field, tt.op)
			}
		})
	}
}

func TestFindOperatorLeftmost(t *testing.T) {
	t.Parallel()
	tests := map[string]string{
		"a < b >= c": "<",
		"a >= b":     ">=",
		"a=b":        ">",
		"a != b":     "!=",
		"a <= b":     "<=",
	}
	for expr, want := range tests {
		if got := findOperator(expr); got != want {
			t.Fatalf("findOperator(%q) = %q, want %q", expr, got, want)
		}
	}
}
