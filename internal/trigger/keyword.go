package trigger

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// keyword maps a word in a trigger expression to the event fields it reads.
// Fields are tried in order; the first one present wins.
type keyword struct {
	word   string
	fields []string
}

// keywordTable is checked top to bottom; the first word found in the
// expression decides which field is compared.
var keywordTable = []keyword{
	{word: "volume", fields: []string{"volume"}},
	{word: "runtime", fields: []string{"runtime_hours", "runtime"}},
	{word: "parameter", fields: []string{"value", "parameter_value"}},
}

// operators in match priority; two-character forms come first so ">=" is
// never read as ">".
var operators = []string{">=", "<=", "!=", "==", ">", "<"}

const defaultOperator = ">"

type keywordResult struct {
	// Matched is false when no keyword of the table occurs in the expression.
	Matched  bool
	Fire     bool
	Keyword  string
	Field    string
	Operator string
	Value    float64
	Reason   string
}

// matchKeyword evaluates expr against the event data with the keyword table.
func matchKeyword(expr string, data map[string]any, threshold *float64) keywordResult {
	low := strings.ToLower(expr)
	var kw *keyword
	for i := range keywordTable {
		if strings.Contains(low, keywordTable[i].word) {
			kw = &keywordTable[i]
			break
		}
	}
	if kw == nil {
		return keywordResult{Reason: "no keyword"}
	}
	res := keywordResult{Matched: true, Keyword: kw.word, Operator: findOperator(low)}
	if threshold == nil {
		res.Reason = "no threshold"
		return res
	}
	for _, f := range kw.fields {
		raw, ok := data[f]
		if !ok {
			continue
		}
		v, err := toFloat(raw)
		if err != nil {
			res.Field = f
			res.Reason = fmt.Sprintf("field %s: %v", f, err)
			return res
		}
		res.Field = f
		res.Value = v
		res.Fire = compare(res.Operator, v, *threshold)
		res.Reason = fmt.Sprintf("%s %s %s %g", f, strconv.FormatFloat(v, 'g', -1, 64), res.Operator, *threshold)
		return res
	}
	res.Reason = "field missing"
	return res
}

// findOperator returns the leftmost comparison operator in expr.
func findOperator(expr string) string {
	for i := 0; i < len(expr); i++ {
		for _, op := range operators {
			if strings.HasPrefix(expr[i:], op) {
				return op
			}
		}
	}
	return defaultOperator
}

func compare(op string, v, threshold float64) bool {
	switch op {
	case ">=":
		return v >= threshold
	case "<=":
		return v <= threshold
	case "!=":
		return v != threshold
	case "==":
		return v == threshold
	case "<":
		return v < threshold
	default:
		return v > threshold
	}
}

func toFloat(v any) (float64, error) {
	switch n := v.(type) {
	case float64:
		return n, nil
	case float32:
		return float64(n), nil
	case int:
		return float64(n), nil
	case int32:
		return float64(n), nil
	case int64:
		return float64(n), nil
	case uint:
		return float64(n), nil
	case uint64:
		return float64(n), nil
	case json.Number:
		return n.Float64()
	case string:
		return strconv.ParseFloat(strings.TrimSpace(n), 64)
	}
	return 0, fmt.Errorf("not a number: %T", v)
}
