package trigger

import (
	"fmt"
	"sync"

	"github.com/google/cel-go/cel"
)

// celConditions compiles and caches CEL trigger expressions.
//
// Variables available to an expression:
//
//	event          map(string, dyn)  the event data, numbers as double
//	event_type     string
//	threshold      double            0 when the rule has none
//	has_threshold  bool
type celConditions struct {
	env *cel.Env

	mu    sync.RWMutex
	cache map[string]cel.Program
}

func newCELConditions() (*celConditions, error) {
	env, err := cel.NewEnv(
		cel.Variable("event", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("event_type", cel.StringType),
		cel.Variable("threshold", cel.DoubleType),
		cel.Variable("has_threshold", cel.BoolType),
	)
	if err != nil {
		return nil, fmt.Errorf("cel env: %w", err)
	}
	return &celConditions{env: env, cache: map[string]cel.Program{}}, nil
}

func (c *celConditions) program(expr string) (cel.Program, error) {
	c.mu.RLock()
	prg, ok := c.cache[expr]
	c.mu.RUnlock()
	if ok {
		return prg, nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if prg, ok = c.cache[expr]; ok {
		return prg, nil
	}
	ast, issues := c.env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("compile: %w", issues.Err())
	}
	prg, err := c.env.Program(ast, cel.InterruptCheckFrequency(100), cel.CostLimit(10000))
	if err != nil {
		return nil, fmt.Errorf("program: %w", err)
	}
	c.cache[expr] = prg
	return prg, nil
}

func (c *celConditions) eval(expr, eventType string, data map[string]any, threshold *float64) (bool, error) {
	prg, err := c.program(expr)
	if err != nil {
		return false, err
	}
	vars := map[string]any{
		"event":         normalizeNumbers(data),
		"event_type":    eventType,
		"threshold":     0.0,
		"has_threshold": threshold != nil,
	}
	if threshold != nil {
		vars["threshold"] = *threshold
	}
	out, _, err := prg.Eval(vars)
	if err != nil {
		return false, fmt.Errorf("eval: %w", err)
	}
	v, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("eval: result is %T, not bool", out.Value())
	}
	return v, nil
}

// normalizeNumbers converts numeric values to float64 so expressions can
// compare event fields with threshold without casts.
func normalizeNumbers(data map[string]any) map[string]any {
	out := make(map[string]any, len(data))
	for k, v := range data {
		switch v.(type) {
		case string, bool, nil:
			out[k] = v
			continue
		}
		if f, err := toFloat(v); err == nil {
			out[k] = f
			continue
		}
		out[k] = v
	}
	return out
}
