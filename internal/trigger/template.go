package trigger

import (
	"fmt"
	"strings"

	"compliancekit/internal/domain"
)

// template is the typed view of a rule's template_data.
//
//	{"frequency": "ANNUAL", "pattern_unit": "month", "pattern_multiplier": 6, "sla_days": 14}
type template struct {
	Frequency domain.Frequency
	Pattern   domain.Pattern
	SLADays   int
}

func parseTemplate(data map[string]any) (template, error) {
	tpl := template{Frequency: domain.FrequencyOneTime}
	if raw, ok := data["frequency"].(string); ok && strings.TrimSpace(raw) != "" {
		f, err := domain.ParseFrequency(raw)
		if err != nil {
			return tpl, fmt.Errorf("%w: template %v", ErrInvalidRule, err)
		}
		tpl.Frequency = f
	}
	if raw, ok := data["pattern_unit"].(string); ok && raw != "" {
		unit := domain.PatternUnit(strings.ToLower(strings.TrimSpace(raw)))
		switch unit {
		case domain.UnitDay, domain.UnitWeek, domain.UnitMonth, domain.UnitYear:
		default:
			return tpl, fmt.Errorf("%w: template pattern unit %q", ErrInvalidRule, raw)
		}
		tpl.Pattern.Unit = unit
	}
	if raw, ok := data["pattern_multiplier"]; ok {
		n, err := toFloat(raw)
		if err != nil || n < 0 {
			return tpl, fmt.Errorf("%w: template pattern multiplier %v", ErrInvalidRule, raw)
		}
		tpl.Pattern.Multiplier = int(n)
	}
	if raw, ok := data["sla_days"]; ok {
		n, err := toFloat(raw)
		if err != nil || n < 0 {
			return tpl, fmt.Errorf("%w: template sla_days %v", ErrInvalidRule, raw)
		}
		tpl.SLADays = int(n)
	}
	return tpl, nil
}
