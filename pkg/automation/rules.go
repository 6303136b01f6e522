package automation

import (
	"fmt"
	"strconv"
	"strings"
)

// Limits on rule complexity.
const (
	MaxRulesPerSource       = 10
	MaxConditionsPerRule    = 5
	MaxPrerequisitesPerRule = 5

	DefaultCooldownSeconds = 5
)

// Condition is one threshold check against the source device's state.
type Condition struct {
	Attribute      string  `json:"attribute"`
	Operator       string  `json:"operator"` // eq, neq, gt, lt, gte, lte
	Value          any     `json:"value"`
	SustainSeconds float64 `json:"sustain_seconds,omitempty"`
}

// Prerequisite is a condition evaluated against another device's state.
type Prerequisite struct {
	IEEE      string `json:"ieee"`
	Attribute string `json:"attribute"`
	Operator  string `json:"operator"`
	Value     any    `json:"value"`
}

// Action is the command dispatched when a rule fires.
type Action struct {
	Command      string  `json:"command"`
	Value        any     `json:"value,omitempty"`
	EndpointID   uint8   `json:"endpoint_id,omitempty"`
	DelaySeconds float64 `json:"delay_seconds,omitempty"`
}

// Rule is one immutable-by-id automation record.
type Rule struct {
	ID              string         `json:"id"`
	Name            string         `json:"name"`
	Enabled         bool           `json:"enabled"`
	SourceIEEE      string         `json:"source_ieee"`
	Conditions      []Condition    `json:"conditions"`
	Prerequisites   []Prerequisite `json:"prerequisites,omitempty"`
	TargetIEEE      string         `json:"target_ieee"`
	Action          Action         `json:"action"`
	CooldownSeconds float64        `json:"cooldown_seconds"`
}

// rulesFile is the persisted shape of automations.json.
type rulesFile struct {
	Rules []*Rule `json:"rules"`
}

var validOperators = map[string]struct{}{
	"eq": {}, "neq": {}, "gt": {}, "lt": {}, "gte": {}, "lte": {},
}

// Validate checks a rule against the structural limits.
func (r *Rule) Validate() error {
	if r.ID == "" {
		return fmt.Errorf("rule id required")
	}
	if r.SourceIEEE == "" || r.TargetIEEE == "" {
		return fmt.Errorf("rule %s: source and target required", r.ID)
	}
	if len(r.Conditions) == 0 {
		return fmt.Errorf("rule %s: at least one condition required", r.ID)
	}
	if len(r.Conditions) > MaxConditionsPerRule {
		return fmt.Errorf("rule %s: too many conditions (max %d)", r.ID, MaxConditionsPerRule)
	}
	if len(r.Prerequisites) > MaxPrerequisitesPerRule {
		return fmt.Errorf("rule %s: too many prerequisites (max %d)", r.ID, MaxPrerequisitesPerRule)
	}
	for _, c := range r.Conditions {
		if _, ok := validOperators[c.Operator]; !ok {
			return fmt.Errorf("rule %s: invalid operator %q", r.ID, c.Operator)
		}
		if c.Attribute == "" {
			return fmt.Errorf("rule %s: condition attribute required", r.ID)
		}
	}
	for _, p := range r.Prerequisites {
		if _, ok := validOperators[p.Operator]; !ok {
			return fmt.Errorf("rule %s: invalid prerequisite operator %q", r.ID, p.Operator)
		}
	}
	if r.Action.Command == "" {
		return fmt.Errorf("rule %s: action command required", r.ID)
	}
	return nil
}

// normalizeValue applies the cross-type comparison rules: numeric strings
// and Go numeric types become float64, "true"/"false" become booleans, ON/OFF strings stay
// strings but compare case-insensitively.
func normalizeValue(v any) any {
	switch s := v.(type) {
	case string:
		trimmed := strings.TrimSpace(s)
		switch strings.ToLower(trimmed) {
		case "true":
			return true
		case "false":
			return false
		}
		if n, err := strconv.ParseFloat(trimmed, 64); err == nil {
			return n
		}
		return trimmed
	case float32:
		return float64(s)
	case int:
		return float64(s)
	case int64:
		return float64(s)
	case uint8:
		return float64(s)
	case uint16:
		return float64(s)
	case uint32:
		return float64(s)
	case uint64:
		return float64(s)
	default:
		return v
	}
}

// compare evaluates actual OP threshold under the normalisation rules.
func compare(actual any, operator string, threshold any) bool {
	a := normalizeValue(actual)
	t := normalizeValue(threshold)

	// Bool vs ON/OFF string: convert the string side.
	if ab, ok := a.(bool); ok {
		if ts, ok := t.(string); ok {
			switch strings.ToUpper(ts) {
			case "ON":
				t = true
			case "OFF":
				t = false
			}
		}
		if tb, ok := t.(bool); ok {
			switch operator {
			case "eq":
				return ab == tb
			case "neq":
				return ab != tb
			default:
				return false
			}
		}
	}
	if tb, ok := t.(bool); ok {
		if as, ok := a.(string); ok {
			var ab bool
			switch strings.ToUpper(as) {
			case "ON":
				ab = true
			case "OFF":
				ab = false
			default:
				return false
			}
			switch operator {
			case "eq":
				return ab == tb
			case "neq":
				return ab != tb
			}
			return false
		}
	}

	// Numeric comparison, tolerating string thresholds.
	af, aNum := a.(float64)
	tf, tNum := t.(float64)
	if aNum && tNum {
		switch operator {
		case "eq":
			return af == tf
		case "neq":
			return af != tf
		case "gt":
			return af > tf
		case "lt":
			return af < tf
		case "gte":
			return af >= tf
		case "lte":
			return af <= tf
		}
		return false
	}

	// String comparison, case-insensitive for eq/neq.
	as, aStr := a.(string)
	ts, tStr := t.(string)
	if aStr && tStr {
		switch operator {
		case "eq":
			return strings.EqualFold(as, ts)
		case "neq":
			return !strings.EqualFold(as, ts)
		}
	}
	return false
}
