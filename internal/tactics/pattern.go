package tactics

import (
	"errors"
	"fmt"
	"math"
	"strings"
	"time"
)

// Scope says what kind of subject a pattern evaluates against.
type Scope string

const (
	ScopeRider Scope = "rider"
	ScopeGroup Scope = "group"
)

// Condition ops.
const (
	OpGT       = "gt"
	OpLT       = "lt"
	OpEQ       = "eq"
	OpGTE      = "gte"
	OpLTE      = "lte"
	OpBetween  = "between"
	OpIn       = "in"
	OpContains = "contains"
)

// matchQuorum is the fraction of conditions that must hold.
const matchQuorum = 0.7

// Condition is one atomic check against a subject feature. TimeWindow
// scopes delta and trend fields; zero means the field's default window.
type Condition struct {
	Field      string        `json:"field"`
	Op         string        `json:"op"`
	Value      any           `json:"value"`
	TimeWindow time.Duration `json:"timeWindow,omitempty"`
}

// Pattern is a named, weighted set of conditions over one subject kind.
type Pattern struct {
	Name           string      `json:"name"`
	EventType      string      `json:"eventType"`
	Scope          Scope       `json:"scope"`
	Severity       Severity    `json:"severity"`
	BaseConfidence float64     `json:"baseConfidence"`
	Conditions     []Condition `json:"conditions"`
}

var validOps = map[string]bool{
	OpGT: true, OpLT: true, OpEQ: true, OpGTE: true, OpLTE: true,
	OpBetween: true, OpIn: true, OpContains: true,
}

func (p Pattern) validate() error {
	if p.Name == "" {
		return errors.New("pattern name is required")
	}
	if p.EventType == "" {
		return errors.New("pattern event type is required")
	}
	if p.Scope != ScopeRider && p.Scope != ScopeGroup {
		return fmt.Errorf("unknown pattern scope %q", p.Scope)
	}
	if p.BaseConfidence <= 0 || p.BaseConfidence > 1 {
		return fmt.Errorf("base confidence must be in (0,1], got %v", p.BaseConfidence)
	}
	if len(p.Conditions) == 0 {
		return errors.New("pattern needs at least one condition")
	}
	for _, c := range p.Conditions {
		if c.Field == "" {
			return errors.New("condition field is required")
		}
		if !validOps[c.Op] {
			return fmt.Errorf("unknown condition op %q", c.Op)
		}
	}
	return nil
}

func severityMultiplier(s Severity) float64 {
	switch s {
	case SeverityHigh, SeverityCritical:
		return 1.2
	case SeverityLow:
		return 0.8
	default:
		return 1.0
	}
}

// featureView resolves a named feature of the current subject, windowed
// when the condition carries a window. ok=false means the subject cannot
// answer the field at all.
type featureView func(field string, window time.Duration) (any, bool)

// match evaluates the pattern. It reports the scored confidence, the
// matched conditions for trigger data, and whether the quorum held.
func (p Pattern) match(view featureView) (float64, []map[string]any, bool) {
	total := len(p.Conditions)
	var matched []map[string]any
	for _, c := range p.Conditions {
		v, ok := view(c.Field, c.TimeWindow)
		if !ok || !evalCondition(c, v) {
			continue
		}
		matched = append(matched, map[string]any{
			"field":     c.Field,
			"op":        c.Op,
			"observed":  v,
			"threshold": c.Value,
		})
	}
	if float64(len(matched)) < matchQuorum*float64(total) {
		return 0, nil, false
	}
	conf := p.BaseConfidence * float64(len(matched)) / float64(total) * severityMultiplier(p.Severity)
	if conf > 1 {
		conf = 1
	}
	return conf, matched, true
}

func evalCondition(c Condition, v any) bool {
	switch c.Op {
	case OpGT, OpLT, OpEQ, OpGTE, OpLTE:
		f, ok := toFloat(v)
		if !ok {
			if c.Op == OpEQ {
				return fmt.Sprintf("%v", v) == fmt.Sprintf("%v", c.Value)
			}
			return false
		}
		w, ok := toFloat(c.Value)
		if !ok {
			return false
		}
		switch c.Op {
		case OpGT:
			return f > w
		case OpLT:
			return f < w
		case OpGTE:
			return f >= w
		case OpLTE:
			return f <= w
		default:
			return math.Abs(f-w) < 1e-9
		}
	case OpBetween:
		f, ok := toFloat(v)
		if !ok {
			return false
		}
		lo, hi, ok := bounds(c.Value)
		return ok && f >= lo && f <= hi
	case OpIn:
		items, ok := c.Value.([]any)
		if !ok {
			return false
		}
		for _, item := range items {
			if fv, ok1 := toFloat(v); ok1 {
				if fw, ok2 := toFloat(item); ok2 && math.Abs(fv-fw) < 1e-9 {
					return true
				}
				continue
			}
			if fmt.Sprintf("%v", v) == fmt.Sprintf("%v", item) {
				return true
			}
		}
		return false
	case OpContains:
		needle := fmt.Sprintf("%v", c.Value)
		switch hay := v.(type) {
		case string:
			return strings.Contains(hay, needle)
		case []string:
			for _, s := range hay {
				if s == needle {
					return true
				}
			}
		}
		return false
	default:
		return false
	}
}

func bounds(v any) (float64, float64, bool) {
	switch b := v.(type) {
	case []float64:
		if len(b) == 2 {
			return b[0], b[1], true
		}
	case [2]float64:
		return b[0], b[1], true
	case []any:
		if len(b) == 2 {
			lo, ok1 := toFloat(b[0])
			hi, ok2 := toFloat(b[1])
			return lo, hi, ok1 && ok2
		}
	}
	return 0, 0, false
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint64:
		return float64(n), true
	case bool:
		if n {
			return 1, true
		}
		return 0, true
	default:
		return 0, false
	}
}

// defaultPatterns returns the built-in detection rules.
func defaultPatterns() []Pattern {
	return []Pattern{
		{
			Name:           EventAttack,
			EventType:      EventAttack,
			Scope:          ScopeRider,
			Severity:       SeverityMedium,
			BaseConfidence: 0.8,
			Conditions: []Condition{
				{Field: "speedDelta", Op: OpGT, Value: 3.0, TimeWindow: 10 * time.Second},
				{Field: "positionGain", Op: OpGT, Value: 5.0},
				{Field: "gapToGroup", Op: OpGT, Value: 10.0},
			},
		},
		{
			Name:           EventCrash,
			EventType:      EventCrash,
			Scope:          ScopeRider,
			Severity:       SeverityHigh,
			BaseConfidence: 0.9,
			Conditions: []Condition{
				{Field: "speedDelta", Op: OpLT, Value: -10.0, TimeWindow: 5 * time.Second},
				{Field: "positionDrop", Op: OpGT, Value: 20.0},
			},
		},
		{
			Name:           EventMechanical,
			EventType:      EventMechanical,
			Scope:          ScopeRider,
			Severity:       SeverityMedium,
			BaseConfidence: 0.7,
			Conditions: []Condition{
				{Field: "speedDelta", Op: OpLT, Value: -5.0, TimeWindow: 30 * time.Second},
				{Field: "positionDrop", Op: OpGT, Value: 10.0},
				{Field: "steadyDeceleration", Op: OpEQ, Value: 1.0},
			},
		},
		{
			Name:           EventBreakaway,
			EventType:      EventBreakaway,
			Scope:          ScopeGroup,
			Severity:       SeverityMedium,
			BaseConfidence: 0.85,
			Conditions: []Condition{
				{Field: "size", Op: OpBetween, Value: []float64{2, 20}},
				{Field: "gapToPeloton", Op: OpGT, Value: 30.0},
				{Field: "sustainedFor", Op: OpGTE, Value: 300.0},
			},
		},
		{
			Name:           EventSprint,
			EventType:      EventSprint,
			Scope:          ScopeGroup,
			Severity:       SeverityMedium,
			BaseConfidence: 0.8,
			Conditions: []Condition{
				{Field: "avgSpeed", Op: OpGT, Value: 16.0},
				{Field: "compactness", Op: OpLT, Value: 100.0},
				{Field: "distanceToFinish", Op: OpLT, Value: 5000.0},
			},
		},
		{
			Name:           EventChase,
			EventType:      EventChase,
			Scope:          ScopeGroup,
			Severity:       SeverityMedium,
			BaseConfidence: 0.75,
			Conditions: []Condition{
				{Field: "size", Op: OpGT, Value: 5.0},
				{Field: "speedDelta", Op: OpGT, Value: 2.0},
				{Field: "gapTrend", Op: OpLT, Value: 0.0, TimeWindow: 3 * time.Minute},
			},
		},
	}
}
