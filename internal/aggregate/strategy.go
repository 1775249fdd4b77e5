package aggregate

import (
	"errors"
	"fmt"
	"time"
)

// ErrNoResult means a strategy could not produce a value for the candidate
// set; the resolver tries the next strategy in the chain.
var ErrNoResult = errors.New("aggregate: strategy produced no result")

const (
	StrategyWeightedAverage    = "weighted_average"
	StrategyHighestPriority    = "highest_priority"
	StrategyMajorityVote       = "majority_vote"
	StrategyConfidenceWeighted = "confidence_weighted"
	StrategyTemporalPriority   = "temporal_priority"
	StrategySourceReliability  = "source_reliability"

	methodFallback = "fallback"
)

// Candidate is one source's contribution to a point, with its trust already
// computed for the sample's age.
type Candidate struct {
	SourceID       string
	Value          any
	Timestamp      time.Time
	Trust          float64
	Priority       int
	Reliability    float64
	MetaConfidence float64
}

type strategyFn func(cands []Candidate, now time.Time, maxAge time.Duration) (any, float64, error)

var strategyRegistry = map[string]strategyFn{
	StrategyWeightedAverage:    resolveWeightedAverage,
	StrategyHighestPriority:    resolveHighestPriority,
	StrategyMajorityVote:       resolveMajorityVote,
	StrategyConfidenceWeighted: resolveConfidenceWeighted,
	StrategyTemporalPriority:   resolveTemporalPriority,
	StrategySourceReliability:  resolveSourceReliability,
}

// Default chains per data type. The first strategy whose confidence beats
// the running best wins; chains front-load what fits the type.
var defaultChains = map[string][]string{
	"position":       {StrategyWeightedAverage, StrategyConfidenceWeighted, StrategyHighestPriority},
	"timing":         {StrategyTemporalPriority, StrategyWeightedAverage, StrategyHighestPriority},
	"weather":        {StrategyWeightedAverage, StrategySourceReliability},
	"race_state":     {StrategyMajorityVote, StrategyHighestPriority, StrategySourceReliability},
	"tactical_event": {StrategyConfidenceWeighted, StrategyHighestPriority},
}

var fallbackChain = []string{
	StrategyWeightedAverage,
	StrategyMajorityVote,
	StrategyTemporalPriority,
	StrategyHighestPriority,
}

// toFloat reports the numeric value of v. JSON decoding yields float64;
// the other cases cover values handed in directly by Go callers.
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
	default:
		return 0, false
	}
}

// valueKey folds a value into a comparable vote bucket.
func valueKey(v any) string {
	return fmt.Sprintf("%v", v)
}

// resolveWeightedAverage returns Σ(value·trust)/Σtrust for all-numeric
// candidate sets; confidence = min(0.95, Σtrust/N).
func resolveWeightedAverage(cands []Candidate, _ time.Time, _ time.Duration) (any, float64, error) {
	if len(cands) == 0 {
		return nil, 0, ErrNoResult
	}
	var sumWV, sumW float64
	for _, c := range cands {
		v, ok := toFloat(c.Value)
		if !ok {
			return nil, 0, ErrNoResult
		}
		sumWV += v * c.Trust
		sumW += c.Trust
	}
	if sumW <= 0 {
		return nil, 0, ErrNoResult
	}
	conf := sumW / float64(len(cands))
	if conf > 0.95 {
		conf = 0.95
	}
	return sumWV / sumW, conf, nil
}

// resolveHighestPriority picks the max-priority source's value;
// confidence = min(0.9, priority/10).
func resolveHighestPriority(cands []Candidate, _ time.Time, _ time.Duration) (any, float64, error) {
	if len(cands) == 0 {
		return nil, 0, ErrNoResult
	}
	best := cands[0]
	for _, c := range cands[1:] {
		if c.Priority > best.Priority {
			best = c
		}
	}
	conf := float64(best.Priority) / 10
	if conf > 0.9 {
		conf = 0.9
	}
	return best.Value, conf, nil
}

// resolveMajorityVote scores each distinct value by count·Σ(voter trust);
// confidence = min(0.95, bestScore/N).
func resolveMajorityVote(cands []Candidate, _ time.Time, _ time.Duration) (any, float64, error) {
	if len(cands) == 0 {
		return nil, 0, ErrNoResult
	}
	type bucket struct {
		value any
		count int
		trust float64
	}
	buckets := make(map[string]*bucket, len(cands))
	order := make([]string, 0, len(cands))
	for _, c := range cands {
		k := valueKey(c.Value)
		b, ok := buckets[k]
		if !ok {
			b = &bucket{value: c.Value}
			buckets[k] = b
			order = append(order, k)
		}
		b.count++
		b.trust += c.Trust
	}
	var best *bucket
	var bestScore float64
	for _, k := range order {
		b := buckets[k]
		score := float64(b.count) * b.trust
		if best == nil || score > bestScore {
			best, bestScore = b, score
		}
	}
	conf := bestScore / float64(len(cands))
	if conf > 0.95 {
		conf = 0.95
	}
	return best.value, conf, nil
}

// resolveConfidenceWeighted picks the value maximizing
// metadata-confidence × trust; that product is the result confidence.
func resolveConfidenceWeighted(cands []Candidate, _ time.Time, _ time.Duration) (any, float64, error) {
	if len(cands) == 0 {
		return nil, 0, ErrNoResult
	}
	best := cands[0]
	bestScore := best.MetaConfidence * best.Trust
	for _, c := range cands[1:] {
		if score := c.MetaConfidence * c.Trust; score > bestScore {
			best, bestScore = c, score
		}
	}
	if bestScore > 0.95 {
		bestScore = 0.95
	}
	return best.Value, bestScore, nil
}

// resolveTemporalPriority picks the newest sample; confidence decays
// linearly from 1 at age zero to 0.1 at maxAge.
func resolveTemporalPriority(cands []Candidate, now time.Time, maxAge time.Duration) (any, float64, error) {
	if len(cands) == 0 {
		return nil, 0, ErrNoResult
	}
	best := cands[0]
	for _, c := range cands[1:] {
		if c.Timestamp.After(best.Timestamp) {
			best = c
		}
	}
	age := now.Sub(best.Timestamp)
	conf := 1.0
	if maxAge > 0 && age > 0 {
		conf = 1 - 0.9*(float64(age)/float64(maxAge))
		if conf < 0.1 {
			conf = 0.1
		}
	}
	return best.Value, conf, nil
}

// resolveSourceReliability picks the most reliable source's value;
// confidence = min(0.9, reliability).
func resolveSourceReliability(cands []Candidate, _ time.Time, _ time.Duration) (any, float64, error) {
	if len(cands) == 0 {
		return nil, 0, ErrNoResult
	}
	best := cands[0]
	for _, c := range cands[1:] {
		if c.Reliability > best.Reliability {
			best = c
		}
	}
	conf := best.Reliability
	if conf > 0.9 {
		conf = 0.9
	}
	return best.Value, conf, nil
}
