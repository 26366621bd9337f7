// Package aggregate combines static and behavioral findings into a
// final risk score and alert level. Pure computation: no I/O, no
// mutation of inputs.
package aggregate

import (
	"fmt"
	"math"
	"strings"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// Result is the aggregator's contribution to an assessment.
type Result struct {
	RiskScore          int               `json:"riskScore"`
	AlertLevel         domain.AlertLevel `json:"alertLevel"`
	Explanation        string            `json:"explanation"`
	StaticScore        float64           `json:"staticScore"`
	BehavioralScore    float64           `json:"behavioralScore"`
	JurisdictionWeight float64           `json:"jurisdictionWeight"`
}

// Aggregator produces the weighted, capped risk score.
type Aggregator struct {
	cfg domain.ScoringConfig
}

// NewAggregator creates a score aggregator.
func NewAggregator(cfg domain.ScoringConfig) *Aggregator {
	return &Aggregator{cfg: cfg}
}

// Aggregate computes the final score:
//
//	combined = (Σ violation scores + Σ flag scores) / 2
//	weighted = combined × jurisdiction weight
//	risk     = min(100, floor(weighted))
//
// The returned error wraps domain.ErrAggregation; it is fatal for this
// transaction only, and the Result still carries the safe default
// (score 0, LOW, error-marker explanation).
func (a *Aggregator) Aggregate(violations []domain.RuleViolation, flags []domain.BehavioralFlag, jurisdiction string) (Result, error) {
	staticScore := sumViolations(violations)
	behavioralScore := sumFlags(flags)

	if staticScore < 0 || behavioralScore < 0 ||
		math.IsNaN(staticScore) || math.IsNaN(behavioralScore) ||
		math.IsInf(staticScore, 0) || math.IsInf(behavioralScore, 0) {
		return Result{
			AlertLevel:         domain.AlertLow,
			Explanation:        "score aggregation failed; assessment defaulted to LOW pending review",
			JurisdictionWeight: 1.0,
		}, fmt.Errorf("%w: invalid component scores (static=%v behavioral=%v)", domain.ErrAggregation, staticScore, behavioralScore)
	}

	weight := a.cfg.JurisdictionWeight(jurisdiction)
	combined := (staticScore + behavioralScore) / 2
	weighted := combined * weight

	risk := int(math.Floor(weighted))
	if risk > 100 {
		risk = 100
	}
	if risk < 0 {
		risk = 0
	}

	return Result{
		RiskScore:          risk,
		AlertLevel:         a.Classify(risk),
		Explanation:        buildExplanation(risk, violations, flags),
		StaticScore:        staticScore,
		BehavioralScore:    behavioralScore,
		JurisdictionWeight: weight,
	}, nil
}

// Classify maps a risk score to an alert level using the configured
// thresholds. The bands are exhaustive: everything below the medium
// threshold is LOW.
func (a *Aggregator) Classify(score int) domain.AlertLevel {
	switch {
	case score >= a.cfg.CriticalThreshold:
		return domain.AlertCritical
	case score >= a.cfg.HighThreshold:
		return domain.AlertHigh
	case score >= a.cfg.MediumThreshold:
		return domain.AlertMedium
	default:
		return domain.AlertLow
	}
}

func sumViolations(violations []domain.RuleViolation) float64 {
	var total float64
	for _, v := range violations {
		total += v.Score
	}
	return total
}

func sumFlags(flags []domain.BehavioralFlag) float64 {
	var total float64
	for _, f := range flags {
		total += f.Score
	}
	return total
}

// buildExplanation is the deterministic templated summary. It exists
// independently of the narrative collaborator so assessments stay
// usable when that collaborator is down.
func buildExplanation(score int, violations []domain.RuleViolation, flags []domain.BehavioralFlag) string {
	const maxListed = 3

	var b strings.Builder
	fmt.Fprintf(&b, "Risk score %d.", score)

	if len(violations) == 0 && len(flags) == 0 {
		b.WriteString(" No regulatory violations or behavioral flags.")
		return b.String()
	}

	if n := len(violations); n > 0 {
		fmt.Fprintf(&b, " %d regulatory violation(s):", n)
		for i, v := range violations {
			if i == maxListed {
				fmt.Fprintf(&b, " and %d more;", n-maxListed)
				break
			}
			fmt.Fprintf(&b, " [%s] %s;", v.Severity, v.Description)
		}
	}

	if n := len(flags); n > 0 {
		fmt.Fprintf(&b, " %d behavioral flag(s):", n)
		for i, f := range flags {
			if i == maxListed {
				fmt.Fprintf(&b, " and %d more;", n-maxListed)
				break
			}
			fmt.Fprintf(&b, " [%s] %s;", f.Severity, f.Description)
		}
	}

	return strings.TrimSuffix(b.String(), ";")
}
