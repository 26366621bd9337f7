package domain

import (
	"time"
)

// AlertLevel is derived solely from the final risk score via the
// configured classification thresholds. No code path sets it directly.
type AlertLevel string

const (
	AlertCritical AlertLevel = "CRITICAL"
	AlertHigh     AlertLevel = "HIGH"
	AlertMedium   AlertLevel = "MEDIUM"
	AlertLow      AlertLevel = "LOW"
)

// RiskAssessment is the aggregate output of one pipeline run.
// Persisted once per transaction with upsert semantics keyed by
// TransactionID: re-running overwrites, never appends duplicates.
type RiskAssessment struct {
	ID            string `json:"id"`
	TransactionID string `json:"transactionId"`
	CustomerID    string `json:"customerId"`
	Jurisdiction  string `json:"jurisdiction"`

	RiskScore  int        `json:"riskScore"` // [0,100]
	AlertLevel AlertLevel `json:"alertLevel"`

	// Explanation is the deterministic templated summary. Narrative is
	// the collaborator-generated text, empty when that service degraded.
	Explanation       string  `json:"explanation"`
	Narrative         string  `json:"narrative,omitempty"`
	RecommendedAction string  `json:"recommendedAction,omitempty"`
	Confidence        float64 `json:"confidence,omitempty"`

	Violations []RuleViolation  `json:"violations,omitempty"`
	Flags      []BehavioralFlag `json:"flags,omitempty"`

	StaticScore        float64 `json:"staticScore"`
	BehavioralScore    float64 `json:"behavioralScore"`
	JurisdictionWeight float64 `json:"jurisdictionWeight"`

	AnalyzedAt time.Time `json:"analyzedAt"`
}

// ShouldAlert reports whether the assessment warrants alert publication.
func (a *RiskAssessment) ShouldAlert() bool {
	return a.AlertLevel == AlertCritical || a.AlertLevel == AlertHigh
}
