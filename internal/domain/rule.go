package domain

// RuleType is the closed set of regulatory rule types the static
// evaluator knows how to check. Unknown types are skipped, not errors.
type RuleType string

const (
	RuleTypeCashLimit          RuleType = "cash_limit"
	RuleTypeKYCExpiry          RuleType = "kyc_expiry"
	RuleTypePEPScreening       RuleType = "pep_screening"
	RuleTypeSanctionsScreening RuleType = "sanctions_screening"
	RuleTypeTravelRule         RuleType = "travel_rule"
	RuleTypeFXSpread           RuleType = "fx_spread"
	RuleTypeEDDRequired        RuleType = "edd_required"

	// RuleTypeExpression rules carry a CEL expression, typically produced
	// by the rule-interpretation stage from regulatory source text.
	RuleTypeExpression RuleType = "expression"
)

// Severity classifies how serious a rule violation or behavioral flag is.
type Severity string

const (
	SeverityCritical Severity = "CRITICAL"
	SeverityHigh     Severity = "HIGH"
	SeverityMedium   Severity = "MEDIUM"
	SeverityLow      Severity = "LOW"
)

// RegulatoryRule is an active rule supplied by the rule store.
// Read-only within a pipeline run.
type RegulatoryRule struct {
	ID           string   `json:"id"`
	Jurisdiction string   `json:"jurisdiction"`
	Type         RuleType `json:"ruleType"`
	Name         string   `json:"name"`
	Severity     Severity `json:"severity"`
	Priority     int      `json:"priority"`

	// Numeric parameters; which ones apply depends on Type.
	Threshold    float64 `json:"threshold,omitempty"`
	Currency     string  `json:"currency,omitempty"`
	MaxDays      int     `json:"maxDays,omitempty"`
	MaxSpreadBps float64 `json:"maxSpreadBps,omitempty"`

	// Expression is a CEL program over the transaction, used by
	// RuleTypeExpression rules.
	Expression string `json:"expression,omitempty"`

	// SourceText holds the regulatory clause this rule was derived from.
	// Rules with source text but no parameters are resolved by the
	// rule-interpretation stage before evaluation.
	SourceText string `json:"sourceText,omitempty"`

	Enabled bool `json:"enabled"`
}

// RuleViolation is produced by the static rule evaluator. Immutable.
type RuleViolation struct {
	RuleID       string             `json:"ruleId"`
	RuleType     RuleType           `json:"ruleType"`
	Severity     Severity           `json:"severity"`
	Score        float64            `json:"score"` // [0,100]
	Description  string             `json:"description"`
	Jurisdiction string             `json:"jurisdiction"`
	Parameters   map[string]float64 `json:"parameters,omitempty"`
}
