package rules

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// Findings is the outcome of the static evaluation stage. Degraded
// names the rules whose checks could not run, so the audit trail can
// distinguish a verified-clean result from a degraded one.
type Findings struct {
	Violations []domain.RuleViolation `json:"violations"`
	Degraded   []string               `json:"degraded,omitempty"`
}

// checkFunc runs one deterministic rule check against a transaction.
// A nil violation means the rule did not trip.
type checkFunc func(e *Evaluator, tx *domain.Transaction, rule *domain.RegulatoryRule) (*domain.RuleViolation, error)

// checkTable has exactly one entry per rule type. Rule types absent
// from this table are skipped, not errors.
var checkTable = map[domain.RuleType]checkFunc{
	domain.RuleTypeCashLimit:          (*Evaluator).checkCashLimit,
	domain.RuleTypeKYCExpiry:          (*Evaluator).checkKYCExpiry,
	domain.RuleTypePEPScreening:       (*Evaluator).checkPEPScreening,
	domain.RuleTypeSanctionsScreening: (*Evaluator).checkSanctionsScreening,
	domain.RuleTypeTravelRule:         (*Evaluator).checkTravelRule,
	domain.RuleTypeFXSpread:           (*Evaluator).checkFXSpread,
	domain.RuleTypeEDDRequired:        (*Evaluator).checkEDDRequired,
	domain.RuleTypeExpression:         (*Evaluator).checkExpression,
}

// Evaluator evaluates a transaction against regulatory rules
// deterministically. Pure apart from audit logging by the caller.
type Evaluator struct {
	cfg    domain.ScoringConfig
	engine *Engine
	now    func() time.Time
}

// NewEvaluator creates a static rule evaluator.
func NewEvaluator(cfg domain.ScoringConfig, engine *Engine) *Evaluator {
	return &Evaluator{
		cfg:    cfg,
		engine: engine,
		now:    time.Now,
	}
}

// Evaluate applies every applicable rule check to the transaction.
// A single rule's failure never aborts the others: it is logged and the
// rule is reported as degraded.
func (e *Evaluator) Evaluate(ctx context.Context, tx *domain.Transaction, rules []*domain.RegulatoryRule) Findings {
	findings := Findings{Violations: []domain.RuleViolation{}}

	for _, rule := range rules {
		if !rule.Enabled {
			continue
		}

		check, ok := checkTable[rule.Type]
		if !ok {
			slog.Debug("skipping unknown rule type",
				"rule_id", rule.ID,
				"rule_type", rule.Type,
			)
			continue
		}

		violation, err := e.applyCheck(check, tx, rule)
		if err != nil {
			slog.Warn("rule check failed",
				"rule_id", rule.ID,
				"rule_type", rule.Type,
				"tx_id", tx.ID,
				"error", err,
			)
			findings.Degraded = append(findings.Degraded, rule.ID)
			continue
		}

		if violation != nil {
			if rule.Type == domain.RuleTypeSanctionsScreening {
				// Sanctions hits are the one check logged at the
				// critical level.
				slog.Error("sanctions screening hit",
					"rule_id", rule.ID,
					"tx_id", tx.ID,
					"customer_id", tx.CustomerID,
					"jurisdiction", tx.Jurisdiction,
				)
			}
			findings.Violations = append(findings.Violations, *violation)
		}
	}

	return findings
}

// applyCheck isolates a single check, converting panics into errors so
// one faulty rule cannot take down the stage.
func (e *Evaluator) applyCheck(check checkFunc, tx *domain.Transaction, rule *domain.RegulatoryRule) (v *domain.RuleViolation, err error) {
	defer func() {
		if r := recover(); r != nil {
			v = nil
			err = fmt.Errorf("check panicked: %v", r)
		}
	}()
	return check(e, tx, rule)
}

func (e *Evaluator) checkCashLimit(tx *domain.Transaction, rule *domain.RegulatoryRule) (*domain.RuleViolation, error) {
	if tx.Currency != rule.Currency || tx.Amount <= rule.Threshold {
		return nil, nil
	}

	return e.violation(rule, rule.Severity,
		fmt.Sprintf("cash transaction of %s %.2f exceeds reporting threshold %s %.2f",
			tx.Currency, tx.Amount, rule.Currency, rule.Threshold),
		map[string]float64{"threshold": rule.Threshold, "amount": tx.Amount},
	), nil
}

func (e *Evaluator) checkKYCExpiry(tx *domain.Transaction, rule *domain.RegulatoryRule) (*domain.RuleViolation, error) {
	if tx.KYCDueDate.IsZero() {
		return nil, nil
	}

	today := e.now().UTC().Truncate(24 * time.Hour)
	if !tx.KYCDueDate.Before(today) {
		return nil, nil
	}

	overdueDays := int(today.Sub(tx.KYCDueDate).Hours() / 24)
	return e.violation(rule, rule.Severity,
		fmt.Sprintf("KYC review overdue by %d days (due %s)", overdueDays, tx.KYCDueDate.Format("2006-01-02")),
		map[string]float64{"days_overdue": float64(overdueDays)},
	), nil
}

// checkPEPScreening flags every PEP transaction regardless of EDD
// status (ongoing-monitoring requirement).
func (e *Evaluator) checkPEPScreening(tx *domain.Transaction, rule *domain.RegulatoryRule) (*domain.RuleViolation, error) {
	if !tx.CustomerIsPEP {
		return nil, nil
	}

	return e.violation(rule, rule.Severity,
		"transaction by politically exposed person requires enhanced monitoring",
		nil,
	), nil
}

// checkSanctionsScreening is always CRITICAL severity regardless of how
// the rule is configured.
func (e *Evaluator) checkSanctionsScreening(tx *domain.Transaction, rule *domain.RegulatoryRule) (*domain.RuleViolation, error) {
	if !tx.SanctionsHit {
		return nil, nil
	}

	return e.violation(rule, domain.SeverityCritical,
		"sanctions screening returned a hit",
		nil,
	), nil
}

func (e *Evaluator) checkTravelRule(tx *domain.Transaction, rule *domain.RegulatoryRule) (*domain.RuleViolation, error) {
	if rule.Currency != "" && tx.Currency != rule.Currency {
		return nil, nil
	}
	if tx.Amount <= rule.Threshold {
		return nil, nil
	}
	if tx.HasOriginatorInfo && tx.HasBeneficiaryInfo {
		return nil, nil
	}

	return e.violation(rule, rule.Severity,
		fmt.Sprintf("transfer above %s %.2f missing required originator/beneficiary information",
			tx.Currency, rule.Threshold),
		map[string]float64{"threshold": rule.Threshold, "amount": tx.Amount},
	), nil
}

func (e *Evaluator) checkFXSpread(tx *domain.Transaction, rule *domain.RegulatoryRule) (*domain.RuleViolation, error) {
	if !tx.IsFXTrade || tx.SpreadBps <= rule.MaxSpreadBps {
		return nil, nil
	}

	return e.violation(rule, rule.Severity,
		fmt.Sprintf("FX spread of %.1f bps exceeds maximum %.1f bps", tx.SpreadBps, rule.MaxSpreadBps),
		map[string]float64{"spread_bps": tx.SpreadBps, "max_spread_bps": rule.MaxSpreadBps},
	), nil
}

func (e *Evaluator) checkEDDRequired(tx *domain.Transaction, rule *domain.RegulatoryRule) (*domain.RuleViolation, error) {
	if !tx.EDDRequired || tx.EDDPerformed {
		return nil, nil
	}

	return e.violation(rule, rule.Severity,
		"enhanced due diligence required but not performed",
		nil,
	), nil
}

func (e *Evaluator) checkExpression(tx *domain.Transaction, rule *domain.RegulatoryRule) (*domain.RuleViolation, error) {
	if e.engine == nil {
		return nil, fmt.Errorf("no expression engine configured")
	}

	matched, err := e.engine.Evaluate(rule, tx)
	if err != nil {
		return nil, err
	}
	if !matched {
		return nil, nil
	}

	return e.violation(rule, rule.Severity,
		fmt.Sprintf("rule %q matched", rule.Name),
		nil,
	), nil
}

// violation builds a RuleViolation with the configured severity score,
// clamped to [0,100].
func (e *Evaluator) violation(rule *domain.RegulatoryRule, severity domain.Severity, description string, params map[string]float64) *domain.RuleViolation {
	score := e.cfg.SeverityScore(severity)
	if score < 0 {
		score = 0
	}
	if score > 100 {
		score = 100
	}

	return &domain.RuleViolation{
		RuleID:       rule.ID,
		RuleType:     rule.Type,
		Severity:     severity,
		Score:        score,
		Description:  description,
		Jurisdiction: rule.Jurisdiction,
		Parameters:   params,
	}
}
