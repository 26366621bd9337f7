// Package behavior implements the behavioral pattern detector: five
// independent checks over a customer's transaction history.
package behavior

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// Detection is the outcome of the behavioral detection stage. Degraded
// names the checks that could not run, so the audit trail can tell a
// verified-clean result from a degraded one.
type Detection struct {
	Flags    []domain.BehavioralFlag `json:"flags"`
	Degraded []string                `json:"degraded,omitempty"`
}

// flagFunc runs one behavioral check. A nil flag means nothing tripped.
type flagFunc func(d *Detector, tx *domain.Transaction, history []*domain.Transaction) (*domain.BehavioralFlag, error)

// checkOrder fixes the evaluation (and output) order of the checks.
var checkOrder = []struct {
	typ domain.FlagType
	fn  flagFunc
}{
	{domain.FlagTypeVelocity, (*Detector).checkVelocity},
	{domain.FlagTypeSmurfing, (*Detector).checkSmurfing},
	{domain.FlagTypeClustering, (*Detector).checkClustering},
	{domain.FlagTypeGeographicRisk, (*Detector).checkGeographicRisk},
	{domain.FlagTypeProfileMismatch, (*Detector).checkProfileMismatch},
}

// Detector evaluates a transaction against the customer's history.
type Detector struct {
	cfg     domain.ScoringConfig
	history domain.HistoryStore
}

// NewDetector creates a behavioral pattern detector.
func NewDetector(cfg domain.ScoringConfig, history domain.HistoryStore) *Detector {
	return &Detector{cfg: cfg, history: history}
}

// Detect runs all behavioral checks for the transaction. Checks are
// isolated from each other: one failing is reported as degraded and the
// rest still run. A history-store failure degrades every check rather
// than failing the stage.
func (d *Detector) Detect(ctx context.Context, tx *domain.Transaction) Detection {
	detection := Detection{Flags: []domain.BehavioralFlag{}}

	history, err := d.history.CustomerHistory(ctx, tx.CustomerID, d.cfg.HistoryWindowDays, d.cfg.HistoryLimit)
	if err != nil {
		slog.Warn("history lookup failed, behavioral checks degraded",
			"customer_id", tx.CustomerID,
			"tx_id", tx.ID,
			"error", err,
		)
		for _, entry := range checkOrder {
			detection.Degraded = append(detection.Degraded, string(entry.typ))
		}
		return detection
	}

	// The serving path records the transaction before scoring, so the
	// repository read returns it alongside the prior activity. Each
	// check already seeds itself with the transaction under analysis;
	// keeping it in the history would count it twice.
	history = withoutTransaction(history, tx.ID)

	// Below the minimum history size there is no behavioral baseline to
	// compare against; every check stays silent.
	if len(history) < d.cfg.MinHistorySize {
		return detection
	}

	for _, entry := range checkOrder {
		flag, err := d.applyCheck(entry.fn, tx, history)
		if err != nil {
			slog.Warn("behavioral check failed",
				"check", entry.typ,
				"tx_id", tx.ID,
				"error", err,
			)
			detection.Degraded = append(detection.Degraded, string(entry.typ))
			continue
		}
		if flag != nil {
			detection.Flags = append(detection.Flags, *flag)
		}
	}

	return detection
}

// withoutTransaction drops the named transaction from a history slice.
func withoutTransaction(history []*domain.Transaction, txID string) []*domain.Transaction {
	out := make([]*domain.Transaction, 0, len(history))
	for _, h := range history {
		if h.ID != txID {
			out = append(out, h)
		}
	}
	return out
}

// applyCheck isolates a single check, converting panics into errors.
func (d *Detector) applyCheck(fn flagFunc, tx *domain.Transaction, history []*domain.Transaction) (f *domain.BehavioralFlag, err error) {
	defer func() {
		if r := recover(); r != nil {
			f = nil
			err = fmt.Errorf("check panicked: %v", r)
		}
	}()
	return fn(d, tx, history)
}

// checkVelocity compares the 24-hour transaction count against the
// customer's daily average. The observed day span is floored at 1;
// short histories slightly under-estimate the multiplier, which is the
// established behavior the thresholds are tuned against.
func (d *Detector) checkVelocity(tx *domain.Transaction, history []*domain.Transaction) (*domain.BehavioralFlag, error) {
	n24 := 1 // the transaction under analysis
	cutoff := tx.Timestamp.Add(-24 * time.Hour)
	oldest := tx.Timestamp
	for _, h := range history {
		if h.Timestamp.After(cutoff) && !h.Timestamp.After(tx.Timestamp) {
			n24++
		}
		if h.Timestamp.Before(oldest) {
			oldest = h.Timestamp
		}
	}

	daysSpan := tx.Timestamp.Sub(oldest).Hours() / 24
	if daysSpan < 1 {
		daysSpan = 1
	}
	avgDaily := float64(len(history)) / daysSpan
	if avgDaily <= 0 || float64(n24) <= avgDaily*d.cfg.VelocityMultiplier {
		return nil, nil
	}

	multiplier := float64(n24) / avgDaily
	severity := domain.SeverityMedium
	if multiplier >= 5 {
		severity = domain.SeverityHigh
	}

	return &domain.BehavioralFlag{
		Type:     domain.FlagTypeVelocity,
		Severity: severity,
		Score:    math.Min(30+multiplier*10, 80),
		Description: fmt.Sprintf("%d transactions in 24h against a %.1f/day baseline (%.1fx)",
			n24, avgDaily, multiplier),
		DetectionDetails: map[string]float64{
			"transactions_24h": float64(n24),
			"avg_daily":        avgDaily,
			"multiplier":       multiplier,
		},
		HistoricalContext: fmt.Sprintf("%d transactions over %.0f days", len(history), daysSpan),
	}, nil
}

// checkSmurfing looks for same-day structuring: several sub-threshold
// transactions in the same currency that together exceed the reporting
// threshold, with suspiciously uniform amounts.
func (d *Detector) checkSmurfing(tx *domain.Transaction, history []*domain.Transaction) (*domain.BehavioralFlag, error) {
	group := []float64{tx.Amount}
	day := tx.Timestamp.UTC().Truncate(24 * time.Hour)
	for _, h := range history {
		if h.Currency == tx.Currency && h.Timestamp.UTC().Truncate(24*time.Hour).Equal(day) {
			group = append(group, h.Amount)
		}
	}

	count := len(group)
	threshold := d.cfg.SmurfingThreshold
	if count < d.cfg.SmurfingMinTxns {
		return nil, nil
	}
	if maxOf(group) >= threshold*d.cfg.SmurfingPct {
		return nil, nil
	}
	if sum(group) <= threshold {
		return nil, nil
	}
	if stddev(group) >= mean(group)*0.3 {
		return nil, nil
	}

	severity := domain.SeverityMedium
	if count >= 5 {
		severity = domain.SeverityHigh
	}

	return &domain.BehavioralFlag{
		Type:     domain.FlagTypeSmurfing,
		Severity: severity,
		Score:    math.Min(40+float64(count)*5, 80),
		Description: fmt.Sprintf("%d same-day %s transactions totalling %.2f, each below the %.2f reporting threshold",
			count, tx.Currency, sum(group), threshold),
		DetectionDetails: map[string]float64{
			"transaction_count": float64(count),
			"total_amount":      sum(group),
			"max_amount":        maxOf(group),
			"threshold":         threshold,
		},
		HistoricalContext: fmt.Sprintf("same-day activity on %s", day.Format("2006-01-02")),
	}, nil
}

// checkClustering flags an unusually uniform run of transactions in one
// currency over a 7-day window.
func (d *Detector) checkClustering(tx *domain.Transaction, history []*domain.Transaction) (*domain.BehavioralFlag, error) {
	cutoff := tx.Timestamp.Add(-7 * 24 * time.Hour)
	group := []float64{tx.Amount}
	for _, h := range history {
		if h.Currency == tx.Currency && h.Timestamp.After(cutoff) && !h.Timestamp.After(tx.Timestamp) {
			group = append(group, h.Amount)
		}
	}

	if len(group) < d.cfg.MinClusterTxns {
		return nil, nil
	}

	m := mean(group)
	if m <= 0 {
		return nil, nil
	}
	cv := stddev(group) / m * 100
	if cv >= d.cfg.ClusteringThresholdPct {
		return nil, nil
	}

	return &domain.BehavioralFlag{
		Type:     domain.FlagTypeClustering,
		Severity: domain.SeverityMedium,
		Score:    35,
		Description: fmt.Sprintf("%d %s transactions in 7 days with %.1f%% amount variation",
			len(group), tx.Currency, cv),
		DetectionDetails: map[string]float64{
			"transaction_count":        float64(len(group)),
			"coefficient_of_variation": cv,
			"mean_amount":              m,
		},
	}, nil
}

// checkGeographicRisk flags transactions touching a configured
// high-risk country on either side.
func (d *Detector) checkGeographicRisk(tx *domain.Transaction, _ []*domain.Transaction) (*domain.BehavioralFlag, error) {
	var risky []string
	if d.cfg.IsHighRiskCountry(tx.OriginatorCountry) {
		risky = append(risky, tx.OriginatorCountry)
	}
	if d.cfg.IsHighRiskCountry(tx.BeneficiaryCountry) && tx.BeneficiaryCountry != tx.OriginatorCountry {
		risky = append(risky, tx.BeneficiaryCountry)
	}
	if len(risky) == 0 {
		return nil, nil
	}

	return &domain.BehavioralFlag{
		Type:        domain.FlagTypeGeographicRisk,
		Severity:    domain.SeverityHigh,
		Score:       70,
		Description: fmt.Sprintf("transaction involves high-risk jurisdiction(s): %s", strings.Join(risky, ", ")),
		DetectionDetails: map[string]float64{
			"high_risk_countries": float64(len(risky)),
		},
	}, nil
}

// checkProfileMismatch flags complex products sold to low-risk
// customers without a suitability assessment.
func (d *Detector) checkProfileMismatch(tx *domain.Transaction, _ []*domain.Transaction) (*domain.BehavioralFlag, error) {
	rating := strings.ToUpper(strings.TrimSpace(tx.CustomerRiskRating))
	lowRisk := rating == "LOW" || rating == "LOW-RISK"
	if !lowRisk || !tx.ComplexProduct || tx.SuitabilityAssessed {
		return nil, nil
	}

	return &domain.BehavioralFlag{
		Type:        domain.FlagTypeProfileMismatch,
		Severity:    domain.SeverityMedium,
		Score:       40,
		Description: "complex product transacted by low-risk customer without suitability assessment",
	}, nil
}
