// Package repository provides data persistence implementations.
package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

var (
	ErrNotFound     = errors.New("record not found")
	ErrInvalidInput = errors.New("invalid input")
)

// SQLRepository implements domain.Repository using database/sql.
// Works with both SQLite and PostgreSQL drivers.
type SQLRepository struct {
	db     *sql.DB
	driver string
}

// New creates a new repository based on configuration.
func New(cfg domain.RepositoryConfig) (domain.Repository, error) {
	var db *sql.DB
	var err error

	switch cfg.Driver {
	case "sqlite":
		db, err = openSQLite(cfg)
	case "postgres":
		db, err = openPostgres(cfg)
	default:
		return nil, fmt.Errorf("unsupported driver: %s", cfg.Driver)
	}

	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	repo := &SQLRepository{
		db:     db,
		driver: cfg.Driver,
	}

	if err := repo.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return repo, nil
}

func (r *SQLRepository) migrate() error {
	for _, schema := range AllSchemas() {
		if _, err := r.db.Exec(schema); err != nil {
			return err
		}
	}
	return nil
}

// SaveTransaction stores a transaction in the history table.
func (r *SQLRepository) SaveTransaction(ctx context.Context, tx *domain.Transaction) error {
	if tx.ID == "" {
		return fmt.Errorf("%w: transaction id is required", ErrInvalidInput)
	}

	metadata, _ := json.Marshal(tx.Metadata)

	query := `
		INSERT INTO transactions (
			id, customer_id, batch_id, type, jurisdiction, amount, currency,
			is_fx_trade, spread_bps, customer_is_pep, customer_risk_rating,
			kyc_due_date, sanctions_hit, edd_required, edd_performed,
			has_originator_info, has_beneficiary_info, complex_product,
			suitability_assessed, originator_country, beneficiary_country,
			timestamp, created_at, metadata
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		tx.ID, tx.CustomerID, tx.BatchID, tx.Type, tx.Jurisdiction,
		tx.Amount, tx.Currency,
		boolToInt(tx.IsFXTrade), tx.SpreadBps,
		boolToInt(tx.CustomerIsPEP), tx.CustomerRiskRating,
		nullTime(tx.KYCDueDate),
		boolToInt(tx.SanctionsHit), boolToInt(tx.EDDRequired), boolToInt(tx.EDDPerformed),
		boolToInt(tx.HasOriginatorInfo), boolToInt(tx.HasBeneficiaryInfo),
		boolToInt(tx.ComplexProduct), boolToInt(tx.SuitabilityAssessed),
		tx.OriginatorCountry, tx.BeneficiaryCountry,
		tx.Timestamp, tx.CreatedAt, string(metadata),
	)
	return err
}

// GetTransaction retrieves a transaction by ID.
func (r *SQLRepository) GetTransaction(ctx context.Context, txID string) (*domain.Transaction, error) {
	query := transactionSelect + ` WHERE id = ?`

	row := r.db.QueryRowContext(ctx, r.rebind(query), txID)
	tx, err := scanTransaction(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return tx, err
}

// GetCustomerTransactions retrieves a customer's transactions since a
// point in time, newest first.
func (r *SQLRepository) GetCustomerTransactions(ctx context.Context, customerID string, since time.Time, limit int) ([]*domain.Transaction, error) {
	if customerID == "" {
		return nil, fmt.Errorf("%w: customerID is required", ErrInvalidInput)
	}
	if limit <= 0 {
		limit = 500
	}

	query := transactionSelect + `
		WHERE customer_id = ? AND timestamp >= ?
		ORDER BY timestamp DESC
		LIMIT ?`

	rows, err := r.db.QueryContext(ctx, r.rebind(query), customerID, since, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanTransactions(rows)
}

// GetTransactionsInRange retrieves a customer's transactions between
// start and end, newest first.
func (r *SQLRepository) GetTransactionsInRange(ctx context.Context, customerID string, start, end time.Time, limit int) ([]*domain.Transaction, error) {
	if customerID == "" {
		return nil, fmt.Errorf("%w: customerID is required", ErrInvalidInput)
	}
	if limit <= 0 {
		limit = 500
	}

	query := transactionSelect + `
		WHERE customer_id = ? AND timestamp >= ? AND timestamp < ?
		ORDER BY timestamp DESC
		LIMIT ?`

	rows, err := r.db.QueryContext(ctx, r.rebind(query), customerID, start, end, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanTransactions(rows)
}

// SaveRule stores a regulatory rule.
func (r *SQLRepository) SaveRule(ctx context.Context, rule *domain.RegulatoryRule) error {
	if rule.ID == "" {
		return fmt.Errorf("%w: rule id is required", ErrInvalidInput)
	}

	now := time.Now().UTC()

	query := `
		INSERT INTO regulatory_rules (
			id, jurisdiction, rule_type, name, severity, priority,
			threshold, currency, max_days, max_spread_bps, expression,
			source_text, enabled, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			jurisdiction = excluded.jurisdiction,
			rule_type = excluded.rule_type,
			name = excluded.name,
			severity = excluded.severity,
			priority = excluded.priority,
			threshold = excluded.threshold,
			currency = excluded.currency,
			max_days = excluded.max_days,
			max_spread_bps = excluded.max_spread_bps,
			expression = excluded.expression,
			source_text = excluded.source_text,
			enabled = excluded.enabled,
			updated_at = excluded.updated_at
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		rule.ID, rule.Jurisdiction, string(rule.Type), rule.Name,
		string(rule.Severity), rule.Priority,
		rule.Threshold, rule.Currency, rule.MaxDays, rule.MaxSpreadBps,
		rule.Expression, rule.SourceText, boolToInt(rule.Enabled),
		now, now,
	)
	return err
}

// GetRule retrieves a rule by ID.
func (r *SQLRepository) GetRule(ctx context.Context, ruleID string) (*domain.RegulatoryRule, error) {
	query := `
		SELECT id, jurisdiction, rule_type, name, severity, priority,
			   threshold, currency, max_days, max_spread_bps, expression,
			   source_text, enabled
		FROM regulatory_rules
		WHERE id = ?
	`

	rule, err := scanRule(r.db.QueryRowContext(ctx, r.rebind(query), ruleID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return rule, err
}

// ListActiveRules retrieves enabled rules for a jurisdiction, ordered by
// priority descending.
func (r *SQLRepository) ListActiveRules(ctx context.Context, jurisdiction string) ([]*domain.RegulatoryRule, error) {
	if jurisdiction == "" {
		return nil, fmt.Errorf("%w: jurisdiction is required", ErrInvalidInput)
	}

	query := `
		SELECT id, jurisdiction, rule_type, name, severity, priority,
			   threshold, currency, max_days, max_spread_bps, expression,
			   source_text, enabled
		FROM regulatory_rules
		WHERE jurisdiction = ? AND enabled = 1
		ORDER BY priority DESC
	`

	rows, err := r.db.QueryContext(ctx, r.rebind(query), jurisdiction)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var rules []*domain.RegulatoryRule
	for rows.Next() {
		rule, err := scanRule(rows)
		if err != nil {
			return nil, err
		}
		rules = append(rules, rule)
	}

	return rules, rows.Err()
}

// UpsertAssessment stores a risk assessment keyed by transaction id.
// Re-running a pipeline overwrites the prior row.
func (r *SQLRepository) UpsertAssessment(ctx context.Context, a *domain.RiskAssessment) error {
	if a.TransactionID == "" {
		return fmt.Errorf("%w: transaction id is required", ErrInvalidInput)
	}

	violations, _ := json.Marshal(a.Violations)
	flags, _ := json.Marshal(a.Flags)

	query := `
		INSERT INTO assessments (
			transaction_id, id, customer_id, jurisdiction, risk_score,
			alert_level, explanation, narrative, recommended_action,
			confidence, violations, flags, static_score, behavioral_score,
			jurisdiction_weight, analyzed_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(transaction_id) DO UPDATE SET
			id = excluded.id,
			customer_id = excluded.customer_id,
			jurisdiction = excluded.jurisdiction,
			risk_score = excluded.risk_score,
			alert_level = excluded.alert_level,
			explanation = excluded.explanation,
			narrative = excluded.narrative,
			recommended_action = excluded.recommended_action,
			confidence = excluded.confidence,
			violations = excluded.violations,
			flags = excluded.flags,
			static_score = excluded.static_score,
			behavioral_score = excluded.behavioral_score,
			jurisdiction_weight = excluded.jurisdiction_weight,
			analyzed_at = excluded.analyzed_at
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		a.TransactionID, a.ID, a.CustomerID, a.Jurisdiction, a.RiskScore,
		string(a.AlertLevel), a.Explanation, a.Narrative, a.RecommendedAction,
		a.Confidence, string(violations), string(flags),
		a.StaticScore, a.BehavioralScore, a.JurisdictionWeight, a.AnalyzedAt,
	)
	return err
}

// GetAssessment retrieves the assessment for a transaction.
func (r *SQLRepository) GetAssessment(ctx context.Context, txID string) (*domain.RiskAssessment, error) {
	query := `
		SELECT transaction_id, id, customer_id, jurisdiction, risk_score,
			   alert_level, explanation, narrative, recommended_action,
			   confidence, violations, flags, static_score, behavioral_score,
			   jurisdiction_weight, analyzed_at
		FROM assessments
		WHERE transaction_id = ?
	`

	var a domain.RiskAssessment
	var level, violations, flags string

	err := r.db.QueryRowContext(ctx, r.rebind(query), txID).Scan(
		&a.TransactionID, &a.ID, &a.CustomerID, &a.Jurisdiction, &a.RiskScore,
		&level, &a.Explanation, &a.Narrative, &a.RecommendedAction,
		&a.Confidence, &violations, &flags,
		&a.StaticScore, &a.BehavioralScore, &a.JurisdictionWeight, &a.AnalyzedAt,
	)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	a.AlertLevel = domain.AlertLevel(level)
	json.Unmarshal([]byte(violations), &a.Violations)
	json.Unmarshal([]byte(flags), &a.Flags)

	return &a, nil
}

// AppendStageLog inserts a stage execution record. Insert-only.
func (r *SQLRepository) AppendStageLog(ctx context.Context, log *domain.StageLog) error {
	if log.ID == "" || log.TransactionID == "" {
		return fmt.Errorf("%w: log id and transaction id are required", ErrInvalidInput)
	}

	query := `
		INSERT INTO stage_logs (
			id, stage, transaction_id, input, output, duration_ms,
			status, error, recorded_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		log.ID, log.Stage, log.TransactionID, log.Input, log.Output,
		log.DurationMs, string(log.Status), log.Error, log.RecordedAt,
	)
	return err
}

// ListStageLogs retrieves stage logs for a transaction in recorded order.
func (r *SQLRepository) ListStageLogs(ctx context.Context, txID string) ([]*domain.StageLog, error) {
	query := `
		SELECT id, stage, transaction_id, input, output, duration_ms,
			   status, error, recorded_at
		FROM stage_logs
		WHERE transaction_id = ?
		ORDER BY recorded_at ASC
	`

	rows, err := r.db.QueryContext(ctx, r.rebind(query), txID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var logs []*domain.StageLog
	for rows.Next() {
		var l domain.StageLog
		var status string
		if err := rows.Scan(
			&l.ID, &l.Stage, &l.TransactionID, &l.Input, &l.Output,
			&l.DurationMs, &status, &l.Error, &l.RecordedAt,
		); err != nil {
			return nil, err
		}
		l.Status = domain.StageStatus(status)
		logs = append(logs, &l)
	}

	return logs, rows.Err()
}

// CreateBatch inserts batch metadata.
func (r *SQLRepository) CreateBatch(ctx context.Context, b *domain.BatchMetadata) error {
	if b.ID == "" {
		return fmt.Errorf("%w: batch id is required", ErrInvalidInput)
	}

	query := `
		INSERT INTO batches (
			id, total_count, processed_count, failed_count, status,
			error, started_at, completed_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		b.ID, b.TotalCount, b.ProcessedCount, b.FailedCount,
		string(b.Status), b.Error, b.StartedAt, nullTime(b.CompletedAt),
	)
	return err
}

// UpdateBatch persists batch progress and status.
func (r *SQLRepository) UpdateBatch(ctx context.Context, b *domain.BatchMetadata) error {
	query := `
		UPDATE batches
		SET processed_count = ?, failed_count = ?, status = ?, error = ?, completed_at = ?
		WHERE id = ?
	`

	result, err := r.db.ExecContext(ctx, r.rebind(query),
		b.ProcessedCount, b.FailedCount, string(b.Status), b.Error,
		nullTime(b.CompletedAt), b.ID,
	)
	if err != nil {
		return err
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

// GetBatch retrieves batch metadata by ID.
func (r *SQLRepository) GetBatch(ctx context.Context, batchID string) (*domain.BatchMetadata, error) {
	query := `
		SELECT id, total_count, processed_count, failed_count, status,
			   error, started_at, completed_at
		FROM batches
		WHERE id = ?
	`

	var b domain.BatchMetadata
	var status string
	var completedAt sql.NullTime

	err := r.db.QueryRowContext(ctx, r.rebind(query), batchID).Scan(
		&b.ID, &b.TotalCount, &b.ProcessedCount, &b.FailedCount,
		&status, &b.Error, &b.StartedAt, &completedAt,
	)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	b.Status = domain.BatchStatus(status)
	if completedAt.Valid {
		b.CompletedAt = completedAt.Time
	}

	return &b, nil
}

// Ping checks database connectivity.
func (r *SQLRepository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

// Close closes the database connection.
func (r *SQLRepository) Close() error {
	return r.db.Close()
}

// rebind converts ? placeholders to $1, $2, etc. for PostgreSQL.
func (r *SQLRepository) rebind(query string) string {
	if r.driver != "postgres" {
		return query
	}

	var result []byte
	n := 1
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			result = append(result, '$')
			result = append(result, fmt.Sprintf("%d", n)...)
			n++
		} else {
			result = append(result, query[i])
		}
	}
	return string(result)
}

const transactionSelect = `
	SELECT id, customer_id, batch_id, type, jurisdiction, amount, currency,
		   is_fx_trade, spread_bps, customer_is_pep, customer_risk_rating,
		   kyc_due_date, sanctions_hit, edd_required, edd_performed,
		   has_originator_info, has_beneficiary_info, complex_product,
		   suitability_assessed, originator_country, beneficiary_country,
		   timestamp, created_at, metadata
	FROM transactions`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTransaction(row rowScanner) (*domain.Transaction, error) {
	var tx domain.Transaction
	var metadata string
	var kycDue sql.NullTime
	var isFX, isPEP, sanctions, eddReq, eddDone, origInfo, benefInfo, complexProd, suitability int

	err := row.Scan(
		&tx.ID, &tx.CustomerID, &tx.BatchID, &tx.Type, &tx.Jurisdiction,
		&tx.Amount, &tx.Currency,
		&isFX, &tx.SpreadBps, &isPEP, &tx.CustomerRiskRating,
		&kycDue, &sanctions, &eddReq, &eddDone,
		&origInfo, &benefInfo, &complexProd, &suitability,
		&tx.OriginatorCountry, &tx.BeneficiaryCountry,
		&tx.Timestamp, &tx.CreatedAt, &metadata,
	)
	if err != nil {
		return nil, err
	}

	tx.IsFXTrade = isFX == 1
	tx.CustomerIsPEP = isPEP == 1
	tx.SanctionsHit = sanctions == 1
	tx.EDDRequired = eddReq == 1
	tx.EDDPerformed = eddDone == 1
	tx.HasOriginatorInfo = origInfo == 1
	tx.HasBeneficiaryInfo = benefInfo == 1
	tx.ComplexProduct = complexProd == 1
	tx.SuitabilityAssessed = suitability == 1
	if kycDue.Valid {
		tx.KYCDueDate = kycDue.Time
	}
	if metadata != "" {
		json.Unmarshal([]byte(metadata), &tx.Metadata)
	}

	return &tx, nil
}

func scanTransactions(rows *sql.Rows) ([]*domain.Transaction, error) {
	var transactions []*domain.Transaction
	for rows.Next() {
		tx, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		transactions = append(transactions, tx)
	}
	return transactions, rows.Err()
}

func scanRule(row rowScanner) (*domain.RegulatoryRule, error) {
	var rule domain.RegulatoryRule
	var ruleType, severity string
	var enabled int

	err := row.Scan(
		&rule.ID, &rule.Jurisdiction, &ruleType, &rule.Name, &severity,
		&rule.Priority, &rule.Threshold, &rule.Currency, &rule.MaxDays,
		&rule.MaxSpreadBps, &rule.Expression, &rule.SourceText, &enabled,
	)
	if err != nil {
		return nil, err
	}

	rule.Type = domain.RuleType(ruleType)
	rule.Severity = domain.Severity(severity)
	rule.Enabled = enabled == 1
	return &rule, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullTime(t time.Time) sql.NullTime {
	return sql.NullTime{Time: t, Valid: !t.IsZero()}
}
