package repository

// Schema definitions for the Kestrel database.
// Compatible with both SQLite and PostgreSQL.

const schemaTransactions = `
CREATE TABLE IF NOT EXISTS transactions (
    id TEXT PRIMARY KEY,
    customer_id TEXT NOT NULL,
    batch_id TEXT,
    type TEXT NOT NULL,
    jurisdiction TEXT NOT NULL,
    amount REAL NOT NULL,
    currency TEXT NOT NULL,
    is_fx_trade INTEGER NOT NULL DEFAULT 0,
    spread_bps REAL NOT NULL DEFAULT 0,
    customer_is_pep INTEGER NOT NULL DEFAULT 0,
    customer_risk_rating TEXT,
    kyc_due_date TIMESTAMP,
    sanctions_hit INTEGER NOT NULL DEFAULT 0,
    edd_required INTEGER NOT NULL DEFAULT 0,
    edd_performed INTEGER NOT NULL DEFAULT 0,
    has_originator_info INTEGER NOT NULL DEFAULT 0,
    has_beneficiary_info INTEGER NOT NULL DEFAULT 0,
    complex_product INTEGER NOT NULL DEFAULT 0,
    suitability_assessed INTEGER NOT NULL DEFAULT 0,
    originator_country TEXT,
    beneficiary_country TEXT,
    timestamp TIMESTAMP NOT NULL,
    created_at TIMESTAMP NOT NULL,
    metadata TEXT
);

CREATE INDEX IF NOT EXISTS idx_transactions_customer ON transactions(customer_id, timestamp);
CREATE INDEX IF NOT EXISTS idx_transactions_batch ON transactions(batch_id);
`

const schemaRules = `
CREATE TABLE IF NOT EXISTS regulatory_rules (
    id TEXT PRIMARY KEY,
    jurisdiction TEXT NOT NULL,
    rule_type TEXT NOT NULL,
    name TEXT NOT NULL,
    severity TEXT NOT NULL,
    priority INTEGER NOT NULL DEFAULT 0,
    threshold REAL NOT NULL DEFAULT 0,
    currency TEXT,
    max_days INTEGER NOT NULL DEFAULT 0,
    max_spread_bps REAL NOT NULL DEFAULT 0,
    expression TEXT,
    source_text TEXT,
    enabled INTEGER NOT NULL DEFAULT 1,
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_rules_jurisdiction ON regulatory_rules(jurisdiction, enabled);
`

// Assessments are keyed by transaction id so a re-run overwrites the
// prior row instead of appending a duplicate.
const schemaAssessments = `
CREATE TABLE IF NOT EXISTS assessments (
    transaction_id TEXT PRIMARY KEY,
    id TEXT NOT NULL,
    customer_id TEXT NOT NULL,
    jurisdiction TEXT NOT NULL,
    risk_score INTEGER NOT NULL,
    alert_level TEXT NOT NULL,
    explanation TEXT NOT NULL,
    narrative TEXT,
    recommended_action TEXT,
    confidence REAL NOT NULL DEFAULT 0,
    violations TEXT,
    flags TEXT,
    static_score REAL NOT NULL,
    behavioral_score REAL NOT NULL,
    jurisdiction_weight REAL NOT NULL,
    analyzed_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_assessments_customer ON assessments(customer_id);
CREATE INDEX IF NOT EXISTS idx_assessments_alert ON assessments(alert_level);
`

const schemaStageLogs = `
CREATE TABLE IF NOT EXISTS stage_logs (
    id TEXT PRIMARY KEY,
    stage TEXT NOT NULL,
    transaction_id TEXT NOT NULL,
    input TEXT,
    output TEXT,
    duration_ms INTEGER NOT NULL,
    status TEXT NOT NULL,
    error TEXT,
    recorded_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_stage_logs_tx ON stage_logs(transaction_id, recorded_at);
`

const schemaBatches = `
CREATE TABLE IF NOT EXISTS batches (
    id TEXT PRIMARY KEY,
    total_count INTEGER NOT NULL,
    processed_count INTEGER NOT NULL DEFAULT 0,
    failed_count INTEGER NOT NULL DEFAULT 0,
    status TEXT NOT NULL,
    error TEXT,
    started_at TIMESTAMP NOT NULL,
    completed_at TIMESTAMP
);
`

// AllSchemas returns all schema statements in order.
func AllSchemas() []string {
	return []string{
		schemaTransactions,
		schemaRules,
		schemaAssessments,
		schemaStageLogs,
		schemaBatches,
	}
}
