// Package domain defines the core interfaces and types for Kestrel.
package domain

import (
	"context"
	"time"
)

// Repository defines the interface for data persistence.
type Repository interface {
	// Transaction history
	SaveTransaction(ctx context.Context, tx *Transaction) error
	GetTransaction(ctx context.Context, txID string) (*Transaction, error)
	GetCustomerTransactions(ctx context.Context, customerID string, since time.Time, limit int) ([]*Transaction, error)
	GetTransactionsInRange(ctx context.Context, customerID string, start, end time.Time, limit int) ([]*Transaction, error)

	// Regulatory rules
	SaveRule(ctx context.Context, rule *RegulatoryRule) error
	GetRule(ctx context.Context, ruleID string) (*RegulatoryRule, error)
	ListActiveRules(ctx context.Context, jurisdiction string) ([]*RegulatoryRule, error)

	// Risk assessments. Upsert keyed by transaction id: re-running a
	// pipeline overwrites, never duplicates.
	UpsertAssessment(ctx context.Context, a *RiskAssessment) error
	GetAssessment(ctx context.Context, txID string) (*RiskAssessment, error)

	// Stage execution logs. Insert-only, never mutated.
	AppendStageLog(ctx context.Context, log *StageLog) error
	ListStageLogs(ctx context.Context, txID string) ([]*StageLog, error)

	// Batch metadata. Counter updates are monotonic.
	CreateBatch(ctx context.Context, b *BatchMetadata) error
	UpdateBatch(ctx context.Context, b *BatchMetadata) error
	GetBatch(ctx context.Context, batchID string) (*BatchMetadata, error)

	// Health check
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// RepositoryConfig holds configuration for repository initialization.
type RepositoryConfig struct {
	// Driver is the database driver: "sqlite" or "postgres"
	Driver string

	// SQLite specific
	SQLitePath string

	// PostgreSQL specific
	PostgresHost     string
	PostgresPort     int
	PostgresUser     string
	PostgresPassword string
	PostgresDB       string
	PostgresSSLMode  string

	// Connection pool settings
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}
