package domain

import (
	"time"
)

// BatchStatus tracks the lifecycle of a batch run.
// FAILED is reserved for coordinator-level failures, not individual
// transaction failures.
type BatchStatus string

const (
	BatchPending    BatchStatus = "PENDING"
	BatchProcessing BatchStatus = "PROCESSING"
	BatchCompleted  BatchStatus = "COMPLETED"
	BatchFailed     BatchStatus = "FAILED"
)

// BatchMetadata is mutated only by the batch coordinator, monotonically:
// counts never decrease.
type BatchMetadata struct {
	ID             string      `json:"id"`
	TotalCount     int         `json:"totalCount"`
	ProcessedCount int         `json:"processedCount"`
	FailedCount    int         `json:"failedCount"`
	Status         BatchStatus `json:"status"`
	Error          string      `json:"error,omitempty"`
	StartedAt      time.Time   `json:"startedAt"`
	CompletedAt    time.Time   `json:"completedAt,omitempty"`
}
