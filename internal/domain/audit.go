package domain

import (
	"time"
)

// Pipeline stage names, in causal order.
const (
	StageRuleInterpretation  = "rule_interpretation"
	StageStaticEvaluation    = "static_evaluation"
	StageBehavioralDetection = "behavioral_detection"
	StageAggregation         = "aggregation"
	StageNarrative           = "narrative"
)

// StageStatus records how a pipeline stage finished.
type StageStatus string

const (
	StageSuccess StageStatus = "success"
	StageError   StageStatus = "error"
	StageTimeout StageStatus = "timeout"
	StageSkipped StageStatus = "skipped"
)

// StageLog is the append-only execution record written once per stage
// per run. A compliance reviewer must be able to tell a verified-clean
// result from a degraded-due-to-error result from these rows alone.
// Never mutated after insert.
type StageLog struct {
	ID            string      `json:"id"`
	Stage         string      `json:"stage"`
	TransactionID string      `json:"transactionId"`
	Input         string      `json:"input"`  // JSON snapshot
	Output        string      `json:"output"` // JSON snapshot
	DurationMs    int64       `json:"durationMs"`
	Status        StageStatus `json:"status"`
	Error         string      `json:"error,omitempty"`
	RecordedAt    time.Time   `json:"recordedAt"`
}
