// Package audit writes the append-only stage execution log. One row per
// stage per pipeline run, failure or not.
package audit

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// appender is the slice of the repository the logger needs.
type appender interface {
	AppendStageLog(ctx context.Context, log *domain.StageLog) error
}

// Logger records stage executions. A failed write is logged and
// swallowed: the audit trail supports the pipeline, it never blocks it.
type Logger struct {
	repo appender
}

// NewLogger creates a stage audit logger.
func NewLogger(repo appender) *Logger {
	return &Logger{repo: repo}
}

// Record appends one stage log row. Input and output are snapshotted as
// JSON; stageErr, when non-nil, is recorded verbatim.
func (l *Logger) Record(ctx context.Context, stage, txID string, input, output any, duration time.Duration, status domain.StageStatus, stageErr error) {
	entry := &domain.StageLog{
		ID:            uuid.NewString(),
		Stage:         stage,
		TransactionID: txID,
		Input:         snapshot(input),
		Output:        snapshot(output),
		DurationMs:    duration.Milliseconds(),
		Status:        status,
		RecordedAt:    time.Now().UTC(),
	}
	if stageErr != nil {
		entry.Error = stageErr.Error()
	}

	if err := l.repo.AppendStageLog(ctx, entry); err != nil {
		slog.Error("failed to append stage log",
			"stage", stage,
			"tx_id", txID,
			"status", status,
			"error", err,
		)
	}
}

// snapshot serializes a stage payload for the audit row. Values that
// cannot marshal are recorded as an error marker instead of failing.
func snapshot(v any) string {
	if v == nil {
		return ""
	}
	data, err := json.Marshal(v)
	if err != nil {
		return `{"snapshot_error":"` + err.Error() + `"}`
	}
	return string(data)
}
