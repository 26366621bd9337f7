package audit

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

type recordingAppender struct {
	logs []*domain.StageLog
	err  error
}

func (a *recordingAppender) AppendStageLog(ctx context.Context, log *domain.StageLog) error {
	if a.err != nil {
		return a.err
	}
	a.logs = append(a.logs, log)
	return nil
}

func TestRecord(t *testing.T) {
	app := &recordingAppender{}
	logger := NewLogger(app)

	input := map[string]string{"tx_id": "tx-001"}
	output := map[string]float64{"score": 65}

	logger.Record(context.Background(), domain.StageStaticEvaluation, "tx-001",
		input, output, 42*time.Millisecond, domain.StageSuccess, nil)

	if len(app.logs) != 1 {
		t.Fatalf("expected 1 log row, got %d", len(app.logs))
	}
	log := app.logs[0]
	if log.ID == "" {
		t.Error("expected generated log id")
	}
	if log.Stage != domain.StageStaticEvaluation || log.TransactionID != "tx-001" {
		t.Errorf("unexpected log identity: %+v", log)
	}
	if !strings.Contains(log.Input, "tx-001") {
		t.Errorf("expected input snapshot, got %q", log.Input)
	}
	if !strings.Contains(log.Output, "65") {
		t.Errorf("expected output snapshot, got %q", log.Output)
	}
	if log.DurationMs != 42 {
		t.Errorf("expected 42ms, got %d", log.DurationMs)
	}
	if log.Status != domain.StageSuccess || log.Error != "" {
		t.Errorf("unexpected status fields: %+v", log)
	}
	if log.RecordedAt.IsZero() {
		t.Error("expected RecordedAt to be set")
	}
}

func TestRecordFailure(t *testing.T) {
	app := &recordingAppender{}
	logger := NewLogger(app)

	logger.Record(context.Background(), domain.StageNarrative, "tx-001",
		nil, nil, time.Second, domain.StageTimeout, errors.New("deadline exceeded"))

	if len(app.logs) != 1 {
		t.Fatalf("expected 1 log row, got %d", len(app.logs))
	}
	log := app.logs[0]
	if log.Status != domain.StageTimeout {
		t.Errorf("expected timeout status, got %s", log.Status)
	}
	if log.Error != "deadline exceeded" {
		t.Errorf("expected error recorded, got %q", log.Error)
	}
	if log.Input != "" || log.Output != "" {
		t.Errorf("nil payloads should snapshot empty, got %q / %q", log.Input, log.Output)
	}
}

func TestRecordSwallowsWriteFailure(t *testing.T) {
	logger := NewLogger(&recordingAppender{err: errors.New("disk full")})

	// Must not panic or propagate.
	logger.Record(context.Background(), domain.StageAggregation, "tx-001",
		nil, nil, time.Millisecond, domain.StageError, errors.New("bad"))
}

func TestSnapshotUnmarshalable(t *testing.T) {
	got := snapshot(func() {})
	if !strings.Contains(got, "snapshot_error") {
		t.Errorf("expected snapshot error marker, got %q", got)
	}
}
