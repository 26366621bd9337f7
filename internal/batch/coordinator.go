// Package batch drives the scoring pipeline over many transactions with
// a bounded worker pool.
package batch

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// Runner scores a single transaction. Satisfied by pipeline.Pipeline.
type Runner interface {
	Run(ctx context.Context, tx *domain.Transaction) (*domain.RiskAssessment, error)
}

// Coordinator runs batches. A single transaction's failure increments
// the failed counter and never aborts the batch; FAILED status is
// reserved for coordinator-level errors.
type Coordinator struct {
	cfg    domain.BatchConfig
	runner Runner
	repo   domain.Repository
	bus    domain.EventBus
}

// NewCoordinator creates a batch coordinator. The bus may be nil.
func NewCoordinator(cfg domain.BatchConfig, runner Runner, repo domain.Repository, bus domain.EventBus) *Coordinator {
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = 8
	}
	if cfg.ProgressInterval <= 0 {
		cfg.ProgressInterval = 10
	}
	return &Coordinator{cfg: cfg, runner: runner, repo: repo, bus: bus}
}

// progress guards the batch counters. Counts only ever increase.
type progress struct {
	mu        sync.Mutex
	meta      *domain.BatchMetadata
	completed int // completions since the last persisted update
}

// RunBatch scores every transaction in the batch. Cancelling ctx stops
// scheduling new transactions but lets in-flight pipeline runs finish.
// The returned metadata reflects the final persisted state.
func (c *Coordinator) RunBatch(ctx context.Context, batchID string, txns []*domain.Transaction) (*domain.BatchMetadata, error) {
	if batchID == "" {
		batchID = uuid.NewString()
	}

	meta := &domain.BatchMetadata{
		ID:         batchID,
		TotalCount: len(txns),
		Status:     domain.BatchPending,
		StartedAt:  time.Now().UTC(),
	}

	if err := c.repo.CreateBatch(ctx, meta); err != nil {
		meta.Status = domain.BatchFailed
		meta.Error = err.Error()
		return meta, fmt.Errorf("create batch %s: %w", batchID, err)
	}

	meta.Status = domain.BatchProcessing
	if err := c.repo.UpdateBatch(ctx, meta); err != nil {
		return c.fail(ctx, meta, fmt.Errorf("mark batch %s processing: %w", batchID, err))
	}

	slog.Info("batch started",
		"batch_id", batchID,
		"total", len(txns),
		"max_concurrency", c.cfg.MaxConcurrency,
	)

	p := &progress{meta: meta}

	// In-flight runs are shielded from batch cancellation: a cancelled
	// batch stops scheduling, it never leaves half-scored transactions.
	runCtx := context.WithoutCancel(ctx)

	var g errgroup.Group
	g.SetLimit(c.cfg.MaxConcurrency)

	scheduled := 0
	for _, tx := range txns {
		if ctx.Err() != nil {
			slog.Warn("batch cancelled, draining in-flight work",
				"batch_id", batchID,
				"scheduled", scheduled,
				"total", len(txns),
			)
			break
		}
		scheduled++

		tx := tx
		g.Go(func() error {
			_, err := c.runner.Run(runCtx, tx)
			if err != nil {
				slog.Error("batch item failed",
					"batch_id", batchID,
					"tx_id", tx.ID,
					"error", err,
				)
			}
			c.recordCompletion(runCtx, p, err != nil)
			return nil
		})
	}

	_ = g.Wait()

	p.mu.Lock()
	meta.Status = domain.BatchCompleted
	meta.CompletedAt = time.Now().UTC()
	p.mu.Unlock()

	if err := c.repo.UpdateBatch(runCtx, meta); err != nil {
		return c.fail(runCtx, meta, fmt.Errorf("finalize batch %s: %w", batchID, err))
	}
	c.publishProgress(runCtx, meta)

	slog.Info("batch completed",
		"batch_id", batchID,
		"processed", meta.ProcessedCount,
		"failed", meta.FailedCount,
		"duration_ms", meta.CompletedAt.Sub(meta.StartedAt).Milliseconds(),
	)

	return meta, nil
}

// recordCompletion bumps the counters and persists progress every
// ProgressInterval completions so status queries track in-flight work.
func (c *Coordinator) recordCompletion(ctx context.Context, p *progress, failed bool) {
	p.mu.Lock()
	p.meta.ProcessedCount++
	if failed {
		p.meta.FailedCount++
	}
	p.completed++
	persist := p.completed >= c.cfg.ProgressInterval
	if persist {
		p.completed = 0
	}
	snapshot := *p.meta
	p.mu.Unlock()

	if !persist {
		return
	}

	if err := c.repo.UpdateBatch(ctx, &snapshot); err != nil {
		slog.Error("failed to persist batch progress",
			"batch_id", snapshot.ID,
			"processed", snapshot.ProcessedCount,
			"error", err,
		)
		return
	}
	c.publishProgress(ctx, &snapshot)
}

// fail marks the batch FAILED for a coordinator-level error.
func (c *Coordinator) fail(ctx context.Context, meta *domain.BatchMetadata, err error) (*domain.BatchMetadata, error) {
	meta.Status = domain.BatchFailed
	meta.Error = err.Error()
	meta.CompletedAt = time.Now().UTC()

	if updateErr := c.repo.UpdateBatch(ctx, meta); updateErr != nil {
		slog.Error("failed to persist batch failure",
			"batch_id", meta.ID,
			"error", updateErr,
		)
	}

	return meta, err
}

func (c *Coordinator) publishProgress(ctx context.Context, meta *domain.BatchMetadata) {
	if c.bus == nil {
		return
	}
	payload, err := json.Marshal(meta)
	if err != nil {
		return
	}
	if err := c.bus.Publish(ctx, domain.TopicBatchProgress, payload); err != nil {
		slog.Warn("failed to publish batch progress",
			"batch_id", meta.ID,
			"error", err,
		)
	}
}
