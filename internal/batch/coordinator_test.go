package batch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// countingRunner fails transactions whose ID is in failIDs.
type countingRunner struct {
	mu      sync.Mutex
	runs    int
	maxSeen int
	active  int
	failIDs map[string]bool
	block   chan struct{} // when set, runs wait until closed
}

func (r *countingRunner) Run(ctx context.Context, tx *domain.Transaction) (*domain.RiskAssessment, error) {
	r.mu.Lock()
	r.runs++
	r.active++
	if r.active > r.maxSeen {
		r.maxSeen = r.active
	}
	block := r.block
	r.mu.Unlock()

	if block != nil {
		<-block
	}

	r.mu.Lock()
	r.active--
	r.mu.Unlock()

	if r.failIDs[tx.ID] {
		return nil, errors.New("scoring failed")
	}
	return &domain.RiskAssessment{TransactionID: tx.ID}, nil
}

// batchRepo records batch updates.
type batchRepo struct {
	mu        sync.Mutex
	batches   map[string]*domain.BatchMetadata
	updates   []domain.BatchMetadata
	createErr error
	updateErr error
}

func newBatchRepo() *batchRepo {
	return &batchRepo{batches: make(map[string]*domain.BatchMetadata)}
}

func (r *batchRepo) CreateBatch(ctx context.Context, b *domain.BatchMetadata) error {
	if r.createErr != nil {
		return r.createErr
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	copied := *b
	r.batches[b.ID] = &copied
	return nil
}

func (r *batchRepo) UpdateBatch(ctx context.Context, b *domain.BatchMetadata) error {
	if r.updateErr != nil {
		return r.updateErr
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	copied := *b
	r.batches[b.ID] = &copied
	r.updates = append(r.updates, copied)
	return nil
}

func (r *batchRepo) GetBatch(ctx context.Context, batchID string) (*domain.BatchMetadata, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.batches[batchID]; ok {
		return b, nil
	}
	return nil, errors.New("not found")
}

// The unused Repository methods below satisfy domain.Repository.
func (r *batchRepo) SaveTransaction(ctx context.Context, tx *domain.Transaction) error { return nil }
func (r *batchRepo) GetTransaction(ctx context.Context, txID string) (*domain.Transaction, error) {
	return nil, errors.New("not found")
}
func (r *batchRepo) GetCustomerTransactions(ctx context.Context, customerID string, since time.Time, limit int) ([]*domain.Transaction, error) {
	return nil, nil
}
func (r *batchRepo) GetTransactionsInRange(ctx context.Context, customerID string, start, end time.Time, limit int) ([]*domain.Transaction, error) {
	return nil, nil
}
func (r *batchRepo) SaveRule(ctx context.Context, rule *domain.RegulatoryRule) error { return nil }
func (r *batchRepo) GetRule(ctx context.Context, ruleID string) (*domain.RegulatoryRule, error) {
	return nil, errors.New("not found")
}
func (r *batchRepo) ListActiveRules(ctx context.Context, jurisdiction string) ([]*domain.RegulatoryRule, error) {
	return nil, nil
}
func (r *batchRepo) UpsertAssessment(ctx context.Context, a *domain.RiskAssessment) error { return nil }
func (r *batchRepo) GetAssessment(ctx context.Context, txID string) (*domain.RiskAssessment, error) {
	return nil, errors.New("not found")
}
func (r *batchRepo) AppendStageLog(ctx context.Context, log *domain.StageLog) error { return nil }
func (r *batchRepo) ListStageLogs(ctx context.Context, txID string) ([]*domain.StageLog, error) {
	return nil, nil
}
func (r *batchRepo) Ping(ctx context.Context) error { return nil }
func (r *batchRepo) Close() error                   { return nil }

func makeTxns(n int) []*domain.Transaction {
	txns := make([]*domain.Transaction, n)
	for i := range txns {
		txns[i] = &domain.Transaction{
			ID:         fmt.Sprintf("tx-%d", i),
			CustomerID: "cust-001",
			Amount:     100,
			Currency:   "HKD",
			Timestamp:  time.Now().UTC(),
		}
	}
	return txns
}

func TestRunBatchCompletes(t *testing.T) {
	repo := newBatchRepo()
	runner := &countingRunner{failIDs: map[string]bool{"tx-3": true, "tx-7": true}}
	c := NewCoordinator(domain.BatchConfig{MaxConcurrency: 4, ProgressInterval: 10}, runner, repo, nil)

	meta, err := c.RunBatch(context.Background(), "batch-001", makeTxns(25))
	if err != nil {
		t.Fatalf("RunBatch failed: %v", err)
	}

	if meta.Status != domain.BatchCompleted {
		t.Errorf("expected COMPLETED, got %s", meta.Status)
	}
	if meta.TotalCount != 25 || meta.ProcessedCount != 25 {
		t.Errorf("expected 25/25 processed, got %d/%d", meta.ProcessedCount, meta.TotalCount)
	}
	if meta.FailedCount != 2 {
		t.Errorf("expected 2 failures, got %d", meta.FailedCount)
	}
	if runner.runs != 25 {
		t.Errorf("expected 25 runs, got %d", runner.runs)
	}
	if meta.CompletedAt.IsZero() {
		t.Error("expected CompletedAt to be set")
	}

	persisted, err := repo.GetBatch(context.Background(), "batch-001")
	if err != nil {
		t.Fatalf("GetBatch failed: %v", err)
	}
	if persisted.Status != domain.BatchCompleted {
		t.Errorf("persisted status %s, want COMPLETED", persisted.Status)
	}
}

func TestRunBatchBoundsConcurrency(t *testing.T) {
	repo := newBatchRepo()
	runner := &countingRunner{block: make(chan struct{})}
	c := NewCoordinator(domain.BatchConfig{MaxConcurrency: 3, ProgressInterval: 10}, runner, repo, nil)

	done := make(chan struct{})
	go func() {
		defer close(done)
		if _, err := c.RunBatch(context.Background(), "batch-002", makeTxns(12)); err != nil {
			t.Errorf("RunBatch failed: %v", err)
		}
	}()

	// Let the pool fill, then release the workers.
	time.Sleep(50 * time.Millisecond)
	close(runner.block)
	<-done

	if runner.maxSeen > 3 {
		t.Errorf("worker pool exceeded limit: saw %d concurrent runs", runner.maxSeen)
	}
	if runner.runs != 12 {
		t.Errorf("expected 12 runs, got %d", runner.runs)
	}
}

func TestRunBatchPersistsProgress(t *testing.T) {
	repo := newBatchRepo()
	runner := &countingRunner{}
	c := NewCoordinator(domain.BatchConfig{MaxConcurrency: 2, ProgressInterval: 10}, runner, repo, nil)

	if _, err := c.RunBatch(context.Background(), "batch-003", makeTxns(25)); err != nil {
		t.Fatalf("RunBatch failed: %v", err)
	}

	// One PROCESSING update, two interval updates (10 and 20), one final.
	var intervalUpdates int
	repo.mu.Lock()
	for _, u := range repo.updates {
		if u.Status == domain.BatchProcessing && u.ProcessedCount > 0 {
			intervalUpdates++
		}
	}
	repo.mu.Unlock()
	if intervalUpdates != 2 {
		t.Errorf("expected 2 interval progress updates, got %d", intervalUpdates)
	}

	// Counts only increase across updates.
	repo.mu.Lock()
	prev := -1
	for _, u := range repo.updates {
		if u.ProcessedCount < prev {
			t.Errorf("processed count decreased: %d after %d", u.ProcessedCount, prev)
		}
		prev = u.ProcessedCount
	}
	repo.mu.Unlock()
}

func TestRunBatchCancellationDrains(t *testing.T) {
	repo := newBatchRepo()
	runner := &countingRunner{block: make(chan struct{})}
	c := NewCoordinator(domain.BatchConfig{MaxConcurrency: 2, ProgressInterval: 10}, runner, repo, nil)

	ctx, cancel := context.WithCancel(context.Background())

	var meta atomic.Pointer[domain.BatchMetadata]
	done := make(chan struct{})
	go func() {
		defer close(done)
		m, err := c.RunBatch(ctx, "batch-004", makeTxns(50))
		if err != nil {
			t.Errorf("cancelled batch must still finalize: %v", err)
		}
		meta.Store(m)
	}()

	// Cancel while the first workers are still blocked, then release.
	time.Sleep(50 * time.Millisecond)
	cancel()
	close(runner.block)
	<-done

	m := meta.Load()
	if m == nil {
		t.Fatal("missing batch metadata")
	}
	if m.Status != domain.BatchCompleted {
		t.Errorf("cancellation is not a coordinator failure, got %s", m.Status)
	}
	if runner.runs >= 50 {
		t.Errorf("expected scheduling to stop after cancel, but all %d ran", runner.runs)
	}
	if m.ProcessedCount != runner.runs {
		t.Errorf("in-flight work must drain: processed %d, ran %d", m.ProcessedCount, runner.runs)
	}
}

func TestRunBatchCoordinatorFailure(t *testing.T) {
	repo := newBatchRepo()
	repo.createErr = errors.New("database unavailable")
	c := NewCoordinator(domain.BatchConfig{}, &countingRunner{}, repo, nil)

	meta, err := c.RunBatch(context.Background(), "batch-005", makeTxns(3))
	if err == nil {
		t.Fatal("expected coordinator-level error")
	}
	if meta.Status != domain.BatchFailed {
		t.Errorf("expected FAILED, got %s", meta.Status)
	}
	if meta.Error == "" {
		t.Error("expected error message on failed batch")
	}
}
