// Package history serves customer transaction history to the
// behavioral detector and maintains the velocity fast-path counters.
package history

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

const velocityKeyPrefix = "kestrel:velocity:"

// Store implements domain.HistoryStore over the repository.
type Store struct {
	repo  domain.Repository
	cache domain.Cache
}

// NewStore creates a history store. The cache may be nil; it only
// serves the velocity counters, never the history reads themselves.
func NewStore(repo domain.Repository, cache domain.Cache) *Store {
	return &Store{repo: repo, cache: cache}
}

// CustomerHistory returns the customer's transactions within the
// window, newest first.
func (s *Store) CustomerHistory(ctx context.Context, customerID string, windowDays, limit int) ([]*domain.Transaction, error) {
	if windowDays <= 0 {
		windowDays = 30
	}
	since := time.Now().UTC().AddDate(0, 0, -windowDays)

	txns, err := s.repo.GetCustomerTransactions(ctx, customerID, since, limit)
	if err != nil {
		return nil, fmt.Errorf("%w: customer history for %s: %v", domain.ErrCollaboratorUnavailable, customerID, err)
	}
	return txns, nil
}

// TransactionsInRange returns the customer's transactions between start
// and end, newest first.
func (s *Store) TransactionsInRange(ctx context.Context, customerID string, start, end time.Time, limit int) ([]*domain.Transaction, error) {
	txns, err := s.repo.GetTransactionsInRange(ctx, customerID, start, end, limit)
	if err != nil {
		return nil, fmt.Errorf("%w: transaction range for %s: %v", domain.ErrCollaboratorUnavailable, customerID, err)
	}
	return txns, nil
}

// Record persists an incoming transaction and bumps the customer's
// 24-hour velocity counter. The counter is an operational signal only;
// detection reads the persisted history.
func (s *Store) Record(ctx context.Context, tx *domain.Transaction) error {
	if err := s.repo.SaveTransaction(ctx, tx); err != nil {
		return fmt.Errorf("save transaction %s: %w", tx.ID, err)
	}

	if s.cache != nil {
		count, err := s.cache.IncrementCounter(ctx, velocityKeyPrefix+tx.CustomerID, 24*time.Hour)
		if err != nil {
			slog.Warn("failed to bump velocity counter",
				"customer_id", tx.CustomerID,
				"error", err,
			)
		} else {
			slog.Debug("velocity counter",
				"customer_id", tx.CustomerID,
				"count_24h", count,
			)
		}
	}

	return nil
}
