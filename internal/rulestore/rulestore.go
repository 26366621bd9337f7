// Package rulestore serves active regulatory rules per jurisdiction,
// with a cache in front of the repository.
package rulestore

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

const ruleKeyPrefix = "kestrel:rules:"

// Store implements domain.RuleStore over the repository, caching the
// active rule set per jurisdiction. Cache problems degrade to direct
// repository reads; only a repository failure is reported.
type Store struct {
	repo  domain.Repository
	cache domain.Cache
	ttl   time.Duration
}

// NewStore creates a rule store. The cache may be nil.
func NewStore(repo domain.Repository, cache domain.Cache, ttl time.Duration) *Store {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &Store{repo: repo, cache: cache, ttl: ttl}
}

// ActiveRules returns the enabled rules for a jurisdiction, ordered by
// priority descending.
func (s *Store) ActiveRules(ctx context.Context, jurisdiction string) ([]*domain.RegulatoryRule, error) {
	key := cacheKey(jurisdiction)

	if s.cache != nil {
		if data, err := s.cache.Get(ctx, key); err == nil && data != nil {
			var cached []*domain.RegulatoryRule
			if err := json.Unmarshal(data, &cached); err == nil {
				return cached, nil
			}
			// Corrupt cache entry; drop it and reload.
			_ = s.cache.Delete(ctx, key)
		}
	}

	rules, err := s.repo.ListActiveRules(ctx, jurisdiction)
	if err != nil {
		return nil, fmt.Errorf("load active rules for %s: %w", jurisdiction, err)
	}

	if s.cache != nil {
		if data, err := json.Marshal(rules); err == nil {
			if err := s.cache.Set(ctx, key, data, s.ttl); err != nil {
				slog.Warn("failed to cache rule set",
					"jurisdiction", jurisdiction,
					"error", err,
				)
			}
		}
	}

	return rules, nil
}

// SaveRule persists a rule and invalidates its jurisdiction's cached
// rule set so the next lookup sees it.
func (s *Store) SaveRule(ctx context.Context, rule *domain.RegulatoryRule) error {
	if err := s.repo.SaveRule(ctx, rule); err != nil {
		return err
	}
	s.Invalidate(ctx, rule.Jurisdiction)
	return nil
}

// Invalidate drops the cached rule set for a jurisdiction.
func (s *Store) Invalidate(ctx context.Context, jurisdiction string) {
	if s.cache == nil {
		return
	}
	if err := s.cache.Delete(ctx, cacheKey(jurisdiction)); err != nil {
		slog.Warn("failed to invalidate rule cache",
			"jurisdiction", jurisdiction,
			"error", err,
		)
	}
}

func cacheKey(jurisdiction string) string {
	return ruleKeyPrefix + strings.ToUpper(jurisdiction)
}
