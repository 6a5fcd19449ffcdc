package store

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"coopledger/services/settlementd/models"
)

// SaveReconciliationRun appends a run to the history table.
func (s *Store) SaveReconciliationRun(ctx context.Context, run *models.ReconciliationRun) error {
	if run.ID == uuid.Nil {
		run.ID = uuid.New()
	}
	if err := s.db.WithContext(ctx).Create(run).Error; err != nil {
		return fmt.Errorf("store: save reconciliation run: %w", err)
	}
	return nil
}

// RecentReconciliationRuns returns the latest runs, newest first.
func (s *Store) RecentReconciliationRuns(ctx context.Context, limit int) ([]models.ReconciliationRun, error) {
	if limit <= 0 {
		limit = 20
	}
	var runs []models.ReconciliationRun
	if err := s.db.WithContext(ctx).Order("created_at DESC").Limit(limit).Find(&runs).Error; err != nil {
		return nil, fmt.Errorf("store: list reconciliation runs: %w", err)
	}
	return runs, nil
}
