package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"coopledger/services/settlementd/models"
)

// RewardFilter narrows reward aggregates. Zero values are ignored; the window
// is half open [Start, End).
type RewardFilter struct {
	Reasons  []models.RewardReason
	Statuses []models.RewardStatus
	Start    time.Time
	End      time.Time
}

func (f RewardFilter) apply(q *gorm.DB) *gorm.DB {
	if len(f.Reasons) > 0 {
		q = q.Where("reason IN ?", f.Reasons)
	}
	if len(f.Statuses) > 0 {
		q = q.Where("status IN ?", f.Statuses)
	}
	if !f.Start.IsZero() {
		q = q.Where("created_at >= ?", f.Start)
	}
	if !f.End.IsZero() {
		q = q.Where("created_at < ?", f.End)
	}
	return q
}

// CreateReward inserts a PENDING reward row.
func (s *Store) CreateReward(ctx context.Context, reward *models.SCRewardTransaction) error {
	if reward.ID == uuid.Nil {
		reward.ID = uuid.New()
	}
	if reward.Status == "" {
		reward.Status = models.RewardPending
	}
	if err := s.db.WithContext(ctx).Create(reward).Error; err != nil {
		return fmt.Errorf("store: create reward: %w", err)
	}
	return nil
}

// GetReward loads a reward row.
func (s *Store) GetReward(ctx context.Context, id uuid.UUID) (*models.SCRewardTransaction, error) {
	var reward models.SCRewardTransaction
	if err := s.db.WithContext(ctx).First(&reward, "id = ?", id).Error; err != nil {
		return nil, notFound(err)
	}
	return &reward, nil
}

// RecordRewardSubmission stores the reward mint hash for a PENDING row.
func (s *Store) RecordRewardSubmission(ctx context.Context, id uuid.UUID, txHash string) error {
	res := s.db.WithContext(ctx).Model(&models.SCRewardTransaction{}).
		Where("id = ? AND status = ?", id, models.RewardPending).
		Update("tx_hash", txHash)
	if res.Error != nil {
		return fmt.Errorf("store: record reward hash: %w", res.Error)
	}
	return nil
}

// SettleReward moves a PENDING reward to COMPLETED or FAILED with updated metadata.
func (s *Store) SettleReward(ctx context.Context, id uuid.UUID, status models.RewardStatus, meta models.RewardMetadata) (bool, error) {
	if status != models.RewardCompleted && status != models.RewardFailed {
		return false, fmt.Errorf("store: invalid reward settlement status %s", status)
	}
	res := s.db.WithContext(ctx).Model(&models.SCRewardTransaction{}).
		Where("id = ? AND status = ?", id, models.RewardPending).
		Updates(map[string]interface{}{
			"status":   status,
			"metadata": datatypes.NewJSONType(meta),
		})
	if res.Error != nil {
		return false, fmt.Errorf("store: settle reward: %w", res.Error)
	}
	return res.RowsAffected == 1, nil
}

// CountRewards counts reward rows matching the filter.
func (s *Store) CountRewards(ctx context.Context, f RewardFilter) (int64, error) {
	var count int64
	if err := f.apply(s.db.WithContext(ctx).Model(&models.SCRewardTransaction{})).Count(&count).Error; err != nil {
		return 0, fmt.Errorf("store: count rewards: %w", err)
	}
	return count, nil
}

// CountRewardsByStatus groups matching rows by status.
func (s *Store) CountRewardsByStatus(ctx context.Context, f RewardFilter) (map[models.RewardStatus]int64, error) {
	var rows []struct {
		Status models.RewardStatus
		Count  int64
	}
	err := f.apply(s.db.WithContext(ctx).Model(&models.SCRewardTransaction{})).
		Select("status, COUNT(*) AS count").
		Group("status").
		Scan(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("store: group rewards: %w", err)
	}
	out := make(map[models.RewardStatus]int64, len(rows))
	for _, row := range rows {
		out[row.Status] = row.Count
	}
	return out, nil
}

// SumRewards totals the effective amount (actual when known, else requested)
// of matching rows. The actual amount lives in JSON metadata, so the sum is
// taken in Go rather than SQL.
func (s *Store) SumRewards(ctx context.Context, f RewardFilter) (decimal.Decimal, error) {
	total := decimal.Zero
	var batch []models.SCRewardTransaction
	err := f.apply(s.db.WithContext(ctx).Model(&models.SCRewardTransaction{})).
		FindInBatches(&batch, 500, func(tx *gorm.DB, _ int) error {
			for _, row := range batch {
				total = total.Add(row.EffectiveAmount())
			}
			return nil
		}).Error
	if err != nil {
		return decimal.Zero, fmt.Errorf("store: sum rewards: %w", err)
	}
	return total, nil
}

// CountStalePendingRewards counts PENDING reward rows created before the cutoff.
func (s *Store) CountStalePendingRewards(ctx context.Context, before time.Time) (int64, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(&models.SCRewardTransaction{}).
		Where("status = ? AND created_at < ?", models.RewardPending, before).
		Count(&count).Error
	if err != nil {
		return 0, fmt.Errorf("store: count stale rewards: %w", err)
	}
	return count, nil
}

// ListRewardRepairCandidates returns PENDING and FAILED rows plus COMPLETED rows
// created since completedSince.
func (s *Store) ListRewardRepairCandidates(ctx context.Context, completedSince time.Time) ([]models.SCRewardTransaction, error) {
	var rows []models.SCRewardTransaction
	err := s.db.WithContext(ctx).
		Where("status IN ? OR (status = ? AND created_at >= ?)",
			[]models.RewardStatus{models.RewardPending, models.RewardFailed},
			models.RewardCompleted, completedSince).
		Order("created_at ASC").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("store: list reward repair candidates: %w", err)
	}
	return rows, nil
}

// RepairRewardStatus corrects one reward row inside its own transaction. The row
// is re-read under lock and only updated when it is still in status observed,
// so a repeated pass is a no-op.
func (s *Store) RepairRewardStatus(ctx context.Context, id uuid.UUID, observed, target models.RewardStatus) (bool, error) {
	if observed == target {
		return false, nil
	}
	fixed := false
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var row models.SCRewardTransaction
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&row, "id = ?", id).Error; err != nil {
			return notFound(err)
		}
		if row.Status != observed {
			return nil
		}
		res := tx.Model(&models.SCRewardTransaction{}).
			Where("id = ? AND status = ?", id, observed).
			Update("status", target)
		if res.Error != nil {
			return res.Error
		}
		fixed = res.RowsAffected == 1
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return false, err
		}
		return false, fmt.Errorf("store: repair reward %s: %w", id, err)
	}
	return fixed, nil
}
