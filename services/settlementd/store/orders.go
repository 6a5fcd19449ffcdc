package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"coopledger/services/settlementd/models"
)

// GetStore loads a member store.
func (s *Store) GetStore(ctx context.Context, id uuid.UUID) (*models.Store, error) {
	var st models.Store
	if err := s.db.WithContext(ctx).First(&st, "id = ?", id).Error; err != nil {
		return nil, notFound(err)
	}
	return &st, nil
}

// GetOrder loads a store order.
func (s *Store) GetOrder(ctx context.Context, id uuid.UUID) (*models.StoreOrder, error) {
	var order models.StoreOrder
	if err := s.db.WithContext(ctx).First(&order, "id = ?", id).Error; err != nil {
		return nil, notFound(err)
	}
	return &order, nil
}

// CompleteOrder moves a PENDING order to COMPLETED.
func (s *Store) CompleteOrder(ctx context.Context, id uuid.UUID, now time.Time) (bool, error) {
	res := s.db.WithContext(ctx).Model(&models.StoreOrder{}).
		Where("id = ? AND status = ?", id, models.OrderPending).
		Updates(map[string]interface{}{
			"status":       models.OrderCompleted,
			"completed_at": now,
		})
	if res.Error != nil {
		return false, fmt.Errorf("store: complete order: %w", res.Error)
	}
	return res.RowsAffected == 1, nil
}

// CountCompletedOrders counts orders completed inside [start, end).
func (s *Store) CountCompletedOrders(ctx context.Context, start, end time.Time) (int64, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(&models.StoreOrder{}).
		Where("status = ? AND completed_at >= ? AND completed_at < ?", models.OrderCompleted, start, end).
		Count(&count).Error
	if err != nil {
		return 0, fmt.Errorf("store: count orders: %w", err)
	}
	return count, nil
}
