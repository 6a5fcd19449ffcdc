package store

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"coopledger/services/settlementd/models"
)

// GetWallet loads the custodial wallet for a principal.
func (s *Store) GetWallet(ctx context.Context, principal string) (*models.Wallet, error) {
	var wallet models.Wallet
	if err := s.db.WithContext(ctx).First(&wallet, "principal = ?", principal).Error; err != nil {
		return nil, notFound(err)
	}
	return &wallet, nil
}

// CreateWallet stores a sealed custodial key.
func (s *Store) CreateWallet(ctx context.Context, wallet *models.Wallet) error {
	if wallet.ID == uuid.Nil {
		wallet.ID = uuid.New()
	}
	if err := s.db.WithContext(ctx).Create(wallet).Error; err != nil {
		return fmt.Errorf("store: create wallet: %w", duplicate(err))
	}
	return nil
}
