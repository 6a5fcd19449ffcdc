package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"coopledger/services/settlementd/models"
)

// CreateOnramp inserts a new purchase intent.
func (s *Store) CreateOnramp(ctx context.Context, tx *models.OnrampTransaction) error {
	if tx.ID == uuid.Nil {
		tx.ID = uuid.New()
	}
	if err := s.db.WithContext(ctx).Create(tx).Error; err != nil {
		return fmt.Errorf("store: create onramp: %w", duplicate(err))
	}
	return nil
}

// GetOnramp loads a purchase by id.
func (s *Store) GetOnramp(ctx context.Context, id uuid.UUID) (*models.OnrampTransaction, error) {
	var tx models.OnrampTransaction
	if err := s.db.WithContext(ctx).First(&tx, "id = ?", id).Error; err != nil {
		return nil, notFound(err)
	}
	return &tx, nil
}

// GetOnrampByExternalID loads a purchase by the processor's payment intent id.
func (s *Store) GetOnrampByExternalID(ctx context.Context, externalID string) (*models.OnrampTransaction, error) {
	var tx models.OnrampTransaction
	if err := s.db.WithContext(ctx).First(&tx, "external_payment_id = ?", externalID).Error; err != nil {
		return nil, notFound(err)
	}
	return &tx, nil
}

// mintable lists the states a purchase may be minted from. A FAILED row is
// mintable only while nothing has claimed it, which is the case when the
// processor reported a failure before a later success.
var mintable = []models.OnrampStatus{models.OnrampPending, models.OnrampFailed}

// ClaimMint takes the single mint slot for a pending purchase, or for one the
// processor failed without a mint attempt. It reports false when another
// delivery already holds the claim or the row is no longer mintable.
func (s *Store) ClaimMint(ctx context.Context, id uuid.UUID, now time.Time) (bool, error) {
	res := s.db.WithContext(ctx).Model(&models.OnrampTransaction{}).
		Where("id = ? AND status IN ? AND mint_claimed_at IS NULL", id, mintable).
		Where("(failure_reason IS NULL OR failure_reason NOT LIKE ?)", models.ManualInterventionPrefix+"%").
		Update("mint_claimed_at", now)
	if res.Error != nil {
		return false, fmt.Errorf("store: claim mint: %w", res.Error)
	}
	return res.RowsAffected == 1, nil
}

// RecordMintSubmission stores the mint hash as soon as it is known so that a
// crash before confirmation can still be reconciled from the chain.
func (s *Store) RecordMintSubmission(ctx context.Context, id uuid.UUID, txHash string) error {
	res := s.db.WithContext(ctx).Model(&models.OnrampTransaction{}).
		Where("id = ? AND status IN ? AND mint_claimed_at IS NOT NULL", id, mintable).
		Update("mint_tx_hash", txHash)
	if res.Error != nil {
		return fmt.Errorf("store: record mint hash: %w", res.Error)
	}
	return nil
}

// CompleteOnramp moves a claimed purchase to COMPLETED. A processor failure
// recorded before the mint is cleared.
func (s *Store) CompleteOnramp(ctx context.Context, id uuid.UUID, txHash, chargeID string, now time.Time) (bool, error) {
	updates := map[string]interface{}{
		"status":         models.OnrampCompleted,
		"mint_tx_hash":   txHash,
		"completed_at":   now,
		"failure_reason": nil,
		"failed_at":      nil,
	}
	if chargeID != "" {
		updates["processor_charge_id"] = chargeID
	}
	return s.transitionOnramp(ctx, id, mintable, updates, claimedRows)
}

// FailOnramp records a failure. With unclaimedOnly set it is the processor's
// own failure report: only a PENDING row moves and the update is skipped while
// a mint is in flight. Otherwise it is the mint holder failing its claim, which
// may start from PENDING or an earlier processor failure.
func (s *Store) FailOnramp(ctx context.Context, id uuid.UUID, reason, chargeID string, now time.Time, unclaimedOnly bool) (bool, error) {
	updates := map[string]interface{}{
		"status":         models.OnrampFailed,
		"failure_reason": reason,
		"failed_at":      now,
	}
	if chargeID != "" {
		updates["processor_charge_id"] = chargeID
	}
	if unclaimedOnly {
		return s.transitionOnramp(ctx, id, []models.OnrampStatus{models.OnrampPending}, updates, unclaimedRows)
	}
	return s.transitionOnramp(ctx, id, mintable, updates, anyRows)
}

// RefundOnramp moves a FAILED purchase to REFUNDED.
func (s *Store) RefundOnramp(ctx context.Context, id uuid.UUID, refundID string, now time.Time) (bool, error) {
	return s.transitionOnramp(ctx, id, []models.OnrampStatus{models.OnrampFailed}, map[string]interface{}{
		"status":      models.OnrampRefunded,
		"refund_id":   refundID,
		"refunded_at": now,
	}, anyRows)
}

// FlagManualIntervention rewrites the failure reason of a FAILED purchase with
// the manual intervention prefix.
func (s *Store) FlagManualIntervention(ctx context.Context, id uuid.UUID, reason string) (bool, error) {
	return s.transitionOnramp(ctx, id, []models.OnrampStatus{models.OnrampFailed}, map[string]interface{}{
		"failure_reason": models.ManualInterventionPrefix + reason,
	}, anyRows)
}

// claimFilter narrows a transition by the state of the mint claim.
type claimFilter int

const (
	anyRows claimFilter = iota
	unclaimedRows
	claimedRows
)

func (s *Store) transitionOnramp(ctx context.Context, id uuid.UUID, from []models.OnrampStatus, updates map[string]interface{}, claim claimFilter) (bool, error) {
	q := s.db.WithContext(ctx).Model(&models.OnrampTransaction{}).Where("id = ? AND status IN ?", id, from)
	switch claim {
	case unclaimedRows:
		q = q.Where("mint_claimed_at IS NULL")
	case claimedRows:
		q = q.Where("mint_claimed_at IS NOT NULL")
	}
	res := q.Updates(updates)
	if res.Error != nil {
		return false, fmt.Errorf("store: onramp %v transition: %w", from, res.Error)
	}
	return res.RowsAffected == 1, nil
}

// ListOnrampsWithMintHash returns purchases in the given statuses that carry a
// mint hash.
func (s *Store) ListOnrampsWithMintHash(ctx context.Context, statuses ...models.OnrampStatus) ([]models.OnrampTransaction, error) {
	var rows []models.OnrampTransaction
	err := s.db.WithContext(ctx).
		Where("status IN ? AND mint_tx_hash IS NOT NULL AND mint_tx_hash <> ''", statuses).
		Order("created_at ASC").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("store: list onramps: %w", err)
	}
	return rows, nil
}

// CountStaleOnrampClaims counts purchases whose mint was claimed before the
// cutoff but which are still PENDING.
func (s *Store) CountStaleOnrampClaims(ctx context.Context, before time.Time) (int64, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(&models.OnrampTransaction{}).
		Where("status = ? AND mint_claimed_at IS NOT NULL AND mint_claimed_at < ?", models.OnrampPending, before).
		Count(&count).Error
	if err != nil {
		return 0, fmt.Errorf("store: count stale onramps: %w", err)
	}
	return count, nil
}

// CountManualInterventions counts FAILED purchases carrying the manual flag.
func (s *Store) CountManualInterventions(ctx context.Context) (int64, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(&models.OnrampTransaction{}).
		Where("status = ? AND failure_reason LIKE ?", models.OnrampFailed, models.ManualInterventionPrefix+"%").
		Count(&count).Error
	if err != nil {
		return 0, fmt.Errorf("store: count manual interventions: %w", err)
	}
	return count, nil
}

// RepairOnrampStatus corrects a purchase row found in status observed. Only the
// status and its timestamp change.
func (s *Store) RepairOnrampStatus(ctx context.Context, id uuid.UUID, observed, target models.OnrampStatus, now time.Time) (bool, error) {
	if observed.Terminal() {
		return false, fmt.Errorf("store: refusing to repair terminal onramp %s", id)
	}
	updates := map[string]interface{}{"status": target}
	switch target {
	case models.OnrampCompleted:
		updates["completed_at"] = now
	case models.OnrampFailed:
		updates["failed_at"] = now
	default:
		return false, fmt.Errorf("store: invalid onramp repair target %s", target)
	}
	return s.transitionOnramp(ctx, id, []models.OnrampStatus{observed}, updates, anyRows)
}
