package store

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"coopledger/services/settlementd/models"
)

func setupTestStore(t *testing.T) *Store {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := models.AutoMigrate(db); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return New(db)
}

func newPendingOnramp(t *testing.T, s *Store, external string) *models.OnrampTransaction {
	t.Helper()
	tx := &models.OnrampTransaction{
		UserID:            "member-1",
		AmountFiat:        decimal.NewFromInt(50),
		Currency:          "USD",
		AmountToken:       decimal.NewFromInt(50),
		ExternalPaymentID: external,
		Processor:         models.ProcessorStripe,
		Status:            models.OnrampPending,
	}
	require.NoError(t, s.CreateOnramp(context.Background(), tx))
	return tx
}

func TestCreateOnrampRejectsDuplicateIntent(t *testing.T) {
	s := setupTestStore(t)
	newPendingOnramp(t, s, "pi_dup")

	err := s.CreateOnramp(context.Background(), &models.OnrampTransaction{
		UserID:            "member-2",
		AmountFiat:        decimal.NewFromInt(10),
		Currency:          "USD",
		AmountToken:       decimal.NewFromInt(10),
		ExternalPaymentID: "pi_dup",
		Processor:         models.ProcessorStripe,
		Status:            models.OnrampPending,
	})
	require.ErrorIs(t, err, ErrDuplicate)
}

func TestClaimMintIsExclusive(t *testing.T) {
	ctx := context.Background()
	s := setupTestStore(t)
	tx := newPendingOnramp(t, s, "pi_claim")
	now := time.Now().UTC()

	ok, err := s.ClaimMint(ctx, tx.ID, now)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = s.ClaimMint(ctx, tx.ID, now)
	require.NoError(t, err)
	require.False(t, ok, "second claim must lose")

	// A payment_failed notification must not override an in-flight mint.
	failed, err := s.FailOnramp(ctx, tx.ID, "card declined", "", now, true)
	require.NoError(t, err)
	require.False(t, failed)
}

func TestOnrampTransitionsOnlyFromExpectedStatus(t *testing.T) {
	ctx := context.Background()
	s := setupTestStore(t)
	tx := newPendingOnramp(t, s, "pi_flow")
	now := time.Now().UTC()

	ok, err := s.RefundOnramp(ctx, tx.ID, "re_1", now)
	require.NoError(t, err)
	require.False(t, ok, "refund requires FAILED")

	ok, err = s.FailOnramp(ctx, tx.ID, "mint reverted", "ch_1", now, false)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = s.CompleteOnramp(ctx, tx.ID, "0xabc", "ch_1", now)
	require.NoError(t, err)
	require.False(t, ok, "a row nobody claimed cannot complete through settlement")

	ok, err = s.RefundOnramp(ctx, tx.ID, "re_1", now)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = s.RefundOnramp(ctx, tx.ID, "re_2", now)
	require.NoError(t, err)
	require.False(t, ok, "refund must not be recorded twice")

	got, err := s.GetOnramp(ctx, tx.ID)
	require.NoError(t, err)
	require.Equal(t, models.OnrampRefunded, got.Status)
	require.Equal(t, "re_1", *got.RefundID)
	require.Equal(t, "mint reverted", *got.FailureReason)
}

func TestProcessorFailedOnrampCanStillBeMinted(t *testing.T) {
	ctx := context.Background()
	s := setupTestStore(t)
	tx := newPendingOnramp(t, s, "pi_late")
	now := time.Now().UTC()

	ok, err := s.FailOnramp(ctx, tx.ID, "card declined", "", now, true)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = s.ClaimMint(ctx, tx.ID, now)
	require.NoError(t, err)
	require.True(t, ok, "a processor failure leaves the mint slot open")

	ok, err = s.ClaimMint(ctx, tx.ID, now)
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, s.RecordMintSubmission(ctx, tx.ID, "0xabc"))
	ok, err = s.CompleteOnramp(ctx, tx.ID, "0xabc", "ch_1", now)
	require.NoError(t, err)
	require.True(t, ok)

	got, err := s.GetOnramp(ctx, tx.ID)
	require.NoError(t, err)
	require.Equal(t, models.OnrampCompleted, got.Status)
	require.Nil(t, got.FailureReason)
	require.Nil(t, got.FailedAt)
	require.Equal(t, "0xabc", *got.MintTxHash)
}

func TestClaimedOrFlaggedFailuresStayClosed(t *testing.T) {
	ctx := context.Background()
	s := setupTestStore(t)
	now := time.Now().UTC()

	minted := newPendingOnramp(t, s, "pi_reverted")
	ok, err := s.ClaimMint(ctx, minted.ID, now)
	require.NoError(t, err)
	require.True(t, ok)
	ok, err = s.FailOnramp(ctx, minted.ID, "mint reverted", "", now, false)
	require.NoError(t, err)
	require.True(t, ok)
	ok, err = s.ClaimMint(ctx, minted.ID, now)
	require.NoError(t, err)
	require.False(t, ok, "a failed mint attempt is never retried")

	flagged := newPendingOnramp(t, s, "pi_flagged")
	_, err = s.FailOnramp(ctx, flagged.ID, "timeout", "", now, false)
	require.NoError(t, err)
	ok, err = s.FlagManualIntervention(ctx, flagged.ID, "refund failed")
	require.NoError(t, err)
	require.True(t, ok)
	ok, err = s.ClaimMint(ctx, flagged.ID, now)
	require.NoError(t, err)
	require.False(t, ok, "flagged purchases wait for an operator")
}

func TestFlagManualIntervention(t *testing.T) {
	ctx := context.Background()
	s := setupTestStore(t)
	tx := newPendingOnramp(t, s, "pi_manual")
	now := time.Now().UTC()

	_, err := s.FailOnramp(ctx, tx.ID, "timeout", "", now, false)
	require.NoError(t, err)
	ok, err := s.FlagManualIntervention(ctx, tx.ID, "timeout; refund failed: 502")
	require.NoError(t, err)
	require.True(t, ok)

	got, err := s.GetOnramp(ctx, tx.ID)
	require.NoError(t, err)
	require.True(t, got.NeedsManualIntervention())

	count, err := s.CountManualInterventions(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 1, count)
}

func TestGetOnrampNotFound(t *testing.T) {
	s := setupTestStore(t)
	_, err := s.GetOnrampByExternalID(context.Background(), "pi_missing")
	require.True(t, errors.Is(err, ErrNotFound))
}

func TestSumRewardsPrefersActualAmount(t *testing.T) {
	ctx := context.Background()
	s := setupTestStore(t)
	actual := decimal.NewFromInt(6)

	capped := &models.SCRewardTransaction{
		UserID:       "buyer",
		AmountReward: decimal.NewFromInt(10),
		Reason:       models.RewardStorePurchase,
		Status:       models.RewardCompleted,
		Metadata: datatypes.NewJSONType(models.RewardMetadata{
			RequestedAmount: decimal.NewFromInt(10),
			ActualAmount:    &actual,
			Capped:          true,
		}),
	}
	plain := &models.SCRewardTransaction{
		UserID:       "seller",
		AmountReward: decimal.NewFromInt(4),
		Reason:       models.RewardStoreSale,
		Status:       models.RewardCompleted,
		Metadata:     datatypes.NewJSONType(models.RewardMetadata{RequestedAmount: decimal.NewFromInt(4)}),
	}
	require.NoError(t, s.CreateReward(ctx, capped))
	require.NoError(t, s.CreateReward(ctx, plain))

	total, err := s.SumRewards(ctx, RewardFilter{Statuses: []models.RewardStatus{models.RewardCompleted}})
	require.NoError(t, err)
	require.True(t, total.Equal(decimal.NewFromInt(10)), "got %s", total)

	byStatus, err := s.CountRewardsByStatus(ctx, RewardFilter{})
	require.NoError(t, err)
	require.EqualValues(t, 2, byStatus[models.RewardCompleted])
}

func TestRepairRewardStatusIsIdempotent(t *testing.T) {
	ctx := context.Background()
	s := setupTestStore(t)
	reward := &models.SCRewardTransaction{
		UserID:       "buyer",
		AmountReward: decimal.NewFromInt(3),
		Reason:       models.RewardStorePurchase,
		Metadata:     datatypes.NewJSONType(models.RewardMetadata{RequestedAmount: decimal.NewFromInt(3)}),
	}
	require.NoError(t, s.CreateReward(ctx, reward))

	fixed, err := s.RepairRewardStatus(ctx, reward.ID, models.RewardPending, models.RewardCompleted)
	require.NoError(t, err)
	require.True(t, fixed)

	fixed, err = s.RepairRewardStatus(ctx, reward.ID, models.RewardPending, models.RewardCompleted)
	require.NoError(t, err)
	require.False(t, fixed)

	got, err := s.GetReward(ctx, reward.ID)
	require.NoError(t, err)
	require.Equal(t, models.RewardCompleted, got.Status)
	require.True(t, got.AmountReward.Equal(decimal.NewFromInt(3)))
}

func TestCountCompletedOrdersWindow(t *testing.T) {
	ctx := context.Background()
	s := setupTestStore(t)
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	storeID := uuid.New()
	for i, offset := range []time.Duration{-2 * time.Hour, -30 * time.Minute, -10 * time.Minute} {
		order := models.StoreOrder{
			ID:          uuid.New(),
			StoreID:     storeID,
			BuyerID:     fmt.Sprintf("buyer-%d", i),
			AmountSpent: decimal.NewFromInt(20),
			Status:      models.OrderPending,
		}
		require.NoError(t, s.DB().Create(&order).Error)
		ok, err := s.CompleteOrder(ctx, order.ID, base.Add(offset))
		require.NoError(t, err)
		require.True(t, ok)
	}

	count, err := s.CountCompletedOrders(ctx, base.Add(-time.Hour), base)
	require.NoError(t, err)
	require.EqualValues(t, 2, count)
}
