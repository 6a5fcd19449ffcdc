package recon

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"coopledger/services/settlementd/alerts"
	"coopledger/services/settlementd/ledger"
	"coopledger/services/settlementd/ledger/ledgertest"
	"coopledger/services/settlementd/models"
)

func hashFor(label string) string {
	return common.BytesToHash([]byte(label)).Hex()
}

func TestReconcileSCRewardsRepairsAndIsIdempotent(t *testing.T) {
	st := setupReconStore(t)
	chain, backend := chainWithWindow()
	recent := windowEnd.Add(-30 * time.Minute)

	pendingMined := insertReward(t, st, models.RewardStorePurchase, models.RewardPending, 10, nil, recent, hashFor("mined"))
	backend.SetReceipt(common.HexToHash(hashFor("mined")), true, 1)
	failedMined := insertReward(t, st, models.RewardStoreSale, models.RewardFailed, 5, nil, recent, hashFor("late"))
	backend.SetReceipt(common.HexToHash(hashFor("late")), true, 1)
	pendingReverted := insertReward(t, st, models.RewardStorePurchase, models.RewardPending, 10, nil, recent, hashFor("reverted"))
	backend.SetReceipt(common.HexToHash(hashFor("reverted")), false, 1)
	completedMissing := insertReward(t, st, models.RewardStorePurchase, models.RewardCompleted, 10, nil, recent, hashFor("dropped"))
	staleNoHash := insertReward(t, st, models.RewardStorePurchase, models.RewardPending, 10, nil, windowEnd.Add(-3*time.Hour), "")
	freshNoHash := insertReward(t, st, models.RewardStorePurchase, models.RewardPending, 10, nil, recent, "")
	healthy := insertReward(t, st, models.RewardStorePurchase, models.RewardCompleted, 10, nil, recent, hashFor("healthy"))
	backend.SetReceipt(common.HexToHash(hashFor("healthy")), true, 1)

	engine, _ := newEngine(t, st, chain)
	first, err := engine.ReconcileSCRewards(context.Background())
	require.NoError(t, err)
	require.Equal(t, 5, first.FixedCount)
	require.Empty(t, first.Errors)

	expect := map[uuid.UUID]models.RewardStatus{
		pendingMined.ID:     models.RewardCompleted,
		failedMined.ID:      models.RewardCompleted,
		pendingReverted.ID:  models.RewardFailed,
		completedMissing.ID: models.RewardFailed,
		staleNoHash.ID:      models.RewardFailed,
		freshNoHash.ID:      models.RewardPending,
		healthy.ID:          models.RewardCompleted,
	}
	for id, want := range expect {
		row, err := st.GetReward(context.Background(), id)
		require.NoError(t, err)
		require.Equal(t, want, row.Status, id.String())
	}

	// Only status changes; the recorded amounts stay as they were.
	row, err := st.GetReward(context.Background(), pendingMined.ID)
	require.NoError(t, err)
	require.True(t, row.AmountReward.Equal(decimal.NewFromInt(10)))
	require.Nil(t, row.Metadata.Data().ActualAmount)

	second, err := engine.ReconcileSCRewards(context.Background())
	require.NoError(t, err)
	require.Zero(t, second.FixedCount)
}

func TestReconcileSCRewardsLeavesFreshSubmissionsPending(t *testing.T) {
	ctx := context.Background()
	st := setupReconStore(t)
	chain, backend := chainWithWindow()
	engine, _ := newEngine(t, st, chain)
	now := engine.now().UTC()
	fresh := insertReward(t, st, models.RewardStorePurchase, models.RewardPending, 12, nil, now.Add(-10*time.Second), hashFor("in-flight"))
	stale := insertReward(t, st, models.RewardStorePurchase, models.RewardPending, 12, nil, now.Add(-2*time.Hour), hashFor("lost"))

	result, err := engine.ReconcileSCRewards(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, result.FixedCount)

	got, err := st.GetReward(ctx, fresh.ID)
	require.NoError(t, err)
	require.Equal(t, models.RewardPending, got.Status)
	got, err = st.GetReward(ctx, stale.ID)
	require.NoError(t, err)
	require.Equal(t, models.RewardFailed, got.Status)

	// The receipt lands and the issuer records the capped amount it observed.
	backend.SetReceipt(common.HexToHash(hashFor("in-flight")), true, 1)
	actual := decimal.NewFromInt(10)
	settled, err := st.SettleReward(ctx, fresh.ID, models.RewardCompleted, models.RewardMetadata{
		RequestedAmount: decimal.NewFromInt(12),
		ActualAmount:    &actual,
		Capped:          true,
	})
	require.NoError(t, err)
	require.True(t, settled)

	result, err = engine.ReconcileSCRewards(ctx)
	require.NoError(t, err)
	require.Zero(t, result.FixedCount)
	got, err = st.GetReward(ctx, fresh.ID)
	require.NoError(t, err)
	require.Equal(t, models.RewardCompleted, got.Status)
	require.True(t, got.Metadata.Data().ActualAmount.Equal(actual))
}

func TestReconcileSCRewardsSkipsRowsOnRPCError(t *testing.T) {
	st := setupReconStore(t)
	chain, backend := chainWithWindow()
	row := insertReward(t, st, models.RewardStorePurchase, models.RewardPending, 10, nil, windowEnd.Add(-10*time.Minute), hashFor("x"))
	backend.ReceiptErr = errors.New("connection reset")

	engine, _ := newEngine(t, st, chain)
	result, err := engine.ReconcileSCRewards(context.Background())
	require.NoError(t, err)
	require.Zero(t, result.FixedCount)
	require.Len(t, result.Errors, 1)

	got, err := st.GetReward(context.Background(), row.ID)
	require.NoError(t, err)
	require.Equal(t, models.RewardPending, got.Status)
}

func TestRepairRequiresChain(t *testing.T) {
	engine, _ := newEngine(t, setupReconStore(t), nil)
	_, err := engine.ReconcileSCRewards(context.Background())
	require.ErrorIs(t, err, ErrNoChain)
	_, err = engine.ReconcileOnramps(context.Background())
	require.ErrorIs(t, err, ErrNoChain)
}

func insertOnramp(t *testing.T, engine *Engine, status models.OnrampStatus, mintHash string) models.OnrampTransaction {
	t.Helper()
	tx := models.OnrampTransaction{
		ID:                uuid.New(),
		UserID:            "member",
		AmountFiat:        decimal.NewFromInt(25),
		Currency:          "USD",
		AmountToken:       decimal.NewFromInt(25),
		ExternalPaymentID: "pi_" + uuid.NewString(),
		Processor:         models.ProcessorStripe,
		Status:            status,
		MintTxHash:        &mintHash,
	}
	require.NoError(t, engine.store.CreateOnramp(context.Background(), &tx))
	return tx
}

func TestReconcileOnrampsCompletesLandedMints(t *testing.T) {
	st := setupReconStore(t)
	chain, backend := chainWithWindow()
	member := common.HexToAddress("0x0000000000000000000000000000000000000abc")
	require.NoError(t, st.CreateWallet(context.Background(), &models.Wallet{
		ID: uuid.New(), Principal: models.UserPrincipal("member"), Address: member.Hex(), SealedKey: []byte{1},
	}))
	engine, recorder := newEngine(t, st, chain)
	transfer := ledgertest.TransferSingleLog(testToken.Address, common.Address{}, common.Address{}, member, testToken.UCID, units(25))

	landed := insertOnramp(t, engine, models.OnrampPending, hashFor("landed"))
	backend.SetReceipt(common.HexToHash(hashFor("landed")), true, 1, transfer)
	failedLanded := insertOnramp(t, engine, models.OnrampFailed, hashFor("failed-landed"))
	backend.SetReceipt(common.HexToHash(hashFor("failed-landed")), true, 1, transfer)
	reverted := insertOnramp(t, engine, models.OnrampPending, hashFor("reverted"))
	backend.SetReceipt(common.HexToHash(hashFor("reverted")), false, 1)
	wrongAmount := insertOnramp(t, engine, models.OnrampPending, hashFor("wrong"))
	backend.SetReceipt(common.HexToHash(hashFor("wrong")), true, 1,
		ledgertest.TransferSingleLog(testToken.Address, common.Address{}, common.Address{}, member, testToken.UCID, units(1)))
	refunded := insertOnramp(t, engine, models.OnrampRefunded, hashFor("refunded"))
	backend.SetReceipt(common.HexToHash(hashFor("refunded")), true, 1, transfer)

	result, err := engine.ReconcileOnramps(context.Background())
	require.NoError(t, err)
	require.Equal(t, 3, result.FixedCount)

	expect := map[uuid.UUID]models.OnrampStatus{
		landed.ID:       models.OnrampCompleted,
		failedLanded.ID: models.OnrampCompleted,
		reverted.ID:     models.OnrampFailed,
		wrongAmount.ID:  models.OnrampPending,
		refunded.ID:     models.OnrampRefunded,
	}
	for id, want := range expect {
		got, err := st.GetOnramp(context.Background(), id)
		require.NoError(t, err)
		require.Equal(t, want, got.Status, id.String())
	}

	again, err := engine.ReconcileOnramps(context.Background())
	require.NoError(t, err)
	require.Zero(t, again.FixedCount)

	run, err := engine.Run(context.Background(), RunOptions{Start: windowStart, End: windowEnd})
	require.NoError(t, err)
	check := findCheck(t, run, CheckRefundedButMinted)
	require.Equal(t, StatusFail, check.Status)
	require.Contains(t, check.Message, refunded.ID.String())
	require.GreaterOrEqual(t, recorder.Count(alerts.SeverityCritical), 1)
}

func TestGetSCRewardStats(t *testing.T) {
	st := setupReconStore(t)
	chain, backend := chainWithWindow()
	now := windowEnd.Add(5 * time.Minute)
	six := int64(6)
	insertReward(t, st, models.RewardStorePurchase, models.RewardCompleted, 10, &six, now.Add(-time.Hour), "")
	insertReward(t, st, models.RewardStoreSale, models.RewardCompleted, 4, nil, now.Add(-3*24*time.Hour), "")
	insertReward(t, st, models.RewardStoreSale, models.RewardCompleted, 5, nil, now.Add(-30*24*time.Hour), "")
	insertReward(t, st, models.RewardStoreSale, models.RewardFailed, 5, nil, now.Add(-time.Hour), "")
	backend.RespondView("totalSupply", units(15))

	engine, _ := newEngine(t, st, chain)
	stats, err := engine.GetSCRewardStats(context.Background())
	require.NoError(t, err)
	require.True(t, stats.TotalMintedDB.Equal(decimal.NewFromInt(15)), stats.TotalMintedDB.String())
	require.True(t, stats.WeekMinted.Equal(decimal.NewFromInt(10)), stats.WeekMinted.String())
	require.True(t, stats.TodayMinted.Equal(decimal.NewFromInt(6)), stats.TodayMinted.String())
	require.Equal(t, int64(1), stats.Failed)
	require.InDelta(t, 75.0, stats.SuccessRate, 1e-9)
	require.NotNil(t, stats.TotalOnChain)
	require.True(t, stats.TotalOnChain.Equal(decimal.NewFromInt(15)))

	backend.CallErr = errors.New("rpc down")
	stats, err = engine.GetSCRewardStats(context.Background())
	require.NoError(t, err)
	require.Nil(t, stats.TotalOnChain)
	require.Contains(t, stats.ChainError, "rpc down")
}

var _ Chain = (*ledger.Client)(nil)
