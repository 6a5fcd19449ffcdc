package recon

import (
	"context"
	"encoding/csv"
	"fmt"
	"math/big"
	"os"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"coopledger/services/settlementd/alerts"
	"coopledger/services/settlementd/ledger"
	"coopledger/services/settlementd/ledger/ledgertest"
	"coopledger/services/settlementd/models"
	"coopledger/services/settlementd/store"
)

var (
	windowStart = time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	windowEnd   = windowStart.Add(time.Hour)
	testToken   = ledger.Token{
		Address:  common.HexToAddress("0x00000000000000000000000000000000000c0de3"),
		UCID:     big.NewInt(1),
		SCID:     big.NewInt(2),
		Decimals: 18,
	}
)

func setupReconStore(t *testing.T) *store.Store {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("sqlite open: %v", err)
	}
	if err := models.AutoMigrate(db); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return store.New(db)
}

func newEngine(t *testing.T, st *store.Store, chain Chain, mutate ...func(*Config)) (*Engine, *alerts.Recorder) {
	t.Helper()
	recorder := &alerts.Recorder{}
	cfg := Config{
		Store:  st,
		Chain:  chain,
		Alerts: recorder,
		Now:    func() time.Time { return windowEnd.Add(5 * time.Minute) },
	}
	for _, m := range mutate {
		m(&cfg)
	}
	engine, err := NewEngine(cfg)
	require.NoError(t, err)
	return engine, recorder
}

// chainWithWindow returns a ledger client whose block 1 falls inside the test
// window and block 2 after it.
func chainWithWindow() (*ledger.Client, *ledgertest.Backend) {
	backend := ledgertest.NewBackend()
	backend.AddBlock(uint64(windowStart.Add(time.Minute).Unix()))
	backend.AddBlock(uint64(windowEnd.Add(time.Minute).Unix()))
	return ledger.NewClient(backend, testToken), backend
}

func units(v int64) *big.Int {
	return testToken.ToBaseUnits(decimal.NewFromInt(v))
}

func rewardIssued(backend *ledgertest.Backend, reason models.RewardReason, requested, actual int64, n int) {
	logs := make([]types.Log, 0, n)
	for i := 0; i < n; i++ {
		lg := ledgertest.RewardIssuedLog(testToken.Address, common.HexToAddress("0x01"), units(requested), units(actual), reason.Code(), ledger.RefHash(uuid.New()))
		lg.Index = uint(i)
		logs = append(logs, lg)
	}
	backend.SetReceipt(common.Hash(ledger.RefHash(uuid.New())), true, 1, logs...)
}

func completedOrders(t *testing.T, st *store.Store, n int) {
	t.Helper()
	completedAt := windowStart.Add(10 * time.Minute)
	orders := make([]models.StoreOrder, 0, n)
	for i := 0; i < n; i++ {
		orders = append(orders, models.StoreOrder{
			ID:          uuid.New(),
			StoreID:     uuid.New(),
			BuyerID:     "buyer",
			AmountSpent: decimal.NewFromInt(10),
			Status:      models.OrderCompleted,
			CompletedAt: &completedAt,
		})
	}
	require.NoError(t, st.DB().CreateInBatches(orders, 50).Error)
}

func insertReward(t *testing.T, st *store.Store, reason models.RewardReason, status models.RewardStatus, requested int64, actual *int64, createdAt time.Time, txHash string) models.SCRewardTransaction {
	t.Helper()
	meta := models.RewardMetadata{RequestedAmount: decimal.NewFromInt(requested)}
	if actual != nil {
		a := decimal.NewFromInt(*actual)
		meta.ActualAmount = &a
		meta.Capped = *actual < requested
	}
	row := models.SCRewardTransaction{
		ID:           uuid.New(),
		UserID:       "member",
		AmountReward: decimal.NewFromInt(requested),
		Reason:       reason,
		Status:       status,
		Metadata:     datatypes.NewJSONType(meta),
		CreatedAt:    createdAt,
	}
	if txHash != "" {
		row.TxHash = &txHash
	}
	require.NoError(t, st.CreateReward(context.Background(), &row))
	return row
}

func findCheck(t *testing.T, result *Result, name string) Check {
	t.Helper()
	for _, c := range result.Checks {
		if c.Name == name {
			return c
		}
	}
	t.Fatalf("check %s missing from %+v", name, result.Checks)
	return Check{}
}

func TestDriftPct(t *testing.T) {
	require.Equal(t, 0.0, DriftPct(0, 0))
	require.Equal(t, 100.0, DriftPct(0, 3))
	require.Equal(t, 10.0, DriftPct(100, 90))
	require.Equal(t, 10.0, DriftPct(100, 110))
}

func TestPurchaseCountDriftWarns(t *testing.T) {
	st := setupReconStore(t)
	chain, backend := chainWithWindow()
	completedOrders(t, st, 100)
	rewardIssued(backend, models.RewardStorePurchase, 1, 1, 90)
	rewardIssued(backend, models.RewardStoreSale, 1, 1, 5)

	engine, recorder := newEngine(t, st, chain)
	result, err := engine.Run(context.Background(), RunOptions{Start: windowStart, End: windowEnd})
	require.NoError(t, err)
	require.False(t, result.Partial)

	check := findCheck(t, result, CheckPurchaseCount)
	require.Equal(t, StatusWarn, check.Status)
	require.Equal(t, 100.0, check.Expected)
	require.Equal(t, 90.0, check.Actual)
	require.InDelta(t, 10.0, check.DriftPct, 1e-9)
	require.Equal(t, 5.0, check.ThresholdPct)
	require.GreaterOrEqual(t, recorder.Count(alerts.SeverityWarning), 1)
}

func TestPurchaseCountFallsBackToDatabase(t *testing.T) {
	st := setupReconStore(t)
	completedOrders(t, st, 4)
	for i := 0; i < 4; i++ {
		insertReward(t, st, models.RewardStorePurchase, models.RewardCompleted, 1, nil, windowStart.Add(time.Minute), "")
	}
	engine, _ := newEngine(t, st, nil)
	result, err := engine.Run(context.Background(), RunOptions{Start: windowStart, End: windowEnd})
	require.NoError(t, err)
	check := findCheck(t, result, CheckPurchaseCount)
	require.Equal(t, StatusPass, check.Status)
	require.Contains(t, check.Message, "database")
}

func TestRewardAmountUsesActualAmount(t *testing.T) {
	st := setupReconStore(t)
	chain, backend := chainWithWindow()
	six := int64(6)
	insertReward(t, st, models.RewardStorePurchase, models.RewardCompleted, 10, &six, windowStart.Add(time.Minute), "")
	rewardIssued(backend, models.RewardStorePurchase, 10, 6, 1)

	engine, _ := newEngine(t, st, chain)
	result, err := engine.Run(context.Background(), RunOptions{Start: windowStart, End: windowEnd})
	require.NoError(t, err)
	check := findCheck(t, result, CheckRewardAmount)
	require.Equal(t, 6.0, check.Expected)
	require.Equal(t, 6.0, check.Actual)
	require.Equal(t, StatusPass, check.Status)
}

func TestExecutionRateThresholds(t *testing.T) {
	cases := []struct {
		completed, failed int
		want              Status
	}{
		{completed: 10, failed: 0, want: StatusPass},
		{completed: 8, failed: 2, want: StatusPass},
		{completed: 3, failed: 2, want: StatusWarn},
		{completed: 1, failed: 2, want: StatusFail},
	}
	for _, tc := range cases {
		t.Run(fmt.Sprintf("%d_%d", tc.completed, tc.failed), func(t *testing.T) {
			st := setupReconStore(t)
			for i := 0; i < tc.completed; i++ {
				insertReward(t, st, models.RewardStoreSale, models.RewardCompleted, 1, nil, windowStart.Add(time.Minute), "")
			}
			for i := 0; i < tc.failed; i++ {
				insertReward(t, st, models.RewardStoreSale, models.RewardFailed, 1, nil, windowStart.Add(time.Minute), "")
			}
			engine, _ := newEngine(t, st, nil)
			result, err := engine.Run(context.Background(), RunOptions{Start: windowStart, End: windowEnd})
			require.NoError(t, err)
			require.Equal(t, tc.want, findCheck(t, result, CheckExecutionRate).Status)
		})
	}
}

func TestExecutionRateStatusIsMonotonic(t *testing.T) {
	st := setupReconStore(t)
	for i := 0; i < 10; i++ {
		insertReward(t, st, models.RewardStoreSale, models.RewardCompleted, 1, nil, windowStart.Add(time.Minute), "")
	}
	engine, _ := newEngine(t, st, nil)
	previous := StatusPass
	for i := 0; i < 30; i++ {
		insertReward(t, st, models.RewardStoreSale, models.RewardFailed, 1, nil, windowStart.Add(time.Minute), "")
		result, err := engine.Run(context.Background(), RunOptions{Start: windowStart, End: windowEnd})
		require.NoError(t, err)
		status := findCheck(t, result, CheckExecutionRate).Status
		require.GreaterOrEqual(t, status.level(), previous.level(), "failures=%d", i+1)
		previous = status
	}
	require.Equal(t, StatusFail, previous)
}

func TestStalePendingEscalates(t *testing.T) {
	st := setupReconStore(t)
	engine, recorder := newEngine(t, st, nil)
	old := windowEnd.Add(-3 * time.Hour)

	insertReward(t, st, models.RewardStorePurchase, models.RewardPending, 1, nil, old, "")
	result, err := engine.Run(context.Background(), RunOptions{Start: windowStart, End: windowEnd})
	require.NoError(t, err)
	require.Equal(t, StatusWarn, findCheck(t, result, CheckStalePending).Status)

	for i := 0; i < 10; i++ {
		insertReward(t, st, models.RewardStorePurchase, models.RewardPending, 1, nil, old, "")
	}
	result, err = engine.Run(context.Background(), RunOptions{Start: windowStart, End: windowEnd})
	require.NoError(t, err)
	check := findCheck(t, result, CheckStalePending)
	require.Equal(t, StatusFail, check.Status)
	require.Equal(t, 11.0, check.Actual)
	require.GreaterOrEqual(t, recorder.Count(alerts.SeverityCritical), 1)
	require.Equal(t, StatusFail, result.Status())
}

type blockingChain struct {
	*ledger.Client
}

func (b blockingChain) BlockRange(ctx context.Context, _, _ time.Time) (uint64, uint64, error) {
	<-ctx.Done()
	return 0, 0, ctx.Err()
}

func TestBudgetExhaustionReturnsPartialResult(t *testing.T) {
	st := setupReconStore(t)
	chain, _ := chainWithWindow()
	engine, _ := newEngine(t, st, blockingChain{chain}, func(cfg *Config) {
		cfg.Budget = 50 * time.Millisecond
	})
	result, err := engine.Run(context.Background(), RunOptions{Start: windowStart, End: windowEnd})
	require.NoError(t, err)
	require.True(t, result.Partial)
	require.Empty(t, result.Checks)
}

func TestRunRejectsInvertedWindow(t *testing.T) {
	engine, _ := newEngine(t, setupReconStore(t), nil)
	_, err := engine.Run(context.Background(), RunOptions{Start: windowEnd, End: windowStart})
	require.ErrorIs(t, err, ErrInvalidWindow)
}

func TestRunWritesReportAndHistory(t *testing.T) {
	st := setupReconStore(t)
	dir := t.TempDir()
	engine, _ := newEngine(t, st, nil, func(cfg *Config) {
		cfg.OutputDir = dir
		cfg.SaveHistory = true
	})
	result, err := engine.Run(context.Background(), RunOptions{Start: windowStart, End: windowEnd, Kind: KindDaily})
	require.NoError(t, err)
	require.NotNil(t, result.Report)

	file, err := os.Open(result.Report.CSVPath)
	require.NoError(t, err)
	defer file.Close()
	records, err := csv.NewReader(file).ReadAll()
	require.NoError(t, err)
	require.Len(t, records, len(result.Checks)+1)
	require.Equal(t, "check", records[0][5])

	info, err := os.Stat(result.Report.ParquetPath)
	require.NoError(t, err)
	require.Positive(t, info.Size())

	runs, err := st.RecentReconciliationRuns(context.Background(), 5)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	require.Equal(t, KindDaily, runs[0].Kind)
}

func TestDailyWindowUsesLocation(t *testing.T) {
	loc := time.FixedZone("UTC-5", -5*3600)
	now := time.Date(2026, 3, 2, 3, 30, 0, 0, time.UTC) // 22:30 on Mar 1 in loc
	start, end := DailyWindow(now, loc)
	require.Equal(t, time.Date(2026, 2, 28, 5, 0, 0, 0, time.UTC), start)
	require.Equal(t, time.Date(2026, 3, 1, 5, 0, 0, 0, time.UTC), end)

	start, end = HourlyWindow(now)
	require.Equal(t, time.Hour, end.Sub(start))
}
