package rewards

import (
	"context"
	"fmt"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"coopledger/services/settlementd/custody"
	"coopledger/services/settlementd/ledger"
	"coopledger/services/settlementd/ledger/ledgertest"
	"coopledger/services/settlementd/models"
	"coopledger/services/settlementd/store"
)

type fixture struct {
	svc     *Service
	store   *store.Store
	backend *ledgertest.Backend
	token   ledger.Token
	wallets map[string]common.Address
	// caps limits the amount minted per recipient, standing in for the
	// contract's diminishing-returns policy.
	caps map[common.Address]*big.Int
}

func sc(v int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(v), new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil))
}

func newFixture(t *testing.T, users ...string) *fixture {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, models.AutoMigrate(db))
	st := store.New(db)

	masterKey := make([]byte, 32)
	for i := range masterKey {
		masterKey[i] = byte(3 * i)
	}
	f := &fixture{
		store:   st,
		backend: ledgertest.NewBackend(),
		wallets: make(map[string]common.Address),
		caps:    make(map[common.Address]*big.Int),
		token: ledger.Token{
			Address:  common.HexToAddress("0x00000000000000000000000000000000000c0de2"),
			UCID:     big.NewInt(1),
			SCID:     big.NewInt(2),
			Decimals: 18,
		},
	}
	principals := []string{models.ServicePrincipal("minter")}
	for _, u := range users {
		principals = append(principals, models.UserPrincipal(u))
	}
	for _, principal := range principals {
		key, err := crypto.GenerateKey()
		require.NoError(t, err)
		wallet, err := custody.NewWallet(masterKey, principal, key)
		require.NoError(t, err)
		require.NoError(t, st.CreateWallet(context.Background(), wallet))
		f.wallets[principal] = crypto.PubkeyToAddress(key.PublicKey)
	}

	signer, err := custody.NewService(custody.Config{
		Wallets:   st,
		Backend:   f.backend,
		Submitter: ledger.NewClient(f.backend, f.token),
		ChainID:   big.NewInt(31337),
		MasterKey: masterKey,
	})
	require.NoError(t, err)
	f.backend.OnSend = f.issueRewardSucceeds
	f.svc, err = New(Config{
		Store:               st,
		Signer:              signer,
		Ledger:              ledger.NewClient(f.backend, f.token, ledger.WithPollInterval(5*time.Millisecond)),
		MinterPrincipal:     models.ServicePrincipal("minter"),
		ConfirmationTimeout: 100 * time.Millisecond,
	})
	require.NoError(t, err)
	return f
}

func (f *fixture) issueRewardSucceeds(tx *types.Transaction) {
	args, err := ledger.ABI().Methods["issueReward"].Inputs.Unpack(tx.Data()[4:])
	if err != nil {
		panic(err)
	}
	to := args[0].(common.Address)
	requested := args[1].(*big.Int)
	actual := new(big.Int).Set(requested)
	if limit, ok := f.caps[to]; ok && limit.Cmp(actual) < 0 {
		actual.Set(limit)
	}
	log := ledgertest.RewardIssuedLog(f.token.Address, to, requested, actual, args[2].(uint8), args[3].([32]byte))
	f.backend.SetReceipt(tx.Hash(), true, 1, log)
}

func (f *fixture) reward(t *testing.T, id uuid.UUID) *models.SCRewardTransaction {
	t.Helper()
	row, err := f.store.GetReward(context.Background(), id)
	require.NoError(t, err)
	return row
}

func TestUnverifiedSellerEarnsNothing(t *testing.T) {
	f := newFixture(t, "buyer", "seller")
	f.backend.RespondView("computePurchaseRewards", sc(10), sc(5))

	award, err := f.svc.AwardPurchaseReward(context.Background(), PurchaseReward{
		BuyerID: "buyer", SellerID: "seller", AmountSpent: decimal.NewFromInt(100),
	})
	require.NoError(t, err)
	require.True(t, award.BuyerReward().IsZero())
	require.True(t, award.SellerReward().IsZero())
	n, err := f.store.CountRewards(context.Background(), store.RewardFilter{})
	require.NoError(t, err)
	require.Zero(t, n)
	require.Empty(t, f.backend.Sent())
}

func TestCappedRewardRecordsActualAmount(t *testing.T) {
	f := newFixture(t, "buyer", "seller")
	f.backend.RespondView("computePurchaseRewards", sc(10), sc(5))
	f.caps[f.wallets[models.UserPrincipal("buyer")]] = sc(6)

	award, err := f.svc.AwardPurchaseReward(context.Background(), PurchaseReward{
		BuyerID: "buyer", SellerID: "seller", AmountSpent: decimal.NewFromInt(100), SellerVerified: true,
	})
	require.NoError(t, err)
	require.True(t, award.BuyerReward().Equal(decimal.NewFromInt(6)))
	require.True(t, award.SellerReward().Equal(decimal.NewFromInt(5)))
	require.True(t, award.Buyer.Capped)
	require.False(t, award.Seller.Capped)

	buyer := f.reward(t, award.Buyer.RewardID)
	require.Equal(t, models.RewardCompleted, buyer.Status)
	require.Equal(t, models.RewardStorePurchase, buyer.Reason)
	require.True(t, buyer.AmountReward.Equal(decimal.NewFromInt(10)))
	meta := buyer.Metadata.Data()
	require.NotNil(t, meta.ActualAmount)
	require.True(t, meta.ActualAmount.Equal(decimal.NewFromInt(6)))
	require.True(t, meta.Capped)
	require.Equal(t, "seller", meta.CounterpartyID)
	require.NotNil(t, buyer.TxHash)

	seller := f.reward(t, award.Seller.RewardID)
	require.Equal(t, models.RewardStoreSale, seller.Reason)

	total, err := f.store.SumRewards(context.Background(), store.RewardFilter{
		Reasons: []models.RewardReason{models.RewardStorePurchase},
	})
	require.NoError(t, err)
	require.True(t, total.Equal(decimal.NewFromInt(6)), total.String())
}

func TestRevertedRewardIsFailedWithoutRetry(t *testing.T) {
	f := newFixture(t, "buyer", "seller")
	f.backend.RespondView("computePurchaseRewards", sc(10), big.NewInt(0))
	f.backend.OnSend = func(tx *types.Transaction) {
		f.backend.SetReceipt(tx.Hash(), false, 1)
	}
	award, err := f.svc.AwardPurchaseReward(context.Background(), PurchaseReward{
		BuyerID: "buyer", SellerID: "seller", AmountSpent: decimal.NewFromInt(100), SellerVerified: true,
	})
	require.NoError(t, err)
	require.Nil(t, award.Seller)
	require.Equal(t, string(models.RewardFailed), award.Buyer.Status)
	require.True(t, award.BuyerReward().IsZero())

	row := f.reward(t, award.Buyer.RewardID)
	require.Equal(t, models.RewardFailed, row.Status)
	require.Contains(t, row.Metadata.Data().Error, "reverted")
	require.Len(t, f.backend.Sent(), 1)
}

func TestRecipientWithoutWalletFails(t *testing.T) {
	f := newFixture(t, "seller")
	f.backend.RespondView("computePurchaseRewards", sc(2), sc(1))
	award, err := f.svc.AwardPurchaseReward(context.Background(), PurchaseReward{
		BuyerID: "ghost", SellerID: "seller", AmountSpent: decimal.NewFromInt(20), SellerVerified: true,
	})
	require.NoError(t, err)
	require.Equal(t, string(models.RewardFailed), award.Buyer.Status)
	require.Contains(t, award.Buyer.Error, "no wallet")
	require.Equal(t, string(models.RewardCompleted), award.Seller.Status)
	require.Len(t, f.backend.Sent(), 1)
}

func TestCompleteStoreOrder(t *testing.T) {
	f := newFixture(t, "buyer", "owner")
	f.backend.RespondView("computePurchaseRewards", sc(3), sc(1))
	shop := models.Store{ID: uuid.New(), OwnerUserID: "owner", Name: "Corner Grocer", Verified: true}
	require.NoError(t, f.store.DB().Create(&shop).Error)
	order := models.StoreOrder{
		ID: uuid.New(), StoreID: shop.ID, BuyerID: "buyer",
		AmountSpent: decimal.NewFromInt(30), Status: models.OrderPending,
	}
	require.NoError(t, f.store.DB().Create(&order).Error)

	award, err := f.svc.CompleteStoreOrder(context.Background(), order.ID)
	require.NoError(t, err)
	require.True(t, award.BuyerReward().Equal(decimal.NewFromInt(3)))
	require.Equal(t, order.ID.String(), f.reward(t, award.Buyer.RewardID).Metadata.Data().OrderID)

	got, err := f.store.GetOrder(context.Background(), order.ID)
	require.NoError(t, err)
	require.Equal(t, models.OrderCompleted, got.Status)
	require.NotNil(t, got.CompletedAt)

	_, err = f.svc.CompleteStoreOrder(context.Background(), order.ID)
	require.ErrorIs(t, err, ErrOrderNotPending)
	require.Len(t, f.backend.Sent(), 2)

	_, err = f.svc.CompleteStoreOrder(context.Background(), uuid.New())
	require.ErrorIs(t, err, ErrOrderNotFound)
}

func TestOnPurchaseCompletedCompletesLinkedOrder(t *testing.T) {
	f := newFixture(t, "buyer", "owner")
	f.backend.RespondView("computePurchaseRewards", sc(1), big.NewInt(0))
	shop := models.Store{ID: uuid.New(), OwnerUserID: "owner", Name: "Bakery", Verified: true}
	require.NoError(t, f.store.DB().Create(&shop).Error)
	order := models.StoreOrder{
		ID: uuid.New(), StoreID: shop.ID, BuyerID: "buyer",
		AmountSpent: decimal.NewFromInt(12), Status: models.OrderPending,
	}
	require.NoError(t, f.store.DB().Create(&order).Error)

	f.svc.OnPurchaseCompleted(context.Background(), models.OnrampTransaction{ID: uuid.New()})
	require.Empty(t, f.backend.Sent())

	f.svc.OnPurchaseCompleted(context.Background(), models.OnrampTransaction{ID: uuid.New(), StoreOrderID: &order.ID})
	got, err := f.store.GetOrder(context.Background(), order.ID)
	require.NoError(t, err)
	require.Equal(t, models.OrderCompleted, got.Status)
}
