// Package rewards issues reward currency for purchases at verified stores.
package rewards

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/datatypes"

	"coopledger/observability"
	"coopledger/services/settlementd/ledger"
	"coopledger/services/settlementd/models"
	"coopledger/services/settlementd/store"
)

var (
	// ErrOrderNotFound is returned for unknown store orders.
	ErrOrderNotFound = errors.New("rewards: order not found")
	// ErrOrderNotPending is returned when completing an order that already left PENDING.
	ErrOrderNotPending = errors.New("rewards: order not pending")
)

// Signer signs and broadcasts a contract call for a custody principal.
type Signer interface {
	SignAndSubmit(ctx context.Context, principal string, to common.Address, callData []byte) (common.Hash, error)
}

// Ledger exposes the reward policy view and confirmation polling.
type Ledger interface {
	Token() ledger.Token
	ComputePurchaseRewards(ctx context.Context, amountSpent *big.Int) (buyer, seller *big.Int, err error)
	WaitForConfirmation(ctx context.Context, hash common.Hash, timeout time.Duration) (*ledger.Receipt, error)
}

// Config wires a Service.
type Config struct {
	Store               *store.Store
	Signer              Signer
	Ledger              Ledger
	MinterPrincipal     string
	ConfirmationTimeout time.Duration
	Metrics             *observability.SettlementMetrics
	Logger              *slog.Logger
	Now                 func() time.Time
}

// Service records and mints purchase rewards.
type Service struct {
	store   *store.Store
	signer  Signer
	ledger  Ledger
	minter  string
	timeout time.Duration
	metrics *observability.SettlementMetrics
	logger  *slog.Logger
	now     func() time.Time
}

// New builds a Service.
func New(cfg Config) (*Service, error) {
	if cfg.Store == nil || cfg.Signer == nil || cfg.Ledger == nil {
		return nil, fmt.Errorf("rewards: store, signer and ledger are required")
	}
	if cfg.MinterPrincipal == "" {
		return nil, fmt.Errorf("rewards: minter principal required")
	}
	if cfg.ConfirmationTimeout <= 0 {
		return nil, fmt.Errorf("rewards: confirmation timeout must be positive")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Service{
		store:   cfg.Store,
		signer:  cfg.Signer,
		ledger:  cfg.Ledger,
		minter:  cfg.MinterPrincipal,
		timeout: cfg.ConfirmationTimeout,
		metrics: cfg.Metrics,
		logger:  logger.With("component", "rewards"),
		now:     now,
	}, nil
}

// PurchaseReward describes a purchase eligible for rewards.
type PurchaseReward struct {
	BuyerID        string
	SellerID       string
	AmountSpent    decimal.Decimal
	SellerVerified bool
	OrderID        *uuid.UUID
}

// Issued is the outcome of one recipient's reward.
type Issued struct {
	RewardID  uuid.UUID       `json:"rewardId"`
	Status    string          `json:"status"`
	Requested decimal.Decimal `json:"requested"`
	// Actual is what the chain minted. It is zero unless the reward COMPLETED.
	Actual decimal.Decimal `json:"actual"`
	Capped bool            `json:"capped"`
	Error  string          `json:"error,omitempty"`
}

// Award is the result of AwardPurchaseReward. A nil side received no reward.
type Award struct {
	Buyer  *Issued `json:"buyer,omitempty"`
	Seller *Issued `json:"seller,omitempty"`
}

// BuyerReward returns the minted buyer amount.
func (a Award) BuyerReward() decimal.Decimal {
	if a.Buyer == nil {
		return decimal.Zero
	}
	return a.Buyer.Actual
}

// SellerReward returns the minted seller amount.
func (a Award) SellerReward() decimal.Decimal {
	if a.Seller == nil {
		return decimal.Zero
	}
	return a.Seller.Actual
}

// AwardPurchaseReward asks the ledger for the buyer and seller rewards of a
// purchase and mints each non-zero one. Unverified sellers earn nothing for
// either side. The requested amount is always submitted; the chain applies its
// own caps and the minted amount is recorded next to the request.
func (s *Service) AwardPurchaseReward(ctx context.Context, p PurchaseReward) (Award, error) {
	var award Award
	if !p.SellerVerified {
		return award, nil
	}
	if !p.AmountSpent.IsPositive() {
		return award, fmt.Errorf("rewards: amount spent must be positive")
	}
	token := s.ledger.Token()
	buyerUnits, sellerUnits, err := s.ledger.ComputePurchaseRewards(ctx, token.ToBaseUnits(p.AmountSpent))
	if err != nil {
		return award, fmt.Errorf("rewards: compute purchase rewards: %w", err)
	}
	orderID := ""
	if p.OrderID != nil {
		orderID = p.OrderID.String()
	}
	if buyerUnits.Sign() > 0 {
		award.Buyer, err = s.issue(ctx, p.BuyerID, models.RewardStorePurchase, buyerUnits, orderID, p.SellerID)
		if err != nil {
			return award, err
		}
	}
	if sellerUnits.Sign() > 0 {
		award.Seller, err = s.issue(ctx, p.SellerID, models.RewardStoreSale, sellerUnits, orderID, p.BuyerID)
		if err != nil {
			return award, err
		}
	}
	return award, nil
}

// issue records a PENDING reward and mints it. Only a failure to write the row
// is returned as an error; mint failures settle the row as FAILED.
func (s *Service) issue(ctx context.Context, userID string, reason models.RewardReason, units *big.Int, orderID, counterparty string) (*Issued, error) {
	token := s.ledger.Token()
	requested := token.FromBaseUnits(units)
	meta := models.RewardMetadata{
		RequestedAmount: requested,
		OrderID:         orderID,
		CounterpartyID:  counterparty,
	}
	row := &models.SCRewardTransaction{
		ID:           uuid.New(),
		UserID:       userID,
		AmountReward: requested,
		Reason:       reason,
		Status:       models.RewardPending,
		Metadata:     datatypes.NewJSONType(meta),
	}
	if err := s.store.CreateReward(ctx, row); err != nil {
		return nil, err
	}
	logger := s.logger.With(slog.String("reward_id", row.ID.String()), slog.String("reason", string(reason)))

	actual, err := s.mint(ctx, row, units)
	if err != nil {
		meta.Error = err.Error()
		if _, serr := s.store.SettleReward(ctx, row.ID, models.RewardFailed, meta); serr != nil {
			logger.ErrorContext(ctx, "reward failure not recorded", slog.Any("error", serr))
		}
		s.metrics.RecordReward(string(reason), "failed")
		logger.WarnContext(ctx, "reward mint failed", slog.Any("error", err))
		return &Issued{RewardID: row.ID, Status: string(models.RewardFailed), Requested: requested, Actual: decimal.Zero, Error: meta.Error}, nil
	}

	minted := token.FromBaseUnits(actual)
	meta.ActualAmount = &minted
	meta.Capped = actual.Cmp(units) < 0
	if _, err := s.store.SettleReward(ctx, row.ID, models.RewardCompleted, meta); err != nil {
		// The mint happened; the repair pass completes the row from its hash.
		logger.ErrorContext(ctx, "reward completion not recorded", slog.Any("error", err))
	}
	s.metrics.RecordReward(string(reason), "completed")
	logger.InfoContext(ctx, "reward issued",
		slog.String("requested", requested.String()),
		slog.String("actual", minted.String()),
		slog.Bool("capped", meta.Capped))
	return &Issued{RewardID: row.ID, Status: string(models.RewardCompleted), Requested: requested, Actual: minted, Capped: meta.Capped}, nil
}

func (s *Service) mint(ctx context.Context, row *models.SCRewardTransaction, units *big.Int) (*big.Int, error) {
	wallet, err := s.store.GetWallet(ctx, models.UserPrincipal(row.UserID))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("no wallet for %s", row.UserID)
		}
		return nil, err
	}
	token := s.ledger.Token()
	callData, err := token.PackIssueReward(common.HexToAddress(wallet.Address), units, row.Reason.Code(), row.ID)
	if err != nil {
		return nil, err
	}
	hash, err := s.signer.SignAndSubmit(ctx, s.minter, token.Address, callData)
	if err != nil {
		return nil, fmt.Errorf("submit reward: %w", err)
	}
	if err := s.store.RecordRewardSubmission(ctx, row.ID, hash.Hex()); err != nil {
		s.logger.WarnContext(ctx, "reward hash not persisted", slog.String("tx_hash", hash.Hex()), slog.Any("error", err))
	}
	receipt, err := s.ledger.WaitForConfirmation(ctx, hash, s.timeout)
	if err != nil {
		return nil, err
	}
	if !receipt.Success {
		return nil, fmt.Errorf("reward transaction %s reverted", hash.Hex())
	}
	issued, ok := ledger.FindReward(receipt, row.ID)
	if !ok {
		return nil, fmt.Errorf("reward transaction %s has no RewardIssued event", hash.Hex())
	}
	return issued.Actual, nil
}

// CompleteStoreOrder moves a PENDING order to COMPLETED and awards its rewards.
func (s *Service) CompleteStoreOrder(ctx context.Context, orderID uuid.UUID) (Award, error) {
	order, err := s.store.GetOrder(ctx, orderID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return Award{}, ErrOrderNotFound
		}
		return Award{}, err
	}
	shop, err := s.store.GetStore(ctx, order.StoreID)
	if err != nil {
		return Award{}, fmt.Errorf("rewards: load store %s: %w", order.StoreID, err)
	}
	ok, err := s.store.CompleteOrder(ctx, order.ID, s.now().UTC())
	if err != nil {
		return Award{}, err
	}
	if !ok {
		return Award{}, ErrOrderNotPending
	}
	return s.AwardPurchaseReward(ctx, PurchaseReward{
		BuyerID:        order.BuyerID,
		SellerID:       shop.OwnerUserID,
		AmountSpent:    order.AmountSpent,
		SellerVerified: shop.Verified,
		OrderID:        &order.ID,
	})
}

// OnPurchaseCompleted completes the store order a settled purchase paid for.
// Purchases without an order are ignored.
func (s *Service) OnPurchaseCompleted(ctx context.Context, tx models.OnrampTransaction) {
	if tx.StoreOrderID == nil {
		return
	}
	if _, err := s.CompleteStoreOrder(ctx, *tx.StoreOrderID); err != nil {
		s.logger.ErrorContext(ctx, "store order completion failed",
			slog.String("transaction_id", tx.ID.String()),
			slog.String("order_id", tx.StoreOrderID.String()),
			slog.Any("error", err))
	}
}
