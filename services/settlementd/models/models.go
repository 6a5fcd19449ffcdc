package models

import (
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Processor identifies a supported payment processor.
type Processor string

const (
	ProcessorStripe      Processor = "STRIPE"
	ProcessorNOWPayments Processor = "NOWPAYMENTS"
)

// ParseProcessor accepts the lowercase route form ("stripe") as well as the
// stored form ("STRIPE").
func ParseProcessor(raw string) (Processor, bool) {
	switch Processor(strings.ToUpper(strings.TrimSpace(raw))) {
	case ProcessorStripe:
		return ProcessorStripe, true
	case ProcessorNOWPayments:
		return ProcessorNOWPayments, true
	}
	return "", false
}

// OnrampStatus is a state of the fiat to token purchase lifecycle.
type OnrampStatus string

const (
	OnrampPending   OnrampStatus = "PENDING"
	OnrampCompleted OnrampStatus = "COMPLETED"
	OnrampFailed    OnrampStatus = "FAILED"
	OnrampRefunded  OnrampStatus = "REFUNDED"
)

// Terminal reports whether the status can no longer be changed by settlement.
func (s OnrampStatus) Terminal() bool {
	return s == OnrampCompleted || s == OnrampRefunded
}

// ManualInterventionPrefix marks failed purchases whose refund also failed.
const ManualInterventionPrefix = "MANUAL_INTERVENTION_REQUIRED: "

// OnrampTransaction is one fiat to token purchase intent.
type OnrampTransaction struct {
	ID                uuid.UUID       `gorm:"type:uuid;primaryKey" json:"id"`
	UserID            string          `gorm:"size:64;index;not null" json:"userId"`
	AmountFiat        decimal.Decimal `gorm:"type:numeric(20,2);not null" json:"amountFiat"`
	Currency          string          `gorm:"size:8;not null" json:"currency"`
	AmountToken       decimal.Decimal `gorm:"type:numeric(38,18);not null" json:"amountToken"`
	ExternalPaymentID string          `gorm:"size:128;uniqueIndex;not null" json:"externalPaymentId"`
	Processor         Processor       `gorm:"size:32;not null" json:"processor"`
	Status            OnrampStatus    `gorm:"size:16;index;not null" json:"status"`
	MintTxHash        *string         `gorm:"size:66" json:"mintTxHash,omitempty"`
	ProcessorChargeID *string         `gorm:"size:128" json:"processorChargeId,omitempty"`
	FailureReason     *string         `json:"failureReason,omitempty"`
	RefundID          *string         `gorm:"size:128" json:"refundId,omitempty"`
	StoreOrderID      *uuid.UUID      `gorm:"type:uuid" json:"storeOrderId,omitempty"`
	MintClaimedAt     *time.Time      `json:"-"`
	CreatedAt         time.Time       `gorm:"index" json:"createdAt"`
	UpdatedAt         time.Time       `json:"updatedAt"`
	CompletedAt       *time.Time      `json:"completedAt,omitempty"`
	FailedAt          *time.Time      `json:"failedAt,omitempty"`
	RefundedAt        *time.Time      `json:"refundedAt,omitempty"`
}

// NeedsManualIntervention reports whether the failure reason carries the manual flag.
func (t OnrampTransaction) NeedsManualIntervention() bool {
	return t.FailureReason != nil && strings.HasPrefix(*t.FailureReason, ManualInterventionPrefix)
}

// RewardReason tags why reward currency was issued. The numeric code is what the
// token contract records in RewardIssued.
type RewardReason string

const (
	RewardStorePurchase    RewardReason = "STORE_PURCHASE_REWARD"
	RewardStoreSale        RewardReason = "STORE_SALE_REWARD"
	RewardManualAdjustment RewardReason = "MANUAL_ADJUSTMENT"
	RewardOnrampBonus      RewardReason = "ONRAMP_BONUS"
)

var reasonCodes = map[RewardReason]uint8{
	RewardStorePurchase:    1,
	RewardStoreSale:        2,
	RewardManualAdjustment: 3,
	RewardOnrampBonus:      4,
}

// Code returns the on-chain reason code, or 0 when the reason is unknown.
func (r RewardReason) Code() uint8 {
	return reasonCodes[r]
}

// RewardStatus is the settlement state of a reward mint.
type RewardStatus string

const (
	RewardPending   RewardStatus = "PENDING"
	RewardCompleted RewardStatus = "COMPLETED"
	RewardFailed    RewardStatus = "FAILED"
)

// RewardMetadata keeps the amount the chain actually minted next to the amount
// that was requested.
type RewardMetadata struct {
	RequestedAmount decimal.Decimal  `json:"requestedAmount"`
	ActualAmount    *decimal.Decimal `json:"actualAmount,omitempty"`
	Capped          bool             `json:"capped,omitempty"`
	OrderID         string           `json:"orderId,omitempty"`
	CounterpartyID  string           `json:"counterpartyId,omitempty"`
	Error           string           `json:"error,omitempty"`
}

// SCRewardTransaction is one reward currency mint attempt.
type SCRewardTransaction struct {
	ID           uuid.UUID                          `gorm:"type:uuid;primaryKey" json:"id"`
	UserID       string                             `gorm:"size:64;index;not null" json:"userId"`
	AmountReward decimal.Decimal                    `gorm:"type:numeric(38,18);not null" json:"amountReward"`
	Reason       RewardReason                       `gorm:"size:32;index;not null" json:"reason"`
	Status       RewardStatus                       `gorm:"size:16;index;not null" json:"status"`
	TxHash       *string                            `gorm:"size:66;index" json:"txHash,omitempty"`
	Metadata     datatypes.JSONType[RewardMetadata] `json:"metadata"`
	CreatedAt    time.Time                          `gorm:"index" json:"createdAt"`
	UpdatedAt    time.Time                          `json:"updatedAt"`
}

// EffectiveAmount is the minted amount when the chain reported it, otherwise
// the requested amount.
func (t SCRewardTransaction) EffectiveAmount() decimal.Decimal {
	meta := t.Metadata.Data()
	if meta.ActualAmount != nil {
		return *meta.ActualAmount
	}
	return t.AmountReward
}

// Wallet is a custodial signing key sealed under the service master key.
type Wallet struct {
	ID        uuid.UUID `gorm:"type:uuid;primaryKey"`
	Principal string    `gorm:"size:128;uniqueIndex;not null"`
	Address   string    `gorm:"size:42;not null"`
	SealedKey []byte    `gorm:"not null"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

// UserPrincipal returns the custody principal for a member.
func UserPrincipal(userID string) string {
	return "user:" + strings.TrimSpace(userID)
}

// ServicePrincipal returns the custody principal for a service key.
func ServicePrincipal(name string) string {
	return "service:" + strings.TrimSpace(name)
}

// Store is a member store. Verified stores earn rewards for their sales.
type Store struct {
	ID          uuid.UUID `gorm:"type:uuid;primaryKey"`
	OwnerUserID string    `gorm:"size:64;index;not null"`
	Name        string    `gorm:"size:128;not null"`
	Verified    bool      `gorm:"not null;default:false"`
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// OrderStatus is the state of a store order.
type OrderStatus string

const (
	OrderPending   OrderStatus = "PENDING"
	OrderCompleted OrderStatus = "COMPLETED"
	OrderCancelled OrderStatus = "CANCELLED"
)

// StoreOrder is a purchase at a member store paid in the spendable currency.
type StoreOrder struct {
	ID          uuid.UUID       `gorm:"type:uuid;primaryKey" json:"id"`
	StoreID     uuid.UUID       `gorm:"type:uuid;index;not null" json:"storeId"`
	BuyerID     string          `gorm:"size:64;index;not null" json:"buyerId"`
	AmountSpent decimal.Decimal `gorm:"type:numeric(38,18);not null" json:"amountSpent"`
	Status      OrderStatus     `gorm:"size:16;index;not null" json:"status"`
	CompletedAt *time.Time      `gorm:"index" json:"completedAt,omitempty"`
	CreatedAt   time.Time       `json:"createdAt"`
	UpdatedAt   time.Time       `json:"updatedAt"`
}

// ReconciliationRun is the stored history of one reconciliation run.
type ReconciliationRun struct {
	ID          uuid.UUID      `gorm:"type:uuid;primaryKey"`
	Kind        string         `gorm:"size:16;index;not null"`
	WindowStart time.Time      `gorm:"index"`
	WindowEnd   time.Time
	Partial     bool
	Checks      datatypes.JSON
	Alerts      datatypes.JSON
	CreatedAt   time.Time
}

// AutoMigrate creates or updates the service tables.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&OnrampTransaction{},
		&SCRewardTransaction{},
		&Wallet{},
		&Store{},
		&StoreOrder{},
		&ReconciliationRun{},
	)
}
