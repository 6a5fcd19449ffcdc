// Package settlement drives fiat purchases from payment intent to minted
// tokens. A purchase mints at most once; a failed mint is refunded, and a
// failed refund is flagged for an operator instead of being retried.
package settlement

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"coopledger/observability"
	"coopledger/services/settlementd/alerts"
	"coopledger/services/settlementd/ledger"
	"coopledger/services/settlementd/models"
	"coopledger/services/settlementd/processor"
	"coopledger/services/settlementd/store"
)

var (
	// ErrInvalidAmount is returned for purchase amounts outside the configured bounds.
	ErrInvalidAmount = errors.New("settlement: invalid amount")
	// ErrNoWallet is returned when the member has no custodial wallet.
	ErrNoWallet = errors.New("settlement: no wallet provisioned")
	// ErrUnsupportedProcessor is returned for processors that are not configured.
	ErrUnsupportedProcessor = errors.New("settlement: unsupported processor")
	// ErrProcessorUnavailable is returned when the processor cannot create an intent.
	ErrProcessorUnavailable = errors.New("settlement: processor unavailable")
	// ErrTransactionNotFound is returned for unknown purchases or intents.
	ErrTransactionNotFound = errors.New("settlement: transaction not found")
	// ErrInvalidOrder is returned when a purchase names a store order the
	// member cannot pay for with that amount.
	ErrInvalidOrder = errors.New("settlement: invalid store order")
)

// Signer signs and broadcasts a contract call for a custody principal.
type Signer interface {
	SignAndSubmit(ctx context.Context, principal string, to common.Address, callData []byte) (common.Hash, error)
}

// Ledger confirms submitted transactions.
type Ledger interface {
	Token() ledger.Token
	WaitForConfirmation(ctx context.Context, hash common.Hash, timeout time.Duration) (*ledger.Receipt, error)
}

// Processors resolves payment processor clients.
type Processors interface {
	Get(name models.Processor) (processor.Client, error)
}

// CompletionHook runs after a purchase reaches COMPLETED.
type CompletionHook func(ctx context.Context, tx models.OnrampTransaction)

// Config wires a Machine.
type Config struct {
	Store               *store.Store
	Processors          Processors
	Signer              Signer
	Ledger              Ledger
	MinterPrincipal     string
	MinFiat             decimal.Decimal
	MaxFiat             decimal.Decimal
	TokenRate           decimal.Decimal
	Currency            string
	ConfirmationTimeout time.Duration
	Alerts              alerts.Notifier
	Metrics             *observability.SettlementMetrics
	Logger              *slog.Logger
	Now                 func() time.Time
	OnCompleted         CompletionHook
}

// Machine is the purchase settlement state machine. It holds no per-purchase
// state; the store arbitrates every transition.
type Machine struct {
	store      *store.Store
	processors Processors
	signer     Signer
	ledger     Ledger
	minter     string
	minFiat    decimal.Decimal
	maxFiat    decimal.Decimal
	rate       decimal.Decimal
	currency   string
	timeout    time.Duration
	alerts     alerts.Notifier
	metrics    *observability.SettlementMetrics
	logger     *slog.Logger
	now        func() time.Time
	onComplete CompletionHook

	hooks sync.WaitGroup
}

// New validates cfg and builds a Machine.
func New(cfg Config) (*Machine, error) {
	if cfg.Store == nil || cfg.Processors == nil || cfg.Signer == nil || cfg.Ledger == nil {
		return nil, fmt.Errorf("settlement: store, processors, signer and ledger are required")
	}
	if cfg.MinterPrincipal == "" {
		return nil, fmt.Errorf("settlement: minter principal required")
	}
	if !cfg.MaxFiat.IsPositive() || cfg.MinFiat.GreaterThan(cfg.MaxFiat) {
		return nil, fmt.Errorf("settlement: invalid purchase bounds [%s, %s]", cfg.MinFiat, cfg.MaxFiat)
	}
	if !cfg.TokenRate.IsPositive() {
		return nil, fmt.Errorf("settlement: token rate must be positive")
	}
	if cfg.ConfirmationTimeout <= 0 {
		return nil, fmt.Errorf("settlement: confirmation timeout must be positive")
	}
	m := &Machine{
		store:      cfg.Store,
		processors: cfg.Processors,
		signer:     cfg.Signer,
		ledger:     cfg.Ledger,
		minter:     cfg.MinterPrincipal,
		minFiat:    cfg.MinFiat,
		maxFiat:    cfg.MaxFiat,
		rate:       cfg.TokenRate,
		currency:   cfg.Currency,
		timeout:    cfg.ConfirmationTimeout,
		alerts:     cfg.Alerts,
		metrics:    cfg.Metrics,
		logger:     cfg.Logger,
		now:        cfg.Now,
		onComplete: cfg.OnCompleted,
	}
	if m.currency == "" {
		m.currency = "USD"
	}
	if m.logger == nil {
		m.logger = slog.Default()
	}
	m.logger = m.logger.With("component", "settlement")
	if m.now == nil {
		m.now = time.Now
	}
	if m.alerts == nil {
		m.alerts = alerts.LogNotifier{Logger: m.logger}
	}
	return m, nil
}

// Wait blocks until running completion hooks return.
func (m *Machine) Wait() {
	m.hooks.Wait()
}

// PurchaseRequest asks to buy spendable currency with fiat.
type PurchaseRequest struct {
	UserID       string
	AmountFiat   decimal.Decimal
	Processor    models.Processor
	StoreOrderID *uuid.UUID
}

// PurchaseResult is returned to the app to complete payment.
type PurchaseResult struct {
	TransactionID uuid.UUID `json:"transactionId"`
	ClientSecret  string    `json:"clientSecret"`
}

// BeginPurchase creates a processor payment intent and the matching PENDING
// purchase row.
func (m *Machine) BeginPurchase(ctx context.Context, req PurchaseRequest) (*PurchaseResult, error) {
	amount := req.AmountFiat
	if amount.LessThan(m.minFiat) || amount.GreaterThan(m.maxFiat) || !amount.Round(2).Equal(amount) {
		return nil, fmt.Errorf("%w: %s must be within [%s, %s] with at most 2 decimals",
			ErrInvalidAmount, amount.String(), m.minFiat.StringFixed(2), m.maxFiat.StringFixed(2))
	}
	if req.UserID == "" {
		return nil, fmt.Errorf("settlement: user id required")
	}
	client, err := m.processors.Get(req.Processor)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedProcessor, req.Processor)
	}
	if _, err := m.store.GetWallet(ctx, models.UserPrincipal(req.UserID)); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrNoWallet
		}
		return nil, err
	}
	if req.StoreOrderID != nil {
		if err := m.checkOrder(ctx, *req.StoreOrderID, req.UserID, amount); err != nil {
			return nil, err
		}
	}

	id := uuid.New()
	intent, err := client.CreatePaymentIntent(ctx, processor.IntentRequest{
		Amount:    amount,
		Currency:  m.currency,
		Reference: id.String(),
		Metadata: map[string]string{
			"transaction_id": id.String(),
			"user_id":        req.UserID,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrProcessorUnavailable, err)
	}

	tx := &models.OnrampTransaction{
		ID:                id,
		UserID:            req.UserID,
		AmountFiat:        amount,
		Currency:          m.currency,
		AmountToken:       amount.Mul(m.rate),
		ExternalPaymentID: intent.ID,
		Processor:         req.Processor,
		Status:            models.OnrampPending,
		StoreOrderID:      req.StoreOrderID,
	}
	if err := m.store.CreateOnramp(ctx, tx); err != nil {
		return nil, err
	}
	m.logger.InfoContext(ctx, "purchase started",
		slog.String("transaction_id", id.String()),
		slog.String("processor", string(req.Processor)),
		slog.String("amount", amount.StringFixed(2)))
	return &PurchaseResult{TransactionID: id, ClientSecret: intent.ClientSecret}, nil
}

// checkOrder verifies that the member owns the order, that it still awaits
// payment, and that the purchase mints exactly what the order spends.
func (m *Machine) checkOrder(ctx context.Context, orderID uuid.UUID, userID string, amount decimal.Decimal) error {
	order, err := m.store.GetOrder(ctx, orderID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("%w: order %s not found", ErrInvalidOrder, orderID)
		}
		return err
	}
	if order.BuyerID != userID {
		return fmt.Errorf("%w: order %s not found", ErrInvalidOrder, orderID)
	}
	if order.Status != models.OrderPending {
		return fmt.Errorf("%w: order %s is %s", ErrInvalidOrder, orderID, order.Status)
	}
	if tokens := amount.Mul(m.rate); !tokens.Equal(order.AmountSpent) {
		return fmt.Errorf("%w: purchase mints %s but order %s spends %s",
			ErrInvalidOrder, tokens.String(), orderID, order.AmountSpent.String())
	}
	return nil
}

// GetOnrampStatus returns the last durably recorded state of a purchase. Members
// may only read their own purchases.
func (m *Machine) GetOnrampStatus(ctx context.Context, id uuid.UUID, userID string, admin bool) (*models.OnrampTransaction, error) {
	tx, err := m.store.GetOnramp(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrTransactionNotFound
		}
		return nil, err
	}
	if !admin && tx.UserID != userID {
		return nil, ErrTransactionNotFound
	}
	return tx, nil
}

// OnProcessorNotification applies a verified processor event. Each delivery
// makes at most one mint attempt; processor redelivery is the retry mechanism.
func (m *Machine) OnProcessorNotification(ctx context.Context, n Notification) (Outcome, error) {
	switch ev := n.(type) {
	case PaymentSucceeded:
		return m.paymentSucceeded(ctx, ev)
	case PaymentFailed:
		return m.paymentFailed(ctx, ev)
	case Unknown:
		m.logger.DebugContext(ctx, "ignoring processor event",
			slog.String("processor", string(ev.Processor)),
			slog.String("type", ev.Type))
		return OutcomeIgnored, nil
	default:
		return "", fmt.Errorf("settlement: unsupported notification %T", n)
	}
}

func (m *Machine) paymentSucceeded(ctx context.Context, ev PaymentSucceeded) (Outcome, error) {
	tx, err := m.store.GetOnrampByExternalID(ctx, ev.ExternalPaymentID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return OutcomeUnknownIntent, fmt.Errorf("%w: %s intent %s", ErrTransactionNotFound, ev.Processor, ev.ExternalPaymentID)
		}
		return "", err
	}
	if tx.Processor != ev.Processor {
		return OutcomeUnknownIntent, fmt.Errorf("%w: intent %s belongs to %s", ErrTransactionNotFound, ev.ExternalPaymentID, tx.Processor)
	}
	switch {
	case tx.Status == models.OnrampPending:
	case tx.Status == models.OnrampFailed && tx.MintClaimedAt == nil && !tx.NeedsManualIntervention():
		// The processor reported a failure and then captured the payment.
		m.logger.WarnContext(ctx, "payment succeeded after processor failure",
			slog.String("transaction_id", tx.ID.String()),
			slog.String("earlier_reason", deref(tx.FailureReason)))
	default:
		return OutcomeDuplicate, nil
	}
	m.checkCapturedAmount(ctx, *tx, ev)
	claimed, err := m.store.ClaimMint(ctx, tx.ID, m.now().UTC())
	if err != nil {
		return "", err
	}
	if !claimed {
		return OutcomeInProgress, nil
	}
	// The mint must run to its own timeout even if the delivery's caller goes away.
	return m.mint(context.WithoutCancel(ctx), *tx, ev), nil
}

// checkCapturedAmount warns when the processor reports a different amount or
// currency than the intent was created for. The mint still follows the row.
func (m *Machine) checkCapturedAmount(ctx context.Context, tx models.OnrampTransaction, ev PaymentSucceeded) {
	amountOff := !ev.Amount.IsZero() && !ev.Amount.Equal(tx.AmountFiat)
	currencyOff := ev.Currency != "" && !strings.EqualFold(ev.Currency, tx.Currency)
	if !amountOff && !currencyOff {
		return
	}
	m.logger.WarnContext(ctx, "captured amount does not match purchase",
		slog.String("transaction_id", tx.ID.String()),
		slog.String("expected_amount", tx.AmountFiat.StringFixed(2)),
		slog.String("expected_currency", tx.Currency),
		slog.String("captured_amount", ev.Amount.StringFixed(2)),
		slog.String("captured_currency", ev.Currency))
	m.raise(ctx, alerts.SeverityWarning, "captured amount mismatch",
		fmt.Sprintf("processor captured %s %s for a %s %s purchase",
			ev.Amount.StringFixed(2), ev.Currency, tx.AmountFiat.StringFixed(2), tx.Currency), tx)
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func (m *Machine) mint(ctx context.Context, tx models.OnrampTransaction, ev PaymentSucceeded) Outcome {
	started := m.now()
	logger := m.logger.With(slog.String("transaction_id", tx.ID.String()))

	wallet, err := m.store.GetWallet(ctx, models.UserPrincipal(tx.UserID))
	if err != nil {
		return m.failMint(ctx, tx, ev, fmt.Sprintf("wallet lookup failed: %v", err), started)
	}
	token := m.ledger.Token()
	to := common.HexToAddress(wallet.Address)
	amount := token.ToBaseUnits(tx.AmountToken)
	callData, err := token.PackMint(to, amount, tx.ID)
	if err != nil {
		return m.failMint(ctx, tx, ev, err.Error(), started)
	}

	hash, err := m.signer.SignAndSubmit(ctx, m.minter, token.Address, callData)
	if err != nil {
		return m.failMint(ctx, tx, ev, fmt.Sprintf("mint submission failed: %v", err), started)
	}
	if err := m.store.RecordMintSubmission(ctx, tx.ID, hash.Hex()); err != nil {
		logger.WarnContext(ctx, "mint hash not persisted", slog.String("tx_hash", hash.Hex()), slog.Any("error", err))
	}

	receipt, err := m.ledger.WaitForConfirmation(ctx, hash, m.timeout)
	switch {
	case err != nil:
		return m.failMint(ctx, tx, ev, fmt.Sprintf("mint confirmation failed for %s: %v", hash.Hex(), err), started)
	case !receipt.Success:
		return m.failMint(ctx, tx, ev, fmt.Sprintf("mint transaction %s reverted", hash.Hex()), started)
	case !token.FindMint(receipt, to, amount):
		return m.failMint(ctx, tx, ev, fmt.Sprintf("mint transaction %s has no matching transfer", hash.Hex()), started)
	}

	completedAt := m.now().UTC()
	ok, err := m.store.CompleteOnramp(ctx, tx.ID, hash.Hex(), ev.ChargeID, completedAt)
	if err != nil || !ok {
		// Tokens are minted but the row is not COMPLETED. It must not be
		// failed or refunded; onramp reconciliation completes it from the chain.
		m.raise(ctx, alerts.SeverityCritical, "minted purchase not recorded", fmt.Sprintf("complete write failed: %v", err), tx)
		m.metrics.RecordMint("unrecorded", m.now().Sub(started))
		return OutcomeFailed
	}
	m.metrics.RecordMint("completed", m.now().Sub(started))
	logger.InfoContext(ctx, "purchase completed", slog.String("tx_hash", hash.Hex()))

	if m.onComplete != nil {
		mintHash := hash.Hex()
		tx.Status = models.OnrampCompleted
		tx.MintTxHash = &mintHash
		tx.CompletedAt = &completedAt
		m.hooks.Add(1)
		go func() {
			defer m.hooks.Done()
			m.onComplete(ctx, tx)
		}()
	}
	return OutcomeCompleted
}

// failMint records the failed mint and then attempts the compensating refund.
func (m *Machine) failMint(ctx context.Context, tx models.OnrampTransaction, ev PaymentSucceeded, reason string, started time.Time) Outcome {
	logger := m.logger.With(slog.String("transaction_id", tx.ID.String()))
	m.metrics.RecordMint("failed", m.now().Sub(started))

	ok, err := m.store.FailOnramp(ctx, tx.ID, reason, ev.ChargeID, m.now().UTC(), false)
	if err != nil {
		m.raise(ctx, alerts.SeverityCritical, "failed mint not recorded", fmt.Sprintf("%s; status write failed: %v", reason, err), tx)
		return OutcomeFailed
	}
	if !ok {
		return OutcomeDuplicate
	}
	logger.WarnContext(ctx, "mint failed, refunding", slog.String("reason", reason))

	refundID, refundErr := m.refund(ctx, tx, ev, reason)
	if refundErr != nil {
		m.metrics.RecordRefund("failed")
		m.metrics.RecordManualIntervention()
		detail := fmt.Sprintf("%s; refund failed: %v", reason, refundErr)
		if _, err := m.store.FlagManualIntervention(ctx, tx.ID, detail); err != nil {
			detail = fmt.Sprintf("%s; manual flag write failed: %v", detail, err)
		}
		m.raise(ctx, alerts.SeverityCritical, "refund failed after mint failure", detail, tx)
		return OutcomeManualIntervention
	}
	m.metrics.RecordRefund("succeeded")

	ok, err = m.store.RefundOnramp(ctx, tx.ID, refundID, m.now().UTC())
	if err != nil || !ok {
		m.raise(ctx, alerts.SeverityCritical, "refund issued but not recorded",
			fmt.Sprintf("refund %s for %s: write failed: %v", refundID, reason, err), tx)
		return OutcomeRefunded
	}
	logger.InfoContext(ctx, "purchase refunded", slog.String("refund_id", refundID))
	return OutcomeRefunded
}

func (m *Machine) refund(ctx context.Context, tx models.OnrampTransaction, ev PaymentSucceeded, reason string) (string, error) {
	client, err := m.processors.Get(tx.Processor)
	if err != nil {
		return "", err
	}
	refund, err := client.IssueRefund(ctx, processor.RefundRequest{
		PaymentIntentID: tx.ExternalPaymentID,
		ChargeID:        ev.ChargeID,
		Reason:          reason,
		IdempotencyKey:  "refund-" + tx.ID.String(),
		Metadata: map[string]string{
			"transaction_id": tx.ID.String(),
			"failure_reason": reason,
		},
	})
	if err != nil {
		return "", err
	}
	return refund.ID, nil
}

func (m *Machine) paymentFailed(ctx context.Context, ev PaymentFailed) (Outcome, error) {
	tx, err := m.store.GetOnrampByExternalID(ctx, ev.ExternalPaymentID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return OutcomeIgnored, nil
		}
		return "", err
	}
	if tx.Processor != ev.Processor || tx.Status != models.OnrampPending {
		return OutcomeDuplicate, nil
	}
	message := ev.Message
	if message == "" {
		message = "payment failed at processor"
	}
	ok, err := m.store.FailOnramp(ctx, tx.ID, message, "", m.now().UTC(), true)
	if err != nil {
		return "", err
	}
	if !ok {
		return OutcomeInProgress, nil
	}
	m.logger.InfoContext(ctx, "payment failed at processor",
		slog.String("transaction_id", tx.ID.String()),
		slog.String("reason", message))
	return OutcomeMarkedFailed, nil
}

func (m *Machine) raise(ctx context.Context, severity alerts.Severity, title, message string, tx models.OnrampTransaction) {
	alert := alerts.Alert{
		Severity: severity,
		Source:   "settlement",
		Title:    title,
		Message:  message,
		Fields: map[string]string{
			"transaction_id": tx.ID.String(),
			"processor":      string(tx.Processor),
			"user_id":        tx.UserID,
		},
		RaisedAt: m.now().UTC(),
	}
	if err := m.alerts.Notify(ctx, alert); err != nil {
		m.logger.ErrorContext(ctx, "alert delivery failed", slog.String("title", title), slog.Any("error", err))
	}
}
