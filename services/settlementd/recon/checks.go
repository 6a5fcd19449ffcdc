package recon

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"coopledger/services/settlementd/ledger"
	"coopledger/services/settlementd/models"
	"coopledger/services/settlementd/store"
)

type checkFunc func(ctx context.Context, w *window) Check

func (e *Engine) checks() []checkFunc {
	return []checkFunc{
		e.checkPurchaseCount,
		e.checkExecutionRate,
		e.checkStalePending,
		e.checkRewardAmount,
		e.checkOnrampStale,
		e.checkManualIntervention,
		e.checkRefundedButMinted,
	}
}

// window memoises the on-chain RewardIssued events of a run so the count and
// amount checks share one log scan.
type window struct {
	engine *Engine
	start  time.Time
	end    time.Time

	fetched  bool
	issued   []ledger.RewardIssued
	chainErr error
}

func (w *window) rewardEvents(ctx context.Context) ([]ledger.RewardIssued, error) {
	if w.fetched {
		return w.issued, w.chainErr
	}
	w.issued, w.chainErr = w.fetchRewardEvents(ctx)
	// A scan interrupted by the budget is not cached so the error is not
	// mistaken for chain unavailability.
	w.fetched = ctx.Err() == nil
	return w.issued, w.chainErr
}

func (w *window) fetchRewardEvents(ctx context.Context) ([]ledger.RewardIssued, error) {
	chain := w.engine.chain
	if chain == nil {
		return nil, errors.New("no chain source configured")
	}
	from, to, err := chain.BlockRange(ctx, w.start, w.end)
	if errors.Is(err, ledger.ErrNoBlocksInRange) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	events, err := chain.EventLogs(ctx, ledger.EventRewardIssued, from, to)
	if err != nil {
		return nil, err
	}
	issued := make([]ledger.RewardIssued, 0, len(events))
	for _, ev := range events {
		if r, ok := ev.(ledger.RewardIssued); ok {
			issued = append(issued, r)
		}
	}
	return issued, nil
}

func infraFailure(name string, err error) Check {
	return Check{Name: name, Status: StatusFail, Message: fmt.Sprintf("%s check could not run: %v", name, err)}
}

func (e *Engine) checkPurchaseCount(ctx context.Context, w *window) Check {
	orders, err := e.store.CountCompletedOrders(ctx, w.start, w.end)
	if err != nil {
		return infraFailure(CheckPurchaseCount, err)
	}
	source := "chain"
	var confirmed int64
	events, chainErr := w.rewardEvents(ctx)
	if chainErr == nil {
		code := models.RewardStorePurchase.Code()
		for _, ev := range events {
			if ev.Reason == code {
				confirmed++
			}
		}
	} else {
		source = "database"
		confirmed, err = e.store.CountRewards(ctx, store.RewardFilter{
			Reasons:  []models.RewardReason{models.RewardStorePurchase},
			Statuses: []models.RewardStatus{models.RewardCompleted},
			Start:    w.start,
			End:      w.end,
		})
		if err != nil {
			return infraFailure(CheckPurchaseCount, err)
		}
	}

	threshold := e.thresholds.PurchaseCountDriftPct
	drift := DriftPct(float64(orders), float64(confirmed))
	check := Check{
		Name:         CheckPurchaseCount,
		Status:       StatusPass,
		Expected:     float64(orders),
		Actual:       float64(confirmed),
		DriftPct:     drift,
		ThresholdPct: threshold,
		Message: fmt.Sprintf("%d completed store orders, %d purchase rewards confirmed (%s)",
			orders, confirmed, source),
	}
	if chainErr != nil {
		check.Message += fmt.Sprintf("; chain unavailable: %v", chainErr)
	}
	if drift > threshold {
		check.Status = StatusWarn
		check.Message = fmt.Sprintf("purchase reward count drift %.2f%% exceeds %.2f%%: ", drift, threshold) + check.Message
	}
	return check
}

func (e *Engine) checkExecutionRate(ctx context.Context, w *window) Check {
	counts, err := e.store.CountRewardsByStatus(ctx, store.RewardFilter{Start: w.start, End: w.end})
	if err != nil {
		return infraFailure(CheckExecutionRate, err)
	}
	completed := counts[models.RewardCompleted]
	failed := counts[models.RewardFailed]
	attempts := completed + failed
	check := Check{
		Name:         CheckExecutionRate,
		Status:       StatusPass,
		Expected:     float64(attempts),
		Actual:       float64(failed),
		ThresholdPct: e.thresholds.ExecutionWarnPct,
	}
	if attempts == 0 {
		check.Message = "no settled reward attempts in window"
		return check
	}
	rate := float64(failed) * 100 / float64(attempts)
	check.DriftPct = rate
	check.Message = fmt.Sprintf("%d of %d reward mints failed (%.2f%%)", failed, attempts, rate)
	switch {
	case rate > e.thresholds.ExecutionFailPct:
		check.Status = StatusFail
		check.ThresholdPct = e.thresholds.ExecutionFailPct
	case rate > e.thresholds.ExecutionWarnPct:
		check.Status = StatusWarn
	}
	return check
}

func (e *Engine) checkStalePending(ctx context.Context, _ *window) Check {
	cutoff := e.now().UTC().Add(-e.thresholds.StaleAfter)
	stale, err := e.store.CountStalePendingRewards(ctx, cutoff)
	if err != nil {
		return infraFailure(CheckStalePending, err)
	}
	check := Check{
		Name:     CheckStalePending,
		Status:   StatusPass,
		Expected: 0,
		Actual:   float64(stale),
		DriftPct: DriftPct(0, float64(stale)),
		Message:  fmt.Sprintf("%d reward mints pending longer than %s", stale, e.thresholds.StaleAfter),
	}
	switch {
	case stale > e.thresholds.CriticalStaleThreshold:
		check.Status = StatusFail
		check.Message += fmt.Sprintf(" (critical above %d)", e.thresholds.CriticalStaleThreshold)
	case stale > 0:
		check.Status = StatusWarn
	}
	return check
}

func (e *Engine) checkRewardAmount(ctx context.Context, w *window) Check {
	recorded, err := e.store.SumRewards(ctx, store.RewardFilter{
		Statuses: []models.RewardStatus{models.RewardCompleted},
		Start:    w.start,
		End:      w.end,
	})
	if err != nil {
		return infraFailure(CheckRewardAmount, err)
	}
	expected := recorded
	source := "database"
	events, chainErr := w.rewardEvents(ctx)
	if chainErr == nil {
		token := e.chain.Token()
		onChain := decimal.Zero
		for _, ev := range events {
			onChain = onChain.Add(token.FromBaseUnits(ev.Actual))
		}
		expected = onChain
		source = "chain"
	}

	threshold := e.thresholds.AmountDriftPct
	exp, act := expected.InexactFloat64(), recorded.InexactFloat64()
	drift := DriftPct(exp, act)
	check := Check{
		Name:         CheckRewardAmount,
		Status:       StatusPass,
		Expected:     exp,
		Actual:       act,
		DriftPct:     drift,
		ThresholdPct: threshold,
		Message:      fmt.Sprintf("recorded %s reward currency against %s on %s", recorded.String(), expected.String(), source),
	}
	if chainErr != nil {
		check.Message += fmt.Sprintf("; chain unavailable: %v", chainErr)
	}
	if drift > threshold {
		check.Status = StatusWarn
		check.Message = fmt.Sprintf("reward amount drift %.2f%% exceeds %.2f%%: ", drift, threshold) + check.Message
	}
	return check
}

func (e *Engine) checkOnrampStale(ctx context.Context, _ *window) Check {
	cutoff := e.now().UTC().Add(-e.thresholds.StaleAfter)
	stale, err := e.store.CountStaleOnrampClaims(ctx, cutoff)
	if err != nil {
		return infraFailure(CheckOnrampStale, err)
	}
	check := Check{
		Name:     CheckOnrampStale,
		Status:   StatusPass,
		Actual:   float64(stale),
		DriftPct: DriftPct(0, float64(stale)),
		Message:  fmt.Sprintf("%d purchase mints in flight longer than %s", stale, e.thresholds.StaleAfter),
	}
	if stale > 0 {
		check.Status = StatusWarn
	}
	return check
}

func (e *Engine) checkManualIntervention(ctx context.Context, _ *window) Check {
	flagged, err := e.store.CountManualInterventions(ctx)
	if err != nil {
		return infraFailure(CheckManualIntervention, err)
	}
	check := Check{
		Name:     CheckManualIntervention,
		Status:   StatusPass,
		Actual:   float64(flagged),
		DriftPct: DriftPct(0, float64(flagged)),
		Message:  fmt.Sprintf("%d failed purchases awaiting manual refund", flagged),
	}
	if flagged > 0 {
		check.Status = StatusFail
	}
	return check
}

// checkRefundedButMinted finds purchases that were refunded although their
// mint landed. Those users hold both the tokens and their money back; the
// engine reports them and never repairs them.
func (e *Engine) checkRefundedButMinted(ctx context.Context, _ *window) Check {
	check := Check{Name: CheckRefundedButMinted, Status: StatusPass}
	if e.chain == nil {
		check.Message = "no chain source configured"
		return check
	}
	rows, err := e.store.ListOnrampsWithMintHash(ctx, models.OnrampRefunded)
	if err != nil {
		return infraFailure(CheckRefundedButMinted, err)
	}
	var minted []string
	skipped := 0
	for _, row := range rows {
		receipt, err := e.chain.TransactionReceipt(ctx, common.HexToHash(*row.MintTxHash))
		if err != nil {
			if ctx.Err() != nil {
				return check
			}
			if !errors.Is(err, ledger.ErrReceiptNotFound) {
				skipped++
			}
			continue
		}
		if receipt.Success {
			minted = append(minted, row.ID.String())
		}
	}
	check.Expected = 0
	check.Actual = float64(len(minted))
	check.DriftPct = DriftPct(0, check.Actual)
	check.Message = fmt.Sprintf("%d of %d refunded purchases have a successful mint", len(minted), len(rows))
	if skipped > 0 {
		check.Message += fmt.Sprintf("; %d receipts unavailable", skipped)
	}
	if len(minted) > 0 {
		check.Status = StatusFail
		check.Message += ": " + joinLimited(minted, 10)
	}
	return check
}

func joinLimited(ids []string, limit int) string {
	if len(ids) <= limit {
		return fmt.Sprint(ids)
	}
	return fmt.Sprintf("%v and %d more", ids[:limit], len(ids)-limit)
}
